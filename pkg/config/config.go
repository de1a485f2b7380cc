// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the ambient settings shared by the package store
// and every deployer: where bytes live on disk and how long a subprocess
// or remote call is allowed to run before it is killed.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is a small, read-mostly struct, built once at startup and
// threaded into every component via its constructor — no package-level
// globals.
type Config struct {
	storageRoot string
	artifactRoot string

	buildTimeout  time.Duration
	deployTimeout time.Duration
	statusTimeout time.Duration
	sshTimeout    time.Duration

	marketplaceURL string
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithStorageRoot overrides the package-bytes root (default
// $POSTQODE_HOME/packages or ~/.postqode/packages).
func WithStorageRoot(path string) Option {
	return func(c *Config) { c.storageRoot = path }
}

// WithArtifactRoot overrides the synthesized-artefact root (container
// build contexts, Helm charts, remote-host bundles, edge manifests).
func WithArtifactRoot(path string) Option {
	return func(c *Config) { c.artifactRoot = path }
}

// WithMarketplaceURL overrides the value injected into deployed agents
// as POSTQODE_MARKETPLACE_URL.
func WithMarketplaceURL(url string) Option {
	return func(c *Config) { c.marketplaceURL = url }
}

// New builds a Config, resolving defaults the way the package's teacher
// resolves gcloud defaults: best-effort, falling back to sane values
// rather than failing startup.
func New(opts ...Option) *Config {
	home := postqodeHome()
	c := &Config{
		storageRoot:    filepath.Join(home, "packages"),
		artifactRoot:   filepath.Join(home, "artifacts"),
		buildTimeout:   10 * time.Minute,
		deployTimeout:  10 * time.Minute,
		statusTimeout:  30 * time.Second,
		sshTimeout:     5 * time.Minute,
		marketplaceURL: "https://marketplace.postqode.internal",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func postqodeHome() string {
	if v := os.Getenv("POSTQODE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "postqode")
	}
	return filepath.Join(home, ".postqode")
}

func (c *Config) StorageRoot() string  { return c.storageRoot }
func (c *Config) ArtifactRoot() string { return c.artifactRoot }

func (c *Config) BuildTimeout() time.Duration  { return c.buildTimeout }
func (c *Config) DeployTimeout() time.Duration { return c.deployTimeout }
func (c *Config) StatusTimeout() time.Duration { return c.statusTimeout }
func (c *Config) SSHTimeout() time.Duration    { return c.sshTimeout }

func (c *Config) MarketplaceURL() string { return c.marketplaceURL }

// PackagePath returns the on-disk path for a given agent/version's
// stored bytes, per spec.md §6's persisted state layout.
func (c *Config) PackagePath(agentID, version string) string {
	return filepath.Join(c.storageRoot, agentID, version+".zip")
}

// ArtifactDir returns the per-(agent,version) synthesized-artefact
// directory for a given platform, so rebuilds are cache-friendly.
func (c *Config) ArtifactDir(platform, agentID, version string) string {
	return filepath.Join(c.artifactRoot, platform, agentID, version)
}
