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

package edge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/postqode/orchestrator/pkg/config"
	"github.com/postqode/orchestrator/pkg/deployer"
)

func TestValidateConfigRequiresDeviceOrGroup(t *testing.T) {
	d := New(config.New(), "http://registry.example")
	res := d.ValidateConfig(deployer.DeployConfig{})
	if res.OK {
		t.Fatalf("expected validation to fail without device_id/device_group")
	}
}

func TestValidateConfigAcceptsDeviceID(t *testing.T) {
	d := New(config.New(), "http://registry.example")
	res := d.ValidateConfig(deployer.DeployConfig{PlatformConfig: map[string]any{"device_id": "dev-1"}})
	if !res.OK {
		t.Fatalf("expected ok, got %v", res.Errors)
	}
}

func TestBuildWritesManifestNextToPackage(t *testing.T) {
	dir := t.TempDir()
	packagePath := filepath.Join(dir, "1.0.0.zip")
	os.WriteFile(packagePath, []byte("fake zip bytes"), 0644)

	d := New(config.New(), "http://registry.example")
	res := d.Build(deployer.DeployConfig{
		Adapter: "openai",
		EnvVars: map[string]string{"FOO": "bar"},
		PlatformConfig: map[string]any{
			"offline_capable": true,
			"sync_interval":   float64(30),
		},
	}, packagePath, nil)

	if !res.OK {
		t.Fatalf("expected build to succeed, got error: %s", res.Error)
	}
	data, err := os.ReadFile(res.ArtifactHandle)
	if err != nil {
		t.Fatalf("expected manifest file: %v", err)
	}
	var m edgeManifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if m.Adapter != "openai" || !m.OfflineCapable || m.SyncIntervalS != 30 {
		t.Fatalf("unexpected manifest: %+v", m)
	}
}

func TestDeployPostsPackageAndManifest(t *testing.T) {
	var hitPackages, hitDeployments bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/packages":
			hitPackages = true
			w.WriteHeader(http.StatusOK)
		case "/deployments":
			hitDeployments = true
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"device_url":"http://device.local:9000"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	packagePath := filepath.Join(dir, "1.0.0.zip")
	os.WriteFile(packagePath, []byte("fake zip bytes"), 0644)

	d := New(config.New(), srv.URL)
	cfg := deployer.DeployConfig{PlatformConfig: map[string]any{"agent_id": "agent-1", "device_id": "dev-1"}}
	built := d.Build(cfg, packagePath, nil)
	if !built.OK {
		t.Fatalf("build failed: %s", built.Error)
	}

	res := d.Deploy("dep-12345678", cfg, built, nil)
	if !res.OK {
		t.Fatalf("deploy failed: %s", res.Error)
	}
	if !hitPackages || !hitDeployments {
		t.Fatalf("expected both endpoints to be hit")
	}
	if res.AccessURL != "http://device.local:9000" {
		t.Fatalf("got access url %q", res.AccessURL)
	}
	if res.ExternalID != "postqode-agent-1-dep-1234" {
		t.Fatalf("got external id %q", res.ExternalID)
	}
}
