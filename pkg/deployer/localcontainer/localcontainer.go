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

// Package localcontainer implements the Local Container Deployer of
// spec.md §4.4.1: build an image from the package's container recipe
// and run it detached on the local container engine.
package localcontainer

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/postqode/orchestrator/internal/subprocess"
	"github.com/postqode/orchestrator/pkg/config"
	"github.com/postqode/orchestrator/pkg/deployer"
)

// Deployer drives the local container engine via its CLI, following the
// same exec.CommandContext-through-a-central-wrapper shape the teacher
// uses for gcloud/kubectl invocations.
type Deployer struct {
	cfg    *config.Config
	engine string // "docker" or "podman"; defaults to docker
}

// New constructs a local container Deployer. engine overrides the CLI
// binary name; an empty string defaults to "docker".
func New(cfg *config.Config, engine string) *Deployer {
	if engine == "" {
		engine = "docker"
	}
	return &Deployer{cfg: cfg, engine: engine}
}

func (d *Deployer) Platform() string { return "local_container" }

func (d *Deployer) CheckPrerequisites() deployer.ValidationResult {
	res, err := subprocess.Run(context.Background(), 10*time.Second, "", []string{d.engine, "version", "--format", "{{.Server.Version}}"}, nil)
	met := map[string]bool{d.engine + " available": err == nil && res.ExitCode == 0}
	if !met[d.engine+" available"] {
		return deployer.ValidationResult{
			OK:              false,
			Errors:          []string{fmt.Sprintf("%s is not reachable: %s", d.engine, strings.TrimSpace(res.Combined))},
			RequirementsMet: met,
		}
	}
	return deployer.ValidationResult{OK: true, RequirementsMet: met}
}

func (d *Deployer) ValidateConfig(cfg deployer.DeployConfig) deployer.ValidationResult {
	var warnings []string
	if cfg.HostPort == 0 {
		warnings = append(warnings, "host_port not set; a port will be chosen at deploy time")
	}
	return deployer.ValidationResult{OK: true, Warnings: warnings}
}

// Build extracts the package, locates a container recipe at the
// archive root or the single top-level subdirectory, and invokes the
// container toolchain to build an image tagged
// postqode-agent-<agent_id>:<version>.
func (d *Deployer) Build(cfg deployer.DeployConfig, packagePath string, onProgress deployer.ProgressFunc) deployer.BuildResult {
	start := time.Now()
	agentID, version := agentAndVersionFromPath(packagePath)

	buildRoot, err := os.MkdirTemp("", "postqode-build-*")
	if err != nil {
		return deployer.BuildResult{Error: fmt.Sprintf("create build root: %v", err), Duration: time.Since(start)}
	}
	defer os.RemoveAll(buildRoot)

	if onProgress != nil {
		onProgress("extracting package")
	}
	recipeDir, err := extractRecipe(packagePath, buildRoot)
	if err != nil {
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}

	tag := fmt.Sprintf("postqode-agent-%s:%s", agentID, version)
	if onProgress != nil {
		onProgress("building image " + tag)
	}
	res, runErr := subprocess.Run(context.Background(), d.cfg.BuildTimeout(), recipeDir, []string{d.engine, "build", "-t", tag, "."}, nil)
	if runErr != nil {
		return deployer.BuildResult{BuildLogs: res.Combined, Error: runErr.Error(), Duration: time.Since(start)}
	}
	if res.TimedOut {
		return deployer.BuildResult{BuildLogs: res.Combined, Error: "timed out", Duration: time.Since(start)}
	}
	if res.ExitCode != 0 {
		return deployer.BuildResult{BuildLogs: res.Combined, Error: fmt.Sprintf("image build exited %d", res.ExitCode), Duration: time.Since(start)}
	}

	return deployer.BuildResult{OK: true, ArtifactHandle: tag, BuildLogs: res.Combined, Duration: time.Since(start)}
}

// Deploy stops/removes any prior container of the deterministic name,
// then runs the built image detached with the requested port mapping
// and env vars plus the injected POSTQODE_* variables.
func (d *Deployer) Deploy(deploymentID string, cfg deployer.DeployConfig, built deployer.BuildResult, onProgress deployer.ProgressFunc) deployer.DeployResult {
	start := time.Now()
	if !built.OK {
		return deployer.DeployResult{Error: "build did not succeed", Duration: time.Since(start)}
	}

	name := deployer.ExternalName(agentIDFromEnv(cfg), deploymentID)
	if onProgress != nil {
		onProgress("removing prior container " + name)
	}
	subprocess.Run(context.Background(), 30*time.Second, "", []string{d.engine, "rm", "-f", name}, nil)

	port := cfg.HostPort
	if port == 0 {
		port = 18080
	}

	args := []string{d.engine, "run", "-d", "--name", name, "-p", fmt.Sprintf("%d:8080", port)}
	args = append(args, envArgs(cfg, deploymentID)...)
	args = append(args, built.ArtifactHandle)

	if onProgress != nil {
		onProgress("starting container")
	}
	res, err := subprocess.Run(context.Background(), d.cfg.DeployTimeout(), "", args, nil)
	if err != nil {
		return deployer.DeployResult{DeployLogs: res.Combined, Error: err.Error(), Duration: time.Since(start)}
	}
	if res.TimedOut {
		return deployer.DeployResult{DeployLogs: res.Combined, Error: "timed out", Duration: time.Since(start)}
	}
	if res.ExitCode != 0 {
		return deployer.DeployResult{DeployLogs: res.Combined, Error: fmt.Sprintf("run exited %d: %s", res.ExitCode, strings.TrimSpace(res.Combined)), Duration: time.Since(start)}
	}

	containerID := strings.TrimSpace(res.Stdout)
	return deployer.DeployResult{
		OK:         true,
		ExternalID: containerID,
		AccessURL:  fmt.Sprintf("http://localhost:%d", port),
		DeployLogs: res.Combined,
		Duration:   time.Since(start),
	}
}

func (d *Deployer) Start(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	name := deployer.ExternalName(agentIDFromEnv(cfg), deploymentID)
	subprocess.Run(context.Background(), 30*time.Second, "", []string{d.engine, "start", name}, nil)
	return d.Status(deploymentID, cfg)
}

func (d *Deployer) Stop(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	name := deployer.ExternalName(agentIDFromEnv(cfg), deploymentID)
	subprocess.Run(context.Background(), 30*time.Second, "", []string{d.engine, "stop", name}, nil)
	return deployer.StatusResult{Running: false, State: deployer.RunStateStopped, Health: deployer.HealthUnknown, LastUpdated: time.Now()}
}

func (d *Deployer) Restart(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	name := deployer.ExternalName(agentIDFromEnv(cfg), deploymentID)
	subprocess.Run(context.Background(), 30*time.Second, "", []string{d.engine, "restart", name}, nil)
	return d.Status(deploymentID, cfg)
}

func (d *Deployer) Status(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	name := deployer.ExternalName(agentIDFromEnv(cfg), deploymentID)
	res, err := subprocess.Run(context.Background(), d.cfg.StatusTimeout(), "", []string{d.engine, "inspect", "-f", "{{.State.Status}}", name}, nil)
	if err != nil || res.ExitCode != 0 {
		return deployer.StatusResult{State: deployer.RunStateUnknown, Health: deployer.HealthUnknown, Message: strings.TrimSpace(res.Combined), LastUpdated: time.Now()}
	}
	status := strings.TrimSpace(res.Stdout)
	switch status {
	case "running":
		return deployer.StatusResult{Running: true, State: deployer.RunStateRunning, Health: deployer.HealthHealthy, LastUpdated: time.Now()}
	case "exited", "dead":
		return deployer.StatusResult{Running: false, State: deployer.RunStateStopped, Health: deployer.HealthUnknown, LastUpdated: time.Now()}
	default:
		return deployer.StatusResult{State: deployer.RunStateUnknown, Health: deployer.HealthUnknown, Message: status, LastUpdated: time.Now()}
	}
}

func (d *Deployer) Logs(deploymentID string, cfg deployer.DeployConfig, lines int, follow bool) (string, error) {
	name := deployer.ExternalName(agentIDFromEnv(cfg), deploymentID)
	args := []string{d.engine, "logs"}
	if lines > 0 {
		args = append(args, "--tail", strconv.Itoa(lines))
	}
	args = append(args, name)
	res, err := subprocess.Run(context.Background(), 30*time.Second, "", args, nil)
	if err != nil {
		return "", err
	}
	return res.Combined, nil
}

func (d *Deployer) Delete(deploymentID string, cfg deployer.DeployConfig) bool {
	name := deployer.ExternalName(agentIDFromEnv(cfg), deploymentID)
	subprocess.Run(context.Background(), 30*time.Second, "", []string{d.engine, "rm", "-f", name}, nil)
	return true
}

func (d *Deployer) AccessInstructions(deploymentID string, cfg deployer.DeployConfig) map[string]string {
	name := deployer.ExternalName(agentIDFromEnv(cfg), deploymentID)
	return map[string]string{
		"view_logs": fmt.Sprintf("%s logs -f %s", d.engine, name),
		"shell":     fmt.Sprintf("%s exec -it %s sh", d.engine, name),
		"inspect":   fmt.Sprintf("%s inspect %s", d.engine, name),
	}
}

func (d *Deployer) ConfigSchema() map[string]string {
	return map[string]string{
		"host_port": "int, host port to bind container port 8080 to",
	}
}

func envArgs(cfg deployer.DeployConfig, deploymentID string) []string {
	var args []string
	for k, v := range cfg.EnvVars {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	injected := map[string]string{
		"POSTQODE_DEPLOYMENT_ID": deploymentID,
		"POSTQODE_AGENT_ID":      agentIDFromEnv(cfg),
		"POSTQODE_ADAPTER":       cfg.Adapter,
	}
	for k, v := range injected {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	return args
}

// agentIDFromEnv recovers the agent id the caller stashed in
// PlatformConfig["agent_id"]; the pipeline always sets this before
// invoking any deployer method so naming stays deterministic across
// build/deploy/status/delete calls for the same deployment.
func agentIDFromEnv(cfg deployer.DeployConfig) string {
	return cfg.StringConfig("agent_id")
}

func agentAndVersionFromPath(packagePath string) (agentID, version string) {
	version = strings.TrimSuffix(filepath.Base(packagePath), filepath.Ext(packagePath))
	agentID = filepath.Base(filepath.Dir(packagePath))
	return agentID, version
}

// extractRecipe extracts the ZIP at packagePath into buildRoot and
// returns the directory containing the container recipe: the archive
// root, or its single top-level subdirectory.
func extractRecipe(packagePath, buildRoot string) (string, error) {
	data, err := os.ReadFile(packagePath)
	if err != nil {
		return "", fmt.Errorf("read package: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open package zip: %w", err)
	}

	tops := map[string]bool{}
	for _, f := range zr.File {
		name := strings.TrimPrefix(f.Name, "/")
		dest := filepath.Join(buildRoot, filepath.FromSlash(name))
		if f.FileInfo().IsDir() {
			os.MkdirAll(dest, 0755)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return "", err
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		out, err := os.Create(dest)
		if err != nil {
			rc.Close()
			return "", err
		}
		_, copyErr := out.ReadFrom(rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return "", copyErr
		}
		if i := strings.IndexByte(name, '/'); i >= 0 {
			tops[name[:i]] = true
		}
	}

	if _, err := os.Stat(filepath.Join(buildRoot, "Dockerfile")); err == nil {
		return buildRoot, nil
	}
	if len(tops) == 1 {
		for top := range tops {
			candidate := filepath.Join(buildRoot, top)
			if _, err := os.Stat(filepath.Join(candidate, "Dockerfile")); err == nil {
				return candidate, nil
			}
		}
	}
	return buildRoot, nil
}
