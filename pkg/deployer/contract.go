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

// Package deployer defines the uniform contract spec.md §4.4 asks every
// deployment backend to implement, plus the process-local factory
// (§4.7) that resolves a Deployer by platform. Implementations are
// pure command executors: all per-deployment state lives in the
// deployment.Deployment row, never inside the Deployer itself.
package deployer

import (
	"strconv"
	"time"
)

// DeployConfig is the per-deploy-call input of spec.md §6: the union of
// keys every platform recognizes plus the platform-scoped bag each
// backend interprets for itself.
type DeployConfig struct {
	Adapter         string
	EnvironmentName string
	EnvVars         map[string]string
	AutoStart       bool

	// HostPort is consulted by the local container deployer.
	HostPort int

	// Registry is consulted by the cluster deployer's build step.
	Registry string

	// PlatformConfig carries backend-specific keys: kubeconfig+namespace
	// for cluster, ssh host/user/key for remote_host, resource_group/
	// function_app_name/storage_account/location/runtime_version for
	// serverless, device_id/device_group for edge.
	PlatformConfig map[string]any
}

// StringConfig reads a string key from PlatformConfig, returning "" if
// absent or not a string.
func (c DeployConfig) StringConfig(key string) string {
	v, ok := c.PlatformConfig[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// IntConfig reads an integer key from PlatformConfig, returning
// fallback if absent or not representable as an int. PlatformConfig
// values built from JSON (the CLI snapshot, a decoded request body)
// arrive as float64, so that and a handful of other numeric shapes are
// all accepted alongside a plain int.
func (c DeployConfig) IntConfig(key string, fallback int) int {
	switch v := c.PlatformConfig[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// ProgressFunc reports a deployer-internal sub-step; it is distinct
// from pipeline.StepEvent, which reports pipeline-level steps.
type ProgressFunc func(message string)

// ValidationResult is returned by check_prerequisites and
// validate_config.
type ValidationResult struct {
	OK              bool
	Errors          []string
	Warnings        []string
	RequirementsMet map[string]bool
}

// BuildResult is returned by build. ArtifactHandle is deployer-specific:
// an image tag, a path to a synthesized project, and so on.
type BuildResult struct {
	OK             bool
	ArtifactHandle string
	BuildLogs      string
	Error          string
	Duration       time.Duration
}

// DeployResult is returned by deploy.
type DeployResult struct {
	OK         bool
	ExternalID string
	AccessURL  string
	Endpoints  map[string]string
	DeployLogs string
	Error      string
	Duration   time.Duration
}

// RunState enumerates StatusResult.State.
type RunState string

const (
	RunStateRunning  RunState = "running"
	RunStateStopped  RunState = "stopped"
	RunStateError    RunState = "error"
	RunStateUpdating RunState = "updating"
	RunStateUnknown  RunState = "unknown"
)

// Health enumerates StatusResult.Health.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// StatusResult is returned by start, stop, restart, and status.
type StatusResult struct {
	Running       bool
	State         RunState
	Health        Health
	Message       string
	UptimeSeconds int64
	LastUpdated   time.Time
	Metrics       map[string]float64
}

// Deployer is the uniform contract of spec.md §4.4. Every method is
// synchronous from the caller's perspective and takes no context; each
// implementation sets the timeout of its own subprocess calls, and a
// build or deploy whose subprocess times out returns ok=false with a
// structured error and whatever logs were captured, never a bare Go
// error for the timeout itself.
type Deployer interface {
	Platform() string

	CheckPrerequisites() ValidationResult
	ValidateConfig(cfg DeployConfig) ValidationResult

	Build(cfg DeployConfig, packagePath string, onProgress ProgressFunc) BuildResult
	Deploy(deploymentID string, cfg DeployConfig, built BuildResult, onProgress ProgressFunc) DeployResult

	Start(deploymentID string, cfg DeployConfig) StatusResult
	Stop(deploymentID string, cfg DeployConfig) StatusResult
	Restart(deploymentID string, cfg DeployConfig) StatusResult
	Status(deploymentID string, cfg DeployConfig) StatusResult

	Logs(deploymentID string, cfg DeployConfig, lines int, follow bool) (string, error)
	Delete(deploymentID string, cfg DeployConfig) bool

	AccessInstructions(deploymentID string, cfg DeployConfig) map[string]string
	ConfigSchema() map[string]string
}

// ExternalName derives the deterministic external identifier spec.md
// §4.4 requires: "postqode-<agent_id>-<first 8 of deployment_id>". Every
// deployer implementation calls this instead of rolling its own naming,
// so operations stay idempotent and resources are rediscoverable after
// a process restart.
func ExternalName(agentID, deploymentID string) string {
	suffix := deploymentID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return "postqode-" + agentID + "-" + suffix
}
