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

// Package edge implements the Edge Fleet Deployer of spec.md §4.4.5: it
// emits an edge manifest next to the package and proxies every
// lifecycle operation to an external edge device registry over HTTP.
package edge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/postqode/orchestrator/pkg/config"
	"github.com/postqode/orchestrator/pkg/deployer"
)

// edgeManifest is written next to the package by Build, per spec.md
// §4.4.5 ("emit an edge manifest (adapter, env, resource caps,
// offline-capable flag, sync interval)").
type edgeManifest struct {
	Adapter        string            `json:"adapter"`
	Env            map[string]string `json:"env"`
	OfflineCapable bool              `json:"offline_capable"`
	SyncIntervalS  int               `json:"sync_interval_seconds"`
	MemoryMB       int               `json:"memory_mb"`
	CPUPercent     int               `json:"cpu_percent"`
}

// Deployer proxies to an external edge device registry's HTTP API.
type Deployer struct {
	cfg        *config.Config
	registryURL string
	httpClient *http.Client
}

// New constructs an edge fleet Deployer pointed at registryURL.
func New(cfg *config.Config, registryURL string) *Deployer {
	return &Deployer{
		cfg:         cfg,
		registryURL: strings.TrimRight(registryURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *Deployer) Platform() string { return "edge" }

func (d *Deployer) CheckPrerequisites() deployer.ValidationResult {
	req, err := http.NewRequest(http.MethodGet, d.registryURL+"/healthz", nil)
	if err != nil {
		return deployer.ValidationResult{OK: false, Errors: []string{err.Error()}}
	}
	resp, err := d.httpClient.Do(req)
	ok := err == nil && resp != nil && resp.StatusCode < 500
	if resp != nil {
		resp.Body.Close()
	}
	met := map[string]bool{"edge registry reachable": ok}
	if !ok {
		return deployer.ValidationResult{OK: false, Errors: []string{"edge registry unreachable"}, RequirementsMet: met}
	}
	return deployer.ValidationResult{OK: true, RequirementsMet: met}
}

func (d *Deployer) ValidateConfig(cfg deployer.DeployConfig) deployer.ValidationResult {
	if cfg.StringConfig("device_id") == "" && cfg.StringConfig("device_group") == "" {
		return deployer.ValidationResult{OK: false, Errors: []string{"one of platform_config.device_id or platform_config.device_group is required"}}
	}
	return deployer.ValidationResult{OK: true}
}

// Build emits an edge manifest next to the original package.
func (d *Deployer) Build(cfg deployer.DeployConfig, packagePath string, onProgress deployer.ProgressFunc) deployer.BuildResult {
	start := time.Now()

	syncInterval := 60
	if v, ok := cfg.PlatformConfig["sync_interval"]; ok {
		if f, ok := v.(float64); ok {
			syncInterval = int(f)
		}
	}
	memoryMB := 0
	if v, ok := cfg.PlatformConfig["memory_mb"]; ok {
		if f, ok := v.(float64); ok {
			memoryMB = int(f)
		}
	}
	cpuPercent := 0
	if v, ok := cfg.PlatformConfig["cpu_percent"]; ok {
		if f, ok := v.(float64); ok {
			cpuPercent = int(f)
		}
	}
	offlineCapable := false
	if v, ok := cfg.PlatformConfig["offline_capable"]; ok {
		if b, ok := v.(bool); ok {
			offlineCapable = b
		}
	}

	m := edgeManifest{
		Adapter:        cfg.Adapter,
		Env:            cfg.EnvVars,
		OfflineCapable: offlineCapable,
		SyncIntervalS:  syncInterval,
		MemoryMB:       memoryMB,
		CPUPercent:     cpuPercent,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}

	manifestPath := packagePath + ".edge-manifest.json"
	if onProgress != nil {
		onProgress("writing edge manifest")
	}
	if err := os.WriteFile(manifestPath, data, 0644); err != nil {
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}

	return deployer.BuildResult{OK: true, ArtifactHandle: manifestPath, Duration: time.Since(start)}
}

// Deploy POSTs the package and manifest to the edge registry, then
// issues a deploy command scoped by device_id or device_group.
func (d *Deployer) Deploy(deploymentID string, cfg deployer.DeployConfig, built deployer.BuildResult, onProgress deployer.ProgressFunc) deployer.DeployResult {
	start := time.Now()
	if !built.OK {
		return deployer.DeployResult{Error: "build did not succeed", Duration: time.Since(start)}
	}

	manifestData, err := os.ReadFile(built.ArtifactHandle)
	if err != nil {
		return deployer.DeployResult{Error: err.Error(), Duration: time.Since(start)}
	}
	packagePath := strings.TrimSuffix(built.ArtifactHandle, ".edge-manifest.json")
	packageData, err := os.ReadFile(packagePath)
	if err != nil {
		return deployer.DeployResult{Error: err.Error(), Duration: time.Since(start)}
	}

	if onProgress != nil {
		onProgress("uploading package and manifest")
	}
	uploadBody, _ := json.Marshal(map[string]any{
		"package":  packageData,
		"manifest": json.RawMessage(manifestData),
		"agent_id": cfg.StringConfig("agent_id"),
	})
	if _, err := d.post("/packages", uploadBody); err != nil {
		return deployer.DeployResult{Error: err.Error(), Duration: time.Since(start)}
	}

	externalID := deployer.ExternalName(cfg.StringConfig("agent_id"), deploymentID)
	if onProgress != nil {
		onProgress("issuing deploy command")
	}
	deployBody, _ := json.Marshal(map[string]any{
		"deployment_id": externalID,
		"device_id":     cfg.StringConfig("device_id"),
		"device_group":  cfg.StringConfig("device_group"),
	})
	respBody, err := d.post("/deployments", deployBody)
	if err != nil {
		return deployer.DeployResult{Error: err.Error(), Duration: time.Since(start)}
	}

	var decoded struct {
		DeviceURL string `json:"device_url"`
	}
	json.Unmarshal(respBody, &decoded)
	accessURL := decoded.DeviceURL
	if accessURL == "" {
		accessURL = d.registryURL
	}

	return deployer.DeployResult{OK: true, ExternalID: externalID, AccessURL: accessURL, Duration: time.Since(start)}
}

func (d *Deployer) Start(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	return d.lifecycle(deploymentID, cfg, "start")
}

func (d *Deployer) Stop(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	return d.lifecycle(deploymentID, cfg, "stop")
}

func (d *Deployer) Restart(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	return d.lifecycle(deploymentID, cfg, "restart")
}

func (d *Deployer) lifecycle(deploymentID string, cfg deployer.DeployConfig, verb string) deployer.StatusResult {
	externalID := deployer.ExternalName(cfg.StringConfig("agent_id"), deploymentID)
	_, err := d.post(fmt.Sprintf("/deployments/%s/%s", externalID, verb), nil)
	if err != nil {
		return deployer.StatusResult{State: deployer.RunStateError, Message: err.Error(), LastUpdated: time.Now()}
	}
	if verb == "stop" {
		return deployer.StatusResult{Running: false, State: deployer.RunStateStopped, LastUpdated: time.Now()}
	}
	return deployer.StatusResult{Running: true, State: deployer.RunStateRunning, Health: deployer.HealthHealthy, LastUpdated: time.Now()}
}

func (d *Deployer) Status(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	externalID := deployer.ExternalName(cfg.StringConfig("agent_id"), deploymentID)
	body, err := d.get(fmt.Sprintf("/deployments/%s", externalID))
	if err != nil {
		return deployer.StatusResult{State: deployer.RunStateUnknown, Message: err.Error(), LastUpdated: time.Now()}
	}
	var decoded struct {
		Running bool   `json:"running"`
		State   string `json:"state"`
	}
	json.Unmarshal(body, &decoded)
	state := deployer.RunState(decoded.State)
	if state == "" {
		state = deployer.RunStateUnknown
	}
	return deployer.StatusResult{Running: decoded.Running, State: state, LastUpdated: time.Now()}
}

func (d *Deployer) Logs(deploymentID string, cfg deployer.DeployConfig, lines int, follow bool) (string, error) {
	externalID := deployer.ExternalName(cfg.StringConfig("agent_id"), deploymentID)
	body, err := d.get(fmt.Sprintf("/deployments/%s/logs?lines=%d", externalID, lines))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (d *Deployer) Delete(deploymentID string, cfg deployer.DeployConfig) bool {
	externalID := deployer.ExternalName(cfg.StringConfig("agent_id"), deploymentID)
	req, err := http.NewRequest(http.MethodDelete, d.registryURL+"/deployments/"+externalID, nil)
	if err != nil {
		return false
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound
}

func (d *Deployer) AccessInstructions(deploymentID string, cfg deployer.DeployConfig) map[string]string {
	externalID := deployer.ExternalName(cfg.StringConfig("agent_id"), deploymentID)
	return map[string]string{
		"registry_console": d.registryURL + "/deployments/" + externalID,
	}
}

func (d *Deployer) ConfigSchema() map[string]string {
	return map[string]string{
		"device_id":       "string, target a single device",
		"device_group":    "string, target a device group",
		"offline_capable": "bool",
		"sync_interval":   "int, seconds",
		"memory_mb":       "int, resource cap",
		"cpu_percent":     "int, resource cap",
	}
}

func (d *Deployer) post(path string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, d.registryURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("edge: %s: %w", path, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return respBody, fmt.Errorf("edge: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

func (d *Deployer) get(path string) ([]byte, error) {
	resp, err := d.httpClient.Get(d.registryURL + path)
	if err != nil {
		return nil, fmt.Errorf("edge: %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return body, fmt.Errorf("edge: %s returned %d", path, resp.StatusCode)
	}
	return body, nil
}
