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

// Package serverless implements the Serverless Deployer of spec.md
// §4.4.4, scaffolding a function-app project and driving Azure
// Functions through the provider CLI. It is grounded on the original
// azure_deployer.py implementation's command sequence (resource group,
// storage account, function app, publish).
package serverless

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/postqode/orchestrator/internal/subprocess"
	"github.com/postqode/orchestrator/pkg/config"
	"github.com/postqode/orchestrator/pkg/deployer"
)

// Deployer drives Azure Functions via the az CLI, after a credential
// preflight check done with azidentity in CheckPrerequisites, so a
// missing credential is reported before any az command is attempted.
// Every function app it builds is a Python app; the package's manifest
// runtime section is not consulted.
type Deployer struct {
	cfg *config.Config
}

// New constructs a serverless Deployer.
func New(cfg *config.Config) *Deployer {
	return &Deployer{cfg: cfg}
}

func (d *Deployer) Platform() string { return "serverless" }

// CheckPrerequisites verifies az and func CLIs are present, plus that a
// default Azure credential resolves — the same preflight shape as the
// teacher's ADC check, adapted from GCP application-default credentials
// to azidentity.NewDefaultAzureCredential.
func (d *Deployer) CheckPrerequisites() deployer.ValidationResult {
	met := map[string]bool{}
	var errs []string

	azRes, azErr := subprocess.Run(context.Background(), 10*time.Second, "", []string{"az", "--version"}, nil)
	met["azure_cli"] = azErr == nil && azRes.ExitCode == 0
	if !met["azure_cli"] {
		errs = append(errs, "Azure CLI is not installed")
	}

	funcRes, funcErr := subprocess.Run(context.Background(), 10*time.Second, "", []string{"func", "--version"}, nil)
	met["func_tools"] = funcErr == nil && funcRes.ExitCode == 0
	if !met["func_tools"] {
		errs = append(errs, "Azure Functions Core Tools not installed")
	}

	cred, credErr := azidentity.NewDefaultAzureCredential(nil)
	met["azure_credential"] = credErr == nil && cred != nil
	if !met["azure_credential"] {
		errs = append(errs, "no default Azure credential available: "+errString(credErr))
	}

	return deployer.ValidationResult{OK: len(errs) == 0, Errors: errs, RequirementsMet: met}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (d *Deployer) ValidateConfig(cfg deployer.DeployConfig) deployer.ValidationResult {
	prereqs := d.CheckPrerequisites()
	if !prereqs.OK {
		return prereqs
	}

	var errs, warnings []string
	if cfg.StringConfig("resource_group") == "" {
		errs = append(errs, "platform_config.resource_group is required")
	}
	if cfg.StringConfig("function_app_name") == "" {
		errs = append(errs, "platform_config.function_app_name is required")
	}
	if cfg.StringConfig("storage_account") == "" {
		warnings = append(warnings, "no storage_account specified, a new one will be created")
	}

	return deployer.ValidationResult{OK: len(errs) == 0, Errors: errs, Warnings: warnings, RequirementsMet: prereqs.RequirementsMet}
}

// Build extracts the package into a scaffolded function-app project: a
// host config, local settings with env vars, a requirements file
// merging a base SDK requirement with the package's own, and a single
// HTTP-triggered function bridging requests to the package entry point.
func (d *Deployer) Build(cfg deployer.DeployConfig, packagePath string, onProgress deployer.ProgressFunc) deployer.BuildResult {
	start := time.Now()
	agentID := cfg.StringConfig("agent_id")

	projectRoot := d.cfg.ArtifactDir("serverless", agentID, cfg.StringConfig("version"))
	os.RemoveAll(projectRoot)
	if err := os.MkdirAll(projectRoot, 0755); err != nil {
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}

	if onProgress != nil {
		onProgress("extracting package into function-app project")
	}
	agentDir := filepath.Join(projectRoot, "agent")
	if err := extractZip(packagePath, agentDir); err != nil {
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}

	if err := os.WriteFile(filepath.Join(projectRoot, "host.json"), []byte(hostJSON), 0644); err != nil {
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}
	if err := os.WriteFile(filepath.Join(projectRoot, "local.settings.json"), []byte(localSettingsJSON(cfg)), 0644); err != nil {
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}
	if err := mergeRequirements(agentDir, filepath.Join(projectRoot, "requirements.txt")); err != nil {
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}

	funcDir := filepath.Join(projectRoot, "InvokeAgent")
	if err := os.MkdirAll(funcDir, 0755); err != nil {
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}
	if err := os.WriteFile(filepath.Join(funcDir, "function.json"), []byte(functionJSON), 0644); err != nil {
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}
	if err := os.WriteFile(filepath.Join(funcDir, "__init__.py"), []byte(wrapperCode), 0644); err != nil {
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}

	return deployer.BuildResult{OK: true, ArtifactHandle: projectRoot, Duration: time.Since(start)}
}

// Deploy creates the resource group, ensures a storage account,
// creates the function app on a consumption plan, applies env vars as
// app settings, and publishes the project.
func (d *Deployer) Deploy(deploymentID string, cfg deployer.DeployConfig, built deployer.BuildResult, onProgress deployer.ProgressFunc) deployer.DeployResult {
	start := time.Now()
	if !built.OK {
		return deployer.DeployResult{Error: "build did not succeed", Duration: time.Since(start)}
	}

	resourceGroup := cfg.StringConfig("resource_group")
	functionApp := cfg.StringConfig("function_app_name")
	location := cfg.StringConfig("location")
	if location == "" {
		location = "eastus"
	}
	storageAccount := cfg.StringConfig("storage_account")
	if storageAccount == "" {
		agentID := cfg.StringConfig("agent_id")
		suffix := agentID
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
		storageAccount = "postqode" + strings.ToLower(strings.Map(alnumOnly, suffix))
	}

	var logs strings.Builder

	if onProgress != nil {
		onProgress("creating resource group " + resourceGroup)
	}
	res, _ := subprocess.Run(context.Background(), 2*time.Minute, "", []string{"az", "group", "create", "--name", resourceGroup, "--location", location}, nil)
	logs.WriteString(res.Combined)

	if onProgress != nil {
		onProgress("ensuring storage account " + storageAccount)
	}
	res, _ = subprocess.Run(context.Background(), 3*time.Minute, "", []string{"az", "storage", "account", "create",
		"--name", storageAccount, "--resource-group", resourceGroup, "--location", location, "--sku", "Standard_LRS"}, nil)
	logs.WriteString(res.Combined)

	if onProgress != nil {
		onProgress("creating function app " + functionApp)
	}
	runtimeVersion := cfg.StringConfig("runtime_version")
	if runtimeVersion == "" {
		runtimeVersion = "3.11"
	}
	createRes, err := subprocess.Run(context.Background(), d.cfg.DeployTimeout(), "", []string{"az", "functionapp", "create",
		"--name", functionApp, "--resource-group", resourceGroup, "--storage-account", storageAccount,
		"--consumption-plan-location", location, "--runtime", "python", "--runtime-version", runtimeVersion,
		"--os-type", "Linux", "--functions-version", "4"}, nil)
	logs.WriteString(createRes.Combined)
	if err != nil {
		return deployer.DeployResult{DeployLogs: logs.String(), Error: err.Error(), Duration: time.Since(start)}
	}
	if createRes.TimedOut {
		return deployer.DeployResult{DeployLogs: logs.String(), Error: "timed out", Duration: time.Since(start)}
	}
	if createRes.ExitCode != 0 && !strings.Contains(createRes.Combined, "already exists") {
		return deployer.DeployResult{DeployLogs: logs.String(), Error: "failed to create function app: " + strings.TrimSpace(createRes.Combined), Duration: time.Since(start)}
	}

	if onProgress != nil {
		onProgress("applying app settings")
	}
	settingsArgs := []string{"az", "functionapp", "config", "appsettings", "set", "--name", functionApp, "--resource-group", resourceGroup, "--settings"}
	for k, v := range appSettings(deploymentID, cfg) {
		settingsArgs = append(settingsArgs, fmt.Sprintf("%s=%s", k, v))
	}
	res, _ = subprocess.Run(context.Background(), 1*time.Minute, "", settingsArgs, nil)
	logs.WriteString(res.Combined)

	if onProgress != nil {
		onProgress("publishing project")
	}
	publishRes, err := subprocess.Run(context.Background(), d.cfg.DeployTimeout(), built.ArtifactHandle, []string{"func", "azure", "functionapp", "publish", functionApp}, nil)
	logs.WriteString(publishRes.Combined)
	if err != nil {
		return deployer.DeployResult{DeployLogs: logs.String(), Error: err.Error(), Duration: time.Since(start)}
	}
	if publishRes.TimedOut {
		return deployer.DeployResult{DeployLogs: logs.String(), Error: "timed out", Duration: time.Since(start)}
	}
	if publishRes.ExitCode != 0 {
		return deployer.DeployResult{DeployLogs: logs.String(), Error: "publish failed: " + strings.TrimSpace(publishRes.Combined), Duration: time.Since(start)}
	}

	return deployer.DeployResult{
		OK:         true,
		ExternalID: functionApp,
		AccessURL:  fmt.Sprintf("https://%s.azurewebsites.net/api/InvokeAgent", functionApp),
		DeployLogs: logs.String(),
		Duration:   time.Since(start),
	}
}

func (d *Deployer) Start(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	return d.lifecycle(cfg, "start")
}

func (d *Deployer) Stop(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	return d.lifecycle(cfg, "stop")
}

func (d *Deployer) Restart(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	return d.lifecycle(cfg, "restart")
}

func (d *Deployer) lifecycle(cfg deployer.DeployConfig, verb string) deployer.StatusResult {
	functionApp := cfg.StringConfig("function_app_name")
	resourceGroup := cfg.StringConfig("resource_group")
	res, err := subprocess.Run(context.Background(), 2*time.Minute, "", []string{"az", "functionapp", verb, "--name", functionApp, "--resource-group", resourceGroup}, nil)
	if err != nil || res.ExitCode != 0 {
		return deployer.StatusResult{State: deployer.RunStateError, Message: strings.TrimSpace(res.Combined), LastUpdated: time.Now()}
	}
	if verb == "stop" {
		return deployer.StatusResult{Running: false, State: deployer.RunStateStopped, Health: deployer.HealthUnknown, LastUpdated: time.Now()}
	}
	return deployer.StatusResult{Running: true, State: deployer.RunStateRunning, Health: deployer.HealthHealthy, LastUpdated: time.Now()}
}

func (d *Deployer) Status(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	functionApp := cfg.StringConfig("function_app_name")
	resourceGroup := cfg.StringConfig("resource_group")
	res, err := subprocess.Run(context.Background(), d.cfg.StatusTimeout(), "", []string{"az", "functionapp", "show", "--name", functionApp, "--resource-group", resourceGroup, "--query", "state", "-o", "tsv"}, nil)
	if err != nil || res.ExitCode != 0 {
		return deployer.StatusResult{State: deployer.RunStateUnknown, Health: deployer.HealthUnknown, Message: strings.TrimSpace(res.Combined), LastUpdated: time.Now()}
	}
	state := strings.TrimSpace(res.Stdout)
	switch state {
	case "Running":
		return deployer.StatusResult{Running: true, State: deployer.RunStateRunning, Health: deployer.HealthHealthy, LastUpdated: time.Now()}
	case "Stopped":
		return deployer.StatusResult{Running: false, State: deployer.RunStateStopped, Health: deployer.HealthUnknown, LastUpdated: time.Now()}
	default:
		return deployer.StatusResult{State: deployer.RunStateUnknown, Health: deployer.HealthUnknown, Message: state, LastUpdated: time.Now()}
	}
}

func (d *Deployer) Logs(deploymentID string, cfg deployer.DeployConfig, lines int, follow bool) (string, error) {
	functionApp := cfg.StringConfig("function_app_name")
	resourceGroup := cfg.StringConfig("resource_group")
	res, err := subprocess.Run(context.Background(), 30*time.Second, "", []string{"az", "functionapp", "log", "tail", "--name", functionApp, "--resource-group", resourceGroup}, nil)
	if err != nil {
		return "", err
	}
	return res.Combined, nil
}

func (d *Deployer) Delete(deploymentID string, cfg deployer.DeployConfig) bool {
	functionApp := cfg.StringConfig("function_app_name")
	resourceGroup := cfg.StringConfig("resource_group")
	res, err := subprocess.Run(context.Background(), 2*time.Minute, "", []string{"az", "functionapp", "delete", "--name", functionApp, "--resource-group", resourceGroup}, nil)
	return err == nil && (res.ExitCode == 0 || strings.Contains(res.Combined, "could not be found"))
}

func (d *Deployer) AccessInstructions(deploymentID string, cfg deployer.DeployConfig) map[string]string {
	functionApp := cfg.StringConfig("function_app_name")
	resourceGroup := cfg.StringConfig("resource_group")
	return map[string]string{
		"tail_logs": fmt.Sprintf("az functionapp log tail --name %s --resource-group %s", functionApp, resourceGroup),
		"portal":    fmt.Sprintf("https://portal.azure.com/#@/resource/subscriptions/-/resourceGroups/%s/providers/Microsoft.Web/sites/%s", resourceGroup, functionApp),
	}
}

func (d *Deployer) ConfigSchema() map[string]string {
	return map[string]string{
		"resource_group":     "string, Azure resource group",
		"function_app_name":  "string, function app name",
		"storage_account":    "string, optional, auto-generated if absent",
		"location":           "string, default eastus",
		"runtime_version":    "string, default 3.11",
	}
}

func appSettings(deploymentID string, cfg deployer.DeployConfig) map[string]string {
	out := map[string]string{
		"POSTQODE_DEPLOYMENT_ID": deploymentID,
		"POSTQODE_AGENT_ID":      cfg.StringConfig("agent_id"),
		"POSTQODE_ADAPTER":       cfg.Adapter,
	}
	for k, v := range cfg.EnvVars {
		out[k] = v
	}
	return out
}

func alnumOnly(r rune) rune {
	if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
		return r
	}
	return -1
}

const hostJSON = `{
  "version": "2.0",
  "extensionBundle": {
    "id": "Microsoft.Azure.Functions.ExtensionBundle",
    "version": "[4.*, 5.0.0)"
  }
}
`

const functionJSON = `{
  "scriptFile": "__init__.py",
  "bindings": [
    {"authLevel": "function", "type": "httpTrigger", "direction": "in", "name": "req", "methods": ["get", "post"]},
    {"type": "http", "direction": "out", "name": "$return"}
  ]
}
`

const wrapperCode = `import json
import os
import azure.functions as func


def main(req: func.HttpRequest) -> func.HttpResponse:
    from agent import agent

    try:
        body = req.get_json()
    except ValueError:
        body = {}

    if req.method == "GET" and not body:
        return func.HttpResponse(
            json.dumps({"status": "healthy", "agent_id": os.environ.get("POSTQODE_AGENT_ID")}),
            mimetype="application/json",
        )

    action = body.get("action", "default")
    params = body.get("params", body)

    if hasattr(agent, "handlers") and action in agent.handlers:
        result = agent.handlers[action](params)
    else:
        result = {"error": "unknown action: " + action}

    return func.HttpResponse(json.dumps(result), mimetype="application/json")
`

func localSettingsJSON(cfg deployer.DeployConfig) string {
	var b strings.Builder
	b.WriteString("{\n  \"IsEncrypted\": false,\n  \"Values\": {\n")
	b.WriteString("    \"FUNCTIONS_WORKER_RUNTIME\": \"python\",\n")
	b.WriteString("    \"AzureWebJobsStorage\": \"\"")
	for k, v := range cfg.EnvVars {
		fmt.Fprintf(&b, ",\n    %q: %q", k, v)
	}
	b.WriteString("\n  }\n}\n")
	return b.String()
}

func mergeRequirements(agentDir, dest string) error {
	base := "azure-functions\n"
	agentReqPath := filepath.Join(agentDir, "requirements.txt")
	agentReq, err := os.ReadFile(agentReqPath)
	if err != nil {
		return os.WriteFile(dest, []byte(base), 0644)
	}
	return os.WriteFile(dest, []byte(base+string(agentReq)), 0644)
}

func extractZip(packagePath, dest string) error {
	data, err := os.ReadFile(packagePath)
	if err != nil {
		return fmt.Errorf("serverless: read package: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("serverless: open package zip: %w", err)
	}
	for _, f := range zr.File {
		name := strings.TrimPrefix(f.Name, "/")
		target := filepath.Join(dest, filepath.FromSlash(name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := out.ReadFrom(rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}
