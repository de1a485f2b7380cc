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

// Package pipeline implements the Unified Deployment Pipeline of
// spec.md §4.6: the linear validate -> license -> record -> build ->
// run state machine that is the sole writer of Deployment.state, plus
// the stop/start/reconfigure operations that live alongside it.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/postqode/orchestrator/pkg/config"
	"github.com/postqode/orchestrator/pkg/deployer"
	"github.com/postqode/orchestrator/pkg/deployment"
	"github.com/postqode/orchestrator/pkg/license"
	"github.com/postqode/orchestrator/pkg/orcherr"
	"github.com/postqode/orchestrator/pkg/packages"
)

// StepStatus enumerates StepEvent.Status.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step names, in pipeline order. Exported so callers filtering
// StepEvents by name don't have to hardcode strings.
const (
	StepValidateAgent   = "validate_agent"
	StepCheckLicense    = "check_license"
	StepCreateRecord    = "create_record"
	StepSelectDeployer  = "select_deployer"
	StepResolveArtefact = "resolve_artefact"
	StepBuild           = "build"
	StepDeploy          = "deploy"
)

// StepEvent is the per-step progress notification of spec.md §4.6.
type StepEvent struct {
	Name      string
	Status    StepStatus
	Message   string
	Timestamp time.Time
}

// ProgressFunc receives StepEvents as the pipeline advances. A nil
// ProgressFunc is allowed. A non-nil one is called synchronously on the
// pipeline's goroutine, in step order; there is no buffering, so a slow
// sink delays the deploy by as long as it takes to return.
type ProgressFunc func(StepEvent)

// Request is the input to Deploy: the union of the fields the deployer
// contract's DeployConfig needs plus the identity/versioning context
// only the pipeline resolves.
type Request struct {
	Principal    license.Principal
	AgentID      string
	AgentVersion string // empty means "latest" per the Version Registry

	Platform        deployment.Platform
	Adapter         string
	EnvironmentName string
	EnvVars         map[string]string
	HostPort        int
	Registry        string
	PlatformConfig  map[string]any

	AdapterCredentialRef string
	AutoStart            bool
}

// PipelineResult is the outcome of a single Deploy call (spec.md §4.6).
type PipelineResult struct {
	DeploymentID string
	FinalState   deployment.State
	Steps        []StepEvent
	AccessURL    string
	Error        string
}

// Pipeline composes the Package Store, Deployment Store, Deployer
// Factory, Agent lookup, and License predicate into the state machine
// of spec.md §4.6.
type Pipeline struct {
	cfg         *config.Config
	packages    *packages.Store
	deployments *deployment.Store
	factory     *deployer.Factory
	agents      AgentLookup
	licenses    license.Predicate
}

// New constructs a Pipeline from its collaborators. None of the
// arguments may be nil.
func New(cfg *config.Config, pkgStore *packages.Store, deployStore *deployment.Store, factory *deployer.Factory, agents AgentLookup, licenses license.Predicate) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		packages:    pkgStore,
		deployments: deployStore,
		factory:     factory,
		agents:      agents,
		licenses:    licenses,
	}
}

// Deploy runs the full validate -> license -> record -> select ->
// resolve -> build -> (deploy) state machine for req, emitting a
// StepEvent through onProgress before advancing past each step. It
// aborts on the first failing step; every step after create_record
// patches the Deployment row rather than returning a bare error.
func (p *Pipeline) Deploy(ctx context.Context, req Request, onProgress ProgressFunc) PipelineResult {
	var steps []StepEvent
	emit := func(name string, status StepStatus, message string) {
		ev := StepEvent{Name: name, Status: status, Message: message, Timestamp: time.Now().UTC()}
		steps = append(steps, ev)
		if onProgress != nil {
			onProgress(ev)
		}
	}
	fail := func(name, message string) PipelineResult {
		emit(name, StepFailed, message)
		return PipelineResult{FinalState: deployment.StateError, Steps: steps, Error: message}
	}

	// Step 1: validate_agent.
	emit(StepValidateAgent, StepRunning, "")
	agent, ok, err := p.agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		return fail(StepValidateAgent, err.Error())
	}
	if !ok {
		return fail(StepValidateAgent, (&orcherr.NotFound{What: "agent", ID: req.AgentID}).Error())
	}
	emit(StepValidateAgent, StepCompleted, "")

	// Step 2: check_license.
	emit(StepCheckLicense, StepRunning, "")
	licensed, err := p.licenses.HasActiveLicense(ctx, req.Principal, req.AgentID)
	if err != nil {
		return fail(StepCheckLicense, err.Error())
	}
	var licenseID string
	if !licensed {
		if agent.PriceCents > 0 {
			return fail(StepCheckLicense, (&orcherr.LicenseRequired{AgentID: req.AgentID}).Error())
		}
		licenseID, err = p.licenses.MintFreeLicense(ctx, req.Principal, req.AgentID)
		if err != nil {
			return fail(StepCheckLicense, err.Error())
		}
	} else {
		licenseID, _ = p.licenses.LicenseIDFor(ctx, req.Principal, req.AgentID)
	}
	emit(StepCheckLicense, StepCompleted, "")

	version := req.AgentVersion
	if version == "" {
		versions := p.packages.ListVersions(req.AgentID)
		if len(versions) == 0 {
			return fail(StepResolveArtefact, "no package versions available for agent")
		}
		version = versions[0]
	}

	// Step 3: create_record. Every subsequent failure patches this row.
	emit(StepCreateRecord, StepRunning, "")
	envVars := mergeEnvVars(req.EnvVars, p.cfg.MarketplaceURL(), req.AdapterCredentialRef)
	deploymentID := p.deployments.Create(deployment.Deployment{
		OwnerID:         req.Principal.UserID,
		AgentID:         req.AgentID,
		AgentVersion:    version,
		LicenseID:       licenseID,
		Platform:        req.Platform,
		Adapter:         req.Adapter,
		EnvironmentName: defaultString(req.EnvironmentName, "production"),
		Config:          flattenRequestConfig(req),
		DeployedAt:      time.Now().UTC(),
	})
	emit(StepCreateRecord, StepCompleted, deploymentID)

	patchError := func(step, message string) PipelineResult {
		emit(step, StepFailed, message)
		p.deployments.Update(deploymentID, func(d *deployment.Deployment) {
			d.State = deployment.StateError
			d.ErrorMessage = orcherr.Truncate(message, 500)
		})
		return PipelineResult{DeploymentID: deploymentID, FinalState: deployment.StateError, Steps: steps, Error: message}
	}

	// Step 4: select_deployer.
	emit(StepSelectDeployer, StepRunning, "")
	backend, err := p.factory.MustGet(string(req.Platform))
	if err != nil {
		return patchError(StepSelectDeployer, err.Error())
	}
	prereqs := backend.CheckPrerequisites()
	if !prereqs.OK {
		return patchError(StepSelectDeployer, (&orcherr.PrerequisiteMissing{RequirementsMet: prereqs.RequirementsMet}).Error())
	}
	emit(StepSelectDeployer, StepCompleted, "")

	// Step 5: resolve_artefact.
	emit(StepResolveArtefact, StepRunning, "")
	packagePath, ok := p.packages.GetPath(req.AgentID, version)
	if !ok {
		return patchError(StepResolveArtefact, (&orcherr.NotFound{What: "package", ID: req.AgentID + "@" + version}).Error())
	}
	emit(StepResolveArtefact, StepCompleted, "")

	platformConfig := req.PlatformConfig
	if platformConfig == nil {
		platformConfig = map[string]any{}
	}
	platformConfig["agent_id"] = req.AgentID
	platformConfig["deployment_id"] = deploymentID

	deployCfg := deployer.DeployConfig{
		Adapter:         req.Adapter,
		EnvironmentName: defaultString(req.EnvironmentName, "production"),
		EnvVars:         envVars,
		AutoStart:       req.AutoStart,
		HostPort:        req.HostPort,
		Registry:        req.Registry,
		PlatformConfig:  platformConfig,
	}

	validated := backend.ValidateConfig(deployCfg)
	if !validated.OK {
		return patchError(StepSelectDeployer, fmt.Sprintf("invalid platform_config: %v", validated.Errors))
	}

	// Step 6: build.
	emit(StepBuild, StepRunning, "")
	stepProgress := func(message string) { emit(StepBuild, StepRunning, message) }
	built := backend.Build(deployCfg, packagePath, stepProgress)
	if !built.OK {
		return patchError(StepBuild, (&orcherr.BuildFailed{Logs: built.BuildLogs, Detail: built.Error}).Error())
	}
	emit(StepBuild, StepCompleted, "")

	// Step 7: deploy, only when the caller asked for auto_start.
	if !req.AutoStart {
		emit(StepDeploy, StepCompleted, "auto_start=false, terminating in pending")
		final, _ := p.deployments.Get(deploymentID)
		return PipelineResult{DeploymentID: deploymentID, FinalState: final.State, Steps: steps}
	}

	emit(StepDeploy, StepRunning, "")
	deployProgress := func(message string) { emit(StepDeploy, StepRunning, message) }
	deployed := backend.Deploy(deploymentID, deployCfg, built, deployProgress)
	if !deployed.OK {
		return patchError(StepDeploy, (&orcherr.DeployFailed{Logs: deployed.DeployLogs, Detail: deployed.Error}).Error())
	}
	emit(StepDeploy, StepCompleted, "")

	final, err := p.deployments.Update(deploymentID, func(d *deployment.Deployment) {
		d.State = deployment.StateActive
		d.ExternalID = deployed.ExternalID
		d.AccessURL = deployed.AccessURL
		d.ErrorMessage = ""
	})
	if err != nil {
		return patchError(StepDeploy, err.Error())
	}

	return PipelineResult{DeploymentID: deploymentID, FinalState: final.State, Steps: steps, AccessURL: final.AccessURL}
}

// Stop calls the owning deployer's Stop and patches state=stopped,
// stopped_at=now (spec.md §4.6).
func (p *Pipeline) Stop(ctx context.Context, deploymentID string) (deployment.Deployment, error) {
	d, ok := p.deployments.Get(deploymentID)
	if !ok {
		return deployment.Deployment{}, &orcherr.NotFound{What: "deployment", ID: deploymentID}
	}
	backend, err := p.factory.MustGet(string(d.Platform))
	if err != nil {
		return deployment.Deployment{}, err
	}
	cfg := deployConfigFromRow(d)
	res := backend.Stop(deploymentID, cfg)
	if res.State == deployer.RunStateError {
		return p.deployments.Update(deploymentID, func(row *deployment.Deployment) {
			row.State = deployment.StateError
			row.ErrorMessage = orcherr.Truncate(res.Message, 500)
		})
	}
	return p.deployments.Update(deploymentID, func(row *deployment.Deployment) {
		row.State = deployment.StateStopped
		row.StoppedAt = time.Now().UTC()
	})
}

// Start calls the owning deployer's Deploy using the deployment's
// stored config and patches state=active or error (spec.md §4.6).
func (p *Pipeline) Start(ctx context.Context, deploymentID string) (deployment.Deployment, error) {
	d, ok := p.deployments.Get(deploymentID)
	if !ok {
		return deployment.Deployment{}, &orcherr.NotFound{What: "deployment", ID: deploymentID}
	}
	backend, err := p.factory.MustGet(string(d.Platform))
	if err != nil {
		return deployment.Deployment{}, err
	}
	cfg := deployConfigFromRow(d)
	packagePath, ok := p.packages.GetPath(d.AgentID, d.AgentVersion)
	if !ok {
		return p.deployments.Update(deploymentID, func(row *deployment.Deployment) {
			row.State = deployment.StateError
			row.ErrorMessage = orcherr.Truncate("package no longer available", 500)
		})
	}
	built := backend.Build(cfg, packagePath, nil)
	if !built.OK {
		return p.deployments.Update(deploymentID, func(row *deployment.Deployment) {
			row.State = deployment.StateError
			row.ErrorMessage = orcherr.Truncate(built.Error, 500)
		})
	}
	res := backend.Deploy(deploymentID, cfg, built, nil)
	if !res.OK {
		return p.deployments.Update(deploymentID, func(row *deployment.Deployment) {
			row.State = deployment.StateError
			row.ErrorMessage = orcherr.Truncate(res.Error, 500)
		})
	}
	return p.deployments.Update(deploymentID, func(row *deployment.Deployment) {
		row.State = deployment.StateActive
		row.ExternalID = res.ExternalID
		row.AccessURL = res.AccessURL
		row.ErrorMessage = ""
		row.DeployedAt = time.Now().UTC()
		row.StoppedAt = time.Time{}
	})
}

// Reconfigure patches deployment_config.env_vars and, if restart is
// requested and the deployment is currently active, stops then starts
// it (spec.md §4.6).
func (p *Pipeline) Reconfigure(ctx context.Context, deploymentID string, newEnv map[string]string, restart bool) (deployment.Deployment, error) {
	d, err := p.deployments.Update(deploymentID, func(row *deployment.Deployment) {
		if row.Config == nil {
			row.Config = map[string]any{}
		}
		row.Config["env_vars"] = newEnv
	})
	if err != nil {
		return deployment.Deployment{}, err
	}
	if restart && d.State == deployment.StateActive {
		if _, err := p.Stop(ctx, deploymentID); err != nil {
			return deployment.Deployment{}, err
		}
		return p.Start(ctx, deploymentID)
	}
	return d, nil
}

func deployConfigFromRow(d deployment.Deployment) deployer.DeployConfig {
	platformConfig := map[string]any{}
	for k, v := range d.Config {
		platformConfig[k] = v
	}
	platformConfig["agent_id"] = d.AgentID
	platformConfig["deployment_id"] = d.ID

	envVars := asStringMap(d.Config["env_vars"])
	return deployer.DeployConfig{
		Adapter:         d.Adapter,
		EnvironmentName: d.EnvironmentName,
		EnvVars:         envVars,
		AutoStart:       true,
		PlatformConfig:  platformConfig,
	}
}

func flattenRequestConfig(req Request) map[string]any {
	cfg := map[string]any{"env_vars": req.EnvVars}
	for k, v := range req.PlatformConfig {
		cfg[k] = v
	}
	if req.HostPort != 0 {
		cfg["port"] = req.HostPort
	}
	if req.Registry != "" {
		cfg["registry"] = req.Registry
	}
	return cfg
}

// mergeEnvVars injects the POSTQODE_MARKETPLACE_URL and, when present,
// POSTQODE_ADAPTER_CREDENTIAL_REF variables spec.md §6 and its
// adapter-credential-scoping supplement ask every deployer to receive,
// without requiring each of the five backends to know about
// marketplaceURL or credential refs themselves — they already copy
// every entry of EnvVars into the workload.
func mergeEnvVars(base map[string]string, marketplaceURL, adapterCredentialRef string) map[string]string {
	out := make(map[string]string, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	out["POSTQODE_MARKETPLACE_URL"] = marketplaceURL
	if adapterCredentialRef != "" {
		out["POSTQODE_ADAPTER_CREDENTIAL_REF"] = adapterCredentialRef
	}
	return out
}

// asStringMap accepts either a map[string]string (set within this
// process) or a map[string]any (the shape a JSON round trip through an
// external persistence layer produces), so a Deployment.Config replayed
// from disk still yields usable env vars for Start/Stop.
func asStringMap(raw any) map[string]string {
	switch m := raw.(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return map[string]string{}
	}
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
