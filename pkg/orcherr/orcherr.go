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

// Package orcherr defines the tagged error taxonomy the core uses to
// carry a stable code plus structured detail across component
// boundaries (spec.md §7). Every error type is a plain struct that
// callers inspect with errors.As; none wraps an underlying error.
package orcherr

import "fmt"

// PackageInvalid is returned by the Package Store when uploaded bytes
// fail manifest validation.
type PackageInvalid struct {
	Errors   []string
	Warnings []string
}

func (e *PackageInvalid) Error() string {
	return fmt.Sprintf("package invalid: %d error(s)", len(e.Errors))
}

// NotFound is returned when an agent, version, deployment, or device is
// absent.
type NotFound struct {
	What string
	ID   string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.ID)
}

// LicenseRequired is returned by the pipeline's check_license step when
// the principal has no active license and the agent is not free.
type LicenseRequired struct {
	AgentID string
}

func (e *LicenseRequired) Error() string {
	return fmt.Sprintf("license required for agent %s", e.AgentID)
}

// PrerequisiteMissing is returned by a deployer's check_prerequisites
// when required tooling or credentials are absent.
type PrerequisiteMissing struct {
	RequirementsMet map[string]bool
}

func (e *PrerequisiteMissing) Error() string {
	missing := 0
	for _, ok := range e.RequirementsMet {
		if !ok {
			missing++
		}
	}
	return fmt.Sprintf("%d prerequisite(s) missing", missing)
}

// TargetUnreachable is returned when an SSH, cluster, serverless, or
// edge endpoint fails to respond.
type TargetUnreachable struct {
	Detail string
}

func (e *TargetUnreachable) Error() string {
	return fmt.Sprintf("target unreachable: %s", e.Detail)
}

// BuildFailed is returned when a deployer could not produce a
// synthesized artefact. It never implies the target was mutated.
type BuildFailed struct {
	Logs   string
	Detail string
}

func (e *BuildFailed) Error() string {
	return fmt.Sprintf("build failed: %s", e.Detail)
}

// DeployFailed is returned when an artefact was produced but the
// target rejected it. Partial artefacts may remain on the target;
// callers should invoke delete to reconcile.
type DeployFailed struct {
	Logs   string
	Detail string
}

func (e *DeployFailed) Error() string {
	return fmt.Sprintf("deploy failed: %s", e.Detail)
}

// Timeout is returned when a subprocess or remote call exceeded its
// deadline. Partial output is preserved rather than discarded.
type Timeout struct {
	Phase       string
	PartialLogs string
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("timed out during %s", e.Phase)
}

// Conflict is returned when a deployer cannot reconcile automatically,
// e.g. a port or name already occupied on the target.
type Conflict struct {
	Detail string
}

func (e *Conflict) Error() string {
	return fmt.Sprintf("conflict: %s", e.Detail)
}

// Truncate caps s at n bytes for Deployment.error_message, appending a
// marker when truncation happened. Step logs themselves are never
// truncated — only what gets patched onto the Deployment row.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
