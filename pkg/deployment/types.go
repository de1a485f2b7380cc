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

// Package deployment models the Deployment record (spec.md §3) and its
// Store (spec.md §4.5): the one entity whose lifecycle the pipeline
// drives and every deployer reports back into.
package deployment

import "time"

// Platform enumerates the deployer backends a Deployment can target.
type Platform string

const (
	PlatformLocalContainer Platform = "local_container"
	PlatformCluster        Platform = "cluster"
	PlatformServerless     Platform = "serverless"
	PlatformRemoteHost     Platform = "remote_host"
	PlatformEdge           Platform = "edge"
	PlatformCloudManaged   Platform = "cloud_managed"
)

// State enumerates the lifecycle values of spec.md §3. Transitions are
// driven exclusively by the pipeline (component K); the Store itself
// enforces none of the state-machine logic, only the invariants below.
type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateStopped  State = "stopped"
	StateError    State = "error"
	StateUpdating State = "updating"
)

// Deployment is the observable lifecycle entity of spec.md §3.
//
// ExternalID is set by the pipeline from the deployer's result on a
// successful deploy; Store.Update does not check it.
//
// Invariants enforced by Store.Update (not by this type itself):
//   - StoppedAt >= DeployedAt when both are set.
//   - The transition pending -> stopped is forbidden; a deployment must
//     pass through active or error first.
type Deployment struct {
	ID           string
	OwnerID      string // owner principal's user_id
	AgentID      string
	AgentVersion string
	LicenseID    string // empty when the agent required no license

	Platform        Platform
	Adapter         string
	EnvironmentName string // free text, default "production"
	Config          map[string]any

	State State

	ExternalID string
	AccessURL  string

	ErrorMessage string // truncated to 500 bytes by orcherr.Truncate

	DeployedAt      time.Time
	StoppedAt       time.Time
	LastHealthCheck time.Time

	TotalInvocations int64
	LastInvocation   time.Time
}

// Filter narrows List results. Zero-value fields are not applied.
type Filter struct {
	OwnerID  string
	AgentID  string
	Platform Platform
	State    State
}

func (f Filter) matches(d Deployment) bool {
	if f.OwnerID != "" && f.OwnerID != d.OwnerID {
		return false
	}
	if f.AgentID != "" && f.AgentID != d.AgentID {
		return false
	}
	if f.Platform != "" && f.Platform != d.Platform {
		return false
	}
	if f.State != "" && f.State != d.State {
		return false
	}
	return true
}
