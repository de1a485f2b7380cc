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

// Package health implements the Health Intake of spec.md §4.8: the
// single operation running agents use to report liveness and
// invocation counts back into the Deployment Store.
package health

import (
	"time"

	"github.com/postqode/orchestrator/pkg/deployment"
)

// Intake wraps a Deployment Store with the record_ping operation.
type Intake struct {
	deployments *deployment.Store
}

// New constructs an Intake over store.
func New(store *deployment.Store) *Intake {
	return &Intake{deployments: store}
}

// Ping is the body of spec.md §6's "POST /deployments/{id}/health": the
// agent is authoritative for total_invocations (an absolute count, not
// an increment), and last_invocation is only patched when supplied.
type Ping struct {
	TotalInvocations *int64
	LastInvocation   *time.Time
}

// RecordPing patches last_health_check=now and, if supplied,
// total_invocations and last_invocation, promoting a pending
// deployment to active (spec.md §4.8: "a ping promotes it to active,
// signals the workload came up"). No other transition happens here.
func (i *Intake) RecordPing(deploymentID string, ping Ping) (deployment.Deployment, error) {
	return i.deployments.Update(deploymentID, func(d *deployment.Deployment) {
		d.LastHealthCheck = time.Now().UTC()
		if ping.TotalInvocations != nil {
			d.TotalInvocations = *ping.TotalInvocations
		}
		if ping.LastInvocation != nil {
			d.LastInvocation = *ping.LastInvocation
		}
		if d.State == deployment.StatePending {
			d.State = deployment.StateActive
		}
	})
}
