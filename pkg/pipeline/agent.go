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

package pipeline

import "context"

// AgentInfo is the slice of the Agent record (spec.md §3) the pipeline's
// validate_agent and check_license steps need. The Agent record itself
// — name, description, category, lifecycle status, marketplace
// CRUD — is explicitly out of scope (spec.md §1's "CRUD surfaces over
// the agent record" non-goal); AgentLookup is the minimal read
// collaborator the core consumes, the same way it consumes the
// License predicate.
type AgentInfo struct {
	ID             string
	CurrentVersion string
	PriceCents     int64
}

// AgentLookup resolves an agent by id. ok=false means "agent not
// found," which the pipeline turns into an aborted validate_agent step.
type AgentLookup interface {
	GetAgent(ctx context.Context, agentID string) (AgentInfo, bool, error)
}

// StaticAgentLookup is an in-memory reference AgentLookup for tests and
// local operation, analogous to license.InMemory.
type StaticAgentLookup struct {
	agents map[string]AgentInfo
}

// NewStaticAgentLookup constructs a StaticAgentLookup from a fixed
// agent set.
func NewStaticAgentLookup(agents ...AgentInfo) *StaticAgentLookup {
	m := make(map[string]AgentInfo, len(agents))
	for _, a := range agents {
		m[a.ID] = a
	}
	return &StaticAgentLookup{agents: m}
}

func (s *StaticAgentLookup) GetAgent(_ context.Context, agentID string) (AgentInfo, bool, error) {
	a, ok := s.agents[agentID]
	return a, ok, nil
}

// Put adds or replaces an agent, for tests that build up state
// incrementally.
func (s *StaticAgentLookup) Put(a AgentInfo) {
	s.agents[a.ID] = a
}
