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

// Package license models the external collaborator contracts spec.md
// §6 assumes the core consumes rather than owns: the authenticated
// principal and the license predicate. Both are interfaces here so the
// pipeline can be exercised against an in-memory stand-in in tests
// while a real deployment wires an external entitlement service.
package license

import "context"

// Principal is the authenticated caller of spec.md §6: "each inbound
// call carries a principal {user_id, organization_id, role} resolved
// by the auth layer." The core never resolves this itself.
type Principal struct {
	UserID         string
	OrganizationID string
	Role           string
}

// Predicate is the license collaborator of spec.md §6:
// has_active_license(user_id, agent_id) -> bool, extended with
// MintFreeLicense per original_source/backend/app/models/entitlement.py
// and license.py (free-price agents self-entitle on first deploy; see
// spec.md §4.6 step 2).
type Predicate interface {
	// HasActiveLicense reports whether principal is entitled to deploy
	// agentID right now.
	HasActiveLicense(ctx context.Context, principal Principal, agentID string) (bool, error)

	// LicenseIDFor returns the license reference to stamp onto a
	// Deployment row for an already-entitled (principal, agentID) pair.
	// Empty string is valid: not every entitlement model assigns a
	// license id (e.g. an org-wide seat).
	LicenseIDFor(ctx context.Context, principal Principal, agentID string) (string, error)

	// MintFreeLicense is invoked only when the agent's price is zero
	// and the principal has no existing license; it issues one and
	// returns its id (or "" if the predicate doesn't model ids).
	MintFreeLicense(ctx context.Context, principal Principal, agentID string) (string, error)
}

// InMemory is a reference Predicate for tests and local operation: it
// tracks a static price list and a set of minted/granted licenses per
// (organization, agent).
type InMemory struct {
	// PriceCents maps agentID to its price; an absent entry is treated
	// as free (price 0), matching the teacher-style "zero value is the
	// safe default" convention used throughout pkg/config.
	PriceCents map[string]int64

	granted map[string]string // "org:agent" -> license id
}

// NewInMemory constructs an InMemory predicate with the given price
// list. A nil priceCents is equivalent to every agent being free.
func NewInMemory(priceCents map[string]int64) *InMemory {
	return &InMemory{PriceCents: priceCents, granted: map[string]string{}}
}

// Grant pre-seeds an active license for (principal.OrganizationID,
// agentID), for tests that need a paid agent to already be licensed.
func (p *InMemory) Grant(principal Principal, agentID, licenseID string) {
	p.granted[key(principal, agentID)] = licenseID
}

func (p *InMemory) HasActiveLicense(_ context.Context, principal Principal, agentID string) (bool, error) {
	if p.PriceCents[agentID] == 0 {
		return true, nil
	}
	_, ok := p.granted[key(principal, agentID)]
	return ok, nil
}

func (p *InMemory) LicenseIDFor(_ context.Context, principal Principal, agentID string) (string, error) {
	return p.granted[key(principal, agentID)], nil
}

func (p *InMemory) MintFreeLicense(_ context.Context, principal Principal, agentID string) (string, error) {
	if id, ok := p.granted[key(principal, agentID)]; ok {
		return id, nil
	}
	id := "free-" + agentID + "-" + principal.OrganizationID
	p.granted[key(principal, agentID)] = id
	return id, nil
}

func key(principal Principal, agentID string) string {
	return principal.OrganizationID + ":" + agentID
}
