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

package license

import (
	"context"
	"testing"
)

func TestFreeAgentIsAlwaysLicensed(t *testing.T) {
	p := NewInMemory(map[string]int64{"paid-agent": 2500})
	ok, err := p.HasActiveLicense(context.Background(), Principal{OrganizationID: "org-1"}, "free-agent")
	if err != nil || !ok {
		t.Fatalf("expected free agent to be licensed, got ok=%v err=%v", ok, err)
	}
}

func TestPaidAgentRequiresGrant(t *testing.T) {
	p := NewInMemory(map[string]int64{"paid-agent": 2500})
	principal := Principal{OrganizationID: "org-1"}

	ok, _ := p.HasActiveLicense(context.Background(), principal, "paid-agent")
	if ok {
		t.Fatalf("expected no license before grant")
	}

	p.Grant(principal, "paid-agent", "lic-1")
	ok, _ = p.HasActiveLicense(context.Background(), principal, "paid-agent")
	if !ok {
		t.Fatalf("expected license after grant")
	}
	id, _ := p.LicenseIDFor(context.Background(), principal, "paid-agent")
	if id != "lic-1" {
		t.Fatalf("got license id %q", id)
	}
}

func TestMintFreeLicenseIsIdempotent(t *testing.T) {
	p := NewInMemory(nil)
	principal := Principal{OrganizationID: "org-1"}

	first, err := p.MintFreeLicense(context.Background(), principal, "agent-1")
	if err != nil {
		t.Fatalf("MintFreeLicense: %v", err)
	}
	second, err := p.MintFreeLicense(context.Background(), principal, "agent-1")
	if err != nil {
		t.Fatalf("MintFreeLicense: %v", err)
	}
	if first != second {
		t.Fatalf("expected idempotent mint, got %q then %q", first, second)
	}
}
