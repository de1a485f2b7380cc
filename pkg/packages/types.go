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

// Package packages implements the Package Store (spec.md §4.1) and the
// Version Registry (spec.md §4.3): content-addressed persistence of
// agent package bytes keyed by (agent, version), plus the append-only
// version index with its "at most one is_latest" invariant.
package packages

import "time"

// Record is the PackageRecord of spec.md §3. IsLatest is flipped by
// the Version Registry's set_latest; a re-upload of the same (agent,
// version) replaces the other fields through Registry.Upsert.
type Record struct {
	AgentID       string
	Version       string
	ContentDigest string // sha-256, 64 hex chars
	ByteLength    int64
	StorageURI    string
	Manifest      map[string]any // opaque parsed agent.yaml
	Adapters      []string
	CreatedAt     time.Time
	IsLatest      bool
}

// PutOptions controls upload behavior not implied by (agent, version,
// bytes) alone.
type PutOptions struct {
	// AllowMetadataRefresh resolves the Open Question in spec.md §9
	// about "upload new version silently rebrands the listing": the
	// caller (the out-of-scope marketplace CRUD layer) must opt in
	// explicitly per SPEC_FULL.md §4. The Package Store itself never
	// touches Agent metadata; this flag is surfaced purely so the
	// caller can tell whether this upload is allowed to be treated as
	// a rebrand by whatever owns the Agent record.
	AllowMetadataRefresh bool
}
