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

// Package manifest models the agent.yaml descriptor as an opaque
// structured document with typed accessors only for the fields
// spec.md §3 requires — per the "manifest as free-form document"
// design note in spec.md §9, everything else passes through
// unmodified in Raw.
package manifest

// Manifest is the in-memory view of a validated agent.yaml. Only the
// required shape gets typed fields; everything else is reachable via
// Raw for callers that need a preview or need to round-trip the
// document.
type Manifest struct {
	APIVersion string
	Kind       string

	Name    string
	Version string

	DisplayName string
	Description string
	Category    string
	Tags        []string

	Runtime RuntimeSpec

	// Raw is the full parsed document (map[string]any after YAML→JSON
	// normalization), kept so callers can surface unknown fields
	// (pricing, inputs, outputs, labels, ...) without this package
	// needing a typed accessor for each of them.
	Raw map[string]any
}

// RuntimeSpec holds the optional spec.runtime section as typed fields.
// No deployer reads it: the Serverless Deployer always scaffolds a
// Python function app. See SPEC_FULL.md §4 (runtime language open
// question).
type RuntimeSpec struct {
	MinVersion        string
	SupportedRuntimes []string
	Language          string
}

// requiredField names a dotted path into the raw document plus the
// human label used in validation errors; order here is the stable
// order spec.md §8 requires for "missing every required field".
type requiredField struct {
	path  []string
	label string
}

var requiredFields = []requiredField{
	{[]string{"apiVersion"}, "apiVersion"},
	{[]string{"kind"}, "kind"},
	{[]string{"metadata", "name"}, "metadata.name"},
	{[]string{"metadata", "version"}, "metadata.version"},
	{[]string{"spec", "displayName"}, "spec.displayName"},
	{[]string{"spec", "description"}, "spec.description"},
}
