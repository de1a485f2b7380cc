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

package manifest

import (
	"archive/zip"
	"bytes"
	"testing"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, contents := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(contents)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

const validManifest = `
apiVersion: v1
kind: Agent
metadata:
  name: hello
  version: 1.0.0
spec:
  displayName: Hello
  description: a test agent
`

func TestValidateHappyPath(t *testing.T) {
	data := buildZip(t, map[string]string{
		"agent.yaml":            validManifest,
		"adapters/openai.yaml":  "provider: openai\n",
		"policies/permissions.yaml": "allow: []\n",
	})

	report := Validate(data)
	if !report.OK {
		t.Fatalf("expected ok, got errors: %v", report.Errors)
	}
	if len(report.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", report.Warnings)
	}
	if report.Manifest.Name != "hello" || report.Manifest.DisplayName != "Hello" {
		t.Fatalf("unexpected manifest: %+v", report.Manifest)
	}
}

func TestValidateNestedRoot(t *testing.T) {
	data := buildZip(t, map[string]string{
		"hello-agent/agent.yaml":           validManifest,
		"hello-agent/adapters/openai.yaml": "provider: openai\n",
	})

	report := Validate(data)
	if !report.OK {
		t.Fatalf("expected ok, got errors: %v", report.Errors)
	}
	if len(report.Manifest.Raw) == 0 {
		t.Fatalf("expected raw document to be populated")
	}
}

func TestValidateMissingAdaptersWarns(t *testing.T) {
	data := buildZip(t, map[string]string{"agent.yaml": validManifest})

	report := Validate(data)
	if !report.OK {
		t.Fatalf("expected ok, got errors: %v", report.Errors)
	}
	if len(report.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got: %v", report.Warnings)
	}
}

func TestValidateNotZip(t *testing.T) {
	report := Validate([]byte("not a zip"))
	if report.OK {
		t.Fatalf("expected not ok")
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected exactly one error, got: %v", report.Errors)
	}
}

func TestValidateMissingManifest(t *testing.T) {
	data := buildZip(t, map[string]string{"README.md": "hi"})
	report := Validate(data)
	if report.OK {
		t.Fatalf("expected not ok")
	}
	if len(report.Errors) != 1 || report.Errors[0] != "missing: agent.yaml" {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}
}

func TestValidateMissingRequiredFieldsStableOrder(t *testing.T) {
	data := buildZip(t, map[string]string{"agent.yaml": "foo: bar\n"})
	report := Validate(data)
	if report.OK {
		t.Fatalf("expected not ok")
	}
	want := []string{
		"missing required field: apiVersion",
		"missing required field: kind",
		"missing required field: metadata.name",
		"missing required field: metadata.version",
		"missing required field: spec.displayName",
		"missing required field: spec.description",
	}
	if len(report.Errors) != len(want) {
		t.Fatalf("got %d errors, want %d: %v", len(report.Errors), len(want), report.Errors)
	}
	for i, e := range want {
		if report.Errors[i] != e {
			t.Fatalf("error[%d] = %q, want %q", i, report.Errors[i], e)
		}
	}
}

func TestValidateWrongKind(t *testing.T) {
	data := buildZip(t, map[string]string{"agent.yaml": `
apiVersion: v1
kind: Robot
metadata:
  name: hello
  version: 1.0.0
spec:
  displayName: Hello
  description: a test agent
`})
	report := Validate(data)
	if report.OK {
		t.Fatalf("expected not ok")
	}
}
