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

package packages

import (
	"archive/zip"
	"bytes"
	"os"
	"testing"

	"github.com/postqode/orchestrator/pkg/orcherr"
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

func validPackage(t *testing.T) []byte {
	return buildZip(t, map[string]string{
		"agent.yaml":           validManifest,
		"adapters/openai.yaml": "provider: openai\n",
	})
}

func TestPutThenGetPathRoundTrips(t *testing.T) {
	root := t.TempDir()
	s := New(root, NewMemRegistry())

	rec, err := s.Put("agent-1", "1.0.0", validPackage(t), "pkg.zip", PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if rec.ContentDigest == "" {
		t.Fatalf("expected a content digest")
	}
	if !rec.IsLatest {
		t.Fatalf("expected the first upload to be latest")
	}

	path, ok := s.GetPath("agent-1", "1.0.0")
	if !ok {
		t.Fatalf("expected GetPath to find the record")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected package bytes on disk: %v", err)
	}
}

func TestPutRejectsAnInvalidPackage(t *testing.T) {
	root := t.TempDir()
	s := New(root, NewMemRegistry())

	_, err := s.Put("agent-1", "1.0.0", buildZip(t, map[string]string{"readme.txt": "no manifest here"}), "pkg.zip", PutOptions{})
	if err == nil {
		t.Fatalf("expected an error for a package with no manifest")
	}
	var invalid *orcherr.PackageInvalid
	if !asPackageInvalid(err, &invalid) {
		t.Fatalf("expected *orcherr.PackageInvalid, got %T: %v", err, err)
	}
}

func asPackageInvalid(err error, target **orcherr.PackageInvalid) bool {
	if pe, ok := err.(*orcherr.PackageInvalid); ok {
		*target = pe
		return true
	}
	return false
}

func TestPutPromotesHighestVersionToLatest(t *testing.T) {
	root := t.TempDir()
	s := New(root, NewMemRegistry())

	if _, err := s.Put("agent-1", "1.0.0", validPackage(t), "pkg.zip", PutOptions{}); err != nil {
		t.Fatalf("Put 1.0.0: %v", err)
	}
	if _, err := s.Put("agent-1", "2.0.0", validPackage(t), "pkg.zip", PutOptions{}); err != nil {
		t.Fatalf("Put 2.0.0: %v", err)
	}
	// Re-uploading an older version must not steal latest back.
	if _, err := s.Put("agent-1", "1.0.0", validPackage(t), "pkg.zip", PutOptions{}); err != nil {
		t.Fatalf("re-Put 1.0.0: %v", err)
	}

	versions := s.ListVersions("agent-1")
	if len(versions) != 2 || versions[0] != "2.0.0" {
		t.Fatalf("expected [2.0.0 1.0.0], got %v", versions)
	}
}

func TestDownloadURLRequiresLicense(t *testing.T) {
	root := t.TempDir()
	s := New(root, NewMemRegistry())
	if _, err := s.Put("agent-1", "1.0.0", validPackage(t), "pkg.zip", PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, ok := s.DownloadURL("agent-1", "1.0.0", false); ok {
		t.Fatalf("expected no URL without a license")
	}
	url, ok := s.DownloadURL("agent-1", "1.0.0", true)
	if !ok || url == "" {
		t.Fatalf("expected a URL with a license, got %q ok=%v", url, ok)
	}
}

func TestDeletePromotesNextHighestToLatest(t *testing.T) {
	root := t.TempDir()
	s := New(root, NewMemRegistry())
	s.Put("agent-1", "1.0.0", validPackage(t), "pkg.zip", PutOptions{})
	s.Put("agent-1", "2.0.0", validPackage(t), "pkg.zip", PutOptions{})

	if !s.Delete("agent-1", "2.0.0") {
		t.Fatalf("expected delete to report removal")
	}
	rec, ok := s.registry.Get("agent-1", "1.0.0")
	if !ok || !rec.IsLatest {
		t.Fatalf("expected 1.0.0 to be promoted to latest after 2.0.0 was deleted")
	}
	if _, ok := s.GetPath("agent-1", "2.0.0"); ok {
		t.Fatalf("expected the deleted version to be gone")
	}
}
