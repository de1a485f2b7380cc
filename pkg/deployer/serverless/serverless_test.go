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

package serverless

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/postqode/orchestrator/pkg/deployer"
)

func TestAppSettingsIncludesInjectedVars(t *testing.T) {
	cfg := deployer.DeployConfig{
		Adapter: "openai",
		EnvVars: map[string]string{"FOO": "bar"},
		PlatformConfig: map[string]any{
			"agent_id": "agent-1",
		},
	}
	got := appSettings("dep-1", cfg)
	if got["FOO"] != "bar" || got["POSTQODE_DEPLOYMENT_ID"] != "dep-1" || got["POSTQODE_AGENT_ID"] != "agent-1" || got["POSTQODE_ADAPTER"] != "openai" {
		t.Fatalf("unexpected settings: %+v", got)
	}
}

func TestMergeRequirementsFallsBackToBase(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "requirements.txt")
	if err := mergeRequirements(filepath.Join(dir, "agent"), dest); err != nil {
		t.Fatalf("mergeRequirements: %v", err)
	}
	data, _ := os.ReadFile(dest)
	if !strings.Contains(string(data), "azure-functions") {
		t.Fatalf("expected base requirement, got %s", data)
	}
}

func TestMergeRequirementsAppendsAgentReqs(t *testing.T) {
	dir := t.TempDir()
	agentDir := filepath.Join(dir, "agent")
	os.MkdirAll(agentDir, 0755)
	os.WriteFile(filepath.Join(agentDir, "requirements.txt"), []byte("openai==1.0.0\n"), 0644)

	dest := filepath.Join(dir, "requirements.txt")
	if err := mergeRequirements(agentDir, dest); err != nil {
		t.Fatalf("mergeRequirements: %v", err)
	}
	data, _ := os.ReadFile(dest)
	if !strings.Contains(string(data), "openai==1.0.0") {
		t.Fatalf("expected agent requirement, got %s", data)
	}
}

func TestExtractZipWritesFiles(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "pkg.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("agent.py")
	w.Write([]byte("def handle(): pass\n"))
	zw.Close()
	os.WriteFile(zipPath, buf.Bytes(), 0644)

	dest := filepath.Join(dir, "out")
	if err := extractZip(zipPath, dest); err != nil {
		t.Fatalf("extractZip: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "agent.py")); err != nil {
		t.Fatalf("expected agent.py to be extracted: %v", err)
	}
}

func TestAlnumOnlyStripsSpecialChars(t *testing.T) {
	got := strings.Map(alnumOnly, "ab-cd_12!")
	if got != "abcd12" {
		t.Fatalf("got %q", got)
	}
}
