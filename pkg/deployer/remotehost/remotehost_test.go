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

package remotehost

import (
	"strings"
	"testing"

	"github.com/postqode/orchestrator/pkg/deployer"
)

func TestValidateConfigRequiresHostAndKey(t *testing.T) {
	d := New(nil)
	res := d.ValidateConfig(deployer.DeployConfig{})
	if res.OK {
		t.Fatalf("expected validation to fail")
	}
	if len(res.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %v", res.Errors)
	}
}

func TestUnitNameDeterministic(t *testing.T) {
	a := unitNameFor("agent-1", "dep-abcdefgh-xyz")
	b := unitNameFor("agent-1", "dep-abcdefgh-xyz")
	if a != b {
		t.Fatalf("expected deterministic naming")
	}
	if !strings.HasPrefix(a, "postqode-agent-1-") {
		t.Fatalf("got %q", a)
	}
}

func TestInstallScriptIncludesEnvVars(t *testing.T) {
	cfg := deployer.DeployConfig{EnvVars: map[string]string{"FOO": "bar"}, Adapter: "openai"}
	script := installScript("/opt/postqode/agents/agent-1", "dep-1", "agent-1", cfg)
	if !strings.Contains(script, "FOO=bar") {
		t.Fatalf("expected env var in script: %s", script)
	}
	if !strings.Contains(script, "/opt/postqode/agents/agent-1") {
		t.Fatalf("expected install root in script")
	}
	for _, want := range []string{"POSTQODE_DEPLOYMENT_ID=dep-1", "POSTQODE_AGENT_ID=agent-1", "POSTQODE_ADAPTER=openai"} {
		if !strings.Contains(script, want) {
			t.Fatalf("expected %q injected into env.sh: %s", want, script)
		}
	}
}

func TestServiceUnitReferencesWorkingDirectory(t *testing.T) {
	unit := serviceUnit("postqode-agent-1-abcd1234", "/opt/postqode/agents/agent-1", deployer.DeployConfig{})
	if !strings.Contains(unit, "WorkingDirectory=/opt/postqode/agents/agent-1") {
		t.Fatalf("got %s", unit)
	}
	if !strings.Contains(unit, "postqode-agent-1-abcd1234") {
		t.Fatalf("expected unit name in description")
	}
}
