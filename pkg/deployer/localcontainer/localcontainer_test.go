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

package localcontainer

import (
	"testing"

	"github.com/postqode/orchestrator/pkg/config"
	"github.com/postqode/orchestrator/pkg/deployer"
)

func TestPlatformName(t *testing.T) {
	d := New(config.New(), "")
	if d.Platform() != "local_container" {
		t.Fatalf("got %q", d.Platform())
	}
}

func TestValidateConfigWarnsOnMissingPort(t *testing.T) {
	d := New(config.New(), "docker")
	res := d.ValidateConfig(deployer.DeployConfig{})
	if !res.OK {
		t.Fatalf("expected ok=true")
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", res.Warnings)
	}
}

func TestValidateConfigNoWarningWithPort(t *testing.T) {
	d := New(config.New(), "docker")
	res := d.ValidateConfig(deployer.DeployConfig{HostPort: 18080})
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", res.Warnings)
	}
}

func TestAgentAndVersionFromPath(t *testing.T) {
	agentID, version := agentAndVersionFromPath("/store/hello-agent/1.2.0.zip")
	if agentID != "hello-agent" || version != "1.2.0" {
		t.Fatalf("got agentID=%q version=%q", agentID, version)
	}
}

func TestEnvArgsInjectsPostqodeVars(t *testing.T) {
	cfg := deployer.DeployConfig{
		Adapter: "openai",
		EnvVars: map[string]string{"FOO": "bar"},
		PlatformConfig: map[string]any{
			"agent_id": "hello-agent",
		},
	}
	args := envArgs(cfg, "dep-123")

	joined := map[string]bool{}
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == "-e" {
			joined[args[i+1]] = true
		}
	}
	for _, want := range []string{"FOO=bar", "POSTQODE_DEPLOYMENT_ID=dep-123", "POSTQODE_AGENT_ID=hello-agent", "POSTQODE_ADAPTER=openai"} {
		if !joined[want] {
			t.Fatalf("expected env arg %q in %v", want, args)
		}
	}
}
