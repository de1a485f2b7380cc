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

package cluster

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/postqode/orchestrator/pkg/deployer"
)

func int32p(v int32) *int32 { return &v }

func TestNamespaceForDefaultsToDefault(t *testing.T) {
	if got := namespaceFor(deployer.DeployConfig{}); got != "default" {
		t.Fatalf("namespace = %q, want default", got)
	}
	cfg := deployer.DeployConfig{PlatformConfig: map[string]any{"namespace": "team-a"}}
	if got := namespaceFor(cfg); got != "team-a" {
		t.Fatalf("namespace = %q, want team-a", got)
	}
}

func TestValidateConfigDoesNotRequireNamespace(t *testing.T) {
	d := &Deployer{}
	res := d.ValidateConfig(deployer.DeployConfig{PlatformConfig: map[string]any{"kubeconfig": "abc"}})
	if !res.OK {
		t.Fatalf("expected namespace-less config to validate, got errors: %v", res.Errors)
	}
}

func TestStatusFromDeploymentHealthy(t *testing.T) {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "postqode-a1-abcd1234"},
		Spec:       appsv1.DeploymentSpec{Replicas: int32p(2)},
		Status:     appsv1.DeploymentStatus{ReadyReplicas: 2},
	}
	got := statusFromDeployment(dep)
	if got.State != deployer.RunStateRunning || got.Health != deployer.HealthHealthy {
		t.Fatalf("got %+v", got)
	}
}

func TestStatusFromDeploymentPartial(t *testing.T) {
	dep := &appsv1.Deployment{
		Spec:   appsv1.DeploymentSpec{Replicas: int32p(3)},
		Status: appsv1.DeploymentStatus{ReadyReplicas: 1},
	}
	got := statusFromDeployment(dep)
	if got.State != deployer.RunStateUpdating {
		t.Fatalf("got %+v, want updating", got)
	}
}

func TestStatusFromDeploymentScaledDown(t *testing.T) {
	dep := &appsv1.Deployment{
		Spec:   appsv1.DeploymentSpec{Replicas: int32p(0)},
		Status: appsv1.DeploymentStatus{ReadyReplicas: 0},
	}
	got := statusFromDeployment(dep)
	if got.Running || got.State != deployer.RunStateStopped {
		t.Fatalf("got %+v, want stopped", got)
	}
}

func TestSynthesizeChartWritesExpectedFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := deployer.DeployConfig{
		EnvVars: map[string]string{"FOO": "bar"},
		PlatformConfig: map[string]any{
			"namespace":    "t",
			"ingress_host": "agent.example.com",
		},
	}
	if err := synthesizeChart(dir, "postqode-a1-abcd1234", "registry/image:tag", cfg, map[string]string{"POSTQODE_AGENT_ID": "a1"}); err != nil {
		t.Fatalf("synthesizeChart: %v", err)
	}

	for _, name := range []string{"Chart.yaml", "values.yaml", filepath.Join("templates", "deployment.yaml"), filepath.Join("templates", "service.yaml"), filepath.Join("templates", "ingress.yaml")} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
}

func TestSynthesizeChartOmitsIngressWhenNoHost(t *testing.T) {
	dir := t.TempDir()
	cfg := deployer.DeployConfig{PlatformConfig: map[string]any{"namespace": "t"}}
	if err := synthesizeChart(dir, "postqode-a1-abcd1234", "registry/image:tag", cfg, nil); err != nil {
		t.Fatalf("synthesizeChart: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "templates", "ingress.yaml")); err == nil {
		t.Fatalf("expected ingress.yaml to be absent")
	}
}

func TestReplicaCountForHonorsPlatformConfig(t *testing.T) {
	if got := replicaCountFor(deployer.DeployConfig{}); got != 1 {
		t.Fatalf("replicaCountFor(empty) = %d, want 1", got)
	}
	// PlatformConfig arrives as float64 once it has been through a JSON
	// round trip (the CLI snapshot), same as every other numeric key.
	cfg := deployer.DeployConfig{PlatformConfig: map[string]any{"replicas": float64(3)}}
	if got := replicaCountFor(cfg); got != 3 {
		t.Fatalf("replicaCountFor(3) = %d, want 3", got)
	}
	zero := deployer.DeployConfig{PlatformConfig: map[string]any{"replicas": float64(0)}}
	if got := replicaCountFor(zero); got != 1 {
		t.Fatalf("replicaCountFor(0) = %d, want clamped to 1", got)
	}
}

func TestSynthesizeChartWritesConfiguredReplicaCount(t *testing.T) {
	dir := t.TempDir()
	cfg := deployer.DeployConfig{PlatformConfig: map[string]any{"namespace": "t", "replicas": float64(4)}}
	if err := synthesizeChart(dir, "postqode-a1-abcd1234", "registry/image:tag", cfg, nil); err != nil {
		t.Fatalf("synthesizeChart: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "values.yaml"))
	if err != nil {
		t.Fatalf("read values.yaml: %v", err)
	}
	if !strings.Contains(string(data), "replicaCount: 4") {
		t.Fatalf("expected replicaCount: 4 in values.yaml, got:\n%s", data)
	}
}
