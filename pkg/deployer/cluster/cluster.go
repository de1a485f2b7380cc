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

// Package cluster implements the Cluster Deployer of spec.md §4.4.2: it
// synthesizes a Helm-style chart, invokes the cluster toolchain to
// install/upgrade it, and uses client-go for the lifecycle operations
// that don't need a full Helm round-trip (scale, rollout restart,
// status).
package cluster

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/postqode/orchestrator/internal/subprocess"
	"github.com/postqode/orchestrator/pkg/config"
	"github.com/postqode/orchestrator/pkg/deployer"
	"github.com/postqode/orchestrator/pkg/deployer/localcontainer"
)

// Deployer drives a Kubernetes cluster via a synthesized Helm chart for
// deploy, and client-go directly for the cheaper lifecycle operations.
type Deployer struct {
	cfg        *config.Config
	containers *localcontainer.Deployer
	helmBin    string
}

// New constructs a cluster Deployer. It reuses the local container
// Deployer's image build, per spec.md §4.4.2 ("build: delegate to the
// container build").
func New(cfg *config.Config) *Deployer {
	return &Deployer{
		cfg:        cfg,
		containers: localcontainer.New(cfg, ""),
		helmBin:    "helm",
	}
}

func (d *Deployer) Platform() string { return "cluster" }

func (d *Deployer) CheckPrerequisites() deployer.ValidationResult {
	res, err := subprocess.Run(context.Background(), 10*time.Second, "", []string{d.helmBin, "version", "--short"}, nil)
	ok := err == nil && res.ExitCode == 0
	met := map[string]bool{"helm available": ok}
	if !ok {
		return deployer.ValidationResult{OK: false, Errors: []string{"helm is not reachable: " + strings.TrimSpace(res.Combined)}, RequirementsMet: met}
	}
	return deployer.ValidationResult{OK: true, RequirementsMet: met}
}

func (d *Deployer) ValidateConfig(cfg deployer.DeployConfig) deployer.ValidationResult {
	var errs []string
	if cfg.StringConfig("kubeconfig") == "" {
		errs = append(errs, "platform_config.kubeconfig is required")
	}
	return deployer.ValidationResult{OK: len(errs) == 0, Errors: errs}
}

// namespaceFor defaults platform_config.namespace to "default", per
// spec.md §6's "namespace (default default)" rather than requiring it.
func namespaceFor(cfg deployer.DeployConfig) string {
	if ns := cfg.StringConfig("namespace"); ns != "" {
		return ns
	}
	return "default"
}

// Build delegates to the container build, then tags the resulting
// image for the configured registry and pushes it. Image-push failure
// is fatal per spec.md §4.4.2.
func (d *Deployer) Build(cfg deployer.DeployConfig, packagePath string, onProgress deployer.ProgressFunc) deployer.BuildResult {
	built := d.containers.Build(cfg, packagePath, onProgress)
	if !built.OK {
		return built
	}
	if cfg.Registry == "" {
		return deployer.BuildResult{Error: "platform_config/registry is required for cluster deploys (no registry configured)", BuildLogs: built.BuildLogs, Duration: built.Duration}
	}

	remoteTag := cfg.Registry + "/" + strings.TrimPrefix(built.ArtifactHandle, "postqode-agent-")
	if onProgress != nil {
		onProgress("tagging " + remoteTag)
	}
	tagRes, err := subprocess.Run(context.Background(), 30*time.Second, "", []string{"docker", "tag", built.ArtifactHandle, remoteTag}, nil)
	if err != nil || tagRes.TimedOut || tagRes.ExitCode != 0 {
		return deployer.BuildResult{BuildLogs: built.BuildLogs + tagRes.Combined, Error: "image tag failed", Duration: built.Duration}
	}

	if onProgress != nil {
		onProgress("pushing " + remoteTag)
	}
	pushRes, err := subprocess.Run(context.Background(), d.cfg.BuildTimeout(), "", []string{"docker", "push", remoteTag}, nil)
	logs := built.BuildLogs + tagRes.Combined + pushRes.Combined
	if err != nil || pushRes.TimedOut || pushRes.ExitCode != 0 {
		return deployer.BuildResult{BuildLogs: logs, Error: "image push failed: " + strings.TrimSpace(pushRes.Combined), Duration: built.Duration}
	}

	return deployer.BuildResult{OK: true, ArtifactHandle: remoteTag, BuildLogs: logs, Duration: built.Duration}
}

// Deploy synthesizes the chart and runs `helm upgrade --install --wait`
// with a 5-minute timeout, against a kubeconfig materialized for the
// duration of the call only.
func (d *Deployer) Deploy(deploymentID string, cfg deployer.DeployConfig, built deployer.BuildResult, onProgress deployer.ProgressFunc) deployer.DeployResult {
	start := time.Now()
	if !built.OK {
		return deployer.DeployResult{Error: "build did not succeed", Duration: time.Since(start)}
	}

	kubeconfigPath, cleanup, err := materializeKubeconfig(cfg)
	if err != nil {
		return deployer.DeployResult{Error: err.Error(), Duration: time.Since(start)}
	}
	defer cleanup()

	release := deployer.ExternalName(cfg.StringConfig("agent_id"), deploymentID)
	namespace := namespaceFor(cfg)

	chartDir, err := os.MkdirTemp("", "postqode-chart-*")
	if err != nil {
		return deployer.DeployResult{Error: err.Error(), Duration: time.Since(start)}
	}
	defer os.RemoveAll(chartDir)

	injected := map[string]string{
		"POSTQODE_DEPLOYMENT_ID": deploymentID,
		"POSTQODE_AGENT_ID":      cfg.StringConfig("agent_id"),
		"POSTQODE_ADAPTER":       cfg.Adapter,
	}
	if onProgress != nil {
		onProgress("synthesizing chart")
	}
	if err := synthesizeChart(chartDir, release, built.ArtifactHandle, cfg, injected); err != nil {
		return deployer.DeployResult{Error: err.Error(), Duration: time.Since(start)}
	}

	if onProgress != nil {
		onProgress("helm upgrade --install " + release)
	}
	args := []string{d.helmBin, "upgrade", "--install", release, chartDir,
		"--namespace", namespace, "--create-namespace",
		"--kubeconfig", kubeconfigPath,
		"--wait", "--timeout", "5m"}
	res, err := subprocess.Run(context.Background(), 5*time.Minute, "", args, nil)
	if err != nil {
		return deployer.DeployResult{DeployLogs: res.Combined, Error: err.Error(), Duration: time.Since(start)}
	}
	if res.TimedOut {
		return deployer.DeployResult{DeployLogs: res.Combined, Error: "timed out", Duration: time.Since(start)}
	}
	if res.ExitCode != 0 {
		return deployer.DeployResult{DeployLogs: res.Combined, Error: fmt.Sprintf("helm upgrade exited %d", res.ExitCode), Duration: time.Since(start)}
	}

	accessURL := ""
	if host := cfg.StringConfig("ingress_host"); host != "" {
		accessURL = "https://" + host
	}

	return deployer.DeployResult{
		OK:         true,
		ExternalID: release,
		AccessURL:  accessURL,
		DeployLogs: res.Combined,
		Duration:   time.Since(start),
	}
}

func (d *Deployer) Start(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	return d.scale(deploymentID, cfg, int32(replicaCountFor(cfg)))
}

func (d *Deployer) Stop(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	return d.scale(deploymentID, cfg, 0)
}

func (d *Deployer) Restart(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	clientset, cleanup, err := d.clientsetFor(cfg)
	if err != nil {
		return deployer.StatusResult{State: deployer.RunStateUnknown, Message: err.Error(), LastUpdated: time.Now()}
	}
	defer cleanup()

	release := deployer.ExternalName(cfg.StringConfig("agent_id"), deploymentID)
	namespace := namespaceFor(cfg)

	patch := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{"postqode/restartedAt":%q}}}}}`, time.Now().UTC().Format(time.RFC3339))
	_, err = clientset.AppsV1().Deployments(namespace).Patch(context.Background(), release, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return deployer.StatusResult{State: deployer.RunStateError, Message: err.Error(), LastUpdated: time.Now()}
	}
	return d.Status(deploymentID, cfg)
}

func (d *Deployer) scale(deploymentID string, cfg deployer.DeployConfig, replicas int32) deployer.StatusResult {
	clientset, cleanup, err := d.clientsetFor(cfg)
	if err != nil {
		return deployer.StatusResult{State: deployer.RunStateUnknown, Message: err.Error(), LastUpdated: time.Now()}
	}
	defer cleanup()

	release := deployer.ExternalName(cfg.StringConfig("agent_id"), deploymentID)
	namespace := namespaceFor(cfg)

	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	_, err = clientset.AppsV1().Deployments(namespace).Patch(context.Background(), release, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return deployer.StatusResult{State: deployer.RunStateError, Message: err.Error(), LastUpdated: time.Now()}
	}

	if replicas == 0 {
		return deployer.StatusResult{Running: false, State: deployer.RunStateStopped, Health: deployer.HealthUnknown, LastUpdated: time.Now()}
	}
	return d.Status(deploymentID, cfg)
}

// Status reads readyReplicas/replicas, mapping partial readiness to
// updating per spec.md §4.4.2.
func (d *Deployer) Status(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	clientset, cleanup, err := d.clientsetFor(cfg)
	if err != nil {
		return deployer.StatusResult{State: deployer.RunStateUnknown, Message: err.Error(), LastUpdated: time.Now()}
	}
	defer cleanup()

	release := deployer.ExternalName(cfg.StringConfig("agent_id"), deploymentID)
	namespace := namespaceFor(cfg)

	dep, err := clientset.AppsV1().Deployments(namespace).Get(context.Background(), release, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return deployer.StatusResult{State: deployer.RunStateStopped, Health: deployer.HealthUnknown, LastUpdated: time.Now()}
	}
	if err != nil {
		return deployer.StatusResult{State: deployer.RunStateUnknown, Message: err.Error(), LastUpdated: time.Now()}
	}

	return statusFromDeployment(dep)
}

func statusFromDeployment(dep *appsv1.Deployment) deployer.StatusResult {
	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	ready := dep.Status.ReadyReplicas

	switch {
	case desired == 0 && ready == 0:
		return deployer.StatusResult{Running: false, State: deployer.RunStateStopped, Health: deployer.HealthUnknown, LastUpdated: time.Now()}
	case ready == desired && ready > 0:
		return deployer.StatusResult{Running: true, State: deployer.RunStateRunning, Health: deployer.HealthHealthy, LastUpdated: time.Now()}
	case ready > 0 && ready < desired:
		return deployer.StatusResult{Running: true, State: deployer.RunStateUpdating, Health: deployer.HealthUnhealthy, Message: "partial readiness", LastUpdated: time.Now()}
	default:
		return deployer.StatusResult{Running: false, State: deployer.RunStateUpdating, Health: deployer.HealthUnknown, LastUpdated: time.Now()}
	}
}

func (d *Deployer) Logs(deploymentID string, cfg deployer.DeployConfig, lines int, follow bool) (string, error) {
	kubeconfigPath, cleanup, err := materializeKubeconfig(cfg)
	if err != nil {
		return "", err
	}
	defer cleanup()

	release := deployer.ExternalName(cfg.StringConfig("agent_id"), deploymentID)
	namespace := namespaceFor(cfg)
	args := []string{"kubectl", "logs", "-l", "app=" + release, "-n", namespace, "--kubeconfig", kubeconfigPath, "--tail", fmt.Sprintf("%d", lines)}
	res, err := subprocess.Run(context.Background(), 30*time.Second, "", args, nil)
	if err != nil {
		return "", err
	}
	return res.Combined, nil
}

// Delete uninstalls the Helm release.
func (d *Deployer) Delete(deploymentID string, cfg deployer.DeployConfig) bool {
	kubeconfigPath, cleanup, err := materializeKubeconfig(cfg)
	if err != nil {
		return false
	}
	defer cleanup()

	release := deployer.ExternalName(cfg.StringConfig("agent_id"), deploymentID)
	namespace := namespaceFor(cfg)
	args := []string{d.helmBin, "uninstall", release, "--namespace", namespace, "--kubeconfig", kubeconfigPath}
	res, err := subprocess.Run(context.Background(), 2*time.Minute, "", args, nil)
	return err == nil && (res.ExitCode == 0 || strings.Contains(res.Combined, "not found"))
}

func (d *Deployer) AccessInstructions(deploymentID string, cfg deployer.DeployConfig) map[string]string {
	release := deployer.ExternalName(cfg.StringConfig("agent_id"), deploymentID)
	namespace := namespaceFor(cfg)
	return map[string]string{
		"port_forward": fmt.Sprintf("kubectl port-forward svc/%s 8080:80 -n %s", release, namespace),
		"rollout":      fmt.Sprintf("kubectl rollout status deployment/%s -n %s", release, namespace),
	}
}

func (d *Deployer) ConfigSchema() map[string]string {
	return map[string]string{
		"kubeconfig":   "string, base64-encoded kubeconfig",
		"namespace":    "string, target namespace, default default",
		"ingress_host": "string, optional ingress hostname",
		"replicas":     "int, >=1, default 1",
	}
}

// materializeKubeconfig decodes platform_config.kubeconfig and writes
// it to a mode-0600 temp file for the duration of one operation, always
// removed on return, per spec.md §4.4.2.
func materializeKubeconfig(cfg deployer.DeployConfig) (path string, cleanup func(), err error) {
	encoded := cfg.StringConfig("kubeconfig")
	if encoded == "" {
		return "", nil, fmt.Errorf("cluster: platform_config.kubeconfig is required")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("cluster: decode kubeconfig: %w", err)
	}
	return subprocess.TempSecret("", "postqode-kubeconfig-*", data)
}

func (d *Deployer) clientsetFor(cfg deployer.DeployConfig) (*kubernetes.Clientset, func(), error) {
	path, cleanup, err := materializeKubeconfig(cfg)
	if err != nil {
		return nil, func() {}, err
	}
	restCfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("cluster: build rest config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("cluster: build clientset: %w", err)
	}
	return clientset, cleanup, nil
}
