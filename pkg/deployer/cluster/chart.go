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
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"

	"github.com/postqode/orchestrator/pkg/deployer"
)

// chartMeta is Chart.yaml.
type chartMeta struct {
	APIVersion string `json:"apiVersion"`
	Name       string `json:"name"`
	Version    string `json:"version"`
}

// chartValues is values.yaml: replica count, image, env, resources, and
// an optional ingress host, per spec.md §4.4.2.
type chartValues struct {
	ReplicaCount int               `json:"replicaCount"`
	Image        string            `json:"image"`
	Env          []envVar          `json:"env"`
	Resources    resourceSpec      `json:"resources"`
	Ingress      *ingressSpec      `json:"ingress,omitempty"`
	Name         string            `json:"name"`
	Namespace    string            `json:"namespace"`
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resourceSpec struct {
	Requests resourceQuantities `json:"requests"`
	Limits   resourceQuantities `json:"limits"`
}

type resourceQuantities struct {
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
}

type ingressSpec struct {
	Host string `json:"host"`
}

// replicaCountFor reads platform_config.replicas (spec.md §6:
// "replicas (>=1)"), defaulting to 1 and clamping anything lower.
func replicaCountFor(cfg deployer.DeployConfig) int {
	if n := cfg.IntConfig("replicas", 1); n >= 1 {
		return n
	}
	return 1
}

// synthesizeChart writes Chart.yaml, values.yaml, and templates for
// Deployment/Service/(optional)Ingress under dir.
func synthesizeChart(dir, releaseName, image string, cfg deployer.DeployConfig, injected map[string]string) error {
	if err := os.MkdirAll(filepath.Join(dir, "templates"), 0755); err != nil {
		return fmt.Errorf("cluster: create chart dir: %w", err)
	}

	meta := chartMeta{APIVersion: "v2", Name: releaseName, Version: "0.1.0"}
	metaBytes, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cluster: marshal Chart.yaml: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Chart.yaml"), metaBytes, 0644); err != nil {
		return fmt.Errorf("cluster: write Chart.yaml: %w", err)
	}

	var env []envVar
	for k, v := range cfg.EnvVars {
		env = append(env, envVar{Name: k, Value: v})
	}
	for k, v := range injected {
		env = append(env, envVar{Name: k, Value: v})
	}

	values := chartValues{
		ReplicaCount: replicaCountFor(cfg),
		Image:        image,
		Env:          env,
		Name:         releaseName,
		Namespace:    cfg.StringConfig("namespace"),
		Resources: resourceSpec{
			Requests: resourceQuantities{CPU: "100m", Memory: "128Mi"},
			Limits:   resourceQuantities{CPU: "500m", Memory: "512Mi"},
		},
	}
	if host := cfg.StringConfig("ingress_host"); host != "" {
		values.Ingress = &ingressSpec{Host: host}
	}
	valuesBytes, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("cluster: marshal values.yaml: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "values.yaml"), valuesBytes, 0644); err != nil {
		return fmt.Errorf("cluster: write values.yaml: %w", err)
	}

	templates := map[string]string{
		"deployment.yaml": deploymentTemplate,
		"service.yaml":    serviceTemplate,
	}
	if values.Ingress != nil {
		templates["ingress.yaml"] = ingressTemplate
	}
	for name, contents := range templates {
		if err := os.WriteFile(filepath.Join(dir, "templates", name), []byte(contents), 0644); err != nil {
			return fmt.Errorf("cluster: write template %s: %w", name, err)
		}
	}
	return nil
}

const deploymentTemplate = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: {{ .Values.name }}
spec:
  replicas: {{ .Values.replicaCount }}
  selector:
    matchLabels:
      app: {{ .Values.name }}
  template:
    metadata:
      labels:
        app: {{ .Values.name }}
    spec:
      containers:
        - name: {{ .Values.name }}
          image: {{ .Values.image }}
          ports:
            - containerPort: 8080
          env:
            {{- range .Values.env }}
            - name: {{ .name }}
              value: {{ .value | quote }}
            {{- end }}
          resources:
            {{- toYaml .Values.resources | nindent 12 }}
`

const serviceTemplate = `apiVersion: v1
kind: Service
metadata:
  name: {{ .Values.name }}
spec:
  selector:
    app: {{ .Values.name }}
  ports:
    - port: 80
      targetPort: 8080
`

const ingressTemplate = `{{- if .Values.ingress }}
apiVersion: networking.k8s.io/v1
kind: Ingress
metadata:
  name: {{ .Values.name }}
spec:
  rules:
    - host: {{ .Values.ingress.host }}
      http:
        paths:
          - path: /
            pathType: Prefix
            backend:
              service:
                name: {{ .Values.name }}
                port:
                  number: 80
{{- end }}
`
