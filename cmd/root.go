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

// Package cmd wires every core component into a local Cobra CLI: this
// is process wiring for operators driving the orchestrator directly,
// not an HTTP API (out of scope per spec.md §1).
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/postqode/orchestrator/pkg/config"
	"github.com/postqode/orchestrator/pkg/deployer"
	"github.com/postqode/orchestrator/pkg/deployer/cluster"
	"github.com/postqode/orchestrator/pkg/deployer/edge"
	"github.com/postqode/orchestrator/pkg/deployer/localcontainer"
	"github.com/postqode/orchestrator/pkg/deployer/remotehost"
	"github.com/postqode/orchestrator/pkg/deployer/serverless"
	"github.com/postqode/orchestrator/pkg/deployment"
	"github.com/postqode/orchestrator/pkg/health"
	"github.com/postqode/orchestrator/pkg/license"
	"github.com/postqode/orchestrator/pkg/packages"
	"github.com/postqode/orchestrator/pkg/pipeline"
)

var version = "(unknown)"

var (
	flagStorageRoot     string
	flagContainerEngine string
	flagEdgeRegistryURL string

	flagAgentID      string
	flagAgentVersion string
	flagPlatform     string
	flagAdapter      string
	flagEnvironment  string
	flagEnvVars      []string
	flagPlatformCfg  []string
	flagHostPort     int
	flagRegistry     string
	flagAutoStart    bool
	flagUserID       string
	flagOrgID        string
	flagPriceCents   int64

	flagLines int
)

var rootCmd = &cobra.Command{
	Use:   "postqoded",
	Short: "Drive the postqode agent deployment orchestrator locally.",
}

// Execute runs rootCmd, whose child commands are added in init. Called
// once by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		version = bi.Main.Version
	} else {
		log.Printf("failed to read build info to get version")
	}

	rootCmd.PersistentFlags().StringVar(&flagStorageRoot, "storage-root", "", "override the package-bytes storage root (default $POSTQODE_HOME/packages)")
	rootCmd.PersistentFlags().StringVar(&flagContainerEngine, "container-engine", "docker", "container engine binary for the local_container deployer")
	rootCmd.PersistentFlags().StringVar(&flagEdgeRegistryURL, "edge-registry-url", "http://localhost:9090", "base URL of the external edge device registry")

	deployCmd.Flags().StringVar(&flagAgentID, "agent", "", "agent id to deploy (required)")
	deployCmd.Flags().StringVar(&flagAgentVersion, "version", "", "version to upload the package under and deploy; default 0.0.0-local")
	deployCmd.Flags().StringVar(&flagPlatform, "platform", "local_container", "target platform: local_container, cluster, remote_host, serverless, edge")
	deployCmd.Flags().StringVar(&flagAdapter, "adapter", "", "adapter name the package exposes")
	deployCmd.Flags().StringVar(&flagEnvironment, "environment", "production", "environment name")
	deployCmd.Flags().StringArrayVar(&flagEnvVars, "env", nil, "env var to inject, KEY=VALUE, repeatable")
	deployCmd.Flags().StringArrayVar(&flagPlatformCfg, "platform-config", nil, "platform-scoped key=value, repeatable")
	deployCmd.Flags().IntVar(&flagHostPort, "host-port", 0, "host port for platforms that expose one")
	deployCmd.Flags().StringVar(&flagRegistry, "registry", "", "container registry for the cluster deployer's build step")
	deployCmd.Flags().BoolVar(&flagAutoStart, "auto-start", true, "deploy immediately after build; false leaves the deployment pending")
	deployCmd.Flags().StringVar(&flagUserID, "user", "local-operator", "principal user id")
	deployCmd.Flags().StringVar(&flagOrgID, "org", "local-org", "principal organization id")
	deployCmd.Flags().Int64Var(&flagPriceCents, "price-cents", 0, "agent price in cents, for the demo in-memory license predicate")

	logsCmd.Flags().IntVar(&flagLines, "lines", 200, "number of trailing log lines to request")

	rootCmd.AddCommand(deployCmd, stopCmd, startCmd, statusCmd, logsCmd, deleteCmd, platformsCmd, pingCmd)
}

// orchestrator bundles every wired component a CLI command needs. It
// is rebuilt fresh per invocation. Deployment rows carry over between
// invocations through the JSON snapshot at deploymentsSnapshotPath;
// the package version registry is in memory only and starts empty in
// each process, although package bytes stay under the storage root.
type orchestrator struct {
	cfg         *config.Config
	packages    *packages.Store
	deployments *deployment.Store
	factory     *deployer.Factory
	agents      *pipeline.StaticAgentLookup
	licenses    license.Predicate
	pipeline    *pipeline.Pipeline
	health      *health.Intake
}

func newOrchestrator() *orchestrator {
	var opts []config.Option
	if flagStorageRoot != "" {
		opts = append(opts, config.WithStorageRoot(flagStorageRoot))
	}
	cfg := config.New(opts...)

	pkgStore := packages.New(cfg.StorageRoot(), packages.NewMemRegistry())
	deployStore := deployment.New()

	factory := deployer.NewFactory()
	factory.Register(localcontainer.New(cfg, flagContainerEngine))
	factory.Register(cluster.New(cfg))
	factory.Register(remotehost.New(cfg))
	factory.Register(serverless.New(cfg), "serverless_deployer")
	factory.Register(edge.New(cfg, flagEdgeRegistryURL), "iot", "edge_deployer")

	agents := pipeline.NewStaticAgentLookup()
	licenses := license.NewInMemory(map[string]int64{})

	loadDeployments(cfg, deployStore)

	return &orchestrator{
		cfg:         cfg,
		packages:    pkgStore,
		deployments: deployStore,
		factory:     factory,
		agents:      agents,
		licenses:    licenses,
		pipeline:    pipeline.New(cfg, pkgStore, deployStore, factory, agents, licenses),
		health:      health.New(deployStore),
	}
}

// deploymentsSnapshotPath is where this CLI wiring persists Deployment
// rows between invocations: each process run starts with an empty
// in-process Store (spec.md §6 leaves persistence choice to the
// caller), so the ambient CLI round-trips a JSON snapshot alongside
// the package storage root rather than losing every deployment the
// moment the process exits.
func deploymentsSnapshotPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.StorageRoot()), "deployments.json")
}

func loadDeployments(cfg *config.Config, store *deployment.Store) {
	data, err := os.ReadFile(deploymentsSnapshotPath(cfg))
	if err != nil {
		return
	}
	var rows []deployment.Deployment
	if err := json.Unmarshal(data, &rows); err != nil {
		log.Printf("warning: could not parse deployments snapshot: %v", err)
		return
	}
	store.Seed(rows)
}

func saveDeployments(o *orchestrator) {
	rows := o.deployments.List(deployment.Filter{})
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		log.Printf("warning: could not serialize deployments snapshot: %v", err)
		return
	}
	path := deploymentsSnapshotPath(o.cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("warning: could not create snapshot directory: %v", err)
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Printf("warning: could not write deployments snapshot: %v", err)
	}
}

var deployCmd = &cobra.Command{
	Use:   "deploy <package.zip>",
	Short: "Upload a package (replacing any stored bytes for the same version) and run the deploy pipeline against it.",
	Args:  cobra.ExactArgs(1),
	Run:   runDeployCmd,
}

func runDeployCmd(cmd *cobra.Command, args []string) {
	if flagAgentID == "" {
		log.Fatalf("--agent is required")
	}
	o := newOrchestrator()

	data, err := os.ReadFile(args[0])
	if err != nil {
		log.Fatalf("read package: %v", err)
	}
	version := flagAgentVersion
	if version == "" {
		version = "0.0.0-local"
	}
	if _, err := o.packages.Put(flagAgentID, version, data, args[0], packages.PutOptions{}); err != nil {
		log.Fatalf("upload package: %v", err)
	}

	o.agents.Put(pipeline.AgentInfo{ID: flagAgentID, CurrentVersion: version, PriceCents: flagPriceCents})
	if l, ok := o.licenses.(*license.InMemory); ok {
		l.PriceCents[flagAgentID] = flagPriceCents
	}

	req := pipeline.Request{
		Principal:       license.Principal{UserID: flagUserID, OrganizationID: flagOrgID},
		AgentID:         flagAgentID,
		AgentVersion:    version,
		Platform:        deployment.Platform(flagPlatform),
		Adapter:         flagAdapter,
		EnvironmentName: flagEnvironment,
		EnvVars:         parseKeyValues(flagEnvVars),
		HostPort:        flagHostPort,
		Registry:        flagRegistry,
		PlatformConfig:  parsePlatformConfig(flagPlatformCfg),
		AutoStart:       flagAutoStart,
	}

	res := o.pipeline.Deploy(context.Background(), req, func(ev pipeline.StepEvent) {
		log.Printf("[%s] %s %s", ev.Name, ev.Status, ev.Message)
	})
	saveDeployments(o)
	if res.Error != "" {
		log.Fatalf("deploy failed at a step: %s", res.Error)
	}
	fmt.Printf("deployment=%s state=%s access_url=%s\n", res.DeploymentID, res.FinalState, res.AccessURL)
}

var stopCmd = &cobra.Command{
	Use:   "stop <deployment-id>",
	Short: "Stop a deployment.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		o := newOrchestratorForExistingDeployment(args[0])
		d, err := o.pipeline.Stop(context.Background(), args[0])
		if err != nil {
			log.Fatalf("stop: %v", err)
		}
		saveDeployments(o)
		fmt.Printf("deployment=%s state=%s\n", d.ID, d.State)
	},
}

var startCmd = &cobra.Command{
	Use:   "start <deployment-id>",
	Short: "Start (or restart) a deployment using its stored configuration.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		o := newOrchestratorForExistingDeployment(args[0])
		d, err := o.pipeline.Start(context.Background(), args[0])
		if err != nil {
			log.Fatalf("start: %v", err)
		}
		saveDeployments(o)
		fmt.Printf("deployment=%s state=%s access_url=%s\n", d.ID, d.State, d.AccessURL)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <deployment-id>",
	Short: "Report the live status of a deployment from its owning deployer.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		o := newOrchestratorForExistingDeployment(args[0])
		d, _ := o.deployments.Get(args[0])
		backend, err := o.factory.MustGet(string(d.Platform))
		if err != nil {
			log.Fatalf("status: %v", err)
		}
		res := backend.Status(args[0], deployConfigFor(d))
		fmt.Printf("running=%v state=%s health=%s\n", res.Running, res.State, res.Health)
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <deployment-id>",
	Short: "Tail logs for a deployment from its owning deployer.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		o := newOrchestratorForExistingDeployment(args[0])
		d, _ := o.deployments.Get(args[0])
		backend, err := o.factory.MustGet(string(d.Platform))
		if err != nil {
			log.Fatalf("logs: %v", err)
		}
		out, err := backend.Logs(args[0], deployConfigFor(d), flagLines, false)
		if err != nil {
			log.Fatalf("logs: %v", err)
		}
		fmt.Println(out)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <deployment-id>",
	Short: "Delete a deployment from its target and drop its row.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		o := newOrchestratorForExistingDeployment(args[0])
		d, _ := o.deployments.Get(args[0])
		backend, err := o.factory.MustGet(string(d.Platform))
		if err != nil {
			log.Fatalf("delete: %v", err)
		}
		ok := backend.Delete(args[0], deployConfigFor(d))
		o.deployments.Delete(args[0])
		saveDeployments(o)
		fmt.Printf("deleted=%v\n", ok)
	},
}

var platformsCmd = &cobra.Command{
	Use:   "platforms",
	Short: "List every registered deployer platform and its availability (spec.md §4.7).",
	Run: func(cmd *cobra.Command, args []string) {
		o := newOrchestrator()
		for _, name := range o.factory.ListPlatforms() {
			backend, _ := o.factory.Get(name)
			check := backend.CheckPrerequisites()
			fmt.Printf("%-16s available=%-5v schema=%v\n", name, check.OK, backend.ConfigSchema())
		}
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping <deployment-id>",
	Short: "Record a health ping for a deployment (spec.md §4.8).",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		o := newOrchestratorForExistingDeployment(args[0])
		if _, err := o.health.RecordPing(args[0], health.Ping{}); err != nil {
			log.Fatalf("ping: %v", err)
		}
		saveDeployments(o)
		fmt.Println("ok")
	},
}

// newOrchestratorForExistingDeployment builds a fresh orchestrator,
// replaying the on-disk deployments snapshot, and fails fast if
// deploymentID isn't in it.
func newOrchestratorForExistingDeployment(deploymentID string) *orchestrator {
	o := newOrchestrator()
	if _, ok := o.deployments.Get(deploymentID); !ok {
		log.Fatalf("deployment %s not found", deploymentID)
	}
	return o
}

func deployConfigFor(d deployment.Deployment) deployer.DeployConfig {
	platformConfig := map[string]any{"agent_id": d.AgentID, "deployment_id": d.ID}
	for k, v := range d.Config {
		platformConfig[k] = v
	}
	return deployer.DeployConfig{Adapter: d.Adapter, EnvironmentName: d.EnvironmentName, PlatformConfig: platformConfig}
}

func parseKeyValues(pairs []string) map[string]string {
	out := map[string]string{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func parsePlatformConfig(pairs []string) map[string]any {
	out := map[string]any{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			out[k] = float64(n)
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
			continue
		}
		out[k] = v
	}
	return out
}
