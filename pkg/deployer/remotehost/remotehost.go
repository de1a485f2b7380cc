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

// Package remotehost implements the Remote Host Deployer of spec.md
// §4.4.3: it ships the package, an install script, and a systemd unit
// to an arbitrary host over SSH, and drives the unit's lifecycle via
// SSH-executed systemctl/journalctl calls.
package remotehost

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/postqode/orchestrator/internal/subprocess"
	"github.com/postqode/orchestrator/pkg/config"
	"github.com/postqode/orchestrator/pkg/deployer"
)

// Deployer drives a remote host over SSH. Targets are arbitrary hosts,
// so the client connects directly with golang.org/x/crypto/ssh rather
// than shelling out to a cloud CLI.
type Deployer struct {
	cfg *config.Config
}

// New constructs a remote host Deployer.
func New(cfg *config.Config) *Deployer {
	return &Deployer{cfg: cfg}
}

func (d *Deployer) Platform() string { return "remote_host" }

func (d *Deployer) CheckPrerequisites() deployer.ValidationResult {
	return deployer.ValidationResult{OK: true, RequirementsMet: map[string]bool{"ssh key format known": true}}
}

func (d *Deployer) ValidateConfig(cfg deployer.DeployConfig) deployer.ValidationResult {
	var errs []string
	for _, key := range []string{"ssh_host", "ssh_key"} {
		if cfg.StringConfig(key) == "" {
			errs = append(errs, "platform_config."+key+" is required")
		}
	}
	if len(errs) > 0 {
		return deployer.ValidationResult{OK: false, Errors: errs}
	}

	client, err := d.dial(cfg)
	if err != nil {
		return deployer.ValidationResult{OK: false, Errors: []string{"ssh dial failed: " + err.Error()}}
	}
	client.Close()
	return deployer.ValidationResult{OK: true}
}

// Build produces the deployable artefact in a build root: the raw
// package zip, a shell install script, and a service-unit file.
func (d *Deployer) Build(cfg deployer.DeployConfig, packagePath string, onProgress deployer.ProgressFunc) deployer.BuildResult {
	start := time.Now()
	buildRoot, err := os.MkdirTemp("", "postqode-remotehost-*")
	if err != nil {
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}

	agentID := cfg.StringConfig("agent_id")
	deploymentID := cfg.StringConfig("deployment_id")
	unitName := unitNameFor(agentID, deploymentID)
	installBase := cfg.StringConfig("install_path")
	if installBase == "" {
		installBase = "/opt/postqode"
	}
	installRoot := installBase + "/agents/" + agentID

	zipDest := filepath.Join(buildRoot, "package.zip")
	if onProgress != nil {
		onProgress("staging package bytes")
	}
	if err := copyFile(packagePath, zipDest); err != nil {
		os.RemoveAll(buildRoot)
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}

	script := installScript(installRoot, deploymentID, agentID, cfg)
	if err := os.WriteFile(filepath.Join(buildRoot, "install.sh"), []byte(script), 0755); err != nil {
		os.RemoveAll(buildRoot)
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}

	unit := serviceUnit(unitName, installRoot, cfg)
	if err := os.WriteFile(filepath.Join(buildRoot, unitName+".service"), []byte(unit), 0644); err != nil {
		os.RemoveAll(buildRoot)
		return deployer.BuildResult{Error: err.Error(), Duration: time.Since(start)}
	}

	return deployer.BuildResult{OK: true, ArtifactHandle: buildRoot, Duration: time.Since(start)}
}

// Deploy SCPs the zip, install script, and unit file, SSH-executes the
// install script with elevation, then enables and starts the unit.
func (d *Deployer) Deploy(deploymentID string, cfg deployer.DeployConfig, built deployer.BuildResult, onProgress deployer.ProgressFunc) deployer.DeployResult {
	start := time.Now()
	if !built.OK {
		return deployer.DeployResult{Error: "build did not succeed", Duration: time.Since(start)}
	}
	defer os.RemoveAll(built.ArtifactHandle)

	client, err := d.dial(cfg)
	if err != nil {
		return deployer.DeployResult{Error: "ssh dial: " + err.Error(), Duration: time.Since(start)}
	}
	defer client.Close()

	agentID := cfg.StringConfig("agent_id")
	unitName := unitNameFor(agentID, deploymentID)
	remoteDir := "/tmp/postqode-deploy-" + deploymentID

	var logs strings.Builder
	if onProgress != nil {
		onProgress("uploading artefacts")
	}
	for _, name := range []string{"package.zip", "install.sh", unitName + ".service"} {
		data, err := os.ReadFile(filepath.Join(built.ArtifactHandle, name))
		if err != nil {
			return deployer.DeployResult{DeployLogs: logs.String(), Error: err.Error(), Duration: time.Since(start)}
		}
		if err := scpUpload(client, remoteDir+"/"+name, data); err != nil {
			return deployer.DeployResult{DeployLogs: logs.String(), Error: "scp " + name + ": " + err.Error(), Duration: time.Since(start)}
		}
	}

	if onProgress != nil {
		onProgress("running install script")
	}
	installCmd := fmt.Sprintf("chmod +x %s/install.sh && sudo %s/install.sh", remoteDir, remoteDir)
	out, err := runSSH(client, installCmd)
	logs.WriteString(out)
	if err != nil {
		return deployer.DeployResult{DeployLogs: logs.String(), Error: "install script: " + err.Error(), Duration: time.Since(start)}
	}

	if onProgress != nil {
		onProgress("enabling service " + unitName)
	}
	enableCmd := fmt.Sprintf("sudo cp %s/%s.service /etc/systemd/system/%s.service && sudo systemctl daemon-reload && sudo systemctl enable --now %s", remoteDir, unitName, unitName, unitName)
	out, err = runSSH(client, enableCmd)
	logs.WriteString(out)
	if err != nil {
		return deployer.DeployResult{DeployLogs: logs.String(), Error: "enable service: " + err.Error(), Duration: time.Since(start)}
	}

	host := cfg.StringConfig("ssh_host")
	return deployer.DeployResult{
		OK:         true,
		ExternalID: unitName,
		AccessURL:  fmt.Sprintf("http://%s:8080", host),
		DeployLogs: logs.String(),
		Duration:   time.Since(start),
	}
}

func (d *Deployer) Start(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	return d.systemctl(deploymentID, cfg, "start")
}

func (d *Deployer) Stop(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	return d.systemctl(deploymentID, cfg, "stop")
}

func (d *Deployer) Restart(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	return d.systemctl(deploymentID, cfg, "restart")
}

func (d *Deployer) systemctl(deploymentID string, cfg deployer.DeployConfig, verb string) deployer.StatusResult {
	client, err := d.dial(cfg)
	if err != nil {
		return deployer.StatusResult{State: deployer.RunStateUnknown, Message: err.Error(), LastUpdated: time.Now()}
	}
	defer client.Close()

	unitName := unitNameFor(cfg.StringConfig("agent_id"), deploymentID)
	if _, err := runSSH(client, fmt.Sprintf("sudo systemctl %s %s", verb, unitName)); err != nil {
		return deployer.StatusResult{State: deployer.RunStateError, Message: err.Error(), LastUpdated: time.Now()}
	}
	return d.Status(deploymentID, cfg)
}

// Status parses `systemctl is-active` plus ActiveEnterTimestamp, per
// spec.md §4.4.3.
func (d *Deployer) Status(deploymentID string, cfg deployer.DeployConfig) deployer.StatusResult {
	client, err := d.dial(cfg)
	if err != nil {
		return deployer.StatusResult{State: deployer.RunStateUnknown, Message: err.Error(), LastUpdated: time.Now()}
	}
	defer client.Close()

	unitName := unitNameFor(cfg.StringConfig("agent_id"), deploymentID)
	activeOut, _ := runSSH(client, "systemctl is-active "+unitName)
	activeOut = strings.TrimSpace(activeOut)

	var state deployer.RunState
	var health deployer.Health
	running := false
	switch activeOut {
	case "active":
		state, health, running = deployer.RunStateRunning, deployer.HealthHealthy, true
	case "inactive":
		state, health = deployer.RunStateStopped, deployer.HealthUnknown
	case "failed":
		state, health = deployer.RunStateError, deployer.HealthUnhealthy
	default:
		state, health = deployer.RunStateUnknown, deployer.HealthUnknown
	}

	enterOut, _ := runSSH(client, fmt.Sprintf("systemctl show %s --property=ActiveEnterTimestamp --value", unitName))
	var uptime int64
	if ts, err := time.Parse("Mon 2006-01-02 15:04:05 MST", strings.TrimSpace(enterOut)); err == nil {
		uptime = int64(time.Since(ts).Seconds())
	}

	return deployer.StatusResult{Running: running, State: state, Health: health, UptimeSeconds: uptime, LastUpdated: time.Now()}
}

// Logs reads the host journal for the deployment's unit.
func (d *Deployer) Logs(deploymentID string, cfg deployer.DeployConfig, lines int, follow bool) (string, error) {
	client, err := d.dial(cfg)
	if err != nil {
		return "", err
	}
	defer client.Close()

	unitName := unitNameFor(cfg.StringConfig("agent_id"), deploymentID)
	if lines <= 0 {
		lines = 200
	}
	return runSSH(client, fmt.Sprintf("journalctl -u %s -n %d --no-pager", unitName, lines))
}

// Delete stops, disables, and removes the unit file and install
// directory. Idempotent: an already-removed unit is success.
func (d *Deployer) Delete(deploymentID string, cfg deployer.DeployConfig) bool {
	client, err := d.dial(cfg)
	if err != nil {
		return false
	}
	defer client.Close()

	agentID := cfg.StringConfig("agent_id")
	unitName := unitNameFor(agentID, deploymentID)
	installBase := cfg.StringConfig("install_path")
	if installBase == "" {
		installBase = "/opt/postqode"
	}
	cmd := fmt.Sprintf("sudo systemctl stop %s; sudo systemctl disable %s; sudo rm -f /etc/systemd/system/%s.service; sudo rm -rf %s/agents/%s; sudo systemctl daemon-reload",
		unitName, unitName, unitName, installBase, agentID)
	_, err = runSSH(client, cmd)
	return err == nil
}

func (d *Deployer) AccessInstructions(deploymentID string, cfg deployer.DeployConfig) map[string]string {
	unitName := unitNameFor(cfg.StringConfig("agent_id"), deploymentID)
	host := cfg.StringConfig("ssh_host")
	user := cfg.StringConfig("ssh_user")
	if user == "" {
		user = "root"
	}
	return map[string]string{
		"ssh":         fmt.Sprintf("ssh %s@%s", user, host),
		"follow_logs": fmt.Sprintf("ssh %s@%s journalctl -u %s -f", user, host, unitName),
		"status":      fmt.Sprintf("ssh %s@%s systemctl status %s", user, host, unitName),
	}
}

func (d *Deployer) ConfigSchema() map[string]string {
	return map[string]string{
		"ssh_host":    "string, SSH host (required)",
		"ssh_user":    "string, SSH user, default root",
		"ssh_port":    "int, SSH port, default 22",
		"ssh_key":     "string, base64-encoded private key (required)",
		"install_path": "string, remote install root, default /opt/postqode",
	}
}

func unitNameFor(agentID, deploymentID string) string {
	return deployer.ExternalName(agentID, deploymentID)
}

func (d *Deployer) dial(cfg deployer.DeployConfig) (*ssh.Client, error) {
	encoded := cfg.StringConfig("ssh_key")
	if encoded == "" {
		return nil, fmt.Errorf("remotehost: platform_config.ssh_key is required")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("remotehost: decode ssh_key: %w", err)
	}

	keyPath, cleanup, err := subprocess.TempSecret("", "postqode-sshkey-*", keyBytes)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	keyFileBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(keyFileBytes)
	if err != nil {
		return nil, fmt.Errorf("remotehost: parse private key: %w", err)
	}

	host := cfg.StringConfig("ssh_host")
	user := cfg.StringConfig("ssh_user")
	if user == "" {
		user = "root"
	}
	port := "22"
	if v, ok := cfg.PlatformConfig["ssh_port"]; ok {
		if f, ok := v.(float64); ok {
			port = strconv.Itoa(int(f))
		}
	}
	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.cfg.SSHTimeout(),
	}
	return ssh.Dial("tcp", host+":"+port, clientCfg)
}

func runSSH(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	err = session.Run(cmd)
	return out.String(), err
}

func scpUpload(client *ssh.Client, remotePath string, data []byte) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	dir := filepath.Dir(remotePath)
	base := filepath.Base(remotePath)

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer stdin.Close()
		fmt.Fprintf(stdin, "C0644 %d %s\n", len(data), base)
		io.Copy(stdin, bytes.NewReader(data))
		fmt.Fprint(stdin, "\x00")
	}()

	go func() { done <- session.Run(fmt.Sprintf("mkdir -p %s && scp -qt %s", dir, dir)) }()
	return <-done
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

func installScript(installRoot, deploymentID, agentID string, cfg deployer.DeployConfig) string {
	var env strings.Builder
	for k, v := range cfg.EnvVars {
		fmt.Fprintf(&env, "%s=%s\n", k, v)
	}
	injected := map[string]string{
		"POSTQODE_DEPLOYMENT_ID": deploymentID,
		"POSTQODE_AGENT_ID":      agentID,
		"POSTQODE_ADAPTER":       cfg.Adapter,
	}
	for k, v := range injected {
		fmt.Fprintf(&env, "%s=%s\n", k, v)
	}
	return fmt.Sprintf(`#!/bin/sh
set -e
mkdir -p %[1]s
cd %[1]s
unzip -o "$(dirname "$0")/package.zip" -d .
python3 -m venv venv
./venv/bin/pip install -r requirements.txt || true
cat > env.sh <<'POSTQODE_ENV'
%[2]s
POSTQODE_ENV
`, installRoot, env.String())
}

func serviceUnit(unitName, installRoot string, cfg deployer.DeployConfig) string {
	return fmt.Sprintf(`[Unit]
Description=postqode agent %[1]s
After=network.target

[Service]
WorkingDirectory=%[2]s
EnvironmentFile=%[2]s/env.sh
ExecStart=%[2]s/venv/bin/python -m agent
Restart=on-failure

[Install]
WantedBy=multi-user.target
`, unitName, installRoot)
}
