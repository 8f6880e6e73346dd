// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTestConfig writes YAML to a temp file and returns its path.
func writeTestConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docket.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValidAfterRoot(t *testing.T) {
	cfg := Default()
	cfg.expandVariables()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("defaults validated without a workspace root")
	}
	if !strings.Contains(err.Error(), "workspace.root") {
		t.Errorf("error = %v, want workspace.root mentioned", err)
	}

	cfg.Workspace.Root = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with a root failed validation: %v", err)
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := writeTestConfig(t, `
workspace:
  root: /tmp/docket-test-ws
governance:
  approval_policy: never
  sandbox_mode: full
ipc:
  call_timeout: 10s
  breaker:
    failure_threshold: 2
ledger:
  max_entries: 42
bridge:
  local_only: true
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Workspace.Root != "/tmp/docket-test-ws" {
		t.Errorf("root = %q", cfg.Workspace.Root)
	}
	if cfg.Governance.ApprovalPolicy != ApprovalNever {
		t.Errorf("approval policy = %q", cfg.Governance.ApprovalPolicy)
	}
	if cfg.Governance.SandboxMode != SandboxFull {
		t.Errorf("sandbox mode = %q", cfg.Governance.SandboxMode)
	}
	if cfg.IPC.CallTimeout != "10s" {
		t.Errorf("call timeout = %q", cfg.IPC.CallTimeout)
	}
	if cfg.IPC.Breaker.FailureThreshold != 2 {
		t.Errorf("failure threshold = %d", cfg.IPC.Breaker.FailureThreshold)
	}
	if cfg.Ledger.MaxEntries != 42 {
		t.Errorf("max entries = %d", cfg.Ledger.MaxEntries)
	}
	if !cfg.Bridge.LocalOnly {
		t.Error("local_only not applied")
	}

	// Untouched sections keep their defaults.
	if cfg.Governance.CommandTimeout != "5m" {
		t.Errorf("command timeout default = %q", cfg.Governance.CommandTimeout)
	}
	if len(cfg.IPC.AllowedClients) != 1 || cfg.IPC.AllowedClients[0] != "docket-agent" {
		t.Errorf("allowed clients default = %v", cfg.IPC.AllowedClients)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadWithoutEnvFails(t *testing.T) {
	t.Setenv("DOCKET_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without DOCKET_CONFIG")
	}
}

func TestLoadFromEnv(t *testing.T) {
	path := writeTestConfig(t, "workspace:\n  root: /tmp/docket-env-ws\n")
	t.Setenv("DOCKET_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace.Root != "/tmp/docket-env-ws" {
		t.Errorf("root = %q", cfg.Workspace.Root)
	}
}

func TestExpandVariables(t *testing.T) {
	t.Setenv("DOCKET_TEST_BASE", "/srv/docket")
	path := writeTestConfig(t, `
workspace:
  root: ${DOCKET_TEST_BASE}/workspace
  state_dir: ${DOCKET_TEST_BASE}/state
ipc:
  socket_path: ${DOCKET_STATE}/bridge.sock
ledger:
  path: ${DOCKET_STATE}/ledger.db
bridge:
  catalog_path: ${DOCKET_UNSET_VAR:-/fallback}/catalog.db
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Workspace.Root != "/srv/docket/workspace" {
		t.Errorf("root = %q", cfg.Workspace.Root)
	}
	if cfg.IPC.SocketPath != "/srv/docket/state/bridge.sock" {
		t.Errorf("socket path = %q, state dir did not propagate", cfg.IPC.SocketPath)
	}
	if cfg.Ledger.Path != "/srv/docket/state/ledger.db" {
		t.Errorf("ledger path = %q", cfg.Ledger.Path)
	}
	if cfg.Bridge.CatalogPath != "/fallback/catalog.db" {
		t.Errorf("catalog path = %q, default not applied", cfg.Bridge.CatalogPath)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	path := writeTestConfig(t, `
workspace:
  root: /tmp/ws
governance:
  approval_policy: sometimes
  sandbox_mode: chroot
ipc:
  call_timeout: fortnight
  max_attempts: 0
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	err = cfg.Validate()
	if err == nil {
		t.Fatal("invalid config validated")
	}
	for _, want := range []string{
		"approval_policy",
		"sandbox_mode",
		"call_timeout",
		"max_attempts",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestValidateHeartbeatBounds(t *testing.T) {
	cfg := Default()
	cfg.expandVariables()
	cfg.Workspace.Root = "/tmp/ws"
	cfg.IPC.Heartbeat.Interval = "10s"
	cfg.IPC.Heartbeat.MaxSilence = "5s"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "max_silence") {
		t.Fatalf("err = %v, want max_silence bound violation", err)
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		value    string
		fallback time.Duration
		want     time.Duration
	}{
		{"", 5 * time.Second, 5 * time.Second},
		{"90s", time.Second, 90 * time.Second},
		{"2h45m", time.Second, 2*time.Hour + 45*time.Minute},
		{"nonsense", 7 * time.Second, 7 * time.Second},
	}
	for _, tc := range cases {
		if got := ParseDuration(tc.value, tc.fallback); got != tc.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestEnsurePaths(t *testing.T) {
	base := t.TempDir()
	cfg := Default()
	cfg.Workspace.Root = filepath.Join(base, "ws")
	cfg.Workspace.StateDir = filepath.Join(base, "state")
	cfg.IPC.SocketPath = filepath.Join(base, "state", "bridge.sock")
	cfg.IPC.TokenFile = filepath.Join(base, "state", "channel.token")
	cfg.Ledger.Path = filepath.Join(base, "state", "ledger.db")
	cfg.Ledger.ArchiveDir = filepath.Join(base, "state", "archive")
	cfg.Bridge.CatalogPath = filepath.Join(base, "state", "catalog.db")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}

	for _, dir := range []string{
		cfg.Workspace.StateDir,
		cfg.Ledger.ArchiveDir,
	} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
		if perm := info.Mode().Perm(); perm != 0o700 {
			t.Errorf("%s mode = %o, want 0700", dir, perm)
		}
	}
}
