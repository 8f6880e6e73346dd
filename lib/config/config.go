// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Docket.
//
// Configuration is a single YAML file specified by:
//   - the DOCKET_CONFIG environment variable, or
//   - the --config flag passed to a command
//
// There are no fallbacks or automatic discovery. Environment
// variables never override file values; the only expansion performed
// is ${VAR} / ${VAR:-default} inside string fields, for portability
// of paths.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Approval policy modes.
const (
	// ApprovalNever executes without asking; safety gates still deny.
	ApprovalNever = "never"
	// ApprovalOnFailure asks unless the same step already failed once
	// this session.
	ApprovalOnFailure = "on-failure"
	// ApprovalOnRequest asks for anything above low risk.
	ApprovalOnRequest = "on-request"
)

// Sandbox modes.
const (
	// SandboxReadOnly denies every mutating step.
	SandboxReadOnly = "read-only"
	// SandboxWorkspaceWrite confines writes to the workspace root.
	SandboxWorkspaceWrite = "workspace-write"
	// SandboxFull imposes no path restriction.
	SandboxFull = "full"
)

// Config is the master configuration for Docket. One file serves both
// the agent and the bridge; each reads the sections it needs.
type Config struct {
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Governance GovernanceConfig `yaml:"governance"`
	IPC        IPCConfig        `yaml:"ipc"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Rules      RulesConfig      `yaml:"rules"`
}

// WorkspaceConfig locates the working tree and runtime state.
type WorkspaceConfig struct {
	// Root is the workspace boundary: under workspace-write sandbox
	// mode, writes resolving outside it are denied. Required.
	Root string `yaml:"root"`

	// StateDir holds runtime state: the ledger database, the bridge
	// catalog, archives, and the default socket location.
	StateDir string `yaml:"state_dir"`
}

// GovernanceConfig tunes the approval and execution pipeline.
type GovernanceConfig struct {
	// ApprovalPolicy is one of never, on-failure, on-request.
	ApprovalPolicy string `yaml:"approval_policy"`

	// SandboxMode is one of read-only, workspace-write, full.
	SandboxMode string `yaml:"sandbox_mode"`

	// Allow and Deny are trust-list patterns (command names or path
	// prefixes). An explicit deny always beats an explicit allow.
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`

	// NoLog records presence-only ledger entries for the session.
	NoLog bool `yaml:"no_log"`

	// IdleNudge is how long the ledger may stay quiet before the
	// supervisor surfaces a nudge. Empty disables it.
	IdleNudge string `yaml:"idle_nudge,omitempty"`

	// CommandTimeout bounds each executed step.
	CommandTimeout string `yaml:"command_timeout"`

	// GracePeriod is the SIGTERM-to-SIGKILL window on cancellation.
	GracePeriod string `yaml:"grace_period"`

	// MaxOutputBytes caps each captured output stream.
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// IPCConfig covers both ends of the agent/bridge channel.
type IPCConfig struct {
	// SocketPath is the Unix socket the bridge listens on.
	SocketPath string `yaml:"socket_path"`

	// TokenFile holds the shared channel token, one line, created
	// mode 0600.
	TokenFile string `yaml:"token_file"`

	// AllowedClients names the client identities the bridge accepts.
	// An empty list rejects everyone.
	AllowedClients []string `yaml:"allowed_clients"`

	MaxPayloadBytes int `yaml:"max_payload_bytes"`
	ChunkBytes      int `yaml:"chunk_bytes"`

	// CallTimeout bounds one request round trip; MaxAttempts bounds
	// resubmissions (each with a fresh request id).
	CallTimeout string `yaml:"call_timeout"`
	MaxAttempts int    `yaml:"max_attempts"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

// HeartbeatConfig bounds the adaptive health emission.
type HeartbeatConfig struct {
	// Interval is the evaluation cadence; a beat is sent only on
	// change or after MaxSilence.
	Interval   string `yaml:"interval"`
	MaxSilence string `yaml:"max_silence"`

	// StaleAfter is the consumer-side staleness threshold.
	StaleAfter string `yaml:"stale_after"`
}

// BreakerConfig tunes the client-side circuit breaker.
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	Cooldown         string `yaml:"cooldown"`
	MaxCooldown      string `yaml:"max_cooldown"`
}

// LedgerConfig locates and bounds the audit ledger.
type LedgerConfig struct {
	Path string `yaml:"path"`

	// MaxEntries and MaxAge trigger retention; overflow is archived
	// to ArchiveDir (or pruned when unset).
	MaxEntries int64  `yaml:"max_entries"`
	MaxAge     string `yaml:"max_age"`

	ArchiveDir string `yaml:"archive_dir,omitempty"`

	// ArchiveCompression is one of none, lz4, zstd.
	ArchiveCompression string `yaml:"archive_compression"`

	// ArchiveKeyFile, when set, seals archive segments under a key
	// derived from the file's 32 raw bytes.
	ArchiveKeyFile string `yaml:"archive_key_file,omitempty"`

	// MaxOutputChars caps stored output summaries per stream.
	MaxOutputChars int `yaml:"max_output_chars"`
}

// BridgeConfig tunes the background daemon.
type BridgeConfig struct {
	// QueryEndpoint is the HTTP endpoint cloud queries forward to.
	QueryEndpoint string `yaml:"query_endpoint,omitempty"`

	// QueryKeyFile is an age-sealed bundle holding the endpoint API
	// key; decrypted with IdentityFile at startup.
	QueryKeyFile string `yaml:"query_key_file,omitempty"`

	// IdentityFile holds the age private key for QueryKeyFile.
	IdentityFile string `yaml:"identity_file,omitempty"`

	// LocalOnly refuses all egress regardless of endpoint.
	LocalOnly bool `yaml:"local_only"`

	// CatalogPath is the ingest catalog database.
	CatalogPath string `yaml:"catalog_path"`

	// LedgerPath is the bridge's own audit ledger. The bridge is the
	// single writer of this file; the agent's ledger is separate.
	LedgerPath string `yaml:"ledger_path"`

	// TopicBlocklist extends the built-in prompt guard.
	TopicBlocklist []string `yaml:"topic_blocklist,omitempty"`

	// HousekeepingInterval drives the sweep loop (catalog integrity,
	// ledger retention).
	HousekeepingInterval string `yaml:"housekeeping_interval"`

	// RequestTimeout bounds one outbound query.
	RequestTimeout string `yaml:"request_timeout"`
}

// RulesConfig points at operator-supplied rule files. Empty fields
// use the built-in rule sets.
type RulesConfig struct {
	RiskFile     string `yaml:"risk_file,omitempty"`
	SanitizeFile string `yaml:"sanitize_file,omitempty"`
}

// Default returns the baseline configuration. Paths are written with
// ${VAR} placeholders and resolved by LoadFile; Workspace.Root has no
// default and must come from the file.
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			StateDir: "${HOME}/.docket",
		},
		Governance: GovernanceConfig{
			ApprovalPolicy: ApprovalOnRequest,
			SandboxMode:    SandboxWorkspaceWrite,
			CommandTimeout: "5m",
			GracePeriod:    "3s",
			MaxOutputBytes: 1 << 20,
		},
		IPC: IPCConfig{
			SocketPath:      "${DOCKET_STATE}/bridge.sock",
			TokenFile:       "${DOCKET_STATE}/channel.token",
			AllowedClients:  []string{"docket-agent"},
			MaxPayloadBytes: 1 << 20,
			ChunkBytes:      256 << 10,
			CallTimeout:     "30s",
			MaxAttempts:     3,
			Heartbeat: HeartbeatConfig{
				Interval:   "5s",
				MaxSilence: "30s",
				StaleAfter: "90s",
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         "10s",
				MaxCooldown:      "5m",
			},
		},
		Ledger: LedgerConfig{
			Path:               "${DOCKET_STATE}/ledger.db",
			MaxEntries:         10000,
			MaxAge:             "2160h",
			ArchiveDir:         "${DOCKET_STATE}/archive",
			ArchiveCompression: "zstd",
			MaxOutputChars:     2000,
		},
		Bridge: BridgeConfig{
			CatalogPath:          "${DOCKET_STATE}/catalog.db",
			LedgerPath:           "${DOCKET_STATE}/bridge-ledger.db",
			HousekeepingInterval: "1m",
			RequestTimeout:       "60s",
		},
	}
}

// Load loads configuration from the DOCKET_CONFIG environment
// variable. Fails when the variable is unset: there is no discovery.
func Load() (*Config, error) {
	path := os.Getenv("DOCKET_CONFIG")
	if path == "" {
		return nil, errors.New("DOCKET_CONFIG environment variable not set; " +
			"point it at your docket.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file, merging it over
// the defaults and expanding ${VAR} placeholders.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// every path-like field. DOCKET_STATE and DOCKET_WORKSPACE refer to
// the resolved state dir and workspace root so dependent paths follow
// an override automatically.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Workspace.Root = expandVars(c.Workspace.Root, vars)
	vars["DOCKET_WORKSPACE"] = c.Workspace.Root
	c.Workspace.StateDir = expandVars(c.Workspace.StateDir, vars)
	vars["DOCKET_STATE"] = c.Workspace.StateDir

	for _, field := range []*string{
		&c.IPC.SocketPath,
		&c.IPC.TokenFile,
		&c.Ledger.Path,
		&c.Ledger.ArchiveDir,
		&c.Ledger.ArchiveKeyFile,
		&c.Bridge.QueryEndpoint,
		&c.Bridge.QueryKeyFile,
		&c.Bridge.IdentityFile,
		&c.Bridge.CatalogPath,
		&c.Bridge.LedgerPath,
		&c.Rules.RiskFile,
		&c.Rules.SanitizeFile,
	} {
		*field = expandVars(*field, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// ParseDuration parses a config duration string, returning fallback
// for an empty value. Callers run after Validate, so a non-empty
// value is known to parse.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// Validate checks the configuration, collecting every problem rather
// than stopping at the first.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Workspace.Root == "" {
		fail("workspace.root is required")
	}
	if c.Workspace.StateDir == "" {
		fail("workspace.state_dir is required")
	}

	switch c.Governance.ApprovalPolicy {
	case ApprovalNever, ApprovalOnFailure, ApprovalOnRequest:
	default:
		fail("governance.approval_policy must be one of %s, %s, %s (got %q)",
			ApprovalNever, ApprovalOnFailure, ApprovalOnRequest, c.Governance.ApprovalPolicy)
	}
	switch c.Governance.SandboxMode {
	case SandboxReadOnly, SandboxWorkspaceWrite, SandboxFull:
	default:
		fail("governance.sandbox_mode must be one of %s, %s, %s (got %q)",
			SandboxReadOnly, SandboxWorkspaceWrite, SandboxFull, c.Governance.SandboxMode)
	}

	if c.IPC.SocketPath == "" {
		fail("ipc.socket_path is required")
	}
	if c.IPC.TokenFile == "" {
		fail("ipc.token_file is required")
	}
	if len(c.IPC.AllowedClients) == 0 {
		fail("ipc.allowed_clients must name at least one client")
	}
	if c.IPC.MaxPayloadBytes <= 0 {
		fail("ipc.max_payload_bytes must be positive")
	}
	if c.IPC.ChunkBytes <= 0 {
		fail("ipc.chunk_bytes must be positive")
	}
	if c.IPC.MaxAttempts < 1 {
		fail("ipc.max_attempts must be at least 1")
	}
	if c.IPC.Breaker.FailureThreshold < 1 {
		fail("ipc.breaker.failure_threshold must be at least 1")
	}

	durations := []struct {
		name     string
		value    string
		required bool
	}{
		{"governance.idle_nudge", c.Governance.IdleNudge, false},
		{"governance.command_timeout", c.Governance.CommandTimeout, true},
		{"governance.grace_period", c.Governance.GracePeriod, true},
		{"ipc.call_timeout", c.IPC.CallTimeout, true},
		{"ipc.heartbeat.interval", c.IPC.Heartbeat.Interval, true},
		{"ipc.heartbeat.max_silence", c.IPC.Heartbeat.MaxSilence, true},
		{"ipc.heartbeat.stale_after", c.IPC.Heartbeat.StaleAfter, true},
		{"ipc.breaker.cooldown", c.IPC.Breaker.Cooldown, true},
		{"ipc.breaker.max_cooldown", c.IPC.Breaker.MaxCooldown, true},
		{"ledger.max_age", c.Ledger.MaxAge, false},
		{"bridge.housekeeping_interval", c.Bridge.HousekeepingInterval, true},
		{"bridge.request_timeout", c.Bridge.RequestTimeout, true},
	}
	parsed := make(map[string]time.Duration, len(durations))
	for _, d := range durations {
		if d.value == "" {
			if d.required {
				fail("%s is required", d.name)
			}
			continue
		}
		value, err := time.ParseDuration(d.value)
		if err != nil {
			fail("%s: invalid duration %q", d.name, d.value)
			continue
		}
		parsed[d.name] = value
	}

	if interval, ok := parsed["ipc.heartbeat.interval"]; ok {
		if silence, ok := parsed["ipc.heartbeat.max_silence"]; ok && silence < interval {
			fail("ipc.heartbeat.max_silence must be at least the interval")
		}
	}

	if c.Ledger.Path == "" {
		fail("ledger.path is required")
	}
	switch c.Ledger.ArchiveCompression {
	case "", "none", "lz4", "zstd":
	default:
		fail("ledger.archive_compression must be one of none, lz4, zstd (got %q)",
			c.Ledger.ArchiveCompression)
	}

	if c.Bridge.CatalogPath == "" {
		fail("bridge.catalog_path is required")
	}
	if c.Bridge.QueryKeyFile != "" && c.Bridge.IdentityFile == "" {
		fail("bridge.identity_file is required when bridge.query_key_file is set")
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the runtime directories the configuration
// names. State directories hold tokens and audit data, so everything
// is created 0700.
func (c *Config) EnsurePaths() error {
	dirs := []string{
		c.Workspace.StateDir,
		filepath.Dir(c.IPC.SocketPath),
		filepath.Dir(c.IPC.TokenFile),
		filepath.Dir(c.Ledger.Path),
		c.Ledger.ArchiveDir,
		filepath.Dir(c.Bridge.CatalogPath),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("config: creating %s: %w", dir, err)
		}
	}
	return nil
}
