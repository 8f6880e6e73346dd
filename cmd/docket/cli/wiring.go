// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/docket-project/docket/lib/config"
	"github.com/docket-project/docket/lib/governor"
	"github.com/docket-project/docket/lib/ipc"
	"github.com/docket-project/docket/lib/ledger"
	"github.com/docket-project/docket/lib/policy"
	"github.com/docket-project/docket/lib/risk"
	"github.com/docket-project/docket/lib/runner"
	"github.com/docket-project/docket/lib/sanitize"
	"github.com/docket-project/docket/lib/secret"
)

// Rules loads the operator rule files named in the configuration,
// falling back to the built-in sets when a path is empty. A loaded
// file replaces the built-in set entirely.
func Rules(cfg *config.Config) (*risk.Classifier, *sanitize.Sanitizer, error) {
	classifier := risk.Default()
	if cfg.Rules.RiskFile != "" {
		rules, err := risk.LoadRules(cfg.Rules.RiskFile)
		if err != nil {
			return nil, nil, err
		}
		classifier, err = risk.New(rules)
		if err != nil {
			return nil, nil, err
		}
	}

	sanitizer := sanitize.Default()
	if cfg.Rules.SanitizeFile != "" {
		rules, err := sanitize.LoadRules(cfg.Rules.SanitizeFile)
		if err != nil {
			return nil, nil, fmt.Errorf("sanitize rules %s: %w", cfg.Rules.SanitizeFile, err)
		}
		sanitizer = sanitize.New(rules)
	}

	return classifier, sanitizer, nil
}

// OpenLedger opens the agent-side audit ledger with the retention and
// archive settings from the configuration. The caller owns the
// returned ledger and must Close it.
func OpenLedger(cfg *config.Config, sanitizer *sanitize.Sanitizer, logger *slog.Logger) (*ledger.Ledger, error) {
	var compression ledger.CompressionTag
	if cfg.Ledger.ArchiveCompression != "" {
		tag, err := ledger.ParseCompressionTag(cfg.Ledger.ArchiveCompression)
		if err != nil {
			return nil, fmt.Errorf("ledger archive: %w", err)
		}
		compression = tag
	}

	var key *secret.Buffer
	if cfg.Ledger.ArchiveKeyFile != "" {
		loaded, err := secret.ReadFromPath(cfg.Ledger.ArchiveKeyFile)
		if err != nil {
			return nil, fmt.Errorf("ledger archive key: %w", err)
		}
		key = loaded
	}

	return ledger.Open(ledger.Config{
		Path:           cfg.Ledger.Path,
		MaxOutputChars: cfg.Ledger.MaxOutputChars,
		Sanitizer:      sanitizer,
		Retention: ledger.RetentionPolicy{
			MaxEntries: cfg.Ledger.MaxEntries,
			MaxAge:     config.ParseDuration(cfg.Ledger.MaxAge, 0),
		},
		Archive: ledger.ArchiveConfig{
			Dir:         cfg.Ledger.ArchiveDir,
			Compression: compression,
			Key:         key,
		},
		Logger: logger,
	})
}

// NewGovernor assembles the full governance pipeline from the
// configuration: rule sets, audit ledger, policy engine, runner, and
// session state. The returned cleanup closes the ledger; call it when
// the command finishes.
func NewGovernor(cfg *config.Config, approver governor.Approver, logger *slog.Logger) (*governor.Governor, func(), error) {
	classifier, sanitizer, err := Rules(cfg)
	if err != nil {
		return nil, nil, err
	}

	approval, err := policy.ParseApprovalMode(cfg.Governance.ApprovalPolicy)
	if err != nil {
		return nil, nil, err
	}
	sandbox, err := policy.ParseSandboxMode(cfg.Governance.SandboxMode)
	if err != nil {
		return nil, nil, err
	}
	engine, err := policy.NewEngine(policy.TrustPolicy{
		Approval:       approval,
		Sandbox:        sandbox,
		Workspace:      cfg.Workspace.Root,
		Allow:          cfg.Governance.Allow,
		Deny:           cfg.Governance.Deny,
		AllowedClients: cfg.IPC.AllowedClients,
	})
	if err != nil {
		return nil, nil, err
	}

	ldg, err := OpenLedger(cfg, sanitizer, logger)
	if err != nil {
		return nil, nil, err
	}

	session, err := governor.OpenSession(filepath.Join(cfg.Workspace.StateDir, "session.json"), nil)
	if err != nil {
		ldg.Close()
		return nil, nil, err
	}
	if cfg.Governance.NoLog && !session.NoLog() {
		if err := session.SetNoLog(true); err != nil {
			ldg.Close()
			return nil, nil, err
		}
	}

	gov, err := governor.New(governor.Config{
		Engine: engine,
		Runner: runner.New(runner.Config{
			DefaultTimeout: config.ParseDuration(cfg.Governance.CommandTimeout, 0),
			GracePeriod:    config.ParseDuration(cfg.Governance.GracePeriod, 0),
			MaxOutputBytes: cfg.Governance.MaxOutputBytes,
			Logger:         logger,
		}),
		Ledger:     ldg,
		Classifier: classifier,
		Sanitizer:  sanitizer,
		Approver:   approver,
		Session:    session,
		Logger:     logger,
	})
	if err != nil {
		ldg.Close()
		return nil, nil, err
	}

	return gov, func() { ldg.Close() }, nil
}

// NewBridgeClient builds the channel client for talking to the bridge
// daemon. The shared token is read from the configured token file; the
// caller must Close the client.
func NewBridgeClient(cfg *config.Config, logger *slog.Logger) (*ipc.Client, error) {
	token, err := secret.ReadFromPath(cfg.IPC.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("channel token: %w", err)
	}
	defer token.Close()

	return ipc.NewClient(ipc.ClientConfig{
		SocketPath:  cfg.IPC.SocketPath,
		ClientName:  "docket-agent",
		AuthToken:   token.String(),
		MaxPayload:  cfg.IPC.MaxPayloadBytes,
		ChunkSize:   cfg.IPC.ChunkBytes,
		CallTimeout: config.ParseDuration(cfg.IPC.CallTimeout, 0),
		MaxAttempts: cfg.IPC.MaxAttempts,
		Breaker: ipc.BreakerConfig{
			FailureThreshold: cfg.IPC.Breaker.FailureThreshold,
			Cooldown:         config.ParseDuration(cfg.IPC.Breaker.Cooldown, 0),
			MaxCooldown:      config.ParseDuration(cfg.IPC.Breaker.MaxCooldown, 0),
		},
		StaleAfter: config.ParseDuration(cfg.IPC.Heartbeat.StaleAfter, 0),
		Logger:     logger,
	})
}
