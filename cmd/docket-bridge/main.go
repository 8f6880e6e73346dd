// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/docket-project/docket/bridge"
	"github.com/docket-project/docket/lib/config"
	"github.com/docket-project/docket/lib/ipc"
	"github.com/docket-project/docket/lib/ledger"
	"github.com/docket-project/docket/lib/process"
	"github.com/docket-project/docket/lib/sanitize"
	"github.com/docket-project/docket/lib/sealed"
	"github.com/docket-project/docket/lib/secret"
	"github.com/docket-project/docket/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	// Parse flags by hand; the daemon's surface is two flags and
	// does not warrant the CLI framework.
	configPath := ""
	verbose := false

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || arg == "-c":
			if i+1 >= len(args) {
				return fmt.Errorf("--config requires an argument")
			}
			i++
			configPath = args[i]
		case arg == "--verbose" || arg == "-v":
			verbose = true
		case arg == "--help" || arg == "-h":
			printUsage()
			return nil
		case arg == "--version":
			fmt.Printf("docket-bridge %s\n", version.Info())
			return nil
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	sanitizer := sanitize.Default()
	if cfg.Rules.SanitizeFile != "" {
		rules, err := sanitize.LoadRules(cfg.Rules.SanitizeFile)
		if err != nil {
			return fmt.Errorf("sanitize rules %s: %w", cfg.Rules.SanitizeFile, err)
		}
		sanitizer = sanitize.New(rules)
	}

	token, err := secret.ReadFromPath(cfg.IPC.TokenFile)
	if err != nil {
		return fmt.Errorf("channel token: %w", err)
	}
	defer token.Close()

	apiKey, err := loadQueryKey(cfg)
	if err != nil {
		return err
	}
	if apiKey != nil {
		defer apiKey.Close()
	}

	auditLedger, err := openBridgeLedger(cfg, sanitizer, logger)
	if err != nil {
		return err
	}
	if auditLedger != nil {
		defer auditLedger.Close()
	}

	b := &bridge.Bridge{
		SocketPath:      cfg.IPC.SocketPath,
		AuthToken:       token.String(),
		AllowedClients:  cfg.IPC.AllowedClients,
		MaxPayloadBytes: cfg.IPC.MaxPayloadBytes,
		ChunkBytes:      cfg.IPC.ChunkBytes,
		Heartbeat: ipc.HeartbeatConfig{
			Interval:   config.ParseDuration(cfg.IPC.Heartbeat.Interval, 0),
			MaxSilence: config.ParseDuration(cfg.IPC.Heartbeat.MaxSilence, 0),
		},
		Forwarder: bridge.ForwarderConfig{
			Endpoint:       cfg.Bridge.QueryEndpoint,
			APIKey:         apiKey,
			LocalOnly:      cfg.Bridge.LocalOnly,
			RequestTimeout: config.ParseDuration(cfg.Bridge.RequestTimeout, 0),
			BlockedTopics:  cfg.Bridge.TopicBlocklist,
			Sanitizer:      sanitizer,
			Breaker: ipc.BreakerConfig{
				FailureThreshold: cfg.IPC.Breaker.FailureThreshold,
				Cooldown:         config.ParseDuration(cfg.IPC.Breaker.Cooldown, 0),
				MaxCooldown:      config.ParseDuration(cfg.IPC.Breaker.MaxCooldown, 0),
			},
		},
		CatalogPath:          cfg.Bridge.CatalogPath,
		Ledger:               auditLedger,
		HousekeepingInterval: config.ParseDuration(cfg.Bridge.HousekeepingInterval, 0),
		Logger:               logger,
	}

	if err := b.Start(context.Background()); err != nil {
		return err
	}

	stopped := make(chan struct{})
	go func() {
		b.Wait()
		close(stopped)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("shutting down on signal", "signal", sig.String())
	case <-stopped:
		// A client-initiated shutdown already tore the serve loop
		// down; Stop below is a no-op beyond closing the catalog.
	}
	b.Stop()
	return nil
}

// loadQueryKey decrypts the sealed endpoint credential. Returns nil
// when no key is configured; queries then go out unauthenticated.
func loadQueryKey(cfg *config.Config) (*secret.Buffer, error) {
	if cfg.Bridge.QueryKeyFile == "" {
		return nil, nil
	}
	ciphertext, err := os.ReadFile(cfg.Bridge.QueryKeyFile)
	if err != nil {
		return nil, fmt.Errorf("query key: %w", err)
	}
	identity, err := secret.ReadFromPath(cfg.Bridge.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("query key identity: %w", err)
	}
	defer identity.Close()

	key, err := sealed.Decrypt(strings.TrimSpace(string(ciphertext)), identity)
	if err != nil {
		return nil, fmt.Errorf("unsealing query key: %w", err)
	}
	return key, nil
}

// openBridgeLedger opens the bridge's own audit ledger. Retention and
// archive settings are shared with the agent ledger; archive segments
// land in a bridge/ subdirectory so the two segment sets stay
// separable.
func openBridgeLedger(cfg *config.Config, sanitizer *sanitize.Sanitizer, logger *slog.Logger) (*ledger.Ledger, error) {
	if cfg.Bridge.LedgerPath == "" {
		return nil, nil
	}

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

	archiveDir := ""
	if cfg.Ledger.ArchiveDir != "" {
		archiveDir = filepath.Join(cfg.Ledger.ArchiveDir, "bridge")
	}

	return ledger.Open(ledger.Config{
		Path:           cfg.Bridge.LedgerPath,
		MaxOutputChars: cfg.Ledger.MaxOutputChars,
		Sanitizer:      sanitizer,
		Retention: ledger.RetentionPolicy{
			MaxEntries: cfg.Ledger.MaxEntries,
			MaxAge:     config.ParseDuration(cfg.Ledger.MaxAge, 0),
		},
		Archive: ledger.ArchiveConfig{
			Dir:         archiveDir,
			Compression: compression,
			Key:         key,
		},
		Logger: logger,
	})
}

func printUsage() {
	fmt.Print(`docket-bridge - background daemon for docket

USAGE
    docket-bridge [flags]

FLAGS
    -c, --config <path>    Configuration file (default $DOCKET_CONFIG)
    -v, --verbose          Enable debug logging
        --version          Print version information
    -h, --help             Show this help

The bridge serves the channel socket named in the configuration until
it receives SIGINT or SIGTERM, or an authorized client sends a
shutdown request. Run it before any docket command that needs the
channel: query, ingest, catalog, status, cancel, shutdown.
`)
}
