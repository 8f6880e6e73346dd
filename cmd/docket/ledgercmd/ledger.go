// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledgercmd implements "docket ledger": reading, verifying,
// and maintaining the audit ledger from the command line.
package ledgercmd

import (
	"github.com/docket-project/docket/cmd/docket/cli"
	"github.com/docket-project/docket/lib/ledger"
)

// Command returns the "ledger" command group.
func Command() *cli.Command {
	return &cli.Command{
		Name:    "ledger",
		Summary: "Audit ledger operations",
		Description: `Read and maintain the audit ledger: the append-only, hash-chained
record of every governed step. Subcommands list entries, verify the
chain, run one retention pass, and report the write-path health.`,
		Subcommands: []*cli.Command{
			listCommand(),
			verifyCommand(),
			archiveCommand(),
			healthCommand(),
		},
	}
}

// openLedger resolves the configuration and opens the agent-side
// ledger. The caller must Close it.
func openLedger(configPath string, verbose bool) (*ledger.Ledger, error) {
	cfg, err := cli.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := cli.NewLogger(verbose)
	_, sanitizer, err := cli.Rules(cfg)
	if err != nil {
		return nil, err
	}
	return cli.OpenLedger(cfg, sanitizer, logger)
}
