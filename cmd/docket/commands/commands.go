// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the complete docket CLI command tree.
package commands

import (
	"fmt"

	"github.com/docket-project/docket/cmd/docket/bridgecmd"
	"github.com/docket-project/docket/cmd/docket/cli"
	"github.com/docket-project/docket/cmd/docket/ledgercmd"
	"github.com/docket-project/docket/cmd/docket/rulescmd"
	"github.com/docket-project/docket/cmd/docket/runcmd"
	"github.com/docket-project/docket/lib/version"
)

// Root builds and returns the complete docket CLI command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "docket",
		Description: `Docket: a governed local coding agent.

Execute commands under a trust policy with risk classification, an
append-only audit ledger, and operator approval for sensitive steps.
Network calls go through the bridge daemon, which sanitizes outbound
content and catalogs ingested documents.`,
		Subcommands: []*cli.Command{
			runcmd.Command(),
			bridgecmd.QueryCommand(),
			bridgecmd.IngestCommand(),
			bridgecmd.CatalogCommand(),
			bridgecmd.StatusCommand(),
			bridgecmd.CancelCommand(),
			bridgecmd.ShutdownCommand(),
			ledgercmd.Command(),
			rulescmd.Command(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("docket %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Run a step under governance",
				Command:     "docket run -- go test ./...",
			},
			{
				Description: "Ask the cloud endpoint a question",
				Command:     `docket query "why would fsync cost spike after a compaction?"`,
			},
			{
				Description: "Ingest a document into the bridge catalog",
				Command:     "docket ingest docs/rfc9293.md",
			},
			{
				Description: "Review recent denials",
				Command:     "docket ledger list --decision denied_by_policy --since 24h",
			},
			{
				Description: "Verify the audit chain",
				Command:     "docket ledger verify",
			},
			{
				Description: "Check the bridge",
				Command:     "docket status",
			},
		},
	}
}
