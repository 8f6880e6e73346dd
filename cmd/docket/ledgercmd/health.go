// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ledgercmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/docket-project/docket/cmd/docket/cli"
)

// healthCommand returns the "health" subcommand, surfacing the write
// path counters so a silently failing audit trail is visible.
func healthCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
		outputJSON bool
	)

	return &cli.Command{
		Name:    "health",
		Summary: "Report ledger write-path health",
		Description: `Print the ledger's append and failure counters, the last write
error, and the entry count. A nonzero failure count means governed
steps ran whose audit records were lost.`,
		Usage: "docket ledger health [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("health", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "configuration file (default $DOCKET_CONFIG)")
			flagSet.BoolVar(&verbose, "verbose", false, "enable debug logging")
			flagSet.BoolVar(&outputJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			ldg, err := openLedger(configPath, verbose)
			if err != nil {
				return err
			}
			defer ldg.Close()

			count, err := ldg.Count(context.Background())
			if err != nil {
				return err
			}
			health := ldg.Health()

			if outputJSON {
				encoded, err := json.MarshalIndent(struct {
					Entries      int64  `json:"entries"`
					Appends      int64  `json:"appends"`
					Failures     int64  `json:"failures"`
					LastError    string `json:"last_error,omitempty"`
					LastAppendAt int64  `json:"last_append_at,omitempty"`
				}{count, health.Appends, health.Failures, health.LastError, health.LastAppendAt}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(encoded))
				return nil
			}

			fmt.Printf("entries: %d\n", count)
			fmt.Printf("appends this process: %d (%d failed)\n", health.Appends, health.Failures)
			if health.LastError != "" {
				fmt.Printf("last error: %s\n", health.LastError)
			}
			if health.LastAppendAt > 0 {
				fmt.Printf("last append: %s\n",
					time.UnixMilli(health.LastAppendAt).Format(time.RFC3339))
			}
			return nil
		},
	}
}
