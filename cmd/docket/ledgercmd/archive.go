// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ledgercmd

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/docket-project/docket/cmd/docket/cli"
)

// archiveCommand returns the "archive" subcommand: one retention pass
// on demand, same policy the bridge housekeeping applies on its timer.
func archiveCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
	)

	return &cli.Command{
		Name:    "archive",
		Summary: "Run one ledger retention pass",
		Description: `Apply the configured retention policy once: entries beyond the
max-entries or max-age bounds are written to a verifiable segment file
(when an archive directory is configured) and removed from the live
database. The chain tip is unaffected; later appends keep extending
the same chain.`,
		Usage: "docket ledger archive [flags]",
		Examples: []cli.Example{
			{
				Description: "Archive overflowed entries now",
				Command:     "docket ledger archive",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("archive", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "configuration file (default $DOCKET_CONFIG)")
			flagSet.BoolVar(&verbose, "verbose", false, "enable debug logging")
			return flagSet
		},
		Run: func(args []string) error {
			ldg, err := openLedger(configPath, verbose)
			if err != nil {
				return err
			}
			defer ldg.Close()

			result, err := ldg.EnforceRetention(context.Background())
			if err != nil {
				return err
			}
			if result == nil {
				fmt.Println("nothing to archive: ledger within retention bounds")
				return nil
			}

			fmt.Printf("archived %d entries (seq %d..%d)\n",
				result.Pruned, result.FirstSeq, result.LastSeq)
			if result.Path != "" {
				sealed := ""
				if result.Sealed {
					sealed = ", sealed"
				}
				fmt.Printf("segment: %s (%d bytes%s)\n", result.Path, result.FileBytes, sealed)
			}
			return nil
		},
	}
}
