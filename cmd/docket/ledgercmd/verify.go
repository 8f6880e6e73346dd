// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ledgercmd

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/docket-project/docket/cmd/docket/cli"
)

// verifyCommand returns the "verify" subcommand. It exits 1 when the
// chain is broken so scripts can gate on the result.
func verifyCommand() *cli.Command {
	var (
		configPath string
		verbose    bool
	)

	return &cli.Command{
		Name:    "verify",
		Summary: "Verify the ledger hash chain",
		Description: `Recompute the hash chain over every stored entry. A ledger whose
oldest rows were archived away still verifies: the first stored
entry's predecessor hash anchors the walk.

Exits 0 when the chain is intact and 1 when it is broken.`,
		Usage: "docket ledger verify [flags]",
		Examples: []cli.Example{
			{
				Description: "Check the chain before archiving",
				Command:     "docket ledger verify && docket ledger archive",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("verify", pflag.ContinueOnError)
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

			result, err := ldg.Verify(context.Background())
			if err != nil {
				return err
			}

			if !result.Intact {
				fmt.Printf("chain BROKEN at seq %d: %s (%d entries checked)\n",
					result.BrokenSeq, result.Reason, result.Entries)
				return &cli.ExitError{Code: 1}
			}
			fmt.Printf("chain intact: %d entries\n", result.Entries)
			return nil
		},
	}
}
