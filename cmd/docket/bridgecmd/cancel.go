// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package bridgecmd

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/docket-project/docket/cmd/docket/cli"
)

type cancelOptions struct {
	configPath string
	verbose    bool
}

// CancelCommand returns "docket cancel".
func CancelCommand() *cli.Command {
	var opts cancelOptions

	return &cli.Command{
		Name:    "cancel",
		Summary: "Cancel an in-flight bridge request",
		Description: `Ask the bridge to stop working on a request. Cancellation is
best-effort: a request that already finished, or one the bridge never
saw, reports not found and that is not an error.`,
		Usage: "docket cancel [flags] <request-id>",
		Examples: []cli.Example{
			{
				Description: "Stop a slow query",
				Command:     "docket cancel 5f0c9a6e-4b1d-4a9b-9c7e-2d8f13a40e71",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("cancel", pflag.ContinueOnError)
			flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default $DOCKET_CONFIG)")
			flagSet.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
			return flagSet
		},
		Run: func(args []string) error {
			return runCancel(opts, args)
		},
	}
}

func runCancel(opts cancelOptions, args []string) error {
	if len(args) != 1 {
		return errors.New("request ID required: docket cancel <request-id>")
	}

	conn, err := connect(opts.configPath, opts.verbose, false)
	if err != nil {
		return err
	}
	defer conn.close()

	ctx, stop := signalContext()
	defer stop()

	result, err := conn.client.Cancel(ctx, args[0])
	if err != nil {
		return err
	}
	if result.Found {
		fmt.Printf("canceled %s\n", args[0])
	} else {
		fmt.Printf("request %s not found (already finished or unknown)\n", args[0])
	}
	return nil
}
