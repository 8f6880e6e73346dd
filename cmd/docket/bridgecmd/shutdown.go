// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package bridgecmd

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/docket-project/docket/cmd/docket/cli"
)

type shutdownOptions struct {
	configPath string
	verbose    bool
	reason     string
}

// ShutdownCommand returns "docket shutdown".
func ShutdownCommand() *cli.Command {
	var opts shutdownOptions

	return &cli.Command{
		Name:    "shutdown",
		Summary: "Ask the bridge to drain and exit",
		Description: `Tell the bridge to stop accepting work, finish what is in flight,
and exit. The bridge records the shutdown and its reason in its own
ledger before the listener closes.`,
		Usage: "docket shutdown [flags]",
		Examples: []cli.Example{
			{
				Description: "Stop the bridge for a config change",
				Command:     `docket shutdown --reason "rotating the query key"`,
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("shutdown", pflag.ContinueOnError)
			flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default $DOCKET_CONFIG)")
			flagSet.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
			flagSet.StringVar(&opts.reason, "reason", "", "recorded with the bridge's shutdown entry")
			return flagSet
		},
		Run: func(args []string) error {
			return runShutdown(opts)
		},
	}
}

func runShutdown(opts shutdownOptions) error {
	conn, err := connect(opts.configPath, opts.verbose, false)
	if err != nil {
		return err
	}
	defer conn.close()

	ctx, stop := signalContext()
	defer stop()

	result, err := conn.client.Shutdown(ctx, opts.reason)
	if err != nil {
		return err
	}
	if result.Stopping {
		fmt.Println("bridge stopping")
	} else {
		fmt.Println("bridge declined to stop")
	}
	return nil
}
