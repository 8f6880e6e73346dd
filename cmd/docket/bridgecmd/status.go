// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package bridgecmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/docket-project/docket/cmd/docket/cli"
)

type statusOptions struct {
	configPath string
	verbose    bool
	outputJSON bool
}

// StatusCommand returns "docket status".
func StatusCommand() *cli.Command {
	var opts statusOptions

	return &cli.Command{
		Name:    "status",
		Summary: "Show the bridge's health snapshot",
		Description: `Ask the bridge for a point-in-time snapshot: uptime, router queue,
last error, catalog size, and the forwarder circuit breaker state.`,
		Usage: "docket status [flags]",
		Examples: []cli.Example{
			{
				Description: "Check whether the bridge is up and healthy",
				Command:     "docket status",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default $DOCKET_CONFIG)")
			flagSet.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
			flagSet.BoolVar(&opts.outputJSON, "json", false, "emit the snapshot as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			return runStatus(opts)
		},
	}
}

func runStatus(opts statusOptions) error {
	conn, err := connect(opts.configPath, opts.verbose, false)
	if err != nil {
		return err
	}
	defer conn.close()

	ctx, stop := signalContext()
	defer stop()

	result, err := conn.client.Status(ctx)
	if err != nil {
		return err
	}

	if opts.outputJSON {
		encoded, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	}

	uptime := (time.Duration(result.UptimeMillis) * time.Millisecond).Round(time.Second)
	fmt.Printf("bridge: %s (up %s)\n", result.ServerName, uptime)
	fmt.Printf("queue: %d in flight\n", result.Health.QueueLength)
	if result.Health.LastRequestAgeMillis >= 0 {
		age := (time.Duration(result.Health.LastRequestAgeMillis) * time.Millisecond).Round(time.Second)
		fmt.Printf("last request: %s ago\n", age)
	} else {
		fmt.Println("last request: none yet")
	}
	if result.Health.LastError != "" {
		fmt.Printf("last error: %s\n", result.Health.LastError)
	}
	fmt.Printf("catalog: %d documents\n", result.CatalogDocuments)
	fmt.Printf("breaker: %s\n", result.BreakerState)
	return nil
}
