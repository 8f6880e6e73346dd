// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ledgercmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/docket-project/docket/cmd/docket/cli"
	"github.com/docket-project/docket/lib/ledger"
	"github.com/docket-project/docket/lib/risk"
)

// listOptions carries the filter flags.
type listOptions struct {
	configPath string
	verbose    bool
	limit      int
	actor      string
	riskLevel  string
	decision   string
	requestID  string
	errorCode  string
	failed     bool
	since      string
	command    string
	workdir    string
	outputJSON bool
}

// listCommand returns the "list" subcommand.
func listCommand() *cli.Command {
	var opts listOptions

	return &cli.Command{
		Name:    "list",
		Summary: "List audit ledger entries",
		Description: `List the newest ledger entries matching the filters, oldest first.
Command text is shown as stored: sanitized, and blank for entries
recorded in no-log mode.`,
		Usage: "docket ledger list [flags]",
		Examples: []cli.Example{
			{
				Description: "The last 50 governed steps",
				Command:     "docket ledger list",
			},
			{
				Description: "Denied steps from the last day",
				Command:     "docket ledger list --since 24h --decision denied_by_policy",
			},
			{
				Description: "Failed git commands, as JSON",
				Command:     "docket ledger list --failed --command git --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default $DOCKET_CONFIG)")
			flagSet.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
			flagSet.IntVar(&opts.limit, "limit", 0, fmt.Sprintf("maximum entries (default %d)", ledger.DefaultQueryLimit))
			flagSet.StringVar(&opts.actor, "actor", "", "filter by actor: local or ipc")
			flagSet.StringVar(&opts.riskLevel, "risk", "", "filter by risk tier: low, medium, high")
			flagSet.StringVar(&opts.decision, "decision", "", "filter by decision (allowed, approved, denied_by_user, denied_by_policy)")
			flagSet.StringVar(&opts.requestID, "request-id", "", "filter by request id")
			flagSet.StringVar(&opts.errorCode, "error-code", "", "filter by taxonomy error code")
			flagSet.BoolVar(&opts.failed, "failed", false, "only steps that did not exit zero")
			flagSet.StringVar(&opts.since, "since", "", "only entries newer than this window (e.g. 24h)")
			flagSet.StringVar(&opts.command, "command", "", "substring match on the sanitized command text")
			flagSet.StringVar(&opts.workdir, "workdir", "", "substring match on the working directory")
			flagSet.BoolVar(&opts.outputJSON, "json", false, "output as JSON instead of a table")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("ledger list takes no positional arguments, got %d", len(args))
			}
			return runList(opts)
		},
	}
}

func runList(opts listOptions) error {
	filter, err := buildFilter(opts, time.Now())
	if err != nil {
		return err
	}

	ldg, err := openLedger(opts.configPath, opts.verbose)
	if err != nil {
		return err
	}
	defer ldg.Close()

	entries, err := ldg.Query(context.Background(), filter)
	if err != nil {
		return err
	}

	if opts.outputJSON {
		encoded, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	}

	renderTable(os.Stdout, entries)
	return nil
}

// buildFilter translates the flag values into a query filter. now
// anchors the --since window.
func buildFilter(opts listOptions, now time.Time) (ledger.Filter, error) {
	filter := ledger.Filter{
		RequestID:          opts.requestID,
		Decision:           opts.decision,
		ErrorCode:          opts.errorCode,
		CommandContains:    opts.command,
		WorkingDirContains: opts.workdir,
		Limit:              opts.limit,
	}

	switch opts.actor {
	case "":
	case "local":
		filter.Actor = ledger.ActorLocal
	case "ipc":
		filter.Actor = ledger.ActorIPC
	default:
		return ledger.Filter{}, fmt.Errorf("unknown actor %q (want local or ipc)", opts.actor)
	}

	if opts.riskLevel != "" {
		level, err := risk.ParseLevel(opts.riskLevel)
		if err != nil {
			return ledger.Filter{}, err
		}
		filter.Risk = level
	}

	if opts.since != "" {
		window, err := time.ParseDuration(opts.since)
		if err != nil {
			return ledger.Filter{}, fmt.Errorf("invalid --since: %w", err)
		}
		filter.Since = now.Add(-window).UnixMilli()
	}

	if opts.failed {
		zero := 0
		filter.ExitCodeNot = &zero
	}

	return filter, nil
}

// renderTable writes entries as an aligned table. Denied entries show
// their error code in the exit column.
func renderTable(w io.Writer, entries []ledger.Entry) {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tACTOR\tRISK\tDECISION\tEXIT\tCOMMAND")

	for _, entry := range entries {
		exit := "-"
		switch {
		case entry.ExitCode != nil:
			exit = strconv.Itoa(*entry.ExitCode)
		case entry.ErrorCode != "":
			exit = entry.ErrorCode
		}

		command := entry.Command
		if entry.Private {
			command = "[private]"
		}

		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			entry.Sequence,
			time.UnixMilli(entry.Timestamp).Format("2006-01-02 15:04:05"),
			entry.Actor,
			entry.Risk,
			entry.Decision,
			exit,
			command,
		)
	}

	tw.Flush()
}
