// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package runcmd implements "docket run": one command line executed
// under the trust policy, with interactive approval for ask-tier
// steps and an audit ledger entry whatever the outcome.
package runcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/docket-project/docket/cmd/docket/cli"
	"github.com/docket-project/docket/lib/config"
	"github.com/docket-project/docket/lib/governor"
)

// runOptions carries the flag values into the step.
type runOptions struct {
	configPath string
	verbose    bool
	workdir    string
	rationale  string
	timeout    string
	noLog      bool
}

// Command returns the "run" command.
func Command() *cli.Command {
	var opts runOptions

	return &cli.Command{
		Name:    "run",
		Summary: "Execute a command under governance",
		Description: `Execute one command line under the trust policy. The step is
classified for risk, decided against the configured approval and
sandbox modes, and recorded in the audit ledger whatever the outcome.

Ask-tier steps prompt on the terminal for approval; the operator can
approve, deny with a note, or edit the command line before it runs.
Without a terminal the prompt is unavailable and ask-tier steps are
denied.

The command runs directly, never through a shell. Everything after
"--" is the argv.`,
		Usage: "docket run [flags] -- <command> [args...]",
		Examples: []cli.Example{
			{
				Description: "Run the test suite in the workspace",
				Command:     "docket run -- go test ./...",
			},
			{
				Description: "Record why the step ran",
				Command:     `docket run --rationale "reproduce the flaky test" -- go test -count 20 ./lib/sync`,
			},
			{
				Description: "Keep the command text out of the readable ledger",
				Command:     "docket run --no-log -- ./scripts/rotate-credentials",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default $DOCKET_CONFIG)")
			flagSet.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
			flagSet.StringVar(&opts.workdir, "workdir", "", "working directory for the step (default workspace root)")
			flagSet.StringVar(&opts.rationale, "rationale", "", "explanation shown in prompts and recorded with the step")
			flagSet.StringVar(&opts.timeout, "timeout", "", "execution timeout override (e.g. 90s)")
			flagSet.BoolVar(&opts.noLog, "no-log", false, "switch the session to presence-only ledger entries")
			return flagSet
		},
		Run: func(args []string) error {
			return runStep(opts, args)
		},
	}
}

func runStep(opts runOptions, argv []string) error {
	if len(argv) == 0 {
		return errors.New("command required: docket run [flags] -- <command> [args...]")
	}

	cfg, err := cli.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	logger := cli.NewLogger(opts.verbose)

	var timeout time.Duration
	if opts.timeout != "" {
		timeout, err = time.ParseDuration(opts.timeout)
		if err != nil {
			return fmt.Errorf("invalid --timeout: %w", err)
		}
	}

	workingDir := opts.workdir
	if workingDir == "" {
		workingDir = cfg.Workspace.Root
	}
	workingDir, err = filepath.Abs(workingDir)
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	// A nil *Prompt must not become a non-nil Approver interface, so
	// the assignment branches.
	var approver governor.Approver
	if prompt := cli.NewPrompt(); prompt != nil {
		approver = prompt
	}

	gov, cleanup, err := cli.NewGovernor(cfg, approver, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if opts.noLog && !gov.Session().NoLog() {
		if err := gov.Session().SetNoLog(true); err != nil {
			return err
		}
	}

	// SIGINT and SIGTERM cancel the step; the runner walks the
	// process group from SIGTERM to SIGKILL.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Governance.IdleNudge != "" {
		supervisor, err := governor.NewSupervisor(governor.SupervisorConfig{
			Ledger:    gov.Ledger(),
			IdleAfter: config.ParseDuration(cfg.Governance.IdleNudge, 0),
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		go supervisor.Run(ctx)
	}

	outcome, err := gov.GovernStep(ctx, governor.Step{
		Argv:       argv,
		WorkingDir: workingDir,
		Rationale:  opts.rationale,
		Timeout:    timeout,
	})
	if err != nil {
		return err
	}

	return report(outcome)
}

// report surfaces the outcome the way a shell user expects: captured
// output replayed on the matching streams, denials explained on
// stderr, and the process exit code following the step's.
func report(outcome governor.Outcome) error {
	if outcome.Result != nil {
		writeStream(os.Stdout, outcome.Result.Stdout)
		writeStream(os.Stderr, outcome.Result.Stderr)

		switch {
		case outcome.Result.TimedOut:
			fmt.Fprintf(os.Stderr, "docket: step timed out after %s\n", outcome.Result.Duration)
		case outcome.Result.Canceled:
			fmt.Fprintln(os.Stderr, "docket: step canceled")
		}

		if outcome.Result.ExitCode != 0 {
			code := outcome.Result.ExitCode
			if code < 0 {
				code = 1
			}
			return &cli.ExitError{Code: code}
		}
		return nil
	}

	// The step never ran: a policy or operator denial, or a start
	// failure.
	if outcome.Err != nil {
		return fmt.Errorf("step rejected: %s: %w", outcome.Reason, outcome.Err)
	}
	return fmt.Errorf("step %s: %s", outcome.Decision, outcome.Reason)
}

// writeStream replays captured output, keeping the original trailing
// newline shape.
func writeStream(w *os.File, text string) {
	if text == "" {
		return
	}
	fmt.Fprint(w, text)
	if !strings.HasSuffix(text, "\n") {
		fmt.Fprintln(w)
	}
}
