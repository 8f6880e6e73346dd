// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package rulescmd implements "docket rules", the operator tooling
// for the risk and sanitize rule files.
package rulescmd

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/docket-project/docket/cmd/docket/cli"
	"github.com/docket-project/docket/lib/risk"
	"github.com/docket-project/docket/lib/sanitize"
)

// Command returns the "rules" command group.
func Command() *cli.Command {
	return &cli.Command{
		Name:    "rules",
		Summary: "Validate and inspect rule files",
		Description: `Work with the risk and sanitize rule files the governance pipeline
loads. Rule files are JSONC; a file that fails to parse or compile is
rejected at startup, so check edits here before pointing the
configuration at them.`,
		Usage: "docket rules <command> [flags]",
		Subcommands: []*cli.Command{
			checkCommand(),
		},
	}
}

type checkOptions struct {
	configPath   string
	riskPath     string
	sanitizePath string
}

func checkCommand() *cli.Command {
	var opts checkOptions

	return &cli.Command{
		Name:    "check",
		Summary: "Validate rule files and report their contents",
		Description: `Parse and compile rule files, reporting version and rule counts on
success and every broken rule on failure.

With --risk or --sanitize, exactly the named files are checked.
Without either, the files named in the configuration are checked; a
concern with no configured file reports the built-in set.`,
		Usage: "docket rules check [flags]",
		Examples: []cli.Example{
			{
				Description: "Check the configured rule files",
				Command:     "docket rules check",
			},
			{
				Description: "Check an edited file before deploying it",
				Command:     "docket rules check --sanitize ./sanitize-v4.jsonc",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("check", pflag.ContinueOnError)
			flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default $DOCKET_CONFIG)")
			flagSet.StringVar(&opts.riskPath, "risk", "", "risk rule file to check")
			flagSet.StringVar(&opts.sanitizePath, "sanitize", "", "sanitize rule file to check")
			return flagSet
		},
		Run: func(args []string) error {
			return runCheck(opts)
		},
	}
}

func runCheck(opts checkOptions) error {
	riskPath := opts.riskPath
	sanitizePath := opts.sanitizePath
	explicit := riskPath != "" || sanitizePath != ""

	if !explicit {
		cfg, err := cli.LoadConfig(opts.configPath)
		if err != nil {
			return err
		}
		riskPath = cfg.Rules.RiskFile
		sanitizePath = cfg.Rules.SanitizeFile
	}

	var errs []error
	if !explicit || riskPath != "" {
		if summary, err := describeRiskRules(riskPath); err != nil {
			errs = append(errs, fmt.Errorf("risk rules: %w", err))
		} else {
			fmt.Printf("risk rules: %s\n", summary)
		}
	}
	if !explicit || sanitizePath != "" {
		if summary, err := describeSanitizeRules(sanitizePath); err != nil {
			errs = append(errs, fmt.Errorf("sanitize rules: %w", err))
		} else {
			fmt.Printf("sanitize rules: %s\n", summary)
		}
	}
	return errors.Join(errs...)
}

// describeRiskRules loads the named risk rule file, or the built-in
// set when path is empty, and summarizes it in one line.
func describeRiskRules(path string) (string, error) {
	origin := path
	var set *risk.RuleSet
	if path == "" {
		origin = "built-in"
		set = risk.DefaultRules()
	} else {
		loaded, err := risk.LoadRules(path)
		if err != nil {
			return "", err
		}
		set = loaded
	}
	return fmt.Sprintf("%s: v%d, %d matchers, %d read-only commands",
		origin, set.Version, len(set.Matchers), len(set.ReadOnlyCommands)), nil
}

// describeSanitizeRules is describeRiskRules for the sanitize set.
func describeSanitizeRules(path string) (string, error) {
	origin := path
	var set *sanitize.RuleSet
	if path == "" {
		origin = "built-in"
		set = sanitize.DefaultRules()
	} else {
		loaded, err := sanitize.LoadRules(path)
		if err != nil {
			return "", err
		}
		set = loaded
	}
	return fmt.Sprintf("%s: v%d, %d rules, %d blocked prompt tokens",
		origin, set.Version, len(set.Rules), len(set.BlockedPromptTokens)), nil
}
