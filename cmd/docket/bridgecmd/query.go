// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package bridgecmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/docket-project/docket/cmd/docket/cli"
	"github.com/docket-project/docket/lib/governor"
	"github.com/docket-project/docket/lib/ipc"
)

type queryOptions struct {
	configPath string
	verbose    bool
	model      string
	maxTokens  int
	rationale  string
}

// QueryCommand returns "docket query".
func QueryCommand() *cli.Command {
	var opts queryOptions

	return &cli.Command{
		Name:    "query",
		Summary: "Send a prompt to the cloud endpoint via the bridge",
		Description: `Forward a prompt to the configured cloud endpoint through the
bridge. The prompt transmits content off the machine, so the call is
floored at medium risk and prompts for approval under an on-request
policy; the decision lands in the audit ledger either way.

The prompt is masked by the sanitize rules before it leaves the
process. The bridge masks again before egress and refuses the call
outright in local-only mode.`,
		Usage: "docket query [flags] <prompt>...",
		Examples: []cli.Example{
			{
				Description: "Ask a question",
				Command:     `docket query "why would fsync cost spike after a compaction?"`,
			},
			{
				Description: "Pin the model and cap the answer",
				Command:     `docket query --model fast-small --max-tokens 400 "summarize RFC 9293 section 3"`,
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("query", pflag.ContinueOnError)
			flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default $DOCKET_CONFIG)")
			flagSet.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
			flagSet.StringVar(&opts.model, "model", "", "override the bridge's default model")
			flagSet.IntVar(&opts.maxTokens, "max-tokens", 0, "cap the response length (0 means endpoint default)")
			flagSet.StringVar(&opts.rationale, "rationale", "", "explanation shown in prompts and recorded with the call")
			return flagSet
		},
		Run: func(args []string) error {
			return runQuery(opts, args)
		},
	}
}

func runQuery(opts queryOptions, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return errors.New("prompt required: docket query [flags] <prompt>")
	}

	conn, err := connect(opts.configPath, opts.verbose, true)
	if err != nil {
		return err
	}
	defer conn.close()

	prompt, report := conn.gov.Sanitizer().Sanitize(prompt)
	if report.Changed {
		conn.logger.Debug("prompt sanitized", "rules_hit", len(report.Hits))
	}

	ctx, stop := signalContext()
	defer stop()

	var result *ipc.CloudQueryResult
	outcome, err := conn.gov.GovernCall(ctx, governor.Call{
		Type:      ipc.TypeCloudQuery,
		Content:   prompt,
		Rationale: opts.rationale,
		Invoke: func(ctx context.Context) error {
			reply, err := conn.client.CloudQuery(ctx, ipc.CloudQueryPayload{
				Prompt:    prompt,
				Model:     opts.model,
				MaxTokens: opts.maxTokens,
			})
			if err != nil {
				return err
			}
			result = reply
			return nil
		},
	})
	if err != nil {
		return err
	}
	if outcome.Err != nil {
		return fmt.Errorf("query: %w", outcome.Err)
	}
	if result == nil {
		return fmt.Errorf("query %s: %s", outcome.Decision, outcome.Reason)
	}

	conn.logger.Debug("query answered",
		"model", result.Model,
		"elapsed", time.Duration(result.ElapsedMillis)*time.Millisecond,
	)
	printBlock(os.Stdout, result.Text)
	return nil
}
