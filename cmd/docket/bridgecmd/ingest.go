// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package bridgecmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/docket-project/docket/cmd/docket/cli"
	"github.com/docket-project/docket/lib/governor"
	"github.com/docket-project/docket/lib/ipc"
)

type ingestOptions struct {
	configPath string
	verbose    bool
	title      string
	source     string
	rationale  string
}

// IngestCommand returns "docket ingest".
func IngestCommand() *cli.Command {
	var opts ingestOptions

	return &cli.Command{
		Name:    "ingest",
		Summary: "Store a document in the bridge's catalog",
		Description: `Hand a document to the bridge for its local catalog. The content is
masked by the sanitize rules before it leaves the process, then
registered by digest; when the catalog already holds identical
content, nothing is transferred and the existing document is named.

The content stays on this machine. The call is still governed and
recorded in the audit ledger.`,
		Usage: `docket ingest [flags] <file>   ("-" reads stdin)`,
		Examples: []cli.Example{
			{
				Description: "Ingest a file, titled by its base name",
				Command:     "docket ingest docs/rfc9293.md",
			},
			{
				Description: "Ingest from stdin with an explicit title",
				Command:     `docket ingest --title "incident 42 notes" - < notes.txt`,
			},
			{
				Description: "Record where the content came from",
				Command:     "docket ingest --source https://go.dev/blog/pgo pgo.html",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
			flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default $DOCKET_CONFIG)")
			flagSet.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
			flagSet.StringVar(&opts.title, "title", "", "document title (default the file's base name)")
			flagSet.StringVar(&opts.source, "source", "", "where the content came from (default the file path)")
			flagSet.StringVar(&opts.rationale, "rationale", "", "explanation shown in prompts and recorded with the call")
			return flagSet
		},
		Run: func(args []string) error {
			return runIngest(opts, args)
		},
	}
}

func runIngest(opts ingestOptions, args []string) error {
	if len(args) != 1 {
		return errors.New(`file required: docket ingest [flags] <file> ("-" reads stdin)`)
	}
	path := args[0]

	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	} else {
		raw, err = os.ReadFile(path)
		if err != nil {
			return err
		}
	}
	if len(raw) == 0 {
		return errors.New("refusing to ingest empty content")
	}

	title := opts.title
	source := opts.source
	mediaType := ""
	if path == "-" {
		if title == "" {
			return errors.New("--title required when reading stdin")
		}
	} else {
		if title == "" {
			title = filepath.Base(path)
		}
		if source == "" {
			source = path
		}
		mediaType = mime.TypeByExtension(filepath.Ext(path))
	}

	conn, err := connect(opts.configPath, opts.verbose, true)
	if err != nil {
		return err
	}
	defer conn.close()

	// The catalog verifies delivered content against the registered
	// hash, so the digest covers the sanitized text, not the raw file.
	text, report := conn.gov.Sanitizer().Sanitize(string(raw))
	if report.Changed {
		masked := 0
		for _, n := range report.Hits {
			masked += n
		}
		fmt.Fprintf(os.Stderr, "docket: masked %d sensitive match(es) before ingest\n", masked)
	}
	digest := ipc.ContentDigest([]byte(text))

	ctx, stop := signalContext()
	defer stop()

	var stored *ipc.IngestTextResult
	var duplicateID string
	outcome, err := conn.gov.GovernCall(ctx, governor.Call{
		Type:      ipc.TypeIngestRequest,
		Rationale: opts.rationale,
		Invoke: func(ctx context.Context) error {
			registered, err := conn.client.IngestRequest(ctx, ipc.IngestRequestPayload{
				Title:       title,
				Source:      source,
				ContentHash: digest,
				Size:        int64(len(text)),
				MediaType:   mediaType,
			})
			if err != nil {
				return err
			}
			if registered.Duplicate {
				duplicateID = registered.DocumentID
				return nil
			}
			result, err := conn.client.IngestText(ctx, ipc.IngestTextPayload{
				DocumentID: registered.DocumentID,
				Text:       text,
			})
			if err != nil {
				return err
			}
			stored = result
			return nil
		},
	})
	if err != nil {
		return err
	}
	if outcome.Err != nil {
		return fmt.Errorf("ingest: %w", outcome.Err)
	}

	switch {
	case duplicateID != "":
		fmt.Printf("already in catalog as %s\n", duplicateID)
	case stored != nil:
		fmt.Printf("ingested %s (%d bytes)\n", stored.DocumentID, stored.Bytes)
	default:
		return fmt.Errorf("ingest %s: %s", outcome.Decision, outcome.Reason)
	}
	return nil
}
