// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package bridgecmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/docket-project/docket/cmd/docket/cli"
	"github.com/docket-project/docket/lib/ipc"
)

type catalogOptions struct {
	configPath string
	verbose    bool
	query      string
	limit      int
	outputJSON bool
}

// CatalogCommand returns "docket catalog".
func CatalogCommand() *cli.Command {
	var opts catalogOptions

	return &cli.Command{
		Name:    "catalog",
		Summary: "List documents in the bridge's catalog",
		Description: `List what the bridge's ingest catalog holds. Without a query the
newest documents come first; with one, documents are ranked by
relevance across title, source, and body text.`,
		Usage: "docket catalog [flags]",
		Examples: []cli.Example{
			{
				Description: "List the most recent documents",
				Command:     "docket catalog",
			},
			{
				Description: "Search the catalog by relevance",
				Command:     "docket catalog --query \"tcp retransmission\" --limit 10",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("catalog", pflag.ContinueOnError)
			flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default $DOCKET_CONFIG)")
			flagSet.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
			flagSet.StringVar(&opts.query, "query", "", "rank documents by relevance to this query")
			flagSet.IntVar(&opts.limit, "limit", 0, "maximum documents to list (0 means server default)")
			flagSet.BoolVar(&opts.outputJSON, "json", false, "emit documents as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			return runCatalog(opts)
		},
	}
}

func runCatalog(opts catalogOptions) error {
	conn, err := connect(opts.configPath, opts.verbose, false)
	if err != nil {
		return err
	}
	defer conn.close()

	ctx, stop := signalContext()
	defer stop()

	result, err := conn.client.CatalogList(ctx, ipc.CatalogListPayload{
		Query: opts.query,
		Limit: opts.limit,
	})
	if err != nil {
		return err
	}

	if opts.outputJSON {
		encoded, err := json.MarshalIndent(result.Documents, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	}

	if len(result.Documents) == 0 {
		if opts.query != "" {
			fmt.Printf("no documents match %q\n", opts.query)
		} else {
			fmt.Println("catalog is empty")
		}
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTITLE\tSOURCE\tBYTES\tINGESTED")
	for _, doc := range result.Documents {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\n",
			doc.ID,
			doc.Title,
			doc.Source,
			doc.Bytes,
			time.UnixMilli(doc.IngestedAt).Format("2006-01-02 15:04:05"),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if result.Total > len(result.Documents) {
		fmt.Printf("showing %d of %d documents\n", len(result.Documents), result.Total)
	}
	return nil
}
