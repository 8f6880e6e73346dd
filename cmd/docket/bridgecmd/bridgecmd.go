// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridgecmd implements the commands that talk to the bridge
// daemon over the local channel: query, ingest, catalog, status,
// cancel, and shutdown.
//
// Query and ingest route through the governance pipeline like any
// other step, so policy and the operator see them before the channel
// does and the audit ledger records them. Status, catalog, cancel,
// and shutdown are plain channel calls.
package bridgecmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docket-project/docket/cmd/docket/cli"
	"github.com/docket-project/docket/lib/config"
	"github.com/docket-project/docket/lib/governor"
	"github.com/docket-project/docket/lib/ipc"
)

// connection bundles the channel client with the governance pipeline.
// Ungoverned commands leave gov nil.
type connection struct {
	cfg    *config.Config
	logger *slog.Logger
	client *ipc.Client
	gov    *governor.Governor

	closers []func()
}

// connect loads the configuration and dials nothing: the client
// connects lazily on the first call, so a command that dies on a flag
// error never touches the socket.
func connect(configPath string, verbose, governed bool) (*connection, error) {
	cfg, err := cli.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}

	conn := &connection{cfg: cfg, logger: cli.NewLogger(verbose)}

	if governed {
		// A nil *Prompt must not become a non-nil Approver
		// interface, so the assignment branches.
		var approver governor.Approver
		if prompt := cli.NewPrompt(); prompt != nil {
			approver = prompt
		}
		gov, cleanup, err := cli.NewGovernor(cfg, approver, conn.logger)
		if err != nil {
			return nil, err
		}
		conn.gov = gov
		conn.closers = append(conn.closers, cleanup)
	}

	client, err := cli.NewBridgeClient(cfg, conn.logger)
	if err != nil {
		conn.close()
		return nil, err
	}
	conn.client = client
	conn.closers = append(conn.closers, func() { client.Close() })

	return conn, nil
}

// close releases in reverse order: the client disconnects before the
// ledger underneath the governor closes.
func (c *connection) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// signalContext cancels on SIGINT or SIGTERM. Tearing the context
// down aborts the in-flight call and sends a best-effort cancel frame
// to the bridge.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// printBlock writes text whose trailing newline is not guaranteed.
func printBlock(out io.Writer, text string) {
	if text == "" {
		return
	}
	fmt.Fprint(out, text)
	if !strings.HasSuffix(text, "\n") {
		fmt.Fprintln(out)
	}
}
