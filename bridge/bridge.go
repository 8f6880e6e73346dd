// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/docket-project/docket/lib/clock"
	"github.com/docket-project/docket/lib/ipc"
	"github.com/docket-project/docket/lib/ledger"
)

// shutdownGrace is how long a channel-initiated shutdown waits before
// closing the listener. The acknowledgment frame for the shutdown
// request must flush to the client before the connection dies.
const shutdownGrace = 250 * time.Millisecond

// Bridge is the background half of docket: it owns the Unix socket
// channel, the document catalog, and the outbound query forwarder,
// and runs periodic housekeeping over its durable state. One Bridge
// serves one agent; both ends authenticate every message with the
// shared channel token.
type Bridge struct {
	// SocketPath is the Unix socket the channel listens on.
	SocketPath string

	// ServerName identifies this bridge in handshake acks and status
	// responses. Defaults to "docket-bridge".
	ServerName string

	// AuthToken is the shared channel secret. Only its fingerprint is
	// ever logged.
	AuthToken string

	// AllowedClients lists the peer names accepted at handshake.
	AllowedClients []string

	// MaxPayloadBytes bounds a single channel frame. Zero means the
	// channel default.
	MaxPayloadBytes int

	// ChunkBytes bounds each chunk of a split reply. Zero means the
	// channel default.
	ChunkBytes int

	// Heartbeat paces the per-connection health emitter. Collect is
	// set internally to the router's health snapshot; a caller-set
	// Collect is ignored.
	Heartbeat ipc.HeartbeatConfig

	// Forwarder configures outbound query handling.
	Forwarder ForwarderConfig

	// CatalogPath is the SQLite file backing the document catalog.
	CatalogPath string

	// Ledger, when non-nil, receives an audit entry for each mutating
	// or egress request served over the channel, and has its
	// retention policy enforced by housekeeping. The caller opens and
	// closes it.
	Ledger *ledger.Ledger

	// HousekeepingInterval paces catalog sweeps and ledger retention.
	// Defaults to one minute.
	HousekeepingInterval time.Duration

	// Clock drives heartbeats, housekeeping, and retry backoff. Nil
	// means the real clock.
	Clock clock.Clock

	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	catalog   *Catalog
	forwarder *Forwarder
	router    *Router
	listener  net.Listener
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
}

// logger returns the configured logger or the default.
func (b *Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *Bridge) clk() clock.Clock {
	if b.Clock != nil {
		return b.Clock
	}
	return clock.Real()
}

// Start opens the catalog, binds the channel socket, and begins
// serving requests. It returns once the listener is accepting, or
// returns an error if any part of the setup fails. The bridge runs in
// the background until Stop is called, the context is cancelled, or a
// client sends an authorized shutdown request.
func (b *Bridge) Start(ctx context.Context) error {
	if b.SocketPath == "" {
		return fmt.Errorf("bridge: SocketPath is required")
	}
	if b.CatalogPath == "" {
		return fmt.Errorf("bridge: CatalogPath is required")
	}
	if b.ServerName == "" {
		b.ServerName = "docket-bridge"
	}
	if b.HousekeepingInterval <= 0 {
		b.HousekeepingInterval = time.Minute
	}

	catalog, err := OpenCatalog(CatalogConfig{
		Path:   b.CatalogPath,
		Clock:  b.clk(),
		Logger: b.logger(),
	})
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	b.catalog = catalog

	forwarderConfig := b.Forwarder
	if forwarderConfig.Clock == nil {
		forwarderConfig.Clock = b.clk()
	}
	if forwarderConfig.Logger == nil {
		forwarderConfig.Logger = b.logger()
	}
	b.forwarder = NewForwarder(forwarderConfig)

	router, err := NewRouter(RouterConfig{
		ServerName: b.ServerName,
		Forwarder:  b.forwarder,
		Catalog:    b.catalog,
		Ledger:     b.Ledger,
		Shutdown:   b.channelShutdown,
		Clock:      b.clk(),
		Logger:     b.logger(),
	})
	if err != nil {
		catalog.Close()
		return fmt.Errorf("bridge: %w", err)
	}
	b.router = router

	heartbeat := b.Heartbeat
	heartbeat.Collect = router.Health

	server, err := ipc.NewServer(ipc.ServerConfig{
		ServerName:     b.ServerName,
		AuthToken:      b.AuthToken,
		AllowedClients: b.AllowedClients,
		MaxPayload:     b.MaxPayloadBytes,
		ChunkSize:      b.ChunkBytes,
		Heartbeat:      heartbeat,
		Clock:          b.clk(),
		Logger:         b.logger(),
		Handler:        router,
	})
	if err != nil {
		catalog.Close()
		return fmt.Errorf("bridge: %w", err)
	}

	listener, err := ipc.Listen(b.SocketPath)
	if err != nil {
		catalog.Close()
		return fmt.Errorf("bridge: %w", err)
	}
	b.listener = listener

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		if err := server.Serve(ctx, listener); err != nil {
			b.logger().Error("channel serve failed", "error", err)
		}
	}()
	go func() {
		defer background.Done()
		b.housekeeping(ctx)
	}()
	go func() {
		background.Wait()
		close(b.done)
	}()

	b.logger().Info("bridge started",
		"socket_path", b.SocketPath,
		"catalog_path", b.CatalogPath,
		"token_fingerprint", ipc.Fingerprint(b.AuthToken),
		"local_only", b.Forwarder.LocalOnly,
	)
	return nil
}

// Addr returns the listener's address. Returns nil if the bridge has
// not been started.
func (b *Bridge) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Catalog returns the open document catalog. It is nil before Start
// and closed after Stop.
func (b *Bridge) Catalog() *Catalog {
	return b.catalog
}

// Stop shuts down the bridge: the listener closes, the serve and
// housekeeping loops drain, and the catalog is closed. Safe to call
// more than once and concurrently with a channel-initiated shutdown.
// The audit ledger, if any, stays open for the caller.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		if b.listener != nil {
			b.listener.Close()
		}
		if b.done != nil {
			<-b.done
		}
		if b.catalog != nil {
			if err := b.catalog.Close(); err != nil {
				b.logger().Error("catalog close failed", "error", err)
			}
		}
		b.logger().Info("bridge stopped")
	})
}

// Wait blocks until the bridge's background loops have finished. It
// does not close the catalog; pair it with Stop.
func (b *Bridge) Wait() {
	if b.done != nil {
		<-b.done
	}
}

// channelShutdown is the router's shutdown hook. The router has
// already written the audit entry; the reply frame still has to reach
// the client, so teardown waits out a short grace first.
func (b *Bridge) channelShutdown(reason string) {
	b.logger().Info("shutdown requested over channel", "reason", reason)
	time.Sleep(shutdownGrace)
	b.Stop()
}

// housekeeping periodically sweeps the catalog for integrity and
// enforces the audit ledger's retention policy. It runs until the
// bridge stops.
func (b *Bridge) housekeeping(ctx context.Context) {
	ticker := b.clk().NewTicker(b.HousekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.runHousekeeping(ctx)
		}
	}
}

// runHousekeeping performs one housekeeping pass. Failures are logged
// and do not stop the loop; the next tick retries.
func (b *Bridge) runHousekeeping(ctx context.Context) {
	sweep, err := b.catalog.Sweep(ctx)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			b.logger().Error("catalog sweep failed", "error", err)
		}
	case len(sweep.Corrupt) > 0:
		b.logger().Warn("catalog sweep found corrupt documents",
			"documents", sweep.Documents,
			"corrupt", len(sweep.Corrupt),
		)
	default:
		b.logger().Debug("catalog sweep clean",
			"documents", sweep.Documents,
			"pending", sweep.Pending,
		)
	}

	if b.Ledger == nil {
		return
	}
	result, err := b.Ledger.EnforceRetention(ctx)
	if err != nil {
		if ctx.Err() == nil {
			b.logger().Error("ledger retention failed", "error", err)
		}
		return
	}
	if result != nil {
		b.logger().Info("ledger retention enforced",
			"pruned", result.Pruned,
			"first_seq", result.FirstSeq,
			"last_seq", result.LastSeq,
			"archive", result.Path,
		)
	}
}
