// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docket-project/docket/lib/clock"
	"github.com/docket-project/docket/lib/ipc"
	"github.com/docket-project/docket/lib/ledger"
	"github.com/docket-project/docket/lib/risk"
)

// RouterConfig wires the router to the bridge's stores and services.
type RouterConfig struct {
	// ServerName is reported in status snapshots.
	ServerName string

	// Forwarder serves cloud queries. Required.
	Forwarder *Forwarder

	// Catalog serves ingestion and listing. Required.
	Catalog *Catalog

	// Ledger is the bridge's own audit trail. Egress and ingestion
	// requests land here; nil disables bridge-side auditing.
	Ledger *ledger.Ledger

	// Shutdown is invoked when a shutdown request arrives, after the
	// acknowledgment is on its way. Nil rejects shutdown requests.
	Shutdown func(reason string)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Router dispatches decoded channel requests. It is the ipc.Handler
// for the bridge's server; each request arrives on its own goroutine,
// so the stats the heartbeat reads are mutex-guarded.
type Router struct {
	config RouterConfig
	clock  clock.Clock
	logger *slog.Logger

	started time.Time

	mu           sync.Mutex
	inflight     int
	lastError    string
	lastServedAt time.Time
}

// NewRouter validates the wiring and builds a router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	var errs []error
	if cfg.Forwarder == nil {
		errs = append(errs, errors.New("forwarder required"))
	}
	if cfg.Catalog == nil {
		errs = append(errs, errors.New("catalog required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("bridge: router: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "docket-bridge"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		config:  cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		started: cfg.Clock.Now(),
	}, nil
}

// Handle implements ipc.Handler. Cancel messages never arrive here;
// the server serves them inline from its in-flight registry.
func (r *Router) Handle(ctx context.Context, env *ipc.Envelope) (any, *ipc.Error) {
	r.begin()
	result, ipcErr := r.dispatch(ctx, env)
	r.finish(ipcErr)
	return result, ipcErr
}

func (r *Router) dispatch(ctx context.Context, env *ipc.Envelope) (any, *ipc.Error) {
	switch env.Type {
	case ipc.TypeCloudQuery:
		var payload ipc.CloudQueryPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, asIPCError(err, env.RequestID)
		}
		start := r.clock.Now()
		result, err := r.config.Forwarder.Forward(ctx, payload)
		r.audit(ctx, env, risk.Medium, start, err)
		if err != nil {
			return nil, asIPCError(err, env.RequestID)
		}
		return result, nil

	case ipc.TypeIngestRequest:
		var payload ipc.IngestRequestPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, asIPCError(err, env.RequestID)
		}
		start := r.clock.Now()
		result, err := r.config.Catalog.Register(ctx, payload)
		r.audit(ctx, env, risk.Low, start, err)
		if err != nil {
			return nil, asIPCError(err, env.RequestID)
		}
		return result, nil

	case ipc.TypeIngestText:
		var payload ipc.IngestTextPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, asIPCError(err, env.RequestID)
		}
		start := r.clock.Now()
		result, err := r.config.Catalog.StoreText(ctx, payload)
		r.audit(ctx, env, risk.Low, start, err)
		if err != nil {
			return nil, asIPCError(err, env.RequestID)
		}
		return result, nil

	case ipc.TypeCatalogList:
		var payload ipc.CatalogListPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, asIPCError(err, env.RequestID)
		}
		result, err := r.config.Catalog.List(ctx, payload)
		if err != nil {
			return nil, asIPCError(err, env.RequestID)
		}
		return result, nil

	case ipc.TypeStatus:
		return r.status(ctx, env.RequestID)

	case ipc.TypeShutdown:
		var payload ipc.ShutdownPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, asIPCError(err, env.RequestID)
		}
		if r.config.Shutdown == nil {
			return nil, ipc.NewError(ipc.CodePolicyDenied, env.RequestID, "shutdown is not enabled on this bridge")
		}
		r.audit(ctx, env, risk.Low, r.clock.Now(), nil)
		r.logger.Info("shutdown requested", "reason", payload.Reason)
		// The callback stops the server, which would otherwise race
		// the acknowledgment currently being written.
		go r.config.Shutdown(payload.Reason)
		return ipc.ShutdownResult{Stopping: true}, nil

	default:
		return nil, ipc.NewError(ipc.CodeInvalidPayload, env.RequestID,
			"no handler for message type %q", env.Type)
	}
}

// status assembles the point-in-time snapshot.
func (r *Router) status(ctx context.Context, requestID string) (any, *ipc.Error) {
	documents, err := r.config.Catalog.Count(ctx)
	if err != nil {
		return nil, asIPCError(err, requestID)
	}
	return ipc.StatusResult{
		ServerName:       r.config.ServerName,
		UptimeMillis:     r.clock.Now().Sub(r.started).Milliseconds(),
		Health:           r.Health(),
		CatalogDocuments: documents,
		BreakerState:     r.config.Forwarder.BreakerState().String(),
	}, nil
}

// Health snapshots the router stats for heartbeats and status.
func (r *Router) Health() ipc.Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	age := int64(-1)
	if !r.lastServedAt.IsZero() {
		age = r.clock.Now().Sub(r.lastServedAt).Milliseconds()
	}
	return ipc.Health{
		QueueLength:          r.inflight,
		LastError:            r.lastError,
		LastRequestAgeMillis: age,
	}
}

func (r *Router) begin() {
	r.mu.Lock()
	r.inflight++
	r.mu.Unlock()
}

func (r *Router) finish(ipcErr *ipc.Error) {
	r.mu.Lock()
	r.inflight--
	r.lastServedAt = r.clock.Now()
	if ipcErr != nil {
		r.lastError = string(ipcErr.Code) + ": " + ipcErr.Message
	} else {
		r.lastError = ""
	}
	r.mu.Unlock()
}

// audit appends one bridge-side ledger entry for a durable or
// egress-bearing request. Read-only snapshots are not recorded.
func (r *Router) audit(ctx context.Context, env *ipc.Envelope, level risk.Level, start time.Time, callErr error) {
	if r.config.Ledger == nil {
		return
	}
	entry := ledger.Entry{
		RequestID:      env.RequestID,
		Actor:          ledger.ActorIPC,
		Command:        "ipc:" + string(env.Type),
		Risk:           level,
		Decision:       ledger.DecisionAllowed,
		DurationMillis: r.clock.Now().Sub(start).Milliseconds(),
	}
	if callErr != nil {
		code := ipc.CodeOf(callErr)
		if code == "" {
			code = ipc.CodeExecutionFailed
		}
		entry.ErrorCode = string(code)
		if code == ipc.CodeSanitizeBlock || code == ipc.CodePolicyDenied {
			entry.Decision = ledger.DecisionDeniedByPolicy
		}
	} else {
		exit := 0
		entry.ExitCode = &exit
	}
	r.config.Ledger.Append(ctx, entry)
}

// asIPCError normalizes any error to a taxonomy error carrying the
// request ID.
func asIPCError(err error, requestID string) *ipc.Error {
	var ipcErr *ipc.Error
	if errors.As(err, &ipcErr) {
		if ipcErr.RequestID == "" {
			ipcErr.RequestID = requestID
		}
		return ipcErr
	}
	return ipc.NewError(ipc.CodeExecutionFailed, requestID, "%v", err)
}
