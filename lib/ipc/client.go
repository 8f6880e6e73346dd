// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/docket-project/docket/lib/clock"
	"github.com/docket-project/docket/lib/codec"
)

// ConnState is the client's position in the channel lifecycle.
type ConnState int

const (
	// StateDisconnected means no connection exists. Calls dial lazily.
	StateDisconnected ConnState = iota

	// StateConnecting means a dial is in progress.
	StateConnecting

	// StateHandshaking means the hello exchange is in progress.
	StateHandshaking

	// StateReady means calls can be sent.
	StateReady

	// StateDraining means Close ran; no new calls are accepted.
	StateDraining
)

// String returns the lifecycle name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	}
	return "unknown"
}

// ClientConfig configures the agent side of the channel. Zero fields
// take defaults.
type ClientConfig struct {
	// SocketPath is the bridge's Unix socket. Ignored when Dial is
	// set.
	SocketPath string

	// ClientName identifies this peer during the handshake.
	ClientName string

	// AuthToken is the shared channel secret.
	AuthToken string

	// MaxPayload bounds a single frame. Default 4 MiB.
	MaxPayload int

	// ChunkSize bounds each chunk of a split envelope. Default
	// 256 KiB, clamped to half of MaxPayload so chunk framing
	// overhead can never push a frame over the limit.
	ChunkSize int

	// MaxMessageSize bounds a reassembled envelope. Default 64 MiB.
	MaxMessageSize int

	// CallTimeout bounds one request/response attempt. Default 30s.
	CallTimeout time.Duration

	// MaxAttempts bounds retries per call, counting the first
	// attempt. Default 3.
	MaxAttempts int

	// BackoffBase is the first retry delay; each further retry
	// doubles it up to BackoffMax. Defaults 250ms and 5s.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Breaker tunes the channel circuit breaker.
	Breaker BreakerConfig

	// StaleAfter is the heartbeat silence threshold surfaced by
	// HealthStale. Default 90s.
	StaleAfter time.Duration

	// Clock drives timeouts, backoff, and staleness. Nil means the
	// real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// Dial overrides the Unix socket dial, for tests.
	Dial func(ctx context.Context) (net.Conn, error)
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxPayload <= 0 {
		c.MaxPayload = DefaultMaxPayload
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 256 * 1024
	}
	if c.ChunkSize > c.MaxPayload/2 {
		c.ChunkSize = c.MaxPayload / 2
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024 * 1024
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

type callResult struct {
	env Envelope
	err error
}

// Client is the agent side of the channel. It dials lazily, retries
// transport failures with exponential backoff and a fresh request ID
// per attempt, and survives bridge restarts by re-running the
// handshake on the next call.
type Client struct {
	config  ClientConfig
	clock   clock.Clock
	logger  *slog.Logger
	breaker *Breaker
	monitor *HealthMonitor

	// connMu serializes connection establishment so concurrent calls
	// share one dial and handshake.
	connMu sync.Mutex

	// writeMu serializes frames on the connection.
	writeMu sync.Mutex

	mu      sync.Mutex
	state   ConnState
	conn    net.Conn
	pending map[string]chan callResult
}

// NewClient validates the configuration and builds a client. No I/O
// happens until the first call.
func NewClient(config ClientConfig) (*Client, error) {
	var errs []error
	if config.ClientName == "" {
		errs = append(errs, errors.New("client name required"))
	}
	if config.AuthToken == "" {
		errs = append(errs, errors.New("auth token required"))
	}
	if config.SocketPath == "" && config.Dial == nil {
		errs = append(errs, errors.New("socket path or dial function required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("ipc: %w", err)
	}
	config = config.withDefaults()
	if config.Dial == nil {
		path := config.SocketPath
		config.Dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
	}
	return &Client{
		config:  config,
		clock:   config.Clock,
		logger:  config.Logger,
		breaker: NewBreaker(config.Breaker, config.Clock),
		monitor: NewHealthMonitor(config.StaleAfter, config.Clock),
		pending: make(map[string]chan callResult),
	}, nil
}

// State returns the current lifecycle position.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Health returns the last heartbeat, when it arrived, and whether any
// heartbeat has been seen on the current connection.
func (c *Client) Health() (Health, time.Time, bool) {
	return c.monitor.Last()
}

// HealthStale reports whether heartbeat silence exceeds the
// configured threshold. A health fault, not a hard failure.
func (c *Client) HealthStale() bool {
	return c.monitor.Stale()
}

// BreakerSnapshot returns the channel breaker's current view.
func (c *Client) BreakerSnapshot() BreakerSnapshot {
	return c.breaker.Snapshot()
}

// Call sends one request and waits for its reply. Transport-shaped
// failures are retried with exponential backoff and a fresh request
// ID per attempt; application errors delivered by the bridge are
// returned as-is and never retried. While the breaker is open, Call
// fails fast with circuit_open and no I/O.
func (c *Client) Call(ctx context.Context, t MessageType, payload any) (codec.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.logger.Warn("retrying call",
				"type", string(t), "attempt", attempt+1, "backoff", backoff, "error", lastErr)
			select {
			case <-c.clock.After(backoff):
			case <-ctx.Done():
				return nil, NewError(CodeCanceled, "", "canceled during retry backoff: %v", ctx.Err())
			}
		}
		if err := c.breaker.Allow(); err != nil {
			return nil, err
		}
		raw, err := c.attempt(ctx, t, payload)
		if err == nil {
			c.breaker.Success()
			return raw, nil
		}
		switch code := CodeOf(err); {
		case code == CodeCanceled:
			// Neither a channel success nor a channel failure.
			return nil, err
		case code == "" || code == CodeTimeout:
			c.breaker.Failure()
			lastErr = err
		default:
			// The channel delivered an answer; the failure belongs to
			// the application. The breaker tracks transport health.
			c.breaker.Success()
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.BackoffBase << (attempt - 1)
	if d <= 0 || d > c.config.BackoffMax {
		d = c.config.BackoffMax
	}
	return d
}

// attempt performs one request/response exchange with its own fresh
// request ID.
func (c *Client) attempt(ctx context.Context, t MessageType, payload any) (codec.RawMessage, error) {
	conn, err := c.ensureReady(ctx)
	if err != nil {
		return nil, err
	}

	env, err := NewEnvelope(t, payload)
	if err != nil {
		return nil, err
	}
	env.AuthToken = c.config.AuthToken

	ch := make(chan callResult, 1)
	c.mu.Lock()
	if c.state != StateReady || c.conn != conn {
		c.mu.Unlock()
		return nil, errors.New("connection reset during call setup")
	}
	c.pending[env.RequestID] = ch
	c.mu.Unlock()
	defer c.unregister(env.RequestID)

	c.writeMu.Lock()
	err = WriteEnvelope(conn, env, c.config.MaxPayload, c.config.ChunkSize)
	c.writeMu.Unlock()
	if err != nil {
		c.teardown(conn, fmt.Errorf("write failed: %w", err))
		return nil, err
	}
	c.logger.Debug("request sent", "type", string(t), "request_id", env.RequestID)

	timeout := c.clock.After(c.config.CallTimeout)
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		reply := res.env
		if reply.Type == TypeError {
			return nil, reply.PayloadError()
		}
		if reply.Type != TypeResponse {
			return nil, NewError(CodeInvalidPayload, env.RequestID, "unexpected reply type %q", reply.Type)
		}
		return reply.Payload, nil
	case <-timeout:
		return nil, NewError(CodeTimeout, env.RequestID,
			"no response within %s", c.config.CallTimeout)
	case <-ctx.Done():
		c.sendCancel(conn, env.RequestID)
		return nil, NewError(CodeCanceled, env.RequestID, "%v", ctx.Err())
	}
}

func (c *Client) unregister(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// ensureReady returns a ready connection, dialing and handshaking
// when none exists. Reconnection after a bridge restart happens here:
// the handshake re-runs and the health baseline resets.
func (c *Client) ensureReady(ctx context.Context) (net.Conn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	switch {
	case c.state == StateDraining:
		c.mu.Unlock()
		return nil, errors.New("channel closed")
	case c.state == StateReady && c.conn != nil:
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.config.Dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return nil, fmt.Errorf("dialing bridge: %w", err)
	}
	c.setState(StateHandshaking)
	ack, err := ClientHandshake(conn, c.config.ClientName, c.config.AuthToken, c.config.MaxPayload)
	if err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return nil, err
	}
	c.logger.Info("channel established",
		"server", ack.ServerName,
		"token_fingerprint", Fingerprint(c.config.AuthToken))

	c.monitor.Reset()
	c.mu.Lock()
	c.conn = conn
	c.state = StateReady
	c.pending = make(map[string]chan callResult)
	c.mu.Unlock()
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// readLoop owns reads on one connection until it fails or closes.
func (c *Client) readLoop(conn net.Conn) {
	reassembler := NewReassembler(c.config.MaxMessageSize)
	for {
		frame, err := ReadFrame(conn, c.config.MaxPayload)
		if err != nil {
			c.teardown(conn, err)
			return
		}
		switch frame.Kind {
		case FrameEnvelope:
			var env Envelope
			if err := codec.Unmarshal(frame.Payload, &env); err != nil {
				c.teardown(conn, NewError(CodeInvalidPayload, "", "decoding envelope: %v", err))
				return
			}
			c.dispatch(env)
		case FrameChunk:
			var chunk ChunkFrame
			if err := codec.Unmarshal(frame.Payload, &chunk); err != nil {
				c.teardown(conn, NewError(CodeInvalidPayload, "", "decoding chunk: %v", err))
				return
			}
			env, err := reassembler.Add(chunk)
			if err != nil {
				// The reassembler resets itself; only this one
				// message is lost, and its call will time out.
				c.logger.Warn("chunk reassembly failed", "error", err)
				continue
			}
			if env != nil {
				c.dispatch(*env)
			}
		}
	}
}

// dispatch routes one received envelope: heartbeats feed the monitor,
// replies complete their pending call, and anything unmatched is
// dropped with a log line. A reply arriving after its call timed out
// stays unmatched because the retried call carries a fresh request ID.
func (c *Client) dispatch(env Envelope) {
	if env.Type == TypeHeartbeat {
		var h Health
		if err := env.DecodePayload(&h); err != nil {
			c.logger.Debug("undecodable heartbeat", "error", err)
			return
		}
		c.monitor.Observe(h)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[env.RequestID]
	if ok {
		delete(c.pending, env.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping unmatched reply",
			"request_id", env.RequestID, "type", string(env.Type))
		return
	}
	ch <- callResult{env: env}
}

// teardown closes one connection and fails its pending calls. A stale
// teardown (the connection was already replaced) is a no-op.
func (c *Client) teardown(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.state != StateDraining {
		c.state = StateDisconnected
	}
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		ch <- callResult{err: fmt.Errorf("connection lost: %w", cause)}
	}
	if !errors.Is(cause, net.ErrClosed) {
		c.logger.Warn("channel disconnected", "error", cause)
	}
}

// sendCancel emits a best-effort cancel control message for an
// abandoned request.
func (c *Client) sendCancel(conn net.Conn, requestID string) {
	env, err := NewEnvelope(TypeCancel, CancelPayload{RequestID: requestID})
	if err != nil {
		return
	}
	env.AuthToken = c.config.AuthToken
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrameEnvelope(conn, env); err != nil {
		c.logger.Debug("cancel send failed", "request_id", requestID, "error", err)
	}
}

// Close drains the client: pending calls fail, the connection closes,
// and further calls are rejected.
func (c *Client) Close() error {
	c.mu.Lock()
	c.state = StateDraining
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: errors.New("channel closed")}
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

func call[T any](ctx context.Context, c *Client, t MessageType, payload any) (*T, error) {
	raw, err := c.Call(ctx, t, payload)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := codec.Unmarshal(raw, out); err != nil {
		return nil, NewError(CodeInvalidPayload, "", "decoding %s result: %v", t, err)
	}
	return out, nil
}

// CloudQuery forwards a sanitized prompt through the bridge.
func (c *Client) CloudQuery(ctx context.Context, payload CloudQueryPayload) (*CloudQueryResult, error) {
	return call[CloudQueryResult](ctx, c, TypeCloudQuery, payload)
}

// IngestRequest registers a document by metadata.
func (c *Client) IngestRequest(ctx context.Context, payload IngestRequestPayload) (*IngestRequestResult, error) {
	return call[IngestRequestResult](ctx, c, TypeIngestRequest, payload)
}

// IngestText sends document content for cataloging.
func (c *Client) IngestText(ctx context.Context, payload IngestTextPayload) (*IngestTextResult, error) {
	return call[IngestTextResult](ctx, c, TypeIngestText, payload)
}

// CatalogList queries the ingest catalog.
func (c *Client) CatalogList(ctx context.Context, payload CatalogListPayload) (*CatalogListResult, error) {
	return call[CatalogListResult](ctx, c, TypeCatalogList, payload)
}

// Status fetches the bridge's point-in-time snapshot.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	return call[StatusResult](ctx, c, TypeStatus, struct{}{})
}

// Cancel asks the bridge to stop an in-flight request.
func (c *Client) Cancel(ctx context.Context, requestID string) (*CancelResult, error) {
	return call[CancelResult](ctx, c, TypeCancel, CancelPayload{RequestID: requestID})
}

// Shutdown asks the bridge to drain and exit.
func (c *Client) Shutdown(ctx context.Context, reason string) (*ShutdownResult, error) {
	return call[ShutdownResult](ctx, c, TypeShutdown, ShutdownPayload{Reason: reason})
}
