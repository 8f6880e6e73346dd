// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/docket-project/docket/lib/clock"
	"github.com/docket-project/docket/lib/codec"
)

// Handler processes one decoded request envelope. The returned value
// becomes the response payload; a non-nil *Error becomes an error
// reply instead. The context is canceled when the peer cancels the
// request or the connection drops.
type Handler interface {
	Handle(ctx context.Context, env *Envelope) (any, *Error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *Envelope) (any, *Error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, env *Envelope) (any, *Error) {
	return f(ctx, env)
}

// ServerConfig configures the bridge side of the channel.
type ServerConfig struct {
	// ServerName is reported to clients in the handshake ack.
	ServerName string

	// AuthToken is the shared channel secret, verified on the
	// handshake and on every subsequent message.
	AuthToken string

	// AllowedClients lists the peer names accepted at handshake.
	AllowedClients []string

	// ProtocolVersions lists accepted versions. Empty means
	// SupportedVersions.
	ProtocolVersions []int

	// MaxPayload bounds a single frame. Default 4 MiB.
	MaxPayload int

	// ChunkSize bounds each chunk of a split reply. Default 256 KiB,
	// clamped to half of MaxPayload.
	ChunkSize int

	// MaxMessageSize bounds a reassembled request. Default 64 MiB.
	MaxMessageSize int

	// Heartbeat configures the per-connection health emitter. A nil
	// Collect disables heartbeats.
	Heartbeat HeartbeatConfig

	// Clock drives heartbeat pacing. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// Handler processes requests.
	Handler Handler
}

func (c ServerConfig) withDefaults() ServerConfig {
	if len(c.ProtocolVersions) == 0 {
		c.ProtocolVersions = SupportedVersions
	}
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
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Server accepts channel connections and dispatches requests to a
// Handler. Each request runs in its own goroutine so control
// messages, cancels in particular, are read while work is in flight.
type Server struct {
	config ServerConfig
	logger *slog.Logger
}

// NewServer validates the configuration and builds a server.
func NewServer(config ServerConfig) (*Server, error) {
	var errs []error
	if config.ServerName == "" {
		errs = append(errs, errors.New("server name required"))
	}
	if config.AuthToken == "" {
		errs = append(errs, errors.New("auth token required"))
	}
	if len(config.AllowedClients) == 0 {
		errs = append(errs, errors.New("allowed clients required"))
	}
	if config.Handler == nil {
		errs = append(errs, errors.New("handler required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("ipc: %w", err)
	}
	config = config.withDefaults()
	return &Server{config: config, logger: config.Logger}, nil
}

// Listen binds a Unix socket for the channel, replacing a stale
// socket file from an earlier run. The socket is owner-only.
func Listen(socketPath string) (net.Listener, error) {
	if dir := filepath.Dir(socketPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating socket directory: %w", err)
		}
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}
	return listener, nil
}

// Serve accepts connections until the context is canceled or the
// listener fails.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// serverConn is one accepted connection's shared state.
type serverConn struct {
	server *Server
	conn   net.Conn
	client string

	// writeMu serializes frames from reply and heartbeat goroutines.
	writeMu sync.Mutex

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func (sc *serverConn) write(env Envelope) {
	sc.writeMu.Lock()
	err := WriteEnvelope(sc.conn, env, sc.server.config.MaxPayload, sc.server.config.ChunkSize)
	sc.writeMu.Unlock()
	if err != nil {
		sc.server.logger.Debug("reply write failed",
			"client", sc.client, "request_id", env.RequestID, "error", err)
	}
}

func (sc *serverConn) track(requestID string, cancel context.CancelFunc) {
	sc.mu.Lock()
	sc.inflight[requestID] = cancel
	sc.mu.Unlock()
}

func (sc *serverConn) untrack(requestID string) {
	sc.mu.Lock()
	delete(sc.inflight, requestID)
	sc.mu.Unlock()
}

// cancelInflight cancels one tracked request and reports whether it
// was found.
func (sc *serverConn) cancelInflight(requestID string) bool {
	sc.mu.Lock()
	cancel, ok := sc.inflight[requestID]
	sc.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	hello, err := ServerHandshake(conn, HandshakeConfig{
		ServerName:       s.config.ServerName,
		ProtocolVersions: s.config.ProtocolVersions,
		AuthToken:        s.config.AuthToken,
		AllowedClients:   s.config.AllowedClients,
		MaxPayload:       s.config.MaxPayload,
	})
	if err != nil {
		s.logger.Warn("handshake refused", "error", err)
		return
	}
	s.logger.Info("client connected",
		"client", hello.ClientName,
		"pid", hello.PID,
		"token_fingerprint", Fingerprint(s.config.AuthToken))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Unblocks the read loop when the server shuts down.
	stopClose := context.AfterFunc(connCtx, func() { conn.Close() })
	defer stopClose()

	sc := &serverConn{
		server:   s,
		conn:     conn,
		client:   hello.ClientName,
		inflight: make(map[string]context.CancelFunc),
	}

	if s.config.Heartbeat.Collect != nil {
		emitter := &heartbeatEmitter{
			config: s.config.Heartbeat,
			clock:  s.config.Clock,
			logger: s.logger,
			send: func(h Health) error {
				env, err := NewEnvelope(TypeHeartbeat, h)
				if err != nil {
					return err
				}
				sc.writeMu.Lock()
				defer sc.writeMu.Unlock()
				return WriteFrameEnvelope(conn, env)
			},
		}
		go emitter.run(connCtx)
	}

	s.readLoop(connCtx, sc)
	s.logger.Info("client disconnected", "client", hello.ClientName)
}

func (s *Server) readLoop(ctx context.Context, sc *serverConn) {
	reassembler := NewReassembler(s.config.MaxMessageSize)
	for {
		frame, err := ReadFrame(sc.conn, s.config.MaxPayload)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.logger.Debug("connection read ended", "client", sc.client, "error", err)
			}
			return
		}
		switch frame.Kind {
		case FrameEnvelope:
			var env Envelope
			if err := codec.Unmarshal(frame.Payload, &env); err != nil {
				s.logger.Warn("undecodable envelope", "client", sc.client, "error", err)
				return
			}
			if !s.serveEnvelope(ctx, sc, env) {
				return
			}
		case FrameChunk:
			var chunk ChunkFrame
			if err := codec.Unmarshal(frame.Payload, &chunk); err != nil {
				s.logger.Warn("undecodable chunk", "client", sc.client, "error", err)
				return
			}
			env, err := reassembler.Add(chunk)
			if err != nil {
				placeholder := Envelope{RequestID: chunk.RequestID}
				sc.write(placeholder.ReplyError(asError(err, chunk.RequestID)))
				continue
			}
			if env != nil {
				if !s.serveEnvelope(ctx, sc, *env) {
					return
				}
			}
		}
	}
}

func asError(err error, requestID string) *Error {
	var ipcErr *Error
	if errors.As(err, &ipcErr) {
		if ipcErr.RequestID == "" {
			ipcErr.RequestID = requestID
		}
		return ipcErr
	}
	return NewError(CodeInvalidPayload, requestID, "%v", err)
}

// serveEnvelope routes one request. Version and token are verified on
// every message, not just the handshake; a violation answers with an
// error and drops the connection. The return value reports whether
// the connection should stay open.
func (s *Server) serveEnvelope(ctx context.Context, sc *serverConn, env Envelope) bool {
	if ipcErr := s.verify(&env); ipcErr != nil {
		s.logger.Warn("message rejected",
			"client", sc.client, "code", string(ipcErr.Code), "request_id", env.RequestID)
		sc.write(env.ReplyError(ipcErr))
		return false
	}

	switch {
	case env.Type == TypeCancel:
		// Served inline: the registry lives here, and a cancel must
		// not queue behind the work it is canceling.
		var payload CancelPayload
		if err := env.DecodePayload(&payload); err != nil {
			sc.write(env.ReplyError(asError(err, env.RequestID)))
			return true
		}
		found := sc.cancelInflight(payload.RequestID)
		s.logger.Info("cancel requested",
			"client", sc.client, "target", payload.RequestID, "found", found)
		s.reply(sc, env, CancelResult{Found: found})
		return true

	case env.Type.IsRequest():
		reqCtx, cancelReq := context.WithCancel(ctx)
		sc.track(env.RequestID, cancelReq)
		go func() {
			defer cancelReq()
			defer sc.untrack(env.RequestID)
			result, ipcErr := s.config.Handler.Handle(reqCtx, &env)
			if ipcErr != nil {
				sc.write(env.ReplyError(ipcErr))
				return
			}
			s.reply(sc, env, result)
		}()
		return true

	default:
		sc.write(env.ReplyError(NewError(CodeInvalidPayload, env.RequestID,
			"type %q is not a request", env.Type)))
		return true
	}
}

func (s *Server) reply(sc *serverConn, env Envelope, result any) {
	reply, err := env.Reply(result)
	if err != nil {
		sc.write(env.ReplyError(NewError(CodeInvalidPayload, env.RequestID,
			"encoding result: %v", err)))
		return
	}
	sc.write(reply)
}

func (s *Server) verify(env *Envelope) *Error {
	if !slices.Contains(s.config.ProtocolVersions, env.ProtocolVersion) {
		return NewError(CodeVersionMismatch, env.RequestID,
			"protocol version %d not supported (want one of %v)",
			env.ProtocolVersion, s.config.ProtocolVersions)
	}
	if subtle.ConstantTimeCompare([]byte(env.AuthToken), []byte(s.config.AuthToken)) != 1 {
		return NewError(CodeUnauthorized, env.RequestID,
			"auth token mismatch (fingerprint %s)", Fingerprint(env.AuthToken))
	}
	return nil
}
