// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docket-project/docket/lib/codec"
	"github.com/docket-project/docket/lib/testutil"
)

// testHandler is a scriptable bridge-side handler. Cloud queries can
// be made to block on a channel so cancellation and timeout paths are
// reachable.
type testHandler struct {
	mu         sync.Mutex
	requestIDs []string

	blockQueries chan struct{}
	queryStarted chan struct{}
	sawCancel    chan struct{}
}

func newTestHandler() *testHandler {
	return &testHandler{
		queryStarted: make(chan struct{}, 16),
		sawCancel:    make(chan struct{}, 16),
	}
}

func (h *testHandler) record(env *Envelope) {
	h.mu.Lock()
	h.requestIDs = append(h.requestIDs, env.RequestID)
	h.mu.Unlock()
}

func (h *testHandler) Handle(ctx context.Context, env *Envelope) (any, *Error) {
	h.record(env)
	switch env.Type {
	case TypeCloudQuery:
		var q CloudQueryPayload
		if err := env.DecodePayload(&q); err != nil {
			return nil, asError(err, env.RequestID)
		}
		if h.blockQueries != nil {
			h.queryStarted <- struct{}{}
			select {
			case <-h.blockQueries:
			case <-ctx.Done():
				h.sawCancel <- struct{}{}
				return nil, NewError(CodeCanceled, env.RequestID, "query canceled")
			}
		}
		return CloudQueryResult{Text: "answer to " + q.Prompt, Model: "stub-model"}, nil

	case TypeIngestText:
		var p IngestTextPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, asError(err, env.RequestID)
		}
		return IngestTextResult{DocumentID: p.DocumentID, Bytes: int64(len(p.Text))}, nil

	case TypeCatalogList:
		return nil, NewError(CodePolicyDenied, env.RequestID, "catalog disabled in this configuration")

	case TypeStatus:
		return StatusResult{ServerName: "docket-bridge"}, nil
	}
	return nil, NewError(CodeInvalidPayload, env.RequestID, "unhandled type %q", env.Type)
}

func startTestServer(t *testing.T, handler Handler, mutate func(*ServerConfig)) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "bridge.sock")
	startTestServerAt(t, socketPath, handler, mutate)
	return socketPath
}

func startTestServerAt(t *testing.T, socketPath string, handler Handler, mutate func(*ServerConfig)) {
	t.Helper()
	config := ServerConfig{
		ServerName:     "docket-bridge",
		AuthToken:      "secret",
		AllowedClients: []string{"docket-agent"},
		Handler:        handler,
	}
	if mutate != nil {
		mutate(&config)
	}
	server, err := NewServer(config)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	listener, err := Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		if err := server.Serve(ctx, listener); err != nil {
			t.Errorf("Serve: %v", err)
		}
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "server exit")
	})
}

func newTestClient(t *testing.T, socketPath string, mutate func(*ClientConfig)) *Client {
	t.Helper()
	config := ClientConfig{
		SocketPath:  socketPath,
		ClientName:  "docket-agent",
		AuthToken:   "secret",
		CallTimeout: 5 * time.Second,
		MaxAttempts: 1,
		BackoffBase: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&config)
	}
	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClientServerRoundTrip(t *testing.T) {
	socketPath := startTestServer(t, newTestHandler(), nil)
	client := newTestClient(t, socketPath, nil)
	ctx := context.Background()

	result, err := client.CloudQuery(ctx, CloudQueryPayload{Prompt: "what is a monad"})
	if err != nil {
		t.Fatalf("CloudQuery: %v", err)
	}
	if result.Text != "answer to what is a monad" {
		t.Errorf("text = %q", result.Text)
	}
	if got := client.State(); got != StateReady {
		t.Errorf("state after call = %v, want ready", got)
	}

	// Second call rides the same connection.
	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.ServerName != "docket-bridge" {
		t.Errorf("server name = %q", status.ServerName)
	}
}

func TestClientServerErrorTaxonomy(t *testing.T) {
	socketPath := startTestServer(t, newTestHandler(), nil)
	client := newTestClient(t, socketPath, nil)

	_, err := client.CatalogList(context.Background(), CatalogListPayload{Query: "anything"})
	if !IsCode(err, CodePolicyDenied) {
		t.Fatalf("CatalogList error = %v, want %s", err, CodePolicyDenied)
	}
	var ipcErr *Error
	if !errors.As(err, &ipcErr) {
		t.Fatalf("error %T does not unwrap to *Error", err)
	}
	if ipcErr.RequestID == "" {
		t.Error("error reply lost its request_id")
	}

	// The channel delivered the answer, so the breaker saw a success.
	if snap := client.BreakerSnapshot(); snap.State != BreakerClosed || snap.ConsecutiveFailures != 0 {
		t.Errorf("breaker after application error = %+v", snap)
	}
}

func TestClientReconnectsAfterServerRestart(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "bridge.sock")
	handler := newTestHandler()

	config := ServerConfig{
		ServerName:     "docket-bridge",
		AuthToken:      "secret",
		AllowedClients: []string{"docket-agent"},
		Handler:        handler,
	}
	server, err := NewServer(config)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	listener, err := Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx1, cancel1 := context.WithCancel(context.Background())
	done1 := make(chan struct{})
	go func() {
		server.Serve(ctx1, listener)
		close(done1)
	}()

	client := newTestClient(t, socketPath, func(c *ClientConfig) {
		c.MaxAttempts = 3
	})
	if _, err := client.Status(context.Background()); err != nil {
		t.Fatalf("Status before restart: %v", err)
	}

	cancel1()
	testutil.RequireClosed(t, done1, 5*time.Second, "first server exit")

	// Same socket path, new server process.
	startTestServerAt(t, socketPath, handler, nil)

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status after restart: %v", err)
	}
	if status.ServerName != "docket-bridge" {
		t.Errorf("server name = %q", status.ServerName)
	}
	if got := client.State(); got != StateReady {
		t.Errorf("state after reconnect = %v, want ready", got)
	}
}

func TestCallTimeoutLeavesChannelUsable(t *testing.T) {
	handler := newTestHandler()
	handler.blockQueries = make(chan struct{})
	socketPath := startTestServer(t, handler, nil)
	client := newTestClient(t, socketPath, func(c *ClientConfig) {
		c.CallTimeout = 200 * time.Millisecond
	})

	_, err := client.CloudQuery(context.Background(), CloudQueryPayload{Prompt: "slow"})
	if !IsCode(err, CodeTimeout) {
		t.Fatalf("CloudQuery error = %v, want %s", err, CodeTimeout)
	}

	// Unblock the stalled handler; its late reply no longer matches
	// any pending call and is dropped, not delivered to the next one.
	close(handler.blockQueries)
	handler.blockQueries = nil

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status after timeout: %v", err)
	}
	if status.ServerName != "docket-bridge" {
		t.Errorf("server name = %q", status.ServerName)
	}
}

func TestCancelPropagatesToHandler(t *testing.T) {
	handler := newTestHandler()
	handler.blockQueries = make(chan struct{})
	socketPath := startTestServer(t, handler, nil)
	client := newTestClient(t, socketPath, nil)

	callCtx, cancelCall := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := client.CloudQuery(callCtx, CloudQueryPayload{Prompt: "doomed"})
		errs <- err
	}()

	testutil.RequireReceive(t, handler.queryStarted, 5*time.Second, "query reached the handler")
	cancelCall()

	err := testutil.RequireReceive(t, errs, 5*time.Second, "call return")
	if !IsCode(err, CodeCanceled) {
		t.Fatalf("CloudQuery error = %v, want %s", err, CodeCanceled)
	}
	// The fire-and-forget cancel message reached the bridge and tore
	// down the handler's context.
	testutil.RequireReceive(t, handler.sawCancel, 5*time.Second, "handler context canceled")
}

func TestCancelUnknownRequest(t *testing.T) {
	socketPath := startTestServer(t, newTestHandler(), nil)
	client := newTestClient(t, socketPath, nil)

	result, err := client.Cancel(context.Background(), "no-such-request")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if result.Found {
		t.Error("cancel of unknown request reported found")
	}
}

func TestBreakerOpensWhileBridgeDown(t *testing.T) {
	// No server listens on this path.
	socketPath := filepath.Join(testutil.SocketDir(t), "nobody-home.sock")
	client := newTestClient(t, socketPath, func(c *ClientConfig) {
		c.Breaker = BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := client.Status(ctx); err == nil {
			t.Fatalf("call %d succeeded with no server", i+1)
		}
	}
	if snap := client.BreakerSnapshot(); snap.State != BreakerOpen {
		t.Fatalf("breaker = %+v, want open", snap)
	}

	_, err := client.Status(ctx)
	if !IsCode(err, CodeCircuitOpen) {
		t.Fatalf("call while open = %v, want %s", err, CodeCircuitOpen)
	}
}

func TestChunkedPayloadsBothDirections(t *testing.T) {
	shrink := func(maxPayload, chunkSize int) (func(*ServerConfig), func(*ClientConfig)) {
		return func(c *ServerConfig) {
				c.MaxPayload = maxPayload
				c.ChunkSize = chunkSize
			}, func(c *ClientConfig) {
				c.MaxPayload = maxPayload
				c.ChunkSize = chunkSize
			}
	}
	serverMutate, clientMutate := shrink(16*1024, 4*1024)
	socketPath := startTestServer(t, newTestHandler(), serverMutate)
	client := newTestClient(t, socketPath, clientMutate)
	ctx := context.Background()

	// Request far above the frame cap rides the chunk format out.
	text := strings.Repeat("all work and no play makes docket a dull bridge ", 2500)
	result, err := client.IngestText(ctx, IngestTextPayload{DocumentID: "doc-9", Title: "novel", Text: text})
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if result.Bytes != int64(len(text)) {
		t.Errorf("bytes = %d, want %d", result.Bytes, len(text))
	}

	// And a response above the cap rides it back.
	big, err := client.CloudQuery(ctx, CloudQueryPayload{Prompt: strings.Repeat("expound ", 20_000)})
	if err != nil {
		t.Fatalf("CloudQuery: %v", err)
	}
	if want := len("answer to ") + len("expound ")*20_000; len(big.Text) != want {
		t.Errorf("reply text length = %d, want %d", len(big.Text), want)
	}
}

func TestHeartbeatReachesMonitor(t *testing.T) {
	socketPath := startTestServer(t, newTestHandler(), func(c *ServerConfig) {
		c.Heartbeat = HeartbeatConfig{
			Interval:   20 * time.Millisecond,
			MaxSilence: time.Hour,
			Collect: func() Health {
				return Health{QueueLength: 7}
			},
		}
	})
	client := newTestClient(t, socketPath, nil)

	// Heartbeats only flow on an established connection.
	if _, err := client.Status(context.Background()); err != nil {
		t.Fatalf("Status: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if h, _, seen := client.Health(); seen {
			if h.QueueLength != 7 {
				t.Fatalf("queue_length = %d, want 7", h.QueueLength)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no heartbeat observed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if client.HealthStale() {
		t.Error("monitor stale right after a heartbeat")
	}
}

func TestServerRejectsTamperedToken(t *testing.T) {
	socketPath := startTestServer(t, newTestHandler(), nil)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := ClientHandshake(conn, "docket-agent", "secret", DefaultMaxPayload); err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}

	// Post-handshake message with a swapped token: authentication is
	// per message, not per connection.
	env, err := NewEnvelope(TypeStatus, struct{}{})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	env.AuthToken = "stolen-session-different-token"
	if err := WriteFrameEnvelope(conn, env); err != nil {
		t.Fatalf("writing tampered message: %v", err)
	}

	frame, err := ReadFrame(conn, DefaultMaxPayload)
	if err != nil {
		t.Fatalf("reading rejection: %v", err)
	}
	var reply Envelope
	if err := codec.Unmarshal(frame.Payload, &reply); err != nil {
		t.Fatalf("decoding rejection: %v", err)
	}
	ipcErr := reply.PayloadError()
	if ipcErr == nil || ipcErr.Code != CodeUnauthorized {
		t.Fatalf("rejection = %v, want %s", ipcErr, CodeUnauthorized)
	}
	if strings.Contains(ipcErr.Message, "stolen-session-different-token") {
		t.Error("tampered token leaked into the error message")
	}

	// The violation also drops the connection.
	if _, err := ReadFrame(conn, DefaultMaxPayload); err == nil {
		t.Error("connection stayed open after an unauthorized message")
	}
}

// scriptedServer mimics a bridge that swallows the first request and
// answers the second, so retry behavior is observable per attempt.
func scriptedServer(conn net.Conn, ids chan<- string) {
	defer conn.Close()
	_, err := ServerHandshake(conn, HandshakeConfig{
		ServerName:     "scripted",
		AuthToken:      "secret",
		AllowedClients: []string{"docket-agent"},
		MaxPayload:     DefaultMaxPayload,
	})
	if err != nil {
		return
	}
	count := 0
	for {
		frame, err := ReadFrame(conn, DefaultMaxPayload)
		if err != nil {
			return
		}
		var env Envelope
		if codec.Unmarshal(frame.Payload, &env) != nil {
			return
		}
		ids <- env.RequestID
		count++
		if count == 1 {
			// Swallow it: the client must time out and retry.
			continue
		}
		reply, err := env.Reply(StatusResult{ServerName: "scripted"})
		if err != nil {
			return
		}
		if WriteFrameEnvelope(conn, reply) != nil {
			return
		}
	}
}

func TestRetryUsesFreshRequestID(t *testing.T) {
	ids := make(chan string, 4)
	client, err := NewClient(ClientConfig{
		ClientName:  "docket-agent",
		AuthToken:   "secret",
		CallTimeout: 200 * time.Millisecond,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		Dial: func(ctx context.Context) (net.Conn, error) {
			clientEnd, serverEnd := net.Pipe()
			go scriptedServer(serverEnd, ids)
			return clientEnd, nil
		},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.ServerName != "scripted" {
		t.Errorf("server name = %q", status.ServerName)
	}

	first := testutil.RequireReceive(t, ids, 5*time.Second, "first attempt id")
	second := testutil.RequireReceive(t, ids, 5*time.Second, "second attempt id")
	if first == second {
		t.Error("retry reused the request id")
	}
	if first == "" || second == "" {
		t.Error("empty request id on the wire")
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "stale.sock")
	if err := os.WriteFile(socketPath, nil, 0o600); err != nil {
		t.Fatalf("planting stale file: %v", err)
	}

	listener, err := Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	defer listener.Close()

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket permissions = %o, want 600", perm)
	}
}
