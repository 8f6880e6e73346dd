// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docket-project/docket/lib/clock"
	"github.com/docket-project/docket/lib/ipc"
	"github.com/docket-project/docket/lib/ledger"
	"github.com/docket-project/docket/lib/risk"
	"github.com/docket-project/docket/lib/testutil"
)

type routerHarness struct {
	router    *Router
	catalog   *Catalog
	ledger    *ledger.Ledger
	clock     *clock.FakeClock
	shutdowns chan string
}

// newRouterHarness wires a router over a fresh catalog and bridge
// ledger on a shared fake clock. mutate may adjust the config, the
// forwarder in particular.
func newRouterHarness(t *testing.T, mutate func(*RouterConfig)) *routerHarness {
	t.Helper()
	fake := clock.Fake(time.Unix(1_700_000_000, 0))

	catalog, err := OpenCatalog(CatalogConfig{
		Path:  filepath.Join(t.TempDir(), "catalog.db"),
		Clock: fake,
	})
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })

	auditLedger, err := ledger.Open(ledger.Config{
		Path:  filepath.Join(t.TempDir(), "bridge-ledger.db"),
		Clock: fake,
	})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { auditLedger.Close() })

	shutdowns := make(chan string, 1)
	cfg := RouterConfig{
		ServerName: "test-bridge",
		Forwarder:  NewForwarder(ForwarderConfig{Clock: fake}),
		Catalog:    catalog,
		Ledger:     auditLedger,
		Shutdown:   func(reason string) { shutdowns <- reason },
		Clock:      fake,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	router, err := NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return &routerHarness{
		router:    router,
		catalog:   catalog,
		ledger:    auditLedger,
		clock:     fake,
		shutdowns: shutdowns,
	}
}

// request builds a typed envelope the way the agent-side client does.
func request(t *testing.T, msgType ipc.MessageType, payload any) *ipc.Envelope {
	t.Helper()
	env, err := ipc.NewEnvelope(msgType, payload)
	if err != nil {
		t.Fatalf("NewEnvelope(%s): %v", msgType, err)
	}
	return &env
}

// auditEntries returns the bridge ledger entries for one request.
func (h *routerHarness) auditEntries(t *testing.T, requestID string) []ledger.Entry {
	t.Helper()
	entries, err := h.ledger.Query(context.Background(), ledger.Filter{RequestID: requestID})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	return entries
}

func TestNewRouterValidation(t *testing.T) {
	if _, err := NewRouter(RouterConfig{Catalog: &Catalog{}}); err == nil {
		t.Fatal("NewRouter accepted a nil forwarder")
	}
	if _, err := NewRouter(RouterConfig{Forwarder: NewForwarder(ForwarderConfig{})}); err == nil {
		t.Fatal("NewRouter accepted a nil catalog")
	}
}

func TestRouterIngestFlowWithAudit(t *testing.T) {
	h := newRouterHarness(t, nil)
	ctx := context.Background()
	content := "release checklist: tag, build, announce"

	registerEnv := request(t, ipc.TypeIngestRequest, ipc.IngestRequestPayload{
		Title:       "release checklist",
		ContentHash: ipc.ContentDigest([]byte(content)),
	})
	registerResult, ipcErr := h.router.Handle(ctx, registerEnv)
	if ipcErr != nil {
		t.Fatalf("ingest_request: %v", ipcErr)
	}
	registered, ok := registerResult.(ipc.IngestRequestResult)
	if !ok || registered.DocumentID == "" {
		t.Fatalf("ingest_request result = %#v", registerResult)
	}

	textEnv := request(t, ipc.TypeIngestText, ipc.IngestTextPayload{
		DocumentID: registered.DocumentID,
		Text:       content,
	})
	textResult, ipcErr := h.router.Handle(ctx, textEnv)
	if ipcErr != nil {
		t.Fatalf("ingest_text: %v", ipcErr)
	}
	stored := textResult.(ipc.IngestTextResult)
	if stored.Bytes != int64(len(content)) {
		t.Fatalf("stored bytes = %d, want %d", stored.Bytes, len(content))
	}

	listEnv := request(t, ipc.TypeCatalogList, ipc.CatalogListPayload{})
	listResult, ipcErr := h.router.Handle(ctx, listEnv)
	if ipcErr != nil {
		t.Fatalf("catalog_list: %v", ipcErr)
	}
	listing := listResult.(ipc.CatalogListResult)
	if listing.Total != 1 || len(listing.Documents) != 1 {
		t.Fatalf("listing = %+v", listing)
	}

	// Mutations are audited; the read-only listing is not.
	for _, env := range []*ipc.Envelope{registerEnv, textEnv} {
		entries := h.auditEntries(t, env.RequestID)
		if len(entries) != 1 {
			t.Fatalf("%s: %d audit entries, want 1", env.Type, len(entries))
		}
		entry := entries[0]
		if entry.Actor != ledger.ActorIPC || entry.Command != "ipc:"+string(env.Type) {
			t.Fatalf("audit entry = %+v", entry)
		}
		if entry.Risk != risk.Low || entry.Decision != ledger.DecisionAllowed {
			t.Fatalf("audit entry = %+v", entry)
		}
		if entry.ExitCode == nil || *entry.ExitCode != 0 {
			t.Fatalf("audit exit = %v, want 0", entry.ExitCode)
		}
	}
	if entries := h.auditEntries(t, listEnv.RequestID); len(entries) != 0 {
		t.Fatalf("catalog_list was audited: %+v", entries)
	}
}

func TestRouterCloudQueryAuditedAtMediumRisk(t *testing.T) {
	endpoint := newChatEndpoint(t, answerWith("forwarded fine"))
	h := newRouterHarness(t, func(cfg *RouterConfig) {
		cfg.Forwarder = newTestForwarder(endpoint.server.URL, nil)
	})

	env := request(t, ipc.TypeCloudQuery, ipc.CloudQueryPayload{Prompt: "what changed upstream"})
	result, ipcErr := h.router.Handle(context.Background(), env)
	if ipcErr != nil {
		t.Fatalf("cloud_query: %v", ipcErr)
	}
	if answer := result.(ipc.CloudQueryResult); answer.Text != "forwarded fine" {
		t.Fatalf("answer = %+v", answer)
	}

	entries := h.auditEntries(t, env.RequestID)
	if len(entries) != 1 {
		t.Fatalf("%d audit entries, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Command != "ipc:cloud_query" || entry.Risk != risk.Medium {
		t.Fatalf("audit entry = %+v", entry)
	}
	if entry.Decision != ledger.DecisionAllowed || entry.ExitCode == nil {
		t.Fatalf("audit entry = %+v", entry)
	}
}

func TestRouterBlockedQueryAuditedAsPolicyDenial(t *testing.T) {
	h := newRouterHarness(t, func(cfg *RouterConfig) {
		cfg.Forwarder = NewForwarder(ForwarderConfig{LocalOnly: true})
	})

	env := request(t, ipc.TypeCloudQuery, ipc.CloudQueryPayload{Prompt: "anything at all"})
	_, ipcErr := h.router.Handle(context.Background(), env)
	if ipcErr == nil || ipcErr.Code != ipc.CodeSanitizeBlock {
		t.Fatalf("err = %v, want sanitize_block", ipcErr)
	}
	if ipcErr.RequestID != env.RequestID {
		t.Fatalf("error request ID = %q, want %q", ipcErr.RequestID, env.RequestID)
	}

	entries := h.auditEntries(t, env.RequestID)
	if len(entries) != 1 {
		t.Fatalf("%d audit entries, want 1", len(entries))
	}
	entry := entries[0]
	if entry.ErrorCode != string(ipc.CodeSanitizeBlock) {
		t.Fatalf("audit error code = %q", entry.ErrorCode)
	}
	if entry.Decision != ledger.DecisionDeniedByPolicy {
		t.Fatalf("audit decision = %q, want denied_by_policy", entry.Decision)
	}
	if entry.ExitCode != nil {
		t.Fatalf("blocked query has exit code %d", *entry.ExitCode)
	}
}

func TestRouterStatusSnapshot(t *testing.T) {
	h := newRouterHarness(t, nil)
	ctx := context.Background()

	if _, err := h.catalog.StoreText(ctx, ipc.IngestTextPayload{Title: "seed", Text: "seed content"}); err != nil {
		t.Fatalf("seeding catalog: %v", err)
	}
	h.clock.Advance(5 * time.Second)

	result, ipcErr := h.router.Handle(ctx, request(t, ipc.TypeStatus, nil))
	if ipcErr != nil {
		t.Fatalf("status: %v", ipcErr)
	}
	status := result.(ipc.StatusResult)
	if status.ServerName != "test-bridge" {
		t.Fatalf("server name = %q", status.ServerName)
	}
	if status.UptimeMillis != 5000 {
		t.Fatalf("uptime = %d, want 5000", status.UptimeMillis)
	}
	if status.CatalogDocuments != 1 {
		t.Fatalf("catalog documents = %d, want 1", status.CatalogDocuments)
	}
	if status.BreakerState != "closed" {
		t.Fatalf("breaker state = %q", status.BreakerState)
	}
	// The snapshot itself was the first request, so it saw no
	// previously served request.
	if status.Health.LastRequestAgeMillis != -1 {
		t.Fatalf("last request age = %d, want -1", status.Health.LastRequestAgeMillis)
	}

	// Read-only snapshots never reach the audit ledger.
	if entries := h.auditEntries(t, ""); len(entries) != 0 {
		t.Fatalf("status was audited: %+v", entries)
	}
}

func TestRouterHealthTracksServedRequests(t *testing.T) {
	h := newRouterHarness(t, func(cfg *RouterConfig) {
		cfg.Forwarder = NewForwarder(ForwarderConfig{LocalOnly: true})
	})
	ctx := context.Background()

	health := h.router.Health()
	if health.QueueLength != 0 || health.LastError != "" || health.LastRequestAgeMillis != -1 {
		t.Fatalf("fresh health = %+v", health)
	}

	if _, ipcErr := h.router.Handle(ctx, request(t, ipc.TypeCloudQuery, ipc.CloudQueryPayload{Prompt: "x"})); ipcErr == nil {
		t.Fatal("local-only query succeeded")
	}
	health = h.router.Health()
	if !strings.Contains(health.LastError, string(ipc.CodeSanitizeBlock)) {
		t.Fatalf("last error = %q, want the taxonomy code", health.LastError)
	}

	h.clock.Advance(3 * time.Second)
	health = h.router.Health()
	if health.LastRequestAgeMillis != 3000 {
		t.Fatalf("last request age = %d, want 3000", health.LastRequestAgeMillis)
	}

	if _, ipcErr := h.router.Handle(ctx, request(t, ipc.TypeCatalogList, ipc.CatalogListPayload{})); ipcErr != nil {
		t.Fatalf("catalog_list: %v", ipcErr)
	}
	if health = h.router.Health(); health.LastError != "" {
		t.Fatalf("last error = %q after a successful request", health.LastError)
	}
}

func TestRouterShutdownAcknowledgesThenInvokesCallback(t *testing.T) {
	h := newRouterHarness(t, nil)

	env := request(t, ipc.TypeShutdown, ipc.ShutdownPayload{Reason: "maintenance window"})
	result, ipcErr := h.router.Handle(context.Background(), env)
	if ipcErr != nil {
		t.Fatalf("shutdown: %v", ipcErr)
	}
	if ack := result.(ipc.ShutdownResult); !ack.Stopping {
		t.Fatalf("ack = %+v, want Stopping", ack)
	}

	reason := testutil.RequireReceive(t, h.shutdowns, 5*time.Second, "waiting for shutdown callback")
	if reason != "maintenance window" {
		t.Fatalf("reason = %q", reason)
	}

	entries := h.auditEntries(t, env.RequestID)
	if len(entries) != 1 || entries[0].Command != "ipc:shutdown" {
		t.Fatalf("shutdown audit = %+v", entries)
	}
}

func TestRouterShutdownDisabled(t *testing.T) {
	h := newRouterHarness(t, func(cfg *RouterConfig) {
		cfg.Shutdown = nil
	})

	env := request(t, ipc.TypeShutdown, ipc.ShutdownPayload{Reason: "nope"})
	_, ipcErr := h.router.Handle(context.Background(), env)
	if ipcErr == nil || ipcErr.Code != ipc.CodePolicyDenied {
		t.Fatalf("err = %v, want policy_denied", ipcErr)
	}
	if !strings.Contains(ipcErr.Message, "not enabled") {
		t.Fatalf("err = %v", ipcErr)
	}
	if entries := h.auditEntries(t, env.RequestID); len(entries) != 0 {
		t.Fatalf("rejected shutdown was audited: %+v", entries)
	}
}

func TestRouterUnknownTypeRejected(t *testing.T) {
	h := newRouterHarness(t, nil)

	env := request(t, ipc.MessageType("telemetry_dump"), nil)
	_, ipcErr := h.router.Handle(context.Background(), env)
	if ipcErr == nil || ipcErr.Code != ipc.CodeInvalidPayload {
		t.Fatalf("err = %v, want invalid_payload", ipcErr)
	}
	if !strings.Contains(ipcErr.Message, "no handler") {
		t.Fatalf("err = %v", ipcErr)
	}
}
