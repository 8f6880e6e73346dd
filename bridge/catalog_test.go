// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/docket-project/docket/lib/clock"
	"github.com/docket-project/docket/lib/ipc"
)

// openTestCatalog opens a fresh catalog in a temp directory on a fake
// clock so ingest timestamps are controllable.
func openTestCatalog(t *testing.T) (*Catalog, *clock.FakeClock) {
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
	return catalog, fake
}

func TestCatalogRegisterThenDeliverContent(t *testing.T) {
	catalog, _ := openTestCatalog(t)
	ctx := context.Background()
	content := "metrics doubled after the cache change"
	digest := ipc.ContentDigest([]byte(content))

	registered, err := catalog.Register(ctx, ipc.IngestRequestPayload{
		Title:       "incident notes",
		Source:      "notes/incident-42.md",
		ContentHash: digest,
		Size:        int64(len(content)),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if registered.DocumentID == "" || registered.Duplicate {
		t.Fatalf("registered = %+v, want fresh document ID", registered)
	}

	stored, err := catalog.StoreText(ctx, ipc.IngestTextPayload{
		DocumentID: registered.DocumentID,
		Text:       content,
	})
	if err != nil {
		t.Fatalf("StoreText: %v", err)
	}
	if stored.DocumentID != registered.DocumentID {
		t.Fatalf("stored under %q, registered as %q", stored.DocumentID, registered.DocumentID)
	}
	if stored.Bytes != int64(len(content)) {
		t.Fatalf("stored %d bytes, want %d", stored.Bytes, len(content))
	}

	listing, err := catalog.List(ctx, ipc.CatalogListPayload{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listing.Documents) != 1 || listing.Total != 1 {
		t.Fatalf("listing = %+v, want exactly one document", listing)
	}
	document := listing.Documents[0]
	if document.Title != "incident notes" || document.ContentHash != digest {
		t.Fatalf("document = %+v", document)
	}
	if document.Bytes != int64(len(content)) {
		t.Fatalf("document bytes = %d, want %d", document.Bytes, len(content))
	}
}

func TestCatalogRegisterDedupesByContentHash(t *testing.T) {
	catalog, _ := openTestCatalog(t)
	ctx := context.Background()
	content := "shared fixture body"

	first, err := catalog.StoreText(ctx, ipc.IngestTextPayload{Title: "original", Text: content})
	if err != nil {
		t.Fatalf("StoreText: %v", err)
	}

	registered, err := catalog.Register(ctx, ipc.IngestRequestPayload{
		Title:       "re-upload of the same file",
		ContentHash: ipc.ContentDigest([]byte(content)),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !registered.Duplicate {
		t.Fatal("expected duplicate registration")
	}
	if registered.DocumentID != first.DocumentID {
		t.Fatalf("duplicate points at %q, want %q", registered.DocumentID, first.DocumentID)
	}

	count, err := catalog.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestCatalogOneShotIngestDedupes(t *testing.T) {
	catalog, _ := openTestCatalog(t)
	ctx := context.Background()

	first, err := catalog.StoreText(ctx, ipc.IngestTextPayload{Title: "readme", Text: "install with make"})
	if err != nil {
		t.Fatalf("StoreText: %v", err)
	}
	second, err := catalog.StoreText(ctx, ipc.IngestTextPayload{Title: "readme copy", Text: "install with make"})
	if err != nil {
		t.Fatalf("StoreText again: %v", err)
	}
	if second.DocumentID != first.DocumentID {
		t.Fatalf("identical content stored twice: %q and %q", first.DocumentID, second.DocumentID)
	}

	count, err := catalog.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestCatalogRejectsContentNotMatchingDeclaredHash(t *testing.T) {
	catalog, _ := openTestCatalog(t)
	ctx := context.Background()

	registered, err := catalog.Register(ctx, ipc.IngestRequestPayload{
		Title:       "pinned document",
		ContentHash: ipc.ContentDigest([]byte("the content that was promised")),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = catalog.StoreText(ctx, ipc.IngestTextPayload{
		DocumentID: registered.DocumentID,
		Text:       "something else entirely",
	})
	if ipc.CodeOf(err) != ipc.CodeInvalidPayload {
		t.Fatalf("mismatched content error = %v, want invalid_payload", err)
	}

	// The registration stays pending; the bad content was not stored.
	sweep, err := catalog.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if sweep.Pending != 1 || sweep.Documents != 0 {
		t.Fatalf("sweep = %+v, want one pending registration", sweep)
	}
}

func TestCatalogStoreTextValidation(t *testing.T) {
	catalog, _ := openTestCatalog(t)
	ctx := context.Background()

	_, err := catalog.StoreText(ctx, ipc.IngestTextPayload{DocumentID: "no-such-id", Text: "body"})
	if ipc.CodeOf(err) != ipc.CodeInvalidPayload {
		t.Fatalf("unknown id error = %v, want invalid_payload", err)
	}
	if !strings.Contains(err.Error(), "unknown document id") {
		t.Fatalf("error = %v, want unknown document id", err)
	}

	_, err = catalog.StoreText(ctx, ipc.IngestTextPayload{Title: "empty"})
	if ipc.CodeOf(err) != ipc.CodeInvalidPayload {
		t.Fatalf("empty content error = %v, want invalid_payload", err)
	}

	_, err = catalog.StoreText(ctx, ipc.IngestTextPayload{Text: "orphan content"})
	if ipc.CodeOf(err) != ipc.CodeInvalidPayload {
		t.Fatalf("missing title error = %v, want invalid_payload", err)
	}

	_, err = catalog.Register(ctx, ipc.IngestRequestPayload{Title: "   "})
	if ipc.CodeOf(err) != ipc.CodeInvalidPayload {
		t.Fatalf("blank title error = %v, want invalid_payload", err)
	}
}

func TestCatalogListAndRankedSearch(t *testing.T) {
	catalog, fake := openTestCatalog(t)
	ctx := context.Background()

	ingest := func(title, source, text string) {
		t.Helper()
		if _, err := catalog.StoreText(ctx, ipc.IngestTextPayload{Title: title, Source: source, Text: text}); err != nil {
			t.Fatalf("StoreText %q: %v", title, err)
		}
		fake.Advance(time.Second)
	}
	ingest("api reference", "https://docs.example/api", "endpoints and verbs")
	ingest("deploy runbook", "runbooks/deploy.md", "how to roll back")
	ingest("retro notes", "notes/retro.md", "what went wrong")

	everything, err := catalog.List(ctx, ipc.CatalogListPayload{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if everything.Total != 3 || len(everything.Documents) != 3 {
		t.Fatalf("listing = %+v, want 3 documents", everything)
	}
	if everything.Documents[0].Title != "retro notes" {
		t.Fatalf("newest first, got %q", everything.Documents[0].Title)
	}

	byTitle, err := catalog.List(ctx, ipc.CatalogListPayload{Query: "runbook"})
	if err != nil {
		t.Fatalf("List by title: %v", err)
	}
	if len(byTitle.Documents) != 1 || byTitle.Documents[0].Title != "deploy runbook" {
		t.Fatalf("title filter = %+v", byTitle)
	}

	bySource, err := catalog.List(ctx, ipc.CatalogListPayload{Query: "docs.example"})
	if err != nil {
		t.Fatalf("List by source: %v", err)
	}
	if len(bySource.Documents) != 1 || bySource.Documents[0].Title != "api reference" {
		t.Fatalf("source filter = %+v", bySource)
	}

	limited, err := catalog.List(ctx, ipc.CatalogListPayload{Limit: 2})
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited.Documents) != 2 {
		t.Fatalf("limit ignored, got %d documents", len(limited.Documents))
	}
	if limited.Total != 3 {
		t.Fatalf("total = %d, want pre-limit count 3", limited.Total)
	}

	// A term in a title must outrank the same term in body text.
	ingest("misc scratchpad", "notes/scratch.md", "mentions the deploy runbook in passing")

	ranked, err := catalog.List(ctx, ipc.CatalogListPayload{Query: "runbook"})
	if err != nil {
		t.Fatalf("List ranked: %v", err)
	}
	if ranked.Total != 2 || len(ranked.Documents) != 2 {
		t.Fatalf("ranked results = %+v, want 2 matches", ranked)
	}
	if ranked.Documents[0].Title != "deploy runbook" {
		t.Fatalf("title match should rank first, got %q", ranked.Documents[0].Title)
	}

	if none, err := catalog.List(ctx, ipc.CatalogListPayload{Query: "zeppelin"}); err != nil || none.Total != 0 {
		t.Fatalf("no-match query = %+v, %v", none, err)
	}
}

func TestCatalogSweepDetectsCorruption(t *testing.T) {
	catalog, _ := openTestCatalog(t)
	ctx := context.Background()

	stored, err := catalog.StoreText(ctx, ipc.IngestTextPayload{Title: "intact", Text: "original content"})
	if err != nil {
		t.Fatalf("StoreText: %v", err)
	}
	if _, err := catalog.Register(ctx, ipc.IngestRequestPayload{Title: "still pending"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sweep, err := catalog.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if sweep.Documents != 1 || sweep.Pending != 1 || len(sweep.Corrupt) != 0 {
		t.Fatalf("clean sweep = %+v", sweep)
	}

	// Flip the stored bytes underneath the recorded digest.
	conn, err := catalog.pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	err = sqlitex.Execute(conn,
		"UPDATE catalog_documents SET content = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{[]byte("tampered content"), stored.DocumentID}})
	catalog.pool.Put(conn)
	if err != nil {
		t.Fatalf("tampering with content: %v", err)
	}

	sweep, err = catalog.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep after tamper: %v", err)
	}
	if len(sweep.Corrupt) != 1 || sweep.Corrupt[0] != stored.DocumentID {
		t.Fatalf("sweep = %+v, want %q flagged corrupt", sweep, stored.DocumentID)
	}
}
