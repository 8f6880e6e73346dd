// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/docket-project/docket/lib/bm25"
	"github.com/docket-project/docket/lib/clock"
	"github.com/docket-project/docket/lib/ipc"
	"github.com/docket-project/docket/lib/sqlitepool"
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS catalog_documents (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	source       TEXT NOT NULL DEFAULT '',
	media_type   TEXT NOT NULL DEFAULT '',
	content      BLOB,
	content_hash TEXT NOT NULL DEFAULT '',
	bytes        INTEGER NOT NULL DEFAULT 0,
	ingested_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_catalog_hash ON catalog_documents(content_hash);
CREATE INDEX IF NOT EXISTS idx_catalog_ingested ON catalog_documents(ingested_at);
`

// CatalogConfig carries what the ingest catalog needs. Path is
// required.
type CatalogConfig struct {
	// Path is the SQLite database file.
	Path string

	// PoolSize bounds concurrent readers. Defaults to 4.
	PoolSize int

	// MaxListLimit caps one catalog_list response. Defaults to 500;
	// the per-request default when the client sends no limit is 50.
	MaxListLimit int

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c CatalogConfig) withDefaults() CatalogConfig {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.MaxListLimit <= 0 {
		c.MaxListLimit = 500
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Catalog is the bridge's ingest store. A document enters either in
// two phases (register metadata, then deliver content) or in one shot
// with inline content. Content is deduplicated by BLAKE3 digest, so
// re-ingesting an unchanged document points at the existing entry
// instead of storing a second copy.
type Catalog struct {
	config CatalogConfig
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	// mu serializes writes so the dedupe lookup and the insert it
	// guards stay atomic.
	mu sync.Mutex
}

// OpenCatalog opens or creates the catalog database.
func OpenCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Path == "" {
		return nil, errors.New("bridge: catalog Path is required")
	}
	cfg = cfg.withDefaults()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, catalogSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: open catalog: %w", err)
	}
	return &Catalog{
		config: cfg,
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Close releases the database pool.
func (c *Catalog) Close() error {
	return c.pool.Close()
}

// Register records document metadata ahead of content delivery. When
// the payload carries a content hash that matches an existing
// document, the existing ID is returned and nothing is inserted.
func (c *Catalog) Register(ctx context.Context, payload ipc.IngestRequestPayload) (ipc.IngestRequestResult, error) {
	if strings.TrimSpace(payload.Title) == "" {
		return ipc.IngestRequestResult{}, ipc.NewError(ipc.CodeInvalidPayload, "", "ingest_request requires a title")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return ipc.IngestRequestResult{}, fmt.Errorf("bridge: catalog register: %w", err)
	}
	defer c.pool.Put(conn)

	if payload.ContentHash != "" {
		if id, found, err := findByHash(conn, payload.ContentHash); err != nil {
			return ipc.IngestRequestResult{}, fmt.Errorf("bridge: catalog register: %w", err)
		} else if found {
			return ipc.IngestRequestResult{DocumentID: id, Duplicate: true}, nil
		}
	}

	id := uuid.NewString()
	err = sqlitex.Execute(conn, `
		INSERT INTO catalog_documents (id, title, source, media_type, content_hash, bytes, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			id,
			payload.Title,
			payload.Source,
			payload.MediaType,
			strings.ToLower(payload.ContentHash),
			payload.Size,
			c.clock.Now().UnixMilli(),
		}},
	)
	if err != nil {
		return ipc.IngestRequestResult{}, fmt.Errorf("bridge: catalog register: %w", err)
	}
	c.logger.Info("document registered", "document_id", id, "bytes", payload.Size)
	return ipc.IngestRequestResult{DocumentID: id}, nil
}

// StoreText stores document content. With a document ID it completes
// a prior registration; without one it is a one-shot ingest and the
// payload must carry a title. A registration that declared a content
// hash only accepts content with that exact digest.
func (c *Catalog) StoreText(ctx context.Context, payload ipc.IngestTextPayload) (ipc.IngestTextResult, error) {
	if payload.Text == "" {
		return ipc.IngestTextResult{}, ipc.NewError(ipc.CodeInvalidPayload, "", "ingest_text requires content")
	}
	content := []byte(payload.Text)
	digest := ipc.ContentDigest(content)

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return ipc.IngestTextResult{}, fmt.Errorf("bridge: catalog store: %w", err)
	}
	defer c.pool.Put(conn)

	if payload.DocumentID != "" {
		return c.completeRegistration(conn, payload.DocumentID, content, digest)
	}

	if strings.TrimSpace(payload.Title) == "" {
		return ipc.IngestTextResult{}, ipc.NewError(ipc.CodeInvalidPayload, "", "one-shot ingest_text requires a title")
	}
	if id, found, err := findByHash(conn, digest); err != nil {
		return ipc.IngestTextResult{}, fmt.Errorf("bridge: catalog store: %w", err)
	} else if found {
		return ipc.IngestTextResult{DocumentID: id, Bytes: int64(len(content))}, nil
	}

	id := uuid.NewString()
	err = sqlitex.Execute(conn, `
		INSERT INTO catalog_documents (id, title, source, content, content_hash, bytes, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			id,
			payload.Title,
			payload.Source,
			content,
			digest,
			int64(len(content)),
			c.clock.Now().UnixMilli(),
		}},
	)
	if err != nil {
		return ipc.IngestTextResult{}, fmt.Errorf("bridge: catalog store: %w", err)
	}
	c.logger.Info("document ingested", "document_id", id, "bytes", len(content))
	return ipc.IngestTextResult{DocumentID: id, Bytes: int64(len(content))}, nil
}

func (c *Catalog) completeRegistration(conn *sqlite.Conn, documentID string, content []byte, digest string) (ipc.IngestTextResult, error) {
	var declaredHash string
	var exists bool
	err := sqlitex.Execute(conn,
		"SELECT content_hash FROM catalog_documents WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{documentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				declaredHash = stmt.ColumnText(0)
				exists = true
				return nil
			},
		},
	)
	if err != nil {
		return ipc.IngestTextResult{}, fmt.Errorf("bridge: catalog store: %w", err)
	}
	if !exists {
		return ipc.IngestTextResult{}, ipc.NewError(ipc.CodeInvalidPayload, "", "unknown document id %q", documentID)
	}
	if declaredHash != "" && declaredHash != digest {
		return ipc.IngestTextResult{}, ipc.NewError(ipc.CodeInvalidPayload, "",
			"content digest %s does not match registered hash %s", digest[:16], declaredHash[:min(16, len(declaredHash))])
	}

	err = sqlitex.Execute(conn, `
		UPDATE catalog_documents
		SET content = ?, content_hash = ?, bytes = ?, ingested_at = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			content,
			digest,
			int64(len(content)),
			c.clock.Now().UnixMilli(),
			documentID,
		}},
	)
	if err != nil {
		return ipc.IngestTextResult{}, fmt.Errorf("bridge: catalog store: %w", err)
	}
	c.logger.Info("document content stored", "document_id", documentID, "bytes", len(content))
	return ipc.IngestTextResult{DocumentID: documentID, Bytes: int64(len(content))}, nil
}

func findByHash(conn *sqlite.Conn, hash string) (string, bool, error) {
	var id string
	var found bool
	err := sqlitex.Execute(conn,
		"SELECT id FROM catalog_documents WHERE content_hash = ? LIMIT 1",
		&sqlitex.ExecOptions{
			Args: []any{strings.ToLower(hash)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnText(0)
				found = true
				return nil
			},
		},
	)
	return id, found, err
}

// List returns catalog summaries. Without a query the newest documents
// come first. With a query the catalog is ranked by BM25 relevance over
// title, source, and body text, so a title hit outranks one buried
// mid-document.
func (c *Catalog) List(ctx context.Context, payload ipc.CatalogListPayload) (ipc.CatalogListResult, error) {
	limit := payload.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > c.config.MaxListLimit {
		limit = c.config.MaxListLimit
	}

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return ipc.CatalogListResult{}, fmt.Errorf("bridge: catalog list: %w", err)
	}
	defer c.pool.Put(conn)

	if payload.Query != "" {
		return searchDocuments(conn, payload.Query, limit)
	}

	var total int
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM catalog_documents",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				total = stmt.ColumnInt(0)
				return nil
			},
		},
	)
	if err != nil {
		return ipc.CatalogListResult{}, fmt.Errorf("bridge: catalog list: %w", err)
	}

	result := ipc.CatalogListResult{Total: total}
	err = sqlitex.Execute(conn, `
		SELECT id, title, source, bytes, content_hash, ingested_at
		FROM catalog_documents
		ORDER BY ingested_at DESC, id LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				result.Documents = append(result.Documents, ipc.CatalogDocument{
					ID:          stmt.ColumnText(0),
					Title:       stmt.ColumnText(1),
					Source:      stmt.ColumnText(2),
					Bytes:       stmt.ColumnInt64(3),
					ContentHash: stmt.ColumnText(4),
					IngestedAt:  stmt.ColumnInt64(5),
				})
				return nil
			},
		},
	)
	if err != nil {
		return ipc.CatalogListResult{}, fmt.Errorf("bridge: catalog list: %w", err)
	}
	return result, nil
}

// Relative field weights for ranked search. A title hit outranks a
// source hit, which outranks a hit in body text.
const (
	searchWeightTitle   = 3
	searchWeightSource  = 2
	searchWeightContent = 1
)

// searchDocuments ranks the catalog against the query with BM25. The
// index is rebuilt per search, which stays cheap at the corpus sizes
// one agent accumulates. Registrations still awaiting content rank on
// title and source alone.
func searchDocuments(conn *sqlite.Conn, query string, limit int) (ipc.CatalogListResult, error) {
	var documents []bm25.Document
	summaries := make(map[string]ipc.CatalogDocument)
	err := sqlitex.Execute(conn, `
		SELECT id, title, source, bytes, content_hash, ingested_at, content
		FROM catalog_documents`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id := stmt.ColumnText(0)
				summaries[id] = ipc.CatalogDocument{
					ID:          id,
					Title:       stmt.ColumnText(1),
					Source:      stmt.ColumnText(2),
					Bytes:       stmt.ColumnInt64(3),
					ContentHash: stmt.ColumnText(4),
					IngestedAt:  stmt.ColumnInt64(5),
				}
				documents = append(documents, bm25.Document{
					ID: id,
					Fields: []bm25.Field{
						{Text: stmt.ColumnText(1), Weight: searchWeightTitle},
						{Text: stmt.ColumnText(2), Weight: searchWeightSource},
						{Text: stmt.ColumnText(6), Weight: searchWeightContent},
					},
				})
				return nil
			},
		},
	)
	if err != nil {
		return ipc.CatalogListResult{}, fmt.Errorf("bridge: catalog search: %w", err)
	}

	// Rank everything so Total reports the full match count, then cut
	// the response down to the limit.
	ranked := bm25.New(documents).Search(query, 0)
	result := ipc.CatalogListResult{Total: len(ranked)}
	for _, match := range ranked {
		if len(result.Documents) == limit {
			break
		}
		result.Documents = append(result.Documents, summaries[match.ID])
	}
	return result, nil
}

// Count returns the number of cataloged documents.
func (c *Catalog) Count(ctx context.Context) (int, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("bridge: catalog count: %w", err)
	}
	defer c.pool.Put(conn)

	var count int
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM catalog_documents",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("bridge: catalog count: %w", err)
	}
	return count, nil
}

// SweepResult summarizes one integrity pass over stored content.
type SweepResult struct {
	// Documents is the number of entries with stored content.
	Documents int

	// Pending is the number of registrations still waiting for
	// content delivery.
	Pending int

	// Corrupt lists document IDs whose stored content no longer
	// matches its recorded digest.
	Corrupt []string
}

// Sweep re-hashes every stored document and reports entries whose
// content disagrees with the recorded digest. It repairs nothing;
// corruption is surfaced, not papered over.
func (c *Catalog) Sweep(ctx context.Context) (SweepResult, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("bridge: catalog sweep: %w", err)
	}
	defer c.pool.Put(conn)

	var result SweepResult
	err = sqlitex.Execute(conn,
		"SELECT id, content, content_hash FROM catalog_documents",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if stmt.ColumnType(1) == sqlite.TypeNull {
					result.Pending++
					return nil
				}
				content := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, content)
				result.Documents++
				if ipc.ContentDigest(content) != stmt.ColumnText(2) {
					result.Corrupt = append(result.Corrupt, stmt.ColumnText(0))
				}
				return nil
			},
		},
	)
	if err != nil {
		return SweepResult{}, fmt.Errorf("bridge: catalog sweep: %w", err)
	}

	for _, id := range result.Corrupt {
		c.logger.Warn("catalog content digest mismatch", "document_id", id)
	}
	return result, nil
}
