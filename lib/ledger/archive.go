// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/docket-project/docket/lib/codec"
	"github.com/docket-project/docket/lib/secret"
)

// RetentionPolicy bounds the live database. Zero values disable the
// corresponding bound.
type RetentionPolicy struct {
	// MaxEntries keeps at most this many rows; older rows overflow
	// into the archive.
	MaxEntries int64

	// MaxAge overflows rows older than this.
	MaxAge time.Duration
}

func (p RetentionPolicy) enabled() bool {
	return p.MaxEntries > 0 || p.MaxAge > 0
}

// ArchiveConfig controls what happens to overflowed rows. With an
// empty Dir they are pruned without archiving.
type ArchiveConfig struct {
	// Dir receives segment files, created 0700.
	Dir string

	// Compression is the segment body compression. The zero value
	// stores segments uncompressed; the daemon configuration defaults
	// this to zstd.
	Compression CompressionTag

	// Key, when set, seals segments with XChaCha20-Poly1305 under a
	// key derived from it. Reading sealed segments needs the same key.
	Key *secret.Buffer
}

// ArchiveResult describes one retention pass that moved rows.
type ArchiveResult struct {
	Pruned    int64  `json:"pruned"`
	FirstSeq  int64  `json:"first_seq"`
	LastSeq   int64  `json:"last_seq"`
	Path      string `json:"path,omitempty"`
	FileBytes int    `json:"file_bytes,omitempty"`
	Sealed    bool   `json:"sealed,omitempty"`
}

// EnforceRetention applies the configured retention policy once:
// rows beyond MaxEntries or older than MaxAge are written to a
// verifiable segment file (when an archive directory is configured)
// and deleted from the live database. Returns nil when nothing
// overflowed. The chain tip is unaffected, so appends made during or
// after the pass keep extending the same chain.
func (l *Ledger) EnforceRetention(ctx context.Context) (*ArchiveResult, error) {
	policy := l.config.Retention
	if !policy.enabled() {
		return nil, nil
	}

	// Serialized with appends so the row set selected here cannot
	// interleave with a concurrent insert's chain update.
	l.mu.Lock()
	defer l.mu.Unlock()

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: retention: %w", err)
	}
	defer l.pool.Put(conn)

	target, err := l.retentionTarget(conn, policy)
	if err != nil {
		return nil, err
	}
	if target == 0 {
		return nil, nil
	}

	segment := &ArchiveSegment{
		FormatVersion: segmentVersion,
		CreatedAt:     l.clock.Now().UnixMilli(),
	}
	err = sqlitex.Execute(conn,
		`SELECT seq, payload, prev_hash, chain_hash FROM ledger_entries
		 WHERE seq <= ? ORDER BY seq ASC`,
		&sqlitex.ExecOptions{
			Args: []any{target},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				row := ArchiveRow{Seq: stmt.ColumnInt64(0)}
				payload := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, payload)
				row.Payload = codec.RawMessage(payload)
				if n := stmt.ColumnLen(2); n > 0 {
					row.PrevHash = make([]byte, n)
					stmt.ColumnBytes(2, row.PrevHash)
				}
				row.ChainHash = make([]byte, stmt.ColumnLen(3))
				stmt.ColumnBytes(3, row.ChainHash)
				segment.Rows = append(segment.Rows, row)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("ledger: retention: collect rows: %w", err)
	}
	if len(segment.Rows) == 0 {
		return nil, nil
	}
	segment.FirstSeq = segment.Rows[0].Seq
	segment.LastSeq = segment.Rows[len(segment.Rows)-1].Seq

	result := &ArchiveResult{
		Pruned:   int64(len(segment.Rows)),
		FirstSeq: segment.FirstSeq,
		LastSeq:  segment.LastSeq,
	}

	if dir := l.config.Archive.Dir; dir != "" {
		result.Sealed = l.config.Archive.Key != nil
		raw, err := encodeSegmentFile(segment, l.config.Archive.Compression, l.config.Archive.Key)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("ledger: retention: create archive directory: %w", err)
		}
		name := segmentFileName(segment.FirstSeq, segment.LastSeq, raw)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return nil, fmt.Errorf("ledger: retention: write segment: %w", err)
		}
		result.Path = path
		result.FileBytes = len(raw)
	}

	// Rows are deleted only after the segment is durably on disk.
	err = sqlitex.Execute(conn,
		`DELETE FROM ledger_entries WHERE seq <= ?`,
		&sqlitex.ExecOptions{Args: []any{target}})
	if err != nil {
		return nil, fmt.Errorf("ledger: retention: delete archived rows: %w", err)
	}

	l.logger.Info("ledger retention pass",
		"pruned", result.Pruned,
		"first_seq", result.FirstSeq,
		"last_seq", result.LastSeq,
		"segment", result.Path)
	return result, nil
}

// retentionTarget computes the highest sequence number that should
// overflow, or 0 when the policy is satisfied.
func (l *Ledger) retentionTarget(conn *sqlite.Conn, policy RetentionPolicy) (int64, error) {
	var target int64

	if policy.MaxEntries > 0 {
		var count int64
		err := sqlitex.Execute(conn, "SELECT COUNT(*) FROM ledger_entries", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return 0, fmt.Errorf("ledger: retention: count: %w", err)
		}
		if overflow := count - policy.MaxEntries; overflow > 0 {
			err := sqlitex.Execute(conn,
				`SELECT seq FROM ledger_entries ORDER BY seq ASC LIMIT 1 OFFSET ?`,
				&sqlitex.ExecOptions{
					Args: []any{overflow - 1},
					ResultFunc: func(stmt *sqlite.Stmt) error {
						target = stmt.ColumnInt64(0)
						return nil
					},
				})
			if err != nil {
				return 0, fmt.Errorf("ledger: retention: count boundary: %w", err)
			}
		}
	}

	if policy.MaxAge > 0 {
		cutoff := l.clock.Now().UnixMilli() - policy.MaxAge.Milliseconds()
		err := sqlitex.Execute(conn,
			`SELECT COALESCE(MAX(seq), 0) FROM ledger_entries WHERE ts < ?`,
			&sqlitex.ExecOptions{
				Args: []any{cutoff},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					if seq := stmt.ColumnInt64(0); seq > target {
						target = seq
					}
					return nil
				},
			})
		if err != nil {
			return 0, fmt.Errorf("ledger: retention: age boundary: %w", err)
		}
	}

	return target, nil
}

// segmentFileName builds the integrity-carrying file name: the
// sequence range plus a keyed hash prefix of the file bytes, so a
// renamed or truncated file is detectable from the name alone.
func segmentFileName(firstSeq, lastSeq int64, raw []byte) string {
	digest := keyedSum(archiveNameKey, raw)
	return fmt.Sprintf("segment-%010d-%010d-%s.dklg", firstSeq, lastSeq, hex.EncodeToString(digest[:8]))
}

// ReadArchive loads and verifies one segment file. key is required
// for sealed segments and ignored otherwise. The returned segment's
// chain has already been checked.
func ReadArchive(path string, key *secret.Buffer) (*ArchiveSegment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: read segment: %w", err)
	}
	segment, err := decodeSegmentFile(raw, key)
	if err != nil {
		return nil, err
	}
	if err := segment.Verify(); err != nil {
		return nil, err
	}
	return segment, nil
}
