// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/docket-project/docket/lib/codec"
	"github.com/docket-project/docket/lib/risk"
)

// DefaultQueryLimit bounds a query that does not set its own limit.
const DefaultQueryLimit = 50

// Filter narrows a ledger query. Zero values match everything, so an
// empty filter returns the most recent DefaultQueryLimit entries.
type Filter struct {
	// Since and Until bound the timestamp range in unix
	// milliseconds, inclusive.
	Since int64
	Until int64

	Actor     Actor
	RequestID string
	Risk      risk.Level
	Decision  string
	ErrorCode string

	// ExitCode matches entries with exactly this exit code.
	// ExitCodeNot matches entries whose exit code differs, including
	// entries that never ran.
	ExitCode    *int
	ExitCodeNot *int

	// WorkingDirContains and CommandContains are case-sensitive
	// substring matches. Command matching sees the sanitized text, so
	// redacted secrets and private entries never match.
	WorkingDirContains string
	CommandContains    string

	Limit int
}

// Query returns the newest entries matching the filter, capped at the
// filter's limit, in chronological order.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	var (
		conditions []string
		args       []any
	)
	add := func(condition string, values ...any) {
		conditions = append(conditions, condition)
		args = append(args, values...)
	}

	if filter.Since > 0 {
		add("ts >= ?", filter.Since)
	}
	if filter.Until > 0 {
		add("ts <= ?", filter.Until)
	}
	if filter.Actor != ActorUnspecified {
		add("actor = ?", filter.Actor.String())
	}
	if filter.RequestID != "" {
		add("request_id = ?", filter.RequestID)
	}
	if filter.Risk != risk.Unknown {
		add("risk = ?", filter.Risk.String())
	}
	if filter.Decision != "" {
		add("decision = ?", filter.Decision)
	}
	if filter.ErrorCode != "" {
		add("error_code = ?", filter.ErrorCode)
	}
	if filter.ExitCode != nil {
		add("exit_code = ?", *filter.ExitCode)
	}
	if filter.ExitCodeNot != nil {
		// IS NOT keeps NULL rows (steps that never ran) in the result.
		add("exit_code IS NOT ?", *filter.ExitCodeNot)
	}
	if filter.WorkingDirContains != "" {
		add("instr(cwd, ?) > 0", filter.WorkingDirContains)
	}
	if filter.CommandContains != "" {
		add("instr(command, ?) > 0", filter.CommandContains)
	}

	query := "SELECT seq, payload FROM ledger_entries"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer l.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			payload := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, payload)
			var entry Entry
			if err := codec.Unmarshal(payload, &entry); err != nil {
				return fmt.Errorf("decode entry %d: %w", stmt.ColumnInt64(0), err)
			}
			entry.Sequence = stmt.ColumnInt64(0)
			entries = append(entries, entry)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}

	// Rows arrive newest-first from the LIMIT scan; callers read
	// history forward.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Count returns the number of stored entries.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	defer l.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM ledger_entries", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return count, nil
}
