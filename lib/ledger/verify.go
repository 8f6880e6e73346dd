// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"bytes"
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// VerifyResult reports the outcome of a chain walk. When Intact is
// false, BrokenSeq names the first entry whose linkage or hash failed
// and Reason says what was wrong with it.
type VerifyResult struct {
	Entries   int64  `json:"entries"`
	Intact    bool   `json:"intact"`
	BrokenSeq int64  `json:"broken_seq,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Verify recomputes the hash chain over every stored entry in order.
// The first entry's stored predecessor hash is taken as the chain's
// starting point, so a ledger whose oldest rows were archived away
// still verifies.
func (l *Ledger) Verify(ctx context.Context) (VerifyResult, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("ledger: verify: %w", err)
	}
	defer l.pool.Put(conn)

	result := VerifyResult{Intact: true}
	var prev []byte
	first := true

	err = sqlitex.Execute(conn,
		`SELECT seq, payload, prev_hash, chain_hash FROM ledger_entries ORDER BY seq ASC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if !result.Intact {
					return nil
				}

				seq := stmt.ColumnInt64(0)
				payload := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, payload)
				stored := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, stored)
				chain := make([]byte, stmt.ColumnLen(3))
				stmt.ColumnBytes(3, chain)

				if first {
					prev = stored
					first = false
				} else if !bytes.Equal(stored, prev) {
					result.Intact = false
					result.BrokenSeq = seq
					result.Reason = "predecessor hash does not match previous entry"
					return nil
				}

				expected := keyedSum(chainKey, prev, payload)
				if !bytes.Equal(chain, expected) {
					result.Intact = false
					result.BrokenSeq = seq
					result.Reason = "chain hash does not match payload"
					return nil
				}

				prev = chain
				result.Entries++
				return nil
			},
		})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("ledger: verify: %w", err)
	}
	return result, nil
}
