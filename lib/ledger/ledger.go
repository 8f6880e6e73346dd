// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger stores the append-only execution record. Every
// governed step becomes one row whose payload is canonical CBOR,
// linked to its predecessor by a keyed BLAKE3 hash so silent edits
// and deletions are detectable. Appends are best-effort from the
// caller's point of view: a storage failure is counted and logged
// but never interrupts a running step.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/docket-project/docket/lib/clock"
	"github.com/docket-project/docket/lib/codec"
	"github.com/docket-project/docket/lib/risk"
	"github.com/docket-project/docket/lib/sanitize"
	"github.com/docket-project/docket/lib/sqlitepool"
)

// domainKey is a 32-byte BLAKE3 key built from an ASCII name,
// zero-padded. Distinct names make hashes from different uses of the
// ledger incomparable even over identical input bytes.
type domainKey [32]byte

func newDomainKey(name string) domainKey {
	if len(name) > 32 {
		panic("ledger: domain key name exceeds 32 bytes: " + name)
	}
	var key domainKey
	copy(key[:], name)
	return key
}

var (
	chainKey       = newDomainKey("docket.ledger.chain")
	commandKey     = newDomainKey("docket.ledger.command")
	archiveNameKey = newDomainKey("docket.ledger.archive")
)

// keyedSum hashes the concatenation of parts under the given domain
// key and returns the 32-byte digest.
func keyedSum(key domainKey, parts ...[]byte) []byte {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("ledger: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, part := range parts {
		hasher.Write(part)
	}
	return hasher.Sum(nil)
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         INTEGER NOT NULL,
	actor      TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	risk       TEXT NOT NULL,
	decision   TEXT NOT NULL,
	error_code TEXT NOT NULL DEFAULT '',
	exit_code  INTEGER,
	cwd        TEXT NOT NULL DEFAULT '',
	command    TEXT NOT NULL,
	private    INTEGER NOT NULL DEFAULT 0,
	payload    BLOB NOT NULL,
	prev_hash  BLOB,
	chain_hash BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_ts ON ledger_entries(ts);
CREATE INDEX IF NOT EXISTS idx_ledger_request ON ledger_entries(request_id);
`

// Config carries everything the ledger needs. Path is required; the
// rest defaults sensibly.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// PoolSize bounds concurrent readers. Defaults to 4.
	PoolSize int

	// WriteTimeout bounds each append. Defaults to 2s.
	WriteTimeout time.Duration

	// MaxOutputChars caps the stored text of each output stream.
	// Defaults to 2000.
	MaxOutputChars int

	// Sanitizer rewrites command and output text before hashing and
	// storage. Defaults to sanitize.Default().
	Sanitizer *sanitize.Sanitizer

	// Retention and Archive configure EnforceRetention. Zero values
	// disable pruning and archiving respectively.
	Retention RetentionPolicy
	Archive   ArchiveConfig

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.MaxOutputChars <= 0 {
		c.MaxOutputChars = 2000
	}
	if c.Sanitizer == nil {
		c.Sanitizer = sanitize.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Health is a snapshot of the ledger's write path, surfaced through
// status reporting so a silently failing audit trail is visible.
type Health struct {
	Appends      int64  `json:"appends"`
	Failures     int64  `json:"failures"`
	LastError    string `json:"last_error,omitempty"`
	LastAppendAt int64  `json:"last_append_at,omitempty"`
}

// Ledger is the append-only execution record. Safe for concurrent
// use; appends are serialized so the hash chain stays linear.
type Ledger struct {
	config Config
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	// mu guards the chain tip and the health counters, and serializes
	// the insert itself so chain order matches seq order.
	mu       sync.Mutex
	lastHash []byte
	health   Health
}

// Open opens or creates the ledger database and loads the chain tip.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, errors.New("ledger: Path is required")
	}
	cfg = cfg.withDefaults()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}

	ledger := &Ledger{
		config: cfg,
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
	if err := ledger.loadTip(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return ledger, nil
}

// loadTip reads the newest chain hash so appends can continue the
// chain across restarts.
func (l *Ledger) loadTip(ctx context.Context) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: load chain tip: %w", err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`SELECT chain_hash FROM ledger_entries ORDER BY seq DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tip := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, tip)
				l.lastHash = tip
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("ledger: load chain tip: %w", err)
	}
	return nil
}

// Close releases the database pool.
func (l *Ledger) Close() error {
	return l.pool.Close()
}

// Health returns a snapshot of the write-path counters.
func (l *Ledger) Health() Health {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.health
}

// Append records one governed step. It never returns an error:
// failures are counted, logged, and surfaced through Health so audit
// gaps are visible without ever blocking or aborting the step that
// produced the entry.
func (l *Ledger) Append(ctx context.Context, entry Entry) {
	if err := l.append(ctx, entry); err != nil {
		l.mu.Lock()
		l.health.Failures++
		l.health.LastError = err.Error()
		l.mu.Unlock()
		l.logger.Error("ledger append failed",
			"error", err,
			"request_id", entry.RequestID,
			"decision", entry.Decision)
	}
}

func (l *Ledger) append(ctx context.Context, entry Entry) error {
	if entry.Actor == ActorUnspecified {
		return errors.New("actor is required")
	}
	if entry.Decision == "" {
		return errors.New("decision is required")
	}
	if entry.Risk < risk.Low || entry.Risk > risk.High {
		return errors.New("risk level is required")
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = l.clock.Now().UnixMilli()
	}

	l.prepare(&entry)

	payload, err := codec.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.config.WriteTimeout)
	defer cancel()

	// The chain tip read, the insert, and the tip update must happen
	// as one critical section or concurrent appends would race to
	// extend the same predecessor.
	l.mu.Lock()
	defer l.mu.Unlock()

	chainHash := keyedSum(chainKey, l.lastHash, payload)

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer l.pool.Put(conn)

	var exitCode any
	if entry.ExitCode != nil {
		exitCode = *entry.ExitCode
	}
	var prevHash any
	if len(l.lastHash) > 0 {
		prevHash = l.lastHash
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO ledger_entries
			(ts, actor, request_id, risk, decision, error_code,
			 exit_code, cwd, command, private, payload, prev_hash, chain_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				entry.Timestamp,
				entry.Actor.String(),
				entry.RequestID,
				entry.Risk.String(),
				entry.Decision,
				entry.ErrorCode,
				exitCode,
				entry.WorkingDir,
				entry.Command,
				boolToInt(entry.Private),
				payload,
				prevHash,
				chainHash,
			},
		})
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	l.lastHash = chainHash
	l.health.Appends++
	l.health.LastAppendAt = entry.Timestamp
	return nil
}

// prepare hashes the raw command, sanitizes the text fields, bounds
// the output summaries, and applies presence-only redaction for
// private entries. It runs before the payload is encoded so the
// chain hash covers exactly what is stored.
func (l *Ledger) prepare(entry *Entry) {
	if entry.CommandHash == "" && entry.Command != "" {
		entry.CommandHash = hex.EncodeToString(keyedSum(commandKey, []byte(entry.Command)))
	}

	command, report := l.config.Sanitizer.Sanitize(entry.Command)
	entry.Command = command
	entry.Sanitized.Command = report.Changed

	entry.Stdout, entry.Sanitized.Stdout = l.boundSummary(entry.Stdout)
	entry.Stderr, entry.Sanitized.Stderr = l.boundSummary(entry.Stderr)

	if entry.Private {
		entry.Command = ""
		entry.Stdout = Summary{}
		entry.Stderr = Summary{}
		entry.RiskReasons = nil
	}
}

// boundSummary sanitizes and bounds one output stream. When the
// caller already truncated upstream, the truncation flag and the
// larger original counts win so the summary keeps describing the full
// stream.
func (l *Ledger) boundSummary(in Summary) (Summary, bool) {
	text, report := l.config.Sanitizer.Sanitize(in.Text)
	out := Summarize(text, l.config.MaxOutputChars)
	out.Truncated = out.Truncated || in.Truncated
	if in.Chars > out.Chars {
		out.Chars = in.Chars
		out.Lines = in.Lines
		out.Truncated = true
	}
	return out, report.Changed
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
