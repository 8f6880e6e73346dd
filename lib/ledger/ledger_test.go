// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/docket-project/docket/lib/clock"
	"github.com/docket-project/docket/lib/risk"
)

func exitCode(code int) *int { return &code }

// openTestLedger opens a fresh ledger in a temp directory. mutate may
// adjust the config before opening.
func openTestLedger(t *testing.T, mutate func(*Config)) *Ledger {
	t.Helper()
	cfg := Config{
		Path:  filepath.Join(t.TempDir(), "ledger.db"),
		Clock: clock.Fake(time.Unix(1_700_000_000, 0)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ledger, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

// sampleEntry builds a plain successful step. The command avoids
// multi-segment absolute paths so the default sanitizer leaves it
// alone.
func sampleEntry(n int) Entry {
	return Entry{
		Actor:      ActorLocal,
		Command:    fmt.Sprintf("make target-%d", n),
		WorkingDir: "/work",
		Risk:       risk.Low,
		Decision:   DecisionAllowed,
		ExitCode:   exitCode(0),
		Stdout:     Summary{Text: fmt.Sprintf("built target-%d\n", n)},
	}
}

func TestAppendAndQueryRoundTrip(t *testing.T) {
	ledger := openTestLedger(t, nil)
	ctx := context.Background()

	for n := 1; n <= 3; n++ {
		entry := sampleEntry(n)
		entry.Timestamp = int64(n) * 1000
		entry.RequestID = fmt.Sprintf("req-%d", n)
		ledger.Append(ctx, entry)
	}

	health := ledger.Health()
	if health.Appends != 3 || health.Failures != 0 {
		t.Fatalf("health = %+v, want 3 appends and no failures", health)
	}

	entries, err := ledger.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, entry := range entries {
		n := i + 1
		if entry.Sequence != int64(n) {
			t.Errorf("entry %d: sequence = %d, want %d", i, entry.Sequence, n)
		}
		if entry.Timestamp != int64(n)*1000 {
			t.Errorf("entry %d: timestamp = %d, want %d", i, entry.Timestamp, n*1000)
		}
		if want := fmt.Sprintf("make target-%d", n); entry.Command != want {
			t.Errorf("entry %d: command = %q, want %q", i, entry.Command, want)
		}
		if entry.Actor != ActorLocal {
			t.Errorf("entry %d: actor = %v", i, entry.Actor)
		}
		if entry.Risk != risk.Low {
			t.Errorf("entry %d: risk = %v", i, entry.Risk)
		}
		if !entry.Succeeded() {
			t.Errorf("entry %d: expected success", i)
		}
		if len(entry.CommandHash) != 64 {
			t.Errorf("entry %d: command hash %q is not 32 hex bytes", i, entry.CommandHash)
		}
	}
}

func TestAppendAssignsTimestamp(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	ledger := openTestLedger(t, func(cfg *Config) { cfg.Clock = fake })

	ledger.Append(context.Background(), sampleEntry(1))

	entries, err := ledger.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if want := fake.Now().UnixMilli(); entries[0].Timestamp != want {
		t.Errorf("timestamp = %d, want %d", entries[0].Timestamp, want)
	}
}

func TestAppendCountsInvalidEntries(t *testing.T) {
	ledger := openTestLedger(t, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		entry Entry
	}{
		{"missing actor", Entry{Decision: DecisionAllowed, Risk: risk.Low}},
		{"missing decision", Entry{Actor: ActorLocal, Risk: risk.Low}},
		{"missing risk", Entry{Actor: ActorLocal, Decision: DecisionAllowed}},
	}
	for _, tc := range cases {
		ledger.Append(ctx, tc.entry)
	}

	health := ledger.Health()
	if health.Appends != 0 {
		t.Errorf("appends = %d, want 0", health.Appends)
	}
	if health.Failures != int64(len(cases)) {
		t.Errorf("failures = %d, want %d", health.Failures, len(cases))
	}
	if health.LastError == "" {
		t.Error("expected a recorded failure reason")
	}

	entries, err := ledger.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("invalid entries were stored: %d", len(entries))
	}
}

func TestAppendSanitizesBeforeHashing(t *testing.T) {
	ledger := openTestLedger(t, nil)
	ctx := context.Background()

	rawCommand := `curl -H "Authorization: Bearer abc123def456xyz" api.internal`
	entry := sampleEntry(1)
	entry.Command = rawCommand
	entry.Stdout = Summary{Text: "export token=super-secret-value\n"}
	ledger.Append(ctx, entry)

	entries, err := ledger.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	got := entries[0]

	if strings.Contains(got.Command, "abc123def456xyz") {
		t.Errorf("command kept the bearer token: %q", got.Command)
	}
	if !got.Sanitized.Command {
		t.Error("command sanitized flag not set")
	}
	if strings.Contains(got.Stdout.Text, "super-secret-value") {
		t.Errorf("stdout kept the secret: %q", got.Stdout.Text)
	}
	if !got.Sanitized.Stdout {
		t.Error("stdout sanitized flag not set")
	}
	if got.Sanitized.Stderr {
		t.Error("stderr sanitized flag set with no stderr text")
	}

	// The command hash covers the raw text so identical commands
	// remain correlatable after redaction.
	want := hex.EncodeToString(keyedSum(commandKey, []byte(rawCommand)))
	if got.CommandHash != want {
		t.Errorf("command hash = %q, want hash of raw command", got.CommandHash)
	}
}

func TestPrivateEntryRedaction(t *testing.T) {
	ledger := openTestLedger(t, nil)
	ctx := context.Background()

	entry := sampleEntry(1)
	entry.Private = true
	entry.RiskReasons = []string{"matched deploy rule"}
	entry.Stdout = Summary{Text: "deployed to staging\n"}
	entry.Stderr = Summary{Text: "warning: slow upload\n"}
	ledger.Append(ctx, entry)

	entries, err := ledger.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	got := entries[0]

	if !got.Private {
		t.Error("private flag lost")
	}
	if got.Command != "" {
		t.Errorf("command not stripped: %q", got.Command)
	}
	if got.CommandHash == "" {
		t.Error("command hash should survive redaction")
	}
	if got.Stdout != (Summary{}) || got.Stderr != (Summary{}) {
		t.Errorf("output summaries not stripped: %+v / %+v", got.Stdout, got.Stderr)
	}
	if got.RiskReasons != nil {
		t.Errorf("risk reasons not stripped: %v", got.RiskReasons)
	}
	if got.Decision != DecisionAllowed || got.ExitCode == nil {
		t.Error("decision trail should survive redaction")
	}
}

func TestSummarize(t *testing.T) {
	cases := []struct {
		name      string
		text      string
		maxChars  int
		wantLines int
		wantChars int
		truncated bool
	}{
		{"empty", "", 10, 0, 0, false},
		{"short", "a\nb\nc", 100, 2, 5, false},
		{"exact limit", strings.Repeat("x", 10), 10, 0, 10, false},
		{"over limit", strings.Repeat("x", 25), 10, 0, 25, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Summarize(tc.text, tc.maxChars)
			if got.Lines != tc.wantLines {
				t.Errorf("lines = %d, want %d", got.Lines, tc.wantLines)
			}
			if got.Chars != tc.wantChars {
				t.Errorf("chars = %d, want %d", got.Chars, tc.wantChars)
			}
			if got.Truncated != tc.truncated {
				t.Errorf("truncated = %v, want %v", got.Truncated, tc.truncated)
			}
			if tc.truncated && len(got.Text) > tc.maxChars {
				t.Errorf("text length %d exceeds cap %d", len(got.Text), tc.maxChars)
			}
			if !tc.truncated && got.Text != tc.text {
				t.Errorf("text = %q, want %q", got.Text, tc.text)
			}
		})
	}

	t.Run("multibyte boundary", func(t *testing.T) {
		// 700 three-byte runes; a 2000-byte cap lands mid-rune and
		// must back up to 1998.
		text := strings.Repeat("世", 700)
		got := Summarize(text, 2000)
		if !got.Truncated {
			t.Fatal("expected truncation")
		}
		if len(got.Text) != 1998 {
			t.Errorf("cut at %d bytes, want 1998", len(got.Text))
		}
		if !utf8.ValidString(got.Text) {
			t.Error("truncated text is not valid UTF-8")
		}
	})
}

func TestQueryFilters(t *testing.T) {
	ledger := openTestLedger(t, nil)
	ctx := context.Background()

	seed := []Entry{
		{Actor: ActorLocal, Command: "git status", WorkingDir: "/work/proj", Risk: risk.Low,
			Decision: DecisionAllowed, ExitCode: exitCode(0), Timestamp: 1000, RequestID: "req-1"},
		{Actor: ActorIPC, Command: "grep pattern notes.txt", WorkingDir: "/work/proj", Risk: risk.Low,
			Decision: DecisionAllowed, ExitCode: exitCode(1), Timestamp: 2000, RequestID: "req-2"},
		{Actor: ActorLocal, Command: "rm build", WorkingDir: "/work/other", Risk: risk.High,
			Decision: DecisionDeniedByPolicy, ErrorCode: "policy_denied", Timestamp: 3000},
		{Actor: ActorLocal, Command: "make install", WorkingDir: "/work/other", Risk: risk.Medium,
			Decision: DecisionApproved, ExitCode: exitCode(0), Timestamp: 4000},
	}
	for _, entry := range seed {
		ledger.Append(ctx, entry)
	}

	cases := []struct {
		name     string
		filter   Filter
		wantSeqs []int64
	}{
		{"all", Filter{}, []int64{1, 2, 3, 4}},
		{"by actor", Filter{Actor: ActorIPC}, []int64{2}},
		{"by request id", Filter{RequestID: "req-2"}, []int64{2}},
		{"by risk", Filter{Risk: risk.High}, []int64{3}},
		{"by decision", Filter{Decision: DecisionDeniedByPolicy}, []int64{3}},
		{"by error code", Filter{ErrorCode: "policy_denied"}, []int64{3}},
		{"by exit code", Filter{ExitCode: exitCode(1)}, []int64{2}},
		{"exit code not zero keeps never-ran", Filter{ExitCodeNot: exitCode(0)}, []int64{2, 3}},
		{"by working dir", Filter{WorkingDirContains: "other"}, []int64{3, 4}},
		{"by command text", Filter{CommandContains: "grep"}, []int64{2}},
		{"time window", Filter{Since: 2000, Until: 3000}, []int64{2, 3}},
		{"limit keeps newest", Filter{Limit: 2}, []int64{3, 4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entries, err := ledger.Query(ctx, tc.filter)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			var seqs []int64
			for _, entry := range entries {
				seqs = append(seqs, entry.Sequence)
			}
			if len(seqs) != len(tc.wantSeqs) {
				t.Fatalf("got sequences %v, want %v", seqs, tc.wantSeqs)
			}
			for i := range seqs {
				if seqs[i] != tc.wantSeqs[i] {
					t.Fatalf("got sequences %v, want %v", seqs, tc.wantSeqs)
				}
			}
		})
	}
}

func TestCount(t *testing.T) {
	ledger := openTestLedger(t, nil)
	ctx := context.Background()

	for n := 1; n <= 5; n++ {
		ledger.Append(ctx, sampleEntry(n))
	}
	count, err := ledger.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}
}

func TestVerifyDetectsPayloadTamper(t *testing.T) {
	ledger := openTestLedger(t, nil)
	ctx := context.Background()

	for n := 1; n <= 3; n++ {
		ledger.Append(ctx, sampleEntry(n))
	}

	result, err := ledger.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Intact || result.Entries != 3 {
		t.Fatalf("fresh ledger failed verification: %+v", result)
	}

	conn, err := ledger.pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	err = sqlitex.Execute(conn,
		`UPDATE ledger_entries SET payload = ? WHERE seq = 2`,
		&sqlitex.ExecOptions{Args: []any{[]byte{0xA0}}})
	ledger.pool.Put(conn)
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	result, err = ledger.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Intact {
		t.Fatal("tampered payload went undetected")
	}
	if result.BrokenSeq != 2 {
		t.Errorf("broken seq = %d, want 2", result.BrokenSeq)
	}
	if !strings.Contains(result.Reason, "chain hash") {
		t.Errorf("reason = %q", result.Reason)
	}
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	ledger := openTestLedger(t, nil)
	ctx := context.Background()

	for n := 1; n <= 3; n++ {
		ledger.Append(ctx, sampleEntry(n))
	}

	// Rewriting entry 3's predecessor pointer simulates a deleted or
	// replaced middle entry.
	forged := keyedSum(chainKey, []byte("forged"))
	conn, err := ledger.pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	err = sqlitex.Execute(conn,
		`UPDATE ledger_entries SET prev_hash = ? WHERE seq = 3`,
		&sqlitex.ExecOptions{Args: []any{forged}})
	ledger.pool.Put(conn)
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	result, err := ledger.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Intact {
		t.Fatal("broken link went undetected")
	}
	if result.BrokenSeq != 3 {
		t.Errorf("broken seq = %d, want 3", result.BrokenSeq)
	}
	if !strings.Contains(result.Reason, "predecessor") {
		t.Errorf("reason = %q", result.Reason)
	}
}

func TestChainPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	first, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first.Append(ctx, sampleEntry(1))
	first.Append(ctx, sampleEntry(2))
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	second.Append(ctx, sampleEntry(3))

	result, err := second.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Intact || result.Entries != 3 {
		t.Fatalf("chain broke across reopen: %+v", result)
	}
}
