// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/docket-project/docket/lib/risk"
)

// Actor identifies which side of the IPC boundary originated a
// governed step. The zero value is reserved for query filters where
// "any actor" must be expressible.
type Actor int

const (
	// ActorUnspecified matches any actor in a query filter. Append
	// rejects it.
	ActorUnspecified Actor = iota

	// ActorLocal marks steps planned and executed by the foreground
	// agent itself.
	ActorLocal

	// ActorIPC marks steps that ran on behalf of a request that
	// arrived over the bridge channel.
	ActorIPC
)

// String returns the stable storage form.
func (a Actor) String() string {
	switch a {
	case ActorLocal:
		return "local"
	case ActorIPC:
		return "ipc"
	}
	return "unspecified"
}

// MarshalText implements encoding.TextMarshaler so actors serialize
// as strings in CBOR and JSON alike.
func (a Actor) MarshalText() ([]byte, error) {
	if a == ActorUnspecified {
		return nil, fmt.Errorf("ledger: actor unspecified")
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Actor) UnmarshalText(text []byte) error {
	switch string(text) {
	case "local":
		*a = ActorLocal
	case "ipc":
		*a = ActorIPC
	default:
		return fmt.Errorf("ledger: unknown actor %q", text)
	}
	return nil
}

// Decision values recorded for governed steps. The ledger stores the
// decision as free text so future policies can add outcomes without a
// schema change; these constants cover the built-in governor.
const (
	// DecisionAllowed means policy admitted the step without asking.
	DecisionAllowed = "allowed"

	// DecisionApproved means the operator confirmed an ask-tier step.
	DecisionApproved = "approved"

	// DecisionDeniedByUser means the operator refused an ask-tier step.
	DecisionDeniedByUser = "denied_by_user"

	// DecisionDeniedByPolicy means policy refused the step outright.
	DecisionDeniedByPolicy = "denied_by_policy"
)

// Summary is the bounded record of one output stream. Lines and Chars
// describe the stream before truncation so the ledger stays useful
// even when the text itself was cut.
type Summary struct {
	Text      string `cbor:"text" json:"text"`
	Lines     int    `cbor:"lines" json:"lines"`
	Chars     int    `cbor:"chars" json:"chars"`
	Truncated bool   `cbor:"truncated" json:"truncated"`
}

// Summarize builds a Summary for one output stream, keeping at most
// maxChars bytes of text. The cut never splits a UTF-8 sequence.
func Summarize(text string, maxChars int) Summary {
	summary := Summary{
		Lines: strings.Count(text, "\n"),
		Chars: len(text),
	}
	if maxChars > 0 && len(text) > maxChars {
		cut := maxChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
		summary.Truncated = true
	}
	summary.Text = text
	return summary
}

// SanitizedFlags records which fields the sanitizer rewrote before
// the entry was hashed and stored.
type SanitizedFlags struct {
	Command bool `cbor:"command,omitempty" json:"command,omitempty"`
	Stdout  bool `cbor:"stdout,omitempty" json:"stdout,omitempty"`
	Stderr  bool `cbor:"stderr,omitempty" json:"stderr,omitempty"`
}

// Entry is one governed step. Callers fill the descriptive fields and
// hand the entry to Append, which assigns Timestamp when unset,
// computes CommandHash, sanitizes the text fields, and links the
// entry into the hash chain. Sequence is assigned by the store and is
// deliberately excluded from the hashed payload.
type Entry struct {
	Sequence  int64  `cbor:"-" json:"sequence"`
	RequestID string `cbor:"request_id,omitempty" json:"request_id,omitempty"`
	Timestamp int64  `cbor:"ts" json:"ts"`
	Actor     Actor  `cbor:"actor" json:"actor"`

	// Command is the sanitized command line. CommandHash is a keyed
	// hash of the raw command computed before sanitizing, so two
	// redacted entries can still be compared for equality.
	Command     string `cbor:"command" json:"command"`
	CommandHash string `cbor:"command_hash" json:"command_hash"`
	WorkingDir  string `cbor:"cwd,omitempty" json:"cwd,omitempty"`

	Risk        risk.Level `cbor:"risk" json:"risk"`
	RiskReasons []string   `cbor:"risk_reasons,omitempty" json:"risk_reasons,omitempty"`
	Decision    string     `cbor:"decision" json:"decision"`

	// ExitCode is nil when the step never ran (denied, failed to
	// start, canceled before launch).
	ExitCode       *int   `cbor:"exit_code,omitempty" json:"exit_code,omitempty"`
	ErrorCode      string `cbor:"error_code,omitempty" json:"error_code,omitempty"`
	DurationMillis int64  `cbor:"duration_ms,omitempty" json:"duration_ms,omitempty"`

	Stdout Summary `cbor:"stdout" json:"stdout"`
	Stderr Summary `cbor:"stderr" json:"stderr"`

	Sanitized    SanitizedFlags `cbor:"sanitized" json:"sanitized"`
	SandboxMode  string         `cbor:"sandbox_mode,omitempty" json:"sandbox_mode,omitempty"`
	ApprovalMode string         `cbor:"approval_mode,omitempty" json:"approval_mode,omitempty"`

	// Private marks a presence-only entry: the command text, outputs,
	// and risk reasons are stripped before hashing while the hash of
	// the raw command and the decision trail remain.
	Private bool `cbor:"private,omitempty" json:"private,omitempty"`
}

// Succeeded reports whether the step ran and exited zero.
func (e *Entry) Succeeded() bool {
	return e.ExitCode != nil && *e.ExitCode == 0
}
