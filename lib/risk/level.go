// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package risk

import "fmt"

// Level is the ordered risk scale attached to every governed step.
// The zero value is deliberately not a valid level: an unclassified
// step must never read as low-risk by accident.
type Level int

const (
	// Unknown is the zero value. Classification never returns it.
	Unknown Level = iota

	// Low marks read-only inspection commands.
	Low

	// Medium is the default for anything no rule recognizes, and the
	// floor for overwrite-capable commands and outbound calls
	// carrying user content.
	Medium

	// High marks destructive, history-rewriting, or system-mutating
	// commands.
	High
)

// String returns the stable wire/ledger form.
func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler so levels serialize as
// strings in CBOR, JSON, and YAML alike.
func (l Level) MarshalText() ([]byte, error) {
	if l < Low || l > High {
		return nil, fmt.Errorf("risk: cannot marshal invalid level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel converts the wire form back to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	}
	return Unknown, fmt.Errorf("risk: unknown level %q", s)
}

// AtLeast returns the higher of l and floor.
func (l Level) AtLeast(floor Level) Level {
	if l < floor {
		return floor
	}
	return l
}
