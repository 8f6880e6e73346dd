// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import "strings"

// ListVerdict is the outcome of consulting the allow/deny lists.
type ListVerdict int

const (
	// ListNone means no pattern matched.
	ListNone ListVerdict = iota

	// ListAllowed means an allow pattern matched and no deny pattern
	// did.
	ListAllowed

	// ListDenied means a deny pattern matched. Deny wins over allow.
	ListDenied
)

// GlobFilter matches commands against glob patterns. Deny patterns
// take precedence over allow patterns, and an empty allow list
// matches nothing rather than everything: the filter only ever
// upgrades or downgrades the mode-derived decision, it is not a
// gatekeeper on its own.
type GlobFilter struct {
	// Allow is a list of glob patterns for force-allowed commands.
	Allow []string

	// Deny is a list of glob patterns for force-denied commands.
	Deny []string
}

// Verdict reports how the joined command line fares against the
// lists, along with the pattern that decided it.
func (f *GlobFilter) Verdict(argv []string) (ListVerdict, string) {
	command := strings.Join(argv, " ")

	for _, pattern := range f.Deny {
		if matchGlob(pattern, command) {
			return ListDenied, pattern
		}
	}
	for _, pattern := range f.Allow {
		if matchGlob(pattern, command) {
			return ListAllowed, pattern
		}
	}
	return ListNone, ""
}

// matchGlob performs simple glob matching. Supports * as a wildcard
// matching any run of characters, including none.
func matchGlob(pattern, str string) bool {
	parts := strings.Split(pattern, "*")

	if len(parts) == 1 {
		return pattern == str
	}

	if !strings.HasPrefix(str, parts[0]) {
		return false
	}
	str = str[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(str, parts[i])
		if idx == -1 {
			return false
		}
		str = str[idx+len(parts[i]):]
	}

	return strings.HasSuffix(str, parts[len(parts)-1])
}
