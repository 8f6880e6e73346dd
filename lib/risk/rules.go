// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/tidwall/jsonc"
)

// Matcher is one data-driven classification rule. The pattern is
// applied to the space-joined argv of a step; every matching rule
// contributes its level and reason, and the step's level is the
// maximum across matches.
type Matcher struct {
	// Name identifies the rule in reasons and diagnostics.
	Name string `json:"name"`

	// Level is the level this rule votes for.
	Level Level `json:"level"`

	// Pattern is an uncompiled regular expression evaluated against
	// the joined command line.
	Pattern string `json:"pattern"`

	// Reason is the human-readable explanation recorded in the
	// assessment when the rule matches.
	Reason string `json:"reason"`

	compiled *regexp.Regexp
}

// RuleSet is a versioned collection of matchers plus the read-only
// command allowlist used to derive the mutating flag. Operators ship
// replacements as JSONC files; the embedded defaults cover a stock
// Unix toolchain.
type RuleSet struct {
	// Version must be >= 1. Recorded in every assessment so ledger
	// entries stay interpretable after rule updates.
	Version int `json:"version"`

	// Matchers are evaluated in order, though ordering only affects
	// reason ordering: the resulting level is the maximum of all
	// matches.
	Matchers []Matcher `json:"matchers"`

	// ReadOnlyCommands lists argv[0] basenames that never mutate
	// state on their own. Anything absent from this list is treated
	// as mutating.
	ReadOnlyCommands []string `json:"readonly_commands"`
}

// Compile validates and compiles every matcher pattern, aggregating
// all failures so a broken rule file reports each bad rule at once.
func (rs *RuleSet) Compile() error {
	var errs []error
	if rs.Version < 1 {
		errs = append(errs, fmt.Errorf("rule set version must be >= 1, got %d", rs.Version))
	}
	if len(rs.Matchers) == 0 {
		errs = append(errs, errors.New("rule set has no matchers"))
	}
	for i := range rs.Matchers {
		m := &rs.Matchers[i]
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("matcher %d has no name", i))
		}
		if m.Level < Low || m.Level > High {
			errs = append(errs, fmt.Errorf("matcher %q has invalid level", m.Name))
		}
		compiled, err := regexp.Compile(m.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("matcher %q: %w", m.Name, err))
			continue
		}
		m.compiled = compiled
	}
	return errors.Join(errs...)
}

// LoadRules reads a JSONC rule file from path.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("risk: reading rules %s: %w", path, err)
	}
	rs, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("risk: parsing rules %s: %w", path, err)
	}
	return rs, nil
}

// ParseRules parses JSONC rule data and compiles it.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := json.Unmarshal(jsonc.ToJSON(data), &rs); err != nil {
		return nil, fmt.Errorf("decoding rule set: %w", err)
	}
	if err := rs.Compile(); err != nil {
		return nil, fmt.Errorf("compiling rule set: %w", err)
	}
	return &rs, nil
}

// DefaultRules returns the built-in rule set. Matcher levels follow a
// conservative reading of a stock toolchain: inspection commands are
// low, destructive or system-scoped commands are high, and everything
// else falls through to the medium default.
func DefaultRules() *RuleSet {
	return &RuleSet{
		Version: 1,
		Matchers: []Matcher{
			{
				Name:    "recursive-delete",
				Level:   High,
				Pattern: `^rm\s+(-[a-zA-Z]*[rR]|--recursive)\b`,
				Reason:  "recursive deletion",
			},
			{
				Name:    "forced-delete",
				Level:   High,
				Pattern: `^rm\s+(-[a-zA-Z]*f|--force)\b`,
				Reason:  "forced deletion",
			},
			{
				Name:    "privilege-escalation",
				Level:   High,
				Pattern: `^(sudo|doas|su)\b`,
				Reason:  "privilege escalation",
			},
			{
				Name:    "history-rewrite",
				Level:   High,
				Pattern: `^git\s+(push\s+.*--force(-with-lease)?\b|rebase\b|reset\s+--hard\b|filter-branch\b|reflog\s+expire\b)`,
				Reason:  "rewrites version control history",
			},
			{
				Name:    "vcs-clean",
				Level:   High,
				Pattern: `^git\s+clean\s+-[a-zA-Z]*[fd]`,
				Reason:  "deletes untracked files",
			},
			{
				Name:    "service-control",
				Level:   High,
				Pattern: `^(systemctl|service)\s+(start|stop|restart|reload|enable|disable|mask)\b`,
				Reason:  "system service mutation",
			},
			{
				Name:    "filesystem-format",
				Level:   High,
				Pattern: `^(mkfs|wipefs|fdisk|parted|mkswap)\b`,
				Reason:  "filesystem or partition mutation",
			},
			{
				Name:    "raw-device-write",
				Level:   High,
				Pattern: `^dd\b.*\bof=/dev/`,
				Reason:  "writes to a raw device",
			},
			{
				Name:    "recursive-chmod",
				Level:   High,
				Pattern: `^(chmod|chown|chgrp)\s+-[a-zA-Z]*R\b`,
				Reason:  "recursive permission change",
			},
			{
				Name:    "world-writable",
				Level:   High,
				Pattern: `^chmod\s+([0-7])?777\b`,
				Reason:  "world-writable permissions",
			},
			{
				Name:    "package-mutation",
				Level:   High,
				Pattern: `^(apt|apt-get|yum|dnf|pacman|zypper|brew)\s+(install|remove|purge|upgrade|autoremove)\b`,
				Reason:  "system package mutation",
			},
			{
				Name:    "global-install",
				Level:   High,
				Pattern: `^(npm|pnpm|yarn)\s+\S+.*\s(-g|--global)\b`,
				Reason:  "global package install",
			},
			{
				Name:    "power-control",
				Level:   High,
				Pattern: `^(shutdown|reboot|halt|poweroff)\b`,
				Reason:  "host power control",
			},
			{
				Name:    "pipe-to-shell",
				Level:   High,
				Pattern: `\b(curl|wget)\b.*\|\s*(ba|z|da)?sh\b`,
				Reason:  "pipes downloaded content into a shell",
			},
			{
				Name:    "find-delete",
				Level:   High,
				Pattern: `^find\b.*\s-delete\b`,
				Reason:  "bulk deletion via find",
			},
			{
				Name:    "find-exec",
				Level:   Medium,
				Pattern: `^find\b.*\s-(exec|execdir|ok|okdir)\b`,
				Reason:  "executes commands per matched file",
			},
			{
				Name:    "kill-init",
				Level:   High,
				Pattern: `^kill\s+(-9\s+|-KILL\s+)?1\b`,
				Reason:  "signals the init process",
			},
			{
				Name:    "network-download",
				Level:   Medium,
				Pattern: `^(curl|wget)\b`,
				Reason:  "fetches remote content",
			},
			{
				Name:    "process-signal",
				Level:   Medium,
				Pattern: `^(kill|pkill|killall)\b`,
				Reason:  "signals processes",
			},
			{
				Name:    "inspect",
				Level:   Low,
				Pattern: `^(ls|cat|head|tail|wc|pwd|echo|printf|stat|file|which|whereis|du|df|ps|env|printenv|date|uname|id|whoami|hostname|uptime|free|readlink|realpath|basename|dirname|md5sum|sha1sum|sha256sum|b2sum)\b`,
				Reason:  "read-only inspection",
			},
			{
				Name:    "search",
				Level:   Low,
				Pattern: `^(grep|egrep|fgrep|rg|find|locate|diff|cmp|strings|tree)\b`,
				Reason:  "read-only search",
			},
			{
				Name:    "vcs-inspect",
				Level:   Low,
				Pattern: `^git\s+(status|log|diff|show|branch|remote|describe|rev-parse|ls-files|blame|shortlog|tag\s*$)`,
				Reason:  "read-only version control query",
			},
		},
		ReadOnlyCommands: []string{
			"ls", "cat", "head", "tail", "wc", "pwd", "stat", "file",
			"which", "whereis", "du", "df", "ps", "env", "printenv",
			"date", "uname", "id", "whoami", "hostname", "uptime",
			"free", "readlink", "realpath", "basename", "dirname",
			"md5sum", "sha1sum", "sha256sum", "b2sum",
			"grep", "egrep", "fgrep", "rg", "locate", "diff", "cmp",
			"strings", "tree", "echo", "true", "false", "sleep",
		},
	}
}
