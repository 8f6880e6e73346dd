// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package sanitize

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
)

// Placeholder text per redaction category. Placeholders contain no
// characters that any default rule matches, which is what makes
// Sanitize idempotent.
const (
	RedactedKey   = "[REDACTED_KEY]"
	RedactedEmail = "[REDACTED_EMAIL]"
	RedactedPath  = "[REDACTED_PATH]"
	RedactedURL   = "[REDACTED_URL]"
)

// Rule is one redaction pattern. Rules are data, not code: the engine
// applies whatever set it was built with, so new signatures ship as
// rule-set updates without touching the engine.
type Rule struct {
	// Name identifies the rule in reports and rule-file errors.
	Name string `json:"name"`

	// Category selects the placeholder: "key", "email", "path", or
	// "url". Unknown categories render as [REDACTED_<CATEGORY>].
	Category string `json:"category"`

	// Pattern is the regular expression (RE2 syntax) to mask.
	Pattern string `json:"pattern"`

	// KeepGroup, when non-zero, is the index of a capture group whose
	// text is preserved in front of the placeholder; the rest of the
	// match is masked. The assignment rule uses it so `API_KEY=...`
	// keeps its variable name, and the Unix path rule uses it to
	// retain the delimiter that anchored the match.
	KeepGroup int `json:"keep_group,omitempty"`

	compiled *regexp.Regexp
}

// RuleSet is a versioned, ordered collection of redaction rules plus
// the prompt-guard token list. Order matters: URL rules must run
// before path rules so a credentialed URL is masked whole instead of
// losing just its path tail.
type RuleSet struct {
	// Version identifies the rule revision for audit entries and rule
	// file validation output.
	Version int `json:"version"`

	// Rules are applied in order.
	Rules []Rule `json:"rules"`

	// BlockedPromptTokens are lowercase substrings that make an
	// outbound prompt unsendable (command-execution hints). Consulted
	// by GuardPrompt, not by Sanitize.
	BlockedPromptTokens []string `json:"blocked_prompt_tokens,omitempty"`
}

// DefaultRules returns the built-in rule set. The patterns cover the
// signature categories the governance design names: credential-like
// tokens, bearer/JWT material, environment-style secret assignments,
// credentialed URLs, email addresses, and absolute filesystem paths
// (both Unix and Windows drive forms).
func DefaultRules() *RuleSet {
	set := &RuleSet{
		Version: 1,
		Rules: []Rule{
			// Credentialed URLs first: once a URL is gone the path
			// rules cannot half-eat it.
			{Name: "url-credentials", Category: "url",
				Pattern: `[a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]+:[^/\s@]+@[^\s]+`},
			{Name: "jwt", Category: "key",
				Pattern: `eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{4,}`},
			{Name: "bearer", Category: "key",
				Pattern: `(?i)bearer\s+[A-Za-z0-9._~+/-]{8,}=*`},
			{Name: "openai-key", Category: "key",
				Pattern: `sk-[A-Za-z0-9]{10,}`},
			{Name: "github-token", Category: "key",
				Pattern: `gh[pousr]_[A-Za-z0-9]{20,}`},
			{Name: "aws-access-key", Category: "key",
				Pattern: `AKIA[0-9A-Z]{16}`},
			{Name: "slack-token", Category: "key",
				Pattern: `xox[baprs]-[A-Za-z0-9-]{10,}`},
			// Assignment-style secrets keep the variable name so the
			// surrounding text stays readable.
			{Name: "secret-assignment", Category: "key", KeepGroup: 1,
				Pattern: `(?i)\b((?:api[_-]?key|secret|token|passwd|password|credential)s?\s*[=:]\s*)[^\s"']+`},
			{Name: "email", Category: "email",
				Pattern: `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`},
			{Name: "windows-path", Category: "path",
				Pattern: `[A-Za-z]:\\[^\s"']{3,}`},
			// Unix absolute paths with at least two components; short
			// single-segment mentions like /tmp pass through.
			{Name: "unix-path", Category: "path",
				Pattern: `(^|[\s"'=(])(/[\w.@+-]+(?:/[\w.@+-]+)+)`, KeepGroup: 1},
		},
		BlockedPromptTokens: []string{
			"command:", "rm -rf", "rm ", "del ", "format c:", "sudo ",
			"apt-get", "chmod ", "chown ", "mv / ", "cp / ", "dd if=",
			"mkfs", "wipefs", "reboot", "shutdown",
		},
	}
	if err := set.Compile(); err != nil {
		panic("sanitize: default rules failed to compile: " + err.Error())
	}
	return set
}

// Compile compiles every rule pattern, collecting all failures rather
// than stopping at the first, so a rule file author sees every broken
// pattern at once.
func (s *RuleSet) Compile() error {
	var errs []error
	for i := range s.Rules {
		rule := &s.Rules[i]
		if rule.Name == "" {
			errs = append(errs, fmt.Errorf("rule %d: name is required", i))
		}
		if rule.Category == "" {
			errs = append(errs, fmt.Errorf("rule %q: category is required", rule.Name))
		}
		compiled, err := regexp.Compile(rule.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", rule.Name, err))
			continue
		}
		rule.compiled = compiled
	}
	return errors.Join(errs...)
}

// placeholder returns the replacement for a category.
func placeholder(category string) string {
	switch category {
	case "key":
		return RedactedKey
	case "email":
		return RedactedEmail
	case "path":
		return RedactedPath
	case "url":
		return RedactedURL
	}
	return "[REDACTED_" + strings.ToUpper(category) + "]"
}

// LoadRules reads a JSONC rule file (// comments, /* blocks */, and
// trailing commas allowed), unmarshals, and compiles it. The loaded
// set replaces the defaults entirely; an operator who wants the
// defaults plus one signature copies the default file and edits it,
// keeping the active rule data reviewable in one place.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses JSONC rule data and compiles it.
func ParseRules(data []byte) (*RuleSet, error) {
	stripped := jsonc.ToJSON(data)

	var set RuleSet
	if err := json.Unmarshal(stripped, &set); err != nil {
		return nil, fmt.Errorf("parsing rule file: %w", err)
	}
	if set.Version < 1 {
		return nil, fmt.Errorf("rule file version %d: must be >= 1", set.Version)
	}
	if len(set.Rules) == 0 {
		return nil, fmt.Errorf("rule file contains no rules")
	}
	if err := set.Compile(); err != nil {
		return nil, fmt.Errorf("compiling rule file: %w", err)
	}
	return &set, nil
}
