// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package sanitize strips secrets, identifiers, and filesystem detail
// from text before it crosses a trust boundary: every IPC payload
// leaving the agent and every output summary written to the audit
// ledger passes through here first.
//
// The engine is deliberately dumb: an ordered list of compiled
// patterns, each mapping to a fixed placeholder. All cleverness lives
// in the rule data (lib/sanitize/rules.go, or an operator-supplied
// JSONC file), so signatures are tested and extended without touching
// control flow.
//
// Sanitize is idempotent and total: sanitizing already-sanitized text
// returns it unchanged, and no input errors.
package sanitize

import (
	"fmt"
	"strconv"
	"strings"
)

// Report describes what Sanitize did to one input.
type Report struct {
	// Changed is true when the output differs from the input.
	Changed bool

	// Hits counts matches per rule name. A rule whose replacement
	// happened to equal the matched text still counts; Changed is the
	// authoritative "did anything leave" signal.
	Hits map[string]int

	// RuleVersion is the version of the rule set that ran.
	RuleVersion int
}

// Total returns the total number of rule matches.
func (r Report) Total() int {
	n := 0
	for _, c := range r.Hits {
		n += c
	}
	return n
}

// Sanitizer applies a compiled rule set.
type Sanitizer struct {
	rules *RuleSet
}

// New builds a Sanitizer over the given rule set. The set must be
// compiled (DefaultRules, LoadRules, and ParseRules all return
// compiled sets).
func New(rules *RuleSet) *Sanitizer {
	return &Sanitizer{rules: rules}
}

// Default returns a Sanitizer over the built-in rules.
func Default() *Sanitizer {
	return New(DefaultRules())
}

// RuleVersion returns the version of the active rule set.
func (s *Sanitizer) RuleVersion() int {
	return s.rules.Version
}

// Sanitize masks every rule match in text and reports what happened.
// It never fails; unmatched content passes through untouched.
func (s *Sanitizer) Sanitize(text string) (string, Report) {
	report := Report{
		Hits:        make(map[string]int),
		RuleVersion: s.rules.Version,
	}

	result := text
	for i := range s.rules.Rules {
		rule := &s.rules.Rules[i]
		if rule.compiled == nil {
			continue
		}
		matches := rule.compiled.FindAllStringIndex(result, -1)
		if len(matches) == 0 {
			continue
		}
		report.Hits[rule.Name] += len(matches)

		replacement := placeholder(rule.Category)
		if rule.KeepGroup > 0 {
			replacement = "${" + strconv.Itoa(rule.KeepGroup) + "}" + replacement
		}
		result = rule.compiled.ReplaceAllString(result, replacement)
	}

	report.Changed = result != text
	return result, report
}

// GuardPrompt rejects outbound prompt text containing command-
// execution hints from the rule set's blocked token list. The check is
// a lowercase substring scan; it exists to catch the blatant "please
// run rm -rf" prompt, not to be a jailbreak-proof filter.
func (s *Sanitizer) GuardPrompt(prompt string) error {
	lowered := strings.ToLower(prompt)
	for _, token := range s.rules.BlockedPromptTokens {
		if strings.Contains(lowered, token) {
			return fmt.Errorf("prompt contains blocked token %q", strings.TrimSpace(token))
		}
	}
	return nil
}

// CheckTopic rejects text mentioning a blocked research topic. The
// blocklist comes from trust policy configuration, not the rule file,
// because topics are a per-deployment judgment rather than a secret
// signature.
func CheckTopic(text string, blockedTopics []string) error {
	lowered := strings.ToLower(text)
	for _, topic := range blockedTopics {
		trimmed := strings.ToLower(strings.TrimSpace(topic))
		if trimmed == "" {
			continue
		}
		if strings.Contains(lowered, trimmed) {
			return fmt.Errorf("text mentions blocked topic %q", trimmed)
		}
	}
	return nil
}
