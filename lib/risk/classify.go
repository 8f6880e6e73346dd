// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package risk classifies planned commands before any policy decision
// is made. Classification is total and deterministic: every input
// yields exactly one level with at least one reason, and commands no
// rule recognizes default to medium rather than low. The classifier
// never touches the filesystem; containment with symlink resolution
// is the policy engine's job.
package risk

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Input is the lexical context a step is classified from.
type Input struct {
	// Argv is the command and its arguments. No shell is involved.
	Argv []string

	// WorkingDir is the directory the step would run in. Used to
	// resolve relative path arguments lexically.
	WorkingDir string

	// Workspace is the declared workspace root. Absolute path
	// arguments outside it raise the level for mutating commands.
	// Empty disables the boundary signal.
	Workspace string
}

// Assessment is the classifier's verdict. The policy engine consumes
// the level and flags; the ledger records all of it.
type Assessment struct {
	// Level is the resulting risk level, never Unknown.
	Level Level `json:"level"`

	// Reasons explains every signal that contributed, in rule order.
	// Never empty.
	Reasons []string `json:"reasons"`

	// Mutating is false only for commands on the read-only allowlist
	// with no overwrite signals. Unknown commands count as mutating.
	Mutating bool `json:"mutating"`

	// Overwrite reports that the command may replace existing data.
	Overwrite bool `json:"overwrite,omitempty"`

	// OutsideWorkspace reports a mutating command referencing an
	// absolute or escaping path beyond the workspace root.
	OutsideWorkspace bool `json:"outside_workspace,omitempty"`

	// RuleVersion is the version of the rule set that produced this
	// assessment.
	RuleVersion int `json:"rule_version"`
}

// Classifier applies a compiled rule set to planned commands.
type Classifier struct {
	rules    *RuleSet
	readonly map[string]bool
}

// New builds a classifier from rules, compiling them first. A nil
// rules argument selects the built-in defaults.
func New(rules *RuleSet) (*Classifier, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	if err := rules.Compile(); err != nil {
		return nil, fmt.Errorf("risk: %w", err)
	}
	readonly := make(map[string]bool, len(rules.ReadOnlyCommands))
	for _, cmd := range rules.ReadOnlyCommands {
		readonly[cmd] = true
	}
	return &Classifier{rules: rules, readonly: readonly}, nil
}

// Default returns a classifier over the built-in rules. The built-in
// patterns are covered by tests, so compilation cannot fail.
func Default() *Classifier {
	c, err := New(nil)
	if err != nil {
		panic("risk: default rules failed to compile: " + err.Error())
	}
	return c
}

// RuleVersion reports the active rule set version.
func (c *Classifier) RuleVersion() int {
	return c.rules.Version
}

// Classify assesses one planned step. It is pure: identical input
// always yields an identical assessment.
func (c *Classifier) Classify(in Input) Assessment {
	out := Assessment{RuleVersion: c.rules.Version}
	if len(in.Argv) == 0 {
		out.Level = Medium
		out.Reasons = []string{"empty command"}
		return out
	}

	joined := strings.Join(in.Argv, " ")
	matched := Unknown
	for i := range c.rules.Matchers {
		m := &c.rules.Matchers[i]
		if m.compiled.MatchString(joined) {
			if m.Level > matched {
				matched = m.Level
			}
			out.Reasons = append(out.Reasons, m.Name+": "+m.Reason)
		}
	}
	if matched == Unknown {
		out.Level = Medium
		out.Reasons = append(out.Reasons, "no rule matched, defaulting to medium")
	} else {
		out.Level = matched
	}

	if reasons := overwriteSignals(in.Argv); len(reasons) > 0 {
		out.Overwrite = true
		out.Reasons = append(out.Reasons, reasons...)
		out.Level = out.Level.AtLeast(Medium)
	}

	base := filepath.Base(in.Argv[0])
	out.Mutating = !c.readonly[base] || out.Overwrite

	if in.Workspace != "" && out.Mutating {
		if escape := escapingPath(in.Argv, in.WorkingDir, in.Workspace); escape != "" {
			out.OutsideWorkspace = true
			out.Reasons = append(out.Reasons, "touches path outside workspace: "+escape)
			out.Level = High
		}
	}
	return out
}

// overwriteVerbs lists commands whose normal operation can replace an
// existing target file.
var overwriteVerbs = map[string]string{
	"cp":       "cp may replace an existing target",
	"mv":       "mv may replace an existing target",
	"install":  "install may replace an existing target",
	"rsync":    "rsync may replace existing targets",
	"tee":      "tee truncates its target",
	"truncate": "truncate discards target contents",
	"ln":       "ln may replace an existing link",
	"dd":       "dd overwrites its of= target",
}

func overwriteSignals(argv []string) []string {
	var reasons []string
	base := filepath.Base(argv[0])
	if msg, ok := overwriteVerbs[base]; ok {
		appendOnly := base == "tee" && hasFlag(argv[1:], "-a", "--append")
		if !appendOnly {
			reasons = append(reasons, "overwrite: "+msg)
		}
	}
	for _, tok := range argv[1:] {
		// Steps run without a shell, so a redirection token signals a
		// plan written for shell semantics. Flag it rather than let
		// it pass as an ordinary argument.
		if strings.HasPrefix(tok, ">") || strings.HasPrefix(tok, "1>") || strings.HasPrefix(tok, "2>") {
			reasons = append(reasons, fmt.Sprintf("overwrite: redirection token %q in arguments", tok))
			break
		}
	}
	return reasons
}

func hasFlag(args []string, flags ...string) bool {
	for _, a := range args {
		for _, f := range flags {
			if a == f {
				return true
			}
		}
	}
	return false
}

// escapingPath returns the first path argument that lexically resolves
// outside the workspace root, or "" when every path stays inside.
// Resolution is purely lexical; symlinks are the policy engine's
// concern.
func escapingPath(argv []string, workingDir, workspace string) string {
	root := filepath.Clean(workspace)
	for _, tok := range argv[1:] {
		for _, cand := range pathCandidates(tok) {
			resolved := cand
			if !filepath.IsAbs(resolved) {
				if !strings.Contains(resolved, "..") {
					continue
				}
				if workingDir == "" || !filepath.IsAbs(workingDir) {
					continue
				}
				resolved = filepath.Join(workingDir, resolved)
			}
			resolved = filepath.Clean(resolved)
			if resolved == "/dev/null" {
				continue
			}
			if !pathWithin(root, resolved) {
				return resolved
			}
		}
	}
	return ""
}

// pathCandidates extracts the path-like parts of one argv token:
// the token itself unless it is a flag or URL, plus the value of any
// key=value form such as of=/dev/sda or --output=/etc/x.
func pathCandidates(tok string) []string {
	if tok == "" || tok == "-" || strings.Contains(tok, "://") {
		return nil
	}
	if i := strings.IndexByte(tok, '='); i >= 0 {
		val := tok[i+1:]
		if val == "" || strings.Contains(val, "://") {
			return nil
		}
		return []string{val}
	}
	if strings.HasPrefix(tok, "-") {
		return nil
	}
	return []string{tok}
}

func pathWithin(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
