// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"path/filepath"
	"strings"
)

// writeTargets extracts the paths a mutating command could plausibly
// write to: the working directory itself plus every path-like
// argument, made absolute against the working directory. Arguments
// that are not really paths resolve harmlessly inside the working
// directory, so over-extraction cannot produce a spurious deny.
func writeTargets(argv []string, workingDir string) []string {
	targets := []string{workingDir}
	seen := map[string]bool{workingDir: true}

	for _, tok := range argv[1:] {
		cand, ok := pathCandidate(tok)
		if !ok {
			continue
		}
		if !filepath.IsAbs(cand) {
			cand = filepath.Join(workingDir, cand)
		}
		cand = filepath.Clean(cand)
		if cand == "/dev/null" || seen[cand] {
			continue
		}
		seen[cand] = true
		targets = append(targets, cand)
	}
	return targets
}

// pathCandidate extracts the path-like part of one argv token: the
// token itself unless it is a flag or URL, or the value of a
// key=value form such as of=/dev/sda or --output=/etc/x.
func pathCandidate(tok string) (string, bool) {
	if tok == "" || tok == "-" || strings.Contains(tok, "://") {
		return "", false
	}
	if i := strings.IndexByte(tok, '='); i >= 0 {
		val := tok[i+1:]
		if val == "" || strings.Contains(val, "://") {
			return "", false
		}
		return val, true
	}
	if strings.HasPrefix(tok, "-") {
		return "", false
	}
	return tok, true
}
