// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveWithin reports whether path stays inside root after symlink
// and relative traversal resolution. The returned string is the
// resolved form of path, useful in deny reasons.
//
// Paths that do not exist yet are resolved through their deepest
// existing ancestor, so a command creating sub/new/file.txt is judged
// by where sub/new would actually land, not by its lexical spelling.
func ResolveWithin(root, path string) (bool, string, error) {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false, "", fmt.Errorf("resolving workspace root %s: %w", root, err)
	}
	resolved, err := resolveExisting(filepath.Clean(path))
	if err != nil {
		return false, "", fmt.Errorf("resolving %s: %w", path, err)
	}
	return pathWithin(resolvedRoot, resolved), resolved, nil
}

// resolveExisting resolves symlinks through the deepest existing
// ancestor of path and reattaches the non-existing suffix lexically.
func resolveExisting(path string) (string, error) {
	suffix := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			// Ran out of ancestors. Only possible for a root that
			// does not exist.
			return "", err
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}

func pathWithin(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
