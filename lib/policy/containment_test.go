// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveWithinInside(t *testing.T) {
	ws := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"root itself", ws},
		{"existing child", filepath.Join(ws, "file.txt")},
		{"missing child", filepath.Join(ws, "not-yet", "created.txt")},
		{"dot traversal staying inside", filepath.Join(ws, "sub", "..", "other")},
	}

	if err := os.WriteFile(filepath.Join(ws, "file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inside, _, err := ResolveWithin(ws, tt.path)
			if err != nil {
				t.Fatalf("ResolveWithin: %v", err)
			}
			if !inside {
				t.Errorf("%s judged outside workspace", tt.path)
			}
		})
	}
}

func TestResolveWithinOutside(t *testing.T) {
	ws := t.TempDir()
	other := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"absolute system path", "/etc/passwd"},
		{"sibling directory", other},
		{"traversal escape", filepath.Join(ws, "..", "escape.txt")},
		{"missing path under sibling", filepath.Join(other, "new", "file.txt")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inside, _, err := ResolveWithin(ws, tt.path)
			if err != nil {
				t.Fatalf("ResolveWithin: %v", err)
			}
			if inside {
				t.Errorf("%s judged inside workspace", tt.path)
			}
		})
	}
}

func TestResolveWithinSymlinkEscape(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(ws, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}

	// The lexical spelling is inside the workspace, but resolution
	// must follow the link out.
	inside, resolved, err := ResolveWithin(ws, filepath.Join(link, "data.txt"))
	if err != nil {
		t.Fatalf("ResolveWithin: %v", err)
	}
	if inside {
		t.Errorf("symlinked path %s judged inside workspace", resolved)
	}
}

func TestResolveWithinSymlinkInside(t *testing.T) {
	ws := t.TempDir()

	real := filepath.Join(ws, "real")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatal(err)
	}
	alias := filepath.Join(ws, "alias")
	if err := os.Symlink(real, alias); err != nil {
		t.Fatal(err)
	}

	inside, _, err := ResolveWithin(ws, filepath.Join(alias, "file.txt"))
	if err != nil {
		t.Fatalf("ResolveWithin: %v", err)
	}
	if !inside {
		t.Error("symlink resolving inside the workspace judged outside")
	}
}

func TestResolveWithinMissingRoot(t *testing.T) {
	if _, _, err := ResolveWithin("/no/such/workspace/root", "/tmp/x"); err == nil {
		t.Error("missing workspace root accepted")
	}
}
