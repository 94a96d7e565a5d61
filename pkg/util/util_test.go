package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLocationDir(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"Base folder", ".", "root"},
		{"Empty", "", "root"},
		{"Plain", "world", "world"},
		{"Nested", "world/region", "world/region"},
		{"Trailing slash", "world/", "world"},
		{"Parent escape", "../world", "world"},
		{"Double parent escape", "../../srv/world", "srv/world"},
		{"Only parent", "..", "root"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := LocationDir(tc.input); got != tc.expected {
				t.Errorf("LocationDir(%q) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestLastPathSegment(t *testing.T) {
	if got := LastPathSegment("plugins/worldedit"); got != "worldedit" {
		t.Errorf("expected worldedit, got %q", got)
	}
	if got := LastPathSegment("."); got != "root" {
		t.Errorf("expected root, got %q", got)
	}
}

func TestIsWithin(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "srv", "backups")
	testCases := []struct {
		name     string
		path     string
		expected bool
	}{
		{"Same dir", base, true},
		{"Child", filepath.Join(base, "world", "a.tar.zst"), true},
		{"Sibling with prefix", base + "-old", false},
		{"Parent", filepath.Dir(base), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsWithin(base, tc.path); got != tc.expected {
				t.Errorf("IsWithin(%q, %q) = %v, want %v", base, tc.path, got, tc.expected)
			}
		})
	}
}

func TestCanonicalizeResolvesSymlinks(t *testing.T) {
	// Arrange
	tmp := t.TempDir()
	realDir := filepath.Join(tmp, "real")
	if err := os.Mkdir(realDir, UserWritableDirPerms); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(tmp, "link")
	if err := os.Symlink(realDir, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	wantReal, err := filepath.EvalSymlinks(realDir)
	if err != nil {
		t.Fatal(err)
	}

	// Act
	got, err := Canonicalize(link)

	// Assert
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if got != wantReal {
		t.Errorf("expected %q, got %q", wantReal, got)
	}
}

func TestCanonicalizeMissingPath(t *testing.T) {
	tmp := t.TempDir()
	missing := filepath.Join(tmp, "does-not-exist")

	got, err := Canonicalize(missing)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("expected absolute path, got %q", got)
	}
}

func TestInvertMap(t *testing.T) {
	inv := InvertMap(map[string]int{"a": 1, "b": 2})
	if inv[1] != "a" || inv[2] != "b" {
		t.Errorf("unexpected inverted map: %v", inv)
	}
}
