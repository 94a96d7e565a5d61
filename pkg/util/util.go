package util

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Permission constants for file and directory modes.
const (
	// UserWritableDirPerms represents the standard permissions for newly created directories (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms represents the standard permissions for newly created files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
	// UserOnlyFilePerms is used for files holding credentials (rw-------).
	UserOnlyFilePerms os.FileMode = 0600
)

// RootLocationName replaces the location "." wherever a location becomes a
// directory or object name.
const RootLocationName = "root"

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}
	return filepath.Join(home, p[1:]), nil
}

// InvertMap takes a map[K]V and returns a map[V]K.
// It's a generic helper for creating reverse lookup maps for enums.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}

// NormalizePath converts an OS path into the forward-slash form used for
// archive entry names and remote object keys.
func NormalizePath(p string) string {
	return filepath.ToSlash(p)
}

// DenormalizePath converts a forward-slash path into the OS form.
func DenormalizePath(p string) string {
	return filepath.FromSlash(p)
}

// LocationDir maps a target location to the directory name used below the
// local archive directory and on remote stores. "." becomes "root" and
// leading "../" segments are dropped so the result never escapes its base.
func LocationDir(location string) string {
	loc := path.Clean(NormalizePath(location))
	for strings.HasPrefix(loc, "../") {
		loc = strings.TrimPrefix(loc, "../")
	}
	if loc == "." || loc == ".." || loc == "" {
		return RootLocationName
	}
	return loc
}

// LastPathSegment returns the final element of a location, or "root" for the
// base folder.
func LastPathSegment(location string) string {
	return path.Base(LocationDir(location))
}

// IsWithin reports whether absPath equals absBase or lies below it.
// Both paths must be absolute and already canonicalized.
func IsWithin(absBase, absPath string) bool {
	rel, err := filepath.Rel(absBase, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Canonicalize resolves symlinks and returns an absolute, clean path.
// A path that does not exist yet is made absolute without resolving.
func Canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", err
	}
	return resolved, nil
}
