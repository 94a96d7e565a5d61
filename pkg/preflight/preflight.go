// Package preflight provides checks that run before a backup touches the
// filesystem. Apart from creating the local directory when a plan asks for it,
// the checks leave the system unchanged.
package preflight

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

// Plan selects the checks Run performs.
type Plan struct {
	SourceAccessible  bool
	LocalAccessible   bool
	LocalWriteable    bool
	EnsureLocalExists bool
}

// Run performs the checks selected by plan in a fixed order and returns the
// first failure.
func Run(sourceRoot, localDir string, plan Plan) error {
	if plan.SourceAccessible {
		if err := CheckSourceRootAccessible(sourceRoot); err != nil {
			return err
		}
	}
	if plan.LocalAccessible {
		if err := CheckLocalDirectoryAccessible(localDir); err != nil {
			return err
		}
	}
	if plan.LocalWriteable {
		if err := CheckLocalDirectoryWritable(localDir, plan.EnsureLocalExists); err != nil {
			return err
		}
	}
	return nil
}

// CheckSourceRootAccessible validates that the source root exists and is a directory.
func CheckSourceRootAccessible(sourceRoot string) error {
	info, err := os.Stat(sourceRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source root %s does not exist", sourceRoot)
		}
		return fmt.Errorf("cannot stat source root %s: %w", sourceRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source root %s is not a directory", sourceRoot)
	}
	return nil
}

// CheckLocalDirectoryAccessible ensures the archive directory is usable. It
// gives friendlier errors than letting os.MkdirAll fail later.
//
// The checks include:
//  1. The path is not a filesystem root.
//  2. On Windows, the drive or network share exists.
//  3. An existing path is a directory.
//  4. For a missing path, the deepest existing ancestor is an accessible directory.
func CheckLocalDirectoryAccessible(localDir string) error {
	if isUnsafeRoot(filepath.Clean(localDir)) {
		return fmt.Errorf("local directory cannot be a filesystem root: %s", localDir)
	}
	if err := checkVolumeExists(localDir); err != nil {
		return err
	}

	info, err := os.Stat(localDir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("local directory exists but is not a directory: %s", localDir)
		}
		return nil
	}
	if !isMissing(err) {
		return fmt.Errorf("cannot access local directory: %w", err)
	}

	// Find the deepest existing ancestor.
	ancestor := filepath.Dir(localDir)
	for {
		info, err := os.Stat(ancestor)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("ancestor of local directory is not a directory: %s", ancestor)
			}
			break
		}
		if !isMissing(err) {
			return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			break // Hit root
		}
		ancestor = parent
	}
	return nil
}

// isMissing reports a stat error for a path that does not exist. A path below
// a regular file fails with ENOTDIR rather than ENOENT.
func isMissing(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR)
}

// CheckLocalDirectoryWritable creates a temporary file in localDir and removes it
// again. With ensure the directory is created first.
func CheckLocalDirectoryWritable(localDir string, ensure bool) error {
	if ensure {
		if err := os.MkdirAll(localDir, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create local directory %s: %w", localDir, err)
		}
	}
	info, err := os.Stat(localDir)
	if os.IsNotExist(err) {
		return fmt.Errorf("local directory does not exist: %s", localDir)
	} else if err != nil {
		return fmt.Errorf("cannot access local directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("local directory exists but is not a directory: %s", localDir)
	}

	f, err := os.CreateTemp(localDir, ".pgl-serverbackup-writetest-*.tmp")
	if err != nil {
		return fmt.Errorf("local directory %s is not writable: %w", localDir, err)
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)
	return nil
}
