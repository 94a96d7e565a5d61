package pathcompression

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-serverbackup/pkg/blacklist"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

// Manifest is the ordered set of root-relative paths selected for one
// archive. It is built once per request and never modified afterwards.
type Manifest struct {
	Root          string
	Files         []string
	SelfSkipped   int
	BlacklistHits map[string]int64
}

// enumerate walks absRoot depth first in listing order. Files that resolve into
// absStorage are counted and skipped, then the blacklist is applied; entries
// that cannot be read are logged and skipped.
func enumerate(ctx context.Context, absRoot, absStorage string, bl *blacklist.Matcher) (*Manifest, error) {
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("cannot read backup root %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("backup root %s is not a directory", absRoot)
	}

	bl.Reset()
	m := &Manifest{Root: absRoot}

	walkErr := filepath.WalkDir(absRoot, func(absPath string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if walkErr != nil {
			if absPath == absRoot {
				return walkErr
			}
			plog.Warn("Skipping unreadable entry", "path", absPath, "error", walkErr)
			return nil
		}
		if d.IsDir() {
			return nil
		}

		if !d.Type().IsRegular() {
			if d.Type()&fs.ModeSymlink == 0 {
				plog.Debug("Skipping non-regular file", "path", absPath)
				return nil
			}
			target, err := os.Stat(absPath)
			if err != nil || !target.Mode().IsRegular() {
				plog.Debug("Skipping symlink that does not resolve to a regular file", "path", absPath)
				return nil
			}
		}

		canonical, err := util.Canonicalize(absPath)
		if err != nil {
			plog.Warn("Skipping file that cannot be resolved", "path", absPath, "error", err)
			return nil
		}
		if util.IsWithin(absStorage, canonical) {
			m.SelfSkipped++
			return nil
		}

		rel, err := filepath.Rel(absRoot, absPath)
		if err != nil {
			plog.Warn("Skipping file outside backup root", "path", absPath, "error", err)
			return nil
		}
		rel = util.NormalizePath(rel)

		if bl.Match(rel) != nil {
			return nil
		}
		m.Files = append(m.Files, rel)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	m.BlacklistHits = bl.Hits()
	return m, nil
}
