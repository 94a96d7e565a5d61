// Package pathretention prunes old archives of a target down to a keep-count.
//
// Archives are the files in a target's local archive directory that start
// with the target's archive name prefix and carry the configured format
// extension. They are ordered newest first by modification time truncated to
// whole seconds; archives modified in the same second keep their directory
// listing order. Everything beyond the keep-count is deleted.
package pathretention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/pathretentionmetrics"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
)

// Disabled is the keep-count that turns pruning off.
const Disabled = -1

// defaultDeleteWorkers is used when Options.DeleteWorkers is not positive.
const defaultDeleteWorkers = 2

// Archive is one archive file found in a target directory.
type Archive struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
}

// Options configure a PathRetentionManager.
type Options struct {
	// Extension selects archive files, e.g. ".tar.zst".
	Extension     string
	DeleteWorkers int
	DryRun        bool
	Metrics       bool
}

// RetentionManager defines the interface for a component that prunes archives.
type RetentionManager interface {
	Apply(ctx context.Context, title, dirPath, prefix string, keep int) error
}

// Statically assert that *PathRetentionManager implements the RetentionManager interface.
var _ RetentionManager = (*PathRetentionManager)(nil)

type PathRetentionManager struct {
	opts Options
}

// NewPathRetentionManager creates a new PathRetentionManager.
func NewPathRetentionManager(opts Options) *PathRetentionManager {
	if opts.DeleteWorkers <= 0 {
		opts.DeleteWorkers = defaultDeleteWorkers
	}
	return &PathRetentionManager{opts: opts}
}

// Apply deletes every archive in dirPath whose name starts with prefix beyond
// the keep newest. A keep of Disabled is a no-op. Deletion failures are logged
// and counted; only a failure to list the directory is returned.
func (rm *PathRetentionManager) Apply(ctx context.Context, title, dirPath, prefix string, keep int) error {
	if keep < 0 {
		plog.Debug("Pruning disabled", "target", title)
		return nil
	}

	archives, err := ListArchives(ctx, dirPath, prefix, rm.opts.Extension)
	if err != nil {
		return err
	}
	if len(archives) <= keep {
		plog.Debug("No archives need deletion", "target", title, "count", len(archives), "keep", keep)
		return nil
	}

	var m pathretentionmetrics.Metrics
	if rm.opts.Metrics {
		m = &pathretentionmetrics.RetentionMetrics{}
	} else {
		m = &pathretentionmetrics.NoopMetrics{}
	}

	t := &task{
		PathRetentionManager: rm,
		ctx:                  ctx,
		title:                title,
		toDelete:             archives[keep:],
		metrics:              m,
		deleteTasksChan:      make(chan Archive, rm.opts.DeleteWorkers*2),
	}
	return t.execute()
}

// ListArchives returns the archives in dirPath named prefix*extension, newest
// first. A missing directory yields an empty list.
func ListArchives(ctx context.Context, dirPath, prefix, extension string) ([]Archive, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			plog.Debug("Archive directory does not exist yet", "path", dirPath)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read archive directory %s: %w", dirPath, err)
	}

	var archives []Archive
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, extension) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between listing and stat.
			continue
		}
		archives = append(archives, Archive{
			Name:    name,
			Path:    filepath.Join(dirPath, name),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}

	sort.SliceStable(archives, func(i, j int) bool {
		return archives[i].ModTime.Unix() > archives[j].ModTime.Unix()
	})
	return archives, nil
}

// Newest returns the most recently modified archive in dirPath.
func Newest(ctx context.Context, dirPath, prefix, extension string) (Archive, bool, error) {
	archives, err := ListArchives(ctx, dirPath, prefix, extension)
	if err != nil || len(archives) == 0 {
		return Archive{}, false, err
	}
	return archives[0], true, nil
}
