// Package pathcompression turns a target folder into one solid archive.
//
// A request runs in three stages. Prepare runs on the caller's goroutine and
// fixes the destination. Enumerate runs on the enumeration pool and builds an
// immutable Manifest. Compress runs on the compression pool and streams the
// manifest, in order, through a single tar writer into one zstd or gzip
// stream. Progress is reported on a typed event channel.
package pathcompression

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/blacklist"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathcompressionmetrics"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pool"
	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
	"github.com/paulschiretz/pgl-serverbackup/pkg/workerpool"
)

// ErrAbsoluteRoot is returned for target locations that start with a path separator.
var ErrAbsoluteRoot = errors.New("backup location must be relative to the server root")

var errStreamClosed = errors.New("compression stream closed without a result")

// eventBuffer bounds queued progress events; Processed events beyond it are dropped.
const eventBuffer = 64

// Metrics is the progress aggregate fed by compression tasks.
type Metrics = pathcompressionmetrics.Metrics

// PoolProvider hands out leases on the shared worker pools.
type PoolProvider interface {
	Acquire(kind workerpool.Kind) (*workerpool.Lease, error)
}

// Options are fixed for the lifetime of a PathCompressor.
type Options struct {
	// SourceRoot is the directory target locations are relative to.
	SourceRoot string
	// LocalDirectory is the archive storage directory. Files resolving into it
	// are never archived.
	LocalDirectory string
	Format         Format
	Level          Level
	BufferSizeKB   int
}

// Request describes one target.
type Request struct {
	Location   string
	NameFormat string
	Blacklist  []string
}

type PathCompressor struct {
	opts         Options
	pools        PoolProvider
	metrics      Metrics
	ioBufferPool *pool.FixedBufferPool
	now          func() time.Time
}

// NewPathCompressor creates a PathCompressor. A nil metrics disables progress counting.
func NewPathCompressor(opts Options, pools PoolProvider, metrics Metrics) *PathCompressor {
	if metrics == nil {
		metrics = &pathcompressionmetrics.NoopMetrics{}
	}
	if opts.Format == "" {
		opts.Format = TarZst
	}
	opts.Level = opts.Level.Clamp()
	return &PathCompressor{
		opts:         opts,
		pools:        pools,
		metrics:      metrics,
		ioBufferPool: pool.NewFixedBuffer(int64(opts.BufferSizeKB) * 1024),
		now:          time.Now,
	}
}

// OutputDir returns the local archive directory of a location.
func (c *PathCompressor) OutputDir(location string) string {
	return filepath.Join(c.opts.LocalDirectory, util.DenormalizePath(util.LocationDir(location)))
}

// Format returns the configured archive format.
func (c *PathCompressor) Format() Format { return c.opts.Format }

// job is the run-scoped state of one request.
type job struct {
	req        Request
	absRoot    string
	absStorage string
	outPath    string
	bl         *blacklist.Matcher
	events     chan Event
	start      time.Time
}

// Compress starts an asynchronous compression of req. The returned channel is
// closed after the terminal event; callers must drain it.
func (c *PathCompressor) Compress(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event, eventBuffer)

	j, err := c.prepare(req)
	if err != nil {
		events <- Failed{Err: err}
		close(events)
		c.metrics.AddArchivesFailed(1)
		return events
	}
	j.events = events

	go c.run(ctx, j)
	return events
}

// prepare validates the location, compiles the blacklist and creates the
// destination directory.
func (c *PathCompressor) prepare(req Request) (*job, error) {
	if strings.HasPrefix(req.Location, "/") || strings.HasPrefix(req.Location, `\`) || filepath.IsAbs(req.Location) {
		return nil, fmt.Errorf("%w: %q", ErrAbsoluteRoot, req.Location)
	}

	bl, err := blacklist.Compile(req.Blacklist)
	if err != nil {
		return nil, err
	}

	absRoot, err := util.Canonicalize(filepath.Join(c.opts.SourceRoot, util.DenormalizePath(req.Location)))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve backup root %q: %w", req.Location, err)
	}
	absStorage, err := util.Canonicalize(c.opts.LocalDirectory)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve local directory: %w", err)
	}

	outDir := c.OutputDir(req.Location)
	if err := os.MkdirAll(outDir, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("cannot create archive directory %s: %w", outDir, err)
	}

	start := c.now()
	name := ArchiveName(req.NameFormat, util.LastPathSegment(req.Location), start, c.opts.Format)
	return &job{
		req:        req,
		absRoot:    absRoot,
		absStorage: absStorage,
		outPath:    filepath.Join(outDir, name),
		bl:         bl,
		start:      start,
	}, nil
}

func (c *PathCompressor) run(ctx context.Context, j *job) {
	defer close(j.events)

	res, err := c.runStages(ctx, j)
	if err != nil {
		c.metrics.AddArchivesFailed(1)
		j.events <- Failed{Err: fmt.Errorf("compress %s: %w", j.req.Location, err)}
		return
	}
	c.metrics.AddArchivesCreated(1)
	j.events <- Complete{Result: res}
}

func (c *PathCompressor) runStages(ctx context.Context, j *job) (Result, error) {
	var manifest *Manifest
	err := c.onPool(ctx, workerpool.Enumerate, func(ctx context.Context) error {
		var err error
		manifest, err = enumerate(ctx, j.absRoot, j.absStorage, j.bl)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("enumerate: %w", err)
	}

	if manifest.SelfSkipped > 0 {
		plog.Info("Skipped files inside the local archive directory", "target", j.req.Location, "count", manifest.SelfSkipped)
	}
	j.bl.LogHits(j.req.Location)

	c.metrics.AddFilesToProcess(int64(len(manifest.Files)))
	j.events <- Listed{Count: len(manifest.Files)}

	var res Result
	err = c.onPool(ctx, workerpool.Compress, func(ctx context.Context) error {
		tc := newTarCompressor(c.opts.Format, c.opts.Level, c.ioBufferPool, c.metrics, func(rel string) {
			select {
			case j.events <- Processed{Path: rel}:
			default:
			}
		})
		var err error
		res, err = tc.Compress(ctx, manifest, j.outPath)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	c.metrics.AddTasksCompleted(1)
	res.Location = j.req.Location
	res.Manifest = manifest
	res.Duration = time.Since(j.start)
	return res, nil
}

// onPool runs fn on a pool of the given kind and waits for it without
// occupying a worker of that pool while waiting.
func (c *PathCompressor) onPool(ctx context.Context, kind workerpool.Kind, fn func(ctx context.Context) error) error {
	lease, err := c.pools.Acquire(kind)
	if err != nil {
		return err
	}
	defer lease.Release()

	done := make(chan error, 1)
	err = lease.Submit(ctx, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s task panicked: %v", kind, r)
				panic(r)
			}
		}()
		done <- fn(ctx)
	})
	if err != nil {
		return err
	}
	return <-done
}
