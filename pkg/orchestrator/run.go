package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-serverbackup/pkg/ingest"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathretention"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/uploader"
	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

// run is the state of one backup cycle.
type run struct {
	o       *Orchestrator
	id      string
	trigger Trigger
	start   time.Time

	targets    []Target
	compressed map[string]bool
}

func (r *run) execute(ctx context.Context) error {
	o := r.o
	var sources []ingest.Source
	if o.deps.Sources != nil {
		sources = o.deps.Sources()
	}
	if len(o.cfg.Targets) == 0 && len(sources) == 0 {
		plog.Info("Nothing to back up, the backup list is empty")
		return nil
	}

	plog.Info("Backup started", "run", r.id, "trigger", r.trigger.String())
	r.targets = append(r.targets, o.cfg.Targets...)
	if len(sources) > 0 && o.deps.Stager != nil {
		for _, t := range o.deps.Stager.StageAll(ctx, sources) {
			r.targets = append(r.targets, Target{Location: t.Location, NameFormat: t.NameFormat, Create: true})
		}
	}

	if err := r.compressPhase(ctx); err != nil {
		plog.Error("Local backup failed", "run", r.id, "error", err)
		return err
	}
	plog.Info("Local backup complete", "run", r.id)

	r.uploadPhase(ctx)
	if o.deps.Stager != nil && len(sources) > 0 {
		if err := o.deps.Stager.Cleanup(); err != nil {
			plog.Warn("Failed to remove external staging folder", "error", err)
		}
	}

	r.prunePhase(ctx)

	plog.Info("Backup finished", "run", r.id, "seconds", int(o.now().Sub(r.start).Seconds()))
	return nil
}

// compressPhase suspends host auto-save, compresses every create-flagged
// target and resumes auto-save on every exit path.
func (r *run) compressPhase(ctx context.Context) error {
	o := r.o
	o.setState(Compressing)

	if o.deps.Hooks != nil && len(o.cfg.Hooks.SuspendAutoSave) > 0 {
		o.deps.Hooks.RunBestEffort(ctx, "suspend-autosave", o.cfg.Hooks.SuspendAutoSave, "PGL_RUN_ID="+r.id)
		defer o.deps.Hooks.RunBestEffort(context.WithoutCancel(ctx), "resume-autosave", o.cfg.Hooks.ResumeAutoSave, "PGL_RUN_ID="+r.id)
	}

	var toCompress []Target
	for _, t := range r.targets {
		if t.Create {
			toCompress = append(toCompress, t)
		}
	}
	r.compressed = make(map[string]bool, len(toCompress))
	if len(toCompress) == 0 {
		return nil
	}

	o.deps.Metrics.Reset()
	o.deps.Metrics.StartProgress("Compression progress", progressInterval)
	defer func() {
		o.deps.Metrics.StopProgress()
		o.deps.Metrics.LogSummary("Compression finished")
	}()
	o.publish(func(s *Status) { s.TargetCount = len(toCompress) })

	cctx, cancel := context.WithTimeout(ctx, o.cfg.CompressionTimeout)
	defer cancel()

	var mu sync.Mutex
	var g errgroup.Group
	for _, t := range toCompress {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					plog.Trace("Compression task crashed", "run", r.id, "target", t.Location, "panic", p, "stack", string(debug.Stack()))
					err = fmt.Errorf("%s: compression panicked: %v", t.Location, p)
				}
			}()
			if err := r.compressTarget(cctx, t); err != nil {
				return fmt.Errorf("%s: %w", t.Location, err)
			}
			mu.Lock()
			r.compressed[t.Location] = true
			mu.Unlock()
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrCompressionTimeout
		}
		return err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrCompressionTimeout
	}
}

func (r *run) compressTarget(ctx context.Context, t Target) error {
	events := r.o.deps.Compressor.Compress(ctx, pathcompression.Request{
		Location:   t.Location,
		NameFormat: t.NameFormat,
		Blacklist:  t.Blacklist,
	})
	res, err := pathcompression.Wait(events, func(ev pathcompression.Event) {
		if l, ok := ev.(pathcompression.Listed); ok {
			plog.Info("Files found", "target", t.Location, "count", l.Count)
		}
	})
	if err != nil {
		plog.Warn("Local backup of target failed", "target", t.Location, "error", err)
		return err
	}
	plog.Info("Local backup of target complete", "target", t.Location, "archive", res.Path,
		"files", res.Files, "duration", res.Duration.Round(time.Millisecond))
	return nil
}

// uploadPhase sends the newest archive of each target, in declaration order,
// to every active uploader in build order.
func (r *run) uploadPhase(ctx context.Context) {
	o := r.o
	o.setState(Uploading)
	if o.deps.Uploaders == nil {
		return
	}
	plog.Info("Upload started", "run", r.id)

	uploaders := o.deps.Uploaders(ctx)
	defer uploader.CloseAll(uploaders)
	if len(uploaders) == 0 {
		plog.Info("No uploader is active, skipping upload")
		return
	}

	for i, t := range r.targets {
		o.publish(func(s *Status) {
			s.Target, s.TargetIndex, s.TargetCount = t.Location, i+1, len(r.targets)
		})
		r.uploadTarget(ctx, t, uploaders)
	}
	plog.Info("Upload complete", "run", r.id)
}

func (r *run) uploadTarget(ctx context.Context, t Target, uploaders []uploader.Uploader) {
	c := r.o.deps.Compressor
	name := util.LocationDir(t.Location)

	archive, ok, err := pathretention.Newest(ctx, c.OutputDir(t.Location), archivePrefix(t), c.Format().Extension())
	if err != nil {
		plog.Warn("Failed to list local archives", "target", name, "error", err)
		return
	}
	if !ok {
		plog.Info("Location empty", "target", name)
		return
	}

	for _, u := range uploaders {
		plog.Info("Uploading", "target", name, "backend", u.Name(), "file", archive.Name)
		start := time.Now()
		err := u.UploadFile(ctx, archive.Path, t.Location)
		elapsed := time.Since(start)

		if err != nil || u.ErrorOccurred() {
			plog.Warn("Upload failed", "target", name, "backend", u.Name(), "error", err)
			continue
		}
		plog.Info("Upload finished", "target", name, "backend", u.Name(),
			"seconds", fmt.Sprintf("%.1f", elapsed.Seconds()),
			"kbps", fmt.Sprintf("%.0f", throughputKBps(archive.Size, elapsed)))
	}
	plog.Info("File upload complete", "target", name, "file", archive.Name)
}

// archivePrefix is the name prefix shared by every archive of t.
func archivePrefix(t Target) string {
	return pathcompression.ArchivePrefix(t.NameFormat, util.LastPathSegment(t.Location))
}

func throughputKBps(size int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(size) / 1024 / secs
}

// prunePhase applies local retention to every target compressed this run.
func (r *run) prunePhase(ctx context.Context) {
	o := r.o
	o.setState(Pruning)
	if o.deps.Retainer == nil {
		return
	}
	plog.Info("Local prune started", "run", r.id)
	for _, t := range r.targets {
		if !r.compressed[t.Location] {
			continue
		}
		dir := o.deps.Compressor.OutputDir(t.Location)
		if err := o.deps.Retainer.Apply(ctx, util.LocationDir(t.Location), dir, archivePrefix(t), o.cfg.LocalKeepCount); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				plog.Warn("Local prune failed", "target", t.Location, "error", err)
			}
		}
	}
	plog.Info("Local prune complete", "run", r.id)
}
