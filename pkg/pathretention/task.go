package pathretention

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/pathretentionmetrics"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
)

// task holds the mutable state for a single prune of one target directory.
// This keeps the PathRetentionManager itself stateless.
type task struct {
	*PathRetentionManager

	ctx      context.Context
	title    string
	toDelete []Archive

	metrics         pathretentionmetrics.Metrics
	deleteTasksChan chan Archive
	deleteWg        sync.WaitGroup
}

// execute deletes the selected archives on the delete workers.
func (t *task) execute() error {
	plog.Info("Deleting outdated archives", "target", t.title, "count", len(t.toDelete))

	t.metrics.StartProgress("Delete progress", 10*time.Second)
	defer func() {
		t.metrics.StopProgress()
		t.metrics.LogSummary("Delete finished")
	}()

	for range t.opts.DeleteWorkers {
		t.deleteWg.Add(1)
		go t.deleteWorker()
	}

	go t.deleteTaskProducer()

	t.deleteWg.Wait()
	return nil
}

// deleteTaskProducer feeds the archives into the channel for workers.
func (t *task) deleteTaskProducer() {
	defer close(t.deleteTasksChan)
	for _, a := range t.toDelete {
		select {
		case <-t.ctx.Done():
			plog.Debug("Cancellation received, stopping prune job feeding.")
			return
		case t.deleteTasksChan <- a:
		}
	}
}

// deleteWorker consumes archives from the channel and deletes them.
func (t *task) deleteWorker() {
	defer t.deleteWg.Done()
	for a := range t.deleteTasksChan {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		if t.opts.DryRun {
			plog.Notice("[DRY RUN] DELETE", "target", t.title, "path", a.Path)
			continue
		}
		plog.Notice("DELETE", "target", t.title, "path", a.Path)
		if err := os.Remove(a.Path); err != nil {
			t.metrics.AddArchivesFailed(1)
			plog.Warn("Failed to delete outdated archive", "target", t.title, "path", a.Path, "error", err)
			continue
		}
		t.metrics.AddArchivesDeleted(1)
	}
}
