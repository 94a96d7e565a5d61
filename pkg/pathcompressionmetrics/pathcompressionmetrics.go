// Package pathcompressionmetrics holds the progress aggregate shared by all
// compression tasks of a run and the periodic reporter that logs it.
package pathcompressionmetrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
)

// Metrics is written by many compression tasks and read by one reporter.
type Metrics interface {
	AddFilesToProcess(n int64)
	AddFilesProcessed(n int64)
	AddTasksCompleted(n int64)
	AddArchivesCreated(n int64)
	AddArchivesFailed(n int64)
	AddOriginalBytes(n int64)
	AddCompressedBytes(n int64)
	Snapshot() Snapshot
	Reset()
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FilesToProcess  int64
	FilesProcessed  int64
	TasksCompleted  int64
	ArchivesCreated int64
	ArchivesFailed  int64
	OriginalBytes   int64
	CompressedBytes int64
}

// CompressionMetrics is the atomic implementation of Metrics.
type CompressionMetrics struct {
	FilesToProcess  atomic.Int64
	FilesProcessed  atomic.Int64
	TasksCompleted  atomic.Int64
	ArchivesCreated atomic.Int64
	ArchivesFailed  atomic.Int64
	OriginalBytes   atomic.Int64
	CompressedBytes atomic.Int64

	mu       sync.Mutex
	stopChan chan struct{}
}

func (m *CompressionMetrics) AddFilesToProcess(n int64)  { m.FilesToProcess.Add(n) }
func (m *CompressionMetrics) AddFilesProcessed(n int64)  { m.FilesProcessed.Add(n) }
func (m *CompressionMetrics) AddTasksCompleted(n int64)  { m.TasksCompleted.Add(n) }
func (m *CompressionMetrics) AddArchivesCreated(n int64) { m.ArchivesCreated.Add(n) }
func (m *CompressionMetrics) AddArchivesFailed(n int64)  { m.ArchivesFailed.Add(n) }
func (m *CompressionMetrics) AddOriginalBytes(n int64)   { m.OriginalBytes.Add(n) }
func (m *CompressionMetrics) AddCompressedBytes(n int64) { m.CompressedBytes.Add(n) }

func (m *CompressionMetrics) Snapshot() Snapshot {
	return Snapshot{
		FilesToProcess:  m.FilesToProcess.Load(),
		FilesProcessed:  m.FilesProcessed.Load(),
		TasksCompleted:  m.TasksCompleted.Load(),
		ArchivesCreated: m.ArchivesCreated.Load(),
		ArchivesFailed:  m.ArchivesFailed.Load(),
		OriginalBytes:   m.OriginalBytes.Load(),
		CompressedBytes: m.CompressedBytes.Load(),
	}
}

// Reset zeroes all counters at the start of a run.
func (m *CompressionMetrics) Reset() {
	m.FilesToProcess.Store(0)
	m.FilesProcessed.Store(0)
	m.TasksCompleted.Store(0)
	m.ArchivesCreated.Store(0)
	m.ArchivesFailed.Store(0)
	m.OriginalBytes.Store(0)
	m.CompressedBytes.Store(0)
}

func (m *CompressionMetrics) StartProgress(msg string, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopChan != nil {
		return
	}
	stop := make(chan struct{})
	m.stopChan = stop
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

func (m *CompressionMetrics) StopProgress() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary logs the current state of the counters.
func (m *CompressionMetrics) LogSummary(msg string) {
	s := m.Snapshot()

	var pct float64
	if s.FilesToProcess > 0 {
		pct = float64(s.FilesProcessed) / float64(s.FilesToProcess) * 100.0
	}
	var ratio float64
	if s.OriginalBytes > 0 {
		ratio = float64(s.CompressedBytes) / float64(s.OriginalBytes) * 100.0
	}

	plog.Info(msg,
		"files_processed", s.FilesProcessed,
		"files_to_process", s.FilesToProcess,
		"progress_pct", fmt.Sprintf("%.2f%%", pct),
		"tasks_completed", s.TasksCompleted,
		"archives_created", s.ArchivesCreated,
		"archives_failed", s.ArchivesFailed,
		"original_bytes", fmt.Sprintf("%d", s.OriginalBytes),
		"compressed_bytes", fmt.Sprintf("%d", s.CompressedBytes),
		"ratio_pct", fmt.Sprintf("%.2f%%", ratio),
	)
}

// NoopMetrics discards everything. Used by the standalone test commands.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesToProcess(n int64)                        {}
func (m *NoopMetrics) AddFilesProcessed(n int64)                        {}
func (m *NoopMetrics) AddTasksCompleted(n int64)                        {}
func (m *NoopMetrics) AddArchivesCreated(n int64)                       {}
func (m *NoopMetrics) AddArchivesFailed(n int64)                        {}
func (m *NoopMetrics) AddOriginalBytes(n int64)                         {}
func (m *NoopMetrics) AddCompressedBytes(n int64)                       {}
func (m *NoopMetrics) Snapshot() Snapshot                               { return Snapshot{} }
func (m *NoopMetrics) Reset()                                           {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*CompressionMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
