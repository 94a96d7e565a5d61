// Package orchestrator runs one backup cycle at a time.
//
// A run moves through NOT_RUNNING, STARTING, COMPRESSING, UPLOADING and
// PRUNING and always ends back in NOT_RUNNING. STARTING checks the gates and
// the directory lock; an unmet precondition ends the run silently. External
// sources are staged first and become ordinary targets. All create-flagged
// targets compress concurrently behind one deadline. A compression failure
// fails the whole run and skips upload and prune. Upload failures only affect
// the uploader they happened on.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-serverbackup/pkg/hints"
	"github.com/paulschiretz/pgl-serverbackup/pkg/hook"
	"github.com/paulschiretz/pgl-serverbackup/pkg/ingest"
	"github.com/paulschiretz/pgl-serverbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathcompressionmetrics"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/uploader"
)

var (
	// ErrAlreadyRunning rejects a run while another one is active.
	ErrAlreadyRunning = errors.New("a backup is already running")
	// ErrCompressionTimeout fails a run whose compression phase outlived its deadline.
	ErrCompressionTimeout = errors.New("compression did not finish in time")

	errGateVeto = hints.New("a gate voted against the backup")
)

const (
	DefaultCompressionTimeout = 2 * time.Hour
	DefaultGateTimeout        = 10 * time.Second
	progressInterval          = 10 * time.Second
)

// Target is one configured folder below the source root.
type Target struct {
	Location   string   `yaml:"location"`
	NameFormat string   `yaml:"nameFormat,omitempty"`
	Blacklist  []string `yaml:"blacklist,omitempty"`
	// Create turns archiving on. Targets without it only upload their newest
	// existing archive.
	Create bool `yaml:"create"`
}

// Config is the run configuration.
type Config struct {
	LocalDirectory     string
	Targets            []Target
	LocalKeepCount     int
	Hooks              hook.Config
	CompressionTimeout time.Duration
	GateTimeout        time.Duration
}

// Compressor produces archives. *pathcompression.PathCompressor implements it.
type Compressor interface {
	Compress(ctx context.Context, req pathcompression.Request) <-chan pathcompression.Event
	OutputDir(location string) string
	Format() pathcompression.Format
}

// Retainer prunes old archives. *pathretention.PathRetentionManager implements it.
type Retainer interface {
	Apply(ctx context.Context, title, dirPath, prefix string, keep int) error
}

// Stager turns external sources into targets. *ingest.Stager implements it.
type Stager interface {
	StageAll(ctx context.Context, sources []ingest.Source) []ingest.Target
	Cleanup() error
}

// HookRunner runs shell hooks. *hook.HookExecutor implements it.
type HookRunner interface {
	RunBestEffort(ctx context.Context, hookName string, commands []string, env ...string)
}

// Schedule describes the next timer run. *scheduler.Schedule implements it.
type Schedule interface {
	Advance(now time.Time)
	Describe(now time.Time) string
}

// Dependencies are the collaborators of an Orchestrator. Sources, Stager,
// Hooks, Schedule, PlayersGate and Metrics may be nil.
type Dependencies struct {
	Compressor Compressor
	Retainer   Retainer
	// Uploaders returns the authenticated uploader set of one run.
	Uploaders func(ctx context.Context) []uploader.Uploader
	Sources   func() []ingest.Source
	Stager    Stager
	Hooks     HookRunner
	Schedule  Schedule
	Gates     []Gate
	// PlayersGate is asked after Gates and only for timer runs.
	PlayersGate Gate
	Metrics     pathcompressionmetrics.Metrics
}

type Orchestrator struct {
	cfg  Config
	deps Dependencies

	running       atomic.Bool
	status        atomic.Pointer[Status]
	lastSucceeded atomic.Bool
	notifications sync.WaitGroup

	now func() time.Time
}

// New creates an Orchestrator. The last-run flag starts out true.
func New(cfg Config, deps Dependencies) *Orchestrator {
	if cfg.CompressionTimeout <= 0 {
		cfg.CompressionTimeout = DefaultCompressionTimeout
	}
	if cfg.GateTimeout <= 0 {
		cfg.GateTimeout = DefaultGateTimeout
	}
	if deps.Metrics == nil {
		deps.Metrics = &pathcompressionmetrics.NoopMetrics{}
	}
	o := &Orchestrator{cfg: cfg, deps: deps, now: time.Now}
	o.status.Store(&Status{State: NotRunning})
	o.lastSucceeded.Store(true)
	return o
}

// Status returns a snapshot of the current run.
func (o *Orchestrator) Status() Status {
	s := *o.status.Load()
	if s.State != NotRunning {
		m := o.deps.Metrics.Snapshot()
		s.FilesToProcess = m.FilesToProcess
		s.FilesProcessed = m.FilesProcessed
		s.TasksCompleted = m.TasksCompleted
	}
	return s
}

// LastRunSucceeded reports the outcome of the most recent run that passed its gates.
func (o *Orchestrator) LastRunSucceeded() bool {
	return o.lastSucceeded.Load()
}

// InheritOutcome copies the last-run flag of prev, which this Orchestrator
// replaces after a configuration reload.
func (o *Orchestrator) InheritOutcome(prev *Orchestrator) {
	if prev != nil {
		o.lastSucceeded.Store(prev.LastRunSucceeded())
	}
}

// NextRun describes when the next timer run fires.
func (o *Orchestrator) NextRun(now time.Time) string {
	if o.deps.Schedule == nil {
		return "disabled"
	}
	return o.deps.Schedule.Describe(now)
}

// Wait blocks until every done/error hook fired so far has finished.
func (o *Orchestrator) Wait() {
	o.notifications.Wait()
}

func (o *Orchestrator) publish(update func(s *Status)) {
	next := *o.status.Load()
	update(&next)
	o.status.Store(&next)
}

func (o *Orchestrator) setState(state State) {
	o.publish(func(s *Status) { s.State = state })
}

// Run executes one backup cycle. A run that does not pass its gates returns
// nil without touching anything.
func (o *Orchestrator) Run(ctx context.Context, trigger Trigger) error {
	if !o.running.CompareAndSwap(false, true) {
		if trigger == TriggerTimer {
			plog.Debug("Scheduled backup skipped, a backup is already running")
		}
		return ErrAlreadyRunning
	}

	runID := uuid.NewString()
	err := o.runGuarded(ctx, runID, trigger)
	o.running.Store(false)

	if hints.IsHint(err) {
		plog.Debug("Backup not started", "run", runID, "reason", err)
		return nil
	}
	o.lastSucceeded.Store(err == nil)
	o.notify(runID, err)
	return err
}

// runGuarded reports an unmet precondition as a hint. The status is back at
// NOT_RUNNING when it returns.
func (o *Orchestrator) runGuarded(ctx context.Context, runID string, trigger Trigger) (err error) {
	start := o.now()
	o.status.Store(&Status{State: Starting, RunID: runID, Trigger: trigger, StartedAt: start})
	defer o.status.Store(&Status{State: NotRunning})

	defer func() {
		if r := recover(); r != nil {
			plog.Error("Backup crashed", "run", runID, "panic", r)
			plog.Trace("Backup crashed", "run", runID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("backup panicked: %v", r)
		}
	}()

	if trigger == TriggerTimer && o.deps.Schedule != nil {
		o.deps.Schedule.Advance(start)
	}

	gates := o.deps.Gates
	if trigger == TriggerTimer && o.deps.PlayersGate != nil {
		gates = append(gates[:len(gates):len(gates)], o.deps.PlayersGate)
	}
	if !gatesPass(ctx, gates, o.cfg.GateTimeout) {
		return errGateVeto
	}

	lock, err := lockfile.Acquire(o.cfg.LocalDirectory, "pgl-serverbackup:"+runID)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			plog.Warn("Backup skipped, archive directory is locked", "details", lockErr.Error())
			return hints.Newf("archive directory busy: %w", err)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Release()

	r := &run{o: o, id: runID, trigger: trigger, start: start}
	return r.execute(ctx)
}

// notify fires exactly one of the done/error hooks in the background.
func (o *Orchestrator) notify(runID string, runErr error) {
	if o.deps.Hooks == nil {
		return
	}
	name, commands := "done", o.cfg.Hooks.OnDone
	env := []string{"PGL_RUN_ID=" + runID, "PGL_SUCCESS=" + strconv.FormatBool(runErr == nil)}
	if runErr != nil {
		name, commands = "error", o.cfg.Hooks.OnError
		env = append(env, "PGL_ERROR="+runErr.Error())
	}
	if len(commands) == 0 {
		return
	}
	o.notifications.Add(1)
	go func() {
		defer o.notifications.Done()
		o.deps.Hooks.RunBestEffort(context.Background(), name, commands, env...)
	}()
}
