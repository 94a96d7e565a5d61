// Package workerpool provides the bounded goroutine pools used for file
// enumeration and compression.
//
// Every worker locks its OS thread so per-thread CPU affinity and scheduling
// priority stick. Pools are owned by a Manager, handed out as reference
// counted leases and retired on reload; a retired pool is drained once its
// last lease is released, so in-flight work never loses its pool.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
)

// ErrPoolClosed is returned by Submit once the pool is draining or closed.
var ErrPoolClosed = errors.New("worker pool is closed")

// Config sizes and tunes one pool.
type Config struct {
	// Size is the number of workers. <= 0 means one per CPU.
	Size int
	// Priority is a nice value (-20..19). 0 leaves the thread untouched.
	Priority int
	// Affinity lists CPU indices assigned round-robin to workers. A single
	// -1 entry means "the last Size cores". Empty means no pinning.
	Affinity []int
}

// CPUCount returns the number of logical CPUs.
func CPUCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// Normalize clamps the size to [1, cpus] and resolves the affinity list
// against cpus. Out-of-range CPU indices are dropped.
func (c Config) Normalize(cpus int) Config {
	if cpus <= 0 {
		cpus = 1
	}
	out := Config{Size: c.Size, Priority: c.Priority}
	if out.Size <= 0 || out.Size > cpus {
		out.Size = cpus
	}
	if out.Priority < -20 {
		out.Priority = -20
	} else if out.Priority > 19 {
		out.Priority = 19
	}

	if len(c.Affinity) == 1 && c.Affinity[0] == -1 {
		for i := cpus - out.Size; i < cpus; i++ {
			out.Affinity = append(out.Affinity, i)
		}
		return out
	}
	for _, id := range c.Affinity {
		if id < 0 || id >= cpus {
			plog.Warn("Ignoring CPU affinity entry out of range", "cpu", id, "cpus", cpus)
			continue
		}
		out.Affinity = append(out.Affinity, id)
	}
	return out
}

type task struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

// Pool runs submitted functions on a fixed set of pinned workers.
type Pool struct {
	name string
	cfg  Config

	tasks   chan task
	closing chan struct{}

	// ctx is cancelled to force queued tasks to observe cancellation.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newPool(name string, cfg Config) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    name,
		cfg:     cfg,
		tasks:   make(chan task, cfg.Size*4),
		closing: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range cfg.Size {
		cpuID := -1
		if len(cfg.Affinity) > 0 {
			cpuID = cfg.Affinity[i%len(cfg.Affinity)]
		}
		p.wg.Add(1)
		go p.worker(i, cpuID)
	}
	plog.Debug("Worker pool started", "pool", name, "size", cfg.Size, "priority", cfg.Priority, "affinity", cfg.Affinity)
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Size returns the number of workers.
func (p *Pool) Size() int { return p.cfg.Size }

// Submit queues fn. It blocks while the queue is full. fn receives a context
// that is cancelled when either ctx or the pool is cancelled.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task{ctx: ctx, fn: fn}:
		return nil
	case <-p.closing:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker(idx, cpuID int) {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := setupThread(cpuID, p.cfg.Priority); err != nil {
		plog.Warn("Could not tune worker thread", "pool", p.name, "worker", idx, "cpu", cpuID, "priority", p.cfg.Priority, "error", err)
	}

	for t := range p.tasks {
		p.run(t)
	}
}

func (p *Pool) run(t task) {
	ctx, cancel := context.WithCancel(t.ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	defer func() {
		stop()
		cancel()
		if r := recover(); r != nil {
			plog.Error("Worker task panicked", "pool", p.name, "panic", fmt.Sprint(r))
			plog.Trace("Worker task panicked", "pool", p.name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	t.fn(ctx)
}

// close stops accepting work, lets queued work finish for up to drain, then
// cancels whatever is still queued or running and waits for the workers.
func (p *Pool) close(drain time.Duration) {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(drain):
			plog.Warn("Worker pool did not drain in time, cancelling remaining tasks", "pool", p.name, "drain", drain)
			p.cancel()
			<-done
		}
		p.cancel()
		plog.Debug("Worker pool stopped", "pool", p.name)
	})
}
