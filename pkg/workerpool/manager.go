package workerpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
)

// Kind names one of the process-wide pools.
type Kind string

const (
	Enumerate Kind = "enumerate"
	Compress  Kind = "compress"
)

// Bounded drain before queued tasks are cancelled on teardown.
var drainTimeouts = map[Kind]time.Duration{
	Enumerate: 30 * time.Second,
	Compress:  60 * time.Second,
}

// ErrManagerClosed is returned by Acquire after Shutdown.
var ErrManagerClosed = errors.New("worker pool manager is shut down")

type entry struct {
	pool    *Pool
	refs    int
	retired bool
	torn    bool
}

// Manager owns the enumeration and compression pools.
type Manager struct {
	mu      sync.Mutex
	cpus    int
	configs map[Kind]Config
	current map[Kind]*entry
	// retired holds pools replaced by Reload that are still leased.
	retired map[*entry]Kind
	closed  bool

	teardowns sync.WaitGroup
}

// NewManager returns a Manager. Pools are created on first Acquire.
func NewManager(enumerate, compress Config) *Manager {
	return &Manager{
		cpus:    CPUCount(),
		configs: map[Kind]Config{Enumerate: enumerate, Compress: compress},
		current: make(map[Kind]*entry),
		retired: make(map[*entry]Kind),
	}
}

// Lease is a scoped reference to a pool. Release must be called exactly once;
// further calls are no-ops.
type Lease struct {
	*Pool
	release func()
	once    sync.Once
}

// Release gives the pool reference back to the manager.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Acquire returns a lease on the current pool of the given kind, creating it
// if needed.
func (m *Manager) Acquire(kind Kind) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	e, ok := m.current[kind]
	if !ok {
		cfg := m.configs[kind].Normalize(m.cpus)
		e = &entry{pool: newPool(string(kind), cfg)}
		m.current[kind] = e
	}
	e.refs++
	return &Lease{Pool: e.pool, release: func() { m.release(kind, e) }}, nil
}

func (m *Manager) release(kind Kind, e *entry) {
	m.mu.Lock()
	e.refs--
	teardown := e.retired && e.refs == 0 && m.claim(e)
	if teardown {
		delete(m.retired, e)
	}
	m.mu.Unlock()

	if teardown {
		m.teardown(kind, e)
	}
}

// claim marks e for teardown and counts it in m.teardowns. It reports false
// if e was already claimed. Callers hold m.mu, so every Add happens before
// Shutdown starts waiting.
func (m *Manager) claim(e *entry) bool {
	if e.torn {
		return false
	}
	e.torn = true
	m.teardowns.Add(1)
	return true
}

// teardown closes a claimed entry's pool in the background, outside m.mu.
func (m *Manager) teardown(kind Kind, e *entry) {
	go func() {
		defer m.teardowns.Done()
		e.pool.close(drainTimeouts[kind])
	}()
}

// Reload swaps in new pool configurations. Current pools are retired and torn
// down once their last lease is released; the next Acquire creates new pools.
func (m *Manager) Reload(enumerate, compress Config) {
	m.mu.Lock()
	m.configs[Enumerate] = enumerate
	m.configs[Compress] = compress
	idle := make(map[Kind]*entry)
	retired := len(m.current)
	for kind, e := range m.current {
		e.retired = true
		if e.refs == 0 && m.claim(e) {
			idle[kind] = e
		} else {
			m.retired[e] = kind
		}
	}
	m.current = make(map[Kind]*entry)
	m.mu.Unlock()

	for kind, e := range idle {
		m.teardown(kind, e)
	}
	plog.Debug("Worker pools reloaded", "retired", retired, "idle", len(idle))
}

// Shutdown tears down every pool immediately, whether leased or not, and waits
// for all teardowns or ctx. Pools retired by Reload but still leased are
// included.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	pending := make(map[*entry]Kind, len(m.current)+len(m.retired))
	for kind, e := range m.current {
		if m.claim(e) {
			pending[e] = kind
		}
	}
	for e, kind := range m.retired {
		if m.claim(e) {
			pending[e] = kind
		}
	}
	m.current = make(map[Kind]*entry)
	m.retired = make(map[*entry]Kind)
	m.mu.Unlock()

	for e, kind := range pending {
		m.teardown(kind, e)
	}

	done := make(chan struct{})
	go func() {
		m.teardowns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
