// Package lockfile guards the local archive directory against a second
// process writing the same archive tree.
//
// The lock is an advisory OS lock (flock on Unix, LockFileEx on Windows) held on
// a small file inside the directory. The kernel drops it when the process dies,
// so there is no staleness to detect. The file body records the owner for the
// error message shown to the loser.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

// LockFileName is the name of the lock file created in the locked directory.
// The '~' prefix marks it as temporary.
const LockFileName = ".~pgl-serverbackup.lock"

// LockContent is written into the lock file by the holder.
type LockContent struct {
	PID      int       `yaml:"pid"`
	Hostname string    `yaml:"hostname"`
	AppID    string    `yaml:"appID"`
	Since    time.Time `yaml:"since"`
}

// ErrLockActive is returned when another process holds the lock.
type ErrLockActive struct {
	LockContent
}

func (e *ErrLockActive) Error() string {
	if e.PID == 0 {
		return "lock is active, held by another process"
	}
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (App: %s) since %s",
		e.PID, e.Hostname, e.AppID, e.Since.Format(time.RFC3339))
}

// ErrHeld matches every *ErrLockActive via errors.Is.
var ErrHeld = errors.New("lock is held")

func (e *ErrLockActive) Is(target error) bool { return target == ErrHeld }

// Lock is an acquired lock. Release it when done.
type Lock struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Acquire takes the lock on dirPath without blocking. The directory is created
// when missing.
func Acquire(dirPath, appID string) (*Lock, error) {
	if err := os.MkdirAll(dirPath, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	path := filepath.Join(dirPath, LockFileName)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, util.UserWritableFilePerms)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	locked, err := tryLock(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		owner := readContent(path)
		f.Close()
		return nil, &ErrLockActive{LockContent: owner}
	}

	hostname, _ := os.Hostname()
	content := LockContent{PID: os.Getpid(), Hostname: hostname, AppID: appID, Since: time.Now()}
	if err := writeContent(f, content); err != nil {
		unlock(f)
		f.Close()
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	return &Lock{f: f, path: path}, nil
}

// Release drops the lock. Calling it more than once is a no-op.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	// Truncate before unlocking so a new holder never reads our stale owner info.
	l.f.Truncate(0)
	unlock(l.f)
	l.f.Close()
	l.f = nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

func writeContent(f *os.File, content LockContent) error {
	data, err := yaml.Marshal(content)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}

// readContent is best effort: a holder that has not written yet yields zero content.
func readContent(path string) LockContent {
	var c LockContent
	data, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	_ = yaml.Unmarshal(data, &c)
	return c
}
