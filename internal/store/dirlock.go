package store

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// DirLock is a cross-process lock on a data directory. One worker process
// owns a data directory at a time; the advisory locks inside the store
// only cover sessions on the same connection.
type DirLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewDirLock creates a lock for the data directory. The lock file lives
// at <dir>/.worker.lock.
func NewDirLock(dir string) *DirLock {
	path := filepath.Join(dir, ".worker.lock")
	return &DirLock{path: path, flock: flock.New(path)}
}

// TryAcquire attempts the lock without blocking. A held lock returns an
// already-in-progress error naming the directory.
func (l *DirLock) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return pipeerr.New(pipeerr.ErrCodeBlobStore, "create data directory", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return pipeerr.New(pipeerr.ErrCodeInternal, "acquire worker lock", err)
	}
	if !acquired {
		return pipeerr.Newf(pipeerr.ErrCodeAlreadyInProgress, nil,
			"another worker owns %s", filepath.Dir(l.path))
	}
	l.locked = true
	return nil
}

// Release drops the lock. Safe to call on an unheld lock.
func (l *DirLock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return pipeerr.New(pipeerr.ErrCodeInternal, "release worker lock", err)
	}
	return nil
}

// Held reports whether this process holds the lock.
func (l *DirLock) Held() bool { return l.locked }

// Path returns the lock file path.
func (l *DirLock) Path() string { return l.path }
