//go:build unix

package leaderlock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// flockLock is the default backend: an exclusive non-blocking file lock.
// The kernel drops the lock when the process exits, so a crashed leader
// never leaves a stale holder behind.
type flockLock struct {
	dir  string
	file *os.File
}

// NewFlock returns a file-lock backend rooted at dir. The resource name
// becomes the lock file name.
func NewFlock(dir string) Lock {
	return &flockLock{dir: dir}
}

func (l *flockLock) TryAcquire(_ context.Context, resource string) (bool, error) {
	if l.file != nil {
		return true, nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return false, err
	}
	name := strings.ReplaceAll(resource, string(os.PathSeparator), "_")
	path := filepath.Join(l.dir, name+".lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", path, err)
	}

	// Advisory only; helps an operator see who holds the lock.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(holderID()+"\n"), 0)

	l.file = f
	return true, nil
}

func (l *flockLock) Release(context.Context) error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	cerr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return cerr
}
