package store

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// FileLock is an advisory flock guarding one persisted resource across
// processes. The embedded mutex serializes holders inside this process, so
// the same cached lock can be handed to sequential sessions.
type FileLock struct {
	lockPath string

	mu   sync.Mutex
	file *os.File
}

// NewFileLock creates a lock for the resource at path. The lock itself lives
// in a sibling ".lock" file.
func NewFileLock(path string) *FileLock {
	return &FileLock{lockPath: path + ".lock"}
}

// Lock acquires the lock, blocking until it is available. Held until Unlock.
func (l *FileLock) Lock() error {
	l.mu.Lock()
	if err := l.acquire(); err != nil {
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *FileLock) acquire() error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return fmt.Errorf("flock %s: %w", l.lockPath, err)
	}
	l.file = f
	return nil
}

// Unlock releases the lock and removes the lock file. Safe on an unheld
// lock.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
	os.Remove(l.lockPath)

	l.mu.Unlock()
	return nil
}
