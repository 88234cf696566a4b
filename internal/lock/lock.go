// Package lock provides per-session in-process serialization and a
// flock-based single-instance guard for the watch daemon.
package lock

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// SessionLocks serializes the engine's load-mutate-persist cycles per
// session. Cross-process safety comes from the store's atomic rename plus
// idempotent completion handling; this guards only in-process overlap.
type SessionLocks struct {
	mu   sync.Mutex
	held map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewSessionLocks() *SessionLocks {
	return &SessionLocks{held: make(map[string]*lockEntry)}
}

// Acquire blocks until the session's lock is free and returns its release
// function. Entries are reference counted and dropped once idle, so the
// table does not grow with the number of sessions ever seen.
func (l *SessionLocks) Acquire(sessionID string) func() {
	l.mu.Lock()
	e, ok := l.held[sessionID]
	if !ok {
		e = &lockEntry{}
		l.held[sessionID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.held, sessionID)
		}
		l.mu.Unlock()
	}
}

// PIDLock is an exclusive flock holding the owner's pid, preventing two watch
// daemons from sweeping the same state directory.
type PIDLock struct {
	path string
	file *os.File
}

func NewPIDLock(path string) *PIDLock {
	return &PIDLock{path: path}
}

func (l *PIDLock) Path() string { return l.path }

func (l *PIDLock) TryLock() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another watcher may be running): %w", err)
	}

	if err := f.Truncate(0); err != nil {
		l.release(f)
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		l.release(f)
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		l.release(f)
		return fmt.Errorf("write pid to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		l.release(f)
		return fmt.Errorf("sync lock file: %w", err)
	}

	l.file = f
	return nil
}

func (l *PIDLock) release(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

func (l *PIDLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	os.Remove(l.path)
	l.file = nil
	return nil
}
