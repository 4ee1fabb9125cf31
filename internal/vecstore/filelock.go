package vecstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	lockPollInterval = 100 * time.Millisecond

	// lockStaleAfter is how old a lock file whose owner cannot be verified
	// must be before it is broken.
	lockStaleAfter = 10 * time.Minute
)

// lockPayload is written into the lock file so other processes can judge
// whether the owner is still alive.
type lockPayload struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Name      string `json:"name"`
}

// FileLock is a named cross-process lock backed by an exclusive lock file.
// Writes to a collection are totally ordered across processes by this lock.
type FileLock struct {
	path string
	name string
}

// LockHandle represents an acquired lock.
type LockHandle struct {
	path string
	file *os.File
}

// Release removes the lock file.
func (h *LockHandle) Release() error {
	if h == nil {
		return nil
	}
	if h.file != nil {
		h.file.Close()
		h.file = nil
	}
	return os.Remove(h.path)
}

// NewFileLock builds a lock named for a backend and collection:
// <lockDir>/<backend>_<collection>.lock.
func NewFileLock(lockDir, backend, collection string) *FileLock {
	name := backend + "_" + SanitizeFolderName(collection)
	return &FileLock{
		path: filepath.Join(lockDir, name+".lock"),
		name: name,
	}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Acquire obtains the lock, polling until timeout. Stale locks left by dead
// processes are broken.
func (l *FileLock) Acquire(ctx context.Context, timeout time.Duration) (*LockHandle, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		handle, err := l.tryAcquire()
		if err == nil {
			return handle, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock %s: %w", l.name, err)
		}

		l.breakIfStale()

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s after %v", ErrLockTimeout, l.name, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (l *FileLock) tryAcquire() (*LockHandle, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	payload := lockPayload{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Name:      l.name,
	}
	data, _ := json.Marshal(payload)
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(l.path)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(l.path)
		return nil, err
	}
	return &LockHandle{path: l.path, file: f}, nil
}

// breakIfStale removes the lock file when its owner is provably dead, or
// when it is old and unverifiable.
func (l *FileLock) breakIfStale() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}

	var payload lockPayload
	if err := json.Unmarshal(data, &payload); err == nil && payload.PID > 0 {
		if processAlive(payload.PID) {
			return
		}
		os.Remove(l.path)
		return
	}

	info, err := os.Stat(l.path)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) > lockStaleAfter {
		os.Remove(l.path)
	}
}

// processAlive checks liveness with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
