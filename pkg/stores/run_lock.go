package stores

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const runLockFileName = "run.lock"

// RunLock manages a lock file that keeps a single process executing plans
// against a state directory.
type RunLock struct {
	path string
}

// NewRunLock creates a new lock manager for the given state directory.
func NewRunLock(stateDir string) *RunLock {
	return &RunLock{
		path: filepath.Join(stateDir, runLockFileName),
	}
}

// Path returns the lock file path.
func (l *RunLock) Path() string { return l.path }

// Acquire attempts to acquire the lock.
// Returns an error if the lock is held by another running process.
// Stale locks from dead processes are removed.
func (l *RunLock) Acquire() error {
	if err := l.create(); err == nil {
		return nil
	} else if !os.IsExist(err) {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	held, pid, err := l.holder()
	if err != nil {
		return err
	}
	if held {
		return fmt.Errorf("a plan is already running (PID %d)", pid)
	}

	// Only one retry, so two processes racing for a stale lock cannot loop.
	if err := l.create(); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("lock acquired by another process during retry")
		}
		return fmt.Errorf("failed to create lock file on retry: %w", err)
	}
	return nil
}

// Release removes the lock file. It is a no-op when the file does not exist.
func (l *RunLock) Release() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// IsLocked reports whether the lock is currently held by a live process.
func (l *RunLock) IsLocked() (bool, error) {
	held, _, err := l.holder()
	return held, err
}

func (l *RunLock) create() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, writeErr := fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()
	if writeErr != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock file: %w", writeErr)
	}
	return nil
}

// holder reads the lock file and removes it when it is invalid or stale.
func (l *RunLock) holder() (bool, int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("failed to read existing lock file: %w", err)
	}

	pid, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if parseErr == nil && processExists(pid) {
		return true, pid, nil
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return false, 0, fmt.Errorf("failed to remove stale lock file: %w", err)
	}
	return false, 0, nil
}

// processExists checks if a process with the given PID is running using
// signal 0.
func processExists(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
