package credstore

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Lock acquisition tuning. A lock file older than staleLockAge is assumed to
// belong to a crashed process.
const (
	lockMaxAttempts = 50
	lockRetryDelay  = 100 * time.Millisecond
	staleLockAge    = 30 * time.Second
)

// fileLock is an advisory cross-process lock backed by a sibling ".lock" file.
type fileLock struct {
	lockFile *os.File
	lockPath string
	released bool
}

// acquireFileLock takes the lock guarding path. It blocks for up to
// lockMaxAttempts*lockRetryDelay before giving up.
func acquireFileLock(path string) (*fileLock, error) {
	lockPath := path + ".lock"

	for attempt := 0; attempt < lockMaxAttempts; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID is informational only
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			return &fileLock{lockFile: f, lockPath: lockPath}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > staleLockAge {
			if remErr := os.Remove(lockPath); remErr != nil && !errors.Is(remErr, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, remErr)
			}
			continue
		}

		time.Sleep(lockRetryDelay)
	}

	return nil, fmt.Errorf(
		"timeout waiting for file lock after %v",
		time.Duration(lockMaxAttempts)*lockRetryDelay,
	)
}

// release drops the lock. Calling it twice returns an error from the second
// os.Remove but never panics.
func (fl *fileLock) release() error {
	if fl.lockFile != nil && !fl.released {
		fl.lockFile.Close()
	}
	fl.released = true
	return os.Remove(fl.lockPath)
}
