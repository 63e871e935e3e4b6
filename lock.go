package envmlflow

import (
	"context"
	"fmt"
	"os"
	"time"
)

// fileLock is a cross-process advisory lock on a lock file.
// Platform specific tryLock and unlockFile do the actual locking.
type fileLock struct {
	// file is the lock file handle.
	file *os.File

	// timeout is the maximum duration to wait for lock acquisition.
	timeout time.Duration

	// locked tracks whether the lock is currently held.
	locked bool
}

// newFileLock creates a new file lock for the given path.
// Creates the lock file if it doesn't exist.
func newFileLock(path string, timeout time.Duration) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	return &fileLock{
		file:    file,
		timeout: timeout,
	}, nil
}

// Lock acquires the lock, polling with backoff until the timeout expires or
// ctx is done.
func (l *fileLock) Lock(ctx context.Context) error {
	if l.locked {
		return nil
	}

	deadline := time.Now().Add(l.timeout)
	sleepDuration := 10 * time.Millisecond

	for {
		if err := tryLock(l.file); err == nil {
			l.locked = true
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("lock timeout after %v", l.timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepDuration):
		}
		if sleepDuration < 100*time.Millisecond {
			sleepDuration *= 2
		}
	}
}

// Unlock releases the lock and closes the file handle.
// Safe to call multiple times.
func (l *fileLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	var err error
	if l.locked {
		err = unlockFile(l.file)
		l.locked = false
	}
	l.file.Close()
	l.file = nil

	return err
}
