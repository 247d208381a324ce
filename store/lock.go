package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

const (
	// DefaultLockTimeout bounds how long Save and Load wait for the artifact lock.
	DefaultLockTimeout = 10 * time.Second
	// LockSuffix is appended to the artifact path to name its lock file.
	LockSuffix     = ".lock"
	lockRetryDelay = 50 * time.Millisecond
)

// withLock runs fn while holding the exclusive sidecar lock of path. The lock is released on every
// return path, including a panic in fn.
func withLock(ctx context.Context, path string, timeout time.Duration, fn func() error) (err error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fileLock := flock.New(path + LockSuffix)
	locked, err := fileLock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %s after %s", ErrLockTimeout, path+LockSuffix, timeout)
		}
		return fmt.Errorf("failed to lock %s: %w", path+LockSuffix, err)
	}
	if !locked {
		return fmt.Errorf("%w: %s after %s", ErrLockTimeout, path+LockSuffix, timeout)
	}
	defer func() {
		if unlockErr := fileLock.Unlock(); unlockErr != nil && err == nil {
			err = fmt.Errorf("failed to unlock %s: %w", path+LockSuffix, unlockErr)
		}
	}()
	return fn()
}
