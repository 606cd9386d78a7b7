package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockState is the result of a lock acquisition attempt.
type LockState string

const (
	// LockOwned means this process holds the run lock.
	LockOwned LockState = "owned"

	// LockBusy means a live run holds the lock and waiting was not
	// requested.
	LockBusy LockState = "busy"

	// LockTimedOut means the lock stayed held past the maximum wait.
	LockTimedOut LockState = "timed_out"
)

// lockPollInterval is how often a waiting acquisition re-checks the lock.
const lockPollInterval = 2 * time.Second

// lockToken is the JSON payload of the lock file.
type lockToken struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// RunLock serializes convergence runs on a node. At most one run may
// hold it; a second invocation either reports contention or waits for
// the holder to finish.
type RunLock struct {
	path string
}

// NewRunLock creates a run lock backed by the given token file path.
func NewRunLock(path string) *RunLock {
	return &RunLock{path: path}
}

// Path returns the lock file path.
func (l *RunLock) Path() string {
	return l.path
}

// Acquire attempts to take the lock. With wait false, a held lock
// returns LockBusy immediately. With wait true, acquisition polls until
// the lock frees or maxWait elapses; maxWait zero means wait forever.
// A lock left by a dead process is reaped and taken over.
func (l *RunLock) Acquire(ctx context.Context, wait bool, maxWait time.Duration) (LockState, error) {
	deadline := time.Time{}
	if wait && maxWait > 0 {
		deadline = time.Now().Add(maxWait)
	}

	for {
		acquired, err := l.tryAcquire()
		if err != nil {
			return "", err
		}
		if acquired {
			return LockOwned, nil
		}
		if !wait {
			return LockBusy, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return LockTimedOut, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// tryAcquire makes one attempt to create the lock file. A held lock
// whose owner is no longer alive is reaped and the creation retried, so
// a stale lock never counts as contention.
func (l *RunLock) tryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		acquired, held, err := l.create()
		if err != nil {
			return false, err
		}
		if acquired {
			return true, nil
		}
		if held {
			return false, nil
		}
		// Stale lock reaped; retry the creation once. Racing reapers
		// are harmless since both see O_EXCL.
	}
	return false, nil
}

// create attempts the O_EXCL creation. held reports whether a live
// owner blocks the lock; false with acquired false means a stale lock
// was removed.
func (l *RunLock) create() (acquired, held bool, err error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err == nil {
		token := lockToken{PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
		enc := json.NewEncoder(f)
		if werr := enc.Encode(&token); werr != nil {
			_ = f.Close()
			_ = os.Remove(l.path)
			return false, false, fmt.Errorf("failed to write lock token: %w", werr)
		}
		if cerr := f.Close(); cerr != nil {
			_ = os.Remove(l.path)
			return false, false, fmt.Errorf("failed to write lock token: %w", cerr)
		}
		return true, false, nil
	}
	if !os.IsExist(err) {
		return false, false, fmt.Errorf("failed to create lock file: %w", err)
	}

	alive, err := l.ownerAlive()
	if err != nil {
		return false, false, err
	}
	if alive {
		return false, true, nil
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return false, false, fmt.Errorf("failed to remove stale lock: %w", err)
	}
	return false, false, nil
}

// ownerAlive reports whether the process named in the lock token still
// exists. An unreadable or corrupt token counts as dead.
func (l *RunLock) ownerAlive() (bool, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read lock file: %w", err)
	}

	var token lockToken
	if err := json.Unmarshal(data, &token); err != nil || token.PID <= 0 {
		return false, nil
	}
	if token.PID == os.Getpid() {
		return true, nil
	}

	proc, err := os.FindProcess(token.PID)
	if err != nil {
		return false, nil
	}
	// Signal 0 probes for existence without delivering anything.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false, nil
	}
	return true, nil
}

// Release removes the lock file. Releasing an already-released lock is
// not an error.
func (l *RunLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Holder returns the PID recorded in the lock file, or zero when the
// lock is free or unreadable.
func (l *RunLock) Holder() int {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	var token lockToken
	if err := json.Unmarshal(data, &token); err != nil {
		return 0
	}
	return token.PID
}
