package aggregate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// refreshLock serializes snapshot recomputation across processes
// (gofrs/flock) and within the process (mutex). The lock file records
// when it was acquired; a holder older than the stale timeout is assumed
// crashed and its lock is broken, so a wedged run can never lock the
// scheduler out permanently.
type refreshLock struct {
	path    string
	flock   *flock.Flock
	timeout time.Duration

	mu   sync.Mutex
	held bool
}

func newRefreshLock(dir string, timeout time.Duration) *refreshLock {
	path := filepath.Join(dir, "refresh.lock")
	return &refreshLock{
		path:    path,
		flock:   flock.New(path),
		timeout: timeout,
	}
}

// TryAcquire attempts to take the lock without blocking.
// Returns false when another refresh run holds it.
func (l *refreshLock) TryAcquire() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire refresh lock: %w", err)
	}
	if !acquired {
		// Held elsewhere. The OS releases flock on process death, so a
		// live holder is genuinely running unless the stamp says it
		// exceeded the safety timeout and is wedged.
		if l.stampExpired() {
			_ = os.Remove(l.path)
			l.flock = flock.New(l.path)
			acquired, err = l.flock.TryLock()
			if err != nil || !acquired {
				return false, err
			}
		} else {
			return false, nil
		}
	}

	l.writeStamp()
	l.held = true
	return true, nil
}

// Release drops the lock. Safe to call when not held.
func (l *refreshLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release refresh lock: %w", err)
	}
	_ = os.Remove(l.path)
	return nil
}

// writeStamp records the acquisition time in the lock file.
func (l *refreshLock) writeStamp() {
	stamp := strconv.FormatInt(time.Now().UTC().UnixNano(), 10)
	_ = os.WriteFile(l.path, []byte(stamp), 0o644)
}

// stampExpired reports whether the current holder exceeded the timeout.
func (l *refreshLock) stampExpired() bool {
	if l.timeout <= 0 {
		return false
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	nanos, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return false
	}
	return time.Since(time.Unix(0, nanos)) > l.timeout
}
