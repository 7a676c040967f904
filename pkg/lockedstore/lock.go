package lockedstore

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTimeout bounds every lock acquisition unless the caller overrides it.
const DefaultTimeout = 3 * time.Second

// pollInterval is how often a contended lock is re-attempted.
const pollInterval = 25 * time.Millisecond

// ErrLockTimeout indicates the companion lock could not be acquired in time.
//
// This is a transient condition: callers retry on their next cycle.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// LockPath returns the companion lock file guarding path.
func LockPath(path string) string {
	return path + ".lock"
}

// Mode selects shared (reader) or exclusive (writer) locking.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// Lock is a held advisory lock on a companion .lock file.
type Lock struct {
	f *os.File
}

// Acquire takes an advisory flock on LockPath(path), polling until timeout.
//
// A non-positive timeout selects DefaultTimeout. The lock file is created if
// missing and never removed; its presence carries no meaning on its own.
func Acquire(path string, mode Mode, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// #nosec G302 -- lock files are shared with subjob processes of the same user group
	f, err := os.OpenFile(LockPath(path), os.O_CREATE|os.O_RDWR, 0664)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	how := unix.LOCK_SH
	if mode == Exclusive {
		how = unix.LOCK_EX
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("flock %s: %w", LockPath(path), err)
		}
		if !time.Now().Before(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("%s: %w", path, ErrLockTimeout)
		}
		time.Sleep(pollInterval)
	}
}

// Release drops the lock. Releasing a nil or already released lock is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	defer func() { l.f = nil }()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		_ = l.f.Close()
		return fmt.Errorf("unlock: %w", err)
	}
	return l.f.Close()
}

// IsLockTimeout reports whether err is a lock acquisition timeout.
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
