package mslock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-obs/meridian/internal/config"
	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/logging"
)

// Table hands out exclusive per-MS write leases. In-process exclusion uses a
// keyed semaphore; cross-process exclusion uses a PID lock file next to the
// MS. Acquire blocks up to ms_lock_timeout_s and preempts stale lock files
// (dead owner on this host, or untouched longer than stale_lock_age_s).
type Table struct {
	mu   sync.Mutex
	sems map[string]chan struct{}

	rt  *config.Runtime
	log *logging.Logger

	// retryInterval paces lock file polling; tests shorten it.
	retryInterval time.Duration
	now           func() time.Time
}

// NewTable creates an empty lock table.
func NewTable(rt *config.Runtime, log *logging.Logger) *Table {
	return &Table{
		sems:          make(map[string]chan struct{}),
		rt:            rt,
		log:           log.WithComponent("mslock"),
		retryInterval: 500 * time.Millisecond,
		now:           time.Now,
	}
}

func (t *Table) sem(msPath string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	sem, ok := t.sems[msPath]
	if !ok {
		sem = make(chan struct{}, 1)
		t.sems[msPath] = sem
	}
	return sem
}

// Acquire takes the exclusive write lease on msPath, blocking until the
// lease is free, the configured timeout passes (ErrLockTimeout, resource
// kind), or ctx is done.
func (t *Table) Acquire(ctx context.Context, msPath string) (*Lease, error) {
	snap := t.rt.Snapshot()
	staleAge := snap.StaleLockAge()

	deadline := time.NewTimer(snap.MSLockTimeout())
	defer deadline.Stop()

	sem := t.sem(msPath)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for ms lock")
	case <-deadline.C:
		return nil, t.timeoutErr(msPath)
	}

	lockPath := LockPath(msPath)
	for {
		err := writeLockFile(lockPath, t.now())
		if err == nil {
			t.log.Debug("ms lock acquired", "ms_path", msPath)
			return &Lease{msPath: msPath, lockPath: lockPath, pid: os.Getpid(), table: t, sem: sem}, nil
		}
		if !os.IsExist(err) {
			<-sem
			return nil, errors.NewLockError("creating lock file", err).WithPath(lockPath)
		}

		// ReadInfo failure leaves info nil; mtime age decides alone then.
		info, _ := ReadInfo(lockPath)
		if isStale(lockPath, info, staleAge, t.now()) {
			if rmErr := os.Remove(lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
				<-sem
				return nil, errors.NewLockError("removing stale lock file", rmErr).WithPath(lockPath)
			}
			oldPID := -1
			if info != nil {
				oldPID = info.PID
			}
			t.log.Warn("preempted stale ms lock",
				"ms_path", msPath,
				"old_pid", oldPID)
			continue
		}

		select {
		case <-time.After(t.retryInterval):
		case <-ctx.Done():
			<-sem
			return nil, errors.Wrap(ctx.Err(), "waiting for ms lock")
		case <-deadline.C:
			<-sem
			return nil, t.timeoutErr(msPath)
		}
	}
}

func (t *Table) timeoutErr(msPath string) error {
	lerr := errors.NewLockError("ms lock wait expired", errors.ErrLockTimeout).
		WithPath(LockPath(msPath)).
		WithKind(errors.KindResource)
	if info, err := ReadInfo(LockPath(msPath)); err == nil {
		lerr = lerr.WithHolderPID(info.PID)
	}
	return lerr
}

// Inspect reports the current lock file holder of msPath, and whether that
// holder still counts as live under the configured stale age.
func (t *Table) Inspect(msPath string) (*Info, bool) {
	lockPath := LockPath(msPath)
	info, err := ReadInfo(lockPath)
	if err != nil {
		return nil, false
	}
	return info, !isStale(lockPath, info, t.rt.Snapshot().StaleLockAge(), t.now())
}

// Lease is a held MS write lock. Release it exactly when stage work on the
// MS finishes; Release is idempotent.
type Lease struct {
	msPath   string
	lockPath string
	pid      int
	table    *Table
	sem      chan struct{}
	released atomic.Bool
}

// MSPath returns the measurement set path the lease covers.
func (l *Lease) MSPath() string {
	return l.msPath
}

// Release removes the lock file (only if this process still owns it) and
// frees the in-process lease.
func (l *Lease) Release() error {
	if l == nil || l.released.Swap(true) {
		return nil
	}

	var rmErr error
	if info, err := ReadInfo(l.lockPath); err == nil && info.PID == l.pid {
		if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
			rmErr = errors.NewLockError("removing lock file", err).WithPath(l.lockPath)
		}
	}

	// Free waiters only after the file is gone, or the next in-process
	// acquirer would stall on our own live lock file.
	<-l.sem

	if rmErr == nil {
		l.table.log.Debug("ms lock released", "ms_path", l.msPath)
	}
	return rmErr
}
