// Package mslock serializes writes to under-construction measurement sets.
//
// Every stage that mutates an MS takes the exclusive write lease for that MS
// path first. Exclusion works on two levels: a keyed in-process semaphore
// covers workers inside one scheduler, and a PID lock file at <ms_path>.lock
// covers cooperating external processes. Lock files whose owner died on this
// host, or that have gone untouched past the stale age, are preempted.
//
// Usage:
//
//	locks := mslock.NewTable(rt, log)
//
//	lease, err := locks.Acquire(ctx, msPath)
//	if err != nil {
//	    return err // ErrLockTimeout after ms_lock_timeout_s
//	}
//	defer lease.Release()
package mslock
