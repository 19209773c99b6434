package mslock

import (
	"encoding/json"
	"os"
	"syscall"
	"time"

	"github.com/meridian-obs/meridian/internal/errors"
)

// LockSuffix is appended to the MS path to form the lock file path, so
// cooperating external processes (and operators with ls) can see who holds
// a measurement set.
const LockSuffix = ".lock"

// Info is the serialized content of a lock file.
type Info struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockPath returns the lock file path for a measurement set.
func LockPath(msPath string) string {
	return msPath + LockSuffix
}

// ReadInfo reads and parses a lock file.
func ReadInfo(lockPath string) (*Info, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errors.Wrap(err, "parsing lock file")
	}
	return &info, nil
}

// writeLockFile creates the lock file with O_EXCL so concurrent creators
// lose the race cleanly. The caller sees os.IsExist on contention.
func writeLockFile(lockPath string, acquiredAt time.Time) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	data, err := json.MarshalIndent(Info{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: acquiredAt,
	}, "", "  ")
	if err != nil {
		return err
	}

	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(lockPath)
		return err
	}
	return f.Close()
}

// isStale reports whether an existing lock file may be preempted: its owner
// is a dead process on this host, or the file has not been touched within
// staleAge (the only signal available for foreign hosts and corrupt files).
func isStale(lockPath string, info *Info, staleAge time.Duration, now time.Time) bool {
	if info != nil && info.PID > 0 && onThisHost(info.Hostname) && !isProcessAlive(info.PID) {
		return true
	}
	fi, err := os.Lstat(lockPath)
	if err != nil {
		// Vanished between read and stat: gone either way.
		return true
	}
	return now.Sub(fi.ModTime()) > staleAge
}

func onThisHost(hostname string) bool {
	self, err := os.Hostname()
	return err == nil && self == hostname
}

// isProcessAlive sends signal 0, which probes for existence without
// affecting the target.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
