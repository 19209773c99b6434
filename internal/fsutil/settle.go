package fsutil

import (
	"context"
	"time"

	"github.com/meridian-obs/meridian/internal/errors"
)

// ErrStillGrowing reports a path whose size changed on every probe window
// Settle allowed, so no stable size was ever observed.
var ErrStillGrowing = errors.New("path still growing after settle window limit")

// Settle waits for the tree at path to stop growing: it probes the size,
// waits one window, and probes again, until two consecutive probes agree or
// maxWindows windows have elapsed. It returns the size from the final probe.
//
// A tree still growing when the windows run out yields ErrStillGrowing; the
// returned size is the last observation and must not be treated as final.
// Other errors mean the path could not be read or ctx ended first.
func Settle(ctx context.Context, path string, window time.Duration, maxWindows int) (int64, error) {
	prev, err := TreeSize(path)
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	for range maxWindows {
		select {
		case <-ctx.Done():
			return prev, ctx.Err()
		case <-timer.C:
		}

		cur, err := TreeSize(path)
		if err != nil {
			return 0, err
		}
		if cur == prev {
			return cur, nil
		}
		prev = cur
		timer.Reset(window)
	}
	return prev, errors.Wrap(ErrStillGrowing, path)
}
