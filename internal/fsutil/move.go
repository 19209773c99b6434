package fsutil

import (
	"fmt"
	"os"
	"syscall"

	"github.com/google/uuid"

	"github.com/meridian-obs/meridian/internal/errors"
)

// Mover relocates a file or directory tree, preferring an atomic rename and
// falling back to copy-verify-rename when the destination lives on another
// filesystem. The zero value is ready to use.
type Mover struct {
	// Rename, when non-nil, replaces os.Rename for the initial attempt.
	// Tests inject cross-device failures through it.
	Rename func(oldpath, newpath string) error
}

// Move relocates src to dst. On the same filesystem this is a single
// rename. Across filesystems the tree is copied to a temporary sibling of
// dst, size-verified against src, renamed into place, and only then is src
// removed - so dst either appears complete or not at all, and src survives
// any failure.
func (m *Mover) Move(src, dst string) error {
	err := m.rename(src, dst)
	if err == nil {
		return nil
	}
	if !IsCrossDevice(err) {
		return err
	}

	tmp := fmt.Sprintf("%s.tmp.%s", dst, uuid.NewString())
	if err := CopyTree(src, tmp); err != nil {
		os.RemoveAll(tmp)
		return errors.Wrap(err, "cross-device copy")
	}

	srcSize, err := TreeSize(src)
	if err != nil {
		os.RemoveAll(tmp)
		return errors.Wrap(err, "sizing source")
	}
	tmpSize, err := TreeSize(tmp)
	if err != nil {
		os.RemoveAll(tmp)
		return errors.Wrap(err, "sizing copy")
	}
	if srcSize != tmpSize {
		os.RemoveAll(tmp)
		return fmt.Errorf("size mismatch after copy: expected %d bytes, copied %d", srcSize, tmpSize)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.RemoveAll(tmp)
		return errors.Wrap(err, "renaming copy into place")
	}
	return os.RemoveAll(src)
}

func (m *Mover) rename(oldpath, newpath string) error {
	if m == nil || m.Rename == nil {
		return os.Rename(oldpath, newpath)
	}
	return m.Rename(oldpath, newpath)
}

// IsCrossDevice reports whether err is a rename failure caused by the
// source and destination living on different filesystems.
func IsCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
