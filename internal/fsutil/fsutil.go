// Package fsutil provides filesystem helpers shared by the watcher and the
// product registry: existence probes, recursive tree sizing (measurement
// sets are directories), size-settle detection for files still being
// written, and a rename-with-copy-fallback mover for cross-filesystem
// publishes.
package fsutil

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Exists reports whether path exists. Stat errors other than non-existence
// count as existing so callers do not treat an unreadable path as absent.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return !os.IsNotExist(err)
}

// TreeSize returns the total byte size of the regular files under path.
// A regular file is its own size; directories are walked recursively.
func TreeSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// CopyTree copies the file or directory tree at src to dst, preserving file
// modes. dst must not already exist. Symlinks are recreated, not followed.
func CopyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch {
	case info.Mode().IsRegular():
		return copyFile(src, dst, info.Mode().Perm())

	case info.IsDir():
		if err := os.Mkdir(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := CopyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}
		return nil

	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)

	default:
		// Sockets, devices and other irregular files have no business in a
		// data product; skip them rather than fail the whole copy.
		return nil
	}
}

// copyFile copies a regular file and syncs it before returning, so a
// subsequent rename publishes fully durable bytes.
func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
