package utils

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// CopyFile copies src to dst through a temp file in dst's directory,
// fsyncs, and renames into place. A reader never observes a partial dst;
// an interrupted copy leaves only a TempPrefix file for GC to sweep.
// The destination must not already exist.
func CopyFile(src, dst string) error {
	if FileExists(dst) {
		return fmt.Errorf("copy to %s: destination already exists", dst)
	}

	in, err := os.Open(src) //nolint:gosec // paths come from vmgr-managed dirs
	if err != nil {
		return fmt.Errorf("open source %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source %s: %w", src, err)
	}

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()
	defer tmp.Close() //nolint:errcheck

	if _, err = io.Copy(tmp, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Chmod(info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("rename temp to %s: %w", dst, err)
	}
	if err = SyncParentDir(dir); err != nil {
		return fmt.Errorf("sync parent dir: %w", err)
	}
	return nil
}

// MoveFile renames src to dst. When src and dst live on different
// filesystems (rename fails with EXDEV) it falls back to copy, verifies the
// destination content against the source, and only then removes src.
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return SyncParentDir(filepath.Dir(dst))
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("rename %s to %s: %w", src, dst, err)
	}

	// Crossing a volume boundary: copy + verify + delete.
	if err := CopyFile(src, dst); err != nil {
		return err
	}
	same, err := FilesEqual(src, dst)
	if err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("verify %s: %w", dst, err)
	}
	if !same {
		_ = os.Remove(dst)
		return fmt.Errorf("verify %s: content differs from source", dst)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source %s: %w", src, err)
	}
	return nil
}

// FilesEqual reports whether two files have identical content.
func FilesEqual(a, b string) (bool, error) {
	fa, err := os.Open(a) //nolint:gosec
	if err != nil {
		return false, err
	}
	defer fa.Close() //nolint:errcheck
	fb, err := os.Open(b) //nolint:gosec
	if err != nil {
		return false, err
	}
	defer fb.Close() //nolint:errcheck

	ia, err := fa.Stat()
	if err != nil {
		return false, err
	}
	ib, err := fb.Stat()
	if err != nil {
		return false, err
	}
	if ia.Size() != ib.Size() {
		return false, nil
	}

	bufA := make([]byte, 1<<20) //nolint:mnd
	bufB := make([]byte, 1<<20) //nolint:mnd
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		aDone := errA == io.EOF || errA == io.ErrUnexpectedEOF
		bDone := errB == io.EOF || errB == io.ErrUnexpectedEOF
		switch {
		case aDone && bDone:
			return true, nil
		case aDone != bDone:
			return false, nil
		case errA != nil:
			return false, errA
		case errB != nil:
			return false, errB
		}
	}
}
