// Package atomicfile writes files so that readers observe either the old
// content or the complete new content, never a torn write.
package atomicfile

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
)

const bufSize = 64 * 1024

// ErrExist is returned by CreateExclusive when the destination already
// exists. The existing file is left untouched.
var ErrExist = errors.New("atomicfile: destination already exists")

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	return WriteFrom(path, bytes.NewReader(data), perm)
}

// WriteFrom atomically replaces path with everything read from r.
func WriteFrom(path string, r io.Reader, perm os.FileMode) error {
	tmpPath, err := writeTemp(path, r, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	_ = syncDir(filepath.Dir(path))
	return nil
}

// CreateExclusive writes data to path only if path does not exist yet. Two
// processes racing on the same path converge on exactly one winner; the
// loser gets ErrExist and should read the winner's file instead.
func CreateExclusive(path string, data []byte, perm os.FileMode) error {
	return CreateExclusiveFrom(path, bytes.NewReader(data), perm)
}

// CreateExclusiveFrom is CreateExclusive for content read from r.
func CreateExclusiveFrom(path string, r io.Reader, perm os.FileMode) error {
	tmpPath, err := writeTemp(path, r, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)
	// link(2) fails when the destination exists, unlike rename(2).
	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrExist
		}
		return err
	}
	_ = syncDir(filepath.Dir(path))
	return nil
}

func writeTemp(path string, r io.Reader, perm os.FileMode) (string, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, perm)

	bw := bufio.NewWriterSize(tmp, bufSize)
	if _, err := io.Copy(bw, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// syncDir is best effort: persisting the directory entry matters after a
// crash, but not every platform allows fsync on a directory handle.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
