package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tempInfix = ".tmp-"

// ErrPostCommit is matched by failures that happen after the new file is
// already in place. The write took effect; only its follow-up steps failed.
var ErrPostCommit = errors.New("keystore written but not confirmed durable")

// Replaced in tests to simulate a crash at the commit point.
var (
	replaceFn = replaceFile
	createFn  = linkNoReplace
	syncDirFn = syncDir
)

// WriteFileAtomic replaces path with data. Readers observe either the previous
// file or the complete new one. An error matching ErrPostCommit means data is
// already at path.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	return writeAtomic(path, data, perm, replaceFn)
}

// CreateFileAtomic is WriteFileAtomic for a path that must not exist yet. It
// fails with an error matching fs.ErrExist instead of replacing a file.
func CreateFileAtomic(path string, data []byte, perm fs.FileMode) error {
	return writeAtomic(path, data, perm, createFn)
}

func writeAtomic(path string, data []byte, perm fs.FileMode, commit func(tmp, dst string) error) error {
	if path == "" {
		return errors.New("keystore path not specified")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create keystore directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPattern(path))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	var post error
	if err := commit(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		if !errors.Is(err, ErrPostCommit) {
			return err
		}
		post = err
	}

	if err := syncDirFn(dir); err != nil {
		post = errors.Join(post, fmt.Errorf("%w: sync keystore directory: %w", ErrPostCommit, err))
	}
	return post
}

func tempPattern(path string) string {
	return "." + filepath.Base(path) + tempInfix + "*"
}

// RemoveStaleTemps deletes temp files left next to path by interrupted writes
// and returns how many were removed.
func RemoveStaleTemps(path string) (int, error) {
	dir := filepath.Dir(path)
	prefix := "." + filepath.Base(path) + tempInfix

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan keystore directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove stale temp file: %w", err)
		}
		removed++
	}
	return removed, nil
}
