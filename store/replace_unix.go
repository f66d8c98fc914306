//go:build !windows

package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// replaceFile atomically renames tmp over dst.
func replaceFile(tmp, dst string) error {
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("replace keystore: %w", err)
	}
	return nil
}

// linkNoReplace publishes tmp at dst only if dst does not exist. link(2)
// refuses to overwrite, which makes the existence check and the publish a
// single step.
func linkNoReplace(tmp, dst string) error {
	err := os.Link(tmp, dst)
	if err == nil {
		if rerr := os.Remove(tmp); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			return fmt.Errorf("%w: remove temp file: %w", ErrPostCommit, rerr)
		}
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("create keystore: %w", fs.ErrExist)
	}

	// Some filesystems have no hard links; fall back to check-then-rename.
	if _, serr := os.Lstat(dst); serr == nil {
		return fmt.Errorf("create keystore: %w", fs.ErrExist)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("create keystore: %w", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
