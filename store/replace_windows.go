//go:build windows

package store

import (
	"errors"
	"fmt"
	"io/fs"

	"golang.org/x/sys/windows"
)

func moveFile(tmp, dst string, flags uint32) error {
	from, err := windows.UTF16PtrFromString(tmp)
	if err != nil {
		return err
	}
	to, err := windows.UTF16PtrFromString(dst)
	if err != nil {
		return err
	}
	return windows.MoveFileEx(from, to, flags)
}

// replaceFile uses MoveFileEx so the existing keystore is swapped in one call
// rather than deleted first.
func replaceFile(tmp, dst string) error {
	if err := moveFile(tmp, dst, windows.MOVEFILE_REPLACE_EXISTING|windows.MOVEFILE_WRITE_THROUGH); err != nil {
		return fmt.Errorf("replace keystore: %w", err)
	}
	return nil
}

// linkNoReplace omits MOVEFILE_REPLACE_EXISTING so an existing dst fails the move.
func linkNoReplace(tmp, dst string) error {
	err := moveFile(tmp, dst, windows.MOVEFILE_WRITE_THROUGH)
	if err == nil {
		return nil
	}
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) || errors.Is(err, windows.ERROR_FILE_EXISTS) {
		return fmt.Errorf("create keystore: %w", fs.ErrExist)
	}
	return fmt.Errorf("create keystore: %w", err)
}

// Directory handles cannot be fsynced on Windows; MOVEFILE_WRITE_THROUGH
// already flushed the rename.
func syncDir(string) error { return nil }
