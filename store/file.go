package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FilePerm is the mode keystore files are written with.
const FilePerm fs.FileMode = 0o600

// ErrLocked is returned by Lock when another process holds the keystore lock.
var ErrLocked = errors.New("keystore is locked by another process")

// File locates a keystore on disk.
type File struct {
	Path string
}

// Exists reports whether something is present at the keystore path.
func (f File) Exists() (bool, error) {
	_, err := os.Lstat(f.Path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Load reads the whole keystore file.
func (f File) Load() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Size returns the keystore file size in bytes.
func (f File) Size() (int64, error) {
	st, err := os.Stat(f.Path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Create writes data to a path that must not exist yet.
func (f File) Create(data []byte) error {
	return CreateFileAtomic(f.Path, data, FilePerm)
}

// Replace atomically overwrites the keystore with data.
func (f File) Replace(data []byte) error {
	return WriteFileAtomic(f.Path, data, FilePerm)
}

// CleanTemps removes leftovers of interrupted writes.
func (f File) CleanTemps() (int, error) {
	return RemoveStaleTemps(f.Path)
}

// LockPath is the advisory lock file guarding the keystore.
func (f File) LockPath() string {
	return f.Path + ".lock"
}

// Lock takes a non-blocking exclusive advisory lock next to the keystore. The
// returned func releases it.
func (f File) Lock() (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}
	fl := flock.New(f.LockPath())
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock keystore: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return fl.Unlock, nil
}
