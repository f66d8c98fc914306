package keystore

import (
	"errors"
	"fmt"

	"github.com/Hussein-Mazeh/keynest/internal/vault"
	"github.com/Hussein-Mazeh/keynest/krypto"
	"github.com/Hussein-Mazeh/keynest/secrets"
	"github.com/Hussein-Mazeh/keynest/store"
)

// Errors returned by the engine. Match them with errors.Is.
var (
	ErrFormat             = vault.ErrFormat
	ErrNotKeystore        = vault.ErrNotKeystore
	ErrUnsupportedVersion = vault.ErrUnsupportedVersion
	ErrMalformedHeader    = vault.ErrMalformedHeader

	ErrKdf = krypto.ErrKdf

	ErrNotFound     = secrets.ErrNotFound
	ErrSecretExists = secrets.ErrExists
	ErrInvalidName  = secrets.ErrInvalidName
	ErrInvalidValue = secrets.ErrInvalidValue

	ErrLocked = store.ErrLocked

	// ErrInvalidPasswordOrCorrupted covers a wrong password, a tampered file
	// and a damaged payload alike.
	ErrInvalidPasswordOrCorrupted = errors.New("invalid password or corrupted keystore")
	ErrIO                         = errors.New("keystore i/o error")
	ErrAlreadyExists              = errors.New("keystore already exists")
	ErrClosed                     = errors.New("keystore is closed")
	ErrEmptyPassword              = errors.New("password must not be empty")
)

// FormatError is returned when a file is not a readable keystore.
type FormatError = vault.FormatError

// IOError wraps a filesystem failure. It matches ErrIO and unwraps to the
// underlying os error.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

func ioErr(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}
