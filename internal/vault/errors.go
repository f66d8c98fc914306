package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat is matched by every FormatError.
	ErrFormat = errors.New("invalid keystore format")
	// ErrNotKeystore means the data is not a keystore file at all.
	ErrNotKeystore = errors.New("not a keystore file")
	// ErrUnsupportedVersion means the magic matched but the version is unknown.
	ErrUnsupportedVersion = errors.New("unsupported keystore version")
	// ErrMalformedHeader means a header field is out of bounds.
	ErrMalformedHeader = errors.New("malformed keystore header")
)

// FormatError describes why a byte sequence could not be decoded as a keystore.
type FormatError struct {
	Kind    error
	Version uint8
	Detail  string
}

func (e *FormatError) Error() string {
	if e.Kind == ErrUnsupportedVersion {
		return fmt.Sprintf("%v: %d", e.Kind, e.Version)
	}
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

// Unwrap exposes both the ErrFormat category and the specific kind.
func (e *FormatError) Unwrap() []error { return []error{ErrFormat, e.Kind} }

func notKeystore(detail string) error {
	return &FormatError{Kind: ErrNotKeystore, Detail: detail}
}

func unsupportedVersion(v uint8) error {
	return &FormatError{Kind: ErrUnsupportedVersion, Version: v}
}

func malformed(detail string) error {
	return &FormatError{Kind: ErrMalformedHeader, Detail: detail}
}
