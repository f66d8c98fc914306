package krypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// KeyLen is the length of derived keys in bytes.
	KeyLen = 32
	// SaltLen is the length of KDF salts in bytes.
	SaltLen = 16

	// MinMemoryKiB is the Argon2 lower bound per lane.
	MinMemoryKiB = 8
	// MaxMemoryKiB caps the memory cost at 1 GiB. Argon2 allocates the whole
	// cost up front and the Go runtime aborts, rather than returning an error,
	// when the host cannot supply it; headers asking for more are rejected
	// with a KdfError before any allocation.
	MaxMemoryKiB = 1024 * 1024
	// MaxTime caps the iteration count.
	MaxTime = 4096
	// MaxParallelism is the Argon2 lane limit of the x/crypto implementation.
	MaxParallelism = 255
)

// ErrKdf is matched by every KdfError.
var ErrKdf = errors.New("key derivation failed")

// KdfError reports a parameter or resource failure during key derivation.
type KdfError struct {
	Reason string
}

func (e *KdfError) Error() string { return "kdf: " + e.Reason }

// Is reports ErrKdf so callers can match the category.
func (e *KdfError) Is(target error) bool { return target == ErrKdf }

func kdfErrorf(format string, args ...any) error {
	return &KdfError{Reason: fmt.Sprintf(format, args...)}
}

// KdfParams captures the Argon2id cost parameters persisted in a keystore header.
type KdfParams struct {
	MemoryKiB   uint32 `json:"memory_kib" yaml:"memory_kib"`
	Time        uint32 `json:"time" yaml:"time"`
	Parallelism uint32 `json:"parallelism" yaml:"parallelism"`
}

// DefaultKdfParams returns 64 MiB, 3 passes, 1 lane.
func DefaultKdfParams() KdfParams {
	return KdfParams{
		MemoryKiB:   64 * 1024,
		Time:        3,
		Parallelism: 1,
	}
}

// NewKdfParams builds and validates a parameter set.
func NewKdfParams(memoryKiB, time, parallelism uint32) (KdfParams, error) {
	p := KdfParams{MemoryKiB: memoryKiB, Time: time, Parallelism: parallelism}
	if err := p.Validate(); err != nil {
		return KdfParams{}, err
	}
	return p, nil
}

// Validate checks the parameters against the Argon2 limits and the engine bounds.
func (p KdfParams) Validate() error {
	if p.MemoryKiB == 0 || p.Time == 0 || p.Parallelism == 0 {
		return kdfErrorf("memory, time and parallelism must be positive")
	}
	if p.Parallelism > MaxParallelism {
		return kdfErrorf("parallelism %d exceeds %d", p.Parallelism, MaxParallelism)
	}
	if p.MemoryKiB < MinMemoryKiB || uint64(p.MemoryKiB) < uint64(MinMemoryKiB)*uint64(p.Parallelism) {
		return kdfErrorf("memory cost must be at least %d KiB per lane", MinMemoryKiB)
	}
	if p.MemoryKiB > MaxMemoryKiB {
		return kdfErrorf("memory cost %d KiB exceeds %d KiB", p.MemoryKiB, MaxMemoryKiB)
	}
	if p.Time > MaxTime {
		return kdfErrorf("time cost %d exceeds %d", p.Time, MaxTime)
	}
	return nil
}

// IsZero reports whether no parameter was set.
func (p KdfParams) IsZero() bool {
	return p == KdfParams{}
}

func (p KdfParams) String() string {
	return fmt.Sprintf("argon2id(m=%dKiB,t=%d,p=%d)", p.MemoryKiB, p.Time, p.Parallelism)
}

// DeriveKey derives a KeyLen-byte key from password and salt using Argon2id.
// The caller owns the returned slice and should Wipe it when done.
func DeriveKey(password, salt []byte, p KdfParams) ([]byte, error) {
	if len(password) == 0 {
		return nil, kdfErrorf("password is required")
	}
	if len(salt) != SaltLen {
		return nil, kdfErrorf("salt must be %d bytes", SaltLen)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	key := argon2.IDKey(password, salt, p.Time, p.MemoryKiB, uint8(p.Parallelism), KeyLen)
	if len(key) != KeyLen {
		Wipe(key)
		return nil, kdfErrorf("derived key has unexpected length %d", len(key))
	}
	return key, nil
}
