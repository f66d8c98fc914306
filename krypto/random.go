package krypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
)

// RandomBytes reads n bytes from r, or from crypto/rand when r is nil.
func RandomBytes(r io.Reader, n int) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// NewSalt returns a fresh SaltLen-byte salt.
func NewSalt(r io.Reader) ([SaltLen]byte, error) {
	var salt [SaltLen]byte
	b, err := RandomBytes(r, SaltLen)
	if err != nil {
		return salt, fmt.Errorf("generate salt: %w", err)
	}
	copy(salt[:], b)
	return salt, nil
}

// NewNonce returns a fresh NonceLen-byte nonce.
func NewNonce(r io.Reader) ([NonceLen]byte, error) {
	var nonce [NonceLen]byte
	b, err := RandomBytes(r, NonceLen)
	if err != nil {
		return nonce, fmt.Errorf("generate nonce: %w", err)
	}
	copy(nonce[:], b)
	return nonce, nil
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	memguard.WipeBytes(b)
}
