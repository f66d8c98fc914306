package krypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceLen is the XChaCha20-Poly1305 nonce size.
const NonceLen = chacha20poly1305.NonceSizeX

// TagLen is the Poly1305 tag appended to every ciphertext.
const TagLen = chacha20poly1305.Overhead

// Algorithm names the AEAD used for keystore payloads.
const Algorithm = "XChaCha20-Poly1305"

// ErrAuth is the only error Open reports for a ciphertext that does not verify.
var ErrAuth = errors.New("authentication failed")

// Seal encrypts plaintext under key and nonce, returning ciphertext||tag.
func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("xchacha20poly1305 requires a %d-byte key", KeyLen)
	}
	if len(nonce) != NonceLen {
		return nil, errors.New("invalid nonce size")
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open verifies and decrypts ciphertext||tag. Any failure, including a
// malformed key or nonce, is reported as ErrAuth.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(key) != KeyLen || len(nonce) != NonceLen || len(ciphertext) < TagLen {
		return nil, ErrAuth
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrAuth
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuth
	}
	return plaintext, nil
}
