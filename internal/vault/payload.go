package vault

import (
	"errors"
	"fmt"
	"io"

	"github.com/Hussein-Mazeh/keynest/krypto"
)

// SealPayload encrypts plaintext under key with a freshly drawn nonce and
// returns the complete file image. h is not modified; the header actually
// written is returned so the caller can adopt it once the write succeeds.
func SealPayload(key []byte, h Header, plaintext []byte, rnd io.Reader) (Header, []byte, error) {
	if len(key) != krypto.KeyLen {
		return Header{}, nil, errors.New("invalid key length")
	}

	nonce, err := krypto.NewNonce(rnd)
	if err != nil {
		return Header{}, nil, err
	}
	h.Nonce = nonce

	// v1 binds no associated data.
	ciphertext, err := krypto.Seal(key, h.Nonce[:], plaintext, nil)
	if err != nil {
		return Header{}, nil, fmt.Errorf("seal payload: %w", err)
	}

	file, err := Encode(h, ciphertext)
	if err != nil {
		return Header{}, nil, fmt.Errorf("encode keystore: %w", err)
	}
	return h, file, nil
}

// OpenPayload authenticates and decrypts the ciphertext that followed h.
// Every failure is krypto.ErrAuth.
func OpenPayload(key []byte, h Header, ciphertext []byte) ([]byte, error) {
	return krypto.Open(key, h.Nonce[:], ciphertext, nil)
}
