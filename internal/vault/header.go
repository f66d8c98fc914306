// Package vault defines the on-disk keystore layout.
//
// A keystore file is a fixed 57-byte header followed by the AEAD ciphertext:
//
//	MAGIC(4) | VERSION(1) | MEM_COST(4) | TIME_COST(4) | PARALLELISM(4) | SALT(16) | NONCE(24) | CIPHERTEXT
//
// Multi-byte integers are little endian.
package vault

import (
	"encoding/binary"

	"github.com/Hussein-Mazeh/keynest/krypto"
)

// Magic identifies a keystore file.
const Magic = "KNST"

// VersionV1 is the only format version this package reads and writes.
const VersionV1 uint8 = 1

// CurrentVersion is written by Encode.
const CurrentVersion = VersionV1

const (
	magicLen = len(Magic)
	verLen   = 1
	u32Len   = 4

	offVersion = magicLen
	offMemory  = offVersion + verLen
	offTime    = offMemory + u32Len
	offPar     = offTime + u32Len
	offSalt    = offPar + u32Len
	offNonce   = offSalt + krypto.SaltLen

	// HeaderLen is the fixed size of a v1 header.
	HeaderLen = offNonce + krypto.NonceLen
)

// Header holds the plaintext fields preceding the ciphertext.
type Header struct {
	Version uint8
	KDF     krypto.KdfParams
	Salt    [krypto.SaltLen]byte
	Nonce   [krypto.NonceLen]byte
}

// NewHeader returns a current-version header.
func NewHeader(kdf krypto.KdfParams, salt [krypto.SaltLen]byte, nonce [krypto.NonceLen]byte) Header {
	return Header{
		Version: CurrentVersion,
		KDF:     kdf,
		Salt:    salt,
		Nonce:   nonce,
	}
}

// MarshalBinary returns the HeaderLen-byte encoding of h.
func (h Header) MarshalBinary() ([]byte, error) {
	if h.Version != VersionV1 {
		return nil, unsupportedVersion(h.Version)
	}
	if err := h.KDF.Validate(); err != nil {
		return nil, malformed("kdf parameters: " + err.Error())
	}

	buf := make([]byte, HeaderLen)
	copy(buf[:magicLen], Magic)
	buf[offVersion] = h.Version
	binary.LittleEndian.PutUint32(buf[offMemory:], h.KDF.MemoryKiB)
	binary.LittleEndian.PutUint32(buf[offTime:], h.KDF.Time)
	binary.LittleEndian.PutUint32(buf[offPar:], h.KDF.Parallelism)
	copy(buf[offSalt:offNonce], h.Salt[:])
	copy(buf[offNonce:HeaderLen], h.Nonce[:])
	return buf, nil
}

// Encode serializes h followed by ciphertext.
func Encode(h Header, ciphertext []byte) ([]byte, error) {
	hdr, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, HeaderLen+len(ciphertext))
	out = append(out, hdr...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecodeHeader parses and validates the header at the start of data.
func DecodeHeader(data []byte) (Header, error) {
	var h Header

	if len(data) < HeaderLen {
		return h, notKeystore("file too short")
	}
	if string(data[:magicLen]) != Magic {
		return h, notKeystore("bad magic")
	}
	if v := data[offVersion]; v != VersionV1 {
		return h, unsupportedVersion(v)
	}

	h.Version = data[offVersion]
	h.KDF = krypto.KdfParams{
		MemoryKiB:   binary.LittleEndian.Uint32(data[offMemory:]),
		Time:        binary.LittleEndian.Uint32(data[offTime:]),
		Parallelism: binary.LittleEndian.Uint32(data[offPar:]),
	}
	if err := h.KDF.Validate(); err != nil {
		return Header{}, malformed("kdf parameters: " + err.Error())
	}
	copy(h.Salt[:], data[offSalt:offNonce])
	copy(h.Nonce[:], data[offNonce:HeaderLen])
	return h, nil
}

// Decode splits data into its header and ciphertext. The returned ciphertext
// aliases data.
func Decode(data []byte) (Header, []byte, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return Header{}, nil, err
	}
	return h, data[HeaderLen:], nil
}
