package keystore

import (
	"time"

	"github.com/google/uuid"

	"github.com/Hussein-Mazeh/keynest/internal/vault"
	"github.com/Hussein-Mazeh/keynest/krypto"
	"github.com/Hussein-Mazeh/keynest/store"
)

// KDFAlgorithm names the password hash used by every format version so far.
const KDFAlgorithm = "argon2id"

// Info describes a keystore file. The header fields are readable without the
// password; Secrets, StoreID and CreatedAt are only set for an open keystore.
type Info struct {
	Path         string
	Size         int64
	Version      uint8
	KDF          krypto.KdfParams
	KDFAlgorithm string
	Cipher       string
	HeaderLen    int
	SaltLen      int
	NonceLen     int

	Secrets   int
	StoreID   uuid.UUID
	CreatedAt time.Time
}

func headerInfo(path string, size int64, h vault.Header) Info {
	return Info{
		Path:         path,
		Size:         size,
		Version:      h.Version,
		KDF:          h.KDF,
		KDFAlgorithm: KDFAlgorithm,
		Cipher:       krypto.Algorithm,
		HeaderLen:    vault.HeaderLen,
		SaltLen:      len(h.Salt),
		NonceLen:     len(h.Nonce),
	}
}

// ReadInfo decodes the header of the keystore at path without decrypting it.
func ReadInfo(path string) (Info, error) {
	data, err := store.File{Path: path}.Load()
	if err != nil {
		return Info{}, ioErr("read", path, err)
	}
	h, err := vault.DecodeHeader(data)
	if err != nil {
		return Info{}, err
	}
	return headerInfo(path, int64(len(data)), h), nil
}

// Info reports the current header together with the decrypted store details.
func (k *Keystore) Info() (Info, error) {
	if err := k.check(); err != nil {
		return Info{}, err
	}
	size, err := k.file.Size()
	if err != nil {
		return Info{}, ioErr("stat", k.file.Path, err)
	}
	info := headerInfo(k.file.Path, size, k.hdr)
	info.Secrets = k.secrets.Len()
	info.StoreID = k.secrets.ID()
	info.CreatedAt = k.secrets.CreatedAt()
	return info, nil
}
