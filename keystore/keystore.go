// Package keystore is the engine behind a password-protected secrets file.
//
// A Keystore is created with Init or Open and stays usable until Close.
// Mutations only touch memory; Save and Rekey write the file atomically. The
// engine is not safe for concurrent use and never starts goroutines. Key
// derivation is deliberately slow, so callers wanting a responsive UI should
// run Init, Open and Rekey off the UI goroutine.
package keystore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sirupsen/logrus"

	"github.com/Hussein-Mazeh/keynest/internal/vault"
	"github.com/Hussein-Mazeh/keynest/krypto"
	"github.com/Hussein-Mazeh/keynest/secrets"
	"github.com/Hussein-Mazeh/keynest/store"
)

// Config tells the engine where the keystore lives and how to build it.
type Config struct {
	// Path is the keystore file. Required.
	Path string
	// KDF is used by Init. Zero means krypto.DefaultKdfParams.
	KDF krypto.KdfParams
	// Logger receives debug events. Nil discards them.
	Logger logrus.FieldLogger
	// Rand supplies salts and nonces. Nil means crypto/rand.
	Rand io.Reader
	// Lock holds an advisory lock on Path+".lock" until Close.
	Lock bool
	// Clock stamps secrets. Nil means time.Now.
	Clock func() time.Time
}

func (c Config) normalize() (Config, error) {
	if c.Path == "" {
		return c, errors.New("keystore path not specified")
	}
	if c.KDF.IsZero() {
		c.KDF = krypto.DefaultKdfParams()
	}
	if c.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		c.Logger = l
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c, nil
}

// Keystore is an open keystore. The derived key and the password stay in
// locked memory until Close.
type Keystore struct {
	cfg  Config
	file store.File
	log  logrus.FieldLogger

	hdr      vault.Header
	key      *memguard.LockedBuffer
	password *memguard.LockedBuffer
	secrets  *secrets.Store

	// replace commits a new file image for Save and Rekey.
	replace func([]byte) error
	unlock  func() error
	closed  bool
}

// lockedCopy moves a copy of b into locked memory and leaves b untouched.
func lockedCopy(b []byte) *memguard.LockedBuffer {
	buf := memguard.NewBuffer(len(b))
	buf.Copy(b)
	buf.Freeze()
	return buf
}

// lockedKey takes ownership of key and wipes it.
func lockedKey(key []byte) *memguard.LockedBuffer {
	buf := memguard.NewBufferFromBytes(key)
	buf.Freeze()
	return buf
}

func acquire(cfg Config, f store.File) (func() error, error) {
	if !cfg.Lock {
		return func() error { return nil }, nil
	}
	unlock, err := f.Lock()
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return nil, err
		}
		return nil, ioErr("lock", f.LockPath(), err)
	}
	return unlock, nil
}

// Init creates a new empty keystore at cfg.Path. It never overwrites: an
// existing file fails with ErrAlreadyExists.
func Init(password []byte, cfg Config) (*Keystore, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if err := cfg.KDF.Validate(); err != nil {
		return nil, err
	}
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	f := store.File{Path: cfg.Path}

	unlock, err := acquire(cfg, f)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			unlock()
		}
	}()

	exists, err := f.Exists()
	if err != nil {
		return nil, ioErr("stat", cfg.Path, err)
	}
	if exists {
		return nil, fmt.Errorf("%s: %w", cfg.Path, ErrAlreadyExists)
	}

	salt, err := krypto.NewSalt(cfg.Rand)
	if err != nil {
		return nil, err
	}
	rawKey, err := krypto.DeriveKey(password, salt[:], cfg.KDF)
	if err != nil {
		return nil, err
	}
	key := lockedKey(rawKey)

	k := &Keystore{
		cfg:      cfg,
		file:     f,
		log:      cfg.Logger.WithField("path", cfg.Path),
		hdr:      vault.NewHeader(cfg.KDF, salt, [krypto.NonceLen]byte{}),
		key:      key,
		password: lockedCopy(password),
		secrets:  secrets.New(secrets.WithClock(cfg.Clock)),
		replace:  f.Replace,
		unlock:   unlock,
	}
	if err := k.write(k.key, k.hdr, f.Create); err != nil {
		k.destroy()
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%s: %w", cfg.Path, ErrAlreadyExists)
		}
		return nil, err
	}

	ok = true
	k.log.WithFields(logrus.Fields{
		"version": k.hdr.Version,
		"kdf":     k.hdr.KDF.String(),
	}).Debug("keystore initialised")
	return k, nil
}

// Open decrypts the keystore at cfg.Path. cfg.KDF is ignored; the parameters
// stored in the header are used. A wrong password and a damaged file both
// fail with ErrInvalidPasswordOrCorrupted.
func Open(password []byte, cfg Config) (*Keystore, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	f := store.File{Path: cfg.Path}
	log := cfg.Logger.WithField("path", cfg.Path)

	unlock, err := acquire(cfg, f)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			unlock()
		}
	}()

	if n, err := f.CleanTemps(); err != nil {
		log.WithError(err).Warn("could not remove stale temp files")
	} else if n > 0 {
		log.WithField("count", n).Debug("removed stale temp files")
	}

	data, err := f.Load()
	if err != nil {
		return nil, ioErr("read", cfg.Path, err)
	}
	hdr, ciphertext, err := vault.Decode(data)
	if err != nil {
		return nil, err
	}

	rawKey, err := krypto.DeriveKey(password, hdr.Salt[:], hdr.KDF)
	if err != nil {
		return nil, err
	}
	key := lockedKey(rawKey)

	plaintext, err := vault.OpenPayload(key.Bytes(), hdr, ciphertext)
	if err != nil {
		key.Destroy()
		return nil, ErrInvalidPasswordOrCorrupted
	}
	defer krypto.Wipe(plaintext)

	st, err := secrets.Unmarshal(plaintext, secrets.WithClock(cfg.Clock))
	if err != nil {
		key.Destroy()
		log.Debug("payload authenticated but did not parse")
		return nil, ErrInvalidPasswordOrCorrupted
	}

	ok = true
	log.WithFields(logrus.Fields{
		"version": hdr.Version,
		"kdf":     hdr.KDF.String(),
		"secrets": st.Len(),
	}).Debug("keystore opened")
	return &Keystore{
		cfg:      cfg,
		file:     f,
		log:      log,
		hdr:      hdr,
		key:      key,
		password: lockedCopy(password),
		secrets:  st,
		replace:  f.Replace,
		unlock:   unlock,
	}, nil
}

// write seals the current secrets under key with a fresh nonce and commits
// the file image. The header actually written is adopted once the image is
// in place, including when only the post-commit sync failed.
func (k *Keystore) write(key *memguard.LockedBuffer, hdr vault.Header, commit func([]byte) error) error {
	plaintext, err := k.secrets.Marshal()
	if err != nil {
		return err
	}
	defer krypto.Wipe(plaintext)

	written, image, err := vault.SealPayload(key.Bytes(), hdr, plaintext, k.cfg.Rand)
	if err != nil {
		return err
	}
	if err := commit(image); err != nil {
		switch {
		case errors.Is(err, store.ErrPostCommit):
			k.log.WithError(err).Warn("keystore written but not confirmed durable")
		case errors.Is(err, fs.ErrExist):
			return err
		default:
			return ioErr("write", k.file.Path, err)
		}
	}
	k.hdr = written
	return nil
}

func (k *Keystore) check() error {
	if k == nil || k.closed {
		return ErrClosed
	}
	return nil
}

// Path returns the keystore file path.
func (k *Keystore) Path() string { return k.cfg.Path }

// KDF returns the parameters the current key was derived with.
func (k *Keystore) KDF() krypto.KdfParams { return k.hdr.KDF }

// Get returns the value stored under name.
func (k *Keystore) Get(name string) (string, error) {
	e, err := k.Entry(name)
	if err != nil {
		return "", err
	}
	return e.Value, nil
}

// Entry returns name together with its timestamps.
func (k *Keystore) Entry(name string) (secrets.Entry, error) {
	if err := k.check(); err != nil {
		return secrets.Entry{}, err
	}
	e, ok := k.secrets.Entry(name)
	if !ok {
		return secrets.Entry{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return e, nil
}

// Set inserts or overwrites name. Values must be valid UTF-8 or Set fails
// with ErrInvalidValue. Call Save to persist.
func (k *Keystore) Set(name, value string) error {
	if err := k.check(); err != nil {
		return err
	}
	return k.secrets.Set(name, value)
}

// Add inserts name, failing with ErrSecretExists if it is present.
func (k *Keystore) Add(name, value string) error {
	if err := k.check(); err != nil {
		return err
	}
	return k.secrets.Add(name, value)
}

// Update overwrites name, failing with ErrNotFound if it is absent.
func (k *Keystore) Update(name, value string) error {
	if err := k.check(); err != nil {
		return err
	}
	return k.secrets.Update(name, value)
}

// Remove deletes name, failing with ErrNotFound if it is absent.
func (k *Keystore) Remove(name string) error {
	if err := k.check(); err != nil {
		return err
	}
	if !k.secrets.Remove(name) {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return nil
}

// List returns every secret sorted by name.
func (k *Keystore) List() ([]secrets.Entry, error) {
	if err := k.check(); err != nil {
		return nil, err
	}
	return k.secrets.List(), nil
}

// Names returns the sorted secret names.
func (k *Keystore) Names() ([]string, error) {
	if err := k.check(); err != nil {
		return nil, err
	}
	return k.secrets.Names(), nil
}

// Len returns the number of secrets, or zero once closed.
func (k *Keystore) Len() int {
	if k.check() != nil {
		return 0
	}
	return k.secrets.Len()
}

// Save reseals the secrets with a fresh nonce under the current key and
// atomically replaces the file.
func (k *Keystore) Save() error {
	if err := k.check(); err != nil {
		return err
	}
	if err := k.write(k.key, k.hdr, k.replace); err != nil {
		return err
	}
	k.log.WithField("secrets", k.secrets.Len()).Debug("keystore saved")
	return nil
}

// Rekey derives a new key from a fresh salt and rewrites the file. A nil
// newPassword keeps the current password and a nil newKDF keeps the current
// parameters. If the write fails the engine keeps its previous key and the
// previous file stays in place.
func (k *Keystore) Rekey(newPassword []byte, newKDF *krypto.KdfParams) error {
	if err := k.check(); err != nil {
		return err
	}

	password := k.password.Bytes()
	if newPassword != nil {
		if len(newPassword) == 0 {
			return ErrEmptyPassword
		}
		password = newPassword
	}
	kdf := k.hdr.KDF
	if newKDF != nil {
		if err := newKDF.Validate(); err != nil {
			return err
		}
		kdf = *newKDF
	}

	salt, err := krypto.NewSalt(k.cfg.Rand)
	if err != nil {
		return err
	}
	rawKey, err := krypto.DeriveKey(password, salt[:], kdf)
	if err != nil {
		return err
	}
	key := lockedKey(rawKey)

	if err := k.write(key, vault.NewHeader(kdf, salt, [krypto.NonceLen]byte{}), k.replace); err != nil {
		key.Destroy()
		return err
	}

	k.key.Destroy()
	k.key = key
	if newPassword != nil {
		k.password.Destroy()
		k.password = lockedCopy(newPassword)
	}
	k.log.WithFields(logrus.Fields{
		"kdf":              kdf.String(),
		"password_changed": newPassword != nil,
	}).Debug("keystore rekeyed")
	return nil
}

func (k *Keystore) destroy() {
	if k.key != nil {
		k.key.Destroy()
	}
	if k.password != nil {
		k.password.Destroy()
	}
	if k.secrets != nil {
		k.secrets.Clear()
	}
}

// Close wipes the key and password and releases the lock. Every later call
// on k returns ErrClosed. Closing twice is a no-op.
func (k *Keystore) Close() error {
	if k == nil || k.closed {
		return nil
	}
	k.closed = true
	k.destroy()
	k.log.Debug("keystore closed")
	if k.unlock != nil {
		if err := k.unlock(); err != nil {
			return ioErr("unlock", k.file.LockPath(), err)
		}
	}
	return nil
}
