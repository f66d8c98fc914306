package keystore_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hussein-Mazeh/keynest/internal/vault"
	"github.com/Hussein-Mazeh/keynest/keystore"
	"github.com/Hussein-Mazeh/keynest/krypto"
	"github.com/Hussein-Mazeh/keynest/store"
)

var fastKDF = krypto.KdfParams{MemoryKiB: 8, Time: 1, Parallelism: 1}

func testConfig(t *testing.T) keystore.Config {
	t.Helper()
	return keystore.Config{
		Path: filepath.Join(t.TempDir(), "keystore.db"),
		KDF:  fastKDF,
	}
}

func mustInit(t *testing.T, pw string, cfg keystore.Config) *keystore.Keystore {
	t.Helper()
	ks, err := keystore.Init([]byte(pw), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })
	return ks
}

func mustOpen(t *testing.T, pw string, cfg keystore.Config) *keystore.Keystore {
	t.Helper()
	ks, err := keystore.Open([]byte(pw), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })
	return ks
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestInitSetSaveReopen(t *testing.T) {
	cfg := testConfig(t)
	ks := mustInit(t, "pw1", cfg)
	require.NoError(t, ks.Set("db", "x"))
	require.NoError(t, ks.Save())
	require.NoError(t, ks.Close())

	reopened := mustOpen(t, "pw1", cfg)
	v, err := reopened.Get("db")
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestRoundTripPreservesEntries(t *testing.T) {
	cfg := testConfig(t)
	ks := mustInit(t, "correct horse", cfg)
	want := map[string]string{
		"db":           "x",
		"api/token":    "t0k3n",
		"empty":        "",
		"multi-line":   "line1\nline2",
		"unicode ключ": "значение",
	}
	for name, value := range want {
		require.NoError(t, ks.Set(name, value))
	}
	before, err := ks.List()
	require.NoError(t, err)
	require.NoError(t, ks.Save())

	reopened := mustOpen(t, "correct horse", cfg)
	after, err := reopened.List()
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Name, after[i].Name)
		assert.Equal(t, before[i].Value, after[i].Value)
		assert.True(t, before[i].CreatedAt.Equal(after[i].CreatedAt))
		assert.True(t, before[i].UpdatedAt.Equal(after[i].UpdatedAt))
	}
	assert.Equal(t, len(want), reopened.Len())
}

func TestUnsavedChangesAreNotPersisted(t *testing.T) {
	cfg := testConfig(t)
	ks := mustInit(t, "pw", cfg)
	require.NoError(t, ks.Set("draft", "v"))
	require.NoError(t, ks.Close())

	reopened := mustOpen(t, "pw", cfg)
	_, err := reopened.Get("draft")
	assert.ErrorIs(t, err, keystore.ErrNotFound)
}

func TestWrongPassword(t *testing.T) {
	cfg := testConfig(t)
	ks := mustInit(t, "pw1", cfg)
	require.NoError(t, ks.Set("db", "hunter2"))
	require.NoError(t, ks.Save())

	for _, pw := range []string{"pw2", "pw1 ", "PW1", "p"} {
		_, err := keystore.Open([]byte(pw), cfg)
		require.ErrorIs(t, err, keystore.ErrInvalidPasswordOrCorrupted, "password %q", pw)
		assert.False(t, errors.Is(err, keystore.ErrFormat))
		assert.NotContains(t, err.Error(), pw)
		assert.NotContains(t, err.Error(), "hunter2")
	}
}

func TestEmptyPassword(t *testing.T) {
	cfg := testConfig(t)
	_, err := keystore.Init(nil, cfg)
	require.ErrorIs(t, err, keystore.ErrEmptyPassword)
	_, statErr := os.Stat(cfg.Path)
	assert.ErrorIs(t, statErr, fs.ErrNotExist)

	mustInit(t, "pw", cfg).Close()
	_, err = keystore.Open([]byte{}, cfg)
	require.ErrorIs(t, err, keystore.ErrEmptyPassword)
}

func TestTamperedCiphertextFailsAuthentication(t *testing.T) {
	cfg := testConfig(t)
	ks := mustInit(t, "pw", cfg)
	require.NoError(t, ks.Set("db", "x"))
	require.NoError(t, ks.Save())
	require.NoError(t, ks.Close())
	orig := readFile(t, cfg.Path)

	for i := vault.HeaderLen; i < len(orig); i++ {
		data := append([]byte(nil), orig...)
		data[i] ^= 1 << (i % 8)
		require.NoError(t, os.WriteFile(cfg.Path, data, 0o600))

		_, err := keystore.Open([]byte("pw"), cfg)
		require.ErrorIs(t, err, keystore.ErrInvalidPasswordOrCorrupted, "byte %d", i)
	}

	require.NoError(t, os.WriteFile(cfg.Path, orig, 0o600))
	mustOpen(t, "pw", cfg)
}

func TestTruncatedCiphertextFailsAuthentication(t *testing.T) {
	cfg := testConfig(t)
	mustInit(t, "pw", cfg).Close()
	orig := readFile(t, cfg.Path)

	require.NoError(t, os.WriteFile(cfg.Path, orig[:vault.HeaderLen], 0o600))
	_, err := keystore.Open([]byte("pw"), cfg)
	require.ErrorIs(t, err, keystore.ErrInvalidPasswordOrCorrupted)
}

func TestTamperedHeader(t *testing.T) {
	cfg := testConfig(t)
	mustInit(t, "pw", cfg).Close()
	orig := readFile(t, cfg.Path)

	tests := []struct {
		name   string
		offset int
		mask   byte
		want   error
	}{
		{"magic", 0, 0x01, keystore.ErrNotKeystore},
		{"magic last byte", 3, 0x80, keystore.ErrNotKeystore},
		{"version", 4, 0x01, keystore.ErrUnsupportedVersion},
		{"version high bit", 4, 0x80, keystore.ErrUnsupportedVersion},
		// KDF and salt are not authenticated directly, but a changed value
		// derives a different key.
		{"memory cost", 5, 0x01, keystore.ErrInvalidPasswordOrCorrupted},
		{"time cost", 9, 0x02, keystore.ErrInvalidPasswordOrCorrupted},
		{"salt", 17, 0x01, keystore.ErrInvalidPasswordOrCorrupted},
		{"nonce", 40, 0x01, keystore.ErrInvalidPasswordOrCorrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := append([]byte(nil), orig...)
			data[tt.offset] ^= tt.mask
			require.NoError(t, os.WriteFile(cfg.Path, data, 0o600))

			_, err := keystore.Open([]byte("pw"), cfg)
			require.ErrorIs(t, err, tt.want)
			if tt.want != keystore.ErrInvalidPasswordOrCorrupted {
				assert.ErrorIs(t, err, keystore.ErrFormat)
				assert.NotErrorIs(t, err, keystore.ErrInvalidPasswordOrCorrupted)
			}
		})
	}
}

func TestImplausibleKdfInHeader(t *testing.T) {
	cfg := testConfig(t)
	mustInit(t, "pw", cfg).Close()
	data := readFile(t, cfg.Path)

	// Parallelism of 0 cannot be a real keystore.
	copy(data[13:17], []byte{0, 0, 0, 0})
	require.NoError(t, os.WriteFile(cfg.Path, data, 0o600))

	_, err := keystore.Open([]byte("pw"), cfg)
	require.ErrorIs(t, err, keystore.ErrMalformedHeader)
	assert.ErrorIs(t, err, keystore.ErrFormat)
}

func TestOversizedKdfMemoryInHeader(t *testing.T) {
	cfg := testConfig(t)
	mustInit(t, "pw", cfg).Close()
	data := readFile(t, cfg.Path)

	// 4 GiB in KiB; rejected before Argon2 allocates anything.
	binary.LittleEndian.PutUint32(data[5:9], 4<<20)
	require.NoError(t, os.WriteFile(cfg.Path, data, 0o600))

	_, err := keystore.Open([]byte("pw"), cfg)
	require.ErrorIs(t, err, keystore.ErrMalformedHeader)

	_, err = keystore.ReadInfo(cfg.Path)
	require.ErrorIs(t, err, keystore.ErrMalformedHeader)
}

func TestUnsupportedVersionIsDistinct(t *testing.T) {
	cfg := testConfig(t)
	data := make([]byte, vault.HeaderLen+32)
	copy(data, "KNST")
	data[4] = 2
	require.NoError(t, os.WriteFile(cfg.Path, data, 0o600))

	_, err := keystore.Open([]byte("pw"), cfg)
	require.ErrorIs(t, err, keystore.ErrUnsupportedVersion)
	assert.ErrorIs(t, err, keystore.ErrFormat)
	assert.NotErrorIs(t, err, keystore.ErrNotKeystore)

	var fe *keystore.FormatError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, uint8(2), fe.Version)

	_, err = keystore.ReadInfo(cfg.Path)
	require.ErrorIs(t, err, keystore.ErrUnsupportedVersion)
}

func TestOpenNotAKeystore(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Path, []byte("just some notes"), 0o600))

	_, err := keystore.Open([]byte("pw"), cfg)
	require.ErrorIs(t, err, keystore.ErrNotKeystore)
	assert.NotErrorIs(t, err, keystore.ErrUnsupportedVersion)
}

func TestOpenMissingFile(t *testing.T) {
	cfg := testConfig(t)
	_, err := keystore.Open([]byte("pw"), cfg)
	require.ErrorIs(t, err, keystore.ErrIO)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	var ioErr *keystore.IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, cfg.Path, ioErr.Path)
}

func TestInitRefusesExistingFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Path, []byte("precious"), 0o600))

	_, err := keystore.Init([]byte("pw"), cfg)
	require.ErrorIs(t, err, keystore.ErrAlreadyExists)
	assert.Equal(t, "precious", string(readFile(t, cfg.Path)))
}

func TestInitCreatesParentDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Path = filepath.Join(filepath.Dir(cfg.Path), "a", "b", "keystore.db")
	mustInit(t, "pw", cfg)

	_, err := os.Stat(cfg.Path)
	require.NoError(t, err)
}

func TestSaveUsesFreshNonce(t *testing.T) {
	cfg := testConfig(t)
	ks := mustInit(t, "pw", cfg)
	require.NoError(t, ks.Set("db", "x"))

	require.NoError(t, ks.Save())
	first := readFile(t, cfg.Path)
	require.NoError(t, ks.Save())
	second := readFile(t, cfg.Path)

	nonce := func(b []byte) []byte { return b[vault.HeaderLen-krypto.NonceLen : vault.HeaderLen] }
	salt := func(b []byte) []byte { return b[17 : 17+krypto.SaltLen] }
	assert.NotEqual(t, nonce(first), nonce(second))
	assert.Equal(t, salt(first), salt(second))
	assert.NotEqual(t, first[vault.HeaderLen:], second[vault.HeaderLen:])
}

func TestRekeyWithNewPassword(t *testing.T) {
	cfg := testConfig(t)
	ks := mustInit(t, "old", cfg)
	require.NoError(t, ks.Set("db", "x"))
	require.NoError(t, ks.Set("api", "y"))
	require.NoError(t, ks.Save())
	before := readFile(t, cfg.Path)
	wantList, err := ks.List()
	require.NoError(t, err)

	require.NoError(t, ks.Rekey([]byte("new"), nil))
	after := readFile(t, cfg.Path)
	assert.NotEqual(t, before[17:33], after[17:33], "salt must be regenerated")
	require.NoError(t, ks.Close())

	_, err = keystore.Open([]byte("old"), cfg)
	require.ErrorIs(t, err, keystore.ErrInvalidPasswordOrCorrupted)

	reopened := mustOpen(t, "new", cfg)
	got, err := reopened.List()
	require.NoError(t, err)
	assert.Equal(t, wantList, got)
}

func TestRekeyKeepsPasswordAndChangesKdf(t *testing.T) {
	cfg := testConfig(t)
	ks := mustInit(t, "pw", cfg)
	require.NoError(t, ks.Set("db", "x"))

	params := krypto.KdfParams{MemoryKiB: 16, Time: 2, Parallelism: 2}
	require.NoError(t, ks.Rekey(nil, &params))
	assert.Equal(t, params, ks.KDF())

	// Later saves keep using the rekeyed key.
	require.NoError(t, ks.Set("api", "y"))
	require.NoError(t, ks.Save())
	require.NoError(t, ks.Close())

	info, err := keystore.ReadInfo(cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, params, info.KDF)

	reopened := mustOpen(t, "pw", cfg)
	names, err := reopened.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "db"}, names)
}

func TestRekeyRejectsBadInput(t *testing.T) {
	cfg := testConfig(t)
	ks := mustInit(t, "pw", cfg)
	orig := readFile(t, cfg.Path)

	require.ErrorIs(t, ks.Rekey([]byte{}, nil), keystore.ErrEmptyPassword)
	bad := krypto.KdfParams{MemoryKiB: 8, Time: 0, Parallelism: 1}
	require.ErrorIs(t, ks.Rekey(nil, &bad), keystore.ErrKdf)

	assert.Equal(t, orig, readFile(t, cfg.Path))
}

func TestRekeyWriteFailureKeepsPreviousKey(t *testing.T) {
	cfg := testConfig(t)
	ks := mustInit(t, "old", cfg)
	require.NoError(t, ks.Set("db", "x"))
	require.NoError(t, ks.Save())
	orig := readFile(t, cfg.Path)

	// A directory at the keystore path makes the final rename fail.
	require.NoError(t, os.Remove(cfg.Path))
	require.NoError(t, os.Mkdir(cfg.Path, 0o700))

	err := ks.Rekey([]byte("new"), nil)
	require.ErrorIs(t, err, keystore.ErrIO)

	require.NoError(t, os.Remove(cfg.Path))
	require.NoError(t, os.WriteFile(cfg.Path, orig, 0o600))

	// The engine still holds the old key, so a save is readable with "old".
	require.NoError(t, ks.Save())
	require.NoError(t, ks.Close())
	reopened := mustOpen(t, "old", cfg)
	v, err := reopened.Get("db")
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestRekeyPostCommitFailureAdoptsNewKey(t *testing.T) {
	cfg := testConfig(t)
	ks := mustInit(t, "old", cfg)
	require.NoError(t, ks.Set("db", "x"))
	require.NoError(t, ks.Save())

	keystore.SetReplaceFunc(ks, func(data []byte) error {
		if err := store.WriteFileAtomic(cfg.Path, data, store.FilePerm); err != nil {
			return err
		}
		return fmt.Errorf("%w: sync keystore directory: %w", store.ErrPostCommit, syscall.EIO)
	})

	require.NoError(t, ks.Rekey([]byte("new"), nil))
	require.NoError(t, ks.Set("api", "y"))
	require.NoError(t, ks.Save())
	require.NoError(t, ks.Close())

	_, err := keystore.Open([]byte("old"), cfg)
	require.ErrorIs(t, err, keystore.ErrInvalidPasswordOrCorrupted)

	reopened := mustOpen(t, "new", cfg)
	names, err := reopened.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "db"}, names)
}

func TestClockSteppingBackStillReopens(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig(t)
	cfg.Clock = func() time.Time { return now }

	ks := mustInit(t, "pw", cfg)
	require.NoError(t, ks.Set("db", "x"))
	now = now.Add(-5 * time.Second)
	require.NoError(t, ks.Set("db", "y"))
	require.NoError(t, ks.Save())
	require.NoError(t, ks.Close())

	reopened := mustOpen(t, "pw", cfg)
	e, err := reopened.Entry("db")
	require.NoError(t, err)
	assert.Equal(t, "y", e.Value)
	assert.False(t, e.UpdatedAt.Before(e.CreatedAt))
}

func TestInvalidUTF8ValueRejected(t *testing.T) {
	cfg := testConfig(t)
	ks := mustInit(t, "pw", cfg)

	require.ErrorIs(t, ks.Set("bin", "\xff\xfea"), keystore.ErrInvalidValue)
	require.ErrorIs(t, ks.Add("bin", "\xff"), keystore.ErrInvalidValue)
	require.NoError(t, ks.Set("text", "ünïcode"))
	require.NoError(t, ks.Save())
	require.NoError(t, ks.Close())

	reopened := mustOpen(t, "pw", cfg)
	v, err := reopened.Get("text")
	require.NoError(t, err)
	assert.Equal(t, "ünïcode", v)
	_, err = reopened.Get("bin")
	require.ErrorIs(t, err, keystore.ErrNotFound)
}

func TestSecretOperations(t *testing.T) {
	ks := mustInit(t, "pw", testConfig(t))

	require.NoError(t, ks.Add("db", "1"))
	require.ErrorIs(t, ks.Add("db", "2"), keystore.ErrSecretExists)
	require.ErrorIs(t, ks.Update("missing", "v"), keystore.ErrNotFound)
	require.NoError(t, ks.Update("db", "3"))
	require.ErrorIs(t, ks.Set("", "v"), keystore.ErrInvalidName)

	e, err := ks.Entry("db")
	require.NoError(t, err)
	assert.Equal(t, "3", e.Value)
	assert.False(t, e.UpdatedAt.Before(e.CreatedAt))

	require.NoError(t, ks.Remove("db"))
	require.ErrorIs(t, ks.Remove("db"), keystore.ErrNotFound)
	_, err = ks.Get("db")
	require.ErrorIs(t, err, keystore.ErrNotFound)
	assert.Zero(t, ks.Len())
}

func TestClosedKeystore(t *testing.T) {
	ks := mustInit(t, "pw", testConfig(t))
	require.NoError(t, ks.Set("db", "x"))
	require.NoError(t, ks.Close())
	require.NoError(t, ks.Close())

	_, err := ks.Get("db")
	assert.ErrorIs(t, err, keystore.ErrClosed)
	assert.ErrorIs(t, ks.Set("a", "b"), keystore.ErrClosed)
	assert.ErrorIs(t, ks.Add("a", "b"), keystore.ErrClosed)
	assert.ErrorIs(t, ks.Update("a", "b"), keystore.ErrClosed)
	assert.ErrorIs(t, ks.Remove("a"), keystore.ErrClosed)
	assert.ErrorIs(t, ks.Save(), keystore.ErrClosed)
	assert.ErrorIs(t, ks.Rekey(nil, nil), keystore.ErrClosed)
	_, err = ks.List()
	assert.ErrorIs(t, err, keystore.ErrClosed)
	_, err = ks.Names()
	assert.ErrorIs(t, err, keystore.ErrClosed)
	_, err = ks.Info()
	assert.ErrorIs(t, err, keystore.ErrClosed)
	assert.Zero(t, ks.Len())
}

func TestReadInfoWithoutPassword(t *testing.T) {
	cfg := testConfig(t)
	cfg.KDF = krypto.KdfParams{MemoryKiB: 65536, Time: 3, Parallelism: 1}
	mustInit(t, "pw1", cfg).Close()

	info, err := keystore.ReadInfo(cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), info.Version)
	assert.Equal(t, uint32(65536), info.KDF.MemoryKiB)
	assert.Equal(t, uint32(3), info.KDF.Time)
	assert.Equal(t, uint32(1), info.KDF.Parallelism)
	assert.Equal(t, krypto.Algorithm, info.Cipher)
	assert.Equal(t, keystore.KDFAlgorithm, info.KDFAlgorithm)
	assert.Equal(t, krypto.NonceLen, info.NonceLen)
	assert.Equal(t, krypto.SaltLen, info.SaltLen)
	assert.Equal(t, int64(len(readFile(t, cfg.Path))), info.Size)
	assert.Zero(t, info.Secrets)
}

func TestDefaultKdfUsedWhenUnset(t *testing.T) {
	if testing.Short() {
		t.Skip("default parameters derive a 64 MiB key")
	}
	cfg := testConfig(t)
	cfg.KDF = krypto.KdfParams{}
	ks := mustInit(t, "pw", cfg)
	assert.Equal(t, krypto.DefaultKdfParams(), ks.KDF())
}

func TestOpenInfo(t *testing.T) {
	cfg := testConfig(t)
	ks := mustInit(t, "pw", cfg)
	require.NoError(t, ks.Set("a", "1"))
	require.NoError(t, ks.Set("b", "2"))
	require.NoError(t, ks.Save())
	require.NoError(t, ks.Close())

	reopened := mustOpen(t, "pw", cfg)
	info, err := reopened.Info()
	require.NoError(t, err)
	assert.Equal(t, 2, info.Secrets)
	assert.Equal(t, fastKDF, info.KDF)
	assert.NotZero(t, info.StoreID)
	assert.False(t, info.CreatedAt.IsZero())
	assert.Equal(t, cfg.Path, info.Path)
}

func TestLockPreventsSecondOpen(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lock = true
	ks := mustInit(t, "pw", cfg)

	_, err := keystore.Open([]byte("pw"), cfg)
	require.ErrorIs(t, err, keystore.ErrLocked)

	// Without the lock option the caller opted out of coordination.
	unlocked := cfg
	unlocked.Lock = false
	mustOpen(t, "pw", unlocked)

	require.NoError(t, ks.Close())
	mustOpen(t, "pw", cfg)
}

func TestOpenRemovesStaleTemps(t *testing.T) {
	cfg := testConfig(t)
	mustInit(t, "pw", cfg).Close()
	stale := filepath.Join(filepath.Dir(cfg.Path), ".keystore.db.tmp-42")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))

	mustOpen(t, "pw", cfg)
	_, err := os.Stat(stale)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLoggingNeverCarriesSecrets(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cfg := testConfig(t)
	cfg.Logger = logger
	ks := mustInit(t, "s3cret-pw", cfg)
	require.NoError(t, ks.Set("db", "s3cret-value"))
	require.NoError(t, ks.Save())
	require.NoError(t, ks.Rekey([]byte("n3w-pw"), nil))
	require.NoError(t, ks.Close())

	require.NotEmpty(t, hook.AllEntries())
	for _, e := range hook.AllEntries() {
		line, err := e.String()
		require.NoError(t, err)
		for _, secret := range []string{"s3cret-pw", "s3cret-value", "n3w-pw"} {
			assert.False(t, strings.Contains(line, secret), line)
		}
	}
	assert.Equal(t, "keystore closed", hook.LastEntry().Message)
}

func TestPasswordSliceIsNotWiped(t *testing.T) {
	cfg := testConfig(t)
	pw := []byte("pw")
	mustInit(t, string(pw), cfg)

	pw2 := []byte("pw")
	ks, err := keystore.Open(pw2, keystore.Config{Path: cfg.Path})
	require.NoError(t, err)
	require.NoError(t, ks.Close())
	assert.Equal(t, []byte("pw"), pw2)
}
