package secrets

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	salt, err := GenerateSalt()
	require.NoError(t, err)
	svc, err := NewService([]byte("test-master-key"), salt)
	require.NoError(t, err)
	return svc
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := newTestService(t)

	plaintext := []byte("hunter2-repository-passphrase")
	ciphertext, err := svc.Encrypt(plaintext)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ciphertext, "v1:"))
	assert.NotContains(t, ciphertext, "hunter2")

	got, err := svc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptString(t *testing.T) {
	svc := newTestService(t)

	ciphertext, err := svc.Encrypt([]byte("passphrase"))
	require.NoError(t, err)

	got, err := svc.DecryptString(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "passphrase", got)
}

func TestDecryptRejectsTampering(t *testing.T) {
	svc := newTestService(t)

	ciphertext, err := svc.Encrypt([]byte("secret"))
	require.NoError(t, err)

	// Flip a character in the body.
	tampered := []byte(ciphertext)
	tampered[len(tampered)-2] ^= 1
	_, err = svc.Decrypt(string(tampered))
	require.Error(t, err)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	svcA, err := NewService([]byte("key-a"), salt)
	require.NoError(t, err)
	svcB, err := NewService([]byte("key-b"), salt)
	require.NoError(t, err)

	ciphertext, err := svcA.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = svcB.Decrypt(ciphertext)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestDecryptRejectsUnknownVersion(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Decrypt("v9:AAAA")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown ciphertext version")
}

func TestNonceUniqueness(t *testing.T) {
	svc := newTestService(t)

	a, err := svc.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := svc.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewServiceValidation(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	_, err = NewService(nil, salt)
	require.Error(t, err)

	_, err = NewService([]byte("key"), []byte("short"))
	require.Error(t, err)
}

func TestScrub(t *testing.T) {
	b := []byte("sensitive")
	Scrub(b)
	for i, c := range b {
		assert.Zerof(t, c, "byte %d not scrubbed", i)
	}
}

func TestWriteTempSecret(t *testing.T) {
	dir := t.TempDir()

	path, cleanup, err := WriteTempSecret(dir, "keyfile-*", []byte("key material"))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("key material"), data)

	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Second cleanup must be a no-op.
	cleanup()
}
