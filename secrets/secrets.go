// Package secrets encrypts repository passphrases and provider
// configuration blobs at rest, and manages the short-lived plaintext
// copies handed to child processes.
//
// Ciphertexts are nacl/secretbox sealed with a key derived from the
// master key via argon2id. The wire form is "v1:" followed by base64 of
// nonce||box so the scheme can be rotated later.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/borgitory/borgitory/errors"
)

const (
	ciphertextPrefix = "v1:"
	nonceSize        = 24
	keySize          = 32
	saltSize         = 16
)

// argon2id parameters. Moderate cost: the master key is high-entropy,
// derivation hardens the (rare) low-entropy deployment.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Service seals and opens secrets with a process-lifetime key.
type Service struct {
	key [keySize]byte
}

// NewService derives the sealing key from the master secret and salt.
// The master secret is typically read from a 0600 key file; the salt is
// stored alongside it and is not itself secret.
func NewService(master, salt []byte) (*Service, error) {
	if len(master) == 0 {
		return nil, errors.New("empty master key")
	}
	if len(salt) < saltSize {
		return nil, errors.Newf("salt must be at least %d bytes", saltSize)
	}

	s := &Service{}
	derived := argon2.IDKey(master, salt, argonTime, argonMemory, argonThreads, keySize)
	copy(s.key[:], derived)
	Scrub(derived)
	return s, nil
}

// GenerateSalt returns a fresh random salt for NewService.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "reading random salt")
	}
	return salt, nil
}

// Encrypt seals plaintext and returns the versioned base64 form stored
// in the database.
func (s *Service) Encrypt(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", errors.Wrap(err, "reading random nonce")
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &s.key)
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. The returned slice is
// plaintext key material; callers must Scrub it when done.
func (s *Service) Decrypt(ciphertext string) ([]byte, error) {
	raw, ok := strings.CutPrefix(ciphertext, ciphertextPrefix)
	if !ok {
		return nil, errors.Newf("unknown ciphertext version (want %q prefix)", ciphertextPrefix)
	}

	sealed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decoding ciphertext")
	}
	if len(sealed) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, errors.New("ciphertext authentication failed")
	}
	return plaintext, nil
}

// DecryptString is Decrypt for text secrets such as passphrases. The
// returned string cannot be scrubbed; prefer Decrypt for key material.
func (s *Service) DecryptString(ciphertext string) (string, error) {
	b, err := s.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	out := string(b)
	Scrub(b)
	return out, nil
}

// Scrub zeroes a byte slice holding secret material.
func Scrub(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WriteTempSecret writes data to a new 0600 file under dir and returns
// its path with a cleanup func that removes the file. Cleanup is safe to
// call more than once and must run on every exit path.
func WriteTempSecret(dir, pattern string, data []byte) (string, func(), error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", nil, errors.Wrap(err, "creating secret temp file")
	}
	path := f.Name()

	cleanup := func() {
		os.Remove(path)
	}

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		cleanup()
		return "", nil, errors.Wrap(err, "restricting secret temp file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, errors.Wrap(err, "writing secret temp file")
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, errors.Wrap(err, "closing secret temp file")
	}

	return path, cleanup, nil
}
