package cloudsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"

	"github.com/borgitory/borgitory/errors"
)

// obscureKey is rclone's fixed obscuring key. This is reversible encoding,
// not protection: rclone rejects plaintext passwords in its configuration
// and expects exactly this transformation.
var obscureKey = []byte{
	0x9c, 0x93, 0x5b, 0x48, 0x73, 0x0a, 0x55, 0x4d,
	0x6b, 0xfd, 0x7c, 0x63, 0xc8, 0x86, 0xa9, 0x2b,
	0xd3, 0x90, 0x19, 0x8e, 0xb8, 0x12, 0x8a, 0xfb,
	0xf4, 0xde, 0x16, 0x2b, 0x8b, 0x95, 0xf6, 0x38,
}

// obscure produces rclone's base64url(AES-CTR(iv || plaintext)) password
// encoding.
func obscure(plaintext string) (string, error) {
	block, err := aes.NewCipher(obscureKey)
	if err != nil {
		return "", errors.Wrap(err, "failed to build obscure cipher")
	}
	buf := make([]byte, aes.BlockSize+len(plaintext))
	iv := buf[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return "", errors.Wrap(err, "failed to read random IV")
	}
	cipher.NewCTR(block, iv).XORKeyStream(buf[aes.BlockSize:], []byte(plaintext))
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// unobscure reverses obscure. Used by tests to prove round-tripping.
func unobscure(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Wrap(err, "invalid obscured value")
	}
	if len(raw) < aes.BlockSize {
		return "", errors.New("obscured value too short")
	}
	block, err := aes.NewCipher(obscureKey)
	if err != nil {
		return "", errors.Wrap(err, "failed to build obscure cipher")
	}
	out := make([]byte, len(raw)-aes.BlockSize)
	cipher.NewCTR(block, raw[:aes.BlockSize]).XORKeyStream(out, raw[aes.BlockSize:])
	return string(out), nil
}
