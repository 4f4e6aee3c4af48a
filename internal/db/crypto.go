package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	keySize    = 32 // AES-256
	iterations = 100000

	// encPrefix marks sealed column values. Rows written before encryption
	// was enabled (or with no passphrase configured) stay readable.
	encPrefix = "enc:v1:"
)

var errCipherDisabled = errors.New("encryption key not configured")

// cipherBox seals OAuth tokens for at-rest storage using AES-256-GCM with a
// PBKDF2-derived key. A nil box stores plaintext.
type cipherBox struct {
	passphrase string
}

func newCipherBox(passphrase string) *cipherBox {
	if passphrase == "" {
		return nil
	}
	return &cipherBox{passphrase: passphrase}
}

func (b *cipherBox) deriveKey(salt []byte) []byte {
	return pbkdf2.Key([]byte(b.passphrase), salt, iterations, keySize, sha256.New)
}

// seal encrypts a token value into the stored column form:
// enc:v1:<base64(salt || nonce || ciphertext)>.
func (b *cipherBox) seal(plain string) (string, error) {
	if b == nil {
		return plain, nil
	}
	if plain == "" {
		return "", nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	block, err := aes.NewCipher(b.deriveKey(salt))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	out := make([]byte, saltSize+len(sealed))
	copy(out, salt)
	copy(out[saltSize:], sealed)

	return encPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// open reverses seal. Values without the enc prefix are returned as-is.
func (b *cipherBox) open(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	if b == nil {
		return "", errCipherDisabled
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", err
	}
	if len(data) < saltSize {
		return "", errors.New("sealed value too short")
	}

	salt, rest := data[:saltSize], data[saltSize:]
	block, err := aes.NewCipher(b.deriveKey(salt))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(rest) < gcm.NonceSize() {
		return "", errors.New("sealed value too short")
	}

	nonce, ct := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", errors.New("decryption failed: wrong key or corrupted value")
	}
	return string(plain), nil
}
