package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrMediaIntegrity = errors.New("media integrity check failed")
	ErrMediaTooShort  = errors.New("media ciphertext too short")
)

// MediaKeySize is the length of a per-blob media key
const MediaKeySize = chacha20poly1305.KeySize

// GenerateMediaKey generates a random media key
func GenerateMediaKey() ([]byte, error) {
	return GenerateNonce(MediaKeySize)
}

// EncryptMedia seals a media blob under a fresh random key.
// Output layout: nonce (24 bytes) | XChaCha20-Poly1305 ciphertext + tag.
func EncryptMedia(plaintext []byte) (ciphertext, key []byte, err error) {
	key, err = GenerateMediaKey()
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), key, nil
}

// DecryptMedia opens a blob produced by EncryptMedia
func DecryptMedia(ciphertext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMediaTooShort
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediaIntegrity, err)
	}
	return plaintext, nil
}
