package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the length of a BLAKE2b-256 digest
const HashSize = blake2b.Size256

// Hash returns the BLAKE2b-256 digest of data
func Hash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// HashString returns the hex-encoded BLAKE2b-256 digest of data
func HashString(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// VerifyHash reports whether expected is the digest of data
func VerifyHash(data, expected []byte) bool {
	return subtle.ConstantTimeCompare(Hash(data), expected) == 1
}

// GenerateNonce returns size random bytes
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// GenerateSecret returns a random long-term client secret
func GenerateSecret() ([]byte, error) {
	return GenerateNonce(KeySize)
}

// Zero overwrites b with zeros
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
