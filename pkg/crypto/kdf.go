package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of every derived key
const KeySize = 32

// SessionKeys holds the symmetric keys of one session.
// They never leave this package except through a Channel.
type SessionKeys struct {
	ClientToServer []byte
	ServerToClient []byte
	MAC            []byte
}

// Transcript hashes the handshake messages both sides observed
func Transcript(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		var l [4]byte
		l[0], l[1], l[2], l[3] = byte(len(p)>>24), byte(len(p)>>16), byte(len(p)>>8), byte(len(p))
		h.Write(l[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

// DeriveSessionKeys expands the exchange secret into directional keys.
// clientSecret is the long-term secret issued at registration, so a party
// without it derives different keys and fails the proof.
func DeriveSessionKeys(secret, clientSecret, transcript []byte, suite string) (*SessionKeys, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty exchange secret", ErrInvalidKey)
	}
	info := make([]byte, 0, len(suite)+len(transcript))
	info = append(info, suite...)
	info = append(info, transcript...)

	r := hkdf.New(sha256.New, secret, clientSecret, info)
	out := make([]byte, 3*KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	keys := &SessionKeys{
		ClientToServer: out[:KeySize:KeySize],
		ServerToClient: out[KeySize : 2*KeySize : 2*KeySize],
		MAC:            out[2*KeySize:],
	}
	if err := keys.Validate(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Validate checks key sizes and that no key is reused across roles
func (k *SessionKeys) Validate() error {
	for _, key := range [][]byte{k.ClientToServer, k.ServerToClient, k.MAC} {
		if len(key) != KeySize {
			return fmt.Errorf("%w: key of %d bytes", ErrInvalidKey, len(key))
		}
	}
	if bytes.Equal(k.ClientToServer, k.ServerToClient) ||
		bytes.Equal(k.ClientToServer, k.MAC) ||
		bytes.Equal(k.ServerToClient, k.MAC) {
		return fmt.Errorf("%w: key reuse across directions", ErrInvalidKey)
	}
	return nil
}

// Destroy zeroes all key material
func (k *SessionKeys) Destroy() {
	Zero(k.ClientToServer)
	Zero(k.ServerToClient)
	Zero(k.MAC)
}

// Proof authenticates the handshake transcript with the MAC key
func Proof(macKey, transcript []byte) []byte {
	m := hmac.New(sha256.New, macKey)
	m.Write(transcript)
	return m.Sum(nil)
}

// VerifyProof checks a proof in constant time
func VerifyProof(macKey, transcript, proof []byte) error {
	if !hmac.Equal(Proof(macKey, transcript), proof) {
		return fmt.Errorf("%w: bad handshake proof", ErrAuth)
	}
	return nil
}
