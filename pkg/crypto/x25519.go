package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const X25519SuiteName = "x25519-hkdf-sha256"

// X25519Suite is an ephemeral-ephemeral Diffie-Hellman exchange
type X25519Suite struct{}

func (X25519Suite) Name() string { return X25519SuiteName }

func (X25519Suite) NewInitiator() (Initiator, error) {
	priv, pub, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &x25519Initiator{priv: priv, pub: pub}, nil
}

func (X25519Suite) Respond(hello []byte) ([]byte, []byte, error) {
	if len(hello) != curve25519.PointSize {
		return nil, nil, fmt.Errorf("%w: hello of %d bytes", ErrInvalidKey, len(hello))
	}
	priv, pub, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, nil, err
	}
	defer Zero(priv)

	secret, err := curve25519.X25519(priv, hello)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return pub, secret, nil
}

type x25519Initiator struct {
	priv []byte
	pub  []byte
}

func (i *x25519Initiator) Hello() []byte { return i.pub }

func (i *x25519Initiator) Finish(reply []byte) ([]byte, error) {
	defer Zero(i.priv)
	if len(reply) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: reply of %d bytes", ErrInvalidKey, len(reply))
	}
	secret, err := curve25519.X25519(i.priv, reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return secret, nil
}

// GenerateX25519KeyPair generates a random X25519 key pair
func GenerateX25519KeyPair() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}
