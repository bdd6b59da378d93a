package crypto

import (
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/hybrid"
)

const HybridSuiteName = "kyber768-x25519-hkdf-sha256"

// HybridSuite combines Kyber768 with X25519 so the session survives a break
// of either primitive. The client hello is a KEM public key and the server
// reply is the encapsulated secret.
type HybridSuite struct{}

func (HybridSuite) Name() string { return HybridSuiteName }

func (HybridSuite) scheme() kem.Scheme { return hybrid.Kyber768X25519() }

func (s HybridSuite) NewInitiator() (Initiator, error) {
	pk, sk, err := s.scheme().GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	hello, err := pk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &hybridInitiator{scheme: s.scheme(), sk: sk, hello: hello}, nil
}

func (s HybridSuite) Respond(hello []byte) ([]byte, []byte, error) {
	scheme := s.scheme()
	if len(hello) != scheme.PublicKeySize() {
		return nil, nil, fmt.Errorf("%w: hello of %d bytes", ErrInvalidKey, len(hello))
	}
	pk, err := scheme.UnmarshalBinaryPublicKey(hello)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	ct, ss, err := scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return ct, ss, nil
}

type hybridInitiator struct {
	scheme kem.Scheme
	sk     kem.PrivateKey
	hello  []byte
}

func (i *hybridInitiator) Hello() []byte { return i.hello }

func (i *hybridInitiator) Finish(reply []byte) ([]byte, error) {
	if len(reply) != i.scheme.CiphertextSize() {
		return nil, fmt.Errorf("%w: reply of %d bytes", ErrInvalidKey, len(reply))
	}
	ss, err := i.scheme.Decapsulate(i.sk, reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return ss, nil
}
