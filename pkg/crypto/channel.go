package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrDecrypt          = errors.New("decryption failed")
	ErrReplayDetected   = errors.New("replay detected")
	ErrChannelClosed    = errors.New("channel destroyed")
	ErrCounterExhausted = errors.New("counter exhausted")
)

// CounterSize is the length of the plaintext counter prefix on sealed frames
const CounterSize = 8

// Channel encrypts frames in one direction and decrypts them in the other.
//
// Sealed frame layout:
//
//	counter (8 bytes, big endian) | ChaCha20-Poly1305 ciphertext + tag
//
// The counter is the nonce and the additional data, so a frame cannot be
// replayed or moved to another position without failing Open.
type Channel struct {
	sendMu      sync.Mutex
	send        cipher.AEAD
	sendCounter uint64

	recvMu      sync.Mutex
	recv        cipher.AEAD
	recvCounter uint64

	keys *SessionKeys
}

// NewChannel creates the channel for one side of a session. The initiator
// sends with the client-to-server key.
func NewChannel(keys *SessionKeys, initiator bool) (*Channel, error) {
	if err := keys.Validate(); err != nil {
		return nil, err
	}
	sendKey, recvKey := keys.ClientToServer, keys.ServerToClient
	if !initiator {
		sendKey, recvKey = recvKey, sendKey
	}
	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	recv, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return &Channel{send: send, recv: recv, keys: keys}, nil
}

func counterNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-CounterSize:], counter)
	return nonce
}

// Seal encrypts a frame and advances the send counter. Callers that need
// sealed frames to hit the wire in counter order must hold their write lock
// across Seal and the write.
func (c *Channel) Seal(frame []byte) ([]byte, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.send == nil {
		return nil, ErrChannelClosed
	}
	if c.sendCounter == math.MaxUint64 {
		return nil, ErrCounterExhausted
	}
	c.sendCounter++

	out := make([]byte, CounterSize, CounterSize+len(frame)+c.send.Overhead())
	binary.BigEndian.PutUint64(out, c.sendCounter)
	return c.send.Seal(out, counterNonce(c.sendCounter), frame, out[:CounterSize]), nil
}

// Open authenticates and decrypts a sealed frame. The counter must be
// strictly greater than the last accepted one.
func (c *Channel) Open(sealed []byte) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.recv == nil {
		return nil, ErrChannelClosed
	}
	if len(sealed) < CounterSize+c.recv.Overhead() {
		return nil, fmt.Errorf("%w: sealed frame of %d bytes", ErrDecrypt, len(sealed))
	}
	counter := binary.BigEndian.Uint64(sealed)
	if counter <= c.recvCounter {
		return nil, fmt.Errorf("%w: counter %d, last %d", ErrReplayDetected, counter, c.recvCounter)
	}
	frame, err := c.recv.Open(nil, counterNonce(counter), sealed[CounterSize:], sealed[:CounterSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	c.recvCounter = counter
	return frame, nil
}

// Destroy zeroes the session keys and drops both ciphers. Every later Seal
// or Open fails. The chacha20poly1305 ciphers keep private copies of the
// direction keys that cannot be wiped from outside; once dropped those copies
// are only reclaimed by the garbage collector.
func (c *Channel) Destroy() {
	c.sendMu.Lock()
	c.recvMu.Lock()
	defer c.sendMu.Unlock()
	defer c.recvMu.Unlock()

	c.send = nil
	c.recv = nil
	if c.keys != nil {
		c.keys.Destroy()
		c.keys = nil
	}
}

// Counters reports the last sent and last accepted counters
func (c *Channel) Counters() (sent, received uint64) {
	c.sendMu.Lock()
	sent = c.sendCounter
	c.sendMu.Unlock()
	c.recvMu.Lock()
	received = c.recvCounter
	c.recvMu.Unlock()
	return sent, received
}
