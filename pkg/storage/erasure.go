package storage

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

const (
	// DefaultDataShards is the number of data shards a blob is split into
	DefaultDataShards = 4
	// DefaultParityShards is the number of parity shards added to a blob
	DefaultParityShards = 2
)

var ErrInsufficientShards = errors.New("insufficient shards for recovery")

// ErasureEncoder splits blobs into Reed-Solomon shards. Any DataShards of
// the DataShards+ParityShards shards reconstruct the blob.
type ErasureEncoder struct {
	encoder reedsolomon.Encoder
	data    int
	parity  int
}

// EncodedData is a blob split into shards
type EncodedData struct {
	Shards       [][]byte // data shards first, then parity
	ShardSize    int
	OriginalSize int
}

// NewErasureEncoder creates an encoder for data+parity shards
func NewErasureEncoder(data, parity int) (*ErasureEncoder, error) {
	enc, err := reedsolomon.New(data, parity)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}
	return &ErasureEncoder{encoder: enc, data: data, parity: parity}, nil
}

// TotalShards is the number of shards per blob
func (e *ErasureEncoder) TotalShards() int {
	return e.data + e.parity
}

// FaultTolerance is how many shards can be lost without losing the blob
func (e *ErasureEncoder) FaultTolerance() int {
	return e.parity
}

// Encode splits data into shards and computes parity
func (e *ErasureEncoder) Encode(data []byte) (*EncodedData, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot encode empty data")
	}

	shards, err := e.encoder.Split(data)
	if err != nil {
		return nil, fmt.Errorf("failed to split data: %w", err)
	}
	if err := e.encoder.Encode(shards); err != nil {
		return nil, fmt.Errorf("failed to encode parity: %w", err)
	}

	return &EncodedData{
		Shards:       shards,
		ShardSize:    len(shards[0]),
		OriginalSize: len(data),
	}, nil
}

// Reconstruct fills in missing shards in place. Missing shards are nil.
func (e *ErasureEncoder) Reconstruct(encoded *EncodedData) error {
	if encoded == nil {
		return fmt.Errorf("encoded data is nil")
	}
	if len(encoded.Shards) != e.TotalShards() {
		return fmt.Errorf("invalid number of shards: expected %d, got %d", e.TotalShards(), len(encoded.Shards))
	}

	available := 0
	for _, shard := range encoded.Shards {
		if shard != nil {
			available++
		}
	}
	if available < e.data {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientShards, available, e.data)
	}
	if available == len(encoded.Shards) {
		return nil
	}

	if err := e.encoder.Reconstruct(encoded.Shards); err != nil {
		return fmt.Errorf("failed to reconstruct shards: %w", err)
	}
	return nil
}

// Decode reconstructs missing shards and joins the data shards
func (e *ErasureEncoder) Decode(encoded *EncodedData) ([]byte, error) {
	if encoded == nil {
		return nil, fmt.Errorf("encoded data is nil")
	}

	// Work on a copy so the caller's shards are left alone
	shards := make([][]byte, len(encoded.Shards))
	copy(shards, encoded.Shards)
	work := &EncodedData{Shards: shards, ShardSize: encoded.ShardSize, OriginalSize: encoded.OriginalSize}
	if err := e.Reconstruct(work); err != nil {
		return nil, err
	}

	ok, err := e.encoder.Verify(shards)
	if err != nil {
		return nil, fmt.Errorf("failed to verify shards: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("shard verification failed")
	}

	buf := make([]byte, 0, e.data*work.ShardSize)
	for i := 0; i < e.data; i++ {
		buf = append(buf, shards[i]...)
	}
	if len(buf) < encoded.OriginalSize {
		return nil, fmt.Errorf("decoded %d bytes, expected %d", len(buf), encoded.OriginalSize)
	}
	return buf[:encoded.OriginalSize], nil
}
