package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/pocksup/pkg/crypto"
	"github.com/ZentaChain/pocksup/pkg/logging"
)

var ErrBlobCorrupt = errors.New("blob corrupt")

// BlobStore holds uploaded media ciphertext by URL
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Len(ctx context.Context) (int, error)
}

// ===== MEMORY STORE =====

// MemoryBlobs keeps blobs in a map
type MemoryBlobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobs) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	m.blobs[key] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBlobs) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *MemoryBlobs) Len(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs), nil
}

// ===== SHARDED STORE =====

// shardManifest describes the shards of one stored blob
type shardManifest struct {
	Key          string   `json:"key"`
	OriginalSize int      `json:"original_size"`
	ShardSize    int      `json:"shard_size"`
	ShardHashes  []string `json:"shard_hashes"`
}

// ShardedBlobs stores every blob as erasure-coded shard files below a
// directory. Missing or damaged shards are rebuilt on read as long as
// enough shards survive.
type ShardedBlobs struct {
	dir     string
	encoder *ErasureEncoder
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// NewShardedBlobs opens a sharded store in dir with the default layout
func NewShardedBlobs(dir string) (*ShardedBlobs, error) {
	return NewShardedBlobsWithShards(dir, DefaultDataShards, DefaultParityShards)
}

// NewShardedBlobsWithShards opens a sharded store with a custom layout
func NewShardedBlobsWithShards(dir string, data, parity int) (*ShardedBlobs, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	enc, err := NewErasureEncoder(data, parity)
	if err != nil {
		return nil, err
	}
	return &ShardedBlobs{
		dir:     dir,
		encoder: enc,
		logger:  logging.Component("blobs"),
	}, nil
}

func (s *ShardedBlobs) blobDir(key string) string {
	return filepath.Join(s.dir, crypto.HashString([]byte(key)))
}

func shardPath(dir string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("shard-%02d", i))
}

// Put encodes data and writes its shards and manifest
func (s *ShardedBlobs) Put(_ context.Context, key string, data []byte) error {
	encoded, err := s.encoder.Encode(data)
	if err != nil {
		return err
	}

	manifest := shardManifest{
		Key:          key,
		OriginalSize: encoded.OriginalSize,
		ShardSize:    encoded.ShardSize,
		ShardHashes:  make([]string, len(encoded.Shards)),
	}
	for i, shard := range encoded.Shards {
		manifest.ShardHashes[i] = crypto.HashString(shard)
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.blobDir(key)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create blob: %w", err)
	}
	for i, shard := range encoded.Shards {
		if err := os.WriteFile(shardPath(dir, i), shard, 0o600); err != nil {
			return fmt.Errorf("failed to write shard %d: %w", i, err)
		}
	}
	// The manifest goes last: a blob without one is not visible
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Get reads the shards of key, rebuilding and rewriting damaged ones
func (s *ShardedBlobs) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.blobDir(key)
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var manifest shardManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("%w: manifest: %w", ErrBlobCorrupt, err)
	}
	if manifest.Key != key || len(manifest.ShardHashes) != s.encoder.TotalShards() {
		return nil, fmt.Errorf("%w: manifest does not match store layout", ErrBlobCorrupt)
	}

	encoded := &EncodedData{
		Shards:       make([][]byte, len(manifest.ShardHashes)),
		ShardSize:    manifest.ShardSize,
		OriginalSize: manifest.OriginalSize,
	}
	var damaged []int
	for i, want := range manifest.ShardHashes {
		shard, err := os.ReadFile(shardPath(dir, i))
		if err != nil || crypto.HashString(shard) != want {
			damaged = append(damaged, i)
			continue
		}
		encoded.Shards[i] = shard
	}

	if err := s.encoder.Reconstruct(encoded); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBlobCorrupt, err)
	}
	for _, i := range damaged {
		if err := os.WriteFile(shardPath(dir, i), encoded.Shards[i], 0o600); err != nil {
			s.logger.Warn().Err(err).Int("shard", i).Msg("failed to repair shard")
		}
	}
	if len(damaged) > 0 {
		s.logger.Info().Str("key", key).Ints("shards", damaged).Msg("repaired blob shards")
	}

	return s.encoder.Decode(encoded)
}

// Len counts stored blobs
func (s *ShardedBlobs) Len(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, e.Name(), "manifest.json")); err == nil {
			n++
		}
	}
	return n, nil
}
