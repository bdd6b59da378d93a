package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErasureEncoder(t *testing.T) {
	enc, err := NewErasureEncoder(4, 2)
	require.NoError(t, err)
	assert.Equal(t, 6, enc.TotalShards())
	assert.Equal(t, 2, enc.FaultTolerance())

	data := bytes.Repeat([]byte("pocksup media "), 100)
	encoded, err := enc.Encode(data)
	require.NoError(t, err)
	require.Len(t, encoded.Shards, 6)

	tests := []struct {
		name    string
		lost    []int
		wantErr error
	}{
		{"all shards", nil, nil},
		{"one data shard", []int{0}, nil},
		{"data and parity", []int{1, 5}, nil},
		{"two data shards", []int{2, 3}, nil},
		{"too many", []int{0, 1, 4}, ErrInsufficientShards},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shards := make([][]byte, len(encoded.Shards))
			copy(shards, encoded.Shards)
			for _, i := range tt.lost {
				shards[i] = nil
			}
			got, err := enc.Decode(&EncodedData{Shards: shards, ShardSize: encoded.ShardSize, OriginalSize: encoded.OriginalSize})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, data, got)
			// the caller's slice is untouched
			for _, i := range tt.lost {
				assert.Nil(t, shards[i])
			}
		})
	}

	_, err = enc.Encode(nil)
	assert.Error(t, err)
	_, err = NewErasureEncoder(0, 2)
	assert.Error(t, err)
}

func blobStores(t *testing.T) map[string]BlobStore {
	t.Helper()
	sharded, err := NewShardedBlobs(t.TempDir())
	require.NoError(t, err)
	return map[string]BlobStore{
		"memory":  NewMemoryBlobs(),
		"sharded": sharded,
	}
}

func TestBlobStores(t *testing.T) {
	ctx := context.Background()
	for name, store := range blobStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "https://media/missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Put(ctx, "https://media/a", []byte("first blob")))
			require.NoError(t, store.Put(ctx, "https://media/b", []byte{1}))

			got, err := store.Get(ctx, "https://media/a")
			require.NoError(t, err)
			assert.Equal(t, []byte("first blob"), got)
			got, err = store.Get(ctx, "https://media/b")
			require.NoError(t, err)
			assert.Equal(t, []byte{1}, got)

			n, err := store.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestShardedBlobsRepair(t *testing.T) {
	ctx := context.Background()
	store, err := NewShardedBlobs(t.TempDir())
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0xAB, 0xCD, 0xEF}, 1000)
	key := "https://media/repair"
	require.NoError(t, store.Put(ctx, key, data))
	dir := store.blobDir(key)

	// one shard gone, one flipped
	require.NoError(t, os.Remove(shardPath(dir, 0)))
	require.NoError(t, os.WriteFile(shardPath(dir, 4), []byte("garbage"), 0o600))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// both shards were rewritten, so losing two others is survivable
	_, err = os.Stat(shardPath(dir, 0))
	require.NoError(t, err)
	require.NoError(t, os.Remove(shardPath(dir, 1)))
	require.NoError(t, os.Remove(shardPath(dir, 2)))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	for _, i := range []int{0, 1, 3} {
		require.NoError(t, os.Remove(shardPath(dir, i)))
	}
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrBlobCorrupt)
	assert.ErrorIs(t, err, ErrInsufficientShards)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte("{"), 0o600))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrBlobCorrupt)
}
