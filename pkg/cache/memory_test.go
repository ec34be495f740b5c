package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRememberRecall(t *testing.T) {
	clock := int64(1000)
	store := NewMemoryStore(func() int64 { return clock })
	ctx := context.Background()

	require.NoError(t, store.Remember(ctx, "k", map[string]any{"a": 1}))

	entry, found, err := store.Recall(ctx, "k", 500)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]any{"a": 1}, entry.Data)
}

func TestMemoryStoreRecallMiss(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	_, found, err := store.Recall(ctx, "missing", 1000)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreRecallEvictsPastTTL(t *testing.T) {
	clock := int64(1000)
	store := NewMemoryStore(func() int64 { return clock })
	ctx := context.Background()

	require.NoError(t, store.Remember(ctx, "k", "value"))

	clock = 1000 + 600
	_, found, err := store.Recall(ctx, "k", 500)
	require.NoError(t, err)
	assert.False(t, found, "entry older than ttlMs must be treated as a miss")

	// Lazy eviction: a second Recall at the same stale time must still miss
	// (and not panic from double-delete).
	_, found, err = store.Recall(ctx, "k", 500)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreRecallZeroTTLNeverExpires(t *testing.T) {
	clock := int64(0)
	store := NewMemoryStore(func() int64 { return clock })
	ctx := context.Background()

	require.NoError(t, store.Remember(ctx, "k", "value"))
	clock = 1_000_000_000

	entry, found, err := store.Recall(ctx, "k", 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "value", entry.Data)
}
