package offsetcache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCounters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	entry, err := store.Get(ctx, "ff00")
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, store.RecordSuccess(ctx, "ff00", 118))
	entry, err = store.Get(ctx, "ff00")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 118, entry.Offset)
	assert.Equal(t, 1, entry.SuccessCount)
	assert.Equal(t, 0, entry.FailureCount)
	assert.False(t, entry.LastUsedAt.IsZero())

	t.Run("failure increments without deleting", func(t *testing.T) {
		require.NoError(t, store.RecordFailure(ctx, "ff00", 118))
		entry, err := store.Get(ctx, "ff00")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, 1, entry.SuccessCount)
		assert.Equal(t, 1, entry.FailureCount)
		assert.Equal(t, 118, entry.Offset)
	})

	t.Run("success keeps the original offset for a known hash", func(t *testing.T) {
		require.NoError(t, store.RecordSuccess(ctx, "ff00", 999))
		entry, err := store.Get(ctx, "ff00")
		require.NoError(t, err)
		assert.Equal(t, 118, entry.Offset)
		assert.Equal(t, 2, entry.SuccessCount)
	})

	t.Run("failure on unknown hash inserts a zero-success entry", func(t *testing.T) {
		require.NoError(t, store.RecordFailure(ctx, "aa11", 57))
		entry, err := store.Get(ctx, "aa11")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, 0, entry.SuccessCount)
		assert.Equal(t, 1, entry.FailureCount)
	})

	t.Run("entries for other hashes stay untouched", func(t *testing.T) {
		entry, err := store.Get(ctx, "ff00")
		require.NoError(t, err)
		assert.Equal(t, 118, entry.Offset)
		assert.Equal(t, 2, entry.SuccessCount)
	})
}

func TestFileStorePersistence(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "offsets.json")

	store, err := NewFileStore(filename)
	require.NoError(t, err)

	require.NoError(t, store.RecordSuccess(ctx, "ff00", 42))
	require.NoError(t, store.RecordFailure(ctx, "aa11", 7))
	require.NoError(t, store.RecordSuccess(ctx, "ff00", 42))

	// A second store on the same file sees everything the first wrote.
	reloaded, err := NewFileStore(filename)
	require.NoError(t, err)

	entry, err := reloaded.Get(ctx, "ff00")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 42, entry.Offset)
	assert.Equal(t, 2, entry.SuccessCount)

	entry, err = reloaded.Get(ctx, "aa11")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.FailureCount)
	assert.Equal(t, 0, entry.SuccessCount)
}

func TestFileStoreMissingFile(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "offsets.json"))
	require.NoError(t, err)

	entry, err := store.Get(context.Background(), "ff00")
	require.NoError(t, err)
	assert.Nil(t, entry)

	// First write creates the parent directory.
	require.NoError(t, store.RecordSuccess(context.Background(), "ff00", 1))
}
