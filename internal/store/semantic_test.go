package store

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memento-project/memento/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func mkMem(id, content string, t int64) models.Memory {
	return models.Memory{ID: id, Content: content, Time: t}
}

func TestSemanticStoreTierNamespacing(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	short := NewSemanticStore(backend, "short", -1, testLogger())
	long := NewSemanticStore(backend, "long", -1, testLogger())

	require.NoError(t, short.Store(ctx, "alice", mkMem("s1", "short memory", 1)))
	require.NoError(t, long.Store(ctx, "alice", mkMem("l1", "long memory", 1)))

	shortCount, err := short.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, shortCount)

	longCount, err := long.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, longCount)

	shortNames, err := short.CollectionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, shortNames)

	longNames, err := long.CollectionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, longNames)
}

func TestSemanticStorePopOldestFIFO(t *testing.T) {
	ctx := context.Background()
	s := NewSemanticStore(NewMemoryBackend(), "short", -1, testLogger())

	require.NoError(t, s.Store(ctx, "c", mkMem("a", "first", 1)))
	require.NoError(t, s.Store(ctx, "c", mkMem("b", "second", 2)))
	require.NoError(t, s.Store(ctx, "c", mkMem("x", "third", 3)))

	popped, err := s.PopOldest(ctx, "c", 2)
	require.NoError(t, err)
	require.Len(t, popped, 2)
	assert.Equal(t, "a", popped[0].ID)
	assert.Equal(t, "b", popped[1].ID)

	count, err := s.Count(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSemanticStoreQueryMissingCollection(t *testing.T) {
	ctx := context.Background()
	s := NewSemanticStore(NewMemoryBackend(), "short", -1, testLogger())

	res, err := s.Query(ctx, "nope", "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSemanticStoreHardCapTrimsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewSemanticStore(NewMemoryBackend(), "short", 2, testLogger())

	require.NoError(t, s.Store(ctx, "c", mkMem("a", "first", 1)))
	require.NoError(t, s.Store(ctx, "c", mkMem("b", "second", 2)))
	require.NoError(t, s.Store(ctx, "c", mkMem("x", "third", 3)))

	count, err := s.Count(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	remaining, err := s.PeekOldest(ctx, "c", -1)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, "b", remaining[0].ID)
	assert.Equal(t, "x", remaining[1].ID)
}

func TestSemanticStoreLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := NewSemanticStore(NewMemoryBackend(), "short", -1, testLogger())

	require.NoError(t, s.Store(ctx, "c", mkMem("a", "original", 1)))
	require.NoError(t, s.Store(ctx, "c", mkMem("b", "other", 2)))
	require.NoError(t, s.Store(ctx, "c", mkMem("a", "rewritten", 3)))

	count, err := s.Count(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The rewrite takes the age of the newest insert.
	oldest, err := s.PeekOldest(ctx, "c", 1)
	require.NoError(t, err)
	require.Len(t, oldest, 1)
	assert.Equal(t, "b", oldest[0].ID)
}

func TestSemanticStoreClear(t *testing.T) {
	ctx := context.Background()
	s := NewSemanticStore(NewMemoryBackend(), "short", -1, testLogger())

	require.NoError(t, s.Store(ctx, "c", mkMem("a", "first", 1)))
	require.NoError(t, s.Clear(ctx, "c"))

	count, err := s.Count(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// The collection still exists after a clear.
	names, err := s.CollectionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, names)
}

func TestSemanticStoreRemoveMissingIsNoop(t *testing.T) {
	ctx := context.Background()
	s := NewSemanticStore(NewMemoryBackend(), "short", -1, testLogger())

	require.NoError(t, s.Store(ctx, "c", mkMem("a", "first", 1)))
	require.NoError(t, s.Remove(ctx, "c", "missing"))

	count, err := s.Count(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
