package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memento-project/memento/internal/models"
)

type recordingSink struct {
	batches [][]models.Memory
	colls   []string
}

func (r *recordingSink) OnEvict(coll string, batch []models.Memory) {
	r.colls = append(r.colls, coll)
	r.batches = append(r.batches, batch)
}

func newEvictingFixture(cfg EvictingConfig) (*EvictingStore, *SemanticStore, *recordingSink) {
	backend := NewMemoryBackend()
	stm := NewSemanticStore(backend, "short", -1, testLogger())
	dest := NewSemanticStore(backend, "long", -1, testLogger())
	sink := &recordingSink{}
	ev := NewEvictingStore(stm, dest, cfg, testLogger())
	ev.SetSink(sink)
	return ev, dest, sink
}

func TestEvictingStoreProgressiveFIFO(t *testing.T) {
	ctx := context.Background()
	ev, _, sink := newEvictingFixture(EvictingConfig{
		ProgressiveEviction: true,
		MaxSizeBeforeEvict:  1,
	})

	require.NoError(t, ev.Store(ctx, "c", mkMem("a", "first", 1)))
	require.NoError(t, ev.Store(ctx, "c", mkMem("b", "second", 2)))
	require.NoError(t, ev.Store(ctx, "c", mkMem("x", "third", 3)))

	// Each insert beyond the cap evicts exactly the oldest entry.
	require.Len(t, sink.batches, 2)
	require.Len(t, sink.batches[0], 1)
	assert.Equal(t, "a", sink.batches[0][0].ID)
	require.Len(t, sink.batches[1], 1)
	assert.Equal(t, "b", sink.batches[1][0].ID)

	count, err := ev.Count(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	remaining, err := ev.PeekOldest(ctx, "c", -1)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "x", remaining[0].ID)
}

func TestEvictingStoreBatchSizing(t *testing.T) {
	ctx := context.Background()
	ev, _, sink := newEvictingFixture(EvictingConfig{
		ProgressiveEviction: true,
		MaxSizeBeforeEvict:  4,
		EvictFraction:       0.1,
		EvictMinBatch:       3,
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, ev.Store(ctx, "c", mkMem(string(rune('a'+i)), "mem", int64(i))))
	}

	// Breach of 1 rounds up to the minimum batch of 3.
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 3)

	count, err := ev.Count(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestEvictingStoreDisabled(t *testing.T) {
	ctx := context.Background()

	for _, cfg := range []EvictingConfig{
		{ProgressiveEviction: false, MaxSizeBeforeEvict: 1},
		{ProgressiveEviction: true, MaxSizeBeforeEvict: -1},
	} {
		ev, _, sink := newEvictingFixture(cfg)
		require.NoError(t, ev.Store(ctx, "c", mkMem("a", "first", 1)))
		require.NoError(t, ev.Store(ctx, "c", mkMem("b", "second", 2)))
		assert.Empty(t, sink.batches)
	}
}

func TestEvictAllDrains(t *testing.T) {
	ctx := context.Background()
	ev, _, sink := newEvictingFixture(EvictingConfig{
		ProgressiveEviction: false,
		MaxSizeBeforeEvict:  -1,
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, ev.Store(ctx, "c", mkMem(string(rune('a'+i)), "mem", int64(i))))
	}

	require.NoError(t, ev.EvictAll(ctx, "c"))

	count, err := ev.Count(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	total := 0
	for _, b := range sink.batches {
		total += len(b)
	}
	assert.Equal(t, 10, total)
}

func TestEvictingStoreNoSinkCopiesRaw(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	stm := NewSemanticStore(backend, "short", -1, testLogger())
	dest := NewSemanticStore(backend, "long", -1, testLogger())
	ev := NewEvictingStore(stm, dest, EvictingConfig{
		ProgressiveEviction: true,
		MaxSizeBeforeEvict:  1,
	}, testLogger())

	withScore := mkMem("a", "first", 1)
	withScore.Score = models.FloatPtr(0.7)
	require.NoError(t, ev.Store(ctx, "c", withScore))
	require.NoError(t, ev.Store(ctx, "c", mkMem("b", "second", 2)))

	// Without a sink the overflow lands in the destination untouched.
	moved, err := dest.PeekOldest(ctx, "c", -1)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, "a", moved[0].ID)
	require.NotNil(t, moved[0].Score)
	assert.Equal(t, 0.7, *moved[0].Score)
}
