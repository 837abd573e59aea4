package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memento-project/memento/internal/models"
)

func newDecayingFixture(t *testing.T, backend Backend) (*DecayingStore, *SemanticStore) {
	t.Helper()
	ltm := NewSemanticStore(backend, "long", -1, testLogger())
	d, err := NewDecayingStore(ltm, t.TempDir(), testLogger())
	require.NoError(t, err)
	return d, ltm
}

func decayedMem(id string, score float64, lifetime int64) models.Memory {
	m := mkMem(id, "content "+id, 1)
	m.Score = models.FloatPtr(score)
	m.Lifetime = models.IntPtr(lifetime)
	return m
}

func lifetimeByID(t *testing.T, ctx context.Context, s *SemanticStore, coll string) map[string]*int64 {
	t.Helper()
	mems, err := s.PeekOldest(ctx, coll, -1)
	require.NoError(t, err)
	out := make(map[string]*int64, len(mems))
	for _, m := range mems {
		out[m.ID] = m.Lifetime
	}
	return out
}

func TestDecayAgesExpiresAndProtects(t *testing.T) {
	ctx := context.Background()
	d, ltm := newDecayingFixture(t, NewMemoryBackend())

	now := time.Now().UTC()
	d.now = func() time.Time { return now }
	require.NoError(t, d.SetLastRun(now.Add(-3*24*time.Hour)))

	require.NoError(t, ltm.Store(ctx, "c", decayedMem("survivor", 0.5, 5)))
	require.NoError(t, ltm.Store(ctx, "c", decayedMem("exact", 0.5, 3)))
	require.NoError(t, ltm.Store(ctx, "c", decayedMem("expired", 0.5, 2)))
	require.NoError(t, ltm.Store(ctx, "c", decayedMem("protected", 0.9, 1)))
	noLifetime := mkMem("bare", "no bookkeeping", 1)
	require.NoError(t, ltm.Store(ctx, "c", noLifetime))

	require.NoError(t, d.DecayAll(ctx))

	got := lifetimeByID(t, ctx, ltm, "c")
	require.Len(t, got, 2)

	require.Contains(t, got, "survivor")
	assert.Equal(t, int64(2), *got["survivor"])

	// Protected memories keep their lifetime untouched.
	require.Contains(t, got, "protected")
	assert.Equal(t, int64(1), *got["protected"])

	assert.NotContains(t, got, "exact")
	assert.NotContains(t, got, "expired")
	assert.NotContains(t, got, "bare")
}

func TestDecaySkipsWithinSameDay(t *testing.T) {
	ctx := context.Background()
	d, ltm := newDecayingFixture(t, NewMemoryBackend())

	now := time.Now().UTC()
	d.now = func() time.Time { return now }
	require.NoError(t, d.SetLastRun(now.Add(-23*time.Hour)))

	require.NoError(t, ltm.Store(ctx, "c", decayedMem("a", 0.5, 1)))
	require.NoError(t, d.DecayAll(ctx))

	got := lifetimeByID(t, ctx, ltm, "c")
	require.Contains(t, got, "a")
	assert.Equal(t, int64(1), *got["a"])

	// last_run stays where it was; the partial day still counts toward the
	// next run.
	last, err := d.LastRun()
	require.NoError(t, err)
	assert.Equal(t, now.Add(-23*time.Hour).Unix(), last.Unix())
}

func TestDecayAdvancesLastRunOnSuccess(t *testing.T) {
	ctx := context.Background()
	d, ltm := newDecayingFixture(t, NewMemoryBackend())

	now := time.Now().UTC()
	d.now = func() time.Time { return now }
	require.NoError(t, d.SetLastRun(now.Add(-48*time.Hour)))

	require.NoError(t, ltm.Store(ctx, "c", decayedMem("a", 0.5, 10)))
	require.NoError(t, d.DecayAll(ctx))

	last, err := d.LastRun()
	require.NoError(t, err)
	assert.Equal(t, now.Unix(), last.Unix())
}

func TestDecayMultiChunkAgesEachMemoryOnce(t *testing.T) {
	ctx := context.Background()
	d, ltm := newDecayingFixture(t, NewMemoryBackend())

	now := time.Now().UTC()
	d.now = func() time.Time { return now }
	require.NoError(t, d.SetLastRun(now.Add(-24*time.Hour)))

	// More entries than one decay pop handles, so chunk-1 survivors sit in
	// the collection while later chunks are still being scanned.
	const total = decayChunkSize + 100
	for i := 0; i < total; i++ {
		require.NoError(t, ltm.Store(ctx, "c", decayedMem(fmt.Sprintf("m%04d", i), 0.5, 10)))
	}

	require.NoError(t, d.DecayAll(ctx))

	got := lifetimeByID(t, ctx, ltm, "c")
	require.Len(t, got, total)
	for id, lifetime := range got {
		require.NotNil(t, lifetime, "memory %s lost its lifetime", id)
		assert.Equal(t, int64(9), *lifetime, "memory %s aged %d days", id, 10-*lifetime)
	}
}

// countFailingBackend fails Count for one collection to simulate a backend
// outage mid-decay.
type countFailingBackend struct {
	Backend
	failColl string
}

func (b *countFailingBackend) Count(ctx context.Context, coll string) (int, error) {
	if coll == b.failColl {
		return 0, fmt.Errorf("backend unavailable")
	}
	return b.Backend.Count(ctx, coll)
}

func TestDecayFailureKeepsLastRunAndOtherCollections(t *testing.T) {
	ctx := context.Background()
	backend := &countFailingBackend{Backend: NewMemoryBackend(), failColl: "bad_long"}
	d, ltm := newDecayingFixture(t, backend)

	now := time.Now().UTC()
	d.now = func() time.Time { return now }
	lastRun := now.Add(-2 * 24 * time.Hour)
	require.NoError(t, d.SetLastRun(lastRun))

	require.NoError(t, ltm.Store(ctx, "bad", decayedMem("x", 0.5, 10)))
	require.NoError(t, ltm.Store(ctx, "good", decayedMem("y", 0.5, 10)))

	err := d.DecayAll(ctx)
	require.Error(t, err)

	// The healthy collection was still processed.
	got := lifetimeByID(t, ctx, ltm, "good")
	require.Contains(t, got, "y")
	assert.Equal(t, int64(8), *got["y"])

	// The failed window is retried next time.
	last, lrErr := d.LastRun()
	require.NoError(t, lrErr)
	assert.Equal(t, lastRun.Unix(), last.Unix())
}

func TestLastRunPersistsAcrossInstances(t *testing.T) {
	ltm := NewSemanticStore(NewMemoryBackend(), "long", -1, testLogger())
	dir := t.TempDir()

	d1, err := NewDecayingStore(ltm, dir, testLogger())
	require.NoError(t, err)
	when := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, d1.SetLastRun(when))

	d2, err := NewDecayingStore(ltm, dir, testLogger())
	require.NoError(t, err)
	got, err := d2.LastRun()
	require.NoError(t, err)
	assert.Equal(t, when.Unix(), got.Unix())
}
