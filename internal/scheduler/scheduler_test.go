package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memento-project/memento/internal/models"
	"github.com/memento-project/memento/internal/store"
)

func TestStartRunsImmediateDecayPass(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	backend := store.NewMemoryBackend()
	longStore := store.NewSemanticStore(backend, "long", -1, logger)
	ltm, err := store.NewDecayingStore(longStore, t.TempDir(), logger)
	require.NoError(t, err)

	// Pretend the last completed run was two days ago so the startup pass
	// has work to do.
	require.NoError(t, ltm.SetLastRun(time.Now().UTC().Add(-48*time.Hour)))

	doomed := models.Memory{ID: "d1", Content: "short lived", Time: 1}
	doomed.Lifetime = models.IntPtr(1)
	require.NoError(t, ltm.Store(ctx, "mira", doomed))

	survivor := models.Memory{ID: "s1", Content: "durable", Time: 2}
	survivor.Lifetime = models.IntPtr(30)
	require.NoError(t, ltm.Store(ctx, "mira", survivor))

	s := NewDecayScheduler(ltm, logger)
	require.NoError(t, s.Start(ctx))
	s.Stop()

	mems, err := ltm.PeekOldest(ctx, "mira", -1)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "s1", mems[0].ID)
	require.NotNil(t, mems[0].Lifetime)
	assert.Equal(t, int64(28), *mems[0].Lifetime)
}

func TestStopReturnsWhenIdle(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	backend := store.NewMemoryBackend()
	longStore := store.NewSemanticStore(backend, "long", -1, logger)
	ltm, err := store.NewDecayingStore(longStore, t.TempDir(), logger)
	require.NoError(t, err)

	s := NewDecayScheduler(ltm, logger)
	require.NoError(t, s.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
