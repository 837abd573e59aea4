package store

import (
	"context"
	"log/slog"
	"math"

	"github.com/memento-project/memento/internal/metrics"
	"github.com/memento-project/memento/internal/models"
)

// evictChunkSize is how many entries a single pop takes while building an
// eviction batch. Keeps individual backend round-trips bounded.
const evictChunkSize = 256

// EvictSink receives batches popped from the short-term store. The call is
// made synchronously from Store, so implementations must hand the batch off
// (enqueue) rather than do remote work inline.
type EvictSink interface {
	OnEvict(coll string, batch []models.Memory)
}

// EvictingStore wraps the short-term SemanticStore and routes overflow to an
// EvictSink. It is the only producer into the compression pipeline. When no
// sink is configured, overflow is copied raw into the destination store
// without distillation.
type EvictingStore struct {
	stm  *SemanticStore
	dest *SemanticStore // raw-copy fallback target, normally LTM
	sink EvictSink

	progressive bool
	maxSize     int // negative = eviction disabled
	fraction    float64
	minBatch    int

	logger *slog.Logger
}

// EvictingConfig bundles the overflow tuning knobs.
type EvictingConfig struct {
	ProgressiveEviction bool
	MaxSizeBeforeEvict  int
	EvictFraction       float64
	EvictMinBatch       int
}

// NewEvictingStore wraps stm. dest is the raw-copy fallback used when no sink
// has been set.
func NewEvictingStore(stm, dest *SemanticStore, cfg EvictingConfig, logger *slog.Logger) *EvictingStore {
	return &EvictingStore{
		stm:         stm,
		dest:        dest,
		progressive: cfg.ProgressiveEviction,
		maxSize:     cfg.MaxSizeBeforeEvict,
		fraction:    cfg.EvictFraction,
		minBatch:    cfg.EvictMinBatch,
		logger:      logger,
	}
}

// SetSink installs the eviction sink. Must be called before concurrent use.
func (e *EvictingStore) SetSink(sink EvictSink) { e.sink = sink }

// Store inserts mem and then runs the overflow check.
func (e *EvictingStore) Store(ctx context.Context, coll string, mem models.Memory) error {
	if err := e.stm.Store(ctx, coll, mem); err != nil {
		return err
	}
	return e.evictOverflow(ctx, coll)
}

func (e *EvictingStore) evictOverflow(ctx context.Context, coll string) error {
	if e.maxSize < 0 || !e.progressive {
		return nil
	}
	current, err := e.stm.Count(ctx, coll)
	if err != nil {
		return err
	}
	overflow := current - e.maxSize
	if overflow <= 0 {
		return nil
	}

	n := overflow
	if e.fraction > 0 {
		n = max(n, int(math.Floor(float64(current)*e.fraction)))
	}
	n = max(n, e.minBatch)
	n = min(n, current)

	batch, err := e.popBatch(ctx, coll, n)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	e.logger.Info("evicting overflow", "coll", coll, "count", len(batch), "size_before", current)
	return e.emit(ctx, coll, batch)
}

// popBatch pops up to n entries in chunks, stopping early if a pop comes back
// empty (another path drained the collection underneath us).
func (e *EvictingStore) popBatch(ctx context.Context, coll string, n int) ([]models.Memory, error) {
	var batch []models.Memory
	for len(batch) < n {
		chunk, err := e.stm.PopOldest(ctx, coll, min(evictChunkSize, n-len(batch)))
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}
		batch = append(batch, chunk...)
	}
	return batch, nil
}

func (e *EvictingStore) emit(ctx context.Context, coll string, batch []models.Memory) error {
	metrics.EvictedTotal.Add(int64(len(batch)))
	if e.sink != nil {
		e.sink.OnEvict(coll, batch)
		return nil
	}
	// No sink: preserve the data undistilled.
	for _, mem := range batch {
		if err := e.dest.Store(ctx, coll, mem); err != nil {
			return err
		}
	}
	return nil
}

// EvictAll drains the collection completely, emitting one batch per chunk.
func (e *EvictingStore) EvictAll(ctx context.Context, coll string) error {
	for {
		chunk, err := e.stm.PopOldest(ctx, coll, evictChunkSize)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		if err := e.emit(ctx, coll, chunk); err != nil {
			return err
		}
	}
}

// Query forwards to the wrapped store.
func (e *EvictingStore) Query(ctx context.Context, coll, text string, n int) ([]models.QueriedMemory, error) {
	return e.stm.Query(ctx, coll, text, n)
}

// Remove forwards to the wrapped store.
func (e *EvictingStore) Remove(ctx context.Context, coll, id string) error {
	return e.stm.Remove(ctx, coll, id)
}

// Clear drops and recreates the wrapped collection.
func (e *EvictingStore) Clear(ctx context.Context, coll string) error {
	return e.stm.Clear(ctx, coll)
}

// Count forwards to the wrapped store.
func (e *EvictingStore) Count(ctx context.Context, coll string) (int, error) {
	return e.stm.Count(ctx, coll)
}

// PopOldest forwards to the wrapped store.
func (e *EvictingStore) PopOldest(ctx context.Context, coll string, n int) ([]models.Memory, error) {
	return e.stm.PopOldest(ctx, coll, n)
}

// PeekOldest forwards to the wrapped store.
func (e *EvictingStore) PeekOldest(ctx context.Context, coll string, n int) ([]models.Memory, error) {
	return e.stm.PeekOldest(ctx, coll, n)
}

// CollectionNames forwards to the wrapped store.
func (e *EvictingStore) CollectionNames(ctx context.Context) ([]string, error) {
	return e.stm.CollectionNames(ctx)
}
