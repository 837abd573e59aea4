package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/memento-project/memento/internal/models"
)

// SemanticStore is a vector-collection abstraction over a Backend for one
// tier. Physical collection names are "<coll>_<tier>" so several tiers can
// share a single backend without collisions.
//
// The size limit is a hard safety net enforced after every store, independent
// of any eviction wrapper: when the collection exceeds the limit, the oldest
// surplus entries are removed outright.
//
// All operations are guarded by a per-store mutex; callers above (dispatcher,
// compressor, decay) may run concurrently.
type SemanticStore struct {
	mu        sync.Mutex
	backend   Backend
	tier      string
	sizeLimit int // negative = uncapped
	logger    *slog.Logger
}

// NewSemanticStore creates a store for the given tier ("short" or "long").
// A negative sizeLimit disables the hard cap.
func NewSemanticStore(backend Backend, tier string, sizeLimit int, logger *slog.Logger) *SemanticStore {
	return &SemanticStore{
		backend:   backend,
		tier:      tier,
		sizeLimit: sizeLimit,
		logger:    logger.With("tier", tier),
	}
}

// Tier returns the tier suffix this store namespaces its collections with.
func (s *SemanticStore) Tier() string { return s.tier }

func (s *SemanticStore) physical(coll string) string {
	return coll + "_" + s.tier
}

// Store inserts mem with last-write-wins semantics, then trims the oldest
// surplus if the hard cap is exceeded.
func (s *SemanticStore) Store(ctx context.Context, coll string, mem models.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	phys := s.physical(coll)
	if err := s.backend.Ensure(ctx, phys); err != nil {
		return fmt.Errorf("ensuring collection %s: %w", phys, err)
	}
	if err := s.backend.Upsert(ctx, phys, mem); err != nil {
		return fmt.Errorf("storing memory %s: %w", mem.ID, err)
	}
	if s.sizeLimit >= 0 {
		if err := s.restrictSizeLocked(ctx, phys); err != nil {
			return err
		}
	}
	return nil
}

func (s *SemanticStore) restrictSizeLocked(ctx context.Context, phys string) error {
	count, err := s.backend.Count(ctx, phys)
	if err != nil {
		return fmt.Errorf("counting %s: %w", phys, err)
	}
	surplus := count - s.sizeLimit
	if surplus <= 0 {
		return nil
	}
	oldest, err := s.backend.ScanOldest(ctx, phys, 0, surplus)
	if err != nil {
		return fmt.Errorf("scanning oldest of %s: %w", phys, err)
	}
	for _, mem := range oldest {
		if err := s.backend.Delete(ctx, phys, mem.ID); err != nil {
			return fmt.Errorf("trimming %s: %w", mem.ID, err)
		}
	}
	s.logger.Debug("restricted collection size", "coll", phys, "removed", len(oldest))
	return nil
}

// Query returns up to n memories ordered by ascending distance. A missing
// collection yields an empty result.
func (s *SemanticStore) Query(ctx context.Context, coll, text string, n int) ([]models.QueriedMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.backend.Query(ctx, s.physical(coll), text, n)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.physical(coll), err)
	}
	return res, nil
}

// Remove deletes a memory by id. Removing a missing id is not an error.
func (s *SemanticStore) Remove(ctx context.Context, coll, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Delete(ctx, s.physical(coll), id); err != nil {
		return fmt.Errorf("removing memory %s: %w", id, err)
	}
	return nil
}

// Clear drops and recreates the collection.
func (s *SemanticStore) Clear(ctx context.Context, coll string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	phys := s.physical(coll)
	if err := s.backend.Drop(ctx, phys); err != nil {
		return fmt.Errorf("dropping %s: %w", phys, err)
	}
	if err := s.backend.Ensure(ctx, phys); err != nil {
		return fmt.Errorf("recreating %s: %w", phys, err)
	}
	return nil
}

// Count returns the exact current size of the collection.
func (s *SemanticStore) Count(ctx context.Context, coll string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.backend.Count(ctx, s.physical(coll))
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", s.physical(coll), err)
	}
	return n, nil
}

// PopOldest atomically returns and removes up to n oldest entries. It returns
// an empty slice when the collection is empty and never blocks for entries.
func (s *SemanticStore) PopOldest(ctx context.Context, coll string, n int) ([]models.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	phys := s.physical(coll)
	oldest, err := s.backend.ScanOldest(ctx, phys, 0, n)
	if err != nil {
		return nil, fmt.Errorf("scanning oldest of %s: %w", phys, err)
	}
	for _, mem := range oldest {
		if err := s.backend.Delete(ctx, phys, mem.ID); err != nil {
			return nil, fmt.Errorf("popping memory %s: %w", mem.ID, err)
		}
	}
	return oldest, nil
}

// PeekOldest returns up to n oldest entries without removing them.
// A negative n returns the whole collection in age order.
func (s *SemanticStore) PeekOldest(ctx context.Context, coll string, n int) ([]models.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mems, err := s.backend.ScanOldest(ctx, s.physical(coll), 0, n)
	if err != nil {
		return nil, fmt.Errorf("peeking oldest of %s: %w", s.physical(coll), err)
	}
	return mems, nil
}

// CollectionNames enumerates the logical collections belonging to this tier.
func (s *SemanticStore) CollectionNames(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.backend.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	suffix := "_" + s.tier
	var names []string
	for _, name := range all {
		if strings.HasSuffix(name, suffix) {
			names = append(names, strings.TrimSuffix(name, suffix))
		}
	}
	return names, nil
}
