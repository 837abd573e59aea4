package store

import (
	"context"

	"github.com/memento-project/memento/internal/models"
)

// Backend is the vector-index engine a SemanticStore runs on. Implementations
// own embedding and ANN search; callers only ever see memories and distances.
//
// Collection names passed here are physical names (already tier-qualified).
// Query on a missing collection returns an empty slice, and Delete of a
// missing id is a no-op: both make the calling stores idempotent.
type Backend interface {
	// Ensure creates the collection if it does not exist.
	Ensure(ctx context.Context, coll string) error

	// Upsert inserts a memory, replacing any entry with the same id.
	// A replaced entry takes the age of the new insert (last-write-wins).
	Upsert(ctx context.Context, coll string, mem models.Memory) error

	// Delete removes a memory by id. Missing ids are not an error.
	Delete(ctx context.Context, coll string, id string) error

	// Query returns up to n memories ordered by ascending distance to text.
	Query(ctx context.Context, coll, text string, n int) ([]models.QueriedMemory, error)

	// ScanOldest returns up to limit memories in insertion order, skipping
	// offset entries. A negative limit means "all remaining". It never removes.
	ScanOldest(ctx context.Context, coll string, offset, limit int) ([]models.Memory, error)

	// Count returns the exact number of memories in the collection.
	Count(ctx context.Context, coll string) (int, error)

	// Drop removes the collection and all its contents.
	Drop(ctx context.Context, coll string) error

	// Collections enumerates every physical collection in the backend.
	Collections(ctx context.Context) ([]string, error)

	// Close releases backend resources.
	Close() error
}
