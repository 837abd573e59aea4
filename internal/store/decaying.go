package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/memento-project/memento/internal/metrics"
	"github.com/memento-project/memento/internal/models"
)

const (
	// decayChunkSize bounds how many memories a single decay pop processes.
	decayChunkSize = 500

	// protectedScore marks core memories exempt from decay-driven removal.
	protectedScore = 0.85

	decayMetaFile = "decay.json"
)

// DecayingStore wraps the long-term SemanticStore and ages entries by whole
// elapsed days on each DecayAll run. The timestamp of the last completed run
// is persisted so restarts never lose partial-day progress.
//
// Decay pops then re-inserts survivors, so it rewrites the FIFO age order of
// the collection. Callers must not rely on decay preserving insertion order.
type DecayingStore struct {
	ltm     *SemanticStore
	metaDir string

	metaMu sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

type decayMeta struct {
	// LastRun is epoch seconds of the last completed decay run.
	LastRun float64 `json:"last_run"`
}

// NewDecayingStore wraps ltm, keeping decay bookkeeping under metaDir.
func NewDecayingStore(ltm *SemanticStore, metaDir string, logger *slog.Logger) (*DecayingStore, error) {
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating decay meta dir: %w", err)
	}
	return &DecayingStore{
		ltm:     ltm,
		metaDir: metaDir,
		now:     time.Now,
		logger:  logger,
	}, nil
}

// LastRun returns the persisted timestamp of the last completed decay run,
// initializing it to now on first call.
func (d *DecayingStore) LastRun() (time.Time, error) {
	d.metaMu.Lock()
	defer d.metaMu.Unlock()
	return d.loadLastRunLocked()
}

// SetLastRun overwrites the persisted last-run timestamp.
func (d *DecayingStore) SetLastRun(when time.Time) error {
	d.metaMu.Lock()
	defer d.metaMu.Unlock()
	return d.saveLastRunLocked(when)
}

func (d *DecayingStore) metaPath() string {
	return filepath.Join(d.metaDir, decayMetaFile)
}

func (d *DecayingStore) loadLastRunLocked() (time.Time, error) {
	data, err := os.ReadFile(d.metaPath())
	if errors.Is(err, os.ErrNotExist) {
		now := d.now().UTC()
		if saveErr := d.saveLastRunLocked(now); saveErr != nil {
			return time.Time{}, saveErr
		}
		return now, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading decay meta: %w", err)
	}
	var meta decayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return time.Time{}, fmt.Errorf("parsing decay meta: %w", err)
	}
	sec := int64(meta.LastRun)
	nsec := int64((meta.LastRun - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), nil
}

// saveLastRunLocked writes the meta record with a temp-then-rename so a crash
// mid-write never leaves a torn file.
func (d *DecayingStore) saveLastRunLocked(when time.Time) error {
	data, err := json.Marshal(decayMeta{LastRun: float64(when.UnixNano()) / 1e9})
	if err != nil {
		return fmt.Errorf("marshalling decay meta: %w", err)
	}
	tmp := d.metaPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing decay meta: %w", err)
	}
	if err := os.Rename(tmp, d.metaPath()); err != nil {
		return fmt.Errorf("committing decay meta: %w", err)
	}
	return nil
}

// DecayAll ages every collection by the number of whole UTC days elapsed
// since the last completed run. Memories without a lifetime expire
// immediately; memories with score > 0.85 are re-inserted untouched;
// everything else loses elapsedDays of lifetime and expires at or below
// zero. last_run only advances when every collection was processed cleanly,
// so a failing backend retries the same window on the next cycle.
func (d *DecayingStore) DecayAll(ctx context.Context) error {
	lastRun, err := d.LastRun()
	if err != nil {
		return err
	}
	now := d.now().UTC()
	elapsedDays := int64(now.Sub(lastRun).Seconds()) / 86400
	if elapsedDays <= 0 {
		d.logger.Debug("decay skipped", "since_last_run", now.Sub(lastRun).String())
		return nil
	}

	colls, err := d.ltm.CollectionNames(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("running decay", "elapsed_days", elapsedDays, "collections", len(colls))

	var failed bool
	for _, coll := range colls {
		if err := d.decayCollection(ctx, coll, elapsedDays); err != nil {
			// Keep going: one bad collection must not stall the others.
			d.logger.Error("decay failed for collection", "coll", coll, "error", err)
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("decay incomplete; last_run not advanced")
	}
	return d.SetLastRun(now)
}

func (d *DecayingStore) decayCollection(ctx context.Context, coll string, elapsedDays int64) error {
	total, err := d.ltm.Count(ctx, coll)
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}

	expired, aged, protected := 0, 0, 0
	processed := 0
	// Survivors are re-inserted behind the scan cursor, so stop after the
	// initial population has been seen once.
	for processed < total {
		chunk, err := d.ltm.PopOldest(ctx, coll, min(decayChunkSize, total-processed))
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			break
		}
		for _, mem := range chunk {
			switch {
			case mem.Lifetime == nil:
				// No decay bookkeeping: treat as already expired.
				expired++
			case mem.Score != nil && *mem.Score > protectedScore:
				if err := d.ltm.Store(ctx, coll, mem); err != nil {
					return err
				}
				protected++
			default:
				newLife := *mem.Lifetime - elapsedDays
				if newLife <= 0 {
					expired++
					continue
				}
				mem.Lifetime = models.IntPtr(newLife)
				if err := d.ltm.Store(ctx, coll, mem); err != nil {
					return err
				}
				aged++
			}
		}
		processed += len(chunk)
	}
	metrics.DecayExpired.Add(int64(expired))
	d.logger.Info("decayed collection", "coll", coll,
		"expired", expired, "aged", aged, "protected", protected)
	return nil
}

// Store forwards to the wrapped store.
func (d *DecayingStore) Store(ctx context.Context, coll string, mem models.Memory) error {
	return d.ltm.Store(ctx, coll, mem)
}

// Query forwards to the wrapped store.
func (d *DecayingStore) Query(ctx context.Context, coll, text string, n int) ([]models.QueriedMemory, error) {
	return d.ltm.Query(ctx, coll, text, n)
}

// Remove forwards to the wrapped store.
func (d *DecayingStore) Remove(ctx context.Context, coll, id string) error {
	return d.ltm.Remove(ctx, coll, id)
}

// Clear drops and recreates the wrapped collection.
func (d *DecayingStore) Clear(ctx context.Context, coll string) error {
	return d.ltm.Clear(ctx, coll)
}

// Count forwards to the wrapped store.
func (d *DecayingStore) Count(ctx context.Context, coll string) (int, error) {
	return d.ltm.Count(ctx, coll)
}

// PopOldest forwards to the wrapped store.
func (d *DecayingStore) PopOldest(ctx context.Context, coll string, n int) ([]models.Memory, error) {
	return d.ltm.PopOldest(ctx, coll, n)
}

// PeekOldest forwards to the wrapped store.
func (d *DecayingStore) PeekOldest(ctx context.Context, coll string, n int) ([]models.Memory, error) {
	return d.ltm.PeekOldest(ctx, coll, n)
}

// CollectionNames forwards to the wrapped store.
func (d *DecayingStore) CollectionNames(ctx context.Context) ([]string, error) {
	return d.ltm.CollectionNames(ctx)
}
