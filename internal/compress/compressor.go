// Package compress distills evicted short-term batches into long-term
// memories through the language model, deduplicating against existing
// long-term entries along the way.
package compress

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/memento-project/memento/internal/llm"
	"github.com/memento-project/memento/internal/metrics"
	"github.com/memento-project/memento/internal/models"
)

const (
	// queueCapacity bounds how many eviction batches may wait for the
	// worker. Eviction is bursty; the model calls are slow.
	queueCapacity = 8

	// enqueueTimeout is how long OnEvict blocks on a full queue before
	// giving up and copying the batch into long-term storage undistilled.
	enqueueTimeout = 5 * time.Second
)

// LongTerm is the slice of the long-term store the compressor needs.
type LongTerm interface {
	Store(ctx context.Context, coll string, mem models.Memory) error
	Query(ctx context.Context, coll, text string, n int) ([]models.QueriedMemory, error)
	Remove(ctx context.Context, coll, id string) error
}

// Config tunes the distillation pipeline.
type Config struct {
	ScoreFloorForLTM  float64
	BatchSize         int
	SimilarTopK       int
	PreferNew         bool
	FallbackScore     float64
	MaxMemoryLifetime int
}

type job struct {
	coll  string
	batch []models.Memory
}

// Compressor consumes eviction batches from a bounded queue on a single
// worker goroutine. It implements store.EvictSink. When the queue stays
// full past the enqueue timeout, the batch is written to long-term storage
// raw rather than dropped.
type Compressor struct {
	client llm.Client
	ltm    LongTerm
	cfg    Config
	logger *slog.Logger

	queue chan job
	wg    sync.WaitGroup

	closeOnce sync.Once

	// baseCtx governs in-flight model calls; set by Start.
	baseCtx context.Context
}

// New creates a compressor writing into ltm. Call Start before storing.
func New(client llm.Client, ltm LongTerm, cfg Config, logger *slog.Logger) *Compressor {
	return &Compressor{
		client: client,
		ltm:    ltm,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan job, queueCapacity),
	}
}

// Start launches the worker. ctx bounds the model calls; cancelling it
// aborts in-flight work, while Close drains cleanly.
func (c *Compressor) Start(ctx context.Context) {
	c.baseCtx = ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for j := range c.queue {
			if err := c.CompressBatch(ctx, j.coll, j.batch); err != nil {
				c.logger.Error("compression failed", "coll", j.coll, "count", len(j.batch), "error", err)
			}
		}
	}()
}

// Close stops accepting batches and waits for queued work to finish.
func (c *Compressor) Close() {
	c.closeOnce.Do(func() { close(c.queue) })
	c.wg.Wait()
}

// OnEvict hands an eviction batch to the worker. The fast path is a
// non-blocking send; under sustained pressure it waits up to the enqueue
// timeout, then preserves the batch undistilled so no data is ever lost.
func (c *Compressor) OnEvict(coll string, batch []models.Memory) {
	j := job{coll: coll, batch: batch}
	select {
	case c.queue <- j:
		return
	default:
	}

	c.logger.Warn("compression queue full, waiting", "coll", coll, "count", len(batch))
	select {
	case c.queue <- j:
	case <-time.After(enqueueTimeout):
		c.logger.Warn("compression queue stalled, storing batch raw", "coll", coll, "count", len(batch))
		c.storeRaw(c.baseCtx, coll, batch)
	}
}

func (c *Compressor) storeRaw(ctx context.Context, coll string, batch []models.Memory) {
	for _, mem := range batch {
		if err := c.ltm.Store(ctx, coll, mem); err != nil {
			c.logger.Error("raw store to long-term failed", "coll", coll, "id", mem.ID, "error", err)
		}
	}
}

// scoreMean averages the non-nil scores, clamped to [0, 1]. With no scored
// entries at all the configured fallback applies.
func (c *Compressor) scoreMean(mems []models.Memory) float64 {
	sum, n := 0.0, 0
	for _, m := range mems {
		if m.Score != nil {
			sum += *m.Score
			n++
		}
	}
	if n == 0 {
		return c.cfg.FallbackScore
	}
	return math.Max(0, math.Min(1, sum/float64(n)))
}

func (c *Compressor) lifetimeFromScore(score float64) int64 {
	return int64(math.Floor(score * float64(c.cfg.MaxMemoryLifetime)))
}

// CompressBatch runs the full distill-and-merge pipeline for one eviction
// batch. Entries below the score floor are discarded up front. Distillation
// failures degrade to raw copies; merge failures degrade to storing the
// candidate as-is.
func (c *Compressor) CompressBatch(ctx context.Context, coll string, batch []models.Memory) error {
	filtered := make([]models.Memory, 0, len(batch))
	for _, m := range batch {
		score := 0.0
		if m.Score != nil {
			score = *m.Score
		}
		if score >= c.cfg.ScoreFloorForLTM {
			filtered = append(filtered, m)
		}
	}
	c.logger.Info("compressing batch", "coll", coll,
		"kept", len(filtered), "dropped", len(batch)-len(filtered), "floor", c.cfg.ScoreFloorForLTM)
	if len(filtered) == 0 {
		return nil
	}

	for start := 0; start < len(filtered); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(filtered))
		c.compressChunk(ctx, coll, filtered[start:end])
	}
	return nil
}

func (c *Compressor) compressChunk(ctx context.Context, coll string, chunk []models.Memory) {
	byID := make(map[string]models.Memory, len(chunk))
	for _, m := range chunk {
		byID[m.ID] = m
	}

	distilled, err := c.client.Distill(ctx, coll, chunk)
	if err != nil {
		c.logger.Error("distillation failed, storing chunk raw", "coll", coll, "error", err)
		c.storeRaw(ctx, coll, chunk)
		return
	}
	if len(distilled.Memories) == 0 {
		c.logger.Info("distillation produced no memories", "coll", coll)
		return
	}

	chunkMean := c.scoreMean(chunk)

	for i, item := range distilled.Memories {
		var contributing []models.Memory
		for _, sid := range item.SourceIDs {
			if m, ok := byID[sid]; ok {
				contributing = append(contributing, m)
			}
		}
		score := chunkMean
		if len(contributing) > 0 {
			score = c.scoreMean(contributing)
		}
		lifetime := c.lifetimeFromScore(score)
		c.logger.Info("merge step", "step", i+1, "of", len(distilled.Memories),
			"sources", len(contributing), "score", score, "lifetime", lifetime)

		c.mergeAndStore(ctx, coll, strings.TrimSpace(item.Text), score, lifetime)
	}
}

// mergeAndStore reconciles one distilled candidate against its nearest
// long-term neighbors and writes the final memory.
func (c *Compressor) mergeAndStore(ctx context.Context, coll, text string, score float64, lifetime int64) {
	finalText := text

	neighbors, err := c.ltm.Query(ctx, coll, text, c.cfg.SimilarTopK)
	if err != nil {
		c.logger.Warn("neighbor query failed, storing candidate as-is", "coll", coll, "error", err)
		neighbors = nil
	}
	existing := make([]models.Memory, 0, len(neighbors))
	for _, qm := range neighbors {
		existing = append(existing, qm.Memory)
	}

	if len(existing) > 0 {
		merged, err := c.client.Merge(ctx, coll, text, existing, c.cfg.PreferNew)
		if err != nil {
			c.logger.Warn("merge call failed, storing candidate as-is", "coll", coll, "error", err)
		} else {
			finalText = strings.TrimSpace(merged.NewText)
			for _, id := range merged.DeleteIDs {
				if err := c.ltm.Remove(ctx, coll, id); err != nil {
					c.logger.Warn("long-term delete failed", "coll", coll, "id", id, "error", err)
				} else {
					c.logger.Info("long-term delete", "coll", coll, "id", id)
				}
			}
		}
	}

	mem := models.New(finalText)
	mem.Score = models.FloatPtr(score)
	mem.Lifetime = models.IntPtr(lifetime)
	if err := c.ltm.Store(ctx, coll, mem); err != nil {
		c.logger.Error("long-term store failed", "coll", coll, "id", mem.ID, "error", err)
		return
	}
	metrics.Inc(metrics.CompressedTotal)
	c.logger.Info("long-term store", "coll", coll, "id", mem.ID, "score", score, "lifetime", lifetime)
}
