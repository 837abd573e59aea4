package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/memento-project/memento/internal/models"
)

// MemoryBackend is an in-process Backend. Similarity is bag-of-words cosine
// over the memory content, which is deterministic and needs no embedding
// service. With a snapshot directory set it persists every collection as a
// JSON file so development runs survive restarts; without one it is purely
// in-memory and doubles as the test double for every store above it.
type MemoryBackend struct {
	mu    sync.RWMutex
	colls map[string]*memColl
	dir   string // "" = no persistence
}

type memColl struct {
	order []string
	items map[string]models.Memory
}

// NewMemoryBackend creates an ephemeral in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{colls: make(map[string]*memColl)}
}

// NewPersistentMemoryBackend creates a memory backend that snapshots every
// collection under dir, loading any existing snapshots first.
func NewPersistentMemoryBackend(dir string) (*MemoryBackend, error) {
	b := &MemoryBackend{colls: make(map[string]*memColl), dir: dir}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot dir: %w", err)
	}
	if err := b.loadSnapshots(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MemoryBackend) Ensure(_ context.Context, coll string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureLocked(coll)
	return nil
}

func (b *MemoryBackend) ensureLocked(coll string) *memColl {
	c, ok := b.colls[coll]
	if !ok {
		c = &memColl{items: make(map[string]models.Memory)}
		b.colls[coll] = c
	}
	return c
}

func (b *MemoryBackend) Upsert(_ context.Context, coll string, mem models.Memory) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.ensureLocked(coll)
	if _, exists := c.items[mem.ID]; exists {
		// Last-write-wins: the replacement takes the age of the new insert.
		c.removeFromOrder(mem.ID)
	}
	c.items[mem.ID] = mem
	c.order = append(c.order, mem.ID)
	return b.snapshotLocked(coll)
}

func (b *MemoryBackend) Delete(_ context.Context, coll string, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.colls[coll]
	if !ok {
		return nil
	}
	if _, exists := c.items[id]; !exists {
		return nil
	}
	delete(c.items, id)
	c.removeFromOrder(id)
	return b.snapshotLocked(coll)
}

func (b *MemoryBackend) Query(_ context.Context, coll, text string, n int) ([]models.QueriedMemory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.colls[coll]
	if !ok || n <= 0 {
		return nil, nil
	}

	qv := bagOfWords(text)
	results := make([]models.QueriedMemory, 0, len(c.order))
	for _, id := range c.order {
		mem := c.items[id]
		results = append(results, models.QueriedMemory{
			Memory:   mem,
			Distance: 1 - cosine(qv, bagOfWords(mem.Content)),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > n {
		results = results[:n]
	}
	return results, nil
}

func (b *MemoryBackend) ScanOldest(_ context.Context, coll string, offset, limit int) ([]models.Memory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.colls[coll]
	if !ok {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(c.order) {
		return nil, nil
	}
	ids := c.order[offset:]
	if limit >= 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]models.Memory, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.items[id])
	}
	return out, nil
}

func (b *MemoryBackend) Count(_ context.Context, coll string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.colls[coll]
	if !ok {
		return 0, nil
	}
	return len(c.order), nil
}

func (b *MemoryBackend) Drop(_ context.Context, coll string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.colls, coll)
	if b.dir != "" {
		if err := os.Remove(b.snapshotPath(coll)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing snapshot: %w", err)
		}
	}
	return nil
}

func (b *MemoryBackend) Collections(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.colls))
	for name := range b.colls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *MemoryBackend) Close() error { return nil }

func (c *memColl) removeFromOrder(id string) {
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// --- persistence ---

type snapshot struct {
	Mems []models.Memory `json:"mems"`
}

func (b *MemoryBackend) snapshotPath(coll string) string {
	return filepath.Join(b.dir, coll+".json")
}

func (b *MemoryBackend) snapshotLocked(coll string) error {
	if b.dir == "" {
		return nil
	}
	c := b.colls[coll]
	snap := snapshot{Mems: make([]models.Memory, 0, len(c.order))}
	for _, id := range c.order {
		snap.Mems = append(snap.Mems, c.items[id])
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshalling snapshot: %w", err)
	}
	tmp := b.snapshotPath(coll) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return os.Rename(tmp, b.snapshotPath(coll))
}

func (b *MemoryBackend) loadSnapshots() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("reading snapshot dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("reading snapshot %s: %w", e.Name(), err)
		}
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("parsing snapshot %s: %w", e.Name(), err)
		}
		coll := strings.TrimSuffix(e.Name(), ".json")
		c := &memColl{items: make(map[string]models.Memory, len(snap.Mems))}
		for _, mem := range snap.Mems {
			c.items[mem.ID] = mem
			c.order = append(c.order, mem.ID)
		}
		b.colls[coll] = c
	}
	return nil
}

// --- similarity ---

func bagOfWords(text string) map[string]float64 {
	vec := make(map[string]float64)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if tok == "" {
			continue
		}
		vec[tok]++
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for tok, av := range a {
		normA += av * av
		if bv, ok := b[tok]; ok {
			dot += av * bv
		}
	}
	for _, bv := range b {
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
