// Package llm talks to the language model: turning conversation turns into
// candidate memories (process), and distilling/merging evicted batches for
// the long-term store.
package llm

import (
	"context"
	"fmt"

	"github.com/memento-project/memento/internal/models"
)

// Message is one conversation turn as submitted by the client.
type Message struct {
	Role    string  `json:"role"`
	Content string  `json:"content"`
	Name    *string `json:"name,omitempty"`
}

// RememberEntry is one candidate memory extracted by process.
type RememberEntry struct {
	Text string  `json:"text"`
	User *string `json:"user,omitempty"`
}

// EmotionState labels the emotional content of the processed turns.
type EmotionState struct {
	Neutral  float64 `json:"neutral"`
	Sadness  float64 `json:"sadness"`
	Joy      float64 `json:"joy"`
	Love     float64 `json:"love"`
	Anger    float64 `json:"anger"`
	Fear     float64 `json:"fear"`
	Surprise float64 `json:"surprise"`
}

// ProcessResult is the structured output of a process call.
type ProcessResult struct {
	Summary            string          `json:"summary"`
	Remember           []RememberEntry `json:"remember"`
	Emotions           EmotionState    `json:"emotions"`
	EmotionalIntensity float64         `json:"emotional_intensity"`
	Importance         float64         `json:"importance"`
}

// Validate rejects model output that escapes the declared schema, so the
// retry loop treats it like any other failed call.
func (r *ProcessResult) Validate() error {
	if r.Summary == "" {
		return fmt.Errorf("process result: empty summary")
	}
	if len(r.Remember) < 1 || len(r.Remember) > 10 {
		return fmt.Errorf("process result: remember must hold 1-10 entries, got %d", len(r.Remember))
	}
	for _, v := range []float64{
		r.Emotions.Neutral, r.Emotions.Sadness, r.Emotions.Joy, r.Emotions.Love,
		r.Emotions.Anger, r.Emotions.Fear, r.Emotions.Surprise,
		r.EmotionalIntensity, r.Importance,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("process result: value %v outside [0, 1]", v)
		}
	}
	return nil
}

// DistillItem is one long-term memory candidate produced by distillation,
// with the short-term memory ids it was derived from.
type DistillItem struct {
	Text      string   `json:"text"`
	SourceIDs []string `json:"source_ids"`
}

// DistillResult is the structured output of a distillation call.
type DistillResult struct {
	Memories []DistillItem `json:"memories"`
}

// Validate rejects distill output with malformed entries. An empty memories
// list is valid; the compressor treats it as nothing worth keeping.
func (r *DistillResult) Validate() error {
	for i, item := range r.Memories {
		if item.Text == "" {
			return fmt.Errorf("distill result: memory %d has empty text", i)
		}
		if len(item.SourceIDs) == 0 {
			return fmt.Errorf("distill result: memory %d has no source ids", i)
		}
	}
	return nil
}

// MergeResult is the structured output of a merge call.
type MergeResult struct {
	NewText   string   `json:"new_text"`
	DeleteIDs []string `json:"delete_ids"`
}

// Validate rejects merge output without a final text.
func (r *MergeResult) Validate() error {
	if r.NewText == "" {
		return fmt.Errorf("merge result: empty new_text")
	}
	return nil
}

// Client is the language-model interface the processor and compressor
// consume. Implementations retry internally and return structured results
// parsed from schema-constrained JSON.
type Client interface {
	// Process summarizes new conversation turns and extracts memories.
	Process(ctx context.Context, aiName string, prior []Message, messages []Message) (*ProcessResult, error)

	// Distill rewrites an evicted short-term batch into long-term candidates.
	Distill(ctx context.Context, aiName string, batch []models.Memory) (*DistillResult, error)

	// Merge decides whether a candidate should absorb near-duplicate
	// long-term neighbors, returning the final text and ids to delete.
	Merge(ctx context.Context, aiName, newText string, existing []models.Memory, preferNew bool) (*MergeResult, error)
}
