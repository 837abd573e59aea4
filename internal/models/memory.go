package models

import (
	"time"

	"github.com/google/uuid"
)

// Memory is a durable unit of knowledge held by one of the tiers.
//
// Score and Lifetime are optional: an absent score means the memory was never
// rated, and an absent lifetime means the memory carries no decay bookkeeping
// (the decay pass treats it as already expired, see store.DecayingStore).
type Memory struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	// Time is the creation timestamp in milliseconds since the Unix epoch.
	Time     int64    `json:"time"`
	User     *string  `json:"user,omitempty"`
	Score    *float64 `json:"score,omitempty"`
	Lifetime *int64   `json:"lifetime,omitempty"`
}

// QueriedMemory pairs a memory with its query distance (lower = more similar).
type QueriedMemory struct {
	Memory   Memory  `json:"memory"`
	Distance float64 `json:"distance"`
}

// New creates a memory with a fresh ID and the current wall-clock time.
func New(content string) Memory {
	return Memory{
		ID:      uuid.New().String(),
		Content: content,
		Time:    NowMillis(),
	}
}

// NowMillis returns the current time in milliseconds since the Unix epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// FloatPtr returns a pointer to v. Convenience for optional score fields.
func FloatPtr(v float64) *float64 { return &v }

// IntPtr returns a pointer to v. Convenience for optional lifetime fields.
func IntPtr(v int64) *int64 { return &v }

// StrPtr returns a pointer to v. Convenience for optional user fields.
func StrPtr(v string) *string { return &v }
