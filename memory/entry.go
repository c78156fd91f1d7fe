package memory

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Type classifies a long-term memory entry.
type Type string

const (
	TypeFact       Type = "fact"
	TypeReflection Type = "reflection"
	TypeSummary    Type = "summary"
)

// Entry is one durable, embedding-indexed record.
//
// Timestamps are seconds since the epoch as floating point, matching the
// on-disk metadata encoding. AccessCount and LastAccessed are maintained by
// the store on reads with access tracking enabled and are monotonic.
type Entry struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Content      string            `json:"content"`
	MemoryType   Type              `json:"memory_type"`
	Importance   int               `json:"importance"`
	Timestamp    float64           `json:"timestamp"`
	AccessCount  int               `json:"access_count"`
	LastAccessed float64           `json:"last_accessed"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewEntry creates an entry with a fresh id and creation timestamps.
// Importance is clamped to [1, 10].
func NewEntry(userID, content string, memoryType Type, importance int) *Entry {
	now := Now()
	return &Entry{
		ID:           GenerateID(),
		UserID:       userID,
		Content:      content,
		MemoryType:   memoryType,
		Importance:   ClampImportance(importance),
		Timestamp:    now,
		LastAccessed: now,
	}
}

// GenerateID returns an opaque 12-hex identifier.
func GenerateID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:12]
}

// ClampImportance bounds an importance score to [1, 10].
func ClampImportance(importance int) int {
	if importance < 1 {
		return 1
	}
	if importance > 10 {
		return 10
	}
	return importance
}

// Now returns the current time as floating-point epoch seconds.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
