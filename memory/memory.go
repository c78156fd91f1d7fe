package memory

import "context"

// EmbedFunc converts texts to vectors synchronously. It is the injection
// point a Store uses when a caller supplies text without an embedding.
// One vector is returned per input text.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// SearchOptions parameterizes a similarity search.
//
// Exactly one of QueryEmbedding / QueryText is normally set. A text-only
// query against an external-only index fails closed (empty result) unless
// the store has an EmbedFunc to convert it first.
type SearchOptions struct {
	QueryText      string
	QueryEmbedding []float32

	// Metadata equality filters; empty values mean no filter.
	UserID     string
	MemoryType Type

	// K is the maximum number of results. Zero means the store default (5).
	K int

	// Threshold is the maximum cosine distance for a result to qualify.
	// Zero or negative disables the cutoff.
	Threshold float32

	// SkipAccessUpdate suppresses the access-count bump on returned
	// entries. Internal deduplication probes set this; foreground
	// retrieval leaves it false.
	SkipAccessUpdate bool
}

// EntryUpdate is a partial update for a stored entry. Nil fields are
// left untouched. When Content is set on an external-only index, either
// Embedding must be non-empty or the store's EmbedFunc must produce one;
// otherwise the whole update is refused so text and vector never split.
type EntryUpdate struct {
	Content    *string
	Importance *int
	Metadata   map[string]string
	Embedding  []float32
}

// Store is the embedding-indexed map of id to Entry backing long-term
// memory. Implementations: chromem.Store (embedded, persistent).
//
// Every operation is safe for concurrent use. Backend failures are
// logged and surface as empty or false results, never as panics; only
// AddMemory reports an error because its callers distinguish refusal
// reasons (missing embedding, dimension drift).
type Store interface {
	// AddMemory upserts an entry. A supplied embedding must be non-empty;
	// with no embedding the store falls back to its EmbedFunc, and fails
	// with ErrMissingEmbedding when the index is external-only and no
	// vector can be produced.
	AddMemory(ctx context.Context, entry *Entry, embedding []float32) error

	// Search returns up to K entries matching all supplied filters,
	// ranked by ascending cosine distance.
	Search(ctx context.Context, opts SearchOptions) []*Entry

	// GetByUser is a filter scan without ranking.
	GetByUser(ctx context.Context, userID string, memoryType Type, limit int) []*Entry

	// GetAllMemories pages through every entry; callers iterate until a
	// short page is returned.
	GetAllMemories(ctx context.Context, limit, offset int) []*Entry

	// UpdateMemory applies a partial update, reporting false on refusal.
	UpdateMemory(ctx context.Context, id string, update EntryUpdate) bool

	// GetMemoryByID returns the entry or nil.
	GetMemoryByID(ctx context.Context, id string) *Entry

	// DeleteMemory removes an entry permanently, reporting success.
	DeleteMemory(ctx context.Context, id string) bool

	// Count returns the number of stored entries.
	Count() int

	// Close flushes and releases resources.
	Close() error
}
