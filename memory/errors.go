package memory

import "errors"

var (
	// ErrMissingEmbedding is returned when an external-only index is asked
	// to store text without a vector and no EmbedFunc can produce one.
	ErrMissingEmbedding = errors.New("no embedding provided and no embedding function available")

	// ErrDimensionMismatch is returned when a vector's length disagrees
	// with the dimensionality fixed by the index's first entry.
	ErrDimensionMismatch = errors.New("embedding dimension does not match index")

	// ErrModeConflict is returned on cold start when an existing index's
	// persisted embedding mode disagrees with the requested one and the
	// index is not empty. Resolving it requires explicit reindexing.
	ErrModeConflict = errors.New("existing index embedding mode conflicts with requested mode")
)
