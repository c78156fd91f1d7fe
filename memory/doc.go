// Package memory turns an unbounded stream of chat turns into a
// bounded, queryable, self-maintaining long-term memory.
//
// Two loops share the state:
//   - Fast loop (per turn): append to a per-session sliding window,
//     retrieve relevant long-term entries for the current query, and
//     surface a structured user profile snippet.
//   - Slow loop (background): extract durable facts from recent turns,
//     deduplicate and merge them against existing memory, generate
//     higher-order reflections, roll old facts into summaries, and run
//     a retention-score-based forgetting pass.
//
// Architecture:
//   - Store: embedding-indexed entries (chromem-go backend in
//     memory/store/chromem)
//   - SessionStore: per-session message window, one on-disk document
//   - profile.Store: structured per-user records, atomically persisted
//   - Hippocampus: the slow-loop extraction pipeline
//   - Forgetter: the periodic retention pass
//   - Manager: the public surface owning all of the above
//
// Embeddings come from a core.EmbeddingCapability; chat completions
// from a core.ChatCapability. Both are optional: without them the
// engine degrades to short-term memory and profile bookkeeping.
package memory
