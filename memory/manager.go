package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/ristretto"

	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/memory/profile"
)

// Config holds Manager configuration.
type Config struct {
	// DataDir is the engine's data root. Session memory, profiles and
	// the pinned core text live under it.
	DataDir string

	// MaxMemoryLength bounds the chunk count of a session's sliding
	// window. Default: 20.
	MaxMemoryLength int

	// HippocampusThreshold is the buffered chunk count that triggers a
	// background batch. Default: 3.
	HippocampusThreshold int

	// EmbedCacheEntries sizes the query-embedding cache. Default: 2048.
	EmbedCacheEntries int64
}

// DefaultConfig returns sensible defaults rooted at data/memory.
var DefaultConfig = &Config{
	DataDir:              "data/memory",
	MaxMemoryLength:      20,
	HippocampusThreshold: DefaultHippocampusThreshold,
	EmbedCacheEntries:    2048,
}

// Manager is the public surface of the memory engine. It owns the
// session window, the profile store, the slow-loop hippocampus and the
// forgetter, and dispatches fast-loop reads against the vector store.
type Manager struct {
	cfg *Config

	store    Store
	sessions *SessionStore
	profiles *profile.Store
	hippo    *Hippocampus
	forget   *Forgetter

	chat     core.ChatCapability
	embedder core.EmbeddingCapability
	sched    Scheduler

	embedCache *ristretto.Cache
}

// Option configures the manager.
type Option func(*Manager)

// WithChat sets the chat capability used by the slow loop.
func WithChat(c core.ChatCapability) Option {
	return func(m *Manager) { m.chat = c }
}

// WithEmbedding sets the embedding capability used for recall and by
// the slow loop.
func WithEmbedding(e core.EmbeddingCapability) Option {
	return func(m *Manager) { m.embedder = e }
}

// WithScheduler sets the background task scheduler. Without one the
// hippocampus keeps buffering instead of processing.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// NewManager wires the engine around a vector store. The store is
// injected so deployments choose the backend (and its embedding mode)
// at the composition root.
func NewManager(store Store, cfg *Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	sessions, err := NewSessionStore(filepath.Join(cfg.DataDir, "chat_memory.json"), cfg.MaxMemoryLength)
	if err != nil {
		return nil, err
	}
	profiles, err := profile.NewStore(filepath.Join(cfg.DataDir, "user_profiles.json"))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		profiles: profiles,
	}
	for _, opt := range opts {
		opt(m)
	}

	cacheEntries := cfg.EmbedCacheEntries
	if cacheEntries <= 0 {
		cacheEntries = 2048
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheEntries * 10,
		MaxCost:     cacheEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embed cache: %w", err)
	}
	m.embedCache = cache

	m.hippo = NewHippocampus(store, profiles, m.chat, m.embedder, m.sched, cfg.HippocampusThreshold)
	m.forget = NewForgetter(store, m.chat, m.embedder)

	log.Printf("[MEMORY] Manager initialized (dual-loop architecture)")
	return m, nil
}

// Store returns the backing vector store.
func (m *Manager) Store() Store { return m.store }

// Profiles returns the profile store.
func (m *Manager) Profiles() *profile.Store { return m.profiles }

// Hippocampus returns the slow-loop pipeline.
func (m *Manager) Hippocampus() *Hippocampus { return m.hippo }

// --- short-term memory ---

// GetSessionInfo parses and lazily creates a session.
func (m *Manager) GetSessionInfo(session string) (Session, error) {
	return m.sessions.GetSessionInfo(session)
}

// UpdateSessionInfo sets a session's title and description.
func (m *Manager) UpdateSessionInfo(session, title, description string) {
	m.sessions.UpdateSessionInfo(session, title, description)
}

// MemoryCount returns the session's chunk count.
func (m *Manager) MemoryCount(session string) int {
	return m.sessions.MemoryCount(session)
}

// FetchMemory returns the session's messages flattened across chunks.
func (m *Manager) FetchMemory(session string) []core.Message {
	return m.sessions.FetchMemory(session)
}

// ReadMemory returns the session's chunks.
func (m *Manager) ReadMemory(session string) [][]core.Message {
	return m.sessions.ReadMemory(session)
}

// WriteMemory replaces the session's chunk list.
func (m *Manager) WriteMemory(session string, chunks [][]core.Message) {
	m.sessions.WriteMemory(session, chunks)
}

// UpdateMemory appends a chunk to the session window and feeds the
// hippocampus buffer.
func (m *Manager) UpdateMemory(session string, chunk []core.Message) {
	m.sessions.AppendChunk(session, chunk)
	m.hippo.Observe(session, chunk)
}

// DeleteSession drops a session's short-term memory.
func (m *Manager) DeleteSession(session string) {
	m.sessions.DeleteSession(session)
}

// --- long-term memory ---

// Recall retrieves the k memories most relevant to the query. k is
// coerced to at least 1. Embedding failures degrade to a text query,
// which the store fails closed for external-only indexes.
func (m *Manager) Recall(ctx context.Context, query string, userID string, k int) []*Entry {
	if k < 1 {
		k = 1
	}

	if embedding := m.EmbedText(ctx, query); embedding != nil {
		return m.store.Search(ctx, SearchOptions{
			QueryEmbedding: embedding,
			UserID:         userID,
			K:              k,
		})
	}

	return m.store.Search(ctx, SearchOptions{
		QueryText: query,
		UserID:    userID,
		K:         k,
	})
}

// EmbedText converts text to a vector through the embedding cache.
// It returns nil when no embedding capability is configured or the
// call fails; failures are logged, never propagated.
func (m *Manager) EmbedText(ctx context.Context, query string) []float32 {
	if m.embedder == nil {
		return nil
	}
	if cached, ok := m.embedCache.Get(query); ok {
		if vec, ok := cached.([]float32); ok {
			return vec
		}
	}
	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		log.Printf("[MEMORY] Embedding search failed: %v", err)
		return nil
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil
	}
	m.embedCache.Set(query, vecs[0], 1)
	return vecs[0]
}

// FormatRecalledMemories renders recalled entries for prompt injection.
func (m *Manager) FormatRecalledMemories(memories []*Entry) string {
	if len(memories) == 0 {
		return "No relevant long-term memories"
	}
	labels := map[Type]string{
		TypeFact:       "fact",
		TypeReflection: "insight",
		TypeSummary:    "summary",
	}
	parts := make([]string, len(memories))
	for i, mem := range memories {
		label, ok := labels[mem.MemoryType]
		if !ok {
			label = string(mem.MemoryType)
		}
		parts[i] = fmt.Sprintf("[%s] %s", label, mem.Content)
	}
	return strings.Join(parts, "\n")
}

// --- user profiles ---

// GetUserProfile returns a deep copy of the user's profile.
func (m *Manager) GetUserProfile(userID string) *profile.Profile {
	return m.profiles.GetProfile(userID)
}

// GetUserProfilePrompt formats the profile as prompt text.
func (m *Manager) GetUserProfilePrompt(userID string) string {
	return m.profiles.ProfilePrompt(userID)
}

// UpdateUserInteraction atomically bumps the interaction counter and
// records the platform and nickname when supplied.
func (m *Manager) UpdateUserInteraction(userID, platform, nickname string) {
	var updates []profile.Update
	if platform != "" {
		updates = append(updates, profile.SetPlatform(platform))
	}
	if nickname != "" {
		updates = append(updates, profile.SetNickname(nickname))
	}
	m.profiles.IncrementAndUpdate(userID, updates...)
}

// --- core memory ---

// GetCoreMemory reads the pinned core text, numbering each line.
func (m *Manager) GetCoreMemory() string {
	path := filepath.Join(m.cfg.DataDir, "core.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if werr := os.WriteFile(path, nil, 0o644); werr != nil {
				log.Printf("[MEMORY] Could not create core memory file: %v", werr)
			}
			return ""
		}
		log.Printf("[MEMORY] Could not read core memory: %v", err)
		return ""
	}
	if len(data) == 0 {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "[%d] %s\n", i, line)
	}
	return b.String()
}

// --- maintenance ---

// RunForgettingCycle executes one retention pass synchronously. Wire a
// ticker or cron at the application layer to call it periodically.
func (m *Manager) RunForgettingCycle(ctx context.Context) {
	m.forget.RunCycle(ctx)
}

// Close flushes the vector store and drops the embedding cache.
func (m *Manager) Close() error {
	m.embedCache.Close()
	return m.store.Close()
}
