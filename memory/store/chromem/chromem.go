// Package chromem backs long-term memory with chromem-go, an embedded,
// persistent vector database queried under cosine distance.
//
// The collection holds vectors and the metadata used for where-filters;
// a sidecar index document owned by this store mirrors every entry's
// fields so filter scans, pagination, and access-count updates never
// depend on ANN queries. Both are written under one lock; an upsert is
// atomic at the entry level.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/engramlabs/engram-go/memory"
)

const collectionName = "long_term_memory"

// indexFile is the sidecar document holding the entry mirror and the
// collection-level flags (embedding mode, dimensionality).
const indexFile = "index.json"

// Mode fixes how the index obtains vectors, chosen at creation.
type Mode int

const (
	// ModeExternalOnly refuses every write that cannot supply a vector:
	// the backing library's default embedding backend is never invoked,
	// preventing dimension drift.
	ModeExternalOnly Mode = iota

	// ModeDefaultBacked lets chromem-go compute vectors with its default
	// embedding function. The index flips to external-only on the first
	// upsert that carries an external vector.
	ModeDefaultBacked
)

var standardMetaKeys = map[string]bool{
	"user_id": true, "memory_type": true, "importance": true,
	"timestamp": true, "access_count": true, "last_accessed": true,
}

// Store implements memory.Store on top of chromem-go.
type Store struct {
	db  *chromem.DB
	col *chromem.Collection
	dir string

	embedFn memory.EmbedFunc

	mu       sync.RWMutex
	entries  map[string]*memory.Entry
	external bool
	dims     int
}

// Option configures the store.
type Option func(*Store)

// WithEmbedFunc injects a synchronous embedding function used when a
// caller supplies text without a vector.
func WithEmbedFunc(fn memory.EmbedFunc) Option {
	return func(s *Store) { s.embedFn = fn }
}

// New opens (or creates) the persistent index under dir.
//
// An existing non-empty index whose persisted mode disagrees with the
// requested one fails closed with memory.ErrModeConflict; the caller
// must drop the directory and reindex explicitly.
func New(dir string, mode Mode, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vector db dir: %w", err)
	}

	s := &Store{
		dir:      dir,
		entries:  make(map[string]*memory.Entry),
		external: mode == ModeExternalOnly,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	// A persisted mode that disagrees with the requested one is a conflict
	// only while entries exist; an empty index silently adopts the
	// requested mode.
	if len(s.entries) > 0 && s.external != (mode == ModeExternalOnly) {
		return nil, fmt.Errorf("%w: index at %s persisted external=%v", memory.ErrModeConflict, dir, s.external)
	}
	if len(s.entries) == 0 {
		s.external = mode == ModeExternalOnly
	}

	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	s.db = db

	var embeddingFunc chromem.EmbeddingFunc
	if s.external {
		embeddingFunc = refuseDefaultEmbedding
	} else {
		embeddingFunc = chromem.NewEmbeddingFuncDefault()
	}
	col, err := db.GetOrCreateCollection(collectionName, map[string]string{"hnsw:space": "cosine"}, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}
	s.col = col

	log.Printf("[CHROMEM] Store opened: dir=%s, entries=%d, external=%v", dir, len(s.entries), s.external)
	return s, nil
}

// refuseDefaultEmbedding blocks the library's built-in embedding backend
// so a 384-dim default vector can never land next to external vectors.
func refuseDefaultEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("default embedding is disabled; provide embeddings explicitly")
}

// AddMemory upserts an entry with its vector.
func (s *Store) AddMemory(ctx context.Context, entry *memory.Entry, embedding []float32) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("entry with id required")
	}
	if entry.Content == "" {
		return fmt.Errorf("entry content must be non-empty")
	}
	if entry.UserID == "" {
		return fmt.Errorf("entry user_id must be non-empty")
	}
	if embedding != nil && len(embedding) == 0 {
		return fmt.Errorf("embedding must be a non-empty vector")
	}

	if embedding == nil && s.embedFn != nil {
		vecs, err := s.embedFn(ctx, []string{entry.Content})
		if err != nil {
			return fmt.Errorf("embed content: %w", err)
		}
		if len(vecs) > 0 && len(vecs[0]) > 0 {
			embedding = vecs[0]
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if embedding == nil && s.external {
		return memory.ErrMissingEmbedding
	}
	if embedding != nil {
		if s.dims == 0 {
			s.dims = len(embedding)
		} else if len(embedding) != s.dims {
			log.Printf("[CHROMEM] Refusing write: id=%s has %d dims, index has %d", entry.ID, len(embedding), s.dims)
			return memory.ErrDimensionMismatch
		}
	}

	stored := cloneEntry(entry)
	stored.Importance = memory.ClampImportance(stored.Importance)
	if stored.Timestamp == 0 {
		stored.Timestamp = memory.Now()
	}
	if stored.LastAccessed == 0 {
		stored.LastAccessed = stored.Timestamp
	}

	doc := chromem.Document{
		ID:        stored.ID,
		Content:   stored.Content,
		Embedding: embedding,
		Metadata:  entryMetadata(stored),
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}

	// First external vector flips a default-backed index permanently.
	if embedding != nil && !s.external {
		s.external = true
		log.Printf("[CHROMEM] Index switched to external-only embeddings")
	}

	s.entries[stored.ID] = stored
	s.saveIndexLocked()
	return nil
}

// Search runs an ANN query and returns entries ranked by ascending
// cosine distance. Failures yield an empty result.
func (s *Store) Search(ctx context.Context, opts memory.SearchOptions) []*memory.Entry {
	k := opts.K
	if k <= 0 {
		k = 5
	}

	embedding := opts.QueryEmbedding
	if len(embedding) == 0 && opts.QueryText != "" && s.embedFn != nil {
		vecs, err := s.embedFn(ctx, []string{opts.QueryText})
		if err != nil {
			log.Printf("[CHROMEM] Embed func failed during search: %v", err)
		} else if len(vecs) > 0 && len(vecs[0]) > 0 {
			embedding = vecs[0]
		}
	}

	where := make(map[string]string)
	if opts.UserID != "" {
		where["user_id"] = opts.UserID
	}
	if opts.MemoryType != "" {
		where["memory_type"] = string(opts.MemoryType)
	}
	if len(where) == 0 {
		where = nil
	}

	s.mu.RLock()
	total := len(s.entries)
	external := s.external
	s.mu.RUnlock()
	if total == 0 {
		return nil
	}
	if k > total {
		k = total
	}

	var results []chromem.Result
	var err error
	if len(embedding) > 0 {
		results, err = s.queryEmbedding(ctx, embedding, k, where)
	} else if opts.QueryText != "" {
		if external {
			// Text-only queries fail closed on an external-only index.
			log.Printf("[CHROMEM] No embedding available for text query, skipping search")
			return nil
		}
		results, err = s.queryText(ctx, opts.QueryText, k, where)
	} else {
		return nil
	}
	if err != nil {
		log.Printf("[CHROMEM] Query error: %v", err)
		return nil
	}

	entries := make([]*memory.Entry, 0, len(results))
	s.mu.Lock()
	defer s.mu.Unlock()
	touched := false
	for _, res := range results {
		distance := 1 - res.Similarity
		if opts.Threshold > 0 && distance > opts.Threshold {
			continue
		}
		stored, ok := s.entries[res.ID]
		if !ok {
			log.Printf("[CHROMEM] Skipping result %s: missing from index mirror", res.ID)
			continue
		}
		if !opts.SkipAccessUpdate {
			stored.AccessCount++
			stored.LastAccessed = memory.Now()
			doc := chromem.Document{
				ID:        res.ID,
				Content:   res.Content,
				Embedding: res.Embedding,
				Metadata:  entryMetadata(stored),
			}
			if err := s.col.AddDocument(ctx, doc); err != nil {
				log.Printf("[CHROMEM] Access update failed for %s: %v", res.ID, err)
			}
			touched = true
		}
		entries = append(entries, cloneEntry(stored))
	}
	if touched {
		s.saveIndexLocked()
	}
	return entries
}

// queryEmbedding retries with shrinking limits because chromem refuses
// result counts above the number of matching documents.
func (s *Store) queryEmbedding(ctx context.Context, embedding []float32, k int, where map[string]string) ([]chromem.Result, error) {
	for limit := k; limit >= 1; limit-- {
		results, err := s.col.QueryEmbedding(ctx, embedding, limit, where, nil)
		if err == nil {
			return results, nil
		}
		if isInsufficientDocsError(err) {
			if limit == 1 {
				return nil, nil
			}
			continue
		}
		return nil, err
	}
	return nil, nil
}

func (s *Store) queryText(ctx context.Context, text string, k int, where map[string]string) ([]chromem.Result, error) {
	for limit := k; limit >= 1; limit-- {
		results, err := s.col.Query(ctx, text, limit, where, nil)
		if err == nil {
			return results, nil
		}
		if isInsufficientDocsError(err) {
			if limit == 1 {
				return nil, nil
			}
			continue
		}
		return nil, err
	}
	return nil, nil
}

// GetByUser scans the mirror for a user's entries, newest first.
func (s *Store) GetByUser(ctx context.Context, userID string, memoryType memory.Type, limit int) []*memory.Entry {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*memory.Entry, 0)
	for _, e := range s.entries {
		if e.UserID != userID {
			continue
		}
		if memoryType != "" && e.MemoryType != memoryType {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp > matched[j].Timestamp })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*memory.Entry, len(matched))
	for i, e := range matched {
		out[i] = cloneEntry(e)
	}
	return out
}

// GetAllMemories pages through the mirror in stable id order.
func (s *Store) GetAllMemories(ctx context.Context, limit, offset int) []*memory.Entry {
	if limit <= 0 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	out := make([]*memory.Entry, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, cloneEntry(s.entries[id]))
	}
	return out
}

// UpdateMemory applies a partial update. A content change on an
// external-only index without a producible vector refuses the whole
// update so stored text and its vector never diverge.
func (s *Store) UpdateMemory(ctx context.Context, id string, update memory.EntryUpdate) bool {
	if update.Embedding != nil && len(update.Embedding) == 0 {
		log.Printf("[CHROMEM] Empty embedding provided for update of %s", id)
		return false
	}

	embedding := update.Embedding
	if update.Content != nil && embedding == nil && s.embedFn != nil {
		vecs, err := s.embedFn(ctx, []string{*update.Content})
		if err != nil {
			log.Printf("[CHROMEM] Embed func failed for update of %s, skipping update: %v", id, err)
			return false
		}
		if len(vecs) > 0 && len(vecs[0]) > 0 {
			embedding = vecs[0]
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entries[id]
	if !ok {
		return false
	}
	if update.Content != nil && embedding == nil && s.external {
		log.Printf("[CHROMEM] Content changed but no embedding available, skipping update for %s", id)
		return false
	}
	if embedding != nil && s.dims != 0 && len(embedding) != s.dims {
		log.Printf("[CHROMEM] Refusing update: %s has %d dims, index has %d", id, len(embedding), s.dims)
		return false
	}

	next := cloneEntry(stored)
	if update.Content != nil {
		next.Content = *update.Content
	}
	if update.Importance != nil {
		next.Importance = memory.ClampImportance(*update.Importance)
	}
	if update.Metadata != nil {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			next.Metadata[k] = v
		}
	}

	doc := chromem.Document{
		ID:       id,
		Content:  next.Content,
		Metadata: entryMetadata(next),
	}
	if embedding != nil {
		doc.Embedding = embedding
	} else if update.Content == nil {
		// Metadata-only update keeps the stored vector.
		existing, err := s.col.GetByID(ctx, id)
		if err != nil {
			log.Printf("[CHROMEM] Update failed: cannot load vector for %s: %v", id, err)
			return false
		}
		doc.Embedding = existing.Embedding
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		log.Printf("[CHROMEM] Update failed for %s: %v", id, err)
		return false
	}

	s.entries[id] = next
	s.saveIndexLocked()
	return true
}

// GetMemoryByID returns the entry or nil.
func (s *Store) GetMemoryByID(ctx context.Context, id string) *memory.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[id]; ok {
		return cloneEntry(e)
	}
	return nil
}

// DeleteMemory removes an entry permanently.
func (s *Store) DeleteMemory(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		log.Printf("[CHROMEM] Delete error for %s: %v", id, err)
		return false
	}
	delete(s.entries, id)
	s.saveIndexLocked()
	return true
}

// Count returns the number of stored entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ExternalOnly reports whether the index accepts external vectors only.
func (s *Store) ExternalOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.external
}

// Close persists the index mirror.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveIndexLocked()
	return nil
}

// --- sidecar index persistence ---

type indexDoc struct {
	ExternalEmbeddings bool                     `json:"external_embeddings"`
	Dimensions         int                      `json:"dimensions"`
	Entries            map[string]*memory.Entry `json:"entries"`
}

func (s *Store) loadIndex() error {
	path := filepath.Join(s.dir, indexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read index: %w", err)
	}
	var doc indexDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse index: %w", err)
	}
	if doc.Entries != nil {
		s.entries = doc.Entries
	}
	s.external = doc.ExternalEmbeddings
	s.dims = doc.Dimensions
	return nil
}

// saveIndexLocked persists the mirror atomically. Callers hold mu.
func (s *Store) saveIndexLocked() {
	doc := indexDoc{
		ExternalEmbeddings: s.external,
		Dimensions:         s.dims,
		Entries:            s.entries,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		log.Printf("[CHROMEM] Marshal index failed: %v", err)
		return
	}
	path := filepath.Join(s.dir, indexFile)
	tmp, err := os.CreateTemp(s.dir, indexFile+".*.tmp")
	if err != nil {
		log.Printf("[CHROMEM] Save index failed: %v", err)
		return
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmpName, path)
	}
	if werr != nil {
		os.Remove(tmpName)
		log.Printf("[CHROMEM] Save index failed: %v", werr)
	}
}

// --- helpers ---

func entryMetadata(e *memory.Entry) map[string]string {
	meta := map[string]string{
		"user_id":       e.UserID,
		"memory_type":   string(e.MemoryType),
		"importance":    strconv.Itoa(e.Importance),
		"timestamp":     strconv.FormatFloat(e.Timestamp, 'f', -1, 64),
		"access_count":  strconv.Itoa(e.AccessCount),
		"last_accessed": strconv.FormatFloat(e.LastAccessed, 'f', -1, 64),
	}
	for k, v := range e.Metadata {
		if !standardMetaKeys[k] {
			meta[k] = v
		}
	}
	return meta
}

func cloneEntry(e *memory.Entry) *memory.Entry {
	clone := *e
	if e.Metadata != nil {
		clone.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
