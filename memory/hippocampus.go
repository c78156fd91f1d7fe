package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/engramlabs/engram-go/core"
)

// DefaultHippocampusThreshold is the chunk count that triggers a
// background processing batch for a session.
const DefaultHippocampusThreshold = 3

const extractFactsPrompt = `Analyze the following conversation excerpt and extract key facts about the user. Ignore small talk and filler.

Conversation:
%s

Output a JSON array where each fact has:
- "subject": the subject ("user" or a specific name)
- "content": the fact description
- "importance": an importance score (1-10)

Output only the JSON array, nothing else. If nothing is worth recording, output an empty array [].`

const checkConflictPrompt = `Compare the following two pieces of information and classify their relationship:

Existing: %s
New: %s

Output exactly one of the following options:
- "duplicate": the new information is essentially the same as the existing one, nothing to record
- "update": the new information updates or supplements the existing one and should be merged
- "new": the new information is unrelated to the existing one

Output only the option text, nothing else.`

const mergeFactsPrompt = `Merge the following two pieces of information into one, keeping everything useful:

Existing: %s
New: %s

Output only the merged result, nothing else.`

const reflectionPrompt = `Based on the following facts about the user, what higher-level insights can you infer?

Facts:
%s

Output 1-3 concise insights, one per line, without numbering. Output only the insights, nothing else.`

// Hippocampus is the slow loop: it buffers dialogue chunks per session
// and, once enough accumulate, runs extraction, deduplication,
// reflection and profile updates in the background.
//
// Every LLM-driven step is best-effort: a failure is logged and the
// pipeline continues with whatever it has. A re-run over the same
// chunks is safe because deduplication runs again.
type Hippocampus struct {
	store    Store
	profiles ProfileSink
	chat     core.ChatCapability
	embedder core.EmbeddingCapability
	sched    Scheduler

	threshold int

	mu      sync.Mutex
	pending map[string][][]core.Message
}

// ProfileSink is the slice of the profile store the hippocampus needs.
type ProfileSink interface {
	AddFactTo(userID, fact string)
}

// NewHippocampus wires the slow loop. chat and embedder may be nil; the
// pipeline skips work it has no capability for.
func NewHippocampus(store Store, profiles ProfileSink, chat core.ChatCapability, embedder core.EmbeddingCapability, sched Scheduler, threshold int) *Hippocampus {
	if threshold <= 0 {
		threshold = DefaultHippocampusThreshold
	}
	return &Hippocampus{
		store:     store,
		profiles:  profiles,
		chat:      chat,
		embedder:  embedder,
		sched:     sched,
		threshold: threshold,
		pending:   make(map[string][][]core.Message),
	}
}

// Observe buffers a new chunk. When the buffer reaches the threshold it
// is drained atomically and handed to a background task. With no
// scheduler available, drained chunks go back to the front of the
// buffer, never lost.
func (h *Hippocampus) Observe(session string, chunk []core.Message) {
	var batch [][]core.Message
	h.mu.Lock()
	h.pending[session] = append(h.pending[session], chunk)
	if len(h.pending[session]) >= h.threshold {
		batch = h.pending[session]
		h.pending[session] = nil
	}
	h.mu.Unlock()

	if batch == nil {
		return
	}

	var handle *TaskHandle
	if h.sched != nil {
		handle = h.sched.Spawn("hippocampus:"+session, func(ctx context.Context) error {
			return h.Process(ctx, session, batch)
		})
	}
	if handle == nil {
		h.mu.Lock()
		h.pending[session] = append(batch, h.pending[session]...)
		h.mu.Unlock()
		log.Printf("[HIPPOCAMPUS] No scheduler available, batch re-buffered for %s", session)
	}
}

// PendingCount returns the buffered chunk count for a session.
func (h *Hippocampus) PendingCount(session string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending[session])
}

// Process runs the full pipeline over one batch: extract facts, dedup
// and store them, generate reflections, update the profile.
func (h *Hippocampus) Process(ctx context.Context, session string, chunks [][]core.Message) error {
	if h.chat == nil {
		log.Printf("[HIPPOCAMPUS] No chat capability, skipping processing")
		return nil
	}

	userID, err := SessionUserID(session)
	if err != nil {
		return err
	}

	facts := h.extractFacts(ctx, chunksToText(chunks))
	if len(facts) == 0 {
		return nil
	}

	for _, fact := range facts {
		h.deduplicateAndStore(ctx, fact, userID)
	}

	recent := h.store.GetByUser(ctx, userID, TypeFact, 10)
	if len(recent) >= 5 {
		h.generateReflection(ctx, userID, recent)
	}

	h.updateProfileFromFacts(userID, facts)

	log.Printf("[HIPPOCAMPUS] Processing completed for session %s", session)
	return nil
}

// Fact is one extracted statement with its importance.
type Fact struct {
	Subject    string `json:"subject"`
	Content    string `json:"content"`
	Importance int    `json:"importance"`
}

// extractFacts prompts for facts and parses the response leniently.
func (h *Hippocampus) extractFacts(ctx context.Context, conversation string) []Fact {
	resp, err := h.chat.Chat(ctx, []core.Message{{
		Role:    core.RoleUser,
		Content: fmt.Sprintf(extractFactsPrompt, conversation),
	}})
	if err != nil {
		log.Printf("[HIPPOCAMPUS] Fact extraction error: %v", err)
		return nil
	}
	if resp == nil || resp.TextResponse == "" {
		return nil
	}
	return ParseFacts(resp.TextResponse)
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// ParseFacts turns a model response into facts. It strips code fences,
// extracts the first [...] slice, tolerates trailing commas and falls
// back to a permissive single-quote form. Entries without content are
// dropped; importance defaults to 5 and is clamped to [1, 10].
func ParseFacts(text string) []Fact {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx != -1 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end <= start {
		return nil
	}
	text = text[start : end+1]

	raw := parseFactArray(text)
	if raw == nil {
		raw = parseFactArray(trailingCommaRe.ReplaceAllString(text, "$1"))
	}
	if raw == nil {
		// Permissive fallback for single-quoted pseudo-JSON.
		raw = parseFactArray(strings.ReplaceAll(trailingCommaRe.ReplaceAllString(text, "$1"), "'", `"`))
	}

	cleaned := make([]Fact, 0, len(raw))
	for _, item := range raw {
		content, ok := item["content"].(string)
		if !ok || content == "" {
			continue
		}
		subject, _ := item["subject"].(string)
		cleaned = append(cleaned, Fact{
			Subject:    subject,
			Content:    content,
			Importance: coerceImportance(item["importance"]),
		})
	}
	return cleaned
}

func parseFactArray(text string) []map[string]any {
	var raw []map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil
	}
	return raw
}

func coerceImportance(v any) int {
	switch n := v.(type) {
	case nil:
		return 5
	case float64:
		return ClampImportance(int(n))
	case string:
		if n == "" {
			return 5
		}
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 5
		}
		return ClampImportance(int(f))
	default:
		return 5
	}
}

// embedOne returns the embedding for one text, or nil.
func (h *Hippocampus) embedOne(ctx context.Context, text string) []float32 {
	if h.embedder == nil {
		return nil
	}
	vecs, err := h.embedder.Embed(ctx, []string{text})
	if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil
	}
	return vecs[0]
}

// deduplicateAndStore checks a fact against near neighbours and either
// drops it, merges it into an existing entry, or stores it fresh.
func (h *Hippocampus) deduplicateAndStore(ctx context.Context, fact Fact, userID string) {
	if fact.Content == "" {
		return
	}

	var existing []*Entry
	embedding := h.embedOne(ctx, fact.Content)
	if embedding != nil {
		existing = h.store.Search(ctx, SearchOptions{
			QueryEmbedding:   embedding,
			UserID:           userID,
			MemoryType:       TypeFact,
			K:                3,
			Threshold:        0.5,
			SkipAccessUpdate: true,
		})
	}

	if len(existing) > 0 {
		mostSimilar := existing[0]
		switch h.checkConflict(ctx, fact.Content, mostSimilar.Content) {
		case "duplicate":
			log.Printf("[HIPPOCAMPUS] Duplicate memory skipped (len=%d)", len(fact.Content))
			return
		case "update":
			merged := h.mergeFacts(ctx, mostSimilar.Content, fact.Content)
			mergedEmbedding := h.embedOne(ctx, merged)
			importance := fact.Importance
			if mostSimilar.Importance > importance {
				importance = mostSimilar.Importance
			}
			ok := h.store.UpdateMemory(ctx, mostSimilar.ID, EntryUpdate{
				Content:    &merged,
				Importance: &importance,
				Embedding:  mergedEmbedding,
			})
			if ok {
				log.Printf("[HIPPOCAMPUS] Memory updated (merged): id=%s, len=%d", mostSimilar.ID, len(merged))
			} else {
				log.Printf("[HIPPOCAMPUS] Merge update failed for %s", mostSimilar.ID)
			}
			return
		}
	}

	entry := NewEntry(userID, fact.Content, TypeFact, fact.Importance)
	if err := h.store.AddMemory(ctx, entry, embedding); err != nil {
		log.Printf("[HIPPOCAMPUS] Could not store memory %s: %v", entry.ID, err)
		return
	}
	log.Printf("[HIPPOCAMPUS] New memory stored: id=%s, len=%d", entry.ID, len(fact.Content))
}

// checkConflict classifies new vs existing content. Unknown answers
// default to "new".
func (h *Hippocampus) checkConflict(ctx context.Context, newContent, existingContent string) string {
	resp, err := h.chat.Chat(ctx, []core.Message{{
		Role:    core.RoleUser,
		Content: fmt.Sprintf(checkConflictPrompt, existingContent, newContent),
	}})
	if err != nil {
		log.Printf("[HIPPOCAMPUS] Conflict check error: %v", err)
		return "new"
	}
	if resp != nil {
		answer := strings.ToLower(strings.Trim(strings.TrimSpace(resp.TextResponse), `"`))
		switch answer {
		case "duplicate", "update", "new":
			return answer
		}
	}
	return "new"
}

// mergeFacts asks the model to merge two contents, falling back to a
// plain join.
func (h *Hippocampus) mergeFacts(ctx context.Context, existing, incoming string) string {
	resp, err := h.chat.Chat(ctx, []core.Message{{
		Role:    core.RoleUser,
		Content: fmt.Sprintf(mergeFactsPrompt, existing, incoming),
	}})
	if err != nil {
		log.Printf("[HIPPOCAMPUS] Merge facts error: %v", err)
		return existing + "; " + incoming
	}
	if resp == nil || strings.TrimSpace(resp.TextResponse) == "" {
		return existing + "; " + incoming
	}
	return strings.TrimSpace(resp.TextResponse)
}

// generateReflection distils recent facts into 1-3 insights, skipping
// any insight that already has a close reflection stored.
func (h *Hippocampus) generateReflection(ctx context.Context, userID string, recentFacts []*Entry) {
	var b strings.Builder
	for i, f := range recentFacts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, f.Content)
	}

	resp, err := h.chat.Chat(ctx, []core.Message{{
		Role:    core.RoleUser,
		Content: fmt.Sprintf(reflectionPrompt, b.String()),
	}})
	if err != nil {
		log.Printf("[HIPPOCAMPUS] Reflection generation error: %v", err)
		return
	}
	if resp == nil {
		return
	}

	for _, line := range strings.Split(resp.TextResponse, "\n") {
		insight := strings.TrimSpace(line)
		if insight == "" {
			continue
		}

		embedding := h.embedOne(ctx, insight)
		if embedding != nil {
			existing := h.store.Search(ctx, SearchOptions{
				QueryEmbedding:   embedding,
				UserID:           userID,
				MemoryType:       TypeReflection,
				K:                1,
				Threshold:        0.3,
				SkipAccessUpdate: true,
			})
			if len(existing) > 0 {
				log.Printf("[HIPPOCAMPUS] Similar reflection already exists, skipped (len=%d)", len(insight))
				continue
			}
		}

		entry := NewEntry(userID, insight, TypeReflection, 7)
		if err := h.store.AddMemory(ctx, entry, embedding); err != nil {
			log.Printf("[HIPPOCAMPUS] Failed to store reflection %s: %v", entry.ID, err)
			continue
		}
		log.Printf("[HIPPOCAMPUS] Reflection stored: id=%s, len=%d", entry.ID, len(insight))
	}
}

// updateProfileFromFacts pins high-importance facts onto the profile.
func (h *Hippocampus) updateProfileFromFacts(userID string, facts []Fact) {
	if h.profiles == nil {
		return
	}
	for _, fact := range facts {
		if fact.Importance >= 7 && fact.Content != "" {
			h.profiles.AddFactTo(userID, fact.Content)
		}
	}
}

// chunksToText serializes chunks as alternating User:/Bot: lines.
func chunksToText(chunks [][]core.Message) string {
	var lines []string
	for _, chunk := range chunks {
		for _, msg := range chunk {
			switch msg.Role {
			case core.RoleUser:
				lines = append(lines, "User: "+msg.Content)
			case core.RoleAssistant:
				lines = append(lines, "Bot: "+msg.Content)
			}
		}
	}
	return strings.Join(lines, "\n")
}
