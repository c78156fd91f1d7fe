package memory

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/engramlabs/engram-go/core"
)

const summarizePrompt = `Merge the following facts about the user into 1-2 concise summary lines:

%s

Output only the summaries, one per line, nothing else.`

// forgetPageSize is the pagination window for full-store scans.
const forgetPageSize = 1000

// Forgetter is the periodic retention pass: it scores every entry,
// deletes the worthless, downgrades low-value facts, and rolls groups
// of old surviving facts into summaries.
type Forgetter struct {
	store    Store
	chat     core.ChatCapability
	embedder core.EmbeddingCapability
}

// NewForgetter wires the retention pass. chat may be nil, in which case
// summarization is skipped.
func NewForgetter(store Store, chat core.ChatCapability, embedder core.EmbeddingCapability) *Forgetter {
	return &Forgetter{store: store, chat: chat, embedder: embedder}
}

// RunCycle scans the whole store once. Entries scoring below 0.2 are
// deleted; facts below 0.4 lose one importance point (floor 1). The
// survivors then go through summarization.
func (f *Forgetter) RunCycle(ctx context.Context) {
	now := Now()
	removed := 0
	removedIDs := make(map[string]bool)

	var all []*Entry
	for offset := 0; ; offset += forgetPageSize {
		page := f.store.GetAllMemories(ctx, forgetPageSize, offset)
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		if len(page) < forgetPageSize {
			break
		}
	}

	for _, mem := range all {
		score := RetentionScore(mem, now)
		switch {
		case score < 0.2:
			if f.store.DeleteMemory(ctx, mem.ID) {
				removed++
				removedIDs[mem.ID] = true
			} else {
				log.Printf("[FORGETTER] Failed to delete memory %s during forgetting cycle", mem.ID)
			}
		case score < 0.4 && mem.MemoryType == TypeFact:
			downgraded := mem.Importance - 1
			if downgraded < 1 {
				downgraded = 1
			}
			if !f.store.UpdateMemory(ctx, mem.ID, EntryUpdate{Importance: &downgraded}) {
				log.Printf("[FORGETTER] Failed to downgrade memory %s during forgetting cycle", mem.ID)
			}
		}
	}

	if removed > 0 {
		log.Printf("[FORGETTER] Forgetting cycle: removed %d memories", removed)
	}

	surviving := all[:0]
	for _, mem := range all {
		if !removedIDs[mem.ID] {
			surviving = append(surviving, mem)
		}
	}
	f.summarizeOldMemories(ctx, surviving, now)
}

// RetentionScore combines importance, access recency, creation recency,
// an access-frequency bonus and a reflection type bonus into [0, 1].
func RetentionScore(mem *Entry, now float64) float64 {
	daysSinceCreation := 30.0
	if mem.Timestamp != 0 {
		daysSinceCreation = (now - mem.Timestamp) / 86400
	}
	daysSinceAccess := 30.0
	if mem.LastAccessed != 0 {
		daysSinceAccess = (now - mem.LastAccessed) / 86400
	}

	importanceScore := float64(mem.Importance) / 10.0
	accessDecay := math.Pow(0.5, daysSinceAccess/30.0)
	creationDecay := math.Pow(0.5, daysSinceCreation/90.0)
	accessBonus := math.Min(float64(mem.AccessCount)*0.05, 0.3)
	typeBonus := 0.0
	if mem.MemoryType == TypeReflection {
		typeBonus = 0.2
	}

	score := importanceScore*0.35 + accessDecay*0.25 + creationDecay*0.1 + accessBonus + typeBonus
	return math.Min(score, 1.0)
}

// summarizeOldMemories groups surviving facts by user and, for groups
// of at least five facts older than 30 days, replaces them with 1-2
// summary entries. The old facts are deleted only after at least one
// summary stored successfully; partial failures leave originals intact.
func (f *Forgetter) summarizeOldMemories(ctx context.Context, all []*Entry, now float64) {
	if f.chat == nil {
		return
	}

	oldFactsByUser := make(map[string][]*Entry)
	for _, mem := range all {
		if mem.MemoryType != TypeFact {
			continue
		}
		daysOld := 0.0
		if mem.Timestamp != 0 {
			daysOld = (now - mem.Timestamp) / 86400
		}
		if daysOld > 30 {
			oldFactsByUser[mem.UserID] = append(oldFactsByUser[mem.UserID], mem)
		}
	}

	for userID, oldFacts := range oldFactsByUser {
		if len(oldFacts) < 5 {
			continue
		}

		var b strings.Builder
		for _, fact := range oldFacts {
			fmt.Fprintf(&b, "- %s\n", fact.Content)
		}
		resp, err := f.chat.Chat(ctx, []core.Message{{
			Role:    core.RoleUser,
			Content: fmt.Sprintf(summarizePrompt, b.String()),
		}})
		if err != nil {
			log.Printf("[FORGETTER] Summarization error: %v", err)
			continue
		}
		if resp == nil || strings.TrimSpace(resp.TextResponse) == "" {
			continue
		}

		added := 0
		for _, line := range strings.Split(resp.TextResponse, "\n") {
			summary := strings.TrimSpace(line)
			if summary == "" {
				continue
			}
			entry := NewEntry(userID, summary, TypeSummary, 6)
			var embedding []float32
			if f.embedder != nil {
				if vecs, err := f.embedder.Embed(ctx, []string{summary}); err == nil && len(vecs) > 0 && len(vecs[0]) > 0 {
					embedding = vecs[0]
				}
			}
			if err := f.store.AddMemory(ctx, entry, embedding); err != nil {
				log.Printf("[FORGETTER] Failed to store summary %s: %v", entry.ID, err)
				continue
			}
			added++
		}

		if added > 0 {
			deleted := 0
			var failed []string
			for _, fact := range oldFacts {
				if f.store.DeleteMemory(ctx, fact.ID) {
					deleted++
				} else {
					failed = append(failed, fact.ID)
				}
			}
			if len(failed) > 0 {
				log.Printf("[FORGETTER] Failed to delete %d old facts during summarization for user %s: %v", len(failed), userID, failed)
			}
			log.Printf("[FORGETTER] Summarized %d old facts into %d summaries for user %s (deleted %d/%d)",
				len(oldFacts), added, userID, deleted, len(oldFacts))
		} else {
			log.Printf("[FORGETTER] No summaries stored successfully, keeping %d old facts for user %s", len(oldFacts), userID)
		}
	}
}
