package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/engramlabs/engram-go/memory"
	"github.com/engramlabs/engram-go/memory/profile"
)

// coreMemoryOwner scopes core-text memories that carry no user id, so
// vector entries never violate the non-empty owner invariant.
const coreMemoryOwner = "core"

// MemoryTools keeps the textual core memory (core.txt) and the vector
// store in sync through a persistent line-index to vector-id mapping.
// One engine-wide lock serializes the text file and the mapping.
//
// The manager handle is optional and injected through a single setter;
// tools degrade gracefully while it is absent.
type MemoryTools struct {
	dataDir string

	mu      sync.Mutex // guards core.txt and core_vector_map.json
	manager *memory.Manager
}

// NewMemoryTools creates the tool set rooted at dataDir.
func NewMemoryTools(dataDir string) *MemoryTools {
	return &MemoryTools{dataDir: dataDir}
}

// SetManager injects the memory manager the tools operate through.
func (t *MemoryTools) SetManager(m *memory.Manager) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manager = m
}

func (t *MemoryTools) getManager() *memory.Manager {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.manager
}

// Mount registers every memory tool on the registry.
func (t *MemoryTools) Mount(r *Registry) error {
	for _, def := range t.Definitions() {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Unmount removes every memory tool from the registry.
func (t *MemoryTools) Unmount(r *Registry) {
	for _, def := range t.Definitions() {
		r.Unregister(def.Name)
	}
}

// Definitions returns the tool definitions with their executors.
func (t *MemoryTools) Definitions() []Definition {
	return []Definition{
		{
			Name:        "memory_add",
			Description: "Add a memory to core memory and long-term memory",
			Parameters: ObjectSchema(map[string]interface{}{
				"text":       StringProperty("The memory text to record"),
				"user_id":    StringProperty("Related user id (optional)"),
				"importance": NumberProperty("Importance score 1-10 (optional, default 5)"),
			}, "text"),
			Execute: t.MemoryAdd,
		},
		{
			Name:        "memory_update",
			Description: "Modify a specific core memory",
			Parameters: ObjectSchema(map[string]interface{}{
				"index": NumberProperty("The memory index to modify"),
				"text":  StringProperty("The new memory text"),
			}, "index", "text"),
			Execute: t.MemoryUpdate,
		},
		{
			Name:        "memory_remove",
			Description: "Delete a core memory",
			Parameters: ObjectSchema(map[string]interface{}{
				"index": NumberProperty("The memory index to delete"),
			}, "index"),
			Execute: t.MemoryRemove,
		},
		{
			Name:        "memory_search",
			Description: "Search long-term memory by semantic similarity",
			Parameters: ObjectSchema(map[string]interface{}{
				"query":   StringProperty("The search query text"),
				"user_id": StringProperty("User id to search within (optional)"),
				"k":       NumberProperty("Number of results (optional, default 5)"),
			}, "query"),
			Execute: t.MemorySearch,
		},
		{
			Name:        "profile_view",
			Description: "View a user's profile information",
			Parameters: ObjectSchema(map[string]interface{}{
				"user_id": StringProperty("The user id to view"),
			}, "user_id"),
			Execute: t.ProfileView,
		},
		{
			Name:        "profile_update",
			Description: "Update a user profile's traits or facts",
			Parameters: ObjectSchema(map[string]interface{}{
				"user_id": StringProperty("The user id"),
				"action": StringEnumProperty("Operation type",
					"add_trait", "remove_trait", "add_fact", "set_name", "set_relationship"),
				"value":  StringProperty("Operation value (trait, fact, name, relation)"),
				"target": StringProperty("Relationship target (required when action=set_relationship)"),
			}, "user_id", "action", "value"),
			Execute: t.ProfileUpdate,
		},
	}
}

// --- executors ---

// MemoryAdd appends a line to core.txt and stores a matching vector
// entry, reporting partial success explicitly.
func (t *MemoryTools) MemoryAdd(ctx context.Context, args map[string]interface{}) string {
	text, _ := args["text"].(string)
	if text == "" {
		return "text is required"
	}
	userID := stringArg(args, "user_id")
	importance := memory.ClampImportance(intArgDefault(args, "importance", 5))

	mgr := t.getManager()

	// Embedding happens outside the lock; it can be slow.
	var entry *memory.Entry
	var embedding []float32
	if mgr != nil {
		owner := userID
		if owner == "" {
			owner = coreMemoryOwner
		}
		entry = memory.NewEntry(owner, text, memory.TypeFact, importance)
		embedding = mgr.EmbedText(ctx, text)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureCoreFile(); err != nil {
		return fmt.Sprintf("Could not access core memory: %v", err)
	}
	raw, err := os.ReadFile(t.corePath())
	if err != nil {
		return fmt.Sprintf("Could not read core memory: %v", err)
	}
	content := string(raw)
	lineIndex := len(splitCoreLines(content))
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += text + "\n"
	if err := os.WriteFile(t.corePath(), []byte(content), 0o644); err != nil {
		return fmt.Sprintf("Could not write core memory: %v", err)
	}

	if entry == nil {
		log.Printf("[TOOLS] Memory manager not available, long-term memory not written")
		return "Core memory added; long-term memory not available"
	}
	if err := mgr.Store().AddMemory(ctx, entry, embedding); err != nil {
		log.Printf("[TOOLS] Could not store memory to vector DB (entry=%s): %v", entry.ID, err)
		return fmt.Sprintf("Core memory added, but vector store write failed: %v", err)
	}
	vmap := t.loadVectorMap()
	vmap[lineIndex] = entry.ID
	if err := t.saveVectorMap(vmap); err != nil {
		log.Printf("[TOOLS] Vector map persistence failed (entry=%s): %v", entry.ID, err)
		return fmt.Sprintf("Core memory added, but vector map save failed: %v", err)
	}
	return "Core memory added"
}

// MemoryUpdate rewrites one core line and syncs the matching vector
// entry's content and embedding.
func (t *MemoryTools) MemoryUpdate(ctx context.Context, args map[string]interface{}) string {
	index, ok := intArg(args, "index")
	if !ok {
		return "Index must be an integer"
	}
	text, _ := args["text"].(string)
	if text == "" {
		return "text is required"
	}

	mgr := t.getManager()
	var embedding []float32
	if mgr != nil {
		embedding = mgr.EmbedText(ctx, text)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureCoreFile(); err != nil {
		return fmt.Sprintf("Could not access core memory: %v", err)
	}
	lines, err := t.readCoreLines()
	if err != nil {
		return fmt.Sprintf("Could not read core memory: %v", err)
	}
	if index < 0 || index >= len(lines) {
		return "Index out of range"
	}
	oldText := strings.TrimSpace(lines[index])
	lines[index] = text
	if err := t.writeCoreLines(lines); err != nil {
		return fmt.Sprintf("Could not write core memory: %v", err)
	}

	if mgr == nil {
		return "Core memory updated"
	}

	var syncError string
	vectorID := t.resolveVectorID(ctx, mgr, index, oldText)
	if vectorID == "" {
		syncError = fmt.Sprintf("could not locate vector entry for core memory index %d", index)
		log.Printf("[TOOLS] %s", syncError)
	} else if !mgr.Store().UpdateMemory(ctx, vectorID, memory.EntryUpdate{Content: &text, Embedding: embedding}) {
		syncError = fmt.Sprintf("update refused for entry %s", vectorID)
		log.Printf("[TOOLS] %s", syncError)
	}

	if syncError != "" {
		return fmt.Sprintf("Core memory updated, but vector sync failed: %s", syncError)
	}
	return "Core memory updated"
}

// MemoryRemove deletes one core line, its vector entry, and shifts the
// line mapping so surviving indexes stay aligned.
func (t *MemoryTools) MemoryRemove(ctx context.Context, args map[string]interface{}) string {
	index, ok := intArg(args, "index")
	if !ok {
		return "Index must be an integer"
	}

	mgr := t.getManager()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureCoreFile(); err != nil {
		return fmt.Sprintf("Could not access core memory: %v", err)
	}
	lines, err := t.readCoreLines()
	if err != nil {
		return fmt.Sprintf("Could not read core memory: %v", err)
	}
	if index < 0 || index >= len(lines) {
		return "Index out of range"
	}
	removed := strings.TrimSpace(lines[index])
	lines = append(lines[:index], lines[index+1:]...)
	if err := t.writeCoreLines(lines); err != nil {
		return fmt.Sprintf("Could not write core memory: %v", err)
	}

	var syncError string
	vmap := t.loadVectorMap()
	if removed != "" && mgr != nil {
		vectorID := t.resolveVectorIDFromMap(ctx, mgr, vmap, index, removed)
		if vectorID != "" && !mgr.Store().DeleteMemory(ctx, vectorID) {
			syncError = fmt.Sprintf("delete failed for entry %s", vectorID)
			log.Printf("[TOOLS] %s", syncError)
		}
	}

	// The file already lost the line, so the mapping must shift down
	// regardless of how the vector sync went.
	shifted := make(map[int]string, len(vmap))
	for k, v := range vmap {
		switch {
		case k < index:
			shifted[k] = v
		case k > index:
			shifted[k-1] = v
		}
	}
	if err := t.saveVectorMap(shifted); err != nil {
		mapError := fmt.Sprintf("failed to update vector map after deletion: %v", err)
		log.Printf("[TOOLS] %s", mapError)
		if syncError != "" {
			syncError += "; " + mapError
		} else {
			syncError = mapError
		}
	}

	if syncError != "" {
		return fmt.Sprintf("Core memory removed: %s (vector sync failed: %s)", removed, syncError)
	}
	return fmt.Sprintf("Core memory removed: %s", removed)
}

// MemorySearch retrieves relevant long-term memories.
func (t *MemoryTools) MemorySearch(ctx context.Context, args map[string]interface{}) string {
	mgr := t.getManager()
	if mgr == nil {
		return "Memory system not available"
	}
	query, _ := args["query"].(string)
	if query == "" {
		return "query is required"
	}
	k := 5
	if _, present := args["k"]; present {
		n, ok := intArg(args, "k")
		if !ok || n <= 0 {
			return "Error: k must be a positive integer"
		}
		k = n
	}
	userID := stringArg(args, "user_id")

	memories := mgr.Recall(ctx, query, userID, k)
	if len(memories) == 0 {
		return "No relevant memories found"
	}
	return mgr.FormatRecalledMemories(memories)
}

// ProfileView formats a user's profile.
func (t *MemoryTools) ProfileView(ctx context.Context, args map[string]interface{}) string {
	mgr := t.getManager()
	if mgr == nil {
		return "Profile system not available"
	}
	userID, _ := args["user_id"].(string)
	if userID == "" {
		return "user_id is required"
	}
	return mgr.GetUserProfilePrompt(userID)
}

// ProfileUpdate applies one profile mutation.
func (t *MemoryTools) ProfileUpdate(ctx context.Context, args map[string]interface{}) string {
	mgr := t.getManager()
	if mgr == nil {
		return "Profile system not available"
	}
	userID, _ := args["user_id"].(string)
	if userID == "" {
		return "user_id is required"
	}
	action := strings.TrimSpace(stringArg(args, "action"))
	if action == "" {
		return "action is required"
	}
	value := stringArg(args, "value")
	target := stringArg(args, "target")

	store := mgr.Profiles()
	switch action {
	case "add_trait":
		store.AddTraitTo(userID, value)
		return fmt.Sprintf("Added trait %q to user %s", value, userID)
	case "remove_trait":
		store.RemoveTraitFrom(userID, value)
		return fmt.Sprintf("Removed trait %q from user %s", value, userID)
	case "add_fact":
		store.AddFactTo(userID, value)
		return fmt.Sprintf("Added fact for user %s", userID)
	case "set_name":
		store.Apply(userID, profile.SetName(value))
		return fmt.Sprintf("Set name %q for user %s", value, userID)
	case "set_relationship":
		if target == "" {
			return "target is required for set_relationship"
		}
		store.SetRelationshipOf(userID, target, value)
		return fmt.Sprintf("Set relationship %q with %q for user %s", value, target, userID)
	default:
		return fmt.Sprintf("Unknown action: %s", action)
	}
}

// --- vector id resolution ---

// resolveVectorID finds the vector entry for a core line, preferring
// the persistent mapping and falling back to content matching.
func (t *MemoryTools) resolveVectorID(ctx context.Context, mgr *memory.Manager, index int, oldText string) string {
	return t.resolveVectorIDFromMap(ctx, mgr, t.loadVectorMap(), index, oldText)
}

func (t *MemoryTools) resolveVectorIDFromMap(ctx context.Context, mgr *memory.Manager, vmap map[int]string, index int, text string) string {
	if id, ok := vmap[index]; ok {
		if candidate := mgr.Store().GetMemoryByID(ctx, id); candidate != nil {
			return candidate.ID
		}
		log.Printf("[TOOLS] Mapped vector id %s not found in store, falling back", id)
	}
	if text == "" {
		return ""
	}
	for offset := 0; ; offset += 1000 {
		page := mgr.Store().GetAllMemories(ctx, 1000, offset)
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			if e.MemoryType == memory.TypeFact && strings.TrimSpace(e.Content) == text {
				return e.ID
			}
		}
		if len(page) < 1000 {
			break
		}
	}
	return ""
}

// --- core.txt + mapping persistence (callers hold t.mu) ---

func (t *MemoryTools) corePath() string {
	return filepath.Join(t.dataDir, "core.txt")
}

func (t *MemoryTools) vectorMapPath() string {
	return filepath.Join(t.dataDir, "core_vector_map.json")
}

func (t *MemoryTools) ensureCoreFile() error {
	if err := os.MkdirAll(t.dataDir, 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(t.corePath()); os.IsNotExist(err) {
		return os.WriteFile(t.corePath(), nil, 0o644)
	}
	return nil
}

func (t *MemoryTools) readCoreLines() ([]string, error) {
	raw, err := os.ReadFile(t.corePath())
	if err != nil {
		return nil, err
	}
	return splitCoreLines(string(raw)), nil
}

func (t *MemoryTools) writeCoreLines(lines []string) error {
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	return os.WriteFile(t.corePath(), []byte(content), 0o644)
}

func splitCoreLines(content string) []string {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

// loadVectorMap reads the line-index to vector-id mapping. JSON object
// keys are strings and convert back to ints here.
func (t *MemoryTools) loadVectorMap() map[int]string {
	out := make(map[int]string)
	raw, err := os.ReadFile(t.vectorMapPath())
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[TOOLS] Failed to load vector map from %s: %v", t.vectorMapPath(), err)
		}
		return out
	}
	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Printf("[TOOLS] Failed to parse vector map: %v", err)
		return out
	}
	for k, v := range data {
		idx, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[idx] = v
	}
	return out
}

func (t *MemoryTools) saveVectorMap(vmap map[int]string) error {
	data := make(map[string]string, len(vmap))
	for k, v := range vmap {
		data[strconv.Itoa(k)] = v
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.vectorMapPath(), raw, 0o644)
}

// --- argument coercion ---

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg accepts JSON numbers, rejecting fractional values.
func intArg(args map[string]interface{}, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func intArgDefault(args map[string]interface{}, key string, def int) int {
	if _, present := args[key]; !present {
		return def
	}
	if n, ok := intArg(args, key); ok {
		return n
	}
	return def
}
