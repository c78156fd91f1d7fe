package tools_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/engramlabs/engram-go/memory"
	"github.com/engramlabs/engram-go/memory/embedder/mock"
	chromemstore "github.com/engramlabs/engram-go/memory/store/chromem"
	"github.com/engramlabs/engram-go/tools"
)

func newToolSetup(t *testing.T) (*tools.MemoryTools, *memory.Manager, string) {
	t.Helper()
	dataDir := t.TempDir()
	embedder := mock.New(384)
	store, err := chromemstore.New(filepath.Join(dataDir, "vector_db"), chromemstore.ModeExternalOnly,
		chromemstore.WithEmbedFunc(embedder.Embed))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	manager, err := memory.NewManager(store, &memory.Config{DataDir: dataDir}, memory.WithEmbedding(embedder))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	memTools := tools.NewMemoryTools(dataDir)
	memTools.SetManager(manager)
	return memTools, manager, dataDir
}

func readVectorMap(t *testing.T, dataDir string) map[string]string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dataDir, "core_vector_map.json"))
	if err != nil {
		t.Fatalf("Failed to read vector map: %v", err)
	}
	var vmap map[string]string
	if err := json.Unmarshal(raw, &vmap); err != nil {
		t.Fatalf("Failed to parse vector map: %v", err)
	}
	return vmap
}

func readCoreLines(t *testing.T, dataDir string) []string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dataDir, "core.txt"))
	if err != nil {
		t.Fatalf("Failed to read core.txt: %v", err)
	}
	content := strings.TrimRight(string(raw), "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func TestMemoryAddWritesBothStores(t *testing.T) {
	ctx := context.Background()
	memTools, manager, dataDir := newToolSetup(t)

	result := memTools.MemoryAdd(ctx, map[string]interface{}{
		"text":       "Alice lives in Kyoto",
		"user_id":    "cli:alice",
		"importance": float64(7),
	})
	if result != "Core memory added" {
		t.Fatalf("Result = %q", result)
	}

	lines := readCoreLines(t, dataDir)
	if len(lines) != 1 || lines[0] != "Alice lives in Kyoto" {
		t.Errorf("Core lines = %v", lines)
	}

	vmap := readVectorMap(t, dataDir)
	id, ok := vmap["0"]
	if !ok {
		t.Fatalf("Vector map missing line 0: %v", vmap)
	}
	entry := manager.Store().GetMemoryByID(ctx, id)
	if entry == nil || entry.Content != "Alice lives in Kyoto" {
		t.Errorf("Vector entry = %+v", entry)
	}
	if entry.Importance != 7 || entry.MemoryType != memory.TypeFact {
		t.Errorf("Entry importance/type = %d/%s", entry.Importance, entry.MemoryType)
	}
}

func TestMemoryAddWithoutManager(t *testing.T) {
	memTools := tools.NewMemoryTools(t.TempDir())

	result := memTools.MemoryAdd(context.Background(), map[string]interface{}{"text": "orphan line"})
	if result != "Core memory added; long-term memory not available" {
		t.Errorf("Result = %q", result)
	}
}

func TestMemoryUpdateSyncsVector(t *testing.T) {
	ctx := context.Background()
	memTools, manager, dataDir := newToolSetup(t)

	memTools.MemoryAdd(ctx, map[string]interface{}{"text": "old wording"})
	vmap := readVectorMap(t, dataDir)
	id := vmap["0"]

	result := memTools.MemoryUpdate(ctx, map[string]interface{}{
		"index": float64(0),
		"text":  "new wording",
	})
	if result != "Core memory updated" {
		t.Fatalf("Result = %q", result)
	}

	lines := readCoreLines(t, dataDir)
	if len(lines) != 1 || lines[0] != "new wording" {
		t.Errorf("Core lines = %v", lines)
	}
	entry := manager.Store().GetMemoryByID(ctx, id)
	if entry == nil || entry.Content != "new wording" {
		t.Errorf("Vector entry = %+v", entry)
	}
}

func TestMemoryUpdateValidation(t *testing.T) {
	ctx := context.Background()
	memTools, _, _ := newToolSetup(t)

	if got := memTools.MemoryUpdate(ctx, map[string]interface{}{"index": 1.5, "text": "x"}); got != "Index must be an integer" {
		t.Errorf("Fractional index result = %q", got)
	}
	if got := memTools.MemoryUpdate(ctx, map[string]interface{}{"index": float64(3), "text": "x"}); got != "Index out of range" {
		t.Errorf("Out-of-range result = %q", got)
	}
}

func TestMemoryRemoveShiftsMap(t *testing.T) {
	ctx := context.Background()
	memTools, manager, dataDir := newToolSetup(t)

	for _, text := range []string{"a", "b", "c"} {
		if got := memTools.MemoryAdd(ctx, map[string]interface{}{"text": text}); got != "Core memory added" {
			t.Fatalf("Add %q = %q", text, got)
		}
	}
	before := readVectorMap(t, dataDir)
	va, vb, vc := before["0"], before["1"], before["2"]
	if va == "" || vb == "" || vc == "" {
		t.Fatalf("Incomplete map before removal: %v", before)
	}

	result := memTools.MemoryRemove(ctx, map[string]interface{}{"index": float64(1)})
	if !strings.HasPrefix(result, "Core memory removed: b") {
		t.Fatalf("Result = %q", result)
	}

	// Surviving lines shift down and stay mapped to live vectors whose
	// content matches the line.
	lines := readCoreLines(t, dataDir)
	if len(lines) != 2 || lines[0] != "a" || lines[1] != "c" {
		t.Fatalf("Core lines = %v", lines)
	}
	after := readVectorMap(t, dataDir)
	if len(after) != 2 || after["0"] != va || after["1"] != vc {
		t.Fatalf("Map after removal = %v, want {0:%s, 1:%s}", after, va, vc)
	}
	if manager.Store().GetMemoryByID(ctx, vb) != nil {
		t.Error("Removed line's vector entry still exists")
	}
	for idx, line := range lines {
		entry := manager.Store().GetMemoryByID(ctx, after[[2]string{"0", "1"}[idx]])
		if entry == nil || strings.TrimSpace(entry.Content) != line {
			t.Errorf("Line %d maps to %+v, want content %q", idx, entry, line)
		}
	}
}

func TestMemoryRemoveValidation(t *testing.T) {
	ctx := context.Background()
	memTools, _, _ := newToolSetup(t)

	if got := memTools.MemoryRemove(ctx, map[string]interface{}{"index": "first"}); got != "Index must be an integer" {
		t.Errorf("Bad index result = %q", got)
	}
	if got := memTools.MemoryRemove(ctx, map[string]interface{}{"index": float64(0)}); got != "Index out of range" {
		t.Errorf("Empty-file result = %q", got)
	}
}

func TestMemorySearch(t *testing.T) {
	ctx := context.Background()
	memTools, _, _ := newToolSetup(t)

	if got := memTools.MemorySearch(ctx, map[string]interface{}{"query": "anything"}); got != "No relevant memories found" {
		t.Errorf("Empty search = %q", got)
	}

	memTools.MemoryAdd(ctx, map[string]interface{}{"text": "Alice lives in Kyoto", "user_id": "cli:alice"})
	got := memTools.MemorySearch(ctx, map[string]interface{}{
		"query":   "Alice lives in Kyoto",
		"user_id": "cli:alice",
		"k":       float64(3),
	})
	if !strings.Contains(got, "[fact] Alice lives in Kyoto") {
		t.Errorf("Search = %q", got)
	}

	if got := memTools.MemorySearch(ctx, map[string]interface{}{"query": "x", "k": float64(0)}); got != "Error: k must be a positive integer" {
		t.Errorf("k=0 result = %q", got)
	}
	if got := memTools.MemorySearch(ctx, map[string]interface{}{"query": "x", "k": "lots"}); got != "Error: k must be a positive integer" {
		t.Errorf("bad k result = %q", got)
	}
}

func TestProfileTools(t *testing.T) {
	ctx := context.Background()
	memTools, manager, _ := newToolSetup(t)

	if got := memTools.ProfileUpdate(ctx, map[string]interface{}{
		"user_id": "cli:alice", "action": "add_trait", "value": "curious",
	}); !strings.Contains(got, "Added trait") {
		t.Errorf("add_trait = %q", got)
	}
	memTools.ProfileUpdate(ctx, map[string]interface{}{
		"user_id": "cli:alice", "action": "set_name", "value": "Alice",
	})
	memTools.ProfileUpdate(ctx, map[string]interface{}{
		"user_id": "cli:alice", "action": "set_relationship", "value": "brother", "target": "Bob",
	})

	p := manager.GetUserProfile("cli:alice")
	if p.Name != "Alice" || len(p.Traits) != 1 || p.Relationships["Bob"] != "brother" {
		t.Errorf("Profile = %+v", p)
	}

	view := memTools.ProfileView(ctx, map[string]interface{}{"user_id": "cli:alice"})
	if !strings.Contains(view, "Name: Alice") {
		t.Errorf("View = %q", view)
	}

	if got := memTools.ProfileUpdate(ctx, map[string]interface{}{
		"user_id": "cli:alice", "action": "set_relationship", "value": "friend",
	}); got != "target is required for set_relationship" {
		t.Errorf("Missing target = %q", got)
	}
	if got := memTools.ProfileUpdate(ctx, map[string]interface{}{
		"user_id": "cli:alice", "action": "explode", "value": "x",
	}); got != "Unknown action: explode" {
		t.Errorf("Unknown action = %q", got)
	}
}

func TestMountAndUnmount(t *testing.T) {
	memTools, _, _ := newToolSetup(t)
	registry := tools.NewRegistry()

	if err := memTools.Mount(registry); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	for _, name := range []string{"memory_add", "memory_update", "memory_remove", "memory_search", "profile_view", "profile_update"} {
		if _, ok := registry.Get(name); !ok {
			t.Errorf("Tool %s not registered", name)
		}
	}
	if err := memTools.Mount(registry); err == nil {
		t.Error("Double mount did not fail on duplicate names")
	}

	memTools.Unmount(registry)
	if got := len(registry.List()); got != 0 {
		t.Errorf("Tools after unmount = %d", got)
	}
}
