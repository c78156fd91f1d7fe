package memory_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/memory"
	"github.com/engramlabs/engram-go/memory/embedder/mock"
	chromemstore "github.com/engramlabs/engram-go/memory/store/chromem"
)

// stubChat scripts the model side of the slow loop, dispatching on
// prompt content the way the pipeline phrases its requests.
type stubChat struct {
	mu sync.Mutex

	factsJSON        string
	conflictAnswer   string
	mergeAnswer      string
	reflectionAnswer string
	summaryAnswer    string

	extractCalls    int
	conflictCalls   int
	reflectionCalls int
	summaryCalls    int
}

func (s *stubChat) Chat(ctx context.Context, messages []core.Message) (*core.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompt := messages[len(messages)-1].Content
	var text string
	switch {
	case strings.Contains(prompt, "extract key facts"):
		s.extractCalls++
		text = s.factsJSON
	case strings.Contains(prompt, "classify their relationship"):
		s.conflictCalls++
		text = s.conflictAnswer
	case strings.Contains(prompt, "Merge the following two pieces"):
		text = s.mergeAnswer
	case strings.Contains(prompt, "higher-level insights"):
		s.reflectionCalls++
		text = s.reflectionAnswer
	case strings.Contains(prompt, "summary lines"):
		s.summaryCalls++
		text = s.summaryAnswer
	}
	return &core.ChatResponse{TextResponse: text}, nil
}

func (s *stubChat) counts() (extract, conflict, reflection int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extractCalls, s.conflictCalls, s.reflectionCalls
}

// inlineScheduler runs spawned tasks synchronously, recording batches.
type inlineScheduler struct {
	mu     sync.Mutex
	spawns int
}

func (s *inlineScheduler) Spawn(name string, fn func(ctx context.Context) error) *memory.TaskHandle {
	s.mu.Lock()
	s.spawns++
	s.mu.Unlock()
	_ = fn(context.Background())
	return &memory.TaskHandle{}
}

func (s *inlineScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

func newVectorStore(t *testing.T) *chromemstore.Store {
	t.Helper()
	store, err := chromemstore.New(t.TempDir(), chromemstore.ModeExternalOnly)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedFact(t *testing.T, store memory.Store, embedder *mock.Embedder, userID, content string, importance int) *memory.Entry {
	t.Helper()
	ctx := context.Background()
	entry := memory.NewEntry(userID, content, memory.TypeFact, importance)
	vecs, err := embedder.Embed(ctx, []string{content})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AddMemory(ctx, entry, vecs[0]); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	return entry
}

func TestParseFacts(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want int
	}{
		{"plain", `[{"subject":"user","content":"likes tea","importance":6}]`, 1},
		{"fenced", "```json\n[{\"subject\":\"user\",\"content\":\"likes tea\",\"importance\":6}]\n```", 1},
		{"prose around", `Here you go: [{"content":"likes tea"}] hope that helps`, 1},
		{"trailing comma", `[{"content":"likes tea",},]`, 1},
		{"single quotes", `[{'content': 'likes tea', 'importance': 7}]`, 1},
		{"missing content dropped", `[{"subject":"user"},{"content":"kept"}]`, 1},
		{"empty array", `[]`, 0},
		{"no array", `nothing to record`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := memory.ParseFacts(tc.in)
			if len(got) != tc.want {
				t.Errorf("ParseFacts(%q) = %v, want %d facts", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseFactsImportanceCoercion(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{`[{"content":"a","importance":7}]`, 7},
		{`[{"content":"a","importance":7.6}]`, 7},
		{`[{"content":"a","importance":"8"}]`, 8},
		{`[{"content":"a","importance":"loads"}]`, 5},
		{`[{"content":"a"}]`, 5},
		{`[{"content":"a","importance":0}]`, 1},
		{`[{"content":"a","importance":99}]`, 10},
	}
	for _, tc := range cases {
		got := memory.ParseFacts(tc.in)
		if len(got) != 1 || got[0].Importance != tc.want {
			t.Errorf("ParseFacts(%q) importance = %v, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFactSurvivesDedup(t *testing.T) {
	ctx := context.Background()
	store := newVectorStore(t)
	embedder := mock.New(384)

	seeded := seedFact(t, store, embedder, "cli:alice", "User lives in Kyoto", 6)

	chat := &stubChat{
		factsJSON:      `[{"subject":"user","content":"User lives in Kyoto","importance":7}]`,
		conflictAnswer: "duplicate",
	}
	hippo := memory.NewHippocampus(store, nil, chat, embedder, nil, 3)

	err := hippo.Process(ctx, "cli:pm:alice", [][]core.Message{
		{{Role: core.RoleUser, Content: "Btw, I live in Kyoto."}},
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if store.Count() != 1 {
		t.Fatalf("Count = %d, want exactly one Kyoto fact", store.Count())
	}
	got := store.GetMemoryByID(ctx, seeded.ID)
	if got.Importance != 6 {
		t.Errorf("Importance = %d, want unchanged 6", got.Importance)
	}
}

func TestFactMerges(t *testing.T) {
	ctx := context.Background()
	store := newVectorStore(t)
	embedder := mock.New(384)

	seeded := seedFact(t, store, embedder, "cli:alice", "User lives in Kyoto", 6)

	chat := &stubChat{
		factsJSON:      `[{"subject":"user","content":"User lives in Kyoto","importance":7}]`,
		conflictAnswer: "update",
		mergeAnswer:    "User lives in central Kyoto",
	}
	hippo := memory.NewHippocampus(store, nil, chat, embedder, nil, 3)

	if err := hippo.Process(ctx, "cli:pm:alice", [][]core.Message{
		{{Role: core.RoleUser, Content: "Btw, I live in central Kyoto."}},
	}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if store.Count() != 1 {
		t.Fatalf("Count = %d, want 1", store.Count())
	}
	got := store.GetMemoryByID(ctx, seeded.ID)
	if got == nil {
		t.Fatal("Original id lost after merge")
	}
	if got.Content != "User lives in central Kyoto" {
		t.Errorf("Content = %q", got.Content)
	}
	if got.Importance != 7 {
		t.Errorf("Importance = %d, want max(6,7)=7", got.Importance)
	}

	// The merged entry answers for the merged text's embedding, so the
	// vector was regenerated alongside the content.
	vecs, _ := embedder.Embed(ctx, []string{"User lives in central Kyoto"})
	results := store.Search(ctx, memory.SearchOptions{
		QueryEmbedding:   vecs[0],
		K:                1,
		Threshold:        0.1,
		SkipAccessUpdate: true,
	})
	if len(results) != 1 || results[0].ID != seeded.ID {
		t.Errorf("Merged embedding not live: %v", results)
	}
}

func TestReflectionGatedByCount(t *testing.T) {
	ctx := context.Background()
	store := newVectorStore(t)
	embedder := mock.New(384)

	for _, content := range []string{
		"User lives in Kyoto",
		"User is a marine biologist",
		"User studies octopus cognition",
		"User speaks Portuguese",
	} {
		seedFact(t, store, embedder, "cli:alice", content, 5)
	}

	chat := &stubChat{
		factsJSON:        `[{"subject":"user","content":"User plays the cello","importance":5}]`,
		reflectionAnswer: "User leads a curious, science-driven life",
	}
	hippo := memory.NewHippocampus(store, nil, chat, embedder, nil, 3)

	if err := hippo.Process(ctx, "cli:pm:alice", [][]core.Message{
		{{Role: core.RoleUser, Content: "I play the cello."}},
	}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	_, _, reflections := chat.counts()
	if reflections != 1 {
		t.Errorf("Reflection calls = %d, want exactly 1 once the fact count reaches 5", reflections)
	}

	stored := store.GetByUser(ctx, "cli:alice", memory.TypeReflection, 10)
	if len(stored) != 1 {
		t.Fatalf("Reflections stored = %d, want 1", len(stored))
	}
	if stored[0].Importance != 7 {
		t.Errorf("Reflection importance = %d, want 7", stored[0].Importance)
	}
}

func TestReflectionNotThrashed(t *testing.T) {
	ctx := context.Background()
	store := newVectorStore(t)
	embedder := mock.New(384)

	for _, content := range []string{"a", "b", "c", "d", "e"} {
		seedFact(t, store, embedder, "cli:alice", "fact "+content, 5)
	}
	// The same insight is already stored; a re-run must skip it.
	insight := "User leads a curious life"
	vecs, _ := embedder.Embed(ctx, []string{insight})
	existing := memory.NewEntry("cli:alice", insight, memory.TypeReflection, 7)
	if err := store.AddMemory(ctx, existing, vecs[0]); err != nil {
		t.Fatal(err)
	}

	chat := &stubChat{
		factsJSON:        `[{"content":"User hums while working","importance":4}]`,
		reflectionAnswer: insight,
	}
	hippo := memory.NewHippocampus(store, nil, chat, embedder, nil, 3)
	if err := hippo.Process(ctx, "cli:pm:alice", [][]core.Message{
		{{Role: core.RoleUser, Content: "hmm hmm"}},
	}); err != nil {
		t.Fatal(err)
	}

	reflections := store.GetByUser(ctx, "cli:alice", memory.TypeReflection, 10)
	if len(reflections) != 1 {
		t.Errorf("Reflections = %d, want the existing one only", len(reflections))
	}
}

func TestHighImportanceFactsReachProfile(t *testing.T) {
	ctx := context.Background()
	store := newVectorStore(t)
	embedder := mock.New(384)

	sink := &factSink{}
	chat := &stubChat{
		factsJSON: `[{"content":"User is allergic to peanuts","importance":9},{"content":"User had coffee","importance":2}]`,
	}
	hippo := memory.NewHippocampus(store, sink, chat, embedder, nil, 3)

	if err := hippo.Process(ctx, "cli:pm:alice", [][]core.Message{
		{{Role: core.RoleUser, Content: "never give me peanuts; just had coffee"}},
	}); err != nil {
		t.Fatal(err)
	}

	if len(sink.facts) != 1 || sink.facts[0] != "User is allergic to peanuts" {
		t.Errorf("Profile facts = %v, want only the importance>=7 one", sink.facts)
	}
}

type factSink struct {
	mu    sync.Mutex
	facts []string
}

func (f *factSink) AddFactTo(userID, fact string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts = append(f.facts, fact)
}

func TestObserveDrainsAtThreshold(t *testing.T) {
	store := newVectorStore(t)
	embedder := mock.New(384)
	chat := &stubChat{factsJSON: `[]`}
	sched := &inlineScheduler{}
	hippo := memory.NewHippocampus(store, nil, chat, embedder, sched, 3)

	session := "cli:pm:alice"
	for i := 0; i < 7; i++ {
		hippo.Observe(session, []core.Message{{Role: core.RoleUser, Content: "turn"}})
	}

	// 7 observed = 2 drained batches of 3 + 1 still buffered: nothing
	// lost, nothing duplicated.
	if got := sched.count(); got != 2 {
		t.Errorf("Spawned batches = %d, want 2", got)
	}
	if got := hippo.PendingCount(session); got != 1 {
		t.Errorf("Pending chunks = %d, want 1", got)
	}
	extracts, _, _ := chat.counts()
	if extracts != 2 {
		t.Errorf("Extraction calls = %d, want 2", extracts)
	}
}

func TestObserveWithoutSchedulerKeepsChunks(t *testing.T) {
	store := newVectorStore(t)
	embedder := mock.New(384)
	hippo := memory.NewHippocampus(store, nil, &stubChat{factsJSON: `[]`}, embedder, nil, 3)

	session := "cli:pm:alice"
	for i := 0; i < 3; i++ {
		hippo.Observe(session, []core.Message{{Role: core.RoleUser, Content: "turn"}})
	}

	// The drained batch went back to the front of the buffer.
	if got := hippo.PendingCount(session); got != 3 {
		t.Errorf("Pending chunks = %d, want 3 (batch restored)", got)
	}
}
