package memory

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/engramlabs/engram-go/core"
)

// Session identifies one conversation: adapter, type (pm or gm) and id,
// plus the stored title and description.
type Session struct {
	Adapter     string
	Type        string
	ID          string
	Title       string
	Description string
}

// Key returns the canonical adapter:type:id form.
func (s Session) Key() string {
	return s.Adapter + ":" + s.Type + ":" + s.ID
}

// SessionUserID derives the memory-owner scope from a session key.
// Private chats map to adapter:id, group chats to adapter:group:id so a
// group id can never collide with a personal one.
func SessionUserID(session string) (string, error) {
	parts := strings.SplitN(session, ":", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid session id %q", session)
	}
	if parts[1] == "gm" {
		return parts[0] + ":group:" + parts[2], nil
	}
	return parts[0] + ":" + parts[2], nil
}

// sessionDoc is the on-disk envelope for one session.
type sessionDoc struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Memory      [][]core.Message `json:"memory"`
}

// SessionStore is the per-session sliding window of message chunks,
// persisted as a single document. One I/O lock guards mutations; every
// mutation saves the full document.
type SessionStore struct {
	path   string
	maxLen int

	mu       sync.Mutex
	sessions map[string]*sessionDoc
}

// NewSessionStore loads (or initializes) the chat-memory document at
// path. maxLen bounds the chunk count per session.
func NewSessionStore(path string, maxLen int) (*SessionStore, error) {
	if maxLen <= 0 {
		maxLen = 20
	}
	s := &SessionStore{
		path:     path,
		maxLen:   maxLen,
		sessions: make(map[string]*sessionDoc),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads the document, upgrading legacy sessions stored as a bare
// chunk list into the titled envelope in place.
func (s *SessionStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			if dir := filepath.Dir(s.path); dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create memory dir: %w", err)
				}
			}
			return nil
		}
		return fmt.Errorf("read chat memory: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Printf("[MEMORY] Error loading chat memory from %s: %v", s.path, err)
		return nil
	}
	upgraded := false
	for key, blob := range raw {
		var doc sessionDoc
		if err := json.Unmarshal(blob, &doc); err == nil {
			s.sessions[key] = &doc
			continue
		}
		var legacy [][]core.Message
		if err := json.Unmarshal(blob, &legacy); err == nil {
			s.sessions[key] = &sessionDoc{Memory: legacy}
			upgraded = true
			continue
		}
		log.Printf("[MEMORY] Skipping malformed session %q", key)
	}
	if upgraded {
		s.saveLocked()
	}
	return nil
}

// saveLocked writes the whole document. Callers hold mu (or run before
// the store is shared).
func (s *SessionStore) saveLocked() {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		log.Printf("[MEMORY] Marshal chat memory failed: %v", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		log.Printf("[MEMORY] Error saving chat memory to %s: %v", s.path, err)
	}
}

// ensureLocked creates an empty session lazily. Callers hold mu.
func (s *SessionStore) ensureLocked(session string) *sessionDoc {
	doc, ok := s.sessions[session]
	if !ok {
		doc = &sessionDoc{Memory: [][]core.Message{}}
		s.sessions[session] = doc
	}
	return doc
}

// GetSessionInfo parses the session key and returns its info, creating
// the session lazily. A malformed key is a validation error.
func (s *SessionStore) GetSessionInfo(session string) (Session, error) {
	parts := strings.SplitN(session, ":", 3)
	if len(parts) != 3 {
		return Session{}, fmt.Errorf("invalid session id %q", session)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.ensureLocked(session)
	return Session{
		Adapter:     parts[0],
		Type:        parts[1],
		ID:          parts[2],
		Title:       doc.Title,
		Description: doc.Description,
	}, nil
}

// UpdateSessionInfo sets the non-empty fields of a session's info.
func (s *SessionStore) UpdateSessionInfo(session, title, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.ensureLocked(session)
	if title != "" {
		doc.Title = title
	}
	if description != "" {
		doc.Description = description
	}
	s.saveLocked()
}

// MemoryCount returns the chunk count without creating the session.
func (s *SessionStore) MemoryCount(session string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.sessions[session]; ok {
		return len(doc.Memory)
	}
	return 0
}

// FetchMemory returns the session's messages flattened across chunks.
func (s *SessionStore) FetchMemory(session string) []core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.ensureLocked(session)
	var messages []core.Message
	for _, chunk := range doc.Memory {
		messages = append(messages, chunk...)
	}
	return messages
}

// ReadMemory returns the session's chunks.
func (s *SessionStore) ReadMemory(session string) [][]core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.ensureLocked(session)
	out := make([][]core.Message, len(doc.Memory))
	for i, chunk := range doc.Memory {
		out[i] = append([]core.Message(nil), chunk...)
	}
	return out
}

// WriteMemory replaces the session's chunk list wholesale.
func (s *SessionStore) WriteMemory(session string, chunks [][]core.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.ensureLocked(session)
	doc.Memory = chunks
	s.saveLocked()
	log.Printf("[MEMORY] Memory written for %s", session)
}

// AppendChunk appends a chunk, evicting the oldest when the window
// exceeds its bound. The newest chunk is always last.
func (s *SessionStore) AppendChunk(session string, chunk []core.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.ensureLocked(session)
	doc.Memory = append(doc.Memory, chunk)
	if len(doc.Memory) > s.maxLen {
		doc.Memory = doc.Memory[1:]
	}
	s.saveLocked()
	log.Printf("[MEMORY] Memory updated for %s", session)
}

// DeleteSession drops a session and persists.
func (s *SessionStore) DeleteSession(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session)
	s.saveLocked()
	log.Printf("[MEMORY] Memory deleted for %s", session)
}
