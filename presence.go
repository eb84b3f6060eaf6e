package chatterbox

import (
	"encoding/json"
	"sort"
	"sync"
)

type typingPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	RoomID         string `json:"roomId,omitempty"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
}

type presencePayload struct {
	UserID   string          `json:"userId"`
	Online   bool            `json:"online"`
	LastSeen json.RawMessage `json:"lastSeen,omitempty"`
}

// TypingChange is delivered to NotifyTypingChanged listeners.
type TypingChange struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// presenceBook is a last-write-wins map of pushed presence.
type presenceBook struct {
	mu      sync.RWMutex
	entries map[string]PresenceEntry
}

func newPresenceBook() *presenceBook {
	return &presenceBook{entries: make(map[string]PresenceEntry)}
}

func (p *presenceBook) apply(e PresenceEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[e.UserID] = e
}

func (p *presenceBook) get(userID string) (PresenceEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[userID]
	return e, ok
}

func (p *presenceBook) snapshot() map[string]PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]PresenceEntry, len(p.entries))
	for k, v := range p.entries {
		out[k] = v
	}
	return out
}

// typingSet tracks who is typing in one conversation. Entries have no
// local expiry; they clear on the peer's stop event, on a message from the
// typer, or on conversation switch.
type typingSet struct {
	mu             sync.RWMutex
	conversationID string
	users          map[string]struct{}
}

func newTypingSet() *typingSet {
	return &typingSet{users: make(map[string]struct{})}
}

func (t *typingSet) reset(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversationID = conversationID
	t.users = make(map[string]struct{})
}

// set returns true when membership changed.
func (t *typingSet) set(conversationID, userID string, typing bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conversationID != t.conversationID {
		return false
	}
	_, present := t.users[userID]
	if typing == present {
		return false
	}
	if typing {
		t.users[userID] = struct{}{}
	} else {
		delete(t.users, userID)
	}
	return true
}

func (t *typingSet) clear(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.users[userID]; !ok {
		return false
	}
	delete(t.users, userID)
	return true
}

func (t *typingSet) has(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.users[userID]
	return ok
}

func (t *typingSet) list() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.users))
	for u := range t.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
