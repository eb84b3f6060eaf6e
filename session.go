package chatterbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// HistoryFetcher loads a page of messages older than before ("" for the
// newest page). *MessagesClient implements it.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID, before string) (*HistoryPage, error)
}

// ConversationLister loads the conversation list. *ConversationsClient
// implements it.
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
}

type joinPayload struct {
	RoomID string `json:"roomId"`
}

type initiateChatPayload struct {
	UserID       string `json:"userId"`
	ContactID    string `json:"contactId"`
	Room         string `json:"room"`
	ContactEmail string `json:"contactEmail,omitempty"`
}

type initiateChatAck struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversationId"`
}

type createGroupPayload struct {
	Participants []string `json:"participants"`
	Title        string   `json:"title"`
	Creator      string   `json:"creator"`
}

type createGroupAck struct {
	Status       string          `json:"status"`
	Conversation json.RawMessage `json:"conversation"`
	Error        json.RawMessage `json:"error,omitempty"`
}

// ackOK reports whether an ack status denotes success.
func ackOK(status string) bool {
	switch strings.ToLower(status) {
	case "ok", "success":
		return true
	}
	return false
}

// DirectConversationID derives the id both participants of a direct
// conversation compute independently: the sorted pair joined by "_".
func DirectConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// Session holds the active conversation, the conversation list, and the
// presence and typing state. All access goes through its methods.
type Session struct {
	transport Transport
	ledger    *Ledger
	history   HistoryFetcher
	lister    ConversationLister
	self      User
	logger    logrus.FieldLogger
	notify    *notifier

	mu            sync.RWMutex
	activeID      string
	epoch         uint64
	conversations map[string]*Conversation
	switchHooks   []func(conversationID string)

	presence *presenceBook
	typing   *typingSet
}

func newSession(transport Transport, ledger *Ledger, self User, history HistoryFetcher, lister ConversationLister, logger logrus.FieldLogger, n *notifier) *Session {
	return &Session{
		transport:     transport,
		ledger:        ledger,
		history:       history,
		lister:        lister,
		self:          self,
		logger:        componentLogger(logger, "session"),
		notify:        n,
		conversations: make(map[string]*Conversation),
		presence:      newPresenceBook(),
		typing:        newTypingSet(),
	}
}

func (s *Session) subscribe() []func() {
	return []func(){
		s.transport.Subscribe(EventTypingReceived, s.handleTyping),
		s.transport.Subscribe(EventPresenceUpdate, s.handlePresence),
	}
}

// Self returns the local user.
func (s *Session) Self() User {
	return s.self
}

// ActiveConversationID returns the active conversation, or "".
func (s *Session) ActiveConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// current returns the active conversation and its switch epoch. Async
// completions compare against it to detect staleness.
func (s *Session) current() (string, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID, s.epoch
}

func (s *Session) isCurrent(conversationID string, epoch uint64) bool {
	id, e := s.current()
	return id == conversationID && e == epoch
}

func (s *Session) onSwitch(hook func(conversationID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switchHooks = append(s.switchHooks, hook)
}

// EnterConversation makes id active: the ledger and typing set are cleared,
// a join is requested and the newest page of history is fetched. A fetch
// that completes after another switch is discarded.
func (s *Session) EnterConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	s.activeID = id
	s.epoch++
	epoch := s.epoch
	s.ensureLocked(id)
	hooks := append([]func(string){}, s.switchHooks...)
	s.mu.Unlock()

	s.ledger.Reset(id)
	s.typing.reset(id)
	for _, h := range hooks {
		h(id)
	}
	s.notify.emit(NotifyLedgerChanged, id)

	log := s.logger.WithField("conversation_id", maskID(id))
	if err := s.transport.Emit(ctx, EventJoinConversation, joinPayload{RoomID: id}); err != nil {
		log.WithError(err).Warn("join request not sent")
	}

	if s.history == nil {
		return nil
	}
	page, err := s.history.FetchHistory(ctx, id, "")
	if err != nil {
		return fmt.Errorf("initial history fetch: %w", err)
	}
	if !s.isCurrent(id, epoch) {
		log.Debug("discarding stale history page")
		return nil
	}
	s.ledger.Prepend(page.Messages)
	s.setPagination(id, Pagination{Cursor: page.Cursor, HasMore: page.HasMore})
	if last, ok := s.ledger.Last(); ok {
		s.updateLastMessage(last)
	}
	s.notify.emit(NotifyLedgerChanged, id)
	return nil
}

// CreateConversation starts a direct conversation with a peer. A placeholder
// keyed by the derived id is inserted at once and re-keyed if the server
// answers with a different id. The placeholder is removed on failure.
func (s *Session) CreateConversation(ctx context.Context, peerEmail, peerID string) (Conversation, error) {
	if !s.transport.Connected() {
		s.logger.Warn("create conversation declined: channel not connected")
		return Conversation{}, ErrNotReady
	}
	id := DirectConversationID(s.self.ID, peerID)

	s.mu.Lock()
	if existing, ok := s.conversations[id]; ok && !existing.Placeholder {
		c := *existing
		s.mu.Unlock()
		return c, nil
	}
	s.conversations[id] = &Conversation{
		ID:           id,
		Participants: []User{s.self, {ID: peerID, Email: peerEmail}},
		Pagination:   Pagination{HasMore: true},
		Placeholder:  true,
	}
	s.mu.Unlock()
	s.notify.emit(NotifyConversationsChanged, id)

	data, err := s.transport.EmitWithAck(ctx, EventInitiateChat, initiateChatPayload{
		UserID:       s.self.ID,
		ContactID:    peerID,
		Room:         id,
		ContactEmail: peerEmail,
	})
	if err != nil {
		s.dropPlaceholder(id)
		return Conversation{}, fmt.Errorf("initiate chat: %w", err)
	}
	var ack initiateChatAck
	if err := json.Unmarshal(data, &ack); err != nil || !ackOK(ack.Status) {
		s.dropPlaceholder(id)
		return Conversation{}, wrapError(err, ErrCodeAckError, "initiate chat rejected")
	}

	final := firstNonEmpty(ack.ConversationID, id)
	c := s.confirmPlaceholder(id, final)
	s.logger.WithFields(logrus.Fields{
		"placeholder_id":  maskID(id),
		"conversation_id": maskID(final),
	}).Info("conversation confirmed")
	s.notify.emit(NotifyConversationsChanged, final)
	return c, nil
}

func (s *Session) dropPlaceholder(id string) {
	s.mu.Lock()
	if c, ok := s.conversations[id]; ok && c.Placeholder {
		delete(s.conversations, id)
	}
	s.mu.Unlock()
	s.notify.emit(NotifyConversationsChanged, id)
}

func (s *Session) confirmPlaceholder(id, final string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		c = &Conversation{ID: id}
	}
	c.Placeholder = false
	if final != id {
		delete(s.conversations, id)
		c.ID = final
		if existing, ok := s.conversations[final]; ok {
			existing.Placeholder = false
			c = existing
		}
		if s.activeID == id {
			s.activeID = final
			s.ledger.Rekey(id, final)
			s.typing.reset(final)
		}
	}
	s.conversations[final] = c
	return *c
}

// CreateGroup creates a group conversation with the given participant ids.
// The creator is added implicitly.
func (s *Session) CreateGroup(ctx context.Context, title string, participants []string) (Conversation, error) {
	if !s.transport.Connected() {
		s.logger.Warn("create group declined: channel not connected")
		return Conversation{}, ErrNotReady
	}
	members := []string{s.self.ID}
	for _, p := range participants {
		if p != "" && p != s.self.ID {
			members = append(members, p)
		}
	}

	data, err := s.transport.EmitWithAck(ctx, EventCreateGroup, createGroupPayload{
		Participants: members,
		Title:        title,
		Creator:      s.self.ID,
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("create group: %w", err)
	}
	var ack createGroupAck
	if err := json.Unmarshal(data, &ack); err != nil || !ackOK(ack.Status) {
		return Conversation{}, wrapError(err, ErrCodeAckError, "create group rejected")
	}
	c, err := normalizeConversation(ack.Conversation)
	if err != nil {
		return Conversation{}, wrapError(err, ErrCodeAckError, "create group returned malformed conversation")
	}
	c.IsGroup = true
	if c.Title == "" {
		c.Title = title
	}
	if len(c.Participants) == 0 {
		for _, id := range members {
			c.Participants = append(c.Participants, User{ID: id})
		}
	}
	c.Pagination.HasMore = true

	s.mu.Lock()
	s.conversations[c.ID] = &c
	s.mu.Unlock()
	s.notify.emit(NotifyConversationsChanged, c.ID)
	return c, nil
}

// LoadConversations refreshes the conversation list. Pagination state and
// unconfirmed placeholders are kept.
func (s *Session) LoadConversations(ctx context.Context) error {
	if s.lister == nil {
		return nil
	}
	convs, err := s.lister.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	s.mu.Lock()
	for i := range convs {
		c := convs[i]
		if existing, ok := s.conversations[c.ID]; ok {
			c.Pagination = existing.Pagination
			if c.LastMessage == nil {
				c.LastMessage = existing.LastMessage
			}
		} else {
			c.Pagination.HasMore = true
		}
		s.conversations[c.ID] = &c
	}
	s.mu.Unlock()
	s.notify.emit(NotifyConversationsChanged, "")
	return nil
}

// Conversations returns the known conversations, most recent activity first.
func (s *Session) Conversations() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a != nil && b != nil && !a.SentAt.Equal(b.SentAt):
			return a.SentAt.After(b.SentAt)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns a conversation by id.
func (s *Session) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conversations[id]; ok {
		return *c, true
	}
	return Conversation{}, false
}

// Pagination returns the history cursor of the active conversation.
func (s *Session) Pagination() Pagination {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conversations[s.activeID]; ok {
		return c.Pagination
	}
	return Pagination{}
}

func (s *Session) setPagination(id string, p Pagination) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(id).Pagination = p
}

func (s *Session) ensureLocked(id string) *Conversation {
	c, ok := s.conversations[id]
	if !ok {
		c = &Conversation{ID: id, Pagination: Pagination{HasMore: true}}
		s.conversations[id] = c
	}
	return c
}

// updateLastMessage refreshes the conversation preview when m is at least
// as new as the current one, or is the same message.
func (s *Session) updateLastMessage(m Message) {
	if m.ConversationID == "" {
		return
	}
	s.mu.Lock()
	c := s.ensureLocked(m.ConversationID)
	last := c.LastMessage
	same := last != nil && ((m.CorrelationID != "" && m.CorrelationID == last.CorrelationID) || (m.ID != "" && m.ID == last.ID))
	if last == nil || same || !m.SentAt.Before(last.SentAt) {
		msg := m
		c.LastMessage = &msg
	}
	s.mu.Unlock()
	s.notify.emit(NotifyConversationsChanged, m.ConversationID)
}

// Presence returns the last pushed presence of a user.
func (s *Session) Presence(userID string) (PresenceEntry, bool) {
	return s.presence.get(userID)
}

// PresenceSnapshot returns a copy of every presence entry.
func (s *Session) PresenceSnapshot() map[string]PresenceEntry {
	return s.presence.snapshot()
}

// TypingUsers returns the users typing in the active conversation.
func (s *Session) TypingUsers() []string {
	return s.typing.list()
}

// IsTyping reports whether userID is typing in the active conversation.
func (s *Session) IsTyping(userID string) bool {
	return s.typing.has(userID)
}

func (s *Session) clearTyping(userID string) {
	if s.typing.clear(userID) {
		s.notify.emit(NotifyTypingChanged, TypingChange{
			ConversationID: s.ActiveConversationID(),
			UserID:         userID,
		})
	}
}

func (s *Session) handleTyping(_ string, data json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.WithError(err).Debug("malformed typing event")
		return
	}
	conv := firstNonEmpty(p.ConversationID, p.RoomID)
	if p.UserID == "" || p.UserID == s.self.ID || conv != s.ActiveConversationID() {
		return
	}
	if s.typing.set(conv, p.UserID, p.Typing) {
		s.notify.emit(NotifyTypingChanged, TypingChange{ConversationID: conv, UserID: p.UserID, Typing: p.Typing})
	}
}

func (s *Session) handlePresence(_ string, data json.RawMessage) {
	var p presencePayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		s.logger.Debug("malformed presence event")
		return
	}
	entry := PresenceEntry{UserID: p.UserID, Online: p.Online}
	if t, ok := parseTimestamp(p.LastSeen); ok {
		entry.LastSeen = &t
	}
	s.presence.apply(entry)
	s.notify.emit(NotifyPresenceChanged, entry)
}
