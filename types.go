package chatterbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a REST API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Domain Types
// ============================================================================

// User references a participant. Only ID is guaranteed to be set.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Attachment is an uploaded file referenced by a message.
// Preview is local-only (e.g. a thumbnail shown before upload completes).
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"type,omitempty"`
	Preview  string `json:"-"`
}

// TaggedMessage is the snapshot of a message being replied to.
type TaggedMessage struct {
	ID       string `json:"id"`
	Body     string `json:"message"`
	SenderID string `json:"from,omitempty"`
}

// DeliveryState is the delivery status of a ledger entry.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateFailed    DeliveryState = "failed"
)

func (s DeliveryState) rank() int {
	switch s {
	case StatePending:
		return 1
	case StateSent:
		return 2
	case StateDelivered:
		return 3
	case StateRead:
		return 4
	}
	return 0
}

// canAdvance reports whether from → to is a legal transition. States only move
// forward; failed is terminal and reachable only from pending.
func (s DeliveryState) canAdvance(to DeliveryState) bool {
	if s == StateFailed {
		return false
	}
	if to == StateFailed {
		return s == StatePending
	}
	return to.rank() > s.rank()
}

func parseDeliveryState(s string) DeliveryState {
	switch DeliveryState(s) {
	case StatePending, StateSent, StateDelivered, StateRead, StateFailed:
		return DeliveryState(s)
	}
	return ""
}

// Message is a ledger entry.
type Message struct {
	ID             string         `json:"id"`
	CorrelationID  string         `json:"correlationId"`
	ConversationID string         `json:"conversationId"`
	Sender         User           `json:"sender"`
	Body           string         `json:"body"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	SentAt         time.Time      `json:"sentAt"`
	State          DeliveryState  `json:"state"`
	TaggedMessage  *TaggedMessage `json:"taggedMessage,omitempty"`
}

// Pagination is the history cursor for a conversation.
type Pagination struct {
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"hasMore"`
}

// Conversation is a direct or group conversation known to the client.
type Conversation struct {
	ID           string     `json:"id"`
	Participants []User     `json:"participants"`
	Title        string     `json:"title,omitempty"`
	IsGroup      bool       `json:"isGroup,omitempty"`
	LastMessage  *Message   `json:"lastMessage,omitempty"`
	Pagination   Pagination `json:"pagination"`

	// Placeholder is set while a locally created conversation awaits the
	// server's confirmation.
	Placeholder bool `json:"-"`
}

// PresenceEntry is the last pushed online status of a user.
type PresenceEntry struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// HistoryPage is one page of older messages.
type HistoryPage struct {
	Messages []Message
	Cursor   string
	HasMore  bool
}

// ============================================================================
// Wire normalization
// ============================================================================

// wireMessage accepts every message shape the backend produces: sender as a
// bare id or an embedded object, several timestamp and body field names.
type wireMessage struct {
	ID             string          `json:"id"`
	MongoID        string          `json:"_id"`
	CorrelationID  string          `json:"correlationId"`
	ClientID       string          `json:"clientId"`
	TempID         string          `json:"tempId"`
	RoomID         string          `json:"roomId"`
	ConversationID string          `json:"conversationId"`
	From           json.RawMessage `json:"from"`
	Sender         json.RawMessage `json:"sender"`
	Message        string          `json:"message"`
	Body           string          `json:"body"`
	Content        string          `json:"content"`
	Attachment     []Attachment    `json:"attachment"`
	Attachments    []Attachment    `json:"attachments"`
	TS             json.RawMessage `json:"ts"`
	CreatedAt      json.RawMessage `json:"createdAt"`
	Timestamp      json.RawMessage `json:"timestamp"`
	Status         string          `json:"status"`
	TaggedMessage  *TaggedMessage  `json:"taggedMessage"`
}

// normalizeMessage converts a pushed or acknowledged payload into the
// canonical Message shape.
func normalizeMessage(raw json.RawMessage) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	m := Message{
		ID:             firstNonEmpty(w.ID, w.MongoID),
		CorrelationID:  firstNonEmpty(w.CorrelationID, w.ClientID, w.TempID),
		ConversationID: firstNonEmpty(w.ConversationID, w.RoomID),
		Body:           firstNonEmpty(w.Message, w.Body, w.Content),
		Attachments:    w.Attachments,
		State:          parseDeliveryState(w.Status),
		TaggedMessage:  w.TaggedMessage,
	}
	if len(m.Attachments) == 0 {
		m.Attachments = w.Attachment
	}

	sender := w.From
	if isEmptyJSON(sender) {
		sender = w.Sender
	}
	user, err := parseUser(sender)
	if err != nil {
		return Message{}, err
	}
	m.Sender = user

	for _, ts := range []json.RawMessage{w.TS, w.CreatedAt, w.Timestamp} {
		if t, ok := parseTimestamp(ts); ok {
			m.SentAt = t
			break
		}
	}
	return m, nil
}

type wireUser struct {
	ID      string `json:"id"`
	MongoID string `json:"_id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Avatar  string `json:"avatar"`
}

// parseUser accepts either "user-id" or {"_id"|"id": ..., "name": ...}.
func parseUser(raw json.RawMessage) (User, error) {
	if isEmptyJSON(raw) {
		return User{}, nil
	}
	raw = bytes.TrimSpace(raw)
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return User{}, fmt.Errorf("decode user id: %w", err)
		}
		return User{ID: id}, nil
	}
	var w wireUser
	if err := json.Unmarshal(raw, &w); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	return User{
		ID:     firstNonEmpty(w.ID, w.MongoID),
		Name:   w.Name,
		Email:  w.Email,
		Avatar: w.Avatar,
	}, nil
}

// parseTimestamp accepts RFC 3339 strings and unix milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if isEmptyJSON(raw) {
		return time.Time{}, false
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
		return time.Time{}, false
	}
	var ms float64
	if json.Unmarshal(raw, &ms) == nil {
		return time.UnixMilli(int64(ms)).UTC(), true
	}
	return time.Time{}, false
}

type wireConversation struct {
	ID           string            `json:"id"`
	MongoID      string            `json:"_id"`
	Participants []json.RawMessage `json:"participants"`
	Title        string            `json:"title"`
	Name         string            `json:"name"`
	IsGroup      bool              `json:"isGroup"`
	LastMessage  json.RawMessage   `json:"lastMessage"`
}

func normalizeConversation(raw json.RawMessage) (Conversation, error) {
	var w wireConversation
	if err := json.Unmarshal(raw, &w); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	c := Conversation{
		ID:      firstNonEmpty(w.ID, w.MongoID),
		Title:   firstNonEmpty(w.Title, w.Name),
		IsGroup: w.IsGroup,
	}
	for _, p := range w.Participants {
		u, err := parseUser(p)
		if err != nil {
			return Conversation{}, err
		}
		c.Participants = append(c.Participants, u)
	}
	if !isEmptyJSON(w.LastMessage) {
		if m, err := normalizeMessage(w.LastMessage); err == nil {
			c.LastMessage = &m
		}
	}
	return c, nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
