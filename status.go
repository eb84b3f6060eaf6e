package chatterbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// DefaultStatusTTL is the lifetime of a status update without explicit expiry.
const DefaultStatusTTL = 24 * time.Hour

// StatusUpdate is an ephemeral media status.
type StatusUpdate struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"userId"`
	MediaURL  string    `json:"mediaUrl,omitempty"`
	MediaType string    `json:"mediaType,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type wireStatus struct {
	ID        string          `json:"id"`
	MongoID   string          `json:"_id"`
	UserID    string          `json:"userId"`
	User      json.RawMessage `json:"user"`
	MediaURL  string          `json:"mediaUrl"`
	URL       string          `json:"url"`
	MediaType string          `json:"mediaType"`
	Type      string          `json:"type"`
	Caption   string          `json:"caption"`
	CreatedAt json.RawMessage `json:"createdAt"`
	ExpiresAt json.RawMessage `json:"expiresAt"`
}

type statusNewAck struct {
	Status string          `json:"status"`
	Story  json.RawMessage `json:"story"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func normalizeStatus(raw json.RawMessage) (StatusUpdate, error) {
	var w wireStatus
	if err := json.Unmarshal(raw, &w); err != nil {
		return StatusUpdate{}, fmt.Errorf("decode status: %w", err)
	}
	s := StatusUpdate{
		ID:        firstNonEmpty(w.ID, w.MongoID),
		UserID:    w.UserID,
		MediaURL:  firstNonEmpty(w.MediaURL, w.URL),
		MediaType: firstNonEmpty(w.MediaType, w.Type),
		Caption:   w.Caption,
	}
	if s.UserID == "" {
		u, err := parseUser(w.User)
		if err != nil {
			return StatusUpdate{}, err
		}
		s.UserID = u.ID
	}
	if t, ok := parseTimestamp(w.CreatedAt); ok {
		s.CreatedAt = t
	}
	if t, ok := parseTimestamp(w.ExpiresAt); ok {
		s.ExpiresAt = t
	}
	return s, nil
}

// StatusFeed posts the local user's status updates and keeps the pushed
// updates of others until they expire.
type StatusFeed struct {
	transport Transport
	selfID    string
	clock     clock.Clock
	ttl       time.Duration
	logger    logrus.FieldLogger
	notify    *notifier

	mu     sync.RWMutex
	byUser map[string][]StatusUpdate
}

func newStatusFeed(transport Transport, selfID string, clk clock.Clock, ttl time.Duration, logger logrus.FieldLogger, n *notifier) *StatusFeed {
	return &StatusFeed{
		transport: transport,
		selfID:    selfID,
		clock:     clk,
		ttl:       ttl,
		logger:    componentLogger(logger, "status"),
		notify:    n,
		byUser:    make(map[string][]StatusUpdate),
	}
}

func (f *StatusFeed) subscribe() []func() {
	return []func(){
		f.transport.Subscribe(EventStatusIncoming, f.handleIncoming),
	}
}

// Post publishes a status update and stores the server's copy.
func (f *StatusFeed) Post(ctx context.Context, update StatusUpdate) (StatusUpdate, error) {
	if !f.transport.Connected() {
		f.logger.Warn("status post declined: channel not connected")
		return StatusUpdate{}, ErrNotReady
	}
	now := f.clock.Now()
	update.UserID = f.selfID
	if update.CreatedAt.IsZero() {
		update.CreatedAt = now
	}
	if update.ExpiresAt.IsZero() {
		update.ExpiresAt = update.CreatedAt.Add(f.ttl)
	}

	data, err := f.transport.EmitWithAck(ctx, EventStatusNew, update)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("post status: %w", err)
	}
	var ack statusNewAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return StatusUpdate{}, wrapError(err, ErrCodeAckError, "malformed status acknowledgement")
	}
	if !ackOK(ack.Status) {
		return StatusUpdate{}, newError(ErrCodeAckError, ackErrorText(ack.Error))
	}

	stored := update
	if !isEmptyJSON(ack.Story) {
		if s, err := normalizeStatus(ack.Story); err == nil {
			stored = mergeStatus(update, s)
		}
	}
	f.store(stored)
	return stored, nil
}

func mergeStatus(local, server StatusUpdate) StatusUpdate {
	out := server
	out.UserID = firstNonEmpty(server.UserID, local.UserID)
	out.MediaURL = firstNonEmpty(server.MediaURL, local.MediaURL)
	out.MediaType = firstNonEmpty(server.MediaType, local.MediaType)
	out.Caption = firstNonEmpty(server.Caption, local.Caption)
	if out.CreatedAt.IsZero() {
		out.CreatedAt = local.CreatedAt
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = local.ExpiresAt
	}
	return out
}

func (f *StatusFeed) handleIncoming(_ string, data json.RawMessage) {
	s, err := normalizeStatus(data)
	if err != nil || s.UserID == "" {
		f.logger.Debug("malformed status update")
		return
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = f.clock.Now()
	}
	if s.ExpiresAt.IsZero() {
		s.ExpiresAt = s.CreatedAt.Add(f.ttl)
	}
	if !f.clock.Now().Before(s.ExpiresAt) {
		return
	}
	f.store(s)
}

func (f *StatusFeed) store(s StatusUpdate) {
	f.mu.Lock()
	list := f.byUser[s.UserID]
	replaced := false
	for i := range list {
		if s.ID != "" && list[i].ID == s.ID {
			list[i] = s
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, s)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	f.byUser[s.UserID] = list
	f.mu.Unlock()
	f.notify.emit(NotifyStatusChanged, s.UserID)
}

// Active returns the unexpired updates of a user, oldest first.
func (f *StatusFeed) Active(userID string) []StatusUpdate {
	now := f.clock.Now()
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []StatusUpdate
	for _, s := range f.byUser[userID] {
		if now.Before(s.ExpiresAt) {
			out = append(out, s)
		}
	}
	return out
}

// Users returns the users with at least one unexpired update.
func (f *StatusFeed) Users() []string {
	now := f.clock.Now()
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []string
	for user, list := range f.byUser {
		for _, s := range list {
			if now.Before(s.ExpiresAt) {
				out = append(out, user)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Prune drops expired updates and returns how many were removed.
func (f *StatusFeed) Prune() int {
	now := f.clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for user, list := range f.byUser {
		kept := list[:0]
		for _, s := range list {
			if now.Before(s.ExpiresAt) {
				kept = append(kept, s)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(f.byUser, user)
		} else {
			f.byUser[user] = kept
		}
	}
	return removed
}
