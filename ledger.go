package chatterbox

import (
	"sort"
	"sync"
)

type ledgerEntry struct {
	msg Message
	seq int64
}

// Ledger is the ordered, deduplicated record of messages for the active
// conversation. Entries are sorted by SentAt; ties keep insertion order.
// A Ledger holds at most one entry per correlation id and per server id.
type Ledger struct {
	mu             sync.RWMutex
	conversationID string
	entries        []*ledgerEntry
	byCorrelation  map[string]*ledgerEntry
	byID           map[string]*ledgerEntry
	high           int64
	low            int64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		byCorrelation: make(map[string]*ledgerEntry),
		byID:          make(map[string]*ledgerEntry),
	}
}

// Reset drops every entry and scopes the ledger to conversationID.
func (l *Ledger) Reset(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conversationID = conversationID
	l.entries = nil
	l.byCorrelation = make(map[string]*ledgerEntry)
	l.byID = make(map[string]*ledgerEntry)
	l.high, l.low = 0, 0
}

// ConversationID returns the conversation the ledger currently holds.
func (l *Ledger) ConversationID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conversationID
}

// Rekey moves the ledger and its entries from one conversation id to
// another. It is a no-op when the ledger does not hold from.
func (l *Ledger) Rekey(from, to string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conversationID != from {
		return false
	}
	l.conversationID = to
	for _, e := range l.entries {
		if e.msg.ConversationID == from {
			e.msg.ConversationID = to
		}
	}
	return true
}

// Append inserts m, or merges it into the entry sharing its correlation id
// or server id. It returns the stored entry.
func (l *Ledger) Append(m Message) Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e := l.locate(m); e != nil {
		l.unindex(e)
		e.msg = mergeMessage(e.msg, m)
		l.index(e)
		l.sort()
		return e.msg
	}

	l.high++
	e := &ledgerEntry{msg: m, seq: l.high}
	l.entries = append(l.entries, e)
	l.index(e)
	l.sort()
	return e.msg
}

// Reconcile replaces the optimistic entry for correlationID with the
// server-confirmed message, keeping local fields the server omitted. It
// returns false when no live entry exists: the correlation id is unknown or
// the entry already failed.
func (l *Ledger) Reconcile(correlationID string, confirmed Message) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.byCorrelation[correlationID]
	if e == nil || e.msg.State == StateFailed {
		return Message{}, false
	}
	confirmed.CorrelationID = correlationID
	if confirmed.State == "" {
		confirmed.State = StateSent
	}
	if other := l.byID[confirmed.ID]; other != nil && other != e {
		l.remove(other)
		confirmed = mergeMessage(other.msg, confirmed)
	}
	l.unindex(e)
	e.msg = mergeMessage(e.msg, confirmed)
	l.index(e)
	l.sort()
	return e.msg, true
}

// Prepend adds older messages fetched by pagination, skipping any already
// present. It returns the number of entries added.
func (l *Ledger) Prepend(older []Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	added := 0
	for i := len(older) - 1; i >= 0; i-- {
		m := older[i]
		if l.locate(m) != nil {
			continue
		}
		l.low--
		e := &ledgerEntry{msg: m, seq: l.low}
		l.entries = append(l.entries, e)
		l.index(e)
		added++
	}
	if added > 0 {
		l.sort()
	}
	return added
}

// Transition moves the entry for correlationID to state to. Illegal
// transitions are ignored.
func (l *Ledger) Transition(correlationID string, to DeliveryState) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transition(l.byCorrelation[correlationID], to)
}

// TransitionByID is Transition keyed by server id.
func (l *Ledger) TransitionByID(id string, to DeliveryState) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transition(l.byID[id], to)
}

func (l *Ledger) transition(e *ledgerEntry, to DeliveryState) (Message, bool) {
	if e == nil || !e.msg.State.canAdvance(to) {
		return Message{}, false
	}
	e.msg.State = to
	return e.msg, true
}

// AdvanceUpTo moves every entry matching match, up to and including the
// entry with server id upToID, to state to. It returns the number of
// entries changed.
func (l *Ledger) AdvanceUpTo(upToID string, to DeliveryState, match func(Message) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	target := l.byID[upToID]
	if target == nil {
		return 0
	}
	changed := 0
	for _, e := range l.entries {
		if (match == nil || match(e.msg)) && e.msg.State.canAdvance(to) {
			e.msg.State = to
			changed++
		}
		if e == target {
			break
		}
	}
	return changed
}

// Messages returns a copy of the entries in display order.
func (l *Ledger) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.msg
	}
	return out
}

// ByCorrelation returns the entry for a correlation id.
func (l *Ledger) ByCorrelation(correlationID string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e := l.byCorrelation[correlationID]; e != nil {
		return e.msg, true
	}
	return Message{}, false
}

// ByID returns the entry for a server id.
func (l *Ledger) ByID(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e := l.byID[id]; e != nil {
		return e.msg, true
	}
	return Message{}, false
}

// Last returns the newest entry.
func (l *Ledger) Last() (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Message{}, false
	}
	return l.entries[len(l.entries)-1].msg, true
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// locate finds the entry m refers to. When m links a correlation entry and
// a distinct id entry (a push that overtook its own ack), the two are folded.
func (l *Ledger) locate(m Message) *ledgerEntry {
	var byCorr, byID *ledgerEntry
	if m.CorrelationID != "" {
		byCorr = l.byCorrelation[m.CorrelationID]
	}
	if m.ID != "" {
		byID = l.byID[m.ID]
	}
	switch {
	case byCorr != nil && byID != nil && byCorr != byID:
		l.remove(byID)
		l.unindex(byCorr)
		byCorr.msg = mergeMessage(byCorr.msg, byID.msg)
		l.index(byCorr)
		return byCorr
	case byCorr != nil:
		return byCorr
	default:
		return byID
	}
}

func (l *Ledger) index(e *ledgerEntry) {
	if e.msg.CorrelationID != "" {
		l.byCorrelation[e.msg.CorrelationID] = e
	}
	if e.msg.ID != "" {
		l.byID[e.msg.ID] = e
	}
}

func (l *Ledger) unindex(e *ledgerEntry) {
	if e.msg.CorrelationID != "" && l.byCorrelation[e.msg.CorrelationID] == e {
		delete(l.byCorrelation, e.msg.CorrelationID)
	}
	if e.msg.ID != "" && l.byID[e.msg.ID] == e {
		delete(l.byID, e.msg.ID)
	}
}

func (l *Ledger) remove(e *ledgerEntry) {
	l.unindex(e)
	for i, cur := range l.entries {
		if cur == e {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *Ledger) sort() {
	sort.SliceStable(l.entries, func(i, j int) bool {
		a, b := l.entries[i], l.entries[j]
		if !a.msg.SentAt.Equal(b.msg.SentAt) {
			return a.msg.SentAt.Before(b.msg.SentAt)
		}
		return a.seq < b.seq
	})
}

// mergeMessage overlays incoming on local. Zero-valued incoming fields keep
// the local value and the delivery state never regresses.
func mergeMessage(local, incoming Message) Message {
	out := incoming
	out.ID = firstNonEmpty(incoming.ID, local.ID)
	out.CorrelationID = firstNonEmpty(incoming.CorrelationID, local.CorrelationID)
	out.ConversationID = firstNonEmpty(incoming.ConversationID, local.ConversationID)
	out.Body = firstNonEmpty(incoming.Body, local.Body)
	out.Sender = mergeUser(local.Sender, incoming.Sender)
	if out.SentAt.IsZero() {
		out.SentAt = local.SentAt
	}
	if out.TaggedMessage == nil {
		out.TaggedMessage = local.TaggedMessage
	}
	out.Attachments = mergeAttachments(local.Attachments, incoming.Attachments)

	switch {
	case incoming.State == "":
		out.State = local.State
	case local.State == "" || local.State.canAdvance(incoming.State):
		out.State = incoming.State
	default:
		out.State = local.State
	}
	return out
}

func mergeUser(local, incoming User) User {
	if incoming.ID == "" {
		return local
	}
	if local.ID != incoming.ID {
		return incoming
	}
	out := incoming
	out.Name = firstNonEmpty(incoming.Name, local.Name)
	out.Email = firstNonEmpty(incoming.Email, local.Email)
	out.Avatar = firstNonEmpty(incoming.Avatar, local.Avatar)
	return out
}

func mergeAttachments(local, incoming []Attachment) []Attachment {
	if len(incoming) == 0 {
		return local
	}
	out := make([]Attachment, len(incoming))
	copy(out, incoming)
	for i := range out {
		if out[i].Preview != "" {
			continue
		}
		for _, la := range local {
			if la.URL == out[i].URL {
				out[i].Preview = la.Preview
				break
			}
		}
		if out[i].Preview == "" && len(local) == len(out) {
			out[i].Preview = local[i].Preview
		}
	}
	return out
}
