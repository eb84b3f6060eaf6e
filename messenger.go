package chatterbox

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultAckTimeout bounds the wait for a send or read acknowledgement.
const DefaultAckTimeout = 10 * time.Second

type sendPayload struct {
	ID            string         `json:"id"`
	RoomID        string         `json:"roomId"`
	Message       string         `json:"message"`
	From          string         `json:"from"`
	TaggedMessage *TaggedMessage `json:"taggedMessage,omitempty"`
	Attachment    []Attachment   `json:"attachment"`
}

type sendAck struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type receiptPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

type readUpToPayload struct {
	ConversationID string `json:"conversationId"`
	UpToID         string `json:"upToId"`
}

type statusAck struct {
	Status string `json:"status"`
}

type deliveredPayload struct {
	MessageID string `json:"messageId"`
}

// ackErrorText renders an ack error that may be a string or an object.
func ackErrorText(raw json.RawMessage) string {
	if isEmptyJSON(raw) {
		return "server rejected message"
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var e APIError
	if json.Unmarshal(raw, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(raw))
}

// SendOptions are optional parameters of SendMessage.
type SendOptions struct {
	Attachments   []Attachment
	TaggedMessage *TaggedMessage
	// CorrelationID is generated when empty.
	CorrelationID string
	// PreInserted reports that the caller already appended a pending entry
	// with CorrelationID, e.g. while attachments were uploading.
	PreInserted bool
}

// Outgoing is the future of one send. It resolves exactly once with the
// confirmed message or with ErrAckTimeout / ErrAckError.
type Outgoing struct {
	CorrelationID string

	done chan struct{}
	msg  Message
	err  error
}

func newOutgoing(correlationID string) *Outgoing {
	return &Outgoing{CorrelationID: correlationID, done: make(chan struct{})}
}

func (o *Outgoing) resolve(msg Message, err error) {
	o.msg, o.err = msg, err
	close(o.done)
}

// Done is closed once the send resolved.
func (o *Outgoing) Done() <-chan struct{} {
	return o.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (o *Outgoing) Result() (Message, error) {
	return o.msg, o.err
}

// Wait blocks until the send resolves or ctx ends.
func (o *Outgoing) Wait(ctx context.Context) (Message, error) {
	select {
	case <-o.done:
		return o.msg, o.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Messenger sends messages, ingests pushed ones and reconciles delivery
// state against acknowledgements.
type Messenger struct {
	transport  Transport
	session    *Session
	ledger     *Ledger
	clock      clock.Clock
	ackTimeout time.Duration
	logger     logrus.FieldLogger
	metrics    *Metrics
	notify     *notifier

	readMu        sync.Mutex
	readEpoch     uint64
	lastUpToID    string
	pendingUpToID string
	failedUpToID  string
	nextUpToID    string
}

func newMessenger(transport Transport, session *Session, ledger *Ledger, clk clock.Clock, ackTimeout time.Duration, logger logrus.FieldLogger, metrics *Metrics, n *notifier) *Messenger {
	m := &Messenger{
		transport:  transport,
		session:    session,
		ledger:     ledger,
		clock:      clk,
		ackTimeout: ackTimeout,
		logger:     componentLogger(logger, "messenger"),
		metrics:    metrics,
		notify:     n,
	}
	session.onSwitch(func(string) { m.resetReadState() })
	return m
}

func (m *Messenger) subscribe() []func() {
	return []func(){
		m.transport.Subscribe(EventChatMessage, func(_ string, data json.RawMessage) {
			_, _ = m.ReceiveIncoming(data)
		}),
		m.transport.Subscribe(EventMessageDelivered, m.handleDelivered),
		m.transport.Subscribe(EventMessagesRead, m.handleRead),
	}
}

// SendMessage appends a pending entry and emits it. It returns ErrNotReady
// without side effects when no conversation is active or the channel is
// down. Otherwise the returned Outgoing resolves when the ack arrives or
// the ack timeout fires, whichever is first; the other is then ignored.
func (m *Messenger) SendMessage(ctx context.Context, body string, opts *SendOptions) (*Outgoing, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	convID := m.session.ActiveConversationID()
	if convID == "" || !m.transport.Connected() {
		m.logger.WithField("conversation_id", maskID(convID)).Warn("send declined: not ready")
		m.metrics.messageOutcome("not_ready")
		return nil, ErrNotReady
	}

	corrID := opts.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}
	self := m.session.Self()
	entry := Message{
		CorrelationID:  corrID,
		ConversationID: convID,
		Sender:         self,
		Body:           body,
		Attachments:    opts.Attachments,
		State:          StatePending,
		TaggedMessage:  opts.TaggedMessage,
	}
	if _, exists := m.ledger.ByCorrelation(corrID); !opts.PreInserted || !exists {
		entry.SentAt = m.clock.Now()
	}
	stored := m.ledger.Append(entry)
	m.session.updateLastMessage(stored)
	m.notify.emit(NotifyLedgerChanged, convID)

	payload := sendPayload{
		ID:            corrID,
		RoomID:        convID,
		Message:       body,
		From:          self.ID,
		TaggedMessage: opts.TaggedMessage,
		Attachment:    opts.Attachments,
	}
	if payload.Attachment == nil {
		payload.Attachment = []Attachment{}
	}

	out := newOutgoing(corrID)
	timer := m.clock.Timer(m.ackTimeout)
	go m.awaitSendAck(context.WithoutCancel(ctx), timer, out, stored, payload, m.clock.Now())
	return out, nil
}

// awaitSendAck races the acknowledgement of payload against timer. stored is
// the optimistic entry as inserted, used when the ledger no longer holds it.
func (m *Messenger) awaitSendAck(ctx context.Context, timer *clock.Timer, out *Outgoing, stored Message, payload sendPayload, start time.Time) {
	ackCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	acks := m.emitWithAckAsync(ackCtx, EventSendMessage, payload)
	log := m.logger.WithField("correlation_id", maskID(payload.ID))
	for {
		select {
		case <-timer.C:
			cancel()
			log.Warn("send acknowledgement timed out")
			m.metrics.messageOutcome("timeout")
			m.failSend(out, ErrAckTimeout)
			return
		case res := <-acks:
			if res.err != nil {
				// A transport failure does not fail the send; the timer does.
				log.WithError(res.err).Debug("send emit failed, waiting for timeout")
				acks = nil
				continue
			}
			timer.Stop()
			m.metrics.observeAck(m.clock.Since(start))
			m.handleSendAck(out, stored, res.data, log)
			return
		}
	}
}

type ackResult struct {
	data json.RawMessage
	err  error
}

func (m *Messenger) emitWithAckAsync(ctx context.Context, event string, payload any) <-chan ackResult {
	ch := make(chan ackResult, 1)
	go func() {
		data, err := m.transport.EmitWithAck(ctx, event, payload)
		ch <- ackResult{data: data, err: err}
	}()
	return ch
}

func (m *Messenger) handleSendAck(out *Outgoing, stored Message, data json.RawMessage, log logrus.FieldLogger) {
	var ack sendAck
	if err := json.Unmarshal(data, &ack); err != nil {
		log.WithError(err).Warn("malformed send acknowledgement")
		m.metrics.messageOutcome("rejected")
		m.failSend(out, wrapError(err, ErrCodeAckError, "malformed acknowledgement"))
		return
	}
	if !ackOK(ack.Status) {
		reason := ackErrorText(ack.Error)
		log.WithField("reason", reason).Warn("send rejected by server")
		m.metrics.messageOutcome("rejected")
		m.failSend(out, newError(ErrCodeAckError, reason))
		return
	}

	var confirmed Message
	if !isEmptyJSON(ack.Payload) {
		msg, err := normalizeMessage(ack.Payload)
		if err != nil {
			log.WithError(err).Debug("ack payload not a message, keeping local fields")
		} else {
			confirmed = msg
		}
	}

	msg, ok := m.ledger.Reconcile(out.CorrelationID, confirmed)
	if !ok {
		// The conversation was switched while the ack was in flight: the
		// message still belongs to the conversation it was sent to.
		msg = mergeMessage(stored, confirmed)
		msg.CorrelationID = out.CorrelationID
		msg.ConversationID = stored.ConversationID
		if msg.State == "" || msg.State == StatePending {
			msg.State = StateSent
		}
	} else {
		m.notify.emit(NotifyLedgerChanged, msg.ConversationID)
	}
	m.session.updateLastMessage(msg)
	m.metrics.messageOutcome("sent")
	log.WithField("message_id", maskID(msg.ID)).Debug("send confirmed")
	out.resolve(msg, nil)
}

func (m *Messenger) failSend(out *Outgoing, err error) {
	msg, ok := m.ledger.Transition(out.CorrelationID, StateFailed)
	if ok {
		m.notify.emit(NotifyLedgerChanged, msg.ConversationID)
		m.notify.emit(NotifyMessageFailed, msg)
	}
	out.resolve(msg, err)
}

// ReceiveIncoming ingests a pushed message. Messages for the active
// conversation are merged into the ledger; every message with a server id
// from another user is acknowledged with message:received.
func (m *Messenger) ReceiveIncoming(data json.RawMessage) (Message, error) {
	msg, err := normalizeMessage(data)
	if err != nil {
		m.logger.WithError(err).Warn("dropping malformed incoming message")
		return Message{}, err
	}
	if msg.State == "" {
		msg.State = StateSent
	}

	active := m.session.ActiveConversationID()
	if active != "" && msg.ConversationID == active {
		if msg.SentAt.IsZero() && !m.known(msg) {
			msg.SentAt = m.clock.Now()
		}
		msg = m.ledger.Append(msg)
		m.notify.emit(NotifyLedgerChanged, active)
	}
	if msg.Sender.ID != "" {
		m.session.clearTyping(msg.Sender.ID)
	}
	m.session.updateLastMessage(msg)

	self := m.session.Self()
	if msg.ID != "" && msg.Sender.ID != self.ID {
		receipt := receiptPayload{MessageID: msg.ID, RoomID: msg.ConversationID}
		if err := m.transport.Emit(context.Background(), EventMessageReceived, receipt); err != nil {
			m.logger.WithError(err).Debug("receipt not sent")
		}
	}
	m.notify.emit(NotifyMessageIncoming, msg)
	return msg, nil
}

func (m *Messenger) known(msg Message) bool {
	if msg.ID != "" {
		if _, ok := m.ledger.ByID(msg.ID); ok {
			return true
		}
	}
	if msg.CorrelationID != "" {
		if _, ok := m.ledger.ByCorrelation(msg.CorrelationID); ok {
			return true
		}
	}
	return false
}

// MarkReadUpTo reports the newest visible incoming message as read. At
// most one call is outstanding; ids requested meanwhile collapse into the
// latest one, sent once the outstanding call settles. An id that was
// acknowledged, or whose acknowledgement never came, is not sent again.
func (m *Messenger) MarkReadUpTo(ctx context.Context, messageID string) error {
	convID, _ := m.session.current()
	if convID == "" || !m.transport.Connected() {
		m.logger.Debug("read marker declined: not ready")
		return ErrNotReady
	}

	m.readMu.Lock()
	if messageID == "" || messageID == m.lastUpToID || messageID == m.pendingUpToID || messageID == m.failedUpToID {
		m.readMu.Unlock()
		return nil
	}
	if m.pendingUpToID != "" {
		m.nextUpToID = messageID
		m.readMu.Unlock()
		return nil
	}
	m.pendingUpToID = messageID
	epoch := m.readEpoch
	timer := m.clock.Timer(m.ackTimeout)
	m.readMu.Unlock()

	go m.awaitReadAck(context.WithoutCancel(ctx), timer, epoch, readUpToPayload{ConversationID: convID, UpToID: messageID})
	return nil
}

func (m *Messenger) awaitReadAck(ctx context.Context, timer *clock.Timer, epoch uint64, payload readUpToPayload) {
	ackCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	acks := m.emitWithAckAsync(ackCtx, EventReadUpTo, payload)
	acked := false
wait:
	for {
		select {
		case <-timer.C:
			m.logger.WithField("up_to_id", maskID(payload.UpToID)).Debug("read marker acknowledgement timed out")
			break wait
		case res := <-acks:
			if res.err != nil {
				acks = nil
				continue
			}
			timer.Stop()
			var ack statusAck
			acked = json.Unmarshal(res.data, &ack) == nil && ackOK(ack.Status)
			break wait
		}
	}

	m.readMu.Lock()
	if epoch != m.readEpoch {
		m.readMu.Unlock()
		return
	}
	if acked {
		m.lastUpToID = payload.UpToID
	} else {
		m.failedUpToID = payload.UpToID
	}
	m.pendingUpToID = ""
	next := m.nextUpToID
	m.nextUpToID = ""
	m.readMu.Unlock()

	if next != "" {
		_ = m.MarkReadUpTo(ctx, next)
	}
}

func (m *Messenger) resetReadState() {
	m.readMu.Lock()
	defer m.readMu.Unlock()
	m.readEpoch++
	m.lastUpToID = ""
	m.pendingUpToID = ""
	m.failedUpToID = ""
	m.nextUpToID = ""
}

func (m *Messenger) handleDelivered(_ string, data json.RawMessage) {
	var p deliveredPayload
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" {
		return
	}
	if msg, ok := m.ledger.TransitionByID(p.MessageID, StateDelivered); ok {
		m.notify.emit(NotifyLedgerChanged, msg.ConversationID)
	}
}

func (m *Messenger) handleRead(_ string, data json.RawMessage) {
	var p readUpToPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UpToID == "" {
		return
	}
	if p.ConversationID != "" && p.ConversationID != m.ledger.ConversationID() {
		return
	}
	selfID := m.session.Self().ID
	n := m.ledger.AdvanceUpTo(p.UpToID, StateRead, func(msg Message) bool {
		return msg.Sender.ID == selfID
	})
	if n > 0 {
		m.notify.emit(NotifyLedgerChanged, m.ledger.ConversationID())
	}
}
