package chatterbox

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Notifications
// ============================================================================

// Notification events delivered through Chat.On.
const (
	NotifyLedgerChanged        = "ledger.changed"        // payload: conversation id
	NotifyMessageFailed        = "message.failed"        // payload: Message
	NotifyMessageIncoming      = "message.incoming"      // payload: Message
	NotifyConversationsChanged = "conversations.changed" // payload: conversation id or ""
	NotifyTypingChanged        = "typing.changed"        // payload: TypingChange
	NotifyPresenceChanged      = "presence.changed"      // payload: PresenceEntry
	NotifyCallStateChanged     = "call.changed"          // payload: CallSnapshot
	NotifyStatusChanged        = "status.changed"        // payload: user id
)

// NotifyHandler receives state-change notifications.
type NotifyHandler func(event string, payload any)

type notifier struct {
	mu        sync.RWMutex
	listeners map[string][]NotifyHandler
	logger    logrus.FieldLogger
}

func newNotifier(logger logrus.FieldLogger) *notifier {
	return &notifier{
		listeners: make(map[string][]NotifyHandler),
		logger:    logger,
	}
}

// On registers a handler for a notification event. Handlers run
// synchronously on the goroutine that changed the state.
func (n *notifier) On(event string, handler NotifyHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners[event] = append(n.listeners[event], handler)
}

func (n *notifier) emit(event string, payload any) {
	if n == nil {
		return
	}
	n.mu.RLock()
	handlers := n.listeners[event]
	n.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil && n.logger != nil {
					n.logger.WithFields(logrus.Fields{"event": event, "panic": r}).Error("notification handler panicked")
				}
			}()
			h(event, payload)
		}()
	}
}

func (n *notifier) removeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = make(map[string][]NotifyHandler)
}

// ============================================================================
// Chat
// ============================================================================

// ChatConfig wires a Chat. Transport and Self are required.
type ChatConfig struct {
	Self          User
	Transport     Transport
	History       HistoryFetcher
	Conversations ConversationLister
	Devices       MediaDevices
	Peers         PeerFactory
	Viewport      Viewport

	AckTimeout      time.Duration
	TypingInterval  time.Duration
	TypingStop      time.Duration
	ScrollDebounce  time.Duration
	ScrollThreshold float64
	StatusTTL       time.Duration

	Clock   clock.Clock
	Logger  logrus.FieldLogger
	Metrics *Metrics
}

func (c *ChatConfig) defaults() {
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.TypingInterval == 0 {
		c.TypingInterval = DefaultTypingInterval
	}
	if c.TypingStop == 0 {
		c.TypingStop = DefaultTypingStop
	}
	if c.ScrollDebounce == 0 {
		c.ScrollDebounce = DefaultScrollDebounce
	}
	if c.StatusTTL == 0 {
		c.StatusTTL = DefaultStatusTTL
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// Chat is the client core for one logged-in user: the components share one
// transport and one ledger.
type Chat struct {
	*notifier

	Ledger    *Ledger
	Session   *Session
	Messenger *Messenger
	Typing    *TypingNotifier
	Calls     *CallSession
	Pager     *Pager
	Status    *StatusFeed

	unsubs    []func()
	closeOnce sync.Once
}

// NewChat builds the components and subscribes them to the transport.
func NewChat(config *ChatConfig) *Chat {
	cfg := *config
	cfg.defaults()

	n := newNotifier(componentLogger(cfg.Logger, "notify"))
	ledger := NewLedger()
	session := newSession(cfg.Transport, ledger, cfg.Self, cfg.History, cfg.Conversations, cfg.Logger, n)

	c := &Chat{
		notifier:  n,
		Ledger:    ledger,
		Session:   session,
		Messenger: newMessenger(cfg.Transport, session, ledger, cfg.Clock, cfg.AckTimeout, cfg.Logger, cfg.Metrics, n),
		Typing:    newTypingNotifier(cfg.Transport, session, cfg.Clock, cfg.TypingInterval, cfg.TypingStop, cfg.Logger),
		Calls:     newCallSession(cfg.Transport, cfg.Devices, cfg.Peers, cfg.Self.ID, cfg.Logger, cfg.Metrics, n),
		Pager:     newPager(session, ledger, cfg.History, cfg.Viewport, cfg.Clock, cfg.ScrollDebounce, cfg.ScrollThreshold, cfg.Logger, n),
		Status:    newStatusFeed(cfg.Transport, cfg.Self.ID, cfg.Clock, cfg.StatusTTL, cfg.Logger, n),
	}
	c.unsubs = append(c.unsubs, session.subscribe()...)
	c.unsubs = append(c.unsubs, c.Messenger.subscribe()...)
	c.unsubs = append(c.unsubs, c.Calls.subscribe()...)
	c.unsubs = append(c.unsubs, c.Status.subscribe()...)
	return c
}

// Close detaches the chat from the transport: any call is ended, pending
// timers stop and every subscription and listener is removed. The owner of
// the transport disconnects it afterwards.
func (c *Chat) Close(ctx context.Context) {
	c.closeOnce.Do(func() {
		c.Calls.EndCall(ctx)
		c.Typing.Stop(ctx)
		c.Pager.Stop()
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.unsubs = nil
		c.removeAll()
	})
}
