package chatterbox

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultTypingInterval is the minimum spacing of typing=true signals.
	DefaultTypingInterval = 500 * time.Millisecond
	// DefaultTypingStop is the idle time after the last keystroke before
	// typing=false is sent.
	DefaultTypingStop = 3 * time.Second
)

// TypingNotifier emits the local user's typing signals. Positive signals
// pass a token bucket; the negative signal comes from a single-shot timer
// rearmed on every keystroke.
type TypingNotifier struct {
	transport Transport
	session   *Session
	clock     clock.Clock
	limiter   *rate.Limiter
	stopAfter time.Duration
	logger    logrus.FieldLogger

	mu             sync.Mutex
	gen            uint64
	typing         bool
	conversationID string
	timer          *clock.Timer
}

func newTypingNotifier(transport Transport, session *Session, clk clock.Clock, interval, stopAfter time.Duration, logger logrus.FieldLogger) *TypingNotifier {
	return &TypingNotifier{
		transport: transport,
		session:   session,
		clock:     clk,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		stopAfter: stopAfter,
		logger:    componentLogger(logger, "typing"),
	}
}

// Keystroke records local typing activity in the active conversation.
func (t *TypingNotifier) Keystroke(ctx context.Context) error {
	conv := t.session.ActiveConversationID()
	if conv == "" || !t.transport.Connected() {
		return ErrNotReady
	}

	t.mu.Lock()
	var previous string
	if t.typing && t.conversationID != conv {
		previous = t.conversationID
	}
	t.gen++
	gen := t.gen
	t.typing = true
	t.conversationID = conv
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.AfterFunc(t.stopAfter, func() { t.expire(gen) })
	allowed := t.limiter.AllowN(t.clock.Now(), 1)
	t.mu.Unlock()

	if previous != "" {
		t.emit(ctx, previous, false)
	}
	if allowed {
		t.emit(ctx, conv, true)
	}
	return nil
}

func (t *TypingNotifier) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	conv := t.conversationID
	t.mu.Unlock()

	t.emit(context.Background(), conv, false)
}

// Stop ends the typing state at once, emitting typing=false if a positive
// signal is outstanding.
func (t *TypingNotifier) Stop(ctx context.Context) {
	t.mu.Lock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	wasTyping := t.typing
	t.typing = false
	conv := t.conversationID
	t.mu.Unlock()

	if wasTyping {
		t.emit(ctx, conv, false)
	}
}

func (t *TypingNotifier) emit(ctx context.Context, conversationID string, typing bool) {
	payload := typingPayload{
		ConversationID: conversationID,
		UserID:         t.session.Self().ID,
		Typing:         typing,
	}
	if err := t.transport.Emit(ctx, EventTypingSent, payload); err != nil {
		t.logger.WithError(err).WithField("typing", typing).Debug("typing signal not sent")
	}
}
