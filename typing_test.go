package chatterbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typingSignals(t *testing.T, tr *fakeTransport) []typingPayload {
	t.Helper()
	var out []typingPayload
	for _, raw := range tr.emitted(EventTypingSent) {
		out = append(out, decode[typingPayload](t, raw))
	}
	return out
}

func TestKeystrokeRateLimitsPositiveSignals(t *testing.T) {
	tc := newTestChat(t, me)
	tc.enter(t, "c1")
	ctx := context.Background()

	// 10 keystrokes over 1 s
	for i := 0; i < 10; i++ {
		require.NoError(t, tc.Typing.Keystroke(ctx))
		tc.clock.Add(100 * time.Millisecond)
	}

	signals := typingSignals(t, tc.transport)
	require.NotEmpty(t, signals)
	assert.LessOrEqual(t, len(signals), 3)
	for _, s := range signals {
		assert.True(t, s.Typing)
		assert.Equal(t, "c1", s.ConversationID)
		assert.Equal(t, "me", s.UserID)
	}
}

func TestKeystrokeSingleStopAfterIdle(t *testing.T) {
	tc := newTestChat(t, me)
	tc.enter(t, "c1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, tc.Typing.Keystroke(ctx))
		tc.clock.Add(time.Second)
	}
	// last keystroke was 1 s ago; the stop fires 3 s after it
	tc.clock.Add(1500 * time.Millisecond)
	for _, s := range typingSignals(t, tc.transport) {
		assert.True(t, s.Typing)
	}

	tc.clock.Add(time.Second)
	require.Eventually(t, func() bool {
		signals := typingSignals(t, tc.transport)
		return len(signals) > 0 && !signals[len(signals)-1].Typing
	}, waitFor, tick)

	tc.clock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	stops := 0
	for _, s := range typingSignals(t, tc.transport) {
		if !s.Typing {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}

func TestTypingStopEmitsOnce(t *testing.T) {
	tc := newTestChat(t, me)
	tc.enter(t, "c1")
	ctx := context.Background()

	tc.Typing.Stop(ctx)
	assert.Empty(t, typingSignals(t, tc.transport))

	require.NoError(t, tc.Typing.Keystroke(ctx))
	tc.Typing.Stop(ctx)
	tc.Typing.Stop(ctx)
	tc.clock.Add(DefaultTypingStop * 2)
	time.Sleep(20 * time.Millisecond)

	signals := typingSignals(t, tc.transport)
	require.Len(t, signals, 2)
	assert.True(t, signals[0].Typing)
	assert.False(t, signals[1].Typing)
}

func TestKeystrokeAcrossConversationSwitch(t *testing.T) {
	tc := newTestChat(t, me)
	ctx := context.Background()
	tc.enter(t, "c1")
	require.NoError(t, tc.Typing.Keystroke(ctx))

	tc.enter(t, "c2")
	tc.clock.Add(time.Second)
	require.NoError(t, tc.Typing.Keystroke(ctx))

	signals := typingSignals(t, tc.transport)
	require.Len(t, signals, 3)
	assert.Equal(t, typingPayload{ConversationID: "c1", UserID: "me", Typing: true}, signals[0])
	assert.Equal(t, typingPayload{ConversationID: "c1", UserID: "me", Typing: false}, signals[1])
	assert.Equal(t, typingPayload{ConversationID: "c2", UserID: "me", Typing: true}, signals[2])
}

func TestKeystrokeNotReady(t *testing.T) {
	tc := newTestChat(t, me)
	assert.ErrorIs(t, tc.Typing.Keystroke(context.Background()), ErrNotReady)

	tc.enter(t, "c1")
	tc.transport.setConnected(false)
	assert.ErrorIs(t, tc.Typing.Keystroke(context.Background()), ErrNotReady)
}
