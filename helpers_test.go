package chatterbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// ============================================================================
// Transport
// ============================================================================

type emitted struct {
	Event   string
	Payload json.RawMessage
}

type pendingAck struct {
	Event    string
	Payload  json.RawMessage
	reply    chan json.RawMessage
	answered bool
}

// fakeTransport records emits and holds acks until the test answers them.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	emitErr   error
	emits     []emitted
	acks      []*pendingAck
	subs      *subscriptions
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, subs: newSubscriptions(discardLogger())}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeTransport) setEmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitErr = err
}

func (f *fakeTransport) Emit(_ context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return newError(ErrCodeNotReady, "channel not connected")
	}
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emitted{Event: event, Payload: data})
	return nil
}

func (f *fakeTransport) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil, newError(ErrCodeNotReady, "channel not connected")
	}
	if f.emitErr != nil {
		err := f.emitErr
		f.mu.Unlock()
		return nil, err
	}
	p := &pendingAck{Event: event, Payload: data, reply: make(chan json.RawMessage, 1)}
	f.emits = append(f.emits, emitted{Event: event, Payload: data})
	f.acks = append(f.acks, p)
	f.mu.Unlock()

	select {
	case d := <-p.reply:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Subscribe(event string, handler EventHandler) func() {
	return f.subs.add(event, handler)
}

// push delivers a server event to the subscribers.
func (f *fakeTransport) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.subs.dispatch(event, data)
}

func (f *fakeTransport) emitted(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, e := range f.emits {
		if e.Event == event {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (f *fakeTransport) emitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emits)
}

// awaitAck waits for the oldest unanswered ack request for event.
func (f *fakeTransport) awaitAck(t *testing.T, event string) *pendingAck {
	t.Helper()
	var found *pendingAck
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, p := range f.acks {
			if p.Event == event && !p.answered {
				found = p
				return true
			}
		}
		return false
	}, waitFor, tick, "no %s ack requested", event)
	return found
}

func (f *fakeTransport) answer(t *testing.T, p *pendingAck, reply any) {
	t.Helper()
	data, err := json.Marshal(reply)
	require.NoError(t, err)
	f.mu.Lock()
	p.answered = true
	f.mu.Unlock()
	p.reply <- data
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

// ============================================================================
// History
// ============================================================================

type historyCall struct {
	ConversationID string
	Before         string
}

// fakeHistory serves pages keyed by conversation and cursor. A gate, when
// set, blocks fetches until closed.
type fakeHistory struct {
	mu    sync.Mutex
	pages map[string]*HistoryPage
	calls []historyCall
	gate  chan struct{}
	err   error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{pages: make(map[string]*HistoryPage)}
}

func (h *fakeHistory) set(conversationID, before string, page *HistoryPage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages[conversationID+"|"+before] = page
}

func (h *fakeHistory) FetchHistory(ctx context.Context, conversationID, before string) (*HistoryPage, error) {
	h.mu.Lock()
	h.calls = append(h.calls, historyCall{conversationID, before})
	gate, err := h.gate, h.err
	page := h.pages[conversationID+"|"+before]
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if page == nil {
		return &HistoryPage{}, nil
	}
	return page, nil
}

func (h *fakeHistory) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// ============================================================================
// Media and peers
// ============================================================================

type fakeStream struct {
	id    string
	video bool

	mu    sync.Mutex
	stops int
}

func (s *fakeStream) ID() string { return s.id }
func (s *fakeStream) HasVideo() bool { return s.video }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *fakeStream) stopped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

var errPermissionDenied = errors.New("permission denied")

type fakeDevices struct {
	camera     bool
	microphone bool

	mu       sync.Mutex
	requests []MediaConstraints
	streams  []*fakeStream
}

func (d *fakeDevices) GetUserMedia(_ context.Context, c MediaConstraints) (MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, c)
	if (c.Video && !d.camera) || (c.Audio && !d.microphone) {
		return nil, errPermissionDenied
	}
	s := &fakeStream{id: "s" + string(rune('0'+len(d.streams))), video: c.Video}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevices) lastStream() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

type fakePeer struct {
	mu         sync.Mutex
	local      *SessionDescription
	remote     *SessionDescription
	candidates []ICECandidate
	streams    []MediaStream
	closed     int
	offerErr   error

	onICE   func(ICECandidate)
	onState func(PeerState)
	onTrack func(RemoteTrack)
}

func (p *fakePeer) AddStream(s MediaStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, s)
	return nil
}

func (p *fakePeer) CreateOffer() (SessionDescription, error) {
	if p.offerErr != nil {
		return SessionDescription{}, p.offerErr
	}
	return SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (SessionDescription, error) {
	return SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(d SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &d
	return nil
}

func (p *fakePeer) SetRemoteDescription(d SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &d
	return nil
}

func (p *fakePeer) AddICECandidate(c ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(ICECandidate)) { p.onICE = f }
func (p *fakePeer) OnConnectionStateChange(f func(PeerState)) { p.onState = f }
func (p *fakePeer) OnRemoteTrack(f func(RemoteTrack)) { p.onTrack = f }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) appliedCandidates() []ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ICECandidate(nil), p.candidates...)
}

type fakePeers struct {
	mu    sync.Mutex
	peers []*fakePeer
	next  func() *fakePeer
}

func (f *fakePeers) NewPeerConnection() (PeerConnection, error) {
	p := &fakePeer{}
	if f.next != nil {
		p = f.next()
	}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// ============================================================================
// Viewport
// ============================================================================

// fakeViewport models a scroll container whose content grows by rowHeight
// per ledger entry.
type fakeViewport struct {
	mu        sync.Mutex
	ledger    *Ledger
	rowHeight float64
	top       float64
	sets      []float64
}

func (v *fakeViewport) ScrollHeight() float64 {
	return float64(v.ledger.Len()) * v.rowHeight
}

func (v *fakeViewport) ScrollTop() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.top
}

func (v *fakeViewport) SetScrollTop(top float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.top = top
	v.sets = append(v.sets, top)
}

func (v *fakeViewport) scrollTo(top float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.top = top
}

// ============================================================================
// Chat
// ============================================================================

type testChat struct {
	*Chat
	transport *fakeTransport
	history   *fakeHistory
	devices   *fakeDevices
	peers     *fakePeers
	clock     *clock.Mock

	mu     sync.Mutex
	events []string
}

func newTestChat(t *testing.T, self User, mutate ...func(*ChatConfig)) *testChat {
	t.Helper()
	tc := &testChat{
		transport: newFakeTransport(),
		history:   newFakeHistory(),
		devices:   &fakeDevices{camera: true, microphone: true},
		peers:     &fakePeers{},
		clock:     clock.NewMock(),
	}
	cfg := &ChatConfig{
		Self:      self,
		Transport: tc.transport,
		History:   tc.history,
		Devices:   tc.devices,
		Peers:     tc.peers,
		Clock:     tc.clock,
	}
	for _, m := range mutate {
		m(cfg)
	}
	tc.Chat = NewChat(cfg)
	for _, ev := range []string{NotifyLedgerChanged, NotifyMessageFailed, NotifyMessageIncoming, NotifyTypingChanged, NotifyPresenceChanged, NotifyCallStateChanged, NotifyStatusChanged} {
		tc.On(ev, func(event string, _ any) {
			tc.mu.Lock()
			tc.events = append(tc.events, event)
			tc.mu.Unlock()
		})
	}
	t.Cleanup(func() { tc.Close(context.Background()) })
	return tc
}

func (tc *testChat) count(event string) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	n := 0
	for _, e := range tc.events {
		if e == event {
			n++
		}
	}
	return n
}

func (tc *testChat) enter(t *testing.T, conversationID string) {
	t.Helper()
	require.NoError(t, tc.Session.EnterConversation(context.Background(), conversationID))
}
