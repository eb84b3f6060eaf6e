package chatterbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// wsServer accepts one channel at a time, greets it with hello and records
// every frame the client writes.
type wsServer struct {
	*httptest.Server
	hello  Frame
	frames chan Frame
	conns  chan *websocket.Conn

	mu    sync.Mutex
	token string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		hello:  Frame{Event: eventAuthenticated, Data: json.RawMessage(`{"userId":"u1"}`)},
		frames: make(chan Frame, 64),
		conns:  make(chan *websocket.Conn, 4),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.token = r.URL.Query().Get("token")
		s.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		hello, _ := json.Marshal(s.hello)
		if conn.Write(ctx, websocket.MessageText, hello) != nil {
			return
		}
		s.conns <- conn
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f Frame
			if json.Unmarshal(data, &f) == nil {
				s.frames <- f
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(waitFor):
		t.Fatal("no frame received")
		return Frame{}
	}
}

func (s *wsServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (s *wsServer) send(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
}

func connectChannel(t *testing.T, s *wsServer, cfg *ChannelConfig) (*Channel, *websocket.Conn) {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = clock.NewMock()
	}
	ch := NewChannel(s.URL, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, ch.Connect(ctx))
	t.Cleanup(func() { _ = ch.Disconnect() })
	return ch, s.conn(t)
}

func TestChannelConnectAuthenticates(t *testing.T) {
	s := newWSServer(t)
	var states []ConnState
	var mu sync.Mutex

	ch := NewChannel(s.URL, &ChannelConfig{Token: "a b&c", Clock: clock.NewMock()})
	ch.OnStateChange(func(st ConnState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})
	require.NoError(t, ch.Connect(context.Background()))
	s.conn(t)

	assert.True(t, ch.Connected())
	assert.Equal(t, "u1", ch.UserID())
	s.mu.Lock()
	assert.Equal(t, "a b&c", s.token)
	s.mu.Unlock()

	vis := s.next(t)
	assert.Equal(t, EventVisibility, vis.Event)
	assert.Equal(t, visibilityPayload{UserID: "u1", Visible: true}, decode[visibilityPayload](t, vis.Data))

	require.NoError(t, ch.Disconnect())
	assert.False(t, ch.Connected())
	mu.Lock()
	assert.Equal(t, []ConnState{ConnConnecting, ConnConnected, ConnDisconnected}, states)
	mu.Unlock()
}

func TestChannelConnectRejectsUnexpectedGreeting(t *testing.T) {
	s := newWSServer(t)
	s.hello = Frame{Event: "error", Data: json.RawMessage(`"bad token"`)}

	ch := NewChannel(s.URL, &ChannelConfig{Clock: clock.NewMock()})
	err := ch.Connect(context.Background())

	require.Error(t, err)
	assert.Equal(t, ConnDisconnected, ch.State())
}

func TestChannelSetVisibleReemitsOnChange(t *testing.T) {
	s := newWSServer(t)
	ch, _ := connectChannel(t, s, &ChannelConfig{Hidden: true})

	first := s.next(t)
	assert.False(t, decode[visibilityPayload](t, first.Data).Visible)

	ch.SetVisible(true)
	ch.SetVisible(true)
	require.NoError(t, ch.Emit(context.Background(), "marker", nil))

	second := s.next(t)
	assert.Equal(t, EventVisibility, second.Event)
	assert.True(t, decode[visibilityPayload](t, second.Data).Visible)
	assert.Equal(t, "marker", s.next(t).Event)
}

func TestChannelEmitWithAckResolvesByID(t *testing.T) {
	s := newWSServer(t)
	ch, conn := connectChannel(t, s, &ChannelConfig{})
	s.next(t) // visibility

	type result struct {
		data json.RawMessage
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := ch.EmitWithAck(context.Background(), EventSendMessage, map[string]string{"text": "hi"})
		done <- result{data, err}
	}()

	f := s.next(t)
	assert.Equal(t, EventSendMessage, f.Event)
	assert.JSONEq(t, `{"text":"hi"}`, string(f.Data))
	require.NotEmpty(t, f.AckID)

	s.send(t, conn, Frame{Event: eventAck, AckID: "unknown", Data: json.RawMessage(`{"status":"error"}`)})
	s.send(t, conn, Frame{Event: eventAck, AckID: f.AckID, Data: json.RawMessage(`{"status":"ok"}`)})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.JSONEq(t, `{"status":"ok"}`, string(r.data))
	case <-time.After(waitFor):
		t.Fatal("ack not resolved")
	}
}

func TestChannelDispatchesInRegistrationOrder(t *testing.T) {
	s := newWSServer(t)
	reg, metrics := newTestMetrics()
	ch, conn := connectChannel(t, s, &ChannelConfig{Metrics: metrics})

	var mu sync.Mutex
	var calls []string
	record := func(name string) EventHandler {
		return func(event string, data json.RawMessage) {
			mu.Lock()
			calls = append(calls, name+":"+string(data))
			mu.Unlock()
		}
	}
	ch.Subscribe(EventChatMessage, record("first"))
	dispose := ch.Subscribe(EventChatMessage, record("second"))
	ch.Subscribe(EventChatMessage, func(string, json.RawMessage) { panic("boom") })
	ch.Subscribe(EventChatMessage, record("fourth"))

	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), calls...)
	}

	s.send(t, conn, Frame{Event: EventChatMessage, Data: json.RawMessage(`1`)})
	require.Eventually(t, func() bool { return len(snapshot()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"first:1", "second:1", "fourth:1"}, snapshot())

	dispose()
	dispose()
	s.send(t, conn, Frame{Event: EventChatMessage, Data: json.RawMessage(`2`)})
	require.Eventually(t, func() bool { return len(snapshot()) == 5 }, waitFor, tick)
	assert.Equal(t, []string{"first:2", "fourth:2"}, snapshot()[3:])

	assert.Equal(t, 2.0, counterValue(t, reg, "chatterbox_push_events_total", EventChatMessage))
}

func TestChannelDisconnectLeavesAcksUnresolved(t *testing.T) {
	s := newWSServer(t)
	ch, _ := connectChannel(t, s, &ChannelConfig{})
	s.next(t) // visibility

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		_, err := ch.EmitWithAck(ctx, EventReadUpTo, map[string]string{"upToId": "m1"})
		done <- err
	}()
	assert.Equal(t, EventReadUpTo, s.next(t).Event)

	require.NoError(t, ch.Disconnect())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(waitFor):
		t.Fatal("EmitWithAck did not return")
	}

	err := ch.Emit(context.Background(), EventTypingSent, nil)
	assert.Equal(t, ErrCodeNotReady, CodeOf(err))
	_, err = ch.EmitWithAck(context.Background(), EventSendMessage, nil)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		base  string
		token string
		want  string
	}{
		{"http://localhost:3000", "", "ws://localhost:3000/ws"},
		{"https://chat.example.com/", "tok", "wss://chat.example.com/ws?token=tok"},
		{"https://chat.example.com", "a+b/c=", "wss://chat.example.com/ws?token=a%2Bb%2Fc%3D"},
	}
	for _, tt := range tests {
		ch := NewChannel(tt.base, &ChannelConfig{Token: tt.token})
		assert.Equal(t, tt.want, ch.URL())
	}
}

func TestReconnectorBackoff(t *testing.T) {
	clk := clock.NewMock()
	r := newReconnector(&ChannelConfig{
		Clock:                clk,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    5 * time.Second,
		MaxReconnectAttempts: 4,
	})

	for i, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		require.True(t, r.shouldReconnect(), "attempt %d", i)
		d, attempt := r.nextDelay()
		assert.Equal(t, i+1, attempt)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+time.Second/2)
	}
	d, attempt := r.nextDelay()
	assert.Equal(t, 5*time.Second, d)
	assert.Equal(t, 4, attempt)
	assert.False(t, r.shouldReconnect())

	r.markConnected()
	clk.Add(61 * time.Second)
	d, attempt = r.nextDelay()
	assert.LessOrEqual(t, d, 1500*time.Millisecond)
	assert.Equal(t, 1, attempt)
	assert.True(t, r.shouldReconnect())

	r.reset()
	assert.Zero(t, r.attempt)
}

// flakyServer greets every connection, acks heartbeats and records frames
// per connection. The first drops connections are closed by the server
// shortly after the greeting. before runs ahead of each upgrade and may
// answer the request itself by returning false.
type flakyServer struct {
	*httptest.Server
	requests atomic.Int32

	mu     sync.Mutex
	frames map[int][]Frame
	closed chan int
}

func newFlakyServer(t *testing.T, drops int, before func(w http.ResponseWriter, idx int) bool) *flakyServer {
	t.Helper()
	s := &flakyServer{frames: make(map[int][]Frame), closed: make(chan int, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(s.requests.Add(1)) - 1
		if before != nil && !before(w, idx) {
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { s.closed <- idx }()
		ctx := r.Context()
		hello, _ := json.Marshal(Frame{Event: eventAuthenticated, Data: json.RawMessage(`{"userId":"u1"}`)})
		if conn.Write(ctx, websocket.MessageText, hello) != nil {
			return
		}
		if idx < drops {
			time.AfterFunc(150*time.Millisecond, func() { conn.Close(websocket.StatusGoingAway, "restart") })
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f Frame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			s.mu.Lock()
			s.frames[idx] = append(s.frames[idx], f)
			s.mu.Unlock()
			if f.Event == eventPing {
				ack, _ := json.Marshal(Frame{Event: eventAck, AckID: f.AckID})
				_ = conn.Write(ctx, websocket.MessageText, ack)
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *flakyServer) received(idx int) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames[idx]...)
}

func countEvents(frames []Frame, event string) int {
	n := 0
	for _, f := range frames {
		if f.Event == event {
			n++
		}
	}
	return n
}

type stateLog struct {
	mu     sync.Mutex
	states []ConnState
}

func (l *stateLog) record(st ConnState) {
	l.mu.Lock()
	l.states = append(l.states, st)
	l.mu.Unlock()
}

func (l *stateLog) snapshot() []ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnState(nil), l.states...)
}

func TestChannelReconnectsAfterServerDrop(t *testing.T) {
	s := newFlakyServer(t, 3, nil)
	_, metrics := newTestMetrics()
	ch := NewChannel(s.URL, &ChannelConfig{
		Clock:              clock.New(),
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		HeartbeatInterval:  100 * time.Millisecond,
		HeartbeatTimeout:   time.Second,
		Metrics:            metrics,
	})
	var log stateLog
	ch.OnStateChange(log.record)
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(func() { _ = ch.Disconnect() })

	require.Eventually(t, func() bool {
		return s.requests.Load() == 4 && ch.Connected() && len(s.received(3)) > 0
	}, 3*waitFor, tick)

	want := []ConnState{ConnConnecting, ConnConnected}
	for i := 0; i < 3; i++ {
		want = append(want, ConnDisconnected, ConnReconnecting, ConnConnected)
	}
	assert.Equal(t, want, log.snapshot())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.reconnects))

	for idx := 0; idx < 4; idx++ {
		frames := s.received(idx)
		require.NotEmpty(t, frames, "connection %d", idx)
		assert.Equal(t, EventVisibility, frames[0].Event, "connection %d", idx)
	}

	// One heartbeat loop per connection: about ten pings a second on the
	// surviving connection, not one stream per connection ever opened.
	time.Sleep(time.Second)
	pings := countEvents(s.received(3), eventPing)
	assert.GreaterOrEqual(t, pings, 5)
	assert.LessOrEqual(t, pings, 14)
	assert.Equal(t, ConnConnected, ch.State())
}

func TestChannelStopsAfterMaxReconnectAttempts(t *testing.T) {
	s := newFlakyServer(t, 1, func(w http.ResponseWriter, idx int) bool {
		if idx == 0 {
			return true
		}
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return false
	})
	_, metrics := newTestMetrics()
	ch := NewChannel(s.URL, &ChannelConfig{
		Clock:                clock.New(),
		AutoReconnect:        true,
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   10 * time.Millisecond,
		Metrics:              metrics,
	})
	var log stateLog
	ch.OnStateChange(log.record)
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(func() { _ = ch.Disconnect() })

	require.Eventually(t, func() bool {
		return s.requests.Load() == 3 && testutil.ToFloat64(metrics.reconnects) == 2 && ch.State() == ConnDisconnected
	}, 3*waitFor, tick)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(3), s.requests.Load())
	assert.Equal(t, ConnDisconnected, ch.State())
	assert.Equal(t, []ConnState{
		ConnConnecting, ConnConnected,
		ConnDisconnected, ConnReconnecting,
		ConnDisconnected, ConnReconnecting,
		ConnDisconnected,
	}, log.snapshot())
}

func TestChannelDisconnectDuringReconnectDial(t *testing.T) {
	arrived := make(chan struct{})
	gate := make(chan struct{})
	s := newFlakyServer(t, 1, func(w http.ResponseWriter, idx int) bool {
		if idx == 1 {
			close(arrived)
			<-gate
		}
		return true
	})
	ch := NewChannel(s.URL, &ChannelConfig{
		Clock:              clock.New(),
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
	})
	var log stateLog
	ch.OnStateChange(log.record)
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(func() { _ = ch.Disconnect() })

	select {
	case <-arrived:
	case <-time.After(waitFor):
		t.Fatal("no reconnect attempt")
	}
	require.NoError(t, ch.Disconnect())
	close(gate)

	closed := map[int]bool{}
	require.Eventually(t, func() bool {
		select {
		case idx := <-s.closed:
			closed[idx] = true
		default:
		}
		return closed[0] && closed[1]
	}, waitFor, tick)

	assert.Equal(t, ConnDisconnected, ch.State())
	assert.False(t, ch.Connected())
	assert.Equal(t, int32(2), s.requests.Load())
	assert.Equal(t, []ConnState{ConnConnecting, ConnConnected, ConnDisconnected, ConnReconnecting, ConnDisconnected}, log.snapshot())
	assert.Empty(t, s.received(1))
}
