package chatterbox

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// CallState is the state of the call session.
type CallState string

const (
	CallIdle      CallState = "idle"
	CallCalling   CallState = "calling"
	CallRinging   CallState = "ringing"
	CallConnected CallState = "connected"
)

// CallType is audio or video.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// MediaConstraints selects the local tracks to acquire.
type MediaConstraints struct {
	Audio bool
	Video bool
}

// MediaStream is a set of local capture tracks.
type MediaStream interface {
	ID() string
	HasVideo() bool
	// Stop releases every track. It must be safe to call more than once.
	Stop()
}

// MediaDevices acquires local media.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints MediaConstraints) (MediaStream, error)
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled ICE candidate.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// PeerState is the aggregate connection state of a peer connection.
type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// RemoteTrack describes a track received from the peer.
type RemoteTrack struct {
	ID   string
	Kind string
}

// PeerConnection is the media transport between the two call parties.
type PeerConnection interface {
	AddStream(stream MediaStream) error
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(candidate ICECandidate) error
	OnICECandidate(func(ICECandidate))
	OnConnectionStateChange(func(PeerState))
	OnRemoteTrack(func(RemoteTrack))
	Close() error
}

// PeerFactory creates peer connections.
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

type callOfferPayload struct {
	From  string             `json:"from"`
	To    string             `json:"to"`
	Type  CallType           `json:"type"`
	Offer SessionDescription `json:"offer"`
}

type incomingCallPayload struct {
	From  string             `json:"from"`
	Type  CallType           `json:"type"`
	Offer SessionDescription `json:"offer"`
}

type callAnswerPayload struct {
	From   string             `json:"from"`
	To     string             `json:"to,omitempty"`
	Answer SessionDescription `json:"answer"`
	Type   CallType           `json:"type,omitempty"`
}

type icePayload struct {
	From      string       `json:"from"`
	To        string       `json:"to,omitempty"`
	Candidate ICECandidate `json:"candidate"`
}

type callEndPayload struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
}

// CallSnapshot is a read-only view of the call session.
type CallSnapshot struct {
	State             CallState
	PeerID            string
	Type              CallType
	DialogVisible     bool
	HasPendingOffer   bool
	HasLocalStream    bool
	HasPeerConnection bool
	RemoteTracks      []RemoteTrack
}

var errCallSuperseded = newError(ErrCodeInvalidState, "call ended during setup")

// CallSession drives at most one peer-to-peer call. Every async step
// captures the session generation; a completion whose generation is no
// longer current releases what it acquired and does nothing else.
type CallSession struct {
	transport Transport
	devices   MediaDevices
	peers     PeerFactory
	selfID    string
	logger    logrus.FieldLogger
	metrics   *Metrics
	notify    *notifier

	mu            sync.Mutex
	gen           uint64
	state         CallState
	peerID        string
	callType      CallType
	dialogVisible bool
	local         MediaStream
	remote        []RemoteTrack
	pc            PeerConnection
	pendingOffer  *SessionDescription
	remoteSet     bool
	pendingICE    []ICECandidate
}

func newCallSession(transport Transport, devices MediaDevices, peers PeerFactory, selfID string, logger logrus.FieldLogger, metrics *Metrics, n *notifier) *CallSession {
	return &CallSession{
		transport: transport,
		devices:   devices,
		peers:     peers,
		selfID:    selfID,
		logger:    componentLogger(logger, "call"),
		metrics:   metrics,
		notify:    n,
		state:     CallIdle,
	}
}

func (c *CallSession) subscribe() []func() {
	return []func(){
		c.transport.Subscribe(EventCallIncoming, c.handleIncoming),
		c.transport.Subscribe(EventCallAnswer, c.handleAnswer),
		c.transport.Subscribe(EventICECandidate, c.handleCandidate),
		c.transport.Subscribe(EventCallEnd, c.handleRemoteEnd),
	}
}

// Snapshot returns the current call state.
func (c *CallSession) Snapshot() CallSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *CallSession) snapshotLocked() CallSnapshot {
	return CallSnapshot{
		State:             c.state,
		PeerID:            c.peerID,
		Type:              c.callType,
		DialogVisible:     c.dialogVisible,
		HasPendingOffer:   c.pendingOffer != nil,
		HasLocalStream:    c.local != nil,
		HasPeerConnection: c.pc != nil,
		RemoteTracks:      append([]RemoteTrack(nil), c.remote...),
	}
}

// State returns the call state.
func (c *CallSession) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CallSession) publish() {
	c.notify.emit(NotifyCallStateChanged, c.Snapshot())
}

// StartCall places a call. A video call whose camera cannot be acquired
// continues as audio. The session reaches CallConnected only when the peer
// connection reports connected.
func (c *CallSession) StartCall(ctx context.Context, peerID string, callType CallType) error {
	if callType != CallVideo {
		callType = CallAudio
	}
	c.mu.Lock()
	if c.state != CallIdle {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	if !c.transport.Connected() {
		c.mu.Unlock()
		return ErrNotReady
	}
	c.gen++
	gen := c.gen
	c.state = CallCalling
	c.peerID = peerID
	c.callType = callType
	c.dialogVisible = true
	c.mu.Unlock()
	c.publish()

	log := c.logger.WithFields(logrus.Fields{"peer_id": maskID(peerID), "type": callType})
	log.Info("starting call")

	stream, effective, err := c.acquireMedia(ctx, callType)
	if err != nil {
		return c.abort(ctx, gen, err)
	}
	if !c.adoptStream(gen, stream, effective) {
		return errCallSuperseded
	}

	pc, err := c.newPeer(gen, peerID)
	if err != nil {
		return c.abort(ctx, gen, err)
	}
	if pc == nil {
		return errCallSuperseded
	}
	if err := pc.AddStream(stream); err != nil {
		return c.abort(ctx, gen, wrapError(err, ErrCodeSignaling, "attach local tracks"))
	}
	offer, err := pc.CreateOffer()
	if err != nil {
		return c.abort(ctx, gen, wrapError(err, ErrCodeSignaling, "create offer"))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return c.abort(ctx, gen, wrapError(err, ErrCodeSignaling, "set local description"))
	}
	if !c.isCurrent(gen) {
		return errCallSuperseded
	}

	err = c.transport.Emit(ctx, EventCallOffer, callOfferPayload{
		From:  c.selfID,
		To:    peerID,
		Type:  effective,
		Offer: offer,
	})
	if err != nil {
		return c.abort(ctx, gen, wrapError(err, ErrCodeSignaling, "send offer"))
	}
	log.WithField("effective_type", effective).Debug("offer sent")
	return nil
}

// AcceptCall answers the ringing call with the same audio fallback as
// StartCall. The answer carries the effective call type.
func (c *CallSession) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state != CallRinging || c.pendingOffer == nil {
		state := c.state
		c.mu.Unlock()
		if state == CallIdle {
			return ErrInvalidState
		}
		return ErrCallInProgress
	}
	gen := c.gen
	peerID := c.peerID
	requested := c.callType
	offer := *c.pendingOffer
	c.pendingOffer = nil
	c.mu.Unlock()

	log := c.logger.WithFields(logrus.Fields{"peer_id": maskID(peerID), "type": requested})
	log.Info("accepting call")

	stream, effective, err := c.acquireMedia(ctx, requested)
	if err != nil {
		return c.abort(ctx, gen, err)
	}
	if !c.adoptStream(gen, stream, effective) {
		return errCallSuperseded
	}

	pc, err := c.newPeer(gen, peerID)
	if err != nil {
		return c.abort(ctx, gen, err)
	}
	if pc == nil {
		return errCallSuperseded
	}
	if err := pc.AddStream(stream); err != nil {
		return c.abort(ctx, gen, wrapError(err, ErrCodeSignaling, "attach local tracks"))
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return c.abort(ctx, gen, wrapError(err, ErrCodeSignaling, "set remote description"))
	}
	c.remoteDescriptionSet(gen)

	answer, err := pc.CreateAnswer()
	if err != nil {
		return c.abort(ctx, gen, wrapError(err, ErrCodeSignaling, "create answer"))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return c.abort(ctx, gen, wrapError(err, ErrCodeSignaling, "set local description"))
	}
	if !c.isCurrent(gen) {
		return errCallSuperseded
	}

	err = c.transport.Emit(ctx, EventCallAnswer, callAnswerPayload{
		From:   c.selfID,
		To:     peerID,
		Answer: answer,
		Type:   effective,
	})
	if err != nil {
		return c.abort(ctx, gen, wrapError(err, ErrCodeSignaling, "send answer"))
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return errCallSuperseded
	}
	c.state = CallConnected
	c.mu.Unlock()
	c.metrics.callResult("connected")
	log.WithField("effective_type", effective).Info("call connected")
	c.publish()
	return nil
}

// RejectCall declines the ringing call.
func (c *CallSession) RejectCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state != CallRinging {
		c.mu.Unlock()
		return ErrInvalidState
	}
	gen := c.gen
	c.mu.Unlock()
	c.teardown(ctx, gen, true, "rejected")
	return nil
}

// EndCall hangs up. It is a no-op when no call is active.
func (c *CallSession) EndCall(ctx context.Context) {
	c.mu.Lock()
	if c.state == CallIdle {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.mu.Unlock()
	c.teardown(ctx, gen, true, "ended")
}

func (c *CallSession) acquireMedia(ctx context.Context, callType CallType) (MediaStream, CallType, error) {
	if c.devices == nil {
		return nil, "", newError(ErrCodeMediaAcquisition, "no media devices configured")
	}
	if callType == CallVideo {
		stream, err := c.devices.GetUserMedia(ctx, MediaConstraints{Audio: true, Video: true})
		if err == nil {
			return stream, CallVideo, nil
		}
		c.logger.WithError(err).Warn("camera unavailable, falling back to audio")
	}
	stream, err := c.devices.GetUserMedia(ctx, MediaConstraints{Audio: true})
	if err != nil {
		return nil, "", wrapError(err, ErrCodeMediaAcquisition, "microphone unavailable")
	}
	return stream, CallAudio, nil
}

func (c *CallSession) adoptStream(gen uint64, stream MediaStream, effective CallType) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		stream.Stop()
		return false
	}
	c.local = stream
	c.callType = effective
	c.mu.Unlock()
	c.publish()
	return true
}

// newPeer creates and installs the peer connection. It returns nil, nil
// when the call was torn down meanwhile.
func (c *CallSession) newPeer(gen uint64, peerID string) (PeerConnection, error) {
	if c.peers == nil {
		return nil, newError(ErrCodeSignaling, "no peer factory configured")
	}
	pc, err := c.peers.NewPeerConnection()
	if err != nil {
		return nil, wrapError(err, ErrCodeSignaling, "create peer connection")
	}

	pc.OnICECandidate(func(cand ICECandidate) {
		if !c.isCurrent(gen) {
			return
		}
		err := c.transport.Emit(context.Background(), EventICECandidate, icePayload{
			From:      c.selfID,
			To:        peerID,
			Candidate: cand,
		})
		if err != nil {
			c.logger.WithError(err).Debug("ice candidate not sent")
		}
	})
	pc.OnConnectionStateChange(func(s PeerState) {
		c.handlePeerState(gen, s)
	})
	pc.OnRemoteTrack(func(t RemoteTrack) {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.remote = append(c.remote, t)
		c.mu.Unlock()
		c.publish()
	})

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = pc.Close()
		return nil, nil
	}
	old := c.pc
	c.pc = pc
	c.remoteSet = false
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return pc, nil
}

func (c *CallSession) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && c.state != CallIdle
}

// remoteDescriptionSet applies candidates that arrived before the remote
// description.
func (c *CallSession) remoteDescriptionSet(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.pc == nil {
		c.mu.Unlock()
		return
	}
	c.remoteSet = true
	buffered := c.pendingICE
	c.pendingICE = nil
	pc := c.pc
	c.mu.Unlock()

	for _, cand := range buffered {
		if err := pc.AddICECandidate(cand); err != nil {
			c.logger.WithError(err).Debug("buffered ice candidate rejected")
		}
	}
}

func (c *CallSession) handlePeerState(gen uint64, s PeerState) {
	switch s {
	case PeerConnected:
		c.mu.Lock()
		if gen != c.gen || c.state != CallCalling {
			c.mu.Unlock()
			return
		}
		c.state = CallConnected
		c.mu.Unlock()
		c.metrics.callResult("connected")
		c.logger.Info("call connected")
		c.publish()
	case PeerFailed:
		c.logger.Warn("peer connection failed")
		c.teardown(context.Background(), gen, true, "failed")
	}
}

func (c *CallSession) handleIncoming(_ string, data json.RawMessage) {
	var p incomingCallPayload
	if err := json.Unmarshal(data, &p); err != nil || p.From == "" {
		c.logger.Debug("malformed incoming call")
		return
	}
	if p.Type != CallVideo {
		p.Type = CallAudio
	}

	c.mu.Lock()
	if c.state != CallIdle {
		c.mu.Unlock()
		c.logger.WithField("peer_id", maskID(p.From)).Info("busy, ignoring incoming call")
		c.metrics.callResult("busy")
		return
	}
	c.gen++
	c.state = CallRinging
	c.peerID = p.From
	c.callType = p.Type
	c.dialogVisible = true
	offer := p.Offer
	c.pendingOffer = &offer
	c.remoteSet = false
	c.pendingICE = nil
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"peer_id": maskID(p.From), "type": p.Type}).Info("incoming call")
	c.publish()
}

func (c *CallSession) handleAnswer(_ string, data json.RawMessage) {
	var p callAnswerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}

	c.mu.Lock()
	if c.state != CallCalling || c.pc == nil || (p.From != "" && p.From != c.peerID) {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	pc := c.pc
	if p.Type == CallAudio || p.Type == CallVideo {
		c.callType = p.Type
	}
	c.mu.Unlock()

	if err := pc.SetRemoteDescription(p.Answer); err != nil {
		c.logger.WithError(err).Warn("applying answer failed")
		c.teardown(context.Background(), gen, true, "failed")
		return
	}
	c.remoteDescriptionSet(gen)
	c.publish()
}

func (c *CallSession) handleCandidate(_ string, data json.RawMessage) {
	var p icePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Candidate.Candidate == "" {
		return
	}

	c.mu.Lock()
	if c.state == CallIdle || (p.From != "" && p.From != c.peerID) {
		c.mu.Unlock()
		return
	}
	if c.pc == nil || !c.remoteSet {
		c.pendingICE = append(c.pendingICE, p.Candidate)
		c.mu.Unlock()
		return
	}
	pc := c.pc
	c.mu.Unlock()

	if err := pc.AddICECandidate(p.Candidate); err != nil {
		c.logger.WithError(err).Debug("ice candidate rejected")
	}
}

func (c *CallSession) handleRemoteEnd(_ string, data json.RawMessage) {
	var p callEndPayload
	_ = json.Unmarshal(data, &p)

	c.mu.Lock()
	if c.state == CallIdle || (p.From != "" && p.From != c.peerID) {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.mu.Unlock()
	c.teardown(context.Background(), gen, false, "remote_ended")
}

func (c *CallSession) abort(ctx context.Context, gen uint64, err error) error {
	c.logger.WithError(err).Warn("call setup failed")
	c.teardown(ctx, gen, true, "failed")
	return err
}

// teardown releases the peer connection and local tracks and returns the
// session to idle. Calls with a stale generation do nothing.
func (c *CallSession) teardown(ctx context.Context, gen uint64, notifyPeer bool, result string) {
	c.mu.Lock()
	if gen != c.gen || c.state == CallIdle {
		c.mu.Unlock()
		return
	}
	peerID := c.peerID
	pc, local := c.pc, c.local
	c.gen++
	c.state = CallIdle
	c.peerID = ""
	c.callType = ""
	c.dialogVisible = false
	c.local = nil
	c.remote = nil
	c.pc = nil
	c.pendingOffer = nil
	c.remoteSet = false
	c.pendingICE = nil
	c.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
	if local != nil {
		local.Stop()
	}
	if notifyPeer && peerID != "" {
		if err := c.transport.Emit(ctx, EventCallEnd, callEndPayload{To: peerID, From: c.selfID}); err != nil {
			c.logger.WithError(err).Debug("call end not signaled")
		}
	}
	c.metrics.callResult(result)
	c.logger.WithFields(logrus.Fields{"peer_id": maskID(peerID), "result": result}).Info("call ended")
	c.publish()
}
