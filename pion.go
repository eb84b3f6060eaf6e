package chatterbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// ErrDeviceUnavailable is returned by SampleDevices for a missing device.
var ErrDeviceUnavailable = errors.New("media device unavailable")

// PionPeerFactory creates Pion WebRTC peer connections.
type PionPeerFactory struct {
	Config webrtc.Configuration
	API    *webrtc.API
}

// NewPionPeerFactory returns a factory using the given STUN/TURN urls.
func NewPionPeerFactory(iceServers ...string) *PionPeerFactory {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &PionPeerFactory{Config: cfg}
}

func (f *PionPeerFactory) NewPeerConnection() (PeerConnection, error) {
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if f.API != nil {
		pc, err = f.API.NewPeerConnection(f.Config)
	} else {
		pc, err = webrtc.NewPeerConnection(f.Config)
	}
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddStream(stream MediaStream) error {
	local, ok := stream.(*LocalStream)
	if !ok {
		return fmt.Errorf("unsupported media stream %T", stream)
	}
	for _, track := range local.Tracks() {
		if _, err := p.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
	}
	return nil
}

func (p *pionPeer) CreateOffer() (SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (p *pionPeer) CreateAnswer() (SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

func (p *pionPeer) SetLocalDescription(desc SessionDescription) error {
	return p.pc.SetLocalDescription(toPionDescription(desc))
}

func (p *pionPeer) SetRemoteDescription(desc SessionDescription) error {
	return p.pc.SetRemoteDescription(toPionDescription(desc))
}

func (p *pionPeer) AddICECandidate(c ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *pionPeer) OnICECandidate(f func(ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		init := c.ToJSON()
		f(ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *pionPeer) OnConnectionStateChange(f func(PeerState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateNew:
			f(PeerNew)
		case webrtc.PeerConnectionStateConnecting:
			f(PeerConnecting)
		case webrtc.PeerConnectionStateConnected:
			f(PeerConnected)
		case webrtc.PeerConnectionStateDisconnected:
			f(PeerDisconnected)
		case webrtc.PeerConnectionStateFailed:
			f(PeerFailed)
		case webrtc.PeerConnectionStateClosed:
			f(PeerClosed)
		}
	})
}

func (p *pionPeer) OnRemoteTrack(f func(RemoteTrack)) {
	p.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(RemoteTrack{ID: t.ID(), Kind: t.Kind().String()})
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func toPionDescription(d SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromPionDescription(d webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

// ============================================================================
// Local media
// ============================================================================

// LocalStream holds sample-fed local tracks. The host writes encoded
// frames into AudioTrack and VideoTrack; Stop detaches the stream.
type LocalStream struct {
	id    string
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	stopOnce sync.Once
	stopped  chan struct{}
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) HasVideo() bool { return s.video != nil }

// Stopped is closed by Stop.
func (s *LocalStream) Stopped() <-chan struct{} { return s.stopped }

// AudioTrack returns the Opus track.
func (s *LocalStream) AudioTrack() *webrtc.TrackLocalStaticSample { return s.audio }

// VideoTrack returns the VP8 track, or nil for an audio-only stream.
func (s *LocalStream) VideoTrack() *webrtc.TrackLocalStaticSample { return s.video }

// Tracks returns the tracks to attach to a peer connection.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{s.audio}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// SampleDevices creates LocalStreams backed by static-sample tracks. A
// device marked unavailable fails acquisition the way a denied permission
// does.
type SampleDevices struct {
	CameraAvailable     bool
	MicrophoneAvailable bool
}

func (d *SampleDevices) GetUserMedia(_ context.Context, constraints MediaConstraints) (MediaStream, error) {
	if constraints.Video && !d.CameraAvailable {
		return nil, fmt.Errorf("camera: %w", ErrDeviceUnavailable)
	}
	if constraints.Audio && !d.MicrophoneAvailable {
		return nil, fmt.Errorf("microphone: %w", ErrDeviceUnavailable)
	}

	streamID := "stream-" + uuid.NewString()
	s := &LocalStream{id: streamID, stopped: make(chan struct{})}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	s.audio = audio
	if constraints.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		s.video = video
	}
	return s, nil
}
