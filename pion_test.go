package chatterbox

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleDevicesAcquisition(t *testing.T) {
	ctx := context.Background()
	d := &SampleDevices{MicrophoneAvailable: true}

	_, err := d.GetUserMedia(ctx, MediaConstraints{Audio: true, Video: true})
	assert.ErrorIs(t, err, ErrDeviceUnavailable)

	stream, err := d.GetUserMedia(ctx, MediaConstraints{Audio: true})
	require.NoError(t, err)
	local := stream.(*LocalStream)
	assert.False(t, local.HasVideo())
	assert.Len(t, local.Tracks(), 1)
	assert.Equal(t, "audio", local.AudioTrack().Kind().String())

	local.Stop()
	local.Stop()
	select {
	case <-local.Stopped():
	default:
		t.Fatal("stream not stopped")
	}

	d.MicrophoneAvailable = false
	_, err = d.GetUserMedia(ctx, MediaConstraints{Audio: true})
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestPionPeersNegotiate(t *testing.T) {
	ctx := context.Background()
	devices := &SampleDevices{CameraAvailable: true, MicrophoneAvailable: true}
	factory := NewPionPeerFactory()

	caller, err := factory.NewPeerConnection()
	require.NoError(t, err)
	defer caller.Close()
	callee, err := factory.NewPeerConnection()
	require.NoError(t, err)
	defer callee.Close()

	stream, err := devices.GetUserMedia(ctx, MediaConstraints{Audio: true, Video: true})
	require.NoError(t, err)
	require.NoError(t, caller.AddStream(stream))

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.True(t, strings.Contains(offer.SDP, "m=audio"))
	assert.True(t, strings.Contains(offer.SDP, "m=video"))
	require.NoError(t, caller.SetLocalDescription(offer))

	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	require.NoError(t, callee.SetLocalDescription(answer))
	require.NoError(t, caller.SetRemoteDescription(answer))

	assert.Error(t, caller.AddStream(&fakeStream{id: "foreign"}))
}
