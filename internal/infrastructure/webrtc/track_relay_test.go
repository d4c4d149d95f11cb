package webrtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sessioncast/internal/core/domain"
)

// scriptedSource replays a fixed packet sequence, then a terminal error.
type scriptedSource struct {
	packets []*rtp.Packet
	final   error

	mu   sync.Mutex
	next int
}

func (s *scriptedSource) ReadRTP() (*rtp.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.packets) {
		if s.final != nil {
			return nil, s.final
		}
		return nil, io.EOF
	}
	packet := s.packets[s.next]
	s.next++
	return packet, nil
}

// scriptedRemote replays marshalled frames the way a TrackRemote would.
type scriptedRemote struct {
	frames [][]byte

	mu    sync.Mutex
	next  int
	reads int
}

func (r *scriptedRemote) ID() string { return "remote-0" }

func (r *scriptedRemote) Read(b []byte) (int, interceptor.Attributes, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.frames) {
		return 0, nil, io.EOF
	}
	n := copy(b, r.frames[r.next])
	r.next++
	r.reads++
	return n, nil, nil
}

func (r *scriptedRemote) readCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

func newRelayManager(t *testing.T) *PeerManager {
	t.Helper()
	return NewPeerManager(PeerManagerConfig{
		SessionID: "s1",
		SelfKey:   "broadcaster:b1",
		Role:      domain.RoleBroadcaster,
	}, newFakeChannel(), nil, &recordingMetrics{}, zap.NewNop().Sugar())
}

func newLocalTrack(t *testing.T) *webrtc.TrackLocalStaticRTP {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "cast",
	)
	require.NoError(t, err)
	return track
}

func testPacket(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           0xcafe,
		},
		Payload: []byte{0x90, 0x00, byte(seq)},
	}
}

func TestPumpTrackDrainsSource(t *testing.T) {
	m := newRelayManager(t)
	src := &scriptedSource{packets: []*rtp.Packet{testPacket(1), testPacket(2), testPacket(3)}}

	// The track has no bound link yet, so every write lands on a closed
	// pipe; the pump drops those packets and keeps reading.
	err := m.PumpTrack(context.Background(), src, newLocalTrack(t))
	assert.NoError(t, err)
	assert.Equal(t, 3, src.next)
}

func TestPumpTrackStopsOnSourceError(t *testing.T) {
	m := newRelayManager(t)
	readErr := errors.New("capture device lost")
	src := &scriptedSource{packets: []*rtp.Packet{testPacket(1)}, final: readErr}

	err := m.PumpTrack(context.Background(), src, newLocalTrack(t))
	assert.ErrorIs(t, err, readErr)
}

func TestPumpTrackStopsOnCancel(t *testing.T) {
	m := newRelayManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.PumpTrack(ctx, &scriptedSource{}, newLocalTrack(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForwardRemoteTrackConsumesUntilEOF(t *testing.T) {
	m := newRelayManager(t)

	frame1, err := testPacket(1).Marshal()
	require.NoError(t, err)
	frame2, err := testPacket(2).Marshal()
	require.NoError(t, err)
	remote := &scriptedRemote{frames: [][]byte{frame1, frame2}}

	m.ForwardRemoteTrack(remote, newLocalTrack(t))
	assert.Equal(t, 2, remote.readCount())
}

func TestForwardRemoteTrackSkipsMalformedFrame(t *testing.T) {
	m := newRelayManager(t)

	frame, err := testPacket(7).Marshal()
	require.NoError(t, err)
	remote := &scriptedRemote{frames: [][]byte{{0x00}, frame}}

	// The single-byte frame fails to parse; the forwarder skips it and
	// still drains the rest of the track.
	m.ForwardRemoteTrack(remote, newLocalTrack(t))
	assert.Equal(t, 2, remote.readCount())
}
