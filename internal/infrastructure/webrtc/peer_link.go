package webrtc

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

type LinkEventKind string

const (
	LinkNegotiationNeeded LinkEventKind = "negotiation-needed"
	LinkCandidate         LinkEventKind = "candidate"
	LinkStateChange       LinkEventKind = "state-change"
	LinkTrack             LinkEventKind = "track"
)

// LinkEvent is emitted by a PeerLink onto its event channel. The owning
// manager consumes link events sequentially on one loop, so negotiation state
// never needs locking.
type LinkEvent struct {
	Kind      LinkEventKind
	Candidate *webrtc.ICECandidateInit
	State     webrtc.PeerConnectionState
	Track     *webrtc.TrackRemote
	Receiver  *webrtc.RTPReceiver
}

// PeerLink abstracts one peer connection for the negotiation manager. The
// production implementation wraps a pion PeerConnection; tests drive the
// manager with scripted links.
type PeerLink interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track *webrtc.TrackLocalStaticRTP) error
	SignalingState() webrtc.SignalingState
	Events() <-chan LinkEvent
	Close() error
}

// PionLink adapts a pion PeerConnection to the PeerLink interface, turning
// its callbacks into events on a single channel.
type PionLink struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	events chan LinkEvent
	closed bool
}

func NewPionLink(pc *webrtc.PeerConnection) *PionLink {
	l := &PionLink{
		pc:     pc,
		events: make(chan LinkEvent, 32),
	}

	pc.OnNegotiationNeeded(func() {
		l.emit(LinkEvent{Kind: LinkNegotiationNeeded})
	})
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		l.emit(LinkEvent{Kind: LinkCandidate, Candidate: &init})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.emit(LinkEvent{Kind: LinkStateChange, State: state})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		l.emit(LinkEvent{Kind: LinkTrack, Track: track, Receiver: receiver})
	})

	return l
}

var _ PeerLink = (*PionLink)(nil)

// NewPeerConnection builds a pion connection with the given ICE servers and
// optional ephemeral UDP port range.
func NewPeerConnection(iceServers []webrtc.ICEServer, portMin, portMax uint16) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers:   iceServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}

	settingEngine := webrtc.SettingEngine{}
	if portMin > 0 && portMax > 0 {
		settingEngine.SetEphemeralUDPPortRange(portMin, portMax)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

func (l *PionLink) emit(event LinkEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.events <- event:
	default:
		// Pion callbacks must never block; a full buffer means the manager
		// is gone or wedged, and negotiation will be repaired on rejoin.
	}
}

func (l *PionLink) CreateOffer() (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(nil)
}

func (l *PionLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *PionLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(desc)
}

func (l *PionLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(desc)
}

func (l *PionLink) Rollback() error {
	return l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (l *PionLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(candidate)
}

func (l *PionLink) AddTrack(track *webrtc.TrackLocalStaticRTP) error {
	_, err := l.pc.AddTrack(track)
	return err
}

func (l *PionLink) SignalingState() webrtc.SignalingState {
	return l.pc.SignalingState()
}

func (l *PionLink) Events() <-chan LinkEvent {
	return l.events
}

func (l *PionLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.pc.Close()
}
