package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"
)

// PeerMetrics is the slice of the metrics collector the manager reports to.
type PeerMetrics interface {
	PeerConnected(role string)
	PeerDisconnected(role string)
	SignalDropped(reason string)
	ObserveLatency(d time.Duration)
}

// LinkFactory builds the connection for one remote peer.
type LinkFactory func() (PeerLink, error)

// TrackHandler receives inbound remote tracks on the viewer side.
type TrackHandler func(key domain.PresenceKey, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

// PeerManagerConfig configures one session's negotiation manager.
type PeerManagerConfig struct {
	SessionID     domain.SessionID
	SelfKey       domain.PresenceKey
	Role          domain.Role
	ParticipantID domain.ParticipantID
	DisplayName   string

	// OutboundTracks are added to every link the broadcaster opens.
	OutboundTracks []*webrtc.TrackLocalStaticRTP
	OnTrack        TrackHandler
}

type peerState struct {
	key           domain.PresenceKey
	participantID domain.ParticipantID
	link          PeerLink

	makingOffer                bool
	ignoreOffer                bool
	settingRemoteAnswerPending bool
}

type linkSignal struct {
	key   domain.PresenceKey
	event LinkEvent
}

// PeerManager owns every peer connection of one session participant and runs
// the negotiation protocol over the session's signal channel. The broadcaster
// is impolite and wins offer collisions; viewers are polite and roll back.
// All negotiation state is touched only from the Run loop, which consumes
// channel and link events sequentially.
type PeerManager struct {
	cfg     PeerManagerConfig
	channel ports.SignalChannel
	newLink LinkFactory
	metrics PeerMetrics
	logger  *zap.SugaredLogger

	links      map[domain.PresenceKey]*peerState
	linkEvents chan linkSignal

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	tornDown bool
}

func NewPeerManager(
	cfg PeerManagerConfig,
	channel ports.SignalChannel,
	newLink LinkFactory,
	metrics PeerMetrics,
	logger *zap.SugaredLogger,
) *PeerManager {
	return &PeerManager{
		cfg:        cfg,
		channel:    channel,
		newLink:    newLink,
		metrics:    metrics,
		logger:     logger,
		links:      make(map[domain.PresenceKey]*peerState),
		linkEvents: make(chan linkSignal, 64),
		done:       make(chan struct{}),
	}
}

// Run joins the session channel and processes events until the context is
// cancelled, the channel closes, or the session ends. It returns nil on a
// clean session end.
func (m *PeerManager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return domain.ErrTornDown
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()
	defer close(m.done)
	defer cancel()

	entry := domain.PresenceEntry{
		Key:           m.cfg.SelfKey,
		Role:          m.cfg.Role,
		ParticipantID: m.cfg.ParticipantID,
		DisplayName:   m.cfg.DisplayName,
		JoinedAt:      time.Now().UTC(),
	}
	if err := m.channel.Join(runCtx, entry); err != nil {
		return fmt.Errorf("failed to join session channel: %w", err)
	}
	defer m.teardownLinks()
	defer func() {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer leaveCancel()
		m.channel.Leave(leaveCtx)
	}()

	m.logger.Infow("negotiation manager started",
		"session_id", m.cfg.SessionID,
		"key", m.cfg.SelfKey,
		"role", m.cfg.Role,
	)

	for {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case event, ok := <-m.channel.Events():
			if !ok {
				return nil
			}
			if ended := m.handleChannelEvent(runCtx, event); ended {
				return nil
			}
		case sig := <-m.linkEvents:
			m.handleLinkEvent(runCtx, sig)
		}
	}
}

// Teardown stops the manager and closes every link. Safe to call from any
// state and more than once.
func (m *PeerManager) Teardown() {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return
	}
	m.tornDown = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-m.done
	}
}

func (m *PeerManager) handleChannelEvent(ctx context.Context, event domain.ChannelEvent) (ended bool) {
	switch event.Kind {
	case domain.EventPresenceSync:
		for i := range event.Entries {
			m.handlePresenceJoin(ctx, event.Entries[i])
		}
	case domain.EventPresenceJoin:
		m.handlePresenceJoin(ctx, *event.Presence)
	case domain.EventPresenceLeave:
		if event.Presence.Key != m.cfg.SelfKey {
			m.removeLink(event.Presence.Key, "presence leave")
		}
	case domain.EventSignal:
		m.handleSignal(ctx, event.Signal)
	case domain.EventComment:
		// Comments ride the same channel but never touch negotiation.
	case domain.EventSessionEnded:
		m.logger.Infow("session ended, closing all links",
			"session_id", m.cfg.SessionID,
		)
		return true
	}
	return false
}

// handlePresenceJoin opens a connection to a newly present viewer. Only the
// broadcaster connects eagerly; viewers wait for the broadcaster's offer.
func (m *PeerManager) handlePresenceJoin(ctx context.Context, entry domain.PresenceEntry) {
	if entry.Key == m.cfg.SelfKey {
		return
	}
	if m.cfg.Role != domain.RoleBroadcaster || entry.Role != domain.RoleViewer {
		return
	}
	if _, err := m.ensureLink(ctx, entry.Key, entry.ParticipantID); err != nil {
		m.logger.Errorw("failed to open link for viewer",
			"session_id", m.cfg.SessionID,
			"viewer_key", entry.Key,
			"error", err,
		)
	}
}

func (m *PeerManager) handleSignal(ctx context.Context, env *domain.SignalEnvelope) {
	if env.From == string(m.cfg.SelfKey) {
		return
	}
	if !env.AddressedTo(m.cfg.SelfKey, m.cfg.Role) {
		m.metrics.SignalDropped("misaddressed")
		return
	}

	switch env.Type {
	case domain.SignalOffer:
		m.handleOffer(ctx, env)
	case domain.SignalAnswer:
		m.handleAnswer(env)
	case domain.SignalCandidate:
		m.handleCandidate(env)
	}
}

// handleOffer runs the collision side of the negotiation protocol. An
// impolite peer ignores a colliding offer outright; a polite one rolls its
// local description back and accepts the remote offer.
func (m *PeerManager) handleOffer(ctx context.Context, env *domain.SignalEnvelope) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(env.Data, &desc); err != nil {
		m.metrics.SignalDropped("malformed_payload")
		m.logger.Warnw("dropping undecodable offer",
			"session_id", m.cfg.SessionID,
			"from", env.From,
		)
		return
	}

	key := domain.PresenceKey(env.From)
	st, err := m.ensureLink(ctx, key, "")
	if err != nil {
		m.logger.Errorw("failed to open link for offer",
			"session_id", m.cfg.SessionID,
			"from", env.From,
			"error", err,
		)
		return
	}

	polite := m.cfg.Role == domain.RoleViewer
	collision := st.makingOffer || st.link.SignalingState() != webrtc.SignalingStateStable
	st.ignoreOffer = !polite && collision
	if st.ignoreOffer {
		m.logger.Debugw("ignoring colliding offer",
			"session_id", m.cfg.SessionID,
			"from", env.From,
		)
		return
	}

	if polite && collision {
		if err := st.link.Rollback(); err != nil {
			m.logger.Errorw("failed to roll back local description",
				"session_id", m.cfg.SessionID,
				"from", env.From,
				"error", err,
			)
			return
		}
	}

	if err := st.link.SetRemoteDescription(desc); err != nil {
		m.logger.Errorw("failed to accept offer",
			"session_id", m.cfg.SessionID,
			"from", env.From,
			"error", err,
		)
		return
	}

	answer, err := st.link.CreateAnswer()
	if err != nil {
		m.logger.Errorw("failed to create answer",
			"session_id", m.cfg.SessionID,
			"from", env.From,
			"error", err,
		)
		return
	}
	if err := st.link.SetLocalDescription(answer); err != nil {
		m.logger.Errorw("failed to apply local answer",
			"session_id", m.cfg.SessionID,
			"from", env.From,
			"error", err,
		)
		return
	}
	if err := m.sendSignal(ctx, st, domain.SignalAnswer, answer); err != nil {
		m.logger.Errorw("failed to send answer",
			"session_id", m.cfg.SessionID,
			"to", env.From,
			"error", err,
		)
	}
}

// handleAnswer accepts an answer only while a local offer is outstanding;
// anything else is a stale or duplicate answer and is dropped.
func (m *PeerManager) handleAnswer(env *domain.SignalEnvelope) {
	st, ok := m.links[domain.PresenceKey(env.From)]
	if !ok {
		m.metrics.SignalDropped("unknown_peer")
		return
	}
	if st.link.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		m.metrics.SignalDropped("unexpected_answer")
		m.logger.Debugw("dropping answer with no outstanding offer",
			"session_id", m.cfg.SessionID,
			"from", env.From,
		)
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(env.Data, &desc); err != nil {
		m.metrics.SignalDropped("malformed_payload")
		return
	}

	st.settingRemoteAnswerPending = true
	err := st.link.SetRemoteDescription(desc)
	st.settingRemoteAnswerPending = false
	if err != nil {
		m.logger.Errorw("failed to accept answer",
			"session_id", m.cfg.SessionID,
			"from", env.From,
			"error", err,
		)
	}
}

// handleCandidate applies a connectivity candidate. Application failures
// during an ignored offer or a pending remote answer are expected races and
// are swallowed.
func (m *PeerManager) handleCandidate(env *domain.SignalEnvelope) {
	st, ok := m.links[domain.PresenceKey(env.From)]
	if !ok {
		m.metrics.SignalDropped("unknown_peer")
		return
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Data, &candidate); err != nil {
		m.metrics.SignalDropped("malformed_payload")
		return
	}

	if err := st.link.AddICECandidate(candidate); err != nil {
		if st.ignoreOffer || st.settingRemoteAnswerPending {
			m.logger.Debugw("swallowing candidate error during negotiation race",
				"session_id", m.cfg.SessionID,
				"from", env.From,
			)
			return
		}
		m.logger.Errorw("failed to apply candidate",
			"session_id", m.cfg.SessionID,
			"from", env.From,
			"error", err,
		)
	}
}

func (m *PeerManager) handleLinkEvent(ctx context.Context, sig linkSignal) {
	st, ok := m.links[sig.key]
	if !ok {
		return
	}

	switch sig.event.Kind {
	case LinkNegotiationNeeded:
		st.makingOffer = true
		err := m.sendOffer(ctx, st)
		st.makingOffer = false
		if err != nil {
			m.logger.Errorw("failed to send offer",
				"session_id", m.cfg.SessionID,
				"to", st.key,
				"error", err,
			)
		}

	case LinkCandidate:
		if err := m.sendSignal(ctx, st, domain.SignalCandidate, sig.event.Candidate); err != nil {
			m.logger.Warnw("failed to send candidate",
				"session_id", m.cfg.SessionID,
				"to", st.key,
				"error", err,
			)
		}

	case LinkStateChange:
		m.handleLinkState(st, sig.event.State)

	case LinkTrack:
		m.logger.Infow("remote track received",
			"session_id", m.cfg.SessionID,
			"from", st.key,
			"codec", sig.event.Track.Codec().MimeType,
		)
		if sig.event.Receiver != nil {
			go m.observeRTCP(st.key, sig.event.Receiver)
		}
		if m.cfg.OnTrack != nil {
			m.cfg.OnTrack(st.key, sig.event.Track, sig.event.Receiver)
		}
	}
}

// handleLinkState removes a link on hard failure only. A transient
// "disconnected" may self-heal and keeps the link.
func (m *PeerManager) handleLinkState(st *peerState, state webrtc.PeerConnectionState) {
	m.logger.Infow("link state changed",
		"session_id", m.cfg.SessionID,
		"peer_key", st.key,
		"state", state,
	)

	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		m.removeLink(st.key, state.String())
	case webrtc.PeerConnectionStateDisconnected:
		m.logger.Warnw("link disconnected, waiting for recovery",
			"session_id", m.cfg.SessionID,
			"peer_key", st.key,
		)
	}
}

func (m *PeerManager) sendOffer(ctx context.Context, st *peerState) error {
	offer, err := st.link.CreateOffer()
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := st.link.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to apply local offer: %w", err)
	}
	return m.sendSignal(ctx, st, domain.SignalOffer, offer)
}

func (m *PeerManager) sendSignal(ctx context.Context, st *peerState, typ domain.SignalType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal signal payload: %w", err)
	}
	env := domain.SignalEnvelope{
		Type: typ,
		From: string(m.cfg.SelfKey),
		To:   m.addressFor(st),
		Data: data,
	}
	return m.channel.Publish(ctx, domain.ChannelEvent{Kind: domain.EventSignal, Signal: &env})
}

// addressFor picks the envelope address. Viewers always address the single
// broadcaster by its alias; the broadcaster addresses each viewer's key.
func (m *PeerManager) addressFor(st *peerState) string {
	if m.cfg.Role == domain.RoleViewer {
		return domain.BroadcasterAlias
	}
	return string(st.key)
}

func (m *PeerManager) ensureLink(ctx context.Context, key domain.PresenceKey, participantID domain.ParticipantID) (*peerState, error) {
	if st, ok := m.links[key]; ok {
		return st, nil
	}

	link, err := m.newLink()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer link: %w", err)
	}

	if m.cfg.Role == domain.RoleBroadcaster {
		for _, track := range m.cfg.OutboundTracks {
			if err := link.AddTrack(track); err != nil {
				link.Close()
				return nil, fmt.Errorf("failed to add outbound track: %w", err)
			}
		}
	}

	st := &peerState{
		key:           key,
		participantID: participantID,
		link:          link,
	}
	m.links[key] = st
	m.metrics.PeerConnected(string(m.remoteRole()))

	go m.pumpLink(ctx, key, link)

	m.logger.Infow("peer link opened",
		"session_id", m.cfg.SessionID,
		"peer_key", key,
	)
	return st, nil
}

func (m *PeerManager) pumpLink(ctx context.Context, key domain.PresenceKey, link PeerLink) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-link.Events():
			if !ok {
				return
			}
			select {
			case m.linkEvents <- linkSignal{key: key, event: event}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *PeerManager) removeLink(key domain.PresenceKey, reason string) {
	st, ok := m.links[key]
	if !ok {
		return
	}
	delete(m.links, key)
	if err := st.link.Close(); err != nil {
		m.logger.Warnw("failed to close peer link",
			"session_id", m.cfg.SessionID,
			"peer_key", key,
			"error", err,
		)
	}
	m.metrics.PeerDisconnected(string(m.remoteRole()))

	m.logger.Infow("peer link removed",
		"session_id", m.cfg.SessionID,
		"peer_key", key,
		"reason", reason,
	)
}

func (m *PeerManager) teardownLinks() {
	for key := range m.links {
		m.removeLink(key, "teardown")
	}
}

func (m *PeerManager) remoteRole() domain.Role {
	if m.cfg.Role == domain.RoleBroadcaster {
		return domain.RoleViewer
	}
	return domain.RoleBroadcaster
}
