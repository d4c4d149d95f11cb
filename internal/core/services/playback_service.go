package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"
	"sessioncast/pkg/retry"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// PlaybackMetrics is the slice of the metrics collector playback needs.
type PlaybackMetrics interface {
	SegmentFetched(time.Duration)
	SegmentAppended()
	PlaybackStateChanged(prev, next string)
}

type PlaybackConfig struct {
	FetchAttempts  int
	FetchBaseDelay time.Duration
	ReadTTL        time.Duration
}

func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		FetchAttempts:  5,
		FetchBaseDelay: 250 * time.Millisecond,
		ReadTTL:        15 * time.Minute,
	}
}

// ReadURLResolver memoizes successful read-credential resolutions per path
// and collapses concurrent resolutions of the same path into one in-flight
// call.
type ReadURLResolver struct {
	credentials ports.CredentialIssuer
	sessionID   domain.SessionID
	ttl         time.Duration

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]ports.ReadCredential
}

func NewReadURLResolver(credentials ports.CredentialIssuer, sessionID domain.SessionID, ttl time.Duration) *ReadURLResolver {
	return &ReadURLResolver{
		credentials: credentials,
		sessionID:   sessionID,
		ttl:         ttl,
		cache:       make(map[string]ports.ReadCredential),
	}
}

func (r *ReadURLResolver) Resolve(ctx context.Context, path string) (string, error) {
	r.mu.RLock()
	cred, hit := r.cache[path]
	r.mu.RUnlock()
	if hit && time.Now().Before(cred.ExpiresAt) {
		return cred.ReadURL, nil
	}

	v, err, _ := r.group.Do(path, func() (interface{}, error) {
		issued, err := r.credentials.IssueReadCredential(ctx, r.sessionID, path, r.ttl)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[path] = issued
		r.mu.Unlock()
		return issued, nil
	})
	if err != nil {
		return "", err
	}
	return v.(ports.ReadCredential).ReadURL, nil
}

// SegmentFetcher retrieves one segment by index, resolving its path through
// the resolver and retrying transient failures with exponential backoff. A
// zero-byte response is transient, never accepted as data.
type SegmentFetcher struct {
	resolver *ReadURLResolver
	transfer ports.ObjectTransfer
	metrics  PlaybackMetrics
	cfg      PlaybackConfig
	session  domain.SessionID
}

func NewSegmentFetcher(resolver *ReadURLResolver, transfer ports.ObjectTransfer, metrics PlaybackMetrics, cfg PlaybackConfig, sessionID domain.SessionID) *SegmentFetcher {
	if cfg.FetchAttempts <= 0 {
		cfg = DefaultPlaybackConfig()
	}
	return &SegmentFetcher{
		resolver: resolver,
		transfer: transfer,
		metrics:  metrics,
		cfg:      cfg,
		session:  sessionID,
	}
}

func (f *SegmentFetcher) Fetch(ctx context.Context, index int) ([]byte, error) {
	path := domain.SegmentPath(f.session, index)
	start := time.Now()

	policy := retry.Config{
		MaxAttempts:  f.cfg.FetchAttempts,
		InitialDelay: f.cfg.FetchBaseDelay,
		Multiplier:   2.0,
		Permanent:    isCredentialDenial,
	}

	data, err := retry.DoWithResult(ctx, policy, func(attempt int) ([]byte, error) {
		url, err := f.resolver.Resolve(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve read url for %s: %w", path, err)
		}
		payload, err := f.transfer.Get(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch segment %d: %w", index, err)
		}
		if len(payload) == 0 {
			return nil, domain.ErrEmptySegment
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}

	if f.metrics != nil {
		f.metrics.SegmentFetched(time.Since(start))
	}
	return data, nil
}

type PlayerState string

const (
	StateInitializing PlayerState = "initializing"
	StateReady        PlayerState = "ready"
	StateBuffering    PlayerState = "buffering"
	StateDraining     PlayerState = "draining"
	StateEnded        PlayerState = "ended"
	StateErrored      PlayerState = "errored"
)

// Player reconstructs a continuous stream from out-of-band segments. Appends
// are strictly sequential: the fetch for segment i+1 starts only after
// segment i has been accepted by the sink.
type Player struct {
	sessionID domain.SessionID
	manifest  *domain.Manifest
	fetcher   *SegmentFetcher
	sink      ports.MediaSink
	metrics   PlaybackMetrics
	logger    *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     PlayerState
	err       error
	directURL string
	tornDown  bool

	// index of the next part to fetch
	next int
}

// PlaybackService tracks one Player per session.
type PlaybackService struct {
	credentials ports.CredentialIssuer
	transfer    ports.ObjectTransfer
	metrics     PlaybackMetrics
	cfg         PlaybackConfig
	logger      *zap.SugaredLogger

	mu      sync.Mutex
	players map[domain.SessionID]*Player
}

func NewPlaybackService(
	credentials ports.CredentialIssuer,
	transfer ports.ObjectTransfer,
	metrics PlaybackMetrics,
	cfg PlaybackConfig,
	logger *zap.SugaredLogger,
) *PlaybackService {
	if cfg.FetchAttempts <= 0 {
		cfg = DefaultPlaybackConfig()
	}
	return &PlaybackService{
		credentials: credentials,
		transfer:    transfer,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger,
		players:     make(map[domain.SessionID]*Player),
	}
}

// Play starts playback of a finalized recording. When the manifest declares
// exactly one part the segmented sink is skipped entirely and a single
// direct read URL is resolved instead.
func (s *PlaybackService) Play(ctx context.Context, manifest *domain.Manifest, sink ports.MediaSink) (*Player, error) {
	if manifest.TotalParts <= 0 {
		return nil, fmt.Errorf("manifest for session %s has no parts", manifest.SessionID)
	}
	if manifest.Recovered {
		s.logger.Warnw("playing recovered manifest; duration is estimated",
			"session_id", manifest.SessionID,
			"total_parts", manifest.TotalParts,
		)
	}

	resolver := NewReadURLResolver(s.credentials, manifest.SessionID, s.cfg.ReadTTL)

	if manifest.TotalParts == 1 {
		url, err := resolver.Resolve(ctx, domain.SegmentPath(manifest.SessionID, 0))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve direct playback url: %w", err)
		}
		player := &Player{
			sessionID: manifest.SessionID,
			manifest:  manifest,
			state:     StateReady,
			directURL: url,
			done:      make(chan struct{}),
			cancel:    func() {},
			logger:    s.logger,
			metrics:   s.metrics,
		}
		close(player.done)
		s.track(player)
		return player, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	player := &Player{
		sessionID: manifest.SessionID,
		manifest:  manifest,
		fetcher:   NewSegmentFetcher(resolver, s.transfer, s.metrics, s.cfg, manifest.SessionID),
		sink:      sink,
		metrics:   s.metrics,
		logger:    s.logger,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateInitializing,
	}
	s.track(player)

	go player.run(runCtx)
	return player, nil
}

func (s *PlaybackService) track(p *Player) {
	s.mu.Lock()
	s.players[p.sessionID] = p
	s.mu.Unlock()
}

// Stop tears down the session's player, if any.
func (s *PlaybackService) Stop(sessionID domain.SessionID) {
	s.mu.Lock()
	player, exists := s.players[sessionID]
	delete(s.players, sessionID)
	s.mu.Unlock()
	if exists {
		player.Teardown()
	}
}

// State returns the player's current state.
func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the terminal error for an errored player.
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// DirectURL is non-empty only on the single-part fast path.
func (p *Player) DirectURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.directURL
}

// Done closes when playback reaches a terminal state or is torn down.
func (p *Player) Done() <-chan struct{} {
	return p.done
}

// Teardown is idempotent and safe from any state. It cancels any in-flight
// fetch, releases the sink, and guarantees no state mutation is observed
// afterwards.
func (p *Player) Teardown() {
	p.mu.Lock()
	if p.tornDown {
		p.mu.Unlock()
		return
	}
	p.tornDown = true
	p.mu.Unlock()

	p.cancel()
	if p.sink != nil {
		p.sink.Close()
	}
}

// setState transitions the machine unless the player was torn down; the
// guard keeps post-teardown callbacks from mutating state.
func (p *Player) setState(next PlayerState, err error) {
	p.mu.Lock()
	if p.tornDown || p.state == StateEnded || p.state == StateErrored {
		p.mu.Unlock()
		return
	}
	prev := p.state
	p.state = next
	if err != nil {
		p.err = err
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.PlaybackStateChanged(string(prev), string(next))
	}
}

func (p *Player) run(ctx context.Context) {
	defer close(p.done)

	if err := p.sink.Open(ctx, p.manifest.Codec); err != nil {
		p.setState(StateErrored, fmt.Errorf("failed to open media sink: %w", err))
		p.logger.Errorw("playback errored on sink open",
			"session_id", p.sessionID, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.sink.Events():
			if !ok {
				return
			}
			if done := p.handleSinkEvent(ctx, ev); done {
				return
			}
		}
	}
}

// handleSinkEvent advances the state machine for one sink event. Events are
// consumed sequentially, so no further locking is needed around the append
// queue.
func (p *Player) handleSinkEvent(ctx context.Context, ev ports.SinkEvent) bool {
	switch ev.Kind {
	case ports.SinkOpened:
		// First segment primes the sink; ready comes once it is accepted.
		p.setState(StateBuffering, nil)
		return p.fetchAndAppend(ctx)

	case ports.SinkReady:
		if p.next < p.manifest.TotalParts {
			p.setState(StateBuffering, nil)
			return p.fetchAndAppend(ctx)
		}
		if p.State() != StateDraining {
			p.setState(StateDraining, nil)
			return false
		}
		p.setState(StateEnded, nil)
		p.sink.Close()
		p.logger.Infow("playback ended",
			"session_id", p.sessionID, "segments", p.manifest.TotalParts)
		return true

	case ports.SinkFailed:
		p.setState(StateErrored, ev.Err)
		p.logger.Errorw("playback errored",
			"session_id", p.sessionID, "error", ev.Err)
		return true

	default:
		return false
	}
}

func (p *Player) fetchAndAppend(ctx context.Context) bool {
	index := p.next
	segment, err := p.fetcher.Fetch(ctx, index)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		p.setState(StateErrored, fmt.Errorf("failed to fetch segment %d: %w", index, err))
		p.logger.Errorw("playback errored on segment fetch",
			"session_id", p.sessionID, "segment", index, "error", err)
		return true
	}
	p.next = index + 1
	return p.append(segment)
}

func (p *Player) append(segment []byte) bool {
	if err := p.sink.Append(segment); err != nil {
		p.setState(StateErrored, fmt.Errorf("failed to append segment: %w", err))
		return true
	}
	if p.metrics != nil {
		p.metrics.SegmentAppended()
	}
	if p.next >= p.manifest.TotalParts {
		p.setState(StateDraining, nil)
	} else {
		p.setState(StateReady, nil)
	}
	return false
}
