package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"

	"go.uber.org/zap"
)

// CaptureMetrics is the slice of the metrics collector the capture side needs.
type CaptureMetrics interface {
	ChunkEnqueued()
}

// CaptureProfile describes the media a capture session produces.
type CaptureProfile struct {
	Container   string
	Codec       string
	ContentType string
	Width       int
	Height      int
}

// captureState is the per-session capture context. The part counter is the
// authoritative source for Manifest.TotalParts; it advances synchronously at
// chunk-emit time, independent of upload progress.
type captureState struct {
	profile    CaptureProfile
	partCount  int
	totalBytes int64
	startedAt  time.Time
	duration   time.Duration
	stopped    bool
}

// CaptureService owns the chunk producer side: it assigns sequence numbers,
// persists each finalized chunk into the durable queue, and builds the
// manifest once capture stops.
type CaptureService struct {
	queue        ports.ChunkQueue
	manifestSink ports.ManifestSink
	metrics      CaptureMetrics
	logger       *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[domain.SessionID]*captureState
}

func NewCaptureService(queue ports.ChunkQueue, manifestSink ports.ManifestSink, metrics CaptureMetrics, logger *zap.SugaredLogger) *CaptureService {
	return &CaptureService{
		queue:        queue,
		manifestSink: manifestSink,
		metrics:      metrics,
		logger:       logger,
		sessions:     make(map[domain.SessionID]*captureState),
	}
}

// StartCapture registers a capture session. Starting an already started
// session is an error; resume after a crash goes through ResumeCapture.
func (s *CaptureService) StartCapture(ctx context.Context, sessionID domain.SessionID, profile CaptureProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; exists {
		return fmt.Errorf("capture already started for session %s", sessionID)
	}

	s.sessions[sessionID] = &captureState{
		profile:   profile,
		startedAt: time.Now(),
	}
	s.logger.Infow("capture started",
		"session_id", sessionID,
		"container", profile.Container,
		"codec", profile.Codec,
	)
	return nil
}

// ResumeCapture rebuilds the part counter from the durable queue after a
// process restart. The queue is the single source of truth for resume.
func (s *CaptureService) ResumeCapture(ctx context.Context, sessionID domain.SessionID, profile CaptureProfile) error {
	stats, err := s.queue.Stats(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to read queue stats for resume: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sessionID] = &captureState{
		profile:   profile,
		partCount: stats.Total(),
		startedAt: time.Now(),
	}
	s.logger.Infow("capture resumed",
		"session_id", sessionID,
		"recovered_parts", stats.Total(),
	)
	return nil
}

// AppendChunk persists one finalized chunk and returns its part index.
// Indexes are assigned synchronously and never reused or reordered. The
// chunk counts toward the manifest only once it is durably enqueued.
func (s *CaptureService) AppendChunk(ctx context.Context, sessionID domain.SessionID, payload []byte) (int, error) {
	s.mu.Lock()
	state, exists := s.sessions[sessionID]
	if !exists {
		s.mu.Unlock()
		return 0, domain.ErrSessionNotFound
	}
	if state.stopped {
		s.mu.Unlock()
		return 0, domain.ErrSessionEnded
	}
	partIndex := state.partCount
	contentType := state.profile.ContentType
	s.mu.Unlock()

	if err := s.queue.Enqueue(ctx, sessionID, partIndex, payload, contentType); err != nil {
		return 0, fmt.Errorf("failed to enqueue chunk %d: %w", partIndex, err)
	}

	s.mu.Lock()
	state.partCount = partIndex + 1
	state.totalBytes += int64(len(payload))
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ChunkEnqueued()
	}
	s.logger.Debugw("chunk enqueued",
		"session_id", sessionID,
		"part_index", partIndex,
		"bytes", len(payload),
	)
	return partIndex, nil
}

// StopCapture marks the session stopped and records its duration. Appends
// after stop are rejected.
func (s *CaptureService) StopCapture(ctx context.Context, sessionID domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.sessions[sessionID]
	if !exists {
		return domain.ErrSessionNotFound
	}
	if state.stopped {
		return nil
	}
	state.stopped = true
	state.duration = time.Since(state.startedAt)

	s.logger.Infow("capture stopped",
		"session_id", sessionID,
		"parts", state.partCount,
		"duration", state.duration,
	)
	return nil
}

// Finalize builds the manifest from the authoritative part counter and hands
// it to the metadata boundary. Uploads may still be in flight; the counter,
// not queue state, decides TotalParts. A failing metadata call is surfaced,
// never swallowed.
func (s *CaptureService) Finalize(ctx context.Context, sessionID domain.SessionID) (*domain.Manifest, ports.ManifestReceipt, error) {
	s.mu.Lock()
	state, exists := s.sessions[sessionID]
	if !exists {
		s.mu.Unlock()
		return nil, ports.ManifestReceipt{}, domain.ErrSessionNotFound
	}
	if !state.stopped {
		s.mu.Unlock()
		return nil, ports.ManifestReceipt{}, fmt.Errorf("cannot finalize session %s: capture still running", sessionID)
	}
	manifest := &domain.Manifest{
		SessionID:       sessionID,
		Container:       state.profile.Container,
		Codec:           state.profile.Codec,
		TotalParts:      state.partCount,
		TotalBytes:      state.totalBytes,
		DurationSeconds: state.duration.Seconds(),
		Width:           state.profile.Width,
		Height:          state.profile.Height,
		CreatedAt:       time.Now(),
	}
	s.mu.Unlock()

	receipt, err := s.manifestSink.WriteManifest(ctx, manifest)
	if err != nil {
		return nil, ports.ManifestReceipt{}, fmt.Errorf("failed to write manifest for session %s: %w", sessionID, err)
	}

	s.logger.Infow("manifest finalized",
		"session_id", sessionID,
		"total_parts", manifest.TotalParts,
		"total_bytes", manifest.TotalBytes,
		"derived_segments", receipt.DerivedSegmentCount,
	)
	return manifest, receipt, nil
}

// Destroy releases the per-session capture context.
func (s *CaptureService) Destroy(sessionID domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
