package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"
	"sessioncast/pkg/retry"

	"go.uber.org/zap"
)

// UploadMetrics is the slice of the metrics collector the upload pool needs.
type UploadMetrics interface {
	UploadSucceeded()
	UploadFailed()
	UploadRetried()
	UploadStarted()
	UploadFinished()
}

// UploadConfig bounds the worker pool.
type UploadConfig struct {
	MaxConcurrent int
	MaxRetries    int
	Schedule      []time.Duration
}

func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		MaxConcurrent: 3,
		MaxRetries:    3,
		Schedule:      []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// Progress is a snapshot of upload completion, recomputed from queue stats
// after every completed transfer so observers see uploadedParts move
// monotonically.
type Progress struct {
	UploadedParts int
	FailedParts   int
	TotalParts    int
}

type ProgressFunc func(Progress)

type uploadRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// UploadService drains the durable queue with bounded concurrency. One run
// per session; a second Run while one is active is a reported no-op.
type UploadService struct {
	queue       ports.ChunkQueue
	credentials ports.CredentialIssuer
	transfer    ports.ObjectTransfer
	metrics     UploadMetrics
	cfg         UploadConfig
	logger      *zap.SugaredLogger

	mu   sync.Mutex
	runs map[domain.SessionID]*uploadRun
}

func NewUploadService(
	queue ports.ChunkQueue,
	credentials ports.CredentialIssuer,
	transfer ports.ObjectTransfer,
	metrics UploadMetrics,
	cfg UploadConfig,
	logger *zap.SugaredLogger,
) *UploadService {
	if cfg.MaxConcurrent <= 0 {
		cfg = DefaultUploadConfig()
	}
	return &UploadService{
		queue:       queue,
		credentials: credentials,
		transfer:    transfer,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger,
		runs:        make(map[domain.SessionID]*uploadRun),
	}
}

// Run drains pending and failed records for the session until none need a
// transfer attempt. It blocks until the drain finishes or the run is
// aborted. Calling Run while a run is active returns nil immediately.
func (s *UploadService) Run(ctx context.Context, sessionID domain.SessionID, onProgress ProgressFunc) error {
	s.mu.Lock()
	if _, running := s.runs[sessionID]; running {
		s.mu.Unlock()
		s.logger.Infow("upload run already active", "session_id", sessionID)
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &uploadRun{cancel: cancel, done: make(chan struct{})}
	s.runs[sessionID] = run
	s.mu.Unlock()

	defer func() {
		cancel()
		close(run.done)
		s.mu.Lock()
		delete(s.runs, sessionID)
		s.mu.Unlock()
	}()

	return s.drain(runCtx, sessionID, onProgress)
}

// Abort cancels the active run for the session, if any, and waits for its
// workers to settle. Safe to call at any time; aborting an idle session is a
// no-op.
func (s *UploadService) Abort(sessionID domain.SessionID) {
	s.mu.Lock()
	run, running := s.runs[sessionID]
	s.mu.Unlock()
	if !running {
		return
	}
	run.cancel()
	<-run.done
}

func (s *UploadService) drain(ctx context.Context, sessionID domain.SessionID, onProgress ProgressFunc) error {
	// Records that exhausted their retry budget during this run stay failed
	// until a retention sweep requeues them; without this set the drain loop
	// would spin on them.
	exhausted := make(map[int]bool)

	// Progress callbacks are serialized; workers complete concurrently.
	var progressMu sync.Mutex
	reportProgress := func() {
		stats, err := s.queue.Stats(ctx, sessionID)
		if err != nil {
			s.logger.Warnw("failed to read queue stats", "session_id", sessionID, "error", err)
			return
		}
		if onProgress != nil {
			progressMu.Lock()
			onProgress(Progress{
				UploadedParts: stats.Uploaded,
				FailedParts:   stats.Failed,
				TotalParts:    stats.Total(),
			})
			progressMu.Unlock()
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return domain.ErrUploadAborted
		}

		records, err := s.queue.ListPending(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to list pending chunks: %w", err)
		}

		var batch []*domain.ChunkRecord
		for _, rec := range records {
			if exhausted[rec.PartIndex] {
				continue
			}
			batch = append(batch, rec)
			if len(batch) == s.cfg.MaxConcurrent {
				break
			}
		}
		if len(batch) == 0 {
			return nil
		}

		var wg sync.WaitGroup
		for _, rec := range batch {
			wg.Add(1)
			go func(rec *domain.ChunkRecord) {
				defer wg.Done()
				if s.uploadOne(ctx, rec) {
					// Retry budget spent; leave it failed for the sweep.
					progressMu.Lock()
					exhausted[rec.PartIndex] = true
					progressMu.Unlock()
				}
				reportProgress()
			}(rec)
		}
		wg.Wait()
	}
}

// uploadOne transfers a single record through the retry policy. It reports
// whether the record ended up failed with its budget spent. Whatever
// happens, the record never stays in uploading: success marks uploaded,
// exhaustion marks failed, and an abort resets it to pending.
func (s *UploadService) uploadOne(ctx context.Context, rec *domain.ChunkRecord) (exhaustedBudget bool) {
	sessionID, partIndex := rec.SessionID, rec.PartIndex

	if err := s.queue.MarkStatus(ctx, sessionID, partIndex, domain.ChunkUploading, ports.StatusFields{
		Retries:   rec.Retries,
		LastError: rec.LastError,
	}); err != nil {
		s.logger.Warnw("failed to mark chunk uploading",
			"session_id", sessionID, "part_index", partIndex, "error", err)
		return false
	}

	if s.metrics != nil {
		s.metrics.UploadStarted()
		defer s.metrics.UploadFinished()
	}

	attempts := 0
	policy := retry.Config{
		MaxAttempts: s.cfg.MaxRetries + 1,
		Schedule:    s.cfg.Schedule,
		Permanent:   isCredentialDenial,
	}

	err := retry.Do(ctx, policy, func(attempt int) error {
		attempts = attempt
		if attempt > 0 && s.metrics != nil {
			s.metrics.UploadRetried()
		}

		cred, err := s.credentials.IssueUploadCredential(ctx, sessionID, partIndex, rec.ContentType)
		if err != nil {
			return fmt.Errorf("failed to issue upload credential: %w", err)
		}
		if err := s.transfer.Put(ctx, cred.WriteURL, rec.Payload, rec.ContentType); err != nil {
			return fmt.Errorf("failed to transfer chunk: %w", err)
		}
		return nil
	})

	if err == nil {
		if markErr := s.queue.MarkStatus(ctx, sessionID, partIndex, domain.ChunkUploaded, ports.StatusFields{
			Retries: attempts,
		}); markErr != nil {
			s.logger.Errorw("failed to mark chunk uploaded",
				"session_id", sessionID, "part_index", partIndex, "error", markErr)
		}
		if s.metrics != nil {
			s.metrics.UploadSucceeded()
		}
		s.logger.Debugw("chunk uploaded",
			"session_id", sessionID, "part_index", partIndex, "retries", attempts)
		return false
	}

	// Abort handler: a cancelled transfer goes back to pending so a later
	// run picks it up, never stuck in uploading.
	if ctx.Err() != nil {
		abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if markErr := s.queue.MarkStatus(abortCtx, sessionID, partIndex, domain.ChunkPending, ports.StatusFields{
			Retries:   rec.Retries,
			LastError: domain.ErrUploadAborted.Error(),
		}); markErr != nil {
			s.logger.Errorw("failed to reset aborted chunk",
				"session_id", sessionID, "part_index", partIndex, "error", markErr)
		}
		return false
	}

	if markErr := s.queue.MarkStatus(ctx, sessionID, partIndex, domain.ChunkFailed, ports.StatusFields{
		Retries:   attempts,
		LastError: err.Error(),
	}); markErr != nil {
		s.logger.Errorw("failed to mark chunk failed",
			"session_id", sessionID, "part_index", partIndex, "error", markErr)
	}
	if s.metrics != nil {
		s.metrics.UploadFailed()
	}
	s.logger.Warnw("chunk upload failed",
		"session_id", sessionID, "part_index", partIndex, "retries", attempts, "error", err)
	return true
}

func isCredentialDenial(err error) bool {
	return errors.Is(err, domain.ErrUnauthorized) ||
		errors.Is(err, domain.ErrForbidden) ||
		errors.Is(err, domain.ErrSessionNotFound)
}
