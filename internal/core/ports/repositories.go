package ports

import (
	"context"
	"time"

	"sessioncast/internal/core/domain"
)

// StatusFields carries the mutable bookkeeping written alongside a chunk
// status transition.
type StatusFields struct {
	Retries   int
	LastError string
}

// SweepResult reports what a retention sweep did.
type SweepResult struct {
	PurgedUploaded int
	PurgedFailed   int
	Requeued       int
}

// ChunkQueue is the durable upload queue. It is the only state shared across
// process restarts and the single source of truth for retry/resume.
type ChunkQueue interface {
	// Enqueue inserts one record with status pending. Fails with
	// domain.ErrDuplicateChunk when (sessionID, partIndex) already exists.
	Enqueue(ctx context.Context, sessionID domain.SessionID, partIndex int, payload []byte, contentType string) error

	// ListPending returns pending and failed records in arrival order.
	ListPending(ctx context.Context, sessionID domain.SessionID) ([]*domain.ChunkRecord, error)

	// MarkStatus transitions one record. Fails with domain.ErrChunkNotFound
	// when the record is absent.
	MarkStatus(ctx context.Context, sessionID domain.SessionID, partIndex int, status domain.ChunkStatus, fields StatusFields) error

	// Stats returns per-status counts for the session.
	Stats(ctx context.Context, sessionID domain.SessionID) (domain.QueueStats, error)

	// Sweep applies retention: uploaded records older than uploadedAge are
	// purged, failed records at or past retryCeiling are purged, remaining
	// failed records are reset to pending.
	Sweep(ctx context.Context, sessionID domain.SessionID, uploadedAge time.Duration, retryCeiling int) (SweepResult, error)

	Close() error
}

// SessionRepository stores session rows and their manifests on the gateway
// side.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	Update(ctx context.Context, session *domain.Session) error

	// WriteManifest stores the manifest and one segment row per part. Fails
	// with domain.ErrManifestExists unless the stored row is a recovered one
	// being replaced by an authoritative one.
	WriteManifest(ctx context.Context, manifest *domain.Manifest) error
	GetManifest(ctx context.Context, id domain.SessionID) (*domain.Manifest, error)
}
