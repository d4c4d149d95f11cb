package ports

import (
	"context"
	"time"

	"sessioncast/internal/core/domain"
)

type WriteCredential struct {
	WriteURL string `json:"write_url"`
}

type ReadCredential struct {
	ReadURL   string    `json:"read_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CredentialIssuer is the external collaborator that mints short-lived
// storage credentials. Denials surface as domain.ErrUnauthorized,
// domain.ErrForbidden or domain.ErrSessionNotFound and are never retried.
type CredentialIssuer interface {
	IssueUploadCredential(ctx context.Context, sessionID domain.SessionID, partIndex int, contentType string) (WriteCredential, error)
	IssueReadCredential(ctx context.Context, sessionID domain.SessionID, path string, expiresIn time.Duration) (ReadCredential, error)
}

// ObjectTransfer moves payloads to and from credentialed storage URLs.
type ObjectTransfer interface {
	Put(ctx context.Context, url string, payload []byte, contentType string) error
	Get(ctx context.Context, url string) ([]byte, error)
}

type ManifestReceipt struct {
	Accepted            bool `json:"accepted"`
	DerivedSegmentCount int  `json:"derived_segment_count"`
}

// ManifestSink is the external metadata boundary the finalizer hands the
// manifest to.
type ManifestSink interface {
	WriteManifest(ctx context.Context, manifest *domain.Manifest) (ManifestReceipt, error)
}

// SessionLifecycle owns session state transitions on the collaborator side.
type SessionLifecycle interface {
	CreateSession(ctx context.Context, testLinkID string) (*domain.Session, error)
	EndLiveSession(ctx context.Context, sessionID domain.SessionID, participantID domain.ParticipantID) error
}

// SignalChannel is one multiplexed pub/sub side-channel per live session.
// Events arrive validated; malformed payloads are dropped at the boundary.
type SignalChannel interface {
	// Join announces presence and starts delivery on Events. The first event
	// delivered is a presence-sync of the current participant set.
	Join(ctx context.Context, entry domain.PresenceEntry) error
	Leave(ctx context.Context) error
	Publish(ctx context.Context, event domain.ChannelEvent) error
	Events() <-chan domain.ChannelEvent
	Close() error
}

type SinkEventKind string

const (
	SinkOpened SinkEventKind = "opened"
	SinkReady  SinkEventKind = "ready"
	SinkFailed SinkEventKind = "failed"
)

// SinkEvent is emitted by a MediaSink onto its event channel; the owning
// assembler consumes them sequentially, which keeps its state machine free of
// locks.
type SinkEvent struct {
	Kind SinkEventKind
	Err  error
}

// MediaSink is a buffered media destination. Open probes codec support and
// emits SinkOpened; each accepted append eventually emits SinkReady when the
// sink can take more data.
type MediaSink interface {
	Open(ctx context.Context, codec string) error
	Append(segment []byte) error
	Events() <-chan SinkEvent
	Close() error
}
