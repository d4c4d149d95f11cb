package domain

import (
	"fmt"
	"time"
)

type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkUploading ChunkStatus = "uploading"
	ChunkUploaded  ChunkStatus = "uploaded"
	ChunkFailed    ChunkStatus = "failed"
)

// ChunkRecord is one durable row of the upload queue. Identity is
// (SessionID, PartIndex); at most one record may exist per pair.
type ChunkRecord struct {
	SessionID   SessionID
	PartIndex   int
	Payload     []byte
	ContentType string
	Status      ChunkStatus
	Retries     int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QueueStats are per-status record counts for one session.
type QueueStats struct {
	Pending   int
	Uploading int
	Uploaded  int
	Failed    int
}

func (s QueueStats) Total() int {
	return s.Pending + s.Uploading + s.Uploaded + s.Failed
}

// Remaining reports records that still need a transfer attempt.
func (s QueueStats) Remaining() int {
	return s.Pending + s.Uploading + s.Failed
}

// SegmentPath is the storage object path for one part. Indexes are
// zero-padded so lexicographic listing matches playback order.
func SegmentPath(sessionID SessionID, partIndex int) string {
	return fmt.Sprintf("%s/part-%05d", SessionPrefix(sessionID), partIndex)
}

// SessionPrefix is the storage directory holding a session's segments.
func SessionPrefix(sessionID SessionID) string {
	return fmt.Sprintf("sessions/%s", sessionID)
}
