package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (ports.ChunkQueue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	queue, err := NewChunkQueue(path)
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })
	return queue, path
}

func TestEnqueueAndListPending(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()
	sessionID := domain.SessionID("s1")

	require.NoError(t, queue.Enqueue(ctx, sessionID, 0, []byte("first"), "video/webm"))
	require.NoError(t, queue.Enqueue(ctx, sessionID, 1, []byte("second"), "video/webm"))
	require.NoError(t, queue.Enqueue(ctx, "other", 0, []byte("elsewhere"), "video/webm"))

	records, err := queue.ListPending(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, 0, records[0].PartIndex)
	assert.Equal(t, []byte("first"), records[0].Payload)
	assert.Equal(t, domain.ChunkPending, records[0].Status)
	assert.Equal(t, 1, records[1].PartIndex)
}

func TestEnqueueDuplicate(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()
	sessionID := domain.SessionID("s1")

	require.NoError(t, queue.Enqueue(ctx, sessionID, 0, []byte("a"), "video/webm"))
	err := queue.Enqueue(ctx, sessionID, 0, []byte("b"), "video/webm")
	assert.ErrorIs(t, err, domain.ErrDuplicateChunk)

	// The original payload survives the rejected duplicate.
	records, err := queue.ListPending(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []byte("a"), records[0].Payload)
}

func TestMarkStatus(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()
	sessionID := domain.SessionID("s1")

	require.NoError(t, queue.Enqueue(ctx, sessionID, 0, []byte("a"), "video/webm"))

	err := queue.MarkStatus(ctx, sessionID, 0, domain.ChunkFailed, ports.StatusFields{
		Retries:   2,
		LastError: "connection reset",
	})
	require.NoError(t, err)

	records, err := queue.ListPending(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ChunkFailed, records[0].Status)
	assert.Equal(t, 2, records[0].Retries)
	assert.Equal(t, "connection reset", records[0].LastError)
}

func TestMarkStatusUnknownChunk(t *testing.T) {
	queue, _ := newTestQueue(t)

	err := queue.MarkStatus(context.Background(), "s1", 42, domain.ChunkUploaded, ports.StatusFields{})
	assert.ErrorIs(t, err, domain.ErrChunkNotFound)
}

func TestStatsCountsByStatus(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()
	sessionID := domain.SessionID("s1")

	for i := 0; i < 4; i++ {
		require.NoError(t, queue.Enqueue(ctx, sessionID, i, []byte("x"), "video/webm"))
	}
	require.NoError(t, queue.MarkStatus(ctx, sessionID, 0, domain.ChunkUploaded, ports.StatusFields{}))
	require.NoError(t, queue.MarkStatus(ctx, sessionID, 1, domain.ChunkFailed, ports.StatusFields{Retries: 3}))
	require.NoError(t, queue.MarkStatus(ctx, sessionID, 2, domain.ChunkUploading, ports.StatusFields{}))

	stats, err := queue.Stats(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Pending: 1, Uploading: 1, Uploaded: 1, Failed: 1}, stats)
}

func TestSweep(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()
	sessionID := domain.SessionID("s1")

	for i := 0; i < 4; i++ {
		require.NoError(t, queue.Enqueue(ctx, sessionID, i, []byte("x"), "video/webm"))
	}
	require.NoError(t, queue.MarkStatus(ctx, sessionID, 0, domain.ChunkUploaded, ports.StatusFields{}))
	require.NoError(t, queue.MarkStatus(ctx, sessionID, 1, domain.ChunkFailed, ports.StatusFields{Retries: 10}))
	require.NoError(t, queue.MarkStatus(ctx, sessionID, 2, domain.ChunkFailed, ports.StatusFields{Retries: 1}))

	// Negative retention puts the cutoff in the future, so the uploaded
	// record is old enough to purge.
	result, err := queue.Sweep(ctx, sessionID, -time.Hour, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PurgedUploaded)
	assert.Equal(t, 1, result.PurgedFailed)
	assert.Equal(t, 1, result.Requeued)

	stats, err := queue.Stats(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Pending: 2}, stats)
}

func TestSweepKeepsRecentUploads(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()
	sessionID := domain.SessionID("s1")

	require.NoError(t, queue.Enqueue(ctx, sessionID, 0, []byte("x"), "video/webm"))
	require.NoError(t, queue.MarkStatus(ctx, sessionID, 0, domain.ChunkUploaded, ports.StatusFields{}))

	result, err := queue.Sweep(ctx, sessionID, time.Hour, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, result.PurgedUploaded)

	stats, err := queue.Stats(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)
}

func TestReopenRequeuesStrandedUploads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	queue, err := NewChunkQueue(path)
	require.NoError(t, err)

	ctx := context.Background()
	sessionID := domain.SessionID("s1")
	require.NoError(t, queue.Enqueue(ctx, sessionID, 0, []byte("in-flight"), "video/webm"))
	require.NoError(t, queue.MarkStatus(ctx, sessionID, 0, domain.ChunkUploading, ports.StatusFields{Retries: 1}))
	require.NoError(t, queue.Close())

	// A crash mid-transfer leaves the record in uploading; reopening must
	// hand it back to the workers.
	reopened, err := NewChunkQueue(path)
	require.NoError(t, err)
	defer reopened.Close()

	stats, err := reopened.Stats(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Pending: 1}, stats)

	records, err := reopened.ListPending(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ChunkPending, records[0].Status)
	assert.Equal(t, []byte("in-flight"), records[0].Payload)
	assert.Equal(t, 1, records[0].Retries)
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	queue, err := NewChunkQueue(path)
	require.NoError(t, err)

	ctx := context.Background()
	sessionID := domain.SessionID("s1")
	require.NoError(t, queue.Enqueue(ctx, sessionID, 0, []byte("durable"), "video/webm"))
	require.NoError(t, queue.MarkStatus(ctx, sessionID, 0, domain.ChunkFailed, ports.StatusFields{Retries: 1, LastError: "timeout"}))
	require.NoError(t, queue.Close())

	reopened, err := NewChunkQueue(path)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.ListPending(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []byte("durable"), records[0].Payload)
	assert.Equal(t, domain.ChunkFailed, records[0].Status)
	assert.Equal(t, 1, records[0].Retries)
	assert.Equal(t, "timeout", records[0].LastError)
}
