package services

import (
	"context"
	"errors"
	"testing"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"
	"sessioncast/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockManifestSink struct {
	mock.Mock
}

func (m *MockManifestSink) WriteManifest(ctx context.Context, manifest *domain.Manifest) (ports.ManifestReceipt, error) {
	args := m.Called(ctx, manifest)
	return args.Get(0).(ports.ManifestReceipt), args.Error(1)
}

func testProfile() CaptureProfile {
	return CaptureProfile{
		Container:   "webm",
		Codec:       "vp8,opus",
		ContentType: "video/webm",
		Width:       1280,
		Height:      720,
	}
}

func TestAppendChunkAssignsMonotonicIndexes(t *testing.T) {
	queue := memory.NewMemoryChunkQueue()
	service := NewCaptureService(queue, &MockManifestSink{}, nil, zap.NewNop().Sugar())
	ctx := context.Background()
	sessionID := domain.SessionID("s1")

	require.NoError(t, service.StartCapture(ctx, sessionID, testProfile()))

	for i := 0; i < 3; i++ {
		idx, err := service.AppendChunk(ctx, sessionID, []byte("chunk"))
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}

	records, err := queue.ListPending(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "video/webm", records[0].ContentType)
}

type countingCaptureMetrics struct {
	enqueued int
}

func (m *countingCaptureMetrics) ChunkEnqueued() { m.enqueued++ }

func TestAppendChunkReportsMetrics(t *testing.T) {
	queue := memory.NewMemoryChunkQueue()
	metrics := &countingCaptureMetrics{}
	service := NewCaptureService(queue, &MockManifestSink{}, metrics, zap.NewNop().Sugar())
	ctx := context.Background()
	sessionID := domain.SessionID("s1")

	require.NoError(t, service.StartCapture(ctx, sessionID, testProfile()))

	for i := 0; i < 2; i++ {
		_, err := service.AppendChunk(ctx, sessionID, []byte("chunk"))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, metrics.enqueued)

	// A rejected append does not count.
	require.NoError(t, service.StopCapture(ctx, sessionID))
	_, err := service.AppendChunk(ctx, sessionID, []byte("late"))
	require.ErrorIs(t, err, domain.ErrSessionEnded)
	assert.Equal(t, 2, metrics.enqueued)
}

func TestStartCaptureTwice(t *testing.T) {
	service := NewCaptureService(memory.NewMemoryChunkQueue(), &MockManifestSink{}, nil, zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, service.StartCapture(ctx, "s1", testProfile()))
	assert.Error(t, service.StartCapture(ctx, "s1", testProfile()))
}

func TestAppendChunkUnknownSession(t *testing.T) {
	service := NewCaptureService(memory.NewMemoryChunkQueue(), &MockManifestSink{}, nil, zap.NewNop().Sugar())

	_, err := service.AppendChunk(context.Background(), "missing", []byte("x"))
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestAppendChunkAfterStop(t *testing.T) {
	service := NewCaptureService(memory.NewMemoryChunkQueue(), &MockManifestSink{}, nil, zap.NewNop().Sugar())
	ctx := context.Background()
	sessionID := domain.SessionID("s1")

	require.NoError(t, service.StartCapture(ctx, sessionID, testProfile()))
	require.NoError(t, service.StopCapture(ctx, sessionID))

	_, err := service.AppendChunk(ctx, sessionID, []byte("late"))
	assert.ErrorIs(t, err, domain.ErrSessionEnded)
}

func TestFinalizeRequiresStop(t *testing.T) {
	service := NewCaptureService(memory.NewMemoryChunkQueue(), &MockManifestSink{}, nil, zap.NewNop().Sugar())
	ctx := context.Background()
	sessionID := domain.SessionID("s1")

	require.NoError(t, service.StartCapture(ctx, sessionID, testProfile()))

	_, _, err := service.Finalize(ctx, sessionID)
	assert.Error(t, err)
}

func TestFinalizeBuildsManifestFromCounter(t *testing.T) {
	sink := &MockManifestSink{}
	service := NewCaptureService(memory.NewMemoryChunkQueue(), sink, nil, zap.NewNop().Sugar())
	ctx := context.Background()
	sessionID := domain.SessionID("s1")

	require.NoError(t, service.StartCapture(ctx, sessionID, testProfile()))
	for i := 0; i < 4; i++ {
		_, err := service.AppendChunk(ctx, sessionID, []byte("12345"))
		require.NoError(t, err)
	}
	require.NoError(t, service.StopCapture(ctx, sessionID))

	sink.On("WriteManifest", mock.Anything, mock.MatchedBy(func(m *domain.Manifest) bool {
		return m.SessionID == sessionID && m.TotalParts == 4 && m.TotalBytes == 20 && !m.Recovered
	})).Return(ports.ManifestReceipt{Accepted: true, DerivedSegmentCount: 4}, nil)

	manifest, receipt, err := service.Finalize(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 4, manifest.TotalParts)
	assert.Equal(t, "webm", manifest.Container)
	assert.True(t, receipt.Accepted)
	assert.Equal(t, 4, receipt.DerivedSegmentCount)
	sink.AssertExpectations(t)
}

func TestFinalizeSurfacesSinkError(t *testing.T) {
	sink := &MockManifestSink{}
	service := NewCaptureService(memory.NewMemoryChunkQueue(), sink, nil, zap.NewNop().Sugar())
	ctx := context.Background()
	sessionID := domain.SessionID("s1")

	require.NoError(t, service.StartCapture(ctx, sessionID, testProfile()))
	require.NoError(t, service.StopCapture(ctx, sessionID))

	sinkErr := errors.New("gateway unreachable")
	sink.On("WriteManifest", mock.Anything, mock.Anything).Return(ports.ManifestReceipt{}, sinkErr)

	_, _, err := service.Finalize(ctx, sessionID)
	assert.ErrorIs(t, err, sinkErr)
}

func TestResumeCaptureRebuildsCounterFromQueue(t *testing.T) {
	queue := memory.NewMemoryChunkQueue()
	ctx := context.Background()
	sessionID := domain.SessionID("s1")

	// Chunks left behind by a previous process.
	require.NoError(t, queue.Enqueue(ctx, sessionID, 0, []byte("a"), "video/webm"))
	require.NoError(t, queue.Enqueue(ctx, sessionID, 1, []byte("b"), "video/webm"))
	require.NoError(t, queue.MarkStatus(ctx, sessionID, 0, domain.ChunkUploaded, ports.StatusFields{}))

	service := NewCaptureService(queue, &MockManifestSink{}, nil, zap.NewNop().Sugar())
	require.NoError(t, service.ResumeCapture(ctx, sessionID, testProfile()))

	// Uploaded chunks still count; the next index continues past them.
	idx, err := service.AppendChunk(ctx, sessionID, []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
}

func TestStopCaptureIdempotent(t *testing.T) {
	service := NewCaptureService(memory.NewMemoryChunkQueue(), &MockManifestSink{}, nil, zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, service.StartCapture(ctx, "s1", testProfile()))
	require.NoError(t, service.StopCapture(ctx, "s1"))
	assert.NoError(t, service.StopCapture(ctx, "s1"))
}

func TestDestroyReleasesSession(t *testing.T) {
	service := NewCaptureService(memory.NewMemoryChunkQueue(), &MockManifestSink{}, nil, zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, service.StartCapture(ctx, "s1", testProfile()))
	service.Destroy("s1")

	_, err := service.AppendChunk(ctx, "s1", []byte("x"))
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}
