package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"
)

type chunkKey struct {
	session domain.SessionID
	part    int
}

// MemoryChunkQueue mirrors the sqlite queue for tests and single-run tooling.
// It is not durable; the sqlite store is the one shared across restarts.
type MemoryChunkQueue struct {
	chunks map[chunkKey]*domain.ChunkRecord
	seq    map[chunkKey]int
	next   int
	mu     sync.RWMutex
}

func NewMemoryChunkQueue() ports.ChunkQueue {
	return &MemoryChunkQueue{
		chunks: make(map[chunkKey]*domain.ChunkRecord),
		seq:    make(map[chunkKey]int),
	}
}

func (q *MemoryChunkQueue) Enqueue(ctx context.Context, sessionID domain.SessionID, partIndex int, payload []byte, contentType string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := chunkKey{sessionID, partIndex}
	if _, exists := q.chunks[key]; exists {
		return domain.ErrDuplicateChunk
	}

	now := time.Now()
	q.chunks[key] = &domain.ChunkRecord{
		SessionID:   sessionID,
		PartIndex:   partIndex,
		Payload:     payload,
		ContentType: contentType,
		Status:      domain.ChunkPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.seq[key] = q.next
	q.next++
	return nil
}

func (q *MemoryChunkQueue) ListPending(ctx context.Context, sessionID domain.SessionID) ([]*domain.ChunkRecord, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var records []*domain.ChunkRecord
	for key, rec := range q.chunks {
		if key.session != sessionID {
			continue
		}
		if rec.Status == domain.ChunkPending || rec.Status == domain.ChunkFailed {
			clone := *rec
			records = append(records, &clone)
		}
	}

	// Arrival order.
	sort.Slice(records, func(i, j int) bool {
		ki := chunkKey{records[i].SessionID, records[i].PartIndex}
		kj := chunkKey{records[j].SessionID, records[j].PartIndex}
		return q.seq[ki] < q.seq[kj]
	})
	return records, nil
}

func (q *MemoryChunkQueue) MarkStatus(ctx context.Context, sessionID domain.SessionID, partIndex int, status domain.ChunkStatus, fields ports.StatusFields) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, exists := q.chunks[chunkKey{sessionID, partIndex}]
	if !exists {
		return domain.ErrChunkNotFound
	}

	rec.Status = status
	rec.Retries = fields.Retries
	rec.LastError = fields.LastError
	rec.UpdatedAt = time.Now()
	return nil
}

func (q *MemoryChunkQueue) Stats(ctx context.Context, sessionID domain.SessionID) (domain.QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var stats domain.QueueStats
	for key, rec := range q.chunks {
		if key.session != sessionID {
			continue
		}
		switch rec.Status {
		case domain.ChunkPending:
			stats.Pending++
		case domain.ChunkUploading:
			stats.Uploading++
		case domain.ChunkUploaded:
			stats.Uploaded++
		case domain.ChunkFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (q *MemoryChunkQueue) Sweep(ctx context.Context, sessionID domain.SessionID, uploadedAge time.Duration, retryCeiling int) (ports.SweepResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result ports.SweepResult
	cutoff := time.Now().Add(-uploadedAge)

	for key, rec := range q.chunks {
		if key.session != sessionID {
			continue
		}
		switch rec.Status {
		case domain.ChunkUploaded:
			if rec.UpdatedAt.Before(cutoff) {
				delete(q.chunks, key)
				delete(q.seq, key)
				result.PurgedUploaded++
			}
		case domain.ChunkFailed:
			if rec.Retries >= retryCeiling {
				delete(q.chunks, key)
				delete(q.seq, key)
				result.PurgedFailed++
			} else {
				rec.Status = domain.ChunkPending
				rec.UpdatedAt = time.Now()
				result.Requeued++
			}
		}
	}
	return result, nil
}

func (q *MemoryChunkQueue) Close() error {
	return nil
}
