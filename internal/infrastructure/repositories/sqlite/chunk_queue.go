package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"

	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS upload_chunks (
	session_id   TEXT    NOT NULL,
	part_index   INTEGER NOT NULL,
	payload      BLOB    NOT NULL,
	content_type TEXT    NOT NULL,
	status       TEXT    NOT NULL DEFAULT 'pending',
	retries      INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT    NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, part_index)
);
CREATE INDEX IF NOT EXISTS idx_upload_chunks_session_status
	ON upload_chunks (session_id, status);
`

// ChunkQueue is the sqlite-backed durable upload queue. Every mutation is a
// single transaction, so a crash at any point leaves each record either in
// its previous state or fully in the next one.
type ChunkQueue struct {
	db *sql.DB
}

// NewChunkQueue opens (creating if needed) the queue database at path.
// WAL mode keeps writers from corrupting the store on power loss.
func NewChunkQueue(path string) (ports.ChunkQueue, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate queue store: %w", err)
	}

	// No worker survives a restart, so any record still marked uploading was
	// stranded by a crash mid-transfer. Reset it to pending so the next run
	// picks it up.
	if _, err := db.Exec(`
		UPDATE upload_chunks
		SET status = ?, updated_at = ?
		WHERE status = ?`,
		string(domain.ChunkPending), time.Now().UTC(), string(domain.ChunkUploading),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to requeue stranded chunks: %w", err)
	}

	return &ChunkQueue{db: db}, nil
}

func (q *ChunkQueue) Enqueue(ctx context.Context, sessionID domain.SessionID, partIndex int, payload []byte, contentType string) error {
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO upload_chunks
			(session_id, part_index, payload, content_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(sessionID), partIndex, payload, contentType, string(domain.ChunkPending), now, now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return domain.ErrDuplicateChunk
		}
		return fmt.Errorf("failed to enqueue chunk: %w", err)
	}
	return nil
}

func (q *ChunkQueue) ListPending(ctx context.Context, sessionID domain.SessionID) ([]*domain.ChunkRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT session_id, part_index, payload, content_type, status, retries, last_error, created_at, updated_at
		FROM upload_chunks
		WHERE session_id = ? AND status IN (?, ?)
		ORDER BY created_at, part_index`,
		string(sessionID), string(domain.ChunkPending), string(domain.ChunkFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending chunks: %w", err)
	}
	defer rows.Close()

	var records []*domain.ChunkRecord
	for rows.Next() {
		rec, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (q *ChunkQueue) MarkStatus(ctx context.Context, sessionID domain.SessionID, partIndex int, status domain.ChunkStatus, fields ports.StatusFields) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE upload_chunks
		SET status = ?, retries = ?, last_error = ?, updated_at = ?
		WHERE session_id = ? AND part_index = ?`,
		string(status), fields.Retries, fields.LastError, time.Now().UTC(),
		string(sessionID), partIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to mark chunk status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrChunkNotFound
	}
	return nil
}

func (q *ChunkQueue) Stats(ctx context.Context, sessionID domain.SessionID) (domain.QueueStats, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM upload_chunks
		WHERE session_id = ?
		GROUP BY status`,
		string(sessionID),
	)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	var stats domain.QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return domain.QueueStats{}, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch domain.ChunkStatus(status) {
		case domain.ChunkPending:
			stats.Pending = count
		case domain.ChunkUploading:
			stats.Uploading = count
		case domain.ChunkUploaded:
			stats.Uploaded = count
		case domain.ChunkFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

func (q *ChunkQueue) Sweep(ctx context.Context, sessionID domain.SessionID, uploadedAge time.Duration, retryCeiling int) (ports.SweepResult, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return ports.SweepResult{}, fmt.Errorf("failed to begin sweep: %w", err)
	}
	defer tx.Rollback()

	var result ports.SweepResult

	cutoff := time.Now().UTC().Add(-uploadedAge)
	res, err := tx.ExecContext(ctx, `
		DELETE FROM upload_chunks
		WHERE session_id = ? AND status = ? AND updated_at < ?`,
		string(sessionID), string(domain.ChunkUploaded), cutoff,
	)
	if err != nil {
		return ports.SweepResult{}, fmt.Errorf("failed to purge uploaded chunks: %w", err)
	}
	n, _ := res.RowsAffected()
	result.PurgedUploaded = int(n)

	res, err = tx.ExecContext(ctx, `
		DELETE FROM upload_chunks
		WHERE session_id = ? AND status = ? AND retries >= ?`,
		string(sessionID), string(domain.ChunkFailed), retryCeiling,
	)
	if err != nil {
		return ports.SweepResult{}, fmt.Errorf("failed to purge failed chunks: %w", err)
	}
	n, _ = res.RowsAffected()
	result.PurgedFailed = int(n)

	res, err = tx.ExecContext(ctx, `
		UPDATE upload_chunks
		SET status = ?, updated_at = ?
		WHERE session_id = ? AND status = ?`,
		string(domain.ChunkPending), time.Now().UTC(),
		string(sessionID), string(domain.ChunkFailed),
	)
	if err != nil {
		return ports.SweepResult{}, fmt.Errorf("failed to requeue failed chunks: %w", err)
	}
	n, _ = res.RowsAffected()
	result.Requeued = int(n)

	if err := tx.Commit(); err != nil {
		return ports.SweepResult{}, fmt.Errorf("failed to commit sweep: %w", err)
	}
	return result, nil
}

func (q *ChunkQueue) Close() error {
	return q.db.Close()
}

func scanChunk(rows *sql.Rows) (*domain.ChunkRecord, error) {
	var rec domain.ChunkRecord
	var sessionID, status string
	if err := rows.Scan(
		&sessionID, &rec.PartIndex, &rec.Payload, &rec.ContentType,
		&status, &rec.Retries, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan chunk record: %w", err)
	}
	rec.SessionID = domain.SessionID(sessionID)
	rec.Status = domain.ChunkStatus(status)
	return &rec, nil
}
