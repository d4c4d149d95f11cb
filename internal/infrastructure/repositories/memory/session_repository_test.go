package memory

import (
	"context"
	"testing"
	"time"

	"sessioncast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCreateGetUpdate(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	session := &domain.Session{
		ID:        "s1",
		Status:    domain.SessionLive,
		CreatedAt: time.Now(),
	}
	require.NoError(t, repo.Create(ctx, session))

	got, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionLive, got.Status)

	got.Status = domain.SessionCompleted
	require.NoError(t, repo.Update(ctx, got))

	updated, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, updated.Status)

	// The stored copy is isolated from the caller's struct.
	got.Status = domain.SessionLive
	again, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, again.Status)
}

func TestSessionGetUnknown(t *testing.T) {
	repo := NewMemorySessionRepository()

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionUpdateUnknown(t *testing.T) {
	repo := NewMemorySessionRepository()

	err := repo.Update(context.Background(), &domain.Session{ID: "missing"})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestWriteManifestOnce(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	manifest := &domain.Manifest{SessionID: "s1", Container: "webm", TotalParts: 3}
	require.NoError(t, repo.WriteManifest(ctx, manifest))

	err := repo.WriteManifest(ctx, &domain.Manifest{SessionID: "s1", TotalParts: 4})
	assert.ErrorIs(t, err, domain.ErrManifestExists)

	got, err := repo.GetManifest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalParts)
}

func TestAuthoritativeManifestReplacesRecovered(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	recovered := domain.RecoverManifest("s1", "webm", "vp8,opus", 3, 300)
	require.NoError(t, repo.WriteManifest(ctx, recovered))

	// A second recovered manifest is still rejected.
	err := repo.WriteManifest(ctx, domain.RecoverManifest("s1", "webm", "vp8,opus", 4, 400))
	assert.ErrorIs(t, err, domain.ErrManifestExists)

	// The authoritative one wins over the recovered placeholder.
	authoritative := &domain.Manifest{SessionID: "s1", Container: "webm", TotalParts: 5}
	require.NoError(t, repo.WriteManifest(ctx, authoritative))

	got, err := repo.GetManifest(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, got.Recovered)
	assert.Equal(t, 5, got.TotalParts)
}

func TestGetManifestUnknown(t *testing.T) {
	repo := NewMemorySessionRepository()

	_, err := repo.GetManifest(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrManifestNotFound)
}
