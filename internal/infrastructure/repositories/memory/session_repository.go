package memory

import (
	"context"
	"sync"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions  map[domain.SessionID]*domain.Session
	manifests map[domain.SessionID]*domain.Manifest
	mu        sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions:  make(map[domain.SessionID]*domain.Session),
		manifests: make(map[domain.SessionID]*domain.Manifest),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *session
	r.sessions[session.ID] = &clone
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	clone := *session
	return &clone, nil
}

func (r *MemorySessionRepository) Update(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; !exists {
		return domain.ErrSessionNotFound
	}
	clone := *session
	r.sessions[session.ID] = &clone
	return nil
}

func (r *MemorySessionRepository) WriteManifest(ctx context.Context, manifest *domain.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.manifests[manifest.SessionID]; exists {
		// A recovered manifest may be replaced by the authoritative one,
		// never the other way around.
		if !existing.Recovered || manifest.Recovered {
			return domain.ErrManifestExists
		}
	}
	clone := *manifest
	r.manifests[manifest.SessionID] = &clone
	return nil
}

func (r *MemorySessionRepository) GetManifest(ctx context.Context, id domain.SessionID) (*domain.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	manifest, exists := r.manifests[id]
	if !exists {
		return nil, domain.ErrManifestNotFound
	}
	clone := *manifest
	return &clone, nil
}
