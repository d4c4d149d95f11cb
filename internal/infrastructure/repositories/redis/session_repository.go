package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisSessionRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionRepository(client *redis.Client) ports.SessionRepository {
	return &RedisSessionRepository{
		client: client,
		prefix: "sessioncast:session:",
	}
}

func (r *RedisSessionRepository) sessionKey(id domain.SessionID) string {
	return r.prefix + string(id)
}

func (r *RedisSessionRepository) manifestKey(id domain.SessionID) string {
	return r.prefix + string(id) + ":manifest"
}

func (r *RedisSessionRepository) liveSessionsKey() string {
	return r.prefix + "live"
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := r.client.Set(ctx, r.sessionKey(session.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}

	if session.Status == domain.SessionLive {
		if err := r.client.SAdd(ctx, r.liveSessionsKey(), string(session.ID)).Err(); err != nil {
			return fmt.Errorf("failed to add session to live set: %w", err)
		}
	}
	return nil
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (r *RedisSessionRepository) Update(ctx context.Context, session *domain.Session) error {
	if _, err := r.GetByID(ctx, session.ID); err != nil {
		return err
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := r.client.Set(ctx, r.sessionKey(session.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update session in Redis: %w", err)
	}

	liveKey := r.liveSessionsKey()
	if session.Status == domain.SessionLive {
		if err := r.client.SAdd(ctx, liveKey, string(session.ID)).Err(); err != nil {
			return fmt.Errorf("failed to add session to live set: %w", err)
		}
	} else {
		if err := r.client.SRem(ctx, liveKey, string(session.ID)).Err(); err != nil {
			return fmt.Errorf("failed to remove session from live set: %w", err)
		}
	}
	return nil
}

func (r *RedisSessionRepository) WriteManifest(ctx context.Context, manifest *domain.Manifest) error {
	existing, err := r.GetManifest(ctx, manifest.SessionID)
	if err == nil {
		if !existing.Recovered || manifest.Recovered {
			return domain.ErrManifestExists
		}
	} else if err != domain.ErrManifestNotFound {
		return err
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := r.client.Set(ctx, r.manifestKey(manifest.SessionID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set manifest in Redis: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) GetManifest(ctx context.Context, id domain.SessionID) (*domain.Manifest, error) {
	data, err := r.client.Get(ctx, r.manifestKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrManifestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest from Redis: %w", err)
	}

	var manifest domain.Manifest
	if err := json.Unmarshal([]byte(data), &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return &manifest, nil
}
