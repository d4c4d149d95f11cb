package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"
)

const (
	channelKeyPrefix  = "sessioncast:channel:"
	presenceKeyPrefix = "sessioncast:presence:"
	presenceTTL       = 2 * time.Hour
	eventBufferSize   = 64
)

// DropReporter counts events discarded at the channel boundary.
type DropReporter interface {
	SignalDropped(reason string)
}

// RedisChannel is one per-session pub/sub side-channel backed by redis. Each
// participant holds its own RedisChannel; presence lives in a shared hash so
// late joiners can synthesize a presence-sync without a broker round trip.
type RedisChannel struct {
	client    *redis.Client
	sessionID domain.SessionID
	logger    *zap.SugaredLogger
	drops     DropReporter

	mu     sync.Mutex
	pubsub *redis.PubSub
	entry  domain.PresenceEntry
	joined bool
	closed bool
	events chan domain.ChannelEvent
	cancel context.CancelFunc
}

func NewRedisChannel(client *redis.Client, sessionID domain.SessionID, logger *zap.SugaredLogger, drops DropReporter) *RedisChannel {
	return &RedisChannel{
		client:    client,
		sessionID: sessionID,
		logger:    logger,
		drops:     drops,
		events:    make(chan domain.ChannelEvent, eventBufferSize),
	}
}

var _ ports.SignalChannel = (*RedisChannel)(nil)

func (c *RedisChannel) topic() string {
	return channelKeyPrefix + string(c.sessionID)
}

func (c *RedisChannel) presenceKey() string {
	return presenceKeyPrefix + string(c.sessionID)
}

// Join records the entry in the presence hash, announces it on the channel
// and starts delivering events. The first delivered event is a presence-sync
// built from the hash as it stood at subscribe time.
func (c *RedisChannel) Join(ctx context.Context, entry domain.PresenceEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrTornDown
	}
	if c.joined {
		return fmt.Errorf("already joined channel for session %s", c.sessionID)
	}

	c.pubsub = c.client.Subscribe(ctx, c.topic())
	// Forces the SUBSCRIBE round trip so no join announcement is missed.
	if _, err := c.pubsub.Receive(ctx); err != nil {
		c.pubsub.Close()
		c.pubsub = nil
		return fmt.Errorf("failed to subscribe to channel: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		c.pubsub.Close()
		c.pubsub = nil
		return fmt.Errorf("failed to marshal presence entry: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.presenceKey(), string(entry.Key), data)
	pipe.Expire(ctx, c.presenceKey(), presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.pubsub.Close()
		c.pubsub = nil
		return fmt.Errorf("failed to record presence: %w", err)
	}

	roster, err := c.snapshotPresence(ctx)
	if err != nil {
		c.pubsub.Close()
		c.pubsub = nil
		return err
	}

	c.entry = entry
	c.joined = true

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(runCtx, roster)

	if err := c.publishLocked(ctx, domain.ChannelEvent{
		Kind:     domain.EventPresenceJoin,
		Presence: &entry,
	}); err != nil {
		c.logger.Warnw("failed to announce join",
			"session_id", c.sessionID,
			"key", entry.Key,
			"error", err,
		)
	}

	c.logger.Infow("joined signal channel",
		"session_id", c.sessionID,
		"key", entry.Key,
		"role", entry.Role,
	)
	return nil
}

func (c *RedisChannel) snapshotPresence(ctx context.Context) ([]domain.PresenceEntry, error) {
	rows, err := c.client.HGetAll(ctx, c.presenceKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence hash: %w", err)
	}
	entries := make([]domain.PresenceEntry, 0, len(rows))
	for key, raw := range rows {
		var entry domain.PresenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Validate() != nil {
			c.reportDrop("malformed_presence")
			c.logger.Warnw("dropping malformed presence row",
				"session_id", c.sessionID,
				"key", key,
			)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (c *RedisChannel) run(ctx context.Context, roster []domain.PresenceEntry) {
	c.deliver(ctx, domain.ChannelEvent{Kind: domain.EventPresenceSync, Entries: roster})

	ch := c.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event domain.ChannelEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				c.reportDrop("malformed_payload")
				c.logger.Warnw("dropping undecodable channel event",
					"session_id", c.sessionID,
					"error", err,
				)
				continue
			}
			if err := event.Validate(); err != nil {
				c.reportDrop("malformed_payload")
				c.logger.Warnw("dropping malformed channel event",
					"session_id", c.sessionID,
					"kind", event.Kind,
				)
				continue
			}
			c.deliver(ctx, event)
		}
	}
}

// deliver drops the oldest buffered event when the consumer lags rather than
// blocking the subscriber loop.
func (c *RedisChannel) deliver(ctx context.Context, event domain.ChannelEvent) {
	select {
	case c.events <- event:
	default:
		select {
		case <-c.events:
			c.reportDrop("consumer_lag")
		default:
		}
		select {
		case c.events <- event:
		case <-ctx.Done():
		}
	}
}

func (c *RedisChannel) Leave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return nil
	}

	entry := c.entry
	if err := c.client.HDel(ctx, c.presenceKey(), string(entry.Key)).Err(); err != nil {
		c.logger.Warnw("failed to clear presence",
			"session_id", c.sessionID,
			"key", entry.Key,
			"error", err,
		)
	}
	if err := c.publishLocked(ctx, domain.ChannelEvent{
		Kind:     domain.EventPresenceLeave,
		Presence: &entry,
	}); err != nil {
		c.logger.Warnw("failed to announce leave",
			"session_id", c.sessionID,
			"key", entry.Key,
			"error", err,
		)
	}

	c.teardownLocked()
	c.joined = false

	c.logger.Infow("left signal channel",
		"session_id", c.sessionID,
		"key", entry.Key,
	)
	return nil
}

func (c *RedisChannel) Publish(ctx context.Context, event domain.ChannelEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrTornDown
	}
	return c.publishLocked(ctx, event)
}

func (c *RedisChannel) publishLocked(ctx context.Context, event domain.ChannelEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal channel event: %w", err)
	}
	if err := c.client.Publish(ctx, c.topic(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish channel event: %w", err)
	}
	return nil
}

func (c *RedisChannel) Events() <-chan domain.ChannelEvent {
	return c.events
}

func (c *RedisChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.teardownLocked()
	return nil
}

func (c *RedisChannel) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.pubsub != nil {
		c.pubsub.Close()
		c.pubsub = nil
	}
}

func (c *RedisChannel) reportDrop(reason string) {
	if c.drops != nil {
		c.drops.SignalDropped(reason)
	}
}
