/*
Package notify emits outbound events for the notification surface.

PURPOSE:
  Badge unlocks and credited rewards are reported to whatever renders
  notifications. This package only emits; rendering and delivery belong
  to the consumer. Events are published after the unit of work that
  produced them has committed, so a rolled-back badge never notifies.

PUBLISHERS:
  RedisPublisher: JSON on a Redis pub/sub channel
  LogPublisher:   zap log line (no Redis configured)
  Recorder:       keeps events in memory (tests)
*/
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/rebound-engine/generic"
)

const (
	EventBadgeUnlocked  = "badge.unlocked"
	EventRewardCredited = "reward.credited"
	EventTierChanged    = "tier.changed"
)

type Event struct {
	Type    string            `json:"type"`
	UserID  generic.EntityID  `json:"user_id"`
	At      time.Time         `json:"at"`
	Payload map[string]string `json:"payload,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublishAll publishes in order and returns the first error. Remaining
// events are still attempted.
func PublishAll(ctx context.Context, p Publisher, events []Event) error {
	var first error
	for _, ev := range events {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// =============================================================================
// REDIS
// =============================================================================

type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisClient builds a client with short timeouts; events are best effort.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", ev.Type, err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", ev.Type, err)
	}
	return nil
}

// =============================================================================
// LOG
// =============================================================================

type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("type", ev.Type),
		zap.String("user_id", string(ev.UserID)),
		zap.Time("at", ev.At),
	}
	for k, v := range ev.Payload {
		fields = append(fields, zap.String(k, v))
	}
	p.log.Info("event", fields...)
	return nil
}

// =============================================================================
// RECORDER
// =============================================================================

type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
