// Package eventlog remembers processed webhook event ids so redeliveries are
// acknowledged without being reprocessed.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL covers Stripe's three-day retry window with margin.
const DefaultTTL = 7 * 24 * time.Hour

const keyPrefix = "membership:webhook:event:"

// Redis stores processed event ids as keys with a TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("eventlog: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("eventlog: redis ping failed: %w", err)
	}
	return NewRedisWithClient(client, ttl), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Seen reports whether the event id was marked before.
func (r *Redis) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, keyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("eventlog: exists %s: %w", eventID, err)
	}
	return n > 0, nil
}

// Mark records the event id as processed.
func (r *Redis) Mark(ctx context.Context, eventID string) error {
	if err := r.client.Set(ctx, keyPrefix+eventID, time.Now().UTC().Format(time.RFC3339), r.ttl).Err(); err != nil {
		return fmt.Errorf("eventlog: mark %s: %w", eventID, err)
	}
	return nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Memory is a process-local log used when Redis is not configured.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

// NewMemory creates an in-process event log.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

// Seen reports whether the event id was marked and has not expired.
func (m *Memory) Seen(_ context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("eventlog: empty event id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.seen[eventID]
	if !ok {
		return false, nil
	}
	if m.now().After(exp) {
		delete(m.seen, eventID)
		return false, nil
	}
	return true, nil
}

// Mark records the event id as processed.
func (m *Memory) Mark(_ context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("eventlog: empty event id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, exp := range m.seen {
		if now.After(exp) {
			delete(m.seen, id)
		}
	}
	m.seen[eventID] = now.Add(m.ttl)
	return nil
}
