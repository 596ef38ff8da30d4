package allocation

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ExclusionSet is the per-booking record of drivers who must not be
// offered that booking again (they rejected it, or their claim failed).
// Kept in an external keyed store so the set survives process restarts
// and is shared across instances.
type ExclusionSet interface {
	Add(ctx context.Context, bookingID, driverID string) error
	Members(ctx context.Context, bookingID string) ([]string, error)
}

// RedisExclusions stores each booking's exclusions in a Redis set with a
// TTL; stale bookings age out on their own.
type RedisExclusions struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisExclusions(client *redis.Client) *RedisExclusions {
	return &RedisExclusions{client: client, ttl: 24 * time.Hour}
}

func (r *RedisExclusions) Add(ctx context.Context, bookingID, driverID string) error {
	key := exclKey(bookingID)
	if err := r.client.SAdd(ctx, key, driverID).Err(); err != nil {
		return err
	}
	return r.client.Expire(ctx, key, r.ttl).Err()
}

func (r *RedisExclusions) Members(ctx context.Context, bookingID string) ([]string, error) {
	return r.client.SMembers(ctx, exclKey(bookingID)).Result()
}

func exclKey(bookingID string) string { return "booking:excl:" + bookingID }

// MemoryExclusions is the single-process fallback.
type MemoryExclusions struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

func NewMemoryExclusions() *MemoryExclusions {
	return &MemoryExclusions{sets: make(map[string]map[string]struct{})}
}

func (m *MemoryExclusions) Add(ctx context.Context, bookingID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[bookingID]
	if !ok {
		s = make(map[string]struct{})
		m.sets[bookingID] = s
	}
	s[driverID] = struct{}{}
	return nil
}

func (m *MemoryExclusions) Members(ctx context.Context, bookingID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sets[bookingID]
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out, nil
}
