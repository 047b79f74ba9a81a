package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Tracker records which resources have a staff terminal attached. A
// resource is online while its record has not expired.
type Tracker interface {
	SetOnline(ctx context.Context, resourceId string) error
	SetOffline(ctx context.Context, resourceId string) error
	IsOnline(ctx context.Context, resourceId string) (bool, error)
}

const keyPrefix = "counterOnline:"

func Key(resourceId string) string {
	return keyPrefix + resourceId
}

type RedisTracker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisTracker(client redis.UniversalClient, ttl time.Duration) *RedisTracker {
	return &RedisTracker{client: client, ttl: ttl}
}

func (t *RedisTracker) SetOnline(ctx context.Context, resourceId string) error {
	return t.client.Set(ctx, Key(resourceId), "1", t.ttl).Err()
}

func (t *RedisTracker) SetOffline(ctx context.Context, resourceId string) error {
	return t.client.Del(ctx, Key(resourceId)).Err()
}

func (t *RedisTracker) IsOnline(ctx context.Context, resourceId string) (bool, error) {
	n, err := t.client.Exists(ctx, Key(resourceId)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemoryTracker keeps expiry deadlines in process. Now can be replaced to
// drive expiry from a fake clock.
type MemoryTracker struct {
	Now func() time.Time

	ttl       time.Duration
	deadlines map[string]time.Time
	lock      sync.Mutex
}

func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	return &MemoryTracker{
		Now:       time.Now,
		ttl:       ttl,
		deadlines: make(map[string]time.Time),
	}
}

func (t *MemoryTracker) SetOnline(_ context.Context, resourceId string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.deadlines[resourceId] = t.Now().Add(t.ttl)
	return nil
}

func (t *MemoryTracker) SetOffline(_ context.Context, resourceId string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.deadlines, resourceId)
	return nil
}

func (t *MemoryTracker) IsOnline(_ context.Context, resourceId string) (bool, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	deadline, ok := t.deadlines[resourceId]
	if !ok {
		return false, nil
	}
	if !t.Now().Before(deadline) {
		delete(t.deadlines, resourceId)
		return false, nil
	}
	return true, nil
}
