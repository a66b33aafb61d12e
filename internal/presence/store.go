package presence

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries as plain keys with a PX expiry, so Redis evicts
// them actively. The value is the deadline in unix milliseconds.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisStore creates a store on an existing Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

// SetTyping implements Store.
func (s *RedisStore) SetTyping(ctx context.Context, userID, counterpartID string, until time.Time) error {
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return s.Clear(ctx, userID, counterpartID)
	}
	return s.rdb.Set(ctx, typingKey(userID, counterpartID), until.UnixMilli(), ttl).Err()
}

// TypingUntil implements Store.
func (s *RedisStore) TypingUntil(ctx context.Context, userID, counterpartID string) (time.Time, bool, error) {
	raw, err := s.rdb.Get(ctx, typingKey(userID, counterpartID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, userID, counterpartID string) error {
	return s.rdb.Del(ctx, typingKey(userID, counterpartID)).Err()
}

// MemoryStore is the in-process Store. Expired entries are dropped lazily
// on read.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore creates an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates an empty store reading time from now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time), now: now}
}

// SetTyping implements Store.
func (s *MemoryStore) SetTyping(_ context.Context, userID, counterpartID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[typingKey(userID, counterpartID)] = until
	return nil
}

// TypingUntil implements Store.
func (s *MemoryStore) TypingUntil(_ context.Context, userID, counterpartID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := typingKey(userID, counterpartID)
	until, ok := s.entries[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if !s.now().Before(until) {
		delete(s.entries, key)
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, userID, counterpartID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, typingKey(userID, counterpartID))
	return nil
}
