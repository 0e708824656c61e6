package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore is the shared store behind rate limiting, in-flight markers
// and lockouts. Every mutating call is atomic per key.
type CounterStore interface {
	// IncrWithExpiry increments key and starts a window of length ttl when
	// the key is created by this call. Returns the post-increment value.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetNX stores value with ttl only if key does not exist.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime of key, 0 if absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Get returns the integer value of key, 0 if absent.
	Get(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, keys ...string) error
}

// =============================================================================
// RedisCounterStore
// =============================================================================

var incrWithExpiryScript = redis.NewScript(`
	local v = redis.call('INCR', KEYS[1])
	if v == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return v
`)

type RedisCounterStore struct {
	client redis.UniversalClient
}

func NewRedisCounterStore(client redis.UniversalClient) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

var _ CounterStore = (*RedisCounterStore)(nil)

func (s *RedisCounterStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrWithExpiryScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
}

func (s *RedisCounterStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisCounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// -1 (no expiry) and -2 (missing) both mean no countdown
	if d <= 0 {
		return 0, nil
	}
	return d, nil
}

func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (s *RedisCounterStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// =============================================================================
// MemoryCounterStore - single process store for tests and Redis-less runs
// =============================================================================

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

type MemoryCounterStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return NewMemoryCounterStoreWithClock(time.Now)
}

// NewMemoryCounterStoreWithClock lets tests drive expiry.
func NewMemoryCounterStoreWithClock(now func() time.Time) *MemoryCounterStore {
	return &MemoryCounterStore{now: now, entries: make(map[string]memoryEntry)}
}

var _ CounterStore = (*MemoryCounterStore)(nil)

// live returns the entry if present and unexpired. Caller holds mu.
func (s *MemoryCounterStore) live(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryCounterStore) IncrWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		s.entries[key] = memoryEntry{value: "1", expiresAt: s.now().Add(ttl)}
		return 1, nil
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, errors.New("value is not an integer")
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	s.entries[key] = e
	return n, nil
}

func (s *MemoryCounterStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

func (s *MemoryCounterStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

func (s *MemoryCounterStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, errors.New("value is not an integer")
	}
	return n, nil
}

func (s *MemoryCounterStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}
