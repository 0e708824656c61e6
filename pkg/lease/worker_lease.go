// Package lease provides short-lived exclusive leases keyed by resource id.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mailsync_server/pkg/apperr"
)

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	Key   string
	Token string

	once    sync.Once
	release func(ctx context.Context) error
}

func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = l.release(ctx)
	})
	return err
}

// Locker hands out leases. TryAcquire does not wait.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error)
}

// Options control how long WithLock waits for a busy lease.
type Options struct {
	TTL           time.Duration
	MaxWait       time.Duration
	RetryInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		TTL:           30 * time.Second,
		MaxWait:       5 * time.Second,
		RetryInterval: 50 * time.Millisecond,
	}
}

// AccountKey is the lease key guarding an account's sync state.
func AccountKey(accountID string) string {
	return "lease:account:" + accountID
}

// WithLock runs fn while holding key. It returns apperr.ErrLeaseHeld if the
// lease stays busy for longer than opts.MaxWait.
func WithLock(ctx context.Context, locker Locker, key string, opts Options, fn func(ctx context.Context) error) error {
	if opts.TTL <= 0 {
		opts = DefaultOptions()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}

	deadline := time.Now().Add(opts.MaxWait)
	for {
		l, ok, err := locker.TryAcquire(ctx, key, opts.TTL)
		if err != nil {
			return err
		}
		if ok {
			defer l.Release(context.WithoutCancel(ctx))
			return fn(ctx)
		}
		if !time.Now().Before(deadline) {
			return apperr.LeaseHeld(key)
		}

		timer := time.NewTimer(opts.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// =============================================================================
// RedisLocker - SET NX PX with owner-checked release
// =============================================================================

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

var _ Locker = (*RedisLocker)(nil)

func (r *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lease{
		Key:   key,
		Token: token,
		release: func(ctx context.Context) error {
			return releaseScript.Run(ctx, r.client, []string{key}, token).Err()
		},
	}, true, nil
}

// =============================================================================
// MemoryLocker
// =============================================================================

type memoryLease struct {
	token     string
	expiresAt time.Time
}

type MemoryLocker struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryLease
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{now: time.Now, leases: make(map[string]memoryLease)}
}

var _ Locker = (*MemoryLocker)(nil)

func (m *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[key]; ok && m.now().Before(cur.expiresAt) {
		return nil, false, nil
	}
	token := uuid.NewString()
	m.leases[key] = memoryLease{token: token, expiresAt: m.now().Add(ttl)}

	return &Lease{
		Key:   key,
		Token: token,
		release: func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if cur, ok := m.leases[key]; ok && cur.token == token {
				delete(m.leases, key)
			}
			return nil
		},
	}, true, nil
}
