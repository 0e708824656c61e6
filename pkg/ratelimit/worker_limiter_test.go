package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(limits map[string]ProviderLimits) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewLimiter(NewMemoryCounterStoreWithClock(clock.Now), limits), clock
}

func TestLimiter_HitLocksOutOnNPlusOne(t *testing.T) {
	ctx := context.Background()
	limiter, clock := newTestLimiter(map[string]ProviderLimits{
		"gmail": {ConnectionsPerMin: 5, RequestsPerMin: 10, CooldownSeconds: 60},
	})

	for i := 0; i < 10; i++ {
		breached, err := limiter.Hit(ctx, "gmail", "acc-1")
		require.NoError(t, err)
		assert.False(t, breached, "hit %d", i+1)
	}
	remaining, err := limiter.Check(ctx, "gmail", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	breached, err := limiter.Hit(ctx, "gmail", "acc-1")
	require.NoError(t, err)
	assert.True(t, breached)

	remaining, err = limiter.Check(ctx, "gmail", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 60, remaining)

	clock.Advance(59 * time.Second)
	remaining, _ = limiter.Check(ctx, "gmail", "acc-1")
	assert.Equal(t, 1, remaining)

	clock.Advance(time.Second)
	remaining, _ = limiter.Check(ctx, "gmail", "acc-1")
	assert.Equal(t, 0, remaining)
}

func TestLimiter_ActiveLockoutIsNotExtended(t *testing.T) {
	ctx := context.Background()
	limiter, clock := newTestLimiter(map[string]ProviderLimits{
		"gmail": {ConnectionsPerMin: 5, RequestsPerMin: 2, CooldownSeconds: 120},
	})

	for i := 0; i < 3; i++ {
		_, err := limiter.Hit(ctx, "gmail", "acc-1")
		require.NoError(t, err)
	}
	first, _ := limiter.Check(ctx, "gmail", "acc-1")
	require.Equal(t, 120, first)

	clock.Advance(30 * time.Second)
	breached, err := limiter.Hit(ctx, "gmail", "acc-1")
	require.NoError(t, err)
	assert.True(t, breached)

	set, err := limiter.Lockout(ctx, "gmail", "acc-1", 600)
	require.NoError(t, err)
	assert.False(t, set)

	remaining, _ := limiter.Check(ctx, "gmail", "acc-1")
	assert.Equal(t, 90, remaining)
}

func TestLimiter_AcquireConnection(t *testing.T) {
	ctx := context.Background()
	limiter, clock := newTestLimiter(map[string]ProviderLimits{
		"outlook": {ConnectionsPerMin: 2, RequestsPerMin: 100, CooldownSeconds: 30},
	})

	ok, err := limiter.AcquireConnection(ctx, "outlook", "acc-2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = limiter.AcquireConnection(ctx, "outlook", "acc-2")
	assert.True(t, ok)

	ok, err = limiter.AcquireConnection(ctx, "outlook", "acc-2")
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, _ := limiter.Check(ctx, "outlook", "acc-2")
	assert.Equal(t, 30, remaining)

	// a fresh window starts once the old one expires
	clock.Advance(Window)
	ok, _ = limiter.AcquireConnection(ctx, "outlook", "acc-2")
	assert.True(t, ok)
}

func TestLimiter_AccountsAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(map[string]ProviderLimits{
		"gmail": {ConnectionsPerMin: 1, RequestsPerMin: 1, CooldownSeconds: 60},
	})

	_, _ = limiter.Hit(ctx, "gmail", "a")
	_, _ = limiter.Hit(ctx, "gmail", "a")

	remaining, _ := limiter.Check(ctx, "gmail", "b")
	assert.Equal(t, 0, remaining)
	breached, _ := limiter.Hit(ctx, "gmail", "b")
	assert.False(t, breached)
}

func TestLimiter_FallsBackToCustom(t *testing.T) {
	limiter, _ := newTestLimiter(nil)

	assert.Equal(t, DefaultProviderLimits["custom"], limiter.LimitsFor("fastmail"))
	assert.Equal(t, DefaultProviderLimits["gmail"], limiter.LimitsFor("gmail"))
}

func TestLimiter_ConcurrentHitsDoNotRacePastLimit(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(map[string]ProviderLimits{
		"gmail": {ConnectionsPerMin: 50, RequestsPerMin: 50, CooldownSeconds: 60},
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := limiter.AcquireConnection(ctx, "gmail", "acc")
			if err == nil && ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, granted)
}

func TestLimiter_Usage(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(nil)

	_, _ = limiter.AcquireConnection(ctx, "gmail", "acc")
	_, _ = limiter.Hit(ctx, "gmail", "acc")
	_, _ = limiter.Hit(ctx, "gmail", "acc")

	u, err := limiter.Usage(ctx, "gmail", "acc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Connections)
	assert.Equal(t, int64(2), u.Requests)
	assert.Equal(t, 0, u.LockoutRemaining)
}
