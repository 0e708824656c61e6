package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsync_server/pkg/apperr"
)

func TestRedisLocker_ExclusiveAndOwnerRelease(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	locker := NewRedisLocker(client)

	first, ok, err := locker.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// expired lease taken over by a second owner
	mr.FastForward(2 * time.Second)
	second, ok, err := locker.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// stale owner cannot delete the new lease
	require.NoError(t, first.Release(ctx))
	assert.True(t, mr.Exists("k"))

	require.NoError(t, second.Release(ctx))
	assert.False(t, mr.Exists("k"))
}

func TestWithLock_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	opts := Options{TTL: time.Second, MaxWait: 2 * time.Second, RetryInterval: time.Millisecond}

	var inside, maxInside, done int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(ctx, locker, AccountKey("a"), opts, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&done, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, int32(20), done)
}

func TestWithLock_GivesUpWhenHeld(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	held, ok, _ := locker.TryAcquire(ctx, AccountKey("b"), time.Minute)
	require.True(t, ok)
	defer held.Release(ctx)

	called := false
	err := WithLock(ctx, locker, AccountKey("b"), Options{TTL: time.Second, MaxWait: 5 * time.Millisecond, RetryInterval: time.Millisecond}, func(context.Context) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.True(t, errors.Is(err, apperr.ErrLeaseHeld))
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	boom := errors.New("boom")

	err := WithLock(ctx, locker, "c", DefaultOptions(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, ok, _ := locker.TryAcquire(ctx, "c", time.Second)
	assert.True(t, ok)
}
