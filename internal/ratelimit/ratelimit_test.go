package ratelimit

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
)

func TestAllowUnderLimit(t *testing.T) {
	l := New(NewMemoryStore(), 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, "cus_1")
		require.NoError(t, err)
		assert.True(t, allowed, "hit %d should be allowed", i+1)
	}
}

func TestDenyAtLimit(t *testing.T) {
	l := New(NewMemoryStore(), 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Allow(ctx, "cus_1")
		require.NoError(t, err)
	}
	allowed, err := l.Allow(ctx, "cus_1")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestDeniedRequestDoesNotConsumeQuota(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Allow(ctx, "cus_1")
	}
	count, err := store.Count(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestWindowReset(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	l := New(store, 1, time.Minute)
	ctx := context.Background()

	allowed, err := l.Allow(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = l.Allow(ctx, "cus_1")
	require.NoError(t, err)
	assert.False(t, allowed)

	now = now.Add(61 * time.Second)
	allowed, err = l.Allow(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(NewMemoryStore(), 1, time.Minute)
	ctx := context.Background()

	allowed, err := l.Allow(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = l.Allow(ctx, "cus_2")
	require.NoError(t, err)
	assert.True(t, allowed)
}

type failingStore struct{}

func (failingStore) Take(context.Context, string, int64, time.Duration) (bool, error) {
	return false, errors.New("backend unreachable")
}

func TestConcurrentAllowNeverExceedsLimit(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, 50, time.Minute)
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Allow(ctx, "cus_1")
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), admitted.Load())

	count, err := store.Count(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), count)
}

func TestStoreErrorDenies(t *testing.T) {
	l := New(failingStore{}, 100, time.Minute)

	allowed, err := l.Allow(context.Background(), "cus_1")
	assert.Error(t, err)
	assert.False(t, allowed)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreCounts(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	count, err := store.Count(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	admitted, err := store.Take(ctx, "cus_1", 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, admitted)

	admitted, err = store.Take(ctx, "cus_1", 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, admitted)

	count, err = store.Count(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRedisStoreDeniesAtLimit(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		admitted, err := store.Take(ctx, "cus_1", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, admitted)
	}

	admitted, err := store.Take(ctx, "cus_1", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, admitted)

	// The denied call did not consume quota.
	count, err := store.Count(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRedisStoreWindowExpires(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := store.Take(ctx, "cus_1", 10, time.Minute)
	require.NoError(t, err)

	mr.FastForward(61 * time.Second)

	count, err := store.Count(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestRedisStoreTTLNotExtended(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := store.Take(ctx, "cus_1", 10, time.Minute)
	require.NoError(t, err)

	mr.FastForward(30 * time.Second)
	_, err = store.Take(ctx, "cus_1", 10, time.Minute)
	require.NoError(t, err)

	// 31 more seconds crosses the original window boundary even though the
	// second hit happened halfway through.
	mr.FastForward(31 * time.Second)

	count, err := store.Count(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestLimiterOverRedis(t *testing.T) {
	store, _ := newRedisStore(t)
	l := New(store, 2, time.Minute)
	ctx := context.Background()

	allowed, err := l.Allow(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = l.Allow(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = l.Allow(ctx, "cus_1")
	require.NoError(t, err)
	assert.False(t, allowed)
}
