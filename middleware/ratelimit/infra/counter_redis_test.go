package infra

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/frewsxcv/ichnaea/middleware/ratelimit/application"
	"github.com/frewsxcv/ichnaea/middleware/ratelimit/domain"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisCounterStore_SetsExpiryOnFirstIncrementOnly(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewRedisCounterStore(rdb)
	ctx := context.Background()

	ctr, err := s.Incr(ctx, "search:key_a", time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(1), ctr.Count)
	require.Equal(t, time.Second, ctr.TTL)
	require.Equal(t, time.Second, mr.TTL("apilimit:search:key_a"))

	mr.FastForward(600 * time.Millisecond)

	ctr, err = s.Incr(ctx, "search:key_a", time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(2), ctr.Count)
	require.True(t, ctr.TTL > 0 && ctr.TTL <= 400*time.Millisecond, "ttl %s", ctr.TTL)

	mr.FastForward(400 * time.Millisecond)

	ctr, err = s.Incr(ctx, "search:key_a", time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(1), ctr.Count)
}

func TestRedisCounterStore_RepairsKeyWithoutExpiry(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewRedisCounterStore(rdb, WithCounterPrefix("limits:"))

	require.NoError(t, mr.Set("limits:k", "3"))

	ctr, err := s.Incr(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(4), ctr.Count)
	require.Equal(t, time.Minute, ctr.TTL)
	require.Equal(t, time.Minute, mr.TTL("limits:k"))
}

func TestRedisCounterStore_Peek(t *testing.T) {
	_, rdb := newRedis(t)
	s := NewRedisCounterStore(rdb)
	ctx := context.Background()

	ctr, err := s.Peek(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, domain.Counter{}, ctr)

	_, _ = s.Incr(ctx, "k", time.Minute)
	_, _ = s.Incr(ctx, "k", time.Minute)

	ctr, err = s.Peek(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, int64(2), ctr.Count)
	require.True(t, ctr.TTL > 0 && ctr.TTL <= time.Minute)

	// Peek não consome cota.
	ctr, _ = s.Peek(ctx, "k")
	require.Equal(t, int64(2), ctr.Count)
}

func TestRedisCounterStore_ConcurrentIncrementsAreAtomic(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewRedisCounterStore(rdb)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Incr(ctx, "k", time.Minute)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	v, err := mr.Get("apilimit:k")
	require.NoError(t, err)
	require.Equal(t, "20", v)
	require.Equal(t, time.Minute, mr.TTL("apilimit:k"))
}

func TestLimitedWithRedis_MaxRequests(t *testing.T) {
	_, rdb := newRedis(t)
	s := NewRedisCounterStore(rdb)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		limited, err := application.Limited(ctx, s, "key_a", 5, time.Second)
		require.NoError(t, err)
		require.False(t, limited)
	}
	limited, err := application.Limited(ctx, s, "key_a", 5, time.Second)
	require.NoError(t, err)
	require.True(t, limited)
}

func TestLimitedWithRedis_Expiry(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewRedisCounterStore(rdb)
	ctx := context.Background()

	limited, err := application.Limited(ctx, s, "key_b", 1, time.Second)
	require.NoError(t, err)
	require.False(t, limited)

	limited, _ = application.Limited(ctx, s, "key_b", 1, time.Second)
	require.True(t, limited)

	mr.FastForward(time.Second)

	limited, err = application.Limited(ctx, s, "key_b", 1, time.Second)
	require.NoError(t, err)
	require.False(t, limited)
}

func TestRedisCounterStore_ErrorsWhenRedisIsDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	_, err := NewRedisCounterStore(rdb).Incr(context.Background(), "k", time.Second)
	require.Error(t, err)
}
