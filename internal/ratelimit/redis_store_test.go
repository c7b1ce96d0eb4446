package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/welldanyogia/authguard/internal/clock"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_GetMissing(t *testing.T) {
	store, _ := newTestRedisStore(t)

	_, ok, err := store.Get(context.Background(), Key{ClientIP: "10.0.0.1", Class: ClassLogin})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_UpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	mr.SetTime(now)

	key := Key{ClientIP: "10.0.0.1", Class: ClassLogin}
	written, err := store.Update(ctx, key, func(rec *Record, exists bool) {
		assert.False(t, exists)
		rec.ConsecutiveFailures = 2
		rec.BackoffUntil = now.Add(2 * time.Second)
		rec.UpdatedAt = now
		rec.ExpiresAt = now.Add(time.Minute)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, written.ConsecutiveFailures)

	loaded, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, loaded.ConsecutiveFailures)
	assert.True(t, loaded.BackoffUntil.Equal(now.Add(2*time.Second)))
	assert.True(t, loaded.WindowStart.IsZero())

	assert.True(t, mr.Exists(key.String()))
	ttl := mr.TTL(key.String())
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestRedisStore_KeyExpiresAtExpiresAt(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)
	now := time.Now().UTC()
	mr.SetTime(now)

	limiter := NewLimiter(store, clock.NewFake(now), nil, nil)
	rec, err := limiter.RecordFailure(ctx, "10.0.0.9", ClassLogin)
	require.NoError(t, err)

	key := Key{ClientIP: "10.0.0.9", Class: ClassLogin}
	mr.FastForward(rec.BackoffUntil.Sub(now))
	assert.True(t, mr.Exists(key.String()), "record must outlive its backoff")

	mr.FastForward(rec.ExpiresAt.Sub(rec.BackoffUntil))
	assert.False(t, mr.Exists(key.String()))
}

func TestRedisStore_ConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)
	limiter := NewLimiter(store, clock.NewFake(time.Now()), nil, nil)

	const workers = 10
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := limiter.RecordFailure(ctx, "10.0.0.1", ClassRegister)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, ok, err := store.Get(ctx, Key{ClientIP: "10.0.0.1", Class: ClassRegister})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workers, rec.ConsecutiveFailures)
}

func TestRedisStore_Len(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)
	require.NoError(t, mr.Set("unrelated", "x"))

	limiter := NewLimiter(store, clock.NewFake(time.Now()), nil, nil)
	_, err := limiter.RecordFailure(ctx, "10.0.0.1", ClassLogin)
	require.NoError(t, err)
	_, err = limiter.RecordSuccess(ctx, "10.0.0.2", ClassVerifyEmail)
	require.NoError(t, err)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	evicted, err := store.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, evicted)
}
