package ratelimit

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/welldanyogia/authguard/internal/clock"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLimiter(t *testing.T) (*Limiter, *clock.Fake, *MemoryStore) {
	t.Helper()
	clk := clock.NewFake(testStart)
	store := NewMemoryStore()
	return NewLimiter(store, clk, nil, nil), clk, store
}

func TestLimiter_ThreeFailuresBackoff(t *testing.T) {
	ctx := context.Background()
	limiter, clk, _ := newTestLimiter(t)

	var rec Record
	var err error
	for i := 0; i < 3; i++ {
		rec, err = limiter.RecordFailure(ctx, "10.0.0.1", ClassLogin)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, rec.ConsecutiveFailures)
	assert.Equal(t, clk.Now().Add(4*time.Second), rec.BackoffUntil)

	status, err := limiter.Check(ctx, "10.0.0.1", ClassLogin)
	require.NoError(t, err)
	assert.False(t, status.Allowed)
	assert.Equal(t, rec.BackoffUntil, status.RetryAfter)

	clk.Advance(4 * time.Second)
	status, err = limiter.Check(ctx, "10.0.0.1", ClassLogin)
	require.NoError(t, err)
	assert.True(t, status.Allowed)
}

func TestLimiter_SuccessResets(t *testing.T) {
	ctx := context.Background()
	limiter, _, _ := newTestLimiter(t)

	_, err := limiter.RecordFailure(ctx, "10.0.0.1", ClassLogin)
	require.NoError(t, err)
	_, err = limiter.RecordFailure(ctx, "10.0.0.1", ClassLogin)
	require.NoError(t, err)

	rec, err := limiter.RecordSuccess(ctx, "10.0.0.1", ClassLogin)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ConsecutiveFailures)
	assert.True(t, rec.BackoffUntil.IsZero())

	status, err := limiter.Check(ctx, "10.0.0.1", ClassLogin)
	require.NoError(t, err)
	assert.True(t, status.Allowed)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter, _, _ := newTestLimiter(t)

	_, err := limiter.RecordFailure(ctx, "10.0.0.1", ClassLogin)
	require.NoError(t, err)

	status, err := limiter.Check(ctx, "10.0.0.1", ClassRegister)
	require.NoError(t, err)
	assert.True(t, status.Allowed, "other class must not be affected")

	status, err = limiter.Check(ctx, "10.0.0.2", ClassLogin)
	require.NoError(t, err)
	assert.True(t, status.Allowed, "other client must not be affected")
}

func TestLimiter_UnknownClass(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	_, err := limiter.Check(context.Background(), "10.0.0.1", EndpointClass("bogus"))
	assert.Error(t, err)
}

func TestLimiter_PolicyOverride(t *testing.T) {
	clk := clock.NewFake(testStart)
	limiter := NewLimiter(NewMemoryStore(), clk, map[EndpointClass]Policy{
		ClassLogin: {BaseBackoff: 10 * time.Second, MaxBackoff: time.Minute},
	}, nil)

	rec, err := limiter.RecordFailure(context.Background(), "10.0.0.1", ClassLogin)
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(10*time.Second), rec.BackoffUntil)

	p, err := limiter.Policy(ClassRegister)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicies()[ClassRegister], p)
}

func TestLimiter_ConcurrentFailuresAreCounted(t *testing.T) {
	ctx := context.Background()
	limiter, _, store := newTestLimiter(t)

	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := limiter.RecordFailure(ctx, "10.0.0.1", ClassLogin)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, ok, err := store.Get(ctx, Key{ClientIP: "10.0.0.1", Class: ClassLogin})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workers, rec.ConsecutiveFailures)
}

func TestLimiter_SweepEvictsOnlyDecayed(t *testing.T) {
	ctx := context.Background()
	limiter, clk, _ := newTestLimiter(t)

	_, err := limiter.RecordFailure(ctx, "10.0.0.1", ClassLogin)
	require.NoError(t, err)
	_, err = limiter.RecordSuccess(ctx, "10.0.0.2", ClassLogin)
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)
	evicted, err := limiter.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted, "only the idle success record is decayed")

	clk.Advance(time.Second)
	evicted, err = limiter.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	n, err := limiter.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// Feature: auth-security-core, Property: Exponential Backoff Formula
func TestProperty_BackoffFormula(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.Int64Range(int64(time.Millisecond), int64(10*time.Second)).Draw(t, "base"))
		max := base + time.Duration(rapid.Int64Range(0, int64(time.Hour)).Draw(t, "extra"))
		failures := rapid.IntRange(1, 200).Draw(t, "failures")

		p := Policy{BaseBackoff: base, MaxBackoff: max}
		got := p.Backoff(failures)

		want := max
		if raw := float64(base) * math.Pow(2, float64(failures-1)); raw < float64(max) {
			want = time.Duration(raw)
		}
		if got != want {
			t.Fatalf("Backoff(%d) with base %v max %v = %v, want %v", failures, base, max, got, want)
		}
		if failures > 1 && p.Backoff(failures-1) > got {
			t.Fatalf("backoff must be non-decreasing")
		}
	})
}

// Feature: auth-security-core, Property: Denials In Backoff Are Not Attempts
func TestProperty_DenialDoesNotCount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		clk := clock.NewFake(testStart)
		store := NewMemoryStore()
		limiter := NewLimiter(store, clk, nil, nil)
		key := Key{ClientIP: "192.0.2.7", Class: ClassLogin}

		failures := rapid.IntRange(1, 12).Draw(t, "failures")
		for i := 0; i < failures; i++ {
			if _, err := limiter.RecordFailure(ctx, key.ClientIP, key.Class); err != nil {
				t.Fatal(err)
			}
		}
		before, _, _ := store.Get(ctx, key)

		checks := rapid.IntRange(1, 20).Draw(t, "checks")
		for i := 0; i < checks; i++ {
			status, err := limiter.Check(ctx, key.ClientIP, key.Class)
			if err != nil {
				t.Fatal(err)
			}
			if status.Allowed {
				t.Fatalf("client in backoff was allowed")
			}
		}

		after, _, _ := store.Get(ctx, key)
		if after.ConsecutiveFailures != before.ConsecutiveFailures || !after.BackoffUntil.Equal(before.BackoffUntil) {
			t.Fatalf("denied checks changed the record: %+v -> %+v", before, after)
		}
	})
}

// Feature: auth-security-core, Property: Sweep Never Evicts A Record In Backoff
func TestProperty_SweepKeepsBackoff(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		clk := clock.NewFake(testStart)
		store := NewMemoryStore()
		limiter := NewLimiter(store, clk, nil, nil)

		clients := rapid.IntRange(1, 10).Draw(t, "clients")
		for i := 0; i < clients; i++ {
			ip := "198.51.100." + string(rune('a'+i))
			n := rapid.IntRange(0, 15).Draw(t, "failures")
			for j := 0; j < n; j++ {
				if _, err := limiter.RecordFailure(ctx, ip, ClassLogin); err != nil {
					t.Fatal(err)
				}
			}
			if n == 0 {
				if _, err := limiter.RecordSuccess(ctx, ip, ClassLogin); err != nil {
					t.Fatal(err)
				}
			}
		}

		clk.Advance(time.Duration(rapid.Int64Range(0, int64(20*time.Minute)).Draw(t, "elapsed")))
		if _, err := limiter.Sweep(ctx); err != nil {
			t.Fatal(err)
		}

		now := clk.Now()
		store.mu.Lock()
		defer store.mu.Unlock()
		for key, rec := range store.records {
			if now.After(rec.ExpiresAt) && !rec.InBackoff(now) {
				t.Fatalf("decayed record %s survived sweep", key)
			}
		}
		// ExpiresAt never precedes the end of the backoff
		for key, rec := range store.records {
			if rec.ExpiresAt.Before(rec.BackoffUntil) {
				t.Fatalf("record %s expires before its backoff ends", key)
			}
		}
	})
}
