package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/welldanyogia/authguard/internal/clock"
)

// Policy is the backoff policy of one endpoint class
type Policy struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Backoff returns min(MaxBackoff, BaseBackoff * 2^(failures-1)).
// Doubling stops at the cap so large failure counts cannot overflow.
func (p Policy) Backoff(failures int) time.Duration {
	if failures <= 0 || p.BaseBackoff <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < failures && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// DefaultPolicies returns the built-in policy per endpoint class.
// Registration, verification and reset are stricter than login.
func DefaultPolicies() map[EndpointClass]Policy {
	return map[EndpointClass]Policy{
		ClassLogin:         {BaseBackoff: time.Second, MaxBackoff: 5 * time.Minute},
		ClassRegister:      {BaseBackoff: 2 * time.Second, MaxBackoff: 15 * time.Minute},
		ClassVerifyEmail:   {BaseBackoff: 2 * time.Second, MaxBackoff: 15 * time.Minute},
		ClassPasswordReset: {BaseBackoff: 2 * time.Second, MaxBackoff: 15 * time.Minute},
	}
}

// Status is the outcome of a Check
type Status struct {
	Allowed bool
	// RetryAfter is the backoff deadline when Allowed is false
	RetryAfter time.Time
}

// Limiter tracks authentication outcomes per (client IP, endpoint class)
// and denies clients that are in backoff.
type Limiter struct {
	store    Store
	clock    clock.Clock
	policies map[EndpointClass]Policy
	logger   *slog.Logger
}

// NewLimiter creates a Limiter. Missing classes in policies fall back to DefaultPolicies.
func NewLimiter(store Store, clk clock.Clock, policies map[EndpointClass]Policy, logger *slog.Logger) *Limiter {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	merged := DefaultPolicies()
	for class, p := range policies {
		merged[class] = p
	}
	return &Limiter{
		store:    store,
		clock:    clk,
		policies: merged,
		logger:   logger,
	}
}

// Policy returns the policy for class
func (l *Limiter) Policy(class EndpointClass) (Policy, error) {
	p, ok := l.policies[class]
	if !ok {
		return Policy{}, fmt.Errorf("unknown endpoint class %q", class)
	}
	return p, nil
}

// expiry is the earliest eviction time: fully decayed and never inside a backoff
func expiry(rec Record, p Policy) time.Time {
	last := rec.UpdatedAt
	if rec.BackoffUntil.After(last) {
		last = rec.BackoffUntil
	}
	return last.Add(p.MaxBackoff)
}

// Check looks up or creates the record for (ip, class). A client in backoff is
// denied and the denial is not counted as an attempt.
func (l *Limiter) Check(ctx context.Context, ip string, class EndpointClass) (Status, error) {
	p, err := l.Policy(class)
	if err != nil {
		return Status{}, err
	}
	now := l.clock.Now()

	var status Status
	_, err = l.store.Update(ctx, Key{ClientIP: ip, Class: class}, func(rec *Record, exists bool) {
		if exists && rec.InBackoff(now) {
			status = Status{Allowed: false, RetryAfter: rec.BackoffUntil}
			return
		}
		if !exists {
			rec.WindowStart = now
			rec.UpdatedAt = now
		}
		rec.ExpiresAt = expiry(*rec, p)
		status = Status{Allowed: true}
	})
	if err != nil {
		return Status{}, fmt.Errorf("rate limit check: %w", err)
	}

	if !status.Allowed {
		l.logger.Debug("rate limit denied",
			slog.String("class", string(class)),
			slog.String("client_ip", ip),
			slog.Time("retry_after", status.RetryAfter),
		)
	}
	return status, nil
}

// RecordFailure counts a failed authentication outcome and starts a backoff
func (l *Limiter) RecordFailure(ctx context.Context, ip string, class EndpointClass) (Record, error) {
	p, err := l.Policy(class)
	if err != nil {
		return Record{}, err
	}
	now := l.clock.Now()

	rec, err := l.store.Update(ctx, Key{ClientIP: ip, Class: class}, func(rec *Record, exists bool) {
		if !exists {
			rec.WindowStart = now
		}
		rec.ConsecutiveFailures++
		rec.BackoffUntil = now.Add(p.Backoff(rec.ConsecutiveFailures))
		rec.UpdatedAt = now
		rec.ExpiresAt = expiry(*rec, p)
	})
	if err != nil {
		return Record{}, fmt.Errorf("rate limit record failure: %w", err)
	}

	l.logger.Info("rate limit backoff",
		slog.String("class", string(class)),
		slog.String("client_ip", ip),
		slog.Int("consecutive_failures", rec.ConsecutiveFailures),
		slog.Time("backoff_until", rec.BackoffUntil),
	)
	return rec, nil
}

// RecordSuccess resets the failure history of (ip, class)
func (l *Limiter) RecordSuccess(ctx context.Context, ip string, class EndpointClass) (Record, error) {
	p, err := l.Policy(class)
	if err != nil {
		return Record{}, err
	}
	now := l.clock.Now()

	rec, err := l.store.Update(ctx, Key{ClientIP: ip, Class: class}, func(rec *Record, exists bool) {
		rec.ConsecutiveFailures = 0
		rec.BackoffUntil = time.Time{}
		rec.WindowStart = now
		rec.UpdatedAt = now
		rec.ExpiresAt = expiry(*rec, p)
	})
	if err != nil {
		return Record{}, fmt.Errorf("rate limit record success: %w", err)
	}
	return rec, nil
}

// Sweep evicts fully decayed records
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx, l.clock.Now())
}

// Len returns the number of tracked records
func (l *Limiter) Len(ctx context.Context) (int, error) {
	return l.store.Len(ctx)
}
