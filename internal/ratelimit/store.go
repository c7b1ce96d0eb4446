// Package ratelimit implements per-client, per-endpoint exponential backoff
// for authentication endpoints.
package ratelimit

import (
	"context"
	"time"
)

// EndpointClass groups endpoints that share a backoff policy
type EndpointClass string

const (
	ClassLogin         EndpointClass = "login"
	ClassRegister      EndpointClass = "register"
	ClassVerifyEmail   EndpointClass = "verify_email"
	ClassPasswordReset EndpointClass = "password_reset"
)

// Key identifies one rate limit record
type Key struct {
	ClientIP string
	Class    EndpointClass
}

// String returns the storage key
func (k Key) String() string {
	return "ratelimit:" + string(k.Class) + ":" + k.ClientIP
}

// Record tracks consecutive failures of one client against one endpoint class.
// A zero BackoffUntil means no backoff is in effect.
type Record struct {
	ConsecutiveFailures int
	BackoffUntil        time.Time
	WindowStart         time.Time
	UpdatedAt           time.Time
	// ExpiresAt is the earliest time the record may be evicted. It is never
	// before BackoffUntil.
	ExpiresAt time.Time
}

// InBackoff reports whether the record denies requests at now
func (r Record) InBackoff(now time.Time) bool {
	return !r.BackoffUntil.IsZero() && now.Before(r.BackoffUntil)
}

// Store holds rate limit records. Implementations must make Update an atomic
// read-modify-write per key.
type Store interface {
	// Get returns the record for key, or false when none exists
	Get(ctx context.Context, key Key) (Record, bool, error)
	// Update loads the record for key (zero value if missing), applies fn and
	// stores the result atomically
	Update(ctx context.Context, key Key, fn func(rec *Record, exists bool)) (Record, error)
	// Sweep evicts records whose ExpiresAt is not after now and returns the number evicted
	Sweep(ctx context.Context, now time.Time) (int, error)
	// Len returns the number of records held, if the store can tell
	Len(ctx context.Context) (int, error)
}
