package auth

import (
	"time"

	"github.com/welldanyogia/authguard/internal/repository"
)

// Default lockout policy
const (
	DefaultLockoutThreshold = 5
	DefaultLockoutDuration  = time.Hour
)

// LockState is the lockout state of an account
type LockState int

const (
	Active LockState = iota
	Locked
)

func (s LockState) String() string {
	if s == Locked {
		return "locked"
	}
	return "active"
}

// LockStatus is the result of CheckAndMaybeUnlock
type LockStatus struct {
	State    LockState
	UnlockAt time.Time
	// AutoUnlocked is true when this check cleared an elapsed lock
	AutoUnlocked bool
}

// LockoutConfig holds lockout policy parameters
type LockoutConfig struct {
	Threshold int
	Duration  time.Duration
}

// LockoutManager implements the per-account lockout state machine.
// Expiry is evaluated lazily on access; there is no timer. All methods mutate
// the account in place and must be called inside an atomic account update.
type LockoutManager struct {
	threshold int
	duration  time.Duration
}

// NewLockoutManager creates a LockoutManager. Zero values fall back to the defaults.
func NewLockoutManager(cfg LockoutConfig) *LockoutManager {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultLockoutThreshold
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultLockoutDuration
	}
	return &LockoutManager{threshold: cfg.Threshold, duration: cfg.Duration}
}

// Threshold returns the number of failures that locks an account
func (m *LockoutManager) Threshold() int {
	return m.threshold
}

// Duration returns how long a lock lasts
func (m *LockoutManager) Duration() time.Duration {
	return m.duration
}

// CheckAndMaybeUnlock reports whether the account is locked at now. A lock
// that has lasted at least Duration is cleared together with the failure count.
func (m *LockoutManager) CheckAndMaybeUnlock(account *repository.Account, now time.Time) LockStatus {
	if account.LockedAt == nil {
		return LockStatus{State: Active}
	}
	unlockAt := account.LockedAt.Add(m.duration)
	if now.Before(unlockAt) {
		return LockStatus{State: Locked, UnlockAt: unlockAt}
	}
	account.LockedAt = nil
	account.FailedAttempts = 0
	return LockStatus{State: Active, AutoUnlocked: true}
}

// RecordFailure counts one failed credential check and returns true when this
// failure locked the account
func (m *LockoutManager) RecordFailure(account *repository.Account, now time.Time) bool {
	if account.LockedAt != nil {
		return false
	}
	account.FailedAttempts++
	if account.FailedAttempts >= m.threshold {
		lockedAt := now
		account.LockedAt = &lockedAt
		return true
	}
	return false
}

// RecordSuccess clears the failure history after a successful credential check
func (m *LockoutManager) RecordSuccess(account *repository.Account) {
	account.FailedAttempts = 0
}

// Unlock clears any lock immediately and reports whether one was set
func (m *LockoutManager) Unlock(account *repository.Account) bool {
	wasLocked := account.LockedAt != nil
	account.LockedAt = nil
	account.FailedAttempts = 0
	return wasLocked
}

// UnlockAt returns when the current lock ends, or the zero time when not locked
func (m *LockoutManager) UnlockAt(account *repository.Account) time.Time {
	if account.LockedAt == nil {
		return time.Time{}
	}
	return account.LockedAt.Add(m.duration)
}
