package auth

import (
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/authguard/internal/repository"
)

// DecisionKind classifies the outcome of one authentication request
type DecisionKind string

const (
	DecisionAllow                  DecisionKind = "allow"
	DecisionDenyLocked             DecisionKind = "deny_locked"
	DecisionDenyRateLimited        DecisionKind = "deny_rate_limited"
	DecisionDenyInvalidToken       DecisionKind = "deny_invalid_token"
	DecisionDenyWeakPassword       DecisionKind = "deny_weak_password"
	DecisionDenyInvalidCredentials DecisionKind = "deny_invalid_credentials"
	DecisionDenyUnverified         DecisionKind = "deny_unverified"
	DecisionDenyEmailTaken         DecisionKind = "deny_email_taken"
)

// Decision is the single result of one authentication request. It is never
// persisted.
type Decision struct {
	Kind DecisionKind

	// UnlockAt is set for DenyLocked
	UnlockAt time.Time
	// RetryAfter is set for DenyRateLimited
	RetryAfter time.Time
	// TokenOutcome is the internal token result for DenyInvalidToken
	TokenOutcome TokenOutcome
	// Violations is set for DenyWeakPassword
	Violations []Violation

	// Account is a snapshot of the account after the decision, when known
	Account *repository.Account
	// Token is a freshly issued token for the delivery collaborator. It is
	// never part of an HTTP response.
	Token *IssuedToken
}

// Allowed reports whether the request was admitted
func (d Decision) Allowed() bool {
	return d.Kind == DecisionAllow
}

// Err returns the typed error matching the decision, or nil for Allow
func (d Decision) Err() error {
	switch d.Kind {
	case DecisionAllow:
		return nil
	case DecisionDenyLocked:
		return &LockoutError{UnlockAt: d.UnlockAt}
	case DecisionDenyRateLimited:
		return &RateLimitError{RetryAfter: d.RetryAfter}
	case DecisionDenyInvalidToken:
		return &TokenError{Reason: d.TokenOutcome, Expired: d.TokenOutcome == TokenExpired}
	case DecisionDenyWeakPassword:
		return &ValidationError{Violations: d.Violations}
	case DecisionDenyInvalidCredentials:
		return ErrInvalidCredentials
	case DecisionDenyUnverified:
		return ErrEmailUnverified
	case DecisionDenyEmailTaken:
		return ErrEmailExists
	default:
		return ErrInvalidCredentials
	}
}

// Reason returns the internal reason recorded in the audit log
func (d Decision) Reason() string {
	switch d.Kind {
	case DecisionDenyInvalidToken:
		return d.TokenOutcome.String()
	case DecisionAllow:
		return ""
	default:
		if err := d.Err(); err != nil {
			return err.Error()
		}
		return ""
	}
}

// AccountID returns the id of the account the decision concerns, if known
func (d Decision) AccountID() *uuid.UUID {
	if d.Account == nil {
		return nil
	}
	id := d.Account.ID
	return &id
}

func allow(account *repository.Account) Decision {
	return Decision{Kind: DecisionAllow, Account: account}
}

func denyLocked(unlockAt time.Time, account *repository.Account) Decision {
	return Decision{Kind: DecisionDenyLocked, UnlockAt: unlockAt, Account: account}
}

func denyRateLimited(retryAfter time.Time) Decision {
	return Decision{Kind: DecisionDenyRateLimited, RetryAfter: retryAfter}
}

func denyInvalidToken(outcome TokenOutcome, account *repository.Account) Decision {
	return Decision{Kind: DecisionDenyInvalidToken, TokenOutcome: outcome, Account: account}
}

func denyWeakPassword(violations []Violation) Decision {
	return Decision{Kind: DecisionDenyWeakPassword, Violations: violations}
}
