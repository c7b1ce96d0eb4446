package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Auth service errors
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailUnverified    = errors.New("email address is not verified")
	ErrEmailExists        = errors.New("email already exists")
	ErrAccountNotFound    = errors.New("account not found")
)

// Error codes for API responses
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeWeakPassword       = "WEAK_PASSWORD"
	CodeEmailExists        = "EMAIL_EXISTS"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeEmailUnverified    = "EMAIL_UNVERIFIED"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeAccountNotFound    = "ACCOUNT_NOT_FOUND"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeAuthTokenMissing   = "AUTH_TOKEN_MISSING"
	CodeAuthTokenInvalid   = "AUTH_TOKEN_INVALID"
	CodeForbidden          = "FORBIDDEN"
)

// ValidationError reports every password policy violation
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = string(v)
	}
	return "password policy violated: " + strings.Join(parts, ", ")
}

// LockoutError is returned while an account is locked
type LockoutError struct {
	UnlockAt time.Time
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("account locked until %s", e.UnlockAt.UTC().Format(time.RFC3339))
}

// RateLimitError is returned while a client is in backoff
type RateLimitError struct {
	RetryAfter time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many attempts, retry after %s", e.RetryAfter.UTC().Format(time.RFC3339))
}

// TokenError is returned for any unusable token. Reason carries the internal
// outcome for logs and audit; Error never reveals it.
type TokenError struct {
	Reason  TokenOutcome
	Expired bool
}

func (e *TokenError) Error() string {
	if e.Expired {
		return "token is invalid or has expired, request a new one"
	}
	return "token is invalid"
}
