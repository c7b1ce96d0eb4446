package repository

import (
	"time"

	"github.com/google/uuid"
)

// Account roles
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Account represents a user account in the database.
// Token fields hold SHA-256 digests, never the plain token.
type Account struct {
	ID                   uuid.UUID  `db:"id"`
	Email                string     `db:"email"`
	PasswordHash         string     `db:"password_hash"`
	Role                 string     `db:"role"`
	FailedAttempts       int        `db:"failed_attempts"`
	LockedAt             *time.Time `db:"locked_at"`
	Verified             bool       `db:"verified"`
	VerificationToken    *string    `db:"verification_token"`
	VerificationIssuedAt *time.Time `db:"verification_issued_at"`
	ResetToken           *string    `db:"reset_token"`
	ResetIssuedAt        *time.Time `db:"reset_issued_at"`
	CreatedAt            time.Time  `db:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at"`
	LastLoginAt          *time.Time `db:"last_login_at"`
}

// SetVerificationToken stores a verification token digest together with its issue time
func (a *Account) SetVerificationToken(digest string, issuedAt time.Time) {
	a.VerificationToken = &digest
	a.VerificationIssuedAt = &issuedAt
}

// ClearVerificationToken removes the verification token and its issue time
func (a *Account) ClearVerificationToken() {
	a.VerificationToken = nil
	a.VerificationIssuedAt = nil
}

// SetResetToken stores a reset token digest together with its issue time
func (a *Account) SetResetToken(digest string, issuedAt time.Time) {
	a.ResetToken = &digest
	a.ResetIssuedAt = &issuedAt
}

// ClearResetToken removes the reset token and its issue time
func (a *Account) ClearResetToken() {
	a.ResetToken = nil
	a.ResetIssuedAt = nil
}

// Clone returns a deep copy so callers never share pointer fields with the store
func (a *Account) Clone() *Account {
	c := *a
	c.LockedAt = cloneTime(a.LockedAt)
	c.VerificationToken = cloneString(a.VerificationToken)
	c.VerificationIssuedAt = cloneTime(a.VerificationIssuedAt)
	c.ResetToken = cloneString(a.ResetToken)
	c.ResetIssuedAt = cloneTime(a.ResetIssuedAt)
	c.LastLoginAt = cloneTime(a.LastLoginAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// AuthEvent is an audit record of one authentication decision
type AuthEvent struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Endpoint  string     `db:"endpoint" json:"endpoint"`
	Decision  string     `db:"decision" json:"decision"`
	Reason    string     `db:"reason" json:"reason,omitempty"`
	ClientIP  string     `db:"client_ip" json:"client_ip"`
	AccountID *uuid.UUID `db:"account_id" json:"account_id,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}
