package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/welldanyogia/authguard/internal/clock"
)

// TokenKind distinguishes verification tokens from reset tokens
type TokenKind string

const (
	VerificationToken TokenKind = "verification"
	ResetToken        TokenKind = "reset"
)

// Default token lifetimes
const (
	DefaultVerificationTTL = 48 * time.Hour
	DefaultResetTTL        = 24 * time.Hour
	// tokenBytes is the entropy of generated tokens (256 bits)
	tokenBytes = 32
)

// TokenOutcome is the result of validating a presented token
type TokenOutcome int

const (
	TokenValid TokenOutcome = iota
	TokenExpired
	TokenMismatch
	TokenNotIssued
)

func (o TokenOutcome) String() string {
	switch o {
	case TokenValid:
		return "valid"
	case TokenExpired:
		return "expired"
	case TokenMismatch:
		return "mismatch"
	case TokenNotIssued:
		return "not_issued"
	default:
		return "unknown"
	}
}

// TokenGenerator produces random opaque tokens
type TokenGenerator interface {
	Generate() (string, error)
}

// RandomTokenGenerator reads 32 bytes from crypto/rand and hex encodes them
type RandomTokenGenerator struct{}

// Generate returns a new 64 character hex token
func (RandomTokenGenerator) Generate() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IssuedToken is a freshly issued token. Plain goes to the account owner,
// Digest and IssuedAt are persisted together.
type IssuedToken struct {
	Kind     TokenKind
	Plain    string
	Digest   string
	IssuedAt time.Time
}

// TokenLifecycleConfig holds token lifetimes
type TokenLifecycleConfig struct {
	VerificationTTL time.Duration
	ResetTTL        time.Duration
}

// TokenLifecycle issues and validates verification and reset tokens
type TokenLifecycle struct {
	generator       TokenGenerator
	clock           clock.Clock
	verificationTTL time.Duration
	resetTTL        time.Duration
}

// NewTokenLifecycle creates a TokenLifecycle. Zero TTLs fall back to the defaults.
func NewTokenLifecycle(generator TokenGenerator, clk clock.Clock, cfg TokenLifecycleConfig) *TokenLifecycle {
	if generator == nil {
		generator = RandomTokenGenerator{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = DefaultVerificationTTL
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = DefaultResetTTL
	}
	return &TokenLifecycle{
		generator:       generator,
		clock:           clk,
		verificationTTL: cfg.VerificationTTL,
		resetTTL:        cfg.ResetTTL,
	}
}

// TTL returns the lifetime of kind
func (l *TokenLifecycle) TTL(kind TokenKind) time.Duration {
	if kind == ResetToken {
		return l.resetTTL
	}
	return l.verificationTTL
}

// Issue generates a new token of kind stamped with the current time
func (l *TokenLifecycle) Issue(kind TokenKind) (IssuedToken, error) {
	plain, err := l.generator.Generate()
	if err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{
		Kind:     kind,
		Plain:    plain,
		Digest:   HashToken(plain),
		IssuedAt: l.clock.Now(),
	}, nil
}

// Validate checks a presented token against the stored digest and issue time.
// A token is valid while now - issuedAt <= TTL(kind); the boundary is inclusive.
// A mismatching token is reported as Mismatch even when the stored one has expired.
func (l *TokenLifecycle) Validate(kind TokenKind, presented string, storedDigest *string, issuedAt *time.Time, now time.Time) TokenOutcome {
	if storedDigest == nil || issuedAt == nil || *storedDigest == "" {
		return TokenNotIssued
	}
	presentedDigest := HashToken(presented)
	if subtle.ConstantTimeCompare([]byte(presentedDigest), []byte(*storedDigest)) != 1 {
		return TokenMismatch
	}
	if now.Sub(*issuedAt) > l.TTL(kind) {
		return TokenExpired
	}
	return TokenValid
}

// HashToken creates a SHA-256 hex digest of a token for storage
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
