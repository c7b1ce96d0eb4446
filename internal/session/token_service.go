// Package session issues and validates the access tokens handed out by the API
// layer after a successful login.
package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/welldanyogia/authguard/internal/clock"
)

// TokenType represents the type of JWT token
type TokenType string

const AccessTokenType TokenType = "access"

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidTokenType = errors.New("invalid token type")
)

// Claims represents the JWT claims structure
type Claims struct {
	Email string    `json:"email,omitempty"`
	Role  string    `json:"role"`
	Type  TokenType `json:"type"`
	jwt.RegisteredClaims
}

// AccountID returns the account ID from the Subject claim
func (c *Claims) AccountID() string {
	return c.Subject
}

// TokenServiceConfig holds configuration for TokenService
type TokenServiceConfig struct {
	AccessSecret      string
	AccessTokenExpiry time.Duration
	Issuer            string
}

// TokenService handles JWT access token generation and validation
type TokenService struct {
	accessSecret      string
	accessTokenExpiry time.Duration
	issuer            string
	clock             clock.Clock
}

// NewTokenService creates a new TokenService instance
func NewTokenService(cfg TokenServiceConfig, clk clock.Clock) *TokenService {
	if clk == nil {
		clk = clock.System{}
	}
	return &TokenService{
		accessSecret:      cfg.AccessSecret,
		accessTokenExpiry: cfg.AccessTokenExpiry,
		issuer:            cfg.Issuer,
		clock:             clk,
	}
}

// GenerateAccessToken generates a new access token for the given account
func (s *TokenService) GenerateAccessToken(accountID uuid.UUID, email, role string) (string, error) {
	now := s.clock.Now()
	expiresAt := now.Add(s.accessTokenExpiry)

	claims := Claims{
		Email: email,
		Role:  role,
		Type:  AccessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   accountID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.accessSecret))
}

// ValidateAccessToken validates an access token and returns the claims
func (s *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.accessSecret), nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithIssuer(s.issuer))

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Type != AccessTokenType {
		return nil, ErrInvalidTokenType
	}

	return claims, nil
}

// AccessTokenExpiry returns the access token lifetime
func (s *TokenService) AccessTokenExpiry() time.Duration {
	return s.accessTokenExpiry
}
