package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/authguard/internal/clock"
	"github.com/welldanyogia/authguard/internal/metrics"
	"github.com/welldanyogia/authguard/internal/ratelimit"
	"github.com/welldanyogia/authguard/internal/repository"
)

// dummyPassword is hashed once and compared against when an email is unknown,
// so unknown and known accounts cost the same bcrypt work
const dummyPassword = "authguard-dummy-password"

// Dependencies are the collaborators of AuthService
type Dependencies struct {
	Accounts repository.AccountStore
	Limiter  *ratelimit.Limiter
	Lockout  *LockoutManager
	Tokens   *TokenLifecycle
	Policy   *PasswordPolicy
	Hasher   PasswordHasher
	Clock    clock.Clock
	Logger   *slog.Logger
}

// AuthService composes rate limiting, lockout, token lifecycle and password
// policy into one Decision per authentication request. Checks always run in
// the same order: rate limit, then account lockout, then the endpoint logic.
type AuthService struct {
	accounts repository.AccountStore
	limiter  *ratelimit.Limiter
	lockout  *LockoutManager
	tokens   *TokenLifecycle
	policy   *PasswordPolicy
	hasher   PasswordHasher
	clock    clock.Clock
	logger   *slog.Logger

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthService creates a new AuthService instance
func NewAuthService(deps Dependencies) *AuthService {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Lockout == nil {
		deps.Lockout = NewLockoutManager(LockoutConfig{})
	}
	if deps.Tokens == nil {
		deps.Tokens = NewTokenLifecycle(nil, deps.Clock, TokenLifecycleConfig{})
	}
	if deps.Policy == nil {
		deps.Policy = NewPasswordPolicy()
	}
	if deps.Hasher == nil {
		deps.Hasher = NewBcryptHasher()
	}
	return &AuthService{
		accounts: deps.Accounts,
		limiter:  deps.Limiter,
		lockout:  deps.Lockout,
		tokens:   deps.Tokens,
		policy:   deps.Policy,
		hasher:   deps.Hasher,
		clock:    deps.Clock,
		logger:   deps.Logger,
	}
}

// Lockout returns the lockout manager in use
func (s *AuthService) Lockout() *LockoutManager {
	return s.lockout
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// compareDummy spends one bcrypt comparison for an unknown account
func (s *AuthService) compareDummy(password string) {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash(dummyPassword)
		if err != nil {
			s.logger.Error("failed to prepare dummy password hash", slog.String("error", err.Error()))
			return
		}
		s.dummyHash = hash
	})
	if s.dummyHash != "" {
		_ = s.hasher.Compare(s.dummyHash, password)
	}
}

// checkRateLimit returns a DenyRateLimited decision when the client is in backoff
func (s *AuthService) checkRateLimit(ctx context.Context, ip string, class ratelimit.EndpointClass) (*Decision, error) {
	status, err := s.limiter.Check(ctx, ip, class)
	if err != nil {
		return nil, err
	}
	if !status.Allowed {
		d := denyRateLimited(status.RetryAfter)
		return &d, nil
	}
	return nil, nil
}

func (s *AuthService) recordOutcome(ctx context.Context, ip string, class ratelimit.EndpointClass, success bool) error {
	var err error
	if success {
		_, err = s.limiter.RecordSuccess(ctx, ip, class)
	} else {
		_, err = s.limiter.RecordFailure(ctx, ip, class)
	}
	return err
}

// Login checks credentials for email. A locked account is denied before the
// password is looked at and without any rate limit update.
func (s *AuthService) Login(ctx context.Context, ip, email, password string) (Decision, error) {
	if d, err := s.checkRateLimit(ctx, ip, ratelimit.ClassLogin); err != nil || d != nil {
		return derefDecision(d), err
	}

	account, err := s.accounts.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if !errors.Is(err, repository.ErrAccountNotFound) {
			return Decision{}, fmt.Errorf("load account: %w", err)
		}
		s.compareDummy(password)
		if err := s.recordOutcome(ctx, ip, ratelimit.ClassLogin, false); err != nil {
			return Decision{}, err
		}
		return Decision{Kind: DecisionDenyInvalidCredentials}, nil
	}

	var (
		decision     Decision
		checked      bool
		credentialOK bool
	)
	updated, err := s.accounts.Update(ctx, account.ID, func(a *repository.Account) error {
		now := s.clock.Now()
		checked, credentialOK = false, false

		status := s.lockout.CheckAndMaybeUnlock(a, now)
		if status.AutoUnlocked {
			metrics.UnlocksTotal.WithLabelValues("elapsed").Inc()
			s.logger.Info("account lock expired", slog.String("account_id", a.ID.String()))
		}
		if status.State == Locked {
			decision = denyLocked(status.UnlockAt, nil)
			return nil
		}

		checked = true
		if err := s.hasher.Compare(a.PasswordHash, password); err != nil {
			if s.lockout.RecordFailure(a, now) {
				unlockAt := s.lockout.UnlockAt(a)
				metrics.LockoutsTotal.Inc()
				s.logger.Warn("account locked",
					slog.String("account_id", a.ID.String()),
					slog.Int("failed_attempts", a.FailedAttempts),
					slog.Time("unlock_at", unlockAt),
				)
				decision = denyLocked(unlockAt, nil)
			} else {
				decision = Decision{Kind: DecisionDenyInvalidCredentials}
			}
			return nil
		}

		credentialOK = true
		s.lockout.RecordSuccess(a)
		if !a.Verified {
			decision = Decision{Kind: DecisionDenyUnverified}
			return nil
		}
		a.LastLoginAt = &now
		decision = allow(nil)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("update account: %w", err)
	}
	decision.Account = updated

	if !checked {
		return decision, nil
	}
	if err := s.recordOutcome(ctx, ip, ratelimit.ClassLogin, credentialOK); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// Register creates an account. A weak password is denied without any state
// change. The first account ever created becomes a verified admin; every other
// account receives a verification token in Decision.Token.
func (s *AuthService) Register(ctx context.Context, ip, email, password string) (Decision, error) {
	if d, err := s.checkRateLimit(ctx, ip, ratelimit.ClassRegister); err != nil || d != nil {
		return derefDecision(d), err
	}

	if violations := s.policy.Validate(password); len(violations) > 0 {
		return denyWeakPassword(violations), nil
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return Decision{}, fmt.Errorf("hash password: %w", err)
	}
	issued, err := s.tokens.Issue(VerificationToken)
	if err != nil {
		return Decision{}, err
	}

	account := &repository.Account{
		Email:        normalizeEmail(email),
		PasswordHash: hash,
	}
	account.SetVerificationToken(issued.Digest, issued.IssuedAt)

	if err := s.accounts.Create(ctx, account); err != nil {
		if !errors.Is(err, repository.ErrEmailAlreadyExists) {
			return Decision{}, fmt.Errorf("create account: %w", err)
		}
		if err := s.recordOutcome(ctx, ip, ratelimit.ClassRegister, false); err != nil {
			return Decision{}, err
		}
		return Decision{Kind: DecisionDenyEmailTaken}, nil
	}

	if err := s.recordOutcome(ctx, ip, ratelimit.ClassRegister, true); err != nil {
		return Decision{}, err
	}

	s.logger.Info("account registered",
		slog.String("account_id", account.ID.String()),
		slog.String("role", account.Role),
	)

	decision := allow(account)
	if !account.Verified {
		decision.Token = &issued
	}
	return decision, nil
}

// VerifyEmail consumes a verification token. Mismatch and NotIssued are
// indistinguishable to the caller; Expired carries a reissue hint.
func (s *AuthService) VerifyEmail(ctx context.Context, ip string, accountID uuid.UUID, token string) (Decision, error) {
	if d, err := s.checkRateLimit(ctx, ip, ratelimit.ClassVerifyEmail); err != nil || d != nil {
		return derefDecision(d), err
	}

	var outcome TokenOutcome
	updated, err := s.accounts.Update(ctx, accountID, func(a *repository.Account) error {
		outcome = s.tokens.Validate(VerificationToken, token, a.VerificationToken, a.VerificationIssuedAt, s.clock.Now())
		if outcome == TokenValid {
			a.Verified = true
			a.ClearVerificationToken()
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, repository.ErrAccountNotFound) {
			return Decision{}, fmt.Errorf("update account: %w", err)
		}
		outcome = TokenNotIssued
		updated = nil
	}

	return s.finishTokenDecision(ctx, ip, ratelimit.ClassVerifyEmail, VerificationToken, outcome, updated)
}

func (s *AuthService) finishTokenDecision(ctx context.Context, ip string, class ratelimit.EndpointClass, kind TokenKind, outcome TokenOutcome, account *repository.Account) (Decision, error) {
	metrics.TokenOutcomesTotal.WithLabelValues(string(kind), outcome.String()).Inc()

	attrs := []any{
		slog.String("kind", string(kind)),
		slog.String("outcome", outcome.String()),
		slog.String("client_ip", ip),
	}
	if account != nil {
		attrs = append(attrs, slog.String("account_id", account.ID.String()))
	}

	if err := s.recordOutcome(ctx, ip, class, outcome == TokenValid); err != nil {
		return Decision{}, err
	}

	if outcome != TokenValid {
		s.logger.Warn("token rejected", attrs...)
		return denyInvalidToken(outcome, account), nil
	}
	s.logger.Info("token consumed", attrs...)
	return allow(account), nil
}

// RequestVerificationToken reissues the verification token of an unverified
// account, replacing the previous token and issue time. The decision is Allow
// whether or not the account exists, and each request moves the client's
// backoff forward the same way in both cases.
func (s *AuthService) RequestVerificationToken(ctx context.Context, ip, email string) (Decision, error) {
	return s.reissue(ctx, ip, email, ratelimit.ClassVerifyEmail, VerificationToken)
}

// RequestPasswordReset issues a reset token for an existing account. The
// decision is Allow whether or not the account exists.
func (s *AuthService) RequestPasswordReset(ctx context.Context, ip, email string) (Decision, error) {
	return s.reissue(ctx, ip, email, ratelimit.ClassPasswordReset, ResetToken)
}

func (s *AuthService) reissue(ctx context.Context, ip, email string, class ratelimit.EndpointClass, kind TokenKind) (Decision, error) {
	if d, err := s.checkRateLimit(ctx, ip, class); err != nil || d != nil {
		return derefDecision(d), err
	}

	// Every request counts as a failure, known email or not, so the backoff a
	// client sees never depends on whether the account exists.
	if err := s.recordOutcome(ctx, ip, class, false); err != nil {
		return Decision{}, err
	}

	account, err := s.accounts.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if !errors.Is(err, repository.ErrAccountNotFound) {
			return Decision{}, fmt.Errorf("load account: %w", err)
		}
		return allow(nil), nil
	}

	var issued *IssuedToken
	updated, err := s.accounts.Update(ctx, account.ID, func(a *repository.Account) error {
		issued = nil
		if kind == VerificationToken && a.Verified {
			return nil
		}
		tok, err := s.tokens.Issue(kind)
		if err != nil {
			return err
		}
		if kind == ResetToken {
			a.SetResetToken(tok.Digest, tok.IssuedAt)
		} else {
			a.SetVerificationToken(tok.Digest, tok.IssuedAt)
		}
		issued = &tok
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("update account: %w", err)
	}

	if issued != nil {
		s.logger.Info("token issued",
			slog.String("kind", string(kind)),
			slog.String("account_id", updated.ID.String()),
		)
	}

	decision := allow(updated)
	decision.Token = issued
	return decision, nil
}

// ConfirmPasswordReset consumes a reset token and sets a new password. The new
// password is checked first so a weak password never consumes the token. A
// successful reset also clears any lockout.
func (s *AuthService) ConfirmPasswordReset(ctx context.Context, ip, email, token, newPassword string) (Decision, error) {
	if d, err := s.checkRateLimit(ctx, ip, ratelimit.ClassPasswordReset); err != nil || d != nil {
		return derefDecision(d), err
	}

	if violations := s.policy.Validate(newPassword); len(violations) > 0 {
		return denyWeakPassword(violations), nil
	}

	account, err := s.accounts.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if !errors.Is(err, repository.ErrAccountNotFound) {
			return Decision{}, fmt.Errorf("load account: %w", err)
		}
		return s.finishTokenDecision(ctx, ip, ratelimit.ClassPasswordReset, ResetToken, TokenNotIssued, nil)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return Decision{}, fmt.Errorf("hash password: %w", err)
	}

	var (
		outcome   TokenOutcome
		wasLocked bool
	)
	updated, err := s.accounts.Update(ctx, account.ID, func(a *repository.Account) error {
		outcome = s.tokens.Validate(ResetToken, token, a.ResetToken, a.ResetIssuedAt, s.clock.Now())
		wasLocked = false
		if outcome != TokenValid {
			return nil
		}
		a.PasswordHash = hash
		a.ClearResetToken()
		wasLocked = s.lockout.Unlock(a)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("update account: %w", err)
	}
	if wasLocked {
		metrics.UnlocksTotal.WithLabelValues("reset").Inc()
	}

	return s.finishTokenDecision(ctx, ip, ratelimit.ClassPasswordReset, ResetToken, outcome, updated)
}

// UnlockAccount clears an account's lockout immediately. It reports whether
// the account was locked.
func (s *AuthService) UnlockAccount(ctx context.Context, accountID uuid.UUID) (*repository.Account, bool, error) {
	var wasLocked bool
	updated, err := s.accounts.Update(ctx, accountID, func(a *repository.Account) error {
		wasLocked = s.lockout.Unlock(a)
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, false, ErrAccountNotFound
		}
		return nil, false, fmt.Errorf("update account: %w", err)
	}

	if wasLocked {
		metrics.UnlocksTotal.WithLabelValues("admin").Inc()
		s.logger.Info("account unlocked by admin", slog.String("account_id", accountID.String()))
	}
	return updated, wasLocked, nil
}

// LockStatus returns the current lock state of an account without changing it
func (s *AuthService) LockStatus(ctx context.Context, accountID uuid.UUID) (LockStatus, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return LockStatus{}, ErrAccountNotFound
		}
		return LockStatus{}, fmt.Errorf("load account: %w", err)
	}
	return s.lockout.CheckAndMaybeUnlock(account.Clone(), s.clock.Now()), nil
}

func derefDecision(d *Decision) Decision {
	if d == nil {
		return Decision{}
	}
	return *d
}

// retryAfterSeconds rounds the remaining backoff up to whole seconds
func retryAfterSeconds(retryAfter, now time.Time) int {
	d := retryAfter.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
