package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/welldanyogia/authguard/internal/metrics"
)

// Common errors
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrEmailAlreadyExists = errors.New("email already exists")
)

// firstAccountLockKey serializes account creation so exactly one account becomes admin
const firstAccountLockKey int64 = 0x61757468

// AccountStore defines the persistence operations the authentication core relies on
type AccountStore interface {
	// Create inserts a new account. If no account exists yet, the new account
	// becomes an admin, is marked verified and has its verification token cleared.
	Create(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	// Update loads the account under an exclusive per-account lock, applies fn and
	// persists the result. When fn returns an error nothing is written.
	Update(ctx context.Context, id uuid.UUID, fn func(account *Account) error) (*Account, error)
}

// pgxConn is the part of *pgxpool.Pool the account repository uses
type pgxConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// accountRepository implements AccountStore using PostgreSQL
type accountRepository struct {
	pool pgxConn
}

// NewAccountRepository creates a new PostgreSQL backed AccountStore
func NewAccountRepository(pool *pgxpool.Pool) AccountStore {
	return &accountRepository{pool: pool}
}

const accountColumns = `id, email, password_hash, role, failed_attempts, locked_at, verified,
	verification_token, verification_issued_at, reset_token, reset_issued_at,
	created_at, updated_at, last_login_at`

func scanAccount(row pgx.Row) (*Account, error) {
	a := &Account{}
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.PasswordHash,
		&a.Role,
		&a.FailedAttempts,
		&a.LockedAt,
		&a.Verified,
		&a.VerificationToken,
		&a.VerificationIssuedAt,
		&a.ResetToken,
		&a.ResetIssuedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.LastLoginAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return a, nil
}

// Create inserts a new account into the database
func (r *accountRepository) Create(ctx context.Context, account *Account) error {
	defer metrics.TimeQuery("account_create")()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create account: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, firstAccountLockKey); err != nil {
		return fmt.Errorf("lock account creation: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts)`).Scan(&exists); err != nil {
		return err
	}

	account.Email = strings.ToLower(strings.TrimSpace(account.Email))
	account.Role = RoleUser
	if !exists {
		account.Role = RoleAdmin
		account.Verified = true
		account.ClearVerificationToken()
	}

	query := `
		INSERT INTO accounts (email, password_hash, role, verified, verification_token, verification_issued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		account.Email,
		account.PasswordHash,
		account.Role,
		account.Verified,
		account.VerificationToken,
		account.VerificationIssuedAt,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEmailAlreadyExists
		}
		return err
	}

	return tx.Commit(ctx)
}

// GetByID retrieves an account by its ID
func (r *accountRepository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.pool.QueryRow(ctx, query, id))
}

// GetByEmail retrieves an account by its email address (case-insensitive)
func (r *accountRepository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE LOWER(email) = LOWER($1)`
	return scanAccount(r.pool.QueryRow(ctx, query, strings.TrimSpace(email)))
}

// Update performs a serializable read-modify-write on one account row
func (r *accountRepository) Update(ctx context.Context, id uuid.UUID, fn func(account *Account) error) (*Account, error) {
	defer metrics.TimeQuery("account_update")()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update account: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	account, err := scanAccount(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	if err := fn(account); err != nil {
		return nil, err
	}

	update := `
		UPDATE accounts
		SET password_hash = $2,
			failed_attempts = $3,
			locked_at = $4,
			verified = $5,
			verification_token = $6,
			verification_issued_at = $7,
			reset_token = $8,
			reset_issued_at = $9,
			last_login_at = $10,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = tx.QueryRow(ctx, update,
		account.ID,
		account.PasswordHash,
		account.FailedAttempts,
		account.LockedAt,
		account.Verified,
		account.VerificationToken,
		account.VerificationIssuedAt,
		account.ResetToken,
		account.ResetIssuedAt,
		account.LastLoginAt,
	).Scan(&account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("write account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit account: %w", err)
	}
	return account, nil
}
