package repository

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRow returns fixed column values from Scan
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(r.values))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if r.values[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}

type fakeQuery struct {
	sql  string
	args []any
}

// fakeTx implements the pgx.Tx methods the repository calls. The embedded
// interface is nil, so any other method panics.
type fakeTx struct {
	pgx.Tx

	rows      []fakeRow
	queries   []fakeQuery
	execs     []string
	commitErr error

	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	t.queries = append(t.queries, fakeQuery{sql: sql, args: args})
	if len(t.rows) == 0 {
		return fakeRow{err: errors.New("unexpected query: " + sql)}
	}
	row := t.rows[0]
	t.rows = t.rows[1:]
	return row
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

// fakePool hands out one transaction and answers direct queries with row
type fakePool struct {
	tx       *fakeTx
	beginErr error
	row      fakeRow
	queries  []fakeQuery
}

func (p *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return p.tx, nil
}

func (p *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	p.queries = append(p.queries, fakeQuery{sql: sql, args: args})
	return p.row
}

var repoNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// accountRow returns the scanned columns of an unverified user account
func accountRow(id uuid.UUID, failedAttempts int, lockedAt *time.Time) fakeRow {
	return fakeRow{values: []any{
		id,
		"user@example.com",
		"$2a$12$hash",
		RoleUser,
		failedAttempts,
		lockedAt,
		false,
		nil,
		nil,
		nil,
		nil,
		repoNow,
		repoNow,
		nil,
	}}
}

func TestAccountRepository_UpdateCommitsMutation(t *testing.T) {
	id := uuid.New()
	later := repoNow.Add(time.Minute)
	tx := &fakeTx{rows: []fakeRow{
		accountRow(id, 4, nil),
		{values: []any{later}},
	}}
	repo := &accountRepository{pool: &fakePool{tx: tx}}

	updated, err := repo.Update(context.Background(), id, func(a *Account) error {
		a.FailedAttempts++
		lockedAt := repoNow
		a.LockedAt = &lockedAt
		return nil
	})
	require.NoError(t, err)

	require.Len(t, tx.queries, 2)
	assert.Contains(t, tx.queries[0].sql, "FOR UPDATE")
	assert.Equal(t, []any{id}, tx.queries[0].args)
	assert.Contains(t, tx.queries[1].sql, "UPDATE accounts")
	assert.Equal(t, id, tx.queries[1].args[0])
	assert.Equal(t, 5, tx.queries[1].args[2])

	assert.True(t, tx.committed)
	assert.Equal(t, 5, updated.FailedAttempts)
	require.NotNil(t, updated.LockedAt)
	assert.Equal(t, later, updated.UpdatedAt)
}

func TestAccountRepository_UpdateRollsBackOnMutationError(t *testing.T) {
	id := uuid.New()
	tx := &fakeTx{rows: []fakeRow{accountRow(id, 1, nil)}}
	repo := &accountRepository{pool: &fakePool{tx: tx}}
	errStop := errors.New("stop")

	_, err := repo.Update(context.Background(), id, func(a *Account) error {
		a.FailedAttempts = 99
		return errStop
	})
	require.ErrorIs(t, err, errStop)

	assert.Len(t, tx.queries, 1, "nothing may be written when the mutation fails")
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestAccountRepository_UpdateErrors(t *testing.T) {
	t.Run("missing account", func(t *testing.T) {
		tx := &fakeTx{rows: []fakeRow{{err: pgx.ErrNoRows}}}
		repo := &accountRepository{pool: &fakePool{tx: tx}}

		called := false
		_, err := repo.Update(context.Background(), uuid.New(), func(a *Account) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.False(t, called)
		assert.True(t, tx.rolledBack)
	})

	t.Run("begin fails", func(t *testing.T) {
		repo := &accountRepository{pool: &fakePool{beginErr: errors.New("pool closed")}}
		_, err := repo.Update(context.Background(), uuid.New(), func(a *Account) error { return nil })
		assert.ErrorContains(t, err, "pool closed")
	})

	t.Run("commit fails", func(t *testing.T) {
		id := uuid.New()
		tx := &fakeTx{
			rows:      []fakeRow{accountRow(id, 0, nil), {values: []any{repoNow}}},
			commitErr: errors.New("serialization failure"),
		}
		repo := &accountRepository{pool: &fakePool{tx: tx}}

		_, err := repo.Update(context.Background(), id, func(a *Account) error { return nil })
		assert.ErrorContains(t, err, "serialization failure")
		assert.True(t, tx.rolledBack)
	})
}

func TestAccountRepository_CreateFirstAccountIsAdmin(t *testing.T) {
	id := uuid.New()
	tx := &fakeTx{rows: []fakeRow{
		{values: []any{false}},
		{values: []any{id, repoNow, repoNow}},
	}}
	repo := &accountRepository{pool: &fakePool{tx: tx}}

	account := &Account{Email: "  Admin@Example.com ", PasswordHash: "$2a$12$hash"}
	account.SetVerificationToken("digest", repoNow)

	require.NoError(t, repo.Create(context.Background(), account))

	require.Len(t, tx.execs, 1)
	assert.Contains(t, tx.execs[0], "pg_advisory_xact_lock")
	assert.Equal(t, id, account.ID)
	assert.Equal(t, "admin@example.com", account.Email)
	assert.Equal(t, RoleAdmin, account.Role)
	assert.True(t, account.Verified)
	assert.Nil(t, account.VerificationToken)
	assert.Nil(t, account.VerificationIssuedAt)

	insert := tx.queries[1]
	assert.Equal(t, RoleAdmin, insert.args[2])
	assert.Equal(t, true, insert.args[3])
	assert.True(t, tx.committed)
}

func TestAccountRepository_CreateLaterAccountIsUser(t *testing.T) {
	tx := &fakeTx{rows: []fakeRow{
		{values: []any{true}},
		{values: []any{uuid.New(), repoNow, repoNow}},
	}}
	repo := &accountRepository{pool: &fakePool{tx: tx}}

	account := &Account{Email: "user@example.com", PasswordHash: "$2a$12$hash"}
	account.SetVerificationToken("digest", repoNow)

	require.NoError(t, repo.Create(context.Background(), account))

	assert.Equal(t, RoleUser, account.Role)
	assert.False(t, account.Verified)
	require.NotNil(t, account.VerificationToken)
	assert.Equal(t, "digest", *account.VerificationToken)
	assert.True(t, tx.committed)
}

func TestAccountRepository_CreateDuplicateEmail(t *testing.T) {
	tx := &fakeTx{rows: []fakeRow{
		{values: []any{true}},
		{err: &pgconn.PgError{Code: "23505"}},
	}}
	repo := &accountRepository{pool: &fakePool{tx: tx}}

	err := repo.Create(context.Background(), &Account{Email: "user@example.com", PasswordHash: "x"})
	assert.ErrorIs(t, err, ErrEmailAlreadyExists)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestAccountRepository_GetByEmailIsCaseInsensitive(t *testing.T) {
	id := uuid.New()
	pool := &fakePool{row: accountRow(id, 0, nil)}
	repo := &accountRepository{pool: pool}

	account, err := repo.GetByEmail(context.Background(), " USER@example.com ")
	require.NoError(t, err)
	assert.Equal(t, id, account.ID)

	require.Len(t, pool.queries, 1)
	assert.True(t, strings.Contains(pool.queries[0].sql, "LOWER(email) = LOWER($1)"))
	assert.Equal(t, []any{"USER@example.com"}, pool.queries[0].args)

	pool.row = fakeRow{err: pgx.ErrNoRows}
	_, err = repo.GetByEmail(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
