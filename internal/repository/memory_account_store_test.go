package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAccountStore_FirstAccountBecomesAdmin(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAccountStore()

	first := &Account{Email: "Admin@Example.com", PasswordHash: "hash"}
	first.SetVerificationToken("digest", time.Now())
	require.NoError(t, store.Create(ctx, first))

	assert.Equal(t, RoleAdmin, first.Role)
	assert.True(t, first.Verified)
	assert.Nil(t, first.VerificationToken)
	assert.Nil(t, first.VerificationIssuedAt)
	assert.Equal(t, "admin@example.com", first.Email)

	second := &Account{Email: "user@example.com", PasswordHash: "hash"}
	second.SetVerificationToken("digest", time.Now())
	require.NoError(t, store.Create(ctx, second))

	assert.Equal(t, RoleUser, second.Role)
	assert.False(t, second.Verified)
	require.NotNil(t, second.VerificationToken)
	assert.Equal(t, "digest", *second.VerificationToken)
}

func TestMemoryAccountStore_DuplicateEmail(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAccountStore()

	require.NoError(t, store.Create(ctx, &Account{Email: "a@example.com"}))
	err := store.Create(ctx, &Account{Email: " A@EXAMPLE.com "})
	assert.ErrorIs(t, err, ErrEmailAlreadyExists)
}

func TestMemoryAccountStore_GetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAccountStore()

	account := &Account{Email: "a@example.com"}
	require.NoError(t, store.Create(ctx, account))

	loaded, err := store.GetByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	loaded.FailedAttempts = 42

	again, err := store.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.FailedAttempts)
}

func TestMemoryAccountStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAccountStore()

	_, err := store.GetByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = store.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = store.Update(ctx, uuid.New(), func(*Account) error { return nil })
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMemoryAccountStore_UpdateErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAccountStore()

	account := &Account{Email: "a@example.com"}
	require.NoError(t, store.Create(ctx, account))

	boom := errors.New("boom")
	_, err := store.Update(ctx, account.ID, func(a *Account) error {
		a.FailedAttempts = 3
		a.ClearVerificationToken()
		return boom
	})
	assert.ErrorIs(t, err, boom)

	loaded, err := store.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.FailedAttempts)
}

func TestMemoryAccountStore_ConcurrentIncrementsAreSerialized(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAccountStore()

	account := &Account{Email: "a@example.com"}
	require.NoError(t, store.Create(ctx, account))

	const workers = 64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, account.ID, func(a *Account) error {
				a.FailedAttempts++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	loaded, err := store.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, loaded.FailedAttempts)
}
