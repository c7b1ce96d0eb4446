package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAccountStore is an in-process AccountStore for single-instance
// deployments and tests. Updates are serialized per account id.
type MemoryAccountStore struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*Account
	byEmail map[string]uuid.UUID

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewMemoryAccountStore creates an empty MemoryAccountStore
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		byID:    make(map[uuid.UUID]*Account),
		byEmail: make(map[string]uuid.UUID),
		locks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

var _ AccountStore = (*MemoryAccountStore)(nil)

// Create inserts a new account
func (s *MemoryAccountStore) Create(ctx context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(account.Email))
	if _, ok := s.byEmail[email]; ok {
		return ErrEmailAlreadyExists
	}

	account.Email = email
	account.Role = RoleUser
	if len(s.byID) == 0 {
		account.Role = RoleAdmin
		account.Verified = true
		account.ClearVerificationToken()
	}

	now := time.Now().UTC()
	account.ID = uuid.New()
	account.CreatedAt = now
	account.UpdatedAt = now

	s.byID[account.ID] = account.Clone()
	s.byEmail[email] = account.ID
	return nil
}

// GetByID retrieves a copy of the account with the given id
func (s *MemoryAccountStore) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.byID[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return account.Clone(), nil
}

// GetByEmail retrieves a copy of the account with the given email (case-insensitive)
func (s *MemoryAccountStore) GetByEmail(ctx context.Context, email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return s.byID[id].Clone(), nil
}

// Update applies fn to the account while holding its per-account lock
func (s *MemoryAccountStore) Update(ctx context.Context, id uuid.UUID, fn func(account *Account) error) (*Account, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	current, ok := s.byID[id]
	var working *Account
	if ok {
		working = current.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}

	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	s.byID[id] = working.Clone()
	s.mu.Unlock()

	return working, nil
}

func (s *MemoryAccountStore) lockFor(id uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}
