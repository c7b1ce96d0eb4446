package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store suitable for single-instance deployment.
// For multiple instances use RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]Record
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Key]Record),
	}
}

var _ Store = (*MemoryStore)(nil)

// Get returns the record for key
func (s *MemoryStore) Get(ctx context.Context, key Key) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	return rec, ok, nil
}

// Update applies fn to the record for key under the store lock
func (s *MemoryStore) Update(ctx context.Context, key Key, fn func(rec *Record, exists bool)) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	fn(&rec, ok)
	s.records[key] = rec
	return rec, nil
}

// Sweep removes fully decayed records
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, rec := range s.records {
		if rec.InBackoff(now) || now.Before(rec.ExpiresAt) {
			continue
		}
		delete(s.records, key)
		evicted++
	}
	return evicted, nil
}

// Len returns the number of records
func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}
