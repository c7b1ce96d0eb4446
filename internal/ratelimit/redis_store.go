package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic transaction retries under contention
const maxTxRetries = 16

// RedisStore keeps records in Redis hashes so several instances share one
// view of each client. Eviction is delegated to key expiry at ExpiresAt.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Store backed by the given client
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

var _ Store = (*RedisStore)(nil)

// redisRecord is the hash layout; times are unix nanoseconds, 0 meaning unset
type redisRecord struct {
	ConsecutiveFailures int   `redis:"failures"`
	BackoffUntil        int64 `redis:"backoff_until"`
	WindowStart         int64 `redis:"window_start"`
	UpdatedAt           int64 `redis:"updated_at"`
	ExpiresAt           int64 `redis:"expires_at"`
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (r redisRecord) record() Record {
	return Record{
		ConsecutiveFailures: r.ConsecutiveFailures,
		BackoffUntil:        fromUnixNano(r.BackoffUntil),
		WindowStart:         fromUnixNano(r.WindowStart),
		UpdatedAt:           fromUnixNano(r.UpdatedAt),
		ExpiresAt:           fromUnixNano(r.ExpiresAt),
	}
}

func newRedisRecord(rec Record) redisRecord {
	return redisRecord{
		ConsecutiveFailures: rec.ConsecutiveFailures,
		BackoffUntil:        toUnixNano(rec.BackoffUntil),
		WindowStart:         toUnixNano(rec.WindowStart),
		UpdatedAt:           toUnixNano(rec.UpdatedAt),
		ExpiresAt:           toUnixNano(rec.ExpiresAt),
	}
}

func readRecord(ctx context.Context, c redis.Cmdable, key string) (Record, bool, error) {
	cmd := c.HGetAll(ctx, key)
	if err := cmd.Err(); err != nil {
		return Record{}, false, err
	}
	if len(cmd.Val()) == 0 {
		return Record{}, false, nil
	}
	var rr redisRecord
	if err := cmd.Scan(&rr); err != nil {
		return Record{}, false, fmt.Errorf("decode rate limit record %s: %w", key, err)
	}
	return rr.record(), true, nil
}

// Get returns the record for key
func (s *RedisStore) Get(ctx context.Context, key Key) (Record, bool, error) {
	return readRecord(ctx, s.client, key.String())
}

// Update runs fn inside a WATCH/MULTI transaction, retrying on conflicts
func (s *RedisStore) Update(ctx context.Context, key Key, fn func(rec *Record, exists bool)) (Record, error) {
	k := key.String()
	var result Record

	txf := func(tx *redis.Tx) error {
		rec, exists, err := readRecord(ctx, tx, k)
		if err != nil {
			return err
		}
		fn(&rec, exists)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, newRedisRecord(rec))
			if !rec.ExpiresAt.IsZero() {
				pipe.PExpireAt(ctx, k, rec.ExpiresAt)
			}
			return nil
		})
		if err == nil {
			result = rec
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Record{}, err
	}
	return Record{}, fmt.Errorf("update rate limit record %s: too much contention", k)
}

// Sweep is a no-op: Redis expires keys at ExpiresAt on its own
func (s *RedisStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// Len counts rate limit keys with SCAN
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, "ratelimit:*", 500).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return count, nil
}
