package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "finscope:session:"

// casRetries bounds optimistic-concurrency retries before giving up.
const casRetries = 5

// RedisStore keeps sessions in Redis so multiple replicas can share them.
// Updates use WATCH-based compare-and-set; the TTL rides on the key itself.
type RedisStore struct {
	client *redis.Client
	limits Limits
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, limits Limits, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, limits: limits, ttl: ttl}
}

func key(id string) string { return redisKeyPrefix + id }

func (s *RedisStore) load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	sess := &Session{}
	if err := json.Unmarshal(raw, sess); err != nil {
		return nil, fmt.Errorf("corrupt session %s: %w", id, err)
	}
	sess.SetLimits(s.limits)
	return sess, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Session) error) error {
	k := key(id)

	txn := func(tx *redis.Tx) error {
		sess := New(id, s.limits)
		raw, err := tx.Get(ctx, k).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis get failed: %w", err)
		}
		if err == nil {
			if unmarshalErr := json.Unmarshal(raw, sess); unmarshalErr != nil {
				return fmt.Errorf("corrupt session %s: %w", id, unmarshalErr)
			}
			sess.SetLimits(s.limits)
		}

		if err := fn(sess); err != nil {
			return err
		}

		encoded, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, encoded, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.client.Watch(ctx, txn, k)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session %s: too many concurrent updates", id)
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	return s.load(ctx, id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, key(id)).Err()
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	var total int
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"*", 512).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scan failed: %w", err)
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
