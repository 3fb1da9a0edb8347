package offsetcache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "geetest:offset:"

// RedisStore keeps entries as Redis hashes, one key per content hash.
// HIncrBy makes counter updates atomic without cross-instance locking.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, hash string) (*Entry, error) {
	fields, err := s.client.HGetAll(ctx, redisKeyPrefix+hash).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get offset entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	entry := &Entry{Hash: hash}
	entry.Offset, _ = strconv.Atoi(fields["offset"])
	entry.SuccessCount, _ = strconv.Atoi(fields["success_count"])
	entry.FailureCount, _ = strconv.Atoi(fields["failure_count"])
	if raw, ok := fields["last_used_at"]; ok {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			entry.LastUsedAt = time.Unix(ts, 0)
		}
	}
	return entry, nil
}

func (s *RedisStore) RecordSuccess(ctx context.Context, hash string, offset int) error {
	return s.record(ctx, hash, offset, "success_count")
}

func (s *RedisStore) RecordFailure(ctx context.Context, hash string, offset int) error {
	return s.record(ctx, hash, offset, "failure_count")
}

func (s *RedisStore) record(ctx context.Context, hash string, offset int, counter string) error {
	key := redisKeyPrefix + hash

	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "offset", offset)
	pipe.HIncrBy(ctx, key, counter, 1)
	pipe.HSet(ctx, key, "last_used_at", time.Now().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record offset %s: %w", counter, err)
	}
	return nil
}
