package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idempotency:"

// RedisStore shares idempotency records between service instances.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (State, Record, error) {
	pending, err := json.Marshal(Record{Fingerprint: fingerprint})
	if err != nil {
		return StateNew, Record{}, fmt.Errorf("idempotency: encode reservation: %w", err)
	}

	reserved, err := s.rdb.SetNX(ctx, redisKeyPrefix+key, pending, ttl).Result()
	if err != nil {
		return StateNew, Record{}, fmt.Errorf("idempotency: reserve key: %w", err)
	}
	if reserved {
		return StateNew, Record{}, nil
	}

	existing, err := s.get(ctx, key)
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		return s.Reserve(ctx, key, fingerprint, ttl)
	}
	if err != nil {
		return StateNew, Record{}, err
	}
	return classify(existing, fingerprint), existing, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, record Record, ttl time.Duration) error {
	existing, err := s.get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotReserved
		}
		return err
	}
	if existing.Fingerprint != record.Fingerprint {
		return ErrNotReserved
	}

	record.Completed = true
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	if err := s.rdb.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: store record: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency: release key: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, key string) (Record, error) {
	data, err := s.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, redis.Nil
		}
		return Record{}, fmt.Errorf("idempotency: load record: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, nil
}
