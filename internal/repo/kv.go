package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KV stores JSON documents in Redis under plain string keys. Documents are
// whole-value replacements; there is no partial update below the key level.
//
// Consumers must treat reads as eventually consistent snapshots: an
// interleaved writer can replace a document between a read and the
// following write. The dispatcher bounds that race by being the single
// remote writer of every key it owns.
type KV struct {
	client *RedisClient
	log    *zap.Logger
}

// NewKV returns a JSON document store backed by the given client.
func NewKV(log *zap.Logger, client *RedisClient) *KV {
	return &KV{
		client: client,
		log:    log.Named("kv"),
	}
}

// GetJSON fetches the document at key and unmarshals it into dest.
// Returns (false, nil) when the key does not exist.
func (s *KV) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and stores it at key, replacing any prior value.
func (s *KV) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes the document at key.
func (s *KV) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}
