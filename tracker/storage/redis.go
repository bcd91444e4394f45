package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBackend stores each environment's document under its own key and swaps it
// with WATCH/MULTI, so a concurrent writer makes the transaction fail instead of
// overwriting its snapshot.
type RedisBackend struct {
	rdb       redis.UniversalClient
	keyPrefix string
	log       logrus.FieldLogger
}

// NewRedisBackend creates a Redis-backed document backend
func NewRedisBackend(rdb redis.UniversalClient, keyPrefix string, log logrus.FieldLogger) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = "benchhist"
	}
	return &RedisBackend{
		rdb:       rdb,
		keyPrefix: keyPrefix,
		log:       log.WithField("component", "redis-backend"),
	}
}

// Name identifies the backend in logs and metrics
func (b *RedisBackend) Name() string {
	return "redis"
}

func (b *RedisBackend) key(environmentID string) string {
	return fmt.Sprintf("%s:history:%s", b.keyPrefix, environmentID)
}

// Read returns the stored document and its content version
func (b *RedisBackend) Read(ctx context.Context, environmentID string) ([]byte, Version, error) {
	raw, err := b.rdb.Get(ctx, b.key(environmentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get history key: %w", err)
	}
	return raw, contentVersion(raw), nil
}

// Write replaces the document inside a WATCH transaction on its key
func (b *RedisBackend) Write(ctx context.Context, environmentID string, expected Version, document []byte) (Version, error) {
	key := b.key(environmentID)

	err := b.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		var current Version
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("failed to get history key: %w", err)
		default:
			current = contentVersion(raw)
		}
		if current != expected {
			return ErrVersionMismatch
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return pipe.Set(ctx, key, document, 0).Err()
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		b.log.WithField("key", key).Debug("History key changed during transaction")
		return "", ErrVersionMismatch
	}
	if err != nil {
		return "", err
	}
	return contentVersion(document), nil
}
