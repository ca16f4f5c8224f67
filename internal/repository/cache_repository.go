package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
)

// CacheRepository provides helpers around Redis for the optimistic read cache.
type CacheRepository struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewCacheRepository constructs a cache repository. Invalidations are published
// on channel when it is not empty so sibling instances can drop their copies.
func NewCacheRepository(client *redis.Client, channel string, logger *zap.Logger) *CacheRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheRepository{client: client, channel: channel, logger: logger}
}

// Load returns the raw cached bytes for key or ErrCacheMiss.
func (r *CacheRepository) Load(ctx context.Context, key string) ([]byte, error) {
	if r.client == nil {
		return nil, appErrors.ErrCacheMiss
	}
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, appErrors.ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return raw, nil
}

// Store writes raw bytes with the given TTL.
func (r *CacheRepository) Store(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key and announces the invalidation.
func (r *CacheRepository) Delete(ctx context.Context, key string) error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	if r.channel != "" {
		if err := r.client.Publish(ctx, r.channel, key).Err(); err != nil {
			r.logger.Warn("failed to publish cache invalidation", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// DeleteByPattern removes cached entries matching the provided pattern.
func (r *CacheRepository) DeleteByPattern(ctx context.Context, pattern string) error {
	if r.client == nil {
		return nil
	}

	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := r.Delete(ctx, iter.Val()); err != nil {
			return err
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan pattern %s: %w", pattern, err)
	}

	return nil
}

// SubscribeInvalidations calls fn for every key invalidated by another instance
// until ctx is done.
func (r *CacheRepository) SubscribeInvalidations(ctx context.Context, fn func(key string)) {
	if r.client == nil || r.channel == "" {
		return
	}
	sub := r.client.Subscribe(ctx, r.channel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Payload)
			}
		}
	}()
}

// Close releases the underlying Redis connection if present.
func (r *CacheRepository) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
