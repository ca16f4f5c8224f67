package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
)

// cacheStore persists encoded cache values. Snapshots are taken at the byte
// level so a rollback restores exactly what was there.
type cacheStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// OptimisticCache keeps a local view of entity sets that reflects pending writes
// immediately and rolls back when the remote write fails.
//
// For any key the cache holds the last known-good server value, a pending patch
// on top of it, or that value restored after a failed patch. Patches from
// concurrent callers are not serialized; the last settled write wins and the
// key is always marked stale so the next Read reconverges with the store.
type OptimisticCache[T any] struct {
	name    string
	store   cacheStore
	ttl     time.Duration
	metrics *MetricsService
	logger  *zap.Logger

	mu       sync.Mutex
	nextRead uint64
	reads    map[string]map[uint64]context.CancelFunc
	gens     map[string]uint64
	stale    map[string]bool
}

// NewOptimisticCache constructs a cache over store. name labels log lines.
func NewOptimisticCache[T any](name string, store cacheStore, ttl time.Duration, metrics *MetricsService, logger *zap.Logger) *OptimisticCache[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OptimisticCache[T]{
		name:    name,
		store:   store,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
		reads:   make(map[string]map[uint64]context.CancelFunc),
		gens:    make(map[string]uint64),
		stale:   make(map[string]bool),
	}
}

// Peek returns the cached value without fetching.
func (c *OptimisticCache[T]) Peek(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if c == nil {
		return zero, false, nil
	}
	raw, ok, err := c.loadRaw(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	value, err := c.decode(raw)
	if err != nil {
		return zero, false, err
	}
	return value, true, nil
}

// PeekFresh is Peek restricted to values no write has touched since they were
// last fetched.
func (c *OptimisticCache[T]) PeekFresh(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if c == nil || c.isStale(key) {
		return zero, false, nil
	}
	return c.Peek(ctx, key)
}

// Read returns the cached value for key, fetching it when absent or stale. A
// fetch that is superseded by a concurrent Mutate is discarded in favour of the
// optimistic value.
func (c *OptimisticCache[T]) Read(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if c == nil {
		return fetch(ctx)
	}
	if !c.isStale(key) {
		if value, ok, err := c.Peek(ctx, key); err == nil && ok {
			c.metrics.RecordCacheOperation(true)
			return value, nil
		} else if err != nil {
			c.logger.Warn("cache read failed", zap.String("cache", c.name), zap.String("key", key), zap.Error(err))
		}
	}
	c.metrics.RecordCacheOperation(false)

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	id, gen := c.beginRead(key, cancel)
	value, err := fetch(readCtx)
	if superseded := c.endRead(key, id, gen); superseded {
		if current, ok, perr := c.Peek(ctx, key); perr == nil && ok {
			return current, nil
		}
		if err != nil {
			return zero, err
		}
		return value, nil
	}
	if err != nil {
		return zero, err
	}
	if err := c.storeValue(ctx, key, value); err != nil {
		c.logger.Warn("cache fill failed", zap.String("cache", c.name), zap.String("key", key), zap.Error(err))
		return value, nil
	}
	c.mu.Lock()
	if c.gens[key] == gen {
		delete(c.stale, key)
	}
	c.mu.Unlock()
	return value, nil
}

// Mutate applies patch to the cached value for key before calling remote.
//
// In-flight reads for key are cancelled first and the current bytes are
// snapshotted. A key with no cached value is not patched, so readers never see
// a partial set. On success the optimistic value stays, or is replaced by the
// canonical value when remote returns one. On failure the snapshot is restored
// exactly and the error is returned. Either way the key is marked stale.
// remote runs detached from ctx cancellation so an issued write always settles.
func (c *OptimisticCache[T]) Mutate(ctx context.Context, key string, patch func(current T) T, remote func(ctx context.Context) (*T, error)) error {
	if c == nil {
		_, err := remote(context.WithoutCancel(ctx))
		if err != nil {
			return asRemoteFailure(err)
		}
		return nil
	}
	c.cancelReads(key)
	defer c.markStale(key)

	patched := false
	snapshot, hadSnapshot, err := c.loadRaw(ctx, key)
	if err == nil && hadSnapshot {
		var current T
		if current, err = c.decode(snapshot); err == nil {
			err = c.storeValue(ctx, key, patch(current))
			patched = err == nil
		}
	}
	if err != nil {
		c.logger.Warn("optimistic patch skipped", zap.String("cache", c.name), zap.String("key", key), zap.Error(err))
	}

	canonical, remoteErr := remote(context.WithoutCancel(ctx))
	if remoteErr != nil {
		if patched {
			c.rollback(context.WithoutCancel(ctx), key, snapshot)
		}
		return asRemoteFailure(remoteErr)
	}
	if canonical != nil {
		if err := c.storeValue(ctx, key, *canonical); err != nil {
			c.logger.Warn("cache canonical write failed", zap.String("cache", c.name), zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// MarkStale cancels reads for key and forces the next Read to refetch. It does
// not touch the store and is what invalidation messages from peers call.
func (c *OptimisticCache[T]) MarkStale(key string) {
	if c == nil {
		return
	}
	c.cancelReads(key)
	c.markStale(key)
}

// Invalidate marks key stale and drops the stored value.
func (c *OptimisticCache[T]) Invalidate(key string) {
	if c == nil {
		return
	}
	c.MarkStale(key)
	if c.store != nil {
		if err := c.store.Delete(context.Background(), key); err != nil {
			c.logger.Warn("cache invalidation failed", zap.String("cache", c.name), zap.String("key", key), zap.Error(err))
		}
	}
}

func (c *OptimisticCache[T]) rollback(ctx context.Context, key string, snapshot []byte) {
	if err := c.store.Store(ctx, key, snapshot, c.ttl); err != nil {
		c.logger.Error("cache rollback failed", zap.String("cache", c.name), zap.String("key", key), zap.Error(err))
		return
	}
	c.metrics.RecordCacheRollback()
}

func (c *OptimisticCache[T]) loadRaw(ctx context.Context, key string) ([]byte, bool, error) {
	if c.store == nil {
		return nil, false, nil
	}
	raw, err := c.store.Load(ctx, key)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

func (c *OptimisticCache[T]) storeValue(ctx context.Context, key string, value T) error {
	if c.store == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s cache value: %w", c.name, err)
	}
	return c.store.Store(ctx, key, raw, c.ttl)
}

func (c *OptimisticCache[T]) decode(raw []byte) (T, error) {
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, fmt.Errorf("decode %s cache value: %w", c.name, err)
	}
	return value, nil
}

func (c *OptimisticCache[T]) isStale(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale[key]
}

func (c *OptimisticCache[T]) markStale(key string) {
	c.mu.Lock()
	c.stale[key] = true
	c.mu.Unlock()
}

func (c *OptimisticCache[T]) beginRead(key string, cancel context.CancelFunc) (uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRead++
	id := c.nextRead
	if c.reads[key] == nil {
		c.reads[key] = make(map[uint64]context.CancelFunc)
	}
	c.reads[key][id] = cancel
	return id, c.gens[key]
}

func (c *OptimisticCache[T]) endRead(key string, id, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reads[key], id)
	if len(c.reads[key]) == 0 {
		delete(c.reads, key)
	}
	return c.gens[key] != gen
}

func (c *OptimisticCache[T]) cancelReads(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[key]++
	for _, cancel := range c.reads[key] {
		cancel()
	}
	delete(c.reads, key)
}

// asRemoteFailure keeps typed domain errors and wraps everything else.
func asRemoteFailure(err error) error {
	var typed *appErrors.Error
	if errors.As(err, &typed) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrRemoteFailure.Code, appErrors.ErrRemoteFailure.Status, appErrors.ErrRemoteFailure.Message)
}
