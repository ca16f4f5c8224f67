package repository

import (
	"context"
	"path"
	"sync"
	"time"

	appErrors "github.com/noah-isme/member-requests-api/pkg/errors"
)

type memoryCacheItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCacheRepository is an in-process cache used when Redis is disabled.
type MemoryCacheRepository struct {
	mu    sync.RWMutex
	items map[string]memoryCacheItem
	now   func() time.Time
}

// NewMemoryCacheRepository constructs an empty in-process cache.
func NewMemoryCacheRepository() *MemoryCacheRepository {
	return &MemoryCacheRepository{items: make(map[string]memoryCacheItem), now: time.Now}
}

// Load returns a copy of the cached bytes or ErrCacheMiss.
func (r *MemoryCacheRepository) Load(_ context.Context, key string) ([]byte, error) {
	r.mu.RLock()
	item, ok := r.items[key]
	r.mu.RUnlock()
	if !ok {
		return nil, appErrors.ErrCacheMiss
	}
	if !item.expiresAt.IsZero() && r.now().After(item.expiresAt) {
		r.mu.Lock()
		delete(r.items, key)
		r.mu.Unlock()
		return nil, appErrors.ErrCacheMiss
	}
	return append([]byte(nil), item.value...), nil
}

// Store keeps a copy of value until ttl elapses; ttl <= 0 never expires.
func (r *MemoryCacheRepository) Store(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memoryCacheItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = r.now().Add(ttl)
	}
	r.mu.Lock()
	r.items[key] = item
	r.mu.Unlock()
	return nil
}

// Delete removes key.
func (r *MemoryCacheRepository) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	delete(r.items, key)
	r.mu.Unlock()
	return nil
}

// DeleteByPattern removes keys matching a glob pattern.
func (r *MemoryCacheRepository) DeleteByPattern(_ context.Context, pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.items {
		if ok, _ := path.Match(pattern, key); ok {
			delete(r.items, key)
		}
	}
	return nil
}
