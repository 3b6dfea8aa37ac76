package directory

import (
	"context"
	"sync"
	"time"

	"github.com/Yaduri/workflow-system/model"
)

type cacheEntry struct {
	user    model.User
	found   bool
	expires time.Time
}

// CacheObserver is notified of cache hits and misses.
type CacheObserver interface {
	RecordDirectoryCacheHit()
	RecordDirectoryCacheMiss()
}

type noopObserver struct{}

func (noopObserver) RecordDirectoryCacheHit()  {}
func (noopObserver) RecordDirectoryCacheMiss() {}

// Cached wraps a Directory with an in-memory TTL cache. Misses are cached
// too, so unknown IDs do not hammer the backing source.
type Cached struct {
	next     Directory
	ttl      time.Duration
	observer CacheObserver
	mu       sync.RWMutex
	cache    map[string]cacheEntry
}

// NewCached creates a cache over next with the given TTL. A nil observer
// is allowed.
func NewCached(next Directory, ttl time.Duration, observer CacheObserver) *Cached {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Cached{
		next:     next,
		ttl:      ttl,
		observer: observer,
		cache:    make(map[string]cacheEntry),
	}
}

// Lookup returns the user, serving from cache while the entry is fresh.
func (c *Cached) Lookup(ctx context.Context, userID string) (model.User, bool, error) {
	c.mu.RLock()
	if entry, ok := c.cache[userID]; ok && time.Now().Before(entry.expires) {
		c.mu.RUnlock()
		c.observer.RecordDirectoryCacheHit()
		return cloneUser(entry.user), entry.found, nil
	}
	c.mu.RUnlock()
	c.observer.RecordDirectoryCacheMiss()

	u, found, err := c.next.Lookup(ctx, userID)
	if err != nil {
		return model.User{}, false, err
	}

	c.mu.Lock()
	c.cache[userID] = cacheEntry{user: u, found: found, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return cloneUser(u), found, nil
}

// Invalidate drops the cached entry for userID. Call it after Register or
// RegisterProfile on the backing directory.
func (c *Cached) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()
}

// Flush drops every cached entry.
func (c *Cached) Flush() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.mu.Unlock()
}
