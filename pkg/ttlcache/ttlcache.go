// Package ttlcache implements a small generic TTL-keyed cache. Entries are
// evicted lazily on access rather than by a background sweep, the same
// style signer/storage's keyCacher uses for the signing-key cache: an
// injectable clock and a check-on-read instead of a timer goroutine.
package ttlcache

import (
	"sync"
	"time"

	"github.com/dexidp/oidcrp/pkg/oidcerr"
)

// entry holds a cached value alongside its absolute expiry.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a generic, TTL-keyed, lazily-evicting cache safe for concurrent
// use. The zero value is not usable; construct with New.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]entry[V]
	now     func() time.Time
	maxKey  int
}

// Options configures a Cache at construction time.
type Options struct {
	// Now overrides the clock used to stamp and check expiry. Defaults to
	// time.Now; tests substitute a fixed clock.
	Now func() time.Time
	// MaxKeyLength bounds key size to guard against unbounded cache-key
	// growth from untrusted input. Zero means unbounded.
	MaxKeyLength int
}

// New constructs an empty Cache.
func New[V any](opts Options) *Cache[V] {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache[V]{
		items:  make(map[string]entry[V]),
		now:    now,
		maxKey: opts.MaxKeyLength,
	}
}

func (c *Cache[V]) validateKey(key string) error {
	if key == "" {
		return oidcerr.New(oidcerr.CodeInvalidKey, "cache key must not be empty")
	}
	if c.maxKey > 0 && len(key) > c.maxKey {
		return oidcerr.New(oidcerr.CodeInvalidKey, "cache key exceeds maximum length")
	}
	return nil
}

// Set stores value under key with the given time-to-live. A non-positive
// ttl is rejected with INVALID_TTL.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) error {
	if err := c.validateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return oidcerr.New(oidcerr.CodeInvalidTTL, "ttl must be positive")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

// Get returns the cached value for key. The second return is false if the
// key is absent or has expired; an expired entry is evicted on this call.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.items, key)
		return zero, false
	}
	return e.value, true
}

// Delete removes key unconditionally. It is not an error to delete a
// missing key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear empties the cache.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]entry[V])
}

// Size returns the number of entries currently stored, including entries
// that have expired but have not yet been accessed (and therefore not yet
// evicted).
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
