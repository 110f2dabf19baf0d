// Package ttlcache provides a keyed store with time-based expiry, scoped to
// one service instance. Expired entries read as absent; eviction is lazy on
// access with an optional background sweep. Dispose drops everything and
// rejects writes until the owning service re-arms the cache on its next start,
// so a write racing a shutdown cannot resurrect state.
package ttlcache

import (
	"sync"
	"time"

	"github.com/quantfabric/xconnect/pkg/errors"
)

// ErrDisposed is returned by writes after Dispose and before Reset.
var ErrDisposed = errors.New("cache disposed")

// DefaultTTL applies when the owner does not configure one.
const DefaultTTL = 5 * time.Minute

type entry[V any] struct {
	value      V
	insertedAt time.Time
	ttl        time.Duration
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.insertedAt.Add(e.ttl))
}

// Cache is a thread-safe TTL cache. The zero value is not usable; construct
// with New.
type Cache[V any] struct {
	mu       sync.RWMutex
	name     string
	ttl      time.Duration
	items    map[string]*entry[V]
	disposed bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	sweepInterval time.Duration
}

// WithSweep enables a background sweep that removes expired entries every
// interval. Correctness never depends on the sweep; it only bounds memory.
func WithSweep(interval time.Duration) Option {
	return func(o *options) {
		o.sweepInterval = interval
	}
}

// New creates a named cache with the given default TTL.
func New[V any](name string, ttl time.Duration, opts ...Option) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[V]{
		name:  name,
		ttl:   ttl,
		items: make(map[string]*entry[V]),
	}
	if o.sweepInterval > 0 {
		c.sweepStop = make(chan struct{})
		c.sweepDone = make(chan struct{})
		go c.sweep(o.sweepInterval)
	}
	return c
}

// Name returns the cache name, used in logs and stats.
func (c *Cache[V]) Name() string {
	return c.name
}

// Get returns the value for key. Missing and expired keys both report absent;
// an expired entry is evicted on the way out.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	now := time.Now()

	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if e.expired(now) {
		c.mu.Lock()
		if cur, still := c.items[key]; still && cur.expired(now) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set inserts or replaces key with a fresh insertion timestamp and the cache
// default TTL. It fails with ErrDisposed after Dispose.
func (c *Cache[V]) Set(key string, value V) error {
	return c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL inserts or replaces key with an entry-specific TTL.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	c.items[key] = &entry[V]{value: value, insertedAt: time.Now(), ttl: ttl}
	return nil
}

// Delete removes key, reporting whether it was present and live.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return false
	}
	delete(c.items, key)
	return !e.expired(time.Now())
}

// Size returns the number of live (unexpired) entries.
func (c *Cache[V]) Size() int {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.items {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Keys returns the live keys.
func (c *Cache[V]) Keys() []string {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for k, e := range c.items {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Dispose drops all entries and rejects writes until Reset. Reads after
// Dispose report absent. Safe to call more than once.
func (c *Cache[V]) Dispose() {
	c.mu.Lock()
	c.items = make(map[string]*entry[V])
	c.disposed = true
	c.mu.Unlock()
	c.stopSweep()
}

// Reset re-arms a disposed cache for a fresh service start.
func (c *Cache[V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry[V])
	c.disposed = false
}

// Disposed reports whether the cache is currently disposed.
func (c *Cache[V]) Disposed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disposed
}

func (c *Cache[V]) stopSweep() {
	if c.sweepStop == nil {
		return
	}
	select {
	case <-c.sweepStop:
	default:
		close(c.sweepStop)
		<-c.sweepDone
	}
}

func (c *Cache[V]) sweep(interval time.Duration) {
	defer close(c.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.items {
				if e.expired(now) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
