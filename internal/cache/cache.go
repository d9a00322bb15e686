// Package cache implements the time-bounded inventory query cache.
//
// An entry is valid while now < expiry. Validity is checked on read only;
// there is no background sweep, so stale entries stay resident until they
// are overwritten, evicted by the size bound, or dropped by Clear.
package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/invdhcp/invdhcpd/internal/metrics"
)

// LoadFunc fetches a fresh value for a key on a cache miss.
type LoadFunc[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	expires time.Time
	value   V
}

// Cache maps a string key to a value with an absolute expiry.
// It has a single writer: the dispatch goroutine that owns it.
type Cache[V any] struct {
	name    string
	ttl     time.Duration
	entries *lru.Cache[string, entry[V]]
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache. name labels its metrics; size bounds the number of
// resident entries.
func New[V any](name string, ttl time.Duration, size int, opts ...Option) (*Cache[V], error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	entries, err := lru.New[string, entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{
		name:    name,
		ttl:     ttl,
		entries: entries,
		now:     o.now,
	}, nil
}

// Get returns the cached value for key when it is still valid. Otherwise it
// calls load, stores the result with a fresh expiry and returns it. A load
// error is returned as-is and nothing is stored.
func (c *Cache[V]) Get(ctx context.Context, key string, load LoadFunc[V]) (V, error) {
	now := c.now()
	if e, ok := c.entries.Get(key); ok && now.Before(e.expires) {
		metrics.CacheLookups.WithLabelValues(c.name, "hit").Inc()
		return e.value, nil
	}

	v, err := load(ctx)
	if err != nil {
		metrics.CacheLookups.WithLabelValues(c.name, "error").Inc()
		var zero V
		return zero, err
	}
	metrics.CacheLookups.WithLabelValues(c.name, "miss").Inc()

	c.entries.Add(key, entry[V]{expires: now.Add(c.ttl), value: v})
	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(c.entries.Len()))
	return v, nil
}

// Clear drops every entry, stale ones included, and returns how many there were.
func (c *Cache[V]) Clear() int {
	n := c.entries.Len()
	c.entries.Purge()
	metrics.CacheEntries.WithLabelValues(c.name).Set(0)
	return n
}

// Len returns the number of resident entries, stale ones included.
func (c *Cache[V]) Len() int {
	return c.entries.Len()
}
