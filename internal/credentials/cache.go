package credentials

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Source supplies named credential values. An empty value with a nil error
// means the credential is not available.
type Source interface {
	Lookup(ctx context.Context, name string) (string, error)
}

type entry struct {
	value     string
	fetchedAt time.Time
}

// Cache holds short-lived credentials for a fixed TTL. Reads may run
// concurrently; refresh and invalidation are serialized.
type Cache struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func NewCache(source Source, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for name while it is younger than the TTL,
// otherwise it asks the source again. ok is false when no value exists;
// callers continue unauthenticated in that case.
func (c *Cache) Get(ctx context.Context, name string) (string, bool) {
	c.mu.RLock()
	e, found := c.entries[name]
	c.mu.RUnlock()
	if found && c.fresh(e) {
		return e.value, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// another caller may have refreshed while we waited for the lock
	if e, found := c.entries[name]; found && c.fresh(e) {
		return e.value, true
	}

	value, err := c.source.Lookup(ctx, name)
	if err != nil {
		slog.WarnContext(ctx, "credential lookup failed", "name", name, "error", err)
		delete(c.entries, name)
		return "", false
	}
	if value == "" {
		delete(c.entries, name)
		return "", false
	}

	c.entries[name] = entry{value: value, fetchedAt: c.now()}
	return value, true
}

// Invalidate drops name so the next Get refetches it.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// InvalidateAll drops every cached credential.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

func (c *Cache) fresh(e entry) bool {
	return c.now().Sub(e.fetchedAt) < c.ttl
}
