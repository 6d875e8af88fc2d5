package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ledgerpos/backend/internal/clock"
)

type Loader[T any] func(ctx context.Context) (T, error)

// Cache serves short-lived reads of remote collections. Writers call
// Invalidate after every successful mutation.
type Cache[T any] interface {
	GetOrLoad(ctx context.Context, key string, load Loader[T]) (T, error)
	Invalidate(key string)
	InvalidateAll()
}

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// TTL is an in-process Cache. Concurrent misses on one key share a single
// loader call.
type TTL[T any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clock.Clock
	entries map[string]entry[T]
	group   singleflight.Group
}

func NewTTL[T any](ttl time.Duration, clk clock.Clock) *TTL[T] {
	if clk == nil {
		clk = clock.Real{}
	}
	return &TTL[T]{ttl: ttl, clock: clk, entries: make(map[string]entry[T])}
}

func (c *TTL[T]) GetOrLoad(ctx context.Context, key string, load Loader[T]) (T, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.clock.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		value, err := load(ctx)
		if err != nil {
			return value, err
		}
		c.mu.Lock()
		c.entries[key] = entry[T]{value: value, expiresAt: c.clock.Now().Add(c.ttl)}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (c *TTL[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.group.Forget(key)
}

func (c *TTL[T]) InvalidateAll() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.entries = make(map[string]entry[T])
	c.mu.Unlock()
	for _, key := range keys {
		c.group.Forget(key)
	}
}

// Noop never caches; every read goes to the loader.
type Noop[T any] struct{}

func (Noop[T]) GetOrLoad(ctx context.Context, _ string, load Loader[T]) (T, error) {
	return load(ctx)
}

func (Noop[T]) Invalidate(string) {}

func (Noop[T]) InvalidateAll() {}
