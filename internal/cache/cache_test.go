package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/clock"
)

func TestTTLServesUntilExpiry(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	c := NewTTL[int](30*time.Second, clk)

	calls := 0
	load := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, err := c.GetOrLoad(context.Background(), "partners", load)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clk.Advance(29 * time.Second)
	v, _ = c.GetOrLoad(context.Background(), "partners", load)
	assert.Equal(t, 1, v)

	clk.Advance(2 * time.Second)
	v, _ = c.GetOrLoad(context.Background(), "partners", load)
	assert.Equal(t, 2, v)
}

func TestTTLInvalidateForcesReload(t *testing.T) {
	c := NewTTL[string](time.Minute, clock.NewFake(time.Now()))
	n := 0
	load := func(context.Context) (string, error) {
		n++
		return "v", nil
	}

	_, _ = c.GetOrLoad(context.Background(), "a", load)
	_, _ = c.GetOrLoad(context.Background(), "b", load)
	c.Invalidate("a")
	_, _ = c.GetOrLoad(context.Background(), "a", load)
	_, _ = c.GetOrLoad(context.Background(), "b", load)
	assert.Equal(t, 3, n)

	c.InvalidateAll()
	_, _ = c.GetOrLoad(context.Background(), "b", load)
	assert.Equal(t, 4, n)
}

func TestTTLDoesNotCacheErrors(t *testing.T) {
	c := NewTTL[int](time.Minute, nil)
	boom := errors.New("offline")

	_, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)

	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestTTLCollapsesConcurrentLoads(t *testing.T) {
	c := NewTTL[int](time.Minute, nil)
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.GetOrLoad(context.Background(), "products", func(context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 1, nil
			})
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestNoopAlwaysLoads(t *testing.T) {
	var c Cache[int] = Noop[int]{}
	n := 0
	for i := 0; i < 3; i++ {
		_, _ = c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) {
			n++
			return n, nil
		})
	}
	assert.Equal(t, 3, n)
}
