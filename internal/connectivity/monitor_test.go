package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchPinger struct {
	mu   sync.Mutex
	down bool
}

func (p *switchPinger) set(down bool) {
	p.mu.Lock()
	p.down = down
	p.mu.Unlock()
}

func (p *switchPinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return errors.New("dial tcp: connection refused")
	}
	return nil
}

func TestRestoreFiresOnTransitionOnly(t *testing.T) {
	ctx := context.Background()
	pinger := &switchPinger{down: true}
	m := New(pinger, Config{}, nil)

	var restored atomic.Int32
	m.OnRestored(func(context.Context) { restored.Add(1) })

	assert.False(t, m.Check(ctx))
	assert.False(t, m.Online())
	assert.Equal(t, int32(0), restored.Load())

	pinger.set(false)
	assert.True(t, m.Check(ctx))
	assert.True(t, m.Check(ctx))
	assert.Equal(t, int32(1), restored.Load())

	pinger.set(true)
	assert.False(t, m.Check(ctx))
	pinger.set(false)
	assert.True(t, m.Check(ctx))
	assert.Equal(t, int32(2), restored.Load())
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	m := New(&switchPinger{}, Config{}, nil)
	var ran atomic.Bool
	m.OnRestored(func(context.Context) { panic("boom") })
	m.OnRestored(func(context.Context) { ran.Store(true) })

	assert.True(t, m.Check(context.Background()))
	assert.True(t, ran.Load())
}

func TestSetOnlineMarksOffline(t *testing.T) {
	ctx := context.Background()
	m := New(&switchPinger{}, Config{}, nil)
	require.True(t, m.Check(ctx))
	m.SetOnline(ctx, false)
	assert.False(t, m.Online())
}

func TestRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := New(&switchPinger{}, Config{Interval: 5 * time.Millisecond}, nil)

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
