package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledgerpos/backend/internal/store"
)

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Monitor tracks whether the remote ledger answers. It starts offline, so
// the first successful check counts as a restore.
type Monitor struct {
	pinger store.Pinger
	cfg    Config
	log    *zap.Logger

	mu        sync.RWMutex
	online    bool
	listeners []func(context.Context)
}

func New(pinger store.Pinger, cfg Config, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{pinger: pinger, cfg: cfg.withDefaults(), log: log.Named("connectivity")}
}

// OnRestored registers fn to run after each offline to online transition.
func (m *Monitor) OnRestored(fn func(context.Context)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records an outcome observed elsewhere, such as a remote call
// failing with a transient error.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.transition(ctx, online)
}

// Check pings once and reports the resulting state.
func (m *Monitor) Check(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	err := m.pinger.Ping(pingCtx)
	cancel()
	if err != nil {
		m.log.Debug("ping failed", zap.Error(err))
	}
	return m.transition(ctx, err == nil)
}

func (m *Monitor) transition(ctx context.Context, online bool) bool {
	m.mu.Lock()
	was := m.online
	m.online = online
	listeners := append([]func(context.Context){}, m.listeners...)
	m.mu.Unlock()

	switch {
	case online && !was:
		m.log.Info("remote reachable")
		for _, fn := range listeners {
			m.notify(ctx, fn)
		}
	case !online && was:
		m.log.Warn("remote unreachable")
	}
	return online
}

func (m *Monitor) notify(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("restore listener panicked", zap.Any("panic", r))
		}
	}()
	fn(ctx)
}

// Run checks on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.Check(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
