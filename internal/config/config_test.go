package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REMOTE_TIMEOUT_MS", "")
	t.Setenv("DEBT_DUE_DAYS", "")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "")

	cfg := Load()
	assert.Equal(t, 5*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, 30, cfg.DebtDueDays)
	assert.Equal(t, 5, cfg.QueueMaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.PartnerCacheTTL)
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("REMOTE_TIMEOUT_MS", "soon")
	t.Setenv("SYNC_INTERVAL_SECONDS", "1")
	t.Setenv("PORT", "9090")

	cfg := Load()
	assert.Equal(t, 5*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, 60*time.Second, cfg.SyncInterval)
	assert.Equal(t, ":9090", cfg.Address())
}
