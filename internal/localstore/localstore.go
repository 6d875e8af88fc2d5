package localstore

import (
	"context"
	"encoding/json"
	"sync"
)

// Fixed keys for device-local state.
const (
	KeySyncQueue        = "sync_queue"
	KeyCashboxState     = "cashbox_state"
	KeyCashShifts       = "cash_shifts"
	KeyProductsSnapshot = "products_snapshot"
)

// Store persists JSON blobs under fixed keys. Writes to different keys are
// independent; there is no cross-key transaction.
type Store interface {
	Load(ctx context.Context, key string, dest any) (bool, error)
	Save(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, key string, dest any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.blobs[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) Save(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.blobs[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.blobs, key)
	m.mu.Unlock()
	return nil
}
