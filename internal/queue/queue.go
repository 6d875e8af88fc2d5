package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledgerpos/backend/internal/clock"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/localstore"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

// Queue is the durable list of writes that still have to reach the remote
// store. The whole list lives under one key and every mutation rewrites it,
// which is only safe with a single writer per device; mu enforces that
// within the process.
type Queue struct {
	mu          sync.Mutex
	store       localstore.Store
	clock       clock.Clock
	maxAttempts int
	log         *zap.Logger
}

type Counts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// New returns a queue over s. Operations that reach maxAttempts stay stored
// but are left out of ListPending until RetryFailed; zero means no limit.
func New(s localstore.Store, clk clock.Clock, maxAttempts int, log *zap.Logger) *Queue {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{store: s, clock: clk, maxAttempts: maxAttempts, log: log.Named("queue")}
}

func (q *Queue) Enqueue(ctx context.Context, payload domain.Payload) (string, error) {
	id, _, err := q.EnqueueUnique(ctx, payload, "")
	return id, err
}

// EnqueueUnique appends payload unless an operation with the same non-empty
// dedupeKey is already queued, in which case the existing id is returned.
func (q *Queue) EnqueueUnique(ctx context.Context, payload domain.Payload, dedupeKey string) (string, bool, error) {
	if payload == nil {
		return "", false, store.Invalid("operation payload is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		return "", false, err
	}
	if dedupeKey != "" {
		for _, op := range ops {
			if op.DedupeKey == dedupeKey {
				return op.ID, false, nil
			}
		}
	}

	now := q.clock.Now()
	if n := len(ops); n > 0 && !now.After(ops[n-1].CreatedAt) {
		// keep createdAt strictly increasing so FIFO survives clock steps
		now = ops[n-1].CreatedAt.Add(time.Microsecond)
	}
	op := domain.Operation{
		ID:        xid.Ordered(now),
		Payload:   payload,
		DedupeKey: dedupeKey,
		CreatedAt: now,
	}
	ops = append(ops, op)
	if err := q.save(ctx, ops); err != nil {
		return "", false, fmt.Errorf("persist queue: %w", err)
	}
	q.log.Info("operation queued", zap.String("id", op.ID), zap.String("kind", string(op.Kind())))
	return op.ID, true, nil
}

func (q *Queue) ListPending(ctx context.Context) ([]domain.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]domain.Operation, 0, len(ops))
	for _, op := range ops {
		if !q.exhausted(op) {
			pending = append(pending, op)
		}
	}
	return pending, nil
}

func (q *Queue) ListFailed(ctx context.Context) ([]domain.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	failed := make([]domain.Operation, 0)
	for _, op := range ops {
		if q.exhausted(op) {
			failed = append(failed, op)
		}
	}
	return failed, nil
}

func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return err
	}
	kept := ops[:0]
	found := false
	for _, op := range ops {
		if op.ID == id {
			found = true
			continue
		}
		kept = append(kept, op)
	}
	if !found {
		return fmt.Errorf("%w: operation %s", store.ErrNotFound, id)
	}
	return q.save(ctx, kept)
}

// MarkAttempted bumps the attempt counter and returns the new value.
func (q *Queue) MarkAttempted(ctx context.Context, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	for i := range ops {
		if ops[i].ID == id {
			ops[i].Attempts++
			if err := q.save(ctx, ops); err != nil {
				return 0, err
			}
			return ops[i].Attempts, nil
		}
	}
	return 0, fmt.Errorf("%w: operation %s", store.ErrNotFound, id)
}

// RetryFailed resets the attempt counter of every exhausted operation.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	reset := 0
	for i := range ops {
		if q.exhausted(ops[i]) {
			ops[i].Attempts = 0
			reset++
		}
	}
	if reset == 0 {
		return 0, nil
	}
	return reset, q.save(ctx, ops)
}

func (q *Queue) Count(ctx context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, op := range ops {
		if q.exhausted(op) {
			c.Failed++
		} else {
			c.Pending++
		}
	}
	return c, nil
}

func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Delete(ctx, localstore.KeySyncQueue)
}

func (q *Queue) exhausted(op domain.Operation) bool {
	return q.maxAttempts > 0 && op.Attempts >= q.maxAttempts
}

func (q *Queue) load(ctx context.Context) ([]domain.Operation, error) {
	var raws []json.RawMessage
	found, err := q.store.Load(ctx, localstore.KeySyncQueue, &raws)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if !found {
		return nil, nil
	}

	ops := make([]domain.Operation, 0, len(raws))
	for _, raw := range raws {
		var op domain.Operation
		if err := json.Unmarshal(raw, &op); err != nil {
			salvaged, ok := salvage(raw)
			if !ok {
				return nil, fmt.Errorf("load queue: %w", err)
			}
			q.log.Warn("queued operation has an unreadable payload; keeping it for retry",
				zap.String("id", salvaged.ID), zap.Error(err))
			op = salvaged
		}
		ops = append(ops, op)
	}
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].ID < ops[j].ID
		}
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
	return ops, nil
}

// salvage keeps an operation whose payload no longer decodes so it is never
// silently dropped.
func salvage(raw json.RawMessage) (domain.Operation, bool) {
	var wire struct {
		ID        string               `json:"id"`
		Kind      domain.OperationKind `json:"kind"`
		Payload   json.RawMessage      `json:"payload"`
		DedupeKey string               `json:"dedupeKey"`
		CreatedAt time.Time            `json:"createdAt"`
		Attempts  int                  `json:"attempts"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil || wire.ID == "" {
		return domain.Operation{}, false
	}
	return domain.Operation{
		ID:        wire.ID,
		Payload:   domain.UnknownPayload{RawKind: wire.Kind, Raw: wire.Payload},
		DedupeKey: wire.DedupeKey,
		CreatedAt: wire.CreatedAt,
		Attempts:  wire.Attempts,
	}, true
}

func (q *Queue) save(ctx context.Context, ops []domain.Operation) error {
	return q.store.Save(ctx, localstore.KeySyncQueue, ops)
}
