package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"ledgerpos/backend/internal/store"
)

type Topic string

const (
	ProductsUpdated  Topic = "products-updated"
	CustomersUpdated Topic = "customers-updated"
	InvoicesUpdated  Topic = "invoices-updated"
	DebtsUpdated     Topic = "debts-updated"
	PartnersUpdated  Topic = "partners-updated"
	ExpensesUpdated  Topic = "expenses-updated"
	CashboxUpdated   Topic = "cashbox-updated"
	ShiftsUpdated    Topic = "shifts-updated"
	SyncQueueUpdated Topic = "sync-queue-updated"
)

// Event says that something under Topic changed for OwnerID. It carries no
// payload; subscribers reload what they need.
type Event struct {
	Topic   Topic  `json:"topic"`
	OwnerID string `json:"ownerId,omitempty"`
}

type Handler func(Event)

// Bus fans events out to subscribers synchronously. A panicking subscriber
// is logged and skipped.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
	log    *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{subs: make(map[int]Handler), log: log.Named("events")}
}

func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish emits each distinct topic once, tagged with the caller's owner.
func (b *Bus) Publish(ctx context.Context, topics ...Topic) {
	if b == nil || len(topics) == 0 {
		return
	}
	owner := ""
	if actor, ok := store.ActorFromContext(ctx); ok {
		owner = actor.EffectiveOwnerID()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	seen := make(map[Topic]bool, len(topics))
	for _, topic := range topics {
		if seen[topic] {
			continue
		}
		seen[topic] = true
		evt := Event{Topic: topic, OwnerID: owner}
		for _, h := range handlers {
			b.deliver(h, evt)
		}
	}
}

func (b *Bus) deliver(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked", zap.String("topic", string(evt.Topic)), zap.Any("panic", r))
		}
	}()
	h(evt)
}
