package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/events"
)

// Dispatcher applies one operation of each kind to the remote store. A nil
// error means the operation is done and may be removed from the queue.
type Dispatcher interface {
	ApplySale(ctx context.Context, bundle domain.SaleBundle) error
	ApplyDebtSaleBundle(ctx context.Context, bundle domain.SaleBundle) error
	ApplyStockUpdate(ctx context.Context, op domain.StockUpdate) error
	ApplyCustomerUpdate(ctx context.Context, op domain.CustomerUpdate) error
	ApplyInvoiceCreate(ctx context.Context, op domain.InvoiceCreate) error
	ApplyExpense(ctx context.Context, op domain.ExpenseCreate) error
	ApplyDebt(ctx context.Context, op domain.DebtCreate) error
	ApplyDebtPayment(ctx context.Context, op domain.DebtPaymentCreate) error
}

type OperationError struct {
	ID     string               `json:"id"`
	Kind   domain.OperationKind `json:"kind"`
	Reason string               `json:"reason"`
}

type Result struct {
	Processed int              `json:"processed"`
	Failed    int              `json:"failed"`
	Skipped   bool             `json:"skipped"`
	Errors    []OperationError `json:"errors,omitempty"`
}

// Processor drains the queue through a Dispatcher. Only one pass runs at a
// time; a call made while a pass is in flight returns Skipped.
type Processor struct {
	queue      *Queue
	dispatcher Dispatcher
	bus        *events.Bus
	metrics    *Metrics
	log        *zap.Logger
	running    atomic.Bool
}

func NewProcessor(q *Queue, d Dispatcher, bus *events.Bus, metrics *Metrics, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{queue: q, dispatcher: d, bus: bus, metrics: metrics, log: log.Named("sync")}
}

func (p *Processor) Running() bool {
	return p.running.Load()
}

// ProcessQueue walks pending operations oldest first. A failure bumps that
// operation's attempt counter and the pass moves on to the next one.
func (p *Processor) ProcessQueue(ctx context.Context) Result {
	if !p.running.CompareAndSwap(false, true) {
		return Result{Skipped: true}
	}
	defer p.running.Store(false)

	started := time.Now()
	pending, err := p.queue.ListPending(ctx)
	if err != nil {
		p.log.Error("list pending operations", zap.Error(err))
		return Result{Errors: []OperationError{{Reason: err.Error()}}}
	}

	var result Result
	topics := make([]events.Topic, 0, 8)
	for _, op := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := p.apply(ctx, op); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, OperationError{ID: op.ID, Kind: op.Kind(), Reason: err.Error()})
			p.metrics.observeOperation(op.Kind(), false)

			attempts, markErr := p.queue.MarkAttempted(ctx, op.ID)
			if markErr != nil {
				p.log.Error("record failed attempt", zap.String("id", op.ID), zap.Error(markErr))
			}
			p.log.Warn("operation failed",
				zap.String("id", op.ID),
				zap.String("kind", string(op.Kind())),
				zap.Int("attempts", attempts),
				zap.Error(err))
			continue
		}

		if err := p.queue.Remove(ctx, op.ID); err != nil {
			// applied but still queued; the next pass replays it and the
			// handlers treat that as a no-op
			p.log.Error("remove applied operation", zap.String("id", op.ID), zap.Error(err))
		}
		result.Processed++
		p.metrics.observeOperation(op.Kind(), true)
		topics = append(topics, TopicsFor(op.Kind())...)
	}

	counts, err := p.queue.Count(ctx)
	if err == nil {
		p.metrics.observePass(started, counts.Pending+counts.Failed)
	}
	if result.Processed > 0 || result.Failed > 0 {
		p.bus.Publish(ctx, append(topics, events.SyncQueueUpdated)...)
		p.log.Info("sync pass finished",
			zap.Int("processed", result.Processed),
			zap.Int("failed", result.Failed),
			zap.Duration("took", time.Since(started)))
	}
	return result
}

func (p *Processor) apply(ctx context.Context, op domain.Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return Dispatch(ctx, p.dispatcher, op)
}

var errUnsupported = errors.New("unsupported operation kind")

// Dispatch routes op to the handler for its kind.
func Dispatch(ctx context.Context, d Dispatcher, op domain.Operation) error {
	switch payload := op.Payload.(type) {
	case domain.SaleBundle:
		if payload.IsDebt() {
			return d.ApplyDebtSaleBundle(ctx, payload)
		}
		return d.ApplySale(ctx, payload)
	case domain.StockUpdate:
		return d.ApplyStockUpdate(ctx, payload)
	case domain.CustomerUpdate:
		return d.ApplyCustomerUpdate(ctx, payload)
	case domain.InvoiceCreate:
		return d.ApplyInvoiceCreate(ctx, payload)
	case domain.ExpenseCreate:
		return d.ApplyExpense(ctx, payload)
	case domain.DebtCreate:
		return d.ApplyDebt(ctx, payload)
	case domain.DebtPaymentCreate:
		return d.ApplyDebtPayment(ctx, payload)
	case domain.UnknownPayload:
		return fmt.Errorf("%w %q", errUnsupported, payload.RawKind)
	default:
		return fmt.Errorf("%w %T", errUnsupported, op.Payload)
	}
}

// TopicsFor lists what a successful operation of kind may have changed.
func TopicsFor(kind domain.OperationKind) []events.Topic {
	switch kind {
	case domain.OpSale:
		return []events.Topic{events.InvoicesUpdated, events.ProductsUpdated, events.CustomersUpdated, events.PartnersUpdated, events.CashboxUpdated, events.ShiftsUpdated}
	case domain.OpDebtSaleBundle:
		return []events.Topic{events.InvoicesUpdated, events.ProductsUpdated, events.CustomersUpdated, events.PartnersUpdated, events.DebtsUpdated, events.CashboxUpdated, events.ShiftsUpdated}
	case domain.OpStockUpdate:
		return []events.Topic{events.ProductsUpdated}
	case domain.OpCustomerUpdate:
		return []events.Topic{events.CustomersUpdated}
	case domain.OpInvoiceCreate:
		return []events.Topic{events.InvoicesUpdated}
	case domain.OpExpense:
		return []events.Topic{events.ExpensesUpdated, events.PartnersUpdated}
	case domain.OpDebt:
		return []events.Topic{events.DebtsUpdated, events.CustomersUpdated}
	case domain.OpDebtPayment:
		return []events.Topic{events.DebtsUpdated, events.PartnersUpdated, events.CustomersUpdated}
	default:
		return nil
	}
}
