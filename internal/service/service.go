package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ledgerpos/backend/internal/bundle"
	"ledgerpos/backend/internal/cashbox"
	"ledgerpos/backend/internal/clock"
	"ledgerpos/backend/internal/cloud"
	"ledgerpos/backend/internal/connectivity"
	"ledgerpos/backend/internal/debts"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/events"
	"ledgerpos/backend/internal/partners"
	"ledgerpos/backend/internal/queue"
	"ledgerpos/backend/internal/store"
)

type Deps struct {
	Gateway     *cloud.Gateway
	Queue       *queue.Queue
	Cashbox     *cashbox.Ledger
	Monitor     *connectivity.Monitor
	Bus         *events.Bus
	Metrics     *queue.Metrics
	Clock       clock.Clock
	DeviceOwner string
	DebtDueDays int
	Log         *zap.Logger
}

// Service is the single entry point the API talks to. Each write is
// applied to the remote ledger when it is reachable and queued otherwise.
type Service struct {
	gw          *cloud.Gateway
	queue       *queue.Queue
	processor   *queue.Processor
	cashbox     *cashbox.Ledger
	partners    *partners.Engine
	debts       *debts.Ledger
	validator   *bundle.Validator
	cashSale    *bundle.CashSaleHandler
	debtSale    *bundle.DebtSaleHandler
	monitor     *connectivity.Monitor
	bus         *events.Bus
	clock       clock.Clock
	deviceOwner string
	log         *zap.Logger
}

func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	engine := partners.NewEngine(d.Gateway, d.Clock, d.Log)
	ledger := debts.New(d.Gateway, engine, d.Clock, d.DebtDueDays, d.Log)
	handlerDeps := bundle.Deps{
		Remote:  d.Gateway,
		Debts:   ledger,
		Profits: engine,
		Cashbox: d.Cashbox,
		Clock:   d.Clock,
		Log:     d.Log,
	}

	s := &Service{
		gw:          d.Gateway,
		queue:       d.Queue,
		cashbox:     d.Cashbox,
		partners:    engine,
		debts:       ledger,
		validator:   bundle.NewValidator(d.Gateway, d.Log),
		cashSale:    bundle.NewCashSaleHandler(handlerDeps),
		debtSale:    bundle.NewDebtSaleHandler(handlerDeps),
		monitor:     d.Monitor,
		bus:         d.Bus,
		clock:       d.Clock,
		deviceOwner: d.DeviceOwner,
		log:         d.Log.Named("service"),
	}
	s.processor = queue.NewProcessor(d.Queue, s, d.Bus, d.Metrics, d.Log)
	return s
}

func (s *Service) online() bool {
	return s.monitor == nil || s.monitor.Online()
}

// deviceContext makes sure background work carries the device owner.
func (s *Service) deviceContext(ctx context.Context) context.Context {
	if _, ok := store.ActorFromContext(ctx); ok || s.deviceOwner == "" {
		return ctx
	}
	return store.WithActor(ctx, domain.Actor{UserID: s.deviceOwner, Username: "device", Role: domain.RoleOwner})
}

// applyOrQueue runs apply when the remote is reachable. When it is not, or
// apply fails with a transient error, the payload is queued under
// dedupeKey and the caller gets queued=true.
func (s *Service) applyOrQueue(ctx context.Context, payload domain.Payload, dedupeKey string, apply func(context.Context) error) (bool, string, error) {
	if s.online() {
		err := apply(ctx)
		if err == nil {
			return false, "", nil
		}
		if !store.IsTransient(err) {
			return false, "", err
		}
		s.log.Warn("remote unavailable, queueing", zap.String("kind", string(payload.Kind())), zap.Error(err))
		if s.monitor != nil {
			s.monitor.SetOnline(ctx, false)
		}
	}

	id, err := s.enqueue(ctx, payload, dedupeKey)
	if err != nil {
		return false, "", err
	}
	return true, id, nil
}

// enqueue stores payload for the sync loop. Only the account this device
// syncs for may queue work on it.
func (s *Service) enqueue(ctx context.Context, payload domain.Payload, dedupeKey string) (string, error) {
	if s.deviceOwner != "" {
		owner, err := store.OwnerFromContext(ctx)
		if err != nil {
			return "", err
		}
		if owner != s.deviceOwner {
			return "", fmt.Errorf("%w: this device syncs for another account", store.ErrPermission)
		}
	}

	id, _, err := s.queue.EnqueueUnique(ctx, payload, dedupeKey)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", payload.Kind(), err)
	}
	s.bus.Publish(ctx, events.SyncQueueUpdated)
	return id, nil
}

// Dispatcher

func (s *Service) ApplySale(ctx context.Context, b domain.SaleBundle) error {
	_, err := s.cashSale.Apply(ctx, b)
	return err
}

func (s *Service) ApplyDebtSaleBundle(ctx context.Context, b domain.SaleBundle) error {
	_, err := s.debtSale.Apply(ctx, b)
	return err
}

func (s *Service) ApplyStockUpdate(ctx context.Context, op domain.StockUpdate) error {
	key := ""
	if op.ID != "" {
		key = "stock:" + op.ID
	}
	decision, err := s.gw.AdjustStock(ctx, op.ProductID, op.Delta, key)
	if err != nil {
		return fmt.Errorf("adjust stock %s: %w", op.ProductID, err)
	}
	if decision == store.DecisionDenied {
		s.log.Warn("stock update denied", zap.String("product_id", op.ProductID), zap.Int("delta", op.Delta))
	}
	return nil
}

func (s *Service) ApplyCustomerUpdate(ctx context.Context, op domain.CustomerUpdate) error {
	c, err := s.gw.Customer(ctx, op.CustomerID)
	if err != nil {
		return err
	}
	if op.Name != nil {
		c.Name = *op.Name
	}
	if op.Phone != nil {
		c.Phone = *op.Phone
	}
	decision, err := s.gw.UpdateCustomer(ctx, c)
	if err != nil {
		return fmt.Errorf("update customer %s: %w", c.ID, err)
	}
	if decision == store.DecisionDenied {
		s.log.Warn("customer update denied", zap.String("customer_id", c.ID))
	}
	return nil
}

func (s *Service) ApplyInvoiceCreate(ctx context.Context, op domain.InvoiceCreate) error {
	if op.Invoice.LocalID != "" {
		existing, err := s.gw.InvoiceByLocalID(ctx, op.Invoice.LocalID)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
	}
	err := store.Require(s.gw.InsertInvoice(ctx, op.Invoice))
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

func (s *Service) ApplyExpense(ctx context.Context, op domain.ExpenseCreate) error {
	e := op.Expense
	distributions, err := s.partners.ChargeExpense(ctx, e)
	if err != nil {
		return err
	}
	e.Distributions = distributions
	err = store.Require(s.gw.InsertExpense(ctx, e))
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert expense %s: %w", e.ID, err)
	}
	return nil
}

func (s *Service) ApplyDebt(ctx context.Context, op domain.DebtCreate) error {
	_, _, err := s.debts.Create(ctx, op.Debt)
	return err
}

func (s *Service) ApplyDebtPayment(ctx context.Context, op domain.DebtPaymentCreate) error {
	debt, err := s.debts.RecordPayment(ctx, op.Payment)
	if err != nil {
		return err
	}
	s.syncInvoiceWithDebt(ctx, debt)
	return nil
}

// syncInvoiceWithDebt mirrors the debt balance onto its invoice. The
// invoice keeps PaidAmount as what was collected at checkout.
func (s *Service) syncInvoiceWithDebt(ctx context.Context, debt domain.Debt) {
	inv, err := s.gw.Invoice(ctx, debt.InvoiceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("load invoice for debt", zap.String("debt_id", debt.ID), zap.Error(err))
		}
		return
	}
	if inv.Status == domain.InvoiceStatusCancelled {
		return
	}
	inv.RemainingAmount = debt.RemainingDebt
	switch {
	case !debt.RemainingDebt.IsPositive():
		inv.Status = domain.InvoiceStatusPaid
	case debt.TotalPaid.IsPositive() || inv.PaidAmount.IsPositive():
		inv.Status = domain.InvoiceStatusPartial
	}
	if decision, err := s.gw.UpdateInvoice(ctx, inv); err != nil || decision != store.DecisionAllowed {
		s.log.Warn("sync invoice with debt",
			zap.String("invoice_id", inv.ID),
			zap.Stringer("decision", decision),
			zap.Error(err))
	}
}

// Sync

type SyncReport struct {
	queue.Result
	Message string `json:"message"`
}

// SyncNow drains the queue once.
func (s *Service) SyncNow(ctx context.Context) SyncReport {
	result := s.processor.ProcessQueue(s.deviceContext(ctx))
	report := SyncReport{Result: result}
	switch {
	case result.Skipped:
		report.Message = "sync already running"
	case result.Failed > 0:
		report.Message = fmt.Sprintf("synced %d operations with %d errors", result.Processed, result.Failed)
	default:
		report.Message = fmt.Sprintf("synced %d operations", result.Processed)
	}
	return report
}

// OnConnectivityRestored is registered with the connectivity monitor.
func (s *Service) OnConnectivityRestored(ctx context.Context) {
	report := s.SyncNow(ctx)
	if report.Processed > 0 || report.Failed > 0 {
		s.log.Info("sync after reconnect", zap.String("result", report.Message))
	}
}

type QueueStatus struct {
	Pending int  `json:"pending"`
	Failed  int  `json:"failed"`
	Online  bool `json:"online"`
	Running bool `json:"running"`
}

func (s *Service) QueueStatus(ctx context.Context) (QueueStatus, error) {
	counts, err := s.queue.Count(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	return QueueStatus{
		Pending: counts.Pending,
		Failed:  counts.Failed,
		Online:  s.online(),
		Running: s.processor.Running(),
	}, nil
}

// RetryFailed gives operations that ran out of attempts another round.
func (s *Service) RetryFailed(ctx context.Context) (int, error) {
	n, err := s.queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.bus.Publish(ctx, events.SyncQueueUpdated)
	}
	return n, nil
}
