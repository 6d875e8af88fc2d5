package debts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledgerpos/backend/internal/clock"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

const DefaultDueDays = 30

type Repository interface {
	Debt(ctx context.Context, id string) (domain.Debt, error)
	DebtByInvoice(ctx context.Context, invoiceID string) (*domain.Debt, error)
	Debts(ctx context.Context) ([]domain.Debt, error)
	InsertDebt(ctx context.Context, d domain.Debt) (store.PermissionDecision, error)
	UpdateDebt(ctx context.Context, d domain.Debt) (store.PermissionDecision, error)
	DeleteDebt(ctx context.Context, id string) (store.PermissionDecision, error)
}

// ProfitConfirmer releases pending partner profit as a debt is paid down.
// The key names the payment, so a confirmation retried after its marker
// failed to save is taken once.
type ProfitConfirmer interface {
	ConfirmPendingProfit(ctx context.Context, invoiceID string, ratio decimal.Decimal, key string) error
}

type Ledger struct {
	repo    Repository
	profits ProfitConfirmer
	clock   clock.Clock
	dueDays int
	log     *zap.Logger
}

func New(repo Repository, profits ProfitConfirmer, clk clock.Clock, dueDays int, log *zap.Logger) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	if dueDays <= 0 {
		dueDays = DefaultDueDays
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{repo: repo, profits: profits, clock: clk, dueDays: dueDays, log: log.Named("debts")}
}

// Status derives a debt's state at now from its balances and due date.
func Status(d domain.Debt, now time.Time) string {
	switch {
	case !d.RemainingDebt.IsPositive():
		return domain.DebtStatusFullyPaid
	case !d.DueDate.IsZero() && now.After(d.DueDate):
		return domain.DebtStatusOverdue
	case d.TotalPaid.IsPositive():
		return domain.DebtStatusPartiallyPaid
	default:
		return domain.DebtStatusDue
	}
}

func remaining(total decimal.Decimal, paid decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, total.Sub(paid))
}

// Create records the receivable for an invoice. An invoice has at most one
// debt; asking again returns the existing record with created=false.
func (l *Ledger) Create(ctx context.Context, d domain.Debt) (domain.Debt, bool, error) {
	if strings.TrimSpace(d.InvoiceID) == "" {
		return domain.Debt{}, false, store.Invalid("debt needs an invoice")
	}
	if !d.TotalDebt.IsPositive() {
		return domain.Debt{}, false, store.Invalid("debt amount must be greater than zero")
	}
	existing, err := l.repo.DebtByInvoice(ctx, d.InvoiceID)
	if err != nil {
		return domain.Debt{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	now := l.clock.Now()
	if d.ID == "" {
		d.ID = xid.New("debt")
	}
	if d.DueDate.IsZero() {
		d.DueDate = now.AddDate(0, 0, l.dueDays)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.Payments == nil {
		d.Payments = []domain.DebtPayment{}
	}
	d.RemainingDebt = remaining(d.TotalDebt, d.TotalPaid)
	d.Status = Status(d, now)
	d.UpdatedAt = now

	if err := store.Require(l.repo.InsertDebt(ctx, d)); err != nil {
		return domain.Debt{}, false, fmt.Errorf("insert debt for invoice %s: %w", d.InvoiceID, err)
	}
	l.log.Info("debt recorded",
		zap.String("debt_id", d.ID),
		zap.String("invoice_id", d.InvoiceID),
		zap.String("amount", d.TotalDebt.String()))
	return d, true, nil
}

// RecordPayment applies a payment once per payment id and releases the
// matching share of pending profit. The released share is the payment over
// what was still owed, capped at 1.
func (l *Ledger) RecordPayment(ctx context.Context, payment domain.DebtPayment) (domain.Debt, error) {
	if !payment.Amount.IsPositive() {
		return domain.Debt{}, store.Invalid("payment amount must be greater than zero")
	}
	if payment.DebtID == "" {
		return domain.Debt{}, store.Invalid("payment needs a debt")
	}
	debt, err := l.repo.Debt(ctx, payment.DebtID)
	if err != nil {
		return domain.Debt{}, err
	}

	idx := -1
	for i, p := range debt.Payments {
		if payment.ID != "" && p.ID == payment.ID {
			idx = i
			break
		}
	}

	now := l.clock.Now()
	if idx < 0 {
		if payment.ID == "" {
			payment.ID = xid.New("dpay")
		}
		if payment.PaidAt.IsZero() {
			payment.PaidAt = now
		}
		before := debt.RemainingDebt
		payment.ProfitRatio = decimal.NewFromInt(1)
		if before.IsPositive() && payment.Amount.LessThan(before) {
			payment.ProfitRatio = payment.Amount.Div(before)
		}
		payment.ProfitConfirmed = false

		debt.Payments = append(debt.Payments, payment)
		debt.TotalPaid = debt.TotalPaid.Add(payment.Amount)
		debt.RemainingDebt = remaining(debt.TotalDebt, debt.TotalPaid)
		debt.Status = Status(debt, now)
		debt.UpdatedAt = now
		if err := store.Require(l.repo.UpdateDebt(ctx, debt)); err != nil {
			return domain.Debt{}, fmt.Errorf("update debt %s: %w", debt.ID, err)
		}
		idx = len(debt.Payments) - 1
		l.log.Info("debt payment recorded",
			zap.String("debt_id", debt.ID),
			zap.String("payment_id", payment.ID),
			zap.String("amount", payment.Amount.String()),
			zap.String("remaining", debt.RemainingDebt.String()))
	}

	if debt.Payments[idx].ProfitConfirmed || l.profits == nil {
		return debt, nil
	}
	if err := l.profits.ConfirmPendingProfit(ctx, debt.InvoiceID, debt.Payments[idx].ProfitRatio, debt.Payments[idx].ID); err != nil {
		return debt, fmt.Errorf("confirm profit for invoice %s: %w", debt.InvoiceID, err)
	}
	debt.Payments[idx].ProfitConfirmed = true
	decision, err := l.repo.UpdateDebt(ctx, debt)
	if err != nil || decision != store.DecisionAllowed {
		// the payment itself is stored; only the marker is missing
		l.log.Warn("mark payment profit confirmed",
			zap.String("debt_id", debt.ID),
			zap.Stringer("decision", decision),
			zap.Error(err))
	}
	return debt, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (domain.Debt, error) {
	d, err := l.repo.Debt(ctx, id)
	if err != nil {
		return domain.Debt{}, err
	}
	d.Status = Status(d, l.clock.Now())
	return d, nil
}

// List returns all debts with their status evaluated at the current time.
func (l *Ledger) List(ctx context.Context) ([]domain.Debt, error) {
	debts, err := l.repo.Debts(ctx)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()
	for i := range debts {
		debts[i].Status = Status(debts[i], now)
	}
	return debts, nil
}

// RemoveForInvoice deletes the invoice's debt, if any, and returns it.
func (l *Ledger) RemoveForInvoice(ctx context.Context, invoiceID string) (*domain.Debt, error) {
	d, err := l.repo.DebtByInvoice(ctx, invoiceID)
	if err != nil || d == nil {
		return nil, err
	}
	if err := store.Require(l.repo.DeleteDebt(ctx, d.ID)); err != nil {
		return nil, fmt.Errorf("delete debt %s: %w", d.ID, err)
	}
	return d, nil
}
