package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledgerpos/backend/internal/cloud"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/events"
	"ledgerpos/backend/internal/queue"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

type CheckoutResult struct {
	InvoiceID     string          `json:"invoiceId,omitempty"`
	InvoiceNumber string          `json:"invoiceNumber,omitempty"`
	LocalID       string          `json:"localId"`
	Total         decimal.Decimal `json:"total"`
	Queued        bool            `json:"queued"`
	OperationID   string          `json:"operationId,omitempty"`
}

// Checkout records one sale. Stock is checked first; nothing is written or
// queued for a sale that fails validation. A sale whose invoice was created
// before a later step failed is queued under its local id so the open steps
// are retried, and the error is returned with that result.
func (s *Service) Checkout(ctx context.Context, b domain.SaleBundle) (CheckoutResult, error) {
	if b.PaymentType == "" {
		b.PaymentType = domain.PaymentCash
	}
	if strings.TrimSpace(b.LocalID) == "" {
		b.LocalID = xid.New("local")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.clock.Now()
	}
	if err := s.validator.Validate(ctx, &b); err != nil {
		return CheckoutResult{}, err
	}

	var inv domain.Invoice
	queued, opID, err := s.applyOrQueue(ctx, b, b.LocalID, func(ctx context.Context) error {
		var err error
		if b.IsDebt() {
			inv, err = s.debtSale.Apply(ctx, b)
		} else {
			inv, err = s.cashSale.Apply(ctx, b)
		}
		return err
	})
	if err != nil && inv.ID != "" && !queued && !store.IsTransient(err) {
		return s.queueStarted(ctx, b, inv, err)
	}
	if err != nil {
		return CheckoutResult{}, err
	}

	result := CheckoutResult{LocalID: b.LocalID, Total: b.Total(), Queued: queued, OperationID: opID}
	if !queued {
		result.InvoiceID = inv.ID
		result.InvoiceNumber = inv.InvoiceNumber
		s.bus.Publish(ctx, queue.TopicsFor(b.Kind())...)
	}
	s.log.Info("checkout",
		zap.String("local_id", b.LocalID),
		zap.String("payment_type", b.PaymentType),
		zap.String("total", result.Total.String()),
		zap.Bool("queued", queued))
	return result, nil
}

func (s *Service) queueStarted(ctx context.Context, b domain.SaleBundle, inv domain.Invoice, cause error) (CheckoutResult, error) {
	s.log.Warn("sale left unfinished, queueing the open steps",
		zap.String("local_id", b.LocalID),
		zap.String("invoice_id", inv.ID),
		zap.Error(cause))
	opID, err := s.enqueue(ctx, b, b.LocalID)
	if err != nil {
		return CheckoutResult{}, errors.Join(cause, err)
	}
	return CheckoutResult{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		LocalID:       b.LocalID,
		Total:         b.Total(),
		Queued:        true,
		OperationID:   opID,
	}, cause
}

func (s *Service) Invoices(ctx context.Context) ([]domain.Invoice, error) {
	return s.gw.Invoices(ctx)
}

// CreateInvoice stores an invoice written outside the checkout flow.
func (s *Service) CreateInvoice(ctx context.Context, inv domain.Invoice) (domain.Invoice, bool, error) {
	if len(inv.Items) == 0 {
		return domain.Invoice{}, false, store.Invalid("invoice has no items")
	}
	if inv.Total.IsNegative() || inv.PaidAmount.IsNegative() {
		return domain.Invoice{}, false, store.Invalid("invoice amounts cannot be negative")
	}
	if inv.ID == "" {
		inv.ID = xid.New("inv")
	}
	if inv.LocalID == "" {
		inv.LocalID = inv.ID
	}
	if inv.PaymentType == "" {
		inv.PaymentType = domain.PaymentCash
	}
	if inv.Status == "" {
		inv.Status = domain.InvoiceStatusPaid
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.clock.Now()
	}
	op := domain.InvoiceCreate{Invoice: inv}
	queued, _, err := s.applyOrQueue(ctx, op, inv.LocalID, func(ctx context.Context) error {
		return s.ApplyInvoiceCreate(ctx, op)
	})
	if err != nil {
		return domain.Invoice{}, false, err
	}
	if !queued {
		s.bus.Publish(ctx, events.InvoicesUpdated)
	}
	return inv, queued, nil
}

// CancelInvoice undoes a sale: partner profit, stock, debt, customer
// totals and drawer cash, then marks the invoice cancelled. Each undone
// step clears its progress flag, so a cancel that stops halfway can be
// run again.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	inv, err := s.gw.Invoice(ctx, invoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if inv.Status == domain.InvoiceStatusCancelled {
		return inv, nil
	}
	save := func() error {
		if err := store.Require(s.gw.UpdateInvoice(ctx, inv)); err != nil {
			return fmt.Errorf("update invoice %s: %w", inv.ID, err)
		}
		return nil
	}

	if inv.Progress.ProfitDistributed {
		if err := s.partners.Revert(ctx, inv.ID); err != nil {
			return domain.Invoice{}, fmt.Errorf("revert profit: %w", err)
		}
		inv.Progress.ProfitDistributed = false
		inv.Progress.UpfrontConfirmed = false
		if err := save(); err != nil {
			return domain.Invoice{}, err
		}
	}

	if inv.Progress.StockDeducted || len(inv.Progress.StockProducts) > 0 {
		if err := s.restoreStock(ctx, &inv, save); err != nil {
			return domain.Invoice{}, err
		}
	}

	if inv.Progress.DebtRecorded {
		if _, err := s.debts.RemoveForInvoice(ctx, inv.ID); err != nil {
			return domain.Invoice{}, err
		}
		inv.Progress.DebtRecorded = false
		if err := save(); err != nil {
			return domain.Invoice{}, err
		}
	}

	// what the customer owed at checkout, and what they paid on it since
	owedAtSale := inv.Total.Sub(inv.PaidAmount)
	paidOnDebt := decimal.Max(decimal.Zero, owedAtSale.Sub(inv.RemainingAmount))

	if inv.Progress.CustomerUpdated && inv.CustomerID != "" {
		decision, err := s.gw.AdjustCustomerStats(ctx, inv.CustomerID, cloud.CustomerStats{
			Key:          "cancel:" + inv.ID + ":customer",
			Purchases:    inv.Total.Neg(),
			Debt:         owedAtSale.Neg(),
			InvoiceCount: -1,
		})
		if err != nil {
			return domain.Invoice{}, fmt.Errorf("reverse customer stats: %w", err)
		}
		if decision == store.DecisionDenied {
			s.log.Warn("customer stats reversal denied", zap.String("invoice_id", inv.ID))
		}
		inv.Progress.CustomerUpdated = false
		if err := save(); err != nil {
			return domain.Invoice{}, err
		}
	}

	if inv.Progress.CashboxPosted {
		if inv.PaidAmount.IsPositive() {
			cogs, profit := saleShare(inv)
			if _, err := s.cashbox.Refund(ctx, inv.PaidAmount, cogs, profit, inv.ID); err != nil {
				return domain.Invoice{}, fmt.Errorf("refund cashbox: %w", err)
			}
		}
		if paidOnDebt.IsPositive() {
			if _, err := s.cashbox.WithdrawFor(ctx, paidOnDebt, "debt payments returned for "+inv.InvoiceNumber, inv.ID); err != nil {
				return domain.Invoice{}, fmt.Errorf("return debt payments: %w", err)
			}
		}
		inv.Progress.CashboxPosted = false
	}

	now := s.clock.Now()
	inv.Status = domain.InvoiceStatusCancelled
	inv.CancelledAt = &now
	if err := save(); err != nil {
		return domain.Invoice{}, err
	}

	s.log.Info("invoice cancelled", zap.String("invoice_id", inv.ID), zap.String("total", inv.Total.String()))
	s.bus.Publish(ctx,
		events.InvoicesUpdated,
		events.ProductsUpdated,
		events.DebtsUpdated,
		events.CustomersUpdated,
		events.PartnersUpdated,
		events.CashboxUpdated,
		events.ShiftsUpdated)
	return inv, nil
}

func (s *Service) restoreStock(ctx context.Context, inv *domain.Invoice, save func() error) error {
	merged := make(map[string]int)
	for _, item := range inv.Items {
		merged[item.ProductID] += item.Quantity
	}
	ids := make([]string, 0, len(merged))
	for id := range merged {
		if inv.Progress.StockDeducted || slices.Contains(inv.Progress.StockProducts, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	// the partial list tracks what is still deducted while restoring
	inv.Progress.StockDeducted = false
	inv.Progress.StockProducts = ids
	if err := save(); err != nil {
		return err
	}
	for _, id := range ids {
		decision, err := s.gw.AdjustStock(ctx, id, merged[id], "cancel:"+inv.ID+":stock:"+id)
		if err != nil {
			return fmt.Errorf("restore stock %s: %w", id, err)
		}
		if decision == store.DecisionDenied {
			s.log.Warn("stock restore denied", zap.String("product_id", id))
		}
		inv.Progress.StockProducts = slices.DeleteFunc(inv.Progress.StockProducts, func(p string) bool { return p == id })
		if err := save(); err != nil {
			return err
		}
	}
	inv.Progress.StockProducts = nil
	return save()
}

// saleShare is the cost and profit attributed to the cash collected at
// checkout.
func saleShare(inv domain.Invoice) (decimal.Decimal, decimal.Decimal) {
	cogs := inv.COGS()
	profit := inv.Total.Sub(cogs)
	if inv.Total.IsPositive() && inv.PaidAmount.LessThan(inv.Total) {
		share := inv.PaidAmount.Div(inv.Total)
		cogs = cogs.Mul(share)
		profit = profit.Mul(share)
	}
	return cogs, profit
}
