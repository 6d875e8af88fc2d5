package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledgerpos/backend/internal/cashbox"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/events"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

// Debts

func (s *Service) Debts(ctx context.Context) ([]domain.Debt, error) {
	return s.debts.List(ctx)
}

// CreateDebt records a receivable outside checkout. Without an invoice it
// gets a manual reference of its own.
func (s *Service) CreateDebt(ctx context.Context, d domain.Debt) (domain.Debt, bool, error) {
	if !d.TotalDebt.IsPositive() {
		return domain.Debt{}, false, store.Invalid("debt amount must be greater than zero")
	}
	if strings.TrimSpace(d.CustomerName) == "" && d.CustomerID == "" {
		return domain.Debt{}, false, store.Invalid("debt needs a customer")
	}
	if d.InvoiceID == "" {
		d.InvoiceID = xid.New("manual")
	}
	if d.ID == "" {
		d.ID = xid.New("debt")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock.Now()
	}

	op := domain.DebtCreate{Debt: d}
	created := d
	queued, _, err := s.applyOrQueue(ctx, op, "debt:"+d.InvoiceID, func(ctx context.Context) error {
		var err error
		created, _, err = s.debts.Create(ctx, d)
		return err
	})
	if err != nil {
		return domain.Debt{}, false, err
	}
	if !queued {
		s.bus.Publish(ctx, events.DebtsUpdated)
	}
	return created, queued, nil
}

type PaymentResult struct {
	Payment     domain.DebtPayment `json:"payment"`
	Debt        *domain.Debt       `json:"debt,omitempty"`
	Queued      bool               `json:"queued"`
	OperationID string             `json:"operationId,omitempty"`
}

// RecordDebtPayment takes cash against a debt. The cash goes into the
// drawer immediately; the remote side is applied now or on the next sync.
func (s *Service) RecordDebtPayment(ctx context.Context, debtID string, amount decimal.Decimal, notes string) (PaymentResult, error) {
	if strings.TrimSpace(debtID) == "" {
		return PaymentResult{}, store.Invalid("debt id is required")
	}
	if !amount.IsPositive() {
		return PaymentResult{}, store.Invalid("payment amount must be greater than zero")
	}
	if s.online() {
		debt, err := s.debts.Get(ctx, debtID)
		switch {
		case err == nil:
			if amount.GreaterThan(debt.RemainingDebt) {
				return PaymentResult{}, store.Invalid("payment %s exceeds remaining debt %s", amount, debt.RemainingDebt)
			}
		case !store.IsTransient(err):
			return PaymentResult{}, err
		}
	}

	payment := domain.DebtPayment{
		ID:     xid.New("dpay"),
		DebtID: debtID,
		Amount: amount,
		Notes:  notes,
		PaidAt: s.clock.Now(),
	}
	if _, err := s.cashbox.Deposit(ctx, amount, "debt payment "+debtID); err != nil {
		return PaymentResult{}, err
	}

	result := PaymentResult{Payment: payment}
	op := domain.DebtPaymentCreate{Payment: payment}
	queued, opID, err := s.applyOrQueue(ctx, op, payment.ID, func(ctx context.Context) error {
		debt, err := s.debts.RecordPayment(ctx, payment)
		if err != nil {
			return err
		}
		s.syncInvoiceWithDebt(ctx, debt)
		result.Debt = &debt
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	result.Queued = queued
	result.OperationID = opID

	topics := []events.Topic{events.CashboxUpdated, events.ShiftsUpdated}
	if !queued {
		topics = append(topics, events.DebtsUpdated, events.InvoicesUpdated, events.PartnersUpdated)
	}
	s.bus.Publish(ctx, topics...)
	return result, nil
}

// Expenses

type ExpenseRequest struct {
	Type     string          `json:"type"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	Notes    string          `json:"notes"`
}

type ExpenseResult struct {
	Expense     domain.Expense `json:"expense"`
	Queued      bool           `json:"queued"`
	OperationID string         `json:"operationId,omitempty"`
}

func (s *Service) Expenses(ctx context.Context) ([]domain.Expense, error) {
	return s.gw.Expenses(ctx)
}

// RecordExpense books money out of (or, for income, into) the drawer and
// charges the expense to partners that share expenses.
func (s *Service) RecordExpense(ctx context.Context, req ExpenseRequest) (ExpenseResult, error) {
	if req.Type == "" {
		req.Type = domain.ExpenseTypeExpense
	}
	if req.Type != domain.ExpenseTypeExpense && req.Type != domain.ExpenseTypeIncome {
		return ExpenseResult{}, store.Invalid("unknown expense type %q", req.Type)
	}
	if !req.Amount.IsPositive() {
		return ExpenseResult{}, store.Invalid("expense amount must be greater than zero")
	}
	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = "general"
	}

	e := domain.Expense{
		ID:        xid.New("exp"),
		Type:      req.Type,
		Category:  category,
		Amount:    req.Amount,
		Notes:     req.Notes,
		CreatedAt: s.clock.Now(),
	}
	shift, err := s.cashbox.ActiveShift(ctx)
	if err != nil {
		return ExpenseResult{}, err
	}
	if shift != nil {
		e.ShiftID = shift.ID
	}
	if e.Type == domain.ExpenseTypeIncome {
		_, err = s.cashbox.Deposit(ctx, e.Amount, "income: "+e.Category)
	} else {
		_, err = s.cashbox.RecordExpense(ctx, e.Amount, e.Category, e.ID)
	}
	if err != nil {
		return ExpenseResult{}, err
	}

	return s.storeExpense(ctx, e)
}

func (s *Service) storeExpense(ctx context.Context, e domain.Expense) (ExpenseResult, error) {
	op := domain.ExpenseCreate{Expense: e}
	queued, opID, err := s.applyOrQueue(ctx, op, e.ID, func(ctx context.Context) error {
		return s.ApplyExpense(ctx, op)
	})
	if err != nil {
		return ExpenseResult{}, err
	}
	topics := []events.Topic{events.CashboxUpdated, events.ShiftsUpdated}
	if !queued {
		topics = append(topics, events.ExpensesUpdated, events.PartnersUpdated)
	}
	s.bus.Publish(ctx, topics...)
	return ExpenseResult{Expense: e, Queued: queued, OperationID: opID}, nil
}

// DeleteExpense removes an expense row, refunds the partners charged for it
// and puts the money back. Rows written for a shift close adjustment never
// touched the drawer through this path, so the drawer is left alone.
func (s *Service) DeleteExpense(ctx context.Context, id string) error {
	e, err := s.gw.Expense(ctx, id)
	if err != nil {
		return err
	}
	if err := s.partners.RefundExpense(ctx, e.ID); err != nil {
		return err
	}
	if err := store.Require(s.gw.DeleteExpense(ctx, e.ID)); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete expense %s: %w", e.ID, err)
	}
	if e.AdjustmentID == "" {
		if e.Type == domain.ExpenseTypeIncome {
			_, err = s.cashbox.Withdraw(ctx, e.Amount, "income removed: "+e.Category)
		} else {
			_, err = s.cashbox.Deposit(ctx, e.Amount, "expense removed: "+e.Category)
		}
		if err != nil {
			return err
		}
	}
	s.log.Info("expense deleted", zap.String("expense_id", e.ID), zap.String("amount", e.Amount.String()))
	s.bus.Publish(ctx, events.ExpensesUpdated, events.PartnersUpdated, events.CashboxUpdated, events.ShiftsUpdated)
	return nil
}

// Cashbox and shifts

func (s *Service) CashboxState(ctx context.Context) (domain.CashboxState, error) {
	return s.cashbox.State(ctx)
}

func (s *Service) Shifts(ctx context.Context) ([]domain.Shift, error) {
	return s.cashbox.Shifts(ctx)
}

func (s *Service) ActiveShift(ctx context.Context) (*domain.Shift, error) {
	return s.cashbox.ActiveShift(ctx)
}

func (s *Service) OpenShift(ctx context.Context, openingCash decimal.Decimal, cashierName string) (domain.Shift, error) {
	if cashierName == "" {
		if actor, ok := store.ActorFromContext(ctx); ok {
			cashierName = actor.Username
		}
	}
	shift, err := s.cashbox.OpenShift(ctx, openingCash, cashierName)
	if err != nil {
		return domain.Shift{}, err
	}
	s.bus.Publish(ctx, events.ShiftsUpdated, events.CashboxUpdated)
	return shift, nil
}

type CloseShiftResult struct {
	cashbox.CloseResult
	Expense *domain.Expense `json:"expense,omitempty"`
	Queued  bool            `json:"queued"`
}

// CloseShift counts the drawer. A materialized discrepancy also gets an
// expense ledger row, linked back to the shift adjustment.
func (s *Service) CloseShift(ctx context.Context, actualCash decimal.Decimal, materialize bool, notes string) (CloseShiftResult, error) {
	res, err := s.cashbox.CloseShift(ctx, actualCash, materialize, notes)
	if err != nil {
		return CloseShiftResult{}, err
	}
	out := CloseShiftResult{CloseResult: res}
	if res.Adjustment != nil && materialize {
		e := domain.Expense{
			ID:           xid.New("exp"),
			Type:         domain.ExpenseTypeExpense,
			Category:     "cash_shortage",
			Amount:       res.Adjustment.Amount,
			Notes:        notes,
			ShiftID:      res.Shift.ID,
			AdjustmentID: res.Adjustment.ID,
			CreatedAt:    s.clock.Now(),
		}
		if res.Adjustment.Kind == domain.AdjustmentSurplus {
			e.Type = domain.ExpenseTypeIncome
			e.Category = "cash_surplus"
		}
		stored, err := s.storeExpense(ctx, e)
		if err != nil {
			return out, err
		}
		if err := s.cashbox.LinkAdjustmentExpense(ctx, res.Shift.ID, res.Adjustment.ID, e.ID); err != nil {
			return out, err
		}
		res.Adjustment.ExpenseID = e.ID
		out.Expense = &stored.Expense
		out.Queued = stored.Queued
	}
	s.bus.Publish(ctx, events.ShiftsUpdated, events.CashboxUpdated)
	return out, nil
}

func (s *Service) AddShiftAdjustment(ctx context.Context, kind string, amount decimal.Decimal, reason string) (domain.Shift, error) {
	shift, err := s.cashbox.AddShiftAdjustment(ctx, kind, amount, reason)
	if err != nil {
		return domain.Shift{}, err
	}
	s.bus.Publish(ctx, events.ShiftsUpdated, events.CashboxUpdated)
	return shift, nil
}

func (s *Service) Deposit(ctx context.Context, amount decimal.Decimal, description string) (domain.CashboxState, error) {
	state, err := s.cashbox.Deposit(ctx, amount, description)
	if err != nil {
		return domain.CashboxState{}, err
	}
	s.bus.Publish(ctx, events.CashboxUpdated, events.ShiftsUpdated)
	return state, nil
}

func (s *Service) Withdraw(ctx context.Context, amount decimal.Decimal, description string) (domain.CashboxState, error) {
	state, err := s.cashbox.Withdraw(ctx, amount, description)
	if err != nil {
		return domain.CashboxState{}, err
	}
	s.bus.Publish(ctx, events.CashboxUpdated, events.ShiftsUpdated)
	return state, nil
}
