package cashbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledgerpos/backend/internal/clock"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/localstore"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

// maxTransactions bounds the transaction log kept in the cashbox blob.
const maxTransactions = 1000

// Ledger keeps the running cash balance and the shift list. Both live in
// local persistence as single keys and every change is a whole
// load-mutate-persist cycle under mu.
type Ledger struct {
	mu    sync.Mutex
	store localstore.Store
	clock clock.Clock
	log   *zap.Logger
}

func New(s localstore.Store, clk clock.Clock, log *zap.Logger) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: s, clock: clk, log: log.Named("cashbox")}
}

// ExpectedCash is what the drawer should hold for the shift right now.
func ExpectedCash(s domain.Shift) decimal.Decimal {
	return s.OpeningCash.
		Add(s.SalesTotal).
		Add(s.DepositsTotal).
		Sub(s.ExpensesTotal).
		Sub(s.WithdrawalsTotal)
}

func roundCash(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

func (l *Ledger) State(ctx context.Context) (domain.CashboxState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadState(ctx)
}

func (l *Ledger) Shifts(ctx context.Context) ([]domain.Shift, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadShifts(ctx)
}

// ActiveShift returns nil when no shift is open.
func (l *Ledger) ActiveShift(ctx context.Context) (*domain.Shift, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	shifts, err := l.loadShifts(ctx)
	if err != nil {
		return nil, err
	}
	if i := openIndex(shifts); i >= 0 {
		s := shifts[i]
		return &s, nil
	}
	return nil, nil
}

// OpenShift starts a shift with zero running totals. A shift that is still
// open is closed first at its expected cash.
func (l *Ledger) OpenShift(ctx context.Context, openingCash decimal.Decimal, cashierName string) (domain.Shift, error) {
	if openingCash.IsNegative() {
		return domain.Shift{}, store.Invalid("opening cash cannot be negative")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	shifts, err := l.loadShifts(ctx)
	if err != nil {
		return domain.Shift{}, err
	}

	now := l.clock.Now()
	if i := openIndex(shifts); i >= 0 {
		prev := &shifts[i]
		expected := ExpectedCash(*prev)
		prev.ExpectedCash = expected
		prev.ClosingCash = &expected
		prev.Discrepancy = decimal.Zero
		prev.Status = domain.ShiftStatusClosed
		prev.ClosedAt = &now
		prev.Notes = strings.TrimSpace(prev.Notes + " closed automatically when a new shift opened")
		l.log.Info("shift auto-closed", zap.String("shift_id", prev.ID), zap.String("expected_cash", expected.String()))
	}

	opening := roundCash(openingCash)
	shift := domain.Shift{
		ID:           xid.New("shift"),
		CashierName:  strings.TrimSpace(cashierName),
		OpeningCash:  opening,
		ExpectedCash: opening,
		Adjustments:  []domain.ShiftAdjustment{},
		Status:       domain.ShiftStatusOpen,
		OpenedAt:     now,
	}
	shifts = append([]domain.Shift{shift}, shifts...)
	if err := l.saveShifts(ctx, shifts); err != nil {
		return domain.Shift{}, err
	}
	l.log.Info("shift opened", zap.String("shift_id", shift.ID), zap.String("opening_cash", opening.String()))
	return shift, nil
}

type CloseResult struct {
	Shift      domain.Shift            `json:"shift"`
	Adjustment *domain.ShiftAdjustment `json:"adjustment,omitempty"`
}

// CloseShift counts the drawer against expected cash. A nonzero difference
// is kept as a surplus or shortage adjustment on the shift. With
// materialize set the difference is also booked to the cashbox balance,
// outside any shift so no later shift counts it again.
func (l *Ledger) CloseShift(ctx context.Context, actualCash decimal.Decimal, materialize bool, notes string) (CloseResult, error) {
	if actualCash.IsNegative() {
		return CloseResult{}, store.Invalid("closing cash cannot be negative")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	shifts, err := l.loadShifts(ctx)
	if err != nil {
		return CloseResult{}, err
	}
	i := openIndex(shifts)
	if i < 0 {
		return CloseResult{}, store.Invalid("no open shift")
	}

	now := l.clock.Now()
	actual := roundCash(actualCash)
	shift := &shifts[i]
	expected := ExpectedCash(*shift)
	discrepancy := actual.Sub(expected)

	shift.ExpectedCash = expected
	shift.ClosingCash = &actual
	shift.Discrepancy = discrepancy
	shift.Status = domain.ShiftStatusClosed
	shift.ClosedAt = &now
	if notes != "" {
		shift.Notes = notes
	}

	var result CloseResult
	if !discrepancy.IsZero() {
		adj := domain.ShiftAdjustment{
			ID:           xid.New("adj"),
			Kind:         domain.AdjustmentSurplus,
			Amount:       discrepancy.Abs(),
			Reason:       notes,
			Materialized: materialize,
			CreatedAt:    now,
		}
		if discrepancy.IsNegative() {
			adj.Kind = domain.AdjustmentShortage
		}
		shift.Adjustments = append(shift.Adjustments, adj)
		result.Adjustment = &adj
	}
	if err := l.saveShifts(ctx, shifts); err != nil {
		return CloseResult{}, err
	}
	result.Shift = *shift

	if result.Adjustment != nil && materialize {
		kind := domain.CashboxDeposit
		if result.Adjustment.Kind == domain.AdjustmentShortage {
			kind = domain.CashboxExpense
		}
		desc := fmt.Sprintf("shift %s %s", shift.ID, result.Adjustment.Kind)
		if _, err := l.postLocked(ctx, posting{kind: kind, amount: result.Adjustment.Amount, description: desc, reference: result.Adjustment.ID}, false); err != nil {
			return result, err
		}
	}

	l.log.Info("shift closed",
		zap.String("shift_id", shift.ID),
		zap.String("expected_cash", expected.String()),
		zap.String("actual_cash", actual.String()),
		zap.String("discrepancy", discrepancy.String()),
		zap.Bool("materialized", materialize && result.Adjustment != nil))
	return result, nil
}

// LinkAdjustmentExpense records the expense row written for a materialized
// close adjustment.
func (l *Ledger) LinkAdjustmentExpense(ctx context.Context, shiftID string, adjustmentID string, expenseID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	shifts, err := l.loadShifts(ctx)
	if err != nil {
		return err
	}
	for i := range shifts {
		if shifts[i].ID != shiftID {
			continue
		}
		for j := range shifts[i].Adjustments {
			if shifts[i].Adjustments[j].ID == adjustmentID {
				shifts[i].Adjustments[j].ExpenseID = expenseID
				return l.saveShifts(ctx, shifts)
			}
		}
	}
	return fmt.Errorf("%w: adjustment %s on shift %s", store.ErrNotFound, adjustmentID, shiftID)
}

// AddShiftAdjustment books a correction during an open shift. An
// expense_added adjustment posts like an expense and income_added like a
// deposit. No expense ledger row is written for it.
func (l *Ledger) AddShiftAdjustment(ctx context.Context, kind string, amount decimal.Decimal, reason string) (domain.Shift, error) {
	var postKind string
	switch kind {
	case domain.AdjustmentExpenseAdded:
		postKind = domain.CashboxExpense
	case domain.AdjustmentIncomeAdded:
		postKind = domain.CashboxDeposit
	default:
		return domain.Shift{}, store.Invalid("unknown adjustment kind %q", kind)
	}
	if !amount.IsPositive() {
		return domain.Shift{}, store.Invalid("adjustment amount must be greater than zero")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	shifts, err := l.loadShifts(ctx)
	if err != nil {
		return domain.Shift{}, err
	}
	i := openIndex(shifts)
	if i < 0 {
		return domain.Shift{}, store.Invalid("no open shift")
	}
	adj := domain.ShiftAdjustment{
		ID:        xid.New("adj"),
		Kind:      kind,
		Amount:    roundCash(amount),
		Reason:    reason,
		CreatedAt: l.clock.Now(),
	}
	shifts[i].Adjustments = append(shifts[i].Adjustments, adj)
	if err := l.saveShifts(ctx, shifts); err != nil {
		return domain.Shift{}, err
	}

	shift, err := l.postLocked(ctx, posting{kind: postKind, amount: adj.Amount, description: reason, reference: adj.ID}, true)
	if err != nil {
		return domain.Shift{}, err
	}
	return *shift, nil
}

func (l *Ledger) RecordSale(ctx context.Context, amount decimal.Decimal, cogs decimal.Decimal, grossProfit decimal.Decimal, reference string) (domain.CashboxState, error) {
	return l.post(ctx, posting{
		kind:        domain.CashboxSale,
		amount:      amount,
		cogs:        cogs,
		grossProfit: grossProfit,
		description: "sale",
		reference:   reference,
	})
}

// Refund takes a sale back out of the drawer and out of the sales totals.
func (l *Ledger) Refund(ctx context.Context, amount decimal.Decimal, cogs decimal.Decimal, grossProfit decimal.Decimal, reference string) (domain.CashboxState, error) {
	return l.post(ctx, posting{
		kind:        domain.CashboxRefund,
		amount:      amount,
		cogs:        cogs,
		grossProfit: grossProfit,
		description: "refund",
		reference:   reference,
	})
}

func (l *Ledger) RecordExpense(ctx context.Context, amount decimal.Decimal, description string, reference string) (domain.CashboxState, error) {
	return l.post(ctx, posting{kind: domain.CashboxExpense, amount: amount, description: description, reference: reference})
}

func (l *Ledger) Deposit(ctx context.Context, amount decimal.Decimal, description string) (domain.CashboxState, error) {
	return l.post(ctx, posting{kind: domain.CashboxDeposit, amount: amount, description: description})
}

func (l *Ledger) Withdraw(ctx context.Context, amount decimal.Decimal, description string) (domain.CashboxState, error) {
	return l.post(ctx, posting{kind: domain.CashboxWithdrawal, amount: amount, description: description})
}

// WithdrawFor is Withdraw tied to a reference, so it posts once per
// reference like the sale and refund movements.
func (l *Ledger) WithdrawFor(ctx context.Context, amount decimal.Decimal, description string, reference string) (domain.CashboxState, error) {
	return l.post(ctx, posting{kind: domain.CashboxWithdrawal, amount: amount, description: description, reference: reference})
}

type posting struct {
	kind        string
	amount      decimal.Decimal
	cogs        decimal.Decimal
	grossProfit decimal.Decimal
	description string
	reference   string
}

func (l *Ledger) post(ctx context.Context, p posting) (domain.CashboxState, error) {
	if !p.amount.IsPositive() {
		return domain.CashboxState{}, store.Invalid("amount must be greater than zero")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.postLocked(ctx, p, true); err != nil {
		return domain.CashboxState{}, err
	}
	return l.loadState(ctx)
}

// postLocked applies one movement to the cashbox and, when toShift is set
// and a shift is open, to that shift's running totals. It returns the open
// shift after the update, or nil. A movement whose type and reference are
// already in the retained history is not applied again.
func (l *Ledger) postLocked(ctx context.Context, p posting, toShift bool) (*domain.Shift, error) {
	state, err := l.loadState(ctx)
	if err != nil {
		return nil, err
	}
	shifts, err := l.loadShifts(ctx)
	if err != nil {
		return nil, err
	}
	if p.reference != "" && posted(state, p.kind, p.reference) {
		l.log.Info("cashbox movement already posted",
			zap.String("type", p.kind),
			zap.String("reference", p.reference))
		if i := openIndex(shifts); toShift && i >= 0 {
			return &shifts[i], nil
		}
		return nil, nil
	}

	amount := roundCash(p.amount)
	now := l.clock.Now()
	switch p.kind {
	case domain.CashboxSale:
		state.CurrentBalance = state.CurrentBalance.Add(amount)
		state.TotalSales = state.TotalSales.Add(amount)
	case domain.CashboxRefund:
		state.CurrentBalance = state.CurrentBalance.Sub(amount)
		state.TotalSales = state.TotalSales.Sub(amount)
	case domain.CashboxExpense:
		state.CurrentBalance = state.CurrentBalance.Sub(amount)
		state.TotalExpenses = state.TotalExpenses.Add(amount)
	case domain.CashboxDeposit:
		state.CurrentBalance = state.CurrentBalance.Add(amount)
		state.TotalDeposits = state.TotalDeposits.Add(amount)
	case domain.CashboxWithdrawal:
		state.CurrentBalance = state.CurrentBalance.Sub(amount)
		state.TotalWithdrawals = state.TotalWithdrawals.Add(amount)
	default:
		return nil, fmt.Errorf("unknown cashbox movement %q", p.kind)
	}

	var shift *domain.Shift
	if i := openIndex(shifts); toShift && i >= 0 {
		shift = &shifts[i]
		switch p.kind {
		case domain.CashboxSale:
			shift.SalesTotal = shift.SalesTotal.Add(amount)
			shift.COGSTotal = shift.COGSTotal.Add(roundCash(p.cogs))
			shift.GrossProfitTotal = shift.GrossProfitTotal.Add(roundCash(p.grossProfit))
		case domain.CashboxRefund:
			shift.SalesTotal = shift.SalesTotal.Sub(amount)
			shift.COGSTotal = shift.COGSTotal.Sub(roundCash(p.cogs))
			shift.GrossProfitTotal = shift.GrossProfitTotal.Sub(roundCash(p.grossProfit))
		case domain.CashboxExpense:
			shift.ExpensesTotal = shift.ExpensesTotal.Add(amount)
		case domain.CashboxDeposit:
			shift.DepositsTotal = shift.DepositsTotal.Add(amount)
		case domain.CashboxWithdrawal:
			shift.WithdrawalsTotal = shift.WithdrawalsTotal.Add(amount)
		}
		shift.ExpectedCash = ExpectedCash(*shift)
	}

	txn := domain.CashboxTransaction{
		ID:           xid.New("ctx"),
		Type:         p.kind,
		Amount:       amount,
		Description:  p.description,
		Reference:    p.reference,
		BalanceAfter: state.CurrentBalance,
		CreatedAt:    now,
	}
	if shift != nil {
		txn.ShiftID = shift.ID
	}
	state.Transactions = append(state.Transactions, txn)
	if n := len(state.Transactions); n > maxTransactions {
		state.Transactions = state.Transactions[n-maxTransactions:]
	}
	state.LastUpdated = now

	if err := l.store.Save(ctx, localstore.KeyCashboxState, state); err != nil {
		return nil, fmt.Errorf("persist cashbox: %w", err)
	}
	if shift != nil {
		if err := l.saveShifts(ctx, shifts); err != nil {
			return nil, err
		}
	}
	return shift, nil
}

func posted(state domain.CashboxState, kind string, reference string) bool {
	for _, txn := range state.Transactions {
		if txn.Type == kind && txn.Reference == reference {
			return true
		}
	}
	return false
}

func openIndex(shifts []domain.Shift) int {
	for i := range shifts {
		if shifts[i].Status == domain.ShiftStatusOpen {
			return i
		}
	}
	return -1
}

func (l *Ledger) loadState(ctx context.Context) (domain.CashboxState, error) {
	var state domain.CashboxState
	if _, err := l.store.Load(ctx, localstore.KeyCashboxState, &state); err != nil {
		return domain.CashboxState{}, fmt.Errorf("load cashbox: %w", err)
	}
	if state.Transactions == nil {
		state.Transactions = []domain.CashboxTransaction{}
	}
	return state, nil
}

func (l *Ledger) loadShifts(ctx context.Context) ([]domain.Shift, error) {
	var shifts []domain.Shift
	if _, err := l.store.Load(ctx, localstore.KeyCashShifts, &shifts); err != nil {
		return nil, fmt.Errorf("load shifts: %w", err)
	}
	return shifts, nil
}

func (l *Ledger) saveShifts(ctx context.Context, shifts []domain.Shift) error {
	if err := l.store.Save(ctx, localstore.KeyCashShifts, shifts); err != nil {
		return fmt.Errorf("persist shifts: %w", err)
	}
	return nil
}
