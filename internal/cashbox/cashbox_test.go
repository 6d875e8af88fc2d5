package cashbox

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/clock"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/localstore"
	"ledgerpos/backend/internal/store"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func assertDec(t *testing.T, want string, got decimal.Decimal, label string) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "%s: want %s, got %s", label, want, got.String())
}

func newLedger() (*Ledger, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	return New(localstore.NewMemory(), clk, nil), clk
}

func TestSaleShiftBalances(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	_, err := l.OpenShift(ctx, dec("100"), "Rina")
	require.NoError(t, err)
	_, err = l.RecordSale(ctx, dec("50"), dec("30"), dec("20"), "inv-1")
	require.NoError(t, err)

	res, err := l.CloseShift(ctx, dec("150"), false, "")
	require.NoError(t, err)
	assertDec(t, "150", res.Shift.ExpectedCash, "expected")
	assertDec(t, "0", res.Shift.Discrepancy, "discrepancy")
	assertDec(t, "30", res.Shift.COGSTotal, "cogs")
	assertDec(t, "20", res.Shift.GrossProfitTotal, "gross profit")
	assert.Nil(t, res.Adjustment)
	assert.Equal(t, domain.ShiftStatusClosed, res.Shift.Status)

	state, err := l.State(ctx)
	require.NoError(t, err)
	assertDec(t, "50", state.CurrentBalance, "balance")
	assertDec(t, "50", state.TotalSales, "sales")
	require.Len(t, state.Transactions, 1)
	assert.Equal(t, res.Shift.ID, state.Transactions[0].ShiftID)
	assertDec(t, "50", state.Transactions[0].BalanceAfter, "balance after")
}

func TestExpectedCashIsStable(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()
	_, err := l.OpenShift(ctx, dec("80"), "")
	require.NoError(t, err)
	_, err = l.RecordExpense(ctx, dec("12.5"), "ice", "exp-1")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, dec("20"), "change float")
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, dec("5"), "owner")
	require.NoError(t, err)

	shift, err := l.ActiveShift(ctx)
	require.NoError(t, err)
	require.NotNil(t, shift)
	first := ExpectedCash(*shift)
	second := ExpectedCash(*shift)
	assert.True(t, first.Equal(second))
	assertDec(t, "82.5", first, "expected")
	assertDec(t, "82.5", shift.ExpectedCash, "stored expected")
}

func TestPostingWithoutShiftOnlyTouchesCashbox(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	state, err := l.RecordSale(ctx, dec("40"), dec("25"), dec("15"), "inv-9")
	require.NoError(t, err)
	assertDec(t, "40", state.CurrentBalance, "balance")
	assert.Empty(t, state.Transactions[0].ShiftID)

	shifts, err := l.Shifts(ctx)
	require.NoError(t, err)
	assert.Empty(t, shifts)
}

func TestRefundReversesSale(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()
	_, err := l.OpenShift(ctx, dec("0"), "")
	require.NoError(t, err)
	_, err = l.RecordSale(ctx, dec("70"), dec("40"), dec("30"), "inv-2")
	require.NoError(t, err)
	state, err := l.Refund(ctx, dec("70"), dec("40"), dec("30"), "inv-2")
	require.NoError(t, err)

	assertDec(t, "0", state.CurrentBalance, "balance")
	assertDec(t, "0", state.TotalSales, "sales")
	shift, err := l.ActiveShift(ctx)
	require.NoError(t, err)
	assertDec(t, "0", shift.SalesTotal, "shift sales")
	assertDec(t, "0", shift.GrossProfitTotal, "shift profit")
}

func TestOpenShiftAutoClosesPrevious(t *testing.T) {
	ctx := context.Background()
	l, clk := newLedger()
	first, err := l.OpenShift(ctx, dec("100"), "morning")
	require.NoError(t, err)
	_, err = l.RecordSale(ctx, dec("25"), dec("10"), dec("15"), "inv-3")
	require.NoError(t, err)

	clk.Advance(8 * time.Hour)
	second, err := l.OpenShift(ctx, dec("125"), "evening")
	require.NoError(t, err)

	shifts, err := l.Shifts(ctx)
	require.NoError(t, err)
	require.Len(t, shifts, 2)
	assert.Equal(t, second.ID, shifts[0].ID)
	assert.Equal(t, first.ID, shifts[1].ID)

	prev := shifts[1]
	assert.Equal(t, domain.ShiftStatusClosed, prev.Status)
	require.NotNil(t, prev.ClosingCash)
	assertDec(t, "125", *prev.ClosingCash, "auto-close cash")
	assertDec(t, "0", prev.Discrepancy, "auto-close discrepancy")
	assert.Contains(t, prev.Notes, "closed automatically")

	active, err := l.ActiveShift(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestCloseShortageKeepsAdjustment(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()
	_, err := l.OpenShift(ctx, dec("100"), "")
	require.NoError(t, err)
	_, err = l.RecordSale(ctx, dec("50"), dec("30"), dec("20"), "inv-4")
	require.NoError(t, err)

	res, err := l.CloseShift(ctx, dec("145"), false, "counted twice")
	require.NoError(t, err)
	assertDec(t, "-5", res.Shift.Discrepancy, "discrepancy")
	require.NotNil(t, res.Adjustment)
	assert.Equal(t, domain.AdjustmentShortage, res.Adjustment.Kind)
	assertDec(t, "5", res.Adjustment.Amount, "adjustment")
	assert.False(t, res.Adjustment.Materialized)

	state, err := l.State(ctx)
	require.NoError(t, err)
	assertDec(t, "50", state.CurrentBalance, "balance untouched")
}

func TestCloseMaterializedSurplusPostsDeposit(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()
	shift, err := l.OpenShift(ctx, dec("100"), "")
	require.NoError(t, err)

	res, err := l.CloseShift(ctx, dec("108"), true, "")
	require.NoError(t, err)
	require.NotNil(t, res.Adjustment)
	assert.Equal(t, domain.AdjustmentSurplus, res.Adjustment.Kind)
	assert.True(t, res.Adjustment.Materialized)
	assertDec(t, "0", res.Shift.DepositsTotal, "closed shift not touched")

	state, err := l.State(ctx)
	require.NoError(t, err)
	assertDec(t, "8", state.CurrentBalance, "balance")
	assertDec(t, "8", state.TotalDeposits, "deposits")
	require.Len(t, state.Transactions, 1)
	assert.Empty(t, state.Transactions[0].ShiftID)
	assert.Equal(t, res.Adjustment.ID, state.Transactions[0].Reference)

	require.NoError(t, l.LinkAdjustmentExpense(ctx, shift.ID, res.Adjustment.ID, "exp-77"))
	shifts, err := l.Shifts(ctx)
	require.NoError(t, err)
	assert.Equal(t, "exp-77", shifts[0].Adjustments[0].ExpenseID)

	err = l.LinkAdjustmentExpense(ctx, shift.ID, "adj-missing", "exp-78")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestShiftAdjustments(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	_, err := l.AddShiftAdjustment(ctx, domain.AdjustmentExpenseAdded, dec("10"), "parking")
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = l.OpenShift(ctx, dec("50"), "")
	require.NoError(t, err)

	shift, err := l.AddShiftAdjustment(ctx, domain.AdjustmentExpenseAdded, dec("10"), "parking")
	require.NoError(t, err)
	assertDec(t, "10", shift.ExpensesTotal, "expenses")
	shift, err = l.AddShiftAdjustment(ctx, domain.AdjustmentIncomeAdded, dec("4"), "tip jar")
	require.NoError(t, err)
	assertDec(t, "4", shift.DepositsTotal, "deposits")
	assertDec(t, "44", shift.ExpectedCash, "expected")
	assert.Len(t, shift.Adjustments, 2)

	_, err = l.AddShiftAdjustment(ctx, domain.AdjustmentSurplus, dec("1"), "")
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = l.AddShiftAdjustment(ctx, domain.AdjustmentIncomeAdded, dec("0"), "")
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	_, err := l.Deposit(ctx, dec("0"), "")
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = l.Withdraw(ctx, dec("-3"), "")
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = l.OpenShift(ctx, dec("-1"), "")
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = l.CloseShift(ctx, dec("10"), false, "")
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestLedgerSurvivesReload(t *testing.T) {
	ctx := context.Background()
	mem := localstore.NewMemory()
	clk := clock.NewFake(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	l := New(mem, clk, nil)
	_, err := l.OpenShift(ctx, dec("30"), "")
	require.NoError(t, err)
	_, err = l.RecordSale(ctx, dec("9.99"), dec("4"), dec("5.99"), "inv-5")
	require.NoError(t, err)

	reopened := New(mem, clk, nil)
	shift, err := reopened.ActiveShift(ctx)
	require.NoError(t, err)
	require.NotNil(t, shift)
	assertDec(t, "39.99", shift.ExpectedCash, "expected")
}

func TestReferencedPostingAppliesOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	_, err := l.OpenShift(ctx, dec("0"), "Rina")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = l.RecordSale(ctx, dec("250"), dec("190"), dec("60"), "inv-7")
		require.NoError(t, err)
	}
	_, err = l.RecordSale(ctx, dec("15"), dec("6"), dec("9"), "inv-8")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = l.Refund(ctx, dec("250"), dec("190"), dec("60"), "inv-7")
		require.NoError(t, err)
		_, err = l.WithdrawFor(ctx, dec("5"), "returned", "inv-7")
		require.NoError(t, err)
	}
	// unreferenced movements always post
	_, err = l.Deposit(ctx, dec("10"), "float")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, dec("10"), "float")
	require.NoError(t, err)

	state, err := l.State(ctx)
	require.NoError(t, err)
	assertDec(t, "30", state.CurrentBalance, "balance")
	assertDec(t, "15", state.TotalSales, "sales")
	assertDec(t, "5", state.TotalWithdrawals, "withdrawals")
	assert.Len(t, state.Transactions, 6)

	shift, err := l.ActiveShift(ctx)
	require.NoError(t, err)
	require.NotNil(t, shift)
	assertDec(t, "15", shift.SalesTotal, "shift sales")
	assertDec(t, "9", shift.GrossProfitTotal, "shift gross profit")
	assertDec(t, "30", shift.ExpectedCash, "shift expected")
}
