package debts

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/clock"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

type fakeRepo struct {
	debts map[string]domain.Debt
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{debts: make(map[string]domain.Debt)}
}

func (r *fakeRepo) Debt(_ context.Context, id string) (domain.Debt, error) {
	d, ok := r.debts[id]
	if !ok {
		return domain.Debt{}, fmt.Errorf("%w: debt %s", store.ErrNotFound, id)
	}
	d.Payments = append([]domain.DebtPayment(nil), d.Payments...)
	return d, nil
}

func (r *fakeRepo) DebtByInvoice(_ context.Context, invoiceID string) (*domain.Debt, error) {
	for _, d := range r.debts {
		if d.InvoiceID == invoiceID {
			return &d, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) Debts(context.Context) ([]domain.Debt, error) {
	out := make([]domain.Debt, 0, len(r.debts))
	for _, d := range r.debts {
		out = append(out, d)
	}
	return out, nil
}

func (r *fakeRepo) InsertDebt(_ context.Context, d domain.Debt) (store.PermissionDecision, error) {
	r.debts[d.ID] = d
	return store.DecisionAllowed, nil
}

func (r *fakeRepo) UpdateDebt(_ context.Context, d domain.Debt) (store.PermissionDecision, error) {
	r.debts[d.ID] = d
	return store.DecisionAllowed, nil
}

func (r *fakeRepo) DeleteDebt(_ context.Context, id string) (store.PermissionDecision, error) {
	delete(r.debts, id)
	return store.DecisionAllowed, nil
}

type confirmCall struct {
	invoiceID string
	ratio     decimal.Decimal
	key       string
}

type fakeConfirmer struct {
	calls []confirmCall
	fail  error
}

func (f *fakeConfirmer) ConfirmPendingProfit(_ context.Context, invoiceID string, ratio decimal.Decimal, key string) error {
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, confirmCall{invoiceID: invoiceID, ratio: ratio, key: key})
	return nil
}

var start = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func newLedger() (*Ledger, *fakeRepo, *fakeConfirmer, *clock.Fake) {
	repo := newFakeRepo()
	confirmer := &fakeConfirmer{}
	clk := clock.NewFake(start)
	return New(repo, confirmer, clk, 0, nil), repo, confirmer, clk
}

func money(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestCreateDefaultsAndIsKeyedByInvoice(t *testing.T) {
	l, repo, _, _ := newLedger()
	ctx := context.Background()

	d, created, err := l.Create(ctx, domain.Debt{InvoiceID: "inv-1", CustomerName: "Rana", TotalDebt: money(100)})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, start.AddDate(0, 0, DefaultDueDays), d.DueDate)
	assert.Equal(t, domain.DebtStatusDue, d.Status)
	assert.True(t, money(100).Equal(d.RemainingDebt))

	again, created, err := l.Create(ctx, domain.Debt{InvoiceID: "inv-1", TotalDebt: money(100)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, d.ID, again.ID)
	assert.Len(t, repo.debts, 1)

	_, _, err = l.Create(ctx, domain.Debt{InvoiceID: "inv-2"})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestHalfPaymentReleasesHalfThenRest(t *testing.T) {
	l, _, confirmer, _ := newLedger()
	ctx := context.Background()
	d, _, err := l.Create(ctx, domain.Debt{InvoiceID: "inv-7", TotalDebt: money(200)})
	require.NoError(t, err)

	d, err = l.RecordPayment(ctx, domain.DebtPayment{ID: "pay-1", DebtID: d.ID, Amount: money(100)})
	require.NoError(t, err)
	assert.Equal(t, domain.DebtStatusPartiallyPaid, d.Status)
	assert.True(t, money(100).Equal(d.RemainingDebt))

	d, err = l.RecordPayment(ctx, domain.DebtPayment{ID: "pay-2", DebtID: d.ID, Amount: money(100)})
	require.NoError(t, err)
	assert.Equal(t, domain.DebtStatusFullyPaid, d.Status)

	require.Len(t, confirmer.calls, 2)
	assert.Equal(t, "inv-7", confirmer.calls[0].invoiceID)
	assert.True(t, decimal.RequireFromString("0.5").Equal(confirmer.calls[0].ratio))
	assert.True(t, decimal.NewFromInt(1).Equal(confirmer.calls[1].ratio))
	assert.Equal(t, []string{"pay-1", "pay-2"}, []string{confirmer.calls[0].key, confirmer.calls[1].key})
}

func TestOverpaymentClampsRemaining(t *testing.T) {
	l, _, confirmer, _ := newLedger()
	ctx := context.Background()
	d, _, _ := l.Create(ctx, domain.Debt{InvoiceID: "inv-1", TotalDebt: money(80)})

	d, err := l.RecordPayment(ctx, domain.DebtPayment{ID: "p", DebtID: d.ID, Amount: money(120)})
	require.NoError(t, err)
	assert.True(t, d.RemainingDebt.IsZero())
	assert.True(t, money(120).Equal(d.TotalPaid))
	assert.Equal(t, domain.DebtStatusFullyPaid, d.Status)
	assert.True(t, decimal.NewFromInt(1).Equal(confirmer.calls[0].ratio))

	d, err = l.RecordPayment(ctx, domain.DebtPayment{ID: "q", DebtID: d.ID, Amount: money(5)})
	require.NoError(t, err)
	assert.True(t, d.RemainingDebt.IsZero(), "remaining never goes negative")
}

func TestPaymentReplayIsIdempotent(t *testing.T) {
	l, repo, confirmer, _ := newLedger()
	ctx := context.Background()
	d, _, _ := l.Create(ctx, domain.Debt{InvoiceID: "inv-1", TotalDebt: money(100)})
	payment := domain.DebtPayment{ID: "pay-1", DebtID: d.ID, Amount: money(40)}

	_, err := l.RecordPayment(ctx, payment)
	require.NoError(t, err)
	_, err = l.RecordPayment(ctx, payment)
	require.NoError(t, err)

	stored := repo.debts[d.ID]
	assert.True(t, money(40).Equal(stored.TotalPaid))
	assert.Len(t, stored.Payments, 1)
	assert.True(t, stored.Payments[0].ProfitConfirmed)
	assert.Len(t, confirmer.calls, 1)
}

func TestReplayFinishesConfirmationAfterFailure(t *testing.T) {
	l, repo, confirmer, _ := newLedger()
	ctx := context.Background()
	d, _, _ := l.Create(ctx, domain.Debt{InvoiceID: "inv-1", TotalDebt: money(100)})
	payment := domain.DebtPayment{ID: "pay-1", DebtID: d.ID, Amount: money(25)}

	confirmer.fail = errors.New("remote down")
	_, err := l.RecordPayment(ctx, payment)
	require.Error(t, err)
	assert.True(t, money(25).Equal(repo.debts[d.ID].TotalPaid))

	confirmer.fail = nil
	_, err = l.RecordPayment(ctx, payment)
	require.NoError(t, err)
	require.Len(t, confirmer.calls, 1)
	assert.True(t, decimal.RequireFromString("0.25").Equal(confirmer.calls[0].ratio))
	assert.Equal(t, "pay-1", confirmer.calls[0].key)
	assert.True(t, money(25).Equal(repo.debts[d.ID].TotalPaid))
}

func TestRecordPaymentValidates(t *testing.T) {
	l, _, _, _ := newLedger()
	ctx := context.Background()

	_, err := l.RecordPayment(ctx, domain.DebtPayment{DebtID: "x", Amount: money(0)})
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = l.RecordPayment(ctx, domain.DebtPayment{DebtID: "missing", Amount: money(1)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatus(t *testing.T) {
	due := start.AddDate(0, 0, 30)
	tests := []struct {
		name string
		debt domain.Debt
		now  time.Time
		want string
	}{
		{"fresh", domain.Debt{RemainingDebt: money(10), DueDate: due}, start, domain.DebtStatusDue},
		{"partial", domain.Debt{RemainingDebt: money(5), TotalPaid: money(5), DueDate: due}, start, domain.DebtStatusPartiallyPaid},
		{"overdue beats partial", domain.Debt{RemainingDebt: money(5), TotalPaid: money(5), DueDate: due}, due.Add(time.Hour), domain.DebtStatusOverdue},
		{"paid even when late", domain.Debt{RemainingDebt: decimal.Zero, TotalPaid: money(10), DueDate: due}, due.Add(time.Hour), domain.DebtStatusFullyPaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Status(tt.debt, tt.now))
		})
	}
}

func TestListRefreshesOverdue(t *testing.T) {
	l, _, _, clk := newLedger()
	ctx := context.Background()
	_, _, err := l.Create(ctx, domain.Debt{InvoiceID: "inv-1", TotalDebt: money(10)})
	require.NoError(t, err)

	clk.Advance(31 * 24 * time.Hour)
	list, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.DebtStatusOverdue, list[0].Status)
}

func TestRemoveForInvoice(t *testing.T) {
	l, repo, _, _ := newLedger()
	ctx := context.Background()
	_, _, _ = l.Create(ctx, domain.Debt{InvoiceID: "inv-1", TotalDebt: money(10)})

	removed, err := l.RemoveForInvoice(ctx, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Empty(t, repo.debts)

	removed, err = l.RemoveForInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Nil(t, removed)
}
