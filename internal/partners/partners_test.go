package partners

import (
	"context"
	"sync"
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
	mu       sync.Mutex
	partners []domain.Partner
	deny     bool
	updates  int
}

func (r *fakeRepo) Partners(context.Context) ([]domain.Partner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Partner, len(r.partners))
	copy(out, r.partners)
	return out, nil
}

func (r *fakeRepo) FreshPartners(ctx context.Context) ([]domain.Partner, error) {
	return r.Partners(ctx)
}

func (r *fakeRepo) InsertPartner(_ context.Context, p domain.Partner) (store.PermissionDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deny {
		return store.DecisionDenied, nil
	}
	r.partners = append(r.partners, p)
	return store.DecisionAllowed, nil
}

func (r *fakeRepo) UpdatePartner(_ context.Context, p domain.Partner) (store.PermissionDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deny {
		return store.DecisionDenied, nil
	}
	for i := range r.partners {
		if r.partners[i].ID == p.ID {
			r.partners[i] = p
			r.updates++
			return store.DecisionAllowed, nil
		}
	}
	return store.DecisionAllowed, store.ErrNotFound
}

func (r *fakeRepo) byID(t *testing.T, id string) domain.Partner {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.partners {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("partner %s not found", id)
	return domain.Partner{}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}

func specialist(id string, category string, pct string) domain.Partner {
	return domain.Partner{
		ID:             id,
		Name:           id,
		CategoryShares: []domain.CategoryShare{{Category: category, Percentage: dec(pct), Enabled: true}},
	}
}

func generalist(id string, share string) domain.Partner {
	return domain.Partner{ID: id, Name: id, AccessAll: true, SharePercentage: dec(share)}
}

func newEngine(partners ...domain.Partner) (*Engine, *fakeRepo) {
	repo := &fakeRepo{partners: partners}
	clk := clock.NewFake(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	return NewEngine(repo, clk, nil), repo
}

func awardFor(awards []Award, partnerID string) decimal.Decimal {
	total := decimal.Zero
	for _, a := range awards {
		if a.PartnerID == partnerID {
			total = total.Add(a.Amount)
		}
	}
	return total
}

func TestAllocateSpecialistThenSoleGeneralist(t *testing.T) {
	partners := []domain.Partner{specialist("p1", "Phones", "40"), generalist("p2", "50")}

	awards := Allocate(partners, "Phones", dec("100"))

	require.Len(t, awards, 2)
	assertDec(t, "40", awardFor(awards, "p1"))
	assertDec(t, "60", awardFor(awards, "p2"))
	assert.True(t, awards[0].Specialist)
	assertDec(t, "100", awards[1].Percentage)
}

func TestAllocateGeneralistPhaseConservesRemainder(t *testing.T) {
	tests := []struct {
		name     string
		partners []domain.Partner
		profit   string
	}{
		{"no specialists", []domain.Partner{generalist("g1", "1"), generalist("g2", "1"), generalist("g3", "1")}, "100"},
		{"uneven split", []domain.Partner{specialist("s1", "Phones", "33"), generalist("g1", "20"), generalist("g2", "45"), generalist("g3", "35")}, "77.77"},
		{"specialists at 100", []domain.Partner{specialist("s1", "Phones", "60"), specialist("s2", "Phones", "40"), generalist("g1", "50")}, "10"},
		{"other category specialist", []domain.Partner{specialist("s1", "Cases", "90"), generalist("g1", "30"), generalist("g2", "70")}, "13"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profit := dec(tt.profit)
			awards := Allocate(tt.partners, "Phones", profit)

			specialists, generalists := decimal.Zero, decimal.Zero
			for _, a := range awards {
				if a.Specialist {
					specialists = specialists.Add(a.Amount)
				} else {
					generalists = generalists.Add(a.Amount)
				}
			}
			assert.True(t, generalists.LessThanOrEqual(profit.Sub(specialists)))
			if profit.Sub(specialists).IsPositive() {
				assert.True(t, generalists.Equal(profit.Sub(specialists)), "generalists %s", generalists)
			}
		})
	}
}

// Specialist percentages above 100 are paid in full and generalists get
// nothing; the overshoot is not scaled back.
func TestAllocateSpecialistsOverHundredPercent(t *testing.T) {
	partners := []domain.Partner{
		specialist("s1", "Phones", "70"),
		specialist("s2", "Phones", "50"),
		generalist("g1", "100"),
	}

	awards := Allocate(partners, "Phones", dec("200"))

	require.Len(t, awards, 2)
	assertDec(t, "140", awardFor(awards, "s1"))
	assertDec(t, "100", awardFor(awards, "s2"))
	assertDec(t, "0", awardFor(awards, "g1"))

	again := Allocate(partners, "Phones", dec("200"))
	assert.Equal(t, len(awards), len(again))
	for i := range awards {
		assert.True(t, awards[i].Amount.Equal(again[i].Amount))
	}
}

func TestAllocateIgnoresDisabledSharesAndNonPositiveProfit(t *testing.T) {
	disabled := specialist("s1", "Phones", "50")
	disabled.CategoryShares[0].Enabled = false
	partners := []domain.Partner{disabled, generalist("g1", "0"), generalist("g2", "10")}

	awards := Allocate(partners, "Phones", dec("50"))
	require.Len(t, awards, 1)
	assert.Equal(t, "g2", awards[0].PartnerID)
	assertDec(t, "50", awards[0].Amount)

	assert.Empty(t, Allocate(partners, "Phones", dec("0")))
	assert.Empty(t, Allocate(partners, "Phones", dec("-5")))
}

func TestDistributeCashSaleConfirmsImmediately(t *testing.T) {
	e, repo := newEngine(specialist("p1", "Phones", "40"), generalist("p2", "50"))

	_, err := e.Distribute(context.Background(), DistributionInput{
		InvoiceID:       "inv-1",
		CustomerName:    "Walk-in",
		CategoryProfits: map[string]decimal.Decimal{"Phones": dec("100")},
	})
	require.NoError(t, err)

	p2 := repo.byID(t, "p2")
	assertDec(t, "60", p2.ConfirmedProfit)
	assertDec(t, "60", p2.CurrentBalance)
	assertDec(t, "60", p2.TotalProfitEarned)
	assertDec(t, "0", p2.PendingProfit)
	require.Len(t, p2.ProfitHistory, 1)
	assert.False(t, p2.ProfitHistory[0].IsDebt)
	assert.Empty(t, p2.PendingProfitDetails)
}

func TestDebtSaleHalfPaymentConfirmsHalf(t *testing.T) {
	e, repo := newEngine(specialist("p1", "Phones", "40"), generalist("p2", "50"))
	ctx := context.Background()

	_, err := e.Distribute(ctx, DistributionInput{
		InvoiceID:       "inv-7",
		CustomerName:    "Rana",
		IsDebt:          true,
		CategoryProfits: map[string]decimal.Decimal{"Phones": dec("100")},
	})
	require.NoError(t, err)

	p2 := repo.byID(t, "p2")
	assertDec(t, "60", p2.PendingProfit)
	assertDec(t, "0", p2.CurrentBalance)
	require.Len(t, p2.PendingProfitDetails, 1)
	assert.Equal(t, "Rana", p2.PendingProfitDetails[0].CustomerName)

	require.NoError(t, e.ConfirmPendingProfit(ctx, "inv-7", dec("0.5"), "pay-1"))

	p2 = repo.byID(t, "p2")
	assertDec(t, "30", p2.ConfirmedProfit)
	assertDec(t, "30", p2.PendingProfit)
	assertDec(t, "30", p2.CurrentBalance)
	require.Len(t, p2.PendingProfitDetails, 1)
	assertDec(t, "30", p2.PendingProfitDetails[0].Amount)

	require.NoError(t, e.ConfirmPendingProfit(ctx, "inv-7", dec("1"), "pay-2"))
	p2 = repo.byID(t, "p2")
	assertDec(t, "60", p2.ConfirmedProfit)
	assertDec(t, "0", p2.PendingProfit)
	assert.Empty(t, p2.PendingProfitDetails)
}

func TestRevertIsExactInverseAfterPartialConfirmations(t *testing.T) {
	p1 := specialist("p1", "Phones", "37.5")
	p1.ConfirmedProfit = dec("12.34")
	p1.CurrentBalance = dec("5.10")
	p1.TotalProfitEarned = dec("12.34")
	p2 := generalist("p2", "30")
	p2.PendingProfit = dec("8")
	p2.PendingProfitDetails = []domain.PendingProfitDetail{{InvoiceID: "older", Amount: dec("8")}}
	p3 := generalist("p3", "45")

	e, repo := newEngine(p1, p2, p3)
	ctx := context.Background()
	before := map[string]domain.Partner{"p1": repo.byID(t, "p1"), "p2": repo.byID(t, "p2"), "p3": repo.byID(t, "p3")}

	_, err := e.Distribute(ctx, DistributionInput{
		InvoiceID: "inv-9",
		IsDebt:    true,
		CategoryProfits: map[string]decimal.Decimal{
			"Phones":      dec("99.99"),
			"Accessories": dec("17"),
		},
	})
	require.NoError(t, err)
	require.NoError(t, e.ConfirmPendingProfit(ctx, "inv-9", dec("0.3"), ""))
	require.NoError(t, e.ConfirmPendingProfit(ctx, "inv-9", dec("0.25"), ""))

	require.NoError(t, e.Revert(ctx, "inv-9"))

	for id, prev := range before {
		got := repo.byID(t, id)
		assertDec(t, prev.ConfirmedProfit.Add(prev.PendingProfit).String(), got.ConfirmedProfit.Add(got.PendingProfit), id)
		assertDec(t, prev.PendingProfit.String(), got.PendingProfit, id)
		assertDec(t, prev.CurrentBalance.String(), got.CurrentBalance, id)
		assertDec(t, prev.TotalProfitEarned.String(), got.TotalProfitEarned, id)
		assert.Len(t, got.ProfitHistory, len(prev.ProfitHistory), id)
		assert.Len(t, got.PendingProfitDetails, len(prev.PendingProfitDetails), id)
	}
}

func TestRevertCashSale(t *testing.T) {
	e, repo := newEngine(generalist("p1", "100"))
	ctx := context.Background()

	_, err := e.Distribute(ctx, DistributionInput{InvoiceID: "inv-1", CategoryProfits: map[string]decimal.Decimal{"Phones": dec("42")}})
	require.NoError(t, err)
	require.NoError(t, e.Revert(ctx, "inv-1"))

	p1 := repo.byID(t, "p1")
	assertDec(t, "0", p1.ConfirmedProfit)
	assertDec(t, "0", p1.CurrentBalance)
	assert.Empty(t, p1.ProfitHistory)

	updates := repo.updates
	require.NoError(t, e.Revert(ctx, "inv-1"))
	assert.Equal(t, updates, repo.updates, "second revert touches nothing")
}

func TestDistributeTwiceForSameInvoicePostsOnce(t *testing.T) {
	e, repo := newEngine(specialist("p1", "Phones", "40"), generalist("p2", "50"))
	ctx := context.Background()
	in := DistributionInput{InvoiceID: "inv-1", CategoryProfits: map[string]decimal.Decimal{"Phones": dec("100")}}

	_, err := e.Distribute(ctx, in)
	require.NoError(t, err)
	_, err = e.Distribute(ctx, in)
	require.NoError(t, err)

	assertDec(t, "40", repo.byID(t, "p1").CurrentBalance)
	assertDec(t, "60", repo.byID(t, "p2").CurrentBalance)
	assert.Len(t, repo.byID(t, "p2").ProfitHistory, 1)
}

func TestDeniedPostingIsSurfaced(t *testing.T) {
	e, repo := newEngine(generalist("p1", "100"))
	ctx := context.Background()
	in := DistributionInput{InvoiceID: "inv-1", CategoryProfits: map[string]decimal.Decimal{"Phones": dec("10")}}
	repo.deny = true

	_, err := e.Distribute(ctx, in)
	require.ErrorIs(t, err, store.ErrPermission)
	assertDec(t, "0", repo.byID(t, "p1").CurrentBalance)

	// once the rule allows it, the same distribution lands exactly once
	repo.deny = false
	_, err = e.Distribute(ctx, in)
	require.NoError(t, err)
	_, err = e.Distribute(ctx, in)
	require.NoError(t, err)
	assertDec(t, "10", repo.byID(t, "p1").CurrentBalance)
}

func TestKeyedConfirmationIsTakenOnce(t *testing.T) {
	e, repo := newEngine(generalist("p1", "100"))
	ctx := context.Background()

	_, err := e.Distribute(ctx, DistributionInput{
		InvoiceID:       "inv-3",
		IsDebt:          true,
		CategoryProfits: map[string]decimal.Decimal{"Phones": dec("80")},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.ConfirmPendingProfit(ctx, "inv-3", dec("0.25"), "pay-1"))
	}
	p1 := repo.byID(t, "p1")
	assertDec(t, "20", p1.ConfirmedProfit)
	assertDec(t, "60", p1.PendingProfit)
	require.Len(t, p1.PendingProfitDetails, 1)
	assert.Equal(t, []string{"pay-1"}, p1.PendingProfitDetails[0].Confirmations)

	require.NoError(t, e.ConfirmPendingProfit(ctx, "inv-3", dec("0.5"), "pay-2"))
	require.NoError(t, e.ConfirmPendingProfit(ctx, "inv-3", dec("0.5"), "pay-2"))
	p1 = repo.byID(t, "p1")
	assertDec(t, "50", p1.ConfirmedProfit)
	assertDec(t, "30", p1.PendingProfit)

	require.NoError(t, e.ConfirmPendingProfit(ctx, "inv-3", dec("1"), "pay-3"))
	require.NoError(t, e.ConfirmPendingProfit(ctx, "inv-3", dec("1"), "pay-3"))
	p1 = repo.byID(t, "p1")
	assertDec(t, "80", p1.ConfirmedProfit)
	assertDec(t, "0", p1.PendingProfit)
	assert.Empty(t, p1.PendingProfitDetails)
}

func TestCreateValidates(t *testing.T) {
	e, repo := newEngine()
	ctx := context.Background()

	_, err := e.Create(ctx, CreateRequest{Name: " ", SharePercentage: dec("10")})
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = e.Create(ctx, CreateRequest{Name: "Sami", SharePercentage: dec("120")})
	assert.ErrorIs(t, err, store.ErrValidation)

	p, err := e.Create(ctx, CreateRequest{Name: "Sami", AccessAll: true, SharePercentage: dec("25"), InitialCapital: dec("1000")})
	require.NoError(t, err)
	assertDec(t, "1000", p.CurrentCapital)
	assert.Len(t, repo.partners, 1)

	repo.deny = true
	_, err = e.Create(ctx, CreateRequest{Name: "Lina"})
	assert.ErrorIs(t, err, store.ErrPermission)
}

func TestWithdrawals(t *testing.T) {
	p := generalist("p1", "50")
	p.CurrentBalance = dec("30")
	p.CurrentCapital = dec("100")
	p.InitialCapital = dec("100")
	e, repo := newEngine(p)
	ctx := context.Background()

	_, err := e.WithdrawProfit(ctx, "p1", dec("31"), "", false)
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = e.WithdrawProfit(ctx, "p1", dec("0"), "", false)
	assert.ErrorIs(t, err, store.ErrValidation)

	res, err := e.SmartWithdraw(ctx, "p1", dec("50"), "month end")
	require.NoError(t, err)
	assertDec(t, "30", res.FromProfit)
	assertDec(t, "20", res.FromCapital)

	got := repo.byID(t, "p1")
	assertDec(t, "0", got.CurrentBalance)
	assertDec(t, "80", got.CurrentCapital)
	assertDec(t, "30", got.TotalWithdrawn)
	assert.Len(t, got.WithdrawalHistory, 2)
	assert.Len(t, got.CapitalHistory, 1)

	_, err = e.SmartWithdraw(ctx, "p1", dec("81"), "")
	assert.ErrorIs(t, err, store.ErrValidation)

	got, err = e.WithdrawProfit(ctx, "p1", dec("5"), "advance", true)
	require.NoError(t, err)
	assertDec(t, "-5", got.CurrentBalance)

	got, err = e.AddCapital(ctx, "p1", dec("20"), "top up")
	require.NoError(t, err)
	assertDec(t, "120", got.InitialCapital)
	assertDec(t, "100", got.CurrentCapital)

	_, err = e.WithdrawCapital(ctx, "p1", dec("101"), "", false)
	assert.ErrorIs(t, err, store.ErrValidation)
	got, err = e.WithdrawCapital(ctx, "p1", dec("100"), "", false)
	require.NoError(t, err)
	assertDec(t, "0", got.CurrentCapital)

	_, err = e.AddCapital(ctx, "missing", dec("1"), "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChargeAndRefundExpense(t *testing.T) {
	sixty := dec("60")
	a := generalist("a", "50")
	a.SharesExpenses = true
	a.ExpenseSharePercentage = &sixty
	b := generalist("b", "40")
	b.SharesExpenses = true
	c := generalist("c", "10")
	e, repo := newEngine(a, b, c)
	ctx := context.Background()
	expense := domain.Expense{ID: "exp-1", Type: domain.ExpenseTypeExpense, Category: "rent", Amount: dec("250")}

	dists, err := e.ChargeExpense(ctx, expense)
	require.NoError(t, err)
	require.Len(t, dists, 2)
	assertDec(t, "150", dists[0].Amount)
	assertDec(t, "100", dists[1].Amount)

	_, err = e.ChargeExpense(ctx, expense)
	require.NoError(t, err)
	assertDec(t, "-150", repo.byID(t, "a").CurrentBalance)
	assertDec(t, "-100", repo.byID(t, "b").CurrentBalance)
	assertDec(t, "0", repo.byID(t, "c").CurrentBalance)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assertDec(t, "250", stats.TotalExpensesPaid)
	assert.Equal(t, 3, stats.GeneralistCount)
	assertDec(t, "100", stats.GeneralistShare)

	require.NoError(t, e.RefundExpense(ctx, "exp-1"))
	require.NoError(t, e.RefundExpense(ctx, "exp-1"))
	assertDec(t, "0", repo.byID(t, "a").CurrentBalance)
	assertDec(t, "0", repo.byID(t, "b").CurrentBalance)
	assert.Empty(t, repo.byID(t, "a").ExpenseHistory)
}

func TestIncomeIsNotCharged(t *testing.T) {
	a := generalist("a", "50")
	a.SharesExpenses = true
	e, repo := newEngine(a)

	dists, err := e.ChargeExpense(context.Background(), domain.Expense{ID: "inc-1", Type: domain.ExpenseTypeIncome, Amount: dec("10")})
	require.NoError(t, err)
	assert.Empty(t, dists)
	assert.Equal(t, 0, repo.updates)
}
