package partners

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

type CreateRequest struct {
	Name                   string                 `json:"name"`
	Phone                  string                 `json:"phone"`
	AccessAll              bool                   `json:"accessAll"`
	SharePercentage        decimal.Decimal        `json:"sharePercentage"`
	CategoryShares         []domain.CategoryShare `json:"categoryShares"`
	SharesExpenses         bool                   `json:"sharesExpenses"`
	ExpenseSharePercentage *decimal.Decimal       `json:"expenseSharePercentage,omitempty"`
	InitialCapital         decimal.Decimal        `json:"initialCapital"`
}

func validPercentage(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(hundred)
}

func (e *Engine) Create(ctx context.Context, req CreateRequest) (domain.Partner, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Partner{}, store.Invalid("partner name is required")
	}
	if !validPercentage(req.SharePercentage) {
		return domain.Partner{}, store.Invalid("share percentage must be between 0 and 100")
	}
	if req.ExpenseSharePercentage != nil && !validPercentage(*req.ExpenseSharePercentage) {
		return domain.Partner{}, store.Invalid("expense share percentage must be between 0 and 100")
	}
	for _, cs := range req.CategoryShares {
		if strings.TrimSpace(cs.Category) == "" || !validPercentage(cs.Percentage) {
			return domain.Partner{}, store.Invalid("invalid category share %q", cs.Category)
		}
	}
	if req.InitialCapital.IsNegative() {
		return domain.Partner{}, store.Invalid("initial capital cannot be negative")
	}

	now := e.clock.Now()
	p := domain.Partner{
		ID:                     xid.New("ptr"),
		Name:                   req.Name,
		Phone:                  strings.TrimSpace(req.Phone),
		AccessAll:              req.AccessAll,
		SharePercentage:        req.SharePercentage,
		CategoryShares:         req.CategoryShares,
		SharesExpenses:         req.SharesExpenses,
		ExpenseSharePercentage: req.ExpenseSharePercentage,
		InitialCapital:         req.InitialCapital,
		CurrentCapital:         req.InitialCapital,
		ProfitHistory:          []domain.ProfitRecord{},
		PendingProfitDetails:   []domain.PendingProfitDetail{},
		WithdrawalHistory:      []domain.Withdrawal{},
		CapitalHistory:         []domain.CapitalMovement{},
		ExpenseHistory:         []domain.PartnerExpense{},
		JoinedAt:               now,
	}
	if p.CategoryShares == nil {
		p.CategoryShares = []domain.CategoryShare{}
	}
	if err := store.Require(e.repo.InsertPartner(ctx, p)); err != nil {
		return domain.Partner{}, err
	}
	return p, nil
}

func (e *Engine) List(ctx context.Context) ([]domain.Partner, error) {
	return e.repo.Partners(ctx)
}

func (e *Engine) get(ctx context.Context, id string) (domain.Partner, error) {
	partners, err := e.repo.FreshPartners(ctx)
	if err != nil {
		return domain.Partner{}, err
	}
	for _, p := range partners {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Partner{}, fmt.Errorf("%w: partner %s", store.ErrNotFound, id)
}

func (e *Engine) save(ctx context.Context, p domain.Partner) error {
	return store.Require(e.repo.UpdatePartner(ctx, p))
}

func requirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return store.Invalid("amount must be greater than zero")
	}
	return nil
}

func (e *Engine) AddCapital(ctx context.Context, id string, amount decimal.Decimal, notes string) (domain.Partner, error) {
	if err := requirePositive(amount); err != nil {
		return domain.Partner{}, err
	}
	p, err := e.get(ctx, id)
	if err != nil {
		return domain.Partner{}, err
	}
	p.InitialCapital = p.InitialCapital.Add(amount)
	p.CurrentCapital = p.CurrentCapital.Add(amount)
	p.CapitalHistory = append(p.CapitalHistory, domain.CapitalMovement{
		ID:        xid.New("cap"),
		Amount:    amount,
		Type:      domain.CapitalDeposit,
		Notes:     notes,
		CreatedAt: e.clock.Now(),
	})
	if err := e.save(ctx, p); err != nil {
		return domain.Partner{}, err
	}
	return p, nil
}

// WithdrawProfit pays out of currentBalance. Unless allowNegative is set
// the balance may not go below zero.
func (e *Engine) WithdrawProfit(ctx context.Context, id string, amount decimal.Decimal, notes string, allowNegative bool) (domain.Partner, error) {
	if err := requirePositive(amount); err != nil {
		return domain.Partner{}, err
	}
	p, err := e.get(ctx, id)
	if err != nil {
		return domain.Partner{}, err
	}
	if !allowNegative && amount.GreaterThan(p.CurrentBalance) {
		return domain.Partner{}, store.Invalid("withdrawal of %s exceeds balance %s", amount, p.CurrentBalance)
	}
	e.takeProfit(&p, amount, notes)
	if err := e.save(ctx, p); err != nil {
		return domain.Partner{}, err
	}
	return p, nil
}

func (e *Engine) WithdrawCapital(ctx context.Context, id string, amount decimal.Decimal, notes string, allowNegative bool) (domain.Partner, error) {
	if err := requirePositive(amount); err != nil {
		return domain.Partner{}, err
	}
	p, err := e.get(ctx, id)
	if err != nil {
		return domain.Partner{}, err
	}
	if !allowNegative && amount.GreaterThan(p.CurrentCapital) {
		return domain.Partner{}, store.Invalid("withdrawal of %s exceeds capital %s", amount, p.CurrentCapital)
	}
	e.takeCapital(&p, amount, notes)
	if err := e.save(ctx, p); err != nil {
		return domain.Partner{}, err
	}
	return p, nil
}

// SmartWithdraw drains profit balance first and takes the rest from capital.
func (e *Engine) SmartWithdraw(ctx context.Context, id string, amount decimal.Decimal, notes string) (domain.SmartWithdrawResult, error) {
	if err := requirePositive(amount); err != nil {
		return domain.SmartWithdrawResult{}, err
	}
	p, err := e.get(ctx, id)
	if err != nil {
		return domain.SmartWithdrawResult{}, err
	}
	available := p.CurrentBalance.Add(p.CurrentCapital)
	if amount.GreaterThan(available) {
		return domain.SmartWithdrawResult{}, store.Invalid("withdrawal of %s exceeds balance and capital %s", amount, available)
	}

	var result domain.SmartWithdrawResult
	remaining := amount
	if p.CurrentBalance.IsPositive() {
		result.FromProfit = decimal.Min(remaining, p.CurrentBalance)
		e.takeProfit(&p, result.FromProfit, withSource(notes, "from profit"))
		remaining = remaining.Sub(result.FromProfit)
	}
	if remaining.IsPositive() {
		result.FromCapital = remaining
		e.takeCapital(&p, remaining, withSource(notes, "from capital"))
	}
	if err := e.save(ctx, p); err != nil {
		return domain.SmartWithdrawResult{}, err
	}
	return result, nil
}

func withSource(notes string, source string) string {
	if notes == "" {
		return source
	}
	return notes + " (" + source + ")"
}

func (e *Engine) takeProfit(p *domain.Partner, amount decimal.Decimal, notes string) {
	p.CurrentBalance = p.CurrentBalance.Sub(amount)
	p.TotalWithdrawn = p.TotalWithdrawn.Add(amount)
	p.WithdrawalHistory = append(p.WithdrawalHistory, domain.Withdrawal{
		ID:        xid.New("wdr"),
		Amount:    amount,
		Source:    domain.WithdrawalSourceProfit,
		Notes:     notes,
		CreatedAt: e.clock.Now(),
	})
}

func (e *Engine) takeCapital(p *domain.Partner, amount decimal.Decimal, notes string) {
	now := e.clock.Now()
	p.CurrentCapital = p.CurrentCapital.Sub(amount)
	p.WithdrawalHistory = append(p.WithdrawalHistory, domain.Withdrawal{
		ID:        xid.New("wdr"),
		Amount:    amount,
		Source:    domain.WithdrawalSourceCapital,
		Notes:     notes,
		CreatedAt: now,
	})
	p.CapitalHistory = append(p.CapitalHistory, domain.CapitalMovement{
		ID:        xid.New("cap"),
		Amount:    amount,
		Type:      domain.CapitalWithdrawal,
		Notes:     notes,
		CreatedAt: now,
	})
}

func expenseShare(p domain.Partner) decimal.Decimal {
	if p.ExpenseSharePercentage != nil {
		return *p.ExpenseSharePercentage
	}
	return p.SharePercentage
}

// ChargeExpense splits an expense across partners that share expenses, in
// proportion to their expense share, and deducts each part from their
// balance. Partners already charged for the expense are skipped.
func (e *Engine) ChargeExpense(ctx context.Context, expense domain.Expense) ([]domain.ExpenseDistribution, error) {
	if expense.Type == domain.ExpenseTypeIncome || !expense.Amount.IsPositive() {
		return nil, nil
	}
	partners, err := e.repo.FreshPartners(ctx)
	if err != nil {
		return nil, err
	}

	sharing := make([]domain.Partner, 0, len(partners))
	pool := decimal.Zero
	for _, p := range partners {
		if p.SharesExpenses && expenseShare(p).IsPositive() {
			sharing = append(sharing, p)
			pool = pool.Add(expenseShare(p))
		}
	}
	if !pool.IsPositive() {
		return nil, nil
	}

	now := e.clock.Now()
	distributions := make([]domain.ExpenseDistribution, 0, len(sharing))
	given := decimal.Zero
	for i, p := range sharing {
		amount := expense.Amount.Mul(expenseShare(p)).Div(pool)
		if i == len(sharing)-1 {
			amount = expense.Amount.Sub(given)
		}
		given = given.Add(amount)
		distributions = append(distributions, domain.ExpenseDistribution{PartnerID: p.ID, Amount: amount})

		if chargedFor(p, expense.ID) {
			continue
		}
		p.CurrentBalance = p.CurrentBalance.Sub(amount)
		p.TotalExpensesPaid = p.TotalExpensesPaid.Add(amount)
		p.ExpenseHistory = append(p.ExpenseHistory, domain.PartnerExpense{
			ExpenseID: expense.ID,
			Category:  expense.Category,
			Amount:    amount,
			CreatedAt: now,
		})
		if err := e.post(ctx, p); err != nil {
			return distributions, fmt.Errorf("charge expense to partner %s: %w", p.ID, err)
		}
	}
	return distributions, nil
}

// RefundExpense undoes ChargeExpense using the partners' own expense
// history, so it is safe to call more than once.
func (e *Engine) RefundExpense(ctx context.Context, expenseID string) error {
	partners, err := e.repo.FreshPartners(ctx)
	if err != nil {
		return err
	}
	for _, p := range partners {
		refund := decimal.Zero
		history := make([]domain.PartnerExpense, 0, len(p.ExpenseHistory))
		for _, h := range p.ExpenseHistory {
			if h.ExpenseID == expenseID {
				refund = refund.Add(h.Amount)
				continue
			}
			history = append(history, h)
		}
		if len(history) == len(p.ExpenseHistory) {
			continue
		}
		p.CurrentBalance = p.CurrentBalance.Add(refund)
		p.TotalExpensesPaid = p.TotalExpensesPaid.Sub(refund)
		p.ExpenseHistory = history
		if err := e.post(ctx, p); err != nil {
			return fmt.Errorf("refund expense to partner %s: %w", p.ID, err)
		}
	}
	return nil
}

func chargedFor(p domain.Partner, expenseID string) bool {
	for _, h := range p.ExpenseHistory {
		if h.ExpenseID == expenseID {
			return true
		}
	}
	return false
}

func (e *Engine) Stats(ctx context.Context) (domain.PartnerStats, error) {
	partners, err := e.repo.Partners(ctx)
	if err != nil {
		return domain.PartnerStats{}, err
	}
	return Summarize(partners), nil
}

func Summarize(partners []domain.Partner) domain.PartnerStats {
	stats := domain.PartnerStats{TotalPartners: len(partners)}
	for _, p := range partners {
		if p.AccessAll {
			stats.GeneralistCount++
			stats.GeneralistShare = stats.GeneralistShare.Add(p.SharePercentage)
		} else {
			stats.SpecialistCount++
		}
		stats.TotalCapital = stats.TotalCapital.Add(p.CurrentCapital)
		stats.TotalInitialCapital = stats.TotalInitialCapital.Add(p.InitialCapital)
		stats.TotalBalance = stats.TotalBalance.Add(p.CurrentBalance)
		stats.TotalConfirmedProfit = stats.TotalConfirmedProfit.Add(p.ConfirmedProfit)
		stats.TotalPendingProfit = stats.TotalPendingProfit.Add(p.PendingProfit)
		stats.TotalWithdrawn = stats.TotalWithdrawn.Add(p.TotalWithdrawn)
		stats.TotalExpensesPaid = stats.TotalExpensesPaid.Add(p.TotalExpensesPaid)
	}
	return stats
}
