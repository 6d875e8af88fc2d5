package partners

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledgerpos/backend/internal/clock"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

var hundred = decimal.NewFromInt(100)

// Repository is the partner table as the engine needs it. Reads must not be
// served from a stale cache because every posting rewrites balances.
type Repository interface {
	Partners(ctx context.Context) ([]domain.Partner, error)
	FreshPartners(ctx context.Context) ([]domain.Partner, error)
	InsertPartner(ctx context.Context, p domain.Partner) (store.PermissionDecision, error)
	UpdatePartner(ctx context.Context, p domain.Partner) (store.PermissionDecision, error)
}

type Engine struct {
	repo  Repository
	clock clock.Clock
	log   *zap.Logger
}

func NewEngine(repo Repository, clk clock.Clock, log *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{repo: repo, clock: clk, log: log.Named("partners")}
}

type Award struct {
	PartnerID  string          `json:"partnerId"`
	Category   string          `json:"category"`
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
	Specialist bool            `json:"specialist"`
}

// Allocate splits one category's profit. Specialists take their category
// percentage of the full profit first; whatever is left, if positive, goes
// to generalists in proportion to their share percentage. Specialist
// percentages above 100 in total leave nothing for generalists and are not
// scaled down.
func Allocate(partners []domain.Partner, category string, profit decimal.Decimal) []Award {
	if !profit.IsPositive() {
		return nil
	}

	awards := make([]Award, 0, len(partners))
	remaining := profit
	for _, p := range partners {
		if p.AccessAll {
			continue
		}
		share, ok := categoryShare(p, category)
		if !ok || !share.Percentage.IsPositive() {
			continue
		}
		amount := profit.Mul(share.Percentage).Div(hundred)
		remaining = remaining.Sub(amount)
		awards = append(awards, Award{
			PartnerID:  p.ID,
			Category:   category,
			Amount:     amount,
			Percentage: share.Percentage,
			Specialist: true,
		})
	}

	if !remaining.IsPositive() {
		return awards
	}

	generalists := make([]domain.Partner, 0, len(partners))
	pool := decimal.Zero
	for _, p := range partners {
		if p.AccessAll && p.SharePercentage.IsPositive() {
			generalists = append(generalists, p)
			pool = pool.Add(p.SharePercentage)
		}
	}
	if !pool.IsPositive() {
		return awards
	}

	given := decimal.Zero
	for i, p := range generalists {
		amount := remaining.Mul(p.SharePercentage).Div(pool)
		if i == len(generalists)-1 {
			// the last generalist absorbs division rounding so the phase
			// hands out exactly what remained
			amount = remaining.Sub(given)
		}
		given = given.Add(amount)
		awards = append(awards, Award{
			PartnerID:  p.ID,
			Category:   category,
			Amount:     amount,
			Percentage: p.SharePercentage.Mul(hundred).Div(pool),
		})
	}
	return awards
}

func categoryShare(p domain.Partner, category string) (domain.CategoryShare, bool) {
	for _, cs := range p.CategoryShares {
		if cs.Enabled && cs.Category == category {
			return cs, true
		}
	}
	return domain.CategoryShare{}, false
}

type DistributionInput struct {
	InvoiceID       string
	CustomerName    string
	IsDebt          bool
	CategoryProfits map[string]decimal.Decimal
}

// Distribute allocates every category and posts the awards. A partner that
// already holds a profit record for the invoice is left alone, so calling
// it again for the same invoice posts nothing twice.
func (e *Engine) Distribute(ctx context.Context, in DistributionInput) ([]Award, error) {
	if in.InvoiceID == "" {
		return nil, store.Invalid("invoice id is required")
	}
	partners, err := e.repo.FreshPartners(ctx)
	if err != nil {
		return nil, err
	}
	if len(partners) == 0 || len(in.CategoryProfits) == 0 {
		return nil, nil
	}

	categories := make([]string, 0, len(in.CategoryProfits))
	for category := range in.CategoryProfits {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	awards := make([]Award, 0)
	for _, category := range categories {
		awards = append(awards, Allocate(partners, category, in.CategoryProfits[category])...)
	}
	if len(awards) == 0 {
		return nil, nil
	}

	now := e.clock.Now()
	byID := indexPartners(partners)
	posted := make(map[string]bool, len(partners))
	for _, p := range partners {
		posted[p.ID] = hasProfitRecord(p, in.InvoiceID)
	}

	touched := make([]string, 0)
	for _, award := range awards {
		p := byID[award.PartnerID]
		if posted[p.ID] {
			continue
		}
		if in.IsDebt {
			p.PendingProfit = p.PendingProfit.Add(award.Amount)
			p.PendingProfitDetails = append(p.PendingProfitDetails, domain.PendingProfitDetail{
				InvoiceID:    in.InvoiceID,
				Amount:       award.Amount,
				CustomerName: in.CustomerName,
				CreatedAt:    now,
			})
		} else {
			p.ConfirmedProfit = p.ConfirmedProfit.Add(award.Amount)
			p.CurrentBalance = p.CurrentBalance.Add(award.Amount)
			p.TotalProfitEarned = p.TotalProfitEarned.Add(award.Amount)
		}
		p.ProfitHistory = append(p.ProfitHistory, domain.ProfitRecord{
			ID:        xid.New("prf"),
			InvoiceID: in.InvoiceID,
			Amount:    award.Amount,
			Category:  award.Category,
			IsDebt:    in.IsDebt,
			CreatedAt: now,
		})
		touched = appendOnce(touched, p.ID)
	}

	for _, id := range touched {
		if err := e.post(ctx, *byID[id]); err != nil {
			return awards, fmt.Errorf("post profit for partner %s: %w", id, err)
		}
	}
	if len(touched) > 0 {
		e.log.Info("profit distributed",
			zap.String("invoice_id", in.InvoiceID),
			zap.Bool("is_debt", in.IsDebt),
			zap.Int("awards", len(awards)),
			zap.Int("partners", len(touched)))
	}
	return awards, nil
}

// ConfirmPendingProfit realizes ratio of every pending detail held for the
// invoice. With ratio 1 the details are consumed; below 1 the unconfirmed
// remainder stays pending under the same invoice and remembers key, so the
// same confirmation is not taken twice.
func (e *Engine) ConfirmPendingProfit(ctx context.Context, invoiceID string, ratio decimal.Decimal, key string) error {
	if invoiceID == "" || !ratio.IsPositive() {
		return nil
	}
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}

	partners, err := e.repo.FreshPartners(ctx)
	if err != nil {
		return err
	}
	full := ratio.Equal(decimal.NewFromInt(1))
	for _, p := range partners {
		confirmed := decimal.Zero
		details := make([]domain.PendingProfitDetail, 0, len(p.PendingProfitDetails))
		for _, d := range p.PendingProfitDetails {
			if d.InvoiceID != invoiceID || (key != "" && slices.Contains(d.Confirmations, key)) {
				details = append(details, d)
				continue
			}
			part := d.Amount
			if !full {
				part = d.Amount.Mul(ratio)
			}
			confirmed = confirmed.Add(part)
			if left := d.Amount.Sub(part); left.IsPositive() {
				d.Amount = left
				if key != "" {
					d.Confirmations = append(slices.Clone(d.Confirmations), key)
				}
				details = append(details, d)
			}
		}
		if confirmed.IsZero() {
			continue
		}

		p.PendingProfitDetails = details
		p.PendingProfit = p.PendingProfit.Sub(confirmed)
		p.ConfirmedProfit = p.ConfirmedProfit.Add(confirmed)
		p.CurrentBalance = p.CurrentBalance.Add(confirmed)
		p.TotalProfitEarned = p.TotalProfitEarned.Add(confirmed)
		if err := e.post(ctx, p); err != nil {
			return fmt.Errorf("confirm profit for partner %s: %w", p.ID, err)
		}
		e.log.Info("pending profit confirmed",
			zap.String("partner_id", p.ID),
			zap.String("invoice_id", invoiceID),
			zap.String("amount", confirmed.String()))
	}
	return nil
}

// Revert removes everything the invoice ever posted. The recorded total is
// split into what is still pending and what was already confirmed, and each
// part comes off the bucket it sits in.
func (e *Engine) Revert(ctx context.Context, invoiceID string) error {
	partners, err := e.repo.FreshPartners(ctx)
	if err != nil {
		return err
	}
	for _, p := range partners {
		recorded := decimal.Zero
		history := make([]domain.ProfitRecord, 0, len(p.ProfitHistory))
		for _, r := range p.ProfitHistory {
			if r.InvoiceID == invoiceID {
				recorded = recorded.Add(r.Amount)
				continue
			}
			history = append(history, r)
		}
		pendingLeft := decimal.Zero
		details := make([]domain.PendingProfitDetail, 0, len(p.PendingProfitDetails))
		for _, d := range p.PendingProfitDetails {
			if d.InvoiceID == invoiceID {
				pendingLeft = pendingLeft.Add(d.Amount)
				continue
			}
			details = append(details, d)
		}
		if len(history) == len(p.ProfitHistory) && len(details) == len(p.PendingProfitDetails) {
			continue
		}

		confirmedPortion := recorded.Sub(pendingLeft)
		p.PendingProfit = p.PendingProfit.Sub(pendingLeft)
		p.ConfirmedProfit = p.ConfirmedProfit.Sub(confirmedPortion)
		p.CurrentBalance = p.CurrentBalance.Sub(confirmedPortion)
		p.TotalProfitEarned = p.TotalProfitEarned.Sub(confirmedPortion)
		p.ProfitHistory = history
		p.PendingProfitDetails = details
		if err := e.post(ctx, p); err != nil {
			return fmt.Errorf("revert profit for partner %s: %w", p.ID, err)
		}
		e.log.Info("profit reverted",
			zap.String("partner_id", p.ID),
			zap.String("invoice_id", invoiceID),
			zap.String("pending", pendingLeft.String()),
			zap.String("confirmed", confirmedPortion.String()))
	}
	return nil
}

// post writes a balance change that follows from a sale or payment. A
// rejection by the access rules is an error: the sale keeps its profit step
// open instead of losing the award.
func (e *Engine) post(ctx context.Context, p domain.Partner) error {
	decision, err := e.repo.UpdatePartner(ctx, p)
	if err != nil {
		return err
	}
	if decision == store.DecisionDenied {
		e.log.Warn("partner posting denied by access rules", zap.String("partner_id", p.ID))
	}
	return store.Require(decision, nil)
}

func hasProfitRecord(p domain.Partner, invoiceID string) bool {
	for _, r := range p.ProfitHistory {
		if r.InvoiceID == invoiceID {
			return true
		}
	}
	return false
}

func indexPartners(partners []domain.Partner) map[string]*domain.Partner {
	byID := make(map[string]*domain.Partner, len(partners))
	for i := range partners {
		byID[partners[i].ID] = &partners[i]
	}
	return byID
}

func appendOnce(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
