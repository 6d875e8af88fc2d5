package bundle

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledgerpos/backend/internal/clock"
	"ledgerpos/backend/internal/cloud"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/partners"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

type Remote interface {
	Products(ctx context.Context) ([]domain.Product, error)
	FindCustomer(ctx context.Context, name string, phone string) (*domain.Customer, error)
	InsertCustomer(ctx context.Context, c domain.Customer) (store.PermissionDecision, error)
	InvoiceByLocalID(ctx context.Context, localID string) (*domain.Invoice, error)
	InsertInvoice(ctx context.Context, inv domain.Invoice) (store.PermissionDecision, error)
	UpdateInvoice(ctx context.Context, inv domain.Invoice) (store.PermissionDecision, error)
	AdjustStock(ctx context.Context, productID string, delta int, key string) (store.PermissionDecision, error)
	AdjustCustomerStats(ctx context.Context, customerID string, stats cloud.CustomerStats) (store.PermissionDecision, error)
}

type DebtRecorder interface {
	Create(ctx context.Context, d domain.Debt) (domain.Debt, bool, error)
}

type ProfitPoster interface {
	Distribute(ctx context.Context, in partners.DistributionInput) ([]partners.Award, error)
	ConfirmPendingProfit(ctx context.Context, invoiceID string, ratio decimal.Decimal, key string) error
}

type CashPoster interface {
	RecordSale(ctx context.Context, amount decimal.Decimal, cogs decimal.Decimal, grossProfit decimal.Decimal, reference string) (domain.CashboxState, error)
}

type Deps struct {
	Remote  Remote
	Debts   DebtRecorder
	Profits ProfitPoster
	Cashbox CashPoster
	Clock   clock.Clock
	Log     *zap.Logger
}

// runner carries a sale through its dependent writes. Every completed step
// is flagged on the invoice, so running the same bundle again picks up
// where the last attempt stopped. Writes that are not guarded by a flag
// alone carry a key derived from the invoice id, because the flag can fail
// to save after the write itself landed.
type runner struct {
	remote  Remote
	debts   DebtRecorder
	profits ProfitPoster
	cashbox CashPoster
	clock   clock.Clock
	log     *zap.Logger
}

func newRunner(d Deps, name string) runner {
	r := runner{
		remote:  d.Remote,
		debts:   d.Debts,
		profits: d.Profits,
		cashbox: d.Cashbox,
		clock:   d.Clock,
		log:     d.Log,
	}
	if r.clock == nil {
		r.clock = clock.Real{}
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	r.log = r.log.Named(name)
	return r
}

type CashSaleHandler struct {
	runner
}

func NewCashSaleHandler(d Deps) *CashSaleHandler {
	return &CashSaleHandler{runner: newRunner(d, "cash_sale")}
}

func (h *CashSaleHandler) Apply(ctx context.Context, b domain.SaleBundle) (domain.Invoice, error) {
	if b.IsDebt() {
		return domain.Invoice{}, store.Invalid("debt sale sent to the cash handler")
	}
	return h.apply(ctx, b)
}

type DebtSaleHandler struct {
	runner
}

func NewDebtSaleHandler(d Deps) *DebtSaleHandler {
	return &DebtSaleHandler{runner: newRunner(d, "debt_sale")}
}

func (h *DebtSaleHandler) Apply(ctx context.Context, b domain.SaleBundle) (domain.Invoice, error) {
	if !b.IsDebt() {
		return domain.Invoice{}, store.Invalid("cash sale sent to the debt handler")
	}
	return h.apply(ctx, b)
}

func (r runner) apply(ctx context.Context, b domain.SaleBundle) (domain.Invoice, error) {
	if strings.TrimSpace(b.LocalID) == "" {
		return domain.Invoice{}, store.Invalid("sale has no local id")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = r.clock.Now()
	}

	existing, err := r.remote.InvoiceByLocalID(ctx, b.LocalID)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("look up invoice %s: %w", b.LocalID, err)
	}

	var inv domain.Invoice
	if existing != nil {
		if existing.Status == domain.InvoiceStatusCancelled {
			return *existing, nil
		}
		inv = *existing
		r.log.Info("resuming sale", zap.String("local_id", b.LocalID), zap.String("invoice_id", inv.ID))
	} else {
		if b.StockUnchecked {
			if err := r.checkStock(ctx, b); err != nil {
				return domain.Invoice{}, err
			}
		}
		customer, err := r.resolveCustomer(ctx, b)
		if err != nil {
			return domain.Invoice{}, err
		}
		inv = newInvoice(b, customer)
		if err := store.Require(r.remote.InsertInvoice(ctx, inv)); err != nil {
			return domain.Invoice{}, fmt.Errorf("insert invoice %s: %w", b.LocalID, err)
		}
		r.log.Info("invoice created",
			zap.String("local_id", b.LocalID),
			zap.String("invoice_id", inv.ID),
			zap.String("total", inv.Total.String()))
	}

	steps := []struct {
		name string
		done func(domain.InvoiceProgress) bool
		run  func(context.Context, *domain.Invoice, domain.SaleBundle) error
	}{
		{"stock", func(p domain.InvoiceProgress) bool { return p.StockDeducted }, r.deductStock},
		{"debt", func(p domain.InvoiceProgress) bool { return p.DebtRecorded }, r.recordDebt},
		{"profit", func(p domain.InvoiceProgress) bool { return p.ProfitDistributed }, r.distributeProfit},
		{"upfront", func(p domain.InvoiceProgress) bool { return p.UpfrontConfirmed }, r.confirmUpfront},
		{"customer", func(p domain.InvoiceProgress) bool { return p.CustomerUpdated }, r.updateCustomer},
		{"cashbox", func(p domain.InvoiceProgress) bool { return p.CashboxPosted }, r.postCashbox},
	}
	for _, step := range steps {
		if step.done(inv.Progress) {
			continue
		}
		if err := step.run(ctx, &inv, b); err != nil {
			return inv, fmt.Errorf("sale %s %s step: %w", b.LocalID, step.name, err)
		}
	}
	return inv, nil
}

// checkStock runs the stock check that was skipped when the sale was taken
// offline without a product snapshot.
func (r runner) checkStock(ctx context.Context, b domain.SaleBundle) error {
	products, err := r.remote.Products(ctx)
	if err != nil {
		return fmt.Errorf("load products for %s: %w", b.LocalID, err)
	}
	if short := shortages(products, b.Items); len(short) > 0 {
		r.log.Warn("queued sale exceeds stock",
			zap.String("local_id", b.LocalID),
			zap.Int("shortages", len(short)))
		return &store.ValidationError{Reason: "insufficient stock", Shortages: short}
	}
	return nil
}

func (r runner) resolveCustomer(ctx context.Context, b domain.SaleBundle) (domain.CustomerRef, error) {
	ref := b.Customer
	ref.Name = strings.TrimSpace(ref.Name)
	ref.Phone = strings.TrimSpace(ref.Phone)
	if ref.ID != "" || ref.Name == "" {
		return ref, nil
	}

	found, err := r.remote.FindCustomer(ctx, ref.Name, ref.Phone)
	if err != nil {
		return ref, fmt.Errorf("find customer: %w", err)
	}
	if found != nil {
		ref.ID = found.ID
		return ref, nil
	}

	customer := domain.Customer{
		ID:        xid.New("cus"),
		Name:      ref.Name,
		Phone:     ref.Phone,
		CreatedAt: r.clock.Now(),
	}
	decision, err := r.remote.InsertCustomer(ctx, customer)
	if err != nil {
		return ref, fmt.Errorf("insert customer: %w", err)
	}
	if decision == store.DecisionDenied {
		r.log.Warn("customer insert denied, invoice keeps the name only", zap.String("customer", ref.Name))
		return ref, nil
	}
	ref.ID = customer.ID
	return ref, nil
}

func newInvoice(b domain.SaleBundle, customer domain.CustomerRef) domain.Invoice {
	total := b.Total()
	paid := b.CashCollected()
	status := domain.InvoiceStatusPaid
	if b.IsDebt() {
		switch {
		case paid.GreaterThanOrEqual(total):
			status = domain.InvoiceStatusPaid
		case paid.IsPositive():
			status = domain.InvoiceStatusPartial
		default:
			status = domain.InvoiceStatusUnpaid
		}
	}
	return domain.Invoice{
		ID:              xid.New("inv"),
		LocalID:         b.LocalID,
		InvoiceNumber:   invoiceNumber(b),
		CustomerID:      customer.ID,
		CustomerName:    customer.Name,
		Items:           b.Items,
		Subtotal:        b.Subtotal(),
		Discount:        b.Discount,
		Total:           total,
		PaidAmount:      paid,
		RemainingAmount: total.Sub(paid),
		PaymentType:     b.PaymentType,
		Status:          status,
		DueDate:         b.DueDate,
		CreatedAt:       b.CreatedAt,
	}
}

func invoiceNumber(b domain.SaleBundle) string {
	suffix := strings.ToUpper(b.LocalID)
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return fmt.Sprintf("INV-%s-%s", b.CreatedAt.UTC().Format("20060102"), suffix)
}

// saveProgress writes the step flags back to the invoice row.
func (r runner) saveProgress(ctx context.Context, inv *domain.Invoice) error {
	if err := store.Require(r.remote.UpdateInvoice(ctx, *inv)); err != nil {
		return fmt.Errorf("save invoice progress: %w", err)
	}
	return nil
}

// soft accepts a denied write on a non-critical step.
func (r runner) soft(step string, inv *domain.Invoice, decision store.PermissionDecision, err error) error {
	if err != nil {
		return err
	}
	switch decision {
	case store.DecisionAllowed:
		return nil
	case store.DecisionDenied:
		r.log.Warn("write denied, continuing", zap.String("step", step), zap.String("invoice_id", inv.ID))
		return nil
	default:
		return fmt.Errorf("%w: %s outcome unknown", store.ErrTransient, step)
	}
}

func (r runner) deductStock(ctx context.Context, inv *domain.Invoice, b domain.SaleBundle) error {
	for _, line := range quantities(inv.Items) {
		if slices.Contains(inv.Progress.StockProducts, line.productID) {
			continue
		}
		decision, err := r.remote.AdjustStock(ctx, line.productID, -line.quantity, "sale:"+inv.ID+":stock:"+line.productID)
		if err := r.soft("stock", inv, decision, err); err != nil {
			return err
		}
		inv.Progress.StockProducts = append(inv.Progress.StockProducts, line.productID)
		if err := r.saveProgress(ctx, inv); err != nil {
			return err
		}
	}
	inv.Progress.StockDeducted = true
	inv.Progress.StockProducts = nil
	return r.saveProgress(ctx, inv)
}

func (r runner) recordDebt(ctx context.Context, inv *domain.Invoice, b domain.SaleBundle) error {
	if b.IsDebt() && inv.RemainingAmount.IsPositive() {
		debt := domain.Debt{
			InvoiceID:    inv.ID,
			CustomerID:   inv.CustomerID,
			CustomerName: inv.CustomerName,
			TotalDebt:    inv.RemainingAmount,
		}
		if inv.DueDate != nil {
			debt.DueDate = *inv.DueDate
		}
		if _, _, err := r.debts.Create(ctx, debt); err != nil {
			return err
		}
	}
	inv.Progress.DebtRecorded = true
	return r.saveProgress(ctx, inv)
}

func (r runner) distributeProfit(ctx context.Context, inv *domain.Invoice, b domain.SaleBundle) error {
	profits := b.CategoryProfits()
	for category, profit := range profits {
		if !profit.IsPositive() {
			delete(profits, category)
		}
	}
	if len(profits) > 0 {
		_, err := r.profits.Distribute(ctx, partners.DistributionInput{
			InvoiceID:       inv.ID,
			CustomerName:    inv.CustomerName,
			IsDebt:          b.IsDebt() && inv.RemainingAmount.IsPositive(),
			CategoryProfits: profits,
		})
		if err != nil {
			return err
		}
	}
	inv.Progress.ProfitDistributed = true
	return r.saveProgress(ctx, inv)
}

// confirmUpfront releases the profit share covered by money paid at the
// counter on a debt sale.
func (r runner) confirmUpfront(ctx context.Context, inv *domain.Invoice, b domain.SaleBundle) error {
	if b.IsDebt() && inv.RemainingAmount.IsPositive() && inv.PaidAmount.IsPositive() && inv.Total.IsPositive() {
		ratio := inv.PaidAmount.Div(inv.Total)
		if err := r.profits.ConfirmPendingProfit(ctx, inv.ID, ratio, "upfront:"+inv.ID); err != nil {
			return err
		}
	}
	inv.Progress.UpfrontConfirmed = true
	return r.saveProgress(ctx, inv)
}

func (r runner) updateCustomer(ctx context.Context, inv *domain.Invoice, b domain.SaleBundle) error {
	if inv.CustomerID != "" {
		purchased := inv.CreatedAt
		decision, err := r.remote.AdjustCustomerStats(ctx, inv.CustomerID, cloud.CustomerStats{
			Key:          "sale:" + inv.ID + ":customer",
			Purchases:    inv.Total,
			Debt:         inv.RemainingAmount,
			InvoiceCount: 1,
			LastPurchase: &purchased,
		})
		if err := r.soft("customer", inv, decision, err); err != nil {
			return err
		}
	}
	inv.Progress.CustomerUpdated = true
	return r.saveProgress(ctx, inv)
}

func (r runner) postCashbox(ctx context.Context, inv *domain.Invoice, b domain.SaleBundle) error {
	if inv.PaidAmount.IsPositive() && inv.Total.IsPositive() {
		cogs := inv.COGS()
		profit := inv.Total.Sub(cogs)
		if inv.PaidAmount.LessThan(inv.Total) {
			share := inv.PaidAmount.Div(inv.Total)
			cogs = cogs.Mul(share)
			profit = profit.Mul(share)
		}
		if _, err := r.cashbox.RecordSale(ctx, inv.PaidAmount, cogs, profit, inv.ID); err != nil {
			return err
		}
	}
	inv.Progress.CashboxPosted = true
	return r.saveProgress(ctx, inv)
}
