package bundle

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

// ProductSource is where stock levels are read from before a sale.
type ProductSource interface {
	Products(ctx context.Context) ([]domain.Product, error)
	ProductSnapshot(ctx context.Context) ([]domain.Product, bool, error)
}

type Validator struct {
	products ProductSource
	log      *zap.Logger
}

func NewValidator(products ProductSource, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{products: products, log: log.Named("bundle")}
}

// Validate rejects a bundle before anything is written or queued. Stock is
// checked against the live product list, or against the last saved
// snapshot when the remote cannot be reached. With neither available the
// bundle is marked StockUnchecked and its stock is checked when it is
// replayed.
func (v *Validator) Validate(ctx context.Context, b *domain.SaleBundle) error {
	b.StockUnchecked = false
	if err := checkShape(*b); err != nil {
		return err
	}

	products, err := v.products.Products(ctx)
	if err != nil {
		if !store.IsTransient(err) {
			return err
		}
		snapshot, found, snapErr := v.products.ProductSnapshot(ctx)
		if snapErr != nil {
			return snapErr
		}
		if !found {
			v.log.Warn("no product snapshot, stock checked on replay", zap.String("local_id", b.LocalID))
			b.StockUnchecked = true
			return nil
		}
		products = snapshot
	}

	if short := shortages(products, b.Items); len(short) > 0 {
		return &store.ValidationError{Reason: "insufficient stock", Shortages: short}
	}
	return nil
}

// shortages lists every line that asks for more than the products hold.
// A product missing from the list counts as zero available.
func shortages(products []domain.Product, items []domain.InvoiceItem) []store.StockShortage {
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	var out []store.StockShortage
	for _, line := range quantities(items) {
		p, ok := byID[line.productID]
		if !ok {
			out = append(out, store.StockShortage{ProductID: line.productID, Name: line.name, Requested: line.quantity})
			continue
		}
		if p.Quantity < line.quantity {
			out = append(out, store.StockShortage{
				ProductID: p.ID,
				Name:      p.Name,
				Requested: line.quantity,
				Available: p.Quantity,
			})
		}
	}
	return out
}

func checkShape(b domain.SaleBundle) error {
	if len(b.Items) == 0 {
		return store.Invalid("sale has no items")
	}
	for _, item := range b.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return store.Invalid("sale line without product")
		}
		if item.Quantity <= 0 {
			return store.Invalid("quantity for %s must be greater than zero", item.ProductID)
		}
		if item.UnitPrice.IsNegative() || item.CostPrice.IsNegative() {
			return store.Invalid("price for %s cannot be negative", item.ProductID)
		}
	}
	if b.Discount.IsNegative() {
		return store.Invalid("discount cannot be negative")
	}
	if b.Discount.GreaterThan(b.Subtotal()) {
		return store.Invalid("discount exceeds subtotal")
	}
	switch b.PaymentType {
	case domain.PaymentCash:
	case domain.PaymentDebt:
		if strings.TrimSpace(b.Customer.Name) == "" && b.Customer.ID == "" {
			return store.Invalid("debt sale needs a customer")
		}
		if b.PaidAmount.IsNegative() {
			return store.Invalid("paid amount cannot be negative")
		}
	default:
		return store.Invalid("unknown payment type %q", b.PaymentType)
	}
	return nil
}

type lineQuantity struct {
	productID string
	name      string
	quantity  int
}

// quantities merges repeated lines per product, ordered by product id.
func quantities(items []domain.InvoiceItem) []lineQuantity {
	merged := make(map[string]*lineQuantity)
	for _, item := range items {
		q, ok := merged[item.ProductID]
		if !ok {
			q = &lineQuantity{productID: item.ProductID, name: item.Name}
			merged[item.ProductID] = q
		}
		q.quantity += item.Quantity
	}
	out := make([]lineQuantity, 0, len(merged))
	for _, q := range merged {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].productID < out[j].productID })
	return out
}
