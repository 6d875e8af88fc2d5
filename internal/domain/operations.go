package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OperationKind string

const (
	OpSale           OperationKind = "sale"
	OpStockUpdate    OperationKind = "stock_update"
	OpCustomerUpdate OperationKind = "customer_update"
	OpInvoiceCreate  OperationKind = "invoice_create"
	OpExpense        OperationKind = "expense"
	OpDebt           OperationKind = "debt"
	OpDebtPayment    OperationKind = "debt_payment"
	OpDebtSaleBundle OperationKind = "debt_sale_bundle"
)

// Payload is the body of a queued operation. Each kind has exactly one
// concrete payload type.
type Payload interface {
	Kind() OperationKind
}

// SaleBundle is one checkout: every dependent write needed to record it.
type SaleBundle struct {
	LocalID     string          `json:"localId"`
	Customer    CustomerRef     `json:"customer"`
	Items       []InvoiceItem   `json:"items"`
	Discount    decimal.Decimal `json:"discount"`
	PaidAmount  decimal.Decimal `json:"paidAmount"`
	PaymentType string          `json:"paymentType"`
	DueDate     *time.Time      `json:"dueDate,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	// StockUnchecked marks a sale taken with no product list to check
	// against; its stock is checked before the invoice is created.
	StockUnchecked bool `json:"stockUnchecked,omitempty"`
}

func (b SaleBundle) Kind() OperationKind {
	if b.PaymentType == PaymentDebt {
		return OpDebtSaleBundle
	}
	return OpSale
}

func (b SaleBundle) IsDebt() bool {
	return b.PaymentType == PaymentDebt
}

func (b SaleBundle) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range b.Items {
		total = total.Add(item.Total())
	}
	return total
}

func (b SaleBundle) Total() decimal.Decimal {
	total := b.Subtotal().Sub(b.Discount)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

// CashCollected is what lands in the drawer at checkout time.
func (b SaleBundle) CashCollected() decimal.Decimal {
	if !b.IsDebt() {
		return b.Total()
	}
	paid := b.PaidAmount
	if paid.GreaterThan(b.Total()) {
		paid = b.Total()
	}
	if paid.IsNegative() {
		return decimal.Zero
	}
	return paid
}

// DebtAmount is the unpaid remainder carried as a receivable.
func (b SaleBundle) DebtAmount() decimal.Decimal {
	if !b.IsDebt() {
		return decimal.Zero
	}
	return b.Total().Sub(b.CashCollected())
}

func (b SaleBundle) COGS() decimal.Decimal {
	total := decimal.Zero
	for _, item := range b.Items {
		total = total.Add(item.Cost())
	}
	return total
}

// CategoryProfits groups line profit by product category. The discount is
// taken off the categories pro rata to their sales value.
func (b SaleBundle) CategoryProfits() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	subtotal := b.Subtotal()
	for _, item := range b.Items {
		profit := item.Profit()
		if b.Discount.IsPositive() && subtotal.IsPositive() {
			profit = profit.Sub(b.Discount.Mul(item.Total()).Div(subtotal))
		}
		out[item.Category] = out[item.Category].Add(profit)
	}
	return out
}

type StockUpdate struct {
	ID        string `json:"id,omitempty"`
	ProductID string `json:"productId"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason,omitempty"`
}

func (StockUpdate) Kind() OperationKind { return OpStockUpdate }

type CustomerUpdate struct {
	CustomerID string  `json:"customerId"`
	Name       *string `json:"name,omitempty"`
	Phone      *string `json:"phone,omitempty"`
}

func (CustomerUpdate) Kind() OperationKind { return OpCustomerUpdate }

type InvoiceCreate struct {
	Invoice Invoice `json:"invoice"`
}

func (InvoiceCreate) Kind() OperationKind { return OpInvoiceCreate }

type ExpenseCreate struct {
	Expense Expense `json:"expense"`
}

func (ExpenseCreate) Kind() OperationKind { return OpExpense }

type DebtCreate struct {
	Debt Debt `json:"debt"`
}

func (DebtCreate) Kind() OperationKind { return OpDebt }

type DebtPaymentCreate struct {
	Payment DebtPayment `json:"payment"`
}

func (DebtPaymentCreate) Kind() OperationKind { return OpDebtPayment }

// UnknownPayload keeps an operation written by a newer build intact so it
// is retried rather than lost.
type UnknownPayload struct {
	RawKind OperationKind
	Raw     json.RawMessage
}

func (p UnknownPayload) Kind() OperationKind { return p.RawKind }

type Operation struct {
	ID        string
	Payload   Payload
	DedupeKey string
	CreatedAt time.Time
	Attempts  int
}

func (o Operation) Kind() OperationKind {
	if o.Payload == nil {
		return ""
	}
	return o.Payload.Kind()
}

type operationWire struct {
	ID        string          `json:"id"`
	Kind      OperationKind   `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	DedupeKey string          `json:"dedupeKey,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Attempts  int             `json:"attempts"`
}

func (o Operation) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	switch p := o.Payload.(type) {
	case nil:
		raw = json.RawMessage("null")
	case UnknownPayload:
		raw = p.Raw
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return json.Marshal(operationWire{
		ID:        o.ID,
		Kind:      o.Kind(),
		Payload:   raw,
		DedupeKey: o.DedupeKey,
		CreatedAt: o.CreatedAt.UTC(),
		Attempts:  o.Attempts,
	})
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var wire operationWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	payload, err := DecodePayload(wire.Kind, wire.Payload)
	if err != nil {
		return fmt.Errorf("operation %s: %w", wire.ID, err)
	}
	*o = Operation{
		ID:        wire.ID,
		Payload:   payload,
		DedupeKey: wire.DedupeKey,
		CreatedAt: wire.CreatedAt,
		Attempts:  wire.Attempts,
	}
	return nil
}

func DecodePayload(kind OperationKind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case OpSale, OpDebtSaleBundle:
		var bundle SaleBundle
		if err := json.Unmarshal(raw, &bundle); err != nil {
			return nil, err
		}
		if kind == OpDebtSaleBundle {
			bundle.PaymentType = PaymentDebt
		} else if bundle.PaymentType == "" {
			bundle.PaymentType = PaymentCash
		}
		return bundle, nil
	case OpStockUpdate:
		return decodeInto[StockUpdate](raw)
	case OpCustomerUpdate:
		return decodeInto[CustomerUpdate](raw)
	case OpInvoiceCreate:
		return decodeInto[InvoiceCreate](raw)
	case OpExpense:
		return decodeInto[ExpenseCreate](raw)
	case OpDebt:
		return decodeInto[DebtCreate](raw)
	case OpDebtPayment:
		return decodeInto[DebtPaymentCreate](raw)
	default:
		return UnknownPayload{RawKind: kind, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
