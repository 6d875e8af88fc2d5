package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type Actor struct {
	UserID   string
	Username string
	Role     string
	OwnerID  string
}

// EffectiveOwnerID is the account whose rows the actor reads and writes.
// Cashiers act on behalf of their linked owner.
func (a Actor) EffectiveOwnerID() string {
	if a.Role == RoleCashier && a.OwnerID != "" {
		return a.OwnerID
	}
	return a.UserID
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	OwnerID     string `json:"owner_id"`
	ExpiresAt   string `json:"expires_at"`
}

type UserAccount struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Price     decimal.Decimal `json:"price"`
	CostPrice decimal.Decimal `json:"costPrice"`
	Quantity  int             `json:"quantity"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Customer struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Phone          string          `json:"phone,omitempty"`
	TotalPurchases decimal.Decimal `json:"totalPurchases"`
	TotalDebt      decimal.Decimal `json:"totalDebt"`
	InvoiceCount   int             `json:"invoiceCount"`
	LastPurchase   *time.Time      `json:"lastPurchase,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type CustomerRef struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

const (
	PaymentCash = "cash"
	PaymentDebt = "debt"
)

const (
	InvoiceStatusPaid      = "paid"
	InvoiceStatusPartial   = "partial"
	InvoiceStatusUnpaid    = "unpaid"
	InvoiceStatusCancelled = "cancelled"
)

type InvoiceItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	CostPrice decimal.Decimal `json:"costPrice"`
}

func (i InvoiceItem) Total() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

func (i InvoiceItem) Cost() decimal.Decimal {
	return i.CostPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

func (i InvoiceItem) Profit() decimal.Decimal {
	return i.Total().Sub(i.Cost())
}

// InvoiceProgress records which dependent writes of a sale bundle already
// landed, so a replay resumes instead of repeating them.
type InvoiceProgress struct {
	StockDeducted     bool `json:"stockDeducted"`
	DebtRecorded      bool `json:"debtRecorded"`
	ProfitDistributed bool `json:"profitDistributed"`
	UpfrontConfirmed  bool `json:"upfrontConfirmed"`
	CustomerUpdated   bool `json:"customerUpdated"`
	CashboxPosted     bool `json:"cashboxPosted"`

	// StockProducts lists products already deducted while the stock step
	// is still incomplete.
	StockProducts []string `json:"stockProducts,omitempty"`
}

type Invoice struct {
	ID              string          `json:"id"`
	LocalID         string          `json:"localId"`
	InvoiceNumber   string          `json:"invoiceNumber"`
	CustomerID      string          `json:"customerId"`
	CustomerName    string          `json:"customerName"`
	Items           []InvoiceItem   `json:"items"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Discount        decimal.Decimal `json:"discount"`
	Total           decimal.Decimal `json:"total"`
	PaidAmount      decimal.Decimal `json:"paidAmount"`
	RemainingAmount decimal.Decimal `json:"remainingAmount"`
	PaymentType     string          `json:"paymentType"`
	Status          string          `json:"status"`
	DueDate         *time.Time      `json:"dueDate,omitempty"`
	Progress        InvoiceProgress `json:"progress"`
	CreatedAt       time.Time       `json:"createdAt"`
	CancelledAt     *time.Time      `json:"cancelledAt,omitempty"`
}

func (inv Invoice) COGS() decimal.Decimal {
	total := decimal.Zero
	for _, item := range inv.Items {
		total = total.Add(item.Cost())
	}
	return total
}

const (
	DebtStatusDue           = "due"
	DebtStatusPartiallyPaid = "partially_paid"
	DebtStatusOverdue       = "overdue"
	DebtStatusFullyPaid     = "fully_paid"
)

type Debt struct {
	ID            string          `json:"id"`
	InvoiceID     string          `json:"invoiceId"`
	CustomerID    string          `json:"customerId"`
	CustomerName  string          `json:"customerName"`
	TotalDebt     decimal.Decimal `json:"totalDebt"`
	TotalPaid     decimal.Decimal `json:"totalPaid"`
	RemainingDebt decimal.Decimal `json:"remainingDebt"`
	DueDate       time.Time       `json:"dueDate"`
	Status        string          `json:"status"`
	Payments      []DebtPayment   `json:"payments"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// DebtPayment carries the share of pending profit it releases so a replay
// can finish the confirmation without recomputing it.
type DebtPayment struct {
	ID              string          `json:"id"`
	DebtID          string          `json:"debtId"`
	Amount          decimal.Decimal `json:"amount"`
	Notes           string          `json:"notes,omitempty"`
	ProfitRatio     decimal.Decimal `json:"profitRatio"`
	ProfitConfirmed bool            `json:"profitConfirmed"`
	PaidAt          time.Time       `json:"paidAt"`
}

const (
	ExpenseTypeExpense = "expense"
	ExpenseTypeIncome  = "income"
)

type Expense struct {
	ID            string                `json:"id"`
	Type          string                `json:"type"`
	Category      string                `json:"category"`
	Amount        decimal.Decimal       `json:"amount"`
	Notes         string                `json:"notes,omitempty"`
	ShiftID       string                `json:"shiftId,omitempty"`
	AdjustmentID  string                `json:"adjustmentId,omitempty"`
	Distributions []ExpenseDistribution `json:"distributions,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
}

type ExpenseDistribution struct {
	PartnerID string          `json:"partnerId"`
	Amount    decimal.Decimal `json:"amount"`
}

type CategoryShare struct {
	Category   string          `json:"category"`
	Percentage decimal.Decimal `json:"percentage"`
	Enabled    bool            `json:"enabled"`
}

type ProfitRecord struct {
	ID        string          `json:"id"`
	InvoiceID string          `json:"invoiceId"`
	Amount    decimal.Decimal `json:"amount"`
	Category  string          `json:"category"`
	IsDebt    bool            `json:"isDebt"`
	CreatedAt time.Time       `json:"createdAt"`
}

type PendingProfitDetail struct {
	InvoiceID    string          `json:"invoiceId"`
	Amount       decimal.Decimal `json:"amount"`
	CustomerName string          `json:"customerName"`
	CreatedAt    time.Time       `json:"createdAt"`
	// Confirmations lists the keys of partial confirmations already taken
	// from this detail.
	Confirmations []string `json:"confirmations,omitempty"`
}

const (
	WithdrawalSourceProfit  = "profit"
	WithdrawalSourceCapital = "capital"

	CapitalDeposit    = "deposit"
	CapitalWithdrawal = "withdrawal"
)

type Withdrawal struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Source    string          `json:"source"`
	Notes     string          `json:"notes,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type CapitalMovement struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Type      string          `json:"type"`
	Notes     string          `json:"notes,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type PartnerExpense struct {
	ExpenseID string          `json:"expenseId"`
	Category  string          `json:"category"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Partner struct {
	ID                     string           `json:"id"`
	Name                   string           `json:"name"`
	Phone                  string           `json:"phone,omitempty"`
	AccessAll              bool             `json:"accessAll"`
	SharePercentage        decimal.Decimal  `json:"sharePercentage"`
	CategoryShares         []CategoryShare  `json:"categoryShares"`
	SharesExpenses         bool             `json:"sharesExpenses"`
	ExpenseSharePercentage *decimal.Decimal `json:"expenseSharePercentage,omitempty"`

	InitialCapital decimal.Decimal `json:"initialCapital"`
	CurrentCapital decimal.Decimal `json:"currentCapital"`

	ConfirmedProfit   decimal.Decimal `json:"confirmedProfit"`
	PendingProfit     decimal.Decimal `json:"pendingProfit"`
	CurrentBalance    decimal.Decimal `json:"currentBalance"`
	TotalWithdrawn    decimal.Decimal `json:"totalWithdrawn"`
	TotalProfitEarned decimal.Decimal `json:"totalProfitEarned"`
	TotalExpensesPaid decimal.Decimal `json:"totalExpensesPaid"`

	ProfitHistory        []ProfitRecord        `json:"profitHistory"`
	PendingProfitDetails []PendingProfitDetail `json:"pendingProfitDetails"`
	WithdrawalHistory    []Withdrawal          `json:"withdrawalHistory"`
	CapitalHistory       []CapitalMovement     `json:"capitalHistory"`
	ExpenseHistory       []PartnerExpense      `json:"expenseHistory"`

	JoinedAt time.Time `json:"joinedAt"`
}

type PartnerStats struct {
	TotalPartners        int             `json:"totalPartners"`
	GeneralistCount      int             `json:"generalistCount"`
	SpecialistCount      int             `json:"specialistCount"`
	GeneralistShare      decimal.Decimal `json:"generalistShare"`
	TotalCapital         decimal.Decimal `json:"totalCapital"`
	TotalInitialCapital  decimal.Decimal `json:"totalInitialCapital"`
	TotalBalance         decimal.Decimal `json:"totalBalance"`
	TotalConfirmedProfit decimal.Decimal `json:"totalConfirmedProfit"`
	TotalPendingProfit   decimal.Decimal `json:"totalPendingProfit"`
	TotalWithdrawn       decimal.Decimal `json:"totalWithdrawn"`
	TotalExpensesPaid    decimal.Decimal `json:"totalExpensesPaid"`
}

type SmartWithdrawResult struct {
	FromProfit  decimal.Decimal `json:"fromProfit"`
	FromCapital decimal.Decimal `json:"fromCapital"`
}

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

const (
	AdjustmentExpenseAdded = "expense_added"
	AdjustmentIncomeAdded  = "income_added"
	AdjustmentSurplus      = "surplus"
	AdjustmentShortage     = "shortage"
)

type ShiftAdjustment struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	Reason       string          `json:"reason,omitempty"`
	Materialized bool            `json:"materialized,omitempty"`
	ExpenseID    string          `json:"expenseId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type Shift struct {
	ID               string            `json:"id"`
	CashierName      string            `json:"cashierName,omitempty"`
	OpeningCash      decimal.Decimal   `json:"openingCash"`
	ClosingCash      *decimal.Decimal  `json:"closingCash,omitempty"`
	SalesTotal       decimal.Decimal   `json:"salesTotal"`
	ExpensesTotal    decimal.Decimal   `json:"expensesTotal"`
	DepositsTotal    decimal.Decimal   `json:"depositsTotal"`
	WithdrawalsTotal decimal.Decimal   `json:"withdrawalsTotal"`
	COGSTotal        decimal.Decimal   `json:"cogsTotal"`
	GrossProfitTotal decimal.Decimal   `json:"grossProfitTotal"`
	ExpectedCash     decimal.Decimal   `json:"expectedCash"`
	Discrepancy      decimal.Decimal   `json:"discrepancy"`
	Adjustments      []ShiftAdjustment `json:"adjustments"`
	Status           string            `json:"status"`
	Notes            string            `json:"notes,omitempty"`
	OpenedAt         time.Time         `json:"openedAt"`
	ClosedAt         *time.Time        `json:"closedAt,omitempty"`
}

const (
	CashboxSale       = "sale"
	CashboxExpense    = "expense"
	CashboxDeposit    = "deposit"
	CashboxWithdrawal = "withdrawal"
	CashboxRefund     = "refund"
)

type CashboxTransaction struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	ShiftID      string          `json:"shiftId,omitempty"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type CashboxState struct {
	CurrentBalance   decimal.Decimal      `json:"currentBalance"`
	TotalSales       decimal.Decimal      `json:"totalSales"`
	TotalExpenses    decimal.Decimal      `json:"totalExpenses"`
	TotalDeposits    decimal.Decimal      `json:"totalDeposits"`
	TotalWithdrawals decimal.Decimal      `json:"totalWithdrawals"`
	Transactions     []CashboxTransaction `json:"transactions"`
	LastUpdated      time.Time            `json:"lastUpdated"`
}
