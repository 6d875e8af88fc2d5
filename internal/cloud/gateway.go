package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledgerpos/backend/internal/cache"
	"ledgerpos/backend/internal/clock"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/localstore"
	"ledgerpos/backend/internal/store"
)

const defaultTimeout = 5 * time.Second

// Gateway is typed access to the remote ledger tables. Reads of the hot
// collections go through per-owner caches that every write invalidates.
type Gateway struct {
	remote    store.Remote
	adjuster  store.Adjuster
	local     localstore.Store
	products  cache.Cache[[]domain.Product]
	customers cache.Cache[[]domain.Customer]
	partners  cache.Cache[[]domain.Partner]
	clock     clock.Clock
	timeout   time.Duration
	log       *zap.Logger
}

type Options struct {
	Products  cache.Cache[[]domain.Product]
	Customers cache.Cache[[]domain.Customer]
	Partners  cache.Cache[[]domain.Partner]
	Clock     clock.Clock
	Timeout   time.Duration
	Log       *zap.Logger
}

func New(remote store.Remote, local localstore.Store, opts Options) *Gateway {
	g := &Gateway{
		remote:    remote,
		local:     local,
		products:  opts.Products,
		customers: opts.Customers,
		partners:  opts.Partners,
		clock:     opts.Clock,
		timeout:   opts.Timeout,
		log:       opts.Log,
	}
	if adj, ok := remote.(store.Adjuster); ok {
		g.adjuster = adj
	}
	if g.products == nil {
		g.products = cache.Noop[[]domain.Product]{}
	}
	if g.customers == nil {
		g.customers = cache.Noop[[]domain.Customer]{}
	}
	if g.partners == nil {
		g.partners = cache.Noop[[]domain.Partner]{}
	}
	if g.clock == nil {
		g.clock = clock.Real{}
	}
	if g.timeout <= 0 {
		g.timeout = defaultTimeout
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	g.log = g.log.Named("cloud")
	return g
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

func fetchAll[T any](ctx context.Context, g *Gateway, table string, q store.Query) ([]T, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	rows, err := g.remote.Fetch(ctx, table, q)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, err)
	}
	return store.DecodeRows[T](rows)
}

func fetchOne[T any](ctx context.Context, g *Gateway, table string, field string, value string) (T, error) {
	q := store.Where(field, value)
	q.Limit = 1
	items, err := fetchAll[T](ctx, g, table, q)
	if err != nil {
		var zero T
		return zero, err
	}
	if len(items) == 0 {
		var zero T
		return zero, fmt.Errorf("%w: %s %s=%s", store.ErrNotFound, table, field, value)
	}
	return items[0], nil
}

func (g *Gateway) insert(ctx context.Context, table string, id string, doc any) (store.PermissionDecision, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.remote.Insert(ctx, table, id, doc)
}

func (g *Gateway) update(ctx context.Context, table string, id string, doc any) (store.PermissionDecision, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.remote.Update(ctx, table, id, doc)
}

func (g *Gateway) delete(ctx context.Context, table string, id string) (store.PermissionDecision, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.remote.Delete(ctx, table, id)
}

func cacheKey(ctx context.Context) (string, error) {
	return store.OwnerFromContext(ctx)
}

// Products

type productSnapshot struct {
	OwnerID  string           `json:"ownerId"`
	Products []domain.Product `json:"products"`
	SavedAt  time.Time        `json:"savedAt"`
}

func (g *Gateway) Products(ctx context.Context) ([]domain.Product, error) {
	owner, err := cacheKey(ctx)
	if err != nil {
		return nil, err
	}
	return g.products.GetOrLoad(ctx, owner, func(ctx context.Context) ([]domain.Product, error) {
		products, err := fetchAll[domain.Product](ctx, g, store.TableProducts, store.Query{OrderBy: "name"})
		if err != nil {
			return nil, err
		}
		snap := productSnapshot{OwnerID: owner, Products: products, SavedAt: g.clock.Now()}
		if err := g.local.Save(ctx, localstore.KeyProductsSnapshot, snap); err != nil {
			g.log.Warn("save product snapshot", zap.Error(err))
		}
		return products, nil
	})
}

// ProductSnapshot returns the last product list fetched for the caller's
// owner, for stock checks while the remote is unreachable.
func (g *Gateway) ProductSnapshot(ctx context.Context) ([]domain.Product, bool, error) {
	owner, err := cacheKey(ctx)
	if err != nil {
		return nil, false, err
	}
	var snap productSnapshot
	found, err := g.local.Load(ctx, localstore.KeyProductsSnapshot, &snap)
	if err != nil || !found || snap.OwnerID != owner {
		return nil, false, err
	}
	return snap.Products, true, nil
}

func (g *Gateway) InsertProduct(ctx context.Context, p domain.Product) (store.PermissionDecision, error) {
	decision, err := g.insert(ctx, store.TableProducts, p.ID, p)
	g.invalidate(ctx, g.products)
	return decision, err
}

// AdjustStock adds delta to a product's quantity. A non-empty key makes the
// change apply once, however often it is retried. Keys are only honoured by
// remotes that implement store.Adjuster.
func (g *Gateway) AdjustStock(ctx context.Context, productID string, delta int, key string) (store.PermissionDecision, error) {
	defer g.invalidate(ctx, g.products)
	if g.adjuster != nil {
		ctx, cancel := g.withTimeout(ctx)
		defer cancel()
		return g.adjuster.Adjust(ctx, store.TableProducts, productID, key, map[string]decimal.Decimal{
			"quantity": decimal.NewFromInt(int64(delta)),
		})
	}

	product, err := fetchOne[domain.Product](ctx, g, store.TableProducts, "id", productID)
	if err != nil {
		return store.DecisionUnknown, err
	}
	product.Quantity += delta
	product.UpdatedAt = g.clock.Now()
	return g.update(ctx, store.TableProducts, productID, product)
}

// Customers

func (g *Gateway) Customers(ctx context.Context) ([]domain.Customer, error) {
	owner, err := cacheKey(ctx)
	if err != nil {
		return nil, err
	}
	return g.customers.GetOrLoad(ctx, owner, func(ctx context.Context) ([]domain.Customer, error) {
		return fetchAll[domain.Customer](ctx, g, store.TableCustomers, store.Query{OrderBy: "name"})
	})
}

func (g *Gateway) Customer(ctx context.Context, id string) (domain.Customer, error) {
	return fetchOne[domain.Customer](ctx, g, store.TableCustomers, "id", id)
}

// FindCustomer matches by name, case-insensitively, and by phone when one
// is given. It reads the remote directly so a replay sees customers created
// moments earlier.
func (g *Gateway) FindCustomer(ctx context.Context, name string, phone string) (*domain.Customer, error) {
	customers, err := fetchAll[domain.Customer](ctx, g, store.TableCustomers, store.Query{})
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	phone = strings.TrimSpace(phone)
	for i := range customers {
		c := customers[i]
		if !strings.EqualFold(strings.TrimSpace(c.Name), name) {
			continue
		}
		if phone != "" && c.Phone != "" && c.Phone != phone {
			continue
		}
		return &c, nil
	}
	return nil, nil
}

func (g *Gateway) InsertCustomer(ctx context.Context, c domain.Customer) (store.PermissionDecision, error) {
	decision, err := g.insert(ctx, store.TableCustomers, c.ID, c)
	g.invalidate(ctx, g.customers)
	return decision, err
}

func (g *Gateway) UpdateCustomer(ctx context.Context, c domain.Customer) (store.PermissionDecision, error) {
	decision, err := g.update(ctx, store.TableCustomers, c.ID, c)
	g.invalidate(ctx, g.customers)
	return decision, err
}

// CustomerStats is a change to a customer's purchase aggregates. Key works
// as in AdjustStock.
type CustomerStats struct {
	Key          string
	Purchases    decimal.Decimal
	Debt         decimal.Decimal
	InvoiceCount int
	LastPurchase *time.Time
}

// AdjustCustomerStats applies the money deltas additively, then stamps the
// last purchase time.
func (g *Gateway) AdjustCustomerStats(ctx context.Context, customerID string, stats CustomerStats) (store.PermissionDecision, error) {
	defer g.invalidate(ctx, g.customers)
	if g.adjuster != nil {
		actx, cancel := g.withTimeout(ctx)
		decision, err := g.adjuster.Adjust(actx, store.TableCustomers, customerID, stats.Key, map[string]decimal.Decimal{
			"totalPurchases": stats.Purchases,
			"totalDebt":      stats.Debt,
			"invoiceCount":   decimal.NewFromInt(int64(stats.InvoiceCount)),
		})
		cancel()
		if err != nil || decision != store.DecisionAllowed || stats.LastPurchase == nil {
			return decision, err
		}
	}

	customer, err := g.Customer(ctx, customerID)
	if err != nil {
		return store.DecisionUnknown, err
	}
	if g.adjuster == nil {
		customer.TotalPurchases = customer.TotalPurchases.Add(stats.Purchases)
		customer.TotalDebt = customer.TotalDebt.Add(stats.Debt)
		customer.InvoiceCount += stats.InvoiceCount
	}
	if stats.LastPurchase != nil {
		customer.LastPurchase = stats.LastPurchase
	}
	return g.update(ctx, store.TableCustomers, customerID, customer)
}

// Invoices

func (g *Gateway) Invoice(ctx context.Context, id string) (domain.Invoice, error) {
	return fetchOne[domain.Invoice](ctx, g, store.TableInvoices, "id", id)
}

// InvoiceByLocalID returns nil when no invoice was created for localID yet.
func (g *Gateway) InvoiceByLocalID(ctx context.Context, localID string) (*domain.Invoice, error) {
	inv, err := fetchOne[domain.Invoice](ctx, g, store.TableInvoices, "localId", localID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (g *Gateway) Invoices(ctx context.Context) ([]domain.Invoice, error) {
	return fetchAll[domain.Invoice](ctx, g, store.TableInvoices, store.Query{OrderBy: "createdAt", Descending: true})
}

func (g *Gateway) InsertInvoice(ctx context.Context, inv domain.Invoice) (store.PermissionDecision, error) {
	return g.insert(ctx, store.TableInvoices, inv.ID, inv)
}

func (g *Gateway) UpdateInvoice(ctx context.Context, inv domain.Invoice) (store.PermissionDecision, error) {
	return g.update(ctx, store.TableInvoices, inv.ID, inv)
}

// Debts

func (g *Gateway) Debt(ctx context.Context, id string) (domain.Debt, error) {
	return fetchOne[domain.Debt](ctx, g, store.TableDebts, "id", id)
}

// DebtByInvoice returns nil when the invoice has no debt record.
func (g *Gateway) DebtByInvoice(ctx context.Context, invoiceID string) (*domain.Debt, error) {
	debt, err := fetchOne[domain.Debt](ctx, g, store.TableDebts, "invoiceId", invoiceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &debt, nil
}

func (g *Gateway) Debts(ctx context.Context) ([]domain.Debt, error) {
	return fetchAll[domain.Debt](ctx, g, store.TableDebts, store.Query{OrderBy: "createdAt", Descending: true})
}

func (g *Gateway) InsertDebt(ctx context.Context, d domain.Debt) (store.PermissionDecision, error) {
	return g.insert(ctx, store.TableDebts, d.ID, d)
}

func (g *Gateway) UpdateDebt(ctx context.Context, d domain.Debt) (store.PermissionDecision, error) {
	return g.update(ctx, store.TableDebts, d.ID, d)
}

func (g *Gateway) DeleteDebt(ctx context.Context, id string) (store.PermissionDecision, error) {
	return g.delete(ctx, store.TableDebts, id)
}

// Partners

func (g *Gateway) Partners(ctx context.Context) ([]domain.Partner, error) {
	owner, err := cacheKey(ctx)
	if err != nil {
		return nil, err
	}
	return g.partners.GetOrLoad(ctx, owner, func(ctx context.Context) ([]domain.Partner, error) {
		return fetchAll[domain.Partner](ctx, g, store.TablePartners, store.Query{})
	})
}

// FreshPartners bypasses the cache. Balance postings read through it so
// they never build on a stale copy.
func (g *Gateway) FreshPartners(ctx context.Context) ([]domain.Partner, error) {
	g.invalidate(ctx, g.partners)
	return g.Partners(ctx)
}

func (g *Gateway) InsertPartner(ctx context.Context, p domain.Partner) (store.PermissionDecision, error) {
	decision, err := g.insert(ctx, store.TablePartners, p.ID, p)
	g.invalidate(ctx, g.partners)
	return decision, err
}

func (g *Gateway) UpdatePartner(ctx context.Context, p domain.Partner) (store.PermissionDecision, error) {
	decision, err := g.update(ctx, store.TablePartners, p.ID, p)
	g.invalidate(ctx, g.partners)
	return decision, err
}

// Expenses

func (g *Gateway) Expenses(ctx context.Context) ([]domain.Expense, error) {
	return fetchAll[domain.Expense](ctx, g, store.TableExpenses, store.Query{OrderBy: "createdAt", Descending: true})
}

func (g *Gateway) Expense(ctx context.Context, id string) (domain.Expense, error) {
	return fetchOne[domain.Expense](ctx, g, store.TableExpenses, "id", id)
}

func (g *Gateway) InsertExpense(ctx context.Context, e domain.Expense) (store.PermissionDecision, error) {
	return g.insert(ctx, store.TableExpenses, e.ID, e)
}

func (g *Gateway) DeleteExpense(ctx context.Context, id string) (store.PermissionDecision, error) {
	return g.delete(ctx, store.TableExpenses, id)
}

func (g *Gateway) Ping(ctx context.Context) error {
	pinger, ok := g.remote.(store.Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return pinger.Ping(ctx)
}

func (g *Gateway) invalidate(ctx context.Context, c interface{ Invalidate(string) }) {
	if owner, err := cacheKey(ctx); err == nil {
		c.Invalidate(owner)
	}
}
