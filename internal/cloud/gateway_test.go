package cloud

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/cache"
	"ledgerpos/backend/internal/clock"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/localstore"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/store/memory"
)

func ownerCtx(owner string) context.Context {
	return store.WithActor(context.Background(), domain.Actor{UserID: owner, Username: owner, Role: domain.RoleOwner})
}

func newGateway(t *testing.T) (*Gateway, *memory.Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
	remote := memory.NewSeeded("owner-1")
	g := New(remote, localstore.NewMemory(), Options{
		Products:  cache.NewTTL[[]domain.Product](time.Minute, clk),
		Customers: cache.NewTTL[[]domain.Customer](time.Minute, clk),
		Partners:  cache.NewTTL[[]domain.Partner](30*time.Second, clk),
		Clock:     clk,
	})
	return g, remote, clk
}

func TestProductsAreScopedAndSnapshotted(t *testing.T) {
	g, _, _ := newGateway(t)
	ctx := ownerCtx("owner-1")

	products, err := g.Products(ctx)
	require.NoError(t, err)
	assert.Len(t, products, 4)

	snap, found, err := g.ProductSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, snap, 4)

	other, err := g.Products(ownerCtx("owner-2"))
	require.NoError(t, err)
	assert.Empty(t, other)

	_, found, err = g.ProductSnapshot(ownerCtx("owner-1"))
	require.NoError(t, err)
	assert.False(t, found, "snapshot was overwritten by owner-2's fetch")
}

func TestAdjustStockInvalidatesCache(t *testing.T) {
	g, _, _ := newGateway(t)
	ctx := ownerCtx("owner-1")

	_, err := g.Products(ctx)
	require.NoError(t, err)

	decision, err := g.AdjustStock(ctx, "prd-phone-a1", -3, "sale:inv-1:stock:prd-phone-a1")
	require.NoError(t, err)
	assert.Equal(t, store.DecisionAllowed, decision)
	_, err = g.AdjustStock(ctx, "prd-phone-a1", -3, "sale:inv-1:stock:prd-phone-a1")
	require.NoError(t, err)

	products, err := g.Products(ctx)
	require.NoError(t, err)
	for _, p := range products {
		if p.ID == "prd-phone-a1" {
			assert.Equal(t, 9, p.Quantity)
		}
	}
}

func TestCashierReadsOwnersRows(t *testing.T) {
	g, _, _ := newGateway(t)
	cashier := store.WithActor(context.Background(), domain.Actor{UserID: "cashier-1", Role: domain.RoleCashier, OwnerID: "owner-1"})

	products, err := g.Products(cashier)
	require.NoError(t, err)
	assert.Len(t, products, 4)
}

func TestCustomerLookupAndStats(t *testing.T) {
	g, _, clk := newGateway(t)
	ctx := ownerCtx("owner-1")

	found, err := g.FindCustomer(ctx, "Rana", "")
	require.NoError(t, err)
	assert.Nil(t, found)

	decision, err := g.InsertCustomer(ctx, domain.Customer{ID: "cus-1", Name: "Rana", Phone: "0555", CreatedAt: clk.Now()})
	require.NoError(t, err)
	require.Equal(t, store.DecisionAllowed, decision)

	found, err = g.FindCustomer(ctx, "  rana ", "0555")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "cus-1", found.ID)

	none, err := g.FindCustomer(ctx, "Rana", "0999")
	require.NoError(t, err)
	assert.Nil(t, none)

	at := clk.Now()
	for i := 0; i < 2; i++ {
		_, err = g.AdjustCustomerStats(ctx, "cus-1", CustomerStats{
			Key:          "sale:inv-1:customer",
			Purchases:    decimal.NewFromInt(120),
			Debt:         decimal.NewFromInt(40),
			InvoiceCount: 1,
			LastPurchase: &at,
		})
		require.NoError(t, err)
	}
	_, err = g.AdjustCustomerStats(ctx, "cus-1", CustomerStats{Purchases: decimal.NewFromInt(30), InvoiceCount: 1})
	require.NoError(t, err)

	c, err := g.Customer(ctx, "cus-1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(150).Equal(c.TotalPurchases))
	assert.True(t, decimal.NewFromInt(40).Equal(c.TotalDebt))
	assert.Equal(t, 2, c.InvoiceCount)
	require.NotNil(t, c.LastPurchase)
	assert.True(t, at.Equal(*c.LastPurchase))
}

func TestInvoiceAndDebtLookupsReturnNilWhenMissing(t *testing.T) {
	g, _, _ := newGateway(t)
	ctx := ownerCtx("owner-1")

	inv, err := g.InvoiceByLocalID(ctx, "local-x")
	require.NoError(t, err)
	assert.Nil(t, inv)

	debt, err := g.DebtByInvoice(ctx, "inv-x")
	require.NoError(t, err)
	assert.Nil(t, debt)

	_, err = g.InsertInvoice(ctx, domain.Invoice{ID: "inv-1", LocalID: "local-x"})
	require.NoError(t, err)
	inv, err = g.InvoiceByLocalID(ctx, "local-x")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, "inv-1", inv.ID)
}

func TestOfflineRemoteSurfacesTransient(t *testing.T) {
	g, remote, _ := newGateway(t)
	remote.SetOffline(true)

	_, err := g.Debts(ownerCtx("owner-1"))
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))
	assert.Error(t, g.Ping(context.Background()))
}
