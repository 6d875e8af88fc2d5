package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

func TestRecordsRoundTripWithAdjust(t *testing.T) {
	databaseURL := os.Getenv("LEDGERPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set LEDGERPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.EnsureSchema(ctx))

	owner := fmt.Sprintf("owner-it-%d", time.Now().UnixNano())
	ctx = store.WithActor(ctx, domain.Actor{UserID: owner, Role: domain.RoleOwner})
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(context.Background(), `DELETE FROM records WHERE owner_id = $1`, owner)
		_, _ = s.db.ExecContext(context.Background(), `DELETE FROM applied_adjustments WHERE owner_id = $1`, owner)
	})

	customer := domain.Customer{ID: "cus-1", Name: "Rania", TotalPurchases: decimal.NewFromInt(10), InvoiceCount: 1}
	decision, err := s.Insert(ctx, store.TableCustomers, customer.ID, customer)
	require.NoError(t, err)
	require.Equal(t, store.DecisionAllowed, decision)

	_, err = s.Insert(ctx, store.TableCustomers, customer.ID, customer)
	require.ErrorIs(t, err, store.ErrConflict)

	for i := 0; i < 2; i++ {
		decision, err = s.Adjust(ctx, store.TableCustomers, customer.ID, "sale:inv-1:customer", map[string]decimal.Decimal{
			"totalPurchases": decimal.NewFromInt(15),
			"invoiceCount":   decimal.NewFromInt(1),
		})
		require.NoError(t, err)
		require.Equal(t, store.DecisionAllowed, decision)
	}

	rows, err := s.Fetch(ctx, store.TableCustomers, store.Where("name", "Rania"))
	require.NoError(t, err)
	customers, err := store.DecodeRows[domain.Customer](rows)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.True(t, customers[0].TotalPurchases.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, 2, customers[0].InvoiceCount)

	_, err = s.Delete(ctx, store.TableCustomers, customer.ID)
	require.NoError(t, err)
	_, err = s.Update(ctx, store.TableCustomers, customer.ID, customer)
	require.ErrorIs(t, err, store.ErrNotFound)
}
