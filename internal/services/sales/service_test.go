package sales

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillsync/tillsync/internal/models"
	"github.com/tillsync/tillsync/internal/resolver"
	"github.com/tillsync/tillsync/internal/services/products"
	"github.com/tillsync/tillsync/internal/store"
	"github.com/tillsync/tillsync/test/testutil"
)

func newServices(t *testing.T) (*Service, *products.Service) {
	t.Helper()

	logger := testutil.NewTestLogger()
	st := testutil.NewTestStore(t)
	res := resolver.New(st, logger)
	prods := products.NewService(st, res, logger)
	return NewService(st, res, prods, logger), prods
}

func TestCreateSale(t *testing.T) {
	svc, prods := newServices(t)
	ctx := context.Background()

	milk, err := prods.Create(ctx, &models.Product{
		Name: "Milk 500ml", SKU: "MILK-001", Price: 5, BuyingPrice: 3, StockQuantity: 10,
	})
	require.NoError(t, err)

	sale := testutil.SampleSale("cashier-1")
	sale.Items[0].ProductID = milk.ID

	created, err := svc.CreateSale(ctx, sale)
	require.NoError(t, err)

	t.Run("totals computed", func(t *testing.T) {
		assert.Equal(t, 20.0, created.TotalRevenue)
		assert.Equal(t, 12.0, created.TotalCost)
		assert.Equal(t, 8.0, created.Profit)
		assert.Equal(t, 40.0, created.ProfitMargin)
	})

	t.Run("written as pending upload", func(t *testing.T) {
		assert.Equal(t, models.SyncPending, created.SyncStatus)

		pending, err := svc.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), pending)
	})

	t.Run("stock walked down", func(t *testing.T) {
		got, err := prods.Get(ctx, milk.ID)
		require.NoError(t, err)
		assert.Equal(t, 8, got.StockQuantity, "two units sold")
	})

	t.Run("unknown product does not block the sale", func(t *testing.T) {
		s := testutil.SampleSale("cashier-1")
		s.Items[0].ProductID = "no-such-product"
		_, err := svc.CreateSale(ctx, s)
		assert.NoError(t, err)
	})
}

func TestCreateSaleValidation(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()

	t.Run("missing cashier", func(t *testing.T) {
		s := testutil.SampleSale("")
		_, err := svc.CreateSale(ctx, s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cashier id")
	})

	t.Run("empty items", func(t *testing.T) {
		s := testutil.SampleSale("cashier-1")
		s.Items = nil
		_, err := svc.CreateSale(ctx, s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one item")
	})

	t.Run("non-positive quantity", func(t *testing.T) {
		s := testutil.SampleSale("cashier-1")
		s.Items[0].Quantity = 0
		_, err := svc.CreateSale(ctx, s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quantity must be positive")
	})

	t.Run("negative price", func(t *testing.T) {
		s := testutil.SampleSale("cashier-1")
		s.Items[1].Price = -2
		_, err := svc.CreateSale(ctx, s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "prices must not be negative")
	})
}

func TestGetAndList(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()

	first, err := svc.CreateSale(ctx, testutil.SampleSale("cashier-1"))
	require.NoError(t, err)
	second, err := svc.CreateSale(ctx, testutil.SampleSale("cashier-2"))
	require.NoError(t, err)

	got, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "cashier-1", got.CashierID)
	assert.Len(t, got.Items, 2)

	sales, err := svc.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, second.ID, sales[0].ID, "newest first")
}

func TestDailySummary(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.CreateSale(ctx, testutil.SampleSale("cashier-1"))
		require.NoError(t, err)
	}
	card := testutil.SampleSale("cashier-2")
	card.PaymentMethod = "card"
	_, err := svc.CreateSale(ctx, card)
	require.NoError(t, err)

	summary, err := svc.DailySummary(ctx, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.SalesCount)
	assert.Equal(t, 80.0, summary.TotalRevenue)
	assert.Equal(t, 48.0, summary.TotalCost)
	assert.Equal(t, 32.0, summary.Profit)
	assert.Equal(t, 40.0, summary.ProfitMargin)
	assert.Equal(t, 60.0, summary.ByPayment["cash"])
	assert.Equal(t, 20.0, summary.ByPayment["card"])

	t.Run("empty window", func(t *testing.T) {
		summary, err := svc.DailySummary(ctx, time.Now().AddDate(0, 0, -7))
		require.NoError(t, err)
		assert.Equal(t, 0, summary.SalesCount)
		assert.Equal(t, 0.0, summary.ProfitMargin)
	})
}

func TestMonthlySummary(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()

	_, err := svc.CreateSale(ctx, testutil.SampleSale("cashier-1"))
	require.NoError(t, err)

	now := time.Now()
	summary, err := svc.MonthlySummary(ctx, now.Year(), now.Month())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SalesCount)
	assert.Equal(t, 20.0, summary.TotalRevenue)
}

func TestTopProducts(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()

	// SampleSale sells 2x Milk and 1x Bread per sale.
	for i := 0; i < 2; i++ {
		_, err := svc.CreateSale(ctx, testutil.SampleSale("cashier-1"))
		require.NoError(t, err)
	}

	top, err := svc.TopProducts(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, top, 2)

	assert.Equal(t, "prod-1", top[0].ProductID)
	assert.Equal(t, 4, top[0].QuantitySold)
	assert.Equal(t, 20.0, top[0].Revenue)
	assert.Equal(t, "prod-2", top[1].ProductID)
	assert.Equal(t, 2, top[1].QuantitySold)

	t.Run("limit applied", func(t *testing.T) {
		top, err := svc.TopProducts(ctx, time.Now().Add(-time.Hour), 1)
		require.NoError(t, err)
		require.Len(t, top, 1)
		assert.Equal(t, "prod-1", top[0].ProductID)
	})
}

// staleWriteStore rejects the first n updates with a revision conflict and
// delegates everything else to the wrapped store.
type staleWriteStore struct {
	store.Store
	rejects int
}

func (s *staleWriteStore) Update(ctx context.Context, entity models.EntityType, id string, partial map[string]interface{}) (*models.Document, error) {
	if s.rejects > 0 {
		s.rejects--
		return nil, &models.ConflictError{Entity: entity, ID: id, GivenRev: "1-stale", CurrentRev: "2-ahead"}
	}
	return s.Store.Update(ctx, entity, id, partial)
}

func TestVoidSale(t *testing.T) {
	svc, prods := newServices(t)
	ctx := context.Background()

	milk, err := prods.Create(ctx, &models.Product{
		Name: "Milk 500ml", SKU: "MILK-001", Price: 5, BuyingPrice: 3, StockQuantity: 10,
	})
	require.NoError(t, err)

	sale := testutil.SampleSale("cashier-1")
	sale.Items[0].ProductID = milk.ID
	created, err := svc.CreateSale(ctx, sale)
	require.NoError(t, err)

	voided, err := svc.VoidSale(ctx, created.ID)
	require.NoError(t, err)

	t.Run("marked voided and pending upload", func(t *testing.T) {
		assert.True(t, voided.Voided)
		assert.Equal(t, models.SyncPending, voided.SyncStatus)

		got, err := svc.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, got.Voided)
	})

	t.Run("items returned to stock", func(t *testing.T) {
		got, err := prods.Get(ctx, milk.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, got.StockQuantity, "two units sold then restocked")
	})

	t.Run("dropped from reports", func(t *testing.T) {
		summary, err := svc.DailySummary(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 0, summary.SalesCount)
	})

	t.Run("voiding twice fails", func(t *testing.T) {
		_, err := svc.VoidSale(ctx, created.ID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already voided")
	})

	t.Run("unknown sale", func(t *testing.T) {
		_, err := svc.VoidSale(ctx, "no-such-sale")
		var notFound *models.NotFoundError
		assert.ErrorAs(t, err, &notFound)
	})
}

func TestVoidSaleRetriesOnConflict(t *testing.T) {
	logger := testutil.NewTestLogger()
	st := testutil.NewTestStore(t)
	res := resolver.New(st, logger)
	prods := products.NewService(st, res, logger)

	flaky := &staleWriteStore{Store: st, rejects: 1}
	svc := NewService(flaky, res, prods, logger)
	ctx := context.Background()

	created, err := svc.CreateSale(ctx, testutil.SampleSale("cashier-1"))
	require.NoError(t, err)

	voided, err := svc.VoidSale(ctx, created.ID)
	require.NoError(t, err, "one stale write resolves and retries")
	assert.True(t, voided.Voided)
	assert.Zero(t, flaky.rejects)

	t.Run("persistent conflict surfaces after one retry", func(t *testing.T) {
		another, err := svc.CreateSale(ctx, testutil.SampleSale("cashier-2"))
		require.NoError(t, err)

		flaky.rejects = 2
		_, err = svc.VoidSale(ctx, another.ID)
		var conflict *models.ConflictError
		require.ErrorAs(t, err, &conflict)
	})
}

func TestCashierPerformance(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.CreateSale(ctx, testutil.SampleSale("cashier-busy"))
		require.NoError(t, err)
	}
	_, err := svc.CreateSale(ctx, testutil.SampleSale("cashier-quiet"))
	require.NoError(t, err)

	stats, err := svc.CashierPerformance(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "cashier-busy", stats[0].CashierID, "highest revenue first")
	assert.Equal(t, 2, stats[0].SalesCount)
	assert.Equal(t, 40.0, stats[0].TotalRevenue)
	assert.Equal(t, 16.0, stats[0].Profit)
	assert.Equal(t, "cashier-quiet", stats[1].CashierID)
}
