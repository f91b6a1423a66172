package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillsync/tillsync/internal/config"
	"github.com/tillsync/tillsync/internal/events"
	"github.com/tillsync/tillsync/internal/models"
	"github.com/tillsync/tillsync/internal/resolver"
	"github.com/tillsync/tillsync/internal/services/products"
	"github.com/tillsync/tillsync/internal/services/sales"
	"github.com/tillsync/tillsync/internal/store"
	enginesync "github.com/tillsync/tillsync/internal/sync"
	"github.com/tillsync/tillsync/internal/transport"
	"github.com/tillsync/tillsync/test/testutil"
)

type till struct {
	engine   *enginesync.Engine
	products *products.Service
	sales    *sales.Service
	store    *store.SQLiteStore
	resolver *resolver.Resolver
}

// newTill wires a full device stack (store, services, engine) against the
// shared mock remote, as if one checkout lane were running the client.
func newTill(t *testing.T, remote *transport.MockTransport) *till {
	t.Helper()

	logger := testutil.NewTestLogger()
	st := testutil.NewTestStore(t)
	bus := events.NewBus()
	res := resolver.New(st, logger)
	prods := products.NewService(st, res, logger)

	engine := enginesync.NewEngine(st, remote, bus, config.SyncConfig{
		Entities:     []string{"product", "sale"},
		BatchSize:    10,
		RetryBackoff: 10 * time.Millisecond,
		MaxBackoff:   50 * time.Millisecond,
	}, logger)
	t.Cleanup(engine.StopAll)

	return &till{
		engine:   engine,
		products: prods,
		sales:    sales.NewService(st, res, prods, logger),
		store:    st,
		resolver: res,
	}
}

// TestOfflineDayCatchesUp walks a till through a working day with the network
// down: sales pile up locally, the catalog changes upstream, and one sync
// exchange once the link returns reconciles both directions.
func TestOfflineDayCatchesUp(t *testing.T) {
	remote := transport.NewMockTransport()
	tillA := newTill(t, remote)
	ctx := context.Background()

	milk, err := tillA.products.Create(ctx, &models.Product{
		Name: "Milk 500ml", SKU: "MILK-001", Price: 5, BuyingPrice: 3, StockQuantity: 20,
	})
	require.NoError(t, err)

	// Seed the initial catalog upstream.
	_, err = tillA.engine.SyncAll(ctx)
	require.NoError(t, err)
	require.NotNil(t, remote.Doc(models.EntityProduct, milk.ID))

	// Offline: ring up sales against the local store only. The line items
	// reference no catalog entry, so the milk document stays untouched and
	// the upstream reprice can fast-forward cleanly.
	for i := 0; i < 3; i++ {
		_, err := tillA.sales.CreateSale(ctx, testutil.SampleSale("cashier-1"))
		require.NoError(t, err)
	}

	pending, err := tillA.sales.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	// Meanwhile head office repriced the product.
	repriced := remote.Doc(models.EntityProduct, milk.ID)
	repriced.Fields["price"] = 5.5
	repriced.Ancestry = models.ExtendAncestry(repriced.Ancestry, repriced.Rev)
	repriced.Rev = models.NewRev(repriced.Rev, repriced.Fields, false)
	remote.SeedDoc(models.EntityProduct, repriced)

	// Back online: one exchange settles everything.
	results, err := tillA.engine.SyncAll(ctx)
	require.NoError(t, err)

	byEntity := map[models.EntityType]*enginesync.Result{}
	for _, r := range results {
		byEntity[r.Entity] = r
	}
	assert.Equal(t, 3, byEntity[models.EntitySale].Pushed)
	assert.Zero(t, byEntity[models.EntityProduct].Conflicts)

	t.Run("sales uploaded and confirmed", func(t *testing.T) {
		pending, err := tillA.sales.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, pending)

		sold, err := tillA.sales.List(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, sold, 3)
		for _, s := range sold {
			assert.Equal(t, models.SyncSynced, s.SyncStatus)
			assert.NotNil(t, remote.Doc(models.EntitySale, s.ID))
		}
	})

	t.Run("reprice landed without conflict", func(t *testing.T) {
		got, err := tillA.products.Get(ctx, milk.ID)
		require.NoError(t, err)
		assert.Equal(t, 5.5, got.Price)

		ids, err := tillA.store.Conflicts(ctx, models.EntityProduct)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("reports include the offline sales", func(t *testing.T) {
		summary, err := tillA.sales.DailySummary(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 3, summary.SalesCount)
		assert.Equal(t, 60.0, summary.TotalRevenue)
	})
}

// TestTwoTillsDiverge runs two devices against the same remote, lets both
// edit the same product offline, and checks that replication surfaces the
// conflict and the resolver settles it identically.
func TestTwoTillsDiverge(t *testing.T) {
	remote := transport.NewMockTransport()
	tillA := newTill(t, remote)
	tillB := newTill(t, remote)
	ctx := context.Background()

	butter, err := tillA.products.Create(ctx, &models.Product{
		Name: "Butter", SKU: "BUT-001", Price: 15, BuyingPrice: 10, StockQuantity: 8,
	})
	require.NoError(t, err)
	_, err = tillA.engine.SyncAll(ctx)
	require.NoError(t, err)
	_, err = tillB.engine.SyncAll(ctx)
	require.NoError(t, err)

	// Both tills edit the same product while offline.
	_, err = tillA.products.Update(ctx, butter.ID, map[string]interface{}{"price": 16.0})
	require.NoError(t, err)
	_, err = tillB.products.Update(ctx, butter.ID, map[string]interface{}{"price": 14.0})
	require.NoError(t, err)

	// A syncs first and wins the upstream write; B's push is rejected.
	_, err = tillA.engine.SyncAll(ctx)
	require.NoError(t, err)
	resultsB, err := tillB.engine.SyncAll(ctx)
	require.NoError(t, err)

	var productResult *enginesync.Result
	for _, r := range resultsB {
		if r.Entity == models.EntityProduct {
			productResult = r
		}
	}
	require.NotNil(t, productResult)
	assert.Equal(t, 1, productResult.Conflicts)

	ids, err := tillB.store.Conflicts(ctx, models.EntityProduct)
	require.NoError(t, err)
	require.Contains(t, ids, butter.ID)

	t.Run("resolution converges", func(t *testing.T) {
		res, err := tillB.resolver.Resolve(ctx, models.EntityProduct, butter.ID, resolver.Latest)
		require.NoError(t, err)
		require.NotNil(t, res.Winner)

		ids, err := tillB.store.Conflicts(ctx, models.EntityProduct)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}
