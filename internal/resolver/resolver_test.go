package resolver

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillsync/tillsync/internal/events"
	"github.com/tillsync/tillsync/internal/models"
	"github.com/tillsync/tillsync/internal/store"
)

func newResolver(t *testing.T) (*Resolver, *store.SQLiteStore) {
	t.Helper()

	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 5*time.Second, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return New(st, logger), st
}

// makeConflict creates a local document and applies a divergent foreign
// revision, leaving two siblings behind. The foreign sibling carries a later
// update timestamp so timestamp-based strategies pick it.
func makeConflict(t *testing.T, st *store.SQLiteStore, localFields, foreignFields map[string]interface{}) (string, string) {
	t.Helper()
	ctx := context.Background()

	local, err := st.Create(ctx, models.EntityProduct, localFields)
	require.NoError(t, err)

	foreign := &models.Document{
		ID:        local.ID,
		Entity:    models.EntityProduct,
		Fields:    foreignFields,
		Rev:       models.NewRev("", foreignFields, false),
		CreatedAt: local.CreatedAt,
		UpdatedAt: local.UpdatedAt.Add(time.Minute),
	}
	require.NoError(t, st.ApplyRemote(ctx, models.EntityProduct, foreign))

	sibs, err := st.Siblings(ctx, models.EntityProduct, local.ID)
	require.NoError(t, err)
	require.Len(t, sibs, 2)

	return local.ID, foreign.Rev
}

func TestResolveLatest(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	id, foreignRev := makeConflict(t, st,
		map[string]interface{}{"name": "Milk", "price": 5.0},
		map[string]interface{}{"name": "Milk", "price": 6.0},
	)

	res, err := r.Resolve(ctx, models.EntityProduct, id, Latest)
	require.NoError(t, err)
	assert.Equal(t, Latest, res.Strategy)
	require.NotNil(t, res.Winner)
	assert.Len(t, res.Discarded, 1)
	assert.NotContains(t, res.Discarded, foreignRev, "the later sibling is kept")

	price, _ := res.Winner.Number("price")
	assert.Equal(t, 6.0, price, "later-updated sibling wins")

	t.Run("single revision remains", func(t *testing.T) {
		sibs, err := st.Siblings(ctx, models.EntityProduct, id)
		require.NoError(t, err)
		assert.Len(t, sibs, 1)

		ids, err := st.Conflicts(ctx, models.EntityProduct)
		require.NoError(t, err)
		assert.NotContains(t, ids, id)
	})
}

func TestResolveMerge(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	// The local sibling has a field the foreign one lacks; the foreign one
	// updated the quantity later.
	id, _ := makeConflict(t, st,
		map[string]interface{}{"name": "Milk", "stock_quantity": 10.0, "supplier": "DairyCo"},
		map[string]interface{}{"name": "Milk", "stock_quantity": 7.0},
	)

	res, err := r.Resolve(ctx, models.EntityProduct, id, Merge)
	require.NoError(t, err)
	require.NotNil(t, res.Winner)

	qty, _ := res.Winner.Number("stock_quantity")
	assert.Equal(t, 7.0, qty, "quantity from the later-updated sibling")
	assert.Equal(t, "DairyCo", res.Winner.String("supplier"), "missing field carried over")
}

func TestResolveManual(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	id, _ := makeConflict(t, st,
		map[string]interface{}{"name": "Milk", "price": 5.0},
		map[string]interface{}{"name": "Milk", "price": 6.0},
	)

	res, err := r.Resolve(ctx, models.EntityProduct, id, Manual)
	require.NoError(t, err)
	assert.Nil(t, res.Winner)
	assert.Len(t, res.Versions, 2)

	// Manual resolution must not touch the store.
	sibs, err := st.Siblings(ctx, models.EntityProduct, id)
	require.NoError(t, err)
	assert.Len(t, sibs, 2)
}

func TestResolveNoSiblings(t *testing.T) {
	r, _ := newResolver(t)

	_, err := r.Resolve(context.Background(), models.EntityProduct, "gone", Latest)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestResolveSingleSibling(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	doc, err := st.Create(ctx, models.EntityProduct, map[string]interface{}{"name": "Milk"})
	require.NoError(t, err)

	res, err := r.Resolve(ctx, models.EntityProduct, doc.ID, Latest)
	require.NoError(t, err)
	assert.Equal(t, doc.Rev, res.Winner.Rev)
	assert.Empty(t, res.Discarded)
}

func TestResolveDeterminism(t *testing.T) {
	// Two replicas resolving the same conflict with the same strategy must
	// agree on the winner. Equal timestamps exercise the revision tie-break.
	a := &models.Document{ID: "d", Rev: "1-aaaa", Fields: map[string]interface{}{"v": 1.0}}
	b := &models.Document{ID: "d", Rev: "1-bbbb", Fields: map[string]interface{}{"v": 2.0}}

	assert.Equal(t, mostRecent([]*models.Document{a, b}), mostRecent([]*models.Document{b, a}))
	assert.Equal(t, "1-bbbb", mostRecent([]*models.Document{a, b}).Rev)
}
