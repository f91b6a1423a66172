// Package testutil provides shared fixtures for store and sync tests.
package testutil

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tillsync/tillsync/internal/events"
	"github.com/tillsync/tillsync/internal/models"
	"github.com/tillsync/tillsync/internal/store"
)

// NewTestLogger creates a quiet debug logger.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// NewTestStore opens a SQLite store in a temp directory, cleaned up with the
// test.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tillsync.db")
	st, err := store.NewSQLiteStore(path, 5*time.Second, NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// ProductFields returns a product document body.
func ProductFields(name, sku string, price float64, stock int) map[string]interface{} {
	return map[string]interface{}{
		"name":           name,
		"sku":            sku,
		"price":          price,
		"buying_price":   price * 0.6,
		"stock_quantity": stock,
	}
}

// Sample sale fixture: two lines, revenue 20, cost 12.
func SampleSale(cashierID string) *models.Sale {
	return &models.Sale{
		CashierID:     cashierID,
		PaymentMethod: "cash",
		Items: []models.SaleItem{
			{ProductID: "prod-1", Name: "Milk 500ml", Price: 5, BuyingPrice: 3, Quantity: 2},
			{ProductID: "prod-2", Name: "Bread", Price: 10, BuyingPrice: 6, Quantity: 1},
		},
	}
}
