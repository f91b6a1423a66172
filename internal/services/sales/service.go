// Package sales records till transactions and derives the reports the POS
// frontend shows. Money fields are computed once when the sale is written;
// reports aggregate stored values and never recompute line math.
package sales

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tillsync/tillsync/internal/events"
	"github.com/tillsync/tillsync/internal/models"
	"github.com/tillsync/tillsync/internal/resolver"
	"github.com/tillsync/tillsync/internal/services/products"
	"github.com/tillsync/tillsync/internal/store"
)

// Summary aggregates sales over a time window.
type Summary struct {
	From         time.Time          `json:"from"`
	To           time.Time          `json:"to"`
	SalesCount   int                `json:"sales_count"`
	TotalRevenue float64            `json:"total_revenue"`
	TotalCost    float64            `json:"total_cost"`
	Profit       float64            `json:"profit"`
	ProfitMargin float64            `json:"profit_margin"`
	ByPayment    map[string]float64 `json:"by_payment,omitempty"`
}

// ProductSales ranks one product's movement over a window.
type ProductSales struct {
	ProductID    string  `json:"product_id"`
	Name         string  `json:"name"`
	QuantitySold int     `json:"quantity_sold"`
	Revenue      float64 `json:"revenue"`
}

// CashierStats aggregates one cashier's activity over a window.
type CashierStats struct {
	CashierID    string  `json:"cashier_id"`
	SalesCount   int     `json:"sales_count"`
	TotalRevenue float64 `json:"total_revenue"`
	Profit       float64 `json:"profit"`
}

// Service handles sale recording and reporting.
type Service struct {
	store    store.Store
	resolver *resolver.Resolver
	products *products.Service
	logger   *events.Logger
}

// NewService creates a sales service.
func NewService(st store.Store, res *resolver.Resolver, prods *products.Service, logger *events.Logger) *Service {
	return &Service{
		store:    st,
		resolver: res,
		products: prods,
		logger:   logger.WithField("service", "sales"),
	}
}

// CreateSale computes totals, writes the sale as pending upload, and walks
// the line items down from stock. Stock adjustment is best effort: a sale at
// the till must never fail because the catalog is stale.
func (s *Service) CreateSale(ctx context.Context, sale *models.Sale) (*models.Sale, error) {
	if err := validate(sale); err != nil {
		return nil, err
	}

	sale.ComputeTotals()
	sale.SyncStatus = models.SyncPending

	doc, err := s.store.Create(ctx, models.EntitySale, sale.ToFields())
	if err != nil {
		return nil, err
	}

	for _, item := range sale.Items {
		if item.ProductID == "" {
			continue
		}
		if _, err := s.products.UpdateStock(ctx, item.ProductID, products.StockSubtract, item.Quantity); err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"sale_id":    doc.ID,
				"product_id": item.ProductID,
			}).Warn("Failed to adjust stock for sold item")
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"id":      doc.ID,
		"revenue": sale.TotalRevenue,
		"items":   len(sale.Items),
	}).Info("Sale recorded")
	return models.SaleFromDocument(doc), nil
}

// VoidSale marks a recorded sale as voided and returns its items to stock.
// The write goes through conflict resolution so a void entered after the
// sale's replica diverged still lands. Restocking is best effort, matching
// the stock walk-down on the original sale.
func (s *Service) VoidSale(ctx context.Context, id string) (*models.Sale, error) {
	doc, err := s.withConflictRetry(ctx, id, func() (*models.Document, error) {
		current, err := s.store.Get(ctx, models.EntitySale, id)
		if err != nil {
			return nil, err
		}
		if v, ok := current.Fields["voided"].(bool); ok && v {
			return nil, fmt.Errorf("sale %s is already voided", id)
		}
		return s.store.Update(ctx, models.EntitySale, id, map[string]interface{}{
			"voided":      true,
			"sync_status": models.SyncPending,
		})
	})
	if err != nil {
		return nil, err
	}

	sale := models.SaleFromDocument(doc)
	for _, item := range sale.Items {
		if item.ProductID == "" {
			continue
		}
		if _, err := s.products.UpdateStock(ctx, item.ProductID, products.StockAdd, item.Quantity); err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"sale_id":    id,
				"product_id": item.ProductID,
			}).Warn("Failed to restock voided item")
		}
	}

	s.logger.WithField("id", id).Info("Sale voided")
	return sale, nil
}

// Get returns a sale by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Sale, error) {
	doc, err := s.store.Get(ctx, models.EntitySale, id)
	if err != nil {
		return nil, err
	}
	return models.SaleFromDocument(doc), nil
}

// List returns a page of sales, newest first.
func (s *Service) List(ctx context.Context, limit, skip int) ([]*models.Sale, error) {
	docs, err := s.store.Find(ctx, models.EntitySale, store.Selector{},
		store.FindOptions{
			Limit: limit,
			Skip:  skip,
			Sort:  []store.SortOrder{{Field: "created_at", Desc: true}},
		})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Sale, 0, len(docs))
	for _, doc := range docs {
		out = append(out, models.SaleFromDocument(doc))
	}
	return out, nil
}

// DailySummary aggregates the calendar day containing the given time, in the
// time's location.
func (s *Service) DailySummary(ctx context.Context, day time.Time) (*Summary, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return s.summarize(ctx, from, from.AddDate(0, 0, 1))
}

// MonthlySummary aggregates one calendar month.
func (s *Service) MonthlySummary(ctx context.Context, year int, month time.Month) (*Summary, error) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.Local)
	return s.summarize(ctx, from, from.AddDate(0, 1, 0))
}

// TopProducts ranks products by quantity sold since the given time.
func (s *Service) TopProducts(ctx context.Context, since time.Time, limit int) ([]ProductSales, error) {
	sales, err := s.between(ctx, since, time.Now().Add(time.Second))
	if err != nil {
		return nil, err
	}

	byProduct := make(map[string]*ProductSales)
	for _, sale := range sales {
		for _, item := range sale.Items {
			ps := byProduct[item.ProductID]
			if ps == nil {
				ps = &ProductSales{ProductID: item.ProductID, Name: item.Name}
				byProduct[item.ProductID] = ps
			}
			ps.QuantitySold += item.Quantity
			ps.Revenue += item.Price * float64(item.Quantity)
			if ps.Name == "" {
				ps.Name = item.Name
			}
		}
	}

	ranked := make([]ProductSales, 0, len(byProduct))
	for _, ps := range byProduct {
		ranked = append(ranked, *ps)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].QuantitySold != ranked[j].QuantitySold {
			return ranked[i].QuantitySold > ranked[j].QuantitySold
		}
		return ranked[i].ProductID < ranked[j].ProductID
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// CashierPerformance aggregates per-cashier activity since the given time.
func (s *Service) CashierPerformance(ctx context.Context, since time.Time) ([]CashierStats, error) {
	sales, err := s.between(ctx, since, time.Now().Add(time.Second))
	if err != nil {
		return nil, err
	}

	byCashier := make(map[string]*CashierStats)
	for _, sale := range sales {
		cs := byCashier[sale.CashierID]
		if cs == nil {
			cs = &CashierStats{CashierID: sale.CashierID}
			byCashier[sale.CashierID] = cs
		}
		cs.SalesCount++
		cs.TotalRevenue += sale.TotalRevenue
		cs.Profit += sale.Profit
	}

	stats := make([]CashierStats, 0, len(byCashier))
	for _, cs := range byCashier {
		stats = append(stats, *cs)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].TotalRevenue != stats[j].TotalRevenue {
			return stats[i].TotalRevenue > stats[j].TotalRevenue
		}
		return stats[i].CashierID < stats[j].CashierID
	})
	return stats, nil
}

// PendingCount reports how many sales still await upload.
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	return s.store.PendingCount(ctx, models.EntitySale)
}

func (s *Service) summarize(ctx context.Context, from, to time.Time) (*Summary, error) {
	sales, err := s.between(ctx, from, to)
	if err != nil {
		return nil, err
	}

	summary := &Summary{From: from, To: to, ByPayment: make(map[string]float64)}
	for _, sale := range sales {
		summary.SalesCount++
		summary.TotalRevenue += sale.TotalRevenue
		summary.TotalCost += sale.TotalCost
		summary.Profit += sale.Profit
		if sale.PaymentMethod != "" {
			summary.ByPayment[sale.PaymentMethod] += sale.TotalRevenue
		}
	}
	if summary.TotalRevenue > 0 {
		summary.ProfitMargin = summary.Profit / summary.TotalRevenue * 100
	}
	return summary, nil
}

// between loads sales in [from, to). Timestamps live in document metadata
// rather than the body, so the window filter runs here. Voided sales drop
// out of every report.
func (s *Service) between(ctx context.Context, from, to time.Time) ([]*models.Sale, error) {
	docs, err := s.store.Find(ctx, models.EntitySale, store.Selector{},
		store.FindOptions{Sort: []store.SortOrder{{Field: "created_at"}}})
	if err != nil {
		return nil, err
	}

	var sales []*models.Sale
	for _, doc := range docs {
		if doc.CreatedAt.Before(from) || !doc.CreatedAt.Before(to) {
			continue
		}
		if v, ok := doc.Fields["voided"].(bool); ok && v {
			continue
		}
		sales = append(sales, models.SaleFromDocument(doc))
	}
	return sales, nil
}

// withConflictRetry runs a sale write, and on a revision conflict resolves
// the document in favor of the latest writer and retries once.
func (s *Service) withConflictRetry(ctx context.Context, id string, fn func() (*models.Document, error)) (*models.Document, error) {
	doc, err := fn()
	if err == nil {
		return doc, nil
	}

	var conflict *models.ConflictError
	if !errors.As(err, &conflict) {
		return nil, err
	}

	s.logger.WithField("id", id).Debug("Write conflict, resolving and retrying")
	if _, rerr := s.resolver.Resolve(ctx, models.EntitySale, id, resolver.Latest); rerr != nil {
		return nil, fmt.Errorf("resolve conflict: %w", rerr)
	}
	return fn()
}

func validate(sale *models.Sale) error {
	if sale.CashierID == "" {
		return fmt.Errorf("cashier id is required")
	}
	if len(sale.Items) == 0 {
		return fmt.Errorf("sale needs at least one item")
	}
	for i, item := range sale.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("item %d: quantity must be positive", i)
		}
		if item.Price < 0 || item.BuyingPrice < 0 {
			return fmt.Errorf("item %d: prices must not be negative", i)
		}
	}
	return nil
}
