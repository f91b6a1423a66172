// Package products exposes the catalog operations the POS frontend calls:
// typed CRUD over product documents plus stock adjustment with conflict
// recovery.
package products

import (
	"context"
	"errors"
	"fmt"

	"github.com/tillsync/tillsync/internal/events"
	"github.com/tillsync/tillsync/internal/models"
	"github.com/tillsync/tillsync/internal/resolver"
	"github.com/tillsync/tillsync/internal/store"
)

// StockOp names a stock adjustment mode.
type StockOp string

const (
	StockAdd      StockOp = "add"
	StockSubtract StockOp = "subtract"
	StockSet      StockOp = "set"
)

// StockUpdate is one line of a bulk stock adjustment.
type StockUpdate struct {
	ProductID string  `json:"product_id"`
	Op        StockOp `json:"op"`
	Quantity  int     `json:"quantity"`
}

// BulkStockResult reports partial success of a bulk adjustment.
type BulkStockResult struct {
	Successful int                        `json:"successful"`
	Failed     []models.BulkItemError     `json:"failed,omitempty"`
	Products   map[string]*models.Product `json:"-"`
}

// Service handles product operations.
type Service struct {
	store    store.Store
	resolver *resolver.Resolver
	logger   *events.Logger
}

// NewService creates a product service.
func NewService(st store.Store, res *resolver.Resolver, logger *events.Logger) *Service {
	return &Service{
		store:    st,
		resolver: res,
		logger:   logger.WithField("service", "products"),
	}
}

// Create validates and persists a new product. SKUs are unique within the
// catalog.
func (s *Service) Create(ctx context.Context, product *models.Product) (*models.Product, error) {
	if err := validate(product); err != nil {
		return nil, err
	}

	if existing, err := s.FindBySKU(ctx, product.SKU); err == nil && existing != nil {
		return nil, fmt.Errorf("sku %q already in use by %s", product.SKU, existing.ID)
	} else if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	doc, err := s.store.Create(ctx, models.EntityProduct, product.ToFields())
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"id":  doc.ID,
		"sku": product.SKU,
	}).Info("Product created")
	return models.ProductFromDocument(doc), nil
}

// Get returns a product by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Product, error) {
	doc, err := s.store.Get(ctx, models.EntityProduct, id)
	if err != nil {
		return nil, err
	}
	return models.ProductFromDocument(doc), nil
}

// FindBySKU returns the product carrying the given SKU.
func (s *Service) FindBySKU(ctx context.Context, sku string) (*models.Product, error) {
	docs, err := s.store.Find(ctx, models.EntityProduct,
		store.Selector{"sku": store.Eq(sku)},
		store.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, &models.NotFoundError{Entity: models.EntityProduct, ID: sku}
	}
	return models.ProductFromDocument(docs[0]), nil
}

// Search returns products whose name contains the given text, ignoring case.
func (s *Service) Search(ctx context.Context, name string) ([]*models.Product, error) {
	docs, err := s.store.Find(ctx, models.EntityProduct,
		store.Selector{"name": store.Contains(name)},
		store.FindOptions{Sort: []store.SortOrder{{Field: "name"}}})
	if err != nil {
		return nil, err
	}
	return fromDocuments(docs), nil
}

// List returns a page of the catalog ordered by name.
func (s *Service) List(ctx context.Context, limit, skip int) ([]*models.Product, error) {
	docs, err := s.store.Find(ctx, models.EntityProduct, store.Selector{},
		store.FindOptions{
			Limit: limit,
			Skip:  skip,
			Sort:  []store.SortOrder{{Field: "name"}},
		})
	if err != nil {
		return nil, err
	}
	return fromDocuments(docs), nil
}

// Update applies a partial change to a product, retrying once through the
// resolver when a concurrent write got there first.
func (s *Service) Update(ctx context.Context, id string, partial map[string]interface{}) (*models.Product, error) {
	doc, err := s.withConflictRetry(ctx, id, func() (*models.Document, error) {
		return s.store.Update(ctx, models.EntityProduct, id, partial)
	})
	if err != nil {
		return nil, err
	}
	return models.ProductFromDocument(doc), nil
}

// UpdateStock adjusts a product's stock level. Subtracting below zero clamps
// at zero rather than going negative.
func (s *Service) UpdateStock(ctx context.Context, id string, op StockOp, quantity int) (*models.Product, error) {
	if quantity < 0 {
		return nil, fmt.Errorf("stock quantity must not be negative: %d", quantity)
	}

	doc, err := s.withConflictRetry(ctx, id, func() (*models.Document, error) {
		current, err := s.store.Get(ctx, models.EntityProduct, id)
		if err != nil {
			return nil, err
		}
		stock, _ := current.Number("stock_quantity")

		var next int
		switch op {
		case StockAdd:
			next = int(stock) + quantity
		case StockSubtract:
			next = int(stock) - quantity
		case StockSet:
			next = quantity
		default:
			return nil, fmt.Errorf("unknown stock op: %q", op)
		}
		if next < 0 {
			next = 0
		}

		return s.store.Update(ctx, models.EntityProduct, id,
			map[string]interface{}{"stock_quantity": next})
	})
	if err != nil {
		return nil, err
	}
	return models.ProductFromDocument(doc), nil
}

// BulkUpdateStock applies stock adjustments item by item. Failures do not
// roll back earlier items; the result names each failed id.
func (s *Service) BulkUpdateStock(ctx context.Context, updates []StockUpdate) (*BulkStockResult, error) {
	result := &BulkStockResult{Products: make(map[string]*models.Product)}

	for _, update := range updates {
		product, err := s.UpdateStock(ctx, update.ProductID, update.Op, update.Quantity)
		if err != nil {
			result.Failed = append(result.Failed, models.BulkItemError{
				ID:     update.ProductID,
				Reason: err.Error(),
			})
			s.logger.WithError(err).WithField("id", update.ProductID).Warn("Bulk stock item failed")
			continue
		}
		result.Successful++
		result.Products[update.ProductID] = product
	}
	return result, nil
}

// LowStock returns products at or below the threshold, lowest first.
func (s *Service) LowStock(ctx context.Context, threshold int) ([]*models.Product, error) {
	docs, err := s.store.Find(ctx, models.EntityProduct,
		store.Selector{"stock_quantity": store.Lte(threshold)},
		store.FindOptions{Sort: []store.SortOrder{{Field: "stock_quantity"}}})
	if err != nil {
		return nil, err
	}
	return fromDocuments(docs), nil
}

// Delete tombstones a product.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Remove(ctx, models.EntityProduct, id)
}

// withConflictRetry runs a write, and on a revision conflict resolves the
// document in favor of the latest revision and retries exactly once.
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
	if _, rerr := s.resolver.Resolve(ctx, models.EntityProduct, id, resolver.Latest); rerr != nil {
		return nil, fmt.Errorf("resolve conflict: %w", rerr)
	}
	return fn()
}

func validate(p *models.Product) error {
	switch {
	case p.Name == "":
		return fmt.Errorf("product name is required")
	case p.SKU == "":
		return fmt.Errorf("product sku is required")
	case p.Price < 0:
		return fmt.Errorf("price must not be negative")
	case p.BuyingPrice < 0:
		return fmt.Errorf("buying price must not be negative")
	case p.StockQuantity < 0:
		return fmt.Errorf("stock quantity must not be negative")
	}
	return nil
}

func fromDocuments(docs []*models.Document) []*models.Product {
	out := make([]*models.Product, 0, len(docs))
	for _, doc := range docs {
		out = append(out, models.ProductFromDocument(doc))
	}
	return out
}
