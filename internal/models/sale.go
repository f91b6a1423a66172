package models

import (
	"encoding/json"
	"time"
)

// Sync status values for sale documents. Every local create or update tags
// the sale pending; the sync engine flips it to synced after the remote
// accepts the document.
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
)

// SaleItem is one line of a sale.
type SaleItem struct {
	ProductID   string  `json:"product_id"`
	Name        string  `json:"name,omitempty"`
	Price       float64 `json:"price"`
	BuyingPrice float64 `json:"buying_price"`
	Quantity    int     `json:"quantity"`
}

// Sale is the typed view of a sale document. The derived money fields are
// computed once at write time and never recomputed on read.
type Sale struct {
	ID            string     `json:"id"`
	Rev           string     `json:"rev"`
	CashierID     string     `json:"cashier_id"`
	PaymentMethod string     `json:"payment_method"`
	Items         []SaleItem `json:"items"`
	TotalRevenue  float64    `json:"total_revenue"`
	TotalCost     float64    `json:"total_cost"`
	Profit        float64    `json:"profit"`
	ProfitMargin  float64    `json:"profit_margin"`
	SyncStatus    string     `json:"sync_status"`
	Voided        bool       `json:"voided,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ComputeTotals fills the derived fields from the line items. The margin is
// a percentage of revenue, zero when revenue is zero.
func (s *Sale) ComputeTotals() {
	var revenue, cost float64
	for _, item := range s.Items {
		qty := float64(item.Quantity)
		revenue += item.Price * qty
		cost += item.BuyingPrice * qty
	}
	s.TotalRevenue = revenue
	s.TotalCost = cost
	s.Profit = revenue - cost
	if revenue > 0 {
		s.ProfitMargin = s.Profit / revenue * 100
	} else {
		s.ProfitMargin = 0
	}
}

// ToFields renders the sale as a document body.
func (s *Sale) ToFields() map[string]interface{} {
	items := make([]interface{}, 0, len(s.Items))
	for _, item := range s.Items {
		items = append(items, map[string]interface{}{
			"product_id":   item.ProductID,
			"name":         item.Name,
			"price":        item.Price,
			"buying_price": item.BuyingPrice,
			"quantity":     item.Quantity,
		})
	}
	return map[string]interface{}{
		"cashier_id":     s.CashierID,
		"payment_method": s.PaymentMethod,
		"items":          items,
		"total_amount":   s.TotalRevenue,
		"total_revenue":  s.TotalRevenue,
		"total_cost":     s.TotalCost,
		"profit":         s.Profit,
		"profit_margin":  s.ProfitMargin,
		"sync_status":    s.SyncStatus,
		"voided":         s.Voided,
	}
}

// SaleFromDocument builds the typed view from a stored document.
func SaleFromDocument(doc *Document) *Sale {
	revenue, _ := doc.Number("total_revenue")
	cost, _ := doc.Number("total_cost")
	profit, _ := doc.Number("profit")
	margin, _ := doc.Number("profit_margin")

	sale := &Sale{
		ID:            doc.ID,
		Rev:           doc.Rev,
		CashierID:     doc.String("cashier_id"),
		PaymentMethod: doc.String("payment_method"),
		TotalRevenue:  revenue,
		TotalCost:     cost,
		Profit:        profit,
		ProfitMargin:  margin,
		SyncStatus:    doc.String("sync_status"),
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
	if v, ok := doc.Fields["voided"].(bool); ok {
		sale.Voided = v
	}

	// Items survive a marshal round trip regardless of whether the body
	// came from JSON decoding or an in-process ToFields call.
	if raw, ok := doc.Fields["items"]; ok {
		if b, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(b, &sale.Items)
		}
	}

	return sale
}
