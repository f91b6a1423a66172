package models

import "time"

// Product is the typed view of a product document.
type Product struct {
	ID            string    `json:"id"`
	Rev           string    `json:"rev"`
	Name          string    `json:"name"`
	SKU           string    `json:"sku"`
	CategoryID    string    `json:"category_id,omitempty"`
	Price         float64   `json:"price"`
	BuyingPrice   float64   `json:"buying_price"`
	StockQuantity int       `json:"stock_quantity"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ToFields renders the product as a document body.
func (p *Product) ToFields() map[string]interface{} {
	return map[string]interface{}{
		"name":           p.Name,
		"sku":            p.SKU,
		"category_id":    p.CategoryID,
		"price":          p.Price,
		"buying_price":   p.BuyingPrice,
		"stock_quantity": p.StockQuantity,
	}
}

// ProductFromDocument builds the typed view from a stored document.
func ProductFromDocument(doc *Document) *Product {
	price, _ := doc.Number("price")
	buying, _ := doc.Number("buying_price")
	stock, _ := doc.Number("stock_quantity")
	return &Product{
		ID:            doc.ID,
		Rev:           doc.Rev,
		Name:          doc.String("name"),
		SKU:           doc.String("sku"),
		CategoryID:    doc.String("category_id"),
		Price:         price,
		BuyingPrice:   buying,
		StockQuantity: int(stock),
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
}
