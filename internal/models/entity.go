package models

import "fmt"

// EntityType identifies a document collection.
type EntityType string

const (
	EntityProduct   EntityType = "product"
	EntitySale      EntityType = "sale"
	EntityCategory  EntityType = "category"
	EntityUser      EntityType = "user"
	EntityInventory EntityType = "inventory"
	EntitySettings  EntityType = "settings"
)

// RegisteredEntities lists every entity type the store manages, in the order
// each gets its collection initialized.
func RegisteredEntities() []EntityType {
	return []EntityType{
		EntityProduct,
		EntitySale,
		EntityCategory,
		EntityUser,
		EntityInventory,
		EntitySettings,
	}
}

// ParseEntityType validates a string against the registered entity types.
func ParseEntityType(s string) (EntityType, error) {
	for _, e := range RegisteredEntities() {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntity, s)
}

// IndexFields returns the document fields queried by the domain adapters for
// an entity type. The index manager builds one secondary index per field.
func IndexFields(entity EntityType) []string {
	switch entity {
	case EntityProduct:
		return []string{"name", "sku", "category_id"}
	case EntitySale:
		return []string{"cashier_id", "total_amount", "payment_method", "sync_status"}
	case EntityCategory:
		return []string{"name"}
	case EntityUser:
		return []string{"username", "role"}
	case EntityInventory:
		return []string{"product_id", "outlet_id"}
	default:
		return nil
	}
}
