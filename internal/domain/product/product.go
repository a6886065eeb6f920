package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is a catalog entry. Only the fields checkout and notifications
// need are loaded; catalog management lives elsewhere.
type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Category  string
	Thumbnail string
}

// Repository defines read operations for the product catalog.
type Repository interface {
	// GetByIDs returns the products that exist among ids, in no particular
	// order. Missing ids are silently skipped.
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
