// Package stock defines the per-product inventory counter.
//
// The Ledger deliberately has no generic read-modify-write method: every
// mutation is a single atomic statement against the counter.
package stock

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrUnknownProduct is returned when no counter exists for a product.
var ErrUnknownProduct = errors.New("unknown product")

// Counter is a snapshot of one product's stock.
type Counter struct {
	ProductID string
	Quantity  int
}

// Available reports whether the product can still be sold.
func (c Counter) Available() bool { return c.Quantity > 0 }

// Ledger is the narrow set of stock primitives.
type Ledger interface {
	// Decrement atomically subtracts amount and returns the new quantity.
	// It is not gated on availability: the result may be negative.
	Decrement(ctx context.Context, productID string, amount int) (int, error)
	// Read returns the current quantity for an advisory check.
	Read(ctx context.Context, productID string) (int, error)
	// ReadMany returns quantities keyed by product id. Products without a
	// counter are absent from the result.
	ReadMany(ctx context.Context, productIDs []string) (map[string]int, error)
	// Restock sets an absolute quantity. Used by seeding and imports.
	Restock(ctx context.Context, productID string, quantity int) error
}
