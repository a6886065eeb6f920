package customer

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when no customer exists for an external id.
var ErrNotFound = errors.New("customer not found")

// Ref is the customer snapshot copied into an order at checkout.
type Ref struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// Customer is the directory record keyed by external identity.
type Customer struct {
	ExternalID string
	Email      string
	Name       string
	Phone      string
	OrderIDs   []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Directory upserts customer records.
type Directory interface {
	// Upsert creates or refreshes the record for ref and appends orderID to
	// its history unless already present. created reports whether the
	// record did not exist before.
	Upsert(ctx context.Context, ref Ref, orderID string) (created bool, err error)
}
