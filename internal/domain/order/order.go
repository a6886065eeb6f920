package order

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/customer"
	"github.com/xenking/shopfront/internal/domain/stock"
)

// ErrNotFound is returned when an order does not exist.
var ErrNotFound = errors.New("order not found")

// Status is the payment status of an order.
type Status string

const (
	StatusUnsettled Status = "unsettled"
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further payment transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed
}

// Effect names a side effect that runs after an order is paid. Effects are
// recorded on the order once done, except the confirmation email which is
// recorded before it is sent.
type Effect string

const (
	EffectCustomer     Effect = "customer"
	EffectCart         Effect = "cart"
	EffectConfirmation Effect = "confirmation"
	EffectEvent        Effect = "event"
)

// PaidEffects lists the post-settlement effects in execution order.
var PaidEffects = []Effect{EffectCustomer, EffectCart, EffectConfirmation, EffectEvent}

// AtMostOnce reports whether e must be claimed before it runs. The others are
// idempotent and are recorded only after they succeed.
func (e Effect) AtMostOnce() bool {
	return e == EffectConfirmation
}

// LineItem is an immutable order line with the unit price captured at checkout.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Color     string          `json:"color,omitempty"`
	Size      string          `json:"size,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Amount returns UnitPrice * Quantity.
func (li LineItem) Amount() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Address is the shipping address snapshot.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Order is a financial record of one checkout. It is never deleted.
type Order struct {
	ID               string
	RemoteOrderID    string
	PaymentSessionID string
	Status           Status
	Items            []LineItem
	Subtotal         decimal.Decimal
	Discount         decimal.Decimal
	Total            decimal.Decimal
	Currency         string
	CouponCode       string
	CouponSingleUse  bool
	Customer         customer.Ref
	ShippingAddress  Address
	PaymentID        string
	TrackingLink     string
	ClaimedEffects   []Effect
	CreatedAt        time.Time
	ExpiresAt        time.Time
	SettledAt        *time.Time
}

// Expired reports whether the order is still unsettled past its validity window.
func (o *Order) Expired(now time.Time) bool {
	return o.Status == StatusUnsettled && now.After(o.ExpiresAt)
}

// Claimed reports whether e was already claimed for this order.
func (o *Order) Claimed(e Effect) bool {
	return slices.Contains(o.ClaimedEffects, e)
}

// Demand is the total quantity of one product across an order's lines.
type Demand struct {
	ProductID string
	Quantity  int
}

// Demand sums line quantities per product, sorted by product id. Stock rows
// are locked in this order so concurrent settlements never deadlock.
func (o *Order) Demand() []Demand {
	totals := make(map[string]int, len(o.Items))
	for _, item := range o.Items {
		totals[item.ProductID] += item.Quantity
	}
	out := make([]Demand, 0, len(totals))
	for _, id := range slices.Sorted(maps.Keys(totals)) {
		out = append(out, Demand{ProductID: id, Quantity: totals[id]})
	}
	return out
}

// Clone returns a deep copy of o.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = slices.Clone(o.Items)
	c.ClaimedEffects = slices.Clone(o.ClaimedEffects)
	if o.SettledAt != nil {
		t := *o.SettledAt
		c.SettledAt = &t
	}
	return &c
}

// Tx exposes the primitives allowed inside a status transition. Everything
// done through it commits or rolls back together with the status change.
type Tx interface {
	Stock() stock.Ledger
	Redemptions() coupon.Tracker
}

// TransitionFunc computes the next state of a locked order. Returning a nil
// order leaves the stored order untouched.
type TransitionFunc func(ctx context.Context, tx Tx, current *Order) (*Order, error)

// Store persists orders. Transition is the only way to change payment
// fields of an existing order.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByRemoteID(ctx context.Context, remoteOrderID string) (*Order, error)
	// Transition runs fn while holding an exclusive lock on the order and
	// persists the returned order's status, payment id, tracking link and
	// settlement time. applied is false when fn returned nil.
	Transition(ctx context.Context, id string, fn TransitionFunc) (o *Order, applied bool, err error)
	// ClaimEffect atomically records e on the order. It returns false when it
	// was already recorded.
	ClaimEffect(ctx context.Context, id string, e Effect) (bool, error)
}
