package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage applies a percentage-based discount to the subtotal,
	// optionally capped by Rule.MaxDiscount.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed applies a fixed monetary discount capped at the subtotal.
	DiscountFixed DiscountType = "fixed"
	// DiscountFreeLowest removes the cost of the cheapest unit in the cart.
	DiscountFreeLowest DiscountType = "free_lowest"
)

var (
	// ErrInvalidCoupon is returned when a coupon code is not found or
	// the cart does not satisfy the coupon's minimum item requirement.
	ErrInvalidCoupon = errors.New("invalid coupon code")
	// ErrCouponExpired is returned when a coupon is outside its valid time window.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrCouponAlreadyUsed is returned when a single-use coupon has already
	// been redeemed by the customer.
	ErrCouponAlreadyUsed = errors.New("coupon already used")
)

// Rule defines a coupon's discount behaviour and eligibility constraints.
type Rule struct {
	Code         string
	DiscountType DiscountType
	Value        decimal.Decimal
	MinItems     int
	Description  string
	ValidFrom    *time.Time
	ValidUntil   *time.Time
	SingleUse    bool
	MaxDiscount  decimal.Decimal
}

// Discount holds the computed discount for a cart.
type Discount struct {
	Code        string
	Amount      decimal.Decimal
	Description string
	SingleUse   bool
}

// Item represents a line item in the cart for discount calculation purposes.
type Item struct {
	ProductID string
	Price     decimal.Decimal
	Quantity  int
}

// Repository provides lookup of coupon rules.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Rule, error)
}

// Tracker records single-use coupon consumption per customer.
type Tracker interface {
	// TryRedeem atomically records (userID, code). It returns false when the
	// pair already exists; that is a normal outcome, not an error.
	TryRedeem(ctx context.Context, userID, code, orderID string) (bool, error)
	// IsRedeemed reports whether (userID, code) was recorded.
	IsRedeemed(ctx context.Context, userID, code string) (bool, error)
}

// Normalize returns the canonical form of a coupon code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
