package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/customer"
	"github.com/xenking/shopfront/internal/domain/payment"
	"github.com/xenking/shopfront/internal/domain/product"
	"github.com/xenking/shopfront/internal/domain/stock"
)

// Sentinel errors for checkout validation.
var (
	ErrEmptyItems      = errors.New("items required")
	ErrMissingCustomer = errors.New("customer id and email required")
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

// InsufficientStockError indicates the cart asks for more units than the
// ledger currently holds.
type InsufficientStockError struct {
	ProductID string
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: %d available", e.ProductID, e.Available)
}

// CartLine is one requested line of a checkout.
type CartLine struct {
	ProductID string
	Color     string
	Size      string
	Quantity  int
}

// CheckoutRequest holds the input for a checkout.
type CheckoutRequest struct {
	Items           []CartLine
	Customer        customer.Ref
	ShippingAddress Address
	CouponCode      string
}

// CheckoutResult is returned after the remote payment order exists and the
// order was persisted.
type CheckoutResult struct {
	Order         *Order
	SessionHandle string
	// CouponRejected is set when a single-use coupon was already redeemed
	// and the order fell back to full price.
	CouponRejected bool
}

// CheckoutConfig tunes the Service.
type CheckoutConfig struct {
	Currency       string
	ValidityWindow time.Duration
}

// Service encapsulates checkout business logic.
type Service struct {
	products product.Repository
	stock    stock.Ledger
	coupons  coupon.Validator
	gateway  payment.Gateway
	orders   Store
	cfg      CheckoutConfig

	checkouts metric.Int64Counter
	now       func() time.Time
	newID     func() string
}

// NewService creates a checkout Service. A nil meter provider disables metrics.
func NewService(
	products product.Repository,
	ledger stock.Ledger,
	coupons coupon.Validator,
	gateway payment.Gateway,
	orders Store,
	cfg CheckoutConfig,
	mp metric.MeterProvider,
) (*Service, error) {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = 15 * time.Minute
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	checkouts, err := mp.Meter("shopfront/checkout").Int64Counter("shop.checkout.orders",
		metric.WithDescription("Checkout attempts by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create checkout counter")
	}
	return &Service{
		products:  products,
		stock:     ledger,
		coupons:   coupons,
		gateway:   gateway,
		orders:    orders,
		cfg:       cfg,
		checkouts: checkouts,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}, nil
}

// Checkout validates the cart against current stock, prices it server-side,
// creates the remote payment order and persists an unsettled Order.
//
// Stock is only checked, not reserved: two checkouts may both pass for the
// last unit and both later settle.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	res, err := s.checkout(ctx, req)
	s.checkouts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", checkoutResult(err))))
	return res, err
}

func (s *Service) checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}
	if req.Customer.ID == "" || req.Customer.Email == "" {
		return nil, ErrMissingCustomer
	}

	// Collect ids and the requested quantity per product.
	ids := make([]string, 0, len(req.Items))
	requested := make(map[string]int, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: item.ProductID}
		}
		if _, ok := requested[item.ProductID]; !ok {
			ids = append(ids, item.ProductID)
		}
		requested[item.ProductID] += item.Quantity
	}

	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	products := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		products[p.ID] = p
	}
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			return nil, &ProductNotFoundError{ProductID: id}
		}
	}

	available, err := s.stock.ReadMany(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "read stock")
	}
	for _, id := range ids {
		if qty := available[id]; requested[id] > qty {
			return nil, &InsufficientStockError{ProductID: id, Available: max(qty, 0)}
		}
	}

	items := make([]LineItem, len(req.Items))
	couponItems := make([]coupon.Item, len(req.Items))
	for i, line := range req.Items {
		p := products[line.ProductID]
		items[i] = LineItem{
			ProductID: p.ID,
			Name:      p.Name,
			Color:     line.Color,
			Size:      line.Size,
			Quantity:  line.Quantity,
			UnitPrice: p.Price,
		}
		couponItems[i] = coupon.Item{ProductID: p.ID, Price: p.Price, Quantity: line.Quantity}
	}
	subtotal := coupon.Subtotal(couponItems)

	var (
		discount       *coupon.Discount
		couponRejected bool
	)
	if req.CouponCode != "" {
		discount, err = s.coupons.Validate(ctx, req.CouponCode, req.Customer.ID, couponItems)
		switch {
		case errors.Is(err, coupon.ErrCouponAlreadyUsed):
			discount, couponRejected = nil, true
		case err != nil:
			return nil, errors.Wrap(err, "validate coupon")
		}
	}

	// Total = subtotal - discount, floored at zero and rounded to 2 decimal places.
	discountAmount := decimal.Zero
	if discount != nil {
		discountAmount = discount.Amount
	}
	total := subtotal.Sub(discountAmount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	now := s.now()
	o := &Order{
		ID:              s.newID(),
		Status:          StatusUnsettled,
		Items:           items,
		Subtotal:        subtotal.Round(2),
		Discount:        discountAmount.Round(2),
		Total:           total.Round(2),
		Currency:        s.cfg.Currency,
		Customer:        req.Customer,
		ShippingAddress: req.ShippingAddress,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.ValidityWindow),
	}
	if discount != nil {
		o.CouponCode = discount.Code
		o.CouponSingleUse = discount.SingleUse
	}

	remote, err := s.gateway.CreateOrder(ctx, payment.CreateOrderRequest{
		OrderID:  o.ID,
		Amount:   o.Total,
		Currency: o.Currency,
		Customer: payment.Customer{
			ID:    o.Customer.ID,
			Email: o.Customer.Email,
			Name:  o.Customer.Name,
			Phone: o.Customer.Phone,
		},
		Lines:     summarize(items),
		ExpiresAt: o.ExpiresAt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create remote order")
	}
	o.RemoteOrderID = remote.RemoteOrderID
	o.PaymentSessionID = remote.SessionHandle

	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	return &CheckoutResult{
		Order:          o,
		SessionHandle:  remote.SessionHandle,
		CouponRejected: couponRejected,
	}, nil
}

func summarize(items []LineItem) []payment.LineSummary {
	lines := make([]payment.LineSummary, len(items))
	for i, item := range items {
		lines[i] = payment.LineSummary{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			Amount:    item.Amount().Round(2),
		}
	}
	return lines
}

func checkoutResult(err error) string {
	var (
		stockErr   *InsufficientStockError
		gatewayErr *payment.GatewayError
	)
	switch {
	case err == nil:
		return "created"
	case errors.As(err, &stockErr):
		return "insufficient_stock"
	case errors.As(err, &gatewayErr):
		return "gateway_error"
	default:
		return "rejected"
	}
}
