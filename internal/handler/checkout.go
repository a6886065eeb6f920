package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/payment"
	"github.com/xenking/shopfront/pkg/httpmiddleware"
)

type checkoutItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Color     string `json:"color"`
	Size      string `json:"size"`
}

type checkoutRequest struct {
	Items           []checkoutItem `json:"items"`
	ShippingAddress order.Address  `json:"shipping_address"`
	CouponCode      string         `json:"coupon_code"`
	Phone           string         `json:"phone"`
}

type checkoutResponse struct {
	OrderID          string          `json:"order_id"`
	PaymentSessionID string          `json:"payment_session_id"`
	RemoteOrderID    string          `json:"remote_order_id"`
	Total            decimal.Decimal `json:"total"`
	Discount         decimal.Decimal `json:"discount"`
	Currency         string          `json:"currency"`
	CouponApplied    bool            `json:"coupon_applied"`
	CouponRejected   bool            `json:"coupon_rejected,omitempty"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

// Checkout prices the caller's cart and opens a payment session for it.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := h.decode(w, r, &req); err != nil {
		httpmiddleware.WriteError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ref, _ := identity(r)
	ref.Phone = req.Phone

	lines := make([]order.CartLine, len(req.Items))
	for i, item := range req.Items {
		lines[i] = order.CartLine{
			ProductID: item.ProductID,
			Color:     item.Color,
			Size:      item.Size,
			Quantity:  item.Quantity,
		}
	}

	res, err := h.deps.Checkout.Checkout(r.Context(), order.CheckoutRequest{
		Items:           lines,
		Customer:        ref,
		ShippingAddress: req.ShippingAddress,
		CouponCode:      req.CouponCode,
	})
	if err != nil {
		code, msg := mapCheckoutError(err)
		if code == http.StatusInternalServerError {
			internalError(w, r, "Checkout failed", err)
			return
		}
		httpmiddleware.WriteError(w, code, msg)
		return
	}

	o := res.Order
	writeJSON(w, http.StatusCreated, checkoutResponse{
		OrderID:          o.ID,
		PaymentSessionID: res.SessionHandle,
		RemoteOrderID:    o.RemoteOrderID,
		Total:            o.Total,
		Discount:         o.Discount,
		Currency:         o.Currency,
		CouponApplied:    o.CouponCode != "",
		CouponRejected:   res.CouponRejected,
		ExpiresAt:        o.ExpiresAt,
	})
}

// mapCheckoutError converts domain errors to an HTTP status and client message.
func mapCheckoutError(err error) (int, string) {
	if errors.Is(err, order.ErrEmptyItems) || errors.Is(err, order.ErrMissingCustomer) {
		return http.StatusBadRequest, err.Error()
	}

	var iqErr *order.InvalidQuantityError
	if errors.As(err, &iqErr) {
		return http.StatusBadRequest, iqErr.Error()
	}

	var pnfErr *order.ProductNotFoundError
	if errors.As(err, &pnfErr) {
		return http.StatusNotFound, pnfErr.Error()
	}

	var isErr *order.InsufficientStockError
	if errors.As(err, &isErr) {
		return http.StatusConflict, isErr.Error()
	}

	if errors.Is(err, coupon.ErrInvalidCoupon) {
		return http.StatusUnprocessableEntity, "invalid coupon code"
	}
	if errors.Is(err, coupon.ErrCouponExpired) {
		return http.StatusUnprocessableEntity, "coupon expired"
	}

	var gwErr *payment.GatewayError
	if errors.As(err, &gwErr) {
		return http.StatusBadGateway, gwErr.Error()
	}

	return http.StatusInternalServerError, "internal error"
}
