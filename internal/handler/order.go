package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/pkg/httpmiddleware"
)

type orderResponse struct {
	ID               string           `json:"id"`
	Status           order.Status     `json:"status"`
	Items            []order.LineItem `json:"items"`
	Subtotal         decimal.Decimal  `json:"subtotal"`
	Discount         decimal.Decimal  `json:"discount"`
	Total            decimal.Decimal  `json:"total"`
	Currency         string           `json:"currency"`
	CouponCode       string           `json:"coupon_code,omitempty"`
	PaymentID        string           `json:"payment_id,omitempty"`
	PaymentSessionID string           `json:"payment_session_id"`
	TrackingLink     string           `json:"tracking_link,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ExpiresAt        time.Time        `json:"expires_at"`
	SettledAt        *time.Time       `json:"settled_at,omitempty"`
}

func newOrderResponse(o *order.Order) orderResponse {
	return orderResponse{
		ID:               o.ID,
		Status:           o.Status,
		Items:            o.Items,
		Subtotal:         o.Subtotal,
		Discount:         o.Discount,
		Total:            o.Total,
		Currency:         o.Currency,
		CouponCode:       o.CouponCode,
		PaymentID:        o.PaymentID,
		PaymentSessionID: o.PaymentSessionID,
		TrackingLink:     o.TrackingLink,
		CreatedAt:        o.CreatedAt,
		ExpiresAt:        o.ExpiresAt,
		SettledAt:        o.SettledAt,
	}
}

// GetOrder returns an order owned by the caller.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(o))
}

// VerifyOrder asks the gateway for the payment state of the caller's order
// and settles it before responding.
func (h *Handler) VerifyOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	res, err := h.deps.Settlement.Verify(r.Context(), o.ID)
	if err != nil {
		internalError(w, r, "Verify order failed", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(res.Order))
}

// ownedOrder loads the path order and hides orders of other users behind 404.
func (h *Handler) ownedOrder(w http.ResponseWriter, r *http.Request) (*order.Order, bool) {
	ref, ok := identity(r)
	if !ok {
		httpmiddleware.WriteError(w, http.StatusUnauthorized, "missing user identity")
		return nil, false
	}
	o, err := h.deps.Orders.Get(r.Context(), r.PathValue("orderID"))
	switch {
	case errors.Is(err, order.ErrNotFound):
		httpmiddleware.WriteError(w, http.StatusNotFound, "order not found")
		return nil, false
	case err != nil:
		internalError(w, r, "Get order failed", err)
		return nil, false
	case o.Customer.ID != ref.ID:
		httpmiddleware.WriteError(w, http.StatusNotFound, "order not found")
		return nil, false
	}
	return o, true
}
