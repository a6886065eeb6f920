package handler

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/pkg/httpmiddleware"
)

type cartRequest struct {
	Items []cart.Item `json:"items"`
}

type cartResponse struct {
	Status       cart.Status     `json:"status"`
	Items        []cart.Item     `json:"items"`
	Total        decimal.Decimal `json:"total"`
	LastActivity time.Time       `json:"last_activity"`
}

// UpdateCart records the caller's current cart contents.
func (h *Handler) UpdateCart(w http.ResponseWriter, r *http.Request) {
	ref, ok := identity(r)
	if !ok {
		httpmiddleware.WriteError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	var req cartRequest
	if err := h.decode(w, r, &req); err != nil {
		httpmiddleware.WriteError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	for _, item := range req.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			httpmiddleware.WriteError(w, http.StatusBadRequest, "each item needs a product_id and a positive quantity")
			return
		}
	}

	sess, err := h.deps.Carts.Touch(r.Context(), cart.Snapshot{
		UserID: ref.ID,
		Email:  ref.Email,
		Name:   ref.Name,
		Items:  req.Items,
	}, h.now())
	if err != nil {
		internalError(w, r, "Touch cart failed", err)
		return
	}

	writeJSON(w, http.StatusOK, cartResponse{
		Status:       sess.Status,
		Items:        sess.Items,
		Total:        sess.Total,
		LastActivity: sess.LastActivity,
	})
}
