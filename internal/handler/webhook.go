package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/gateway"
	"github.com/xenking/shopfront/pkg/httpmiddleware"
)

type webhookResponse struct {
	OrderID string       `json:"order_id"`
	Status  order.Status `json:"status"`
	Changed bool         `json:"changed"`
}

// PaymentWebhook applies a signed gateway notification.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		httpmiddleware.WriteError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	lg := zctx.From(r.Context())
	if err := h.deps.Webhooks.Verify(
		r.Header.Get(gateway.SignatureHeader),
		r.Header.Get(gateway.TimestampHeader),
		body,
	); err != nil {
		lg.Warn("Rejected payment webhook", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	cb, err := gateway.ParseCallback(body)
	if err != nil {
		lg.Warn("Malformed payment webhook", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := h.deps.Settlement.HandleCallback(r.Context(), cb)
	switch {
	case errors.Is(err, order.ErrNotFound):
		lg.Warn("Payment webhook for unknown order", zap.String("remote_order_id", cb.RemoteOrderID))
		httpmiddleware.WriteError(w, http.StatusNotFound, "order not found")
		return
	case err != nil:
		internalError(w, r, "Payment webhook failed", err)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		OrderID: res.Order.ID,
		Status:  res.Order.Status,
		Changed: res.Changed,
	})
}
