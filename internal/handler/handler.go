// Package handler exposes the storefront HTTP API on a net/http ServeMux.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/engagement"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/payment"
	"github.com/xenking/shopfront/internal/domain/settlement"
	"github.com/xenking/shopfront/pkg/httpmiddleware"
)

// Checkouter places orders.
type Checkouter interface {
	Checkout(ctx context.Context, req order.CheckoutRequest) (*order.CheckoutResult, error)
}

// Settler reconciles payment status reported by the gateway or requested by
// the client.
type Settler interface {
	HandleCallback(ctx context.Context, cb payment.Callback) (*settlement.Result, error)
	Verify(ctx context.Context, orderID string) (*settlement.Result, error)
}

// OrderReader loads orders by id.
type OrderReader interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

// Sweeper runs one engagement sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (*engagement.Report, error)
}

// CallbackVerifier authenticates gateway notifications.
type CallbackVerifier interface {
	Verify(signature, timestamp string, body []byte) error
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// CronSecret guards the sweep trigger. An empty secret disables it.
	CronSecret string
	// MaxBodyBytes caps request bodies. Zero means 1 MiB.
	MaxBodyBytes int64
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Checkout   Checkouter
	Settlement Settler
	Orders     OrderReader
	Carts      cart.Store
	Sweeper    Sweeper
	Webhooks   CallbackVerifier
}

// Handler serves the storefront API.
type Handler struct {
	deps       Deps
	cronSecret string
	maxBody    int64
	now        func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handler{
		deps:       deps,
		cronSecret: cfg.CronSecret,
		maxBody:    cfg.MaxBodyBytes,
		now:        time.Now,
	}
}

// Register mounts all API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/checkout", h.Checkout)
	mux.HandleFunc("GET /api/orders/{orderID}", h.GetOrder)
	mux.HandleFunc("POST /api/orders/{orderID}/verify", h.VerifyOrder)
	mux.HandleFunc("POST /api/payments/webhook", h.PaymentWebhook)
	mux.HandleFunc("PUT /api/cart", h.UpdateCart)
	mux.HandleFunc("POST /api/internal/engagement/sweep", h.Sweep)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "decode body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	zctx.From(r.Context()).Error(msg, zap.Error(err))
	httpmiddleware.WriteError(w, http.StatusInternalServerError, "internal error")
}
