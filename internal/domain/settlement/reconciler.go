// Package settlement reconciles gateway payment reports with orders.
//
// Gateway callbacks and client verification polls both end in Settle, which
// applies the order state machine under a per-order lock. Stock and coupon
// bookkeeping commit atomically with the switch to paid. The remaining side
// effects run afterwards and are recorded on the order, so repeated calls
// resume whatever is missing without sending the confirmation twice.
package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/customer"
	"github.com/xenking/shopfront/internal/domain/notify"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/payment"
)

// Publisher announces settled orders to downstream consumers.
type Publisher interface {
	PublishOrderSettled(ctx context.Context, o *order.Order) error
}

// Renderer renders a transactional email.
type Renderer interface {
	Render(t notify.Template, to string, data any) (notify.Message, error)
}

// Deps are the collaborators of a Reconciler. Events may be nil.
type Deps struct {
	Orders    order.Store
	Gateway   payment.Gateway
	Customers customer.Directory
	Carts     cart.Store
	Mailer    notify.Dispatcher
	Renderer  Renderer
	Events    Publisher
}

// Result is the outcome of a reconciliation call.
type Result struct {
	Order *order.Order
	// Changed is true when this call moved the order to a new status.
	Changed bool
}

// Reconciler is the single entry point for payment status changes.
type Reconciler struct {
	deps    Deps
	flights singleflight.Group

	transitions metric.Int64Counter
	effects     metric.Int64Counter
	now         func() time.Time
}

// NewReconciler creates a Reconciler. A nil meter provider disables metrics.
func NewReconciler(deps Deps, mp metric.MeterProvider) (*Reconciler, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter("shopfront/settlement")

	transitions, err := meter.Int64Counter("shop.settlement.transitions",
		metric.WithDescription("Settlement attempts by outcome and result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create transitions counter")
	}
	effects, err := meter.Int64Counter("shop.settlement.effects",
		metric.WithDescription("Post-settlement side effects by effect and result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create effects counter")
	}

	return &Reconciler{
		deps:        deps,
		transitions: transitions,
		effects:     effects,
		now:         time.Now,
	}, nil
}

// HandleCallback settles the order referenced by a gateway notification.
// The caller is responsible for authenticating the notification.
func (r *Reconciler) HandleCallback(ctx context.Context, cb payment.Callback) (*Result, error) {
	o, err := r.deps.Orders.GetByRemoteID(ctx, cb.RemoteOrderID)
	if err != nil {
		return nil, errors.Wrap(err, "find order")
	}

	outcome := payment.OutcomeFromStatus(cb.Status)
	if outcome == payment.OutcomeSuccess && !cb.Amount.Equal(o.Total) {
		zctx.From(ctx).Warn("Callback amount differs from order total",
			zap.String("order_id", o.ID),
			zap.Stringer("callback_amount", cb.Amount),
			zap.Stringer("order_total", o.Total),
		)
	}

	return r.Settle(ctx, o.ID, outcome, cb.TransactionRef)
}

// Verify asks the gateway for the authoritative state of the order's
// transactions and settles accordingly. Concurrent calls for the same order
// share one gateway round trip.
func (r *Reconciler) Verify(ctx context.Context, orderID string) (*Result, error) {
	v, err, _ := r.flights.Do(orderID, func() (any, error) {
		return r.verify(context.WithoutCancel(ctx), orderID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (r *Reconciler) verify(ctx context.Context, orderID string) (*Result, error) {
	o, err := r.deps.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}

	if o.Status.Terminal() {
		if o.Status == order.StatusPaid {
			r.finish(ctx, o)
		}
		return &Result{Order: o}, nil
	}

	// Never-settled orders past their window are abandoned without asking
	// the gateway.
	if o.Expired(r.now()) {
		zctx.From(ctx).Info("Order expired before settlement",
			zap.String("order_id", o.ID),
			zap.Time("expires_at", o.ExpiresAt),
		)
		return r.Settle(ctx, o.ID, payment.OutcomeFailure, "")
	}

	txs, err := r.deps.Gateway.ListTransactions(ctx, o.RemoteOrderID)
	if err != nil {
		return nil, errors.Wrap(err, "list transactions")
	}
	outcome, paymentID := payment.DeriveOutcome(txs)
	return r.Settle(ctx, o.ID, outcome, paymentID)
}

// Settle applies outcome to the order. Calls on paid or failed orders are
// no-ops apart from resuming side effects that are not recorded yet.
func (r *Reconciler) Settle(ctx context.Context, orderID string, outcome payment.Outcome, paymentID string) (*Result, error) {
	lg := zctx.From(ctx).With(
		zap.String("order_id", orderID),
		zap.String("outcome", string(outcome)),
	)
	now := r.now()

	o, applied, err := r.deps.Orders.Transition(ctx, orderID,
		func(ctx context.Context, tx order.Tx, current *order.Order) (*order.Order, error) {
			d := order.Decide(current.Status, outcome)
			if !d.Apply {
				return nil, nil
			}
			next := current.Advance(d, paymentID, now)
			if d.Settle {
				if err := r.settleLedger(ctx, lg, tx, next); err != nil {
					return nil, err
				}
			}
			return next, nil
		})
	if err != nil {
		r.recordTransition(ctx, outcome, "error")
		return nil, errors.Wrap(err, "transition order")
	}

	if !applied {
		r.recordTransition(ctx, outcome, "ignored")
		lg.Debug("Settlement ignored", zap.String("status", string(o.Status)))
	} else {
		r.recordTransition(ctx, outcome, "applied")
		lg.Info("Order transitioned", zap.String("status", string(o.Status)))
		if o.Status == order.StatusPaid && o.SettledAt != nil && o.SettledAt.After(o.ExpiresAt) {
			lg.Warn("Order paid after its validity window, stock may be oversold",
				zap.Time("expires_at", o.ExpiresAt),
			)
		}
	}

	if o.Status == order.StatusPaid {
		r.finish(ctx, o)
	}
	return &Result{Order: o, Changed: applied}, nil
}

// settleLedger runs inside the paying transaction.
func (r *Reconciler) settleLedger(ctx context.Context, lg *zap.Logger, tx order.Tx, o *order.Order) error {
	if o.CouponCode != "" && o.CouponSingleUse {
		redeemed, err := tx.Redemptions().TryRedeem(ctx, o.Customer.ID, o.CouponCode, o.ID)
		if err != nil {
			return errors.Wrap(err, "redeem coupon")
		}
		if !redeemed {
			lg.Info("Coupon was already redeemed by customer",
				zap.String("coupon", o.CouponCode),
				zap.String("customer_id", o.Customer.ID),
			)
		}
	}

	for _, d := range o.Demand() {
		left, err := tx.Stock().Decrement(ctx, d.ProductID, d.Quantity)
		if err != nil {
			return errors.Wrapf(err, "decrement stock of %s", d.ProductID)
		}
		switch {
		case left < 0:
			lg.Warn("Stock oversold", zap.String("product_id", d.ProductID), zap.Int("quantity", left))
		case left == 0:
			lg.Info("Product sold out", zap.String("product_id", d.ProductID))
		}
	}
	return nil
}

// finish runs the post-settlement effects of a paid order that are not
// recorded yet. The confirmation email is claimed before sending so it never
// goes out twice. The other effects are idempotent and are recorded after they
// succeed, so an interrupted run is picked up by the next call.
func (r *Reconciler) finish(ctx context.Context, o *order.Order) {
	ctx = context.WithoutCancel(ctx)
	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))

	for _, e := range order.PaidEffects {
		if o.Claimed(e) || (e == order.EffectEvent && r.deps.Events == nil) {
			continue
		}
		lg := lg.With(zap.String("effect", string(e)))

		if e.AtMostOnce() {
			claimed, err := r.deps.Orders.ClaimEffect(ctx, o.ID, e)
			if err != nil {
				lg.Error("Claim settlement effect", zap.Error(err))
				continue
			}
			if !claimed {
				continue
			}
		}

		if err := r.runEffect(ctx, lg, o, e); err != nil {
			r.recordEffect(ctx, e, "error")
			lg.Error("Settlement effect failed", zap.Error(err))
			continue
		}
		r.recordEffect(ctx, e, "ok")

		if !e.AtMostOnce() {
			if _, err := r.deps.Orders.ClaimEffect(ctx, o.ID, e); err != nil {
				lg.Error("Record settlement effect", zap.Error(err))
			}
		}
	}
}

func (r *Reconciler) runEffect(ctx context.Context, lg *zap.Logger, o *order.Order, e order.Effect) error {
	switch e {
	case order.EffectCustomer:
		created, err := r.deps.Customers.Upsert(ctx, o.Customer, o.ID)
		if err != nil {
			return errors.Wrap(err, "upsert customer")
		}
		if created {
			if err := r.send(ctx, notify.TemplateWelcome, o.Customer.Email, notify.Welcome{Name: o.Customer.Name}); err != nil {
				lg.Warn("Welcome email failed", zap.Error(err))
			}
		}
		return nil
	case order.EffectCart:
		if err := r.deps.Carts.MarkPurchased(ctx, o.Customer.ID, r.now()); err != nil {
			return errors.Wrap(err, "close cart")
		}
		return nil
	case order.EffectConfirmation:
		return r.send(ctx, notify.TemplateOrderConfirmation, o.Customer.Email, confirmation(o))
	case order.EffectEvent:
		if err := r.deps.Events.PublishOrderSettled(ctx, o); err != nil {
			return errors.Wrap(err, "publish event")
		}
		return nil
	default:
		return errors.Errorf("unknown effect %q", e)
	}
}

func (r *Reconciler) send(ctx context.Context, t notify.Template, to string, data any) error {
	msg, err := r.deps.Renderer.Render(t, to, data)
	if err != nil {
		return errors.Wrap(err, "render")
	}
	if err := r.deps.Mailer.Send(ctx, msg); err != nil {
		return errors.Wrap(err, "send")
	}
	return nil
}

func (r *Reconciler) recordTransition(ctx context.Context, outcome payment.Outcome, result string) {
	r.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("result", result),
	))
}

func (r *Reconciler) recordEffect(ctx context.Context, e order.Effect, result string) {
	r.effects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("effect", string(e)),
		attribute.String("result", result),
	))
}

func confirmation(o *order.Order) notify.OrderConfirmation {
	lines := make([]notify.Line, len(o.Items))
	for i, item := range o.Items {
		lines[i] = notify.Line{
			Name:     item.Name,
			Variant:  variant(item.Color, item.Size),
			Quantity: item.Quantity,
			Amount:   item.Amount().StringFixed(2),
		}
	}

	a := o.ShippingAddress
	shipTo := []string{a.Line1}
	if a.Line2 != "" {
		shipTo = append(shipTo, a.Line2)
	}
	shipTo = append(shipTo, strings.TrimSpace(a.City+" "+a.PostalCode), a.Country)

	data := notify.OrderConfirmation{
		Name:       o.Customer.Name,
		OrderID:    o.ID,
		PaymentID:  o.PaymentID,
		Lines:      lines,
		Subtotal:   o.Subtotal.StringFixed(2),
		Discount:   o.Discount.StringFixed(2),
		CouponCode: o.CouponCode,
		Total:      o.Total.StringFixed(2),
		Currency:   o.Currency,
		ShipTo:     shipTo,
	}
	if o.SettledAt != nil {
		data.PaidAt = *o.SettledAt
	}
	return data
}

func variant(color, size string) string {
	switch {
	case color != "" && size != "":
		return color + " / " + size
	default:
		return color + size
	}
}
