package order

import (
	"time"

	"github.com/xenking/shopfront/internal/domain/payment"
)

// Decision is the result of applying a payment outcome to an order status.
type Decision struct {
	Next Status
	// Apply is false when the outcome must be ignored.
	Apply bool
	// Settle is true when the transition pays the order: stock and coupon
	// bookkeeping must commit together with it, followed by PaidEffects.
	Settle bool
}

// Decide is the payment state machine.
//
//	unsettled -> pending | paid | failed
//	pending   -> pending | paid | failed
//	paid, failed: terminal, every outcome is ignored
func Decide(current Status, outcome payment.Outcome) Decision {
	if current.Terminal() {
		return Decision{Next: current}
	}
	switch outcome {
	case payment.OutcomeSuccess:
		return Decision{Next: StatusPaid, Apply: true, Settle: true}
	case payment.OutcomePending:
		return Decision{Next: StatusPending, Apply: true}
	case payment.OutcomeFailure:
		return Decision{Next: StatusFailed, Apply: true}
	default:
		return Decision{Next: current}
	}
}

// Advance returns a copy of o moved to d.Next.
func (o *Order) Advance(d Decision, paymentID string, now time.Time) *Order {
	next := o.Clone()
	next.Status = d.Next
	if paymentID != "" {
		next.PaymentID = paymentID
	}
	if d.Settle {
		next.TrackingLink = ""
		next.SettledAt = &now
	}
	return next
}
