// Package payment describes the payment gateway boundary: remote orders,
// transaction reports and the outcome derived from them.
package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the normalized settlement result reported by the gateway.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePending Outcome = "pending"
	OutcomeFailure Outcome = "failure"
)

// Gateway transaction statuses.
const (
	StatusSuccess      = "SUCCESS"
	StatusPending      = "PENDING"
	StatusNotAttempted = "NOT_ATTEMPTED"
	StatusFailed       = "FAILED"
)

// Customer is the customer block sent with a remote order.
type Customer struct {
	ID    string
	Email string
	Name  string
	Phone string
}

// LineSummary is a compact description of one order line for the gateway.
type LineSummary struct {
	ProductID string
	Name      string
	Quantity  int
	Amount    decimal.Decimal
}

// CreateOrderRequest holds the input for creating a remote order.
type CreateOrderRequest struct {
	OrderID  string
	Amount   decimal.Decimal
	Currency string
	Customer Customer
	Lines    []LineSummary
	// ExpiresAt bounds how long the gateway keeps the session open.
	ExpiresAt time.Time
}

// RemoteOrder is the gateway's reply to CreateOrder.
type RemoteOrder struct {
	RemoteOrderID string
	SessionHandle string
}

// Transaction is one payment attempt against a remote order.
type Transaction struct {
	PaymentID string
	Status    string
	Amount    decimal.Decimal
}

// Callback is the asynchronous notification pushed by the gateway.
type Callback struct {
	RemoteOrderID  string
	Amount         decimal.Decimal
	TransactionRef string
	Status         string
	Method         string
	Timestamp      time.Time
}

// Gateway creates remote orders and reports their transactions.
type Gateway interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*RemoteOrder, error)
	ListTransactions(ctx context.Context, remoteOrderID string) ([]Transaction, error)
}

// GatewayError is a failure reported by the gateway itself.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *GatewayError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway error (http %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway error %s (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// OutcomeFromStatus maps a single gateway status to an outcome.
func OutcomeFromStatus(status string) Outcome {
	switch strings.ToUpper(status) {
	case StatusSuccess:
		return OutcomeSuccess
	case StatusPending, StatusNotAttempted:
		return OutcomePending
	default:
		return OutcomeFailure
	}
}

// DeriveOutcome scans the transactions of a remote order for a poll: any
// SUCCESS wins, then any PENDING, otherwise the order failed. Unlike
// callbacks, NOT_ATTEMPTED and an empty list count as failure. It also
// returns the payment id of the transaction that decided the outcome.
func DeriveOutcome(txs []Transaction) (outcome Outcome, paymentID string) {
	var pending, last *Transaction
	for i := range txs {
		switch strings.ToUpper(txs[i].Status) {
		case StatusSuccess:
			return OutcomeSuccess, txs[i].PaymentID
		case StatusPending:
			if pending == nil {
				pending = &txs[i]
			}
		}
		last = &txs[i]
	}
	switch {
	case pending != nil:
		return OutcomePending, pending.PaymentID
	case last != nil:
		return OutcomeFailure, last.PaymentID
	default:
		return OutcomeFailure, ""
	}
}
