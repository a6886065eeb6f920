// Package cart holds the per-user cart session used for engagement emails.
package cart

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a user has no cart session.
var ErrNotFound = errors.New("cart session not found")

// Status is the engagement status of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusAbandoned Status = "abandoned"
	StatusRecovered Status = "recovered"
	StatusPurchased Status = "purchased"
)

// Engageable reports whether the sweep may still email the session.
func (s Status) Engageable() bool {
	return s == StatusActive || s == StatusAbandoned
}

// Item is a cart line snapshot as the shopper saw it.
type Item struct {
	ProductID string          `json:"product_id"`
	Title     string          `json:"title"`
	Image     string          `json:"image,omitempty"`
	Size      string          `json:"size,omitempty"`
	Color     string          `json:"color,omitempty"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Snapshot is the state written on every cart mutation.
type Snapshot struct {
	UserID string
	Email  string
	Name   string
	Items  []Item
}

// Total returns the cart value.
func (s Snapshot) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range s.Items {
		sum = sum.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return sum.Round(2)
}

// Session is a stored cart session.
type Session struct {
	UserID       string
	Email        string
	Name         string
	Items        []Item
	Total        decimal.Decimal
	Status       Status
	LastActivity time.Time
	AbandonedAt  time.Time
	PurchasedAt  time.Time
	CreatedAt    time.Time
	EmailsSent   []string
}

// Sent reports whether the milestone tag was already dispatched.
func (s *Session) Sent(tag string) bool {
	return slices.Contains(s.EmailsSent, tag)
}

// Store persists cart sessions.
//
// Touch semantics: a new or purchased session starts Active with an empty
// email log; an Abandoned session becomes Recovered; otherwise the status is
// kept. Every touch refreshes LastActivity and the retention horizon.
type Store interface {
	Touch(ctx context.Context, snap Snapshot, at time.Time) (*Session, error)
	Load(ctx context.Context, userID string) (*Session, error)
	// ListInactive pages through engageable sessions whose last activity is
	// at or before the cutoff, oldest first. next is the offset of the
	// following page, or -1 when there is none.
	ListInactive(ctx context.Context, cutoff time.Time, offset, limit int) (page []Session, next int, err error)
	// RecordMilestone appends tag to the email log. The first recorded tag
	// moves an Active session to Abandoned and stamps AbandonedAt. It
	// returns false when the tag was already present.
	RecordMilestone(ctx context.Context, userID, tag string, at time.Time) (bool, error)
	// MarkPurchased closes the session. Missing sessions are not an error.
	MarkPurchased(ctx context.Context, userID string, at time.Time) error
}
