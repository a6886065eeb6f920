// Package notify renders transactional emails and defines the dispatcher
// they are sent through.
package notify

import (
	"context"
	"time"
)

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Dispatcher sends rendered messages.
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

// Template names a transactional email.
type Template string

const (
	TemplateWelcome           Template = "welcome"
	TemplateOrderConfirmation Template = "order-confirmation"
	TemplateCart1h            Template = "cart-1h"
	TemplateCart24h           Template = "cart-24h"
	TemplateCart72h           Template = "cart-72h"
)

// Welcome is the data for TemplateWelcome.
type Welcome struct {
	Name string
}

// Line is a priced line in an email.
type Line struct {
	Name     string
	Variant  string
	Quantity int
	Amount   string
}

// OrderConfirmation is the data for TemplateOrderConfirmation.
type OrderConfirmation struct {
	Name       string
	OrderID    string
	PaymentID  string
	Lines      []Line
	Subtotal   string
	Discount   string
	CouponCode string
	Total      string
	Currency   string
	ShipTo     []string
	PaidAt     time.Time
}

// CartReminder is the data for the cart milestone templates.
type CartReminder struct {
	Name  string
	Lines []Line
	Total string
}
