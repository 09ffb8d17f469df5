package billing

import (
	"time"

	"github.com/zllovesuki/billing/order"
	"github.com/zllovesuki/billing/spec"
	"github.com/zllovesuki/billing/subscription"
)

// Every operation takes one of these, fully resolved against the provider before the call.

// CheckoutOrder is an order opened by the checkout initiator before the customer pays
type CheckoutOrder struct {
	OrderID   string     `validate:"required"`
	UserID    string     `validate:"required"`
	Type      order.Type `validate:"required,oneof=subscription one_time"`
	SessionID string
	PriceID   string `validate:"required"`
	PriceName string
	Amount    int64 `validate:"gte=0"`
	Currency  string
	Credits   int64 `validate:"gte=0"`
	Metadata  spec.Parameters
}

// SubscriptionInitPayment is a settled checkout of a subscription order
type SubscriptionInitPayment struct {
	UserID                 string `validate:"required"`
	OrderID                string `validate:"required"`
	SessionID              string
	PaymentStatus          string `validate:"required"`
	ExternalSubscriptionID string `validate:"required"`
	ExternalCustomerID     string
	InvoiceID              string
	PaymentIntentID        string
	PriceID                string `validate:"required"`
	PriceName              string
	Credits                int64     `validate:"gte=0"`
	PeriodStart            time.Time `validate:"required"`
	PeriodEnd              time.Time `validate:"required,gtfield=PeriodStart"`
	PaidAt                 time.Time `validate:"required"`
}

// OneTimeCheckout is a settled checkout of a credit pack
type OneTimeCheckout struct {
	UserID          string `validate:"required"`
	OrderID         string `validate:"required"`
	SessionID       string
	PaymentStatus   string `validate:"required"`
	PaymentIntentID string
	Credits         int64     `validate:"gte=0"`
	PaidAt          time.Time `validate:"required"`
}

// CheckoutPending is a checkout whose payment settles asynchronously
type CheckoutPending struct {
	OrderID       string `validate:"required"`
	SessionID     string
	PaymentStatus string `validate:"required"`
}

// CheckoutFailed is an asynchronous checkout payment that failed
type CheckoutFailed struct {
	OrderID       string `validate:"required"`
	PaymentStatus string
}

// InitialInvoice is the paid first invoice of a subscription
type InitialInvoice struct {
	UserID                 string `validate:"required"`
	OrderID                string `validate:"required"`
	ExternalSubscriptionID string `validate:"required"`
	ExternalCustomerID     string
	InvoiceID              string `validate:"required"`
	PaymentIntentID        string
	PriceID                string
	PriceName              string
	PeriodStart            time.Time `validate:"required"`
	PeriodEnd              time.Time `validate:"required,gtfield=PeriodStart"`
}

// RenewalPayment is a paid recurring invoice
type RenewalPayment struct {
	ExternalSubscriptionID string `validate:"required"`
	InvoiceID              string `validate:"required"`
	PaymentIntentID        string
	PriceID                string
	PriceName              string
	Amount                 int64 `validate:"gte=0"`
	Currency               string
	Credits                int64     `validate:"gte=0"`
	PeriodStart            time.Time `validate:"required"`
	PeriodEnd              time.Time `validate:"required,gtfield=PeriodStart"`
	PaidAt                 time.Time `validate:"required"`
}

// InitialPaymentFailure is a failed first invoice of a subscription
type InitialPaymentFailure struct {
	OrderID                string `validate:"required"`
	ExternalSubscriptionID string
	InvoiceID              string `validate:"required"`
	PaymentIntentID        string
}

// RenewalPaymentFailure is a failed recurring invoice
type RenewalPaymentFailure struct {
	ExternalSubscriptionID string `validate:"required"`
	InvoiceID              string `validate:"required"`
	PaymentIntentID        string
	Amount                 int64 `validate:"gte=0"`
	Currency               string
	FailedAt               time.Time `validate:"required"`
}

// SubscriptionSync is the provider's current view of a subscription
type SubscriptionSync struct {
	OrderID                string              `validate:"required"`
	ExternalSubscriptionID string              `validate:"required"`
	ExternalCustomerID     string
	Status                 subscription.Status `validate:"required,oneof=incomplete active past_due canceled trialing"`
	PriceID                string
	PriceName              string
	PeriodStart            time.Time `validate:"required"`
	PeriodEnd              time.Time `validate:"required,gtfield=PeriodStart"`
	CancelAtPeriodEnd      bool
	UserCanceled           bool
	CancelReason           string
	CanceledAt             *time.Time
}

// SubscriptionCancel is a subscription deleted at the provider
type SubscriptionCancel struct {
	OrderID                string    `validate:"required"`
	ExternalSubscriptionID string    `validate:"required"`
	CanceledAt             time.Time `validate:"required"`
	Reason                 string
}

// Refund is a refunded charge already correlated to its order
type Refund struct {
	OrderID    string    `validate:"required"`
	RefundedAt time.Time `validate:"required"`
}
