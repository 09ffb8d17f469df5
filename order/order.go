package order

import (
	"time"

	"github.com/zllovesuki/billing/spec"
)

// Type is what the order paid for
type Type string

const (
	TypeSubscription  Type = "subscription"
	TypeRenewal       Type = "renewal"
	TypeOneTime       Type = "one_time"
	TypeRenewalFailed Type = "renewal_failed"
)

// Status is the lifecycle state of an order
type Status string

const (
	StatusCreated       Status = "created"
	StatusPendingUnpaid Status = "pending_unpaid"
	StatusSuccess       Status = "success"
	StatusRefunded      Status = "refunded"
	StatusCanceled      Status = "canceled"
	StatusFailed        Status = "failed"
)

// Provider reported payment statuses
const (
	PaymentPaid              = "paid"
	PaymentUnpaid            = "unpaid"
	PaymentNoPaymentRequired = "no_payment_required"
	PaymentFailed            = "failed"
	PaymentRefunded          = "refunded"
)

// Settled is true for payments that need no further async confirmation
func Settled(paymentStatus string) bool {
	return paymentStatus == PaymentPaid || paymentStatus == PaymentNoPaymentRequired
}

var transitions = map[Status][]Status{
	StatusCreated:       {StatusPendingUnpaid, StatusSuccess, StatusFailed, StatusCanceled},
	StatusPendingUnpaid: {StatusPendingUnpaid, StatusSuccess, StatusFailed, StatusCanceled},
	StatusSuccess:       {StatusRefunded},
	StatusFailed:        {StatusCanceled},
}

// Terminal reports whether no further event may change an order in this status
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusRefunded || s == StatusCanceled
}

type Order struct {
	ID                     uint            `json:"-" gorm:"primaryKey"`
	OrderID                string          `json:"orderId" gorm:"not null;uniqueIndex"`
	UserID                 string          `json:"userId" gorm:"not null;index"`
	Type                   Type            `json:"type" gorm:"not null"`
	OrderStatus            Status          `json:"orderStatus" gorm:"not null;index"`
	PaymentStatus          string          `json:"paymentStatus"`
	ExternalSessionID      string          `json:"externalSessionId" gorm:"index"`
	ExternalInvoiceID      string          `json:"externalInvoiceId" gorm:"index"`
	ExternalPaymentIntent  string          `json:"externalPaymentIntent" gorm:"index"`
	ExternalSubscriptionID string          `json:"externalSubscriptionId" gorm:"index"`
	ExternalCustomerID     string          `json:"externalCustomerId"`
	PriceID                string          `json:"priceId"`
	PriceName              string          `json:"priceName"`
	Amount                 int64           `json:"amount"` // minor units
	Currency               string          `json:"currency"`
	CreditsGranted         int64           `json:"creditsGranted"`
	PeriodStart            *time.Time      `json:"periodStart,omitempty"`
	PeriodEnd              *time.Time      `json:"periodEnd,omitempty"`
	PaidAt                 *time.Time      `json:"paidAt,omitempty"`
	RefundedAt             *time.Time      `json:"refundedAt,omitempty"`
	Metadata               spec.Parameters `json:"metadata"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// RenewalOrderID is the idempotency key of the order recording a paid renewal invoice
func RenewalOrderID(invoiceID string) string {
	return "order_renew_" + invoiceID
}

// RenewalFailedOrderID is the idempotency key of the order recording a failed renewal invoice
func RenewalFailedOrderID(invoiceID string) string {
	return "order_renew_failed_" + invoiceID
}
