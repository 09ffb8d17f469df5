package subscription

import (
	"time"

	"github.com/zllovesuki/billing/spec"
)

type Subscription struct {
	ID                     string          `json:"id" gorm:"primaryKey"`
	UserID                 string          `json:"userId" gorm:"not null;index"`
	Status                 Status          `json:"status" gorm:"not null;index"`
	ExternalSubscriptionID string          `json:"externalSubscriptionId" gorm:"index"` // Corresponds to Stripe's Subscription ID, empty on placeholders
	ExternalCustomerID     string          `json:"externalCustomerId"`
	PriceID                string          `json:"priceId"`
	PriceName              string          `json:"priceName"`
	CreditsPerPeriod       int64           `json:"creditsPerPeriod"`
	PeriodStart            *time.Time      `json:"periodStart,omitempty"`
	PeriodEnd              *time.Time      `json:"periodEnd,omitempty"` // Always the last instant of the billing day
	OrderID                string          `json:"orderId" gorm:"index"` // Order that created this subscription
	LatestInvoiceID        string          `json:"latestInvoiceId"`
	CancelAtPeriodEnd      bool            `json:"cancelAtPeriodEnd"`
	CancelReason           string          `json:"cancelReason,omitempty"`
	CanceledAt             *time.Time      `json:"canceledAt,omitempty"`
	IsDeleted              bool            `json:"isDeleted" gorm:"not null;default:false"`
	Metadata               spec.Parameters `json:"metadata"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// IsActive is true while the subscription entitles the user to paid credits
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// EndOfDay returns the last millisecond of t's calendar day in loc
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), loc)
}
