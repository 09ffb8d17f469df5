package webhook

import (
	"encoding/json"
	"time"

	"github.com/zllovesuki/billing/billing"
	"github.com/zllovesuki/billing/spec"

	"github.com/stripe/stripe-go/v72"
)

// Event types handled by the Router. Anything else is acknowledged and ignored.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventInvoicePaid           = "invoice.paid"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
	EventSubscriptionCreated   = "customer.subscription.created"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	EventChargeRefunded        = "charge.refunded"
)

// Invoice billing reasons
const (
	ReasonSubscriptionCreate = "subscription_create"
	ReasonSubscriptionCycle  = "subscription_cycle"
)

// Only the fields the Router reads are decoded. Expandable references arrive as plain ids.

type checkoutSession struct {
	ID                string          `json:"id"`
	ClientReferenceID string          `json:"client_reference_id"`
	Customer          string          `json:"customer"`
	Mode              string          `json:"mode"`
	PaymentStatus     string          `json:"payment_status"`
	PaymentIntent     string          `json:"payment_intent"`
	Subscription      string          `json:"subscription"`
	Invoice           string          `json:"invoice"`
	AmountTotal       int64           `json:"amount_total"`
	Currency          string          `json:"currency"`
	Metadata          spec.Parameters `json:"metadata"`
}

type period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type invoiceLine struct {
	Period period `json:"period"`
	Price  *struct {
		ID       string `json:"id"`
		Nickname string `json:"nickname"`
	} `json:"price"`
}

type invoice struct {
	ID                  string          `json:"id"`
	BillingReason       string          `json:"billing_reason"`
	Subscription        string          `json:"subscription"`
	Customer            string          `json:"customer"`
	PaymentIntent       string          `json:"payment_intent"`
	AmountPaid          int64           `json:"amount_paid"`
	AmountDue           int64           `json:"amount_due"`
	Currency            string          `json:"currency"`
	Created             int64           `json:"created"`
	Metadata            spec.Parameters `json:"metadata"`
	SubscriptionDetails struct {
		Metadata spec.Parameters `json:"metadata"`
	} `json:"subscription_details"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Lines struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
}

// line returns the first line item, which carries the service period of a subscription invoice
func (i *invoice) line() *invoiceLine {
	if len(i.Lines.Data) == 0 {
		return nil
	}
	return &i.Lines.Data[0]
}

type subscriptionItem struct {
	Price struct {
		ID       string `json:"id"`
		Nickname string `json:"nickname"`
	} `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

type subscriptionObject struct {
	ID                  string          `json:"id"`
	Customer            string          `json:"customer"`
	Status              string          `json:"status"`
	CurrentPeriodStart  int64           `json:"current_period_start"`
	CurrentPeriodEnd    int64           `json:"current_period_end"`
	CancelAtPeriodEnd   bool            `json:"cancel_at_period_end"`
	CanceledAt          int64           `json:"canceled_at"`
	EndedAt             int64           `json:"ended_at"`
	Metadata            spec.Parameters `json:"metadata"`
	CancellationDetails *struct {
		Reason string `json:"reason"`
	} `json:"cancellation_details"`
	Items struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

func (s *subscriptionObject) cancelReason() string {
	if s.CancellationDetails == nil {
		return ""
	}
	return s.CancellationDetails.Reason
}

// period prefers the item level period and falls back to the subscription level one
func (s *subscriptionObject) period(item *subscriptionItem) (time.Time, time.Time) {
	start, end := item.CurrentPeriodStart, item.CurrentPeriodEnd
	if start == 0 || end == 0 {
		start, end = s.CurrentPeriodStart, s.CurrentPeriodEnd
	}
	return unix(start), unix(end)
}

type charge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Refunded       bool   `json:"refunded"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Created        int64  `json:"created"`
}

func decode(e *stripe.Event, v interface{}) error {
	if e.Data == nil || len(e.Data.Raw) == 0 {
		return billing.Invalid("data.object", "missing event payload")
	}
	if err := json.Unmarshal(e.Data.Raw, v); err != nil {
		return billing.Invalid("data.object", err.Error())
	}
	return nil
}

func unix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// occurredAt is when the provider created the event
func occurredAt(e *stripe.Event) time.Time {
	if e.Created == 0 {
		return time.Now().UTC()
	}
	return unix(e.Created)
}
