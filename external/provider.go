package external

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zllovesuki/billing/audit"
	"github.com/zllovesuki/billing/spec"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Recorder receives one record per provider call
type Recorder interface {
	Start(ctx context.Context, e audit.Entry) string
	Finish(ctx context.Context, id string, response string, outcome error)
}

// SubscriptionSnapshot is the subset of a provider subscription used by webhook handling
type SubscriptionSnapshot struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	LatestInvoiceID   string
	Metadata          spec.Parameters
}

type ProviderOptions struct {
	StripeClient *client.API
	Logger       *zap.Logger
	Recorder     Recorder // optional
	RateLimit    rate.Limit
	Burst        int
}

// StripeProvider performs the read-only Stripe calls made before a billing transaction opens
type StripeProvider struct {
	ProviderOptions
	limiter *rate.Limiter
}

func NewStripeProvider(option ProviderOptions) (*StripeProvider, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.RateLimit <= 0 {
		option.RateLimit = rate.Limit(20)
	}
	if option.Burst <= 0 {
		option.Burst = 5
	}
	return &StripeProvider{
		ProviderOptions: option,
		limiter:         rate.NewLimiter(option.RateLimit, option.Burst),
	}, nil
}

func (p *StripeProvider) call(ctx context.Context, kind, id string, fn func() (interface{}, error)) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return extErrors.Wrap(err, "Provider rate limit wait aborted")
	}
	var logID string
	if p.Recorder != nil {
		logID = p.Recorder.Start(ctx, audit.Entry{
			Direction:   audit.Outbound,
			Provider:    spec.ProviderStripe,
			Kind:        kind,
			ReferenceID: id,
		})
	}
	result, err := fn()
	if p.Recorder != nil {
		var response string
		if err == nil {
			if b, mErr := json.Marshal(result); mErr == nil {
				response = string(b)
			}
		}
		p.Recorder.Finish(ctx, logID, response, err)
	}
	if err != nil {
		p.Logger.Error("Stripe returned error",
			zap.String("Call", kind),
			zap.String("ID", id),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// GetSubscription retrieves the subscription with its items
func (p *StripeProvider) GetSubscription(ctx context.Context, id string) (*SubscriptionSnapshot, error) {
	var s *stripe.Subscription
	err := p.call(ctx, "subscriptions.get", id, func() (interface{}, error) {
		params := &stripe.SubscriptionParams{
			Params: stripe.Params{
				Context: ctx,
			},
		}
		var err error
		s, err = p.StripeClient.Subscriptions.Get(id, params)
		return s, err
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot retrieve subscription")
	}
	return snapshotFromStripe(s), nil
}

// GetInvoicePaymentIntent returns the payment intent id of the invoice, empty if it has none
func (p *StripeProvider) GetInvoicePaymentIntent(ctx context.Context, invoiceID string) (string, error) {
	var inv *stripe.Invoice
	err := p.call(ctx, "invoices.get", invoiceID, func() (interface{}, error) {
		params := &stripe.InvoiceParams{
			Params: stripe.Params{
				Context: ctx,
			},
		}
		var err error
		inv, err = p.StripeClient.Invoices.Get(invoiceID, params)
		return inv, err
	})
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot retrieve invoice")
	}
	if inv.PaymentIntent == nil {
		return "", nil
	}
	return inv.PaymentIntent.ID, nil
}

func snapshotFromStripe(s *stripe.Subscription) *SubscriptionSnapshot {
	snap := &SubscriptionSnapshot{
		ID:                s.ID,
		Status:            string(s.Status),
		PeriodStart:       time.Unix(s.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:         time.Unix(s.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          spec.Parameters(s.Metadata).Clone(),
	}
	if s.Customer != nil {
		snap.CustomerID = s.Customer.ID
	}
	if s.LatestInvoice != nil {
		snap.LatestInvoiceID = s.LatestInvoice.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		snap.PriceID = s.Items.Data[0].Price.ID
	}
	return snap
}
