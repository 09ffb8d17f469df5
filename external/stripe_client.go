package external

import (
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

// NewStripeClient returns a Stripe client that logs through zap
func NewStripeClient(key string, logger *zap.Logger) *client.API {
	config := &stripe.BackendConfig{
		LeveledLogger: logger.Named("stripe").Sugar(),
	}
	sc := &client.API{}
	sc.Init(key, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, config),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, config),
	})
	return sc
}
