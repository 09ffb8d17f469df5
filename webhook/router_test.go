package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/zllovesuki/billing/billing"
	"github.com/zllovesuki/billing/credit"
	"github.com/zllovesuki/billing/db/dbtest"
	"github.com/zllovesuki/billing/external"
	"github.com/zllovesuki/billing/order"
	"github.com/zllovesuki/billing/price"
	"github.com/zllovesuki/billing/spec"
	"github.com/zllovesuki/billing/subscription"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	periodStart = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2024, 4, 15, 10, 0, 0, 0, time.UTC)
)

type fakeProvider struct {
	subscriptions map[string]*external.SubscriptionSnapshot
	intents       map[string]string
	calls         int
}

func (p *fakeProvider) GetSubscription(ctx context.Context, id string) (*external.SubscriptionSnapshot, error) {
	p.calls++
	s, ok := p.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	return s, nil
}

func (p *fakeProvider) GetInvoicePaymentIntent(ctx context.Context, invoiceID string) (string, error) {
	p.calls++
	return p.intents[invoiceID], nil
}

type fixture struct {
	t             *testing.T
	db            *gorm.DB
	router        *Router
	billing       *billing.Service
	orders        *order.Manager
	subscriptions *subscription.Manager
	credits       *credit.Manager
	provider      *fakeProvider
}

func newFixture(t *testing.T) *fixture {
	conn := dbtest.New(t)
	logger := zap.NewNop()

	orders, err := order.NewManager(order.ManagerOptions{DB: conn, Logger: logger})
	require.NoError(t, err)
	subscriptions, err := subscription.NewManager(subscription.ManagerOptions{DB: conn, Logger: logger})
	require.NoError(t, err)
	credits, err := credit.NewManager(credit.ManagerOptions{DB: conn, Logger: logger})
	require.NoError(t, err)
	svc, err := billing.NewService(billing.Options{
		DB:                  conn,
		Logger:              logger,
		OrderManager:        orders,
		SubscriptionManager: subscriptions,
		CreditManager:       credits,
	})
	require.NoError(t, err)

	catalog, err := price.NewCatalog([]price.Price{
		{ID: "price_pro", Name: "Pro", CreditsGranted: 100, Amount: 1900, Currency: "usd", BillingInterval: price.IntervalMonth},
		{ID: "price_max", Name: "Max", CreditsGranted: 300, Amount: 4900, Currency: "usd", BillingInterval: price.IntervalMonth},
		{ID: "price_pack", Name: "Pack", CreditsGranted: 50, Amount: 500, Currency: "usd", BillingInterval: price.IntervalOnce},
	})
	require.NoError(t, err)

	provider := &fakeProvider{
		subscriptions: make(map[string]*external.SubscriptionSnapshot),
		intents:       make(map[string]string),
	}
	router, err := NewRouter(RouterOptions{
		Billing:  svc,
		Provider: provider,
		Prices:   catalog,
		Logger:   logger,
	})
	require.NoError(t, err)

	return &fixture{
		t:             t,
		db:            conn,
		router:        router,
		billing:       svc,
		orders:        orders,
		subscriptions: subscriptions,
		credits:       credits,
		provider:      provider,
	}
}

func (f *fixture) newUser(userID string) {
	_, err := f.subscriptions.CreatePlaceholder(f.db, userID)
	require.NoError(f.t, err)
	_, err = f.credits.Init(f.db, userID)
	require.NoError(f.t, err)
}

func (f *fixture) newOrder(userID, orderID string, t order.Type, priceID string, credits int64) {
	_, err := f.billing.CreateCheckoutOrder(context.Background(), billing.CheckoutOrder{
		OrderID: orderID,
		UserID:  userID,
		Type:    t,
		PriceID: priceID,
		Credits: credits,
	})
	require.NoError(f.t, err)
}

func (f *fixture) order(orderID string) *order.Order {
	o, err := f.orders.GetByOrderID(f.db, orderID)
	require.NoError(f.t, err)
	require.NotNil(f.t, o)
	return o
}

func (f *fixture) subscription(externalID string) *subscription.Subscription {
	s, err := f.subscriptions.GetByExternalID(f.db, externalID)
	require.NoError(f.t, err)
	require.NotNil(f.t, s)
	return s
}

func (f *fixture) credit(userID string) *credit.Credit {
	c, err := f.credits.Get(f.db, userID)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) dispatch(id, eventType string, object interface{}) error {
	return f.router.Dispatch(context.Background(), newEvent(f.t, id, eventType, object))
}

func newEvent(t *testing.T, id, eventType string, object interface{}) *stripe.Event {
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return &stripe.Event{
		ID:      id,
		Type:    eventType,
		Created: periodStart.Add(time.Minute).Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

type object map[string]interface{}

func meta(orderID, userID string) object {
	return object{
		spec.MetadataOrderID: orderID,
		spec.MetadataUserID:  userID,
	}
}

// subscribe runs a subscription checkout for user u1 through the router
func (f *fixture) subscribe() {
	f.newUser("u1")
	f.newOrder("u1", "order_1", order.TypeSubscription, "price_pro", 0)
	f.provider.subscriptions["sub_1"] = &external.SubscriptionSnapshot{
		ID:              "sub_1",
		CustomerID:      "cus_1",
		Status:          "active",
		PriceID:         "price_pro",
		PeriodStart:     periodStart,
		PeriodEnd:       periodEnd,
		LatestInvoiceID: "in_1",
		Metadata:        spec.Parameters{spec.MetadataOrderID: "order_1", spec.MetadataUserID: "u1"},
	}
	f.provider.intents["in_1"] = "pi_1"

	require.NoError(f.t, f.dispatch("evt_checkout", EventCheckoutCompleted, checkoutObject("order_1", "u1", order.PaymentPaid)))
}

func checkoutObject(orderID, userID, paymentStatus string) object {
	return object{
		"id":             "cs_" + orderID,
		"object":         "checkout.session",
		"mode":           "subscription",
		"customer":       "cus_1",
		"subscription":   "sub_1",
		"payment_status": paymentStatus,
		"metadata":       meta(orderID, userID),
	}
}

func invoiceObject(id, reason string, start, end time.Time, priceID string) object {
	return object{
		"id":             id,
		"object":         "invoice",
		"billing_reason": reason,
		"subscription":   "sub_1",
		"customer":       "cus_1",
		"payment_intent": "pi_" + id,
		"amount_paid":    1900,
		"amount_due":     1900,
		"currency":       "usd",
		"lines": object{
			"data": []object{
				{
					"period": object{"start": start.Unix(), "end": end.Unix()},
					"price":  object{"id": priceID},
				},
			},
		},
	}
}

func subscriptionObjectWith(status string, fields object) object {
	o := object{
		"id":                   "sub_1",
		"object":               "subscription",
		"customer":             "cus_1",
		"status":               status,
		"cancel_at_period_end": false,
		"metadata":             meta("order_1", "u1"),
		"items": object{
			"data": []object{
				{
					"price":                object{"id": "price_pro"},
					"current_period_start": periodStart.Unix(),
					"current_period_end":   periodEnd.Unix(),
				},
			},
		},
	}
	for k, v := range fields {
		o[k] = v
	}
	return o
}

func TestCheckoutActivatesSubscription(t *testing.T) {
	f := newFixture(t)
	f.subscribe()

	o := f.order("order_1")
	require.Equal(t, order.StatusSuccess, o.OrderStatus)
	require.Equal(t, "pi_1", o.ExternalPaymentIntent)
	require.Equal(t, "in_1", o.ExternalInvoiceID)
	require.EqualValues(t, 100, o.CreditsGranted)

	s := f.subscription("sub_1")
	require.Equal(t, subscription.StatusActive, s.Status)
	require.Equal(t, "order_1", s.OrderID)
	require.EqualValues(t, 100, s.CreditsPerPeriod)

	require.EqualValues(t, 100, f.credit("u1").BalancePaid)
}

func TestCheckoutRedeliveryIsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.subscribe()
	calls := f.provider.calls

	err := f.dispatch("evt_checkout", EventCheckoutCompleted, checkoutObject("order_1", "u1", order.PaymentPaid))
	require.True(t, billing.IsDuplicate(err), "%v", err)
	require.Equal(t, calls, f.provider.calls, "duplicate must be rejected before provider reads")
	require.EqualValues(t, 100, f.credit("u1").BalancePaid)
}

func TestInitialInvoiceAfterCheckoutIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.subscribe()

	require.NoError(t, f.dispatch("evt_in_1", EventInvoicePaid, invoiceObject("in_1", ReasonSubscriptionCreate, periodStart, periodEnd, "price_pro")))
	require.Equal(t, subscription.StatusActive, f.subscription("sub_1").Status)
	require.EqualValues(t, 100, f.credit("u1").BalancePaid)
}

func TestInitialInvoiceBeforeCheckout(t *testing.T) {
	f := newFixture(t)
	f.newUser("u1")
	f.newOrder("u1", "order_1", order.TypeSubscription, "price_pro", 0)
	f.provider.subscriptions["sub_1"] = &external.SubscriptionSnapshot{
		ID:          "sub_1",
		PriceID:     "price_pro",
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Metadata:    spec.Parameters{spec.MetadataOrderID: "order_1", spec.MetadataUserID: "u1"},
	}

	require.NoError(t, f.dispatch("evt_in_1", EventInvoicePaid, invoiceObject("in_1", ReasonSubscriptionCreate, periodStart, periodEnd, "price_pro")))

	s := f.subscription("sub_1")
	require.Equal(t, subscription.StatusIncomplete, s.Status)
	require.Equal(t, "in_1", s.LatestInvoiceID)
	require.Zero(t, f.credit("u1").BalancePaid)

	o := f.order("order_1")
	require.Equal(t, "pi_in_1", o.ExternalPaymentIntent)
}

func TestInitialInvoiceWithoutMetadata(t *testing.T) {
	f := newFixture(t)
	f.provider.subscriptions["sub_1"] = &external.SubscriptionSnapshot{ID: "sub_1"}

	err := f.dispatch("evt_in_1", EventInvoicePaid, invoiceObject("in_1", ReasonSubscriptionCreate, periodStart, periodEnd, "price_pro"))
	require.True(t, billing.IsValidation(err), "%v", err)
}

func TestRenewalGrantsCurrentPrice(t *testing.T) {
	f := newFixture(t)
	f.subscribe()

	next := periodEnd.AddDate(0, 1, 0)
	require.NoError(t, f.dispatch("evt_in_2", EventInvoicePaid, invoiceObject("in_2", ReasonSubscriptionCycle, periodEnd, next, "price_max")))

	o := f.order(order.RenewalOrderID("in_2"))
	require.Equal(t, order.TypeRenewal, o.Type)
	require.Equal(t, order.StatusSuccess, o.OrderStatus)
	require.EqualValues(t, 300, o.CreditsGranted)

	s := f.subscription("sub_1")
	require.Equal(t, "price_max", s.PriceID)
	require.Equal(t, "Max", s.PriceName)
	require.EqualValues(t, 300, s.CreditsPerPeriod)

	require.EqualValues(t, 400, f.credit("u1").BalancePaid)

	err := f.dispatch("evt_in_2", EventInvoicePaid, invoiceObject("in_2", ReasonSubscriptionCycle, periodEnd, next, "price_max"))
	require.True(t, billing.IsDuplicate(err), "%v", err)
	require.EqualValues(t, 400, f.credit("u1").BalancePaid)
}

func TestRenewalFallsBackToPreviousGrant(t *testing.T) {
	f := newFixture(t)
	f.subscribe()

	next := periodEnd.AddDate(0, 1, 0)
	require.NoError(t, f.dispatch("evt_in_2", EventInvoicePaid, invoiceObject("in_2", ReasonSubscriptionCycle, periodEnd, next, "price_retired")))

	require.EqualValues(t, 100, f.order(order.RenewalOrderID("in_2")).CreditsGranted)
	require.EqualValues(t, 200, f.credit("u1").BalancePaid)
}

func TestRenewalForUnknownSubscription(t *testing.T) {
	f := newFixture(t)

	err := f.dispatch("evt_in_2", EventInvoicePaid, invoiceObject("in_2", ReasonSubscriptionCycle, periodEnd, periodEnd.AddDate(0, 1, 0), "price_pro"))
	require.True(t, billing.IsInconsistency(err), "%v", err)
}

func TestIgnoredInvoices(t *testing.T) {
	f := newFixture(t)

	manual := invoiceObject("in_9", "manual", periodStart, periodEnd, "price_pro")
	require.NoError(t, f.dispatch("evt_in_9", EventInvoicePaid, manual))

	standalone := invoiceObject("in_10", ReasonSubscriptionCycle, periodStart, periodEnd, "price_pro")
	delete(standalone, "subscription")
	require.NoError(t, f.dispatch("evt_in_10", EventInvoicePaid, standalone))
	require.NoError(t, f.dispatch("evt_in_10", EventInvoicePaymentFailed, standalone))
}

func TestRenewalPaymentFailure(t *testing.T) {
	f := newFixture(t)
	f.subscribe()

	require.NoError(t, f.dispatch("evt_in_2_failed", EventInvoicePaymentFailed, invoiceObject("in_2", ReasonSubscriptionCycle, periodEnd, periodEnd.AddDate(0, 1, 0), "price_pro")))

	require.Equal(t, subscription.StatusPastDue, f.subscription("sub_1").Status)
	o := f.order(order.RenewalFailedOrderID("in_2"))
	require.Equal(t, order.StatusFailed, o.OrderStatus)
	// the failure arrived inside the paid window
	require.EqualValues(t, 100, f.credit("u1").BalancePaid)

	err := f.dispatch("evt_in_2_failed", EventInvoicePaymentFailed, invoiceObject("in_2", ReasonSubscriptionCycle, periodEnd, periodEnd.AddDate(0, 1, 0), "price_pro"))
	require.True(t, billing.IsDuplicate(err), "%v", err)
}

func TestInitialPaymentFailure(t *testing.T) {
	f := newFixture(t)
	f.newUser("u1")
	f.newOrder("u1", "order_1", order.TypeSubscription, "price_pro", 0)
	f.provider.subscriptions["sub_1"] = &external.SubscriptionSnapshot{
		ID:       "sub_1",
		Metadata: spec.Parameters{spec.MetadataOrderID: "order_1", spec.MetadataUserID: "u1"},
	}

	require.NoError(t, f.dispatch("evt_in_1_failed", EventInvoicePaymentFailed, invoiceObject("in_1", ReasonSubscriptionCreate, periodStart, periodEnd, "price_pro")))

	o := f.order("order_1")
	require.Equal(t, order.StatusFailed, o.OrderStatus)
	require.Equal(t, order.PaymentFailed, o.PaymentStatus)
	require.Zero(t, f.credit("u1").BalancePaid)
}

func TestOneTimeCheckoutAsyncAndRefund(t *testing.T) {
	f := newFixture(t)
	f.newUser("u2")
	f.newOrder("u2", "order_pack", order.TypeOneTime, "price_pack", 0)

	session := object{
		"id":             "cs_pack",
		"object":         "checkout.session",
		"mode":           "payment",
		"payment_status": order.PaymentUnpaid,
		"payment_intent": "pi_pack",
		"metadata":       meta("order_pack", "u2"),
	}
	require.NoError(t, f.dispatch("evt_cs_pack", EventCheckoutCompleted, session))
	require.Equal(t, order.StatusPendingUnpaid, f.order("order_pack").OrderStatus)
	require.Zero(t, f.credit("u2").BalanceOneTimePaid)

	session["payment_status"] = order.PaymentPaid
	require.NoError(t, f.dispatch("evt_cs_pack_async", EventAsyncPaymentSucceeded, session))

	o := f.order("order_pack")
	require.Equal(t, order.StatusSuccess, o.OrderStatus)
	require.EqualValues(t, 50, o.CreditsGranted)
	require.EqualValues(t, 50, f.credit("u2").BalanceOneTimePaid)

	refund := object{
		"id":              "ch_pack",
		"object":          "charge",
		"payment_intent":  "pi_pack",
		"refunded":        true,
		"amount":          500,
		"amount_refunded": 500,
	}
	require.NoError(t, f.dispatch("evt_refund", EventChargeRefunded, refund))
	require.Equal(t, order.StatusRefunded, f.order("order_pack").OrderStatus)
	require.Zero(t, f.credit("u2").BalanceOneTimePaid)

	err := f.dispatch("evt_refund", EventChargeRefunded, refund)
	require.True(t, billing.IsDuplicate(err), "%v", err)
}

func TestAsyncPaymentFailed(t *testing.T) {
	f := newFixture(t)
	f.newUser("u2")
	f.newOrder("u2", "order_pack", order.TypeOneTime, "price_pack", 50)

	session := object{
		"id":             "cs_pack",
		"payment_status": order.PaymentUnpaid,
		"metadata":       meta("order_pack", "u2"),
	}
	require.NoError(t, f.dispatch("evt_cs_pack", EventCheckoutCompleted, session))
	require.NoError(t, f.dispatch("evt_cs_pack_failed", EventAsyncPaymentFailed, session))

	o := f.order("order_pack")
	require.Equal(t, order.StatusFailed, o.OrderStatus)
	require.Zero(t, f.credit("u2").BalanceOneTimePaid)
}

func TestCheckoutFallsBackToClientReference(t *testing.T) {
	f := newFixture(t)
	f.newUser("u2")
	f.newOrder("u2", "order_pack", order.TypeOneTime, "price_pack", 50)

	session := object{
		"id":                  "cs_pack",
		"client_reference_id": "order_pack",
		"payment_status":      order.PaymentPaid,
		"payment_intent":      "pi_pack",
	}
	require.NoError(t, f.dispatch("evt_cs_pack", EventCheckoutCompleted, session))
	require.EqualValues(t, 50, f.credit("u2").BalanceOneTimePaid)
}

func TestCheckoutErrors(t *testing.T) {
	f := newFixture(t)

	err := f.dispatch("evt_1", EventCheckoutCompleted, object{"id": "cs_1", "payment_status": "paid"})
	require.True(t, billing.IsValidation(err), "%v", err)

	err = f.dispatch("evt_2", EventCheckoutCompleted, checkoutObject("order_missing", "u1", order.PaymentPaid))
	require.True(t, billing.IsInconsistency(err), "%v", err)

	err = f.router.Dispatch(context.Background(), &stripe.Event{ID: "evt_3", Type: EventCheckoutCompleted})
	require.True(t, billing.IsValidation(err), "%v", err)
}

func TestSubscriptionDeletedPurgesPaid(t *testing.T) {
	f := newFixture(t)
	f.subscribe()

	deleted := subscriptionObjectWith("canceled", object{
		"ended_at":             periodStart.AddDate(0, 0, 10).Unix(),
		"cancellation_details": object{"reason": spec.CancellationRequested},
	})
	require.NoError(t, f.dispatch("evt_deleted", EventSubscriptionDeleted, deleted))

	s := f.subscription("sub_1")
	require.Equal(t, subscription.StatusCanceled, s.Status)
	require.Equal(t, spec.CancellationRequested, s.CancelReason)
	require.Zero(t, f.credit("u1").BalancePaid)

	err := f.dispatch("evt_deleted", EventSubscriptionDeleted, deleted)
	require.True(t, billing.IsDuplicate(err), "%v", err)
}

func TestSubscriptionUpdatedCanceledThenDeleted(t *testing.T) {
	f := newFixture(t)
	f.subscribe()

	canceled := subscriptionObjectWith("canceled", object{
		"canceled_at": periodStart.AddDate(0, 0, 10).Unix(),
	})
	require.NoError(t, f.dispatch("evt_updated", EventSubscriptionUpdated, canceled))
	require.Equal(t, subscription.StatusActive, f.subscription("sub_1").Status)
	require.EqualValues(t, 100, f.credit("u1").BalancePaid)

	canceled["ended_at"] = periodStart.AddDate(0, 0, 10).Unix()
	require.NoError(t, f.dispatch("evt_deleted", EventSubscriptionDeleted, canceled))
	require.Equal(t, subscription.StatusCanceled, f.subscription("sub_1").Status)
	require.Zero(t, f.credit("u1").BalancePaid)
}

func TestSubscriptionDeletedRequiresFields(t *testing.T) {
	f := newFixture(t)

	err := f.dispatch("evt_1", EventSubscriptionDeleted, subscriptionObjectWith("canceled", nil))
	require.True(t, billing.IsValidation(err), "%v", err)

	noOrder := subscriptionObjectWith("canceled", object{
		"ended_at": periodStart.Unix(),
		"metadata": object{},
	})
	err = f.dispatch("evt_2", EventSubscriptionDeleted, noOrder)
	require.True(t, billing.IsValidation(err), "%v", err)
}

func TestSubscriptionUpdatedSyncsStatus(t *testing.T) {
	f := newFixture(t)
	f.subscribe()

	updated := subscriptionObjectWith("unpaid", object{
		"cancel_at_period_end": true,
		"cancellation_details": object{"reason": spec.CancellationRequested},
	})
	require.NoError(t, f.dispatch("evt_updated", EventSubscriptionUpdated, updated))

	s := f.subscription("sub_1")
	require.Equal(t, subscription.StatusPastDue, s.Status)
	require.True(t, s.CancelAtPeriodEnd)
	require.Equal(t, spec.CancellationRequested, s.CancelReason)
	// no credits move on sync
	require.EqualValues(t, 100, f.credit("u1").BalancePaid)
}

func TestSubscriptionUpdatedBeforeLink(t *testing.T) {
	f := newFixture(t)
	f.newUser("u1")
	f.newOrder("u1", "order_1", order.TypeSubscription, "price_pro", 0)

	require.NoError(t, f.dispatch("evt_created", EventSubscriptionCreated, subscriptionObjectWith("incomplete", nil)))
	require.NoError(t, f.dispatch("evt_updated", EventSubscriptionUpdated, subscriptionObjectWith("active", nil)))
	require.Zero(t, f.credit("u1").BalancePaid)
}

func TestSubscriptionUpdatedRequiresFields(t *testing.T) {
	f := newFixture(t)

	err := f.dispatch("evt_1", EventSubscriptionUpdated, subscriptionObjectWith("active", object{"metadata": object{}}))
	require.True(t, billing.IsValidation(err), "%v", err)

	err = f.dispatch("evt_2", EventSubscriptionUpdated, subscriptionObjectWith("active", object{"items": object{"data": []object{}}}))
	require.True(t, billing.IsValidation(err), "%v", err)

	err = f.dispatch("evt_3", EventSubscriptionUpdated, subscriptionObjectWith("paused_forever", nil))
	require.True(t, billing.IsValidation(err), "%v", err)
}

func TestSubscriptionRefundCancels(t *testing.T) {
	f := newFixture(t)
	f.subscribe()

	refund := object{
		"id":             "ch_1",
		"payment_intent": "pi_1",
		"refunded":       true,
	}
	require.NoError(t, f.dispatch("evt_refund", EventChargeRefunded, refund))

	require.Equal(t, order.StatusRefunded, f.order("order_1").OrderStatus)
	require.Equal(t, subscription.StatusCanceled, f.subscription("sub_1").Status)
	require.Zero(t, f.credit("u1").BalancePaid)
}

func TestRetriedRenewalRefund(t *testing.T) {
	f := newFixture(t)
	f.subscribe()

	next := periodEnd.AddDate(0, 1, 0)
	require.NoError(t, f.dispatch("evt_in_2_failed", EventInvoicePaymentFailed, invoiceObject("in_2", ReasonSubscriptionCycle, periodEnd, next, "price_pro")))
	require.NoError(t, f.dispatch("evt_in_2", EventInvoicePaid, invoiceObject("in_2", ReasonSubscriptionCycle, periodEnd, next, "price_pro")))
	require.EqualValues(t, 200, f.credit("u1").BalancePaid)

	refund := object{
		"id":             "ch_in_2",
		"payment_intent": "pi_in_2",
		"refunded":       true,
	}
	require.NoError(t, f.dispatch("evt_refund_in_2", EventChargeRefunded, refund))

	require.Equal(t, order.StatusRefunded, f.order(order.RenewalOrderID("in_2")).OrderStatus)
	require.Equal(t, order.StatusFailed, f.order(order.RenewalFailedOrderID("in_2")).OrderStatus)
	require.Equal(t, subscription.StatusCanceled, f.subscription("sub_1").Status)
	require.EqualValues(t, 100, f.credit("u1").BalancePaid)

	err := f.dispatch("evt_refund_in_2", EventChargeRefunded, refund)
	require.True(t, billing.IsDuplicate(err), "%v", err)
}

func TestAsyncPaymentFailedRedelivery(t *testing.T) {
	f := newFixture(t)
	f.newUser("u2")
	f.newOrder("u2", "order_pack", order.TypeOneTime, "price_pack", 50)

	session := object{
		"id":             "cs_pack",
		"payment_status": order.PaymentUnpaid,
		"metadata":       meta("order_pack", "u2"),
	}
	require.NoError(t, f.dispatch("evt_cs_pack_failed", EventAsyncPaymentFailed, session))
	err := f.dispatch("evt_cs_pack_failed", EventAsyncPaymentFailed, session)
	require.True(t, billing.IsDuplicate(err), "%v", err)
}

func TestRefundEdgeCases(t *testing.T) {
	f := newFixture(t)
	f.subscribe()

	partial := object{
		"id":              "ch_1",
		"payment_intent":  "pi_1",
		"refunded":        false,
		"amount":          1900,
		"amount_refunded": 500,
	}
	require.NoError(t, f.dispatch("evt_partial", EventChargeRefunded, partial))
	require.Equal(t, order.StatusSuccess, f.order("order_1").OrderStatus)

	err := f.dispatch("evt_unknown", EventChargeRefunded, object{"id": "ch_2", "payment_intent": "pi_unknown", "refunded": true})
	require.True(t, billing.IsInconsistency(err), "%v", err)

	err = f.dispatch("evt_no_pi", EventChargeRefunded, object{"id": "ch_3", "refunded": true})
	require.True(t, billing.IsValidation(err), "%v", err)
}

func TestUnknownEventIsAcknowledged(t *testing.T) {
	f := newFixture(t)

	require.False(t, f.router.Handles("customer.created"))
	require.True(t, f.router.Handles(EventChargeRefunded))
	require.NoError(t, f.dispatch("evt_1", "customer.created", object{"id": "cus_1"}))
}

func TestLocalStatus(t *testing.T) {
	cases := map[string]subscription.Status{
		"active":             subscription.StatusActive,
		"trialing":           subscription.StatusTrialing,
		"past_due":           subscription.StatusPastDue,
		"unpaid":             subscription.StatusPastDue,
		"canceled":           subscription.StatusCanceled,
		"incomplete_expired": subscription.StatusCanceled,
		"incomplete":         subscription.StatusIncomplete,
	}
	for in, want := range cases {
		got, ok := localStatus(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}
	_, ok := localStatus("paused")
	require.False(t, ok)
}
