package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/billing/billing"
	"github.com/zllovesuki/billing/external"
	"github.com/zllovesuki/billing/order"
	"github.com/zllovesuki/billing/price"
	"github.com/zllovesuki/billing/spec"
	"github.com/zllovesuki/billing/subscription"

	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

// Provider is the read-only view of the payment provider needed to resolve an event
type Provider interface {
	GetSubscription(ctx context.Context, id string) (*external.SubscriptionSnapshot, error)
	GetInvoicePaymentIntent(ctx context.Context, invoiceID string) (string, error)
}

// PriceLookup resolves the current credit grant of a price
type PriceLookup interface {
	Lookup(priceID string) (price.Price, bool)
}

type RouterOptions struct {
	Billing  *billing.Service
	Provider Provider
	Prices   PriceLookup
	Logger   *zap.Logger
}

// Router classifies a verified event and dispatches it to exactly one billing operation.
// Every provider read happens here, before the billing transaction opens.
type Router struct {
	RouterOptions
	handlers map[string]func(ctx context.Context, e *stripe.Event) error
}

func NewRouter(option RouterOptions) (*Router, error) {
	if option.Billing == nil {
		return nil, fmt.Errorf("nil Billing is invalid")
	}
	if option.Provider == nil {
		return nil, fmt.Errorf("nil Provider is invalid")
	}
	if option.Prices == nil {
		return nil, fmt.Errorf("nil Prices is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	r := &Router{
		RouterOptions: option,
	}
	r.handlers = map[string]func(ctx context.Context, e *stripe.Event) error{
		EventCheckoutCompleted:     r.handleCheckoutCompleted,
		EventAsyncPaymentSucceeded: r.handleCheckoutCompleted,
		EventAsyncPaymentFailed:    r.handleAsyncPaymentFailed,
		EventInvoicePaid:           r.handleInvoicePaid,
		EventInvoicePaymentFailed:  r.handleInvoicePaymentFailed,
		EventSubscriptionCreated:   r.handleSubscriptionUpdated,
		EventSubscriptionUpdated:   r.handleSubscriptionUpdated,
		EventSubscriptionDeleted:   r.handleSubscriptionDeleted,
		EventChargeRefunded:        r.handleChargeRefunded,
	}
	return r, nil
}

// Handles reports whether the event type has a handler
func (r *Router) Handles(eventType string) bool {
	_, ok := r.handlers[eventType]
	return ok
}

// Dispatch runs the handler for the event type. Unknown types are acknowledged.
func (r *Router) Dispatch(ctx context.Context, e *stripe.Event) error {
	handler, ok := r.handlers[e.Type]
	if !ok {
		r.Logger.Debug("Ignoring unhandled event type",
			zap.String("EventID", e.ID),
			zap.String("EventType", e.Type),
		)
		return nil
	}
	return handler(ctx, e)
}

func (r *Router) orders() *order.Manager {
	return r.Billing.OrderManager
}

func (r *Router) subscriptions() *subscription.Manager {
	return r.Billing.SubscriptionManager
}

// lookupOrder is the unlocked fast path read. The billing operation repeats it under lock.
func (r *Router) lookupOrder(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := r.orders().GetByOrderID(r.Billing.DB.WithContext(ctx), orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, billing.Inconsistent("order %s not found", orderID)
	}
	return o, nil
}

// credits resolves the grant from the current price configuration, falling back to the previous grant
func (r *Router) credits(priceID string, fallback int64) int64 {
	if len(priceID) > 0 {
		if p, ok := r.Prices.Lookup(priceID); ok {
			return p.CreditsGranted
		}
		r.Logger.Warn("Price is not configured, using previous credit grant",
			zap.String("PriceID", priceID),
			zap.Int64("Credits", fallback),
		)
	}
	return fallback
}

func (r *Router) priceName(priceID, fallback string) string {
	if p, ok := r.Prices.Lookup(priceID); ok && len(p.Name) > 0 {
		return p.Name
	}
	return fallback
}

func (r *Router) handleCheckoutCompleted(ctx context.Context, e *stripe.Event) error {
	var cs checkoutSession
	if err := decode(e, &cs); err != nil {
		return err
	}
	orderID := cs.Metadata.Get(spec.MetadataOrderID)
	if len(orderID) == 0 {
		orderID = cs.ClientReferenceID
	}
	if len(orderID) == 0 {
		return billing.Invalid("metadata.order_id", "checkout session carries no order id")
	}

	logger := r.Logger.With(
		zap.String("EventID", e.ID),
		zap.String("OrderID", orderID),
		zap.String("SessionID", cs.ID),
	)

	o, err := r.lookupOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.OrderStatus == order.StatusSuccess {
		return fmt.Errorf("%w: order %s already completed", billing.ErrDuplicateDelivery, o.OrderID)
	}

	if !order.Settled(cs.PaymentStatus) {
		logger.Info("Checkout is awaiting asynchronous payment",
			zap.String("PaymentStatus", cs.PaymentStatus),
		)
		return r.Billing.MarkCheckoutPending(ctx, billing.CheckoutPending{
			OrderID:       o.OrderID,
			SessionID:     cs.ID,
			PaymentStatus: cs.PaymentStatus,
		})
	}

	userID := cs.Metadata.Get(spec.MetadataUserID)
	if len(userID) == 0 {
		userID = o.UserID
	}
	paidAt := occurredAt(e)

	switch o.Type {
	case order.TypeSubscription:
		if len(cs.Subscription) == 0 {
			return billing.Invalid("subscription", "subscription checkout carries no subscription")
		}
		snap, err := r.Provider.GetSubscription(ctx, cs.Subscription)
		if err != nil {
			return err
		}
		invoiceID := cs.Invoice
		if len(invoiceID) == 0 {
			invoiceID = snap.LatestInvoiceID
		}
		var paymentIntentID string
		if len(invoiceID) > 0 {
			if paymentIntentID, err = r.Provider.GetInvoicePaymentIntent(ctx, invoiceID); err != nil {
				return err
			}
		}
		priceID := snap.PriceID
		if len(priceID) == 0 {
			priceID = o.PriceID
		}
		customerID := snap.CustomerID
		if len(customerID) == 0 {
			customerID = cs.Customer
		}
		logger.Info("Activating subscription from checkout",
			zap.String("SubscriptionID", snap.ID),
			zap.String("InvoiceID", invoiceID),
		)
		return r.Billing.RecordSubscriptionInitPayment(ctx, billing.SubscriptionInitPayment{
			UserID:                 userID,
			OrderID:                o.OrderID,
			SessionID:              cs.ID,
			PaymentStatus:          cs.PaymentStatus,
			ExternalSubscriptionID: snap.ID,
			ExternalCustomerID:     customerID,
			InvoiceID:              invoiceID,
			PaymentIntentID:        paymentIntentID,
			PriceID:                priceID,
			PriceName:              r.priceName(priceID, o.PriceName),
			Credits:                r.credits(priceID, o.CreditsGranted),
			PeriodStart:            snap.PeriodStart,
			PeriodEnd:              snap.PeriodEnd,
			PaidAt:                 paidAt,
		})

	case order.TypeOneTime:
		credits := o.CreditsGranted
		if credits <= 0 {
			credits = r.credits(o.PriceID, 0)
		}
		logger.Info("Completing one-time checkout",
			zap.Int64("Credits", credits),
		)
		return r.Billing.CompleteOneTimeCheckout(ctx, billing.OneTimeCheckout{
			UserID:          userID,
			OrderID:         o.OrderID,
			SessionID:       cs.ID,
			PaymentStatus:   cs.PaymentStatus,
			PaymentIntentID: cs.PaymentIntent,
			Credits:         credits,
			PaidAt:          paidAt,
		})

	default:
		return billing.Invalid("metadata.order_id", fmt.Sprintf("order %s of type %s cannot be checked out", o.OrderID, o.Type))
	}
}

func (r *Router) handleAsyncPaymentFailed(ctx context.Context, e *stripe.Event) error {
	var cs checkoutSession
	if err := decode(e, &cs); err != nil {
		return err
	}
	orderID := cs.Metadata.Get(spec.MetadataOrderID)
	if len(orderID) == 0 {
		orderID = cs.ClientReferenceID
	}
	if len(orderID) == 0 {
		return billing.Invalid("metadata.order_id", "checkout session carries no order id")
	}
	return r.Billing.FailCheckout(ctx, billing.CheckoutFailed{
		OrderID:       orderID,
		PaymentStatus: order.PaymentFailed,
	})
}

// invoiceContext is what both invoice handlers resolve before dispatch
type invoiceContext struct {
	inv         invoice
	priceID     string
	priceName   string
	periodStart int64
	periodEnd   int64
}

func (r *Router) decodeInvoice(e *stripe.Event) (*invoiceContext, error) {
	ic := &invoiceContext{}
	if err := decode(e, &ic.inv); err != nil {
		return nil, err
	}
	if line := ic.inv.line(); line != nil {
		ic.periodStart, ic.periodEnd = line.Period.Start, line.Period.End
		if line.Price != nil {
			ic.priceID, ic.priceName = line.Price.ID, line.Price.Nickname
		}
	}
	return ic, nil
}

// initialMetadata resolves order and user ids stamped on the subscription at checkout
func (r *Router) initialMetadata(ctx context.Context, ic *invoiceContext) (*external.SubscriptionSnapshot, string, string, error) {
	snap, err := r.Provider.GetSubscription(ctx, ic.inv.Subscription)
	if err != nil {
		return nil, "", "", err
	}
	orderID := snap.Metadata.Get(spec.MetadataOrderID)
	if len(orderID) == 0 {
		orderID = ic.inv.SubscriptionDetails.Metadata.Get(spec.MetadataOrderID)
	}
	userID := snap.Metadata.Get(spec.MetadataUserID)
	if len(userID) == 0 {
		userID = ic.inv.SubscriptionDetails.Metadata.Get(spec.MetadataUserID)
	}
	if len(orderID) == 0 {
		return nil, "", "", billing.Invalid("metadata.order_id", "subscription carries no order id")
	}
	if len(userID) == 0 {
		return nil, "", "", billing.Invalid("metadata.user_id", "subscription carries no user id")
	}
	return snap, orderID, userID, nil
}

func (r *Router) handleInvoicePaid(ctx context.Context, e *stripe.Event) error {
	ic, err := r.decodeInvoice(e)
	if err != nil {
		return err
	}
	inv := &ic.inv
	if len(inv.Subscription) == 0 {
		r.Logger.Debug("Ignoring invoice without subscription",
			zap.String("EventID", e.ID),
			zap.String("InvoiceID", inv.ID),
		)
		return nil
	}

	logger := r.Logger.With(
		zap.String("EventID", e.ID),
		zap.String("InvoiceID", inv.ID),
		zap.String("SubscriptionID", inv.Subscription),
		zap.String("BillingReason", inv.BillingReason),
	)

	switch inv.BillingReason {
	case ReasonSubscriptionCreate:
		snap, orderID, userID, err := r.initialMetadata(ctx, ic)
		if err != nil {
			return err
		}
		start, end := unix(ic.periodStart), unix(ic.periodEnd)
		if start.IsZero() || end.IsZero() {
			start, end = snap.PeriodStart, snap.PeriodEnd
		}
		priceID := ic.priceID
		if len(priceID) == 0 {
			priceID = snap.PriceID
		}
		logger.Info("Recording initial invoice",
			zap.String("OrderID", orderID),
			zap.String("UserID", userID),
		)
		err = r.Billing.RecordInitialInvoiceDetails(ctx, billing.InitialInvoice{
			UserID:                 userID,
			OrderID:                orderID,
			ExternalSubscriptionID: inv.Subscription,
			ExternalCustomerID:     inv.Customer,
			InvoiceID:              inv.ID,
			PaymentIntentID:        inv.PaymentIntent,
			PriceID:                priceID,
			PriceName:              r.priceName(priceID, ic.priceName),
			PeriodStart:            start,
			PeriodEnd:              end,
		})
		if billing.IsDuplicate(err) {
			// checkout usually lands first and already carries this invoice
			logger.Info("Initial invoice already applied at checkout",
				zap.String("OrderID", orderID),
			)
			return nil
		}
		return err

	case ReasonSubscriptionCycle:
		sub, err := r.subscriptions().GetByExternalID(r.Billing.DB.WithContext(ctx), inv.Subscription)
		if err != nil {
			return err
		}
		if sub == nil {
			return billing.Inconsistent("subscription %s not found", inv.Subscription)
		}
		renewalID := order.RenewalOrderID(inv.ID)
		exists, err := r.orders().Exists(r.Billing.DB.WithContext(ctx), renewalID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: renewal order %s already recorded", billing.ErrDuplicateDelivery, renewalID)
		}
		priceID := ic.priceID
		if len(priceID) == 0 {
			priceID = sub.PriceID
		}
		paidAt := unix(inv.StatusTransitions.PaidAt)
		if paidAt.IsZero() {
			paidAt = occurredAt(e)
		}
		start, end := unix(ic.periodStart), unix(ic.periodEnd)
		if start.IsZero() || end.IsZero() {
			snap, err := r.Provider.GetSubscription(ctx, inv.Subscription)
			if err != nil {
				return err
			}
			start, end = snap.PeriodStart, snap.PeriodEnd
		}
		credits := r.credits(priceID, sub.CreditsPerPeriod)
		logger.Info("Recording renewal payment",
			zap.String("OrderID", renewalID),
			zap.Int64("Credits", credits),
		)
		return r.Billing.RecordSubscriptionRenewalPayment(ctx, billing.RenewalPayment{
			ExternalSubscriptionID: inv.Subscription,
			InvoiceID:              inv.ID,
			PaymentIntentID:        inv.PaymentIntent,
			PriceID:                priceID,
			PriceName:              r.priceName(priceID, sub.PriceName),
			Amount:                 inv.AmountPaid,
			Currency:               inv.Currency,
			Credits:                credits,
			PeriodStart:            start,
			PeriodEnd:              end,
			PaidAt:                 paidAt,
		})

	default:
		logger.Info("Ignoring invoice billing reason")
		return nil
	}
}

func (r *Router) handleInvoicePaymentFailed(ctx context.Context, e *stripe.Event) error {
	ic, err := r.decodeInvoice(e)
	if err != nil {
		return err
	}
	inv := &ic.inv
	if len(inv.Subscription) == 0 {
		return nil
	}

	logger := r.Logger.With(
		zap.String("EventID", e.ID),
		zap.String("InvoiceID", inv.ID),
		zap.String("SubscriptionID", inv.Subscription),
		zap.String("BillingReason", inv.BillingReason),
	)

	switch inv.BillingReason {
	case ReasonSubscriptionCreate:
		_, orderID, _, err := r.initialMetadata(ctx, ic)
		if err != nil {
			return err
		}
		logger.Info("Recording initial payment failure",
			zap.String("OrderID", orderID),
		)
		return r.Billing.RecordInitialPaymentFailure(ctx, billing.InitialPaymentFailure{
			OrderID:                orderID,
			ExternalSubscriptionID: inv.Subscription,
			InvoiceID:              inv.ID,
			PaymentIntentID:        inv.PaymentIntent,
		})

	case ReasonSubscriptionCycle:
		logger.Info("Recording renewal payment failure")
		return r.Billing.RecordRenewalPaymentFailure(ctx, billing.RenewalPaymentFailure{
			ExternalSubscriptionID: inv.Subscription,
			InvoiceID:              inv.ID,
			PaymentIntentID:        inv.PaymentIntent,
			Amount:                 inv.AmountDue,
			Currency:               inv.Currency,
			FailedAt:               occurredAt(e),
		})

	default:
		logger.Info("Ignoring invoice billing reason")
		return nil
	}
}

// localStatus maps provider subscription statuses onto the local state machine
func localStatus(status string) (subscription.Status, bool) {
	switch status {
	case "active":
		return subscription.StatusActive, true
	case "trialing":
		return subscription.StatusTrialing, true
	case "past_due", "unpaid":
		return subscription.StatusPastDue, true
	case "canceled", "incomplete_expired":
		return subscription.StatusCanceled, true
	case "incomplete":
		return subscription.StatusIncomplete, true
	}
	return "", false
}

func (r *Router) handleSubscriptionUpdated(ctx context.Context, e *stripe.Event) error {
	var so subscriptionObject
	if err := decode(e, &so); err != nil {
		return err
	}
	orderID := so.Metadata.Get(spec.MetadataOrderID)
	if len(orderID) == 0 {
		return billing.Invalid("metadata.order_id", "subscription carries no order id")
	}
	if len(so.Items.Data) == 0 {
		return billing.Invalid("items.data", "subscription has no billing period item")
	}
	status, ok := localStatus(so.Status)
	if !ok {
		return billing.Invalid("status", fmt.Sprintf("unknown subscription status %s", so.Status))
	}

	item := &so.Items.Data[0]
	start, end := so.period(item)
	reason := so.cancelReason()

	var canceledAt *time.Time
	if so.CanceledAt > 0 {
		t := unix(so.CanceledAt)
		canceledAt = &t
	}

	r.Logger.Info("Syncing subscription",
		zap.String("EventID", e.ID),
		zap.String("SubscriptionID", so.ID),
		zap.String("OrderID", orderID),
		zap.String("Status", so.Status),
	)

	return r.Billing.SyncSubscriptionFromStripe(ctx, billing.SubscriptionSync{
		OrderID:                orderID,
		ExternalSubscriptionID: so.ID,
		ExternalCustomerID:     so.Customer,
		Status:                 status,
		PriceID:                item.Price.ID,
		PriceName:              r.priceName(item.Price.ID, item.Price.Nickname),
		PeriodStart:            start,
		PeriodEnd:              end,
		CancelAtPeriodEnd:      so.CancelAtPeriodEnd,
		UserCanceled:           reason == spec.CancellationRequested,
		CancelReason:           reason,
		CanceledAt:             canceledAt,
	})
}

func (r *Router) handleSubscriptionDeleted(ctx context.Context, e *stripe.Event) error {
	var so subscriptionObject
	if err := decode(e, &so); err != nil {
		return err
	}
	canceledAt := so.EndedAt
	if canceledAt == 0 {
		canceledAt = so.CanceledAt
	}
	if canceledAt == 0 {
		return billing.Invalid("canceled_at", "deleted subscription carries no deletion time")
	}
	orderID := so.Metadata.Get(spec.MetadataOrderID)
	if len(orderID) == 0 {
		return billing.Invalid("metadata.order_id", "subscription carries no order id")
	}

	r.Logger.Info("Canceling subscription",
		zap.String("EventID", e.ID),
		zap.String("SubscriptionID", so.ID),
		zap.String("OrderID", orderID),
	)

	return r.Billing.ProcessSubscriptionCancel(ctx, billing.SubscriptionCancel{
		OrderID:                orderID,
		ExternalSubscriptionID: so.ID,
		CanceledAt:             unix(canceledAt),
		Reason:                 so.cancelReason(),
	})
}

func (r *Router) handleChargeRefunded(ctx context.Context, e *stripe.Event) error {
	var ch charge
	if err := decode(e, &ch); err != nil {
		return err
	}
	if len(ch.PaymentIntent) == 0 {
		return billing.Invalid("payment_intent", "charge carries no payment intent")
	}

	logger := r.Logger.With(
		zap.String("EventID", e.ID),
		zap.String("ChargeID", ch.ID),
		zap.String("PaymentIntentID", ch.PaymentIntent),
	)

	if !ch.Refunded {
		logger.Info("Ignoring partial refund",
			zap.Int64("Amount", ch.Amount),
			zap.Int64("AmountRefunded", ch.AmountRefunded),
		)
		return nil
	}

	o, err := r.orders().GetByPaymentIntentID(r.Billing.DB.WithContext(ctx), ch.PaymentIntent)
	if err != nil {
		return err
	}
	if o == nil {
		return billing.Inconsistent("no order for payment intent %s", ch.PaymentIntent)
	}
	if o.OrderStatus == order.StatusRefunded {
		return fmt.Errorf("%w: order %s already refunded", billing.ErrDuplicateDelivery, o.OrderID)
	}

	req := billing.Refund{
		OrderID:    o.OrderID,
		RefundedAt: occurredAt(e),
	}
	logger = logger.With(
		zap.String("OrderID", o.OrderID),
		zap.String("OrderType", string(o.Type)),
	)

	switch o.Type {
	case order.TypeSubscription, order.TypeRenewal:
		logger.Info("Refunding subscription order")
		return r.Billing.ProcessSubscriptionRefund(ctx, req)
	case order.TypeOneTime:
		logger.Info("Refunding one-time order")
		return r.Billing.ProcessOneTimeRefund(ctx, req)
	default:
		logger.Info("Refunding order without credit adjustment")
		return r.Billing.RefundOrderStatus(ctx, req)
	}
}
