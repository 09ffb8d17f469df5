package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/billing/credit"
	"github.com/zllovesuki/billing/db"
	"github.com/zllovesuki/billing/order"
	"github.com/zllovesuki/billing/spec"
	"github.com/zllovesuki/billing/subscription"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var validate = validator.New()

type Options struct {
	DB                  *gorm.DB
	Logger              *zap.Logger
	OrderManager        *order.Manager
	SubscriptionManager *subscription.Manager
	CreditManager       *credit.Manager
	Location            *time.Location // Billing days end in this location, UTC if nil
}

// Service composes orders, subscriptions and the credit ledger into atomic billing operations.
// Each operation runs in exactly one serializable transaction and never calls the provider.
type Service struct {
	Options
	now func() time.Time
}

func NewService(option Options) (*Service, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.OrderManager == nil {
		return nil, fmt.Errorf("nil OrderManager is invalid")
	}
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.CreditManager == nil {
		return nil, fmt.Errorf("nil CreditManager is invalid")
	}
	if option.Location == nil {
		option.Location = time.UTC
	}
	return &Service{
		Options: option,
		now:     time.Now,
	}, nil
}

func (s *Service) run(ctx context.Context, req interface{}, fn func(tx *gorm.DB) error) error {
	if err := validate.Struct(req); err != nil {
		return fromValidator(err)
	}
	return s.DB.WithContext(ctx).Transaction(fn, db.TxOptions())
}

func (s *Service) window(start, end time.Time) (*time.Time, *time.Time) {
	st := start
	en := subscription.EndOfDay(end, s.Location)
	return &st, &en
}

// lockOrder returns the order or an inconsistency error if it was never created
func (s *Service) lockOrder(tx *gorm.DB, orderID string) (*order.Order, error) {
	o, err := s.OrderManager.GetByOrderID(tx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, Inconsistent("order %s not found", orderID)
	}
	return o, nil
}

// CreateCheckoutOrder records an order before the customer is sent to checkout.
// Subscription orders also make sure a pending subscription row exists to be activated later.
func (s *Service) CreateCheckoutOrder(ctx context.Context, req CheckoutOrder) (*order.Order, error) {
	o := &order.Order{
		OrderID:           req.OrderID,
		UserID:            req.UserID,
		Type:              req.Type,
		OrderStatus:       order.StatusCreated,
		ExternalSessionID: req.SessionID,
		PriceID:           req.PriceID,
		PriceName:         req.PriceName,
		Amount:            req.Amount,
		Currency:          req.Currency,
		CreditsGranted:    req.Credits,
		Metadata:          req.Metadata.Clone(),
	}
	err := s.run(ctx, req, func(tx *gorm.DB) error {
		if err := s.OrderManager.Create(tx, o); err != nil {
			return err
		}
		if req.Type == order.TypeSubscription {
			if _, err := s.SubscriptionManager.EnsurePlaceholder(tx, req.UserID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// RecordSubscriptionInitPayment activates the pending subscription, completes its order and grants the first period
func (s *Service) RecordSubscriptionInitPayment(ctx context.Context, req SubscriptionInitPayment) error {
	return s.run(ctx, req, func(tx *gorm.DB) error {
		o, err := s.lockOrder(tx, req.OrderID)
		if err != nil {
			return err
		}
		if o.OrderStatus == order.StatusSuccess {
			return fmt.Errorf("%w: order %s already completed", ErrDuplicateDelivery, o.OrderID)
		}
		if o.UserID != req.UserID {
			return Inconsistent("order %s belongs to %s, not %s", o.OrderID, o.UserID, req.UserID)
		}
		sub, err := s.SubscriptionManager.FindNonActive(tx, req.UserID)
		if err != nil {
			return err
		}
		if sub == nil {
			return Inconsistent("user %s has no pending subscription", req.UserID)
		}
		active, err := s.SubscriptionManager.GetActive(tx, req.UserID)
		if err != nil {
			return err
		}
		if active != nil {
			return Inconsistent("user %s already has active subscription %s", req.UserID, active.ID)
		}

		start, end := s.window(req.PeriodStart, req.PeriodEnd)
		sub.ExternalSubscriptionID = req.ExternalSubscriptionID
		sub.ExternalCustomerID = req.ExternalCustomerID
		sub.PriceID = req.PriceID
		sub.PriceName = req.PriceName
		sub.CreditsPerPeriod = req.Credits
		sub.PeriodStart = start
		sub.PeriodEnd = end
		sub.OrderID = req.OrderID
		if len(req.InvoiceID) > 0 {
			sub.LatestInvoiceID = req.InvoiceID
		}
		if err := s.SubscriptionManager.UpdateStatus(tx, sub, subscription.StatusActive, req.PaidAt); err != nil {
			return err
		}

		if err := s.OrderManager.CompletePayment(tx, o, order.Payment{
			PaymentStatus:   req.PaymentStatus,
			SessionID:       req.SessionID,
			InvoiceID:       req.InvoiceID,
			PaymentIntentID: req.PaymentIntentID,
			SubscriptionID:  req.ExternalSubscriptionID,
			CustomerID:      req.ExternalCustomerID,
			CreditsGranted:  req.Credits,
			PeriodStart:     start,
			PeriodEnd:       end,
			PaidAt:          req.PaidAt,
		}); err != nil {
			return err
		}

		if req.Credits <= 0 {
			return nil
		}
		_, err = s.CreditManager.Recharge(tx, req.UserID, credit.Amounts{Paid: req.Credits}, credit.Op{
			Feature: spec.FeatureSubscription,
			ReferID: req.OrderID,
			Window:  &credit.Window{Start: *start, End: *end},
		})
		return err
	})
}

// CompleteOneTimeCheckout completes a credit pack order and grants its one-time credits
func (s *Service) CompleteOneTimeCheckout(ctx context.Context, req OneTimeCheckout) error {
	return s.run(ctx, req, func(tx *gorm.DB) error {
		o, err := s.lockOrder(tx, req.OrderID)
		if err != nil {
			return err
		}
		if o.OrderStatus == order.StatusSuccess {
			return fmt.Errorf("%w: order %s already completed", ErrDuplicateDelivery, o.OrderID)
		}
		if o.Type != order.TypeOneTime {
			return Invalid("OrderID", fmt.Sprintf("order %s is a %s order", o.OrderID, o.Type))
		}
		if o.UserID != req.UserID {
			return Inconsistent("order %s belongs to %s, not %s", o.OrderID, o.UserID, req.UserID)
		}
		if err := s.OrderManager.CompletePayment(tx, o, order.Payment{
			PaymentStatus:   req.PaymentStatus,
			SessionID:       req.SessionID,
			PaymentIntentID: req.PaymentIntentID,
			CreditsGranted:  req.Credits,
			PaidAt:          req.PaidAt,
		}); err != nil {
			return err
		}
		if req.Credits <= 0 {
			return nil
		}
		_, err = s.CreditManager.Recharge(tx, req.UserID, credit.Amounts{OneTimePaid: req.Credits}, credit.Op{
			Feature: spec.FeatureOneTime,
			ReferID: req.OrderID,
		})
		return err
	})
}

// MarkCheckoutPending records that the checkout will settle asynchronously
func (s *Service) MarkCheckoutPending(ctx context.Context, req CheckoutPending) error {
	return s.run(ctx, req, func(tx *gorm.DB) error {
		o, err := s.lockOrder(tx, req.OrderID)
		if err != nil {
			return err
		}
		if len(req.SessionID) > 0 {
			o.ExternalSessionID = req.SessionID
		}
		return s.OrderManager.MarkPendingUnpaid(tx, o, req.PaymentStatus)
	})
}

// FailCheckout records an asynchronous checkout payment failure
func (s *Service) FailCheckout(ctx context.Context, req CheckoutFailed) error {
	return s.run(ctx, req, func(tx *gorm.DB) error {
		o, err := s.lockOrder(tx, req.OrderID)
		if err != nil {
			return err
		}
		o.PaymentStatus = order.PaymentFailed
		if len(req.PaymentStatus) > 0 {
			o.PaymentStatus = req.PaymentStatus
		}
		return s.OrderManager.UpdateStatus(tx, o, order.StatusFailed)
	})
}

// RecordInitialInvoiceDetails links the first invoice to the pending subscription and its order. No credits move.
func (s *Service) RecordInitialInvoiceDetails(ctx context.Context, req InitialInvoice) error {
	return s.run(ctx, req, func(tx *gorm.DB) error {
		sub, err := s.SubscriptionManager.FindNonActive(tx, req.UserID)
		if err != nil {
			return err
		}
		if sub == nil {
			active, err := s.SubscriptionManager.GetActive(tx, req.UserID)
			if err != nil {
				return err
			}
			if active != nil && active.ExternalSubscriptionID == req.ExternalSubscriptionID && active.OrderID == req.OrderID {
				return fmt.Errorf("%w: subscription %s already activated", ErrDuplicateDelivery, active.ID)
			}
			return Inconsistent("user %s has no pending subscription", req.UserID)
		}
		o, err := s.lockOrder(tx, req.OrderID)
		if err != nil {
			return err
		}
		if o.UserID != req.UserID {
			return Inconsistent("order %s belongs to %s, not %s", o.OrderID, o.UserID, req.UserID)
		}

		start, end := s.window(req.PeriodStart, req.PeriodEnd)
		sub.ExternalSubscriptionID = req.ExternalSubscriptionID
		sub.ExternalCustomerID = req.ExternalCustomerID
		sub.LatestInvoiceID = req.InvoiceID
		sub.OrderID = req.OrderID
		sub.PeriodStart = start
		sub.PeriodEnd = end
		if len(req.PriceID) > 0 {
			sub.PriceID = req.PriceID
			sub.PriceName = req.PriceName
		}
		if err := s.SubscriptionManager.Update(tx, sub); err != nil {
			return err
		}

		return s.OrderManager.AttachPayment(tx, o, order.Payment{
			InvoiceID:       req.InvoiceID,
			PaymentIntentID: req.PaymentIntentID,
			SubscriptionID:  req.ExternalSubscriptionID,
			CustomerID:      req.ExternalCustomerID,
			PeriodStart:     start,
			PeriodEnd:       end,
		})
	})
}

// RecordSubscriptionRenewalPayment books a renewal order, moves the subscription to the new period and grants its credits
func (s *Service) RecordSubscriptionRenewalPayment(ctx context.Context, req RenewalPayment) error {
	return s.run(ctx, req, func(tx *gorm.DB) error {
		sub, err := s.SubscriptionManager.GetByExternalID(tx, req.ExternalSubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return Inconsistent("subscription %s not found", req.ExternalSubscriptionID)
		}
		orderID := order.RenewalOrderID(req.InvoiceID)
		exists, err := s.OrderManager.Exists(tx, orderID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: renewal order %s exists", ErrDuplicateDelivery, orderID)
		}

		start, end := s.window(req.PeriodStart, req.PeriodEnd)
		priceID, priceName := sub.PriceID, sub.PriceName
		if len(req.PriceID) > 0 {
			priceID, priceName = req.PriceID, req.PriceName
		}
		paidAt := req.PaidAt
		if err := s.OrderManager.Create(tx, &order.Order{
			OrderID:                orderID,
			UserID:                 sub.UserID,
			Type:                   order.TypeRenewal,
			OrderStatus:            order.StatusSuccess,
			PaymentStatus:          order.PaymentPaid,
			ExternalInvoiceID:      req.InvoiceID,
			ExternalPaymentIntent:  req.PaymentIntentID,
			ExternalSubscriptionID: req.ExternalSubscriptionID,
			ExternalCustomerID:     sub.ExternalCustomerID,
			PriceID:                priceID,
			PriceName:              priceName,
			Amount:                 req.Amount,
			Currency:               req.Currency,
			CreditsGranted:         req.Credits,
			PeriodStart:            start,
			PeriodEnd:              end,
			PaidAt:                 &paidAt,
			Metadata:               map[string]string{spec.MetadataOrderID: sub.OrderID},
		}); err != nil {
			return err
		}

		sub.PriceID = priceID
		sub.PriceName = priceName
		sub.CreditsPerPeriod = req.Credits
		sub.PeriodStart = start
		sub.PeriodEnd = end
		sub.LatestInvoiceID = req.InvoiceID
		if err := s.SubscriptionManager.UpdateStatus(tx, sub, subscription.StatusActive, req.PaidAt); err != nil {
			return err
		}

		if req.Credits <= 0 {
			return nil
		}
		_, err = s.CreditManager.Recharge(tx, sub.UserID, credit.Amounts{Paid: req.Credits}, credit.Op{
			Feature: spec.FeatureRenewal,
			ReferID: orderID,
			Window:  &credit.Window{Start: *start, End: *end},
		})
		return err
	})
}

// RecordInitialPaymentFailure fails the order of a first invoice that could not be charged
func (s *Service) RecordInitialPaymentFailure(ctx context.Context, req InitialPaymentFailure) error {
	return s.run(ctx, req, func(tx *gorm.DB) error {
		o, err := s.lockOrder(tx, req.OrderID)
		if err != nil {
			return err
		}
		o.PaymentStatus = order.PaymentFailed
		if err := s.OrderManager.UpdateStatus(tx, o, order.StatusFailed); err != nil {
			return err
		}
		return s.OrderManager.AttachPayment(tx, o, order.Payment{
			InvoiceID:       req.InvoiceID,
			PaymentIntentID: req.PaymentIntentID,
			SubscriptionID:  req.ExternalSubscriptionID,
		})
	})
}

// RecordRenewalPaymentFailure books a failed renewal order and moves the subscription to past_due.
// Paid credits whose window already ended are purged; nothing is granted.
func (s *Service) RecordRenewalPaymentFailure(ctx context.Context, req RenewalPaymentFailure) error {
	return s.run(ctx, req, func(tx *gorm.DB) error {
		sub, err := s.SubscriptionManager.GetByExternalID(tx, req.ExternalSubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return Inconsistent("subscription %s not found", req.ExternalSubscriptionID)
		}
		orderID := order.RenewalFailedOrderID(req.InvoiceID)
		exists, err := s.OrderManager.Exists(tx, orderID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: renewal failure order %s exists", ErrDuplicateDelivery, orderID)
		}
		if err := s.OrderManager.Create(tx, &order.Order{
			OrderID:                orderID,
			UserID:                 sub.UserID,
			Type:                   order.TypeRenewalFailed,
			OrderStatus:            order.StatusFailed,
			PaymentStatus:          order.PaymentFailed,
			ExternalInvoiceID:      req.InvoiceID,
			ExternalPaymentIntent:  req.PaymentIntentID,
			ExternalSubscriptionID: req.ExternalSubscriptionID,
			ExternalCustomerID:     sub.ExternalCustomerID,
			PriceID:                sub.PriceID,
			PriceName:              sub.PriceName,
			Amount:                 req.Amount,
			Currency:               req.Currency,
			Metadata:               map[string]string{spec.MetadataOrderID: sub.OrderID},
		}); err != nil {
			return err
		}
		if err := s.SubscriptionManager.UpdateStatus(tx, sub, subscription.StatusPastDue, req.FailedAt); err != nil {
			return err
		}
		purged, err := s.CreditManager.PayFailedWatcher(tx, sub.UserID, credit.Op{
			Feature: spec.FeatureRenewalFailure,
			ReferID: orderID,
		}, req.FailedAt)
		if err != nil {
			return err
		}
		if purged > 0 {
			s.Logger.Info("Purged expired paid credits after renewal failure",
				zap.String("UserID", sub.UserID),
				zap.Int64("Credits", purged),
			)
		}
		return nil
	})
}

// SyncSubscriptionFromStripe mirrors provider status and period onto the local subscription. No credits move.
func (s *Service) SyncSubscriptionFromStripe(ctx context.Context, req SubscriptionSync) error {
	return s.run(ctx, req, func(tx *gorm.DB) error {
		sub, err := s.SubscriptionManager.GetByExternalID(tx, req.ExternalSubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			sub, err = s.SubscriptionManager.GetByOrderID(tx, req.OrderID)
			if err != nil {
				return err
			}
		}
		if sub == nil {
			// not linked yet, the initial payment will fill everything in
			s.Logger.Warn("Subscription not linked yet, skipping sync",
				zap.String("ExternalSubscriptionID", req.ExternalSubscriptionID),
				zap.String("OrderID", req.OrderID),
			)
			return nil
		}

		start, end := s.window(req.PeriodStart, req.PeriodEnd)
		sub.PeriodStart = start
		sub.PeriodEnd = end
		sub.CancelAtPeriodEnd = req.CancelAtPeriodEnd
		if len(req.ExternalCustomerID) > 0 {
			sub.ExternalCustomerID = req.ExternalCustomerID
		}
		if len(req.PriceID) > 0 {
			sub.PriceID = req.PriceID
			sub.PriceName = req.PriceName
		}
		if req.UserCanceled {
			sub.CancelReason = spec.CancellationRequested
		} else if len(req.CancelReason) > 0 {
			sub.CancelReason = req.CancelReason
		}
		if req.CanceledAt != nil {
			at := *req.CanceledAt
			sub.CanceledAt = &at
		}

		status := req.Status
		if sub.Status == subscription.StatusIncomplete && status == subscription.StatusActive {
			// activation is owned by the initial payment, which also grants credits
			status = subscription.StatusIncomplete
		}
		if status == subscription.StatusCanceled && sub.Status != subscription.StatusCanceled {
			// cancellation is owned by the delete event, which also purges paid credits
			s.Logger.Info("Deferring cancellation to subscription deletion",
				zap.String("SubscriptionID", sub.ID),
				zap.String("Status", string(sub.Status)),
			)
			status = sub.Status
		}
		return s.SubscriptionManager.UpdateStatus(tx, sub, status, s.now())
	})
}

// ProcessSubscriptionCancel purges the paid bucket and cancels the subscription
func (s *Service) ProcessSubscriptionCancel(ctx context.Context, req SubscriptionCancel) error {
	return s.run(ctx, req, func(tx *gorm.DB) error {
		sub, err := s.SubscriptionManager.GetByExternalID(tx, req.ExternalSubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			sub, err = s.SubscriptionManager.GetByOrderID(tx, req.OrderID)
			if err != nil {
				return err
			}
		}
		if sub == nil {
			return Inconsistent("subscription %s not found", req.ExternalSubscriptionID)
		}
		if sub.Status == subscription.StatusCanceled {
			return fmt.Errorf("%w: subscription %s already canceled", ErrDuplicateDelivery, sub.ID)
		}
		if _, err := s.CreditManager.PurgePaid(tx, sub.UserID, credit.Op{
			Feature: spec.FeatureCancel,
			ReferID: req.OrderID,
		}); err != nil {
			return err
		}
		if len(req.Reason) > 0 {
			sub.CancelReason = req.Reason
		}
		return s.SubscriptionManager.UpdateStatus(tx, sub, subscription.StatusCanceled, req.CanceledAt)
	})
}

func (s *Service) lockRefundable(tx *gorm.DB, orderID string) (*order.Order, error) {
	o, err := s.lockOrder(tx, orderID)
	if err != nil {
		return nil, err
	}
	if o.OrderStatus == order.StatusRefunded {
		return nil, fmt.Errorf("%w: order %s already refunded", ErrDuplicateDelivery, o.OrderID)
	}
	return o, nil
}

// ProcessSubscriptionRefund refunds a subscription or renewal order, cancels the subscription
// and takes back at most the credits the order granted
func (s *Service) ProcessSubscriptionRefund(ctx context.Context, req Refund) error {
	return s.run(ctx, req, func(tx *gorm.DB) error {
		o, err := s.lockRefundable(tx, req.OrderID)
		if err != nil {
			return err
		}
		if o.Type != order.TypeSubscription && o.Type != order.TypeRenewal {
			return Invalid("OrderID", fmt.Sprintf("order %s is a %s order", o.OrderID, o.Type))
		}
		if err := s.OrderManager.ProcessRefund(tx, o, req.RefundedAt); err != nil {
			return err
		}

		var sub *subscription.Subscription
		if len(o.ExternalSubscriptionID) > 0 {
			sub, err = s.SubscriptionManager.GetByExternalID(tx, o.ExternalSubscriptionID)
		} else {
			sub, err = s.SubscriptionManager.GetByOrderID(tx, o.OrderID)
		}
		if err != nil {
			return err
		}
		if sub != nil && sub.Status != subscription.StatusCanceled {
			sub.CancelReason = spec.FeatureRefund
			if err := s.SubscriptionManager.UpdateStatus(tx, sub, subscription.StatusCanceled, req.RefundedAt); err != nil {
				return err
			}
		}

		if o.CreditsGranted <= 0 {
			return nil
		}
		applied, _, err := s.CreditManager.Refund(tx, o.UserID, credit.Amounts{Paid: o.CreditsGranted}, credit.Op{
			Feature: spec.FeatureRefund,
			ReferID: o.OrderID,
		})
		if err != nil {
			return err
		}
		s.Logger.Info("Refunded subscription credits",
			zap.String("OrderID", o.OrderID),
			zap.Int64("Granted", o.CreditsGranted),
			zap.Int64("Debited", applied.Paid),
		)
		return nil
	})
}

// ProcessOneTimeRefund refunds a credit pack order and takes back at most the credits it granted
func (s *Service) ProcessOneTimeRefund(ctx context.Context, req Refund) error {
	return s.run(ctx, req, func(tx *gorm.DB) error {
		o, err := s.lockRefundable(tx, req.OrderID)
		if err != nil {
			return err
		}
		if o.Type != order.TypeOneTime {
			return Invalid("OrderID", fmt.Sprintf("order %s is a %s order", o.OrderID, o.Type))
		}
		if err := s.OrderManager.ProcessRefund(tx, o, req.RefundedAt); err != nil {
			return err
		}
		if o.CreditsGranted <= 0 {
			return nil
		}
		applied, _, err := s.CreditManager.Refund(tx, o.UserID, credit.Amounts{OneTimePaid: o.CreditsGranted}, credit.Op{
			Feature: spec.FeatureRefund,
			ReferID: o.OrderID,
		})
		if err != nil {
			return err
		}
		s.Logger.Info("Refunded one-time credits",
			zap.String("OrderID", o.OrderID),
			zap.Int64("Granted", o.CreditsGranted),
			zap.Int64("Debited", applied.OneTimePaid),
		)
		return nil
	})
}

// RefundOrderStatus marks an order of unknown type refunded without touching credits
func (s *Service) RefundOrderStatus(ctx context.Context, req Refund) error {
	return s.run(ctx, req, func(tx *gorm.DB) error {
		o, err := s.lockRefundable(tx, req.OrderID)
		if err != nil {
			return err
		}
		return s.OrderManager.ProcessRefund(tx, o, req.RefundedAt)
	})
}
