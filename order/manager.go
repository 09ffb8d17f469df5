package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/billing/db"
	"github.com/zllovesuki/billing/spec"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

type Manager struct {
	ManagerOptions
}

func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Order{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize order.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// Create inserts o. A reused OrderID returns ErrExists.
func (m *Manager) Create(tx *gorm.DB, o *Order) error {
	if len(o.OrderID) == 0 {
		return fmt.Errorf("OrderID is required")
	}
	if len(o.UserID) == 0 {
		return fmt.Errorf("UserID is required")
	}
	if len(o.OrderStatus) == 0 {
		o.OrderStatus = StatusCreated
	}
	if o.Metadata == nil {
		o.Metadata = spec.Parameters{}
	}
	if err := tx.Create(o).Error; err != nil {
		if db.IsUniqueViolation(err) {
			return ErrExists
		}
		m.Logger.Error("Unable to create new order in database",
			zap.String("OrderID", o.OrderID),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot create order")
	}
	return nil
}

func (m *Manager) first(tx *gorm.DB, query interface{}, args ...interface{}) (*Order, error) {
	var o Order
	result := db.ForUpdate(tx).Where(query, args...).First(&o)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return &o, nil
}

// GetByOrderID returns nil if the order does not exist
func (m *Manager) GetByOrderID(tx *gorm.DB, orderID string) (*Order, error) {
	if len(orderID) == 0 {
		return nil, fmt.Errorf("OrderID is required")
	}
	return m.first(tx, "order_id = ?", orderID)
}

// GetByPaymentIntentID correlates a provider charge back to the order it paid for.
// A retried invoice keeps its payment intent, so failed attempts sharing it are skipped.
func (m *Manager) GetByPaymentIntentID(tx *gorm.DB, paymentIntentID string) (*Order, error) {
	if len(paymentIntentID) == 0 {
		return nil, fmt.Errorf("PaymentIntentID is required")
	}
	return m.first(tx, "external_payment_intent = ? AND order_status IN ?", paymentIntentID,
		[]string{string(StatusSuccess), string(StatusRefunded)})
}

// Exists reports whether an order with the id was ever created
func (m *Manager) Exists(tx *gorm.DB, orderID string) (bool, error) {
	var count int64
	result := tx.Model(&Order{}).Where("order_id = ?", orderID).Count(&count)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return false, result.Error
	}
	return count > 0, nil
}

// Update persists every field of o without touching its status
func (m *Manager) Update(tx *gorm.DB, o *Order) error {
	if err := tx.Save(o).Error; err != nil {
		m.Logger.Error("Unable to update order in database",
			zap.String("OrderID", o.OrderID),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot update order")
	}
	return nil
}

func checkTransition(from, to Status) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	if from.Terminal() || from == to {
		return extErrors.Wrapf(ErrTerminalStatus, "order is %s", from)
	}
	return extErrors.Wrapf(ErrInvalidTransition, "%s to %s", from, to)
}

// UpdateStatus moves o to status if the state machine allows it
func (m *Manager) UpdateStatus(tx *gorm.DB, o *Order, status Status) error {
	if err := checkTransition(o.OrderStatus, status); err != nil {
		return err
	}
	o.OrderStatus = status
	return m.Update(tx, o)
}

// MarkPendingUnpaid records a checkout whose payment will settle asynchronously
func (m *Manager) MarkPendingUnpaid(tx *gorm.DB, o *Order, paymentStatus string) error {
	o.PaymentStatus = paymentStatus
	return m.UpdateStatus(tx, o, StatusPendingUnpaid)
}

// Payment carries the provider facts known once an order is paid
type Payment struct {
	PaymentStatus   string
	SessionID       string
	InvoiceID       string
	PaymentIntentID string
	SubscriptionID  string
	CustomerID      string
	CreditsGranted  int64
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
	PaidAt          time.Time
}

// CompletePayment moves o to success and records the payment
func (m *Manager) CompletePayment(tx *gorm.DB, o *Order, p Payment) error {
	if err := checkTransition(o.OrderStatus, StatusSuccess); err != nil {
		return err
	}
	p.apply(o)
	paidAt := p.PaidAt
	o.PaidAt = &paidAt
	o.CreditsGranted = p.CreditsGranted
	o.OrderStatus = StatusSuccess
	return m.Update(tx, o)
}

func (p Payment) apply(o *Order) {
	if len(p.PaymentStatus) > 0 {
		o.PaymentStatus = p.PaymentStatus
	}
	if len(p.SessionID) > 0 {
		o.ExternalSessionID = p.SessionID
	}
	if len(p.InvoiceID) > 0 {
		o.ExternalInvoiceID = p.InvoiceID
	}
	if len(p.PaymentIntentID) > 0 {
		o.ExternalPaymentIntent = p.PaymentIntentID
	}
	if len(p.SubscriptionID) > 0 {
		o.ExternalSubscriptionID = p.SubscriptionID
	}
	if len(p.CustomerID) > 0 {
		o.ExternalCustomerID = p.CustomerID
	}
	if p.PeriodStart != nil {
		o.PeriodStart = p.PeriodStart
	}
	if p.PeriodEnd != nil {
		o.PeriodEnd = p.PeriodEnd
	}
}

// AttachPayment records provider ids on o without changing its status
func (m *Manager) AttachPayment(tx *gorm.DB, o *Order, p Payment) error {
	p.apply(o)
	return m.Update(tx, o)
}

// ProcessRefund moves a successful order to refunded
func (m *Manager) ProcessRefund(tx *gorm.DB, o *Order, at time.Time) error {
	if err := checkTransition(o.OrderStatus, StatusRefunded); err != nil {
		return err
	}
	o.OrderStatus = StatusRefunded
	o.PaymentStatus = PaymentRefunded
	o.RefundedAt = &at
	return m.Update(tx, o)
}
