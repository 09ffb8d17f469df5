package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/billing/db"
	"github.com/zllovesuki/billing/spec"

	"github.com/google/uuid"
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
	if err := option.DB.AutoMigrate(&Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize subscription.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// CreatePlaceholder inserts an incomplete, zero credit subscription for the user.
// Webhook handling only ever updates rows, so every purchase starts from one of these.
func (m *Manager) CreatePlaceholder(tx *gorm.DB, userID string) (*Subscription, error) {
	if len(userID) == 0 {
		return nil, fmt.Errorf("UserID is required")
	}
	s := &Subscription{
		ID:       uuid.New().String(),
		UserID:   userID,
		Status:   StatusIncomplete,
		Metadata: spec.Parameters{},
	}
	if err := tx.Create(s).Error; err != nil {
		m.Logger.Error("Unable to create new subscription in database",
			zap.String("UserID", userID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot create subscription")
	}
	return s, nil
}

// EnsurePlaceholder returns the user's pending subscription, creating one if the user has none
func (m *Manager) EnsurePlaceholder(tx *gorm.DB, userID string) (*Subscription, error) {
	s, err := m.FindNonActive(tx, userID)
	if err != nil {
		return nil, err
	}
	if s != nil {
		return s, nil
	}
	return m.CreatePlaceholder(tx, userID)
}

func (m *Manager) first(tx *gorm.DB, query interface{}, args ...interface{}) (*Subscription, error) {
	var s Subscription
	result := tx.Where(query, args...).Order("created_at desc").First(&s)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return &s, nil
}

// GetByID returns nil if the subscription does not exist
func (m *Manager) GetByID(tx *gorm.DB, id string) (*Subscription, error) {
	if len(id) == 0 {
		return nil, fmt.Errorf("ID is required")
	}
	return m.first(db.ForUpdate(tx), "id = ?", id)
}

// GetByExternalID resolves the subscription by the provider's subscription id
func (m *Manager) GetByExternalID(tx *gorm.DB, externalID string) (*Subscription, error) {
	if len(externalID) == 0 {
		return nil, fmt.Errorf("ExternalSubscriptionID is required")
	}
	return m.first(db.ForUpdate(tx), "external_subscription_id = ? AND is_deleted = ?", externalID, false)
}

// GetByOrderID resolves the subscription created by the order
func (m *Manager) GetByOrderID(tx *gorm.DB, orderID string) (*Subscription, error) {
	if len(orderID) == 0 {
		return nil, fmt.Errorf("OrderID is required")
	}
	return m.first(db.ForUpdate(tx), "order_id = ? AND is_deleted = ?", orderID, false)
}

// GetActive returns the single active subscription of the user, or nil.
// More than one active row is reported as ErrMultipleActive.
func (m *Manager) GetActive(tx *gorm.DB, userID string) (*Subscription, error) {
	if len(userID) == 0 {
		return nil, fmt.Errorf("UserID is required")
	}
	results := make([]Subscription, 0, 1)
	result := tx.Where("user_id = ? AND status = ? AND is_deleted = ?", userID, StatusActive, false).
		Limit(2).
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return &results[0], nil
	default:
		m.Logger.Error("User has more than one active subscription",
			zap.String("UserID", userID),
		)
		return nil, ErrMultipleActive
	}
}

// FindNonActive returns the newest incomplete or trialing subscription of the user, or nil
func (m *Manager) FindNonActive(tx *gorm.DB, userID string) (*Subscription, error) {
	if len(userID) == 0 {
		return nil, fmt.Errorf("UserID is required")
	}
	return m.first(db.ForUpdate(tx), "user_id = ? AND status IN ? AND is_deleted = ?",
		userID, []Status{StatusIncomplete, StatusTrialing}, false)
}

// Update persists every field of s. It is the only write path for subscriptions.
func (m *Manager) Update(tx *gorm.DB, s *Subscription) error {
	if s.IsActive() {
		var count int64
		result := tx.Model(&Subscription{}).
			Where("user_id = ? AND status = ? AND is_deleted = ? AND id <> ?", s.UserID, StatusActive, false, s.ID).
			Count(&count)
		if result.Error != nil {
			m.Logger.Error("Database returned error",
				zap.Error(result.Error),
			)
			return result.Error
		}
		if count > 0 {
			return ErrMultipleActive
		}
	}
	if err := tx.Save(s).Error; err != nil {
		m.Logger.Error("Unable to update subscription in database",
			zap.String("SubscriptionID", s.ID),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot update subscription")
	}
	return nil
}

// UpdateStatus moves s to status if the state machine allows it
func (m *Manager) UpdateStatus(tx *gorm.DB, s *Subscription, status Status, at time.Time) error {
	if !CanTransition(s.Status, status) {
		return extErrors.Wrapf(ErrInvalidTransition, "%s to %s", s.Status, status)
	}
	if status == StatusCanceled && s.CanceledAt == nil {
		s.CanceledAt = &at
	}
	s.Status = status
	return m.Update(tx, s)
}
