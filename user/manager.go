package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/billing/credit"
	"github.com/zllovesuki/billing/db"
	"github.com/zllovesuki/billing/spec"
	"github.com/zllovesuki/billing/subscription"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the user does not exist
	ErrNotFound = errors.New("user: not found")
	// ErrAlreadyRegistered is returned when upgrading a user that is already registered
	ErrAlreadyRegistered = errors.New("user: already registered")
	// ErrIdentityTaken is returned when the identity belongs to another user
	ErrIdentityTaken = errors.New("user: identity already linked to another user")
)

type ManagerOptions struct {
	DB                  *gorm.DB
	Logger              *zap.Logger
	SubscriptionManager *subscription.Manager
	CreditManager       *credit.Manager
	SignupFreeCredits   int64
}

// Manager handles the database operations relating to Users
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for users
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.CreditManager == nil {
		return nil, fmt.Errorf("nil CreditManager is invalid")
	}
	if option.SignupFreeCredits < 0 {
		return nil, fmt.Errorf("negative SignupFreeCredits is invalid")
	}
	if err := option.DB.AutoMigrate(&User{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize user.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func (m *Manager) first(tx *gorm.DB, query interface{}, args ...interface{}) (*User, error) {
	var u User
	result := tx.Where(query, args...).First(&u)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get user")
	}
	return &u, nil
}

// GetByID will try to return the user in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*User, error) {
	return m.first(m.DB.WithContext(ctx), "id = ?", id)
}

// create writes the user together with its placeholder subscription and empty ledger
func (m *Manager) create(tx *gorm.DB, u *User) error {
	u.ID = uuid.New().String()
	if err := tx.Create(u).Error; err != nil {
		return err
	}
	if _, err := m.SubscriptionManager.CreatePlaceholder(tx, u.ID); err != nil {
		return err
	}
	if _, err := m.CreditManager.Init(tx, u.ID); err != nil {
		return err
	}
	if m.SignupFreeCredits > 0 {
		if _, err := m.CreditManager.Recharge(tx, u.ID, credit.Amounts{Free: m.SignupFreeCredits}, credit.Op{
			Feature: spec.FeatureSignup,
			ReferID: "signup_" + u.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// CreateAnonymous returns the user keyed by fingerprint, creating it on first sight
func (m *Manager) CreateAnonymous(ctx context.Context, fingerprint string) (*User, error) {
	if len(fingerprint) == 0 {
		return nil, fmt.Errorf("fingerprint is required")
	}
	var u *User
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := m.first(tx, "fingerprint = ?", fingerprint)
		if err != nil {
			return err
		}
		if existing != nil {
			u = existing
			return nil
		}
		u = &User{
			Kind:        KindAnonymous,
			Fingerprint: &fingerprint,
		}
		return m.create(tx, u)
	}, db.TxOptions())
	if db.IsUniqueViolation(err) {
		// lost the race against a concurrent first visit
		return m.first(m.DB.WithContext(ctx), "fingerprint = ?", fingerprint)
	}
	if err != nil {
		m.Logger.Error("Unable to create anonymous user",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot create anonymous user")
	}
	return u, nil
}

// CreateRegistered creates a user backed by an identity provider account
func (m *Manager) CreateRegistered(ctx context.Context, identityID, email string) (*User, error) {
	if len(identityID) == 0 {
		return nil, fmt.Errorf("identityID is required")
	}
	u := &User{
		Kind:       KindRegistered,
		IdentityID: &identityID,
		Email:      email,
	}
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return m.create(tx, u)
	}, db.TxOptions())
	if db.IsUniqueViolation(err) {
		return nil, ErrIdentityTaken
	}
	if err != nil {
		m.Logger.Error("Unable to create registered user",
			zap.String("IdentityID", identityID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot create registered user")
	}
	return u, nil
}

// Upgrade links an anonymous user to an identity. It succeeds at most once per user.
func (m *Manager) Upgrade(ctx context.Context, userID, identityID, email string) (*User, error) {
	if len(identityID) == 0 {
		return nil, fmt.Errorf("identityID is required")
	}
	var u *User
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		u, err = m.first(db.ForUpdate(tx), "id = ?", userID)
		if err != nil {
			return err
		}
		if u == nil {
			return ErrNotFound
		}
		if u.Kind == KindRegistered {
			return ErrAlreadyRegistered
		}
		now := time.Now()
		u.Kind = KindRegistered
		u.IdentityID = &identityID
		u.Email = email
		u.UpgradedAt = &now
		return tx.Save(u).Error
	}, db.TxOptions())
	switch {
	case err == nil:
		return u, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyRegistered):
		return nil, err
	case db.IsUniqueViolation(err):
		return nil, ErrIdentityTaken
	default:
		m.Logger.Error("Unable to upgrade user",
			zap.String("UserID", userID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot upgrade user")
	}
}
