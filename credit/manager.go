package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"github.com/zllovesuki/billing/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager owns the three-bucket ledger. Every mutating method takes the caller's transaction
// so ledger writes commit atomically with order and subscription changes.
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
	if err := option.DB.AutoMigrate(&Credit{}, &AuditLog{}, &Hold{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize credit.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// Init creates an empty ledger for the user
func (m *Manager) Init(tx *gorm.DB, userID string) (*Credit, error) {
	if len(userID) == 0 {
		return nil, fmt.Errorf("UserID is required")
	}
	c := &Credit{
		ID:     uuid.New().String(),
		UserID: userID,
	}
	if err := tx.Create(c).Error; err != nil {
		m.Logger.Error("Unable to create credit ledger in database",
			zap.String("UserID", userID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot create credit ledger")
	}
	return c, nil
}

// Get returns the ledger of the user, or ErrNotFound
func (m *Manager) Get(tx *gorm.DB, userID string) (*Credit, error) {
	return m.find(tx, userID)
}

func (m *Manager) find(tx *gorm.DB, userID string) (*Credit, error) {
	if len(userID) == 0 {
		return nil, fmt.Errorf("UserID is required")
	}
	var c Credit
	result := tx.Where("user_id = ?", userID).First(&c)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return &c, nil
}

func (m *Manager) lock(tx *gorm.DB, userID string) (*Credit, error) {
	return m.find(db.ForUpdate(tx), userID)
}

func (m *Manager) save(tx *gorm.DB, c *Credit, logs []AuditLog) error {
	if err := tx.Save(c).Error; err != nil {
		m.Logger.Error("Unable to save credit ledger",
			zap.String("UserID", c.UserID),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot save credit ledger")
	}
	if len(logs) == 0 {
		return nil
	}
	if err := tx.Create(&logs).Error; err != nil {
		m.Logger.Error("Unable to write credit audit logs",
			zap.String("UserID", c.UserID),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot write credit audit logs")
	}
	return nil
}

func newLog(userID string, op Op, t Type, kind Operation, delta int64) AuditLog {
	return AuditLog{
		ID:               uuid.New().String(),
		UserID:           userID,
		Feature:          op.Feature,
		OperationReferID: op.ReferID,
		CreditType:       t,
		OperationType:    kind,
		Credits:          delta,
	}
}

func validAmounts(a Amounts) error {
	if a.Free < 0 || a.Paid < 0 || a.OneTimePaid < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// HasOperation reports whether an audit row exists for the reference, including expired rows
func (m *Manager) HasOperation(tx *gorm.DB, userID, referID string, kind Operation, t Type) (bool, error) {
	var count int64
	result := tx.Unscoped().Model(&AuditLog{}).
		Where("user_id = ? AND operation_refer_id = ? AND operation_type = ? AND credit_type = ?", userID, referID, kind, t).
		Count(&count)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return false, result.Error
	}
	return count > 0, nil
}

// Recharge adds credits to each non-zero bucket, increasing both balance and lifetime total.
// When op.Window is set it replaces the window of every recharged bucket.
func (m *Manager) Recharge(tx *gorm.DB, userID string, amounts Amounts, op Op) (*Credit, error) {
	if err := validAmounts(amounts); err != nil {
		return nil, err
	}
	c, err := m.lock(tx, userID)
	if err != nil {
		return nil, err
	}
	logs := make([]AuditLog, 0, 1)
	for _, t := range SpendOrder {
		amount := amounts.Of(t)
		if amount == 0 {
			continue
		}
		if len(op.ReferID) > 0 {
			dup, err := m.HasOperation(tx, userID, op.ReferID, OperationRecharge, t)
			if err != nil {
				return nil, err
			}
			if dup {
				return nil, ErrDuplicateOperation
			}
		}
		b := c.bucket(t)
		*b.balance += amount
		*b.total += amount
		if op.Window != nil {
			start, end := op.Window.Start, op.Window.End
			*b.start = &start
			*b.end = &end
		}
		logs = append(logs, newLog(userID, op, t, OperationRecharge, amount))
	}
	if err := m.save(tx, c, logs); err != nil {
		return nil, err
	}
	return c, nil
}

// Consume debits exact amounts from each bucket. Every bucket must cover its amount or nothing is debited.
func (m *Manager) Consume(tx *gorm.DB, userID string, amounts Amounts, op Op) (*Credit, error) {
	if err := validAmounts(amounts); err != nil {
		return nil, err
	}
	c, err := m.lock(tx, userID)
	if err != nil {
		return nil, err
	}
	for _, t := range SpendOrder {
		if c.Balance(t) < amounts.Of(t) {
			return nil, ErrInsufficientCredits
		}
	}
	logs := m.debit(c, amounts, op, OperationConsume)
	if err := m.save(tx, c, logs); err != nil {
		return nil, err
	}
	return c, nil
}

// Spend debits amount across buckets in SpendOrder. It returns the per-bucket split.
func (m *Manager) Spend(tx *gorm.DB, userID string, amount int64, op Op) (Amounts, *Credit, error) {
	if amount < 0 {
		return Amounts{}, nil, ErrInvalidAmount
	}
	c, err := m.lock(tx, userID)
	if err != nil {
		return Amounts{}, nil, err
	}
	split, err := spill(c, amount)
	if err != nil {
		return Amounts{}, nil, err
	}
	logs := m.debit(c, split, op, OperationConsume)
	if err := m.save(tx, c, logs); err != nil {
		return Amounts{}, nil, err
	}
	return split, c, nil
}

func spill(c *Credit, amount int64) (Amounts, error) {
	if c.Available() < amount {
		return Amounts{}, ErrInsufficientCredits
	}
	var split Amounts
	remaining := amount
	for _, t := range SpendOrder {
		if remaining == 0 {
			break
		}
		take := c.Balance(t)
		if take > remaining {
			take = remaining
		}
		split.set(t, take)
		remaining -= take
	}
	return split, nil
}

func (m *Manager) debit(c *Credit, amounts Amounts, op Op, kind Operation) []AuditLog {
	logs := make([]AuditLog, 0, 1)
	for _, t := range SpendOrder {
		amount := amounts.Of(t)
		if amount == 0 {
			continue
		}
		*c.bucket(t).balance -= amount
		logs = append(logs, newLog(c.UserID, op, t, kind, -amount))
	}
	return logs
}

// Refund takes back up to the requested amount per bucket, reducing both balance and lifetime total.
// Credits already spent are not recovered; the applied amounts are returned.
func (m *Manager) Refund(tx *gorm.DB, userID string, amounts Amounts, op Op) (Amounts, *Credit, error) {
	if err := validAmounts(amounts); err != nil {
		return Amounts{}, nil, err
	}
	c, err := m.lock(tx, userID)
	if err != nil {
		return Amounts{}, nil, err
	}
	var applied Amounts
	logs := make([]AuditLog, 0, 1)
	for _, t := range SpendOrder {
		take := amounts.Of(t)
		if balance := c.Balance(t); take > balance {
			take = balance
		}
		if take == 0 {
			continue
		}
		reduce(c.bucket(t), take)
		applied.set(t, take)
		logs = append(logs, newLog(userID, op, t, OperationRefund, -take))
	}
	if err := m.save(tx, c, logs); err != nil {
		return Amounts{}, nil, err
	}
	return applied, c, nil
}

func reduce(b bucket, amount int64) {
	*b.balance -= amount
	*b.total -= amount
	if *b.total < 0 {
		*b.total = 0
	}
}

// PurgeFree zeroes the free bucket
func (m *Manager) PurgeFree(tx *gorm.DB, userID string, op Op) (*Credit, error) {
	return m.purge(tx, userID, op, OperationPurge, TypeFree)
}

// PurgePaid zeroes the subscription bucket
func (m *Manager) PurgePaid(tx *gorm.DB, userID string, op Op) (*Credit, error) {
	return m.purge(tx, userID, op, OperationPurge, TypePaid)
}

// Purge zeroes every bucket
func (m *Manager) Purge(tx *gorm.DB, userID string, op Op) (*Credit, error) {
	return m.purge(tx, userID, op, OperationPurge, SpendOrder...)
}

func (m *Manager) purge(tx *gorm.DB, userID string, op Op, kind Operation, types ...Type) (*Credit, error) {
	c, err := m.lock(tx, userID)
	if err != nil {
		return nil, err
	}
	logs := make([]AuditLog, 0, len(types))
	for _, t := range types {
		b := c.bucket(t)
		amount := *b.balance
		if amount == 0 {
			continue
		}
		reduce(b, amount)
		logs = append(logs, newLog(userID, op, t, kind, -amount))
	}
	if err := m.save(tx, c, logs); err != nil {
		return nil, err
	}
	return c, nil
}

// PayFailedWatcher purges the subscription bucket when its window has ended by now.
// It returns the amount purged.
func (m *Manager) PayFailedWatcher(tx *gorm.DB, userID string, op Op, now time.Time) (int64, error) {
	c, err := m.lock(tx, userID)
	if err != nil {
		return 0, err
	}
	if c.PaidEnd == nil || c.PaidEnd.After(now) || c.BalancePaid == 0 {
		return 0, nil
	}
	purged := c.BalancePaid
	if _, err := m.purge(tx, userID, op, OperationPayFailed, TypePaid); err != nil {
		return 0, err
	}
	return purged, nil
}

type ListOption struct {
	UserID string
	Before time.Time
	Limit  int
}

// ListAuditLogs returns the unexpired history of a user, newest first
func (m *Manager) ListAuditLogs(ctx context.Context, opt ListOption) ([]AuditLog, error) {
	if len(opt.UserID) == 0 {
		return nil, fmt.Errorf("ListOption.UserID is required")
	}
	baseQuery := m.DB.WithContext(ctx).Where("user_id = ?", opt.UserID).Order("created_at desc")
	if opt.Limit > 0 {
		baseQuery = baseQuery.Limit(opt.Limit)
	}
	if !opt.Before.IsZero() {
		baseQuery = baseQuery.Where("created_at < ?", opt.Before)
	}
	results := make([]AuditLog, 0, 1)
	if result := baseQuery.Find(&results); result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// ExpireAuditLogs soft deletes audit rows created before the cutoff
func (m *Manager) ExpireAuditLogs(ctx context.Context, before time.Time) (int64, error) {
	result := m.DB.WithContext(ctx).Where("created_at < ?", before).Delete(&AuditLog{})
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
