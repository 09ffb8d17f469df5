package credit

import (
	"errors"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"github.com/zllovesuki/billing/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Freeze reserves amount in SpendOrder under op.ReferID. Reserved credits leave the
// spendable balance but are neither consumed nor removed from the lifetime total.
func (m *Manager) Freeze(tx *gorm.DB, userID string, amount int64, op Op) (*Hold, error) {
	if len(op.ReferID) == 0 {
		return nil, ErrMissingReference
	}
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	c, err := m.lock(tx, userID)
	if err != nil {
		return nil, err
	}
	split, err := spill(c, amount)
	if err != nil {
		return nil, err
	}
	logs := make([]AuditLog, 0, 1)
	for _, t := range SpendOrder {
		x := split.Of(t)
		if x == 0 {
			continue
		}
		b := c.bucket(t)
		*b.balance -= x
		*b.frozen += x
		logs = append(logs, newLog(userID, op, t, OperationFreeze, -x))
	}
	h := &Hold{
		ID:          uuid.New().String(),
		UserID:      userID,
		ReferID:     op.ReferID,
		Free:        split.Free,
		Paid:        split.Paid,
		OneTimePaid: split.OneTimePaid,
		Status:      HoldHeld,
	}
	if err := tx.Create(h).Error; err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrDuplicateOperation
		}
		m.Logger.Error("Unable to create credit hold",
			zap.String("UserID", userID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot create credit hold")
	}
	if err := m.save(tx, c, logs); err != nil {
		return nil, err
	}
	return h, nil
}

// Unfreeze returns held credits to their buckets
func (m *Manager) Unfreeze(tx *gorm.DB, referID string, op Op) (*Credit, error) {
	return m.closeHold(tx, referID, op, HoldReleased)
}

// SettleHold consumes held credits
func (m *Manager) SettleHold(tx *gorm.DB, referID string, op Op) (*Credit, error) {
	return m.closeHold(tx, referID, op, HoldSettled)
}

func (m *Manager) closeHold(tx *gorm.DB, referID string, op Op, status HoldStatus) (*Credit, error) {
	if len(referID) == 0 {
		return nil, ErrMissingReference
	}
	var h Hold
	result := db.ForUpdate(tx).Where("refer_id = ?", referID).First(&h)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrHoldNotFound
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	if h.Status != HoldHeld {
		return nil, ErrHoldClosed
	}
	c, err := m.lock(tx, h.UserID)
	if err != nil {
		return nil, err
	}
	if len(op.ReferID) == 0 {
		op.ReferID = referID
	}
	held := h.amounts()
	logs := make([]AuditLog, 0, 1)
	for _, t := range SpendOrder {
		x := held.Of(t)
		if x == 0 {
			continue
		}
		b := c.bucket(t)
		*b.frozen -= x
		switch status {
		case HoldReleased:
			*b.balance += x
			logs = append(logs, newLog(c.UserID, op, t, OperationUnfreeze, x))
		case HoldSettled:
			logs = append(logs, newLog(c.UserID, op, t, OperationSettle, -x))
		}
	}
	h.Status = status
	if err := tx.Save(&h).Error; err != nil {
		m.Logger.Error("Unable to update credit hold",
			zap.String("ReferID", referID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot update credit hold")
	}
	if err := m.save(tx, c, logs); err != nil {
		return nil, err
	}
	return c, nil
}
