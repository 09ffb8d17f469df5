package credit

import (
	"time"

	"gorm.io/gorm"
)

// Type identifies one of the three independent buckets of a Credit
type Type string

// Buckets, in the order credits are spent
const (
	TypeFree        Type = "free"
	TypePaid        Type = "paid"
	TypeOneTimePaid Type = "one_time_paid"
)

// SpendOrder is the fixed policy used when a debit spans buckets
var SpendOrder = []Type{TypeFree, TypePaid, TypeOneTimePaid}

// Operation is the kind of balance mutation recorded in the audit log
type Operation string

const (
	OperationRecharge  Operation = "recharge"
	OperationConsume   Operation = "consume"
	OperationRefund    Operation = "refund"
	OperationPurge     Operation = "purge"
	OperationFreeze    Operation = "freeze"
	OperationUnfreeze  Operation = "unfreeze"
	OperationSettle    Operation = "settle"
	OperationPayFailed Operation = "pay_failed"
)

// Credit is the per-user ledger. Every balance is the spendable amount; frozen credits are moved out of it.
type Credit struct {
	ID     string `json:"id" gorm:"primaryKey"`
	UserID string `json:"userId" gorm:"not null;uniqueIndex"`

	BalanceFree int64      `json:"balanceFree" gorm:"not null;default:0"`
	TotalFree   int64      `json:"totalFree" gorm:"not null;default:0"`
	FrozenFree  int64      `json:"frozenFree" gorm:"not null;default:0"`
	FreeStart   *time.Time `json:"freeStart,omitempty"`
	FreeEnd     *time.Time `json:"freeEnd,omitempty"`

	BalancePaid int64      `json:"balancePaid" gorm:"not null;default:0"`
	TotalPaid   int64      `json:"totalPaid" gorm:"not null;default:0"`
	FrozenPaid  int64      `json:"frozenPaid" gorm:"not null;default:0"`
	PaidStart   *time.Time `json:"paidStart,omitempty"`
	PaidEnd     *time.Time `json:"paidEnd,omitempty"`

	BalanceOneTimePaid int64      `json:"balanceOneTimePaid" gorm:"not null;default:0"`
	TotalOneTimePaid   int64      `json:"totalOneTimePaid" gorm:"not null;default:0"`
	FrozenOneTimePaid  int64      `json:"frozenOneTimePaid" gorm:"not null;default:0"`
	OneTimePaidStart   *time.Time `json:"oneTimePaidStart,omitempty"`
	OneTimePaidEnd     *time.Time `json:"oneTimePaidEnd,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Available is the spendable sum across buckets
func (c *Credit) Available() int64 {
	return c.BalanceFree + c.BalancePaid + c.BalanceOneTimePaid
}

type bucket struct {
	balance *int64
	total   *int64
	frozen  *int64
	start   **time.Time
	end     **time.Time
}

func (c *Credit) bucket(t Type) bucket {
	switch t {
	case TypeFree:
		return bucket{&c.BalanceFree, &c.TotalFree, &c.FrozenFree, &c.FreeStart, &c.FreeEnd}
	case TypePaid:
		return bucket{&c.BalancePaid, &c.TotalPaid, &c.FrozenPaid, &c.PaidStart, &c.PaidEnd}
	default:
		return bucket{&c.BalanceOneTimePaid, &c.TotalOneTimePaid, &c.FrozenOneTimePaid, &c.OneTimePaidStart, &c.OneTimePaidEnd}
	}
}

// Balance returns the spendable balance of a bucket
func (c *Credit) Balance(t Type) int64 {
	return *c.bucket(t).balance
}

// AuditLog is the append-only record of a single bucket mutation
type AuditLog struct {
	ID               string         `json:"id" gorm:"primaryKey"`
	UserID           string         `json:"userId" gorm:"not null;index"`
	Feature          string         `json:"feature" gorm:"not null"`
	OperationReferID string         `json:"operationReferId" gorm:"index"`
	CreditType       Type           `json:"creditType" gorm:"not null"`
	OperationType    Operation      `json:"operationType" gorm:"not null;index"`
	Credits          int64          `json:"credits"` // signed delta
	CreatedAt        time.Time      `json:"createdAt" gorm:"index"`
	DeletedAt        gorm.DeletedAt `json:"-" gorm:"index"`
}

func (AuditLog) TableName() string {
	return "credit_audit_logs"
}

// HoldStatus tracks a freeze from reservation to release or settlement
type HoldStatus string

const (
	HoldHeld     HoldStatus = "held"
	HoldReleased HoldStatus = "released"
	HoldSettled  HoldStatus = "settled"
)

// Hold reserves credits against a pending operation without deleting them
type Hold struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	UserID      string     `json:"userId" gorm:"not null;index"`
	ReferID     string     `json:"referId" gorm:"not null;uniqueIndex"`
	Free        int64      `json:"free"`
	Paid        int64      `json:"paid"`
	OneTimePaid int64      `json:"oneTimePaid"`
	Status      HoldStatus `json:"status" gorm:"not null"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (Hold) TableName() string {
	return "credit_holds"
}

func (h *Hold) amounts() Amounts {
	return Amounts{Free: h.Free, Paid: h.Paid, OneTimePaid: h.OneTimePaid}
}

// Amounts is a per-bucket quantity
type Amounts struct {
	Free        int64 `json:"free,omitempty"`
	Paid        int64 `json:"paid,omitempty"`
	OneTimePaid int64 `json:"oneTimePaid,omitempty"`
}

// Of returns the amount for a bucket
func (a Amounts) Of(t Type) int64 {
	switch t {
	case TypeFree:
		return a.Free
	case TypePaid:
		return a.Paid
	default:
		return a.OneTimePaid
	}
}

func (a *Amounts) set(t Type, v int64) {
	switch t {
	case TypeFree:
		a.Free = v
	case TypePaid:
		a.Paid = v
	default:
		a.OneTimePaid = v
	}
}

// Total is the sum across buckets
func (a Amounts) Total() int64 {
	return a.Free + a.Paid + a.OneTimePaid
}

// Window is the active period of a bucket
type Window struct {
	Start time.Time
	End   time.Time
}

// Op describes who is mutating the ledger and why
type Op struct {
	Feature string  // e.g. spec.FeatureRenewal
	ReferID string  // order id or other correlation id
	Window  *Window // optional, applied to every recharged bucket
}
