package user

import "time"

// Kind tells anonymous visitors apart from users backed by an identity provider
type Kind string

const (
	KindAnonymous  Kind = "anonymous"
	KindRegistered Kind = "registered"
)

// User is the identity anchor of a ledger and its subscriptions
type User struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	Kind        Kind       `json:"kind" gorm:"not null"`
	Fingerprint *string    `json:"-" gorm:"uniqueIndex"` // Device fingerprint of anonymous users
	IdentityID  *string    `json:"identityId,omitempty" gorm:"uniqueIndex"`
	Email       string     `json:"email,omitempty" gorm:"index"`
	UpgradedAt  *time.Time `json:"upgradedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
