package audit

import "time"

// Direction tells provider events apart from calls made to the provider
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Log is one request/response pair exchanged with the payment provider
type Log struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	Direction   Direction  `json:"direction" gorm:"not null;index"`
	Provider    string     `json:"provider" gorm:"not null"`
	Kind        string     `json:"kind" gorm:"not null;index"` // event type or API call name
	ReferenceID string     `json:"referenceId" gorm:"index"`   // event id or retrieved object id
	Request     string     `json:"request"`
	Response    string     `json:"response"`
	Status      Status     `json:"status" gorm:"not null"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

func (Log) TableName() string {
	return "provider_audit_logs"
}

// Entry describes the request side of a Log
type Entry struct {
	Direction   Direction
	Provider    string
	Kind        string
	ReferenceID string
	Request     string
}
