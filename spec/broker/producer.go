package broker

import "context"

// Producer defines a producer publishing audit records via message broker
type Producer interface {
	Close()
	PublishAudit(ctx context.Context, kind string, fields map[string]interface{}) error
}
