package credit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type TaskOptions struct {
	CreditManager *Manager
	Logger        *zap.Logger
	Retention     time.Duration
	Interval      time.Duration
}

// Task soft deletes audit history older than Retention
type Task struct {
	TaskOptions
	now func() time.Time
}

func NewTask(option TaskOptions) (*Task, error) {
	if option.CreditManager == nil {
		return nil, fmt.Errorf("nil CreditManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Retention <= 0 {
		return nil, fmt.Errorf("non-positive Retention is invalid")
	}
	if option.Interval <= 0 {
		option.Interval = time.Hour
	}
	return &Task{
		TaskOptions: option,
		now:         time.Now,
	}, nil
}

// Expire runs a single expiry pass
func (t *Task) Expire(ctx context.Context) (int64, error) {
	cutoff := t.now().Add(-t.Retention)
	n, err := t.CreditManager.ExpireAuditLogs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.Logger.Info("Expired credit audit logs",
			zap.Int64("Count", n),
			zap.Time("Before", cutoff),
		)
	}
	return n, nil
}

// HandleExpiry runs Expire on every Interval until ctx is done
func (t *Task) HandleExpiry(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := t.Expire(ctx); err != nil {
					t.Logger.Error("Cannot expire credit audit logs",
						zap.Error(err),
					)
				}
			}
		}
	}()
}
