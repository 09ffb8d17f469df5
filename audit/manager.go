package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zllovesuki/billing/spec/broker"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultBufferSize = 256

type ManagerOptions struct {
	DB         *gorm.DB
	Logger     *zap.Logger
	Producer   broker.Producer // optional
	BufferSize int
}

type record struct {
	kind   string
	fields map[string]interface{}
}

// Manager is the fire-and-forget audit sink. Failures are logged and never returned.
type Manager struct {
	ManagerOptions
	queue  chan record
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.BufferSize <= 0 {
		option.BufferSize = defaultBufferSize
	}
	if err := option.DB.AutoMigrate(&Log{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize audit.Manager")
	}
	m := &Manager{
		ManagerOptions: option,
		now:            time.Now,
	}
	if option.Producer != nil {
		m.queue = make(chan record, option.BufferSize)
		m.wg.Add(1)
		go m.publish()
	}
	return m, nil
}

func (m *Manager) publish() {
	defer m.wg.Done()
	for r := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.Producer.PublishAudit(ctx, r.kind, r.fields); err != nil {
			m.Logger.Warn("Unable to publish audit record",
				zap.String("Kind", r.kind),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (m *Manager) enqueue(l *Log) {
	if m.queue == nil {
		return
	}
	fields := map[string]interface{}{
		"id":          l.ID,
		"direction":   string(l.Direction),
		"provider":    l.Provider,
		"type":        l.Kind,
		"referenceId": l.ReferenceID,
		"status":      string(l.Status),
		"startedAt":   l.StartedAt.Format(time.RFC3339Nano),
	}
	if l.FinishedAt != nil {
		fields["finishedAt"] = l.FinishedAt.Format(time.RFC3339Nano)
		fields["durationMs"] = float64(l.FinishedAt.Sub(l.StartedAt).Milliseconds())
	}
	if len(l.Error) > 0 {
		fields["error"] = l.Error
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- record{kind: string(l.Direction) + "." + l.Kind, fields: fields}:
	default:
		m.Logger.Warn("Audit publish buffer is full, dropping record",
			zap.String("LogID", l.ID),
		)
	}
}

// Start persists the request side and returns the log id used by Finish
func (m *Manager) Start(ctx context.Context, e Entry) string {
	l := &Log{
		ID:          uuid.New().String(),
		Direction:   e.Direction,
		Provider:    e.Provider,
		Kind:        e.Kind,
		ReferenceID: e.ReferenceID,
		Request:     e.Request,
		Status:      StatusPending,
		StartedAt:   m.now(),
	}
	if err := m.DB.WithContext(ctx).Create(l).Error; err != nil {
		m.Logger.Warn("Unable to write audit log",
			zap.String("LogID", l.ID),
			zap.String("Kind", l.Kind),
			zap.Error(err),
		)
	}
	return l.ID
}

// Finish stores the outcome of the log started with id
func (m *Manager) Finish(ctx context.Context, id string, response string, outcome error) {
	now := m.now()
	l := Log{ID: id}
	updates := map[string]interface{}{
		"response":    response,
		"status":      StatusSuccess,
		"finished_at": now,
	}
	if outcome != nil {
		updates["status"] = StatusError
		updates["error"] = outcome.Error()
	}
	if err := m.DB.WithContext(ctx).Model(&l).Updates(updates).Error; err != nil {
		m.Logger.Warn("Unable to update audit log",
			zap.String("LogID", id),
			zap.Error(err),
		)
		return
	}
	if m.queue == nil {
		return
	}
	if err := m.DB.WithContext(ctx).First(&l, "id = ?", id).Error; err != nil {
		m.Logger.Warn("Unable to read back audit log",
			zap.String("LogID", id),
			zap.Error(err),
		)
		return
	}
	m.enqueue(&l)
}

// Get returns the audit log with id, or nil
func (m *Manager) Get(ctx context.Context, id string) (*Log, error) {
	var l Log
	result := m.DB.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&l)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &l, nil
}

// Close drains pending publishes
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed || m.queue == nil {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()
	m.wg.Wait()
}
