package verification

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrResultNotFound is returned when no outcome exists for a request id.
var ErrResultNotFound = errors.New("verification result not found")

// OutcomeLog is the persisted audit trail of one verification request. Only
// the disposition is stored; embeddings and images never land here.
type OutcomeLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Status     string    `gorm:"column:status;size:16"`
	Reason     string    `gorm:"column:reason;size:32"`
	IdentityID string    `gorm:"column:identity_id;size:64;index"`
	Message    string    `gorm:"column:message;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (OutcomeLog) TableName() string {
	return "verification_outcomes"
}

// MetricsAggregation holds counters computed over the outcome log.
type MetricsAggregation struct {
	TotalCount      int64
	MatchedCount    int64
	RegisteredCount int64
	FailedCount     int64
}

// LogStore persists and aggregates verification outcomes.
type LogStore interface {
	Save(ctx context.Context, log *OutcomeLog) error
	FindByRequestID(ctx context.Context, requestID string) (*OutcomeLog, error)
	AggregateMetrics(ctx context.Context) (*MetricsAggregation, error)
}

// GormLogStore stores outcomes through gorm.
type GormLogStore struct {
	db *gorm.DB
}

// NewGormLogStore creates a log store backed by the given database handle.
func NewGormLogStore(db *gorm.DB) *GormLogStore {
	return &GormLogStore{db: db}
}

// AutoMigrate ensures the schema is available.
func (s *GormLogStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&OutcomeLog{})
}

// Save persists one outcome.
func (s *GormLogStore) Save(ctx context.Context, log *OutcomeLog) error {
	return s.db.WithContext(ctx).Create(log).Error
}

// FindByRequestID retrieves an outcome by its request id.
func (s *GormLogStore) FindByRequestID(ctx context.Context, requestID string) (*OutcomeLog, error) {
	var log OutcomeLog
	err := s.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics counts outcomes by disposition.
func (s *GormLogStore) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	db := s.db.WithContext(ctx).Model(&OutcomeLog{})
	if err := db.Count(&agg.TotalCount).Error; err != nil {
		return nil, err
	}
	counts := []struct {
		status string
		target *int64
	}{
		{string(StatusMatched), &agg.MatchedCount},
		{string(StatusRegistered), &agg.RegisteredCount},
		{string(StatusFailed), &agg.FailedCount},
	}
	for _, c := range counts {
		if err := s.db.WithContext(ctx).Model(&OutcomeLog{}).
			Where("status = ?", c.status).Count(c.target).Error; err != nil {
			return nil, err
		}
	}
	return &agg, nil
}
