package registry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/biovote/internal/logging"
)

// ErrDuplicateIdentity is returned by Create when the identity id already exists.
var ErrDuplicateIdentity = errors.New("identity id already exists")

// ErrNotFound is returned when no record matches the given identity id.
var ErrNotFound = errors.New("identity record not found")

// Store defines the durable operations the registry needs. Create must fail
// when the identity id is already taken; ScanActive must return a consistent
// snapshot containing no half-written entries.
type Store interface {
	Create(ctx context.Context, record *IdentityRecord) error
	FindByID(ctx context.Context, identityID string) (*IdentityRecord, error)
	ScanActive(ctx context.Context) ([]*IdentityRecord, error)
	Deactivate(ctx context.Context, identityID string) error
	BindWallet(ctx context.Context, identityID, walletAddress string) error
}

// GormStore persists identity records through gorm.
type GormStore struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewGormStore creates a store backed by the given database handle.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{
		db:             db,
		logger:         logger.Named("identity_store"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&IdentityRecord{})
}

// Create inserts a new identity record. The unique index on identity_id makes
// duplicate inserts fail rather than overwrite.
func (s *GormStore) Create(ctx context.Context, record *IdentityRecord) error {
	return s.executeWithRetry(ctx, "store.create", record.IdentityID, func() error {
		err := s.db.WithContext(ctx).Create(record).Error
		if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateIdentity
		}
		return err
	})
}

// FindByID retrieves a record by its identity id, active or not.
func (s *GormStore) FindByID(ctx context.Context, identityID string) (*IdentityRecord, error) {
	var record IdentityRecord
	err := s.executeWithRetry(ctx, "store.find_by_id", identityID, func() error {
		err := s.db.WithContext(ctx).First(&record, "identity_id = ?", identityID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ScanActive returns every active record for full-gallery matching.
func (s *GormStore) ScanActive(ctx context.Context) ([]*IdentityRecord, error) {
	var records []*IdentityRecord
	err := s.executeWithRetry(ctx, "store.scan_active", "", func() error {
		return s.db.WithContext(ctx).Where("active = ?", true).Order("created_at asc").Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Deactivate soft-deletes a record; it is excluded from matching afterwards
// but retained for audit.
func (s *GormStore) Deactivate(ctx context.Context, identityID string) error {
	return s.executeWithRetry(ctx, "store.deactivate", identityID, func() error {
		result := s.db.WithContext(ctx).Model(&IdentityRecord{}).
			Where("identity_id = ?", identityID).Update("active", false)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// BindWallet sets or replaces the wallet address bound to an identity. This
// is the only path that touches wallet_address after creation.
func (s *GormStore) BindWallet(ctx context.Context, identityID, walletAddress string) error {
	return s.executeWithRetry(ctx, "store.bind_wallet", identityID, func() error {
		result := s.db.WithContext(ctx).Model(&IdentityRecord{}).
			Where("identity_id = ?", identityID).Update("wallet_address", walletAddress)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *GormStore) executeWithRetry(ctx context.Context, operation, identityID string, fn func() error) error {
	backoff := s.initialBackoff
	opLogger := logging.WithOperation(s.logger, operation, identityID)
	var err error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, identityID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= s.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("store operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == s.retryAttempts-1 {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateIdentity) {
				return err
			}
			opLogger.Error("store operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, identityID, err)
		}

		opLogger.Warn("transient store error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, identityID, err)
}
