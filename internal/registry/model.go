package registry

import (
	"encoding/json"
	"fmt"
	"time"
)

// IdentityRecord is a persisted biometric identity. The embedding is written
// exactly once at creation and never mutated afterwards; re-verification must
// not overwrite it, otherwise the identity silently drifts over time.
type IdentityRecord struct {
	ID            uint      `gorm:"primaryKey"`
	IdentityID    string    `gorm:"column:identity_id;uniqueIndex;size:64"`
	Embedding     string    `gorm:"column:embedding;type:text"`
	ImageRef      string    `gorm:"column:image_ref;size:256"`
	WalletAddress string    `gorm:"column:wallet_address;size:42"`
	Commitment    string    `gorm:"column:commitment;size:64"`
	Active        bool      `gorm:"column:active;default:true"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (IdentityRecord) TableName() string {
	return "identity_records"
}

// Vector decodes the stored embedding.
func (r *IdentityRecord) Vector() ([]float64, error) {
	var v []float64
	if err := json.Unmarshal([]byte(r.Embedding), &v); err != nil {
		return nil, fmt.Errorf("decode embedding for %s: %w", r.IdentityID, err)
	}
	return v, nil
}

// SetVector encodes and stores the embedding.
func (r *IdentityRecord) SetVector(v []float64) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	r.Embedding = string(encoded)
	return nil
}
