package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/biovote/internal/logging"
)

// Resolution is the outcome of a verify-or-register call: either the
// identity an embedding matched, or the identity that was newly created.
type Resolution struct {
	IdentityID string
	Registered bool
	Distance   float64
}

// Registry owns the register-or-match decision. The decision is atomic: a
// naive "match, then insert on miss" sequence would let two concurrent
// requests for the same new face both observe a miss and both register,
// breaking the rule that at most one active record may match any embedding
// within tolerance. All decisions therefore run under a single critical
// section covering snapshot read, match, and durable write. Everything
// expensive (image decode, gates, embedding) happens before entering it.
type Registry struct {
	store     Store
	artifacts *ArtifactStore
	tolerance float64
	logger    *zap.Logger

	mu      sync.Mutex
	counter uint64
}

// NewRegistry wires the registry to its durable store and artifact store.
func NewRegistry(store Store, artifacts *ArtifactStore, tolerance float64, logger *zap.Logger) *Registry {
	return &Registry{
		store:     store,
		artifacts: artifacts,
		tolerance: tolerance,
		logger:    logger.Named("identity_registry"),
	}
}

// Tolerance returns the configured match tolerance.
func (r *Registry) Tolerance() float64 {
	return r.tolerance
}

// VerifyOrRegister matches the embedding against the active gallery and, on
// a miss, registers a new identity. Once the critical section is entered it
// runs to completion or explicit rollback; a failed durable write removes
// any artifacts already written so no half-registered record survives.
func (r *Registry) VerifyOrRegister(ctx context.Context, vector []float64, imageBytes []byte) (*Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.store.ScanActive(ctx)
	if err != nil {
		return nil, err
	}

	gallery := make([]GalleryEntry, 0, len(records))
	for _, record := range records {
		v, err := record.Vector()
		if err != nil {
			r.logger.Warn("skipping undecodable gallery entry",
				zap.String("identity_id", record.IdentityID), zap.Error(err))
			continue
		}
		gallery = append(gallery, GalleryEntry{
			IdentityID: record.IdentityID,
			Vector:     v,
			CreatedAt:  record.CreatedAt,
		})
	}

	if match, ok := Match(vector, gallery, r.tolerance); ok {
		return &Resolution{IdentityID: match.IdentityID, Distance: match.Distance}, nil
	}

	identityID, err := r.newIdentityID()
	if err != nil {
		return nil, logging.NewOperationError("registry.generate_id", "", err)
	}

	record := &IdentityRecord{
		IdentityID: identityID,
		Commitment: commitmentFor(identityID),
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := record.SetVector(vector); err != nil {
		return nil, logging.NewOperationError("registry.encode_embedding", identityID, err)
	}

	encoded, _ := json.Marshal(vector)
	imagePath, err := r.artifacts.Write(identityID, encoded, imageBytes)
	if err != nil {
		r.artifacts.Remove(identityID)
		return nil, logging.NewOperationError("registry.write_artifacts", identityID, err)
	}
	record.ImageRef = imagePath

	if err := r.store.Create(ctx, record); err != nil {
		r.artifacts.Remove(identityID)
		return nil, err
	}

	r.logger.Info("registered new identity", zap.String("identity_id", identityID))
	return &Resolution{IdentityID: identityID, Registered: true}, nil
}

// BindWallet associates a ledger account with an identity. Rebinding is
// explicit only; verification never overwrites an existing binding.
func (r *Registry) BindWallet(ctx context.Context, identityID, walletAddress string) error {
	return r.store.BindWallet(ctx, identityID, walletAddress)
}

// Get returns the record for an identity id.
func (r *Registry) Get(ctx context.Context, identityID string) (*IdentityRecord, error) {
	return r.store.FindByID(ctx, identityID)
}

// Deactivate excludes an identity from matching while retaining it for audit.
func (r *Registry) Deactivate(ctx context.Context, identityID string) error {
	return r.store.Deactivate(ctx, identityID)
}

// newIdentityID derives an opaque id from the clock, a process-local counter
// and random salt. The embedding never feeds the hash, so the id leaks no
// biometric information.
func (r *Registry) newIdentityID() (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	seq := atomic.AddUint64(&r.counter, 1)
	sum := sha256.Sum256(fmt.Appendf(salt, "%d:%d", time.Now().UnixNano(), seq))
	return hex.EncodeToString(sum[:])[:16], nil
}

// commitmentFor derives the on-chain biometric commitment for an identity.
// It is a hash over the identity id, never over the raw embedding, so the
// ledger observes proof of registration without biometric leakage.
func commitmentFor(identityID string) string {
	sum := sha256.Sum256([]byte("biovote-commitment:" + identityID))
	return hex.EncodeToString(sum[:])
}
