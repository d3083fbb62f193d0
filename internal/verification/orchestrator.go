package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"

	"github.com/example/biovote/internal/embedding"
	"github.com/example/biovote/internal/gates"
	"github.com/example/biovote/internal/logging"
	"github.com/example/biovote/internal/registry"
)

// IdentityRegistry is the subset of the registry the orchestrator needs.
type IdentityRegistry interface {
	VerifyOrRegister(ctx context.Context, vector []float64, imageBytes []byte) (*registry.Resolution, error)
	BindWallet(ctx context.Context, identityID, walletAddress string) error
}

// Options configure the orchestrator's capability set. Liveness and quality
// gating are flags on one orchestrator, not distinct verifier types; a
// "secure" deployment turns RequireLiveness on and uses a stricter match
// tolerance.
type Options struct {
	RequireLiveness bool
}

// Request is one verification attempt.
type Request struct {
	ImageBytes    []byte
	CheckLiveness bool   // request-scoped liveness, OR-ed with Options.RequireLiveness
	WalletAddress string // optional registration-time binding, sugar over rebind
}

// Orchestrator sequences the gates, the embedding provider, and the registry
// for each verification request, and is the only component that calls more
// than one of them. Everything ahead of the registry call runs outside its
// critical section so contention stays bounded to gallery comparisons plus
// one write.
type Orchestrator struct {
	provider embedding.Provider
	quality  *gates.QualityGate
	liveness *gates.LivenessGate
	registry IdentityRegistry
	logs     LogStore
	cache    Cache
	opts     Options
	logger   *zap.Logger

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewOrchestrator constructs the verification orchestrator.
func NewOrchestrator(
	provider embedding.Provider,
	quality *gates.QualityGate,
	liveness *gates.LivenessGate,
	reg IdentityRegistry,
	logs LogStore,
	cache Cache,
	opts Options,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		provider:       provider,
		quality:        quality,
		liveness:       liveness,
		registry:       reg,
		logs:           logs,
		cache:          cache,
		opts:           opts,
		logger:         logger.Named("verification_orchestrator"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Verify runs one request through the pipeline. Gate rejections come back as
// a failed Outcome with a nil error; a non-nil error marks a storage or
// transport fault (the Outcome is still populated for the caller). Up to the
// registry call nothing has been written, so cancellation before that point
// leaves no residue.
func (o *Orchestrator) Verify(ctx context.Context, req Request) (*Outcome, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(o.logger, "verification.verify", requestID)

	img, _, err := image.Decode(bytes.NewReader(req.ImageBytes))
	if err != nil {
		return o.fail(ctx, requestID, ReasonInvalidImage, "image could not be decoded"), nil
	}

	detection, err := o.provider.DetectAndEmbed(ctx, req.ImageBytes)
	if err != nil {
		opLogger.Error("embedding provider failed", zap.Error(err))
		outcome := o.fail(ctx, requestID, ReasonStorageError, "embedding service unavailable")
		return outcome, err
	}
	if detection == nil {
		return o.fail(ctx, requestID, ReasonNoFaceDetected, "no face detected in image"), nil
	}

	if verdict := o.quality.Assess(img, detection.Box); !verdict.Pass {
		return o.fail(ctx, requestID, ReasonQualityTooLow,
			fmt.Sprintf("face quality too low (%s)", verdict.Reason)), nil
	}

	if (o.opts.RequireLiveness || req.CheckLiveness) && !o.liveness.Assess(img, detection.Box) {
		return o.fail(ctx, requestID, ReasonLivenessFailed, "liveness check failed"), nil
	}

	resolution, err := o.registry.VerifyOrRegister(ctx, detection.Vector, req.ImageBytes)
	if err != nil {
		opLogger.Error("register-or-match failed", zap.Error(err))
		outcome := o.fail(ctx, requestID, ReasonStorageError, "identity storage failed")
		return outcome, err
	}

	status := StatusMatched
	message := "identity verified"
	if resolution.Registered {
		status = StatusRegistered
		message = "new identity registered"
	}

	if req.WalletAddress != "" {
		if err := o.registry.BindWallet(ctx, resolution.IdentityID, req.WalletAddress); err != nil {
			opLogger.Error("wallet bind failed", zap.Error(err),
				zap.String("identity_id", resolution.IdentityID))
			outcome := o.fail(ctx, requestID, ReasonStorageError, "wallet binding failed")
			return outcome, err
		}
	}

	outcome := &Outcome{
		RequestID:  requestID,
		Status:     status,
		IdentityID: resolution.IdentityID,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	}
	o.record(ctx, outcome)
	return outcome, nil
}

// BindWallet rebinds a ledger account to an identity. This is the supported
// path for wallet association; registration-time binding goes through it too.
func (o *Orchestrator) BindWallet(ctx context.Context, identityID, walletAddress string) error {
	return o.registry.BindWallet(ctx, identityID, walletAddress)
}

// GetResult retrieves a verification outcome, preferring the cache and
// falling back to the durable log.
func (o *Orchestrator) GetResult(ctx context.Context, requestID string) (*Outcome, error) {
	cacheKey := outcomeCacheKey(requestID)
	if cached, err := o.cachedGet(ctx, requestID, cacheKey); err == nil {
		var outcome Outcome
		if err := json.Unmarshal([]byte(cached), &outcome); err != nil {
			logging.WithOperation(o.logger, "verification.get_result", requestID).
				Warn("failed to decode cached outcome", zap.Error(err))
		} else {
			return &outcome, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(o.logger, "verification.get_result", requestID).
			Warn("failed to read cache", zap.Error(err))
	}

	log, err := o.logs.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		RequestID:  log.RequestID,
		Status:     Status(log.Status),
		IdentityID: log.IdentityID,
		Reason:     Reason(log.Reason),
		Message:    log.Message,
		CreatedAt:  log.CreatedAt,
	}, nil
}

// MetricsSummary aggregates verification outcomes.
type MetricsSummary struct {
	TotalRequests int64   `json:"total_requests"`
	Matched       int64   `json:"matched"`
	Registered    int64   `json:"registered"`
	Failed        int64   `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
}

// GetMetricsSummary computes the summary from the outcome log.
func (o *Orchestrator) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	agg, err := o.logs.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}
	summary := &MetricsSummary{
		TotalRequests: agg.TotalCount,
		Matched:       agg.MatchedCount,
		Registered:    agg.RegisteredCount,
		Failed:        agg.FailedCount,
	}
	if agg.TotalCount > 0 {
		summary.SuccessRate = float64(agg.MatchedCount+agg.RegisteredCount) / float64(agg.TotalCount)
	}
	return summary, nil
}

func (o *Orchestrator) fail(ctx context.Context, requestID string, reason Reason, message string) *Outcome {
	outcome := &Outcome{
		RequestID: requestID,
		Status:    StatusFailed,
		Reason:    reason,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	o.record(ctx, outcome)
	return outcome
}

// record persists and caches an outcome. Both writes are best-effort: the
// outcome has already been decided and must reach the caller even when the
// audit trail is briefly unavailable.
func (o *Orchestrator) record(ctx context.Context, outcome *Outcome) {
	opLogger := logging.WithOperation(o.logger, "verification.record", outcome.RequestID)

	if err := o.logs.Save(ctx, &OutcomeLog{
		RequestID:  outcome.RequestID,
		Status:     string(outcome.Status),
		Reason:     string(outcome.Reason),
		IdentityID: outcome.IdentityID,
		Message:    outcome.Message,
		CreatedAt:  outcome.CreatedAt,
	}); err != nil {
		opLogger.Warn("failed to persist outcome", zap.Error(err))
	}

	serialized, err := json.Marshal(outcome)
	if err != nil {
		opLogger.Warn("failed to serialize outcome", zap.Error(err))
		return
	}
	if err := o.cachedSet(ctx, outcome.RequestID, outcomeCacheKey(outcome.RequestID), string(serialized)); err != nil {
		opLogger.Warn("failed to cache outcome", zap.Error(err))
	}
}

func outcomeCacheKey(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}

func (o *Orchestrator) cachedSet(ctx context.Context, requestID, key, value string) error {
	return o.withCacheRetry(ctx, requestID, "cache.set.outcome", func() error {
		return o.cache.Set(ctx, key, value, 5*time.Minute)
	})
}

func (o *Orchestrator) cachedGet(ctx context.Context, requestID, key string) (string, error) {
	var result string
	err := o.withCacheRetry(ctx, requestID, "cache.get.outcome", func() error {
		value, err := o.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (o *Orchestrator) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	backoff := o.initialBackoff
	opLogger := logging.WithOperation(o.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < o.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= o.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) {
			return err
		}
		if !logging.IsTransient(err) || attempt == o.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
