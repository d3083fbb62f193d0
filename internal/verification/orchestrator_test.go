package verification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/biovote/internal/embedding"
	"github.com/example/biovote/internal/gates"
	"github.com/example/biovote/internal/registry"
)

// testFacePNG renders a synthetic face: two dark eye blobs in the upper half
// and a sharp checkerboard below, so it clears both gates.
func testFacePNG(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			switch {
			case y < size/2:
				img.SetGray(x, y, color.Gray{Y: 220})
			case (x+y)%2 == 0:
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	for _, cx := range []int{size / 3, 2 * size / 3} {
		for dy := -3; dy <= 3; dy++ {
			for dx := -3; dx <= 3; dx++ {
				img.SetGray(cx+dx, size/5+dy, color.Gray{Y: 10})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return buf.Bytes()
}

type stubProvider struct {
	detection *embedding.Detection
	err       error
	calls     int
}

func (s *stubProvider) DetectAndEmbed(ctx context.Context, imageBytes []byte) (*embedding.Detection, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.detection, nil
}

// stubRegistry resolves embeddings against an in-memory gallery with the
// real matcher, so repeated submissions behave like the production registry.
type stubRegistry struct {
	mu        sync.Mutex
	gallery   []registry.GalleryEntry
	tolerance float64
	nextID    int
	verifyErr error
	bindErr   error
	bound     map[string]string
	calls     int
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{tolerance: 0.6, bound: map[string]string{}}
}

func (s *stubRegistry) VerifyOrRegister(ctx context.Context, vector []float64, imageBytes []byte) (*registry.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	if match, ok := registry.Match(vector, s.gallery, s.tolerance); ok {
		return &registry.Resolution{IdentityID: match.IdentityID, Distance: match.Distance}, nil
	}
	s.nextID++
	id := fmt.Sprintf("identity-%d", s.nextID)
	s.gallery = append(s.gallery, registry.GalleryEntry{
		IdentityID: id,
		Vector:     append([]float64(nil), vector...),
		CreatedAt:  time.Now(),
	})
	return &registry.Resolution{IdentityID: id, Registered: true}, nil
}

func (s *stubRegistry) BindWallet(ctx context.Context, identityID, walletAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bindErr != nil {
		return s.bindErr
	}
	s.bound[identityID] = walletAddress
	return nil
}

func (s *stubRegistry) gallerySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gallery)
}

type stubLogStore struct {
	mu   sync.Mutex
	logs []*OutcomeLog
}

func (s *stubLogStore) Save(ctx context.Context, log *OutcomeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, log)
	return nil
}

func (s *stubLogStore) FindByRequestID(ctx context.Context, requestID string) (*OutcomeLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, log := range s.logs {
		if log.RequestID == requestID {
			return log, nil
		}
	}
	return nil, ErrResultNotFound
}

func (s *stubLogStore) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg := &MetricsAggregation{TotalCount: int64(len(s.logs))}
	for _, log := range s.logs {
		switch Status(log.Status) {
		case StatusMatched:
			agg.MatchedCount++
		case StatusRegistered:
			agg.RegisteredCount++
		case StatusFailed:
			agg.FailedCount++
		}
	}
	return agg, nil
}

type stubCache struct {
	mu     sync.Mutex
	values map[string]string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]string{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

func fullFaceBox(size int) embedding.Box {
	return embedding.Box{Top: 0, Left: 0, Right: size, Bottom: size}
}

func newTestOrchestrator(provider embedding.Provider, reg IdentityRegistry, logs LogStore, cache Cache, opts Options) *Orchestrator {
	return NewOrchestrator(
		provider,
		gates.NewQualityGate(100, 100),
		gates.NewLivenessGate(2),
		reg, logs, cache, opts, zap.NewNop(),
	)
}

func TestVerifyRegistersNewFaceThenMatches(t *testing.T) {
	imageBytes := testFacePNG(t, 120)
	provider := &stubProvider{detection: &embedding.Detection{
		Box:    fullFaceBox(120),
		Vector: []float64{0.1, 0.2, 0.3},
	}}
	reg := newStubRegistry()
	orchestrator := newTestOrchestrator(provider, reg, &stubLogStore{}, newStubCache(), Options{})

	// scenario A: empty gallery, expect a registration
	first, err := orchestrator.Verify(context.Background(), Request{ImageBytes: imageBytes})
	if err != nil {
		t.Fatalf("first verification failed: %v", err)
	}
	if first.Status != StatusRegistered {
		t.Fatalf("expected registered, got %s (%s)", first.Status, first.Reason)
	}
	if first.IdentityID == "" {
		t.Fatal("expected an identity id")
	}
	if reg.gallerySize() != 1 {
		t.Fatalf("expected one gallery entry, got %d", reg.gallerySize())
	}

	// scenario B: same face again, expect a match with the same identity
	second, err := orchestrator.Verify(context.Background(), Request{ImageBytes: imageBytes})
	if err != nil {
		t.Fatalf("second verification failed: %v", err)
	}
	if second.Status != StatusMatched {
		t.Fatalf("expected matched, got %s", second.Status)
	}
	if second.IdentityID != first.IdentityID {
		t.Fatalf("expected identity %s, got %s", first.IdentityID, second.IdentityID)
	}
	if reg.gallerySize() != 1 {
		t.Fatalf("gallery grew on re-verification: %d entries", reg.gallerySize())
	}
	if second.RequestID == first.RequestID {
		t.Fatal("request ids must be unique per attempt")
	}
}

func TestVerifyRejectsUndecodableImage(t *testing.T) {
	provider := &stubProvider{}
	reg := newStubRegistry()
	orchestrator := newTestOrchestrator(provider, reg, &stubLogStore{}, newStubCache(), Options{})

	outcome, err := orchestrator.Verify(context.Background(), Request{ImageBytes: []byte("not an image")})
	if err != nil {
		t.Fatalf("domain failure must not be an error: %v", err)
	}
	if outcome.Status != StatusFailed || outcome.Reason != ReasonInvalidImage {
		t.Fatalf("expected invalid_image, got %s/%s", outcome.Status, outcome.Reason)
	}
	if provider.calls != 0 {
		t.Fatal("provider must not be called for undecodable input")
	}
}

func TestVerifyReportsNoFaceDetected(t *testing.T) {
	provider := &stubProvider{} // nil detection, nil error
	reg := newStubRegistry()
	orchestrator := newTestOrchestrator(provider, reg, &stubLogStore{}, newStubCache(), Options{})

	outcome, err := orchestrator.Verify(context.Background(), Request{ImageBytes: testFacePNG(t, 120)})
	if err != nil {
		t.Fatalf("domain failure must not be an error: %v", err)
	}
	if outcome.Reason != ReasonNoFaceDetected {
		t.Fatalf("expected no_face_detected, got %s", outcome.Reason)
	}
	if reg.calls != 0 {
		t.Fatal("registry must not be touched without a face")
	}
}

func TestVerifyRejectsTinyFaceCrop(t *testing.T) {
	// scenario C: a 10x10 crop is below the minimum face size
	provider := &stubProvider{detection: &embedding.Detection{
		Box:    fullFaceBox(10),
		Vector: []float64{0.5, 0.5, 0.5},
	}}
	reg := newStubRegistry()
	orchestrator := newTestOrchestrator(provider, reg, &stubLogStore{}, newStubCache(), Options{})

	outcome, err := orchestrator.Verify(context.Background(), Request{ImageBytes: testFacePNG(t, 10)})
	if err != nil {
		t.Fatalf("domain failure must not be an error: %v", err)
	}
	if outcome.Status != StatusFailed || outcome.Reason != ReasonQualityTooLow {
		t.Fatalf("expected quality_too_low, got %s/%s", outcome.Status, outcome.Reason)
	}
	if reg.calls != 0 {
		t.Fatal("gallery must not be mutated on quality failure")
	}
}

func TestVerifyLivenessGateOnlyWhenRequested(t *testing.T) {
	// a sharp checkerboard passes quality but carries no eye-like regions
	img := image.NewGray(image.Rect(0, 0, 120, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 120; x++ {
			if (x+y)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}

	provider := &stubProvider{detection: &embedding.Detection{
		Box:    fullFaceBox(120),
		Vector: []float64{0.9, 0.9, 0.9},
	}}
	reg := newStubRegistry()
	orchestrator := newTestOrchestrator(provider, reg, &stubLogStore{}, newStubCache(), Options{})

	// without liveness the spoof-like capture passes
	outcome, err := orchestrator.Verify(context.Background(), Request{ImageBytes: buf.Bytes()})
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
	if !outcome.Success() {
		t.Fatalf("expected success without liveness, got %s", outcome.Reason)
	}

	// with liveness requested it is rejected
	outcome, err = orchestrator.Verify(context.Background(), Request{ImageBytes: buf.Bytes(), CheckLiveness: true})
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
	if outcome.Reason != ReasonLivenessFailed {
		t.Fatalf("expected liveness_failed, got %s/%s", outcome.Status, outcome.Reason)
	}
}

func TestVerifySecureModeForcesLiveness(t *testing.T) {
	provider := &stubProvider{detection: &embedding.Detection{
		Box:    fullFaceBox(120),
		Vector: []float64{0.9, 0.9, 0.9},
	}}
	reg := newStubRegistry()
	orchestrator := newTestOrchestrator(provider, reg, &stubLogStore{}, newStubCache(), Options{RequireLiveness: true})

	// the synthetic face has eyes, so secure mode still passes it
	outcome, err := orchestrator.Verify(context.Background(), Request{ImageBytes: testFacePNG(t, 120)})
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
	if !outcome.Success() {
		t.Fatalf("expected success, got %s/%s", outcome.Status, outcome.Reason)
	}
}

func TestVerifySurfacesStorageFault(t *testing.T) {
	provider := &stubProvider{detection: &embedding.Detection{
		Box:    fullFaceBox(120),
		Vector: []float64{0.1, 0.1, 0.1},
	}}
	reg := newStubRegistry()
	reg.verifyErr = errors.New("db down")
	orchestrator := newTestOrchestrator(provider, reg, &stubLogStore{}, newStubCache(), Options{})

	outcome, err := orchestrator.Verify(context.Background(), Request{ImageBytes: testFacePNG(t, 120)})
	if err == nil {
		t.Fatal("expected a fault error")
	}
	if outcome == nil || outcome.Reason != ReasonStorageError {
		t.Fatalf("expected storage_error outcome, got %+v", outcome)
	}
}

func TestVerifyBindsWalletWhenProvided(t *testing.T) {
	provider := &stubProvider{detection: &embedding.Detection{
		Box:    fullFaceBox(120),
		Vector: []float64{0.2, 0.2, 0.2},
	}}
	reg := newStubRegistry()
	orchestrator := newTestOrchestrator(provider, reg, &stubLogStore{}, newStubCache(), Options{})

	outcome, err := orchestrator.Verify(context.Background(), Request{
		ImageBytes:    testFacePNG(t, 120),
		WalletAddress: "0x4444444444444444444444444444444444444444",
	})
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
	if reg.bound[outcome.IdentityID] != "0x4444444444444444444444444444444444444444" {
		t.Fatalf("wallet not bound: %v", reg.bound)
	}
}

func TestGetResultPrefersCacheThenFallsBack(t *testing.T) {
	provider := &stubProvider{detection: &embedding.Detection{
		Box:    fullFaceBox(120),
		Vector: []float64{0.3, 0.3, 0.3},
	}}
	logs := &stubLogStore{}
	cache := newStubCache()
	orchestrator := newTestOrchestrator(provider, newStubRegistry(), logs, cache, Options{})

	outcome, err := orchestrator.Verify(context.Background(), Request{ImageBytes: testFacePNG(t, 120)})
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}

	fromCache, err := orchestrator.GetResult(context.Background(), outcome.RequestID)
	if err != nil {
		t.Fatalf("cached result lookup failed: %v", err)
	}
	if fromCache.IdentityID != outcome.IdentityID {
		t.Fatalf("cached outcome mismatch: %+v", fromCache)
	}

	// drop the cache entry and hit the durable log
	cache.mu.Lock()
	cache.values = map[string]string{}
	cache.mu.Unlock()

	fromLog, err := orchestrator.GetResult(context.Background(), outcome.RequestID)
	if err != nil {
		t.Fatalf("log fallback failed: %v", err)
	}
	if fromLog.IdentityID != outcome.IdentityID || fromLog.Status != outcome.Status {
		t.Fatalf("log outcome mismatch: %+v", fromLog)
	}

	if _, err := orchestrator.GetResult(context.Background(), "unknown"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	provider := &stubProvider{detection: &embedding.Detection{
		Box:    fullFaceBox(120),
		Vector: []float64{0.3, 0.3, 0.3},
	}}
	logs := &stubLogStore{}
	orchestrator := newTestOrchestrator(provider, newStubRegistry(), logs, newStubCache(), Options{})

	imageBytes := testFacePNG(t, 120)
	if _, err := orchestrator.Verify(context.Background(), Request{ImageBytes: imageBytes}); err != nil {
		t.Fatalf("verification failed: %v", err)
	}
	if _, err := orchestrator.Verify(context.Background(), Request{ImageBytes: imageBytes}); err != nil {
		t.Fatalf("verification failed: %v", err)
	}
	if _, err := orchestrator.Verify(context.Background(), Request{ImageBytes: []byte("junk")}); err != nil {
		t.Fatalf("verification failed: %v", err)
	}

	summary, err := orchestrator.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	if summary.TotalRequests != 3 || summary.Registered != 1 || summary.Matched != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.SuccessRate < 0.66 || summary.SuccessRate > 0.67 {
		t.Fatalf("unexpected success rate %f", summary.SuccessRate)
	}
}
