package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/example/biovote/internal/logging"
)

// HTTPProvider talks to an external face-embedding service over JSON.
// The service accepts a base64 image and answers with at most one face
// region plus a fixed-length embedding vector.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPProvider constructs a provider for the embedding service at baseURL.
func NewHTTPProvider(baseURL string, logger *zap.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
		logger:  logger.Named("embedding_provider"),
	}
}

type embedRequest struct {
	Image string `json:"image"` // base64 encoded image bytes
}

type embedResponse struct {
	FaceFound bool      `json:"face_found"`
	Box       Box       `json:"box"`
	Embedding []float64 `json:"embedding"`
}

// DetectAndEmbed sends the image to the embedding service. A response with
// face_found=false maps to (nil, nil) rather than an error.
func (p *HTTPProvider) DetectAndEmbed(ctx context.Context, imageBytes []byte) (*Detection, error) {
	payload, err := json.Marshal(embedRequest{Image: base64.StdEncoding.EncodeToString(imageBytes)})
	if err != nil {
		return nil, logging.NewOperationError("embedding.encode_request", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, logging.NewOperationError("embedding.build_request", "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("embedding.detect_and_embed", "", err)
		p.logger.Error("embedding service call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(body))
		return nil, logging.NewOperationError("embedding.detect_and_embed", "", err)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, logging.NewOperationError("embedding.decode_response", "", err)
	}

	if !decoded.FaceFound {
		return nil, nil
	}
	if len(decoded.Embedding) == 0 {
		return nil, logging.NewOperationError("embedding.decode_response", "",
			fmt.Errorf("face reported but embedding vector is empty"))
	}

	return &Detection{Box: decoded.Box, Vector: decoded.Embedding}, nil
}
