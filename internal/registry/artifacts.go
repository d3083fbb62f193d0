package registry

import (
	"fmt"
	"os"
	"path/filepath"
)

// ArtifactStore writes each identity's embedding and optional reference
// image to stable, predictable paths ({identity_id}.encoding and
// {identity_id}.image) so the blob store and the record store stay
// consistent under the same key.
type ArtifactStore struct {
	dir string
}

// NewArtifactStore creates the backing directory if needed.
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &ArtifactStore{dir: dir}, nil
}

// EncodingPath returns the stable path for an identity's embedding blob.
func (a *ArtifactStore) EncodingPath(identityID string) string {
	return filepath.Join(a.dir, identityID+".encoding")
}

// ImagePath returns the stable path for an identity's reference image.
func (a *ArtifactStore) ImagePath(identityID string) string {
	return filepath.Join(a.dir, identityID+".image")
}

// Write persists the encoding and, when present, the reference image.
// It returns the image path actually written ("" when no image was given).
func (a *ArtifactStore) Write(identityID string, encoding, imageBytes []byte) (string, error) {
	if err := os.WriteFile(a.EncodingPath(identityID), encoding, 0o640); err != nil {
		return "", fmt.Errorf("write encoding artifact: %w", err)
	}
	if len(imageBytes) == 0 {
		return "", nil
	}
	imagePath := a.ImagePath(identityID)
	if err := os.WriteFile(imagePath, imageBytes, 0o640); err != nil {
		return "", fmt.Errorf("write image artifact: %w", err)
	}
	return imagePath, nil
}

// Remove deletes both artifacts for an identity. Used to roll back a
// registration whose durable write failed; missing files are not an error.
func (a *ArtifactStore) Remove(identityID string) {
	os.Remove(a.EncodingPath(identityID))
	os.Remove(a.ImagePath(identityID))
}
