package client

import (
	"bytes"
	"context"
	"fmt"

	"github.com/creative-design-platform/export-service/internal/model"
)

// OutputStore persists encoded export outputs
type OutputStore struct {
	storage StorageClient
}

func NewOutputStore(storage StorageClient) *OutputStore {
	return &OutputStore{storage: storage}
}

// OutputKey is the object key for one format of one job
func OutputKey(jobID string, format model.Format) string {
	return fmt.Sprintf("exports/%s/%s.%s", jobID, format, format.Extension())
}

// PersistOutput stores data and returns a locator the caller can fetch it from
func (s *OutputStore) PersistOutput(ctx context.Context, jobID string, format model.Format, data []byte, mimeType string) (string, error) {
	locator, err := s.storage.Upload(ctx, OutputKey(jobID, format), bytes.NewReader(data), mimeType)
	if err != nil {
		return "", fmt.Errorf("failed to persist %s output: %w", format, err)
	}
	return locator, nil
}
