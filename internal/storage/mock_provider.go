package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockBlobStore is a mock implementation of BlobStore for testing.
type MockBlobStore struct {
	mock.Mock
}

// PutObject is the mock implementation of the PutObject method.
func (m *MockBlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	args := m.Called(ctx, path, contentType, data)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}

// MockRecordStore is a mock implementation of RecordStore for testing.
type MockRecordStore struct {
	mock.Mock
}

// StoreCapture is the mock implementation of the StoreCapture method.
func (m *MockRecordStore) StoreCapture(ctx context.Context, record CaptureRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0) //nolint:wrapcheck
}
