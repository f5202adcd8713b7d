// Package storage defines where archived screenshots and their capture
// records are persisted. Implementations live in the subpackages (local,
// gcs, memory for blobs; postgres, memory for records).
package storage

import (
	"context"
	"time"
)

// BlobStore persists image bytes and returns a URI for the stored object.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// RecordStore persists one row per archived capture.
type RecordStore interface {
	StoreCapture(ctx context.Context, record CaptureRecord) error
}

// CaptureRecord describes an archived screenshot.
type CaptureRecord struct {
	ID          string
	URL         string
	FinalURL    string
	HandleID    string
	Hash        string
	BlobURI     string
	ContentType string
	Bytes       int
	Width       int
	Height      int
	FullPage    bool
	BestEffort  bool
	Elapsed     time.Duration
	CapturedAt  time.Time
	PartitionTS time.Time
}

// Discard is a BlobStore and RecordStore that stores nothing. It is used
// when only some archive sinks are configured.
type Discard struct{}

// PutObject for Discard does nothing and returns an empty URI.
func (Discard) PutObject(_ context.Context, _ string, _ string, _ []byte) (string, error) {
	return "", nil
}

// StoreCapture for Discard does nothing and always returns nil.
func (Discard) StoreCapture(_ context.Context, _ CaptureRecord) error {
	return nil
}
