package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/pagesnap/internal/storage"
)

// RecordStore keeps capture records in-memory for development/testing.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]storage.CaptureRecord
	order   []string
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]storage.CaptureRecord)}
}

// StoreCapture stores a record; IDs must be unique.
func (s *RecordStore) StoreCapture(_ context.Context, record storage.CaptureRecord) error {
	if record.ID == "" {
		return errors.New("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return errors.New("record already exists")
	}
	s.records[record.ID] = record
	s.order = append(s.order, record.ID)
	return nil
}

// Get fetches a record by capture ID.
func (s *RecordStore) Get(_ context.Context, id string) (storage.CaptureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return storage.CaptureRecord{}, errors.New("record not found")
	}
	return record, nil
}

// List returns all records in insertion order.
func (s *RecordStore) List(_ context.Context) []storage.CaptureRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.CaptureRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}
