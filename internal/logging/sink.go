package logging

import (
	"context"
	"errors"
	"sync"

	"pollen_ledger/internal/models"
)

// ErrSinkFull is returned when the in-memory buffer cannot take a record
var ErrSinkFull = errors.New("analytics sink buffer full")

// ErrSinkClosed is returned after Shutdown
var ErrSinkClosed = errors.New("analytics sink closed")

// Sink receives ledger records. It is write-only: nothing in the service
// reads records back, and Enqueue must never block a webhook response.
type Sink interface {
	Enqueue(rec *models.Record) error
	Shutdown(ctx context.Context) error
}

// NoopSink discards records.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Enqueue(*models.Record) error { return nil }

func (s *NoopSink) Shutdown(context.Context) error { return nil }

// MemorySink keeps records in memory; used by tests.
type MemorySink struct {
	mu      sync.Mutex
	records []*models.Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Enqueue(rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemorySink) Shutdown(context.Context) error { return nil }

// Records returns a copy of everything enqueued so far
func (s *MemorySink) Records() []*models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Record, len(s.records))
	copy(out, s.records)
	return out
}
