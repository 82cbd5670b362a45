package logging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pollen_ledger/internal/config"
	"pollen_ledger/internal/metrics"
	"pollen_ledger/internal/models"
	"pollen_ledger/internal/utils"
)

// BufferedSink batches records in memory and hands them to a BatchWriter
// when FlushSize records are buffered, every FlushInterval, and on Shutdown.
type BufferedSink struct {
	writer        BatchWriter
	flushSize     int
	flushInterval time.Duration
	logger        *utils.Logger
	metrics       *metrics.Metrics

	recCh   chan *models.Record
	doneCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewBufferedSink starts the flush loop
func NewBufferedSink(writer BatchWriter, cfg config.AnalyticsSinkConfig) *BufferedSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Minute
	}

	s := &BufferedSink{
		writer:        writer,
		flushSize:     cfg.FlushSize,
		flushInterval: cfg.FlushInterval,
		logger:        utils.NewLogger("analytics-sink"),
		recCh:         make(chan *models.Record, cfg.BufferSize),
		doneCh:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// NewS3Sink builds a buffered sink writing to S3
func NewS3Sink(ctx context.Context, cfg config.AnalyticsSinkConfig) (*BufferedSink, error) {
	writer, err := NewS3Writer(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Prefix, cfg.PodName)
	if err != nil {
		return nil, err
	}
	return NewBufferedSink(writer, cfg), nil
}

// WithMetrics counts dropped records on m
func (s *BufferedSink) WithMetrics(m *metrics.Metrics) *BufferedSink {
	s.metrics = m
	return s
}

// Enqueue buffers a record without blocking. When the buffer is full the
// record is dropped and counted.
func (s *BufferedSink) Enqueue(rec *models.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.recCh <- rec:
		return nil
	default:
		s.dropped.Add(1)
		s.metrics.SinkDropped()
		return ErrSinkFull
	}
}

// Dropped returns how many records were discarded because the buffer was full
func (s *BufferedSink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *BufferedSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]*models.Record, 0, s.flushSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.writer.WriteBatch(ctx, batch); err != nil {
			s.logger.Error("failed to write analytics batch", "count", len(batch), "error", err)
		}
		batch = make([]*models.Record, 0, s.flushSize)
	}

	for {
		select {
		case rec := <-s.recCh:
			batch = append(batch, rec)
			if len(batch) >= s.flushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.doneCh:
			for {
				select {
				case rec := <-s.recCh:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Shutdown stops accepting records and flushes what is buffered
func (s *BufferedSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.doneCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
