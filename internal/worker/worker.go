package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"vigil/internal/logger"
	"vigil/internal/metrics"
)

// FlushFunc handles one accumulated batch. Returning an error stops the
// batcher.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// Batcher accumulates items from a channel and hands them to a single flush
// function when the batch is full or the timeout fires. Batches are flushed
// one at a time, in arrival order.
type Batcher[T any] struct {
	name         string
	input        <-chan T
	flush        FlushFunc[T]
	batchSize    int
	batchTimeout time.Duration
	drainTimeout time.Duration

	// Metrics
	flushed atomic.Uint64
	items   atomic.Uint64
	failed  atomic.Uint64
}

// Config holds batcher configuration
type Config[T any] struct {
	// Name labels log lines
	Name         string
	Input        <-chan T
	Flush        FlushFunc[T]
	BatchSize    int
	BatchTimeout time.Duration

	// DrainTimeout bounds the final flush after the context is cancelled
	DrainTimeout time.Duration
}

// NewBatcher creates a new batcher
func NewBatcher[T any](cfg Config[T]) *Batcher[T] {
	if cfg.Name == "" {
		cfg.Name = "batcher"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}

	return &Batcher[T]{
		name:         cfg.Name,
		input:        cfg.Input,
		flush:        cfg.Flush,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		drainTimeout: cfg.DrainTimeout,
	}
}

// Run consumes the input until ctx is cancelled or the channel is closed,
// flushing whatever is buffered before returning. It returns the first flush
// error.
func (b *Batcher[T]) Run(ctx context.Context) error {
	log := logger.WithComponent(b.name)
	log.Info().
		Int("batch_size", b.batchSize).
		Dur("batch_timeout", b.batchTimeout).
		Msg("batcher started")
	defer log.Info().Msg("batcher stopped")

	batch := make([]T, 0, b.batchSize)
	timer := time.NewTimer(b.batchTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) error {
		if len(batch) == 0 {
			return nil
		}
		err := b.flushBatch(ctx, batch)
		batch = make([]T, 0, b.batchSize)
		return err
	}

	drain := func() error {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.drainTimeout)
		defer cancel()
		return flush(dctx)
	}

	for {
		select {
		case <-ctx.Done():
			// Flush remaining batch before exiting
			return drain()

		case item, ok := <-b.input:
			if !ok {
				// Channel closed, flush and exit
				return drain()
			}

			batch = append(batch, item)

			if len(batch) >= b.batchSize {
				if err := flush(ctx); err != nil {
					return err
				}
				timer.Reset(b.batchTimeout)
			}

		case <-timer.C:
			if err := flush(ctx); err != nil {
				return err
			}
			timer.Reset(b.batchTimeout)
		}
	}
}

// flushBatch runs the flush function, converting a panic into an error
func (b *Batcher[T]) flushBatch(ctx context.Context, batch []T) (err error) {
	log := logger.WithComponent(b.name)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("flush panic recovered")
			metrics.PanicsRecovered.WithLabelValues(b.name).Inc()
			err = fmt.Errorf("%s: flush panic: %v", b.name, r)
		}

		duration := time.Since(start)
		metrics.WorkerBatchFlushDuration.Observe(duration.Seconds())
		if err != nil {
			b.failed.Add(1)
			log.Error().
				Err(err).
				Int("batch_size", len(batch)).
				Dur("duration", duration).
				Msg("batch flush failed")
			return
		}
		b.flushed.Add(1)
		b.items.Add(uint64(len(batch)))
		log.Debug().
			Int("batch_size", len(batch)).
			Dur("duration", duration).
			Msg("batch flushed")
	}()

	return b.flush(ctx, batch)
}

// Stats returns batcher statistics
func (b *Batcher[T]) Stats() Stats {
	return Stats{
		Batches: b.flushed.Load(),
		Items:   b.items.Load(),
		Failed:  b.failed.Load(),
	}
}

// Stats holds batcher metrics
type Stats struct {
	Batches uint64 `json:"batches"`
	Items   uint64 `json:"items"`
	Failed  uint64 `json:"failed"`
}
