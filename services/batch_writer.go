package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BatchWriter accumulates records in memory and flushes them to a sink on a
// fixed period. A failed flush re-prepends the batch so nothing is lost;
// the batch is retried on the next tick. The ingestion path only ever
// enqueues and never blocks on the sink.
type BatchWriter struct {
	name     string
	interval time.Duration
	flush    func(ctx context.Context, batch []interface{}) error
	logger   *zap.Logger

	mu    sync.Mutex
	queue []interface{}
}

// NewBatchWriter creates a writer draining into flush every interval.
func NewBatchWriter(name string, interval time.Duration, flush func(ctx context.Context, batch []interface{}) error, logger *zap.Logger) *BatchWriter {
	return &BatchWriter{
		name:     name,
		interval: interval,
		flush:    flush,
		logger:   logger,
	}
}

// Enqueue appends one record. Safe for concurrent use.
func (bw *BatchWriter) Enqueue(item interface{}) {
	bw.mu.Lock()
	bw.queue = append(bw.queue, item)
	bw.mu.Unlock()
}

// Size returns the current queue depth.
func (bw *BatchWriter) Size() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.queue)
}

// Run drains the queue on the configured period until the context ends,
// then performs one final flush.
func (bw *BatchWriter) Run(ctx context.Context) {
	bw.logger.Info("Batch writer started",
		zap.String("queue", bw.name),
		zap.Duration("interval", bw.interval))

	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush with a fresh bounded context; the parent is
			// already cancelled at shutdown.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			bw.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			bw.Flush(ctx)
		}
	}
}

// Flush drains and writes everything currently queued. On failure the batch
// goes back to the front of the queue.
func (bw *BatchWriter) Flush(ctx context.Context) {
	bw.mu.Lock()
	if len(bw.queue) == 0 {
		bw.mu.Unlock()
		return
	}
	batch := bw.queue
	bw.queue = nil
	bw.mu.Unlock()

	if err := bw.flush(ctx, batch); err != nil {
		bw.logger.Error("Failed to flush batch, requeueing",
			zap.String("queue", bw.name),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))

		bw.mu.Lock()
		bw.queue = append(batch, bw.queue...)
		bw.mu.Unlock()
		return
	}

	bw.logger.Debug("Flushed batch",
		zap.String("queue", bw.name),
		zap.Int("batch_size", len(batch)))
}
