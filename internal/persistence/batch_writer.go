package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"footprint-core/pkg/logger"
)

// WriteOp represents a database write operation.
type WriteOp struct {
	Table string
	Query string
	Args  []any
}

// BatchWriter batches database writes. Buffered ops are flushed by size or on
// a timer; Commit runs an op set synchronously in its own transaction.
type BatchWriter struct {
	db          *sql.DB
	logger      *zap.Logger
	buffer      []WriteOp
	mu          sync.Mutex
	txMu        sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	totalWrites   atomic.Uint64
	totalBatches  atomic.Uint64
	totalErrors   atomic.Uint64
	statsMu       sync.Mutex
	lastBatchSize int
	lastFlushTime time.Time
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer with specified parameters.
// maxSize: max operations before auto-flush
// interval: time-based flush interval
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration, log *zap.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		db:          db,
		logger:      logger.OrNop(log).Named("batch_writer"),
		buffer:      make([]WriteOp, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write adds a write operation to the batch.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		if err := bw.Flush(); err != nil {
			bw.logger.Warn("size-triggered flush failed", zap.Error(err))
		}
	}
}

// WriteQuery is a convenience method for simple queries.
func (bw *BatchWriter) WriteQuery(query string, args ...any) {
	bw.Write(WriteOp{
		Query: query,
		Args:  args,
	})
}

// Flush immediately writes all buffered operations to the database.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}

	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(context.Background(), ops)
}

// Commit runs ops in one transaction and returns once it is committed or
// rolled back. Buffered ops are not touched.
func (bw *BatchWriter) Commit(ctx context.Context, ops []WriteOp) error {
	return bw.executeBatch(ctx, ops)
}

// executeBatch runs a batch of operations in a transaction.
func (bw *BatchWriter) executeBatch(ctx context.Context, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}

	bw.txMu.Lock()
	defer bw.txMu.Unlock()

	bw.totalWrites.Add(uint64(len(ops)))
	bw.totalBatches.Add(1)
	bw.statsMu.Lock()
	bw.lastBatchSize = len(ops)
	bw.lastFlushTime = time.Now()
	bw.statsMu.Unlock()

	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		bw.totalErrors.Add(1)
		bw.logger.Error("begin transaction", zap.Error(err))
		return fmt.Errorf("begin: %w", err)
	}

	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			tx.Rollback()
			bw.totalErrors.Add(1)
			bw.logger.Error("query failed, rolling back", zap.String("table", op.Table), zap.Error(err))
			return fmt.Errorf("exec on %s: %w", op.Table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		bw.totalErrors.Add(1)
		bw.logger.Error("commit failed", zap.Error(err))
		return fmt.Errorf("commit: %w", err)
	}

	bw.logger.Debug("batch flushed", zap.Int("ops", len(ops)))
	return nil
}

// backgroundFlush periodically flushes the buffer.
func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				bw.logger.Warn("background flush error", zap.Error(err))
			}
		case <-bw.done:
			if err := bw.Flush(); err != nil {
				bw.logger.Warn("final flush error", zap.Error(err))
			}
			return
		}
	}
}

// Pending returns the number of pending operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	bw.statsMu.Lock()
	defer bw.statsMu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   bw.totalWrites.Load(),
		TotalBatches:  bw.totalBatches.Load(),
		TotalErrors:   bw.totalErrors.Load(),
		LastBatchSize: bw.lastBatchSize,
		LastFlushTime: bw.lastFlushTime,
	}
}

// Close flushes what is buffered and stops the background loop.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
