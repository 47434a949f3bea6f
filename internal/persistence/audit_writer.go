// Package persistence batches operational audit records into SystemLog rows.
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"copytrade-core/pkg/db"
)

// AuditWriter batches SystemLog inserts so warning and failure paths never
// hold the single SQLite connection while followers are still being served.
type AuditWriter struct {
	db          *db.Database
	log         *zap.Logger
	buffer      []db.SystemLog
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     AuditWriterMetrics
	lastMu      sync.Mutex
}

// AuditWriterMetrics provides statistics about batch operations.
type AuditWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewAuditWriter creates a writer that flushes every interval or once
// maxSize entries are buffered.
func NewAuditWriter(database *db.Database, maxSize int, interval time.Duration, log *zap.Logger) *AuditWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	aw := &AuditWriter{
		db:          database,
		log:         log.Named("audit"),
		buffer:      make([]db.SystemLog, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	aw.wg.Add(1)
	go aw.backgroundFlush()

	return aw
}

// Write buffers an entry. A nil writer discards it.
func (aw *AuditWriter) Write(entry db.SystemLog) {
	if aw == nil {
		return
	}
	aw.mu.Lock()
	aw.buffer = append(aw.buffer, entry)
	shouldFlush := len(aw.buffer) >= aw.maxSize
	aw.mu.Unlock()

	if shouldFlush {
		_ = aw.Flush()
	}
}

// Warn buffers a WARNING entry.
func (aw *AuditWriter) Warn(message, accountID, tradeID string) {
	aw.Write(db.SystemLog{Level: db.LevelWarning, Message: message, AccountID: db.StringRef(accountID), TradeID: db.StringRef(tradeID)})
}

// Error buffers an ERROR entry.
func (aw *AuditWriter) Error(message, accountID, tradeID string) {
	aw.Write(db.SystemLog{Level: db.LevelError, Message: message, AccountID: db.StringRef(accountID), TradeID: db.StringRef(tradeID)})
}

// Info buffers an INFO entry.
func (aw *AuditWriter) Info(message, accountID, tradeID string) {
	aw.Write(db.SystemLog{Level: db.LevelInfo, Message: message, AccountID: db.StringRef(accountID), TradeID: db.StringRef(tradeID)})
}

// Flush immediately writes all buffered entries.
func (aw *AuditWriter) Flush() error {
	aw.flushMu.Lock()
	defer aw.flushMu.Unlock()

	aw.mu.Lock()
	if len(aw.buffer) == 0 {
		aw.mu.Unlock()
		return nil
	}
	entries := aw.buffer
	aw.buffer = make([]db.SystemLog, 0, aw.maxSize)
	aw.mu.Unlock()

	return aw.executeBatch(entries)
}

func (aw *AuditWriter) executeBatch(entries []db.SystemLog) error {
	atomic.AddUint64(&aw.metrics.TotalWrites, uint64(len(entries)))
	atomic.AddUint64(&aw.metrics.TotalBatches, 1)
	aw.lastMu.Lock()
	aw.metrics.LastBatchSize = len(entries)
	aw.metrics.LastFlushTime = time.Now()
	aw.lastMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := aw.db.WithTx(ctx, func(q *db.Queries) error {
		for i := range entries {
			if err := q.AppendSystemLog(ctx, &entries[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		atomic.AddUint64(&aw.metrics.TotalErrors, 1)
		aw.log.Error("❌ audit batch rolled back", zap.Int("entries", len(entries)), zap.Error(err))
		return err
	}

	aw.log.Debug("💾 audit batch flushed", zap.Int("entries", len(entries)))
	return nil
}

func (aw *AuditWriter) backgroundFlush() {
	defer aw.wg.Done()
	ticker := time.NewTicker(aw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := aw.Flush(); err != nil {
				aw.log.Warn("⚠️ background audit flush failed", zap.Error(err))
			}
		case <-aw.done:
			if err := aw.Flush(); err != nil {
				aw.log.Warn("⚠️ final audit flush failed", zap.Error(err))
			}
			return
		}
	}
}

// Pending returns the number of buffered entries.
func (aw *AuditWriter) Pending() int {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return len(aw.buffer)
}

// GetMetrics returns the current batch statistics.
func (aw *AuditWriter) GetMetrics() AuditWriterMetrics {
	aw.lastMu.Lock()
	size, at := aw.metrics.LastBatchSize, aw.metrics.LastFlushTime
	aw.lastMu.Unlock()
	return AuditWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&aw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&aw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&aw.metrics.TotalErrors),
		LastBatchSize: size,
		LastFlushTime: at,
	}
}

// Close flushes what is left and stops the background loop.
func (aw *AuditWriter) Close() error {
	if aw == nil {
		return nil
	}
	aw.closeOnce.Do(func() { close(aw.done) })
	aw.wg.Wait()
	return nil
}
