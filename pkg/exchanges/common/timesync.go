package common

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeSync keeps the offset between the local clock and the exchange clock
// so signed requests carry an acceptable timestamp.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	log           *zap.Logger
	offset        int64 // milliseconds, server - local
	lastSync      time.Time
	mu            sync.RWMutex
}

// NewTimeSync creates a time synchronizer.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error), log *zap.Logger) *TimeSync {
	if log == nil {
		log = zap.NewNop()
	}
	return &TimeSync{getServerTime: getServerTime, log: log}
}

// Sync measures the offset once, assuming symmetric latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	server, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()
	local := before + (after-before)/2

	ts.mu.Lock()
	ts.offset = server - local
	ts.lastSync = time.Now()
	offset := ts.offset
	ts.mu.Unlock()

	ts.log.Debug("🔄 exchange time synced", zap.Int64("offset_ms", offset))
	return nil
}

// Now returns the current exchange time in milliseconds.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the last measured offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}

// LastSync returns when the offset was last measured.
func (ts *TimeSync) LastSync() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.lastSync
}
