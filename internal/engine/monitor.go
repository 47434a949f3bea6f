package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"copytrade-core/internal/events"
	"copytrade-core/internal/reconciliation"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/common"
)

// MonitorConfig tunes a MasterMonitor.
type MonitorConfig struct {
	PollInterval   time.Duration
	ErrorBackoff   time.Duration
	RequestTimeout time.Duration
	HistoryOverlap time.Duration
	// WakeEvery limits how often Wake can cut a poll interval short.
	WakeEvery time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HistoryOverlap <= 0 {
		c.HistoryOverlap = time.Minute
	}
	if c.WakeEvery <= 0 {
		c.WakeEvery = 500 * time.Millisecond
	}
	return c
}

// OpenTrades finds the oldest unfinished master trade, so orders that stay
// open longer than the history window are still followed to completion.
// The symbols of recent trades are handed to clients that read history per
// symbol.
type OpenTrades interface {
	OldestOpenTradeTime(ctx context.Context, accountID string) (time.Time, bool, error)
	TradedSymbolsSince(ctx context.Context, accountID string, since time.Time) ([]string, error)
}

// MasterMonitor polls one master account and feeds its reconciler.
// It cycles POLL → sleep → POLL, moving to BACKOFF after a failed poll and
// to STOPPED when its context ends.
type MasterMonitor struct {
	master     db.Account
	client     common.Client
	reconciler *reconciliation.Reconciler
	trades     OpenTrades
	cfg        MonitorConfig
	bus        *events.Bus
	log        *zap.Logger

	wake        chan struct{}
	wakeLimiter *rate.Limiter

	mu         sync.RWMutex
	state      MonitorState
	lastCheck  time.Time
	lastErr    string
	polls      uint64
	failures   uint64
	checkpoint time.Time
	processed  int
}

// NewMasterMonitor creates a stopped monitor. The reconciler's watermark is
// also the first history checkpoint.
func NewMasterMonitor(master db.Account, client common.Client, reconciler *reconciliation.Reconciler, trades OpenTrades, cfg MonitorConfig, bus *events.Bus, log *zap.Logger) *MasterMonitor {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &MasterMonitor{
		master:      master,
		client:      client,
		reconciler:  reconciler,
		trades:      trades,
		cfg:         cfg,
		bus:         bus,
		log:         log.Named("monitor").With(zap.String("master", master.Name)),
		wake:        make(chan struct{}, 1),
		wakeLimiter: rate.NewLimiter(rate.Every(cfg.WakeEvery), 1),
		state:       StateStopped,
		checkpoint:  reconciler.Watermark(),
	}
}

// Run loops until ctx is cancelled. Failed polls never end the loop.
func (m *MasterMonitor) Run(ctx context.Context) {
	m.setState(StatePoll)
	m.bus.Publish(events.EventMonitorState, events.MonitorState{MasterID: m.master.ID, State: "STARTED", At: time.Now()})
	m.log.Info("✓ master monitor started", zap.Duration("interval", m.cfg.PollInterval), zap.Time("watermark", m.reconciler.Watermark()))
	defer func() {
		m.setState(StateStopped)
		m.bus.Publish(events.EventMonitorState, events.MonitorState{MasterID: m.master.ID, State: "STOPPED", At: time.Now()})
		m.log.Info("master monitor stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		wait := m.cfg.PollInterval
		if err := m.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setState(StateBackoff)
			m.log.Warn("⚠️ poll failed; backing off", zap.Duration("backoff", m.cfg.ErrorBackoff), zap.Error(err))
			wait = m.cfg.ErrorBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
		m.setState(StatePoll)
	}
}

// PollOnce fetches open orders and history and reconciles them. A panic is
// converted into an error.
func (m *MasterMonitor) PollOnce(ctx context.Context) (err error) {
	started := time.Now()
	var orders int
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("poll panic: %v", p)
		}
		m.finishPoll(started, orders, err)
	}()

	since := m.historySince(ctx)
	m.trackSymbols(ctx, since)
	pctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	open, err := m.client.GetOpenOrders(pctx)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	history, err := m.client.GetOrdersSince(pctx, since)
	if err != nil {
		return fmt.Errorf("order history: %w", err)
	}
	orders = len(open) + len(history)

	rep := m.reconciler.Reconcile(ctx, open, history)
	if rep.Recorded > 0 || rep.Failed > 0 {
		m.log.Info("🔄 reconciled", zap.Int("seen", rep.Seen), zap.Int("recorded", rep.Recorded),
			zap.Int("replicated", rep.Replicated), zap.Int("cancelled", rep.Cancelled), zap.Int("failed", rep.Failed))
	}
	m.mu.Lock()
	m.processed = m.reconciler.Processed().Len()
	if rep.Failed == 0 {
		m.checkpoint = started
	}
	m.mu.Unlock()
	return nil
}

func (m *MasterMonitor) historySince(ctx context.Context) time.Time {
	m.mu.RLock()
	since := m.checkpoint.Add(-m.cfg.HistoryOverlap)
	m.mu.RUnlock()

	if m.trades != nil {
		if oldest, ok, err := m.trades.OldestOpenTradeTime(ctx, m.master.ID); err == nil && ok && oldest.Before(since) {
			since = oldest
		}
	}
	return since
}

func (m *MasterMonitor) trackSymbols(ctx context.Context, since time.Time) {
	tracker, ok := m.client.(common.SymbolTracker)
	if !ok || m.trades == nil {
		return
	}
	symbols, err := m.trades.TradedSymbolsSince(ctx, m.master.ID, since)
	if err != nil {
		m.log.Warn("⚠️ traded symbols unavailable", zap.Error(err))
		return
	}
	tracker.TrackSymbols(symbols...)
}

func (m *MasterMonitor) finishPoll(started time.Time, orders int, err error) {
	now := time.Now()
	ev := events.Poll{MasterID: m.master.ID, Orders: orders, Duration: now.Sub(started), At: now}

	m.mu.Lock()
	m.polls++
	m.lastCheck = now
	if err != nil {
		m.failures++
		m.lastErr = err.Error()
		ev.Err = err.Error()
	} else {
		m.lastErr = ""
	}
	m.mu.Unlock()

	m.bus.Publish(events.EventPoll, ev)
}

// Wake cuts the current sleep short, at most once per WakeEvery.
func (m *MasterMonitor) Wake() bool {
	if !m.wakeLimiter.Allow() {
		return false
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *MasterMonitor) setState(s MonitorState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// State returns the current state.
func (m *MasterMonitor) State() MonitorState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status returns a snapshot for the status endpoint.
func (m *MasterMonitor) Status() MonitorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MonitorStatus{
		MasterID:   m.master.ID,
		MasterName: m.master.Name,
		State:      m.state,
		LastCheck:  m.lastCheck,
		LastError:  m.lastErr,
		Polls:      m.polls,
		Failures:   m.failures,
		Watermark:  m.reconciler.Watermark(),
		Processed:  m.processed,
	}
}
