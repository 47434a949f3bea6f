// Package monitor turns replication events into Prometheus metrics.
package monitor

import (
	"context"

	"go.uber.org/zap"

	"copytrade-core/internal/events"
)

// Recorder consumes the event bus and updates Metrics.
type Recorder struct {
	Bus     *events.Bus
	Metrics *Metrics
	Log     *zap.Logger
}

// Start subscribes to the bus until ctx is done.
func (r *Recorder) Start(ctx context.Context) {
	if r.Bus == nil || r.Metrics == nil {
		if r.Log != nil {
			r.Log.Warn("⚠️ metrics recorder not fully configured; skipping")
		}
		return
	}
	stream, unsub := r.Bus.SubscribeAll(256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				r.Observe(msg.(events.Message))
			}
		}
	}()
}

// Observe applies one event to the collectors.
func (r *Recorder) Observe(msg events.Message) {
	m := r.Metrics
	switch p := msg.Payload.(type) {
	case events.Poll:
		result := events.ResultOK
		if p.Err != "" {
			result = events.ResultFailed
		}
		m.Polls.WithLabelValues(result).Inc()
		m.PollDuration.Observe(p.Duration.Seconds())
		m.PollLatency.RecordDuration(p.Duration)
	case events.MasterOrder:
		m.MasterOrders.WithLabelValues(p.Status).Inc()
	case events.FollowerAction:
		switch msg.Topic {
		case events.EventReplica:
			m.Replicas.WithLabelValues(p.Result).Inc()
		case events.EventCancellation:
			m.Cancellations.WithLabelValues(p.Result).Inc()
		case events.EventClose:
			m.Closes.WithLabelValues(p.Result).Inc()
		}
	case events.Allocation:
		if p.Fallback {
			m.AllocationFallback.Inc()
		}
	case events.ExchangeError:
		m.ExchangeErrors.WithLabelValues(p.Kind).Inc()
	case events.MonitorState:
		switch p.State {
		case "STARTED":
			m.ActiveMonitors.Inc()
		case "STOPPED":
			m.ActiveMonitors.Dec()
		}
	}
}
