package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-core/internal/events"
)

func TestObserve(t *testing.T) {
	m := NewMetrics()
	r := &Recorder{Metrics: m}

	r.Observe(events.Message{Topic: events.EventPoll, Payload: events.Poll{Duration: 20 * time.Millisecond}})
	r.Observe(events.Message{Topic: events.EventPoll, Payload: events.Poll{Err: "timeout"}})
	r.Observe(events.Message{Topic: events.EventReplica, Payload: events.FollowerAction{Result: events.ResultOK}})
	r.Observe(events.Message{Topic: events.EventCancellation, Payload: events.FollowerAction{Result: events.ResultFailed}})
	r.Observe(events.Message{Topic: events.EventAllocation, Payload: events.Allocation{Fallback: true}})
	r.Observe(events.Message{Topic: events.EventExchangeError, Payload: events.ExchangeError{Kind: "MARGIN_INSUFFICIENT"}})
	r.Observe(events.Message{Topic: events.EventMonitorState, Payload: events.MonitorState{State: "STARTED"}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Polls.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Polls.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Replicas.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cancellations.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AllocationFallback))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExchangeErrors.WithLabelValues("MARGIN_INSUFFICIENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveMonitors))
	assert.Equal(t, 2, m.PollLatency.Stats().Count)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.Replicas.WithLabelValues("ok").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "copytrade_replicas_total"))
}

func TestLatencyHistogramWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{10, 20, 30, 40} {
		h.Record(v)
	}
	s := h.Stats()
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 20.0, s.Min)
	assert.Equal(t, 40.0, s.Max)
}
