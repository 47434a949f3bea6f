package monitor

import (
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Polls              *prometheus.CounterVec
	PollDuration       prometheus.Histogram
	MasterOrders       *prometheus.CounterVec
	Replicas           *prometheus.CounterVec
	Cancellations      *prometheus.CounterVec
	Closes             *prometheus.CounterVec
	AllocationFallback prometheus.Counter
	ExchangeErrors     *prometheus.CounterVec
	ActiveMonitors     prometheus.Gauge

	// PollLatency keeps a sliding window for the status endpoint.
	PollLatency *LatencyHistogram
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copytrade_polls_total",
			Help: "Master monitor poll iterations by result.",
		}, []string{"result"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "copytrade_poll_duration_seconds",
			Help:    "Duration of one poll and reconcile pass.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		MasterOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copytrade_master_orders_total",
			Help: "Master orders recorded by the reconciler, by status.",
		}, []string{"status"}),
		Replicas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copytrade_replicas_total",
			Help: "Follower replica placements by result.",
		}, []string{"result"}),
		Cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copytrade_cancellations_total",
			Help: "Follower replica cancellations by result.",
		}, []string{"result"}),
		Closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copytrade_closes_total",
			Help: "Follower position closes by result.",
		}, []string{"result"}),
		AllocationFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "copytrade_allocation_fallbacks_total",
			Help: "Allocations that degraded to the master-proportional fallback.",
		}),
		ExchangeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copytrade_exchange_errors_total",
			Help: "Classified exchange errors by kind.",
		}, []string{"kind"}),
		ActiveMonitors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "copytrade_active_monitors",
			Help: "Running master monitors.",
		}),
		PollLatency: NewLatencyHistogram(1000),
	}
	m.registry.MustRegister(
		m.Polls, m.PollDuration, m.MasterOrders, m.Replicas, m.Cancellations,
		m.Closes, m.AllocationFallback, m.ExchangeErrors, m.ActiveMonitors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next Record.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Snapshot is the runtime view served by the status endpoint.
type Snapshot struct {
	PollLatency    LatencyStats `json:"poll_latency_ms"`
	GoroutineCount int          `json:"goroutine_count"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	Timestamp      time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time runtime snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return Snapshot{
		PollLatency:    m.PollLatency.Stats(),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		Timestamp:      time.Now(),
	}
}
