package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks latencies and counters of the trading loop.
type SystemMetrics struct {
	CycleLatency    *LatencyHistogram
	ProviderLatency *LatencyHistogram
	OrderLatency    *LatencyHistogram
	HTTPLatency     *LatencyHistogram

	cycles        uint64
	signals       uint64
	orders        uint64
	errors        uint64
	fallbacks     uint64
	breakerTrips  uint64
	activeBots    int64
	lastCycleUnix int64
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		CycleLatency:    NewLatencyHistogram(500),
		ProviderLatency: NewLatencyHistogram(1000),
		OrderLatency:    NewLatencyHistogram(500),
		HTTPLatency:     NewLatencyHistogram(1000),
	}
}

// LatencyHistogram keeps the most recent samples in a ring buffer.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	cached  *LatencyStats
}

// NewLatencyHistogram creates a sliding window of size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, size)}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.next] = latencyMs
	h.next = (h.next + 1) % len(h.samples)
	if h.next == 0 {
		h.full = true
	}
	h.cached = nil
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg and percentiles over the window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cached != nil {
		return *h.cached
	}

	n := h.next
	if h.full {
		n = len(h.samples)
	}
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples[:n])
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	stats := LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Count: n,
	}
	h.cached = &stats
	return stats
}

func percentile(sorted []float64, p float64) float64 {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
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

func (m *SystemMetrics) CycleCompleted(at time.Time) {
	atomic.AddUint64(&m.cycles, 1)
	atomic.StoreInt64(&m.lastCycleUnix, at.Unix())
}

func (m *SystemMetrics) IncrementSignals()      { atomic.AddUint64(&m.signals, 1) }
func (m *SystemMetrics) IncrementOrders()       { atomic.AddUint64(&m.orders, 1) }
func (m *SystemMetrics) IncrementErrors()       { atomic.AddUint64(&m.errors, 1) }
func (m *SystemMetrics) IncrementFallbacks()    { atomic.AddUint64(&m.fallbacks, 1) }
func (m *SystemMetrics) IncrementBreakerTrips() { atomic.AddUint64(&m.breakerTrips, 1) }

// SetActiveBots records how many per-user bots are running.
func (m *SystemMetrics) SetActiveBots(n int) { atomic.StoreInt64(&m.activeBots, int64(n)) }

// MetricsSnapshot is a point-in-time view, served by the host API.
type MetricsSnapshot struct {
	CycleLatency    LatencyStats `json:"cycle_latency"`
	ProviderLatency LatencyStats `json:"provider_latency"`
	OrderLatency    LatencyStats `json:"order_latency"`
	HTTPLatency     LatencyStats `json:"http_latency"`
	Cycles          uint64       `json:"cycles"`
	Signals         uint64       `json:"signals"`
	Orders          uint64       `json:"orders"`
	Errors          uint64       `json:"errors"`
	DataFallbacks   uint64       `json:"data_fallbacks"`
	BreakerTrips    uint64       `json:"breaker_trips"`
	ActiveBots      int64        `json:"active_bots"`
	DroppedEvents   uint64       `json:"dropped_events"`
	LastCycle       *time.Time   `json:"last_cycle,omitempty"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := MetricsSnapshot{
		CycleLatency:    m.CycleLatency.Stats(),
		ProviderLatency: m.ProviderLatency.Stats(),
		OrderLatency:    m.OrderLatency.Stats(),
		HTTPLatency:     m.HTTPLatency.Stats(),
		Cycles:          atomic.LoadUint64(&m.cycles),
		Signals:         atomic.LoadUint64(&m.signals),
		Orders:          atomic.LoadUint64(&m.orders),
		Errors:          atomic.LoadUint64(&m.errors),
		DataFallbacks:   atomic.LoadUint64(&m.fallbacks),
		BreakerTrips:    atomic.LoadUint64(&m.breakerTrips),
		ActiveBots:      atomic.LoadInt64(&m.activeBots),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		Timestamp:       time.Now(),
	}
	if ts := atomic.LoadInt64(&m.lastCycleUnix); ts > 0 {
		last := time.Unix(ts, 0)
		snap.LastCycle = &last
	}
	return snap
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
