package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks engine-wide latencies and counters.
type Metrics struct {
	mu sync.RWMutex

	TickLatency   *LatencyHistogram // one dispatcher batch through a runner
	BrokerLatency *LatencyHistogram // one broker call including retries
	DBLatency     *LatencyHistogram
	APILatency    *LatencyHistogram

	ticksProcessed atomic.Uint64
	signalsFormed  atomic.Uint64
	ordersPlaced   atomic.Uint64
	ordersRejected atomic.Uint64
	brokerFailures atomic.Uint64
	runnerFaults   atomic.Uint64
	eventsDropped  atomic.Uint64
	apiRequests    atomic.Uint64
	apiErrors      atomic.Uint64

	gateways  map[string]GatewayStats
	startedAt time.Time
}

// GatewayStats is the per-deployment broker adapter health.
type GatewayStats struct {
	Calls        uint64    `json:"calls"`
	Failures     uint64    `json:"failures"`
	Streak       int       `json:"failure_streak"`
	CircuitOpen  bool      `json:"circuit_open"`
	LastError    string    `json:"last_error,omitempty"`
	LastFailedAt time.Time `json:"last_failed_at,omitempty"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		TickLatency:   NewLatencyHistogram(2048),
		BrokerLatency: NewLatencyHistogram(512),
		DBLatency:     NewLatencyHistogram(512),
		APILatency:    NewLatencyHistogram(512),
		gateways:      make(map[string]GatewayStats),
		startedAt:     time.Now(),
	}
}

// LatencyHistogram is a fixed-size ring of millisecond samples. Stats are
// recomputed lazily when samples changed.
type LatencyHistogram struct {
	mu     sync.Mutex
	ring   []float64
	next   int
	full   bool
	dirty  bool
	cached LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{ring: make([]float64, size), dirty: true}
}

// Record adds a sample in milliseconds, overwriting the oldest once full.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = ms
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.full = true
	}
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg and percentiles over the window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return h.cached
	}

	n := h.next
	if h.full {
		n = len(h.ring)
	}
	if n == 0 {
		h.cached, h.dirty = LatencyStats{}, false
		return h.cached
	}
	sorted := make([]float64, n)
	copy(sorted, h.ring[:n])
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n-1)*0.95)],
		P99:   sorted[int(float64(n-1)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cached
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *Metrics) AddTicks(n int) { m.ticksProcessed.Add(uint64(n)) }
func (m *Metrics) IncSignals() { m.signalsFormed.Add(1) }
func (m *Metrics) IncOrders() { m.ordersPlaced.Add(1) }
func (m *Metrics) IncRejected() { m.ordersRejected.Add(1) }
func (m *Metrics) IncBrokerFailures() { m.brokerFailures.Add(1) }
func (m *Metrics) IncFaults() { m.runnerFaults.Add(1) }
func (m *Metrics) SetDropped(n uint64) { m.eventsDropped.Store(n) }

// ObserveAPI records one HTTP request.
func (m *Metrics) ObserveAPI(d time.Duration, failed bool) {
	m.apiRequests.Add(1)
	if failed {
		m.apiErrors.Add(1)
	}
	m.APILatency.RecordDuration(d)
}

// SetGateway records the adapter health for one deployment.
func (m *Metrics) SetGateway(id string, s GatewayStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways[id] = s
}

// RemoveGateway drops a deployment's adapter stats.
func (m *Metrics) RemoveGateway(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gateways, id)
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	TickLatency    LatencyStats            `json:"tick_latency"`
	BrokerLatency  LatencyStats            `json:"broker_latency"`
	DBLatency      LatencyStats            `json:"db_latency"`
	APILatency     LatencyStats            `json:"api_latency"`
	Ticks          uint64                  `json:"ticks_processed"`
	Signals        uint64                  `json:"signals_formed"`
	Orders         uint64                  `json:"orders_placed"`
	Rejected       uint64                  `json:"orders_rejected"`
	BrokerFailures uint64                  `json:"broker_failures"`
	RunnerFaults   uint64                  `json:"runner_faults"`
	EventsDropped  uint64                  `json:"events_dropped"`
	APIRequests    uint64                  `json:"api_requests"`
	APIErrors      uint64                  `json:"api_errors"`
	Gateways       map[string]GatewayStats `json:"gateways"`
	Goroutines     int                     `json:"goroutines"`
	HeapAlloc      uint64                  `json:"heap_alloc_bytes"`
	Uptime         string                  `json:"uptime"`
	Timestamp      time.Time               `json:"timestamp"`
}

func (m *Metrics) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.RLock()
	gws := make(map[string]GatewayStats, len(m.gateways))
	for k, v := range m.gateways {
		gws[k] = v
	}
	m.mu.RUnlock()

	return Snapshot{
		TickLatency:    m.TickLatency.Stats(),
		BrokerLatency:  m.BrokerLatency.Stats(),
		DBLatency:      m.DBLatency.Stats(),
		APILatency:     m.APILatency.Stats(),
		Ticks:          m.ticksProcessed.Load(),
		Signals:        m.signalsFormed.Load(),
		Orders:         m.ordersPlaced.Load(),
		Rejected:       m.ordersRejected.Load(),
		BrokerFailures: m.brokerFailures.Load(),
		RunnerFaults:   m.runnerFaults.Load(),
		EventsDropped:  m.eventsDropped.Load(),
		APIRequests:    m.apiRequests.Load(),
		APIErrors:      m.apiErrors.Load(),
		Gateways:       gws,
		Goroutines:     runtime.NumGoroutine(),
		HeapAlloc:      mem.HeapAlloc,
		Uptime:         time.Since(m.startedAt).Truncate(time.Second).String(),
		Timestamp:      time.Now(),
	}
}

// Timer measures one operation into a histogram.
type Timer struct {
	start time.Time
	h     *LatencyHistogram
}

func NewTimer(h *LatencyHistogram) *Timer { return &Timer{start: time.Now(), h: h} }

// Stop records and returns the elapsed time.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.h != nil {
		t.h.RecordDuration(elapsed)
	}
	return elapsed
}
