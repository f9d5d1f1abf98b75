package bus

import (
	"sync"
	"time"
)

// emaAlpha is the smoothing factor for the exponential moving averages.
const emaAlpha = 0.1

// MetricsSnapshot is a point-in-time copy of the bus metrics.
type MetricsSnapshot struct {
	// Sent is the number of messages admitted to the queues.
	Sent uint64
	// Delivered is the number of messages handed to agent channels.
	Delivered uint64
	// Dropped is the number of messages rejected or retry-exhausted.
	Dropped uint64
	// Evicted is the number of messages evicted under overflow.
	Evicted uint64
	// EMALatency is the exponential moving average delivery latency.
	EMALatency time.Duration
	// EMABatchSize is the exponential moving average dispatch batch size.
	EMABatchSize float64
	// PeakQueueDepth is the highest observed total queue depth.
	PeakQueueDepth int
	// Throughput is messages delivered per second over the last
	// completed one-second window.
	Throughput float64
}

// metrics aggregates bus counters and moving averages.
type metrics struct {
	mu         sync.Mutex
	sent       uint64
	delivered  uint64
	dropped    uint64
	evicted    uint64
	emaLatency float64 // milliseconds
	emaBatch   float64
	peakDepth  int

	// 1-second rolling throughput window.
	windowStart time.Time
	windowCount int
	throughput  float64

	now func() time.Time
}

func newMetrics() *metrics {
	return &metrics{now: time.Now}
}

func (m *metrics) recordSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
}

func (m *metrics) recordDelivered(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.delivered++
	ms := float64(latency) / float64(time.Millisecond)
	if m.emaLatency == 0 {
		m.emaLatency = ms
	} else {
		m.emaLatency = emaAlpha*ms + (1-emaAlpha)*m.emaLatency
	}

	now := m.now()
	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	if elapsed := now.Sub(m.windowStart); elapsed >= time.Second {
		m.throughput = float64(m.windowCount) / elapsed.Seconds()
		m.windowStart = now
		m.windowCount = 0
	}
	m.windowCount++
}

func (m *metrics) recordDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *metrics) recordEvicted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evicted++
}

func (m *metrics) recordBatch(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.emaBatch == 0 {
		m.emaBatch = float64(size)
	} else {
		m.emaBatch = emaAlpha*float64(size) + (1-emaAlpha)*m.emaBatch
	}
}

func (m *metrics) observeDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if depth > m.peakDepth {
		m.peakDepth = depth
	}
}

func (m *metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MetricsSnapshot{
		Sent:           m.sent,
		Delivered:      m.delivered,
		Dropped:        m.dropped,
		Evicted:        m.evicted,
		EMALatency:     time.Duration(m.emaLatency * float64(time.Millisecond)),
		EMABatchSize:   m.emaBatch,
		PeakQueueDepth: m.peakDepth,
		Throughput:     m.throughput,
	}
}
