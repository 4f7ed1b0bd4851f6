package authgate

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one counter in the in-process metrics block.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricMFARequired
	MetricMFASuccess
	MetricMFAFailure
	MetricMFAAttemptsExceeded
	MetricBackupCodeUsed
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshRateLimited
	MetricReplayDetected
	MetricSessionCreated
	MetricSessionRevoked
	MetricLogout
	MetricLogoutAll
	MetricRegisterSuccess
	MetricRegisterDuplicate
	MetricEmailVerified
	MetricPasswordChanged
	MetricOAuthLogin
	MetricOAuthLinkCreated
	MetricOAuthRefresh
	MetricOAuthStateInvalid
	MetricValidateLatency
	metricIDCount
)

const histBucketCount = 8

// Upper bounds of the latency buckets in milliseconds; the last bucket
// is open-ended.
var latencyBoundsMS = [histBucketCount - 1]int64{5, 10, 25, 50, 100, 250, 500}

// counterCell pads each hot counter to its own cache line.
type counterCell struct {
	n atomic.Uint64
	_ [56]byte
}

// Metrics holds atomic counters and an optional validation latency
// histogram. All operations are no-ops when disabled.
type Metrics struct {
	enabled     bool
	withLatency bool
	counters    [metricIDCount]counterCell
	latency     [histBucketCount]atomic.Uint64
}

// MetricsSnapshot is a point-in-time deep copy of all metrics.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:     cfg.Enabled,
		withLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	m.counters[id].n.Add(1)
}

// Observe records a validation latency sample. Only MetricValidateLatency
// carries a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.withLatency || id != MetricValidateLatency {
		return
	}
	m.latency[bucketIndex(d)].Add(1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].n.Load()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
	}
	if m == nil || !m.enabled {
		return snap
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		snap.Counters[id] = m.counters[id].n.Load()
	}
	if m.withLatency {
		buckets := make([]uint64, histBucketCount)
		for i := range m.latency {
			buckets[i] = m.latency[i].Load()
		}
		snap.Histograms[MetricValidateLatency] = buckets
	}
	return snap
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()
	for i, bound := range latencyBoundsMS {
		if ms <= bound {
			return i
		}
	}
	return histBucketCount - 1
}
