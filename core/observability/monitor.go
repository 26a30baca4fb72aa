// Package observability keeps in-process request metrics: per-method
// counts, error counts, and latency distribution, recorded by the
// protocol engine on each completed response.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// RequestMonitor aggregates request metrics with lock-free counters on
// the hot path.
type RequestMonitor struct {
	enabled atomic.Bool
	routes  sync.Map

	global struct {
		totalRequests atomic.Uint64
		totalErrors   atomic.Uint64
		totalDuration atomic.Uint64
	}
}

// RouteMetrics stores per-route metrics.
type RouteMetrics struct {
	Name           string
	Count          atomic.Uint64
	Errors         atomic.Uint64
	TotalDuration  atomic.Uint64
	MinDuration    atomic.Uint64
	MaxDuration    atomic.Uint64
	latencyBuckets [10]atomic.Uint64
}

// Snapshot is a point-in-time copy of one route's metrics.
type Snapshot struct {
	Name            string
	Count           uint64
	Errors          uint64
	AverageDuration time.Duration
	MinDuration     time.Duration
	MaxDuration     time.Duration
	LatencyBuckets  [10]uint64
}

// NewRequestMonitor creates an enabled monitor.
func NewRequestMonitor() *RequestMonitor {
	m := &RequestMonitor{}
	m.enabled.Store(true)
	return m
}

// SetEnabled toggles recording.
func (m *RequestMonitor) SetEnabled(on bool) {
	m.enabled.Store(on)
}

// RecordRequest records one completed response.
func (m *RequestMonitor) RecordRequest(route string, duration time.Duration, isError bool) {
	if !m.enabled.Load() {
		return
	}

	val, _ := m.routes.LoadOrStore(route, &RouteMetrics{Name: route})
	metrics := val.(*RouteMetrics)

	metrics.Count.Add(1)
	if isError {
		metrics.Errors.Add(1)
		m.global.totalErrors.Add(1)
	}

	durationNs := uint64(duration.Nanoseconds())
	metrics.TotalDuration.Add(durationNs)
	updateMinMax(metrics, durationNs)
	metrics.latencyBuckets[bucketFor(durationNs)].Add(1)

	m.global.totalRequests.Add(1)
	m.global.totalDuration.Add(durationNs)
}

// TotalRequests reports the number of recorded responses.
func (m *RequestMonitor) TotalRequests() uint64 {
	return m.global.totalRequests.Load()
}

// TotalErrors reports the number of recorded error responses.
func (m *RequestMonitor) TotalErrors() uint64 {
	return m.global.totalErrors.Load()
}

// Route returns a snapshot for one route, or nil when it has never
// been recorded.
func (m *RequestMonitor) Route(name string) *Snapshot {
	val, ok := m.routes.Load(name)
	if !ok {
		return nil
	}
	return snapshotOf(val.(*RouteMetrics))
}

// Routes returns snapshots for every recorded route.
func (m *RequestMonitor) Routes() []*Snapshot {
	out := make([]*Snapshot, 0, 8)
	m.routes.Range(func(_, value any) bool {
		out = append(out, snapshotOf(value.(*RouteMetrics)))
		return true
	})
	return out
}

func snapshotOf(r *RouteMetrics) *Snapshot {
	s := &Snapshot{
		Name:        r.Name,
		Count:       r.Count.Load(),
		Errors:      r.Errors.Load(),
		MinDuration: time.Duration(r.MinDuration.Load()),
		MaxDuration: time.Duration(r.MaxDuration.Load()),
	}
	if s.Count > 0 {
		s.AverageDuration = time.Duration(r.TotalDuration.Load() / s.Count)
	}
	for i := range r.latencyBuckets {
		s.LatencyBuckets[i] = r.latencyBuckets[i].Load()
	}
	return s
}

func updateMinMax(m *RouteMetrics, d uint64) {
	for {
		min := m.MinDuration.Load()
		if min != 0 && d >= min {
			break
		}
		if m.MinDuration.CompareAndSwap(min, d) {
			break
		}
	}
	for {
		max := m.MaxDuration.Load()
		if d <= max {
			break
		}
		if m.MaxDuration.CompareAndSwap(max, d) {
			break
		}
	}
}

func bucketFor(durationNs uint64) int {
	ms := durationNs / 1_000_000
	switch {
	case ms < 1:
		return 0
	case ms < 5:
		return 1
	case ms < 10:
		return 2
	case ms < 50:
		return 3
	case ms < 100:
		return 4
	case ms < 500:
		return 5
	case ms < 1000:
		return 6
	case ms < 5000:
		return 7
	case ms < 10000:
		return 8
	}
	return 9
}
