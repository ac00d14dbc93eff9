package profilecache

import "sync/atomic"

// MetricsRecorder counts cache events by kind.
type MetricsRecorder interface {
	Record(kind EventKind)
}

// Stats summarizes how well the cache is serving lookups.
type Stats struct {
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	StaleRefetches  int64   `json:"stale_refetches"`
	Invalidations   int64   `json:"invalidations"`
	FetchFailures   int64   `json:"fetch_failures"`
	BackendFailures int64   `json:"backend_failures"`
	HitRatio        float64 `json:"hit_ratio"`
	StaleRatio      float64 `json:"stale_ratio"`
}

// CounterMetrics keeps one lock-free counter per known EventKind; events of
// other kinds are ignored.
type CounterMetrics struct {
	counters map[EventKind]*atomic.Int64
}

// NewCounterMetrics constructs a CounterMetrics covering every EventKind the
// Service emits.
func NewCounterMetrics() *CounterMetrics {
	kinds := []EventKind{EventHit, EventMiss, EventStaleInvalidated, EventInvalidated, EventFetchFailed, EventStoreFailed}
	counters := make(map[EventKind]*atomic.Int64, len(kinds))
	for _, kind := range kinds {
		counters[kind] = new(atomic.Int64)
	}
	return &CounterMetrics{counters: counters}
}

// Record increments the counter for kind.
func (recorder *CounterMetrics) Record(kind EventKind) {
	if counter, ok := recorder.counters[kind]; ok {
		counter.Add(1)
	}
}

// Count returns the current value for kind.
func (recorder *CounterMetrics) Count(kind EventKind) int64 {
	if counter, ok := recorder.counters[kind]; ok {
		return counter.Load()
	}
	return 0
}

// Stats derives hit and staleness ratios over all lookups so far. A lookup is
// either a hit or a miss; stale refetches are misses that found an outdated entry.
func (recorder *CounterMetrics) Stats() Stats {
	stats := Stats{
		Hits:            recorder.Count(EventHit),
		Misses:          recorder.Count(EventMiss),
		StaleRefetches:  recorder.Count(EventStaleInvalidated),
		Invalidations:   recorder.Count(EventInvalidated),
		FetchFailures:   recorder.Count(EventFetchFailed),
		BackendFailures: recorder.Count(EventStoreFailed),
	}
	if lookups := stats.Hits + stats.Misses; lookups > 0 {
		stats.HitRatio = float64(stats.Hits) / float64(lookups)
		stats.StaleRatio = float64(stats.StaleRefetches) / float64(lookups)
	}
	return stats
}
