package profilecache

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogObserverLogsCodesAndCounts(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)
	metrics := NewCounterMetrics()
	logObserver := NewLogObserver(zap.New(core), metrics)

	logObserver.Observe(Event{Kind: EventHit, SubjectID: "u1", SourceVersion: 2})
	logObserver.Observe(Event{Kind: EventFetchFailed, SubjectID: "u1", Err: errors.New("boom")})
	logObserver.Observe(Event{Kind: EventFetchFailed, SubjectID: "u2", Err: errors.New("boom")})

	if metrics.Count(EventFetchFailed) != 2 || metrics.Count(EventHit) != 1 {
		t.Fatalf("unexpected counters %+v", metrics.Stats())
	}
	hits := logs.FilterField(zap.String("code", "profile.cache.hit")).Len()
	if hits != 1 {
		t.Fatalf("expected one hit log entry, got %d", hits)
	}
	warnings := logs.FilterLevelExact(zapcore.WarnLevel).Len()
	if warnings != 2 {
		t.Fatalf("expected two warnings for fetch failures, got %d", warnings)
	}
}

func TestCounterMetricsStats(t *testing.T) {
	t.Parallel()
	metrics := NewCounterMetrics()
	if stats := metrics.Stats(); stats.HitRatio != 0 || stats.StaleRatio != 0 {
		t.Fatalf("expected zero ratios before any lookup, got %+v", stats)
	}
	for _, kind := range []EventKind{EventHit, EventHit, EventHit, EventMiss, EventStaleInvalidated, EventInvalidated, EventKind("cache.unknown")} {
		metrics.Record(kind)
	}
	stats := metrics.Stats()
	if stats.Hits != 3 || stats.Misses != 1 || stats.StaleRefetches != 1 || stats.Invalidations != 1 {
		t.Fatalf("unexpected counts %+v", stats)
	}
	if stats.HitRatio != 0.75 || stats.StaleRatio != 0.25 {
		t.Fatalf("unexpected ratios %+v", stats)
	}
	if metrics.Count(EventKind("cache.unknown")) != 0 {
		t.Fatalf("unknown kinds must not be counted")
	}
}
