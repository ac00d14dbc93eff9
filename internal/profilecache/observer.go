package profilecache

import (
	"time"

	"go.uber.org/zap"
)

// EventKind names a cache event.
type EventKind string

const (
	EventHit              EventKind = "cache.hit"
	EventMiss             EventKind = "cache.miss"
	EventStaleInvalidated EventKind = "cache.stale_invalidated"
	EventInvalidated      EventKind = "cache.invalidated"
	EventFetchFailed      EventKind = "cache.fetch_failed"
	EventStoreFailed      EventKind = "cache.store_failed"
)

// Event describes something the service did for one subject.
type Event struct {
	Kind          EventKind
	SubjectID     string
	FreshnessHint Version
	SourceVersion Version
	StoredAt      time.Time
	TTL           time.Duration
	Shared        bool
	Err           error
}

// Observer receives cache events.
type Observer interface {
	Observe(event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(event Event)

// Observe calls the wrapped function.
func (observerFunc ObserverFunc) Observe(event Event) {
	observerFunc(event)
}

// LogObserver writes events to zap and counts them.
type LogObserver struct {
	logger  *zap.Logger
	metrics MetricsRecorder
}

// NewLogObserver builds a LogObserver; nil arguments disable that sink.
func NewLogObserver(logger *zap.Logger, metrics MetricsRecorder) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger, metrics: metrics}
}

// Observe logs the event at a level matching its severity.
func (observer *LogObserver) Observe(event Event) {
	if observer.metrics != nil {
		observer.metrics.Record(event.Kind)
	}
	fields := []zap.Field{
		zap.String("code", "profile."+string(event.Kind)),
		zap.String("subject", event.SubjectID),
		zap.Int64("freshness_hint", int64(event.FreshnessHint)),
	}
	switch event.Kind {
	case EventHit:
		observer.logger.Info("profile cache hit", append(fields,
			zap.Time("stored_at", event.StoredAt),
			zap.Int64("source_version", int64(event.SourceVersion)),
			zap.Duration("ttl", event.TTL))...)
	case EventMiss:
		observer.logger.Info("profile cache miss", append(fields,
			zap.Int64("source_version", int64(event.SourceVersion)),
			zap.Bool("shared", event.Shared))...)
	case EventStaleInvalidated:
		observer.logger.Info("stale profile invalidated", append(fields,
			zap.Int64("source_version", int64(event.SourceVersion)))...)
	case EventInvalidated:
		observer.logger.Info("profile invalidated", fields...)
	case EventFetchFailed:
		observer.logger.Warn("profile fetch failed", append(fields, zap.Error(event.Err))...)
	case EventStoreFailed:
		observer.logger.Error("profile cache backend failed", append(fields, zap.Error(event.Err))...)
	default:
		observer.logger.Debug("profile cache event", fields...)
	}
}
