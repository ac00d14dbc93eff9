package profilecache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultTTL is used when Config.TTL is not positive.
	DefaultTTL = 5 * time.Minute
	// DefaultFetchTimeout bounds a single source-of-truth fetch.
	DefaultFetchTimeout = 10 * time.Second

	maxLookupRounds   = 4
	invalidationGrace = time.Minute
)

// Config wires a Service. Store is required; Fetch may instead be supplied per call.
type Config struct {
	Store        Store
	Fetch        Fetcher
	TTL          time.Duration
	FetchTimeout time.Duration
	Observer     Observer
	Clock        func() time.Time
}

// Service is a read-through profile cache keyed by subject id. Cached entries
// are served only while their source version is at least the caller's
// freshness hint; older entries are invalidated and refetched.
type Service struct {
	store    Store
	fetch    Fetcher
	ttl      time.Duration
	now      func() time.Time
	observer Observer
	flights  *Coordinator[flightResult]
	subjects *subjectRegistry
}

type flightResult struct {
	entry      CacheEntry
	fromCache  bool
	startEpoch uint64
	storeErr   error
}

// NewService validates the configuration and builds a Service.
func NewService(configuration Config) (*Service, error) {
	if configuration.Store == nil {
		return nil, fmt.Errorf("profile_cache.new: %w", ErrMissingStore)
	}
	ttl := configuration.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	fetchTimeout := configuration.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	clock := configuration.Clock
	if clock == nil {
		clock = time.Now
	}
	observer := configuration.Observer
	if observer == nil {
		observer = NewLogObserver(nil, nil)
	}
	return &Service{
		store:    configuration.Store,
		fetch:    configuration.Fetch,
		ttl:      ttl,
		now:      clock,
		observer: observer,
		flights:  NewCoordinator[flightResult](fetchTimeout),
		subjects: newSubjectRegistry(clock),
	}, nil
}

// TTL returns the lifetime given to new entries.
func (service *Service) TTL() time.Duration {
	return service.ttl
}

// Get serves subjectID using the configured Fetcher.
func (service *Service) Get(ctx context.Context, subjectID string, freshnessHint Version) (FetchResult, error) {
	return service.GetWith(ctx, subjectID, freshnessHint, service.fetch)
}

// GetWith serves subjectID from the cache when the cached source version is at
// least freshnessHint, and otherwise fetches through the Coordinator. Concurrent
// callers for the same subject share one fetch, so the first caller's fetch
// function is used for all of them.
func (service *Service) GetWith(ctx context.Context, subjectID string, freshnessHint Version, fetch Fetcher) (FetchResult, error) {
	if strings.TrimSpace(subjectID) == "" {
		return FetchResult{}, fmt.Errorf("profile_cache.get: %w", ErrEmptySubject)
	}
	if fetch == nil {
		return FetchResult{}, fmt.Errorf("profile_cache.get: %w", ErrMissingFetcher)
	}

	report := Report{Outcome: OutcomeMiss}
	for round := 1; round <= maxLookupRounds; round++ {
		report.Attempts = round
		if err := ctx.Err(); err != nil {
			return FetchResult{Report: report}, fmt.Errorf("profile_cache.get: %w", err)
		}

		invalidatedEpoch := service.subjects.invalidationEpoch(subjectID)
		entry, found, lookupErr := service.store.Get(ctx, subjectID)
		if lookupErr != nil {
			report.StoreErr = lookupErr
			service.observer.Observe(Event{Kind: EventStoreFailed, SubjectID: subjectID, FreshnessHint: freshnessHint, Err: lookupErr})
			found = false
		}
		if found {
			if entry.SourceVersion >= freshnessHint {
				report.Outcome = OutcomeHit
				service.observer.Observe(Event{
					Kind:          EventHit,
					SubjectID:     subjectID,
					FreshnessHint: freshnessHint,
					SourceVersion: entry.SourceVersion,
					StoredAt:      entry.StoredAt,
					TTL:           entry.TTL,
				})
				return FetchResult{Payload: entry.Payload, Cached: true, Entry: &entry, Report: report}, nil
			}
			report.Outcome = OutcomeStaleRefetch
			if service.invalidateIfCurrent(ctx, subjectID, entry) {
				service.observer.Observe(Event{
					Kind:          EventStaleInvalidated,
					SubjectID:     subjectID,
					FreshnessHint: freshnessHint,
					SourceVersion: entry.SourceVersion,
					StoredAt:      entry.StoredAt,
				})
			}
			continue
		}

		result, shared, fetchErr := service.flights.Run(ctx, subjectID, func(fetchContext context.Context) (flightResult, error) {
			return service.load(fetchContext, subjectID, freshnessHint, fetch)
		})
		report.Shared = shared
		if fetchErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(fetchErr, ctxErr) {
				return FetchResult{Report: report}, fmt.Errorf("profile_cache.get: %w", fetchErr)
			}
			return FetchResult{Report: report}, fetchErr
		}
		if result.startEpoch < invalidatedEpoch {
			continue
		}
		if result.fromCache && result.entry.SourceVersion < freshnessHint {
			continue
		}
		if result.storeErr != nil {
			report.StoreErr = result.storeErr
		}
		served := result.entry
		served.Payload = served.Payload.clone()
		if result.fromCache {
			report.Outcome = OutcomeHit
			service.observer.Observe(Event{
				Kind:          EventHit,
				SubjectID:     subjectID,
				FreshnessHint: freshnessHint,
				SourceVersion: served.SourceVersion,
				StoredAt:      served.StoredAt,
				TTL:           served.TTL,
				Shared:        shared,
			})
			return FetchResult{Payload: served.Payload, Cached: true, Entry: &served, Report: report}, nil
		}
		service.observer.Observe(Event{
			Kind:          EventMiss,
			SubjectID:     subjectID,
			FreshnessHint: freshnessHint,
			SourceVersion: served.SourceVersion,
			StoredAt:      served.StoredAt,
			TTL:           served.TTL,
			Shared:        shared,
		})
		return FetchResult{Payload: served.Payload, Cached: false, Entry: &served, Report: report}, nil
	}
	return FetchResult{Report: report}, fmt.Errorf("profile_cache.get: %w: %w", ErrFetchFailed, ErrInvalidationChurn)
}

// Invalidate removes the cached entry for subjectID. A Get issued after
// Invalidate returns never observes the removed entry, including results of a
// fetch that was already running when Invalidate was called.
func (service *Service) Invalidate(ctx context.Context, subjectID string) error {
	if strings.TrimSpace(subjectID) == "" {
		return fmt.Errorf("profile_cache.invalidate: %w", ErrEmptySubject)
	}
	state := service.subjects.lock(subjectID)
	deleteErr := service.store.Delete(ctx, subjectID)
	service.subjects.markInvalidated(subjectID, state)
	service.subjects.unlock(subjectID, state)

	service.observer.Observe(Event{Kind: EventInvalidated, SubjectID: subjectID, Err: deleteErr})
	if deleteErr != nil {
		service.observer.Observe(Event{Kind: EventStoreFailed, SubjectID: subjectID, Err: deleteErr})
		return fmt.Errorf("profile_cache.invalidate: %w", deleteErr)
	}
	return nil
}

// Ping reports the health of the cache backend when it supports it.
func (service *Service) Ping(ctx context.Context) error {
	if pinger, ok := service.store.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// load runs inside the Coordinator, once per subject at a time.
func (service *Service) load(ctx context.Context, subjectID string, freshnessHint Version, fetch Fetcher) (flightResult, error) {
	startEpoch := service.subjects.beginFlight(subjectID)
	stored := false
	defer func() {
		if !stored {
			service.subjects.endFlight(subjectID, startEpoch)
		}
	}()

	if entry, found, err := service.store.Get(ctx, subjectID); err == nil && found && entry.SourceVersion >= freshnessHint {
		return flightResult{entry: entry, fromCache: true, startEpoch: startEpoch}, nil
	}

	record, fetchErr := fetch(ctx, subjectID)
	if fetchErr == nil {
		fetchErr = record.Validate(subjectID)
	}
	if fetchErr != nil {
		if !errors.Is(fetchErr, ErrNotFound) {
			fetchErr = fmt.Errorf("%w: %w", ErrFetchFailed, fetchErr)
		}
		service.observer.Observe(Event{Kind: EventFetchFailed, SubjectID: subjectID, FreshnessHint: freshnessHint, Err: fetchErr})
		return flightResult{}, fmt.Errorf("profile_cache.fetch: %w", fetchErr)
	}

	entry := CacheEntry{
		SubjectID:     subjectID,
		Payload:       record.clone(),
		StoredAt:      service.now(),
		SourceVersion: record.ProfileChangedAt,
		TTL:           service.ttl,
	}
	stored = true
	storeErr := service.storeAndEndFlight(ctx, subjectID, entry, startEpoch)
	if storeErr != nil {
		service.observer.Observe(Event{Kind: EventStoreFailed, SubjectID: subjectID, FreshnessHint: freshnessHint, Err: storeErr})
	}
	return flightResult{entry: entry, startEpoch: startEpoch, storeErr: storeErr}, nil
}

// storeAndEndFlight writes the entry unless the subject was invalidated after
// the flight started. Only this subject's lock is held across the write.
func (service *Service) storeAndEndFlight(ctx context.Context, subjectID string, entry CacheEntry, startEpoch uint64) error {
	state := service.subjects.lock(subjectID)
	defer service.subjects.unlock(subjectID, state)
	defer service.subjects.endFlight(subjectID, startEpoch)
	if service.subjects.invalidatedAfter(state, startEpoch) {
		return nil
	}
	return service.store.Set(ctx, subjectID, entry)
}

// invalidateIfCurrent deletes entry only if it is still the stored one, so
// concurrent callers that detected the same stale entry trigger a single refetch.
func (service *Service) invalidateIfCurrent(ctx context.Context, subjectID string, stale CacheEntry) bool {
	state := service.subjects.lock(subjectID)
	defer service.subjects.unlock(subjectID, state)
	current, found, err := service.store.Get(ctx, subjectID)
	if err == nil && (!found || !current.StoredAt.Equal(stale.StoredAt) || current.SourceVersion != stale.SourceVersion) {
		return false
	}
	if deleteErr := service.store.Delete(ctx, subjectID); deleteErr != nil {
		service.observer.Observe(Event{Kind: EventStoreFailed, SubjectID: subjectID, Err: deleteErr})
	}
	service.subjects.markInvalidated(subjectID, state)
	return true
}
