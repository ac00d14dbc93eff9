package profilecache

import "errors"

var (
	// ErrFetchFailed indicates the source-of-truth lookup failed. Never cached.
	ErrFetchFailed = errors.New("profile_cache.fetch_failed")
	// ErrNotFound indicates the source of truth has no profile for the subject.
	ErrNotFound = errors.New("profile_cache.not_found")
	// ErrEmptySubject indicates Get or Invalidate was called without a subject id.
	ErrEmptySubject = errors.New("profile_cache.empty_subject")
	// ErrInvalidationChurn indicates the key kept being invalidated while fetching.
	ErrInvalidationChurn = errors.New("profile_cache.invalidation_churn")
	// ErrMissingStore indicates the service was configured without a Store.
	ErrMissingStore = errors.New("profile_cache.missing_store")
	// ErrMissingFetcher indicates no Fetcher was configured or supplied.
	ErrMissingFetcher = errors.New("profile_cache.missing_fetcher")

	errEmptyUID        = errors.New("profile_cache.empty_uid")
	errSubjectMismatch = errors.New("profile_cache.subject_mismatch")
	errNegativeVersion = errors.New("profile_cache.negative_version")
)
