package profilecache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Version is the monotonically increasing profile version marker reported by the
// authority (profileChangedAt, milliseconds since the Unix epoch).
type Version int64

// ProfileRecord is the typed profile payload produced by the source of truth.
type ProfileRecord struct {
	UID                     string   `json:"uid"`
	Email                   string   `json:"email"`
	Avatar                  string   `json:"avatar,omitempty"`
	AvatarDefault           *bool    `json:"avatarDefault,omitempty"`
	DisplayName             string   `json:"displayName,omitempty"`
	Locale                  string   `json:"locale,omitempty"`
	AmrValues               []string `json:"amrValues,omitempty"`
	TwoFactorAuthentication *bool    `json:"twoFactorAuthentication,omitempty"`

	// ProfileChangedAt never leaves the cache boundary.
	ProfileChangedAt Version `json:"-"`
}

// Validate checks the record returned by a Fetcher for the requested subject.
func (record ProfileRecord) Validate(subjectID string) error {
	if strings.TrimSpace(record.UID) == "" {
		return fmt.Errorf("profile_cache.validate: %w", errEmptyUID)
	}
	if record.UID != subjectID {
		return fmt.Errorf("profile_cache.validate: %w: got %q want %q", errSubjectMismatch, record.UID, subjectID)
	}
	if record.ProfileChangedAt < 0 {
		return fmt.Errorf("profile_cache.validate: %w", errNegativeVersion)
	}
	return nil
}

// clone copies the slice and pointer fields so callers cannot mutate a stored entry.
func (record ProfileRecord) clone() ProfileRecord {
	copied := record
	if record.AmrValues != nil {
		copied.AmrValues = append([]string(nil), record.AmrValues...)
	}
	if record.AvatarDefault != nil {
		value := *record.AvatarDefault
		copied.AvatarDefault = &value
	}
	if record.TwoFactorAuthentication != nil {
		value := *record.TwoFactorAuthentication
		copied.TwoFactorAuthentication = &value
	}
	return copied
}

// CacheEntry is a cached profile snapshot. Entries are replaced as a unit.
type CacheEntry struct {
	SubjectID     string
	Payload       ProfileRecord
	StoredAt      time.Time
	SourceVersion Version
	TTL           time.Duration
}

// ExpiresAt reports when the entry stops being served.
func (entry CacheEntry) ExpiresAt() time.Time {
	return entry.StoredAt.Add(entry.TTL)
}

// Expired reports whether the entry is past its TTL at the given instant.
func (entry CacheEntry) Expired(now time.Time) bool {
	if entry.TTL <= 0 {
		return false
	}
	return !now.Before(entry.ExpiresAt())
}

// Fetcher loads a profile from the source of truth. The returned record's
// ProfileChangedAt becomes the entry's SourceVersion.
type Fetcher func(ctx context.Context, subjectID string) (ProfileRecord, error)

// Outcome describes how a FetchResult was produced.
type Outcome string

const (
	OutcomeHit          Outcome = "hit"
	OutcomeMiss         Outcome = "miss"
	OutcomeStaleRefetch Outcome = "stale_refetch"
)

// Report carries diagnostics about a Get call. It is never cached.
type Report struct {
	Outcome Outcome
	// Shared is true when the fetch was coalesced with other callers.
	Shared bool
	// Attempts counts lookup rounds, including retries after invalidation.
	Attempts int
	// StoreErr holds a non-fatal cache backend failure.
	StoreErr error
}

// FetchResult is returned to callers of Service.Get.
type FetchResult struct {
	Payload ProfileRecord
	Cached  bool
	Entry   *CacheEntry
	Report  Report
}

// StoredAt returns the cache timestamp of the served entry, or the zero time.
func (result FetchResult) StoredAt() time.Time {
	if result.Entry == nil {
		return time.Time{}
	}
	return result.Entry.StoredAt
}
