package authority

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthorized indicates a missing, malformed or rejected token. Retrying
	// with the same token will not help.
	ErrUnauthorized = errors.New("authority.unauthorized")
	// ErrUnavailable indicates a transport failure, timeout or 5xx from the
	// authority. A retry may help.
	ErrUnavailable = errors.New("authority.unavailable")
)

// RejectionError carries the authority's reason for rejecting a token.
type RejectionError struct {
	Status  int
	Message string
}

func (rejection *RejectionError) Error() string {
	return fmt.Sprintf("authority.unauthorized: %s", rejection.Message)
}

// Unwrap makes errors.Is(err, ErrUnauthorized) hold for rejections.
func (rejection *RejectionError) Unwrap() error {
	return ErrUnauthorized
}

// ScopeSet is an immutable set of granted scopes.
type ScopeSet map[string]struct{}

// NewScopeSet builds a set from a scope list, ignoring blanks.
func NewScopeSet(scopes []string) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, scope := range scopes {
		trimmed := strings.TrimSpace(scope)
		if trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}

// Has reports whether scope was granted.
func (set ScopeSet) Has(scope string) bool {
	_, ok := set[scope]
	return ok
}

// HasAny reports whether any of the scopes was granted.
func (set ScopeSet) HasAny(scopes ...string) bool {
	for _, scope := range scopes {
		if set.Has(scope) {
			return true
		}
	}
	return false
}

// Credentials are the verified result of one bearer token, valid for one request.
type Credentials struct {
	Subject string
	Scopes  ScopeSet
	// FreshnessHint is the authority's profileChangedAt for the subject.
	FreshnessHint int64
	RawToken      string
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, error) {
	if !strings.HasPrefix(header, "Bearer") {
		return "", fmt.Errorf("authority.parse_bearer: %w: bearer token not provided", ErrUnauthorized)
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("authority.parse_bearer: %w: malformed authorization header", ErrUnauthorized)
	}
	return parts[1], nil
}
