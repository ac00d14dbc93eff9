package profilecache

import "context"

// Store persists cache entries keyed by subject id. Implementations treat an
// expired entry as absent and must be safe for concurrent use.
type Store interface {
	// Get returns the live entry for key, if any.
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	// Set replaces the entry for key.
	Set(ctx context.Context, key string, entry CacheEntry) error
	// Delete removes the entry for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Pinger is implemented by stores that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}
