package profilecache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const (
	defaultMemoryShards = 32
	// DefaultSweepInterval is how often StartSweeper removes expired entries.
	DefaultSweepInterval = time.Minute
)

// MemoryStore is an in-process Store split into independently locked shards.
type MemoryStore struct {
	shards []*memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mutex    sync.RWMutex
	entries  map[string]CacheEntry
	capacity int
}

// MemoryStoreOption customizes a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for expiry checks.
func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(store *MemoryStore) {
		if now != nil {
			store.now = now
		}
	}
}

// NewMemoryStore builds a MemoryStore. maxEntries bounds the total number of
// entries; zero or less means unbounded. The bound is split across shards, so
// a full shard evicts even while others have room.
func NewMemoryStore(maxEntries int, options ...MemoryStoreOption) *MemoryStore {
	shardCount := defaultMemoryShards
	if maxEntries > 0 && maxEntries < shardCount {
		shardCount = maxEntries
	}
	shards := make([]*memoryShard, shardCount)
	for index := range shards {
		capacity := 0
		if maxEntries > 0 {
			capacity = maxEntries / shardCount
			if index < maxEntries%shardCount {
				capacity++
			}
		}
		shards[index] = &memoryShard{
			entries:  make(map[string]CacheEntry),
			capacity: capacity,
		}
	}
	store := &MemoryStore{
		shards: shards,
		now:    time.Now,
	}
	for _, option := range options {
		option(store)
	}
	return store
}

func (store *MemoryStore) shardFor(key string) *memoryShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return store.shards[hasher.Sum32()%uint32(len(store.shards))]
}

// Get returns the live entry for key and lazily evicts it once expired.
func (store *MemoryStore) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	shard := store.shardFor(key)
	shard.mutex.RLock()
	entry, ok := shard.entries[key]
	shard.mutex.RUnlock()
	if !ok {
		return CacheEntry{}, false, nil
	}
	if entry.Expired(store.now()) {
		shard.mutex.Lock()
		if current, stillPresent := shard.entries[key]; stillPresent && current.StoredAt.Equal(entry.StoredAt) {
			delete(shard.entries, key)
		}
		shard.mutex.Unlock()
		return CacheEntry{}, false, nil
	}
	entry.Payload = entry.Payload.clone()
	return entry, true, nil
}

// Set replaces the entry for key, evicting the oldest entry of a full shard.
func (store *MemoryStore) Set(ctx context.Context, key string, entry CacheEntry) error {
	entry.Payload = entry.Payload.clone()
	shard := store.shardFor(key)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()
	if _, exists := shard.entries[key]; !exists && shard.capacity > 0 && len(shard.entries) >= shard.capacity {
		shard.evictOneLocked(store.now())
	}
	shard.entries[key] = entry
	return nil
}

// Delete removes the entry for key.
func (store *MemoryStore) Delete(ctx context.Context, key string) error {
	shard := store.shardFor(key)
	shard.mutex.Lock()
	delete(shard.entries, key)
	shard.mutex.Unlock()
	return nil
}

// Len returns the number of stored entries, including not yet swept expired ones.
func (store *MemoryStore) Len() int {
	total := 0
	for _, shard := range store.shards {
		shard.mutex.RLock()
		total += len(shard.entries)
		shard.mutex.RUnlock()
	}
	return total
}

// Sweep removes expired entries and returns how many were removed.
func (store *MemoryStore) Sweep() int {
	now := store.now()
	removed := 0
	for _, shard := range store.shards {
		shard.mutex.Lock()
		for key, entry := range shard.entries {
			if entry.Expired(now) {
				delete(shard.entries, key)
				removed++
			}
		}
		shard.mutex.Unlock()
	}
	return removed
}

// StartSweeper runs Sweep on the interval until ctx is done.
func (store *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				store.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Ping always succeeds for the in-process backend.
func (store *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// evictOneLocked drops an expired entry if there is one, otherwise the oldest.
func (shard *memoryShard) evictOneLocked(now time.Time) {
	var oldestKey string
	var oldestStoredAt time.Time
	for key, entry := range shard.entries {
		if entry.Expired(now) {
			delete(shard.entries, key)
			return
		}
		if oldestKey == "" || entry.StoredAt.Before(oldestStoredAt) {
			oldestKey = key
			oldestStoredAt = entry.StoredAt
		}
	}
	if oldestKey != "" {
		delete(shard.entries, oldestKey)
	}
}
