package profilecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultRedisDialTimeout  = 5 * time.Second
	DefaultRedisReadTimeout  = 3 * time.Second
	DefaultRedisWriteTimeout = 3 * time.Second
)

var errRedisEmptyAddr = errors.New("profile_cache.redis.empty_addr")

// RedisConfig holds connection settings for the networked cache backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore is a Store backed by Redis. Entries are JSON encoded and written
// with a Redis expiry matching the remaining TTL.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

type redisEntry struct {
	SubjectID       string        `json:"subject_id"`
	Payload         ProfileRecord `json:"payload"`
	StoredAtUnixMS  int64         `json:"stored_at_unix_ms"`
	SourceVersion   Version       `json:"source_version"`
	TTLMilliseconds int64         `json:"ttl_ms"`
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, configuration RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(configuration.Addr) == "" {
		return nil, fmt.Errorf("profile_cache.redis.open: %w", errRedisEmptyAddr)
	}
	if configuration.DialTimeout == 0 {
		configuration.DialTimeout = DefaultRedisDialTimeout
	}
	if configuration.ReadTimeout == 0 {
		configuration.ReadTimeout = DefaultRedisReadTimeout
	}
	if configuration.WriteTimeout == 0 {
		configuration.WriteTimeout = DefaultRedisWriteTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:         configuration.Addr,
		Password:     configuration.Password,
		DB:           configuration.DB,
		DialTimeout:  configuration.DialTimeout,
		ReadTimeout:  configuration.ReadTimeout,
		WriteTimeout: configuration.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("profile_cache.redis.ping: %w", err)
	}
	return NewRedisStoreWithClient(client, configuration.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps a pre-configured client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func (store *RedisStore) key(subjectID string) string {
	return store.keyPrefix + "profile:" + subjectID
}

// Get loads and decodes the entry for key.
func (store *RedisStore) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	data, err := store.client.Get(ctx, store.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return CacheEntry{}, false, nil
		}
		return CacheEntry{}, false, fmt.Errorf("profile_cache.redis.get: %w", err)
	}
	var stored redisEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return CacheEntry{}, false, fmt.Errorf("profile_cache.redis.decode: %w", err)
	}
	entry := CacheEntry{
		SubjectID:     stored.SubjectID,
		Payload:       stored.Payload,
		StoredAt:      time.UnixMilli(stored.StoredAtUnixMS),
		SourceVersion: stored.SourceVersion,
		TTL:           time.Duration(stored.TTLMilliseconds) * time.Millisecond,
	}
	entry.Payload.ProfileChangedAt = stored.SourceVersion
	if entry.Expired(store.now()) {
		return CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// Set encodes the entry and writes it with the remaining TTL.
func (store *RedisStore) Set(ctx context.Context, key string, entry CacheEntry) error {
	expiry := time.Duration(0)
	if entry.TTL > 0 {
		expiry = entry.ExpiresAt().Sub(store.now())
		if expiry <= 0 {
			return store.Delete(ctx, key)
		}
	}
	data, err := json.Marshal(redisEntry{
		SubjectID:       entry.SubjectID,
		Payload:         entry.Payload,
		StoredAtUnixMS:  entry.StoredAt.UnixMilli(),
		SourceVersion:   entry.SourceVersion,
		TTLMilliseconds: entry.TTL.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("profile_cache.redis.encode: %w", err)
	}
	if err := store.client.Set(ctx, store.key(key), data, expiry).Err(); err != nil {
		return fmt.Errorf("profile_cache.redis.set: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (store *RedisStore) Delete(ctx context.Context, key string) error {
	if err := store.client.Del(ctx, store.key(key)).Err(); err != nil {
		return fmt.Errorf("profile_cache.redis.delete: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (store *RedisStore) Ping(ctx context.Context) error {
	return store.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (store *RedisStore) Close() error {
	return store.client.Close()
}
