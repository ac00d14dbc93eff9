package profilecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, *testClock) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := newTestClock()
	store := NewRedisStoreWithClient(client, "tprofile:test:")
	store.now = clock.Now
	return store, server, clock
}

func TestRedisStoreRoundTrip(t *testing.T) {
	t.Parallel()
	store, server, clock := newTestRedisStore(t)
	ctx := context.Background()
	twoFactor := true

	entry := CacheEntry{
		SubjectID: "u1",
		Payload: ProfileRecord{
			UID:                     "u1",
			Email:                   "user@example.com",
			AmrValues:               []string{"pwd", "otp"},
			TwoFactorAuthentication: &twoFactor,
			ProfileChangedAt:        9,
		},
		StoredAt:      clock.Now(),
		SourceVersion: 9,
		TTL:           time.Minute,
	}
	if err := store.Set(ctx, "u1", entry); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !server.Exists("tprofile:test:profile:u1") {
		t.Fatalf("expected prefixed key in redis, keys=%v", server.Keys())
	}
	if ttl := server.TTL("tprofile:test:profile:u1"); ttl != time.Minute {
		t.Fatalf("expected redis ttl of one minute, got %v", ttl)
	}

	loaded, found, err := store.Get(ctx, "u1")
	if err != nil || !found {
		t.Fatalf("expected entry, found=%v err=%v", found, err)
	}
	if loaded.Payload.Email != "user@example.com" || len(loaded.Payload.AmrValues) != 2 {
		t.Fatalf("unexpected payload %#v", loaded.Payload)
	}
	if loaded.SourceVersion != 9 || loaded.Payload.ProfileChangedAt != 9 {
		t.Fatalf("expected source version restored, got %d/%d", loaded.SourceVersion, loaded.Payload.ProfileChangedAt)
	}
	if !loaded.StoredAt.Equal(entry.StoredAt) {
		t.Fatalf("expected stored at %v, got %v", entry.StoredAt, loaded.StoredAt)
	}

	if err := store.Delete(ctx, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := store.Get(ctx, "u1"); found {
		t.Fatalf("expected entry to be deleted")
	}
}

func TestRedisStoreTreatsExpiredAsAbsent(t *testing.T) {
	t.Parallel()
	store, server, clock := newTestRedisStore(t)
	ctx := context.Background()
	_ = store.Set(ctx, "u1", CacheEntry{SubjectID: "u1", Payload: ProfileRecord{UID: "u1"}, StoredAt: clock.Now(), TTL: time.Minute})

	clock.Advance(time.Minute)
	if _, found, err := store.Get(ctx, "u1"); found || err != nil {
		t.Fatalf("expected expired entry to be absent, found=%v err=%v", found, err)
	}

	server.FastForward(time.Minute)
	if server.Exists("tprofile:test:profile:u1") {
		t.Fatalf("expected redis to expire the key")
	}
}

func TestRedisStoreSkipsAlreadyExpiredEntries(t *testing.T) {
	t.Parallel()
	store, server, clock := newTestRedisStore(t)
	stale := CacheEntry{SubjectID: "u1", StoredAt: clock.Now().Add(-2 * time.Minute), TTL: time.Minute}
	if err := store.Set(context.Background(), "u1", stale); err != nil {
		t.Fatalf("set: %v", err)
	}
	if server.Exists("tprofile:test:profile:u1") {
		t.Fatalf("expected expired entry not to be written")
	}
}

func TestRedisStoreReportsBackendErrors(t *testing.T) {
	t.Parallel()
	store, server, _ := newTestRedisStore(t)
	server.Close()
	_, _, err := store.Get(context.Background(), "u1")
	if err == nil {
		t.Fatalf("expected error from closed redis")
	}
	if errors.Is(err, redis.Nil) {
		t.Fatalf("backend failure must not look like a miss")
	}
	if pingErr := store.Ping(context.Background()); pingErr == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestNewRedisStoreRequiresAddr(t *testing.T) {
	t.Parallel()
	if _, err := NewRedisStore(context.Background(), RedisConfig{}); !errors.Is(err, errRedisEmptyAddr) {
		t.Fatalf("expected errRedisEmptyAddr, got %v", err)
	}
}

func TestServiceWithRedisBackend(t *testing.T) {
	t.Parallel()
	store, _, clock := newTestRedisStore(t)
	fetcher := &countingFetcher{record: ProfileRecord{Email: "user@example.com", ProfileChangedAt: 4}}
	service, err := NewService(Config{Store: store, Fetch: fetcher.Fetch, TTL: time.Minute, Clock: clock.Now})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	if _, err := service.Get(ctx, "u1", 4); err != nil {
		t.Fatalf("prime: %v", err)
	}
	result, err := service.Get(ctx, "u1", 4)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !result.Cached || result.Payload.Email != "user@example.com" {
		t.Fatalf("expected cached redis entry, got %#v", result)
	}
	if err := service.Invalidate(ctx, "u1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if result, _ := service.Get(ctx, "u1", 4); result.Cached {
		t.Fatalf("expected refetch after invalidation")
	}
	if fetcher.calls.Load() != 2 {
		t.Fatalf("expected two fetches, got %d", fetcher.calls.Load())
	}
}
