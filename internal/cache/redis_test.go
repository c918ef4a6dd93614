package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "", time.Hour, nil), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s, mr := newRedisTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k1", response("hello"), Metadata{UserID: "user-1"}, time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok := s.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Content != "hello" {
		t.Errorf("content = %q, want %q", got.Content, "hello")
	}

	// Redis owns expiry.
	mr.FastForward(2 * time.Second)
	if _, ok := s.Get(ctx, "k1"); ok {
		t.Fatal("expected miss after TTL expiry")
	}

	stats := s.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Stores != 1 {
		t.Errorf("stats = %+v, want 1 hit / 1 miss / 1 store", stats)
	}
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	s, mr := newRedisTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k1", response("x"), Metadata{}, time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists(DefaultRedisKeyPrefix + "k1") {
		t.Error("entry should be stored under the default prefix")
	}
}

func TestRedisStoreInvalidate(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "k1", response("x"), Metadata{}, time.Hour)
	if !s.Invalidate(ctx, "k1") {
		t.Error("expected true for a present key")
	}
	if s.Invalidate(ctx, "k1") {
		t.Error("expected false for an absent key")
	}
}

func TestRedisStoreInvalidatePattern(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "user-1:openai:aaa", response("1"), Metadata{}, time.Hour)
	_ = s.Set(ctx, "user-1:anthropic:bbb", response("2"), Metadata{}, time.Hour)
	_ = s.Set(ctx, "user-2:openai:ccc", response("3"), Metadata{}, time.Hour)

	removed, err := s.InvalidatePattern(ctx, "^user-1:")
	if err != nil {
		t.Fatalf("invalidate pattern: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, ok := s.Get(ctx, "user-2:openai:ccc"); !ok {
		t.Error("unmatched key should survive")
	}
}

func TestRedisStoreInvalidateUser(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "k1", response("1"), Metadata{UserID: "user-1"}, time.Hour)
	_ = s.Set(ctx, "k2", response("2"), Metadata{UserID: "user-2"}, time.Hour)

	if removed := s.InvalidateUser(ctx, "user-1"); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := s.Get(ctx, "k2"); !ok {
		t.Error("other user's entry should survive")
	}
}
