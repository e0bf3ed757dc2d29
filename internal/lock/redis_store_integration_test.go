package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mailsync/internal/model"
)

func openTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("MAILSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MAILSYNC_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisStoreReleaseMatchesExactHolder(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStore(openTestRedis(t))
	now := time.Now()

	tests := []struct {
		holder, releaser string
		released         bool
	}{
		{"pod|a", "pod", false},
		{"pod", "pod|a", false},
		{"pod|a", "pod|a", true},
		{"pod", "po", false},
		{"pod", "pod", true},
	}
	for _, tt := range tests {
		key := "test-" + uuid.NewString()
		ok, err := store.Insert(ctx, model.Lease{Key: key, HolderID: tt.holder, AcquiredAt: now, ExpiresAt: now.Add(time.Minute)})
		if err != nil || !ok {
			t.Fatalf("Insert(%q) = %v, %v", tt.holder, ok, err)
		}
		released, err := store.DeleteIfOwned(ctx, key, tt.releaser)
		if err != nil {
			t.Fatalf("DeleteIfOwned: %v", err)
		}
		if released != tt.released {
			t.Fatalf("holder %q released by %q = %v, want %v", tt.holder, tt.releaser, released, tt.released)
		}
		lease, _ := store.Get(ctx, key)
		if (lease == nil) != tt.released {
			t.Fatalf("holder %q: lease after release = %+v", tt.holder, lease)
		}
		_, _ = store.DeleteIfOwned(ctx, key, tt.holder)
	}
}

func TestRedisStoreDeleteExpired(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStore(openTestRedis(t))
	now := time.Now()
	key := "test-" + uuid.NewString()

	if ok, err := store.Insert(ctx, model.Lease{Key: key, HolderID: "n1", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}); err != nil || !ok {
		t.Fatalf("Insert = %v, %v", ok, err)
	}
	if ok, _ := store.DeleteExpired(ctx, key, now); ok {
		t.Fatalf("live lease deleted")
	}
	if ok, _ := store.DeleteExpired(ctx, key, now.Add(2*time.Minute)); !ok {
		t.Fatalf("expired lease kept")
	}
}
