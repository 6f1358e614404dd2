package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
	memorystore "github.com/PaulFidika/entitlekit/storage/memory"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("ENTITLEKIT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ENTITLEKIT_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestOverrideCache_ServesCachedValue(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	backing := memorystore.New()
	backing.SetOverride("user-42", "admin_grant")

	cache := NewOverrideCache(backing, rdb, "entitlekit:test:"+uuid.NewString()+":", time.Minute)
	v, err := cache.GetOverride(ctx, "user-42")
	if err != nil || v == nil || *v != "admin_grant" {
		t.Fatalf("first read: %v %v", v, err)
	}

	backing.SetOverride("user-42", "")
	v, err = cache.GetOverride(ctx, "user-42")
	if err != nil || v == nil || *v != "admin_grant" {
		t.Fatalf("expected cached value, got %v %v", v, err)
	}

	if err := cache.WriteEntitlement(ctx, "user-42", entitlements.SyncFields{Tier: entitlements.TierPremium}); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err = cache.GetOverride(ctx, "user-42")
	if err != nil || v != nil {
		t.Fatalf("write should invalidate the cache, got %v %v", v, err)
	}
}

func TestOverrideCache_WriteSurvivesRedisOutage(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	backing := memorystore.New()
	backing.SetOverride("user-42", "admin_grant")
	logger, hook := test.NewNullLogger()
	cache := NewOverrideCache(backing, rdb, "", time.Minute, WithLogger(logger))
	ctx := context.Background()

	if err := cache.WriteEntitlement(ctx, "user-42", entitlements.SyncFields{Tier: entitlements.TierPremium}); err != nil {
		t.Fatalf("write must succeed once the backing store has it: %v", err)
	}
	if w := backing.Writes(); len(w) != 1 || w[0].AccountID != "user-42" {
		t.Fatalf("backing store writes: %+v", w)
	}
	if hook.LastEntry() == nil || hook.LastEntry().Level != logrus.WarnLevel {
		t.Fatal("failed cache drop was not logged")
	}

	v, err := cache.GetOverride(ctx, "user-42")
	if err != nil || v == nil || *v != "admin_grant" {
		t.Fatalf("read should fall through to the backing store: %v %v", v, err)
	}
}
