package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T, rdb *redis.Client) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		ImageCacheSizeMB: 1,
		ImageTTL:         time.Minute,
		RegionCacheSize:  2,
		QueryCacheSize:   8,
		QueryTTL:         time.Minute,
		Redis:            rdb,
		RedisTTL:         time.Minute,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestImageCache(t *testing.T) {
	m := newTestManager(t, nil)

	key := ImageKey(SkymapKey(1, time.Unix(0, 42)), 256, 128, "viridis", false)
	if _, ok := m.GetImage(key); ok {
		t.Fatal("expected miss on empty cache")
	}
	if err := m.SetImage(key, []byte("png")); err != nil {
		t.Fatalf("SetImage: %v", err)
	}
	got, ok := m.GetImage(key)
	if !ok || string(got) != "png" {
		t.Fatalf("expected hit, got %q %v", got, ok)
	}
}

func TestRegionCacheEvicts(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		if err := m.SetRegion(ctx, key, []byte{byte(i)}); err != nil {
			t.Fatalf("SetRegion: %v", err)
		}
	}
	if _, ok := m.GetRegion(ctx, "a"); ok {
		t.Fatal("oldest region should have been evicted")
	}
	if got, ok := m.GetRegion(ctx, "c"); !ok || got[0] != 2 {
		t.Fatalf("expected newest region, got %v %v", got, ok)
	}
}

func TestQueryPurge(t *testing.T) {
	m := newTestManager(t, nil)

	key := QueryKey("top_fields", 3, "ZTF", 10)
	if !m.SetQueryIf(m.QueryGeneration(), key, []byte(`[]`)) {
		t.Fatal("expected store at the current generation")
	}
	if _, ok := m.GetQuery(key); !ok {
		t.Fatal("expected query hit")
	}
	m.PurgeQueries()
	if _, ok := m.GetQuery(key); ok {
		t.Fatal("expected miss after purge")
	}
}

func TestQueryStoreAfterPurgeIsDropped(t *testing.T) {
	m := newTestManager(t, nil)

	key := QueryKey("field_galaxy_counts", 0, "ZTF", 10)
	gen := m.QueryGeneration()
	m.PurgeQueries() // a write lands while the query runs
	if m.SetQueryIf(gen, key, []byte(`[{"id":1,"score":2}]`)) {
		t.Fatal("result computed before the purge was stored")
	}
	if _, ok := m.GetQuery(key); ok {
		t.Fatal("expected miss for a result older than the purge")
	}

	if err := m.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if m.QueryGeneration() != gen+2 {
		t.Fatalf("expected generation %d, got %d", gen+2, m.QueryGeneration())
	}
}

func TestKeysDistinguishCreation(t *testing.T) {
	a := SkymapKey(7, time.Unix(100, 0))
	b := SkymapKey(7, time.Unix(200, 0))
	if a == b {
		t.Fatalf("keys for recreated id collide: %q", a)
	}
	if QueryKey("top_fields", 1, "ZTF", 5) == QueryKey("top_fields", 1, "ZTF", 6) {
		t.Fatal("query keys ignore n")
	}
}

func TestRedisSecondLevel(t *testing.T) {
	addr := os.Getenv("SKYRANGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SKYRANGE_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	key := SkymapKey(99, time.Now())
	t.Cleanup(func() { rdb.Del(ctx, redisPrefix+key) })

	writer := newTestManager(t, rdb)
	if err := writer.SetRegion(ctx, key, []byte("snapshot")); err != nil {
		t.Fatalf("SetRegion: %v", err)
	}

	reader := newTestManager(t, rdb)
	got, ok := reader.GetRegion(ctx, key)
	if !ok || string(got) != "snapshot" {
		t.Fatalf("expected redis hit, got %q %v", got, ok)
	}
}
