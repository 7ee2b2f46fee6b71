package store

import (
	"testing"
	"time"

	"github.com/r5n-overlay/dht/identifier"
)

func TestPutThenGetRoundTrip(t *testing.T) {
	c := NewCache(DefaultCacheConfig())
	key := identifier.Random()
	block := CachedBlock{
		Key:        key,
		BlockType:  1,
		Payload:    []byte("hello"),
		Expiration: time.Now().Add(time.Hour),
	}
	if err := c.Put(block); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.Get(key, 1, time.Now())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Get: want 1 match, got %d", len(got))
	}
	if string(got[0].Payload) != "hello" {
		t.Fatalf("Payload: want %q, got %q", "hello", got[0].Payload)
	}
}

func TestGetExpiredReturnsNoMatch(t *testing.T) {
	c := NewCache(DefaultCacheConfig())
	key := identifier.Random()
	c.Put(CachedBlock{
		Key:        key,
		BlockType:  2,
		Payload:    []byte("stale"),
		Expiration: time.Now().Add(-time.Minute),
	})

	got, err := c.Get(key, 2, time.Now())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Get on expired block: want 0 matches, got %d", len(got))
	}
	if c.Len() != 0 {
		t.Fatalf("Len after expiry eviction: want 0, got %d", c.Len())
	}
}

func TestGetMissReturnsNoMatch(t *testing.T) {
	c := NewCache(DefaultCacheConfig())
	got, err := c.Get(identifier.Random(), 1, time.Now())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("Get miss: want nil, got %v", got)
	}
}

func TestEvictsOldestExpiryFirstWhenFull(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.MaxItems = 2
	c := NewCache(cfg)

	now := time.Now()
	oldest := identifier.Random()
	middle := identifier.Random()
	newest := identifier.Random()

	c.Put(CachedBlock{Key: oldest, BlockType: 1, Payload: []byte("a"), Expiration: now.Add(time.Minute)})
	c.Put(CachedBlock{Key: middle, BlockType: 1, Payload: []byte("b"), Expiration: now.Add(2 * time.Minute)})
	// Inserting a third distinct key forces an eviction since MaxItems=2.
	c.Put(CachedBlock{Key: newest, BlockType: 1, Payload: []byte("c"), Expiration: now.Add(3 * time.Minute)})

	if got, _ := c.Get(oldest, 1, now); len(got) != 0 {
		t.Fatalf("oldest-expiry entry should have been evicted")
	}
	if got, _ := c.Get(middle, 1, now); len(got) != 1 {
		t.Fatalf("middle entry should survive eviction")
	}
	if got, _ := c.Get(newest, 1, now); len(got) != 1 {
		t.Fatalf("newest entry should survive eviction")
	}
}

func TestGetRandomOnEmptyCache(t *testing.T) {
	c := NewCache(DefaultCacheConfig())
	if _, ok := c.GetRandom(); ok {
		t.Fatalf("GetRandom on empty cache: want ok=false")
	}
}

func TestGetRandomReturnsStoredBlock(t *testing.T) {
	c := NewCache(DefaultCacheConfig())
	key := identifier.Random()
	c.Put(CachedBlock{Key: key, BlockType: 1, Payload: []byte("x"), Expiration: time.Now().Add(time.Hour)})

	block, ok := c.GetRandom()
	if !ok {
		t.Fatalf("GetRandom: want ok=true")
	}
	if block.Key != key {
		t.Fatalf("GetRandom: want key %x, got %x", key, block.Key)
	}
}

func TestPutOverwritesSameKeyAndType(t *testing.T) {
	c := NewCache(DefaultCacheConfig())
	key := identifier.Random()
	now := time.Now()
	c.Put(CachedBlock{Key: key, BlockType: 1, Payload: []byte("v1"), Expiration: now.Add(time.Hour)})
	c.Put(CachedBlock{Key: key, BlockType: 1, Payload: []byte("v2"), Expiration: now.Add(time.Hour)})

	if c.Len() != 1 {
		t.Fatalf("Len after overwrite: want 1, got %d", c.Len())
	}
	got, _ := c.Get(key, 1, now)
	if len(got) != 1 || string(got[0].Payload) != "v2" {
		t.Fatalf("Get after overwrite: want v2, got %+v", got)
	}
}

func TestMetricsTrackPutsAndHitsAndMisses(t *testing.T) {
	c := NewCache(DefaultCacheConfig())
	key := identifier.Random()
	now := time.Now()
	c.Put(CachedBlock{Key: key, BlockType: 1, Payload: []byte("x"), Expiration: now.Add(time.Hour)})
	c.Get(key, 1, now)
	c.Get(identifier.Random(), 1, now)

	puts, gets, hits, misses, _, _ := c.Metrics.Snapshot()
	if puts != 1 || gets != 2 || hits != 1 || misses != 1 {
		t.Fatalf("metrics: want puts=1 gets=2 hits=1 misses=1, got puts=%d gets=%d hits=%d misses=%d", puts, gets, hits, misses)
	}
}
