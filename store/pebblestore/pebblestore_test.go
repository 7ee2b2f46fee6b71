package pebblestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/r5n-overlay/dht/identifier"
	"github.com/r5n-overlay/dht/store"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "pebble")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTest(t)
	key := identifier.Random()
	block := store.CachedBlock{
		Key:        key,
		BlockType:  3,
		Payload:    []byte("durable payload"),
		Expiration: time.Now().Add(time.Hour),
		PutPath:    []identifier.ID{identifier.Random(), identifier.Random()},
	}
	if err := s.Put(block); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(key, 3, time.Now())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Get: want 1 match, got %d", len(got))
	}
	if string(got[0].Payload) != "durable payload" {
		t.Fatalf("Payload mismatch: got %q", got[0].Payload)
	}
	if len(got[0].PutPath) != 2 {
		t.Fatalf("PutPath length: want 2, got %d", len(got[0].PutPath))
	}
}

func TestGetExpiredDeletes(t *testing.T) {
	s := openTest(t)
	key := identifier.Random()
	s.Put(store.CachedBlock{Key: key, BlockType: 1, Payload: []byte("x"), Expiration: time.Now().Add(-time.Minute)})

	got, err := s.Get(key, 1, time.Now())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Get on expired: want 0 matches")
	}
}

func TestGetMissing(t *testing.T) {
	s := openTest(t)
	got, err := s.Get(identifier.Random(), 1, time.Now())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("Get on missing key: want nil, got %v", got)
	}
}

func TestGetRandomAfterPuts(t *testing.T) {
	s := openTest(t)
	for i := 0; i < 5; i++ {
		s.Put(store.CachedBlock{
			Key:        identifier.Random(),
			BlockType:  1,
			Payload:    []byte{byte(i)},
			Expiration: time.Now().Add(time.Hour),
		})
	}
	_, ok := s.GetRandom()
	if !ok {
		t.Fatalf("GetRandom: want ok=true after puts")
	}
}

func TestGetRandomEmpty(t *testing.T) {
	s := openTest(t)
	if _, ok := s.GetRandom(); ok {
		t.Fatalf("GetRandom on empty store: want ok=false")
	}
}
