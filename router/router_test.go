package router

import (
	"testing"
	"time"

	"github.com/r5n-overlay/dht/bloom"
	"github.com/r5n-overlay/dht/identifier"
	"github.com/r5n-overlay/dht/stats"
	"github.com/r5n-overlay/dht/store"
	"github.com/r5n-overlay/dht/wire"
)

// fakeTable is a scripted RoutingTable used to drive the router without a
// real kademlia/fingertable instance.
type fakeTable struct {
	closest bool
	next    identifier.ID
	trailID identifier.ID
	ok      bool
}

func (f *fakeTable) AmIClosest(identifier.ID, *bloom.Filter) bool { return f.closest }
func (f *fakeTable) NextHop(identifier.ID, *bloom.Filter, bool) (identifier.ID, identifier.ID, bool) {
	return f.next, f.trailID, f.ok
}

func newTestRouter(rt RoutingTable) (*Router, *store.Cache) {
	self := identifier.Random()
	cache := store.NewCache(store.DefaultCacheConfig())
	cfg := DefaultConfig()
	r := New(self, rt, nil, cache, stats.NewMemory(), cfg)
	return r, cache
}

func TestClientPutStoresLocallyWhenClosest(t *testing.T) {
	r, cache := newTestRouter(&fakeTable{closest: true})

	key := identifier.Random()
	r.ClientPut(key, 1, []byte("hello"), time.Now().Add(time.Hour), 3)

	blocks, _ := cache.Get(key, 1, time.Now())
	if len(blocks) != 1 || string(blocks[0].Payload) != "hello" {
		t.Fatalf("expected the block to be stored locally, got %+v", blocks)
	}
}

func TestClientPutForwardsWhenNotClosest(t *testing.T) {
	next := identifier.Random()
	r, _ := newTestRouter(&fakeTable{closest: false, next: next, ok: true})

	var sentTo identifier.ID
	var sentMsg *wire.Put
	r.SendPut = func(to identifier.ID, trailID identifier.ID, msg *wire.Put) {
		sentTo, sentMsg = to, msg
	}

	key := identifier.Random()
	r.ClientPut(key, 1, []byte("hello"), time.Now().Add(time.Hour), 3)

	if sentMsg == nil {
		t.Fatalf("expected a PUT to be sent")
	}
	if sentTo != next {
		t.Fatalf("PUT should go to %x, got %x", next, sentTo)
	}
	if sentMsg.HopCount != 0 {
		t.Fatalf("first hop's hop_count should be 0, got %d", sentMsg.HopCount)
	}
}

func TestHandlePutSplicesLoopBeforeAppendingSelf(t *testing.T) {
	r, _ := newTestRouter(&fakeTable{closest: false, ok: false})

	a, b := identifier.Random(), identifier.Random()
	msg := &wire.Put{
		Key:     identifier.Random(),
		PutPath: []identifier.ID{a, r.self, b},
	}

	if err := r.HandlePut(a, msg); err != nil {
		t.Fatalf("HandlePut: %v", err)
	}
}

func TestHandlePutRespectsMaxHops(t *testing.T) {
	r, _ := newTestRouter(&fakeTable{closest: false, ok: true})
	r.cfg.MaxHops = 5

	msg := &wire.Put{Key: identifier.Random(), HopCount: 5}
	if err := r.HandlePut(identifier.Random(), msg); err != ErrTTLExceeded {
		t.Fatalf("HandlePut at MaxHops: want ErrTTLExceeded, got %v", err)
	}
}

func TestHandlePutRejectsUnauthenticatedPayload(t *testing.T) {
	r, cache := newTestRouter(&fakeTable{closest: true})

	msg := &wire.Put{
		Key:       identifier.Random(), // does not match Keccak256(payload)
		BlockType: store.BlockTypeKeccak256,
		Payload:   []byte("tampered"),
	}
	if err := r.HandlePut(identifier.Random(), msg); err != store.ErrUnauthenticated {
		t.Fatalf("HandlePut with bad integrity check: want ErrUnauthenticated, got %v", err)
	}
	if blocks, _ := cache.Get(msg.Key, msg.BlockType, time.Now()); len(blocks) != 0 {
		t.Fatalf("rejected block must not be cached, got %+v", blocks)
	}
}

func TestClientGetAnswersFromCacheWhenClosest(t *testing.T) {
	r, cache := newTestRouter(&fakeTable{closest: true})

	key := identifier.Random()
	_ = cache.Put(store.CachedBlock{Key: key, BlockType: 1, Payload: []byte("cached"), Expiration: time.Now().Add(time.Hour)})

	var got ClientResult
	var called bool
	r.ClientGet(key, 1, 3, func(res ClientResult) { got, called = res, true })

	if !called {
		t.Fatalf("expected the callback to fire synchronously from the local cache")
	}
	if string(got.Payload) != "cached" {
		t.Fatalf("payload: want %q, got %q", "cached", got.Payload)
	}
}

func TestClientGetForwardsAndDeliversResult(t *testing.T) {
	next := identifier.Random()
	r, _ := newTestRouter(&fakeTable{closest: false, next: next, ok: true})

	var sentTo identifier.ID
	var sentMsg *wire.Get
	r.SendGet = func(to identifier.ID, trailID identifier.ID, msg *wire.Get) {
		sentTo, sentMsg = to, msg
	}

	key := identifier.Random()
	var got ClientResult
	var called bool
	r.ClientGet(key, 1, 3, func(res ClientResult) { got, called = res, true })

	if called {
		t.Fatalf("callback should not fire until a RESULT arrives")
	}
	if sentMsg == nil || sentTo != next {
		t.Fatalf("expected GET forwarded to %x", next)
	}

	result := &wire.Result{
		Key:     key,
		Payload: []byte("answer"),
		GetPath: []identifier.ID{r.self},
	}
	r.HandleResult(next, result)

	if !called {
		t.Fatalf("expected the callback to fire on RESULT delivery")
	}
	if string(got.Payload) != "answer" {
		t.Fatalf("payload: want %q, got %q", "answer", got.Payload)
	}
}

func TestHandleResultForwardsAlongGetPath(t *testing.T) {
	r, _ := newTestRouter(&fakeTable{closest: false, ok: false})

	upstream := identifier.Random()
	downstream := identifier.Random()

	var forwardedTo identifier.ID
	var forwarded *wire.Result
	r.SendResult = func(to identifier.ID, msg *wire.Result) { forwardedTo, forwarded = to, msg }

	msg := &wire.Result{
		Key:     identifier.Random(),
		Payload: []byte("x"),
		GetPath: []identifier.ID{upstream, r.self, downstream},
	}
	r.HandleResult(downstream, msg)

	if forwarded == nil || forwardedTo != upstream {
		t.Fatalf("result should be forwarded toward get_path[idx-1] = %x, got %x", upstream, forwardedTo)
	}
}

func TestForwardCountStrictKademlia(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictKademlia = true

	if got := ForwardCount(0, 3, cfg, 0); got != 3 {
		t.Fatalf("hop 0 strict-Kademlia forward count: want 3, got %d", got)
	}
	if got := ForwardCount(1, 3, cfg, 0); got != 1 {
		t.Fatalf("hop 1 strict-Kademlia forward count: want 1, got %d", got)
	}
	if got := ForwardCount(2, 3, cfg, 0); got != 0 {
		t.Fatalf("hop 2 strict-Kademlia forward count: want 0, got %d", got)
	}
}

func TestForwardCountArrivedByNowCutoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Diameter = 2
	cfg.KnownPeerCountBucketSize = 4

	got := ForwardCount(10, 3, cfg, 100)
	if got != 0 {
		t.Fatalf("forward count past the diameter cutoff with many known peers: want 0, got %d", got)
	}
}

func TestSpliceLoopIsIdempotentWhenSelfAbsent(t *testing.T) {
	self := identifier.Random()
	path := []identifier.ID{identifier.Random(), identifier.Random()}

	got := SpliceLoop(self, path)
	if len(got) != len(path) {
		t.Fatalf("SpliceLoop with self absent: want unchanged path, got %v", got)
	}
}

func TestSpliceLoopTruncatesAtFirstOccurrence(t *testing.T) {
	self := identifier.Random()
	a := identifier.Random()
	path := []identifier.ID{a, self, identifier.Random()}

	got := SpliceLoop(self, path)
	if len(got) != 1 || got[0] != a {
		t.Fatalf("SpliceLoop: want [a], got %v", got)
	}
}

func TestRecentCacheMergesDuplicateBloomAndEvictsOldest(t *testing.T) {
	c := NewRecentCache(2)
	k1 := recentKey{key: identifier.Random(), originator: identifier.Random()}
	k2 := recentKey{key: identifier.Random(), originator: identifier.Random()}
	k3 := recentKey{key: identifier.Random(), originator: identifier.Random()}

	v1 := bloom.New()
	v1.Add([]byte("a"))
	c.Observe(k1, time.Now(), time.Minute, v1)
	c.Observe(k2, time.Now(), time.Minute, bloom.New())

	v1dup := bloom.New()
	v1dup.Add([]byte("b"))
	merged, dup := c.Observe(k1, time.Now(), time.Minute, v1dup)
	if !dup {
		t.Fatalf("second observation of k1: want duplicate=true")
	}
	if !merged.Test([]byte("a")) || !merged.Test([]byte("b")) {
		t.Fatalf("merged bloom should contain both prior elements")
	}

	c.Observe(k3, time.Now(), time.Minute, bloom.New())
	if c.Len() != 2 {
		t.Fatalf("cache should have evicted down to max=2, got %d", c.Len())
	}
}
