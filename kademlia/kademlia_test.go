package kademlia

import (
	"testing"
	"time"

	"github.com/r5n-overlay/dht/bloom"
	"github.com/r5n-overlay/dht/identifier"
)

func TestAddCandidateIgnoresSelf(t *testing.T) {
	self := identifier.Random()
	tbl := New(self, DefaultConfig())
	if tbl.AddCandidate(self, time.Now()) {
		t.Fatalf("AddCandidate(self): want false")
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len after self candidate: want 0, got %d", tbl.Len())
	}
}

func TestAddCandidateInsertsWhenRoom(t *testing.T) {
	self := identifier.Random()
	tbl := New(self, DefaultConfig())
	candidate := identifier.Random()

	if !tbl.AddCandidate(candidate, time.Now()) {
		t.Fatalf("AddCandidate: want true")
	}
	if !tbl.Contains(candidate) {
		t.Fatalf("Contains after AddCandidate: want true")
	}
}

func TestAddCandidateDuplicateUpdatesLastSeen(t *testing.T) {
	self := identifier.Random()
	tbl := New(self, DefaultConfig())
	candidate := identifier.Random()

	tbl.AddCandidate(candidate, time.Now().Add(-time.Hour))
	tbl.AddCandidate(candidate, time.Now())

	if tbl.Len() != 1 {
		t.Fatalf("duplicate candidate should not grow table: Len=%d", tbl.Len())
	}
}

func TestAddCandidateTriggersPingWhenBucketFull(t *testing.T) {
	self := identifier.ID{}
	cfg := Config{K: 1, MaxHops: 10}
	tbl := New(self, cfg)

	// Construct two candidates in the same bucket: both differ from an
	// all-zero self at the same first bit position (leading zero count 6
	// in their final byte, 0x02=00000010 and 0x03=00000011), so both land
	// in the same leading-match-bit bucket despite being distinct IDs.
	var first, second identifier.ID
	first[identifier.Size-1] = 0x02
	second[identifier.Size-1] = 0x03

	tbl.AddCandidate(first, time.Now())

	var pinged identifier.ID
	var pingCalled bool
	tbl.Ping = func(id identifier.ID) {
		pinged = id
		pingCalled = true
	}
	result := tbl.AddCandidate(second, time.Now())

	if result {
		t.Fatalf("AddCandidate into full bucket: want false pending ping resolution")
	}
	if !pingCalled || pinged != first {
		t.Fatalf("Ping: want called with %x, got called=%v id=%x", first, pingCalled, pinged)
	}
}

func TestResolvePingReplacesUnresponsive(t *testing.T) {
	self := identifier.ID{}
	cfg := Config{K: 1, MaxHops: 10}
	tbl := New(self, cfg)

	var oldest, candidate identifier.ID
	oldest[identifier.Size-1] = 0x01
	candidate[identifier.Size-1] = 0x02

	tbl.AddCandidate(oldest, time.Now())
	tbl.ResolvePing(oldest, candidate, false, time.Now())

	if tbl.Contains(oldest) {
		t.Fatalf("unresponsive oldest should have been replaced")
	}
	if !tbl.Contains(candidate) {
		t.Fatalf("candidate should have replaced oldest")
	}
}

func TestResolvePingKeepsResponsive(t *testing.T) {
	self := identifier.ID{}
	cfg := Config{K: 1, MaxHops: 10}
	tbl := New(self, cfg)

	var oldest, candidate identifier.ID
	oldest[identifier.Size-1] = 0x01
	candidate[identifier.Size-1] = 0x02

	tbl.AddCandidate(oldest, time.Now())
	tbl.ResolvePing(oldest, candidate, true, time.Now())

	if !tbl.Contains(oldest) {
		t.Fatalf("responsive oldest should be kept")
	}
	if tbl.Contains(candidate) {
		t.Fatalf("candidate should be discarded when oldest responded")
	}
}

func TestRemoveDeletesEntry(t *testing.T) {
	self := identifier.Random()
	tbl := New(self, DefaultConfig())
	id := identifier.Random()
	tbl.AddCandidate(id, time.Now())
	tbl.Remove(id)
	if tbl.Contains(id) {
		t.Fatalf("Remove: entry should be gone")
	}
}

func TestFindClosestReturnsNearestByXor(t *testing.T) {
	self := identifier.ID{}
	tbl := New(self, DefaultConfig())

	var key, near, far identifier.ID
	near[identifier.Size-1] = 0x01
	far[identifier.Size-1] = 0xFF
	tbl.AddCandidate(near, time.Now())
	tbl.AddCandidate(far, time.Now())

	got, ok := tbl.FindClosest(key)
	if !ok {
		t.Fatalf("FindClosest: want ok=true")
	}
	if got != near {
		t.Fatalf("FindClosest: want near peer, got %x", got)
	}
}

func TestFindClosestEmptyTable(t *testing.T) {
	tbl := New(identifier.Random(), DefaultConfig())
	if _, ok := tbl.FindClosest(identifier.Random()); ok {
		t.Fatalf("FindClosest on empty table: want ok=false")
	}
}

func TestSelectForRouteExcludesVisited(t *testing.T) {
	self := identifier.ID{}
	tbl := New(self, DefaultConfig())
	id := identifier.Random()
	tbl.AddCandidate(id, time.Now())

	visited := bloom.New()
	visited.Add(id.Bytes())

	_, ok := tbl.SelectForRoute(identifier.Random(), visited, false)
	if ok {
		t.Fatalf("SelectForRoute: want no candidate once sole peer visited")
	}
}

func TestSelectForRouteClosestOnlyReturnsCloser(t *testing.T) {
	self := identifier.ID{}
	self[0] = 0xFF // self is far from zero key
	tbl := New(self, DefaultConfig())

	var key, closer identifier.ID
	// closer shares no bits with self's leading byte, making it strictly
	// closer to the zero key than self.
	closer[0] = 0x00
	tbl.AddCandidate(closer, time.Now())

	got, ok := tbl.SelectForRoute(key, nil, true)
	if !ok {
		t.Fatalf("SelectForRoute closest-only: want a candidate")
	}
	if got != closer {
		t.Fatalf("SelectForRoute closest-only: want %x, got %x", closer, got)
	}
}

func TestClosestOnlyPolicyAtMaxHopsAlwaysTrue(t *testing.T) {
	if !ClosestOnlyPolicy(10, 10) {
		t.Fatalf("ClosestOnlyPolicy at hops==maxHops: want true")
	}
}

func TestClosestOnlyPolicyAtZeroHopsAlwaysFalse(t *testing.T) {
	falseCount := 0
	for i := 0; i < 100; i++ {
		if !ClosestOnlyPolicy(0, 10) {
			falseCount++
		}
	}
	if falseCount != 100 {
		t.Fatalf("ClosestOnlyPolicy at hops=0: want always false, got %d/100 false", falseCount)
	}
}
