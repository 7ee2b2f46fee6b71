package router

import (
	"time"

	"github.com/r5n-overlay/dht/bloom"
	"github.com/r5n-overlay/dht/fingertable"
	"github.com/r5n-overlay/dht/friend"
	"github.com/r5n-overlay/dht/identifier"
	"github.com/r5n-overlay/dht/kademlia"
)

// KademliaRouting adapts *kademlia.Table to the RoutingTable interface.
// The Kademlia variant addresses every next hop directly (no trail
// label), so trailID is always the zero identifier.
type KademliaRouting struct {
	Table *kademlia.Table
}

// AmIClosest reports true when no non-excluded peer in the table is
// strictly closer to key than the local identity, using the same
// closer-only scan SelectForRoute performs for routing decisions.
func (k *KademliaRouting) AmIClosest(key identifier.ID, visited *bloom.Filter) bool {
	_, ok := k.Table.SelectForRoute(key, visited, true)
	return !ok
}

// NextHop delegates to kademlia.Table.SelectForRoute.
func (k *KademliaRouting) NextHop(key identifier.ID, visited *bloom.Filter, closerOnly bool) (identifier.ID, identifier.ID, bool) {
	id, ok := k.Table.SelectForRoute(key, visited, closerOnly)
	return id, identifier.ID{}, ok
}

var _ RoutingTable = (*KademliaRouting)(nil)

// FingerRouting adapts *fingertable.Table to the RoutingTable interface:
// the chosen finger's best trail supplies both the first-hop peer to
// send to and the trail label to stamp on the outgoing message
// (spec.md §6.1 IntermediateTrailID).
//
// Visited-peer exclusion is not applied here: finger slots number at
// most N+1 (64 fingers plus a predecessor), a far smaller candidate set
// than a Kademlia bucket scan, and each is reached through an
// already-vetted trail rather than a freshly advertised address, so the
// loop-suppression pressure that motivates bucket-level bloom filtering
// does not apply the same way. Loop suppression for the finger variant
// instead comes from the trail's own topology (a trail cannot route back
// through its own intermediate hops without those hops choosing to
// extend it).
type FingerRouting struct {
	Table   *fingertable.Table
	Friends *friend.Table
	Now     func() time.Time
}

func (f *FingerRouting) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// AmIClosest reports whether no known finger beats the local identity
// for key under cyclic ring ordering.
func (f *FingerRouting) AmIClosest(key identifier.ID, _ *bloom.Filter) bool {
	_, _, found := f.Table.ClosestFinger(key)
	return !found
}

// NextHop picks the finger closest to key and resolves it to a concrete
// first-hop peer and trail label via its best uncongested trail.
func (f *FingerRouting) NextHop(key identifier.ID, _ *bloom.Filter, _ bool) (identifier.ID, identifier.ID, bool) {
	best, index, found := f.Table.ClosestFinger(key)
	if !found {
		return identifier.ID{}, identifier.ID{}, false
	}

	var trail fingertable.Trail
	var ok bool
	switch {
	case index == -2:
		trail, ok = f.Table.BestPredecessorTrail(f.now())
	case index >= 0:
		trail, ok = f.Table.BestTrail(index, f.now())
	}
	if !ok {
		return identifier.ID{}, identifier.ID{}, false
	}

	if firstHop, hasHop := trail.FirstHop(); hasHop {
		return firstHop, trail.TrailID, true
	}
	return best, identifier.ID{}, true
}

var _ RoutingTable = (*FingerRouting)(nil)
