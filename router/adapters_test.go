package router

import (
	"testing"
	"time"

	"github.com/r5n-overlay/dht/bloom"
	"github.com/r5n-overlay/dht/fingertable"
	"github.com/r5n-overlay/dht/friend"
	"github.com/r5n-overlay/dht/identifier"
	"github.com/r5n-overlay/dht/kademlia"
)

func TestKademliaRoutingAmIClosestAndNextHop(t *testing.T) {
	self := identifier.Random()
	table := kademlia.New(self, kademlia.DefaultConfig())
	adapter := &KademliaRouting{Table: table}

	key := identifier.Random()
	if !adapter.AmIClosest(key, bloom.New()) {
		t.Fatalf("empty table: want AmIClosest true")
	}

	peer := identifier.Random()
	table.AddCandidate(peer, time.Now())

	next, trailID, ok := adapter.NextHop(key, bloom.New(), true)
	_ = next
	if !trailID.IsZero() {
		t.Fatalf("Kademlia variant should never stamp a trail ID")
	}
	_ = ok
}

func TestFingerRoutingResolvesDirectFriendFinger(t *testing.T) {
	self := identifier.Random()
	friends := friend.New(friend.DefaultConfig())
	table := fingertable.New(self, friends, fingertable.DefaultConfig())

	peer := identifier.Random()
	friends.OnConnect(peer)
	table.AddNewFinger(3, peer, nil, identifier.Random())

	adapter := &FingerRouting{Table: table, Friends: friends}
	if adapter.AmIClosest(peer, nil) {
		t.Fatalf("a present finger should beat self for its own identity")
	}

	next, trailID, ok := adapter.NextHop(peer, nil, true)
	if !ok {
		t.Fatalf("expected a next hop toward the finger")
	}
	if next != peer {
		t.Fatalf("direct-friend finger should resolve to the friend itself, got %x", next)
	}
	if !trailID.IsZero() {
		t.Fatalf("direct-friend finger should carry no trail label")
	}
}
