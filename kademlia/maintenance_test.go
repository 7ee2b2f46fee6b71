package kademlia

import (
	"testing"
	"time"

	"github.com/r5n-overlay/dht/friend"
	"github.com/r5n-overlay/dht/identifier"
)

func TestMaintainChanceScalesWithPeers(t *testing.T) {
	small := maintainChance(16, 0)
	large := maintainChance(16, 400)
	if large <= small {
		t.Fatalf("maintainChance should grow with peer count: small=%d large=%d", small, large)
	}
}

func TestHandleDiscoveryRequestsAskHelloForUnknownPeers(t *testing.T) {
	self := identifier.Random()
	tbl := New(self, DefaultConfig())
	friends := friend.New(friend.DefaultConfig())
	m := NewMaintainer(DefaultMaintenanceConfig(), tbl, friends)

	unknown := identifier.Random()
	var asked identifier.ID
	var askedFrom identifier.ID
	m.SendAskHello = func(to, peer identifier.ID) {
		askedFrom = to
		asked = peer
	}

	from := identifier.Random()
	m.HandleDiscovery(from, []identifier.ID{unknown}, time.Now())

	if asked != unknown {
		t.Fatalf("SendAskHello peer: want %x, got %x", unknown, asked)
	}
	if askedFrom != from {
		t.Fatalf("SendAskHello to: want %x, got %x", from, askedFrom)
	}
}

func TestHandleDiscoverySkipsKnownPeers(t *testing.T) {
	self := identifier.Random()
	tbl := New(self, DefaultConfig())
	friends := friend.New(friend.DefaultConfig())
	m := NewMaintainer(DefaultMaintenanceConfig(), tbl, friends)

	known := identifier.Random()
	tbl.AddCandidate(known, time.Now())

	var called bool
	m.SendAskHello = func(identifier.ID, identifier.ID) { called = true }
	m.HandleDiscovery(identifier.Random(), []identifier.ID{known}, time.Now())

	if called {
		t.Fatalf("SendAskHello should not be called for already-known peers")
	}
}

func TestHandleAskHelloReportsKnownStatus(t *testing.T) {
	self := identifier.Random()
	tbl := New(self, DefaultConfig())
	friends := friend.New(friend.DefaultConfig())
	m := NewMaintainer(DefaultMaintenanceConfig(), tbl, friends)

	known := identifier.Random()
	tbl.AddCandidate(known, time.Now())

	if !m.HandleAskHello(known) {
		t.Fatalf("HandleAskHello(known): want true")
	}
	if m.HandleAskHello(identifier.Random()) {
		t.Fatalf("HandleAskHello(unknown): want false")
	}
}

func TestRunRoundExpiresAndPingsSilentFriends(t *testing.T) {
	self := identifier.Random()
	tbl := New(self, DefaultConfig())
	friends := friend.New(friend.DefaultConfig())
	cfg := DefaultMaintenanceConfig()
	cfg.PeerTimeout = time.Minute
	m := NewMaintainer(cfg, tbl, friends)

	f := friends.OnConnect(identifier.Random())
	f.MarkSeen(time.Now().Add(-2 * time.Minute))
	tbl.AddCandidate(f.ID, time.Now())

	m.RunRound(time.Now())

	if tbl.Contains(f.ID) {
		t.Fatalf("silent-past-timeout peer should be expired from routing table")
	}
}
