package kademlia

import (
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/r5n-overlay/dht/friend"
	"github.com/r5n-overlay/dht/identifier"
)

// MaintenanceConfig controls the Kademlia DISCOVERY/ASK_HELLO cadence
// (spec.md §4.6 "Kademlia variant").
type MaintenanceConfig struct {
	// Frequency is how often a maintenance round runs.
	Frequency time.Duration
	// BaseChance is the minimum 1/MAINTAIN_CHANCE denominator used before
	// scaling by total_peers.
	BaseChance int
	// AdvCap bounds how many peer IDs a single DISCOVERY message carries.
	AdvCap int
	// PeerTimeout is MAINTAIN_PEER_TIMEOUT: peers silent this long are
	// expired; peers silent for half that are pinged.
	PeerTimeout time.Duration
}

// DefaultMaintenanceConfig returns the configuration used absent overrides.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Frequency:   30 * time.Second,
		BaseChance:  10,
		AdvCap:      16,
		PeerTimeout: 10 * time.Minute,
	}
}

func (c *MaintenanceConfig) applyDefaults() {
	if c.Frequency <= 0 {
		c.Frequency = 30 * time.Second
	}
	if c.BaseChance <= 0 {
		c.BaseChance = 10
	}
	if c.AdvCap <= 0 {
		c.AdvCap = 16
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 10 * time.Minute
	}
}

// maintainChance scales 1/MAINTAIN_CHANCE with total_peers, widening the
// sampling denominator as the network grows so maintenance traffic stays
// roughly constant per peer (spec.md §4.6).
func maintainChance(base, totalPeers int) int {
	chance := base + 100*totalPeers
	if chance < 1 {
		chance = 1
	}
	return chance
}

// Maintainer drives the DISCOVERY/ASK_HELLO cadence against a Table and a
// friend.Table, emitting wire frames via the supplied send function.
type Maintainer struct {
	cfg     MaintenanceConfig
	table   *Table
	friends *friend.Table

	// SendDiscovery is invoked with the chosen friend and the selected
	// peer IDs to advertise; the caller encodes and sends the DISCOVERY
	// frame via wire/friend.
	SendDiscovery func(to identifier.ID, peers []identifier.ID)
	// SendAskHello requests a contact descriptor for an unknown peer
	// learned via DISCOVERY.
	SendAskHello func(to identifier.ID, peer identifier.ID)
	// SendPing is invoked for peers silent for half MAINTAIN_PEER_TIMEOUT.
	SendPing func(to identifier.ID)
}

// NewMaintainer constructs a Maintainer bound to table and friends.
func NewMaintainer(cfg MaintenanceConfig, table *Table, friends *friend.Table) *Maintainer {
	cfg.applyDefaults()
	return &Maintainer{cfg: cfg, table: table, friends: friends}
}

// RunRound performs one maintenance tick (spec.md §4.6): with probability
// 1/maintainChance, pick random friends and send them a DISCOVERY message
// advertising up to AdvCap peers selected via SelectForRoute; also expire
// and ping silent friends.
func (m *Maintainer) RunRound(now time.Time) {
	total := m.table.Len()
	chance := maintainChance(m.cfg.BaseChance, total)

	// Each selected friend's peer sample is independent of every other's
	// (distinct random target, read-only table access), so the fan-out
	// runs concurrently rather than one friend at a time, generalizing the
	// teacher's alpha-fanout lookup to this round's DISCOVERY broadcast.
	var g errgroup.Group
	for _, f := range m.friends.All() {
		if rand.Intn(chance) != 0 {
			continue
		}
		f := f
		g.Go(func() error {
			target := identifier.Random()
			peers := make([]identifier.ID, 0, m.cfg.AdvCap)
			seen := map[identifier.ID]bool{f.ID: true}
			for i := 0; i < m.cfg.AdvCap*4 && len(peers) < m.cfg.AdvCap; i++ {
				id, ok := m.table.SelectForRoute(target, nil, false)
				if !ok || seen[id] {
					continue
				}
				seen[id] = true
				peers = append(peers, id)
			}
			if m.SendDiscovery != nil {
				m.SendDiscovery(f.ID, peers)
			}
			return nil
		})
	}
	_ = g.Wait()

	if m.friends != nil {
		m.friends.ExpireSilent(now, m.cfg.PeerTimeout, func(id identifier.ID) {
			m.table.Remove(id)
		})
		if m.SendPing != nil {
			m.friends.PingSilent(now, m.cfg.PeerTimeout, m.SendPing)
		}
	}
}

// HandleDiscovery processes an incoming DISCOVERY message (spec.md §4.6):
// each listed peer is considered for admission; if unknown, request a
// contact descriptor from the sender via ASK_HELLO.
func (m *Maintainer) HandleDiscovery(from identifier.ID, peers []identifier.ID, now time.Time) {
	for _, id := range peers {
		if m.table.Contains(id) {
			m.table.Touch(id, now)
			continue
		}
		if m.SendAskHello != nil {
			m.SendAskHello(from, id)
		}
	}
}

// HandleAskHello responds to a request for a contact descriptor: if the
// local table knows the requested peer, the caller (which owns the actual
// contact info, e.g. network address) should reply with a DISCOVERY-style
// message; this method simply reports whether it is known.
func (m *Maintainer) HandleAskHello(peer identifier.ID) bool {
	return m.table.Contains(peer)
}
