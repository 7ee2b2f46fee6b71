// Package node wires the core collaborators (C1-C9: friend table, routing
// table, trail store, router, local cache, statistics sink, scheduler,
// transport, wire framing) into a single runnable DHT peer, for either the
// Kademlia/R5N or X-Vine finger-table variant (spec.md §2 "Architecture").
//
// No teacher file wires an equivalent peer end to end; this package plays
// the role portal.StateNetwork/discover.UDPv5 each play for their own
// protocol (owning the collaborator graph, dispatching inbound frames,
// driving maintenance timers), generalized across both C3 variants behind
// the router.RoutingTable interface.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/r5n-overlay/dht/fingertable"
	"github.com/r5n-overlay/dht/friend"
	"github.com/r5n-overlay/dht/identifier"
	"github.com/r5n-overlay/dht/kademlia"
	"github.com/r5n-overlay/dht/log"
	"github.com/r5n-overlay/dht/router"
	"github.com/r5n-overlay/dht/scheduler"
	"github.com/r5n-overlay/dht/stats"
	"github.com/r5n-overlay/dht/store"
	"github.com/r5n-overlay/dht/transport"
	"github.com/r5n-overlay/dht/wire"
)

// Variant selects which C3/C4 routing implementation a Node runs (spec.md
// §4.3 Kademlia variant vs §4.4 X-Vine finger-table variant).
type Variant int

const (
	VariantKademlia Variant = iota
	VariantFingerTable
)

// MaliciousMode puts a Node into one of spec.md §4.9's adversarial test
// modes. The zero value, MaliciousNone, is ordinary behavior; a Node never
// defaults to a malicious mode on its own.
type MaliciousMode int

const (
	MaliciousNone MaliciousMode = iota
	// MaliciousDropAll silently discards every inbound frame instead of
	// processing it, simulating a peer that has stopped participating
	// without disconnecting (spec.md §4.9 "drop everything").
	MaliciousDropAll
	// MaliciousPeriodicRandomGet issues a client_get for a random key on a
	// fixed interval, simulating background scan/noise traffic.
	MaliciousPeriodicRandomGet
	// MaliciousPeriodicRandomPut issues a client_put of random garbage on a
	// fixed interval, simulating a peer flooding the network with junk.
	MaliciousPeriodicRandomPut
)

// Config controls every tunable knob of a Node's collaborators. The zero
// value is not usable directly; build one from DefaultConfig.
type Config struct {
	Variant Variant

	Kademlia            kademlia.Config
	KademliaMaintenance kademlia.MaintenanceConfig
	FingerTable         fingertable.Config
	FingerMaintenance   fingertable.MaintenanceConfig
	Friend              friend.Config
	Router              router.Config

	// MaxTrailsHosted bounds how many trails this peer will relay as an
	// intermediate hop (spec.md §7 "Congested for TRAIL_SETUP"); 0 means
	// unbounded.
	MaxTrailsHosted int

	// Malicious selects an adversarial test mode (spec.md §4.9); the zero
	// value runs the Node normally.
	Malicious         MaliciousMode
	MaliciousInterval time.Duration

	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the configuration used absent overrides, for the
// requested routing variant.
func DefaultConfig(variant Variant) Config {
	return Config{
		Variant:             variant,
		Kademlia:            kademlia.DefaultConfig(),
		KademliaMaintenance: kademlia.DefaultMaintenanceConfig(),
		FingerTable:         fingertable.DefaultConfig(),
		FingerMaintenance:   fingertable.DefaultMaintenanceConfig(),
		Friend:              friend.DefaultConfig(),
		Router:              router.DefaultConfig(),
		MaxTrailsHosted:     256,
		MaliciousInterval:   30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.MaliciousInterval <= 0 {
		c.MaliciousInterval = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Node is a single DHT peer: the friend table (C2), one of the two C3/C4
// routing implementations, the router (C5), the local cache (C7), and the
// scheduler (C9) that drives everything, wired against a caller-supplied
// transport (C8 framing is handled internally via the wire package) and
// datastore/statistics collaborators (spec.md §6.2, §6.3, §1).
type Node struct {
	cfg  Config
	self identifier.ID
	log  *log.Logger

	transport transport.Transport
	friends   *friend.Table
	cache     store.Store
	sink      stats.Sink
	sched     *scheduler.Scheduler

	kadTable    *kademlia.Table
	kadMaint    *kademlia.Maintainer
	fingerTable *fingertable.Table
	trailStore  *fingertable.TrailStore
	fingerMaint *fingertable.Maintainer

	rtr *router.Router

	mu sync.Mutex
	// pendingCandidate stashes the peer ID currently being admitted via
	// AddCandidate, so kadTable.Ping's callback (invoked synchronously from
	// within AddCandidate, before it returns) knows which candidate is
	// waiting on the oldest bucket entry's liveness check. See DESIGN.md:
	// the wire protocol has no dedicated PING message, so this resolves
	// from the friend table's existing recency signal rather than an async
	// round trip.
	pendingCandidate identifier.ID
}

// New constructs a Node for local identity self, wiring it against the
// given transport, datastore, and statistics collaborators. Call Start to
// begin running it.
func New(self identifier.ID, tr transport.Transport, cache store.Store, sink stats.Sink, logger *log.Logger, cfg Config) *Node {
	cfg.applyDefaults()
	if sink == nil {
		sink = stats.Noop{}
	}
	if logger == nil {
		logger = log.Default()
	}

	n := &Node{
		cfg:       cfg,
		self:      self,
		log:       logger.Module("node"),
		transport: tr,
		cache:     cache,
		sink:      sink,
		sched:     scheduler.New(),
	}

	n.friends = friend.New(cfg.Friend)
	n.friends.OnFirstFriend = func(identifier.ID) { n.kickMaintenance() }
	n.friends.OnDisconnectCascade = n.onFriendDisconnected

	var routing router.RoutingTable
	switch cfg.Variant {
	case VariantFingerTable:
		n.fingerTable = fingertable.New(self, n.friends, cfg.FingerTable)
		n.trailStore = fingertable.NewTrailStore()
		n.fingerMaint = fingertable.NewMaintainer(cfg.FingerMaintenance, self, n.fingerTable, n.trailStore, n.friends)
		n.fingerTable.Teardown = n.onTrailDiscarded
		n.fingerTable.NotifyNewSuccessor = n.onNewSuccessor
		routing = &router.FingerRouting{Table: n.fingerTable, Friends: n.friends, Now: n.now}
	default:
		n.kadTable = kademlia.New(self, cfg.Kademlia)
		n.kadTable.Ping = n.resolveBucketPing
		n.kadMaint = kademlia.NewMaintainer(cfg.KademliaMaintenance, n.kadTable, n.friends)
		routing = &router.KademliaRouting{Table: n.kadTable}
	}

	n.rtr = router.New(self, routing, n.friends, cache, sink, cfg.Router)
	n.rtr.Now = n.now
	n.rtr.SendPut = func(to identifier.ID, _ identifier.ID, msg *wire.Put) { n.sendFrame(to, msg.Encode()) }
	n.rtr.SendGet = func(to identifier.ID, _ identifier.ID, msg *wire.Get) { n.sendFrame(to, msg.Encode()) }
	n.rtr.SendResult = func(to identifier.ID, msg *wire.Result) { n.sendFrame(to, msg.Encode()) }

	switch cfg.Variant {
	case VariantFingerTable:
		n.rtr.KnownPeerCount = n.friends.Len
		n.wireFingerMaintenance()
	default:
		n.rtr.KnownPeerCount = n.kadTable.Len
		n.wireKademliaMaintenance()
	}

	tr.OnConnect(n.onTransportConnect)
	tr.OnDisconnect(n.onTransportDisconnect)
	tr.OnReceive(n.onTransportReceive)

	return n
}

func (n *Node) now() time.Time {
	return n.cfg.Now()
}

// Start launches the scheduler dispatch loop and every maintenance cadence
// (spec.md §4.6). The caller's ctx governs the Node's lifetime: cancelling
// it stops the dispatcher, after which no further scheduled task runs.
func (n *Node) Start(ctx context.Context) {
	go n.sched.Run(ctx)

	switch n.cfg.Variant {
	case VariantFingerTable:
		n.scheduleFindFinger()
		n.scheduleVerifySuccessor()
	default:
		n.scheduleKademliaRound()
	}
	n.scheduleMalicious()
}

// Done reports when the Node's scheduler has stopped, once Start's ctx is
// cancelled.
func (n *Node) Done() <-chan struct{} {
	return n.sched.Done()
}

// ---------------------------------------------------------------------------
// Client-facing API (spec.md §6.4). These are thin, synchronous entry
// points: the collaborators they call (router, routing table, friend
// table) are each independently synchronized, so client calls need not be
// funneled through the scheduler's single-threaded task queue the way
// inbound wire traffic and maintenance rounds are.
// ---------------------------------------------------------------------------

// ClientPut stores a block, forwarding toward the network if this peer is
// not itself the closest known destination (spec.md §6.4 client_put).
func (n *Node) ClientPut(key identifier.ID, blockType uint32, payload []byte, expiration time.Time, replication uint32) {
	n.rtr.ClientPut(key, blockType, payload, expiration, replication)
}

// ClientGet retrieves a block, invoking callback once a result arrives (or
// immediately, if answered from the local cache). Returns a request ID
// usable with ClientStop (spec.md §6.4 client_get).
func (n *Node) ClientGet(key identifier.ID, blockType uint32, replication uint32, callback func(router.ClientResult)) identifier.ID {
	return n.rtr.ClientGet(key, blockType, replication, callback)
}

// ClientStop cancels a pending ClientGet (spec.md §6.4 client_stop).
func (n *Node) ClientStop(requestID identifier.ID) {
	n.rtr.ClientStop(requestID)
}

// ---------------------------------------------------------------------------
// Transport wiring (spec.md §6.2).
// ---------------------------------------------------------------------------

func (n *Node) onTransportConnect(peer identifier.ID) {
	n.sched.AddNow(func() {
		n.friends.OnConnect(peer)
		if n.cfg.Variant != VariantFingerTable {
			n.admitKademliaCandidate(peer)
		}
		n.log.Debug("friend connected", "peer", peer.String())
	})
}

func (n *Node) onTransportDisconnect(peer identifier.ID) {
	n.sched.AddNow(func() {
		n.friends.OnDisconnect(peer)
		n.log.Debug("friend disconnected", "peer", peer.String())
	})
}

func (n *Node) onFriendDisconnected(peer identifier.ID) {
	switch n.cfg.Variant {
	case VariantFingerTable:
		n.fingerTable.RemoveFriendCascade(peer)
		n.trailStore.RemoveFriendCascade(peer)
	default:
		n.kadTable.Remove(peer)
	}
}

func (n *Node) onTransportReceive(from identifier.ID, frame []byte) {
	n.sched.AddNow(func() { n.handleFrame(from, frame) })
}

// sendFrame enqueues frame on the named friend's outbound queue and signals
// the scheduler's per-friend transmit-ready slot so the transport drains it
// (spec.md §5 "transmit-ready" scheduling, §6.2 best-effort send). Drops
// are counted, never retried.
func (n *Node) sendFrame(to identifier.ID, frame []byte) {
	if err := n.friends.SendTo(to, frame); err != nil {
		n.sink.Inc("node.send.dropped", 1)
		return
	}
	n.sched.AddTransmitReady(to.String(), func() {
		fr, ok := n.friends.Get(to)
		if !ok {
			return
		}
		select {
		case buf := <-fr.Recv():
			n.transport.Send(to, buf)
		default:
		}
	})
}

// ---------------------------------------------------------------------------
// Inbound frame dispatch (spec.md §6.1).
// ---------------------------------------------------------------------------

func (n *Node) handleFrame(from identifier.ID, frame []byte) {
	if fr, ok := n.friends.Get(from); ok {
		fr.MarkSeen(n.now())
	}
	if n.cfg.Malicious == MaliciousDropAll {
		return
	}

	msgType, body, err := wire.Decode(frame)
	if err != nil {
		n.sink.Inc("node.recv.malformed", 1)
		return
	}

	switch msgType {
	case wire.TypePut:
		_ = n.rtr.HandlePut(from, body.(*wire.Put))
	case wire.TypeGet:
		_ = n.rtr.HandleGet(from, body.(*wire.Get))
	case wire.TypeResult:
		n.rtr.HandleResult(from, body.(*wire.Result))
	case wire.TypeDiscovery:
		n.onDiscovery(from, body.(*wire.Discovery))
	case wire.TypeAskHello:
		n.onAskHello(from, body.(*wire.AskHello))
	case wire.TypeTrailSetup:
		n.fingerMaint.HandleTrailSetup(from, body.(*wire.TrailSetup), n.now(), n.cfg.MaxTrailsHosted)
	case wire.TypeTrailSetupResult:
		n.fingerMaint.HandleTrailSetupResult(from, body.(*wire.TrailSetupResult))
	case wire.TypeTrailSetupRejection:
		n.fingerMaint.HandleTrailSetupRejection(from, body.(*wire.TrailSetupRejection), n.now())
	case wire.TypeVerifySuccessor:
		n.fingerMaint.HandleVerifySuccessor(from, body.(*wire.VerifySuccessor))
	case wire.TypeVerifySuccessorResult:
		n.fingerMaint.HandleVerifySuccessorResult(from, body.(*wire.VerifySuccessorResult))
	case wire.TypeNotifyNewSuccessor:
		n.fingerMaint.HandleNotifyNewSuccessor(from, body.(*wire.NotifyNewSuccessor))
	case wire.TypeNotifySuccessorConfirm:
		n.fingerMaint.HandleNotifySuccessorConfirmation(body.(*wire.NotifySuccessorConfirmation))
	case wire.TypeTrailTeardown:
		n.fingerMaint.HandleTrailTeardown(body.(*wire.TrailTeardown))
	case wire.TypeAddTrail:
		n.fingerMaint.HandleAddTrail(body.(*wire.AddTrail))
	}
}

// ---------------------------------------------------------------------------
// Kademlia variant (spec.md §4.3, §4.6).
// ---------------------------------------------------------------------------

func (n *Node) wireKademliaMaintenance() {
	n.kadMaint.SendDiscovery = func(to identifier.ID, peers []identifier.ID) {
		n.sendFrame(to, (&wire.Discovery{Peers: peers}).Encode())
	}
	n.kadMaint.SendAskHello = func(to identifier.ID, peer identifier.ID) {
		n.sendFrame(to, (&wire.AskHello{Peer: peer}).Encode())
	}
	// MAINTAIN_PEER_TIMEOUT/2 keepalive: the wire catalog has no dedicated
	// PING message, so an empty DISCOVERY frame stands in for one (see
	// DESIGN.md); any frame this peer later sends us refreshes LastSeen via
	// handleFrame regardless of its type.
	n.kadMaint.SendPing = func(to identifier.ID) {
		n.sendFrame(to, (&wire.Discovery{}).Encode())
	}
}

func (n *Node) admitKademliaCandidate(id identifier.ID) {
	n.mu.Lock()
	n.pendingCandidate = id
	n.mu.Unlock()
	n.kadTable.AddCandidate(id, n.now())
}

func (n *Node) resolveBucketPing(oldest identifier.ID) {
	n.mu.Lock()
	candidate := n.pendingCandidate
	n.mu.Unlock()

	responded := false
	if fr, ok := n.friends.Get(oldest); ok {
		responded = n.now().Sub(fr.LastSeen()) < n.cfg.KademliaMaintenance.PeerTimeout/2
	}
	n.kadTable.ResolvePing(oldest, candidate, responded, n.now())
}

// onDiscovery admits every freshly-advertised peer directly rather than
// gating admission on an ASK_HELLO round trip first: the only contact
// descriptor this protocol can exchange for a peer is its identity itself,
// so a DISCOVERY listing already carries everything ASK_HELLO could add.
// ASK_HELLO remains wired (below) for the case where a peer is mentioned
// that this table does not yet know, converging on the same admission path
// once the answer arrives.
func (n *Node) onDiscovery(from identifier.ID, msg *wire.Discovery) {
	if n.cfg.Variant == VariantFingerTable {
		return
	}
	for _, id := range msg.Peers {
		if id == n.self || n.kadTable.Contains(id) {
			continue
		}
		n.admitKademliaCandidate(id)
	}
	n.kadMaint.HandleDiscovery(from, msg.Peers, n.now())
}

func (n *Node) onAskHello(from identifier.ID, msg *wire.AskHello) {
	if n.cfg.Variant == VariantFingerTable {
		return
	}
	if n.kadMaint.HandleAskHello(msg.Peer) {
		n.sendFrame(from, (&wire.Discovery{Peers: []identifier.ID{msg.Peer}}).Encode())
	}
}

func (n *Node) kickMaintenance() {
	switch n.cfg.Variant {
	case VariantFingerTable:
		n.sched.AddNow(func() { n.fingerMaint.RunFindFingerRound(n.now()) })
	default:
		n.sched.AddNow(func() { n.kadMaint.RunRound(n.now()) })
	}
}

func (n *Node) scheduleKademliaRound() {
	n.sched.AddDelayed(n.cfg.KademliaMaintenance.Frequency, func() {
		n.kadMaint.RunRound(n.now())
		n.scheduleKademliaRound()
	})
}

// ---------------------------------------------------------------------------
// Finger-table variant (spec.md §4.4, §4.6).
// ---------------------------------------------------------------------------

func (n *Node) wireFingerMaintenance() {
	n.fingerMaint.SendTrailSetup = func(to identifier.ID, msg *wire.TrailSetup) {
		n.sendFrame(to, msg.Encode())
	}
	n.fingerMaint.SendTrailSetupResult = func(to identifier.ID, msg *wire.TrailSetupResult) {
		n.sendFrame(to, msg.Encode())
	}
	n.fingerMaint.SendTrailSetupRejection = func(to identifier.ID, msg *wire.TrailSetupRejection) {
		n.sendFrame(to, msg.Encode())
	}
	n.fingerMaint.SendTrailTeardown = func(to identifier.ID, msg *wire.TrailTeardown) {
		n.sendFrame(to, msg.Encode())
	}
	n.fingerMaint.SendVerifySuccessor = func(to identifier.ID, msg *wire.VerifySuccessor) {
		n.sendFrame(to, msg.Encode())
	}
	n.fingerMaint.SendVerifySuccessorResult = func(to identifier.ID, msg *wire.VerifySuccessorResult) {
		n.sendFrame(to, msg.Encode())
	}
	n.fingerMaint.SendNotifyNewSuccessor = func(to identifier.ID, msg *wire.NotifyNewSuccessor) {
		n.sendFrame(to, msg.Encode())
	}
	n.fingerMaint.SendNotifySuccessorConfirmation = func(to identifier.ID, msg *wire.NotifySuccessorConfirmation) {
		n.sendFrame(to, msg.Encode())
	}
}

// onTrailDiscarded is fingertable.Table's Teardown hook: emit TRAIL_TEARDOWN
// along a trail that has just been replaced or dropped (spec.md §4.4). A
// zero-length trail (direct friend) needs no teardown frame.
func (n *Node) onTrailDiscarded(trail fingertable.Trail, direction wire.Direction) {
	first, ok := trail.FirstHop()
	if !ok {
		return
	}
	msg := &wire.TrailTeardown{TrailID: trail.TrailID, Direction: direction}
	n.sendFrame(first, msg.Encode())
}

// onNewSuccessor is fingertable.Table's NotifyNewSuccessor hook: notify the
// new successor and keep retrying on NotifyRetryInterval until it confirms
// (spec.md §4.4).
func (n *Node) onNewSuccessor(candidate identifier.ID, trail fingertable.Trail) {
	n.fingerMaint.Notify(candidate, trail)
	n.scheduleNotifyRetry(trail.TrailID, candidate, trail)
}

func (n *Node) scheduleNotifyRetry(trailID, candidate identifier.ID, trail fingertable.Trail) {
	n.sched.AddDelayed(n.cfg.FingerMaintenance.NotifyRetryInterval, func() {
		if n.fingerMaint.RetryPendingNotify(trailID, candidate, trail) {
			n.scheduleNotifyRetry(trailID, candidate, trail)
		}
	})
}

func (n *Node) scheduleFindFinger() {
	n.sched.AddDelayed(n.fingerMaint.NextBackoff(), func() {
		n.fingerMaint.RunFindFingerRound(n.now())
		n.scheduleFindFinger()
	})
}

func (n *Node) scheduleVerifySuccessor() {
	n.sched.AddDelayed(n.cfg.FingerMaintenance.VerifySuccessorInterval, func() {
		n.fingerMaint.RunVerifySuccessorRound(n.now())
		n.scheduleVerifySuccessor()
	})
}

// ---------------------------------------------------------------------------
// Malicious test modes (spec.md §4.9).
// ---------------------------------------------------------------------------

func (n *Node) scheduleMalicious() {
	switch n.cfg.Malicious {
	case MaliciousPeriodicRandomGet:
		n.sched.AddDelayed(n.cfg.MaliciousInterval, func() {
			n.rtr.ClientGet(identifier.Random(), 0, 0, func(router.ClientResult) {})
			n.scheduleMalicious()
		})
	case MaliciousPeriodicRandomPut:
		n.sched.AddDelayed(n.cfg.MaliciousInterval, func() {
			garbage := identifier.Random()
			n.rtr.ClientPut(identifier.Random(), 0, garbage.Bytes(), n.now().Add(time.Hour), 0)
			n.scheduleMalicious()
		})
	}
}
