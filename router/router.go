// Package router implements the request router (C5): PUT/GET/RESULT
// forwarding hop-by-hop toward a key, recent-request deduplication, loop
// splicing, and the forward-count/closest-peer tests shared by both DHT
// variants (spec.md §4.5).
//
// The teacher's closest analog is portal.DHTRouter.RouteContentRequest,
// an iterative alpha-fanout lookup built around portal.RoutingTable; this
// package generalizes that into hop-by-hop forwarding driven by either
// the kademlia or fingertable routing table through the RoutingTable
// interface defined here, and reuses portal.ContentDB's container/list
// LRU idiom (see content_db.go) for the bounded recent-request cache
// instead of portal's map+mutex "asked" set, since spec.md §4.5 requires
// an explicit MAX_RECENT eviction bound rather than unbounded growth.
package router

import (
	"container/list"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/r5n-overlay/dht/bloom"
	"github.com/r5n-overlay/dht/friend"
	"github.com/r5n-overlay/dht/identifier"
	"github.com/r5n-overlay/dht/stats"
	"github.com/r5n-overlay/dht/store"
	"github.com/r5n-overlay/dht/wire"
)

// Error kinds of spec.md §7 not otherwise represented by a narrower
// package's sentinel errors.
var (
	ErrMalformed    = errors.New("router: malformed message")
	ErrLoopDetected = errors.New("router: self appeared in path")
	ErrTTLExceeded  = errors.New("router: hop count at or beyond MAX_HOPS")
	ErrNoRoute      = errors.New("router: no uncongested next hop")
)

// RoutingTable abstracts over the two C3 implementations (kademlia.Table,
// fingertable.Table) so the router forwards identically regardless of
// which variant is active (spec.md §2 "Data flow").
type RoutingTable interface {
	// AmIClosest reports whether no peer not excluded by visited is a
	// better match for key than the local identity (spec.md §4.5
	// "am_i_closest").
	AmIClosest(key identifier.ID, visited *bloom.Filter) bool
	// NextHop selects the next hop toward key among peers not excluded by
	// visited. trailID is the wire-level trail label to stamp on the
	// outgoing message (the zero ID for the Kademlia variant, which
	// addresses peers directly); ok is false if every candidate was
	// excluded.
	NextHop(key identifier.ID, visited *bloom.Filter, closerOnly bool) (peer identifier.ID, trailID identifier.ID, ok bool)
}

// Config controls router policy knobs (spec.md §4.5, §4.9).
type Config struct {
	// MaxHops is the hard cap on hop_count (spec.md §4.9 "MAX_HOPS").
	MaxHops int
	// DefaultReplication is used when a client does not specify one.
	DefaultReplication uint32
	// Diameter is the network-diameter estimate used by the forward-count
	// formula's "arrived by now" cutoff (spec.md §4.5).
	Diameter int
	// KnownPeerCountBucketSize scales the same cutoff.
	KnownPeerCountBucketSize int
	// StrictKademlia switches the forward-count formula to the
	// Kademlia-specific policy: initial forward = replication, then 1,
	// then 0 (spec.md §4.5 "Plus special policy: if strict-Kademlia
	// mode...").
	StrictKademlia bool
	// MaxRecent bounds the recent-request cache (spec.md §5 "Pending
	// requests: MAX_RECENT").
	MaxRecent int
	// RequestTTL bounds how long a pending request is kept before it is
	// treated as expired and evicted.
	RequestTTL time.Duration
	// ClosestOnlyPolicySquareRoot selects the sqrt(hops)/sqrt(MaxHops)
	// variant of closer_only_policy instead of the linear one (spec.md
	// §4.3).
	ClosestOnlyPolicySquareRoot bool
}

// DefaultConfig returns the configuration used absent overrides.
func DefaultConfig() Config {
	return Config{
		MaxHops:                  10,
		DefaultReplication:       3,
		Diameter:                 4,
		KnownPeerCountBucketSize: 8,
		MaxRecent:                1000,
		RequestTTL:               2 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxHops <= 0 {
		c.MaxHops = 10
	}
	if c.DefaultReplication == 0 {
		c.DefaultReplication = 3
	}
	if c.Diameter <= 0 {
		c.Diameter = 4
	}
	if c.KnownPeerCountBucketSize <= 0 {
		c.KnownPeerCountBucketSize = 8
	}
	if c.MaxRecent <= 0 {
		c.MaxRecent = 1000
	}
	if c.RequestTTL <= 0 {
		c.RequestTTL = 2 * time.Minute
	}
}

// ForwardCount implements spec.md §4.5's forward-count formula:
// target_value = 1 + [random(replication*(hops+1) + diameter) < replication],
// with the strict-Kademlia override (initial = replication, then 1, then
// 0) and the "message should have arrived by now" cutoff.
func ForwardCount(hops int, replication uint32, cfg Config, knownPeers int) int {
	if hops > (cfg.Diameter+1)*2 && knownPeers > cfg.Diameter*cfg.KnownPeerCountBucketSize {
		return 0
	}
	if cfg.StrictKademlia {
		switch {
		case hops == 0:
			return int(replication)
		case hops == 1:
			return 1
		default:
			return 0
		}
	}
	denom := int(replication)*(hops+1) + cfg.Diameter
	if denom <= 0 {
		denom = 1
	}
	extra := 0
	if rand.Intn(denom) < int(replication) {
		extra = 1
	}
	return 1 + extra
}

// ClosestOnlyPolicy decides probabilistically between "closer-only" and
// "weighted diversity" next-hop selection (spec.md §4.3): probability
// hops/MaxHops (linear) or sqrt(hops)/sqrt(MaxHops) (square).
func ClosestOnlyPolicy(hops, maxHops int, squareRoot bool) bool {
	if maxHops <= 0 || hops >= maxHops {
		return true
	}
	if !squareRoot {
		return rand.Float64() < float64(hops)/float64(maxHops)
	}
	return rand.Float64() < mathSqrt(float64(hops))/mathSqrt(float64(maxHops))
}

// mathSqrt avoids importing math solely for one call site's sqrt, kept
// local since it is the only transcendental function this package needs.
func mathSqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 30; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// SpliceLoop implements spec.md §4.5/§9's "loop-splice": if the local
// peer already appears in path, truncate at the earliest occurrence
// (spec.md §8 "Splice-idempotence": a no-op when self is absent) before
// the caller appends self once.
func SpliceLoop(self identifier.ID, path []identifier.ID) []identifier.ID {
	for i, id := range path {
		if id == self {
			return path[:i]
		}
	}
	return path
}

// recentKey identifies a pending/recently-seen request. Wire PUT/GET
// messages carry no explicit request identifier (spec.md §6.1 omits one;
// the distillation dropped the original protocol's 64-bit unique-id
// field — see DESIGN.md), so relayed requests are deduplicated by
// (key, originator), the first entry of put_path/get_path. Locally
// originated requests are additionally tracked by a client-generated
// RequestID (see Router.pendingClients).
type recentKey struct {
	key        identifier.ID
	originator identifier.ID
}

type recentEntry struct {
	k         recentKey
	visited   *bloom.Filter
	hopCount  uint32
	arrival   time.Time
	ttl       time.Duration
	elem      *list.Element
}

// RecentCache is the bounded (key, request) cache of spec.md §4.5/§5:
// LRU-by-arrival eviction at MaxRecent entries, each entry owning a Bloom
// filter that accumulates every peer a duplicate arrival has already
// visited (spec.md: "duplicate arrivals OR their bloom into the
// pending-request bloom to preserve loop suppression").
type RecentCache struct {
	max int

	mu      sync.Mutex
	order   *list.List // front = most recently touched
	entries map[recentKey]*recentEntry
}

// NewRecentCache constructs an empty cache bounded at max entries.
func NewRecentCache(max int) *RecentCache {
	if max <= 0 {
		max = 1000
	}
	return &RecentCache{
		max:     max,
		order:   list.New(),
		entries: make(map[recentKey]*recentEntry),
	}
}

// Observe records (or merges into) the pending entry for k, returning the
// accumulated bloom filter and whether this key was already known
// (meaning the new arrival is a duplicate that should still have its
// bloom merged in, per spec.md §4.5).
func (c *RecentCache) Observe(k recentKey, now time.Time, ttl time.Duration, incomingVisited *bloom.Filter) (merged *bloom.Filter, duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[k]; ok {
		if now.Sub(e.arrival) <= e.ttl {
			e.visited.Merge(incomingVisited)
			c.order.MoveToFront(e.elem)
			return e.visited, true
		}
		// Expired: evict it and record this arrival afresh.
		c.order.Remove(e.elem)
		delete(c.entries, k)
	}

	visited := bloom.New()
	visited.Merge(incomingVisited)
	e := &recentEntry{k: k, visited: visited, arrival: now, ttl: ttl}
	e.elem = c.order.PushFront(e)
	c.entries[k] = e

	for back := c.order.Back(); back != nil; back = c.order.Back() {
		old := back.Value.(*recentEntry)
		if len(c.entries) <= c.max && now.Sub(old.arrival) <= old.ttl {
			break
		}
		c.order.Remove(back)
		delete(c.entries, old.k)
	}

	return visited, false
}

// Len reports the number of tracked entries.
func (c *RecentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ClientResult is delivered to the application for a completed GET
// (spec.md §6.4 client_get's result_cb).
type ClientResult struct {
	Key     identifier.ID
	Payload []byte
	PutPath []identifier.ID
	GetPath []identifier.ID
}

type clientPending struct {
	key         identifier.ID
	blockType   uint32
	replication uint32
	callback    func(ClientResult)
}

// Router is the request router (C5): it is variant-agnostic, driven by
// whichever RoutingTable implementation (kademlia or fingertable) the
// embedding node wires in.
type Router struct {
	cfg     Config
	self    identifier.ID
	routing RoutingTable
	friends *friend.Table
	cache   store.Store
	sink    stats.Sink

	recent *RecentCache

	mu             sync.Mutex
	pendingClients map[identifier.ID]*clientPending

	// SendPut/SendGet/SendResult frame and enqueue a message to the named
	// friend via wire+friend; trailID is non-zero only for the
	// finger-table variant, where it should be stamped into the
	// message's IntermediateTrailID field.
	SendPut    func(to identifier.ID, trailID identifier.ID, msg *wire.Put)
	SendGet    func(to identifier.ID, trailID identifier.ID, msg *wire.Get)
	SendResult func(to identifier.ID, msg *wire.Result)

	// KnownPeerCount reports the total number of peers currently known to
	// the routing table, used by ForwardCount's "arrived by now" cutoff.
	KnownPeerCount func() int

	// Now is overridable for deterministic tests.
	Now func() time.Time
}

// New constructs a Router for local identity self.
func New(self identifier.ID, routing RoutingTable, friends *friend.Table, cache store.Store, sink stats.Sink, cfg Config) *Router {
	cfg.applyDefaults()
	if sink == nil {
		sink = stats.Noop{}
	}
	return &Router{
		cfg:            cfg,
		self:           self,
		routing:        routing,
		friends:        friends,
		cache:          cache,
		sink:           sink,
		recent:         NewRecentCache(cfg.MaxRecent),
		pendingClients: make(map[identifier.ID]*clientPending),
		Now:            time.Now,
	}
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Router) knownPeers() int {
	if r.KnownPeerCount != nil {
		return r.KnownPeerCount()
	}
	return 0
}

// ClientPut implements spec.md §4.5 "PUT handling (local origin)" /
// §6.4 client_put: fire-and-forget, storing locally if the local peer is
// its own best known next hop, otherwise emitting PUT toward the closest
// known next hop.
func (r *Router) ClientPut(key identifier.ID, blockType uint32, payload []byte, expiration time.Time, replication uint32) {
	if replication == 0 {
		replication = r.cfg.DefaultReplication
	}
	visited := bloom.New()
	visited.Add(r.self.Bytes())

	if r.routing.AmIClosest(key, visited) {
		r.storeLocal(key, blockType, payload, expiration, []identifier.ID{r.self})
		return
	}

	next, trailID, ok := r.routing.NextHop(key, visited, true)
	if !ok {
		r.sink.Inc("router.put.no_route", 1)
		return
	}

	msg := &wire.Put{
		BlockType:            blockType,
		HopCount:             0,
		DesiredReplication:   replication,
		BestKnownDestination: next,
		IntermediateTrailID:  trailID,
		Expiration:           uint64(expiration.Unix()),
		Key:                  key,
		PutPath:              []identifier.ID{r.self},
		Payload:              payload,
	}
	if r.SendPut != nil {
		r.SendPut(next, trailID, msg)
	}
}

func (r *Router) storeLocal(key identifier.ID, blockType uint32, payload []byte, expiration time.Time, putPath []identifier.ID) {
	_ = r.cache.Put(store.CachedBlock{
		Key:        key,
		BlockType:  blockType,
		Payload:    payload,
		Expiration: expiration,
		PutPath:    putPath,
	})
	r.sink.Inc("router.put.stored_local", 1)
}

// HandlePut implements spec.md §4.5 "PUT handling (relayed)": verifies
// declared lengths, splices any loop, appends self, stores locally if
// this peer is the terminus, and forwards to up to ForwardCount further
// next hops unless hop_count has reached MaxHops.
func (r *Router) HandlePut(from identifier.ID, msg *wire.Put) error {
	if msg.HopCount >= uint32(r.cfg.MaxHops) {
		r.sink.Inc("router.put.ttl_exceeded", 1)
		return ErrTTLExceeded
	}

	if ok, checked := store.Validate(msg.Key, msg.BlockType, msg.Payload); checked && !ok {
		r.sink.Inc("router.put.unauthenticated", 1)
		return store.ErrUnauthenticated
	}

	path := SpliceLoop(r.self, msg.PutPath)
	path = append(append([]identifier.ID{}, path...), r.self)

	visited := bloom.New()
	for _, id := range path {
		visited.Add(id.Bytes())
	}

	origin := r.self
	if len(path) > 0 {
		origin = path[0]
	}
	merged, _ := r.recent.Observe(recentKey{key: msg.Key, originator: origin}, r.now(), r.cfg.RequestTTL, visited)
	visited = merged

	expiration := time.Unix(int64(msg.Expiration), 0)

	if r.routing.AmIClosest(msg.Key, visited) {
		r.storeLocal(msg.Key, msg.BlockType, msg.Payload, expiration, path)
	}

	count := ForwardCount(int(msg.HopCount), msg.DesiredReplication, r.cfg, r.knownPeers())
	for i := 0; i < count; i++ {
		next, trailID, ok := r.routing.NextHop(msg.Key, visited, ClosestOnlyPolicy(int(msg.HopCount), r.cfg.MaxHops, r.cfg.ClosestOnlyPolicySquareRoot))
		if !ok {
			break
		}
		visited.Add(next.Bytes())
		forwarded := &wire.Put{
			Options:              msg.Options,
			BlockType:            msg.BlockType,
			HopCount:             msg.HopCount + 1,
			DesiredReplication:   msg.DesiredReplication,
			BestKnownDestination: next,
			IntermediateTrailID:  trailID,
			Expiration:           msg.Expiration,
			Key:                  msg.Key,
			PutPath:              path,
			Payload:              msg.Payload,
		}
		if r.SendPut != nil {
			r.SendPut(next, trailID, forwarded)
		}
	}
	return nil
}

// ClientGet implements spec.md §4.5 "GET handling (local origin)" /
// §6.4 client_get: answers immediately from the local cache if this peer
// is the closest known, else registers a pending request and emits GET.
// Returns the request_id used to later cancel via ClientStop.
func (r *Router) ClientGet(key identifier.ID, blockType uint32, replication uint32, callback func(ClientResult)) identifier.ID {
	requestID := identifier.Random()
	if replication == 0 {
		replication = r.cfg.DefaultReplication
	}

	visited := bloom.New()
	visited.Add(r.self.Bytes())

	if r.routing.AmIClosest(key, visited) {
		if blocks, _ := r.cache.Get(key, blockType, r.now()); len(blocks) > 0 {
			callback(ClientResult{Key: key, Payload: blocks[0].Payload, PutPath: blocks[0].PutPath, GetPath: []identifier.ID{r.self}})
			return requestID
		}
	}

	r.mu.Lock()
	r.pendingClients[requestID] = &clientPending{key: key, blockType: blockType, replication: replication, callback: callback}
	r.mu.Unlock()

	next, trailID, ok := r.routing.NextHop(key, visited, true)
	if !ok {
		r.sink.Inc("router.get.no_route", 1)
		return requestID
	}

	msg := &wire.Get{
		BlockType:            blockType,
		HopCount:             0,
		DesiredReplication:   replication,
		BestKnownDestination: next,
		IntermediateTrailID:  trailID,
		Key:                  key,
		GetPath:              []identifier.ID{r.self},
	}
	if r.SendGet != nil {
		r.SendGet(next, trailID, msg)
	}
	return requestID
}

// ClientStop cancels a pending client GET (spec.md §6.4 client_stop); any
// RESULT that later arrives for it is simply dropped (no further callers
// reference requestID once removed).
func (r *Router) ClientStop(requestID identifier.ID) {
	r.mu.Lock()
	delete(r.pendingClients, requestID)
	r.mu.Unlock()
}

// HandleGet implements spec.md §4.5 "GET handling (relayed)": splices any
// loop, appends self, answers from cache if this peer is closest
// (forwarding further if replication still permits, so later hops may
// contribute more replicas), else forwards on.
func (r *Router) HandleGet(from identifier.ID, msg *wire.Get) error {
	if msg.HopCount >= uint32(r.cfg.MaxHops) {
		r.sink.Inc("router.get.ttl_exceeded", 1)
		return ErrTTLExceeded
	}

	path := SpliceLoop(r.self, msg.GetPath)
	path = append(append([]identifier.ID{}, path...), r.self)

	visited := bloom.New()
	for _, id := range path {
		visited.Add(id.Bytes())
	}

	origin := r.self
	if len(path) > 0 {
		origin = path[0]
	}
	merged, _ := r.recent.Observe(recentKey{key: msg.Key, originator: origin}, r.now(), r.cfg.RequestTTL, visited)
	visited = merged

	if r.routing.AmIClosest(msg.Key, visited) {
		if blocks, _ := r.cache.Get(msg.Key, msg.BlockType, r.now()); len(blocks) > 0 {
			result := &wire.Result{
				BlockType:    msg.BlockType,
				QueryingPeer: path[0],
				Expiration:   uint64(blocks[0].Expiration.Unix()),
				Key:          msg.Key,
				PutPath:      blocks[0].PutPath,
				GetPath:      path,
				Payload:      blocks[0].Payload,
			}
			r.returnResult(result)
		}
	}

	count := ForwardCount(int(msg.HopCount), msg.DesiredReplication, r.cfg, r.knownPeers())
	for i := 0; i < count; i++ {
		next, trailID, ok := r.routing.NextHop(msg.Key, visited, ClosestOnlyPolicy(int(msg.HopCount), r.cfg.MaxHops, r.cfg.ClosestOnlyPolicySquareRoot))
		if !ok {
			break
		}
		visited.Add(next.Bytes())
		forwarded := &wire.Get{
			Options:              msg.Options,
			BlockType:            msg.BlockType,
			HopCount:             msg.HopCount + 1,
			DesiredReplication:   msg.DesiredReplication,
			BestKnownDestination: next,
			IntermediateTrailID:  trailID,
			Key:                  msg.Key,
			GetPath:              path,
		}
		if r.SendGet != nil {
			r.SendGet(next, trailID, forwarded)
		}
	}
	return nil
}

// returnResult sends a RESULT back along get_path starting from its
// second-to-last entry (spec.md §4.5 "GET_RESULT"), or delivers directly
// to the local client if this peer (index 0) is the originator.
func (r *Router) returnResult(result *wire.Result) {
	if len(result.GetPath) <= 1 {
		r.deliverLocal(result)
		return
	}
	prior := result.GetPath[len(result.GetPath)-2]
	if r.SendResult != nil {
		r.SendResult(prior, result)
	}
}

// HandleResult implements spec.md §4.5 "GET_RESULT": the peer whose
// index in get_path is current-1 forwards to the peer at current-2,
// until the originator (index 0) is reached.
func (r *Router) HandleResult(from identifier.ID, msg *wire.Result) {
	idx := indexOf(msg.GetPath, r.self)
	if idx < 0 {
		r.sink.Inc("router.result.not_in_path", 1)
		return
	}
	if idx == 0 {
		r.deliverLocal(msg)
		return
	}
	prior := msg.GetPath[idx-1]
	if r.SendResult != nil {
		r.SendResult(prior, msg)
	}
}

func (r *Router) deliverLocal(msg *wire.Result) {
	r.mu.Lock()
	var matched *clientPending
	for id, p := range r.pendingClients {
		if p.key == msg.Key {
			matched = p
			delete(r.pendingClients, id)
			break
		}
	}
	r.mu.Unlock()
	if matched == nil || matched.callback == nil {
		return
	}
	matched.callback(ClientResult{Key: msg.Key, Payload: msg.Payload, PutPath: msg.PutPath, GetPath: msg.GetPath})
}

func indexOf(path []identifier.ID, id identifier.ID) int {
	for i, p := range path {
		if p == id {
			return i
		}
	}
	return -1
}
