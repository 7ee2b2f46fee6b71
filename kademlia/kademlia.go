// Package kademlia implements the Kademlia (R5N) routing table variant
// (C3) and its maintenance cadence (C6): K-buckets indexed by leading-bit
// match, admission with stale-replacement, closest-peer lookup, and
// bloom-filtered next-hop selection.
//
// This generalizes the teacher's discover.KademliaTable from a 256-bucket,
// 32-byte-ID table keyed by XOR log distance to a 512-bit identifier.ID
// table keyed by leading-match-bit count (the same metric, expressed the
// way spec.md §4.3 phrases it): AddCandidate mirrors AddNode's
// admission/ping-oldest/replace logic, FindClosest mirrors the teacher's
// FindClosest scan, and SelectForRoute is new, built on top of
// identifier.InverseDistance for the weighted-random policy.
package kademlia

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/r5n-overlay/dht/bloom"
	"github.com/r5n-overlay/dht/identifier"
)

// Config controls bucket sizing and staleness policy.
type Config struct {
	// K is the maximum number of entries per bucket (spec.md §3: "K=4 or 8").
	K int
	// MaxHops bounds forwarding hop counts, used by ClosestOnlyPolicy.
	MaxHops int
}

// DefaultConfig returns the configuration used absent overrides.
func DefaultConfig() Config {
	return Config{K: 8, MaxHops: 10}
}

func (c *Config) applyDefaults() {
	if c.K <= 0 {
		c.K = 8
	}
	if c.MaxHops <= 0 {
		c.MaxHops = 10
	}
}

// Entry is a single routing-table member (spec.md §3 "Bucket").
type Entry struct {
	ID       identifier.ID
	LastSeen time.Time
}

// bucket holds up to K entries, ordered most-recently-seen last (spec.md
// §3 invariant).
type bucket struct {
	entries []Entry
}

// Table is the Kademlia routing table (C3): N+1 buckets indexed by
// leading-match-bit count against the local identity.
type Table struct {
	cfg  Config
	self identifier.ID

	mu      sync.RWMutex
	buckets [identifier.Bits + 1]*bucket

	// Ping is called to check liveness of the oldest bucket entry before
	// evicting it for a new candidate (spec.md §4.3 step 4). It must
	// return promptly; the table does not block waiting for it — callers
	// wire it to an async ping/pong round trip and call ResolvePing once
	// the result is known.
	Ping func(id identifier.ID)
}

// New constructs an empty Table for local identity self.
func New(self identifier.ID, cfg Config) *Table {
	cfg.applyDefaults()
	t := &Table{cfg: cfg, self: self}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

func (t *Table) bucketIndex(id identifier.ID) int {
	return identifier.LeadingMatchBits(t.self, id)
}

// AddCandidate considers a learned peer for admission (spec.md §4.3):
// ignores self; a peer already present has its LastSeen refreshed and is
// moved to the back of its bucket; appends if the bucket has room;
// otherwise pings the oldest entry and replaces it only if ResolvePing
// later reports that the ping failed.
func (t *Table) AddCandidate(id identifier.ID, now time.Time) bool {
	if id == t.self {
		return false
	}
	idx := t.bucketIndex(id)
	if idx >= identifier.Bits {
		// Matches every bit: this is the local identity's own "self slot",
		// not a bucket member (spec.md §3).
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[idx]
	for i, e := range b.entries {
		if e.ID == id {
			e.LastSeen = now
			b.entries = append(append(b.entries[:i:i], b.entries[i+1:]...), e)
			return true
		}
	}

	if len(b.entries) < t.cfg.K {
		b.entries = append(b.entries, Entry{ID: id, LastSeen: now})
		return true
	}

	if t.Ping != nil {
		t.Ping(b.entries[0].ID)
	}
	return false
}

// ResolvePing reports the outcome of a Ping issued from AddCandidate's
// bucket-full path: if the oldest entry did not respond, it is replaced
// by candidate; otherwise candidate is discarded (spec.md §4.3 step 4).
func (t *Table) ResolvePing(oldest, candidate identifier.ID, responded bool, now time.Time) {
	idx := t.bucketIndex(oldest)
	if idx >= identifier.Bits {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[idx]
	if len(b.entries) == 0 || b.entries[0].ID != oldest {
		return
	}
	if responded {
		// Move the responder to the back (most-recently-seen).
		b.entries = append(b.entries[1:], Entry{ID: oldest, LastSeen: now})
		return
	}
	b.entries = b.entries[1:]
	if cidx := t.bucketIndex(candidate); cidx < identifier.Bits {
		if cb := t.buckets[cidx]; len(cb.entries) < t.cfg.K {
			cb.entries = append(cb.entries, Entry{ID: candidate, LastSeen: now})
		}
	}
}

// Remove deletes id from the table, e.g. on friend disconnect.
func (t *Table) Remove(id identifier.ID) {
	idx := t.bucketIndex(id)
	if idx >= identifier.Bits {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[idx]
	for i, e := range b.entries {
		if e.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// Touch refreshes a known peer's LastSeen timestamp and moves it to the
// back of its bucket (most-recently-seen last).
func (t *Table) Touch(id identifier.ID, now time.Time) {
	idx := t.bucketIndex(id)
	if idx >= identifier.Bits {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[idx]
	for i, e := range b.entries {
		if e.ID == id {
			e.LastSeen = now
			b.entries = append(append(b.entries[:i:i], b.entries[i+1:]...), e)
			return
		}
	}
}

// Contains reports whether id is currently in the table.
func (t *Table) Contains(id identifier.ID) bool {
	idx := t.bucketIndex(id)
	if idx >= identifier.Bits {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.buckets[idx].entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

// All returns every peer currently known, across all buckets.
func (t *Table) All() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, b := range t.buckets {
		out = append(out, b.entries...)
	}
	return out
}

// Len returns the total number of known peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b.entries)
	}
	return n
}

// FindClosest scans all buckets and returns the peer with minimum XOR
// distance to key, ties broken by scan order from high-match to low-match
// buckets (spec.md §4.3).
func (t *Table) FindClosest(key identifier.ID) (identifier.ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best identifier.ID
	found := false
	for b := identifier.Bits; b >= 0; b-- {
		for _, e := range t.buckets[b].entries {
			if !found {
				best = e.ID
				found = true
				continue
			}
			best = identifier.Closer(key, best, e.ID)
		}
	}
	return best, found
}

// FindClosestN returns up to n peers closest to key, ascending distance.
func (t *Table) FindClosestN(key identifier.ID, n int) []identifier.ID {
	all := t.All()
	sort.Slice(all, func(i, j int) bool {
		return identifier.Less(key, all[i].ID, all[j].ID)
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]identifier.ID, len(all))
	for i, e := range all {
		out[i] = e.ID
	}
	return out
}

// ClosestOnlyPolicy decides probabilistically whether next-hop selection
// should use the "closer-only" rule rather than weighted-random sampling,
// with probability hops/MaxHops (spec.md §4.3 "linear" variant).
func ClosestOnlyPolicy(hops, maxHops int) bool {
	if maxHops <= 0 {
		return true
	}
	if hops >= maxHops {
		return true
	}
	return rand.Float64() < float64(hops)/float64(maxHops)
}

// SelectForRoute selects the next hop toward key among peers not marked in
// visited (spec.md §4.3 select_for_route): either the nearest peer
// strictly closer than self (closer-only policy), or a peer sampled with
// probability proportional to identifier.InverseDistance (diversity
// policy). Returns false if every candidate is excluded by visited.
func (t *Table) SelectForRoute(key identifier.ID, visited *bloom.Filter, closerOnly bool) (identifier.ID, bool) {
	candidates := t.All()

	type weighted struct {
		id     identifier.ID
		weight *uint256.Int
	}
	var pool []weighted
	var bestCloser identifier.ID
	foundCloser := false

	for _, e := range candidates {
		if visited != nil && visited.Test(e.ID.Bytes()) {
			continue
		}
		if identifier.Less(key, e.ID, t.self) {
			if !foundCloser {
				bestCloser = e.ID
				foundCloser = true
			} else {
				bestCloser = identifier.Closer(key, bestCloser, e.ID)
			}
		}
		bits := identifier.LeadingMatchBits(e.ID, key)
		pool = append(pool, weighted{id: e.ID, weight: identifier.InverseDistance(bits)})
	}

	if closerOnly {
		return bestCloser, foundCloser
	}

	if len(pool) == 0 {
		return identifier.ID{}, false
	}
	total := uint256.NewInt(0)
	for _, w := range pool {
		total = identifier.SaturatingAdd(total, w.weight)
	}
	if total.IsZero() {
		return pool[rand.Intn(len(pool))].id, true
	}

	// Weighted random selection via inverse-distance sampling. uint256.Int
	// only holds 256 bits, so only the low 32 bytes of a fresh random
	// identifier feed the selection; that is plenty of entropy for this
	// purpose.
	randomBytes := identifier.Random()
	pick := new(uint256.Int).Mod(
		new(uint256.Int).SetBytes(randomBytes[identifier.Size-32:]),
		total,
	)
	running := uint256.NewInt(0)
	for _, w := range pool {
		running = identifier.SaturatingAdd(running, w.weight)
		if pick.Cmp(running) < 0 {
			return w.id, true
		}
	}
	return pool[len(pool)-1].id, true
}
