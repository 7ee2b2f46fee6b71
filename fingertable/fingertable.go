// Package fingertable implements the X-Vine finger-table routing
// variant's routing table and trail store (C3/C4): a Chord-style finger
// table indexed by power-of-two offsets plus a predecessor slot, where
// every non-friend entry is reached through a labeled multi-hop trail
// rather than a direct address (spec.md §3, §4.4).
//
// No literal teacher file implements finger tables — discover.KademliaTable
// and portal.RoutingTable both cover only the XOR-distance variant
// generalized into the kademlia package. This package follows
// original_source/src/dht/gnunet-service-xdht_neighbours.c's semantics
// (finger slots, trail rows, predecessor/successor comparison) while
// reusing the teacher's config-struct/mutex/sentinel-error idiom from
// discover.KademliaConfig and portal.ContentDBConfig.
package fingertable

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/r5n-overlay/dht/friend"
	"github.com/r5n-overlay/dht/identifier"
	"github.com/r5n-overlay/dht/wire"
)

// N is the number of power-of-two finger slots. The finger-table variant
// addresses targets with the 64-bit values carried by the wire protocol's
// FinalDestinationFingerValue/UltimateValue fields (spec.md §6.1), so N is
// bounded by the width of a uint64 rather than by identifier.Bits.
const N = 64

// SuccessorIndex is the slot that tracks the local peer's immediate
// successor (finger 0, spec.md §4.4 "identical logic for finger 0").
const SuccessorIndex = 0

// PredecessorSlot is the sentinel search-index value denoting the
// predecessor slot rather than a numbered finger (spec.md §4.6: the
// monotonic search counter "counts down from N-1 to 0, then the
// predecessor slot, then wraps").
const PredecessorSlot = -1

var (
	// ErrNoTrails is returned when a finger has no installed trail to
	// forward along.
	ErrNoTrails = errors.New("fingertable: finger has no trails")
	// ErrUnknownTrail is the TrailUnknown error kind of spec.md §7: a
	// TEARDOWN/VERIFY/RESULT referenced a trail absent locally. Expected
	// during races; callers drop and count, never treat as fatal.
	ErrUnknownTrail = errors.New("fingertable: trail unknown")
)

// Config controls trail fan-out per finger.
type Config struct {
	// MaxTrailsPerFinger bounds concurrent trails to the same finger
	// (spec.md §3, §5 "MAX_TRAILS_PER_FINGER").
	MaxTrailsPerFinger int
}

// DefaultConfig returns the configuration used absent overrides.
func DefaultConfig() Config {
	return Config{MaxTrailsPerFinger: 3}
}

func (c *Config) applyDefaults() {
	if c.MaxTrailsPerFinger <= 0 {
		c.MaxTrailsPerFinger = 3
	}
}

// Trail is a labeled multi-hop path from the local peer to a finger
// identity, as seen by the finger's owner (spec.md §3 "Finger"). Hops
// lists the intermediate+destination path in forward order; an empty
// Hops means the finger identity is itself a friend (spec.md §4.4
// "zero-length trail").
type Trail struct {
	TrailID identifier.ID
	Hops    []identifier.ID
	Length  uint32
	Present bool
}

// FirstHop returns the friend this trail is forwarded through first, or
// false if the trail has zero length (finger is a direct friend).
func (t Trail) FirstHop() (identifier.ID, bool) {
	if len(t.Hops) == 0 {
		return identifier.ID{}, false
	}
	return t.Hops[0], true
}

// Finger is a single slot's content: the peer believed closest to the
// slot's target, reachable through one or more trails (spec.md §3
// "Finger").
type Finger struct {
	Identity identifier.ID
	Present  bool
	Trails   []Trail
}

// low64 extracts the low 64 bits of id, matching the wire protocol's
// 64-bit finger-value fields.
func low64(id identifier.ID) uint64 {
	return binary.BigEndian.Uint64(id[identifier.Size-8:])
}

// FingerValue computes the target my_id + 2^index that finger slot index
// is responsible for (spec.md §4.4).
func FingerValue(self identifier.ID, index int) uint64 {
	return low64(self) + (uint64(1) << uint(index))
}

// PredecessorValue computes the target my_id - 1 that the predecessor
// slot is responsible for (spec.md §3, §4.4).
func PredecessorValue(self identifier.ID) uint64 {
	return low64(self) - 1
}

// FingerTableIndex recovers the slot index from a 64-bit target value the
// local peer originally generated via FingerValue, as spec.md §4.4
// requires for validating inbound TRAIL_SETUP_RESULT/VERIFY messages. It
// returns false if value is not exactly self+2^i for any i in [0,N).
func FingerTableIndex(self identifier.ID, value uint64) (index int, ok bool) {
	diff := value - low64(self)
	if diff == 0 || diff&(diff-1) != 0 {
		return 0, false
	}
	for i := 0; i < N; i++ {
		if uint64(1)<<uint(i) == diff {
			return i, true
		}
	}
	return 0, false
}

// Table is the X-Vine finger table (C3) plus its owner-side trail
// bookkeeping (C4's owner half; the intermediate-relay half lives in
// TrailStore).
type Table struct {
	cfg  Config
	self identifier.ID

	mu          sync.RWMutex
	fingers     [N]Finger
	predecessor Finger

	friends *friend.Table

	// Teardown is invoked with a trail that has just been discarded so
	// the caller can emit TRAIL_TEARDOWN along it (spec.md §4.4
	// select_and_replace_trail / compare_and_update_predecessor /
	// compare_and_update_successor all "send TEARDOWN of the old one's
	// trails").
	Teardown func(trail Trail, direction wire.Direction)

	// NotifyNewSuccessor is invoked when finger 0 (the successor) changes,
	// so the caller can emit NOTIFY_NEW_SUCCESSOR with a bounded retry
	// timer (spec.md §4.4 compare_and_update_successor).
	NotifyNewSuccessor func(candidate identifier.ID, trail Trail)
}

// New constructs an empty finger table for local identity self.
func New(self identifier.ID, friends *friend.Table, cfg Config) *Table {
	cfg.applyDefaults()
	return &Table{cfg: cfg, self: self, friends: friends}
}

// Finger returns a copy of slot index's current content.
func (t *Table) Finger(index int) Finger {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 0 || index >= N {
		return Finger{}
	}
	return t.fingers[index]
}

// Successor returns the current successor finger (slot 0).
func (t *Table) Successor() Finger {
	return t.Finger(SuccessorIndex)
}

// Predecessor returns the current predecessor finger.
func (t *Table) Predecessor() Finger {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.predecessor
}

// trailLength returns the length spec.md uses for trail comparisons: the
// hop count, which is zero for a direct friend.
func trailLength(hops []identifier.ID) uint32 {
	return uint32(len(hops))
}

// AddNewFinger installs a newly discovered finger at slot (spec.md §4.4
// "Add_new_finger"). If identity == self, only the identity is recorded
// (no trail, not present — spec.md: "record only the identity"). If the
// finger is a direct friend, it is stored with a single zero-length
// trail and the friend's trails-through counter is bumped. Otherwise the
// supplied trail is installed and the first hop's trails-through counter
// is bumped.
func (t *Table) AddNewFinger(index int, identity identifier.ID, trailHops []identifier.ID, trailID identifier.ID) {
	if index < 0 || index >= N {
		return
	}
	if identity == t.self {
		t.mu.Lock()
		t.fingers[index] = Finger{Identity: identity, Present: false}
		t.mu.Unlock()
		return
	}

	trail := Trail{TrailID: trailID, Hops: trailHops, Length: trailLength(trailHops), Present: true}

	t.mu.Lock()
	f := t.fingers[index]
	if !f.Present || f.Identity != identity {
		f = Finger{Identity: identity, Present: true}
	}
	discarded, installed := addTrailLocked(f.Trails, trail, t.cfg.MaxTrailsPerFinger)
	f.Trails = installed
	t.fingers[index] = f
	t.mu.Unlock()

	first, ok := trail.FirstHop()
	if !ok {
		// Zero-length trail: the finger is itself a direct friend.
		first = identity
	}
	if fr, ok := t.friends.Get(first); ok {
		fr.IncTrails()
	}
	for _, d := range discarded {
		if t.Teardown != nil {
			t.Teardown(d, wire.SrcToDest)
		}
		if first, ok := d.FirstHop(); ok {
			if fr, ok := t.friends.Get(first); ok {
				fr.DecTrails()
			}
		}
	}
}

// addTrailLocked appends trail to existing, applying select_and_replace
// (spec.md §4.4): when the finger already has MaxTrailsPerFinger trails,
// the longest among existing-plus-new is discarded. Ties preserve
// order-of-first-seen (spec.md §9 open question: tie-break stability is
// not guaranteed across implementations, so this simply keeps append
// order for equal lengths).
func addTrailLocked(existing []Trail, trail Trail, max int) (discarded []Trail, result []Trail) {
	all := append(append([]Trail{}, existing...), trail)
	if len(all) <= max {
		return nil, all
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Length < all[j].Length })
	return all[max:], all[:max]
}

// SelectAndReplaceTrail is the standalone form of spec.md §4.4
// "Select_and_replace_trail", usable when a new trail to an already
// present finger arrives out of band (e.g. via ADD_TRAIL).
func (t *Table) SelectAndReplaceTrail(index int, trail Trail) {
	if index < 0 || index >= N {
		return
	}
	t.mu.Lock()
	f := t.fingers[index]
	if !f.Present {
		t.mu.Unlock()
		return
	}
	discarded, installed := addTrailLocked(f.Trails, trail, t.cfg.MaxTrailsPerFinger)
	f.Trails = installed
	t.fingers[index] = f
	t.mu.Unlock()

	for _, d := range discarded {
		if t.Teardown != nil {
			t.Teardown(d, wire.SrcToDest)
		}
	}
}

// BestTrail selects the trail to use for forwarding toward finger index:
// the uncongested trail with minimum length (spec.md §4.4 "Trail
// selection"). Returns false if the finger is absent or has no
// uncongested trail.
func (t *Table) BestTrail(index int, now time.Time) (Trail, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 0 || index >= N || !t.fingers[index].Present {
		return Trail{}, false
	}
	return bestTrailOf(t.fingers[index].Trails, t.friends, now)
}

func bestTrailOf(trails []Trail, friends *friend.Table, now time.Time) (Trail, bool) {
	var best Trail
	found := false
	for _, tr := range trails {
		if !tr.Present {
			continue
		}
		first, hasHop := tr.FirstHop()
		if hasHop {
			if fr, ok := friends.Get(first); ok && friends.IsCongested(fr, now) {
				continue
			}
		}
		if !found || tr.Length < best.Length {
			best = tr
			found = true
		}
	}
	return best, found
}

// CompareAndUpdatePredecessor applies spec.md §4.4
// "Compare_and_update_predecessor": installs candidate if there is no
// current predecessor, or if candidate strictly precedes the current one
// under identifier.CloserPredecessor. On replacement the old
// predecessor's trails are torn down.
func (t *Table) CompareAndUpdatePredecessor(candidate identifier.ID, trail Trail) bool {
	t.mu.Lock()
	cur := t.predecessor
	if !cur.Present {
		t.predecessor = Finger{Identity: candidate, Present: true, Trails: []Trail{trail}}
		t.mu.Unlock()
		return true
	}
	closer := identifier.CloserPredecessor(t.self, candidate, cur.Identity)
	if closer != candidate || candidate == cur.Identity {
		t.mu.Unlock()
		return false
	}
	old := cur
	t.predecessor = Finger{Identity: candidate, Present: true, Trails: []Trail{trail}}
	t.mu.Unlock()

	if t.Teardown != nil {
		for _, d := range old.Trails {
			t.Teardown(d, wire.DestToSrc)
		}
	}
	return true
}

// CompareAndUpdateSuccessor applies spec.md §4.4
// "Compare_and_update_successor": identical replacement logic to the
// predecessor, applied to finger 0 under normal (non-predecessor)
// closeness — cyclic ring distance in the successor direction, not XOR
// distance. On replacement a fresh trail is expected to already have
// been generated by the caller (trail.TrailID is freshly minted along
// the possibly-shortened path), and NotifyNewSuccessor fires so the
// caller can emit NOTIFY_NEW_SUCCESSOR.
func (t *Table) CompareAndUpdateSuccessor(candidate identifier.ID, trail Trail) bool {
	t.mu.Lock()
	cur := t.fingers[SuccessorIndex]
	if cur.Present {
		closer := identifier.CloserSuccessor(t.self, candidate, cur.Identity)
		if closer != candidate || candidate == cur.Identity {
			t.mu.Unlock()
			return false
		}
	}
	old := cur
	t.fingers[SuccessorIndex] = Finger{Identity: candidate, Present: true, Trails: []Trail{trail}}
	t.mu.Unlock()

	if t.Teardown != nil {
		for _, d := range old.Trails {
			t.Teardown(d, wire.SrcToDest)
		}
	}
	if t.NotifyNewSuccessor != nil {
		t.NotifyNewSuccessor(candidate, trail)
	}
	return true
}

// RemoveFriendCascade applies spec.md §4.6 "Disconnect cascade" to the
// owner-side finger table: any finger whose identity is the disconnected
// friend is marked absent (its trails torn down); any finger reachable
// only through a trail whose first hop is the disconnected friend loses
// that trail. A finger that loses every trail becomes absent.
func (t *Table) RemoveFriendCascade(disconnected identifier.ID) {
	var tornFingers, tornPredecessor []Trail
	defer func() { // runs after the unlock below
		if t.Teardown == nil {
			return
		}
		for _, d := range tornFingers {
			t.Teardown(d, wire.SrcToDest)
		}
		for _, d := range tornPredecessor {
			t.Teardown(d, wire.DestToSrc)
		}
	}()
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.fingers {
		f := &t.fingers[i]
		if !f.Present {
			continue
		}
		if f.Identity == disconnected {
			tornFingers = append(tornFingers, f.Trails...)
			*f = Finger{}
			continue
		}
		kept := f.Trails[:0:0]
		for _, tr := range f.Trails {
			if first, ok := tr.FirstHop(); ok && first == disconnected {
				continue
			}
			kept = append(kept, tr)
		}
		f.Trails = kept
		if len(kept) == 0 {
			*f = Finger{}
		}
	}

	if t.predecessor.Present {
		if t.predecessor.Identity == disconnected {
			tornPredecessor = t.predecessor.Trails
			t.predecessor = Finger{}
		} else {
			kept := t.predecessor.Trails[:0:0]
			for _, tr := range t.predecessor.Trails {
				if first, ok := tr.FirstHop(); ok && first == disconnected {
					continue
				}
				kept = append(kept, tr)
			}
			t.predecessor.Trails = kept
			if len(kept) == 0 {
				t.predecessor = Finger{}
			}
		}
	}
}

// Populated reports whether every finger slot currently holds a present
// entry, used to drive the "finger-found reset" maintenance behavior of
// spec.md §4.6.
func (t *Table) Populated() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, f := range t.fingers {
		if !f.Present {
			return false
		}
	}
	return true
}

// ClosestFinger returns the finger slot whose identity is closest to key,
// used to pick the local next hop for PUT/GET routing in the finger-table
// variant (spec.md §4.5 relies on this through the shared RoutingTable
// interface in package router). Ordinary fingers (including the
// successor at index 0) are compared in the successor direction; the
// predecessor finger is compared in the predecessor direction — mirroring
// select_closest_peer's is_predecessor split in the source. The running
// best starts at self, so a finger only wins if it is actually closer
// than the local identity; found is false (index -1) when no known
// finger beats self.
func (t *Table) ClosestFinger(key identifier.ID) (identifier.ID, int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best := t.self
	bestIndex := -1
	for i, f := range t.fingers {
		if !f.Present {
			continue
		}
		if identifier.CloserSuccessor(key, f.Identity, best) == f.Identity && f.Identity != best {
			best, bestIndex = f.Identity, i
		}
	}
	if t.predecessor.Present {
		if identifier.CloserPredecessor(key, t.predecessor.Identity, best) == t.predecessor.Identity && t.predecessor.Identity != best {
			best, bestIndex = t.predecessor.Identity, -2
		}
	}
	return best, bestIndex, bestIndex != -1
}

// BestPredecessorTrail selects the trail to use when forwarding to the
// predecessor finger, mirroring BestTrail's policy (uncongested,
// minimum-length trail).
func (t *Table) BestPredecessorTrail(now time.Time) (Trail, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.predecessor.Present {
		return Trail{}, false
	}
	return bestTrailOf(t.predecessor.Trails, t.friends, now)
}
