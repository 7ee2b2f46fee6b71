package fingertable

import (
	"sync"

	"github.com/r5n-overlay/dht/identifier"
	"github.com/r5n-overlay/dht/wire"
)

// Row is a single intermediate-peer trail record (spec.md §3 "Trail",
// §4.4 "Trail store invariants"): prev_hop is the friend messages in the
// SRC->DEST direction arrive from, next_hop is the friend they are
// forwarded to. Endpoints of a trail do not store a Row; only the peers
// strictly between them do.
type Row struct {
	TrailID identifier.ID
	PrevHop identifier.ID
	NextHop identifier.ID
	Origin  wire.Direction
}

// TrailStore is C4's relay-side half: the set of rows this peer holds
// because it is an intermediate hop on someone else's trail (as opposed
// to fingertable.Table, which is the owner-side view of trails to one's
// own fingers). A peer can simultaneously be a finger owner for some
// trails and a relay for others; the two tables are independent.
type TrailStore struct {
	mu   sync.RWMutex
	rows map[identifier.ID]Row
}

// NewTrailStore constructs an empty relay-side trail store.
func NewTrailStore() *TrailStore {
	return &TrailStore{rows: make(map[identifier.ID]Row)}
}

// Install records a new intermediate row (spec.md §4.4 "A row exists on
// every intermediate peer of a trail").
func (s *TrailStore) Install(trailID, prevHop, nextHop identifier.ID, origin wire.Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[trailID] = Row{TrailID: trailID, PrevHop: prevHop, NextHop: nextHop, Origin: origin}
}

// Lookup returns the row for trailID, if this peer is an intermediate hop
// on it.
func (s *TrailStore) Lookup(trailID identifier.ID) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[trailID]
	return r, ok
}

// Remove deletes the row for trailID, e.g. on TRAIL_TEARDOWN or
// disconnect cascade.
func (s *TrailStore) Remove(trailID identifier.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, trailID)
}

// NextHopFor returns the hop to forward a message traveling in the given
// wire direction along trailID: direction SrcToDest follows PrevHop->
// NextHop, DestToSrc follows the reverse (spec.md §3 "direction marks
// which endpoint is the trail's source so that TEARDOWN and result
// messages can flow either way").
func (s *TrailStore) NextHopFor(trailID identifier.ID, travelDirection wire.Direction) (identifier.ID, bool) {
	r, ok := s.Lookup(trailID)
	if !ok {
		return identifier.ID{}, false
	}
	if travelDirection == wire.SrcToDest {
		return r.NextHop, true
	}
	return r.PrevHop, true
}

// RemoveFriendCascade drops every row whose prev_hop or next_hop matches
// the disconnected friend (spec.md §4.6 "Disconnect cascade: ... Also
// purge C4 rows where prev_hop or next_hop matches"). It does not itself
// emit TEARDOWN in the opposite direction: "the other side will observe
// the same event" per the same spec paragraph.
func (s *TrailStore) RemoveFriendCascade(disconnected identifier.ID) (removed []identifier.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rows {
		if r.PrevHop == disconnected || r.NextHop == disconnected {
			delete(s.rows, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Len reports the number of rows currently held.
func (s *TrailStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
