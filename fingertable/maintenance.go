package fingertable

import (
	"sync"
	"time"

	"github.com/r5n-overlay/dht/friend"
	"github.com/r5n-overlay/dht/identifier"
	"github.com/r5n-overlay/dht/wire"
)

// MaintenanceConfig controls the finger-table variant's cadences: periodic
// TRAIL_SETUP discovery (with exponential backoff when searches make no
// progress), periodic VERIFY_SUCCESSOR liveness probing (with a retry
// timer), and the congestion window applied on TRAIL_SETUP_REJECTION
// (spec.md §4.6 "Finger variant", "Verify_successor loop", "Trail
// rejection").
type MaintenanceConfig struct {
	FindFingerInterval           time.Duration
	FindFingerMaxBackoff         time.Duration
	VerifySuccessorInterval      time.Duration
	VerifySuccessorRetryInterval time.Duration
	NotifyRetryInterval          time.Duration
	CongestionTimeout            time.Duration
}

// DefaultMaintenanceConfig returns the configuration used absent
// overrides.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		FindFingerInterval:           5 * time.Second,
		FindFingerMaxBackoff:         5 * time.Minute,
		VerifySuccessorInterval:      10 * time.Second,
		VerifySuccessorRetryInterval: 30 * time.Second,
		NotifyRetryInterval:          15 * time.Second,
		CongestionTimeout:            2 * time.Minute,
	}
}

func (c *MaintenanceConfig) applyDefaults() {
	if c.FindFingerInterval <= 0 {
		c.FindFingerInterval = 5 * time.Second
	}
	if c.FindFingerMaxBackoff <= 0 {
		c.FindFingerMaxBackoff = 5 * time.Minute
	}
	if c.VerifySuccessorInterval <= 0 {
		c.VerifySuccessorInterval = 10 * time.Second
	}
	if c.VerifySuccessorRetryInterval <= 0 {
		c.VerifySuccessorRetryInterval = 30 * time.Second
	}
	if c.NotifyRetryInterval <= 0 {
		c.NotifyRetryInterval = 15 * time.Second
	}
	if c.CongestionTimeout <= 0 {
		c.CongestionTimeout = 2 * time.Minute
	}
}

// predecessorCloserU64 returns whichever of a, b more closely precedes
// target on the 64-bit ring that trail-setup targets live in (spec.md
// §4.4) — the uint64 analog of identifier.CloserPredecessor, mirroring
// select_closest_predecessor's wraparound case analysis via a single
// modular subtraction.
func predecessorCloserU64(target, a, b uint64) uint64 {
	if target-a <= target-b {
		return a
	}
	return b
}

// successorCloserU64 returns whichever of a, b more closely follows
// target on the 64-bit ring — the uint64 analog of
// identifier.CloserSuccessor, mirroring select_closest_finger.
func successorCloserU64(target, a, b uint64) uint64 {
	if a-target <= b-target {
		return a
	}
	return b
}

// Maintainer drives the finger-table discovery and successor-verification
// cadences of spec.md §4.6 against a Table, a TrailStore, and a
// friend.Table, emitting wire frames via the Send* hooks.
type Maintainer struct {
	cfg     MaintenanceConfig
	self    identifier.ID
	table   *Table
	store   *TrailStore
	friends *friend.Table

	mu          sync.Mutex
	searchIndex int // N-1..0, then PredecessorSlot(-1), then wraps to N-1
	emptyRounds int

	pendingNotify map[identifier.ID]bool // trailID -> awaiting confirmation

	// SendTrailSetup emits a TRAIL_SETUP to a friend.
	SendTrailSetup func(to identifier.ID, msg *wire.TrailSetup)
	// SendTrailSetupResult emits a TRAIL_SETUP_RESULT back along a
	// forward path.
	SendTrailSetupResult func(to identifier.ID, msg *wire.TrailSetupResult)
	// SendTrailSetupRejection emits congestion feedback.
	SendTrailSetupRejection func(to identifier.ID, msg *wire.TrailSetupRejection)
	// SendTrailTeardown emits a TRAIL_TEARDOWN.
	SendTrailTeardown func(to identifier.ID, msg *wire.TrailTeardown)
	// SendVerifySuccessor emits a liveness probe.
	SendVerifySuccessor func(to identifier.ID, msg *wire.VerifySuccessor)
	// SendVerifySuccessorResult answers a probe.
	SendVerifySuccessorResult func(to identifier.ID, msg *wire.VerifySuccessorResult)
	// SendNotifyNewSuccessor informs a new predecessor.
	SendNotifyNewSuccessor func(to identifier.ID, msg *wire.NotifyNewSuccessor)
	// SendNotifySuccessorConfirmation acks a NotifyNewSuccessor.
	SendNotifySuccessorConfirmation func(to identifier.ID, msg *wire.NotifySuccessorConfirmation)

	// NewTrailID mints a fresh trail identifier; overridable for tests.
	NewTrailID func() identifier.ID
}

// NewMaintainer constructs a Maintainer bound to table/store/friends for
// local identity self. table.Teardown and table.NotifyNewSuccessor are set
// by the caller (node.Node points Teardown at its own TRAIL_TEARDOWN
// emission and NotifyNewSuccessor at this Maintainer's Notify).
func NewMaintainer(cfg MaintenanceConfig, self identifier.ID, table *Table, store *TrailStore, friends *friend.Table) *Maintainer {
	cfg.applyDefaults()
	return &Maintainer{
		cfg:           cfg,
		self:          self,
		table:         table,
		store:         store,
		friends:       friends,
		searchIndex:   N - 1,
		pendingNotify: make(map[identifier.ID]bool),
		NewTrailID:    identifier.Random,
	}
}

// NextBackoff returns the delay before the next find-finger round:
// FindFingerInterval scaled up by emptyRounds (spec.md §4.6
// "Finger-found reset": "many empty rounds -> exponential backoff"),
// capped at FindFingerMaxBackoff.
func (m *Maintainer) NextBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.cfg.FindFingerInterval << uint(m.emptyRounds)
	if d <= 0 || d > m.cfg.FindFingerMaxBackoff {
		d = m.cfg.FindFingerMaxBackoff
	}
	return d
}

// nextSearchTarget advances the monotonic search counter: N-1 down to 0,
// then the predecessor slot, then wraps back to N-1 (spec.md §4.6). The
// counter starts at N-1, and RunFindFingerRound's reset also returns it to
// N-1, so the predecessor slot is always the last target of a cycle.
func (m *Maintainer) nextSearchTarget() (index int, target uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	index = m.searchIndex
	if index == PredecessorSlot {
		target = PredecessorValue(m.self)
	} else {
		target = FingerValue(m.self, index)
	}
	m.searchIndex--
	if m.searchIndex < PredecessorSlot {
		m.searchIndex = N - 1
	}
	return index, target
}

// RunFindFingerRound performs one TRAIL_SETUP discovery round: pick the
// next search target, a random uncongested friend, and emit TRAIL_SETUP
// (spec.md §4.6 "Finger variant"). If the table is already fully
// populated, the search index resets and the empty-round counter used for
// backoff is updated (spec.md §4.6 "Finger-found reset").
func (m *Maintainer) RunFindFingerRound(now time.Time) {
	if m.table.Populated() {
		m.mu.Lock()
		m.searchIndex = N - 1
		m.emptyRounds = 0
		m.mu.Unlock()
		return
	}

	index, target := m.nextSearchTarget()
	fr := m.friends.SelectRandomUncongested(now)
	if fr == nil {
		m.mu.Lock()
		m.emptyRounds++
		m.mu.Unlock()
		return
	}

	isPredecessor := uint32(0)
	if index == PredecessorSlot {
		isPredecessor = 1
	}
	msg := &wire.TrailSetup{
		IsPredecessor:               isPredecessor,
		FinalDestinationFingerValue: target,
		Source:                      m.self,
		BestKnownDestination:        fr.ID,
		TrailID:                     m.NewTrailID(),
		TrailSoFar:                  []identifier.ID{m.self},
	}
	if m.SendTrailSetup != nil {
		m.SendTrailSetup(fr.ID, msg)
	}
}

// amIClosest reports whether no known friend is a better match for target
// than the local peer itself, the finger-table variant's endpoint test
// (spec.md §4.6 "Upon reaching an endpoint that believes itself
// closest"). isPredecessor selects predecessor-direction vs
// successor-direction ring comparison, matching select_closest_peer's
// split in the source.
func (m *Maintainer) amIClosest(target uint64, isPredecessor bool) bool {
	closer := successorCloserU64
	if isPredecessor {
		closer = predecessorCloserU64
	}
	self64 := low64(m.self)
	best := self64
	for _, fr := range m.friends.All() {
		best = closer(target, best, low64(fr.ID))
	}
	return best == self64
}

// selectNextHop picks the friend closest to target among uncongested
// friends other than exclude, for forwarding a TRAIL_SETUP onward.
// isPredecessor selects predecessor-direction vs successor-direction ring
// comparison, matching select_closest_peer's split in the source.
func (m *Maintainer) selectNextHop(target uint64, isPredecessor bool, now time.Time, exclude identifier.ID) (identifier.ID, bool) {
	closer := successorCloserU64
	if isPredecessor {
		closer = predecessorCloserU64
	}
	var best identifier.ID
	found := false
	for _, fr := range m.friends.All() {
		if fr.ID == exclude {
			continue
		}
		if m.friends.IsCongested(fr, now) {
			continue
		}
		cand64 := low64(fr.ID)
		if !found {
			best, found = fr.ID, true
			continue
		}
		best64 := low64(best)
		if closer(target, cand64, best64) == cand64 && cand64 != best64 {
			best = fr.ID
		}
	}
	return best, found
}

// HandleTrailSetup processes an inbound TRAIL_SETUP (spec.md §4.6,
// §4.4): if this peer believes itself closest to the target, it replies
// TRAIL_SETUP_RESULT back along the reverse path; if its own capacity to
// host more trails is exhausted, it replies TRAIL_SETUP_REJECTION
// (spec.md §7 "Congested for TRAIL_SETUP"); otherwise it appends itself
// to the trail and forwards to the next hop.
func (m *Maintainer) HandleTrailSetup(from identifier.ID, msg *wire.TrailSetup, now time.Time, maxTrails int) {
	if m.store.Len() >= maxTrails && maxTrails > 0 {
		if m.SendTrailSetupRejection != nil {
			rej := &wire.TrailSetupRejection{
				Source:           msg.Source,
				CongestedPeer:    m.self,
				UltimateValue:    msg.FinalDestinationFingerValue,
				IsPredecessor:    msg.IsPredecessor,
				TrailID:          msg.TrailID,
				CongestionTimeMs: uint64(m.cfg.CongestionTimeout / time.Millisecond),
				TrailSoFar:       msg.TrailSoFar,
			}
			m.SendTrailSetupRejection(from, rej)
		}
		return
	}

	isPredecessor := msg.IsPredecessor != 0
	if m.amIClosest(msg.FinalDestinationFingerValue, isPredecessor) {
		reverse := make([]identifier.ID, len(msg.TrailSoFar))
		for i, id := range msg.TrailSoFar {
			reverse[len(reverse)-1-i] = id
		}
		result := &wire.TrailSetupResult{
			FingerIdentity: m.self,
			QueryingPeer:   msg.Source,
			IsPredecessor:  msg.IsPredecessor,
			UltimateValue:  msg.FinalDestinationFingerValue,
			TrailID:        msg.TrailID,
			ReverseTrail:   reverse,
		}
		if len(reverse) > 0 && m.SendTrailSetupResult != nil {
			m.SendTrailSetupResult(reverse[0], result)
		}
		return
	}

	next, ok := m.selectNextHop(msg.FinalDestinationFingerValue, isPredecessor, now, from)
	if !ok {
		return
	}
	m.store.Install(msg.TrailID, from, next, wire.SrcToDest)
	forwarded := *msg
	forwarded.TrailSoFar = append(append([]identifier.ID{}, msg.TrailSoFar...), m.self)
	if m.SendTrailSetup != nil {
		m.SendTrailSetup(next, &forwarded)
	}
}

// HandleTrailSetupResult processes a TRAIL_SETUP_RESULT traveling back
// along ReverseTrail. An intermediate hop installs a trail row and
// forwards to the next entry in ReverseTrail; the origin (ReverseTrail
// exhausted) installs the finger via Table.AddNewFinger or
// CompareAndUpdate{Predecessor,Successor} depending on IsPredecessor and
// whether this is an initial discovery vs. a successor-replacement flow.
func (m *Maintainer) HandleTrailSetupResult(from identifier.ID, msg *wire.TrailSetupResult) {
	if len(msg.ReverseTrail) == 0 {
		m.installDiscoveredFinger(msg)
		return
	}
	next := msg.ReverseTrail[0]
	m.store.Install(msg.TrailID, from, next, wire.DestToSrc)
	forwarded := *msg
	forwarded.ReverseTrail = msg.ReverseTrail[1:]
	if m.SendTrailSetupResult != nil {
		m.SendTrailSetupResult(next, &forwarded)
	}
}

func (m *Maintainer) installDiscoveredFinger(msg *wire.TrailSetupResult) {
	index, ok := FingerTableIndex(m.self, msg.UltimateValue)
	if !ok && msg.IsPredecessor == 0 {
		return
	}
	// hops is reconstructed from the forward direction; the reverse trail
	// carried here excludes the origin itself and already lists hops in
	// DEST->SRC order, so the forward path for the owner-side Trail is
	// its reverse.
	hops := make([]identifier.ID, len(msg.ReverseTrail)+1)
	hops[len(hops)-1] = msg.FingerIdentity
	for i, id := range msg.ReverseTrail {
		hops[len(hops)-2-i] = id
	}
	trail := Trail{TrailID: msg.TrailID, Hops: hops, Length: uint32(len(hops)), Present: true}

	if msg.IsPredecessor != 0 {
		m.table.CompareAndUpdatePredecessor(msg.FingerIdentity, trail)
		return
	}
	if index == SuccessorIndex {
		m.table.CompareAndUpdateSuccessor(msg.FingerIdentity, trail)
		return
	}
	m.table.AddNewFinger(index, msg.FingerIdentity, hops, msg.TrailID)
}

// HandleTrailSetupRejection processes congestion feedback (spec.md §4.6
// "Trail rejection", §7): the immediate sender is marked congested for
// congestion_time; if this peer is not the rejection's ultimate
// recipient (origin), it relays the rejection back toward the origin
// along trail-so-far.
func (m *Maintainer) HandleTrailSetupRejection(from identifier.ID, msg *wire.TrailSetupRejection, now time.Time) {
	if fr, ok := m.friends.Get(from); ok {
		fr.MarkCongested(now.Add(time.Duration(msg.CongestionTimeMs) * time.Millisecond))
	}
	if msg.Source == m.self {
		return
	}
	if len(msg.TrailSoFar) == 0 {
		return
	}
	prior := msg.TrailSoFar[len(msg.TrailSoFar)-1]
	forwarded := *msg
	forwarded.TrailSoFar = msg.TrailSoFar[:len(msg.TrailSoFar)-1]
	if m.SendTrailSetupRejection != nil {
		m.SendTrailSetupRejection(prior, &forwarded)
	}
}

// RunVerifySuccessorRound emits VERIFY_SUCCESSOR along the shortest trail
// to the current successor (spec.md §4.6 "Verify_successor loop").
func (m *Maintainer) RunVerifySuccessorRound(now time.Time) {
	successor := m.table.Successor()
	if !successor.Present {
		return
	}
	trail, ok := bestTrailOf(successor.Trails, m.friends, now)
	if !ok {
		return
	}
	first, hasHop := trail.FirstHop()
	if !hasHop {
		first = successor.Identity
	}
	msg := &wire.VerifySuccessor{
		Source:    m.self,
		Successor: successor.Identity,
		TrailID:   trail.TrailID,
		Trail:     trail.Hops,
	}
	if m.SendVerifySuccessor != nil {
		m.SendVerifySuccessor(first, msg)
	}
}

// HandleVerifySuccessor answers or forwards a liveness probe: if this
// peer is the named successor, it replies with its own predecessor
// (spec.md §4.6); otherwise it forwards along the trail store.
func (m *Maintainer) HandleVerifySuccessor(from identifier.ID, msg *wire.VerifySuccessor) {
	if msg.Successor == m.self {
		pred := m.table.Predecessor()
		result := &wire.VerifySuccessorResult{
			Querying:         msg.Source,
			CurrentSuccessor: msg.Successor,
			TrailID:          msg.TrailID,
			Direction:        wire.DestToSrc,
			Trail:            msg.Trail,
		}
		if pred.Present {
			result.ProbableSuccessor = pred.Identity
		}
		if m.SendVerifySuccessorResult != nil {
			m.SendVerifySuccessorResult(from, result)
		}
		return
	}
	next, ok := m.store.NextHopFor(msg.TrailID, wire.SrcToDest)
	if !ok {
		return // TrailUnknown: drop, expected during races (spec.md §7).
	}
	if m.SendVerifySuccessor != nil {
		m.SendVerifySuccessor(next, msg)
	}
}

// HandleVerifySuccessorResult processes the probe response: the origin
// compares ProbableSuccessor against the current successor and calls
// CompareAndUpdateSuccessor if it is better; intermediates forward along
// the trail store in the reverse direction.
func (m *Maintainer) HandleVerifySuccessorResult(from identifier.ID, msg *wire.VerifySuccessorResult) {
	if msg.Querying == m.self {
		if msg.ProbableSuccessor.IsZero() || msg.ProbableSuccessor == msg.CurrentSuccessor {
			return
		}
		trail := Trail{TrailID: m.NewTrailID(), Hops: append(append([]identifier.ID{}, msg.Trail...), msg.ProbableSuccessor), Present: true}
		trail.Length = uint32(len(trail.Hops))
		// CompareAndUpdateSuccessor invokes Table.NotifyNewSuccessor on
		// replacement, which node.go wires to Maintainer.Notify.
		m.table.CompareAndUpdateSuccessor(msg.ProbableSuccessor, trail)
		return
	}
	next, ok := m.store.NextHopFor(msg.TrailID, wire.DestToSrc)
	if !ok {
		return
	}
	if m.SendVerifySuccessorResult != nil {
		m.SendVerifySuccessorResult(next, msg)
	}
}

// Notify emits NOTIFY_NEW_SUCCESSOR toward newSuccessor along trail and
// records it as pending a confirmation (spec.md §4.4). Wire this as the
// fingertable.Table's NotifyNewSuccessor hook so every successor
// replacement path (verify-successor driven or finger-search driven)
// notifies uniformly.
func (m *Maintainer) Notify(newSuccessor identifier.ID, trail Trail) {
	m.sendNotify(newSuccessor, trail)
}

func (m *Maintainer) sendNotify(newSuccessor identifier.ID, trail Trail) {
	m.mu.Lock()
	m.pendingNotify[trail.TrailID] = true
	m.mu.Unlock()

	first, hasHop := trail.FirstHop()
	if !hasHop {
		first = newSuccessor
	}
	msg := &wire.NotifyNewSuccessor{
		Source:       m.self,
		NewSuccessor: newSuccessor,
		TrailID:      trail.TrailID,
		Trail:        trail.Hops,
	}
	if m.SendNotifyNewSuccessor != nil {
		m.SendNotifyNewSuccessor(first, msg)
	}
}

// RetryPendingNotify re-sends NOTIFY_NEW_SUCCESSOR for trailID if it has
// not yet been confirmed (spec.md §4.4 "The NOTIFY has a bounded retry
// timer until the addressee confirms"); callers schedule this on
// NotifyRetryInterval and stop once HandleNotifySuccessorConfirmation
// observes the ack.
func (m *Maintainer) RetryPendingNotify(trailID identifier.ID, newSuccessor identifier.ID, trail Trail) bool {
	m.mu.Lock()
	pending := m.pendingNotify[trailID]
	m.mu.Unlock()
	if !pending {
		return false
	}
	m.sendNotify(newSuccessor, trail)
	return true
}

// HandleNotifyNewSuccessor processes an inbound NOTIFY_NEW_SUCCESSOR:
// this peer has gained a new predecessor and must confirm it.
func (m *Maintainer) HandleNotifyNewSuccessor(from identifier.ID, msg *wire.NotifyNewSuccessor) {
	hops := make([]identifier.ID, len(msg.Trail))
	for i, id := range msg.Trail {
		hops[len(hops)-1-i] = id
	}
	trail := Trail{TrailID: msg.TrailID, Hops: hops, Length: uint32(len(hops)), Present: true}
	m.table.CompareAndUpdatePredecessor(msg.Source, trail)

	confirm := &wire.NotifySuccessorConfirmation{TrailID: msg.TrailID, Direction: wire.DestToSrc}
	first, hasHop := trail.FirstHop()
	if !hasHop {
		first = msg.Source
	}
	if m.SendNotifySuccessorConfirmation != nil {
		m.SendNotifySuccessorConfirmation(first, confirm)
	}
}

// HandleNotifySuccessorConfirmation stops the retry timer for trailID
// (spec.md §4.4).
func (m *Maintainer) HandleNotifySuccessorConfirmation(msg *wire.NotifySuccessorConfirmation) {
	m.mu.Lock()
	delete(m.pendingNotify, msg.TrailID)
	m.mu.Unlock()
}

// HandleTrailTeardown processes a TRAIL_TEARDOWN: removes the local row
// (if any) and forwards along the opposite hop so the teardown continues
// to propagate until it reaches an endpoint (spec.md §3 "Trail",
// §9 "Teardown symmetry").
func (m *Maintainer) HandleTrailTeardown(msg *wire.TrailTeardown) {
	next, ok := m.store.NextHopFor(msg.TrailID, msg.Direction)
	m.store.Remove(msg.TrailID)
	if !ok {
		return
	}
	if m.SendTrailTeardown != nil {
		m.SendTrailTeardown(next, msg)
	}
}

// HandleAddTrail installs a trail explicitly advertised via ADD_TRAIL
// (spec.md §6.1), used when a shorter path to an existing finger is
// learned out of band.
func (m *Maintainer) HandleAddTrail(msg *wire.AddTrail) {
	index, ok := FingerTableIndex(m.self, low64(msg.Destination))
	if !ok {
		return
	}
	trail := Trail{TrailID: msg.TrailID, Hops: append(append([]identifier.ID{}, msg.Trail...), msg.Destination), Present: true}
	trail.Length = uint32(len(trail.Hops))
	m.table.SelectAndReplaceTrail(index, trail)
}
