// Package friend implements the friend table (C2): bookkeeping for direct
// neighbors delivered by the transport collaborator, their outbound queues,
// and congestion state (spec.md §3, §4.2).
//
// The teacher's `discover.KademliaTable` tracks staleness with a
// fail-count and last-seen timestamp per node; this package generalizes
// that same idea to a direct-neighbor congestion signal, and additionally
// wires `golang.org/x/time/rate` as a secondary signal alongside raw queue
// length — a friend whose outbound rate limiter is exhausted is treated
// as congested even if its queue has momentarily drained, smoothing over
// bursty send patterns that queue-length alone would miss.
package friend

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/r5n-overlay/dht/identifier"
)

// Config controls friend table sizing and congestion thresholds.
type Config struct {
	// MaxQueued is the bound on a friend's outbound FIFO (spec.md §3:
	// "congested iff queue_len >= MAX_QUEUED").
	MaxQueued int
	// ThroughThreshold is the trail count at which a friend is considered
	// congested regardless of queue length (spec.md §3).
	ThroughThreshold uint32
	// SendRateLimit and SendBurst configure the per-friend token bucket
	// used as the secondary congestion signal.
	SendRateLimit rate.Limit
	SendBurst     int
}

// DefaultConfig returns the configuration used absent overrides.
func DefaultConfig() Config {
	return Config{
		MaxQueued:        256,
		ThroughThreshold: 64,
		SendRateLimit:    rate.Limit(500),
		SendBurst:        100,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxQueued <= 0 {
		c.MaxQueued = 256
	}
	if c.ThroughThreshold == 0 {
		c.ThroughThreshold = 64
	}
	if c.SendRateLimit <= 0 {
		c.SendRateLimit = rate.Limit(500)
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 100
	}
}

// ErrQueueFull is returned (and a statistics counter bumped by the caller)
// when a friend's outbound queue is at capacity; the message is dropped,
// never buffered indefinitely (spec.md §4.2).
var ErrQueueFull = errors.New("friend: outbound queue full")

// ErrUnknownFriend is returned by operations addressing a friend ID the
// table has no entry for.
var ErrUnknownFriend = errors.New("friend: unknown friend")

// Friend is a single direct neighbor delivered by the transport
// collaborator (spec.md §3).
type Friend struct {
	ID identifier.ID

	mu              sync.Mutex
	queue           chan []byte
	congestionUntil time.Time
	trailsThrough   uint32
	limiter         *rate.Limiter
	lastSeen        time.Time
}

// QueueLen reports the current outbound queue depth.
func (f *Friend) QueueLen() int {
	return len(f.queue)
}

// TrailsThrough reports how many finger-table trails currently route
// through this friend.
func (f *Friend) TrailsThrough() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trailsThrough
}

// IncTrails and DecTrails adjust the trails-through counter as trails are
// installed/torn down through this friend (fingertable package calls
// these; see spec.md §4.4).
func (f *Friend) IncTrails() {
	f.mu.Lock()
	f.trailsThrough++
	f.mu.Unlock()
}

func (f *Friend) DecTrails() {
	f.mu.Lock()
	if f.trailsThrough > 0 {
		f.trailsThrough--
	}
	f.mu.Unlock()
}

// MarkCongested marks this friend congested until the given instant, used
// when a TRAIL_SETUP_REJECTION or Congested error is observed for it
// (spec.md §4.6 "Trail rejection").
func (f *Friend) MarkCongested(until time.Time) {
	f.mu.Lock()
	if until.After(f.congestionUntil) {
		f.congestionUntil = until
	}
	f.mu.Unlock()
}

// MarkSeen records activity from this friend, used to drive the
// maintenance timeout in spec.md §4.6.
func (f *Friend) MarkSeen(now time.Time) {
	f.mu.Lock()
	f.lastSeen = now
	f.mu.Unlock()
}

// LastSeen returns the last time this friend was observed active.
func (f *Friend) LastSeen() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeen
}

// IsCongested reports whether this friend is currently congested (spec.md
// §3): queue at capacity, too many trails routed through it, explicit
// congestion window still open, or its send-rate token bucket exhausted.
func (f *Friend) IsCongested(maxQueued int, throughThreshold uint32, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) >= maxQueued {
		return true
	}
	if f.trailsThrough >= throughThreshold {
		return true
	}
	if now.Before(f.congestionUntil) {
		return true
	}
	return f.limiter.TokensAt(now) < 1
}

// Send enqueues a framed message for transmission, dropping it with
// ErrQueueFull if the queue is at capacity rather than buffering
// indefinitely (spec.md §4.2 queue discipline).
func (f *Friend) Send(frame []byte) error {
	select {
	case f.queue <- frame:
		f.limiter.Allow() // draw one token; an empty bucket marks congestion
		return nil
	default:
		return ErrQueueFull
	}
}

// Recv exposes the outbound queue for the transport collaborator to drain.
func (f *Friend) Recv() <-chan []byte {
	return f.queue
}

// DropMetrics is bumped by Table.SendTo on overflow; callers observe it
// via Count for statistics reporting.
type DropMetrics struct {
	mu     sync.Mutex
	drops  uint64
}

func (d *DropMetrics) Inc() {
	d.mu.Lock()
	d.drops++
	d.mu.Unlock()
}

func (d *DropMetrics) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drops
}

// Table is the friend table (C2): the set of directly connected peers, as
// delivered by the transport collaborator's on_connect/on_disconnect
// callbacks (spec.md §4.2, §6.2).
type Table struct {
	cfg Config

	mu      sync.RWMutex
	friends map[identifier.ID]*Friend

	// OnFirstFriend is invoked (if set) the moment the table transitions
	// from empty to non-empty, to trigger maintenance (spec.md §4.2:
	// "on_connect ... triggers maintenance if this is the first friend").
	OnFirstFriend func(id identifier.ID)
	// OnDisconnectCascade is invoked with the departing friend's ID so
	// callers can cascade into C3/C4 cleanup (spec.md §4.4 delete
	// propagation); the table itself holds no reference to routing state.
	OnDisconnectCascade func(id identifier.ID)

	Drops DropMetrics
}

// New constructs an empty friend table.
func New(cfg Config) *Table {
	cfg.applyDefaults()
	return &Table{
		cfg:     cfg,
		friends: make(map[identifier.ID]*Friend),
	}
}

// OnConnect inserts a friend for a newly connected peer (spec.md §4.2).
func (t *Table) OnConnect(id identifier.ID) *Friend {
	t.mu.Lock()
	if existing, ok := t.friends[id]; ok {
		t.mu.Unlock()
		return existing
	}
	f := &Friend{
		ID:      id,
		queue:   make(chan []byte, t.cfg.MaxQueued),
		limiter: rate.NewLimiter(t.cfg.SendRateLimit, t.cfg.SendBurst),
	}
	wasEmpty := len(t.friends) == 0
	t.friends[id] = f
	t.mu.Unlock()

	if wasEmpty && t.OnFirstFriend != nil {
		t.OnFirstFriend(id)
	}
	return f
}

// OnDisconnect removes a friend and cascades into routing/trail cleanup
// via OnDisconnectCascade (spec.md §4.2, §4.4).
func (t *Table) OnDisconnect(id identifier.ID) {
	t.mu.Lock()
	_, existed := t.friends[id]
	delete(t.friends, id)
	t.mu.Unlock()

	if existed && t.OnDisconnectCascade != nil {
		t.OnDisconnectCascade(id)
	}
}

// Get returns the friend entry for id, if any.
func (t *Table) Get(id identifier.ID) (*Friend, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.friends[id]
	return f, ok
}

// Len returns the number of connected friends.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.friends)
}

// All returns a snapshot slice of every connected friend.
func (t *Table) All() []*Friend {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Friend, 0, len(t.friends))
	for _, f := range t.friends {
		out = append(out, f)
	}
	return out
}

// SelectRandomUncongested returns a uniformly random friend whose
// IsCongested is false, or nil if none qualify (spec.md §4.2).
func (t *Table) SelectRandomUncongested(now time.Time) *Friend {
	t.mu.RLock()
	candidates := make([]*Friend, 0, len(t.friends))
	for _, f := range t.friends {
		if !f.IsCongested(t.cfg.MaxQueued, t.cfg.ThroughThreshold, now) {
			candidates = append(candidates, f)
		}
	}
	t.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// IsCongested reports whether the given friend is congested, under this
// table's configured thresholds.
func (t *Table) IsCongested(f *Friend, now time.Time) bool {
	return f.IsCongested(t.cfg.MaxQueued, t.cfg.ThroughThreshold, now)
}

// SendTo frames msgType/body is already encoded by the caller (via the
// wire package) and enqueues it on the named friend's outbound queue,
// bumping Drops on overflow.
func (t *Table) SendTo(id identifier.ID, frame []byte) error {
	f, ok := t.Get(id)
	if !ok {
		return ErrUnknownFriend
	}
	if err := f.Send(frame); err != nil {
		t.Drops.Inc()
		return err
	}
	return nil
}

// ExpireSilent marks peers silent for longer than timeout as no longer
// trustworthy by invoking onExpire for each; it does not itself disconnect
// them (that is the transport's job once it independently observes the
// connection is dead). PingSilent invokes onPing for peers silent for
// half that duration, matching spec.md §4.6's "PING peers silent for half
// that" cadence.
func (t *Table) ExpireSilent(now time.Time, timeout time.Duration, onExpire func(identifier.ID)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, f := range t.friends {
		if now.Sub(f.LastSeen()) >= timeout {
			onExpire(id)
		}
	}
}

func (t *Table) PingSilent(now time.Time, timeout time.Duration, onPing func(identifier.ID)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	half := timeout / 2
	for id, f := range t.friends {
		silence := now.Sub(f.LastSeen())
		if silence >= half && silence < timeout {
			onPing(id)
		}
	}
}
