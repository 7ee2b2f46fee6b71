// Package transport defines the narrow transport collaborator interface
// consumed by the DHT core (spec.md §6.2) and an in-process reference
// implementation used by tests and the demo CLI. The encrypted
// peer-to-peer transport itself is explicitly out of scope (spec.md §1):
// the core only ever sees on_connect/on_disconnect/send/get_local_identity.
package transport

import (
	"sync"

	"github.com/r5n-overlay/dht/identifier"
)

// Transport is the external transport collaborator (spec.md §6.2): no
// blocking send, no delivery receipts.
type Transport interface {
	// OnConnect registers a callback invoked whenever a peer connects.
	OnConnect(func(peer identifier.ID))
	// OnDisconnect registers a callback invoked whenever a peer disconnects.
	OnDisconnect(func(peer identifier.ID))
	// OnReceive registers a callback invoked with frames arriving from peer.
	OnReceive(func(peer identifier.ID, frame []byte))
	// Send is best-effort: it may drop when backlog is full and returns
	// immediately (spec.md §6.2).
	Send(peer identifier.ID, frame []byte)
	// LocalIdentity returns this node's own identifier.
	LocalIdentity() identifier.ID
}

// InProcess is a reference Transport that wires several node instances
// together within a single process (no real network I/O), useful for
// tests and for the demo CLI's multi-node simulation mode.
type InProcess struct {
	id identifier.ID

	mu          sync.RWMutex
	peers       map[identifier.ID]*InProcess
	onConnect   []func(identifier.ID)
	onDisconnect []func(identifier.ID)
	onReceive   []func(identifier.ID, []byte)

	// QueueLimit is not consulted: Send delivers each frame synchronously
	// and keeps no pending-frame queue, so no frame is dropped for lack
	// of queue space.
	QueueLimit int
}

// NewInProcess constructs an in-process transport for identity id.
func NewInProcess(id identifier.ID) *InProcess {
	return &InProcess{
		id:         id,
		peers:      make(map[identifier.ID]*InProcess),
		QueueLimit: 1024,
	}
}

func (t *InProcess) OnConnect(cb func(identifier.ID)) {
	t.mu.Lock()
	t.onConnect = append(t.onConnect, cb)
	t.mu.Unlock()
}

func (t *InProcess) OnDisconnect(cb func(identifier.ID)) {
	t.mu.Lock()
	t.onDisconnect = append(t.onDisconnect, cb)
	t.mu.Unlock()
}

func (t *InProcess) OnReceive(cb func(identifier.ID, []byte)) {
	t.mu.Lock()
	t.onReceive = append(t.onReceive, cb)
	t.mu.Unlock()
}

func (t *InProcess) LocalIdentity() identifier.ID { return t.id }

// Link connects a and b bidirectionally, firing both sides'
// OnConnect callbacks.
func Link(a, b *InProcess) {
	a.mu.Lock()
	a.peers[b.id] = b
	connectCbs := append([]func(identifier.ID){}, a.onConnect...)
	a.mu.Unlock()
	for _, cb := range connectCbs {
		cb(b.id)
	}

	b.mu.Lock()
	b.peers[a.id] = a
	connectCbs = append([]func(identifier.ID){}, b.onConnect...)
	b.mu.Unlock()
	for _, cb := range connectCbs {
		cb(a.id)
	}
}

// Unlink disconnects a and b, firing both sides' OnDisconnect callbacks.
func Unlink(a, b *InProcess) {
	a.mu.Lock()
	delete(a.peers, b.id)
	disconnectCbs := append([]func(identifier.ID){}, a.onDisconnect...)
	a.mu.Unlock()
	for _, cb := range disconnectCbs {
		cb(b.id)
	}

	b.mu.Lock()
	delete(b.peers, a.id)
	disconnectCbs = append([]func(identifier.ID){}, b.onDisconnect...)
	b.mu.Unlock()
	for _, cb := range disconnectCbs {
		cb(a.id)
	}
}

// Send delivers frame to peer synchronously on the caller's goroutine,
// matching spec.md §6.2's "no blocking send, no delivery receipts" by
// simply never blocking or reporting success/failure back to the caller.
func (t *InProcess) Send(peer identifier.ID, frame []byte) {
	t.mu.RLock()
	target, ok := t.peers[peer]
	t.mu.RUnlock()
	if !ok {
		return
	}

	target.mu.RLock()
	callbacks := append([]func(identifier.ID, []byte){}, target.onReceive...)
	target.mu.RUnlock()

	cp := append([]byte(nil), frame...)
	for _, cb := range callbacks {
		cb(t.id, cp)
	}
}

var _ Transport = (*InProcess)(nil)
