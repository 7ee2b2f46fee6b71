// Package stats defines the narrow statistics-sink collaborator consumed
// by the core (spec.md §1 lists "statistics counters" among the external
// collaborators deliberately out of scope). The core only ever increments
// named counters; aggregation, export, and presentation belong to
// whatever backend the embedding application chooses.
package stats

import "sync"

// Sink receives named counter increments from the DHT core.
type Sink interface {
	// Inc increments the named counter by delta (delta may be negative to
	// represent a gauge-style decrement, e.g. "pending requests").
	Inc(name string, delta int64)
}

// Noop discards every increment; used where no statistics backend is
// configured.
type Noop struct{}

func (Noop) Inc(string, int64) {}

// Memory is an in-process Sink backed by a map, useful for tests that
// assert on specific counters without standing up a real metrics backend.
type Memory struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMemory constructs an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{counters: make(map[string]int64)}
}

func (m *Memory) Inc(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

// Get returns the current value of the named counter.
func (m *Memory) Get(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Snapshot returns a copy of all counters.
func (m *Memory) Snapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

var (
	_ Sink = Noop{}
	_ Sink = (*Memory)(nil)
)
