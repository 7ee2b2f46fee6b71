// Package memstore is an in-memory reference implementation of
// store.Store, used as the default datastore collaborator in tests and in
// the demo node (cmd/dhtnode) when no durable backend is configured.
package memstore

import (
	"sync"
	"time"

	"github.com/r5n-overlay/dht/identifier"
	"github.com/r5n-overlay/dht/store"
)

type entryKey struct {
	key       identifier.ID
	blockType uint32
}

// Store is a plain mutex-guarded map satisfying store.Store. Unlike
// store.Cache it has no capacity bound or eviction policy: it exists to
// give tests and small demos a datastore collaborator without depending
// on a real embedded database.
type Store struct {
	mu      sync.Mutex
	entries map[entryKey]store.CachedBlock
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{entries: make(map[entryKey]store.CachedBlock)}
}

func (s *Store) Put(block store.CachedBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := append([]byte(nil), block.Payload...)
	block.Payload = payload
	s.entries[entryKey{key: block.Key, blockType: block.BlockType}] = block
	return nil
}

func (s *Store) Get(key identifier.ID, blockType uint32, now time.Time) ([]store.CachedBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, ok := s.entries[entryKey{key: key, blockType: blockType}]
	if !ok {
		return nil, nil
	}
	if now.After(block.Expiration) {
		delete(s.entries, entryKey{key: key, blockType: blockType})
		return nil, nil
	}
	return []store.CachedBlock{block}, nil
}

func (s *Store) GetRandom() (store.CachedBlock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, block := range s.entries {
		return block, true
	}
	return store.CachedBlock{}, false
}

// Len returns the number of stored blocks, for test assertions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var _ store.Store = (*Store)(nil)
