// Package store implements the local cache (C7) and the narrow datastore
// collaborator interface it sits in front of (spec.md §4.7, §6.3).
//
// Cached blocks generalize the teacher's portal.ContentEntry
// (key/payload/expiration/provenance) from LRU-only eviction to the
// spec's time-bounded + oldest-expiry-first policy: a min-heap ordered by
// expiration backs the index, while raw payload bytes live in a
// VictoriaMetrics/fastcache instance the way the teacher never does but
// the rest of the retrieved corpus does for exactly this kind of
// high-churn byte-blob cache.
package store

import (
	"container/heap"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/r5n-overlay/dht/identifier"
)

// CachedBlock is a single stored block (spec.md §3 "Cached block").
type CachedBlock struct {
	Key        identifier.ID
	BlockType  uint32
	Payload    []byte
	Expiration time.Time
	PutPath    []identifier.ID
}

// Store is the external datastore collaborator interface consumed by the
// core (spec.md §6.3): put/get/get_random, assumed synchronous and fast.
type Store interface {
	// Put stores a block. Implementations overwrite any existing block
	// with the same key and block type.
	Put(block CachedBlock) error
	// Get yields every unexpired block matching key and blockType.
	Get(key identifier.ID, blockType uint32, now time.Time) ([]CachedBlock, error)
	// GetRandom returns a uniformly-ish random stored block, or ok=false
	// if the store is empty.
	GetRandom() (block CachedBlock, ok bool)
}

// indexKey identifies a block within the cache's maps.
type indexKey struct {
	key       identifier.ID
	blockType uint32
}

type heapEntry struct {
	idx        indexKey
	expiration time.Time
	heapIndex  int
}

type expiryHeap []*heapEntry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiration.Before(h[j].expiration) }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *expiryHeap) Push(x any) {
	e := x.(*heapEntry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

// CacheConfig configures the local block cache.
type CacheConfig struct {
	// MaxBytes bounds the fastcache payload store; eviction under memory
	// pressure falls back to oldest-expiry-first (spec.md §3 "Cached
	// block: ... Evicted on expiration or under memory pressure").
	MaxBytes int
	// MaxItems bounds the number of indexed blocks (0 = unlimited).
	MaxItems int
}

// DefaultCacheConfig returns the configuration used absent overrides.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxBytes: 128 << 20,
		MaxItems: 100_000,
	}
}

func (c *CacheConfig) applyDefaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 128 << 20
	}
	if c.MaxItems <= 0 {
		c.MaxItems = 100_000
	}
}

// CacheMetrics tracks cache activity, reported to the statistics sink
// collaborator (spec.md §4.7: "Each put from a relayed PUT reports to a
// statistics sink").
type CacheMetrics struct {
	mu        sync.Mutex
	puts      uint64
	gets      uint64
	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

func (m *CacheMetrics) incPuts()      { m.mu.Lock(); m.puts++; m.mu.Unlock() }
func (m *CacheMetrics) incGets()      { m.mu.Lock(); m.gets++; m.mu.Unlock() }
func (m *CacheMetrics) incHits()      { m.mu.Lock(); m.hits++; m.mu.Unlock() }
func (m *CacheMetrics) incMisses()    { m.mu.Lock(); m.misses++; m.mu.Unlock() }
func (m *CacheMetrics) incEvictions() { m.mu.Lock(); m.evictions++; m.mu.Unlock() }
func (m *CacheMetrics) incExpired()   { m.mu.Lock(); m.expired++; m.mu.Unlock() }

// Snapshot returns a point-in-time copy of the counters.
func (m *CacheMetrics) Snapshot() (puts, gets, hits, misses, evictions, expired uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts, m.gets, m.hits, m.misses, m.evictions, m.expired
}

// Cache is the local block cache (C7): a time-bounded map from
// (key, block_type) to payload, backed by fastcache for the bytes
// themselves and a min-heap for oldest-expiry-first eviction.
type Cache struct {
	cfg CacheConfig

	mu      sync.Mutex
	bytes   *fastcache.Cache
	entries map[indexKey]*heapEntry
	order   expiryHeap
	meta    map[indexKey]CachedBlock

	Metrics CacheMetrics
}

// NewCache constructs an empty Cache.
func NewCache(cfg CacheConfig) *Cache {
	cfg.applyDefaults()
	return &Cache{
		cfg:     cfg,
		bytes:   fastcache.New(cfg.MaxBytes),
		entries: make(map[indexKey]*heapEntry),
		meta:    make(map[indexKey]CachedBlock),
	}
}

func (c *Cache) encodeIndexKey(idx indexKey) []byte {
	b := make([]byte, identifier.Size+4)
	copy(b, idx.key[:])
	b[identifier.Size] = byte(idx.blockType >> 24)
	b[identifier.Size+1] = byte(idx.blockType >> 16)
	b[identifier.Size+2] = byte(idx.blockType >> 8)
	b[identifier.Size+3] = byte(idx.blockType)
	return b
}

// Put stores a block, evicting oldest-expiry entries first if the cache is
// at capacity (spec.md §4.7 put()).
func (c *Cache) Put(block CachedBlock) error {
	c.Metrics.incPuts()
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := indexKey{key: block.Key, blockType: block.BlockType}
	wireKey := c.encodeIndexKey(idx)

	if existing, ok := c.entries[idx]; ok {
		existing.expiration = block.Expiration
		heap.Fix(&c.order, existing.heapIndex)
		c.meta[idx] = block
		c.bytes.Set(wireKey, block.Payload)
		return nil
	}

	for len(c.entries) >= c.cfg.MaxItems {
		c.evictOldestLocked()
	}

	entry := &heapEntry{idx: idx, expiration: block.Expiration}
	heap.Push(&c.order, entry)
	c.entries[idx] = entry
	c.meta[idx] = block
	c.bytes.Set(wireKey, block.Payload)
	return nil
}

func (c *Cache) evictOldestLocked() {
	if c.order.Len() == 0 {
		return
	}
	entry := heap.Pop(&c.order).(*heapEntry)
	delete(c.entries, entry.idx)
	delete(c.meta, entry.idx)
	c.bytes.Del(c.encodeIndexKey(entry.idx))
	c.Metrics.incEvictions()
}

// Get yields every unexpired block matching key and blockType — in
// practice exactly zero or one, since (key, block_type) is the index, but
// the slice return matches spec.md §6.3's visit-callback-style "every
// unexpired match" semantics for datastore implementations that allow
// multiple payload versions per key.
func (c *Cache) Get(key identifier.ID, blockType uint32, now time.Time) ([]CachedBlock, error) {
	c.Metrics.incGets()
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := indexKey{key: key, blockType: blockType}
	entry, ok := c.entries[idx]
	if !ok {
		c.Metrics.incMisses()
		return nil, nil
	}
	if now.After(entry.expiration) {
		c.Metrics.incExpired()
		heap.Remove(&c.order, entry.heapIndex)
		delete(c.entries, idx)
		delete(c.meta, idx)
		c.bytes.Del(c.encodeIndexKey(idx))
		return nil, nil
	}

	c.Metrics.incHits()
	block := c.meta[idx]
	payload := c.bytes.Get(nil, c.encodeIndexKey(idx))
	block.Payload = payload
	return []CachedBlock{block}, nil
}

// GetRandom returns a uniformly-ish random unexpired stored block.
func (c *Cache) GetRandom() (CachedBlock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.meta) == 0 {
		return CachedBlock{}, false
	}
	// map iteration order is randomized per-run by the runtime; taking
	// the first entry visited approximates uniform sampling well enough
	// for maintenance/gossip purposes (spec.md §6.3 get_random is not a
	// statistically rigorous sampler in the source either).
	now := time.Now()
	for idx, block := range c.meta {
		if now.After(block.Expiration) {
			continue
		}
		payload := c.bytes.Get(nil, c.encodeIndexKey(idx))
		block.Payload = payload
		return block, true
	}
	return CachedBlock{}, false
}

// Len returns the number of indexed (possibly expired) blocks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reset clears the cache, releasing all fastcache storage.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytes.Reset()
	c.entries = make(map[indexKey]*heapEntry)
	c.meta = make(map[indexKey]CachedBlock)
	c.order = nil
}

var _ Store = (*Cache)(nil)
