// Package pebblestore adapts store.Store onto cockroachdb/pebble, giving
// the DHT core a durable datastore collaborator (spec.md §6.3 frames the
// datastore as "used via simple put/get/get_random calls"; pebble is the
// teacher repo's own embedded-storage dependency, carried forward here
// for exactly the role it plays there).
package pebblestore

import (
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/r5n-overlay/dht/identifier"
	"github.com/r5n-overlay/dht/store"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("pebblestore: store is closed")

// Store adapts a *pebble.DB to store.Store.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if necessary) a pebble database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying pebble database.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeKey(key identifier.ID, blockType uint32) []byte {
	b := make([]byte, identifier.Size+4)
	copy(b, key[:])
	binary.BigEndian.PutUint32(b[identifier.Size:], blockType)
	return b
}

// encodeValue serializes a CachedBlock's mutable fields (expiration,
// put_path, payload); key and block_type already live in the pebble key.
func encodeValue(block store.CachedBlock) []byte {
	buf := make([]byte, 0, 8+4+len(block.PutPath)*identifier.Size+len(block.Payload))
	var tmp8 [8]byte
	binary.BigEndian.PutUint64(tmp8[:], uint64(block.Expiration.UnixNano()))
	buf = append(buf, tmp8[:]...)

	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], uint32(len(block.PutPath)))
	buf = append(buf, tmp4[:]...)
	for _, id := range block.PutPath {
		buf = append(buf, id[:]...)
	}
	buf = append(buf, block.Payload...)
	return buf
}

func decodeValue(key identifier.ID, blockType uint32, data []byte) (store.CachedBlock, bool) {
	if len(data) < 12 {
		return store.CachedBlock{}, false
	}
	expNanos := int64(binary.BigEndian.Uint64(data[:8]))
	pathLen := binary.BigEndian.Uint32(data[8:12])
	data = data[12:]

	need := int(pathLen) * identifier.Size
	if need > len(data) {
		return store.CachedBlock{}, false
	}
	path := make([]identifier.ID, pathLen)
	for i := uint32(0); i < pathLen; i++ {
		copy(path[i][:], data[int(i)*identifier.Size:int(i+1)*identifier.Size])
	}
	payload := append([]byte(nil), data[need:]...)

	return store.CachedBlock{
		Key:        key,
		BlockType:  blockType,
		Payload:    payload,
		Expiration: time.Unix(0, expNanos),
		PutPath:    path,
	}, true
}

// Put implements store.Store.
func (s *Store) Put(block store.CachedBlock) error {
	key := encodeKey(block.Key, block.BlockType)
	value := encodeValue(block)
	return s.db.Set(key, value, pebble.Sync)
}

// Get implements store.Store.
func (s *Store) Get(key identifier.ID, blockType uint32, now time.Time) ([]store.CachedBlock, error) {
	wireKey := encodeKey(key, blockType)
	data, closer, err := s.db.Get(wireKey)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	block, ok := decodeValue(key, blockType, data)
	if !ok {
		return nil, nil
	}
	if now.After(block.Expiration) {
		_ = s.db.Delete(wireKey, pebble.Sync)
		return nil, nil
	}
	return []store.CachedBlock{block}, nil
}

// GetRandom implements store.Store by reservoir-sampling a single entry
// while scanning the keyspace once.
func (s *Store) GetRandom() (store.CachedBlock, bool) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return store.CachedBlock{}, false
	}
	defer iter.Close()

	var chosen store.CachedBlock
	var found bool
	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		rawKey := iter.Key()
		if len(rawKey) != identifier.Size+4 {
			continue
		}
		var key identifier.ID
		copy(key[:], rawKey[:identifier.Size])
		blockType := binary.BigEndian.Uint32(rawKey[identifier.Size:])

		value := iter.Value()
		block, ok := decodeValue(key, blockType, value)
		if !ok {
			continue
		}
		count++
		if rand.Intn(count) == 0 {
			chosen = block
			found = true
		}
	}
	return chosen, found
}

var (
	_ store.Store = (*Store)(nil)
	_ io.Closer   = (*Store)(nil)
)
