// Validator implements the payload-integrity check of spec.md §4.5 "PUT
// handling (relayed): if a payload-integrity check is available for
// block_type, it matches the key" / §7 "Unauthenticated: block fails
// type-specific payload check where available".
//
// Only a subset of block types carry a content-addressing rule; every
// other block type has no available check and is accepted unconditionally
// (spec.md's "where available" qualifier). The two reference rules below
// are grounded on the teacher's go-ethereum-derived dependency graph: the
// teacher repo's core/types and trie packages hash content with
// go-ethereum's Keccak256, and the retrieved corpus elsewhere (verkle,
// bal) reaches for golang.org/x/crypto/blake2b for a second, cheaper
// digest — both are exercised here as two independent block-type rules
// rather than inventing a bespoke hash.
package store

import (
	"errors"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"

	"github.com/r5n-overlay/dht/identifier"
)

// ErrUnauthenticated is returned when a block's payload fails the
// type-specific integrity check for its declared block type (spec.md §7).
var ErrUnauthenticated = errors.New("store: payload fails integrity check for block type")

// Reference block types with an available payload-integrity rule. Any
// other block type (including the zero value) has no available check.
const (
	// BlockTypeKeccak256 requires key == Keccak256(payload), truncated/
	// zero-padded into an identifier.ID the way identifier.FromBytes
	// treats any short digest.
	BlockTypeKeccak256 uint32 = 1
	// BlockTypeBlake2b256 requires key == BLAKE2b-256(payload).
	BlockTypeBlake2b256 uint32 = 2
)

// Validate reports whether payload is authentic for key under blockType's
// integrity rule, and whether a rule was available at all. A block type
// with no known rule always reports (true, false): "no check available",
// per spec.md's "where available" qualifier, not an authentication
// failure.
func Validate(key identifier.ID, blockType uint32, payload []byte) (ok bool, checked bool) {
	switch blockType {
	case BlockTypeKeccak256:
		digest := gethcrypto.Keccak256(payload)
		return identifier.FromBytes(digest) == key, true
	case BlockTypeBlake2b256:
		digest := blake2b.Sum256(payload)
		return identifier.FromBytes(digest[:]) == key, true
	default:
		return true, false
	}
}
