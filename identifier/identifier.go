// Package identifier implements the hash-arithmetic core (C1) shared by
// both DHT routing variants: XOR distance and bit-index closeness for
// Kademlia (R5N), cyclic ring distance for the finger-table (X-Vine)
// variant, and the inverse-distance weighting used for random peer
// selection.
//
// IDs are fixed-width, opaque 512-bit values — large enough to hold a
// cryptographic hash of a peer's public key or of a stored block. Every
// operation here is pure and total, exactly as spec.md §4.1 requires.
package identifier

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/bits"

	"github.com/holiman/uint256"
)

// Bits is the width of an identifier in bits (N in spec.md's notation).
const Bits = 512

// Size is the width of an identifier in bytes.
const Size = Bits / 8

// ID is a fixed-size 512-bit identifier. Both peer identities and stored
// keys share this type; which one a given ID represents is a matter of
// context, not of the type system (mirroring the source's treatment of
// PeerIdentity and HashCode as the same underlying hash type).
type ID [Size]byte

// String renders the identifier as a lowercase hex string.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the all-zero identifier.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Bytes returns the identifier's bytes as a slice backed by id itself.
func (id *ID) Bytes() []byte { return id[:] }

// Random returns a cryptographically random identifier. Used to pick
// lookup/refresh targets and to generate test fixtures.
func Random() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

// FromBytes copies up to Size bytes of b into a new ID, zero-padding on
// the right if b is shorter than Size.
func FromBytes(b []byte) ID {
	var id ID
	n := len(b)
	if n > Size {
		n = Size
	}
	copy(id[:n], b[:n])
	return id
}

// Xor computes the bitwise XOR distance between two identifiers. This is
// the fundamental metric of the Kademlia (R5N) variant: closer peers
// share more leading bits with the target and therefore have smaller XOR
// distance.
func Xor(a, b ID) ID {
	var out ID
	for i := 0; i < Size; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Less reports whether a has strictly smaller XOR distance to target than
// b does, without allocating an intermediate distance value.
func Less(target, a, b ID) bool {
	for i := 0; i < Size; i++ {
		da := target[i] ^ a[i]
		db := target[i] ^ b[i]
		if da != db {
			return da < db
		}
	}
	return false
}

// Cmp compares the XOR distances of a and b to target, returning -1, 0, or
// 1 as dist(target,a) is less than, equal to, or greater than dist(target,b).
func Cmp(target, a, b ID) int {
	for i := 0; i < Size; i++ {
		da := target[i] ^ a[i]
		db := target[i] ^ b[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Closer returns whichever of a, b has smaller XOR distance to target. On
// an exact tie it returns a. This implements spec.md §4.1's closer().
func Closer(target, a, b ID) ID {
	if Cmp(target, a, b) <= 0 {
		return a
	}
	return b
}

// LeadingMatchBits returns the number of leading bits that a and b share,
// in the range [0, Bits]. A value of Bits means a == b. This is the
// "bucket index" source for the Kademlia variant (spec.md §3, §4.1).
func LeadingMatchBits(a, b ID) int {
	for i := 0; i < Size; i++ {
		x := a[i] ^ b[i]
		if x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return Bits
}

// ringValue64 extracts the low 64 bits of id as the position it occupies
// on the cyclic ring the finger-table (X-Vine) variant routes over. Every
// finger/successor/predecessor value exchanged on the wire
// (fingertable.FingerValue, fingertable.PredecessorValue) already lives in
// this same 64-bit space, so cyclic comparisons are done here rather than
// over the full 512-bit identifier.
func ringValue64(id ID) uint64 {
	return binary.BigEndian.Uint64(id[Size-8:])
}

// CloserPredecessor returns whichever of a, b more closely precedes target
// in cyclic ring order — the finger-table variant's notion of closeness
// when maintaining the predecessor finger (spec.md §4.1, §4.4). On an
// exact tie it returns a.
//
// This is modular ring distance, not XOR distance: the candidate whose
// backward (decreasing, wrapping through zero) distance to target is
// smallest precedes target most closely. Mirrors
// select_closest_predecessor's case analysis from the source, reduced to
// a single wraparound-safe subtraction since uint64 arithmetic already
// wraps modulo 2^64.
func CloserPredecessor(target, a, b ID) ID {
	tv, av, bv := ringValue64(target), ringValue64(a), ringValue64(b)
	if tv-av <= tv-bv {
		return a
	}
	return b
}

// CloserSuccessor returns whichever of a, b more closely follows target in
// cyclic ring order — the finger-table variant's notion of closeness for
// the successor and the ordinary (non-predecessor) fingers (spec.md §4.1,
// §4.4). On an exact tie it returns a.
//
// Mirrors select_closest_finger's case analysis: the candidate whose
// forward (increasing, wrapping through zero) distance to target is
// smallest follows target most closely.
func CloserSuccessor(target, a, b ID) ID {
	tv, av, bv := ringValue64(target), ringValue64(a), ringValue64(b)
	if av-tv <= bv-tv {
		return a
	}
	return b
}

// maxInverseDistance is the saturation ceiling used by InverseDistance:
// the maximum representable value of the accumulator type used during
// weighted random selection (spec.md §9: "Total can overflow for very
// close peers — saturate at MAX").
var maxInverseDistance = func() *uint256.Int {
	max := uint256.NewInt(0)
	return max.Not(max) // all-ones: 2^256 - 1
}()

// InverseDistance returns the selection weight derived from the
// leading-bit match count, decreasing in XOR distance (increasing in the
// match count), used to weight random peer selection: peers
// that share more leading bits with the target contribute exponentially
// more weight. Spec.md §4.1/§9 settle on the active (non-commented-out)
// formula from the source: 2^bit_index, saturating at the accumulator's
// maximum instead of overflowing.
//
// bitIndex is expected to be LeadingMatchBits(candidate, target); values
// at or above 256 saturate immediately since 2^256 already exceeds a
// uint256 accumulator.
func InverseDistance(bitIndex int) *uint256.Int {
	if bitIndex <= 0 {
		return uint256.NewInt(1)
	}
	if bitIndex >= 256 {
		return new(uint256.Int).Set(maxInverseDistance)
	}
	weight := new(uint256.Int).Lsh(uint256.NewInt(1), uint(bitIndex))
	return weight
}

// SaturatingAdd returns a+b as a new value, clamping to maxInverseDistance
// instead of wrapping around on overflow; neither argument is modified.
func SaturatingAdd(a, b *uint256.Int) *uint256.Int {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return new(uint256.Int).Set(maxInverseDistance)
	}
	return sum
}
