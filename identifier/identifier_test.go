package identifier

import "testing"

func idWithByte(i int, b byte) ID {
	var id ID
	id[i] = b
	return id
}

func TestXorIdentical(t *testing.T) {
	a := idWithByte(0, 0xAB)
	if d := Xor(a, a); !d.IsZero() {
		t.Fatalf("Xor(a,a): want zero, got %x", d)
	}
}

func TestLeadingMatchBitsIdentical(t *testing.T) {
	a := idWithByte(3, 0x42)
	if m := LeadingMatchBits(a, a); m != Bits {
		t.Fatalf("LeadingMatchBits(a,a): want %d, got %d", Bits, m)
	}
}

func TestLeadingMatchBitsHighBitDiffers(t *testing.T) {
	var a, b ID
	b[0] = 0x80
	if m := LeadingMatchBits(a, b); m != 0 {
		t.Fatalf("LeadingMatchBits: want 0, got %d", m)
	}
}

func TestLeadingMatchBitsLastBitDiffers(t *testing.T) {
	var a, b ID
	b[Size-1] = 0x01
	want := Bits - 1
	if m := LeadingMatchBits(a, b); m != want {
		t.Fatalf("LeadingMatchBits: want %d, got %d", want, m)
	}
}

func TestCloserPicksSmallerXor(t *testing.T) {
	var target, a, b ID
	a[Size-1] = 0x01 // distance 1
	b[Size-1] = 0x03 // distance 3
	if got := Closer(target, a, b); got != a {
		t.Fatalf("Closer: want a, got %x", got)
	}
	if got := Closer(target, b, a); got != a {
		t.Fatalf("Closer (swapped args): want a, got %x", got)
	}
}

func TestCloserTieBreaksToFirstArg(t *testing.T) {
	var target, a ID
	a[0] = 0x11
	b := a
	if got := Closer(target, a, b); got != a {
		t.Fatalf("Closer tie: want a, got %x", got)
	}
}

func TestCmpOrdering(t *testing.T) {
	var target, near, far ID
	near[Size-1] = 0x01
	far[Size-1] = 0xFF
	if Cmp(target, near, far) >= 0 {
		t.Fatalf("Cmp(near,far): want negative")
	}
	if Cmp(target, far, near) <= 0 {
		t.Fatalf("Cmp(far,near): want positive")
	}
	if Cmp(target, near, near) != 0 {
		t.Fatalf("Cmp(near,near): want 0")
	}
}

func TestCloserPredecessorPrefersWraparoundOverXorMagnitude(t *testing.T) {
	// target=0; on the 64-bit ring a (0x01) is 2^64-1 steps back from
	// target and b (0xFE) is 2^64-254 steps back, so b is the closer
	// predecessor of target even though XOR would rank a closer (XOR
	// distance 1 vs 254).
	var target ID
	a := idWithByte(Size-1, 0x01)
	b := idWithByte(Size-1, 0xFE)
	if got := CloserPredecessor(target, a, b); got != b {
		t.Fatalf("CloserPredecessor: want b (true predecessor), got %x", got)
	}
	if got := CloserPredecessor(target, b, a); got != b {
		t.Fatalf("CloserPredecessor (swapped args): want b, got %x", got)
	}
}

func TestCloserSuccessorPrefersWraparoundOverXorMagnitude(t *testing.T) {
	// Same ring positions as above, but from the successor side: a (one
	// step ahead of target) is the true closest successor, regardless of
	// XOR distance.
	var target ID
	a := idWithByte(Size-1, 0x01)
	b := idWithByte(Size-1, 0xFE)
	if got := CloserSuccessor(target, a, b); got != a {
		t.Fatalf("CloserSuccessor: want a (true successor), got %x", got)
	}
	if got := CloserSuccessor(target, b, a); got != a {
		t.Fatalf("CloserSuccessor (swapped args): want a, got %x", got)
	}
}

func TestCloserPredecessorNoWraparound(t *testing.T) {
	// peer1 < value < peer2, no wraparound: the closest predecessor is
	// peer1, the one directly below value.
	target := idWithByte(Size-1, 0x80)
	peer1 := idWithByte(Size-1, 0x10)
	peer2 := idWithByte(Size-1, 0xF0)
	if got := CloserPredecessor(target, peer1, peer2); got != peer1 {
		t.Fatalf("CloserPredecessor: want peer1, got %x", got)
	}
}

func TestCloserSuccessorNoWraparound(t *testing.T) {
	// peer1 < value < peer2, no wraparound: the closest successor is
	// peer2, the one directly above value.
	target := idWithByte(Size-1, 0x80)
	peer1 := idWithByte(Size-1, 0x10)
	peer2 := idWithByte(Size-1, 0xF0)
	if got := CloserSuccessor(target, peer1, peer2); got != peer2 {
		t.Fatalf("CloserSuccessor: want peer2, got %x", got)
	}
}

func TestCloserPredecessorTieBreaksToFirstArg(t *testing.T) {
	var target ID
	a := idWithByte(Size-1, 0x11)
	b := a
	if got := CloserPredecessor(target, a, b); got != a {
		t.Fatalf("CloserPredecessor tie: want a, got %x", got)
	}
}

func TestCloserSuccessorTieBreaksToFirstArg(t *testing.T) {
	var target ID
	a := idWithByte(Size-1, 0x11)
	b := a
	if got := CloserSuccessor(target, a, b); got != a {
		t.Fatalf("CloserSuccessor tie: want a, got %x", got)
	}
}

func TestInverseDistanceMonotonic(t *testing.T) {
	low := InverseDistance(1)
	high := InverseDistance(10)
	if low.Cmp(high) >= 0 {
		t.Fatalf("InverseDistance should increase with bitIndex: low=%s high=%s", low, high)
	}
}

func TestInverseDistanceSaturates(t *testing.T) {
	v := InverseDistance(1000)
	if v.Cmp(maxInverseDistance) != 0 {
		t.Fatalf("InverseDistance(1000): want saturated max, got %s", v)
	}
}

func TestSaturatingAddClampsAtMax(t *testing.T) {
	sum := SaturatingAdd(maxInverseDistance, InverseDistance(5))
	if sum.Cmp(maxInverseDistance) != 0 {
		t.Fatalf("SaturatingAdd overflow: want clamp to max, got %s", sum)
	}
}

func TestRandomProducesDistinctValues(t *testing.T) {
	a := Random()
	b := Random()
	if a == b {
		t.Fatalf("Random() produced identical IDs twice (astronomically unlikely): %x", a)
	}
}

func TestFromBytesZeroPads(t *testing.T) {
	id := FromBytes([]byte{0x01, 0x02})
	if id[0] != 0x01 || id[1] != 0x02 {
		t.Fatalf("FromBytes: want prefix 01 02, got %x", id[:2])
	}
	for i := 2; i < Size; i++ {
		if id[i] != 0 {
			t.Fatalf("FromBytes: expected zero padding at byte %d, got %x", i, id[i])
		}
	}
}
