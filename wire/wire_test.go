package wire

import (
	"bytes"
	"testing"

	"github.com/r5n-overlay/dht/identifier"
)

func idFor(b byte) identifier.ID {
	var id identifier.ID
	id[0] = b
	return id
}

func TestPutRoundTrip(t *testing.T) {
	p := &Put{
		Options:              1,
		BlockType:            2,
		HopCount:             3,
		DesiredReplication:   4,
		BestKnownDestination: idFor(0xAA),
		IntermediateTrailID:  idFor(0xBB),
		Expiration:           1234567890,
		Key:                  idFor(0xCC),
		PutPath:              []identifier.ID{idFor(1), idFor(2), idFor(3)},
		Payload:              []byte("hello dht"),
	}
	encoded := p.Encode()

	size, msgType, err := DecodeHeader(encoded)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if msgType != TypePut {
		t.Fatalf("msgType: want %d, got %d", TypePut, msgType)
	}
	if size != len(encoded) {
		t.Fatalf("size: want %d, got %d", len(encoded), size)
	}

	got, err := DecodePut(encoded[HeaderSize:])
	if err != nil {
		t.Fatalf("DecodePut: %v", err)
	}
	if got.Options != p.Options || got.BlockType != p.BlockType || got.HopCount != p.HopCount {
		t.Fatalf("scalar fields mismatch: got %+v", got)
	}
	if got.Expiration != p.Expiration {
		t.Fatalf("Expiration: want %d, got %d", p.Expiration, got.Expiration)
	}
	if got.BestKnownDestination != p.BestKnownDestination {
		t.Fatalf("BestKnownDestination mismatch")
	}
	if len(got.PutPath) != len(p.PutPath) {
		t.Fatalf("PutPath length: want %d, got %d", len(p.PutPath), len(got.PutPath))
	}
	for i := range p.PutPath {
		if got.PutPath[i] != p.PutPath[i] {
			t.Fatalf("PutPath[%d] mismatch", i)
		}
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Fatalf("Payload mismatch: want %q, got %q", p.Payload, got.Payload)
	}
}

func TestGetRoundTrip(t *testing.T) {
	g := &Get{
		Options:              5,
		BlockType:            6,
		HopCount:             0,
		DesiredReplication:   3,
		BestKnownDestination: idFor(0x01),
		IntermediateTrailID:  idFor(0x02),
		Key:                  idFor(0x03),
		GetPath:              []identifier.ID{idFor(9)},
	}
	encoded := g.Encode()
	got, err := DecodeGet(encoded[HeaderSize:])
	if err != nil {
		t.Fatalf("DecodeGet: %v", err)
	}
	if got.Key != g.Key {
		t.Fatalf("Key mismatch")
	}
	if len(got.GetPath) != 1 || got.GetPath[0] != g.GetPath[0] {
		t.Fatalf("GetPath mismatch: got %+v", got.GetPath)
	}
}

func TestResultRoundTrip(t *testing.T) {
	r := &Result{
		BlockType:    7,
		QueryingPeer: idFor(0x10),
		Expiration:   42,
		Key:          idFor(0x11),
		PutPath:      []identifier.ID{idFor(1), idFor(2)},
		GetPath:      []identifier.ID{idFor(3)},
		Payload:      []byte("payload bytes"),
	}
	encoded := r.Encode()
	got, err := DecodeResult(encoded[HeaderSize:])
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if len(got.PutPath) != 2 || len(got.GetPath) != 1 {
		t.Fatalf("path lengths: got put=%d get=%d", len(got.PutPath), len(got.GetPath))
	}
	if !bytes.Equal(got.Payload, r.Payload) {
		t.Fatalf("Payload mismatch")
	}
}

func TestDiscoveryRoundTrip(t *testing.T) {
	d := &Discovery{Reserved: 0, Peers: []identifier.ID{idFor(1), idFor(2), idFor(3)}}
	encoded := d.Encode()
	got, err := DecodeDiscovery(encoded[HeaderSize:])
	if err != nil {
		t.Fatalf("DecodeDiscovery: %v", err)
	}
	if len(got.Peers) != 3 {
		t.Fatalf("Peers length: want 3, got %d", len(got.Peers))
	}
}

func TestTrailSetupRoundTrip(t *testing.T) {
	ts := &TrailSetup{
		IsPredecessor:               1,
		FinalDestinationFingerValue: 999,
		Source:                      idFor(1),
		BestKnownDestination:        idFor(2),
		IntermediateTrailID:         idFor(3),
		TrailID:                     idFor(4),
		TrailSoFar:                  []identifier.ID{idFor(5), idFor(6)},
	}
	encoded := ts.Encode()
	got, err := DecodeTrailSetup(encoded[HeaderSize:])
	if err != nil {
		t.Fatalf("DecodeTrailSetup: %v", err)
	}
	if got.FinalDestinationFingerValue != 999 {
		t.Fatalf("FinalDestinationFingerValue mismatch")
	}
	if len(got.TrailSoFar) != 2 {
		t.Fatalf("TrailSoFar length mismatch")
	}
}

func TestTrailTeardownRoundTrip(t *testing.T) {
	tt := &TrailTeardown{TrailID: idFor(7), Direction: DestToSrc}
	encoded := tt.Encode()
	got, err := DecodeTrailTeardown(encoded[HeaderSize:])
	if err != nil {
		t.Fatalf("DecodeTrailTeardown: %v", err)
	}
	if got.Direction != DestToSrc {
		t.Fatalf("Direction mismatch")
	}
	if got.TrailID != tt.TrailID {
		t.Fatalf("TrailID mismatch")
	}
}

func TestDecodeDispatchesByType(t *testing.T) {
	g := &Get{Key: idFor(1)}
	encoded := g.Encode()

	msgType, body, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msgType != TypeGet {
		t.Fatalf("msgType: want %d, got %d", TypeGet, msgType)
	}
	if _, ok := body.(*Get); !ok {
		t.Fatalf("body type: want *Get, got %T", body)
	}
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	if _, _, err := DecodeHeader([]byte{0x00}); err == nil {
		t.Fatalf("DecodeHeader on 1-byte buffer: want error")
	}
}

func TestDecodeHeaderRejectsDeclaredSizeLargerThanBuffer(t *testing.T) {
	buf := make([]byte, HeaderSize)
	EncodeHeader(buf, 9999, TypeGet)
	if _, _, err := DecodeHeader(buf); err != ErrTooShort {
		t.Fatalf("DecodeHeader: want ErrTooShort, got %v", err)
	}
}

func TestDecodeDiscoveryRejectsTruncatedBody(t *testing.T) {
	g := &Get{Key: idFor(1)}
	encoded := g.Encode()
	// A GET body cut to 5 bytes leaves 1 byte after DecodeDiscovery's
	// reserved field, not a multiple of the ID size, so it is rejected.
	if _, err := DecodeDiscovery(encoded[HeaderSize:HeaderSize+5]); err == nil {
		t.Fatalf("DecodeDiscovery on truncated body: want error")
	}
}
