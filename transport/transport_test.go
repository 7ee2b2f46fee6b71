package transport

import (
	"testing"
	"time"

	"github.com/r5n-overlay/dht/identifier"
)

func TestLinkFiresOnConnectBothSides(t *testing.T) {
	a := NewInProcess(identifier.Random())
	b := NewInProcess(identifier.Random())

	var aConnected, bConnected identifier.ID
	a.OnConnect(func(id identifier.ID) { aConnected = id })
	b.OnConnect(func(id identifier.ID) { bConnected = id })

	Link(a, b)

	if aConnected != b.LocalIdentity() {
		t.Fatalf("a's OnConnect: want %x, got %x", b.LocalIdentity(), aConnected)
	}
	if bConnected != a.LocalIdentity() {
		t.Fatalf("b's OnConnect: want %x, got %x", a.LocalIdentity(), bConnected)
	}
}

func TestSendDeliversToPeer(t *testing.T) {
	a := NewInProcess(identifier.Random())
	b := NewInProcess(identifier.Random())
	Link(a, b)

	received := make(chan []byte, 1)
	b.OnReceive(func(from identifier.ID, frame []byte) {
		if from != a.LocalIdentity() {
			t.Errorf("from: want %x, got %x", a.LocalIdentity(), from)
		}
		received <- frame
	})

	a.Send(b.LocalIdentity(), []byte("hello"))

	select {
	case frame := <-received:
		if string(frame) != "hello" {
			t.Fatalf("frame: want %q, got %q", "hello", frame)
		}
	case <-time.After(time.Second):
		t.Fatalf("message never delivered")
	}
}

func TestSendToUnlinkedPeerIsNoop(t *testing.T) {
	a := NewInProcess(identifier.Random())
	b := NewInProcess(identifier.Random())

	received := false
	b.OnReceive(func(identifier.ID, []byte) { received = true })

	a.Send(b.LocalIdentity(), []byte("x"))
	if received {
		t.Fatalf("unlinked peer should not receive messages")
	}
}

func TestUnlinkFiresOnDisconnectBothSides(t *testing.T) {
	a := NewInProcess(identifier.Random())
	b := NewInProcess(identifier.Random())
	Link(a, b)

	var aDisconnected, bDisconnected bool
	a.OnDisconnect(func(identifier.ID) { aDisconnected = true })
	b.OnDisconnect(func(identifier.ID) { bDisconnected = true })

	Unlink(a, b)

	if !aDisconnected || !bDisconnected {
		t.Fatalf("Unlink: want both sides disconnected, got a=%v b=%v", aDisconnected, bDisconnected)
	}

	received := false
	b.OnReceive(func(identifier.ID, []byte) { received = true })
	a.Send(b.LocalIdentity(), []byte("x"))
	if received {
		t.Fatalf("message delivered after Unlink")
	}
}
