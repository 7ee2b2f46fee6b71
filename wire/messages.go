package wire

import (
	"github.com/r5n-overlay/dht/identifier"
)

// Hash is a 512-bit value identifying a trail (distinct type alias from
// identifier.ID purely for readability at call sites; the wire
// representation is identical).
type Hash = identifier.ID

// Put is the PUT message (spec.md §6.1): store a block.
type Put struct {
	Options              uint32
	BlockType            uint32
	HopCount             uint32
	DesiredReplication   uint32
	BestKnownDestination identifier.ID
	IntermediateTrailID  Hash
	Expiration           uint64
	Key                  identifier.ID
	PutPath              []identifier.ID
	Payload              []byte
}

// Encode serializes p into a fresh buffer including the fixed header.
func (p *Put) Encode() []byte {
	body := make([]byte, 0, 4*4+identifier.Size*2+8+identifier.Size+len(p.PutPath)*identifier.Size+len(p.Payload))
	body = putUint32(body, p.Options)
	body = putUint32(body, p.BlockType)
	body = putUint32(body, p.HopCount)
	body = putUint32(body, p.DesiredReplication)
	body = putUint32(body, uint32(len(p.PutPath)))
	body = append(body, p.BestKnownDestination[:]...)
	body = append(body, p.IntermediateTrailID[:]...)
	body = putUint64(body, p.Expiration)
	body = append(body, p.Key[:]...)
	body = putIDs(body, p.PutPath)
	body = append(body, p.Payload...)

	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, len(out), TypePut)
	copy(out[HeaderSize:], body)
	return out
}

// DecodePut parses a PUT message body (data must exclude the header).
func DecodePut(data []byte) (*Put, error) {
	var p Put
	var err error
	var pathLen uint32

	if p.Options, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if p.BlockType, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if p.HopCount, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if p.DesiredReplication, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if pathLen, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if p.BestKnownDestination, data, err = readID(data); err != nil {
		return nil, err
	}
	if p.IntermediateTrailID, data, err = readID(data); err != nil {
		return nil, err
	}
	if p.Expiration, data, err = readUint64(data); err != nil {
		return nil, err
	}
	if p.Key, data, err = readID(data); err != nil {
		return nil, err
	}
	if p.PutPath, data, err = readIDs(data, pathLen); err != nil {
		return nil, err
	}
	p.Payload = append([]byte(nil), data...)
	return &p, nil
}

// Get is the GET message (spec.md §6.1): retrieve a block.
type Get struct {
	Options              uint32
	BlockType            uint32
	HopCount              uint32
	DesiredReplication   uint32
	BestKnownDestination identifier.ID
	IntermediateTrailID  Hash
	Key                  identifier.ID
	GetPath              []identifier.ID
}

func (g *Get) Encode() []byte {
	body := make([]byte, 0, 4*5+identifier.Size*3+len(g.GetPath)*identifier.Size)
	body = putUint32(body, g.Options)
	body = putUint32(body, g.BlockType)
	body = putUint32(body, g.HopCount)
	body = putUint32(body, g.DesiredReplication)
	body = putUint32(body, uint32(len(g.GetPath)))
	body = append(body, g.BestKnownDestination[:]...)
	body = append(body, g.IntermediateTrailID[:]...)
	body = append(body, g.Key[:]...)
	body = putIDs(body, g.GetPath)

	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, len(out), TypeGet)
	copy(out[HeaderSize:], body)
	return out
}

func DecodeGet(data []byte) (*Get, error) {
	var g Get
	var err error
	var pathLen uint32

	if g.Options, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if g.BlockType, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if g.HopCount, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if g.DesiredReplication, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if pathLen, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if g.BestKnownDestination, data, err = readID(data); err != nil {
		return nil, err
	}
	if g.IntermediateTrailID, data, err = readID(data); err != nil {
		return nil, err
	}
	if g.Key, data, err = readID(data); err != nil {
		return nil, err
	}
	if g.GetPath, _, err = readIDs(data, pathLen); err != nil {
		return nil, err
	}
	return &g, nil
}

// Result is the RESULT message (spec.md §6.1): block delivery, carrying
// both the original put_path and the accumulated get_path.
type Result struct {
	BlockType    uint32
	QueryingPeer identifier.ID
	Expiration   uint64
	Key          identifier.ID
	PutPath      []identifier.ID
	GetPath      []identifier.ID
	Payload      []byte
}

func (r *Result) Encode() []byte {
	body := make([]byte, 0, 4*3+identifier.Size+8+identifier.Size+len(r.PutPath)*identifier.Size+len(r.GetPath)*identifier.Size+len(r.Payload))
	body = putUint32(body, r.BlockType)
	body = putUint32(body, uint32(len(r.PutPath)))
	body = putUint32(body, uint32(len(r.GetPath)))
	body = append(body, r.QueryingPeer[:]...)
	body = putUint64(body, r.Expiration)
	body = append(body, r.Key[:]...)
	body = putIDs(body, r.PutPath)
	body = putIDs(body, r.GetPath)
	body = append(body, r.Payload...)

	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, len(out), TypeResult)
	copy(out[HeaderSize:], body)
	return out
}

func DecodeResult(data []byte) (*Result, error) {
	var r Result
	var err error
	var putLen, getLen uint32

	if r.BlockType, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if putLen, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if getLen, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if r.QueryingPeer, data, err = readID(data); err != nil {
		return nil, err
	}
	if r.Expiration, data, err = readUint64(data); err != nil {
		return nil, err
	}
	if r.Key, data, err = readID(data); err != nil {
		return nil, err
	}
	if r.PutPath, data, err = readIDs(data, putLen); err != nil {
		return nil, err
	}
	if r.GetPath, data, err = readIDs(data, getLen); err != nil {
		return nil, err
	}
	r.Payload = append([]byte(nil), data...)
	return &r, nil
}

// Discovery is the Kademlia-variant peer-advertisement message.
type Discovery struct {
	Reserved uint32
	Peers    []identifier.ID
}

func (d *Discovery) Encode() []byte {
	body := make([]byte, 0, 4+len(d.Peers)*identifier.Size)
	body = putUint32(body, d.Reserved)
	body = putIDs(body, d.Peers)

	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, len(out), TypeDiscovery)
	copy(out[HeaderSize:], body)
	return out
}

func DecodeDiscovery(data []byte) (*Discovery, error) {
	var d Discovery
	var err error
	if d.Reserved, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if len(data)%identifier.Size != 0 {
		return nil, ErrBadLength
	}
	n := uint32(len(data) / identifier.Size)
	if d.Peers, _, err = readIDs(data, n); err != nil {
		return nil, err
	}
	return &d, nil
}

// AskHello requests a contact descriptor for a peer learned via DISCOVERY.
type AskHello struct {
	Reserved uint32
	Peer     identifier.ID
}

func (a *AskHello) Encode() []byte {
	body := make([]byte, 0, 4+identifier.Size)
	body = putUint32(body, a.Reserved)
	body = append(body, a.Peer[:]...)

	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, len(out), TypeAskHello)
	copy(out[HeaderSize:], body)
	return out
}

func DecodeAskHello(data []byte) (*AskHello, error) {
	var a AskHello
	var err error
	if a.Reserved, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if a.Peer, _, err = readID(data); err != nil {
		return nil, err
	}
	return &a, nil
}

// TrailSetup starts a multi-hop finger-table path setup.
type TrailSetup struct {
	IsPredecessor              uint32
	FinalDestinationFingerValue uint64
	Source                     identifier.ID
	BestKnownDestination       identifier.ID
	IntermediateTrailID        Hash
	TrailID                    Hash
	TrailSoFar                 []identifier.ID
}

func (t *TrailSetup) Encode() []byte {
	body := make([]byte, 0, 4+8+identifier.Size*4+len(t.TrailSoFar)*identifier.Size)
	body = putUint32(body, t.IsPredecessor)
	body = putUint64(body, t.FinalDestinationFingerValue)
	body = append(body, t.Source[:]...)
	body = append(body, t.BestKnownDestination[:]...)
	body = append(body, t.IntermediateTrailID[:]...)
	body = append(body, t.TrailID[:]...)
	body = putIDs(body, t.TrailSoFar)

	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, len(out), TypeTrailSetup)
	copy(out[HeaderSize:], body)
	return out
}

func DecodeTrailSetup(data []byte) (*TrailSetup, error) {
	var t TrailSetup
	var err error
	if t.IsPredecessor, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if t.FinalDestinationFingerValue, data, err = readUint64(data); err != nil {
		return nil, err
	}
	if t.Source, data, err = readID(data); err != nil {
		return nil, err
	}
	if t.BestKnownDestination, data, err = readID(data); err != nil {
		return nil, err
	}
	if t.IntermediateTrailID, data, err = readID(data); err != nil {
		return nil, err
	}
	if t.TrailID, data, err = readID(data); err != nil {
		return nil, err
	}
	if len(data)%identifier.Size != 0 {
		return nil, ErrBadLength
	}
	n := uint32(len(data) / identifier.Size)
	if t.TrailSoFar, _, err = readIDs(data, n); err != nil {
		return nil, err
	}
	return &t, nil
}

// TrailSetupResult reports successful trail setup back along the forward path.
type TrailSetupResult struct {
	FingerIdentity identifier.ID
	QueryingPeer   identifier.ID
	IsPredecessor  uint32
	UltimateValue  uint64
	TrailID        Hash
	ReverseTrail   []identifier.ID
}

func (t *TrailSetupResult) Encode() []byte {
	body := make([]byte, 0, identifier.Size*3+4+8+len(t.ReverseTrail)*identifier.Size)
	body = append(body, t.FingerIdentity[:]...)
	body = append(body, t.QueryingPeer[:]...)
	body = putUint32(body, t.IsPredecessor)
	body = putUint64(body, t.UltimateValue)
	body = append(body, t.TrailID[:]...)
	body = putIDs(body, t.ReverseTrail)

	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, len(out), TypeTrailSetupResult)
	copy(out[HeaderSize:], body)
	return out
}

func DecodeTrailSetupResult(data []byte) (*TrailSetupResult, error) {
	var t TrailSetupResult
	var err error
	if t.FingerIdentity, data, err = readID(data); err != nil {
		return nil, err
	}
	if t.QueryingPeer, data, err = readID(data); err != nil {
		return nil, err
	}
	if t.IsPredecessor, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if t.UltimateValue, data, err = readUint64(data); err != nil {
		return nil, err
	}
	if t.TrailID, data, err = readID(data); err != nil {
		return nil, err
	}
	if len(data)%identifier.Size != 0 {
		return nil, ErrBadLength
	}
	n := uint32(len(data) / identifier.Size)
	if t.ReverseTrail, _, err = readIDs(data, n); err != nil {
		return nil, err
	}
	return &t, nil
}

// TrailSetupRejection signals congestion along a trail being set up.
type TrailSetupRejection struct {
	Source          identifier.ID
	CongestedPeer   identifier.ID
	UltimateValue   uint64
	IsPredecessor   uint32
	TrailID         Hash
	CongestionTimeMs uint64
	TrailSoFar      []identifier.ID
}

func (t *TrailSetupRejection) Encode() []byte {
	body := make([]byte, 0, identifier.Size*3+8+4+8+len(t.TrailSoFar)*identifier.Size)
	body = append(body, t.Source[:]...)
	body = append(body, t.CongestedPeer[:]...)
	body = putUint64(body, t.UltimateValue)
	body = putUint32(body, t.IsPredecessor)
	body = append(body, t.TrailID[:]...)
	body = putUint64(body, t.CongestionTimeMs)
	body = putIDs(body, t.TrailSoFar)

	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, len(out), TypeTrailSetupRejection)
	copy(out[HeaderSize:], body)
	return out
}

func DecodeTrailSetupRejection(data []byte) (*TrailSetupRejection, error) {
	var t TrailSetupRejection
	var err error
	if t.Source, data, err = readID(data); err != nil {
		return nil, err
	}
	if t.CongestedPeer, data, err = readID(data); err != nil {
		return nil, err
	}
	if t.UltimateValue, data, err = readUint64(data); err != nil {
		return nil, err
	}
	if t.IsPredecessor, data, err = readUint32(data); err != nil {
		return nil, err
	}
	if t.TrailID, data, err = readID(data); err != nil {
		return nil, err
	}
	if t.CongestionTimeMs, data, err = readUint64(data); err != nil {
		return nil, err
	}
	if len(data)%identifier.Size != 0 {
		return nil, ErrBadLength
	}
	n := uint32(len(data) / identifier.Size)
	if t.TrailSoFar, _, err = readIDs(data, n); err != nil {
		return nil, err
	}
	return &t, nil
}

// VerifySuccessor is a liveness probe sent along the shortest trail to the
// current successor.
type VerifySuccessor struct {
	Source    identifier.ID
	Successor identifier.ID
	TrailID   Hash
	Trail     []identifier.ID
}

func (v *VerifySuccessor) Encode() []byte {
	body := make([]byte, 0, identifier.Size*3+len(v.Trail)*identifier.Size)
	body = append(body, v.Source[:]...)
	body = append(body, v.Successor[:]...)
	body = append(body, v.TrailID[:]...)
	body = putIDs(body, v.Trail)

	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, len(out), TypeVerifySuccessor)
	copy(out[HeaderSize:], body)
	return out
}

func DecodeVerifySuccessor(data []byte) (*VerifySuccessor, error) {
	var v VerifySuccessor
	var err error
	if v.Source, data, err = readID(data); err != nil {
		return nil, err
	}
	if v.Successor, data, err = readID(data); err != nil {
		return nil, err
	}
	if v.TrailID, data, err = readID(data); err != nil {
		return nil, err
	}
	if len(data)%identifier.Size != 0 {
		return nil, ErrBadLength
	}
	n := uint32(len(data) / identifier.Size)
	if v.Trail, _, err = readIDs(data, n); err != nil {
		return nil, err
	}
	return &v, nil
}

// VerifySuccessorResult answers a VerifySuccessor probe.
type VerifySuccessorResult struct {
	Querying          identifier.ID
	CurrentSuccessor  identifier.ID
	ProbableSuccessor identifier.ID
	TrailID           Hash
	Direction         Direction
	Trail             []identifier.ID
}

func (v *VerifySuccessorResult) Encode() []byte {
	body := make([]byte, 0, identifier.Size*4+4+len(v.Trail)*identifier.Size)
	body = append(body, v.Querying[:]...)
	body = append(body, v.CurrentSuccessor[:]...)
	body = append(body, v.ProbableSuccessor[:]...)
	body = append(body, v.TrailID[:]...)
	body = putUint32(body, uint32(v.Direction))
	body = putIDs(body, v.Trail)

	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, len(out), TypeVerifySuccessorResult)
	copy(out[HeaderSize:], body)
	return out
}

func DecodeVerifySuccessorResult(data []byte) (*VerifySuccessorResult, error) {
	var v VerifySuccessorResult
	var err error
	var dir uint32
	if v.Querying, data, err = readID(data); err != nil {
		return nil, err
	}
	if v.CurrentSuccessor, data, err = readID(data); err != nil {
		return nil, err
	}
	if v.ProbableSuccessor, data, err = readID(data); err != nil {
		return nil, err
	}
	if v.TrailID, data, err = readID(data); err != nil {
		return nil, err
	}
	if dir, data, err = readUint32(data); err != nil {
		return nil, err
	}
	v.Direction = Direction(dir)
	if len(data)%identifier.Size != 0 {
		return nil, ErrBadLength
	}
	n := uint32(len(data) / identifier.Size)
	if v.Trail, _, err = readIDs(data, n); err != nil {
		return nil, err
	}
	return &v, nil
}

// NotifyNewSuccessor informs a peer that it has gained a new predecessor.
type NotifyNewSuccessor struct {
	Source      identifier.ID
	NewSuccessor identifier.ID
	TrailID     Hash
	Trail       []identifier.ID
}

func (n *NotifyNewSuccessor) Encode() []byte {
	body := make([]byte, 0, identifier.Size*3+len(n.Trail)*identifier.Size)
	body = append(body, n.Source[:]...)
	body = append(body, n.NewSuccessor[:]...)
	body = append(body, n.TrailID[:]...)
	body = putIDs(body, n.Trail)

	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, len(out), TypeNotifyNewSuccessor)
	copy(out[HeaderSize:], body)
	return out
}

func DecodeNotifyNewSuccessor(data []byte) (*NotifyNewSuccessor, error) {
	var n NotifyNewSuccessor
	var err error
	if n.Source, data, err = readID(data); err != nil {
		return nil, err
	}
	if n.NewSuccessor, data, err = readID(data); err != nil {
		return nil, err
	}
	if n.TrailID, data, err = readID(data); err != nil {
		return nil, err
	}
	if len(data)%identifier.Size != 0 {
		return nil, ErrBadLength
	}
	nn := uint32(len(data) / identifier.Size)
	if n.Trail, _, err = readIDs(data, nn); err != nil {
		return nil, err
	}
	return &n, nil
}

// NotifySuccessorConfirmation acks a NotifyNewSuccessor.
type NotifySuccessorConfirmation struct {
	TrailID   Hash
	Direction Direction
}

func (n *NotifySuccessorConfirmation) Encode() []byte {
	body := make([]byte, 0, identifier.Size+4)
	body = append(body, n.TrailID[:]...)
	body = putUint32(body, uint32(n.Direction))

	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, len(out), TypeNotifySuccessorConfirm)
	copy(out[HeaderSize:], body)
	return out
}

func DecodeNotifySuccessorConfirmation(data []byte) (*NotifySuccessorConfirmation, error) {
	var n NotifySuccessorConfirmation
	var err error
	var dir uint32
	if n.TrailID, data, err = readID(data); err != nil {
		return nil, err
	}
	if dir, _, err = readUint32(data); err != nil {
		return nil, err
	}
	n.Direction = Direction(dir)
	return &n, nil
}

// TrailTeardown drops a trail; it propagates until it reaches an endpoint.
type TrailTeardown struct {
	TrailID   Hash
	Direction Direction
}

func (t *TrailTeardown) Encode() []byte {
	body := make([]byte, 0, identifier.Size+4)
	body = append(body, t.TrailID[:]...)
	body = putUint32(body, uint32(t.Direction))

	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, len(out), TypeTrailTeardown)
	copy(out[HeaderSize:], body)
	return out
}

func DecodeTrailTeardown(data []byte) (*TrailTeardown, error) {
	var t TrailTeardown
	var err error
	var dir uint32
	if t.TrailID, data, err = readID(data); err != nil {
		return nil, err
	}
	if dir, _, err = readUint32(data); err != nil {
		return nil, err
	}
	t.Direction = Direction(dir)
	return &t, nil
}

// AddTrail explicitly installs a trail (used when a trail is learned via a
// path shorter than one constructed by TRAIL_SETUP).
type AddTrail struct {
	Source      identifier.ID
	Destination identifier.ID
	TrailID     Hash
	Trail       []identifier.ID
}

func (a *AddTrail) Encode() []byte {
	body := make([]byte, 0, identifier.Size*3+len(a.Trail)*identifier.Size)
	body = append(body, a.Source[:]...)
	body = append(body, a.Destination[:]...)
	body = append(body, a.TrailID[:]...)
	body = putIDs(body, a.Trail)

	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, len(out), TypeAddTrail)
	copy(out[HeaderSize:], body)
	return out
}

func DecodeAddTrail(data []byte) (*AddTrail, error) {
	var a AddTrail
	var err error
	if a.Source, data, err = readID(data); err != nil {
		return nil, err
	}
	if a.Destination, data, err = readID(data); err != nil {
		return nil, err
	}
	if a.TrailID, data, err = readID(data); err != nil {
		return nil, err
	}
	if len(data)%identifier.Size != 0 {
		return nil, ErrBadLength
	}
	n := uint32(len(data) / identifier.Size)
	if a.Trail, _, err = readIDs(data, n); err != nil {
		return nil, err
	}
	return &a, nil
}
