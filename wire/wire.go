// Package wire implements the on-the-wire encoding of pydevts frames: a
// length-prefixed body carrying a self-describing binary (name-or-opcode,
// payload) pair, plus the control-plane payload shapes the router
// exchanges (JOIN, JOIN_OK, NEW_PEER, DATA).
//
// Every struct in this package tags an empty `_msgpack` field with
// `msgpack:",as_array"` so it round-trips as a compact array rather than
// a map keyed by field name: the wire format is positional, not
// self-describing beyond the opcode/name that selects which shape to
// decode into.
package wire

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Peperworx/pydevts/errs"
)

// Opcode distinguishes control frames from application data on the
// routing plane. The router owns this space.
type Opcode uint8

const (
	// OpJoin carries (ownAcceptAddress,) from a joining peer to its entry.
	OpJoin Opcode = iota + 1
	// OpJoinOK carries (peerTableSnapshot, assignedID, entryID) back to
	// the joiner.
	OpJoinOK
	// OpNewPeer announces a newly admitted peer to the rest of the
	// cluster (and to the entry itself).
	OpNewPeer
	// OpData carries (originID, opaquePayload) between the façade and a
	// remote peer.
	OpData
)

func (o Opcode) String() string {
	switch o {
	case OpJoin:
		return "JOIN"
	case OpJoinOK:
		return "JOIN_OK"
	case OpNewPeer:
		return "NEW_PEER"
	case OpData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// envelope is the outer (opcode, payload) pair every frame body decodes
// to before the payload itself is interpreted per-opcode.
type envelope struct {
	_msgpack struct{} `msgpack:",as_array"`
	Op       Opcode
	Payload  []byte
}

// EncodeEnvelope packs an opcode and an already-encoded payload into one
// frame body.
func EncodeEnvelope(op Opcode, payload []byte) ([]byte, error) {
	b, err := msgpack.Marshal(&envelope{Op: op, Payload: payload})
	if err != nil {
		return nil, &errs.ProtocolError{Reason: "encode envelope", Cause: err}
	}
	return b, nil
}

// DecodeEnvelope unpacks a frame body into its opcode and raw payload.
// Decoding the payload itself is the caller's job, once it knows the
// opcode.
func DecodeEnvelope(body []byte) (Opcode, []byte, error) {
	var env envelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return 0, nil, &errs.ProtocolError{Reason: "decode envelope", Cause: err}
	}
	return env.Op, env.Payload, nil
}

// pair is the (name, data) shape shared by the node façade's event
// envelope and the auth handshake's message exchange.
type pair struct {
	_msgpack struct{} `msgpack:",as_array"`
	Name     string
	Data     []byte
}

// EncodePair packs a (name, data) tuple.
func EncodePair(name string, data []byte) ([]byte, error) {
	b, err := msgpack.Marshal(&pair{Name: name, Data: data})
	if err != nil {
		return nil, &errs.ProtocolError{Reason: "encode pair", Cause: err}
	}
	return b, nil
}

// DecodePair unpacks a (name, data) tuple.
func DecodePair(body []byte) (string, []byte, error) {
	var p pair
	if err := msgpack.Unmarshal(body, &p); err != nil {
		return "", nil, &errs.ProtocolError{Reason: "decode pair", Cause: err}
	}
	return p.Name, p.Data, nil
}
