package wire

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Peperworx/pydevts/errs"
)

// Addr is the wire shape of a peer's accept address.
type Addr struct {
	_msgpack struct{} `msgpack:",as_array"`
	Host     string
	Port     int
}

// PeerRecord is the wire shape of one peer-table entry.
type PeerRecord struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       string
	Host     string
	Port     int
}

// JoinPayload is the OpJoin payload: (ownAcceptAddress,).
type JoinPayload struct {
	_msgpack struct{} `msgpack:",as_array"`
	OwnAddr  Addr
}

func (p *JoinPayload) Marshal() ([]byte, error) { return marshal(p) }

// JoinOkPayload is the OpJoinOK payload: (peersKnownToEntry, assignedID,
// entryID).
type JoinOkPayload struct {
	_msgpack   struct{} `msgpack:",as_array"`
	Peers      []PeerRecord
	AssignedID string
	EntryID    string
}

func (p *JoinOkPayload) Marshal() ([]byte, error) { return marshal(p) }

// NewPeerPayload is the OpNewPeer payload: (id, observedRemoteAddr,
// advertisedAddr).
type NewPeerPayload struct {
	_msgpack       struct{} `msgpack:",as_array"`
	ID             string
	ObservedRemote Addr
	Advertised     Addr
}

func (p *NewPeerPayload) Marshal() ([]byte, error) { return marshal(p) }

// DataPayload is the OpData payload: (originID, opaquePayload).
type DataPayload struct {
	_msgpack struct{} `msgpack:",as_array"`
	OriginID string
	Payload  []byte
}

func (p *DataPayload) Marshal() ([]byte, error) { return marshal(p) }

func marshal(v interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, &errs.ProtocolError{Reason: "encode payload", Cause: err}
	}
	return b, nil
}

// DecodeJoinPayload decodes an OpJoin payload.
func DecodeJoinPayload(b []byte) (*JoinPayload, error) {
	var p JoinPayload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return nil, &errs.ProtocolError{Reason: "decode JOIN payload", Cause: err}
	}
	return &p, nil
}

// DecodeJoinOkPayload decodes an OpJoinOK payload.
func DecodeJoinOkPayload(b []byte) (*JoinOkPayload, error) {
	var p JoinOkPayload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return nil, &errs.ProtocolError{Reason: "decode JOIN_OK payload", Cause: err}
	}
	return &p, nil
}

// DecodeNewPeerPayload decodes an OpNewPeer payload.
func DecodeNewPeerPayload(b []byte) (*NewPeerPayload, error) {
	var p NewPeerPayload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return nil, &errs.ProtocolError{Reason: "decode NEW_PEER payload", Cause: err}
	}
	return &p, nil
}

// DecodeDataPayload decodes an OpData payload.
func DecodeDataPayload(b []byte) (*DataPayload, error) {
	var p DataPayload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return nil, &errs.ProtocolError{Reason: "decode DATA payload", Cause: err}
	}
	return &p, nil
}
