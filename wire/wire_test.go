package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Peperworx/pydevts/wire"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	body, err := wire.EncodeEnvelope(wire.OpData, []byte("payload"))
	require.NoError(t, err)

	op, payload, err := wire.DecodeEnvelope(body)
	require.NoError(t, err)
	require.Equal(t, wire.OpData, op)
	require.Equal(t, []byte("payload"), payload)
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	body, err := wire.EncodeEnvelope(wire.OpJoin, nil)
	require.NoError(t, err)

	op, payload, err := wire.DecodeEnvelope(body)
	require.NoError(t, err)
	require.Equal(t, wire.OpJoin, op)
	require.Empty(t, payload)
}

func TestPairRoundTrip(t *testing.T) {
	body, err := wire.EncodePair("ping", []byte("hello"))
	require.NoError(t, err)

	name, data, err := wire.DecodePair(body)
	require.NoError(t, err)
	require.Equal(t, "ping", name)
	require.Equal(t, []byte("hello"), data)
}

func TestJoinOkPayloadRoundTrip(t *testing.T) {
	p := &wire.JoinOkPayload{
		Peers: []wire.PeerRecord{
			{ID: "a", Host: "127.0.0.1", Port: 1},
			{ID: "b", Host: "127.0.0.1", Port: 2},
		},
		AssignedID: "new-id",
		EntryID:    "entry-id",
	}
	b, err := p.Marshal()
	require.NoError(t, err)

	decoded, err := wire.DecodeJoinOkPayload(b)
	require.NoError(t, err)
	require.Equal(t, p.AssignedID, decoded.AssignedID)
	require.Equal(t, p.EntryID, decoded.EntryID)
	require.Equal(t, p.Peers, decoded.Peers)
}

func TestNewPeerPayloadRoundTrip(t *testing.T) {
	p := &wire.NewPeerPayload{
		ID:             "new-id",
		ObservedRemote: wire.Addr{Host: "10.0.0.1", Port: 9000},
		Advertised:     wire.Addr{Host: "10.0.0.1", Port: 5000},
	}
	b, err := p.Marshal()
	require.NoError(t, err)

	decoded, err := wire.DecodeNewPeerPayload(b)
	require.NoError(t, err)
	require.Equal(t, p.ID, decoded.ID)
	require.Equal(t, p.ObservedRemote, decoded.ObservedRemote)
	require.Equal(t, p.Advertised, decoded.Advertised)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, _, err := wire.DecodeEnvelope([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}
