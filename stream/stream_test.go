package stream_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Peperworx/pydevts/errs"
	"github.com/Peperworx/pydevts/stream"
)

func pipe(maxFrame uint32) (*stream.Stream, *stream.Stream) {
	a, b := net.Pipe()
	return stream.New(a, maxFrame), stream.New(b, maxFrame)
}

func TestSendRecvRoundTrip(t *testing.T) {
	a, b := pipe(0)
	defer a.Close()
	defer b.Close()

	go func() {
		_ = a.Send([]byte("hello"))
	}()

	got, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestEmptyPayloadAccepted(t *testing.T) {
	a, b := pipe(0)
	defer a.Close()
	defer b.Close()

	go func() {
		_ = a.Send(nil)
	}()

	got, err := b.Recv()
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestFrameAtMaxAccepted(t *testing.T) {
	a, b := pipe(8)
	defer a.Close()
	defer b.Close()

	payload := make([]byte, 8)
	go func() {
		_ = a.Send(payload)
	}()

	got, err := b.Recv()
	require.NoError(t, err)
	require.Len(t, got, 8)
}

func TestFrameOverMaxRejected(t *testing.T) {
	a, b := pipe(8)
	defer a.Close()
	defer b.Close()

	payload := make([]byte, 9)
	go func() {
		_ = a.Send(payload)
	}()

	_, err := b.Recv()
	require.Error(t, err)
	var protoErr *errs.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestStreamUsableAfterProtocolError(t *testing.T) {
	a, b := pipe(4)
	defer a.Close()
	defer b.Close()

	go func() {
		_ = a.Send(make([]byte, 5))
		_ = a.Send([]byte("ok"))
	}()

	_, err := b.Recv()
	require.Error(t, err)

	got, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), got)
}

func TestEOFMidFrameIsPeerClosed(t *testing.T) {
	a, b := pipe(0)
	defer b.Close()

	go func() {
		// After one whole frame, write only the length header of a
		// second, then close: the reader has committed to reading a
		// body that will never arrive.
		_ = a.Send([]byte("ab"))
		_, _ = a.Conn().Write([]byte{0, 0, 0, 10})
		a.Close()
	}()

	got, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("ab"), got)

	_, err = b.Recv()
	require.Error(t, err)
	var closed *errs.PeerClosed
	require.ErrorAs(t, err, &closed)
}
