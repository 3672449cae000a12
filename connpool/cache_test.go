package connpool_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Peperworx/pydevts/auth"
	"github.com/Peperworx/pydevts/connpool"
	"github.com/Peperworx/pydevts/errs"
	"github.com/Peperworx/pydevts/stream"
)

// echoDialer hands back one side of an in-memory pipe whose other side
// echoes every frame it receives, so Send/Recv round-trips without a
// real listener.
func echoDialer(t *testing.T) connpool.Dialer {
	t.Helper()
	return func(ctx context.Context, host string, port int) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			s := stream.New(server, 0)
			for {
				frame, err := s.Recv()
				if err != nil {
					return
				}
				if err := s.Send(frame); err != nil {
					return
				}
			}
		}()
		return client, nil
	}
}

func failingDialer(t *testing.T) connpool.Dialer {
	t.Helper()
	return func(ctx context.Context, host string, port int) (net.Conn, error) {
		return nil, net.ErrClosed
	}
}

func TestConnectSendRecvRoundTrip(t *testing.T) {
	c := connpool.New(echoDialer(t), auth.NoAuth{}, 0, 0, 0, nil)
	defer c.CloseAll()

	h, err := c.Connect(context.Background(), "127.0.0.1", 9000)
	require.NoError(t, err)

	require.NoError(t, c.Send(h, []byte("ping")))
	got, err := c.Recv(h)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), got)
}

func TestConnectIdempotentForSameAddress(t *testing.T) {
	c := connpool.New(echoDialer(t), auth.NoAuth{}, 0, 0, 0, nil)
	defer c.CloseAll()

	h1, err := c.Connect(context.Background(), "127.0.0.1", 9000)
	require.NoError(t, err)
	h2, err := c.Connect(context.Background(), "127.0.0.1", 9000)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
	require.Equal(t, 1, c.Len())
}

func TestConnectFailurePropagates(t *testing.T) {
	c := connpool.New(failingDialer(t), auth.NoAuth{}, 0, 0, 0, nil)
	defer c.CloseAll()

	_, err := c.Connect(context.Background(), "127.0.0.1", 9999)
	require.Error(t, err)
	var connErr *errs.ConnectionFailed
	require.ErrorAs(t, err, &connErr)
}

func TestSendUnknownHandle(t *testing.T) {
	c := connpool.New(echoDialer(t), auth.NoAuth{}, 0, 0, 0, nil)
	defer c.CloseAll()

	err := c.Send("not-a-handle", []byte("x"))
	require.Error(t, err)
	var notFound *errs.ConnectionNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestDisconnectRemovesEntry(t *testing.T) {
	c := connpool.New(echoDialer(t), auth.NoAuth{}, 0, 0, 0, nil)

	h, err := c.Connect(context.Background(), "127.0.0.1", 9000)
	require.NoError(t, err)
	require.NoError(t, c.Disconnect(h))
	require.Equal(t, 0, c.Len())

	err = c.Send(h, []byte("x"))
	require.Error(t, err)
}

func TestCleanEvictsExpiredEntries(t *testing.T) {
	c := connpool.New(echoDialer(t), auth.NoAuth{}, 0, time.Millisecond, 0, nil)
	defer c.CloseAll()

	_, err := c.Connect(context.Background(), "127.0.0.1", 9000)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	time.Sleep(5 * time.Millisecond)
	c.Clean()
	require.Equal(t, 0, c.Len())
}

func TestMaxSizeEvictsOldest(t *testing.T) {
	c := connpool.New(echoDialer(t), auth.NoAuth{}, 0, time.Hour, 2, nil)
	defer c.CloseAll()

	h1, err := c.Connect(context.Background(), "127.0.0.1", 1)
	require.NoError(t, err)
	_, err = c.Connect(context.Background(), "127.0.0.1", 2)
	require.NoError(t, err)
	_, err = c.Connect(context.Background(), "127.0.0.1", 3)
	require.NoError(t, err)

	require.Equal(t, 2, c.Len())

	err = c.Send(h1, []byte("x"))
	require.Error(t, err, "oldest handle should have been evicted")
}
