package pydevts_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Peperworx/pydevts"
	"github.com/Peperworx/pydevts/peer"
)

func mustNode(t *testing.T, entry *peer.Address) *pydevts.Node {
	t.Helper()
	n, err := pydevts.New(pydevts.Config{
		EntryAddress: entry,
		HostAddress:  peer.Address{Host: "127.0.0.1", Port: 0},
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func runInBackground(t *testing.T, n *pydevts.Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return n.ID() != ""
	}, time.Second, 5*time.Millisecond)
}

func addrOf(t *testing.T, n *pydevts.Node) *peer.Address {
	t.Helper()
	host, portStr, err := net.SplitHostPort(n.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &peer.Address{Host: host, Port: port}
}

func TestEmitDeliversToRegisteredHandler(t *testing.T) {
	entry := mustNode(t, nil)

	received := make(chan []byte, 1)
	entry.On("greet", func(origin peer.ID, payload []byte) {
		received <- payload
	})

	runInBackground(t, entry)

	joiner := mustNode(t, addrOf(t, entry))
	runInBackground(t, joiner)

	require.Eventually(t, func() bool {
		return len(entry.Peers()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, joiner.Emit(context.Background(), "greet", []byte("hello")))

	select {
	case got := <-received:
		require.Equal(t, []byte("hello"), got)
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}
}

func TestSendDeliversOnlyToTarget(t *testing.T) {
	entry := mustNode(t, nil)
	runInBackground(t, entry)

	gotA := make(chan []byte, 1)
	a := mustNode(t, addrOf(t, entry))
	a.On("ping", func(origin peer.ID, payload []byte) { gotA <- payload })
	runInBackground(t, a)

	gotB := make(chan []byte, 1)
	b := mustNode(t, addrOf(t, entry))
	b.On("ping", func(origin peer.ID, payload []byte) { gotB <- payload })
	runInBackground(t, b)

	require.Eventually(t, func() bool {
		return len(entry.Peers()) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, entry.Send(context.Background(), a.ID(), "ping", []byte("only-a")))

	select {
	case got := <-gotA:
		require.Equal(t, []byte("only-a"), got)
	case <-time.After(time.Second):
		t.Fatal("A never received")
	}

	select {
	case <-gotB:
		t.Fatal("B should not have received a unicast addressed to A")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartupHandlerRunsBeforeServing(t *testing.T) {
	n := mustNode(t, nil)

	var fired bool
	n.OnStartup(func(_ *pydevts.Node) {
		fired = true
	})

	runInBackground(t, n)
	require.True(t, fired)
}
