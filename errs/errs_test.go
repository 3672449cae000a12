package errs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Peperworx/pydevts/errs"
)

func TestProtocolErrorUnwrap(t *testing.T) {
	cause := errors.New("frame too long")
	err := &errs.ProtocolError{Reason: "frame exceeds frame_max", Cause: cause}

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "frame exceeds frame_max")
}

func TestNodeNotFoundMessage(t *testing.T) {
	err := &errs.NodeNotFound{PeerID: "abc123"}
	require.Contains(t, err.Error(), "abc123")
}

func TestConnectionFailedWrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := &errs.ConnectionFailed{Addr: "127.0.0.1:9000", Cause: cause}

	require.ErrorIs(t, err, cause)
}
