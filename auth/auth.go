// Package auth implements the pluggable authenticated handshake that
// gates a connection before any router traffic crosses it. A handshake
// runs once per connection, immediately after establishment: Initiate on
// the dialing side, Accept on the listening side. Either method returning
// an error means the caller must close the stream; the connection cache
// must never admit a handle whose handshake failed.
package auth

import (
	"context"

	"github.com/Peperworx/pydevts/stream"
)

// Handshake is executed once per connection, by both sides, before any
// router traffic. It may exchange multiple framed messages directly over
// the stream; it is transparent to the router above it.
type Handshake interface {
	// Initiate runs the dialing side of the handshake.
	Initiate(ctx context.Context, s *stream.Stream) error
	// Accept runs the listening side of the handshake.
	Accept(ctx context.Context, s *stream.Stream) error
}
