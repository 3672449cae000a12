package router

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/Peperworx/pydevts/auth"
	"github.com/Peperworx/pydevts/stream"
)

// Listener binds a TCP accept loop and hands each authenticated stream to
// a Router. Its only job is that handoff: the per-connection state
// machine lives in Router.OnConnection.
type Listener struct {
	ln        net.Listener
	router    *Router
	handshake auth.Handshake
	maxFrame  uint32
	logger    *zap.Logger
}

// Listen binds addr ("host:port"; port 0 kernel-selects) and returns a
// Listener ready to Serve. Callers needing the actual bound port (when
// port 0 was requested) read it from Addr() before Serve blocks.
func Listen(addr string, r *Router, handshake auth.Handshake, maxFrame uint32, logger *zap.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewListener(ln, r, handshake, maxFrame, logger), nil
}

// NewListener wraps an already-bound net.Listener. Useful when the caller
// needs to learn the kernel-selected port before constructing the Router
// whose AcceptAddr advertises it.
func NewListener(ln net.Listener, r *Router, handshake auth.Handshake, maxFrame uint32, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{ln: ln, router: r, handshake: handshake, maxFrame: maxFrame, logger: logger}
}

// Addr returns the bound listener address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve accepts connections until ln is closed or ctx is cancelled. Each
// connection is handled on its own goroutine: a handshake failure,
// end-of-stream, or connection error closes that stream silently and
// never propagates to any other connection.
func (l *Listener) Serve(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.ln.Close()
		case <-done:
		}
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	s := stream.New(conn, l.maxFrame)

	if err := l.handshake.Accept(ctx, s); err != nil {
		l.logger.Debug("inbound handshake failed, closing", zap.Error(err))
		s.Close()
		return
	}

	l.router.OnConnection(ctx, s)
}
