// Package pydevts is the thin façade above the routing plane: it owns the
// event-name → handler-list mapping, serializes (name, payload) as the
// opaque application envelope the router carries inside a DATA frame, and
// drives the node's lifecycle (join, run startup handlers, serve).
//
// Everything that actually moves bytes between peers (the join protocol,
// the peer table, the connection cache, the framed wire protocol, the
// authenticated handshake) lives one layer down, in router/connpool/
// peer/stream/auth/wire. Apart from binding the accept listener in New,
// this file never touches a socket directly.
package pydevts

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Peperworx/pydevts/auth"
	"github.com/Peperworx/pydevts/connpool"
	"github.com/Peperworx/pydevts/errs"
	"github.com/Peperworx/pydevts/peer"
	"github.com/Peperworx/pydevts/router"
	"github.com/Peperworx/pydevts/wire"
)

// Handler receives one named event and the id of the peer that raised it.
// The node's own loopback emissions are delivered with origin equal to the
// node's own id.
type Handler func(origin peer.ID, payload []byte)

// StartupHandler runs once, after the listener is live but before Run
// blocks serving connections.
type StartupHandler func(n *Node)

// Config mirrors spec.md §6's recognized configuration options directly.
type Config struct {
	// EntryAddress is the address to join through. Nil means "start a new
	// cluster": the node mints its own id and becomes its own origin.
	EntryAddress *peer.Address
	// HostAddress is the local accept address. Port 0 means
	// kernel-selected; the node publishes whatever port it actually binds.
	HostAddress peer.Address
	// Auth is the handshake variant gating every connection. Nil means
	// auth.NoAuth{}.
	Auth auth.Handshake

	ConnectionCacheTTL time.Duration
	ConnectionCacheMax int
	// FrameMax bounds the accepted frame length; required to protect the
	// receiver from a peer claiming an unbounded length.
	FrameMax uint32

	Logger *zap.Logger
}

// Node is one peer's embedding point: construct with New, register
// handlers with On/OnStartup, then call Run.
type Node struct {
	cfg    Config
	logger *zap.Logger

	router   *router.Router
	listener *router.Listener

	mu       sync.RWMutex
	handlers map[string][]Handler
	startup  []StartupHandler
}

// New binds the local accept address and constructs the node. It does not
// join the cluster or start serving; that happens in Run.
func New(cfg Config) (*Node, error) {
	if cfg.Auth == nil {
		cfg.Auth = auth.NoAuth{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	addr := fmt.Sprintf("%s:%d", cfg.HostAddress.Host, cfg.HostAddress.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		ln.Close()
		return nil, err
	}

	table := peer.NewTable(peer.NewID())
	cache := connpool.New(connpool.DialTCP, cfg.Auth, cfg.FrameMax, cfg.ConnectionCacheTTL, cfg.ConnectionCacheMax, logger)

	r := router.New(router.Config{
		SelfID:     table.Self(),
		AcceptAddr: peer.Address{Host: host, Port: port},
		Table:      table,
		Cache:      cache,
		Logger:     logger,
	})

	n := &Node{
		cfg:      cfg,
		logger:   logger,
		router:   r,
		listener: router.NewListener(ln, r, cfg.Auth, cfg.FrameMax, logger),
		handlers: make(map[string][]Handler),
	}
	r.RegisterDataHandler(n.onData)

	return n, nil
}

// ID returns the node's current peer id. It changes exactly once, if Run
// completes a successful join against an entry.
func (n *Node) ID() peer.ID {
	return n.router.SelfID()
}

// Addr returns the node's bound accept address.
func (n *Node) Addr() net.Addr {
	return n.listener.Addr()
}

// Peers returns a snapshot of every peer currently known.
func (n *Node) Peers() []peer.Record {
	return n.router.Table().Snapshot()
}

// On registers a handler for named events raised by any peer, including
// this node's own Emit/Send loopback. Handlers for the same name run in
// registration order. Register before Run; the façade makes no promise
// about a handler added mid-run.
func (n *Node) On(name string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[name] = append(n.handlers[name], h)
}

// OnStartup registers a handler that runs once Run has joined the cluster
// (or gone standalone) and bound its listener, before Run blocks.
func (n *Node) OnStartup(h StartupHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.startup = append(n.startup, h)
}

// Emit broadcasts a named event to every known peer and, exactly once, to
// this node's own handlers.
func (n *Node) Emit(ctx context.Context, name string, payload []byte) error {
	body, err := wire.EncodePair(name, payload)
	if err != nil {
		return err
	}
	n.router.Emit(ctx, body)
	return nil
}

// Send delivers a named event to a single peer. Sending to the node's own
// id is a pure loopback.
func (n *Node) Send(ctx context.Context, target peer.ID, name string, payload []byte) error {
	body, err := wire.EncodePair(name, payload)
	if err != nil {
		return err
	}
	return n.router.SendTo(ctx, target, body)
}

// Run joins the cluster through cfg.EntryAddress (or starts standalone if
// nil), invokes every startup handler, then blocks accepting connections
// until ctx is cancelled or the listener fails.
func (n *Node) Run(ctx context.Context) error {
	if err := n.router.Enter(ctx, n.cfg.EntryAddress); err != nil {
		return err
	}

	n.mu.RLock()
	startup := append([]StartupHandler(nil), n.startup...)
	n.mu.RUnlock()
	for _, h := range startup {
		h(n)
	}

	return n.listener.Serve(ctx)
}

// Close stops accepting new connections. It does not tear down existing
// inbound connections or cached outbound ones, and neither does
// cancelling the Run context, which only closes the listener.
func (n *Node) Close() error {
	return n.listener.Close()
}

// onData is the router's sole data handler: it splits the application
// envelope back into (name, payload) and dispatches to every handler
// registered for name. An unknown name surfaces errs.EventNotFound as a
// logged warning rather than a returned error, since there is no caller
// frame on this asynchronous receive path to hand the error back to:
// "raise" here means making the drop observable rather than silent.
func (n *Node) onData(origin peer.ID, framePayload []byte) {
	name, payload, err := wire.DecodePair(framePayload)
	if err != nil {
		n.logger.Warn("malformed event envelope", zap.String("origin", string(origin)), zap.Error(err))
		return
	}

	n.mu.RLock()
	hs := append([]Handler(nil), n.handlers[name]...)
	n.mu.RUnlock()

	if len(hs) == 0 {
		n.logger.Warn("dropping event with no registered handler",
			zap.String("origin", string(origin)), zap.Error(&errs.EventNotFound{Name: name}))
		return
	}

	for _, h := range hs {
		h(origin, payload)
	}
}
