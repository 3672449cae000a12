// Package router implements the routing plane: the join protocol, unicast
// and broadcast delivery, and the per-connection opcode dispatch described
// as the heart of the system. It owns the peer table and the connection
// cache but not their construction: both are handed in, already
// configured, by the node façade.
package router

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/Peperworx/pydevts/connpool"
	"github.com/Peperworx/pydevts/errs"
	"github.com/Peperworx/pydevts/peer"
	"github.com/Peperworx/pydevts/stream"
	"github.com/Peperworx/pydevts/wire"
)

// DataHandler receives the origin peer id and the opaque application
// payload carried by a DATA frame, including loopback frames originated
// locally. The node façade registers exactly one: its own (name, bytes)
// envelope decoder.
type DataHandler func(origin peer.ID, payload []byte)

// Config wires a Router to its collaborators. SelfID and AcceptAddr must
// already reflect a standalone peer's minted identity; Enter may later
// replace SelfID with one assigned by an entry.
type Config struct {
	SelfID     peer.ID
	AcceptAddr peer.Address
	Table      *peer.Table
	Cache      *connpool.Cache
	Logger     *zap.Logger
}

// Router is the routing plane for one local peer.
type Router struct {
	mu         sync.RWMutex
	selfID     peer.ID
	acceptAddr peer.Address

	table  *peer.Table
	cache  *connpool.Cache
	logger *zap.Logger

	handlerMu sync.RWMutex
	handler   DataHandler
}

// New constructs a Router from cfg.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		selfID:     cfg.SelfID,
		acceptAddr: cfg.AcceptAddr,
		table:      cfg.Table,
		cache:      cfg.Cache,
		logger:     logger,
	}
}

// SelfID returns the router's current peer id. It changes exactly once,
// if Enter completes a successful join.
func (r *Router) SelfID() peer.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selfID
}

// Table exposes the peer table for the façade's read-only uses (e.g.
// reporting cluster membership).
func (r *Router) Table() *peer.Table {
	return r.table
}

// RegisterDataHandler installs the sole recipient of inbound DATA frames.
// Per the concurrency model, register before Run; the router makes no
// promise about a handler swapped in mid-flight.
func (r *Router) RegisterDataHandler(h DataHandler) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.handler = h
}

func (r *Router) dataHandler() DataHandler {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	return r.handler
}

// Enter runs the join protocol against entryAddr. A nil entryAddr means
// "start a new cluster": the router keeps the self id it was constructed
// with and returns immediately. A connection failure reaching the entry
// is a first-class outcome, not an error: the node falls back to
// standalone and logs at info level. Only a malformed or unexpected
// response from a reachable entry is surfaced as an error, since that
// indicates a misbehaving entry rather than an absent one.
func (r *Router) Enter(ctx context.Context, entryAddr *peer.Address) error {
	if entryAddr == nil {
		return nil
	}

	entryKey := fmt.Sprintf("%s:%d", entryAddr.Host, entryAddr.Port)

	h, err := r.cache.Connect(ctx, entryAddr.Host, entryAddr.Port)
	if err != nil {
		r.logger.Info("entry unreachable, starting standalone",
			zap.String("entry", entryKey), zap.Error(err))
		return nil
	}

	joinBody, err := (&wire.JoinPayload{OwnAddr: wire.Addr{Host: r.acceptAddr.Host, Port: r.acceptAddr.Port}}).Marshal()
	if err != nil {
		return err
	}
	frame, err := wire.EncodeEnvelope(wire.OpJoin, joinBody)
	if err != nil {
		return err
	}

	if err := r.cache.Send(h, frame); err != nil {
		r.logger.Info("entry unreachable sending JOIN, starting standalone",
			zap.String("entry", entryKey), zap.Error(err))
		return nil
	}

	resp, err := r.cache.Recv(h)
	if err != nil {
		r.logger.Info("entry unreachable awaiting JOIN_OK, starting standalone",
			zap.String("entry", entryKey), zap.Error(err))
		return nil
	}

	op, payload, err := wire.DecodeEnvelope(resp)
	if err != nil {
		return err
	}
	if op != wire.OpJoinOK {
		return &errs.ProtocolError{Reason: fmt.Sprintf("expected JOIN_OK from entry, got opcode %d", op)}
	}

	ok, err := wire.DecodeJoinOkPayload(payload)
	if err != nil {
		return err
	}

	assigned := peer.ID(ok.AssignedID)
	entryID := peer.ID(ok.EntryID)

	r.mu.Lock()
	r.selfID = assigned
	r.mu.Unlock()
	r.table.SetSelf(assigned)

	for _, rec := range ok.Peers {
		r.table.Upsert(peer.ID(rec.ID), peer.Record{ID: peer.ID(rec.ID), Host: rec.Host, Port: rec.Port})
	}
	r.table.Upsert(entryID, peer.Record{ID: entryID, Host: entryAddr.Host, Port: entryAddr.Port})

	r.logger.Info("joined cluster", zap.String("assigned_id", string(assigned)), zap.String("entry_id", string(entryID)))
	return nil
}

// SendTo delivers payload to target as a DATA frame. Sending to the
// router's own id is a pure loopback: no network round trip, no
// encode/decode of the envelope the network would otherwise carry.
func (r *Router) SendTo(ctx context.Context, target peer.ID, payload []byte) error {
	if target == r.SelfID() {
		r.loopback(payload)
		return nil
	}

	rec, ok := r.table.Get(target)
	if !ok {
		return &errs.NodeNotFound{PeerID: string(target)}
	}

	frame, err := r.encodeData(payload)
	if err != nil {
		return err
	}

	h, err := r.cache.Connect(ctx, rec.Host, rec.Port)
	if err != nil {
		r.table.Remove(target)
		return err
	}
	if err := r.cache.Send(h, frame); err != nil {
		r.table.Remove(target)
		return err
	}
	return nil
}

// Emit broadcasts payload to every peer currently known, best-effort, and
// finally delivers it to the loopback path exactly once. A send failure
// to one peer evicts only that peer and does not abort the fan-out.
func (r *Router) Emit(ctx context.Context, payload []byte) {
	frame, err := r.encodeData(payload)
	if err != nil {
		r.logger.Warn("emit: encode DATA frame", zap.Error(err))
		return
	}

	for _, rec := range r.table.Snapshot() {
		h, err := r.cache.Connect(ctx, rec.Host, rec.Port)
		if err != nil {
			r.table.Remove(rec.ID)
			continue
		}
		if err := r.cache.Send(h, frame); err != nil {
			r.table.Remove(rec.ID)
			continue
		}
	}

	r.loopback(payload)
}

func (r *Router) loopback(payload []byte) {
	if h := r.dataHandler(); h != nil {
		h(r.SelfID(), payload)
	}
}

func (r *Router) encodeData(payload []byte) ([]byte, error) {
	body, err := (&wire.DataPayload{OriginID: string(r.SelfID()), Payload: payload}).Marshal()
	if err != nil {
		return nil, err
	}
	return wire.EncodeEnvelope(wire.OpData, body)
}

// OnConnection runs the per-connection receive loop for an already
// handshaken stream: READY until end-of-stream, a connection error, a
// frame over frame_max, or an envelope that fails to decode takes it to
// CLOSED. Unknown opcodes are dropped and the connection stays READY.
// No peer-table mutation happens on the closing path; only
// the failing-send path (SendTo, Emit) owns eviction.
func (r *Router) OnConnection(ctx context.Context, s *stream.Stream) {
	defer s.Close()

	remoteHost := remoteHost(s.Conn())

	for {
		body, err := s.Recv()
		if err != nil {
			return
		}

		op, payload, err := wire.DecodeEnvelope(body)
		if err != nil {
			r.logger.Debug("malformed frame, closing connection", zap.Error(err))
			return
		}

		switch op {
		case wire.OpJoin:
			r.handleJoin(ctx, payload, remoteHost, s)
		case wire.OpNewPeer:
			r.handleNewPeer(payload)
		case wire.OpData:
			r.handleData(payload)
		case wire.OpJoinOK:
			// JOIN_OK only ever arrives as the direct reply to a join
			// request's own Recv in Enter; seeing it on a long-lived
			// accepted connection means the peer on the other end is
			// confused, not that our own state machine is.
			r.logger.Warn("unexpected JOIN_OK on accepted connection")
		default:
			r.logger.Warn("unknown opcode, dropping", zap.Uint8("opcode", uint8(op)))
		}
	}
}

// handleJoin runs the acceptor side of the join protocol: mint an id for
// the newcomer, reply on the same stream, then broadcast NEW_PEER to the
// rest of the cluster and to itself so the loopback NEW_PEER delivery is
// the single code path that admits the newcomer into the table.
func (r *Router) handleJoin(ctx context.Context, payload []byte, remoteHost string, s *stream.Stream) {
	join, err := wire.DecodeJoinPayload(payload)
	if err != nil {
		r.logger.Debug("malformed JOIN payload", zap.Error(err))
		return
	}

	newID := peer.NewID()
	snapshot := r.table.Snapshot()

	okPayload, err := (&wire.JoinOkPayload{
		Peers:      toWireRecords(snapshot),
		AssignedID: string(newID),
		EntryID:    string(r.SelfID()),
	}).Marshal()
	if err != nil {
		r.logger.Warn("encode JOIN_OK", zap.Error(err))
		return
	}
	frame, err := wire.EncodeEnvelope(wire.OpJoinOK, okPayload)
	if err != nil {
		r.logger.Warn("encode JOIN_OK envelope", zap.Error(err))
		return
	}
	if err := s.Send(frame); err != nil {
		r.logger.Debug("send JOIN_OK", zap.Error(err))
		return
	}

	announce := &wire.NewPeerPayload{
		ID:             string(newID),
		ObservedRemote: wire.Addr{Host: remoteHost, Port: 0},
		Advertised:     join.OwnAddr,
	}
	r.broadcastNewPeer(ctx, snapshot, announce)
}

// broadcastNewPeer fans announce out to every peer in snapshot, best
// effort, then applies it locally via the same code path a remote
// NEW_PEER would take.
func (r *Router) broadcastNewPeer(ctx context.Context, snapshot []peer.Record, announce *wire.NewPeerPayload) {
	body, err := announce.Marshal()
	if err != nil {
		r.logger.Warn("encode NEW_PEER", zap.Error(err))
		return
	}
	frame, err := wire.EncodeEnvelope(wire.OpNewPeer, body)
	if err != nil {
		r.logger.Warn("encode NEW_PEER envelope", zap.Error(err))
		return
	}

	for _, rec := range snapshot {
		h, err := r.cache.Connect(ctx, rec.Host, rec.Port)
		if err != nil {
			r.table.Remove(rec.ID)
			continue
		}
		if err := r.cache.Send(h, frame); err != nil {
			r.table.Remove(rec.ID)
			continue
		}
	}

	r.handleNewPeer(body)
}

// handleNewPeer applies a NEW_PEER announcement, remote or looped back
// from our own broadcast. Idempotent on an already-known id; the tie
// break on disagreement between the observed remote host and the
// advertised address is spec-mandated: the remote host as actually seen
// is trustworthy, the advertised port is the peer's own claim of where it
// listens.
func (r *Router) handleNewPeer(payload []byte) {
	np, err := wire.DecodeNewPeerPayload(payload)
	if err != nil {
		r.logger.Debug("malformed NEW_PEER payload", zap.Error(err))
		return
	}

	id := peer.ID(np.ID)
	if id == r.SelfID() || r.table.Has(id) {
		return
	}

	r.table.Upsert(id, peer.Record{
		ID:   id,
		Host: np.ObservedRemote.Host,
		Port: np.Advertised.Port,
	})
}

func (r *Router) handleData(payload []byte) {
	d, err := wire.DecodeDataPayload(payload)
	if err != nil {
		r.logger.Debug("malformed DATA payload", zap.Error(err))
		return
	}
	if h := r.dataHandler(); h != nil {
		h(peer.ID(d.OriginID), d.Payload)
	}
}

func toWireRecords(recs []peer.Record) []wire.PeerRecord {
	out := make([]wire.PeerRecord, len(recs))
	for i, rec := range recs {
		out[i] = wire.PeerRecord{ID: string(rec.ID), Host: rec.Host, Port: rec.Port}
	}
	return out
}

// remoteHost extracts just the host portion of conn's remote address: the
// portion the NEW_PEER tie-break policy actually trusts. The ephemeral
// client port of an inbound connection is never a peer's accept port.
func remoteHost(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
