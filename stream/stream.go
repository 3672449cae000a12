// Package stream implements the length-prefixed framed protocol pydevts
// runs over a reliable, ordered, bidirectional byte stream (TCP). It
// does not interpret frame contents; that is the auth handshake's and
// the router's job.
package stream

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/Peperworx/pydevts/errs"
)

// DefaultMaxFrame is used when a Stream is constructed without an
// explicit frame_max.
const DefaultMaxFrame = 16 << 20 // 16 MiB

// Stream wraps a net.Conn with the send/recv/close framing contract:
// every logical unit is a fixed-width big-endian 32-bit length followed
// by that many bytes.
type Stream struct {
	conn     net.Conn
	maxFrame uint32
}

// New wraps conn as a framed stream. maxFrame of 0 uses DefaultMaxFrame.
func New(conn net.Conn, maxFrame uint32) *Stream {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Stream{conn: conn, maxFrame: maxFrame}
}

// Conn returns the underlying connection, e.g. for reading RemoteAddr.
func (s *Stream) Conn() net.Conn {
	return s.conn
}

// Send writes len(frame) as a 4-byte big-endian length, immediately
// followed by frame, as a single logical write.
func (s *Stream) Send(frame []byte) error {
	header := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(header[:4], uint32(len(frame)))
	copy(header[4:], frame)

	if _, err := s.conn.Write(header); err != nil {
		return &errs.ConnectionFailed{Addr: s.remoteAddrString(), Cause: errors.Wrap(err, "write frame")}
	}
	return nil
}

// Recv reads exactly 4 bytes to learn the frame length, then reads
// exactly that many bytes. A length over maxFrame still drains those N
// body bytes off the wire before failing with ProtocolError, so the
// stream stays frame-aligned and is usable for the next Recv. An
// end-of-stream mid-frame fails with PeerClosed; an end-of-stream exactly
// between frames (i.e. while reading the length header) also surfaces as
// PeerClosed, which is the normal way a peer signals it is done.
func (s *Stream) Recv() ([]byte, error) {
	var header [4]byte
	if err := s.readFull(header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > s.maxFrame {
		if err := s.discard(int64(length)); err != nil {
			return nil, err
		}
		return nil, &errs.ProtocolError{Reason: "frame exceeds frame_max"}
	}

	body := make([]byte, length)
	if length > 0 {
		if err := s.readFull(body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// discard reads and drops exactly n bytes, used to keep the stream
// frame-aligned after rejecting an oversize length.
func (s *Stream) discard(n int64) error {
	_, err := io.CopyN(io.Discard, s.conn, n)
	if err == nil {
		return nil
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &errs.PeerClosed{Addr: s.remoteAddrString(), Cause: err}
	}
	return &errs.ConnectionFailed{Addr: s.remoteAddrString(), Cause: errors.Wrap(err, "discard oversize frame")}
}

// readFull loops io.ReadFull-style until buf is satisfied, translating
// EOF/connection errors into the typed error kinds.
func (s *Stream) readFull(buf []byte) error {
	_, err := io.ReadFull(s.conn, buf)
	if err == nil {
		return nil
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &errs.PeerClosed{Addr: s.remoteAddrString(), Cause: err}
	}
	return &errs.ConnectionFailed{Addr: s.remoteAddrString(), Cause: errors.Wrap(err, "read frame")}
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}

func (s *Stream) remoteAddrString() string {
	if s.conn == nil || s.conn.RemoteAddr() == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}
