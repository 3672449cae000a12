// Package connpool implements the address-keyed pool of outbound client
// streams described by the connection cache component: connect() opens
// or reuses a handshaken stream, send/recv delegate to it, and idle
// entries are evicted by TTL or by an LRU policy once the cache is full.
package connpool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Peperworx/pydevts/auth"
	"github.com/Peperworx/pydevts/errs"
	"github.com/Peperworx/pydevts/stream"
)

// Handle identifies a cached connection. Identity is by this generated
// value, not by address: the cache may collapse two Connect calls to the
// same address onto one handle while that handle is live.
type Handle string

// Dialer opens the raw transport connection to an accept address. In
// production this is net.Dial; tests can substitute an in-memory pipe.
type Dialer func(ctx context.Context, host string, port int) (net.Conn, error)

// DialTCP is the default Dialer, connecting over TCP.
func DialTCP(ctx context.Context, host string, port int) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
}

type entry struct {
	mu        sync.Mutex // serializes send/recv against close on this handle
	stream    *stream.Stream
	host      string
	port      int
	createdAt time.Time
	closed    bool
}

func (e *entry) touch() {
	e.mu.Lock()
	e.createdAt = time.Now()
	e.mu.Unlock()
}

// Cache is the connection cache. Zero value is not usable; construct
// with New.
type Cache struct {
	mu        sync.Mutex
	byHandle  map[Handle]*entry
	byAddr    map[string]Handle
	ttl       time.Duration
	max       int
	maxFrame  uint32
	dial      Dialer
	handshake auth.Handshake
	logger    *zap.Logger
	counter   atomic.Uint64
}

// New creates a connection cache. ttl of 0 uses 60s; max of 0 means
// unbounded.
func New(dial Dialer, handshake auth.Handshake, maxFrame uint32, ttl time.Duration, max int, logger *zap.Logger) *Cache {
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		byHandle:  make(map[Handle]*entry),
		byAddr:    make(map[string]Handle),
		ttl:       ttl,
		max:       max,
		maxFrame:  maxFrame,
		dial:      dial,
		handshake: handshake,
		logger:    logger,
	}
}

func addrKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Connect returns a handle usable to reach (host, port). If a live entry
// already targets that address its handle is returned and its
// createdAt refreshed; otherwise a new stream is dialed, the
// handshake is run as initiator, and a fresh handle is minted.
func (c *Cache) Connect(ctx context.Context, host string, port int) (Handle, error) {
	key := addrKey(host, port)

	if h, ok := c.liveHandleFor(key); ok {
		return h, nil
	}

	conn, err := c.dial(ctx, host, port)
	if err != nil {
		return "", &errs.ConnectionFailed{Addr: key, Cause: errors.Wrap(err, "dial")}
	}
	s := stream.New(conn, c.maxFrame)

	if err := c.handshake.Initiate(ctx, s); err != nil {
		s.Close()
		return "", err
	}

	return c.admit(key, host, port, s)
}

// liveHandleFor returns the handle already cached for key, refreshing
// its createdAt, if one is live.
func (c *Cache) liveHandleFor(key string) (Handle, bool) {
	c.mu.Lock()
	h, ok := c.byAddr[key]
	if !ok {
		c.mu.Unlock()
		return "", false
	}
	e, ok := c.byHandle[h]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	e.touch()
	return h, true
}

// admit inserts a freshly handshaken stream into the cache, evicting the
// oldest entry first if the cache is full. Another goroutine may have
// raced us to connect to the same address; if so, its handle wins and
// ours is closed.
func (c *Cache) admit(key, host string, port int, s *stream.Stream) (Handle, error) {
	c.mu.Lock()

	if h, ok := c.byAddr[key]; ok {
		if e, ok := c.byHandle[h]; ok {
			c.mu.Unlock()
			e.touch()
			s.Close()
			return h, nil
		}
	}

	var evicted *entry
	if c.max > 0 && len(c.byHandle) >= c.max {
		if victim, e := c.oldestLocked(); e != nil {
			delete(c.byHandle, victim)
			delete(c.byAddr, addrKey(e.host, e.port))
			evicted = e
		}
	}

	h := Handle(fmt.Sprintf("conn-%d", c.counter.Add(1)))
	c.byHandle[h] = &entry{stream: s, host: host, port: port, createdAt: time.Now()}
	c.byAddr[key] = h
	c.mu.Unlock()

	if evicted != nil {
		evicted.mu.Lock()
		evicted.closed = true
		evicted.stream.Close()
		evicted.mu.Unlock()
	}

	return h, nil
}

// oldestLocked finds the entry with the smallest createdAt. Caller must
// hold c.mu.
func (c *Cache) oldestLocked() (Handle, *entry) {
	var (
		victim   Handle
		oldest   *entry
		oldestAt time.Time
	)
	for h, e := range c.byHandle {
		if oldest == nil || e.createdAt.Before(oldestAt) {
			victim, oldest, oldestAt = h, e, e.createdAt
		}
	}
	return victim, oldest
}

func (c *Cache) lookup(h Handle) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byHandle[h]
	if !ok {
		return nil, &errs.ConnectionNotFound{Handle: string(h)}
	}
	return e, nil
}

// Send writes a frame over the cached stream for handle.
func (c *Cache) Send(h Handle, frame []byte) error {
	e, err := c.lookup(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return &errs.ConnectionNotFound{Handle: string(h)}
	}
	if err := e.stream.Send(frame); err != nil {
		return err
	}
	e.createdAt = time.Now()
	return nil
}

// Recv reads the next frame from the cached stream for handle.
func (c *Cache) Recv(h Handle) ([]byte, error) {
	e, err := c.lookup(h)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, &errs.ConnectionNotFound{Handle: string(h)}
	}
	frame, err := e.stream.Recv()
	if err != nil {
		return nil, err
	}
	e.createdAt = time.Now()
	return frame, nil
}

// Disconnect closes the stream for handle and removes it from the
// cache. Disconnecting an unknown handle is a caller error.
func (c *Cache) Disconnect(h Handle) error {
	c.mu.Lock()
	e, ok := c.byHandle[h]
	if !ok {
		c.mu.Unlock()
		return &errs.ConnectionNotFound{Handle: string(h)}
	}
	delete(c.byHandle, h)
	delete(c.byAddr, addrKey(e.host, e.port))
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return e.stream.Close()
}

// Clean removes every entry whose age exceeds the configured TTL. The
// set of stale handles is collected before any entry is closed, so a
// concurrent Connect/Send mutating the map mid-scan never corrupts this
// pass.
func (c *Cache) Clean() {
	now := time.Now()

	c.mu.Lock()
	stale := make([]Handle, 0)
	for h, e := range c.byHandle {
		e.mu.Lock()
		expired := now.Sub(e.createdAt) > c.ttl
		e.mu.Unlock()
		if expired {
			stale = append(stale, h)
		}
	}
	c.mu.Unlock()

	for _, h := range stale {
		if err := c.Disconnect(h); err != nil {
			c.logger.Debug("clean: handle already gone", zap.String("handle", string(h)), zap.Error(err))
		}
	}
}

// CloseAll closes and removes every cached entry.
func (c *Cache) CloseAll() {
	c.mu.Lock()
	handles := make([]Handle, 0, len(c.byHandle))
	for h := range c.byHandle {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		_ = c.Disconnect(h)
	}
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byHandle)
}
