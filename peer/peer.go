// Package peer holds the peer identifier, peer record, and the peer
// table that maps one to the other.
package peer

import "github.com/google/uuid"

// ID is an opaque, universe-unique textual identifier assigned by the
// cluster at join time. A peer never chooses its own id except when it
// starts a new cluster as the first member.
type ID string

// NewID mints a fresh peer id. Used by a standalone node minting its own
// origin id, and by an entry node minting an id for a newcomer.
func NewID() ID {
	return ID(uuid.NewString())
}

// Address is a peer's accept address: where others reach it, not the
// ephemeral client port of any current connection.
type Address struct {
	Host string
	Port int
}

// Record is everything the cluster knows about one peer.
type Record struct {
	ID   ID
	Host string
	Port int
}

// Addr returns the record's accept address.
func (r Record) Addr() Address {
	return Address{Host: r.Host, Port: r.Port}
}
