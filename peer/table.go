package peer

import "sync"

// Table is the authoritative map of peer-id to reachable address. It
// never stores the owning peer's own id. Removal is idempotent.
// Concurrent readers observe either the pre- or post-update snapshot,
// never a torn entry: every mutation and every Snapshot copy loop runs
// under the same RWMutex, so a reader never observes a map mid-edit.
type Table struct {
	mu    sync.RWMutex
	self  ID
	peers map[ID]Record
}

// NewTable creates an empty table for the given local id. self is never
// admitted into the table even if Upsert is called with it.
func NewTable(self ID) *Table {
	return &Table{
		self:  self,
		peers: make(map[ID]Record),
	}
}

// SetSelf updates the local id the table refuses to store. Used once,
// at the moment join replaces the local peer-id with the entry-assigned
// one.
func (t *Table) SetSelf(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self = id
	delete(t.peers, id)
}

// Self returns the local peer-id the table is keyed against.
func (t *Table) Self() ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self
}

// Upsert inserts or replaces a peer record. A no-op if id equals the
// local id.
func (t *Table) Upsert(id ID, rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == t.self {
		return
	}
	t.peers[id] = rec
}

// Has reports whether id is currently in the table.
func (t *Table) Has(id ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[id]
	return ok
}

// Get returns the record for id, if present.
func (t *Table) Get(id ID) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.peers[id]
	return rec, ok
}

// Remove deletes id from the table. Idempotent: removing an absent id
// is not an error.
func (t *Table) Remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// Snapshot returns a copy of every record currently in the table, safe
// to iterate even while Upsert/Remove run concurrently on the table
// itself.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.peers))
	for _, rec := range t.peers {
		out = append(out, rec)
	}
	return out
}

// Len returns the number of peers known, excluding the local id.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
