package services

import (
	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
)

// ConnectionEntry is one live connection owned by a ConnectionRegistry.
type ConnectionEntry struct {
	RemotePeerID domain.PeerID
	Conn         ports.DataConnection

	// opened guards the connection-open protocol so it runs once even when
	// the transport was already open at registration and later reports open.
	opened bool
}

// ConnectionRegistry maps remote peer ids to live connections in insertion
// order. It is not safe for concurrent use; the session loop owns it.
type ConnectionRegistry struct {
	entries map[domain.PeerID]*ConnectionEntry
	order   []domain.PeerID
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{entries: make(map[domain.PeerID]*ConnectionEntry)}
}

// Add registers conn for remote. An existing entry for the same remote is
// replaced in place and returned as previous so the caller can close it.
func (r *ConnectionRegistry) Add(remote domain.PeerID, conn ports.DataConnection) (entry, previous *ConnectionEntry) {
	entry = &ConnectionEntry{RemotePeerID: remote, Conn: conn}
	if prev, ok := r.entries[remote]; ok {
		r.entries[remote] = entry
		return entry, prev
	}
	r.entries[remote] = entry
	r.order = append(r.order, remote)
	return entry, nil
}

func (r *ConnectionRegistry) Remove(remote domain.PeerID) (*ConnectionEntry, bool) {
	entry, ok := r.entries[remote]
	if !ok {
		return nil, false
	}
	delete(r.entries, remote)
	for i, id := range r.order {
		if id == remote {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return entry, true
}

func (r *ConnectionRegistry) Get(remote domain.PeerID) (*ConnectionEntry, bool) {
	entry, ok := r.entries[remote]
	return entry, ok
}

// List returns a snapshot of remote ids in insertion order.
func (r *ConnectionRegistry) List() []domain.PeerID {
	out := make([]domain.PeerID, len(r.order))
	copy(out, r.order)
	return out
}

// Entries returns a snapshot of entries in insertion order.
func (r *ConnectionRegistry) Entries() []*ConnectionEntry {
	out := make([]*ConnectionEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

func (r *ConnectionRegistry) Len() int {
	return len(r.order)
}

// Clear empties the registry and returns what it held.
func (r *ConnectionRegistry) Clear() []*ConnectionEntry {
	out := r.Entries()
	r.entries = make(map[domain.PeerID]*ConnectionEntry)
	r.order = nil
	return out
}
