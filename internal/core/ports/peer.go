package ports

import "sharechannel/internal/core/domain"

// PeerProvider is the peer-connection substrate. Implementations must not
// fail synchronously in NewPeer; every failure is reported through the
// handle's error callback after Start.
type PeerProvider interface {
	NewPeer(id domain.PeerID, cfg domain.ConnectivityConfig) PeerHandle
}

// PeerHandle is a rendezvous endpoint with a resolvable identifier.
type PeerHandle interface {
	ID() domain.PeerID
	OnOpen(func(id domain.PeerID))
	OnConnection(func(conn DataConnection))
	OnError(func(err error))
	// Start registers the identifier with the rendezvous service.
	Start()
	Connect(remote domain.PeerID, opts ConnectOptions) DataConnection
	Destroy()
	Destroyed() bool
}

type ConnectOptions struct {
	Label    string
	Metadata map[string]string
}

// DataConnection is a reliable, ordered, message-framed channel to a remote
// peer. Data and close notifications that happen before a handler is
// registered are replayed on registration.
type DataConnection interface {
	Peer() domain.PeerID
	Label() string
	Open() bool
	OnOpen(func())
	OnData(func(data []byte))
	OnClose(func())
	OnError(func(err error))
	Send(data []byte) error
	Close()
}
