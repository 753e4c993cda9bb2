// Package loopback is an in-process peer substrate. Peers on the same
// Network can reach each other by identifier without any sockets, which
// makes it the substrate for tests and for single-process demos.
package loopback

import (
	"sync"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/internal/infrastructure/peerconn"
	"sharechannel/pkg/validation"
)

type Option func(*Network)

// WithSilentUnknownPeers makes connections to unregistered identifiers hang
// instead of failing with peer-unavailable.
func WithSilentUnknownPeers() Option {
	return func(n *Network) { n.silentUnknown = true }
}

// WithOpenDelay delays the registration of every peer by d.
func WithOpenDelay(d time.Duration) Option {
	return func(n *Network) { n.openDelay = d }
}

// Network is a ports.PeerProvider whose peers live in one process.
type Network struct {
	mu            sync.Mutex
	peers         map[domain.PeerID]*Peer
	silentUnknown bool
	openDelay     time.Duration
}

func NewNetwork(opts ...Option) *Network {
	n := &Network{peers: make(map[domain.PeerID]*Peer)}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Network) NewPeer(id domain.PeerID, _ domain.ConnectivityConfig) ports.PeerHandle {
	return &Peer{network: n, id: id}
}

// Registered reports whether id is currently claimed on the network.
func (n *Network) Registered(id domain.PeerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.peers[id]
	return ok
}

func (n *Network) lookup(id domain.PeerID) *Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

func (n *Network) claim(p *Peer) error {
	if err := validation.ValidatePeerID(string(p.id)); err != nil {
		return domain.NewPeerError(domain.ErrTypeInvalidID, "id %q is invalid", p.id)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.peers[p.id]; taken {
		return domain.NewPeerError(domain.ErrTypeUnavailableID, "id %q is taken", p.id)
	}
	n.peers[p.id] = p
	return nil
}

func (n *Network) release(p *Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.peers[p.id] == p {
		delete(n.peers, p.id)
	}
}

// Peer is a handle on a Network.
type Peer struct {
	network *Network
	id      domain.PeerID
	serial  peerconn.Serial

	mu           sync.Mutex
	onOpen       func(domain.PeerID)
	onConnection func(ports.DataConnection)
	onError      func(error)
	started      bool
	open         bool
	destroyed    bool
	conns        []*peerconn.Conn
}

func (p *Peer) ID() domain.PeerID { return p.id }

func (p *Peer) OnOpen(fn func(domain.PeerID)) {
	p.mu.Lock()
	p.onOpen = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnection(fn func(ports.DataConnection)) {
	p.mu.Lock()
	p.onConnection = fn
	p.mu.Unlock()
}

func (p *Peer) OnError(fn func(error)) {
	p.mu.Lock()
	p.onError = fn
	p.mu.Unlock()
}

func (p *Peer) Start() {
	p.mu.Lock()
	if p.started || p.destroyed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		if d := p.network.openDelay; d > 0 {
			time.Sleep(d)
		}
		if p.Destroyed() {
			return
		}
		if err := p.network.claim(p); err != nil {
			p.emitError(err)
			return
		}
		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			p.network.release(p)
			return
		}
		p.open = true
		fn := p.onOpen
		p.mu.Unlock()
		if fn != nil {
			p.serial.Post(func() { fn(p.id) })
		}
	}()
}

func (p *Peer) Connect(remote domain.PeerID, opts ports.ConnectOptions) ports.DataConnection {
	local := p.newEndpoint(remote, opts.Label)
	if p.Destroyed() {
		local.conn.Fail(domain.ErrPeerDestroyed)
		local.conn.MarkClosed()
		return local.conn
	}

	go func() {
		target := p.network.lookup(remote)
		if target == nil {
			if p.network.silentUnknown {
				return
			}
			err := domain.NewPeerError(domain.ErrTypePeerUnavailable, "could not connect to peer %s", remote)
			p.emitError(err)
			local.conn.Fail(err)
			local.conn.MarkClosed()
			return
		}
		answer := target.accept(p.id, opts.Label)
		if answer == nil {
			local.conn.MarkClosed()
			return
		}
		local.link(answer)
		answer.conn.MarkOpen()
		local.conn.MarkOpen()
	}()
	return local.conn
}

// accept creates the answering side of a connection and hands it to the
// connection handler before either side opens.
func (p *Peer) accept(from domain.PeerID, label string) *endpoint {
	p.mu.Lock()
	if p.destroyed || !p.open {
		p.mu.Unlock()
		return nil
	}
	fn := p.onConnection
	p.mu.Unlock()

	ep := p.newEndpoint(from, label)
	if fn != nil {
		done := make(chan struct{})
		p.serial.Post(func() {
			fn(ep.conn)
			close(done)
		})
		<-done
	}
	return ep
}

func (p *Peer) newEndpoint(remote domain.PeerID, label string) *endpoint {
	ep := &endpoint{}
	ep.conn = peerconn.New(remote, label, ep.send, ep.close)
	p.mu.Lock()
	p.conns = append(p.conns, ep.conn)
	p.mu.Unlock()
	return ep
}

func (p *Peer) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.open = false
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	p.network.release(p)
	for _, c := range conns {
		c.Close()
	}
}

func (p *Peer) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func (p *Peer) emitError(err error) {
	p.mu.Lock()
	fn := p.onError
	p.mu.Unlock()
	if fn != nil {
		p.serial.Post(func() { fn(err) })
	}
}

// endpoint is one side of an in-process connection pair.
type endpoint struct {
	conn *peerconn.Conn

	mu    sync.Mutex
	other *endpoint
}

func (e *endpoint) link(other *endpoint) {
	e.mu.Lock()
	e.other = other
	e.mu.Unlock()
	other.mu.Lock()
	other.other = e
	other.mu.Unlock()
}

func (e *endpoint) detach() *endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	other := e.other
	e.other = nil
	return other
}

func (e *endpoint) send(data []byte) error {
	e.mu.Lock()
	other := e.other
	e.mu.Unlock()
	if other == nil {
		return domain.ErrConnectionClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	other.conn.Deliver(buf)
	return nil
}

func (e *endpoint) close() {
	other := e.detach()
	e.conn.MarkClosed()
	if other != nil {
		other.detach()
		other.conn.MarkClosed()
	}
}
