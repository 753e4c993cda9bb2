package services

import (
	"context"
	"sync"
	"sync/atomic"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/internal/core/protocol"
	"sharechannel/internal/infrastructure/peerconn"

	"github.com/stretchr/testify/mock"
)

// fakeConn is an inert ports.DataConnection that records what was sent.
type fakeConn struct {
	peer domain.PeerID

	mu     sync.Mutex
	open   bool
	closed bool
	sent   [][]byte
}

func newFakeConn(id domain.PeerID) *fakeConn {
	return &fakeConn{peer: id}
}

func (c *fakeConn) Peer() domain.PeerID { return c.peer }
func (c *fakeConn) Label() string       { return "" }
func (c *fakeConn) OnOpen(func())       {}
func (c *fakeConn) OnData(func([]byte)) {}
func (c *fakeConn) OnClose(func())      {}
func (c *fakeConn) OnError(func(error)) {}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrConnectionClosed
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.open = false
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// mockProvider records the ids and configs handed to the substrate.
type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) NewPeer(id domain.PeerID, cfg domain.ConnectivityConfig) ports.PeerHandle {
	args := m.Called(id, cfg)
	return args.Get(0).(ports.PeerHandle)
}

// scriptedPeer is a ports.PeerHandle whose outbound connections open only
// when the test marks them open. Close is recorded but the transport never
// confirms it, like a data channel whose teardown is still in flight.
type scriptedPeer struct {
	id domain.PeerID

	// replayOpen makes connections report an earlier open to a late OnOpen.
	replayOpen bool
	conns      chan *scriptedConn

	mu        sync.Mutex
	onOpen    func(domain.PeerID)
	destroyed bool
}

func newScriptedPeer(id domain.PeerID) *scriptedPeer {
	return &scriptedPeer{id: id, conns: make(chan *scriptedConn, 4)}
}

func (p *scriptedPeer) ID() domain.PeerID                       { return p.id }
func (p *scriptedPeer) OnConnection(func(ports.DataConnection)) {}
func (p *scriptedPeer) OnError(func(error))                     {}

func (p *scriptedPeer) OnOpen(fn func(domain.PeerID)) {
	p.mu.Lock()
	p.onOpen = fn
	p.mu.Unlock()
}

func (p *scriptedPeer) Start() {
	p.mu.Lock()
	fn := p.onOpen
	p.mu.Unlock()
	if fn != nil {
		go fn(p.id)
	}
}

func (p *scriptedPeer) Connect(remote domain.PeerID, opts ports.ConnectOptions) ports.DataConnection {
	c := &scriptedConn{replayOpen: p.replayOpen, replayed: make(chan struct{})}
	c.Conn = peerconn.New(remote, opts.Label, c.record, func() { c.closes.Add(1) })
	if p.replayOpen {
		c.MarkOpen()
	}
	p.conns <- c
	return c
}

func (p *scriptedPeer) Destroy() {
	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()
}

func (p *scriptedPeer) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

type scriptedConn struct {
	*peerconn.Conn
	replayOpen bool
	replayed   chan struct{}
	closes     atomic.Int32

	mu   sync.Mutex
	sent [][]byte
}

func (c *scriptedConn) OnOpen(fn func()) {
	c.Conn.OnOpen(fn)
	if c.replayOpen && fn != nil && c.Open() {
		go func() {
			fn()
			close(c.replayed)
		}()
	}
}

func (c *scriptedConn) record(data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, data)
	c.mu.Unlock()
	return nil
}

func (c *scriptedConn) frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Frame
	for _, data := range c.sent {
		if f, err := protocol.Decode(data); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// memorySettings is a map-backed ports.SettingsStore with injectable failures.
type memorySettings struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
	setErr error
}

func newMemorySettings() *memorySettings {
	return &memorySettings{values: make(map[string]string)}
}

func (s *memorySettings) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return "", s.getErr
	}
	v, ok := s.values[key]
	if !ok {
		return "", domain.ErrSettingNotFound
	}
	return v, nil
}

func (s *memorySettings) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.values[key] = value
	return nil
}

// recordingNotifier collects notifications for assertions.
type recordingNotifier struct {
	mu    sync.Mutex
	items []domain.Notification
}

func (n *recordingNotifier) Notify(item domain.Notification) {
	n.mu.Lock()
	n.items = append(n.items, item)
	n.mu.Unlock()
}

func (n *recordingNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.items))
	for i, item := range n.items {
		out[i] = item.Title
	}
	return out
}

func (n *recordingNotifier) find(title string) (domain.Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, item := range n.items {
		if item.Title == title {
			return item, true
		}
	}
	return domain.Notification{}, false
}
