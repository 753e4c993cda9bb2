package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/internal/infrastructure/peerconn"
	"sharechannel/internal/infrastructure/signal"
	"sharechannel/pkg/utils"
	"sharechannel/pkg/validation"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Peer implements ports.PeerHandle. Handle callbacks run on one Serial.
type Peer struct {
	provider *Provider
	id       domain.PeerID
	cfg      domain.ConnectivityConfig
	api      *webrtc.API
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	events peerconn.Serial

	mu           sync.Mutex
	onOpen       func(domain.PeerID)
	onConnection func(ports.DataConnection)
	onError      func(error)
	sig          *signalingClient
	conns        map[string]*dataConn
	started      bool
	open         bool
	fatal        bool
	destroyed    bool
}

func newPeer(provider *Provider, id domain.PeerID, cfg domain.ConnectivityConfig) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		provider: provider,
		id:       id,
		cfg:      cfg,
		api:      provider.newAPI(cfg),
		logger:   provider.logger.With("peer_id", id),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*dataConn),
	}
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

func (p *Peer) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Start registers the id. The outcome arrives through OnOpen or OnError.
func (p *Peer) Start() {
	p.mu.Lock()
	if p.started || p.destroyed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	if err := validation.ValidatePeerID(string(p.id)); err != nil {
		p.emitError(domain.NewPeerError(domain.ErrTypeInvalidID, "id %q is invalid", p.id))
		return
	}
	go p.run()
}

func (p *Peer) run() {
	sig, err := p.provider.dial(p.ctx, p.id)
	if err != nil {
		if p.ctx.Err() == nil {
			p.emitError(err)
		}
		return
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		sig.close()
		return
	}
	p.sig = sig
	p.mu.Unlock()

	err = sig.readLoop(p.handleSignal)

	p.mu.Lock()
	opened, quiet := p.open, p.fatal || p.destroyed
	p.open = false
	p.mu.Unlock()
	sig.close()
	if quiet {
		return
	}
	if opened {
		p.emitError(&domain.PeerError{Type: domain.ErrTypeNetwork, Cause: fmt.Errorf("lost connection to server: %w", err)})
	} else {
		p.emitError(&domain.PeerError{Type: domain.ErrTypeServerError, Cause: fmt.Errorf("rendezvous server closed the connection: %w", err)})
	}
}

func (p *Peer) handleSignal(msg signal.Message) {
	switch msg.Type {
	case signal.TypeOpen:
		p.mu.Lock()
		p.open = true
		sig := p.sig
		fn := p.onOpen
		p.mu.Unlock()
		go sig.heartbeat(p.provider.cfg.HeartbeatInterval)
		p.logger.Debugw("peer registered")
		if fn != nil {
			p.events.Post(func() { fn(p.id) })
		}

	case signal.TypeIDTaken:
		p.abort(domain.NewPeerError(domain.ErrTypeUnavailableID, "ID %q is taken", p.id))

	case signal.TypeError:
		var payload signal.ErrorPayload
		if err := msg.DecodePayload(&payload); err != nil {
			p.logger.Warnw("undecodable error payload", "error", err)
			payload.Msg = "rendezvous server reported an error"
		}
		p.mu.Lock()
		opened := p.open
		p.mu.Unlock()
		err := domain.NewPeerError(domain.ErrTypeServerError, "%s", payload.Msg)
		if !opened {
			p.abort(err)
			return
		}
		p.emitError(err)

	case signal.TypeOffer:
		go p.answer(msg)

	case signal.TypeAnswer:
		var payload signal.ConnectionPayload
		if err := msg.DecodePayload(&payload); err != nil {
			p.logger.Debugw("dropping answer", "error", err)
			return
		}
		if dc := p.conn(payload.ConnectionID); dc != nil {
			dc.applyAnswer(payload.SDP)
		}

	case signal.TypeExpire:
		var payload signal.LeavePayload
		_ = msg.DecodePayload(&payload)
		err := domain.NewPeerError(domain.ErrTypePeerUnavailable, "Could not connect to peer %s", msg.Src)
		if dc := p.conn(payload.ConnectionID); dc != nil {
			dc.conn.Fail(err)
			dc.teardown(false)
		}
		p.emitError(err)

	case signal.TypeLeave:
		var payload signal.LeavePayload
		_ = msg.DecodePayload(&payload)
		for _, dc := range p.connsFrom(msg.Src, payload.ConnectionID) {
			dc.teardown(false)
		}
	}
}

// abort reports a registration failure and closes the socket without a
// second network error.
func (p *Peer) abort(err error) {
	p.mu.Lock()
	p.fatal = true
	sig := p.sig
	p.mu.Unlock()
	p.emitError(err)
	if sig != nil {
		sig.close()
	}
}

func (p *Peer) emitError(err error) {
	p.mu.Lock()
	fn := p.onError
	p.mu.Unlock()
	p.logger.Debugw("peer error", "error", err)
	if fn != nil {
		p.events.Post(func() { fn(err) })
	}
}

// Connect starts an outbound data connection. Failures arrive on the
// returned connection.
func (p *Peer) Connect(remote domain.PeerID, opts ports.ConnectOptions) ports.DataConnection {
	dc := newDataConn(p, remote, "dc_"+utils.RandomSuffix(10), opts.Label)

	p.mu.Lock()
	ready := p.open && !p.destroyed
	if ready {
		p.conns[dc.id] = dc
	}
	p.mu.Unlock()

	if !ready {
		err := domain.NewPeerError(domain.ErrTypeDisconnected, "cannot connect to %s: peer is not registered", remote)
		dc.conn.Fail(err)
		dc.conn.MarkClosed()
		p.emitError(err)
		return dc.conn
	}

	go p.offer(dc, opts)
	return dc.conn
}

func (p *Peer) offer(dc *dataConn, opts ports.ConnectOptions) {
	pc, err := p.api.NewPeerConnection(configuration(p.cfg))
	if err != nil {
		dc.fail(fmt.Errorf("create peer connection: %w", err))
		return
	}
	ordered := true
	channel, err := pc.CreateDataChannel(dc.conn.Label(), &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		dc.fail(fmt.Errorf("create data channel: %w", err))
		return
	}
	if !dc.attach(pc) {
		return
	}
	dc.attachChannel(channel)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		dc.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	local, err := p.gather(pc, offer)
	if err != nil {
		dc.fail(err)
		return
	}

	err = p.sendSignal(signal.TypeOffer, dc.remote, signal.ConnectionPayload{
		ConnectionID: dc.id,
		Label:        dc.conn.Label(),
		Metadata:     opts.Metadata,
		SDP:          signal.SessionDescription{Type: local.Type.String(), SDP: local.SDP},
	})
	if err != nil {
		dc.fail(fmt.Errorf("send offer: %w", err))
	}
}

func (p *Peer) answer(msg signal.Message) {
	var payload signal.ConnectionPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.ConnectionID == "" {
		p.logger.Debugw("dropping offer", "from_peer", msg.Src, "error", err)
		return
	}

	p.logger.Debugw("incoming connection",
		"from_peer", msg.Src,
		"connection_id", payload.ConnectionID,
		"label", payload.Label,
		"metadata", payload.Metadata,
	)
	dc := newDataConn(p, msg.Src, payload.ConnectionID, payload.Label)
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.conns[dc.id] = dc
	fn := p.onConnection
	p.mu.Unlock()
	if fn != nil {
		p.events.Post(func() { fn(dc.conn) })
	}

	pc, err := p.api.NewPeerConnection(configuration(p.cfg))
	if err != nil {
		dc.fail(fmt.Errorf("create peer connection: %w", err))
		return
	}
	if !dc.attach(pc) {
		return
	}
	pc.OnDataChannel(dc.attachChannel)

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP.SDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		dc.fail(fmt.Errorf("apply offer: %w", err))
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		dc.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	local, err := p.gather(pc, answer)
	if err != nil {
		dc.fail(err)
		return
	}

	err = p.sendSignal(signal.TypeAnswer, dc.remote, signal.ConnectionPayload{
		ConnectionID: dc.id,
		Label:        dc.conn.Label(),
		SDP:          signal.SessionDescription{Type: local.Type.String(), SDP: local.SDP},
	})
	if err != nil {
		dc.fail(fmt.Errorf("send answer: %w", err))
	}
}

// gather sets desc locally and waits for ICE gathering to finish, so the
// description sent to the remote carries every candidate.
func (p *Peer) gather(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	complete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.provider.cfg.GatherTimeout)
	defer cancel()
	select {
	case <-complete:
	case <-ctx.Done():
		return nil, fmt.Errorf("ICE gathering: %w", ctx.Err())
	}
	return pc.LocalDescription(), nil
}

func (p *Peer) sendSignal(t signal.MessageType, dst domain.PeerID, payload interface{}) error {
	p.mu.Lock()
	sig := p.sig
	p.mu.Unlock()
	if sig == nil || sig.closed() {
		return errors.New("not connected to rendezvous server")
	}
	return sig.sendPayload(t, dst, payload)
}

func (p *Peer) conn(id string) *dataConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[id]
}

func (p *Peer) connsFrom(remote domain.PeerID, id string) []*dataConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*dataConn
	for _, dc := range p.conns {
		if dc.remote == remote && (id == "" || dc.id == id) {
			out = append(out, dc)
		}
	}
	return out
}

func (p *Peer) forget(dc *dataConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[dc.id] == dc {
		delete(p.conns, dc.id)
	}
}

// Destroy closes every connection and releases the id.
func (p *Peer) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.open = false
	sig := p.sig
	conns := make([]*dataConn, 0, len(p.conns))
	for _, dc := range p.conns {
		conns = append(conns, dc)
	}
	p.mu.Unlock()

	for _, dc := range conns {
		dc.teardown(true)
	}
	p.cancel()
	if sig != nil {
		sig.close()
	}
}
