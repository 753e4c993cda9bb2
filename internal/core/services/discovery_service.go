package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/internal/core/protocol"
	"sharechannel/pkg/tracing"
	"sharechannel/pkg/utils"

	"go.uber.org/zap"
)

// DiscoveryChannelLabel names data channels used by discovery traffic.
const DiscoveryChannelLabel = "share-channel-discovery"

type DiscoveryConfig struct {
	SlotCount  int
	Window     time.Duration
	CloseAfter time.Duration
	StaleAfter time.Duration
}

func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		SlotCount:  domain.BroadcastSlotCount,
		Window:     3 * time.Second,
		CloseAfter: time.Second,
		StaleAfter: 60 * time.Second,
	}
}

type DiscoveryOption func(*DiscoveryService)

// WithSlotPicker replaces the random slot order used by the responder.
func WithSlotPicker(pick func(n int) []int) DiscoveryOption {
	return func(d *DiscoveryService) { d.pickSlots = pick }
}

func WithDiscoveryConfig(cfg DiscoveryConfig) DiscoveryOption {
	return func(d *DiscoveryService) { d.cfg = cfg }
}

func WithDiscoveryRecorder(r ports.SessionRecorder) DiscoveryOption {
	return func(d *DiscoveryService) { d.recorder = r }
}

// DiscoveryService finds hosted channels by querying the well-known
// broadcast slots, and answers queries while a channel is hosted. It is
// best-effort: missing answers are never errors.
type DiscoveryService struct {
	factory   *PeerFactory
	repo      ports.DiscoveryRepository
	recorder  ports.SessionRecorder
	logger    *zap.SugaredLogger
	cfg       DiscoveryConfig
	pickSlots func(n int) []int

	mu        sync.Mutex
	requester ports.PeerHandle
	ready     chan struct{}
	readyErr  error
	responder *responder
	closed    bool
}

func NewDiscoveryService(factory *PeerFactory, repo ports.DiscoveryRepository, logger *zap.SugaredLogger, opts ...DiscoveryOption) *DiscoveryService {
	d := &DiscoveryService{
		factory:   factory,
		repo:      repo,
		recorder:  noopRecorder{},
		logger:    logger,
		cfg:       DefaultDiscoveryConfig(),
		pickSlots: utils.Permutation,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Refresh prunes stale entries, queries every slot and waits out the
// response window before returning what is known.
func (d *DiscoveryService) Refresh(ctx context.Context) (channels []domain.DiscoveredChannel, err error) {
	ctx, span := tracing.TraceDiscovery(ctx, "refresh")
	defer func() { tracing.End(span, err) }()

	pruned, err := d.repo.PruneOlderThan(ctx, utils.Now().Add(-d.cfg.StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("prune discovered channels: %w", err)
	}
	if pruned > 0 {
		d.logger.Debugw("Pruned stale channels", "count", pruned)
	}

	requester, err := d.ensureRequester(ctx)
	if err != nil {
		return nil, err
	}

	var conns []ports.DataConnection
	for slot := 0; slot < d.cfg.SlotCount; slot++ {
		conns = append(conns, d.querySlot(requester, BroadcastSlotID(slot)))
	}

	timer := time.NewTimer(d.cfg.Window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	for _, c := range conns {
		c.Close()
	}

	channels, err = d.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	d.recorder.ChannelsDiscovered(len(channels))
	tracing.AddSpanAttributes(ctx, tracing.PeerIDKey.String(string(requester.ID())))
	return channels, ctx.Err()
}

func (d *DiscoveryService) Channels(ctx context.Context) ([]domain.DiscoveredChannel, error) {
	return d.repo.List(ctx)
}

// ensureRequester returns the open requester peer, creating it on first use.
func (d *DiscoveryService) ensureRequester(ctx context.Context) (ports.PeerHandle, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, domain.ErrServiceClosed
	}
	if d.requester == nil || d.requester.Destroyed() || d.readyErr != nil {
		d.startRequester()
	}
	p, ready := d.requester, d.ready
	d.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.requester == p && d.readyErr != nil {
		return nil, d.readyErr
	}
	return p, nil
}

// startRequester must be called with d.mu held.
func (d *DiscoveryService) startRequester() {
	if d.requester != nil {
		d.requester.Destroy()
	}
	p := d.factory.CreateDiscoveryPeer()
	ready := make(chan struct{})
	var once sync.Once
	d.requester, d.ready, d.readyErr = p, ready, nil

	p.OnOpen(func(id domain.PeerID) {
		d.logger.Debugw("Discovery peer open", "peer_id", id)
		once.Do(func() { close(ready) })
	})
	p.OnError(func(err error) {
		// Probing empty slots reports peer-unavailable; that is a miss.
		if ErrorType(err) == domain.ErrTypePeerUnavailable {
			return
		}
		d.logger.Debugw("Discovery peer error", "peer_id", p.ID(), "error", err)
		once.Do(func() {
			d.mu.Lock()
			if d.requester == p {
				d.readyErr = err
			}
			d.mu.Unlock()
			close(ready)
		})
	})
	p.OnConnection(func(conn ports.DataConnection) {
		conn.OnData(func(data []byte) { d.handleResponse(conn.Peer(), data) })
	})
	p.Start()
}

// querySlot sends a discovery request to one slot and closes the connection
// CloseAfter later whether or not anyone answered.
func (d *DiscoveryService) querySlot(requester ports.PeerHandle, slot domain.PeerID) ports.DataConnection {
	conn := requester.Connect(slot, ports.ConnectOptions{Label: DiscoveryChannelLabel})
	var once sync.Once
	send := func() {
		once.Do(func() {
			frame, err := protocol.Encode(protocol.DiscoveryRequest{RequesterID: string(requester.ID())})
			if err == nil {
				err = conn.Send(frame)
			}
			if err != nil {
				d.logger.Debugw("Discovery request failed", "slot", slot, "error", err)
			}
			time.AfterFunc(d.cfg.CloseAfter, conn.Close)
		})
	}
	conn.OnOpen(send)
	conn.OnData(func(data []byte) { d.handleResponse(slot, data) })
	conn.OnError(func(error) {})
	if conn.Open() {
		send()
	}
	return conn
}

func (d *DiscoveryService) handleResponse(from domain.PeerID, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		d.logger.Debugw("Dropping undecodable discovery frame", "remote_peer", from, "error", err)
		return
	}

	var resp protocol.DiscoveryResponse
	switch f := frame.(type) {
	case protocol.DiscoveryResponse:
		resp = f
	case protocol.Announcement:
		resp = protocol.DiscoveryResponse(f)
	default:
		return
	}

	ch := domain.DiscoveredChannel{
		ChannelID:  resp.ChannelID,
		HostName:   resp.HostName,
		PeerCount:  resp.PeerCount,
		LastSeenAt: utils.Now(),
	}
	if err := d.repo.Upsert(context.Background(), ch); err != nil {
		d.logger.Warnw("Failed to store discovered channel", "channel_id", ch.ChannelID, "error", err)
		return
	}
	d.logger.Debugw("Discovered channel", "channel_id", ch.ChannelID, "host", ch.HostName, "peers", ch.PeerCount)
}

// StartResponder answers discovery requests for channelID from one of the
// broadcast slots. A slot that is already taken is skipped in favour of the
// next one in a random order; when all are taken the responder gives up.
func (d *DiscoveryService) StartResponder(channelID string, info func() domain.ChannelInfo) {
	r := &responder{
		svc:       d,
		channelID: channelID,
		info:      info,
		slots:     d.pickSlots(d.cfg.SlotCount),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	previous := d.responder
	d.responder = r
	d.mu.Unlock()

	if previous != nil {
		previous.stop()
	}
	r.claimNext()
}

func (d *DiscoveryService) StopResponder() {
	d.mu.Lock()
	r := d.responder
	d.responder = nil
	d.mu.Unlock()
	if r != nil {
		r.stop()
	}
}

// ResponderSlot returns the slot the active responder holds, if any.
func (d *DiscoveryService) ResponderSlot() (domain.PeerID, bool) {
	d.mu.Lock()
	r := d.responder
	d.mu.Unlock()
	if r == nil {
		return "", false
	}
	return r.claimed()
}

func (d *DiscoveryService) Close() {
	d.StopResponder()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.requester != nil {
		d.requester.Destroy()
		d.requester = nil
	}
}

type responder struct {
	svc       *DiscoveryService
	channelID string
	info      func() domain.ChannelInfo
	slots     []int

	mu      sync.Mutex
	next    int
	peer    ports.PeerHandle
	open    bool
	stopped bool
}

func (r *responder) claimNext() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.next >= len(r.slots) {
		r.svc.logger.Infow("No free discovery slot, channel will not be discoverable", "channel_id", r.channelID)
		r.peer = nil
		return
	}
	slot := r.slots[r.next]
	r.next++

	p := r.svc.factory.CreateBroadcastPeer(slot)
	r.peer = p
	r.open = false
	p.OnOpen(func(id domain.PeerID) {
		r.mu.Lock()
		if r.peer == p {
			r.open = true
		}
		r.mu.Unlock()
		r.svc.logger.Infow("Discovery responder listening", "channel_id", r.channelID, "slot", id)
	})
	p.OnError(func(err error) { r.onError(p, err) })
	p.OnConnection(func(conn ports.DataConnection) {
		conn.OnData(func(data []byte) { r.onRequest(p, data) })
	})
	p.Start()
}

func (r *responder) onError(p ports.PeerHandle, err error) {
	r.mu.Lock()
	current, open := r.peer == p, r.open
	r.mu.Unlock()
	if !current {
		return
	}
	if ErrorType(err) == domain.ErrTypeUnavailableID && !open {
		r.svc.logger.Debugw("Discovery slot taken, trying another", "slot", p.ID())
		p.Destroy()
		r.claimNext()
		return
	}
	r.svc.logger.Debugw("Discovery responder error", "slot", p.ID(), "error", err)
}

func (r *responder) onRequest(p ports.PeerHandle, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		return
	}
	req, ok := frame.(protocol.DiscoveryRequest)
	if !ok {
		return
	}

	r.mu.Lock()
	active := r.peer == p && !r.stopped
	r.mu.Unlock()
	if !active {
		return
	}

	info := r.info()
	if info.ChannelID == "" {
		info.ChannelID = r.channelID
	}
	reply, err := protocol.Encode(protocol.DiscoveryResponse{
		ChannelID: info.ChannelID,
		HostName:  info.HostName,
		PeerCount: info.PeerCount,
	})
	if err != nil {
		return
	}

	conn := p.Connect(domain.PeerID(req.RequesterID), ports.ConnectOptions{Label: DiscoveryChannelLabel})
	var once sync.Once
	send := func() {
		once.Do(func() {
			if err := conn.Send(reply); err != nil {
				r.svc.logger.Debugw("Discovery response failed", "requester", req.RequesterID, "error", err)
			}
			time.AfterFunc(r.svc.cfg.CloseAfter, conn.Close)
		})
	}
	conn.OnOpen(send)
	conn.OnError(func(error) {})
	if conn.Open() {
		send()
	}
}

func (r *responder) claimed() (domain.PeerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peer == nil || !r.open {
		return "", false
	}
	return r.peer.ID(), true
}

func (r *responder) stop() {
	r.mu.Lock()
	r.stopped = true
	p := r.peer
	r.peer = nil
	r.mu.Unlock()
	if p != nil {
		p.Destroy()
	}
}
