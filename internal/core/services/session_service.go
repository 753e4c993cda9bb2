package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/internal/core/protocol"
	"sharechannel/pkg/tracing"
	"sharechannel/pkg/utils"
	"sharechannel/pkg/validation"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// DataChannelLabel names the data channel used for session traffic.
const DataChannelLabel = "share-channel"

var ErrFileTooLarge = errors.New("file exceeds maximum transfer size")

type SessionConfig struct {
	JoinTimeout    time.Duration
	ChunkSize      int
	MaxFileSize    int64
	MaxLogMessages int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		JoinTimeout: 10 * time.Second,
		ChunkSize:   16 * 1024,
		MaxFileSize: 64 * 1024 * 1024,
	}
}

// SessionService is the channel session state machine. Every operation and
// every substrate callback runs as a closure on one loop goroutine, which
// is the only code that touches the peer handle, registry and log. Readers
// get snapshots published after each loop turn.
type SessionService struct {
	factory   *PeerFactory
	settings  *SettingsService
	discovery ports.DiscoveryService
	notifier  ports.Notifier
	recorder  ports.SessionRecorder
	logger    *zap.SugaredLogger
	cfg       SessionConfig

	events    chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Loop-owned state.
	peer        ports.PeerHandle
	peerOpen    bool
	hostWaiter  chan error
	mode        domain.SessionMode
	role        domain.SessionRole
	channelID   string
	userName    string
	registry    *ConnectionRegistry
	pending     map[ports.DataConnection]bool
	names       map[domain.PeerID]string
	log         []domain.Message
	logDirty    bool
	attempt     *joinAttempt
	suppressErr domain.PeerErrorType
	transfers   map[transferKey]*inboundTransfer
	progress    []func(TransferProgress)
	onMessage   []func(domain.Message)
	deferred    []func()

	snapMu   sync.RWMutex
	state    domain.SessionState
	messages []domain.Message
}

// joinAttempt is one outbound join. done guards against the timeout and the
// connection-open racing; whichever is handled first wins.
type joinAttempt struct {
	hostID      domain.PeerID
	peer        ports.PeerHandle
	createdPeer bool
	conn        ports.DataConnection
	timer       *time.Timer
	done        bool
	result      chan error
}

type SessionOption func(*SessionService)

func WithDiscovery(d ports.DiscoveryService) SessionOption {
	return func(s *SessionService) { s.discovery = d }
}

func WithRecorder(r ports.SessionRecorder) SessionOption {
	return func(s *SessionService) { s.recorder = r }
}

func WithSettings(settings *SettingsService) SessionOption {
	return func(s *SessionService) { s.settings = settings }
}

func WithSessionConfig(cfg SessionConfig) SessionOption {
	return func(s *SessionService) { s.cfg = cfg }
}

func NewSessionService(factory *PeerFactory, notifier ports.Notifier, userName string, logger *zap.SugaredLogger, opts ...SessionOption) *SessionService {
	s := &SessionService{
		factory:   factory,
		notifier:  notifier,
		recorder:  noopRecorder{},
		logger:    logger,
		cfg:       DefaultSessionConfig(),
		events:    make(chan func(), 256),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		mode:      domain.ModeIdle,
		userName:  userName,
		registry:  NewConnectionRegistry(),
		pending:   make(map[ports.DataConnection]bool),
		names:     make(map[domain.PeerID]string),
		transfers: make(map[transferKey]*inboundTransfer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.ChunkSize <= 0 {
		s.cfg.ChunkSize = DefaultSessionConfig().ChunkSize
	}
	if s.cfg.JoinTimeout <= 0 {
		s.cfg.JoinTimeout = DefaultSessionConfig().JoinTimeout
	}
	s.publish()
	go s.run()
	return s
}

func (s *SessionService) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.events:
			fn()
			s.publish()
			s.flush()
		case <-s.quit:
			return
		}
	}
}

// post queues fn on the loop. It is dropped once the service is closed.
func (s *SessionService) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.quit:
	}
}

// call runs fn on the loop and waits for it.
func (s *SessionService) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.events <- func() { fn(); s.later(func() { close(done) }) }:
	case <-s.quit:
		return domain.ErrServiceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.quit:
		return domain.ErrServiceClosed
	}
}

// Close tears the session down and stops the loop.
func (s *SessionService) Close() {
	s.closeOnce.Do(func() {
		_ = s.call(context.Background(), func() { s.teardown() })
		close(s.quit)
		<-s.stopped
	})
}

// later runs fn after the current loop turn has been published, so that
// callers woken by fn observe the new state.
func (s *SessionService) later(fn func()) {
	s.deferred = append(s.deferred, fn)
}

func (s *SessionService) flush() {
	for len(s.deferred) > 0 {
		fns := s.deferred
		s.deferred = nil
		for _, fn := range fns {
			fn()
		}
	}
}

func (s *SessionService) publish() {
	state := domain.SessionState{
		Mode:           s.mode,
		Role:           s.role,
		ChannelID:      s.channelID,
		UserName:       s.userName,
		ConnectedPeers: s.registry.List(),
		// A host is connected to its own channel even before anyone joins.
		Connected:      s.mode == domain.ModeHosting || s.registry.Len() > 0,
	}
	if s.peer != nil {
		state.LocalPeerID = s.peer.ID()
	}

	s.snapMu.Lock()
	s.state = state
	if s.logDirty {
		s.messages = append([]domain.Message(nil), s.log...)
		s.logDirty = false
	}
	s.snapMu.Unlock()
}

func (s *SessionService) State() domain.SessionState {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	st := s.state
	st.ConnectedPeers = append([]domain.PeerID(nil), s.state.ConnectedPeers...)
	return st
}

func (s *SessionService) Messages() []domain.Message {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return append([]domain.Message(nil), s.messages...)
}

// PeerName returns the display name a remote peer introduced itself with.
func (s *SessionService) PeerName(ctx context.Context, id domain.PeerID) (string, bool) {
	var name string
	var ok bool
	if err := s.call(ctx, func() { name, ok = s.names[id] }); err != nil {
		return "", false
	}
	return name, ok
}

// OnTransferProgress registers fn for file transfer progress. fn runs on the
// session loop and must not block.
func (s *SessionService) OnTransferProgress(fn func(TransferProgress)) {
	s.post(func() { s.progress = append(s.progress, fn) })
}

// OnMessage registers fn for every message appended to the log, system
// messages included. fn runs on the session loop and must not block.
func (s *SessionService) OnMessage(fn func(domain.Message)) {
	s.post(func() { s.onMessage = append(s.onMessage, fn) })
}

// HostChannel claims channelID and blocks until the host peer is open or
// fails. An empty channelID gets a random one.
func (s *SessionService) HostChannel(ctx context.Context, channelID string) (err error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		channelID = utils.RandomSuffix(domain.EphemeralSuffixLength)
	}
	ctx, span := tracing.TraceSession(ctx, "host", channelID)
	defer func() { tracing.End(span, err) }()

	if verr := validation.ValidateChannelID(channelID); verr != nil {
		s.notifier.Notify(domain.Notification{Title: "Invalid channel ID", Description: verr.Error(), IsError: true})
		return fmt.Errorf("%w: %v", domain.ErrInvalidChannelID, verr)
	}

	var waiter chan error
	var startErr error
	if cerr := s.call(ctx, func() {
		if s.busy() || (s.peer != nil && s.role == domain.SessionRoleHost) {
			startErr = domain.ErrSessionActive
			return
		}
		if s.peer != nil {
			s.peer.Destroy()
			s.peer = nil
			s.peerOpen = false
		}
		p := s.factory.CreateHostPeer(channelID)
		s.bindPeer(p)
		waiter = make(chan error, 1)
		s.hostWaiter = waiter
		p.Start()
	}); cerr != nil {
		return cerr
	}
	if startErr != nil {
		return startErr
	}

	select {
	case err = <-waiter:
		return err
	case <-ctx.Done():
		s.post(func() {
			if s.hostWaiter == waiter {
				s.hostWaiter = nil
				s.dropPeer()
			}
		})
		return ctx.Err()
	case <-s.quit:
		return domain.ErrServiceClosed
	}
}

// JoinChannel connects to hostID and blocks until the connection opens,
// fails, or the join timeout elapses.
func (s *SessionService) JoinChannel(ctx context.Context, hostID string) (err error) {
	hostID = strings.TrimSpace(hostID)
	ctx, span := tracing.TraceSession(ctx, "join", hostID)
	defer func() { tracing.End(span, err) }()

	if verr := validation.ValidateChannelID(hostID); verr != nil {
		s.notifier.Notify(domain.Notification{Title: "Invalid channel ID", Description: "Please enter a valid channel ID", IsError: true})
		return fmt.Errorf("%w: %v", domain.ErrInvalidChannelID, verr)
	}

	var a *joinAttempt
	var startErr error
	if cerr := s.call(ctx, func() {
		if s.busy() {
			startErr = domain.ErrSessionActive
			return
		}
		a = &joinAttempt{hostID: domain.PeerID(hostID), result: make(chan error, 1)}
		s.attempt = a
		s.notifier.Notify(domain.Notification{
			Title:       "Connecting...",
			Description: fmt.Sprintf("Attempting to connect to channel %s", hostID),
		})
		a.timer = time.AfterFunc(s.cfg.JoinTimeout, func() {
			s.post(func() { s.onJoinTimeout(a) })
		})

		if s.peer == nil || s.peer.Destroyed() {
			p := s.factory.CreateJoinerPeer()
			a.peer = p
			a.createdPeer = true
			s.bindPeer(p)
			p.Start()
			return
		}
		a.peer = s.peer
		if s.peerOpen {
			s.connectAttempt(a)
		}
	}); cerr != nil {
		return cerr
	}
	if startErr != nil {
		return startErr
	}

	select {
	case err = <-a.result:
		return err
	case <-ctx.Done():
		s.post(func() {
			if s.attempt == a {
				s.abortAttempt(a)
			}
		})
		return ctx.Err()
	case <-s.quit:
		return domain.ErrServiceClosed
	}
}

// Disconnect closes every connection and destroys the local peer. It is
// idempotent.
func (s *SessionService) Disconnect(ctx context.Context) error {
	return s.call(ctx, func() {
		active := s.peer != nil || s.registry.Len() > 0 || s.mode != domain.ModeIdle
		s.teardown()
		if active {
			s.notifier.Notify(domain.Notification{Title: "Disconnected", Description: "You have left the channel"})
		}
	})
}

func (s *SessionService) SetUserName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if err := validation.ValidateUserName(name); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidUserName, err)
	}
	if s.settings != nil {
		if err := s.settings.SaveUserName(ctx, name); err != nil {
			return err
		}
	}
	return s.call(ctx, func() { s.userName = name })
}

func (s *SessionService) SendText(ctx context.Context, text string) (err error) {
	ctx, span := tracing.TraceSession(ctx, "send_text", s.State().ChannelID)
	defer func() { tracing.End(span, err) }()

	if strings.TrimSpace(text) == "" {
		return errors.New("message is empty")
	}

	var sendErr error
	if cerr := s.call(ctx, func() {
		if s.registry.Len() == 0 {
			sendErr = domain.ErrNotConnected
			return
		}
		msg := domain.Message{
			Kind:       domain.MessageText,
			ID:         utils.GenerateMessageID(),
			SenderID:   string(s.peer.ID()),
			SenderName: s.userName,
			Timestamp:  utils.Now(),
			Content:    text,
		}
		sendErr = s.broadcast(protocol.ChatMessage{Message: msg})
		s.appendMessage(msg)
		s.recorder.MessageSent(string(domain.MessageText), len(text))
	}); cerr != nil {
		return cerr
	}
	return sendErr
}

// SendFile sends data to every connected peer and logs it locally.
func (s *SessionService) SendFile(ctx context.Context, name, mimeType string, data []byte) (err error) {
	ctx, span := tracing.TraceSession(ctx, "send_file", s.State().ChannelID)
	defer func() { tracing.End(span, err) }()

	if strings.TrimSpace(name) == "" {
		return errors.New("file name is empty")
	}
	if s.cfg.MaxFileSize > 0 && int64(len(data)) > s.cfg.MaxFileSize {
		return fmt.Errorf("%w: %s > %s", ErrFileTooLarge,
			humanize.IBytes(uint64(len(data))), humanize.IBytes(uint64(s.cfg.MaxFileSize)))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	var sendErr error
	if cerr := s.call(ctx, func() {
		if s.registry.Len() == 0 {
			sendErr = domain.ErrNotConnected
			return
		}
		frames := splitFile(name, mimeType, s.userName, data, s.cfg.ChunkSize)
		transferID := frames[0].(protocol.FileStart).TransferID
		var sent int64
		for _, f := range frames {
			if err := s.broadcast(f); err != nil {
				sendErr = err
				return
			}
			if chunk, ok := f.(protocol.FileChunk); ok {
				sent += int64(len(chunk.Data))
				s.reportProgress(TransferProgress{
					TransferID: transferID,
					FileName:   name,
					Direction:  TransferOutbound,
					Done:       sent,
					Total:      int64(len(data)),
				})
			}
		}

		kind := domain.KindForMimeType(mimeType)
		s.appendMessage(domain.Message{
			Kind:       kind,
			ID:         utils.GenerateMessageID(),
			SenderID:   string(s.peer.ID()),
			SenderName: s.userName,
			Timestamp:  utils.Now(),
			FileInfo:   &domain.FileInfo{Name: name, Size: int64(len(data)), MimeType: mimeType, Payload: data},
		})
		s.recorder.MessageSent(string(kind), len(data))
	}); cerr != nil {
		return cerr
	}
	return sendErr
}

// busy reports whether a host or join is active or in flight.
func (s *SessionService) busy() bool {
	return s.mode != domain.ModeIdle || s.attempt != nil || s.hostWaiter != nil
}

// bindPeer makes p the local peer and routes its callbacks to the loop.
// Callbacks from a peer that is no longer current are dropped.
func (s *SessionService) bindPeer(p ports.PeerHandle) {
	s.peer = p
	s.peerOpen = false
	p.OnOpen(func(id domain.PeerID) { s.post(func() { s.onPeerOpen(p, id) }) })
	p.OnConnection(func(conn ports.DataConnection) { s.post(func() { s.onPeerConnection(p, conn) }) })
	p.OnError(func(err error) { s.post(func() { s.onPeerError(p, err) }) })
}

func (s *SessionService) onPeerOpen(p ports.PeerHandle, id domain.PeerID) {
	if s.peer != p {
		return
	}
	s.peerOpen = true
	s.logger.Infow("Peer open", "peer_id", id)

	if s.hostWaiter != nil {
		s.mode = domain.ModeHosting
		s.role = domain.SessionRoleHost
		s.channelID = string(id)
		s.recorder.SessionStarted(domain.SessionRoleHost)
		s.notifier.Notify(domain.Notification{
			Title:       "Channel created",
			Description: fmt.Sprintf("Your channel ID is %s", id),
		})
		if s.discovery != nil {
			s.discovery.StartResponder(string(id), s.channelInfo)
		}
		s.resolve(s.hostWaiter, nil)
		s.hostWaiter = nil
		return
	}

	if a := s.attempt; a != nil && a.peer == p && a.conn == nil {
		s.connectAttempt(a)
	}
}

// channelInfo is read by the discovery responder from its own goroutine.
func (s *SessionService) channelInfo() domain.ChannelInfo {
	st := s.State()
	return domain.ChannelInfo{ChannelID: st.ChannelID, HostName: st.UserName, PeerCount: st.PeerCount()}
}

func (s *SessionService) onPeerConnection(p ports.PeerHandle, conn ports.DataConnection) {
	if s.peer != p {
		conn.Close()
		return
	}
	s.logger.Debugw("Inbound connection", "remote_peer", conn.Peer())
	s.pending[conn] = true
	s.watch(conn, nil)
	if conn.Open() {
		s.onConnOpen(conn, nil)
	}
}

func (s *SessionService) onPeerError(p ports.PeerHandle, err error) {
	if s.peer != p {
		return
	}
	errType := ErrorType(err)
	s.recorder.PeerErrored(errType)
	s.logger.Warnw("Peer error", "peer_id", p.ID(), "type", errType, "error", err)

	if s.hostWaiter != nil {
		s.notifyError("Connection error", err)
		s.resolve(s.hostWaiter, err)
		s.hostWaiter = nil
		s.dropPeer()
		return
	}
	if a := s.attempt; a != nil && a.peer == p {
		s.failAttempt(a, err)
		return
	}
	if errType != "" && errType == s.suppressErr {
		s.suppressErr = ""
		return
	}

	s.notifyError("Connection error", err)
	if errType == domain.ErrTypeUnavailableID ||
		(errType == domain.ErrTypePeerUnavailable && s.role == domain.SessionRoleJoin) {
		s.teardown()
	}
}

func (s *SessionService) connectAttempt(a *joinAttempt) {
	s.logger.Infow("Connecting to channel", "channel_id", a.hostID, "peer_id", a.peer.ID())
	conn := a.peer.Connect(a.hostID, ports.ConnectOptions{
		Label:    DataChannelLabel,
		Metadata: map[string]string{"userName": s.userName},
	})
	a.conn = conn
	s.watch(conn, a)
	if conn.Open() {
		s.onConnOpen(conn, a)
	}
}

func (s *SessionService) onJoinTimeout(a *joinAttempt) {
	if a.done || s.attempt != a {
		return
	}
	s.recorder.JoinTimedOut()
	s.failAttempt(a, domain.NewPeerError(domain.ErrTypeConnectionTimeout,
		"timed out after %s connecting to %s", s.cfg.JoinTimeout, a.hostID))
}

// failAttempt reports a failed join and releases everything created for it.
func (s *SessionService) failAttempt(a *joinAttempt, err error) {
	if a.done {
		return
	}
	title, desc := "Connection failed", "Could not connect to the host channel"
	switch ErrorType(err) {
	case domain.ErrTypeConnectionTimeout:
		title = "Connection timeout"
		desc = fmt.Sprintf("Could not connect to the host channel. Timed out after %s.", formatSeconds(s.cfg.JoinTimeout))
	case "":
	default:
		desc = ClassifyError(err)
	}
	s.logger.Warnw("Join attempt failed", "channel_id", a.hostID, "error", err)
	s.notifier.Notify(domain.Notification{Title: title, Description: desc, IsError: true})

	s.releaseAttempt(a)
	if !a.createdPeer && ForcesReset(err) && s.role == domain.SessionRoleJoin {
		s.teardown()
	}
	s.resolve(a.result, err)
}

// abortAttempt releases an attempt without notifying the user.
func (s *SessionService) abortAttempt(a *joinAttempt) {
	if a.done {
		return
	}
	s.releaseAttempt(a)
	s.resolve(a.result, domain.ErrConnectionClosed)
}

// resolve delivers a waiter's result after the turn is published.
func (s *SessionService) resolve(ch chan error, err error) {
	s.later(func() { ch <- err })
}

func (s *SessionService) releaseAttempt(a *joinAttempt) {
	a.done = true
	if a.timer != nil {
		a.timer.Stop()
	}
	if s.attempt == a {
		s.attempt = nil
	}
	if a.conn != nil {
		a.conn.Close()
	}
	if a.createdPeer && s.peer == a.peer {
		s.dropPeer()
	}
}

func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	return d.String()
}

// watch routes conn callbacks to the loop. a is the join attempt the
// connection belongs to, or nil for inbound connections.
func (s *SessionService) watch(conn ports.DataConnection, a *joinAttempt) {
	conn.OnOpen(func() { s.post(func() { s.onConnOpen(conn, a) }) })
	conn.OnData(func(data []byte) { s.post(func() { s.onConnData(conn, data) }) })
	conn.OnClose(func() { s.post(func() { s.onConnClosed(conn, a) }) })
	conn.OnError(func(err error) { s.post(func() { s.onConnError(conn, a, err) }) })
}

func (s *SessionService) entryFor(conn ports.DataConnection) *ConnectionEntry {
	entry, ok := s.registry.Get(conn.Peer())
	if !ok || entry.Conn != conn {
		return nil
	}
	return entry
}

func (s *SessionService) onConnOpen(conn ports.DataConnection, a *joinAttempt) {
	if entry := s.entryFor(conn); entry != nil {
		s.onOpened(entry)
		return
	}

	if a != nil {
		if a.done || s.attempt != a {
			s.logger.Debugw("Closing connection that opened after its attempt ended", "remote_peer", conn.Peer())
			conn.Close()
			return
		}
		a.done = true
		a.timer.Stop()
		s.attempt = nil
		if s.mode == domain.ModeIdle {
			s.role = domain.SessionRoleJoin
			s.channelID = string(a.hostID)
			s.recorder.SessionStarted(domain.SessionRoleJoin)
		}
	} else {
		if !s.pending[conn] {
			return
		}
		delete(s.pending, conn)
		if s.role == domain.SessionRoleNone {
			s.role = domain.SessionRoleJoin
			s.recorder.SessionStarted(domain.SessionRoleJoin)
		}
	}

	entry, previous := s.registry.Add(conn.Peer(), conn)
	if previous != nil {
		previous.Conn.Close()
	}
	s.onOpened(entry)
	if a != nil {
		s.resolve(a.result, nil)
	}
}

// onOpened runs the connection-open protocol once per entry.
func (s *SessionService) onOpened(entry *ConnectionEntry) {
	if entry.opened {
		return
	}
	entry.opened = true
	remote := entry.RemotePeerID

	if err := s.sendFrame(entry.Conn, protocol.Intro{UserName: s.userName, PeerID: string(s.peer.ID())}); err != nil {
		s.logger.Warnw("Failed to send intro", "remote_peer", remote, "error", err)
	}
	s.appendSystem(fmt.Sprintf("%s has joined the channel", remote))
	s.notifier.Notify(domain.Notification{Title: "Peer connected", Description: fmt.Sprintf("Connected to %s", remote)})
	s.recorder.PeerConnected()
	s.reconcile()
}

func (s *SessionService) onConnClosed(conn ports.DataConnection, a *joinAttempt) {
	if a != nil && s.attempt == a && !a.done {
		s.failAttempt(a, domain.NewPeerError(domain.ErrTypePeerUnavailable, "connection to %s closed before opening", a.hostID))
		return
	}
	if s.pending[conn] {
		delete(s.pending, conn)
		return
	}
	entry := s.entryFor(conn)
	if entry == nil {
		return
	}

	remote := entry.RemotePeerID
	s.registry.Remove(remote)
	for key := range s.transfers {
		if key.peer == remote {
			delete(s.transfers, key)
		}
	}
	label := s.peerLabel(remote)
	s.appendSystem(fmt.Sprintf("%s has left the channel", label))
	s.notifier.Notify(domain.Notification{Title: "Peer disconnected", Description: fmt.Sprintf("%s has disconnected", label)})
	s.recorder.PeerDisconnected()
	s.reconcile()
}

func (s *SessionService) onConnError(conn ports.DataConnection, a *joinAttempt, err error) {
	if a != nil && s.attempt == a && !a.done {
		// The substrate usually reports the same failure on the peer too.
		if !a.createdPeer {
			s.suppressErr = ErrorType(err)
		}
		s.failAttempt(a, err)
		return
	}
	if s.entryFor(conn) == nil {
		return
	}
	s.logger.Warnw("Connection error", "remote_peer", conn.Peer(), "error", err)
	s.notifyError("Connection error", err)
}

// reconcile keeps mode consistent with the registry: any live connection
// means connected, and a joiner with none left returns to idle.
func (s *SessionService) reconcile() {
	if s.registry.Len() > 0 {
		if s.mode == domain.ModeIdle {
			if s.role == domain.SessionRoleHost {
				s.mode = domain.ModeHosting
			} else {
				s.role = domain.SessionRoleJoin
				s.mode = domain.ModeJoining
			}
		}
		return
	}
	if s.role == domain.SessionRoleJoin {
		s.recorder.SessionEnded(domain.SessionRoleJoin)
		s.mode = domain.ModeIdle
		s.role = domain.SessionRoleNone
		s.channelID = ""
	}
}

// teardown returns the session to idle, releasing every resource.
func (s *SessionService) teardown() {
	if a := s.attempt; a != nil {
		s.abortAttempt(a)
	}
	if s.hostWaiter != nil {
		s.resolve(s.hostWaiter, domain.ErrPeerDestroyed)
		s.hostWaiter = nil
	}
	for _, entry := range s.registry.Clear() {
		entry.Conn.Close()
	}
	for conn := range s.pending {
		conn.Close()
	}
	s.pending = make(map[ports.DataConnection]bool)
	s.transfers = make(map[transferKey]*inboundTransfer)
	if s.role == domain.SessionRoleHost && s.discovery != nil {
		s.discovery.StopResponder()
	}
	if s.mode != domain.ModeIdle || s.role != domain.SessionRoleNone {
		s.recorder.SessionEnded(s.role)
	}
	s.dropPeer()
	s.mode = domain.ModeIdle
	s.role = domain.SessionRoleNone
	s.channelID = ""
	s.suppressErr = ""
}

func (s *SessionService) dropPeer() {
	if s.peer != nil {
		s.peer.Destroy()
	}
	s.peer = nil
	s.peerOpen = false
}

func (s *SessionService) onConnData(conn ports.DataConnection, data []byte) {
	entry := s.entryFor(conn)
	if entry == nil {
		return
	}
	remote := entry.RemotePeerID

	frame, err := protocol.Decode(data)
	if err != nil {
		s.logger.Debugw("Dropping undecodable frame", "remote_peer", remote, "error", err)
		return
	}

	switch f := frame.(type) {
	case protocol.Intro:
		if f.UserName != "" {
			s.names[remote] = f.UserName
		}
	case protocol.ChatMessage:
		s.appendMessage(f.Message)
		s.recorder.MessageReceived(string(f.Message.Kind), len(f.Message.Content))
	case protocol.FileStart:
		s.onFileStart(remote, f)
	case protocol.FileChunk:
		s.onFileChunk(remote, f)
	case protocol.FileComplete:
		s.onFileComplete(remote, f)
	default:
		s.logger.Debugw("Ignoring frame on session connection", "remote_peer", remote, "kind", frame.Kind())
	}
}

func (s *SessionService) onFileStart(remote domain.PeerID, f protocol.FileStart) {
	if s.cfg.MaxFileSize > 0 && f.FileSize > s.cfg.MaxFileSize {
		s.logger.Warnw("Rejecting oversized transfer", "remote_peer", remote, "file", f.FileName, "size", f.FileSize)
		return
	}
	if f.TransferID != "" {
		key := transferKey{remote, f.TransferID}
		if _, restart := s.transfers[key]; !restart && s.openTransfers(remote) >= maxOpenTransfersPerPeer {
			s.logger.Warnw("Rejecting transfer, too many in flight", "remote_peer", remote, "file", f.FileName, "limit", maxOpenTransfersPerPeer)
			return
		}
		s.transfers[key] = newInboundTransfer(f)
	}
	s.notifier.Notify(domain.Notification{
		Title:       "File transfer started",
		Description: fmt.Sprintf("Receiving %s (%s)", f.FileName, humanize.IBytes(uint64(f.FileSize))),
	})
}

func (s *SessionService) openTransfers(remote domain.PeerID) int {
	n := 0
	for key := range s.transfers {
		if key.peer == remote {
			n++
		}
	}
	return n
}

func (s *SessionService) onFileChunk(remote domain.PeerID, f protocol.FileChunk) {
	key := transferKey{remote, f.TransferID}
	t, ok := s.transfers[key]
	if !ok {
		return
	}
	if err := t.add(f); err != nil {
		s.logger.Warnw("Dropping transfer", "remote_peer", remote, "file", t.start.FileName, "error", err)
		delete(s.transfers, key)
		return
	}
	s.reportProgress(TransferProgress{
		TransferID: f.TransferID,
		FileName:   t.start.FileName,
		Peer:       remote,
		Direction:  TransferInbound,
		Done:       int64(len(t.received)),
		Total:      t.start.FileSize,
	})
}

func (s *SessionService) onFileComplete(remote domain.PeerID, f protocol.FileComplete) {
	key := transferKey{remote, f.TransferID}
	t := s.transfers[key]
	delete(s.transfers, key)

	data, err := completePayload(t, f)
	if err != nil {
		s.logger.Warnw("Discarding incomplete file", "remote_peer", remote, "file", f.FileName, "error", err)
		return
	}

	senderName := f.UserName
	if senderName == "" {
		senderName = "Unknown"
	}
	kind := domain.KindForMimeType(f.FileType)
	s.appendMessage(domain.Message{
		Kind:       kind,
		ID:         utils.GenerateMessageID(),
		SenderID:   string(remote),
		SenderName: senderName,
		Timestamp:  utils.Now(),
		Content:    fmt.Sprintf("Sent a file: %s", f.FileName),
		FileInfo:   &domain.FileInfo{Name: f.FileName, Size: f.FileSize, MimeType: f.FileType, Payload: data},
	})
	s.recorder.MessageReceived(string(kind), len(data))
	s.notifier.Notify(domain.Notification{
		Title:       "File received",
		Description: fmt.Sprintf("%s has been received", f.FileName),
	})
}

func (s *SessionService) sendFrame(conn ports.DataConnection, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// broadcast sends f to every opened connection. It fails only when no
// connection accepted the frame.
func (s *SessionService) broadcast(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	var lastErr error
	delivered := 0
	for _, entry := range s.registry.Entries() {
		if !entry.opened {
			continue
		}
		if err := entry.Conn.Send(data); err != nil {
			s.logger.Warnw("Send failed", "remote_peer", entry.RemotePeerID, "kind", f.Kind(), "error", err)
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		if lastErr == nil {
			lastErr = domain.ErrNotConnected
		}
		return lastErr
	}
	return nil
}

func (s *SessionService) appendSystem(content string) {
	s.appendMessage(domain.Message{
		Kind:       domain.MessageText,
		ID:         utils.GenerateMessageID(),
		SenderID:   domain.SystemSenderID,
		SenderName: domain.SystemSenderName,
		Timestamp:  utils.Now(),
		Content:    content,
	})
}

func (s *SessionService) appendMessage(msg domain.Message) {
	s.log = append(s.log, msg)
	if limit := s.cfg.MaxLogMessages; limit > 0 && len(s.log) > limit {
		s.log = append([]domain.Message(nil), s.log[len(s.log)-limit:]...)
	}
	s.logDirty = true
	for _, fn := range s.onMessage {
		fn(msg)
	}
}

func (s *SessionService) peerLabel(id domain.PeerID) string {
	if name, ok := s.names[id]; ok {
		return fmt.Sprintf("%s (%s)", name, id)
	}
	return string(id)
}

func (s *SessionService) notifyError(title string, err error) {
	s.notifier.Notify(domain.Notification{Title: title, Description: ClassifyError(err), IsError: true})
}

func (s *SessionService) reportProgress(p TransferProgress) {
	for _, fn := range s.progress {
		fn(p)
	}
}

type noopRecorder struct{}

func (noopRecorder) SessionStarted(domain.SessionRole)  {}
func (noopRecorder) SessionEnded(domain.SessionRole)    {}
func (noopRecorder) PeerConnected()                     {}
func (noopRecorder) PeerDisconnected()                  {}
func (noopRecorder) MessageSent(string, int)            {}
func (noopRecorder) MessageReceived(string, int)        {}
func (noopRecorder) JoinTimedOut()                      {}
func (noopRecorder) PeerErrored(domain.PeerErrorType)   {}
func (noopRecorder) ChannelsDiscovered(int)             {}
