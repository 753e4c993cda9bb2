// Package signal implements the rendezvous service: peers register an id
// over a websocket and exchange connection offers through it.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/pkg/tracing"
	"sharechannel/pkg/utils"
	"sharechannel/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Relay forwards a frame to the server instance owning its destination.
type Relay interface {
	Publish(ctx context.Context, instanceID string, msg Message) error
}

type TokenVerifier interface {
	VerifyPeerToken(token string, peerID domain.PeerID) error
}

// Presence records which ids this instance serves.
type Presence interface {
	AddPeer(ctx context.Context, peerID domain.PeerID) error
	RemovePeer(ctx context.Context, peerID domain.PeerID) error
}

type Metrics interface {
	SignalConnected()
	SignalDisconnected()
	SignalFrame(frameType, outcome string)
	SignalRejected(reason string)
}

type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	LeaseTTL          time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
	MaxConnections    int
	AuthRequired      bool
	AllowedOrigins    []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		LeaseTTL:          90 * time.Second,
		MessagesPerSecond: 20,
		Burst:             40,
		MaxMessageSize:    64 * 1024,
		MaxConnections:    10000,
	}
}

const registryTimeout = 5 * time.Second

type WebSocketServer struct {
	cfg        Config
	registry   ports.IDRegistry
	tokens     TokenVerifier
	relay      Relay
	presence   Presence
	metrics    Metrics
	instanceID string
	upgrader   websocket.Upgrader

	clients map[domain.PeerID]*client
	mu      sync.RWMutex

	logger *zap.SugaredLogger
}

type Option func(*WebSocketServer)

func WithTokenVerifier(v TokenVerifier) Option {
	return func(s *WebSocketServer) { s.tokens = v }
}

func WithRelay(r Relay) Option {
	return func(s *WebSocketServer) { s.relay = r }
}

func WithPresence(p Presence) Option {
	return func(s *WebSocketServer) { s.presence = p }
}

func WithMetrics(m Metrics) Option {
	return func(s *WebSocketServer) { s.metrics = m }
}

// WithInstanceID sets the owner name used for id leases. It must be unique
// across instances sharing one registry.
func WithInstanceID(id string) Option {
	return func(s *WebSocketServer) { s.instanceID = id }
}

func NewWebSocketServer(registry ports.IDRegistry, cfg Config, logger *zap.SugaredLogger, opts ...Option) *WebSocketServer {
	s := &WebSocketServer{
		cfg:        cfg,
		registry:   registry,
		metrics:    noopMetrics{},
		instanceID: utils.GenerateInstanceID(),
		clients:    make(map[domain.PeerID]*client),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

func (s *WebSocketServer) InstanceID() string { return s.instanceID }

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type client struct {
	id           domain.PeerID
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (c *client) write(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(msg)
}

// HandleWebSocket serves one rendezvous client. The id and optional token
// come from the query string.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnections > 0 && s.ConnectionCount() >= s.cfg.MaxConnections {
		s.metrics.SignalRejected("capacity")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	query := r.URL.Query()
	c := &client{
		id:           domain.PeerID(query.Get("id")),
		conn:         conn,
		writeTimeout: s.cfg.WriteTimeout,
	}
	if !s.register(c, query.Get("token")) {
		return
	}
	defer s.unregister(c)

	s.logger.Infow("peer registered", "peer_id", c.id)
	s.serve(c)
	s.logger.Infow("peer disconnected", "peer_id", c.id)
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.HandleWebSocket(w, r)
}

func (s *WebSocketServer) register(c *client, token string) bool {
	if err := validation.ValidatePeerID(string(c.id)); err != nil {
		s.reject(c, "invalid-id", errorMessage("Invalid id"))
		return false
	}
	if s.cfg.AuthRequired {
		if s.tokens == nil || s.tokens.VerifyPeerToken(token, c.id) != nil {
			s.reject(c, "invalid-token", errorMessage("Invalid token"))
			return false
		}
	}

	s.mu.Lock()
	if _, taken := s.clients[c.id]; taken {
		s.mu.Unlock()
		s.reject(c, "id-taken", Message{Type: TypeIDTaken})
		return false
	}
	s.clients[c.id] = c
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	claimed, err := s.registry.Claim(ctx, c.id, s.instanceID, s.cfg.LeaseTTL)
	if err != nil || !claimed {
		s.drop(c)
		if err != nil {
			s.logger.Errorw("id registry claim failed", "peer_id", c.id, "error", err)
			s.reject(c, "registry", errorMessage("Server unavailable"))
		} else {
			s.reject(c, "id-taken", Message{Type: TypeIDTaken})
		}
		return false
	}

	s.metrics.SignalConnected()
	if s.presence != nil {
		if err := s.presence.AddPeer(ctx, c.id); err != nil {
			s.logger.Warnw("error recording presence", "peer_id", c.id, "error", err)
		}
	}
	if err := c.write(Message{Type: TypeOpen}); err != nil {
		s.logger.Infow("error sending open", "peer_id", c.id, "error", err)
	}
	return true
}

func (s *WebSocketServer) reject(c *client, reason string, msg Message) {
	s.metrics.SignalRejected(reason)
	s.logger.Infow("registration rejected", "peer_id", c.id, "reason", reason)
	if err := c.write(msg); err != nil {
		s.logger.Debugw("error sending rejection", "peer_id", c.id, "error", err)
	}
}

func (s *WebSocketServer) drop(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c.id] != c {
		return false
	}
	delete(s.clients, c.id)
	return true
}

func (s *WebSocketServer) unregister(c *client) {
	if !s.drop(c) {
		return
	}
	s.metrics.SignalDisconnected()

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := s.registry.Release(ctx, c.id, s.instanceID); err != nil {
		s.logger.Warnw("error releasing id", "peer_id", c.id, "error", err)
	}
	if s.presence != nil {
		if err := s.presence.RemovePeer(ctx, c.id); err != nil {
			s.logger.Warnw("error clearing presence", "peer_id", c.id, "error", err)
		}
	}
}

func (s *WebSocketServer) serve(c *client) {
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	limit := rate.Inf
	if s.cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(s.cfg.MessagesPerSecond)
	}
	limiter := rate.NewLimiter(limit, s.cfg.Burst)

	messageChan := make(chan Message, 16)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				c.write(errorMessage("Malformed message"))
				continue
			}
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if !limiter.Allow() {
				s.metrics.SignalFrame(string(msg.Type), "rate-limited")
				c.write(errorMessage("Rate limit exceeded"))
				continue
			}
			s.handleMessage(c, msg)

		case <-pingTicker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Infow("error sending ping", "peer_id", c.id, "error", err)
				return
			}
			s.refreshLease(c)

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", c.id, "error", err)
			}
			return
		}
	}
}

func (s *WebSocketServer) refreshLease(c *client) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := s.registry.Refresh(ctx, c.id, s.instanceID, s.cfg.LeaseTTL); err != nil {
		s.logger.Warnw("error refreshing id lease", "peer_id", c.id, "error", err)
	}
}

func (s *WebSocketServer) handleMessage(c *client, msg Message) {
	switch {
	case msg.Type == TypeHeartbeat:
		s.refreshLease(c)

	case msg.Type.Forwarded():
		if msg.Dst == "" {
			c.write(errorMessage(fmt.Sprintf("%s without destination", msg.Type)))
			return
		}
		msg.Src = c.id

		ctx, span := tracing.TraceSignalFrame(context.Background(), string(msg.Type), string(c.id))
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, registryTimeout)
		defer cancel()
		s.route(ctx, msg)

	default:
		c.write(errorMessage(fmt.Sprintf("Unknown message type %q", msg.Type)))
	}
}

// route delivers msg locally, relays it to the owning instance, or answers
// the sender with EXPIRE.
func (s *WebSocketServer) route(ctx context.Context, msg Message) {
	if s.deliverLocal(msg) {
		s.metrics.SignalFrame(string(msg.Type), "delivered")
		return
	}
	if s.relayRemote(ctx, msg) {
		s.metrics.SignalFrame(string(msg.Type), "relayed")
		return
	}

	s.metrics.SignalFrame(string(msg.Type), "expired")
	s.logger.Debugw("destination not connected", "type", msg.Type, "from_peer", msg.Src, "to_peer", msg.Dst)
	s.expire(ctx, msg)
}

// DeliverRelayed hands a frame received from another instance to its local
// destination.
func (s *WebSocketServer) DeliverRelayed(ctx context.Context, msg Message) {
	if s.deliverLocal(msg) {
		s.metrics.SignalFrame(string(msg.Type), "delivered")
		return
	}
	s.metrics.SignalFrame(string(msg.Type), "expired")
	s.expire(ctx, msg)
}

func (s *WebSocketServer) expire(ctx context.Context, msg Message) {
	if msg.Type != TypeOffer && msg.Type != TypeAnswer {
		return
	}
	exp := Message{Type: TypeExpire, Src: msg.Dst, Dst: msg.Src, Payload: msg.Payload}
	if !s.deliverLocal(exp) {
		s.relayRemote(ctx, exp)
	}
}

func (s *WebSocketServer) relayRemote(ctx context.Context, msg Message) bool {
	if s.relay == nil {
		return false
	}
	owner, err := s.registry.Owner(ctx, msg.Dst)
	if err != nil {
		s.logger.Warnw("error resolving id owner", "peer_id", msg.Dst, "error", err)
		return false
	}
	if owner == "" || owner == s.instanceID {
		return false
	}
	if err := s.relay.Publish(ctx, owner, msg); err != nil {
		s.logger.Warnw("error relaying frame", "type", msg.Type, "instance", owner, "error", err)
		return false
	}
	return true
}

func (s *WebSocketServer) deliverLocal(msg Message) bool {
	s.mu.RLock()
	c, ok := s.clients[msg.Dst]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if err := c.write(msg); err != nil {
		s.logger.Infow("error forwarding frame", "type", msg.Type, "to_peer", msg.Dst, "error", err)
		return false
	}
	return true
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *WebSocketServer) ConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	peers := make([]domain.PeerID, 0, len(s.clients))
	for id := range s.clients {
		peers = append(peers, id)
	}
	s.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (s *WebSocketServer) IsPeerConnected(peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.clients[peerID]
	return exists
}

// Close disconnects every client. Their handlers release the leases.
func (s *WebSocketServer) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.conn.Close()
	}
}

type noopMetrics struct{}

func (noopMetrics) SignalConnected()           {}
func (noopMetrics) SignalDisconnected()        {}
func (noopMetrics) SignalFrame(string, string) {}
func (noopMetrics) SignalRejected(string)      {}
