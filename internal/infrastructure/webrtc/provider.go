// Package webrtc is the production peer substrate: identifiers are leased
// from a rendezvous server over a websocket and data connections are pion
// WebRTC data channels negotiated through it.
package webrtc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/pkg/circuitbreaker"
	"sharechannel/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TokenSource returns the rendezvous token for id.
type TokenSource func(ctx context.Context, id domain.PeerID) (string, error)

type Config struct {
	// ServerURL is the websocket endpoint, e.g. wss://host/peerjs.
	ServerURL         string
	Token             string
	TokenSource       TokenSource
	DialTimeout       time.Duration
	DialRetry         retry.Config
	Breaker           circuitbreaker.Config
	HeartbeatInterval time.Duration
	GatherTimeout     time.Duration
	PortMin           uint16
	PortMax           uint16
}

func DefaultConfig() Config {
	return Config{
		ServerURL:         "ws://localhost:9000/peerjs",
		DialTimeout:       10 * time.Second,
		DialRetry:         retry.DefaultConfig(),
		Breaker:           circuitbreaker.DefaultConfig(),
		HeartbeatInterval: 5 * time.Second,
		GatherTimeout:     10 * time.Second,
	}
}

// Provider is a ports.PeerProvider backed by pion.
type Provider struct {
	cfg     Config
	dialer  *websocket.Dialer
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewProvider(cfg Config, logger *zap.SugaredLogger) *Provider {
	p := &Provider{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		breaker: circuitbreaker.New(cfg.Breaker),
		logger:  logger,
	}
	p.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("rendezvous circuit changed", "from", from, "to", to)
	})
	return p
}

func (p *Provider) NewPeer(id domain.PeerID, cfg domain.ConnectivityConfig) ports.PeerHandle {
	return newPeer(p, id, cfg.Clone())
}

func (p *Provider) endpoint(ctx context.Context, id domain.PeerID) (string, error) {
	u, err := url.Parse(p.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid rendezvous url: %w", err)
	}
	token := p.cfg.Token
	if p.cfg.TokenSource != nil {
		if token, err = p.cfg.TokenSource(ctx, id); err != nil {
			return "", fmt.Errorf("fetch token: %w", err)
		}
	}
	q := u.Query()
	q.Set("id", string(id))
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial connects the signaling socket for id, retrying transient failures.
func (p *Provider) dial(ctx context.Context, id domain.PeerID) (*signalingClient, error) {
	endpoint, err := p.endpoint(ctx, id)
	if err != nil {
		return nil, domain.NewPeerError(domain.ErrTypeServerError, "%v", err)
	}

	conn, err := retry.RetryWithResult(ctx, p.cfg.DialRetry, func() (*websocket.Conn, error) {
		conn, err := circuitbreaker.Do(p.breaker, func() (*websocket.Conn, error) {
			conn, _, err := p.dialer.DialContext(ctx, endpoint, nil)
			return conn, err
		})
		if err != nil && (isTLSError(err) || errors.Is(err, circuitbreaker.ErrOpen)) {
			return nil, retry.Permanent(err)
		}
		return conn, err
	})
	if err != nil {
		if isTLSError(err) {
			return nil, &domain.PeerError{Type: domain.ErrTypeSSLUnavailable, Cause: err}
		}
		return nil, &domain.PeerError{Type: domain.ErrTypeServerError, Cause: fmt.Errorf("could not reach rendezvous server: %w", err)}
	}
	return newSignalingClient(conn, p.logger.With("peer_id", id)), nil
}

func isTLSError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalidCert      x509.CertificateInvalidError
		hostname         x509.HostnameError
		verification     *tls.CertificateVerificationError
		recordHeader     tls.RecordHeaderError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &hostname) ||
		errors.As(err, &verification) ||
		errors.As(err, &recordHeader) ||
		strings.Contains(err.Error(), "tls:")
}

// newAPI builds a pion API for one peer: UDP port range, pion logging at
// the peer's debug level.
func (p *Provider) newAPI(cfg domain.ConnectivityConfig) *webrtc.API {
	settingEngine := webrtc.SettingEngine{}
	if p.cfg.PortMin > 0 && p.cfg.PortMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(p.cfg.PortMin, p.cfg.PortMax); err != nil {
			p.logger.Warnw("ignoring invalid UDP port range", "min", p.cfg.PortMin, "max", p.cfg.PortMax, "error", err)
		}
	}
	settingEngine.LoggerFactory = newZapLoggerFactory(cfg.DebugLevel, p.logger.Named("pion"))
	return webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
}

func configuration(cfg domain.ConnectivityConfig) webrtc.Configuration {
	c := webrtc.Configuration{
		ICEServers:   make([]webrtc.ICEServer, 0, len(cfg.ICEServers)),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	for _, s := range cfg.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" || s.Credential != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		c.ICEServers = append(c.ICEServers, server)
	}
	if cfg.ForceRelay {
		c.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return c
}
