package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/internal/core/services"
	"sharechannel/internal/infrastructure/loopback"
	"sharechannel/internal/infrastructure/monitoring"
	"sharechannel/internal/infrastructure/notify"
	"sharechannel/internal/infrastructure/repositories"
	"sharechannel/internal/infrastructure/webrtc"
	"sharechannel/pkg/config"
	"sharechannel/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type options struct {
	configPath  string
	logLevel    string
	rendezvous  string
	token       string
	fetchToken  bool
	loopback    bool
	webrtcDebug int
	metricsAddr string
	storage     string
}

// app holds everything a command needs. Commands build one with newApp and
// must call close.
type app struct {
	cfg      *config.Config
	logger   *zap.SugaredLogger
	out      io.Writer
	repos    *repositories.RepositoryFactory
	settings *services.SettingsService
	provider ports.PeerProvider
	metrics  *monitoring.PrometheusCollector
	notes    *notify.ChannelNotifier

	closers   []func()
	printOnce sync.Once
	wg        sync.WaitGroup
}

// demoNetwork is shared by every loopback session in this process.
var demoNetwork = loopback.NewNetwork()

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func newApp(opts *options, out io.Writer) (*app, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.rendezvous != "" {
		cfg.Rendezvous.URL = opts.rendezvous
	}
	if opts.token != "" {
		cfg.Rendezvous.Token = opts.token
	}
	if opts.storage != "" {
		cfg.Storage.Backend = opts.storage
	}
	level := cfg.Logging.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}

	log := logger.NewWithFormat(level, "console").Sugar()
	a := &app{cfg: cfg, logger: log, out: out}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	a.repos, err = repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.repos.Close() })
	a.settings = services.NewSettingsService(a.repos.CreateSettingsStore(), log.Named("settings"))

	reg := prometheus.NewRegistry()
	a.metrics = monitoring.NewPrometheusCollector(reg)
	if opts.metricsAddr != "" {
		a.serveMetrics(opts.metricsAddr, reg)
	}

	if opts.loopback {
		a.provider = demoNetwork
	} else {
		pc, err := a.providerConfig(opts)
		if err != nil {
			a.close()
			return nil, err
		}
		a.provider = webrtc.NewProvider(pc, log.Named("webrtc"))
	}

	a.notes = notify.NewChannelNotifier(32)
	a.closers = append(a.closers, a.notes.Close)
	return a, nil
}

func (a *app) providerConfig(opts *options) (webrtc.Config, error) {
	pc := webrtc.DefaultConfig()
	pc.ServerURL = a.cfg.Rendezvous.URL
	pc.Token = a.cfg.Rendezvous.Token
	pc.DialTimeout = a.cfg.Rendezvous.DialTimeout
	pc.DialRetry.MaxAttempts = a.cfg.Rendezvous.DialAttempts
	pc.PortMin = a.cfg.WebRTC.PortRange.Min
	pc.PortMax = a.cfg.WebRTC.PortRange.Max
	if opts.fetchToken {
		endpoint, err := tokenEndpointFor(pc.ServerURL)
		if err != nil {
			return pc, fmt.Errorf("invalid rendezvous url: %w", err)
		}
		pc.TokenSource = webrtc.HTTPTokenSource(&http.Client{Timeout: 10 * time.Second}, endpoint)
	}
	return pc, nil
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Warnw("metrics server failed", "address", addr, "error", err)
		}
	}()
	a.closers = append(a.closers, func() { _ = srv.Close() })
}

// connectivity merges the saved proxy settings with the configured ICE
// servers.
func (a *app) connectivity(ctx context.Context, debug int) domain.ConnectivityConfig {
	conn := services.BuildConnectivity(a.settings.LoadProxySettings(ctx))
	for _, s := range a.cfg.WebRTC.ICEServers {
		conn.ICEServers = append(conn.ICEServers, domain.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	conn.ForceRelay = conn.ForceRelay || a.cfg.WebRTC.ForceRelay
	conn.DebugLevel = debug
	return conn
}

func (a *app) discoveryConfig() services.DiscoveryConfig {
	dc := services.DefaultDiscoveryConfig()
	if a.cfg.Discovery.SlotCount > 0 {
		dc.SlotCount = a.cfg.Discovery.SlotCount
	}
	if a.cfg.Discovery.Window > 0 {
		dc.Window = a.cfg.Discovery.Window
	}
	if a.cfg.Discovery.CloseAfter > 0 {
		dc.CloseAfter = a.cfg.Discovery.CloseAfter
	}
	if a.cfg.Discovery.StaleAfter > 0 {
		dc.StaleAfter = a.cfg.Discovery.StaleAfter
	}
	return dc
}

func (a *app) newFactory(ctx context.Context, debug int) *services.PeerFactory {
	return services.NewPeerFactory(a.provider, a.connectivity(ctx, debug), a.logger.Named("peers"))
}

func (a *app) newDiscovery(factory *services.PeerFactory) *services.DiscoveryService {
	d := services.NewDiscoveryService(factory, a.repos.CreateDiscoveryRepository(), a.logger.Named("discovery"),
		services.WithDiscoveryConfig(a.discoveryConfig()),
		services.WithDiscoveryRecorder(a.metrics),
	)
	a.closers = append(a.closers, d.Close)
	return d
}

// newSession builds a session whose notifications are printed to out.
func (a *app) newSession(ctx context.Context, debug int, name string) *services.SessionService {
	factory := a.newFactory(ctx, debug)
	if name == "" {
		name = a.settings.LoadUserName(ctx)
	}

	opts := []services.SessionOption{
		services.WithSettings(a.settings),
		services.WithRecorder(a.metrics),
		services.WithSessionConfig(services.SessionConfig{
			JoinTimeout:    a.cfg.Session.JoinTimeout,
			ChunkSize:      a.cfg.Session.ChunkSize,
			MaxFileSize:    a.cfg.Session.MaxFileSize,
			MaxLogMessages: a.cfg.Session.MaxLogMessages,
		}),
	}
	if !a.cfg.Discovery.ResponderOff {
		opts = append(opts, services.WithDiscovery(a.newDiscovery(factory)))
	}

	notifier := notify.Multi{notify.NewLogNotifier(a.logger), a.notes}
	s := services.NewSessionService(factory, notifier, name, a.logger.Named("session"), opts...)
	a.closers = append(a.closers, s.Close)
	a.printNotifications()
	return s
}

func (a *app) printNotifications() {
	a.printOnce.Do(a.startPrinter)
}

func (a *app) startPrinter() {
	ch, cancel := a.notes.Subscribe()
	a.closers = append(a.closers, cancel)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for n := range ch {
			if n.IsError {
				fmt.Fprintf(a.out, "! %s: %s\n", n.Title, n.Description)
			} else {
				fmt.Fprintf(a.out, "* %s: %s\n", n.Title, n.Description)
			}
		}
	}()
}

// close runs closers newest first.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.wg.Wait()
}

// tokenEndpointFor derives the HTTP token endpoint from a websocket URL.
func tokenEndpointFor(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/peerjs") + "/api/v1/token"
	u.RawQuery = ""
	return u.String(), nil
}
