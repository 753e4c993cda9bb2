package main

import (
	"context"
	"time"

	"sharechannel/internal/core/ports"
	"sharechannel/internal/core/services"
	httphandlers "sharechannel/internal/handlers/http"
	"sharechannel/internal/infrastructure/distributed"
	"sharechannel/internal/infrastructure/middleware"
	"sharechannel/internal/infrastructure/monitoring"
	"sharechannel/internal/infrastructure/repositories"
	"sharechannel/internal/infrastructure/signal"
	"sharechannel/pkg/config"
	applog "sharechannel/pkg/logger"
	"sharechannel/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	healthInterval   = 15 * time.Second
	healthTimeout    = 2 * time.Second
	instanceInterval = 10 * time.Second
)

// rendezvous wires the signal server, HTTP API and cluster plumbing.
type rendezvous struct {
	router    *gin.Engine
	signal    *signal.WebSocketServer
	repos     *repositories.RepositoryFactory
	ids       ports.IDRegistry
	health    *monitoring.HealthChecker
	relay     *distributed.RedisRelay
	instances *distributed.InstanceRegistry
	logger    *zap.SugaredLogger
}

func newRendezvous(cfg *config.Config, reg *prometheus.Registry, logger *zap.SugaredLogger) (*rendezvous, error) {
	repos, err := repositories.NewRepositoryFactory(cfg, logger)
	if err != nil {
		return nil, err
	}
	ids := repos.CreateIDRegistry()
	instanceID := utils.GenerateInstanceID()
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	collector := monitoring.NewPrometheusCollector(reg)
	health := monitoring.NewHealthChecker()
	health.AddRegistryCheck(ids, healthInterval, healthTimeout)

	opts := []signal.Option{
		signal.WithInstanceID(instanceID),
		signal.WithTokenVerifier(authService),
		signal.WithMetrics(collector),
	}

	r := &rendezvous{repos: repos, ids: ids, health: health, logger: logger}
	var cluster httphandlers.ClusterStats
	if client := repos.RedisClient(); client != nil {
		health.AddRedisCheck(client, healthInterval, healthTimeout)
		r.relay = distributed.NewRedisRelay(client, instanceID, logger.Named("relay"))
		r.instances = distributed.NewInstanceRegistry(client, instanceID, 3*instanceInterval, logger.Named("instances"))
		opts = append(opts, signal.WithRelay(r.relay), signal.WithPresence(r.instances))
		cluster = r.instances
	}

	r.signal = signal.NewWebSocketServer(ids, signalConfig(cfg), logger.Named("signal"), opts...)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.RequestLoggerMiddleware(applog.NewContextLogger(logger.Desugar().Named("http"))),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(logger),
	)

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = reg
	}
	httphandlers.NewHealthHandler(health, gatherer).SetupRoutes(router)

	// The websocket endpoint has its own per-connection limiter.
	router.GET(cfg.Signal.Path, gin.WrapH(r.signal))

	// Optional auth lets logs and spans name the caller on public routes.
	api := router.Group("/api/v1",
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.OptionalAuthMiddleware(authService),
	)
	httphandlers.NewTokenHandler(authService, ids, cfg.Auth.TokenTTL).SetupRoutes(api)
	httphandlers.NewPeerHandler(r.signal, ids, cluster).SetupRoutes(api)

	r.router = router
	return r, nil
}

func signalConfig(cfg *config.Config) signal.Config {
	sc := signal.DefaultConfig()
	sc.PingInterval = cfg.Signal.PingInterval
	sc.PongTimeout = cfg.Signal.PongTimeout
	sc.WriteTimeout = cfg.Signal.WriteTimeout
	sc.LeaseTTL = cfg.Signal.LeaseTTL
	sc.AuthRequired = cfg.Auth.Required
	sc.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		ws := cfg.RateLimiting.WebSocket
		sc.MessagesPerSecond = ws.MessagesPerSecond
		sc.Burst = ws.Burst
		if ws.MaxConcurrent > 0 {
			sc.MaxConnections = ws.MaxConcurrent
		}
		if ws.MaxMessageSizeBytes > 0 {
			sc.MaxMessageSize = ws.MaxMessageSizeBytes
		}
	}
	return sc
}

// run starts background work: health checks and, with Redis, the relay
// subscription and instance heartbeats.
func (r *rendezvous) run(ctx context.Context) {
	r.health.StartBackgroundChecks(ctx)
	if r.relay == nil {
		return
	}
	go func() {
		if err := r.relay.Subscribe(ctx, r.signal.DeliverRelayed); err != nil && ctx.Err() == nil {
			r.logger.Errorw("relay subscription ended", "error", err)
		}
	}()
	go r.instances.Run(ctx, instanceInterval, r.ids)
}

func (r *rendezvous) close(ctx context.Context) {
	r.signal.Close()
	if r.instances != nil {
		if err := r.instances.Shutdown(ctx, r.ids); err != nil {
			r.logger.Warnw("failed to release instance leases", "error", err)
		}
	}
	if r.relay != nil {
		_ = r.relay.Close()
	}
	if err := r.repos.Close(); err != nil {
		r.logger.Errorw("Error closing repository factory", "error", err)
	}
}
