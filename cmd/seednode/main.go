package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	config "seednode/configs"
	"seednode/pkg/api"
	"seednode/pkg/api/middleware"
	"seednode/pkg/logger"
	"seednode/pkg/membership/gossip"
	tracing "seednode/pkg/observability"
	"seednode/pkg/resilience"
	"seednode/pkg/seed"
)

const shutdownTimeout = 10 * time.Second

type tracerProvider interface {
	Tracer() trace.Tracer
	Shutdown(ctx context.Context) error
}

// initTracing is replaced in tests.
var initTracing = func(ctx context.Context, cfg tracing.Config) (tracerProvider, error) {
	return tracing.Init(ctx, cfg)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lcfg := logger.DefaultConfig("seednode")
	lcfg.Level = cfg.LogLevel
	lcfg.Encoding = cfg.LogEncoding
	lg, err := logger.Init(lcfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("seednode exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, lg *zap.Logger) error {
	lg.Info("starting seednode",
		zap.String("backend", cfg.Backend),
		zap.String("cluster", cfg.ClusterName),
	)

	members := gossip.New(gossip.Config{
		NodeName: cfg.NodeName,
		BindHost: cfg.BindHost,
		BindPort: cfg.BindPort,
		Logger:   lg,
	})

	locator, err := newLocator(ctx, cfg, lg)
	if err != nil {
		return err
	}

	settings, err := seed.LoadSettings(ctx, seed.SettingsConfig{
		Ensemble:         cfg.Ensemble,
		DiscoveryURL:     cfg.DiscoveryURL,
		ValidateCerts:    cfg.DiscoveryValidateCerts,
		ResolveTimeout:   cfg.DiscoveryTimeout,
		EnsembleOptional: cfg.Backend == "memory",
		BasePath:         cfg.BasePath,
		ClusterName:      cfg.ClusterName,
		Auth:             seed.Authorization{Scheme: cfg.AuthScheme, Token: cfg.AuthToken},
		HostEnvKey:       cfg.HostEnvKey,
		PortEnvKey:       cfg.PortEnvKey,
		Retry: seed.RetryPolicy{
			Interval:    cfg.RetryInterval,
			MaxInterval: cfg.RetryMaxInterval,
			Multiplier:  cfg.RetryMultiplier,
			MaxAttempts: cfg.RetryMaxAttempts,
		},
	}, members.SelfAddress(), locator)
	if err != nil {
		return err
	}
	members.SetAdvertise(settings.Identity.Address())
	lg = lg.With(zap.String("node", settings.Identity.String()))

	tcfg := tracing.DefaultConfig("seednode")
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Endpoint = cfg.OTLPEndpoint
	tcfg.InstanceID = settings.Identity.String()
	tp, err := initTracing(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			lg.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	client, err := newClient(cfg, settings, lg)
	if err != nil {
		return err
	}
	lg.Info("connected to coordination service",
		zap.Strings("endpoints", settings.Endpoints),
		zap.String("path", settings.Path),
	)

	var breaker *resilience.CircuitBreaker
	if cfg.BreakerEnabled {
		bcfg := resilience.DefaultCircuitBreakerConfig()
		bcfg.Logger = lg
		breaker = resilience.NewCircuitBreaker("coordination", bcfg)
	}

	coord, err := seed.NewCoordinator(seed.Options{
		Client:     client,
		Membership: members,
		Identity:   settings.Identity,
		Path:       settings.Path,
		Retry:      settings.Retry,
		Breaker:    breaker,
		Logger:     lg,
		Tracer:     tp.Tracer(),
	})
	if err != nil {
		_ = client.Close()
		return err
	}

	apiCfg := api.Config{
		Port:        cfg.APIPort,
		Coordinator: coord,
		Members:     members,
		Logger:      lg.Named("api"),
	}
	if cfg.APIRateLimit > 0 {
		rl := middleware.DefaultRateLimiterConfig()
		rl.RequestsPerMinute = cfg.APIRateLimit
		apiCfg.RateLimit = &rl
	}
	server := api.NewServer(apiCfg)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(ctx) }()

	joinErr := make(chan error, 1)
	go func() { joinErr <- coord.Join(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		lg.Info("shutdown signal received")
	case err := <-joinErr:
		if errors.Is(err, seed.ErrClosed) || errors.Is(err, context.Canceled) {
			lg.Info("shutdown signal received")
			break
		}
		if err != nil {
			runErr = err
			break
		}
		lg.Info("joined cluster", zap.Stringer("state", coord.State()))
		select {
		case <-ctx.Done():
			lg.Info("shutdown signal received")
		case err := <-serverErr:
			runErr = err
		}
	case err := <-serverErr:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Withdraw the candidacy first so a restarting peer does not see a stale leader.
	_ = coord.Close(shutdownCtx)
	if err := members.Shutdown(shutdownTimeout / 2); err != nil {
		lg.Warn("memberlist shutdown failed", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		lg.Warn("status API shutdown failed", zap.Error(err))
	}

	lg.Info("shutdown complete")
	return runErr
}
