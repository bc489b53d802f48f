package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/stockwatch/feedgate/internal/auth"
	"github.com/stockwatch/feedgate/internal/broker"
	"github.com/stockwatch/feedgate/internal/feed"
	"github.com/stockwatch/feedgate/internal/hub"
	"github.com/stockwatch/feedgate/internal/monitoring"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := LoadConfig(nil)
	if err != nil {
		// No structured logger yet; stderr is all we have.
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevel(cfg.LogLevel),
		Format: monitoring.LogFormat(cfg.LogFormat),
	})

	// automaxprocs already adjusted GOMAXPROCS for container CPU limits.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared broker first: the hub refuses clients it cannot feed.
	natsBroker, err := broker.ConnectNATS(broker.NATSConfig{
		URL:           cfg.NATSURL,
		MaxReconnects: -1,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer natsBroker.Close()

	waitCtx, cancelWait := context.WithTimeout(ctx, 10*time.Second)
	if err := natsBroker.WaitForConnection(waitCtx); err != nil {
		cancelWait()
		logger.Fatal().Err(err).Msg("NATS not ready")
	}
	cancelWait()

	verifier := auth.NewVerifier(cfg.JWTSecret, 24*time.Hour)

	// The guard exists even on fan-out-only instances so /health can
	// report upstream state uniformly; it just never admits requests.
	guard := feed.NewGuard(feed.GuardConfig{
		QuotaRate:        cfg.QuotaRate,
		QuotaBurst:       cfg.QuotaBurst,
		FailureThreshold: cfg.CircuitFailureThreshold,
		Cooldown:         cfg.CircuitCooldown,
	}, logger)

	server := hub.NewServer(hub.Config{
		Addr:               cfg.Addr,
		MaxConnections:     cfg.MaxConnections,
		SendQueueSize:      cfg.SendQueueSize,
		MaxSubscriptions:   cfg.MaxSubscriptions,
		CapViolationLimit:  cfg.CapViolationLimit,
		MalformedLimit:     cfg.MalformedLimit,
		ClientMessageRate:  cfg.ClientMessageRate,
		ClientMessageBurst: cfg.ClientMessageBurst,
		BatchWindow:        cfg.BatchWindow,
		InboundRate:        cfg.InboundRate,
		InboundBurst:       cfg.InboundBurst,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		AuthGraceWindow:    cfg.AuthGraceWindow,
		WriteWait:          cfg.WriteWait,
		ShutdownGrace:      cfg.ShutdownGrace,
		RateLimit: hub.ConnRateLimiterConfig{
			IPBurst:     cfg.ConnRateIPBurst,
			IPRate:      cfg.ConnRateIPRate,
			IPTTL:       cfg.ConnRateIPTTL,
			GlobalBurst: cfg.ConnRateGlobalBurst,
			GlobalRate:  cfg.ConnRateGlobalRate,
		},
	}, verifier, natsBroker, guard, logger)

	bridge := broker.NewBridge(broker.BridgeConfig{
		Workers:   cfg.BridgeWorkers,
		QueueSize: cfg.BridgeQueueSize,
	}, natsBroker, server.Deliver, logger)

	if err := bridge.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start broker bridge")
	}
	defer bridge.Stop()

	if cfg.ProviderURL != "" {
		provider := feed.NewHTTPProvider(cfg.ProviderURL, cfg.ProviderAPIKey, cfg.ProviderTimeout, logger)
		publisher := feed.NewPublisher(feed.PublisherConfig{
			Symbols:        cfg.Symbols,
			PollInterval:   cfg.PollInterval,
			StatusInterval: cfg.StatusInterval,
		}, provider, guard, natsBroker, logger)
		go publisher.Run(ctx)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("Server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
