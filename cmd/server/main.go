package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/robofleet/orchestrator/internal/balancer"
	"github.com/robofleet/orchestrator/internal/breaker"
	"github.com/robofleet/orchestrator/internal/cache"
	"github.com/robofleet/orchestrator/internal/config"
	"github.com/robofleet/orchestrator/internal/events"
	"github.com/robofleet/orchestrator/internal/orchestrator"
	"github.com/robofleet/orchestrator/internal/security"
	"github.com/robofleet/orchestrator/internal/state"
	"github.com/robofleet/orchestrator/internal/store"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load("./config")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to the persistent store
	st, err := store.New(ctx, store.Config{
		DSN:            cfg.Store.DSN,
		PoolMinConns:   cfg.Store.PoolMinConns,
		PoolMaxConns:   cfg.Store.PoolMaxConns,
		AcquireTimeout: cfg.Store.AcquireTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to store", zap.Error(err))
	}
	defer st.Close()

	// Open the cache store
	cacheClient, err := cache.NewClient(cache.Options{
		Path:     cfg.Cache.Path,
		InMemory: cfg.Cache.InMemory,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open cache", zap.Error(err))
	}
	defer cacheClient.Close()

	ttl := cache.TTLConfig{
		ModuleHealth:      cfg.Cache.TTLFor("module_health"),
		RobotStatus:       cfg.Cache.TTLFor("robot_status"),
		PerformanceScores: cfg.Cache.TTLFor("performance_scores"),
		RoutingTable:      cfg.Cache.TTLFor("routing_table"),
		Default:           cfg.Cache.TTLFor("default"),
	}
	cacheManager := cache.NewManager(cacheClient, ttl, logger)

	// Connect to NATS with reconnect handling
	opts := []nats.Option{
		nats.Name(cfg.AppName),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}
	publisher, err := events.NewPublisher(js, logger)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}

	// Security pipeline: rate limiter, audit trail, validator
	buckets := make(map[string]security.Bucket, len(cfg.Security.Buckets))
	for name, b := range cfg.Security.Buckets {
		buckets[name] = security.Bucket{Limit: b.Limit, Window: b.Window}
	}
	limiter := security.NewRateLimiter(buckets)

	audit, err := security.NewAuditTrail(cfg.Security.AuditDBPath, logger)
	if err != nil {
		logger.Fatal("Failed to open audit trail", zap.Error(err))
	}
	defer audit.Close()

	validator := security.NewValidator(limiter, audit, cfg.Security.MaxPayloadSize, logger)
	bootstrapKey, err := validator.CreateKey("bootstrap", []string{"*"}, 0)
	if err != nil {
		logger.Fatal("Failed to create bootstrap API key", zap.Error(err))
	}
	logger.Info("Bootstrap API key created", zap.String("key", bootstrapKey))

	// Assemble the orchestrator
	stateManager := state.NewManager(st, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	}, logger)

	registry := prometheus.NewRegistry()
	tracker := orchestrator.NewTracker(registry, logger)

	orch := orchestrator.New(orchestrator.Options{
		Config:      cfg.Orchestrator,
		State:       stateManager,
		Cache:       cacheManager,
		Balancer:    balancer.New(logger),
		Events:      publisher,
		Tracker:     tracker,
		Validator:   validator,
		GlobalRPS:   cfg.Security.GlobalRPS,
		GlobalBurst: cfg.Security.GlobalBurst,
	}, logger)

	orch.AddCleanupHook(func(ctx context.Context) error {
		_, err := audit.Trim(ctx, cfg.Security.AuditRetention)
		return err
	})
	orch.AddCleanupHook(func(ctx context.Context) error {
		limiter.Prune()
		return nil
	})

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	// Expose metrics
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Info("Metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	cancel()
	orch.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", zap.Error(err))
	}

	logger.Info("Server shutting down gracefully")
}
