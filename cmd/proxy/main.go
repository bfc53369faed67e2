package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/rynfar/opencode-claude-max-proxy/internal/admission"
	"github.com/rynfar/opencode-claude-max-proxy/internal/config"
	"github.com/rynfar/opencode-claude-max-proxy/internal/gateway"
	"github.com/rynfar/opencode-claude-max-proxy/internal/logging"
	"github.com/rynfar/opencode-claude-max-proxy/internal/queue"
	"github.com/rynfar/opencode-claude-max-proxy/internal/telemetry"
	"github.com/rynfar/opencode-claude-max-proxy/internal/upstream"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup(false).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Telemetry.Debug)
	if cfg.Telemetry.LogLevel != "" {
		level, err := logging.ParseLevel(cfg.Telemetry.LogLevel)
		if err != nil {
			logger.Error("invalid log level", "level", cfg.Telemetry.LogLevel, "error", err)
			os.Exit(1)
		}
		logging.Level.Set(level)
	}

	cliPath, err := upstream.ResolveCLI(cfg.Upstream.CLIPath)
	if err != nil {
		logger.Error("claude CLI not found; install it and log in before starting the proxy", "error", err)
		os.Exit(1)
	}
	logger.Info("claude CLI resolved", "path", cliPath)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	provider := upstream.NewCLIProvider(upstream.CLIConfig{
		Path:    cliPath,
		WorkDir: cfg.Upstream.WorkDir,
	}, logger)

	q := queue.New(queue.WithObserver(metrics), queue.WithLogger(logger))

	handler := gateway.NewHandler(provider, q, gateway.Options{
		Base:              baseOptions(cfg.Upstream),
		KeepaliveInterval: cfg.Stream.KeepaliveInterval,
		Version:           version,
	}, metrics)

	routeOpts := gateway.RouteOptions{Logger: logger}
	if cfg.Telemetry.MetricsEnabled {
		routeOpts.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Optional per-client admission cap; counters go to Redis when one is
	// reachable and stay in memory otherwise.
	var rdb *redis.Client
	if cfg.Admission.Enabled {
		rdb = connectRedis(cfg.Redis, logger)
		if rdb != nil {
			defer rdb.Close()
		}
		slots := admission.NewSlots(rdb, cfg.Admission.LeaseTTL)
		routeOpts.Limit = admission.Middleware(slots, cfg.Admission.MaxPendingPerClient, metrics.RecordAdmissionRejected)
	}

	addr := cfg.Server.Addr()
	srv := &http.Server{
		Addr:        addr,
		Handler:     gateway.NewRouter(handler, routeOpts),
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: a streamed turn may run for many minutes.
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy starting",
			"addr", addr,
			"version", version,
			"permission_mode", cfg.Upstream.PermissionMode,
			"max_turns", cfg.Upstream.MaxTurns,
			"admission", cfg.Admission.Enabled,
		)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig, "queued", q.Size(), "running", q.Pending())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("proxy stopped")
}

func baseOptions(u config.UpstreamConfig) upstream.SessionOptions {
	return upstream.SessionOptions{
		MaxTurns:        u.MaxTurns,
		PermissionMode:  upstream.PermissionMode(u.PermissionMode),
		AllowUnsafeSkip: u.AllowUnsafeSkip,
		AllowedTools:    u.AllowedTools,
		DisallowedTools: u.DisallowedTools,
	}
}

func connectRedis(cfg config.RedisConfig, logger *slog.Logger) *redis.Client {
	if cfg.Address == "" {
		logger.Info("admission counters kept in memory (no redis.address)")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis not reachable, admission counters kept in memory", "error", err)
		rdb.Close()
		return nil
	}
	logger.Info("redis connected", "addr", cfg.Address)
	return rdb
}
