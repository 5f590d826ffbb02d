package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vinkius-labs/speedgate/internal/config"
	"github.com/vinkius-labs/speedgate/internal/expr"
	"github.com/vinkius-labs/speedgate/internal/logging"
	"github.com/vinkius-labs/speedgate/internal/metrics"
	"github.com/vinkius-labs/speedgate/internal/runtime"
	"github.com/vinkius-labs/speedgate/internal/runtime/breaker"
	"github.com/vinkius-labs/speedgate/internal/runtime/cache"
	"github.com/vinkius-labs/speedgate/internal/runtime/health"
	"github.com/vinkius-labs/speedgate/internal/server"
	"github.com/vinkius-labs/speedgate/internal/templates"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to gateway configuration file")
		envPrefix  = flag.String("env-prefix", "SPEEDGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	store := buildStore(logger.With(slog.String("agent", "cache_factory")), cfg.Cache)

	var renderer *templates.Renderer
	if folder := strings.TrimSpace(cfg.Server.Templates.TemplatesFolder); folder != "" {
		sandbox, err := templates.NewSandbox(folder)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
			renderer = templates.NewRenderer(nil)
		} else {
			renderer = templates.NewRenderer(sandbox)
		}
	} else {
		renderer = templates.NewRenderer(nil)
	}

	celEnv, err := expr.NewEnvironment()
	if err != nil {
		logger.Error("expression environment setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	aggregator := health.NewAggregator(health.Options{
		Logger:  logger,
		Metrics: metricsRecorder,
		Window:  cfg.Health.MemoizeWindow(),
		Timeout: cfg.Health.ProbeTimeout(),
	})
	registerProbes(aggregator, cfg.Health.Probes, store)

	circuits := breaker.New(breaker.Options{
		Logger:           logger,
		Metrics:          metricsRecorder,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window(),
		Cooldown:         cfg.Breaker.Cooldown(),
		MaxCooldown:      cfg.Breaker.MaxCooldown(),
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
	})

	deps := runtime.SnapshotDeps{
		Store:    store,
		Renderer: renderer,
		Expr:     celEnv,
		Metrics:  metricsRecorder,
		Logger:   logger,
	}
	epoch := cfg.Cache.Epoch
	snap, err := runtime.BuildSnapshot(cfg, epoch, deps)
	if err != nil {
		logger.Error("pipeline snapshot build failed", slog.Any("error", err))
		os.Exit(1)
	}

	pipe := runtime.NewPipeline(logger, runtime.PipelineOptions{
		Metrics:  metricsRecorder,
		Breaker:  circuits,
		Health:   aggregator,
		Snapshot: snap,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := pipe.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	if *configFile != "" {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			// Every reload advances the cache generation so entries stored
			// under the previous policy become unreachable.
			epoch++
			if next.Cache.Epoch > epoch {
				epoch = next.Cache.Epoch
			}
			reloaded, err := runtime.BuildSnapshot(next, epoch, deps)
			if err != nil {
				logger.Error("configuration reload rejected", slog.Any("error", err))
				return
			}
			pipe.Reload(reloaded)
			logger.Info("configuration reloaded", slog.Int("cache_epoch", epoch))
		}, func(err error) {
			if err != nil {
				logger.Error("configuration watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("configuration watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	upstream, err := buildUpstream(logger, cfg.Upstream)
	if err != nil {
		logger.Error("upstream setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	handler := server.NewHandler(pipe, upstream, server.Options{
		Metrics: metricsRecorder.Handler(),
	})

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildStore selects the cache backend, falling back to memory when a
// configured backend cannot be reached so the gateway still starts.
func buildStore(logger *slog.Logger, cfg config.CacheConfig) cache.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory response cache")
		return cache.NewMemory()
	case "redis":
		store, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory()
		}
		logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		return store
	case "disk":
		store, err := cache.NewDisk(cfg.Disk.Path)
		if err != nil {
			logger.Error("disk cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory()
		}
		logger.Info("using disk response cache", slog.String("path", cfg.Disk.Path))
		return store
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory()
	}
}

func registerProbes(aggregator *health.Aggregator, probes []config.ProbeConfig, store cache.Store) {
	for _, probe := range probes {
		switch strings.TrimSpace(strings.ToLower(probe.Type)) {
		case "cache":
			aggregator.Register(health.NewStoreProbe(probe.Name, store))
		case "http":
			aggregator.Register(health.NewHTTPProbe(probe.Name, probe.URL))
		}
	}
}

// buildUpstream wires the reverse proxy toward the protected application.
// Without an upstream URL the gateway answers 502 for proxied traffic, which
// keeps the operational endpoints usable in partial deployments.
func buildUpstream(logger *slog.Logger, cfg config.UpstreamConfig) (http.Handler, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "no upstream configured", http.StatusBadGateway)
		}), nil
	}
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &http.Transport{
		ResponseHeaderTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("upstream request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy, nil
}
