package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/relaycore/relay-gateway/internal/auth"
	"github.com/relaycore/relay-gateway/internal/config"
	"github.com/relaycore/relay-gateway/internal/convert"
	"github.com/relaycore/relay-gateway/internal/envelope"
	"github.com/relaycore/relay-gateway/internal/gateway"
	"github.com/relaycore/relay-gateway/internal/ratelimit"
	"github.com/relaycore/relay-gateway/internal/registry"
	"github.com/relaycore/relay-gateway/internal/router"
	"github.com/relaycore/relay-gateway/internal/telemetry"
	"github.com/relaycore/relay-gateway/internal/types"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	cfg := loader.Config()

	// Connect to PostgreSQL
	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	dbUp := false
	if err := dbPool.Ping(context.Background()); err != nil {
		logger.Warn("database not reachable (auth and stored upstreams disabled)", "error", err)
	} else {
		logger.Info("database connected")
		dbUp = true
	}

	// Connect to Redis
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (auth cache disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	// Endpoint registry: configured upstreams, plus any stored in the
	// database, reloaded whenever the config changes.
	reg := registry.New()
	store := registry.NewStore(dbPool)
	loadRegistry := func() {
		providers, endpoints, keys, err := registry.BuildFromConfig(loader.Upstreams())
		if err != nil {
			logger.Error("invalid upstreams config", "error", err)
			return
		}
		if dbUp {
			dbProviders, dbEndpoints, dbKeys, err := store.Load(context.Background())
			if err != nil {
				logger.Warn("failed to load stored upstreams", "error", err)
			} else {
				providers = append(providers, dbProviders...)
				endpoints = append(endpoints, dbEndpoints...)
				keys = append(keys, dbKeys...)
			}
		}
		reg.Replace(providers, endpoints, keys)
		logger.Info("endpoint registry loaded",
			"providers", len(providers), "endpoints", len(endpoints), "keys", len(keys))
	}
	loadRegistry()
	loader.OnReload(loadRegistry)

	// Routing core
	metrics := telemetry.NewMetrics()
	routing := func() config.RoutingConfig { return loader.Config().Routing }
	health := router.NewHealthTracker()
	health.OnScore = metrics.SetHealthScore
	avail := router.NewAvailabilityTable(routing)
	avail.OnCooldown = func(providerType, baseURL string) {
		metrics.RecordCooldown(providerType)
		logger.Warn("base url cooling down", "provider_type", providerType, "base_url", baseURL)
	}
	selector := router.NewSelector(func() config.SchedulingMode {
		return loader.Config().Routing.SchedulingMode
	}, avail, health)

	convReg := convert.NewRegistry()
	convReg.RegisterPatch(convert.NewCodexPatch())
	convReg.RegisterPatch(convert.NewAntigravityPatch(convert.NewSignatureCache()))

	envReg := envelope.NewRegistry()
	envReg.Register(envelope.NewAntigravityBinding(os.Getenv("RELAY_ANTIGRAVITY_PROJECT")))

	dispatcher := router.NewDispatcher(router.DispatcherOptions{
		Registry:  reg,
		Selector:  selector,
		Health:    health,
		Avail:     avail,
		Convert:   convReg,
		Envelopes: envReg,
		Timeout:   func() time.Duration { return loader.Config().Routing.DefaultTimeout },
		Outcomes:  types.OutcomeFunc(metrics.ObserveOutcome),
		Logger:    logger,
	})

	// HTTP surface
	keyStore := auth.NewCachedKeyStore(dbPool, rdb)
	limiter := ratelimit.NewLimiter(rdb)
	handler := gateway.NewHandler(dispatcher, convReg, loader.Config)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	// Unauthenticated routes
	r.Get("/relay/v1/health", healthHandler)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(keyStore))
		r.Use(ratelimit.Middleware(limiter, metrics))
		r.Post("/v1/chat/completions", handler.ChatCompletions)
		r.Post("/v1/messages", handler.Messages)
		r.Get("/v1/models", handler.ListModels)
	})

	// Metrics server
	if cfg.Telemetry.MetricsPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics server starting", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
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
	logger.Info("gateway stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": version,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func generateRequestID() string {
	now := time.Now()
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", now.UnixMilli(), hex.EncodeToString(b))
}
