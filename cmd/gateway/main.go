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

	"github.com/optfleet/hive-gateway/internal/capability"
	"github.com/optfleet/hive-gateway/internal/config"
	"github.com/optfleet/hive-gateway/internal/entitlement"
	"github.com/optfleet/hive-gateway/internal/gateway"
	"github.com/optfleet/hive-gateway/internal/health"
	"github.com/optfleet/hive-gateway/internal/ledger"
	"github.com/optfleet/hive-gateway/internal/registry"
	"github.com/optfleet/hive-gateway/internal/router"
	"github.com/optfleet/hive-gateway/internal/swarm"
	"github.com/optfleet/hive-gateway/internal/telemetry"
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

	// Connect to PostgreSQL (durable ledger sink, optional)
	var dbPool *pgxpool.Pool
	if cfg.Database.Enabled {
		var err error
		dbPool, err = pgxpool.New(context.Background(), cfg.Database.DSN())
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(context.Background()); err != nil {
			logger.Warn("database not reachable (ledger entries stay in memory only)", "error", err)
		} else {
			logger.Info("database connected")
		}
	}

	// Connect to Redis (tenant budget tracking, optional)
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (budget tracking disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	// Build the endpoint registry from descriptors, rebuilt on config reload.
	// Health state survives reloads since it is keyed by endpoint id in the
	// tracker, not stored on the endpoint.
	reg := registry.New()
	reg.ReplaceAll(buildEndpoints(loader.Endpoints()))
	loader.OnReload(func() {
		reg.ReplaceAll(buildEndpoints(loader.Endpoints()))
		logger.Info("endpoint registry reloaded", "endpoints", len(reg.IDs()))
	})

	cb := cfg.Routing.CircuitBreaker
	tracker := health.NewTracker(health.Config{
		FailureThreshold:      cb.FailureThreshold,
		FailureRateThreshold:  cb.FailureRateThreshold,
		MinObservations:       cb.MinObservations,
		Window:                cb.ObservationWindow,
		RecoveryProbeInterval: cb.RecoveryProbeInterval,
	})

	led := ledger.New(cfg.Ledger.Horizon)
	if dbPool != nil {
		led.AttachSink(ledger.NewPGSink(dbPool))
	}
	budget := ledger.NewBudgetTracker(rdb)

	capClient := capability.NewClient(func() config.CapabilityConfig {
		return loader.Config().Capability
	})

	entEval := entitlement.NewEvaluator(func() config.EntitlementConfig {
		return loader.Config().Entitlement
	})
	if err := entEval.Load(); err != nil {
		logger.Error("failed to load entitlement policies", "error", err)
		os.Exit(1)
	}
	loader.OnReload(func() {
		if err := entEval.Load(); err != nil {
			logger.Warn("entitlement policy reload failed, keeping previous", "error", err)
		}
	})

	metrics := telemetry.NewMetrics()

	rt := router.New(router.Deps{
		Registry:     reg,
		Health:       tracker,
		Ledger:       led,
		Capabilities: capClient,
		Entitlement:  entEval,
		Budget:       budget,
		Dispatcher:   router.NewHTTPDispatcher(),
		Metrics:      metrics,
		Config:       loader.Config,
	})
	orch := swarm.New(rt, metrics, loader.Config)

	handler := gateway.NewHandler(reg, tracker, led, rt, orch, loader.Config)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go capClient.Start(rootCtx)
	go exportCircuitStates(rootCtx, tracker, metrics)

	// Router setup
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Get("/hive/v1/health", healthHandler)
	r.Post("/v1/submit", handler.Submit)
	r.Get("/v1/endpoints", handler.ListEndpoints)
	r.Get("/v1/endpoints/health", handler.EndpointHealth)

	if cfg.Telemetry.MetricsPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
			logger.Info("metrics listener starting", "addr", addr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics listener failed", "error", err)
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

	select {
	case <-rootCtx.Done():
		logger.Info("received shutdown signal")
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

func buildEndpoints(ec *config.EndpointsConfig) []*registry.Endpoint {
	if ec == nil {
		return nil
	}
	out := make([]*registry.Endpoint, 0, len(ec.Endpoints))
	for _, d := range ec.Endpoints {
		out = append(out, &registry.Endpoint{
			ID:            d.ID,
			Region:        d.Region,
			Tier:          d.Tier,
			CostPerUnit:   d.CostPerUnit,
			Capabilities:  d.Capabilities,
			BaseURL:       d.BaseURL,
			Timeout:       d.Timeout,
			MaxConcurrent: d.MaxConcurrent,
		})
	}
	return out
}

// exportCircuitStates mirrors each breaker's state into the circuit gauge.
func exportCircuitStates(ctx context.Context, tracker *health.Tracker, metrics *telemetry.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id, stats := range tracker.Snapshot() {
				metrics.SetCircuitState(id, float64(stats.State))
			}
		}
	}
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
