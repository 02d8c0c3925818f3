package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/decisionflow/engine/internal/app"
	"github.com/decisionflow/engine/internal/auth"
	"github.com/decisionflow/engine/internal/circuitbreaker"
	"github.com/decisionflow/engine/internal/config"
	"github.com/decisionflow/engine/internal/health"
	"github.com/decisionflow/engine/internal/httpapi"
	_ "github.com/decisionflow/engine/internal/metrics" // registers collectors
	"github.com/decisionflow/engine/internal/logging"
	"github.com/decisionflow/engine/internal/ratecontrol"
	"github.com/decisionflow/engine/internal/temporal"
	"github.com/decisionflow/engine/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := config.Path()
	boot, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := logging.New(boot.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfgMgr, err := config.NewManager(path, logger)
	if err != nil {
		logger.Fatal("Failed to start configuration manager", zap.Error(err))
	}
	cfg := cfgMgr.Current()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}

	// Start circuit breaker metrics collection
	go circuitbreaker.StartMetricsCollection(15*time.Second, ctx.Done())

	// ------------------------------------------------------------------
	// Health manager and admin endpoints come up first so probes answer
	// while the collaborators are still connecting.
	// ------------------------------------------------------------------
	hm := health.NewManager(30*time.Second, logger)
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminMux.Handle("GET /metrics", promhttp.Handler())
	admin := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Server.AdminPort))
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	engine, err := app.Build(ctx, cfg, app.Options{Stream: true, Events: true}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize engine", zap.Error(err))
	}
	defer engine.Close()

	if err := engine.RegisterHealth(hm); err != nil {
		logger.Warn("Some health checkers were not registered", zap.Error(err))
	}
	hm.Start(ctx)
	defer hm.Stop()

	go engine.Stream.RunSweeper(ctx, time.Minute, cfg.Redis.StreamTTL)

	// Hot reload: engine tunables reach new sessions through NewDriver,
	// policies are recompiled in place.
	cfgMgr.OnChange(func(next *config.Config) error {
		logger.Info("Configuration reloaded",
			zap.Int("max_attempts", next.Engine.MaxAttempts),
			zap.Float64("min_confidence", next.Engine.MinConfidence),
		)
		return nil
	})
	cfgMgr.OnPolicyChange(engine.Policy.LoadPolicies)
	go func() {
		if err := cfgMgr.Watch(ctx); err != nil {
			logger.Warn("Configuration watcher stopped", zap.Error(err))
		}
	}()

	newRunner := func() httpapi.Runner { return engine.NewDriver(cfgMgr.Current()) }

	// ------------------------------------------------------------------
	// Temporal worker and starter, optional
	// ------------------------------------------------------------------
	var (
		starter httpapi.Starter
		w       worker.Worker
	)
	if cfg.Temporal.Enabled {
		tClient, err := dialTemporal(ctx, cfg.Temporal, logger)
		if err != nil {
			logger.Error("Temporal unavailable; async sessions disabled", zap.Error(err))
		} else {
			defer tClient.Close()
			starter = temporal.NewStarter(tClient, cfg.Temporal.TaskQueue)
			w = worker.New(tClient, cfg.Temporal.TaskQueue, worker.Options{
				MaxConcurrentActivityExecutionSize:     10,
				MaxConcurrentWorkflowTaskExecutionSize: 10,
			})
			temporal.Register(w, &temporal.Activities{
				NewRunner: func() temporal.Runner { return engine.NewDriver(cfgMgr.Current()) },
				Stream:    engine.Stream,
				Logger:    logger,
			})
			if err := w.Start(); err != nil {
				logger.Error("Temporal worker failed to start", zap.Error(err))
				w = nil
			} else {
				logger.Info("Temporal worker started", zap.String("queue", cfg.Temporal.TaskQueue))
			}
		}
	}

	// ------------------------------------------------------------------
	// Public HTTP API
	// ------------------------------------------------------------------
	mw := auth.NewMiddleware(
		auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		auth.NewKeyStore(cfg.Auth.APIKeys),
		cfg.Auth.Enabled,
		logger,
	)
	limiter := ratecontrol.NewKeyedLimiter(ratecontrol.RateLimit{
		RPM:   int(cfg.Server.RequestsPerMinute),
		Burst: cfg.Server.Burst,
	}, nil, 10*time.Minute)
	api := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: httpapi.NewRouter(httpapi.Handlers{
			Decisions: httpapi.NewDecisionHandler(newRunner, engine.Stream, starter, logger),
			Streams:   httpapi.NewStreamingHandler(engine.Stream, logger),
			Reports:   httpapi.NewReportHandler(engine.Reports),
		}, mw, limiter, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed", zap.Error(err))
		}
	}()

	// ------------------------------------------------------------------
	// gRPC: health and reflection behind the auth interceptor
	// ------------------------------------------------------------------
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(mw.UnaryServerInterceptor()))
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)
	go hm.SyncGRPC(ctx, hs, "", 10*time.Second)
	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			logger.Error("Failed to listen for gRPC", zap.Error(err))
			return
		}
		logger.Info("gRPC server listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down decision engine")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	if w != nil {
		w.Stop()
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown", zap.Error(err))
	}
	if shutdownTracing != nil {
		_ = shutdownTracing(shutdownCtx)
	}
}

// dialTemporal waits for the frontend to accept TCP connections, then
// dials with exponential backoff.
func dialTemporal(ctx context.Context, cfg config.TemporalConfig, logger *zap.Logger) (client.Client, error) {
	for i := 1; i <= 60; i++ {
		c, err := net.DialTimeout("tcp", cfg.HostPort, 2*time.Second)
		if err == nil {
			_ = c.Close()
			break
		}
		logger.Warn("Waiting for Temporal TCP endpoint", zap.String("host", cfg.HostPort), zap.Int("attempt", i))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		c, err := client.Dial(client.Options{
			HostPort:  cfg.HostPort,
			Namespace: cfg.Namespace,
			Logger:    temporal.NewZapAdapter(logger),
		})
		if err == nil {
			return c, nil
		}
		lastErr = err
		delay := time.Duration(1<<(attempt-1)) * time.Second
		logger.Warn("Temporal not ready, retrying",
			zap.Int("attempt", attempt),
			zap.String("host", cfg.HostPort),
			zap.Duration("sleep", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}
