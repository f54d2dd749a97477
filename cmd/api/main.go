package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/handler"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/logging"
	"rollcall/internal/metrics"
	"rollcall/internal/queue"
	"rollcall/internal/refresh"
	"rollcall/internal/store"
	"rollcall/internal/telemetry"
	"rollcall/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.Production(), cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		Component:   "api",
		ServiceName: cfg.OTELServiceName,
		Environment: cfg.Env,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := store.NewDB(startCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer redisClient.Close()

	notifiers := refresh.Multi{refresh.NewRedisNotifier(redisClient.Client)}
	if cfg.NATSURL != "" {
		nc, err := store.NewNATS(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		notifiers = append(notifiers, refresh.NewNATSNotifier(nc.Conn))
	}

	repo := attendance.NewRepository(db.Client)
	if err := repo.VerifyUniqueConstraint(ctx); err != nil {
		if cfg.RequireUniqueConstraint {
			return err
		}
		logger.Warn("continuing without verified unique constraint", "error", err)
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var lock attendance.Locker
	if cfg.DrainLockTTL > 0 {
		lock = attendance.NewRedisLock(redisClient.Client, "", cfg.DrainLockTTL)
	}
	worker := attendance.NewWorker(q, repo, notifiers, lock, m, logger)
	worker.SetPersistTimeout(cfg.DrainTimeout)

	var nudger attendance.Nudger
	if cfg.DrainOnCheckIn {
		k := attendance.NewKicker(worker, cfg.DrainBatchSize, cfg.DrainTimeout, logger)
		go k.Run(ctx)
		nudger = k
	}

	manager := token.NewManager(nil, cfg.TokenValidity)
	tokens := token.NewStore(redisClient.Client, manager)
	gw := attendance.NewGateway(attendance.GatewayConfig{LateGrace: cfg.LateGrace}, repo, tokens, manager, q, nudger, m, logger)

	router := handler.NewRouter(handler.Deps{
		Gateway:  gw,
		Sessions: repo,
		Tokens:   tokens,
		Records:  repo,
		Counts:   refresh.NewCountCache(redisClient.Client, cfg.CountCacheTTL),
		Worker:   worker,
		Monitor:  attendance.NewMonitor(q, cfg.QueueAlarmThreshold, m, logger),
		Limiter:  httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		Gatherer: reg,
		Checks: map[string]func(context.Context) bool{
			"redis": redisClient.Healthy,
			"db":    db.Healthy,
		},
		Logger: logger,
	}, handler.Options{
		SigningKey:   cfg.JWTSigningKey,
		Issuer:       cfg.JWTIssuer,
		CronSecret:   cfg.CronSecret,
		CORSOrigins:  cfg.CORSOrigins,
		BatchSize:    cfg.DrainBatchSize,
		DrainTimeout: cfg.DrainTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(router, "rollcall-api"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.DrainTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.HTTPPort, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", "error", err)
	}

	logger.Info("server exited")
	return nil
}
