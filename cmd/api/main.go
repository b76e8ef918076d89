package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tonsurance/escrow-engine/internal/auth"
	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/db"
	"github.com/tonsurance/escrow-engine/internal/engine"
	"github.com/tonsurance/escrow-engine/internal/events"
	apphttp "github.com/tonsurance/escrow-engine/internal/http"
	"github.com/tonsurance/escrow-engine/internal/http/handlers"
	"github.com/tonsurance/escrow-engine/internal/jobs"
	"github.com/tonsurance/escrow-engine/internal/metrics"
	"github.com/tonsurance/escrow-engine/internal/oracle"
	"github.com/tonsurance/escrow-engine/internal/scheduler"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := engine.OpenStore(ctx, cfg, true, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, "api", log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	eng := engine.New(cfg, store, publisher, m, log)

	// Jobs run on demand through the admin API. With the in-memory store no
	// worker shares our state, so they also run on schedule here.
	runner := scheduler.NewRunner(m, log)
	if err := jobs.Register(runner, jobs.Deps{
		Timeouts: eng.Timeouts,
		Disputes: eng.Disputes,
		Payouts:  eng.Payouts,
		Oracle: oracle.NewPoller(store, oracle.NewFetcher(cfg.OracleFetchTimeout, cfg.OracleMaxRetries, log),
			eng.Escrows, m, cfg.TimeoutScanBatch, cfg.ScanConcurrency, log),
	}, cfg); err != nil {
		log.Fatal("failed to register jobs", zap.Error(err))
	}
	if cfg.StoreBackend == config.StoreBackendMemory {
		if err := runner.Start(ctx); err != nil {
			log.Fatal("failed to start scheduler", zap.Error(err))
		}
		defer runner.Stop()
	}

	// Handlers
	wsHub := handlers.NewWSHub(cfg, subscriber, eng.Escrows, log)
	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to subscribe to timeline events", zap.Error(err))
	}

	h := apphttp.Handlers{
		Auth:    handlers.NewAuthHandler(auth.NewRedisNonceStore(rdb, cfg.TONProofPayloadTTL), eng.Disputes, cfg, log),
		Escrow:  handlers.NewEscrowHandler(eng.Escrows, log),
		Dispute: handlers.NewDisputeHandler(eng.Disputes, eng.Escrows, log),
		Admin:   handlers.NewAdminHandler(runner, log),
		WS:      wsHub,
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, reg, h)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr), zap.String("store", cfg.StoreBackend))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
