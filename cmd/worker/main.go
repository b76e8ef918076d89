package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/db"
	"github.com/tonsurance/escrow-engine/internal/engine"
	"github.com/tonsurance/escrow-engine/internal/events"
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

	if cfg.StoreBackend == config.StoreBackendMemory {
		log.Fatal("worker needs the postgres store, the API runs jobs itself with STORE_BACKEND=memory")
	}

	store, closeStore, err := engine.OpenStore(ctx, cfg, false, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, "worker", log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	publisher := events.NewRedisPublisher(rdb, log)
	eng := engine.New(cfg, store, publisher, m, log)
	fetcher := oracle.NewFetcher(cfg.OracleFetchTimeout, cfg.OracleMaxRetries, log)

	runner := scheduler.NewRunner(m, log)
	if err := jobs.Register(runner, jobs.Deps{
		Timeouts: eng.Timeouts,
		Disputes: eng.Disputes,
		Payouts:  eng.Payouts,
		Oracle:   oracle.NewPoller(store, fetcher, eng.Escrows, m, cfg.TimeoutScanBatch, cfg.ScanConcurrency, log),
	}, cfg); err != nil {
		log.Fatal("failed to register jobs", zap.Error(err))
	}
	if err := runner.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}

	// Health and metrics
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	go func() {
		addr := fmt.Sprintf(":%s", cfg.WorkerPort)
		if err := app.Listen(addr); err != nil {
			log.Error("worker http server stopped", zap.Error(err))
		}
	}()

	log.Info("worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down worker")
	cancel()
	runner.Stop()
	_ = app.Shutdown()
}
