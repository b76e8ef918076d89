package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tonsurance/escrow-engine/internal/chainwatch"
	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/db"
	"github.com/tonsurance/escrow-engine/internal/engine"
	"github.com/tonsurance/escrow-engine/internal/events"
	"github.com/tonsurance/escrow-engine/internal/metrics"
	"github.com/xssnick/tonutils-go/address"
	"go.uber.org/zap"
)

const pollInterval = 5 * time.Second

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TONWatchAddress == "" {
		log.Fatal("TON_WATCH_ADDRESS is required")
	}
	if cfg.StoreBackend == config.StoreBackendMemory {
		log.Fatal("chain-watcher needs the postgres store")
	}

	watchAddr, err := address.ParseAddr(cfg.TONWatchAddress)
	if err != nil {
		log.Fatal("invalid TON_WATCH_ADDRESS", zap.String("addr", cfg.TONWatchAddress), zap.Error(err))
	}

	store, closeStore, err := engine.OpenStore(ctx, cfg, false, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, "chain-watcher", log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	eng := engine.New(cfg, store, events.NewRedisPublisher(rdb, log), m, log)

	tonAPI, err := chainwatch.Connect(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to TON network", zap.Error(err))
	}

	watcher := chainwatch.NewTONWatcher(tonAPI, watchAddr, chainwatch.NewRedisCursor(rdb, watchAddr.String()), eng.Escrows, m, log)
	if err := watcher.InitCursor(ctx); err != nil {
		log.Fatal("failed to initialize cursor", zap.Error(err))
	}

	log.Info("chain watcher started",
		zap.String("address", watchAddr.String()),
		zap.String("network", cfg.TONNetwork),
	)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			n, err := watcher.Poll(ctx)
			if err != nil {
				log.Error("poll cycle failed", zap.Error(err))
			} else if n > 0 {
				log.Info("poll cycle reported events", zap.Int("events", n))
			}
		case <-sigCh:
			log.Info("shutting down chain watcher")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}
