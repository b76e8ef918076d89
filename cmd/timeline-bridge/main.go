package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/db"
	"github.com/tonsurance/escrow-engine/internal/events"
	"go.uber.org/zap"
)

// Timeline bridge forwards every escrow timeline event published on Redis
// to the audit webhook.

const (
	forwardAttempts = 3
	forwardBackoff  = time.Second
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	if cfg.AuditWebhookURL == "" {
		log.Fatal("AUDIT_WEBHOOK_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, "timeline-bridge", log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	forwarder := events.NewWebhookForwarder(cfg.AuditWebhookURL, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	err = subscriber.Subscribe(ctx, events.ChannelTimeline, func(event events.Event) {
		forward(ctx, forwarder, event, log)
	})
	if err != nil {
		log.Fatal("failed to subscribe", zap.String("channel", events.ChannelTimeline), zap.Error(err))
	}

	log.Info("timeline-bridge started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down timeline-bridge")
	cancel()
}

func forward(ctx context.Context, f *events.WebhookForwarder, event events.Event, log *zap.Logger) {
	for attempt := 1; attempt <= forwardAttempts; attempt++ {
		err := f.Forward(ctx, event)
		if err == nil {
			return
		}
		log.Warn("failed to forward timeline event",
			zap.Int("attempt", attempt),
			zap.Any("escrow_id", event.Payload["escrow_id"]),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(forwardBackoff * time.Duration(attempt)):
		}
	}
}
