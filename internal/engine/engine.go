// Package engine wires the escrow services for the binaries.
package engine

import (
	"context"
	"fmt"

	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/db"
	"github.com/tonsurance/escrow-engine/internal/events"
	"github.com/tonsurance/escrow-engine/internal/metrics"
	"github.com/tonsurance/escrow-engine/internal/repositories"
	"github.com/tonsurance/escrow-engine/internal/services"
	"go.uber.org/zap"
)

type Engine struct {
	Store    repositories.Store
	Escrows  *services.EscrowService
	Disputes *services.DisputeService
	Timeouts *services.TimeoutService
	Payouts  *services.PayoutDispatcher
}

func New(cfg *config.Config, store repositories.Store, publisher events.Publisher, m *metrics.Metrics, log *zap.Logger) *Engine {
	var settlement *services.SettlementClient
	if cfg.SettlementWebhookURL != "" {
		settlement = services.NewSettlementClient(cfg.SettlementWebhookURL, log)
	}
	payouts := services.NewPayoutDispatcher(store, publisher, settlement, m, log)
	escrows := services.NewEscrowService(store, publisher, payouts, m, cfg, log)
	return &Engine{
		Store:    store,
		Escrows:  escrows,
		Disputes: services.NewDisputeService(escrows, store, cfg, log),
		Timeouts: services.NewTimeoutService(escrows, store, cfg, log),
		Payouts:  payouts,
	}
}

// OpenStore returns the configured store and a func releasing it. With
// migrate set, pending SQL migrations are applied first.
func OpenStore(ctx context.Context, cfg *config.Config, migrate bool, log *zap.Logger) (repositories.Store, func(), error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		return repositories.NewMemoryStore(), func() {}, nil
	}

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if migrate {
		if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return repositories.NewPGStore(pool), pool.Close, nil
}
