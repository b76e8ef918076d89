package services

import (
	"context"
	"time"

	"github.com/tonsurance/escrow-engine/internal/events"
	"github.com/tonsurance/escrow-engine/internal/metrics"
	"github.com/tonsurance/escrow-engine/internal/models"
	"github.com/tonsurance/escrow-engine/internal/repositories"
	"go.uber.org/zap"
)

// PayoutDispatcher drains the payout outbox: every instruction is published
// on events:payout, sent to the settlement webhook when one is configured,
// and then marked dispatched.
type PayoutDispatcher struct {
	store     repositories.PayoutStore
	publisher events.Publisher
	client    *SettlementClient // nil when no webhook is configured
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
}

func NewPayoutDispatcher(
	store repositories.PayoutStore,
	publisher events.Publisher,
	client *SettlementClient,
	m *metrics.Metrics,
	log *zap.Logger,
) *PayoutDispatcher {
	return &PayoutDispatcher{
		store:     store,
		publisher: publisher,
		client:    client,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

func (d *PayoutDispatcher) Dispatch(ctx context.Context, p models.PayoutInstruction) error {
	if err := d.publisher.Publish(ctx, events.ChannelPayout, events.PayoutEvent(p)); err != nil {
		d.metrics.PayoutDispatched(false)
		return err
	}
	if d.client != nil {
		if err := d.client.Send(ctx, p); err != nil {
			d.metrics.PayoutDispatched(false)
			return err
		}
	}
	if err := d.store.MarkPayoutDispatched(ctx, p.ID, d.now()); err != nil {
		d.metrics.PayoutDispatched(false)
		return err
	}
	d.metrics.PayoutDispatched(true)
	return nil
}

// DispatchPending retries undispatched instructions, oldest first. It stops
// at the first failure so instructions keep their order.
func (d *PayoutDispatcher) DispatchPending(ctx context.Context, limit int) (int, error) {
	pending, err := d.store.ListUndispatchedPayouts(ctx, limit)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, p := range pending {
		if err := d.Dispatch(ctx, p); err != nil {
			d.log.Warn("payout dispatch failed",
				zap.String("payout_id", p.ID.String()),
				zap.String("escrow_id", p.EscrowID.String()),
				zap.Error(err),
			)
			return sent, err
		}
		sent++
	}
	return sent, nil
}
