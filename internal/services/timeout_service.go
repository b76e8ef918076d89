package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/tonsurance/escrow-engine/internal/allocation"
	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/models"
	"github.com/tonsurance/escrow-engine/internal/repositories"
	"go.uber.org/zap"
)

// TimeoutService applies timeout actions and sweeps time-based conditions.
type TimeoutService struct {
	escrows *EscrowService
	store   repositories.EscrowStore
	cfg     *config.Config
	log     *zap.Logger
}

func NewTimeoutService(escrows *EscrowService, store repositories.EscrowStore, cfg *config.Config, log *zap.Logger) *TimeoutService {
	return &TimeoutService{escrows: escrows, store: store, cfg: cfg, log: log}
}

// timeoutPayerPercentage is the payer's share for the escrow's timeout action.
func timeoutPayerPercentage(e *models.Escrow) int {
	switch e.TimeoutAction {
	case models.TimeoutReturnToPayer:
		return 100
	case models.TimeoutSplit:
		if e.TimeoutSplitPercentage != nil {
			return *e.TimeoutSplitPercentage
		}
	}
	return 0
}

// ApplyTimeout times out one escrow if it is still open and past its
// deadline. Disputed and closed escrows are left alone, so re-applying is a
// no-op. It reports whether the escrow was timed out.
func (s *TimeoutService) ApplyTimeout(ctx context.Context, escrowID uuid.UUID) (bool, error) {
	applied := false
	_, err := s.escrows.mutate(ctx, escrowID, models.ActorSystem, func(tx *escrowTx) error {
		applied = false
		e := tx.escrow()
		if e.Status != models.EscrowStatusActive && e.Status != models.EscrowStatusConditionsMet {
			return nil
		}
		if tx.now.Before(e.TimeoutAt) {
			return nil
		}
		payerPct := timeoutPayerPercentage(e)
		if err := tx.transition(models.EscrowStatusTimedOut); err != nil {
			return err
		}
		tx.emit(models.TimelineTimedOut, map[string]any{
			"timeout_action":            e.TimeoutAction,
			"payer_receives_percentage": payerPct,
			"timeout_at":                e.TimeoutAt,
		})
		tx.payout(models.PayoutReasonTimeout, allocation.SplitLegs(e.Amount, e.Asset, e.Payer, e.Payee, payerPct))
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.log.Info("escrow timed out", zap.String("escrow_id", escrowID.String()))
	}
	return applied, nil
}

// ScanTimeouts applies timeouts to every due escrow, a batch at a time.
func (s *TimeoutService) ScanTimeouts(ctx context.Context) (int, error) {
	ids, err := s.store.ListDueForTimeout(ctx, s.escrows.now(), s.cfg.TimeoutScanBatch)
	if err != nil {
		return 0, err
	}
	return s.escrows.scan(ctx, "timeout", ids, s.ApplyTimeout)
}

// SweepTimeConditions re-evaluates active escrows whose time condition
// deadline has passed so they advance without waiting for another submission.
func (s *TimeoutService) SweepTimeConditions(ctx context.Context) (int, error) {
	ids, err := s.store.ListWithDueTimeConditions(ctx, s.escrows.now(), s.cfg.TimeoutScanBatch)
	if err != nil {
		return 0, err
	}
	return s.escrows.scan(ctx, "time_conditions", ids, func(ctx context.Context, id uuid.UUID) (bool, error) {
		before, err := s.store.GetEscrow(ctx, id)
		if err != nil {
			return false, err
		}
		after, err := s.escrows.CheckAndAdvance(ctx, id)
		if err != nil {
			return false, err
		}
		return after.Escrow.ConditionsMet != before.Escrow.ConditionsMet || after.Escrow.Status != before.Escrow.Status, nil
	})
}
