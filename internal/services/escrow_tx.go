package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tonsurance/escrow-engine/internal/allocation"
	"github.com/tonsurance/escrow-engine/internal/apperr"
	"github.com/tonsurance/escrow-engine/internal/conditions"
	"github.com/tonsurance/escrow-engine/internal/events"
	"github.com/tonsurance/escrow-engine/internal/models"
	"github.com/tonsurance/escrow-engine/internal/repositories"
	"go.uber.org/zap"
)

const maxCommitAttempts = 5

// escrowTx is one compare-and-swap attempt: the aggregate as loaded, the
// commit being assembled from it, and the transitions made so far.
type escrowTx struct {
	agg    *models.EscrowAggregate
	commit *repositories.Commit
	actor  string
	now    time.Time

	transitions [][2]string
	// duplicateCode is reported when the store rejects the commit as a duplicate.
	duplicateCode string
}

func newEscrowTx(agg *models.EscrowAggregate, actor string, now time.Time) *escrowTx {
	return &escrowTx{
		agg:           agg,
		commit:        &repositories.Commit{Escrow: &agg.Escrow},
		actor:         actor,
		now:           now,
		duplicateCode: "duplicate",
	}
}

func (tx *escrowTx) escrow() *models.Escrow {
	return &tx.agg.Escrow
}

func (tx *escrowTx) emit(eventType string, data map[string]any) {
	ev := models.TimelineEvent{
		EscrowID:  tx.agg.Escrow.ID,
		EventType: eventType,
		Actor:     tx.actor,
		Data:      data,
		CreatedAt: tx.now,
	}
	if tx.agg.Dispute != nil {
		id := tx.agg.Dispute.Dispute.ID
		ev.DisputeID = &id
	}
	tx.commit.Emit(ev)
	tx.agg.Escrow.UpdatedAt = tx.now
}

// transition moves the escrow to status `to`, rejecting moves the state
// machine does not allow.
func (tx *escrowTx) transition(to string) error {
	e := tx.escrow()
	if !models.IsValidTransition(e.Status, to) {
		return apperr.Conflict("invalid_status", "escrow %s cannot move from %s to %s", e.ID, e.Status, to)
	}
	from := e.Status
	e.Status = to
	if models.IsTerminalStatus(to) {
		t := tx.now
		e.ClosedAt = &t
	}
	tx.transitions = append(tx.transitions, [2]string{from, to})
	tx.emit(models.TimelineStatusChanged, map[string]any{"from": from, "to": to})
	return nil
}

// requireOpen rejects operations on escrows that are disputed or closed.
func (tx *escrowTx) requireOpen() error {
	e := tx.escrow()
	if e.Status != models.EscrowStatusActive && e.Status != models.EscrowStatusConditionsMet {
		return apperr.Conflict("invalid_status", "escrow %s is %s", e.ID, e.Status)
	}
	return nil
}

func (tx *escrowTx) payout(reason string, legs []models.PayoutLeg) {
	p := models.PayoutInstruction{
		ID:        uuid.New(),
		EscrowID:  tx.agg.Escrow.ID,
		Reason:    reason,
		Legs:      legs,
		CreatedAt: tx.now,
	}
	tx.commit.Payouts = append(tx.commit.Payouts, p)
	tx.emit(models.TimelinePayoutEmitted, map[string]any{
		"payout_id": p.ID.String(),
		"reason":    reason,
		"legs":      len(legs),
		"total":     p.Total(),
	})
}

// release closes a conditions_met escrow, paying allocations and the payee.
func (tx *escrowTx) release() error {
	e := tx.escrow()
	if err := tx.transition(models.EscrowStatusReleased); err != nil {
		return err
	}
	t := tx.now
	e.ReleasedAt = &t
	tx.emit(models.TimelineReleased, map[string]any{"amount": e.Amount, "asset": e.Asset})
	tx.payout(models.PayoutReasonRelease, allocation.ReleaseLegs(e.Amount, e.Asset, e.Payee, tx.agg.Allocations))
	return nil
}

// advance recounts the conditions and fires the automatic transitions:
// active to conditions_met once all are met, then auto release.
func (tx *escrowTx) advance() error {
	e := tx.escrow()
	if e.Status != models.EscrowStatusActive && e.Status != models.EscrowStatusConditionsMet {
		return nil
	}

	met, newlyMet := conditions.Recount(tx.agg.Conditions, tx.now)
	for _, c := range newlyMet {
		tx.commit.TouchCondition(c)
		tx.emit(models.TimelineConditionMet, map[string]any{
			"condition_id": c.ID.String(),
			"index":        c.Index,
			"kind":         c.Kind(),
		})
	}
	if met != e.ConditionsMet {
		e.ConditionsMet = met
		e.UpdatedAt = tx.now
	}

	if e.Status == models.EscrowStatusActive && e.ConditionsMet == e.TotalConditions {
		if err := tx.transition(models.EscrowStatusConditionsMet); err != nil {
			return err
		}
	}
	if e.Status == models.EscrowStatusConditionsMet && e.AutoRelease {
		return tx.release()
	}
	return nil
}

// mutate runs fn against a freshly loaded escrow and commits the result
// under the escrow version check. On a version conflict the escrow is
// reloaded and fn runs again, so fn must derive everything from tx.
func (s *EscrowService) mutate(ctx context.Context, escrowID uuid.UUID, actor string, fn func(tx *escrowTx) error) (*models.EscrowAggregate, error) {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		agg, err := s.store.GetEscrow(ctx, escrowID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, apperr.NotFound("escrow_not_found", "escrow %s not found", escrowID)
			}
			return nil, apperr.Fatal("storage_error", err)
		}

		tx := newEscrowTx(agg, actor, s.now())
		if err := fn(tx); err != nil {
			return nil, err
		}
		if tx.commit.Empty() {
			return agg, nil
		}

		err = s.store.CommitEscrow(ctx, tx.commit)
		switch {
		case err == nil:
			s.afterCommit(ctx, tx)
			return agg, nil
		case errors.Is(err, repositories.ErrVersionConflict):
			s.metrics.VersionConflict()
			s.log.Debug("escrow version conflict, retrying",
				zap.String("escrow_id", escrowID.String()),
				zap.Int("attempt", attempt+1),
			)
			continue
		case errors.Is(err, repositories.ErrDuplicate):
			return nil, apperr.Conflict(tx.duplicateCode, "%v", err)
		default:
			return nil, apperr.Fatal("storage_error", err)
		}
	}
	return nil, apperr.Conflict("concurrent_update", "escrow %s kept changing, retry later", escrowID)
}

// afterCommit publishes what a successful commit produced. Failures here
// never undo the commit: timeline rows are already stored and payouts stay
// in the outbox until dispatched.
func (s *EscrowService) afterCommit(ctx context.Context, tx *escrowTx) {
	for _, t := range tx.transitions {
		s.metrics.Transition(t[0], t[1])
	}
	for _, ev := range tx.commit.Timeline {
		if err := s.publisher.Publish(ctx, events.ChannelTimeline, events.TimelineEvent(ev)); err != nil {
			s.log.Warn("failed to publish timeline event",
				zap.String("escrow_id", ev.EscrowID.String()),
				zap.String("event_type", ev.EventType),
				zap.Error(err),
			)
		}
	}
	for _, p := range tx.commit.Payouts {
		s.metrics.PayoutEmitted(p.Reason)
		if s.payouts == nil {
			continue
		}
		if err := s.payouts.Dispatch(ctx, p); err != nil {
			s.log.Warn("payout left in outbox",
				zap.String("payout_id", p.ID.String()),
				zap.String("escrow_id", p.EscrowID.String()),
				zap.Error(err),
			)
		}
	}
}
