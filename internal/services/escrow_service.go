package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tonsurance/escrow-engine/internal/allocation"
	"github.com/tonsurance/escrow-engine/internal/apperr"
	"github.com/tonsurance/escrow-engine/internal/conditions"
	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/events"
	"github.com/tonsurance/escrow-engine/internal/metrics"
	"github.com/tonsurance/escrow-engine/internal/models"
	"github.com/tonsurance/escrow-engine/internal/repositories"
	"go.uber.org/zap"
)

const recentEventsLimit = 50

// EscrowService is the orchestrator for escrow lifecycle operations. Every
// state change goes through mutate, which serialises writers per escrow via
// the version check.
type EscrowService struct {
	store     repositories.Store
	publisher events.Publisher
	payouts   *PayoutDispatcher
	metrics   *metrics.Metrics
	cfg       *config.Config
	log       *zap.Logger
	now       func() time.Time
}

func NewEscrowService(
	store repositories.Store,
	publisher events.Publisher,
	payouts *PayoutDispatcher,
	m *metrics.Metrics,
	cfg *config.Config,
	log *zap.Logger,
) *EscrowService {
	return &EscrowService{
		store:     store,
		publisher: publisher,
		payouts:   payouts,
		metrics:   m,
		cfg:       cfg,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc replaces the clock. Tests only.
func (s *EscrowService) SetNowFunc(now func() time.Time) {
	s.now = now
}

type AllocationInput struct {
	Party      string
	Percentage decimal.Decimal
}

type CreateEscrowInput struct {
	Payer                  string
	Payee                  string
	Amount                 int64
	Asset                  string
	EscrowType             string
	Conditions             []models.ConditionSpec
	TimeoutAt              time.Time
	TimeoutAction          string
	TimeoutSplitPercentage *int
	AutoRelease            *bool // nil = type policy default
	Protection             *models.Protection
	Allocations            []AllocationInput
}

func (in *CreateEscrowInput) validate(now time.Time) error {
	if in.Payer == "" || in.Payee == "" {
		return apperr.Validation("invalid_party", "payer and payee are required")
	}
	if in.Payer == in.Payee {
		return apperr.Validation("invalid_party", "payer and payee must differ")
	}
	if in.Amount <= 0 {
		return apperr.Validation("invalid_amount", "amount must be positive")
	}
	if in.Asset == "" {
		return apperr.Validation("invalid_asset", "asset is required")
	}
	if !models.IsValidEscrowType(in.EscrowType) {
		return apperr.Validation("invalid_escrow_type", "unknown escrow type %q", in.EscrowType)
	}
	if len(in.Conditions) == 0 {
		return apperr.Validation("invalid_condition", "at least one release condition is required")
	}
	if !in.TimeoutAt.After(now) {
		return apperr.Validation("invalid_timeout", "timeout must be in the future")
	}
	if !models.IsValidTimeoutAction(in.TimeoutAction) {
		return apperr.Validation("invalid_timeout", "unknown timeout action %q", in.TimeoutAction)
	}
	if in.TimeoutAction == models.TimeoutSplit {
		if in.TimeoutSplitPercentage == nil {
			return apperr.Validation("invalid_timeout", "split timeout requires timeout_split_percentage")
		}
		if p := *in.TimeoutSplitPercentage; p < 0 || p > 100 {
			return apperr.Validation("invalid_timeout", "timeout_split_percentage %d is outside [0,100]", p)
		}
	} else if in.TimeoutSplitPercentage != nil {
		return apperr.Validation("invalid_timeout", "timeout_split_percentage is only allowed with the split action")
	}
	if p := in.Protection; p != nil {
		if p.PolicyID == "" {
			return apperr.Validation("invalid_protection", "protection policy_id is required")
		}
		if p.PremiumPaid < 0 {
			return apperr.Validation("invalid_protection", "premium_paid must not be negative")
		}
		if !models.IsValidCoverageScope(p.CoverageScope) {
			return apperr.Validation("invalid_protection", "unknown coverage scope %q", p.CoverageScope)
		}
	}
	for _, spec := range in.Conditions {
		if err := conditions.Validate(spec, now); err != nil {
			return err
		}
	}
	return nil
}

// CreateEscrow registers a funded escrow in status active. Conditions that
// already hold (a zero-wait time condition, say) are evaluated immediately.
func (s *EscrowService) CreateEscrow(ctx context.Context, actor string, in CreateEscrowInput) (*models.EscrowAggregate, error) {
	now := s.now()
	if err := in.validate(now); err != nil {
		return nil, err
	}

	autoRelease := models.DefaultAutoRelease[in.EscrowType]
	if in.AutoRelease != nil {
		autoRelease = *in.AutoRelease
	}

	e := models.Escrow{
		ID:                     uuid.New(),
		Payer:                  in.Payer,
		Payee:                  in.Payee,
		Amount:                 in.Amount,
		Asset:                  in.Asset,
		EscrowType:             in.EscrowType,
		Status:                 models.EscrowStatusActive,
		TotalConditions:        len(in.Conditions),
		TimeoutAt:              in.TimeoutAt.UTC(),
		TimeoutAction:          in.TimeoutAction,
		TimeoutSplitPercentage: in.TimeoutSplitPercentage,
		AutoRelease:            autoRelease,
		Protection:             in.Protection,
		CancelRequestedBy:      []string{},
		CreatedAt:              now,
		FundedAt:               now,
		UpdatedAt:              now,
	}
	agg := &models.EscrowAggregate{Escrow: e}

	for i, spec := range in.Conditions {
		if te, ok := spec.(*models.TimeElapsedCondition); ok && te.StartTime.IsZero() {
			te.StartTime = now
		}
		if ms, ok := spec.(*models.MultisigCondition); ok && ms.SignaturesReceived == nil {
			ms.SignaturesReceived = map[string]string{}
		}
		agg.Conditions = append(agg.Conditions, models.ReleaseCondition{
			ID:        uuid.New(),
			EscrowID:  e.ID,
			Index:     i,
			Spec:      spec,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	for _, a := range in.Allocations {
		agg.Allocations = append(agg.Allocations, models.PartyAllocation{
			ID:           uuid.New(),
			EscrowID:     e.ID,
			PartyAddress: a.Party,
			Percentage:   a.Percentage,
			CreatedAt:    now,
		})
	}
	if err := allocation.Validate(agg.Allocations); err != nil {
		return nil, err
	}

	tx := newEscrowTx(agg, actor, now)
	tx.emit(models.TimelineEscrowCreated, map[string]any{
		"payer":            e.Payer,
		"payee":            e.Payee,
		"amount":           e.Amount,
		"asset":            e.Asset,
		"escrow_type":      e.EscrowType,
		"total_conditions": e.TotalConditions,
		"timeout_at":       e.TimeoutAt,
		"timeout_action":   e.TimeoutAction,
	})
	for _, a := range agg.Allocations {
		tx.emit(models.TimelineAllocationAdded, map[string]any{
			"party":      a.PartyAddress,
			"percentage": a.Percentage.String(),
		})
	}
	if err := tx.advance(); err != nil {
		return nil, err
	}
	tx.commit.Conditions = agg.Conditions
	tx.commit.Allocations = agg.Allocations

	if err := s.store.CreateEscrow(ctx, tx.commit); err != nil {
		return nil, apperr.Fatal("storage_error", err)
	}
	s.afterCommit(ctx, tx)

	s.log.Info("escrow created",
		zap.String("escrow_id", e.ID.String()),
		zap.String("escrow_type", e.EscrowType),
		zap.Int64("amount", e.Amount),
		zap.Int("conditions", e.TotalConditions),
	)
	return agg, nil
}

// conditionTarget resolves the escrow owning a condition.
func (s *EscrowService) conditionTarget(ctx context.Context, conditionID uuid.UUID) (uuid.UUID, error) {
	id, err := s.store.FindEscrowByCondition(ctx, conditionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return uuid.Nil, apperr.NotFound("condition_not_found", "condition %s not found", conditionID)
		}
		return uuid.Nil, apperr.Fatal("storage_error", err)
	}
	return id, nil
}

// applyToCondition runs apply on one condition of an open escrow and then
// advances the escrow. apply returns nil data when the change is not worth
// a timeline event.
func (s *EscrowService) applyToCondition(
	ctx context.Context,
	conditionID uuid.UUID,
	actor string,
	eventType string,
	apply func(tx *escrowTx, cond *models.ReleaseCondition) (bool, map[string]any, error),
) (*models.EscrowAggregate, error) {
	escrowID, err := s.conditionTarget(ctx, conditionID)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, escrowID, actor, func(tx *escrowTx) error {
		if err := tx.requireOpen(); err != nil {
			return err
		}
		cond := tx.agg.ConditionByID(conditionID)
		if cond == nil {
			return apperr.NotFound("condition_not_found", "condition %s not found", conditionID)
		}
		changed, data, err := apply(tx, cond)
		if err != nil || !changed {
			return err
		}
		tx.commit.TouchCondition(cond)
		if data != nil {
			data["condition_id"] = cond.ID.String()
			data["index"] = cond.Index
			tx.emit(eventType, data)
		}
		return tx.advance()
	})
}

// SubmitOracleFact records an oracle observation for a condition.
func (s *EscrowService) SubmitOracleFact(ctx context.Context, conditionID uuid.UUID, observed string, observedAt time.Time) (*models.EscrowAggregate, error) {
	return s.applyToCondition(ctx, conditionID, models.ActorSystem, models.TimelineConditionUpdated,
		func(tx *escrowTx, cond *models.ReleaseCondition) (bool, map[string]any, error) {
			at := observedAt
			if at.IsZero() {
				at = tx.now
			}
			oc, _ := cond.Spec.(*models.OracleCondition)
			var prevObserved *string
			wasVerified := false
			if oc != nil {
				prevObserved, wasVerified = oc.LastObservedValue, oc.Verified
			}
			changed, err := conditions.ApplyOracleFact(cond, observed, at.UTC())
			if err != nil || !changed {
				return false, nil, err
			}
			// repeated identical observations only refresh last_checked_at
			if oc.Verified == wasVerified && prevObserved != nil && *prevObserved == observed {
				return true, nil, nil
			}
			return true, map[string]any{"source": "oracle", "observed": observed, "verified": oc.Verified}, nil
		})
}

// SubmitChainEvent records a chain watcher report for a condition. A
// non-empty chain must match the chain the condition watches.
func (s *EscrowService) SubmitChainEvent(ctx context.Context, conditionID uuid.UUID, chain string, occurred bool, verifiedAt time.Time, txRef string) (*models.EscrowAggregate, error) {
	return s.applyToCondition(ctx, conditionID, models.ActorSystem, models.TimelineConditionUpdated,
		func(tx *escrowTx, cond *models.ReleaseCondition) (bool, map[string]any, error) {
			if ce, ok := cond.Spec.(*models.ChainEventCondition); ok && chain != "" && !strings.EqualFold(ce.Chain, chain) {
				return false, nil, apperr.Validation("chain_mismatch", "condition %d watches %s, not %s", cond.Index, ce.Chain, chain)
			}
			at := verifiedAt
			if at.IsZero() {
				at = tx.now
			}
			changed, err := conditions.ApplyChainEvent(cond, occurred, at.UTC(), txRef)
			if err != nil || !changed {
				return false, nil, err
			}
			return true, map[string]any{"source": "chain", "occurred": true, "tx_ref": txRef}, nil
		})
}

func (s *EscrowService) SubmitApproval(ctx context.Context, conditionID uuid.UUID, approver, signature string) (*models.EscrowAggregate, error) {
	return s.applyToCondition(ctx, conditionID, approver, models.TimelineApprovalSubmitted,
		func(tx *escrowTx, cond *models.ReleaseCondition) (bool, map[string]any, error) {
			changed, err := conditions.ApplyApproval(cond, approver, signature, tx.now)
			return changed, map[string]any{"approver": approver}, err
		})
}

func (s *EscrowService) SubmitSignature(ctx context.Context, conditionID uuid.UUID, signer, signature string) (*models.EscrowAggregate, error) {
	return s.applyToCondition(ctx, conditionID, signer, models.TimelineSignatureSubmitted,
		func(tx *escrowTx, cond *models.ReleaseCondition) (bool, map[string]any, error) {
			changed, err := conditions.ApplySignature(cond, signer, signature, tx.now)
			if err != nil || !changed {
				return false, nil, err
			}
			ms := cond.Spec.(*models.MultisigCondition)
			return true, map[string]any{
				"signer":     signer,
				"signatures": len(ms.SignaturesReceived),
				"required":   ms.RequiredSignatures,
			}, nil
		})
}

// AddAllocation adds a party share. Only the payer (or an admin) may do it,
// and only while the escrow is open.
func (s *EscrowService) AddAllocation(ctx context.Context, escrowID uuid.UUID, actor, party string, pct decimal.Decimal) (*models.EscrowAggregate, error) {
	return s.mutate(ctx, escrowID, actor, func(tx *escrowTx) error {
		e := tx.escrow()
		if actor != e.Payer && !s.cfg.IsAdmin(actor) {
			return apperr.Forbidden("not_payer", "only the payer may add allocations")
		}
		if err := tx.requireOpen(); err != nil {
			return err
		}
		if err := allocation.ValidateAddition(tx.agg.Allocations, party, pct); err != nil {
			return err
		}
		a := models.PartyAllocation{
			ID:           uuid.New(),
			EscrowID:     e.ID,
			PartyAddress: party,
			Percentage:   pct,
			CreatedAt:    tx.now,
		}
		tx.agg.Allocations = append(tx.agg.Allocations, a)
		tx.commit.TouchAllocation(&a)
		tx.duplicateCode = "duplicate_allocation"
		tx.emit(models.TimelineAllocationAdded, map[string]any{
			"party":      party,
			"percentage": pct.String(),
			"total":      allocation.Total(tx.agg.Allocations).String(),
		})
		return nil
	})
}

// CheckAndAdvance re-evaluates the conditions of an escrow, firing any
// transition that became due (time conditions need no external trigger).
func (s *EscrowService) CheckAndAdvance(ctx context.Context, escrowID uuid.UUID) (*models.EscrowAggregate, error) {
	return s.mutate(ctx, escrowID, models.ActorSystem, func(tx *escrowTx) error {
		return tx.advance()
	})
}

// Release pays out an escrow whose conditions are all met.
func (s *EscrowService) Release(ctx context.Context, escrowID uuid.UUID, actor string) (*models.EscrowAggregate, error) {
	return s.mutate(ctx, escrowID, actor, func(tx *escrowTx) error {
		e := tx.escrow()
		if actor != e.Payer && !s.cfg.IsAdmin(actor) {
			return apperr.Forbidden("not_payer", "only the payer may release funds")
		}
		if e.Status != models.EscrowStatusConditionsMet {
			return apperr.Conflict("invalid_status", "escrow %s is %s, release needs conditions_met", e.ID, e.Status)
		}
		return tx.release()
	})
}

// RequestCancel records a cancel request by the payer or payee. The escrow is
// cancelled, funds back to the payer, once both have asked.
func (s *EscrowService) RequestCancel(ctx context.Context, escrowID uuid.UUID, actor string) (*models.EscrowAggregate, error) {
	return s.mutate(ctx, escrowID, actor, func(tx *escrowTx) error {
		e := tx.escrow()
		if !e.IsPrincipal(actor) {
			return apperr.Forbidden("not_a_principal", "only the payer or payee may cancel")
		}
		if err := tx.requireOpen(); err != nil {
			return err
		}
		for _, a := range tx.agg.Allocations {
			if a.IsPaid() {
				return apperr.Conflict("already_paid", "party %s has already been paid", a.PartyAddress)
			}
		}
		if e.HasCancelRequest(actor) {
			return nil
		}
		e.CancelRequestedBy = append(e.CancelRequestedBy, actor)
		tx.emit(models.TimelineCancelRequested, map[string]any{"requested_by": actor})

		if !e.HasCancelRequest(e.Payer) || !e.HasCancelRequest(e.Payee) {
			return nil
		}
		if err := tx.transition(models.EscrowStatusCancelled); err != nil {
			return err
		}
		tx.emit(models.TimelineCancelled, map[string]any{"refund": e.Amount})
		tx.payout(models.PayoutReasonCancel, allocation.SplitLegs(e.Amount, e.Asset, e.Payer, e.Payee, 100))
		return nil
	})
}

// ConfirmSettlement records that the settlement layer paid a party. It is
// bookkeeping only and never changes the escrow status.
func (s *EscrowService) ConfirmSettlement(ctx context.Context, actor string, conf models.SettlementConfirmation) (*models.EscrowAggregate, error) {
	if conf.Party == "" || conf.Amount <= 0 {
		return nil, apperr.Validation("invalid_settlement", "party and a positive amount are required")
	}
	return s.mutate(ctx, conf.EscrowID, actor, func(tx *escrowTx) error {
		e := tx.escrow()
		if !e.IsTerminal() {
			return apperr.Conflict("invalid_status", "escrow %s is %s and has no payout yet", e.ID, e.Status)
		}
		if !tx.agg.IsParty(conf.Party) {
			return apperr.Validation("unknown_party", "%s is not a party of escrow %s", conf.Party, e.ID)
		}
		paidAt := conf.PaidAt
		if paidAt.IsZero() {
			paidAt = tx.now
		}
		if a := tx.agg.Allocation(conf.Party); a != nil {
			if a.IsPaid() && a.PaidAmount != nil && *a.PaidAmount == conf.Amount {
				return nil
			}
			amount := conf.Amount
			a.PaidAmount = &amount
			a.PaidAt = &paidAt
			tx.commit.TouchAllocation(a)
		}
		tx.emit(models.TimelineSettlementConfirmed, map[string]any{
			"party":   conf.Party,
			"amount":  conf.Amount,
			"tx_ref":  conf.TxRef,
			"paid_at": paidAt,
		})
		return nil
	})
}

func (s *EscrowService) GetSummary(ctx context.Context, escrowID uuid.UUID) (*models.EscrowSummary, error) {
	agg, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, apperr.NotFound("escrow_not_found", "escrow %s not found", escrowID)
		}
		return nil, apperr.Fatal("storage_error", err)
	}
	timeline, err := s.store.ListTimeline(ctx, escrowID, recentEventsLimit, 0)
	if err != nil {
		return nil, apperr.Fatal("storage_error", err)
	}
	payouts, err := s.store.ListPayouts(ctx, escrowID)
	if err != nil {
		return nil, apperr.Fatal("storage_error", err)
	}
	summary := &models.EscrowSummary{
		Escrow:       agg.Escrow,
		Conditions:   agg.Conditions,
		Allocations:  agg.Allocations,
		Dispute:      agg.Dispute,
		RecentEvents: timeline,
		Payouts:      payouts,
	}
	now := s.now()
	for i := range agg.Conditions {
		if conditions.IsFailed(&agg.Conditions[i], now) {
			summary.FailedConditions = append(summary.FailedConditions, agg.Conditions[i].ID)
		}
	}
	return summary, nil
}

func (s *EscrowService) ListTimeline(ctx context.Context, escrowID uuid.UUID, limit, offset int) ([]models.TimelineEvent, error) {
	if _, err := s.store.GetEscrow(ctx, escrowID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, apperr.NotFound("escrow_not_found", "escrow %s not found", escrowID)
		}
		return nil, apperr.Fatal("storage_error", err)
	}
	timeline, err := s.store.ListTimeline(ctx, escrowID, limit, offset)
	if err != nil {
		return nil, apperr.Fatal("storage_error", err)
	}
	return timeline, nil
}
