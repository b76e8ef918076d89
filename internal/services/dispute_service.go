package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/tonsurance/escrow-engine/internal/allocation"
	"github.com/tonsurance/escrow-engine/internal/apperr"
	"github.com/tonsurance/escrow-engine/internal/arbitration"
	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/models"
	"github.com/tonsurance/escrow-engine/internal/repositories"
	"go.uber.org/zap"
)

// Escalation reasons
const (
	EscalationDeadlock      = "deadlock"
	EscalationWindowElapsed = "window_elapsed"
)

const arbiterCandidateLimit = 500

// DisputeService runs the dispute sub-protocol: opening, evidence, arbiter
// assignment, voting, resolution and escalation. Dispute writes share the
// escrow's commit so the escrow and its dispute never disagree.
type DisputeService struct {
	escrows *EscrowService
	store   repositories.Store
	policy  arbitration.Policy
	cfg     *config.Config
	log     *zap.Logger
}

func NewDisputeService(escrows *EscrowService, store repositories.Store, cfg *config.Config, log *zap.Logger) *DisputeService {
	policy := arbitration.DefaultPolicy()
	policy.Quorum = cfg.ArbitrationQuorum
	return &DisputeService{
		escrows: escrows,
		store:   store,
		policy:  policy,
		cfg:     cfg,
		log:     log,
	}
}

// disputeTarget resolves the escrow of a dispute.
func (s *DisputeService) disputeTarget(ctx context.Context, disputeID uuid.UUID) (uuid.UUID, error) {
	id, err := s.store.FindEscrowByDispute(ctx, disputeID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return uuid.Nil, apperr.NotFound("dispute_not_found", "dispute %s not found", disputeID)
		}
		return uuid.Nil, apperr.Fatal("storage_error", err)
	}
	return id, nil
}

// mutateDispute is mutate scoped to one dispute: fn only runs when the
// escrow's current dispute is disputeID.
func (s *DisputeService) mutateDispute(ctx context.Context, disputeID uuid.UUID, actor string, fn func(tx *escrowTx, d *models.DisputeAggregate) error) (*models.DisputeAggregate, error) {
	escrowID, err := s.disputeTarget(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	agg, err := s.escrows.mutate(ctx, escrowID, actor, func(tx *escrowTx) error {
		d := tx.agg.Dispute
		if d == nil || d.Dispute.ID != disputeID {
			return apperr.NotFound("dispute_not_found", "dispute %s not found", disputeID)
		}
		return fn(tx, d)
	})
	if err != nil {
		return nil, err
	}
	return agg.Dispute, nil
}

// touchDispute stages the dispute row for the commit.
func touchDispute(tx *escrowTx, d *models.DisputeAggregate, isNew bool) {
	d.Dispute.UpdatedAt = tx.now
	tx.commit.SetDispute(&d.Dispute, isNew)
}

// OpenDispute freezes an open escrow. The payer, the payee and allocated
// parties may open one; only one may be active at a time.
func (s *DisputeService) OpenDispute(ctx context.Context, escrowID uuid.UUID, initiator, reason, description string) (*models.DisputeAggregate, error) {
	if !models.IsValidDisputeReason(reason) {
		return nil, apperr.Validation("invalid_reason", "unknown dispute reason %q", reason)
	}
	agg, err := s.escrows.mutate(ctx, escrowID, initiator, func(tx *escrowTx) error {
		if !tx.agg.IsParty(initiator) {
			return apperr.Forbidden("not_a_party", "%s is not a party of escrow %s", initiator, escrowID)
		}
		if tx.agg.Dispute != nil && tx.agg.Dispute.Dispute.IsActive() {
			return apperr.Conflict("dispute_already_active", "escrow %s already has dispute %s", escrowID, tx.agg.Dispute.Dispute.ID)
		}
		if err := tx.requireOpen(); err != nil {
			return err
		}

		d := &models.DisputeAggregate{Dispute: models.Dispute{
			ID:          uuid.New(),
			EscrowID:    escrowID,
			InitiatedBy: initiator,
			Reason:      reason,
			Description: description,
			Status:      models.DisputeStatusOpen,
			OpenedAt:    tx.now,
		}}
		tx.agg.Dispute = d
		id := d.Dispute.ID
		tx.escrow().DisputeID = &id
		touchDispute(tx, d, true)
		tx.duplicateCode = "dispute_already_active"

		if err := tx.transition(models.EscrowStatusDisputed); err != nil {
			return err
		}
		tx.emit(models.TimelineDisputeOpened, map[string]any{
			"dispute_id":   id.String(),
			"initiated_by": initiator,
			"reason":       reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.escrows.metrics.Dispute(models.DisputeStatusOpen)
	s.log.Info("dispute opened",
		zap.String("escrow_id", escrowID.String()),
		zap.String("dispute_id", agg.Dispute.Dispute.ID.String()),
		zap.String("reason", reason),
	)
	return agg.Dispute, nil
}

type EvidenceInput struct {
	EvidenceType string
	ContentHash  string
	ContentURI   *string
	Description  *string
}

// SubmitEvidence attaches evidence from a party while the dispute is active.
func (s *DisputeService) SubmitEvidence(ctx context.Context, disputeID uuid.UUID, submitter string, in EvidenceInput) (*models.Evidence, error) {
	if !models.IsValidEvidenceType(in.EvidenceType) {
		return nil, apperr.Validation("invalid_evidence", "unknown evidence type %q", in.EvidenceType)
	}
	if in.ContentHash == "" {
		return nil, apperr.Validation("invalid_evidence", "content_hash is required")
	}
	var evidenceID uuid.UUID
	d, err := s.mutateDispute(ctx, disputeID, submitter, func(tx *escrowTx, d *models.DisputeAggregate) error {
		if !tx.agg.IsParty(submitter) {
			return apperr.Forbidden("not_a_party", "%s is not a party of this escrow", submitter)
		}
		if !d.Dispute.IsActive() {
			return apperr.Conflict("dispute_closed", "dispute %s is %s", disputeID, d.Dispute.Status)
		}
		ev := models.Evidence{
			ID:           uuid.New(),
			DisputeID:    disputeID,
			SubmittedBy:  submitter,
			EvidenceType: in.EvidenceType,
			ContentHash:  in.ContentHash,
			ContentURI:   in.ContentURI,
			Description:  in.Description,
			SubmittedAt:  tx.now,
		}
		evidenceID = ev.ID
		d.Evidence = append(d.Evidence, ev)
		tx.commit.TouchEvidence(ev)
		touchDispute(tx, d, false)
		tx.emit(models.TimelineEvidenceSubmitted, map[string]any{
			"evidence_id":   ev.ID.String(),
			"evidence_type": ev.EvidenceType,
			"content_hash":  ev.ContentHash,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.EvidenceByID(evidenceID), nil
}

// VerifyEvidence marks evidence verified. Assigned arbiters and admins may verify.
func (s *DisputeService) VerifyEvidence(ctx context.Context, disputeID, evidenceID uuid.UUID, verifier string) (*models.Evidence, error) {
	d, err := s.mutateDispute(ctx, disputeID, verifier, func(tx *escrowTx, d *models.DisputeAggregate) error {
		if !d.IsAssigned(verifier) && !s.cfg.IsAdmin(verifier) {
			return apperr.Forbidden("not_assigned", "%s may not verify evidence on dispute %s", verifier, disputeID)
		}
		ev := d.EvidenceByID(evidenceID)
		if ev == nil {
			return apperr.NotFound("evidence_not_found", "evidence %s not found", evidenceID)
		}
		if ev.Verified {
			return nil
		}
		by := verifier
		ev.Verified = true
		ev.VerifiedBy = &by
		tx.commit.TouchEvidence(*ev)
		touchDispute(tx, d, false)
		tx.emit(models.TimelineEvidenceVerified, map[string]any{"evidence_id": evidenceID.String()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.EvidenceByID(evidenceID), nil
}

// AssignArbiters records arbiters on an active dispute and puts it under
// review. With no explicit addresses the top arbiters by reputation are
// chosen, excluding the escrow's parties.
func (s *DisputeService) AssignArbiters(ctx context.Context, disputeID uuid.UUID, actor string, addresses []string) (*models.DisputeAggregate, error) {
	var candidates []models.Arbiter
	var err error
	if len(addresses) > 0 {
		candidates, err = s.store.ListArbiters(ctx, repositories.ArbiterFilter{Addresses: addresses, Limit: len(addresses)})
		if err != nil {
			return nil, apperr.Fatal("storage_error", err)
		}
		if err := checkRequestedArbiters(addresses, candidates); err != nil {
			return nil, err
		}
	} else {
		candidates, err = s.store.ListArbiters(ctx, repositories.ArbiterFilter{ActiveOnly: true, Limit: arbiterCandidateLimit})
		if err != nil {
			return nil, apperr.Fatal("storage_error", err)
		}
	}

	var added []string
	d, err := s.mutateDispute(ctx, disputeID, actor, func(tx *escrowTx, d *models.DisputeAggregate) error {
		added = nil
		if !d.Dispute.IsActive() {
			return apperr.Conflict("dispute_closed", "dispute %s is %s", disputeID, d.Dispute.Status)
		}

		var picked []models.Arbiter
		if len(addresses) > 0 {
			for _, a := range candidates {
				if tx.agg.IsParty(a.Address) {
					return apperr.Validation("arbiter_is_party", "arbiter %s is a party of this escrow", a.Address)
				}
			}
			picked = candidates
		} else {
			exclude := []string{tx.agg.Escrow.Payer, tx.agg.Escrow.Payee}
			for _, a := range tx.agg.Allocations {
				exclude = append(exclude, a.PartyAddress)
			}
			for _, a := range d.Assignments {
				exclude = append(exclude, a.ArbiterAddress)
			}
			want := s.cfg.ArbitersPerDispute - len(d.Assignments)
			if want <= 0 {
				return nil
			}
			picked = arbitration.SelectArbiters(candidates, want, exclude...)
		}
		if len(picked) == 0 && len(d.Assignments) == 0 {
			return apperr.Conflict("no_arbiters_available", "no eligible arbiters for dispute %s", disputeID)
		}

		for _, a := range picked {
			if d.IsAssigned(a.Address) {
				continue
			}
			as := models.ArbiterAssignment{DisputeID: disputeID, ArbiterAddress: a.Address, AssignedAt: tx.now}
			d.Assignments = append(d.Assignments, as)
			tx.commit.Assignments = append(tx.commit.Assignments, as)
			added = append(added, a.Address)
			tx.emit(models.TimelineArbiterAssigned, map[string]any{
				"arbiter":    a.Address,
				"reputation": a.Reputation,
			})
		}
		if len(added) == 0 {
			return nil
		}
		if d.Dispute.Status == models.DisputeStatusOpen {
			d.Dispute.Status = models.DisputeStatusUnderReview
			t := tx.now
			d.Dispute.AssignedAt = &t
		}
		touchDispute(tx, d, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(added) > 0 {
		s.log.Info("arbiters assigned",
			zap.String("dispute_id", disputeID.String()),
			zap.Strings("arbiters", added),
		)
	}
	return d, nil
}

func checkRequestedArbiters(requested []string, found []models.Arbiter) error {
	byAddr := make(map[string]models.Arbiter, len(found))
	for _, a := range found {
		byAddr[a.Address] = a
	}
	seen := make(map[string]struct{}, len(requested))
	for _, addr := range requested {
		if _, dup := seen[addr]; dup {
			return apperr.Validation("duplicate_arbiter", "arbiter %s requested twice", addr)
		}
		seen[addr] = struct{}{}
		a, ok := byAddr[addr]
		if !ok {
			return apperr.NotFound("arbiter_not_found", "arbiter %s is not registered", addr)
		}
		if !a.Active {
			return apperr.Validation("arbiter_inactive", "arbiter %s is not active", addr)
		}
	}
	return nil
}

type VoteInput struct {
	Option     string
	Amount     *int64 // partial_approve: amount the payer should receive
	Confidence *int
	Reasoning  *string
}

// SubmitVote records an assigned arbiter's vote. When the vote completes
// the quorum the dispute is resolved in the same commit; when every arbiter
// has voted without reaching quorum the dispute escalates.
func (s *DisputeService) SubmitVote(ctx context.Context, disputeID uuid.UUID, arbiter string, in VoteInput) (*models.DisputeAggregate, error) {
	if !models.IsValidVoteOption(in.Option) {
		return nil, apperr.Validation("invalid_vote", "unknown vote option %q", in.Option)
	}
	confidence := 100
	if in.Confidence != nil {
		confidence = *in.Confidence
	}
	if confidence < 0 || confidence > 100 {
		return nil, apperr.Validation("invalid_vote", "confidence %d is outside [0,100]", confidence)
	}

	var resolved bool
	d, err := s.mutateDispute(ctx, disputeID, arbiter, func(tx *escrowTx, d *models.DisputeAggregate) error {
		resolved = false
		if !d.IsAssigned(arbiter) {
			return apperr.Forbidden("not_assigned", "%s is not assigned to dispute %s", arbiter, disputeID)
		}
		if d.HasVoted(arbiter) {
			return apperr.Validation("duplicate_vote", "%s already voted on dispute %s", arbiter, disputeID)
		}
		if !d.Dispute.AcceptsVotes() {
			return apperr.Conflict("dispute_not_accepting_votes", "dispute %s is %s", disputeID, d.Dispute.Status)
		}
		if in.Option == models.VotePartialApprove {
			if in.Amount == nil {
				return apperr.Validation("invalid_vote", "partial_approve requires an amount")
			}
			if *in.Amount < 0 || *in.Amount > tx.agg.Escrow.Amount {
				return apperr.Validation("invalid_vote", "amount %d is outside [0,%d]", *in.Amount, tx.agg.Escrow.Amount)
			}
		}

		v := models.Vote{
			ID:             uuid.New(),
			DisputeID:      disputeID,
			ArbiterAddress: arbiter,
			Option:         in.Option,
			Amount:         in.Amount,
			Confidence:     confidence,
			Reasoning:      in.Reasoning,
			CastAt:         tx.now,
		}
		d.Votes = append(d.Votes, v)
		tx.commit.Votes = append(tx.commit.Votes, v)
		tx.commit.ArbiterDeltas = append(tx.commit.ArbiterDeltas, models.ArbiterDelta{
			Address:   arbiter,
			VotesCast: 1,
			At:        tx.now,
		})
		touchDispute(tx, d, false)
		tx.duplicateCode = "duplicate_vote"
		tx.emit(models.TimelineVoteCast, map[string]any{
			"arbiter":    arbiter,
			"option":     in.Option,
			"confidence": confidence,
		})

		assigned := len(d.Assignments)
		switch {
		case s.policy.HasQuorum(assigned, d.Votes):
			pct, err := s.aggregate(ctx, d, tx.agg.Escrow.Amount)
			if err != nil {
				return err
			}
			resolved = true
			return s.resolve(tx, d, pct, "arbitration", nil)
		case s.policy.Deadlocked(assigned, d.Votes):
			s.escalate(tx, d, EscalationDeadlock)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.escrows.metrics.VoteCast()
	if resolved {
		s.escrows.metrics.Dispute(models.DisputeStatusResolved)
		s.log.Info("dispute resolved by arbitration",
			zap.String("dispute_id", disputeID.String()),
			zap.Intp("payer_receives_percentage", d.Dispute.PayerReceivesPercentage),
		)
	}
	return d, nil
}

// aggregate weighs the votes by the arbiters' current reputation.
func (s *DisputeService) aggregate(ctx context.Context, d *models.DisputeAggregate, amount int64) (int, error) {
	addrs := make([]string, 0, len(d.Votes))
	for _, v := range d.Votes {
		addrs = append(addrs, v.ArbiterAddress)
	}
	arbiters, err := s.store.ListArbiters(ctx, repositories.ArbiterFilter{Addresses: addrs, Limit: len(addrs)})
	if err != nil {
		return 0, apperr.Fatal("storage_error", err)
	}
	reputations := make(map[string]int, len(arbiters))
	for _, a := range arbiters {
		reputations[a.Address] = a.Reputation
	}
	pct, ok := arbitration.Aggregate(d.Votes, reputations, amount)
	if !ok {
		return 0, apperr.Conflict("quorum_not_reached", "dispute %s has no counted votes", d.Dispute.ID)
	}
	return pct, nil
}

// resolve closes the dispute with payerPct and releases the escrow with the
// arbitrated split. Allocations are not paid from a dispute payout.
func (s *DisputeService) resolve(tx *escrowTx, d *models.DisputeAggregate, payerPct int, resolvedBy string, note *string) error {
	if !models.IsValidDisputeTransition(d.Dispute.Status, models.DisputeStatusResolved) {
		return apperr.Conflict("invalid_dispute_status", "dispute %s is %s", d.Dispute.ID, d.Dispute.Status)
	}
	e := tx.escrow()
	pct := payerPct
	by := resolvedBy
	t := tx.now
	d.Dispute.Status = models.DisputeStatusResolved
	d.Dispute.PayerReceivesPercentage = &pct
	d.Dispute.ResolvedBy = &by
	d.Dispute.ResolutionNote = note
	d.Dispute.ResolvedAt = &t
	touchDispute(tx, d, false)

	tx.commit.ArbiterDeltas = append(tx.commit.ArbiterDeltas, s.policy.ReputationDeltas(d, payerPct, e.Amount, tx.now)...)

	if err := tx.transition(models.EscrowStatusReleased); err != nil {
		return err
	}
	e.ReleasedAt = &t
	tx.emit(models.TimelineDisputeResolved, map[string]any{
		"payer_receives_percentage": payerPct,
		"resolved_by":               resolvedBy,
		"votes":                     len(d.Votes),
	})
	tx.payout(models.PayoutReasonDispute, allocation.SplitLegs(e.Amount, e.Asset, e.Payer, e.Payee, payerPct))
	return nil
}

func (s *DisputeService) escalate(tx *escrowTx, d *models.DisputeAggregate, reason string) {
	t := tx.now
	d.Dispute.Status = models.DisputeStatusEscalated
	d.Dispute.EscalatedAt = &t
	touchDispute(tx, d, false)
	tx.emit(models.TimelineDisputeEscalated, map[string]any{
		"reason":   reason,
		"votes":    len(d.Votes),
		"assigned": len(d.Assignments),
	})
}

// ResolveDispute is the governance path for escalated disputes.
func (s *DisputeService) ResolveDispute(ctx context.Context, disputeID uuid.UUID, admin string, payerPct int, note string) (*models.DisputeAggregate, error) {
	if !s.cfg.IsAdmin(admin) {
		return nil, apperr.Forbidden("not_admin", "only governance may resolve escalated disputes")
	}
	if payerPct < 0 || payerPct > 100 {
		return nil, apperr.Validation("invalid_resolution", "payer_receives_percentage %d is outside [0,100]", payerPct)
	}
	d, err := s.mutateDispute(ctx, disputeID, admin, func(tx *escrowTx, d *models.DisputeAggregate) error {
		if d.Dispute.Status != models.DisputeStatusEscalated {
			return apperr.Conflict("invalid_dispute_status", "dispute %s is %s, only escalated disputes are resolved by governance", disputeID, d.Dispute.Status)
		}
		var n *string
		if note != "" {
			n = &note
		}
		return s.resolve(tx, d, payerPct, admin, n)
	})
	if err != nil {
		return nil, err
	}
	s.escrows.metrics.Dispute(models.DisputeStatusResolved)
	s.log.Info("escalated dispute resolved",
		zap.String("dispute_id", disputeID.String()),
		zap.String("resolved_by", admin),
		zap.Int("payer_receives_percentage", payerPct),
	)
	return d, nil
}

// EscalateStale escalates active disputes older than the arbitration window.
func (s *DisputeService) EscalateStale(ctx context.Context) (int, error) {
	now := s.escrows.now()
	escrowIDs, err := s.store.ListStaleDisputes(ctx, now.Add(-s.cfg.ArbitrationWindow), s.cfg.TimeoutScanBatch)
	if err != nil {
		return 0, err
	}

	return s.escrows.scan(ctx, "escalation", escrowIDs, s.escalateIfStale)
}

func (s *DisputeService) escalateIfStale(ctx context.Context, escrowID uuid.UUID) (bool, error) {
	escalated := false
	_, err := s.escrows.mutate(ctx, escrowID, models.ActorSystem, func(tx *escrowTx) error {
		escalated = false
		d := tx.agg.Dispute
		if d == nil || !d.Dispute.IsActive() {
			return nil
		}
		if tx.now.Before(d.Dispute.OpenedAt.Add(s.cfg.ArbitrationWindow)) {
			return nil
		}
		s.escalate(tx, d, EscalationWindowElapsed)
		escalated = true
		return nil
	})
	if err == nil && escalated {
		s.escrows.metrics.Dispute(models.DisputeStatusEscalated)
	}
	return escalated, err
}

func (s *DisputeService) GetDispute(ctx context.Context, disputeID uuid.UUID) (*models.DisputeAggregate, error) {
	escrowID, err := s.disputeTarget(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	agg, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, apperr.NotFound("dispute_not_found", "dispute %s not found", disputeID)
		}
		return nil, apperr.Fatal("storage_error", err)
	}
	if agg.Dispute == nil || agg.Dispute.Dispute.ID != disputeID {
		return nil, apperr.NotFound("dispute_not_found", "dispute %s not found", disputeID)
	}
	return agg.Dispute, nil
}

// RegisterArbiter adds an arbiter at the baseline reputation, or updates the
// active flag and specialization of a known one.
func (s *DisputeService) RegisterArbiter(ctx context.Context, address string, specialization *string, active bool) (*models.Arbiter, error) {
	if address == "" {
		return nil, apperr.Validation("invalid_arbiter", "arbiter address is required")
	}
	a := &models.Arbiter{
		Address:        address,
		Reputation:     models.ArbiterBaselineReputation,
		Active:         active,
		Specialization: specialization,
		RegisteredAt:   s.escrows.now(),
	}
	if err := s.store.UpsertArbiter(ctx, a); err != nil {
		return nil, apperr.Fatal("storage_error", err)
	}
	return a, nil
}

func (s *DisputeService) GetArbiter(ctx context.Context, address string) (*models.Arbiter, error) {
	a, err := s.store.GetArbiter(ctx, address)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, apperr.NotFound("arbiter_not_found", "arbiter %s not found", address)
		}
		return nil, apperr.Fatal("storage_error", err)
	}
	return a, nil
}

func (s *DisputeService) ListArbiters(ctx context.Context, f repositories.ArbiterFilter) ([]models.Arbiter, error) {
	arbiters, err := s.store.ListArbiters(ctx, f)
	if err != nil {
		return nil, apperr.Fatal("storage_error", err)
	}
	return arbiters, nil
}
