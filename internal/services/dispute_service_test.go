package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tonsurance/escrow-engine/internal/apperr"
	"github.com/tonsurance/escrow-engine/internal/models"
	"github.com/tonsurance/escrow-engine/internal/repositories"
)

var arbiters = []string{"EQarb1", "EQarb2", "EQarb3"}

func (h *harness) registerArbiters(t *testing.T, addrs ...string) {
	t.Helper()
	for _, a := range addrs {
		if _, err := h.disputes.RegisterArbiter(context.Background(), a, nil, true); err != nil {
			t.Fatalf("RegisterArbiter(%s): %v", a, err)
		}
	}
}

// disputedEscrow creates an escrow, opens a dispute on it and assigns the
// three default arbiters.
func (h *harness) disputedEscrow(t *testing.T) (*models.EscrowAggregate, *models.DisputeAggregate) {
	t.Helper()
	ctx := context.Background()
	h.registerArbiters(t, arbiters...)
	agg := h.create(t, baseInput(approval(payer)))
	d, err := h.disputes.OpenDispute(ctx, agg.Escrow.ID, payee, models.DisputeReasonQualityIssue, "half done")
	if err != nil {
		t.Fatalf("OpenDispute: %v", err)
	}
	d, err = h.disputes.AssignArbiters(ctx, d.Dispute.ID, admin, nil)
	if err != nil {
		t.Fatalf("AssignArbiters: %v", err)
	}
	return agg, d
}

func (h *harness) arbiter(t *testing.T, addr string) *models.Arbiter {
	t.Helper()
	a, err := h.disputes.GetArbiter(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetArbiter(%s): %v", addr, err)
	}
	return a
}

func TestOpenDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := baseInput(approval(payer))
	in.Allocations = []AllocationInput{{Party: "EQagent", Percentage: decimal.NewFromInt(10)}}
	agg := h.create(t, in)

	_, err := h.disputes.OpenDispute(ctx, agg.Escrow.ID, "EQstranger", models.DisputeReasonFraud, "")
	expectCode(t, err, apperr.ErrForbidden, "not_a_party")
	_, err = h.disputes.OpenDispute(ctx, agg.Escrow.ID, payer, "bored", "")
	expectCode(t, err, apperr.ErrValidation, "invalid_reason")

	d, err := h.disputes.OpenDispute(ctx, agg.Escrow.ID, "EQagent", models.DisputeReasonNonDelivery, "nothing arrived")
	if err != nil {
		t.Fatalf("allocated party should be able to dispute: %v", err)
	}
	if d.Dispute.Status != models.DisputeStatusOpen {
		t.Errorf("dispute status = %s", d.Dispute.Status)
	}

	s := h.summary(t, agg.Escrow.ID)
	if s.Escrow.Status != models.EscrowStatusDisputed {
		t.Fatalf("escrow status = %s, want disputed", s.Escrow.Status)
	}
	if s.Escrow.DisputeID == nil || *s.Escrow.DisputeID != d.Dispute.ID {
		t.Error("escrow does not reference the dispute")
	}

	_, err = h.disputes.OpenDispute(ctx, agg.Escrow.ID, payer, models.DisputeReasonFraud, "")
	expectCode(t, err, apperr.ErrConflict, "dispute_already_active")

	// disputes freeze condition evaluation
	_, err = h.escrows.SubmitApproval(ctx, agg.Conditions[0].ID, payer, "sig")
	expectCode(t, err, apperr.ErrConflict, "invalid_status")
}

func TestEvidence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, d := h.disputedEscrow(t)

	in := EvidenceInput{EvidenceType: models.EvidencePhoto, ContentHash: "sha256:abc"}
	_, err := h.disputes.SubmitEvidence(ctx, d.Dispute.ID, "EQstranger", in)
	expectCode(t, err, apperr.ErrForbidden, "not_a_party")
	_, err = h.disputes.SubmitEvidence(ctx, d.Dispute.ID, payer, EvidenceInput{EvidenceType: "rumour", ContentHash: "x"})
	expectCode(t, err, apperr.ErrValidation, "invalid_evidence")

	ev, err := h.disputes.SubmitEvidence(ctx, d.Dispute.ID, payee, in)
	if err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}
	if ev.Verified {
		t.Error("new evidence should be unverified")
	}

	_, err = h.disputes.VerifyEvidence(ctx, d.Dispute.ID, ev.ID, payer)
	expectCode(t, err, apperr.ErrForbidden, "not_assigned")

	verified, err := h.disputes.VerifyEvidence(ctx, d.Dispute.ID, ev.ID, arbiters[0])
	if err != nil {
		t.Fatalf("VerifyEvidence: %v", err)
	}
	if !verified.Verified || verified.VerifiedBy == nil || *verified.VerifiedBy != arbiters[0] {
		t.Errorf("evidence = %+v", verified)
	}

	got, err := h.disputes.GetDispute(ctx, d.Dispute.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Evidence) != 1 || !got.Evidence[0].Verified {
		t.Errorf("stored evidence = %+v", got.Evidence)
	}
}

func TestAssignArbiters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerArbiters(t, "EQarbA", "EQarbB", payer)

	agg := h.create(t, baseInput(approval(payer)))
	d, err := h.disputes.OpenDispute(ctx, agg.Escrow.ID, payer, models.DisputeReasonOther, "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.disputes.AssignArbiters(ctx, d.Dispute.ID, admin, []string{"EQghost"})
	expectCode(t, err, apperr.ErrNotFound, "arbiter_not_found")
	_, err = h.disputes.AssignArbiters(ctx, d.Dispute.ID, admin, []string{payer})
	expectCode(t, err, apperr.ErrValidation, "arbiter_is_party")

	got, err := h.disputes.AssignArbiters(ctx, d.Dispute.ID, admin, nil)
	if err != nil {
		t.Fatalf("AssignArbiters: %v", err)
	}
	if len(got.Assignments) != 2 {
		t.Fatalf("assigned %d arbiters, want 2 (the payer is excluded)", len(got.Assignments))
	}
	for _, a := range got.Assignments {
		if a.ArbiterAddress == payer {
			t.Error("a party was assigned as arbiter")
		}
	}
	if got.Dispute.Status != models.DisputeStatusUnderReview || got.Dispute.AssignedAt == nil {
		t.Errorf("dispute status = %s", got.Dispute.Status)
	}
}

func TestAssignArbiters_NoneAvailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agg := h.create(t, baseInput(approval(payer)))
	d, err := h.disputes.OpenDispute(ctx, agg.Escrow.ID, payer, models.DisputeReasonOther, "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.disputes.AssignArbiters(ctx, d.Dispute.ID, admin, nil)
	expectCode(t, err, apperr.ErrConflict, "no_arbiters_available")
}

func TestDisputeResolvedByArbitration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agg, d := h.disputedEscrow(t)

	_, err := h.disputes.SubmitVote(ctx, d.Dispute.ID, "EQoutsider", VoteInput{Option: models.VoteDeny})
	expectCode(t, err, apperr.ErrForbidden, "not_assigned")
	_, err = h.disputes.SubmitVote(ctx, d.Dispute.ID, arbiters[0], VoteInput{Option: models.VotePartialApprove})
	expectCode(t, err, apperr.ErrValidation, "invalid_vote")
	_, err = h.disputes.SubmitVote(ctx, d.Dispute.ID, arbiters[0], VoteInput{Option: models.VotePartialApprove, Amount: int64p(200000)})
	expectCode(t, err, apperr.ErrValidation, "invalid_vote")

	got, err := h.disputes.SubmitVote(ctx, d.Dispute.ID, arbiters[0], VoteInput{Option: models.VotePartialApprove, Amount: int64p(40000)})
	if err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if got.Dispute.Status != models.DisputeStatusUnderReview {
		t.Fatalf("resolved before quorum: %s", got.Dispute.Status)
	}
	_, err = h.disputes.SubmitVote(ctx, d.Dispute.ID, arbiters[0], VoteInput{Option: models.VoteDeny})
	expectCode(t, err, apperr.ErrValidation, "duplicate_vote")

	got, err = h.disputes.SubmitVote(ctx, d.Dispute.ID, arbiters[1], VoteInput{Option: models.VotePartialApprove, Amount: int64p(40000)})
	if err != nil {
		t.Fatalf("second vote: %v", err)
	}
	if got.Dispute.Status != models.DisputeStatusResolved {
		t.Fatalf("dispute status = %s, want resolved", got.Dispute.Status)
	}
	if p := got.Dispute.PayerReceivesPercentage; p == nil || *p != 40 {
		t.Fatalf("payer percentage = %v, want 40", p)
	}

	s := h.summary(t, agg.Escrow.ID)
	if s.Escrow.Status != models.EscrowStatusReleased {
		t.Fatalf("escrow status = %s, want released", s.Escrow.Status)
	}
	p := onlyPayout(t, s)
	legs := legsByParty(p)
	if p.Reason != models.PayoutReasonDispute || legs[payer] != 40000 || legs[payee] != 60000 {
		t.Errorf("payout = %+v", p)
	}

	for _, addr := range arbiters {
		if a := h.arbiter(t, addr); a.TotalDisputesResolved != 1 {
			t.Errorf("%s resolved = %d, want 1", addr, a.TotalDisputesResolved)
		}
	}
	if a := h.arbiter(t, arbiters[0]); a.Reputation != models.ArbiterBaselineReputation+10 || a.TotalVotesCast != 1 {
		t.Errorf("voter reputation=%d votes=%d", a.Reputation, a.TotalVotesCast)
	}
	if a := h.arbiter(t, arbiters[2]); a.Reputation != models.ArbiterBaselineReputation || a.TotalVotesCast != 0 {
		t.Errorf("non voter reputation=%d votes=%d", a.Reputation, a.TotalVotesCast)
	}
	if a := h.arbiter(t, arbiters[2]); a.LastActiveAt != nil {
		t.Errorf("non voter last_active_at = %v, want unset", a.LastActiveAt)
	}
	if a := h.arbiter(t, arbiters[0]); a.LastActiveAt == nil {
		t.Error("voter last_active_at not set")
	}

	_, err = h.disputes.SubmitVote(ctx, d.Dispute.ID, arbiters[2], VoteInput{Option: models.VoteDeny})
	expectCode(t, err, apperr.ErrConflict, "dispute_not_accepting_votes")

	// a new dispute is allowed only while the escrow is open
	_, err = h.disputes.OpenDispute(ctx, agg.Escrow.ID, payer, models.DisputeReasonFraud, "")
	expectCode(t, err, apperr.ErrConflict, "invalid_status")
}

func TestDisputeDeadlockEscalates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agg, d := h.disputedEscrow(t)

	var got *models.DisputeAggregate
	var err error
	for _, a := range arbiters {
		got, err = h.disputes.SubmitVote(ctx, d.Dispute.ID, a, VoteInput{Option: models.VoteAbstain})
		if err != nil {
			t.Fatalf("vote %s: %v", a, err)
		}
	}
	if got.Dispute.Status != models.DisputeStatusEscalated || got.Dispute.EscalatedAt == nil {
		t.Fatalf("dispute status = %s, want escalated", got.Dispute.Status)
	}

	_, err = h.disputes.ResolveDispute(ctx, d.Dispute.ID, payer, 50, "")
	expectCode(t, err, apperr.ErrForbidden, "not_admin")
	_, err = h.disputes.ResolveDispute(ctx, d.Dispute.ID, admin, 120, "")
	expectCode(t, err, apperr.ErrValidation, "invalid_resolution")

	got, err = h.disputes.ResolveDispute(ctx, d.Dispute.ID, admin, 50, "split evenly")
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if got.Dispute.Status != models.DisputeStatusResolved || got.Dispute.ResolvedBy == nil || *got.Dispute.ResolvedBy != admin {
		t.Fatalf("dispute = %+v", got.Dispute)
	}
	legs := legsByParty(onlyPayout(t, h.summary(t, agg.Escrow.ID)))
	if legs[payer] != 50000 || legs[payee] != 50000 {
		t.Errorf("legs = %v", legs)
	}
}

func TestResolveDispute_OnlyEscalated(t *testing.T) {
	h := newHarness(t)
	_, d := h.disputedEscrow(t)
	_, err := h.disputes.ResolveDispute(context.Background(), d.Dispute.ID, admin, 50, "")
	expectCode(t, err, apperr.ErrConflict, "invalid_dispute_status")
	_, err = h.disputes.ResolveDispute(context.Background(), uuid.New(), admin, 50, "")
	expectCode(t, err, apperr.ErrNotFound, "dispute_not_found")
}

func TestEscalateStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, d := h.disputedEscrow(t)

	h.advance(71 * time.Hour)
	n, err := h.disputes.EscalateStale(ctx)
	if err != nil || n != 0 {
		t.Fatalf("EscalateStale before window = %d, %v", n, err)
	}

	h.advance(2 * time.Hour)
	n, err = h.disputes.EscalateStale(ctx)
	if err != nil {
		t.Fatalf("EscalateStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("escalated %d, want 1", n)
	}
	got, err := h.disputes.GetDispute(ctx, d.Dispute.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Dispute.Status != models.DisputeStatusEscalated {
		t.Errorf("status = %s", got.Dispute.Status)
	}

	n, err = h.disputes.EscalateStale(ctx)
	if err != nil || n != 0 {
		t.Errorf("second scan = %d, %v; want 0", n, err)
	}
}

func TestRegisterArbiter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := "real_estate"
	a, err := h.disputes.RegisterArbiter(ctx, "EQarb", &spec, true)
	if err != nil {
		t.Fatal(err)
	}
	if a.Reputation != models.ArbiterBaselineReputation {
		t.Errorf("reputation = %d", a.Reputation)
	}

	a, err = h.disputes.RegisterArbiter(ctx, "EQarb", nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if a.Active {
		t.Error("re-registration should update the active flag")
	}

	active, err := h.disputes.ListArbiters(ctx, repositories.ArbiterFilter{ActiveOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("active arbiters = %d, want 0", len(active))
	}

	_, err = h.disputes.RegisterArbiter(ctx, "", nil, true)
	expectCode(t, err, apperr.ErrValidation, "invalid_arbiter")
}

func TestRegisterArbiter_KeepsCounters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, d := h.disputedEscrow(t)
	for _, addr := range arbiters[:2] {
		if _, err := h.disputes.SubmitVote(ctx, d.Dispute.ID, addr, VoteInput{Option: models.VoteApprove}); err != nil {
			t.Fatalf("vote by %s: %v", addr, err)
		}
	}
	earned := h.arbiter(t, arbiters[0])
	if earned.Reputation == models.ArbiterBaselineReputation {
		t.Fatal("voting did not change reputation")
	}

	a, err := h.disputes.RegisterArbiter(ctx, arbiters[0], nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if a.Active {
		t.Error("re-registration should update the active flag")
	}
	if a.Reputation != earned.Reputation || a.TotalVotesCast != earned.TotalVotesCast || a.TotalDisputesResolved != earned.TotalDisputesResolved {
		t.Errorf("re-registration reset counters: got %+v, want reputation %d", a, earned.Reputation)
	}
}
