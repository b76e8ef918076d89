package conditions

import (
	"testing"
	"time"

	"github.com/tonsurance/escrow-engine/internal/apperr"
	"github.com/tonsurance/escrow-engine/internal/models"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func cond(spec models.ConditionSpec) *models.ReleaseCondition {
	return &models.ReleaseCondition{Index: 0, Spec: spec}
}

func TestEvaluateTimeElapsed(t *testing.T) {
	c := cond(&models.TimeElapsedCondition{Seconds: 60, StartTime: t0})

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before", t0.Add(59 * time.Second), false},
		{"exactly due", t0.Add(60 * time.Second), true},
		{"after", t0.Add(time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(c, tt.now); got != tt.want {
				t.Errorf("Evaluate at %v = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestOracleFactLatches(t *testing.T) {
	c := cond(&models.OracleCondition{Endpoint: "https://oracle.example/price", ExpectedValue: "delivered"})

	if _, err := ApplyOracleFact(c, "in_transit", t0); err != nil {
		t.Fatal(err)
	}
	if Evaluate(c, t0) {
		t.Fatal("oracle met with wrong value")
	}

	if _, err := ApplyOracleFact(c, "delivered", t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if !Evaluate(c, t0) {
		t.Fatal("oracle not met with expected value")
	}

	if _, err := ApplyOracleFact(c, "lost", t0.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if !Evaluate(c, t0) {
		t.Error("verified oracle condition flipped back")
	}
	oc := c.Spec.(*models.OracleCondition)
	if oc.LastObservedValue == nil || *oc.LastObservedValue != "lost" {
		t.Errorf("last observed value not recorded: %v", oc.LastObservedValue)
	}
}

func TestOracleFactIgnoresStaleObservation(t *testing.T) {
	c := cond(&models.OracleCondition{Endpoint: "https://oracle.example/x", ExpectedValue: "ok"})
	if _, err := ApplyOracleFact(c, "pending", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	changed, err := ApplyOracleFact(c, "ok", t0)
	if err != nil {
		t.Fatal(err)
	}
	if changed || Evaluate(c, t0) {
		t.Error("stale observation should be ignored")
	}
}

func TestMultisigSignatures(t *testing.T) {
	c := cond(&models.MultisigCondition{RequiredSignatures: 2, Signers: []string{"A", "B", "C"}, SignaturesReceived: map[string]string{}})
	ms := c.Spec.(*models.MultisigCondition)

	changed, err := ApplySignature(c, "A", "sigA", t0)
	if err != nil || !changed {
		t.Fatalf("first signature: changed=%v err=%v", changed, err)
	}

	changed, err = ApplySignature(c, "A", "sigA", t0)
	if err != nil || changed {
		t.Fatalf("identical resubmission: changed=%v err=%v", changed, err)
	}
	if len(ms.SignaturesReceived) != 1 {
		t.Fatalf("signatures = %d, want 1", len(ms.SignaturesReceived))
	}
	if Evaluate(c, t0) {
		t.Fatal("met with one signature")
	}

	_, err = ApplySignature(c, "A", "sigA-other", t0)
	if !apperr.IsValidation(err) || apperr.Code(err) != "duplicate_signer" {
		t.Fatalf("expected duplicate_signer, got %v", err)
	}

	_, err = ApplySignature(c, "Z", "sigZ", t0)
	if apperr.Code(err) != "unknown_signer" {
		t.Fatalf("expected unknown_signer, got %v", err)
	}

	if _, err := ApplySignature(c, "B", "sigB", t0); err != nil {
		t.Fatal(err)
	}
	if !Evaluate(c, t0) {
		t.Error("multisig not met with 2 of 3 signatures")
	}
}

func TestManualApproval(t *testing.T) {
	deadline := t0.Add(time.Hour)
	c := cond(&models.ManualApprovalCondition{Approver: "approver", ApprovalDeadline: &deadline})

	if _, err := ApplyApproval(c, "mallory", "sig", t0); apperr.Code(err) != "approver_mismatch" {
		t.Fatalf("expected approver_mismatch, got %v", err)
	}
	if _, err := ApplyApproval(c, "approver", "", t0); apperr.Code(err) != "missing_signature" {
		t.Fatalf("expected missing_signature, got %v", err)
	}
	if IsFailed(c, t0) {
		t.Fatal("failed before deadline")
	}

	changed, err := ApplyApproval(c, "approver", "sig", t0.Add(time.Minute))
	if err != nil || !changed {
		t.Fatalf("approve: changed=%v err=%v", changed, err)
	}
	if !Evaluate(c, t0) {
		t.Fatal("approved condition not met")
	}

	changed, err = ApplyApproval(c, "approver", "sig", t0.Add(2*time.Minute))
	if err != nil || changed {
		t.Fatalf("identical re-approval: changed=%v err=%v", changed, err)
	}
	if _, err := ApplyApproval(c, "approver", "other", t0); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict for different signature, got %v", err)
	}
}

func TestManualApprovalAfterDeadlineFails(t *testing.T) {
	deadline := t0.Add(time.Hour)
	c := cond(&models.ManualApprovalCondition{Approver: "approver", ApprovalDeadline: &deadline})

	late := deadline.Add(time.Second)
	if !IsFailed(c, late) {
		t.Fatal("condition should be failed after deadline")
	}
	_, err := ApplyApproval(c, "approver", "sig", late)
	if apperr.Code(err) != "approval_deadline_passed" {
		t.Fatalf("expected approval_deadline_passed, got %v", err)
	}
	if Evaluate(c, late) {
		t.Error("late approval must not be counted")
	}
}

func TestChainEventOccursOnce(t *testing.T) {
	c := cond(&models.ChainEventCondition{Chain: "ton", EventType: "transfer", ContractAddress: "EQx"})

	if changed, _ := ApplyChainEvent(c, false, t0, ""); changed {
		t.Fatal("non-occurrence should not change condition")
	}
	if changed, _ := ApplyChainEvent(c, true, t0, "lt:42"); !changed {
		t.Fatal("occurrence should change condition")
	}
	if changed, _ := ApplyChainEvent(c, true, t0.Add(time.Minute), "lt:43"); changed {
		t.Fatal("second occurrence should be a no-op")
	}
	ce := c.Spec.(*models.ChainEventCondition)
	if ce.TxRef == nil || *ce.TxRef != "lt:42" {
		t.Errorf("tx ref = %v, want lt:42", ce.TxRef)
	}
}

func TestApplyRejectsWrongKind(t *testing.T) {
	c := cond(&models.TimeElapsedCondition{Seconds: 1, StartTime: t0})
	if _, err := ApplySignature(c, "A", "sig", t0); apperr.Code(err) != "condition_type_mismatch" {
		t.Errorf("expected condition_type_mismatch, got %v", err)
	}
	if _, err := ApplyOracleFact(c, "v", t0); apperr.Code(err) != "condition_type_mismatch" {
		t.Errorf("expected condition_type_mismatch, got %v", err)
	}
}

func TestRecountStampsNewlyMet(t *testing.T) {
	conds := []models.ReleaseCondition{
		{Index: 0, Spec: &models.TimeElapsedCondition{Seconds: 60, StartTime: t0}},
		{Index: 1, Spec: &models.ManualApprovalCondition{Approver: "x"}},
	}

	met, newly := Recount(conds, t0.Add(30*time.Second))
	if met != 0 || len(newly) != 0 {
		t.Fatalf("met=%d newly=%d, want 0/0", met, len(newly))
	}

	met, newly = Recount(conds, t0.Add(61*time.Second))
	if met != 1 || len(newly) != 1 || newly[0].Index != 0 {
		t.Fatalf("met=%d newly=%v, want 1 with index 0", met, newly)
	}
	if conds[0].MetAt == nil {
		t.Fatal("MetAt not stamped")
	}

	met, newly = Recount(conds, t0.Add(2*time.Minute))
	if met != 1 || len(newly) != 0 {
		t.Errorf("second recount met=%d newly=%d, want 1/0", met, len(newly))
	}
}

func TestValidate(t *testing.T) {
	future := t0.Add(time.Hour)
	past := t0.Add(-time.Hour)

	tests := []struct {
		name    string
		spec    models.ConditionSpec
		wantErr bool
	}{
		{"oracle ok", &models.OracleCondition{Endpoint: "https://o.example/v", ExpectedValue: "1"}, false},
		{"oracle relative url", &models.OracleCondition{Endpoint: "/v", ExpectedValue: "1"}, true},
		{"oracle no expected", &models.OracleCondition{Endpoint: "https://o.example/v"}, true},
		{"time ok", &models.TimeElapsedCondition{Seconds: 10}, false},
		{"time zero", &models.TimeElapsedCondition{}, true},
		{"manual ok", &models.ManualApprovalCondition{Approver: "a", ApprovalDeadline: &future}, false},
		{"manual past deadline", &models.ManualApprovalCondition{Approver: "a", ApprovalDeadline: &past}, true},
		{"manual no approver", &models.ManualApprovalCondition{}, true},
		{"chain ok", &models.ChainEventCondition{Chain: "ton", EventType: "e", ContractAddress: "c"}, false},
		{"chain missing", &models.ChainEventCondition{Chain: "ton"}, true},
		{"multisig ok", &models.MultisigCondition{RequiredSignatures: 2, Signers: []string{"a", "b"}}, false},
		{"multisig too many required", &models.MultisigCondition{RequiredSignatures: 3, Signers: []string{"a", "b"}}, true},
		{"multisig duplicate signer", &models.MultisigCondition{RequiredSignatures: 1, Signers: []string{"a", "a"}}, true},
		{"nil", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.spec, t0)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !apperr.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}
