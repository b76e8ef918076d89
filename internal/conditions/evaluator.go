// Package conditions evaluates release conditions and applies incoming facts
// to them. Nothing here touches storage; callers persist the mutated
// conditions in the same commit as the resulting escrow transition.
package conditions

import (
	"net/url"
	"strings"
	"time"

	"github.com/tonsurance/escrow-engine/internal/apperr"
	"github.com/tonsurance/escrow-engine/internal/models"
)

// Evaluate reports whether cond is met at now.
func Evaluate(cond *models.ReleaseCondition, now time.Time) bool {
	switch c := cond.Spec.(type) {
	case *models.OracleCondition:
		return c.Verified
	case *models.TimeElapsedCondition:
		return !now.Before(c.DueAt())
	case *models.ManualApprovalCondition:
		return c.Approved
	case *models.ChainEventCondition:
		return c.Occurred
	case *models.MultisigCondition:
		return countSignatures(c) >= c.RequiredSignatures
	default:
		return false
	}
}

// IsFailed reports whether cond can never become met. Only a manual
// approval whose deadline passed without approval fails permanently.
func IsFailed(cond *models.ReleaseCondition, now time.Time) bool {
	c, ok := cond.Spec.(*models.ManualApprovalCondition)
	if !ok || c.Approved || c.ApprovalDeadline == nil {
		return false
	}
	return now.After(*c.ApprovalDeadline)
}

func countSignatures(c *models.MultisigCondition) int {
	n := 0
	for signer, sig := range c.SignaturesReceived {
		if sig != "" && c.IsSigner(signer) {
			n++
		}
	}
	return n
}

// Recount re-evaluates every condition, stamps MetAt on conditions observed
// met for the first time and returns the met count plus those newly met.
func Recount(conds []models.ReleaseCondition, now time.Time) (int, []*models.ReleaseCondition) {
	met := 0
	var newlyMet []*models.ReleaseCondition
	for i := range conds {
		c := &conds[i]
		if !Evaluate(c, now) {
			continue
		}
		met++
		if c.MetAt == nil {
			t := now
			c.MetAt = &t
			c.UpdatedAt = now
			newlyMet = append(newlyMet, c)
		}
	}
	return met, newlyMet
}

// ApplyOracleFact records an oracle observation. A verified condition stays
// verified; observations older than the last check are ignored.
func ApplyOracleFact(cond *models.ReleaseCondition, observed string, at time.Time) (bool, error) {
	c, ok := cond.Spec.(*models.OracleCondition)
	if !ok {
		return false, typeMismatch(cond, models.ConditionOracle)
	}
	if c.LastCheckedAt != nil && at.Before(*c.LastCheckedAt) {
		return false, nil
	}
	v := observed
	t := at
	c.LastObservedValue = &v
	c.LastCheckedAt = &t
	if !c.Verified && strings.TrimSpace(observed) == strings.TrimSpace(c.ExpectedValue) {
		c.Verified = true
	}
	cond.UpdatedAt = at
	return true, nil
}

// ApplyChainEvent records a chain watcher report. Once occurred, the
// condition does not flip back.
func ApplyChainEvent(cond *models.ReleaseCondition, occurred bool, verifiedAt time.Time, txRef string) (bool, error) {
	c, ok := cond.Spec.(*models.ChainEventCondition)
	if !ok {
		return false, typeMismatch(cond, models.ConditionChainEvent)
	}
	if c.Occurred || !occurred {
		return false, nil
	}
	t := verifiedAt
	c.Occurred = true
	c.VerifiedAt = &t
	if txRef != "" {
		ref := txRef
		c.TxRef = &ref
	}
	cond.UpdatedAt = verifiedAt
	return true, nil
}

// ApplyApproval records the approver's signed approval.
// Re-submitting the identical approval is a no-op.
func ApplyApproval(cond *models.ReleaseCondition, approver, signature string, now time.Time) (bool, error) {
	c, ok := cond.Spec.(*models.ManualApprovalCondition)
	if !ok {
		return false, typeMismatch(cond, models.ConditionManualApproval)
	}
	if approver != c.Approver {
		return false, apperr.Validation("approver_mismatch", "%s is not the approver of condition %d", approver, cond.Index)
	}
	if signature == "" {
		return false, apperr.Validation("missing_signature", "approval signature is required")
	}
	if c.Approved {
		if c.Signature != nil && *c.Signature == signature {
			return false, nil
		}
		return false, apperr.Conflict("already_approved", "condition %d is already approved", cond.Index)
	}
	if c.ApprovalDeadline != nil && now.After(*c.ApprovalDeadline) {
		return false, apperr.Validation("approval_deadline_passed", "approval deadline %s has passed", c.ApprovalDeadline.Format(time.RFC3339))
	}

	sig := signature
	t := now
	c.Approved = true
	c.Signature = &sig
	c.ApprovedAt = &t
	cond.UpdatedAt = now
	return true, nil
}

// ApplySignature adds signer's signature to a multisig condition. The same
// signature submitted twice is a no-op; a different one from the same
// signer is rejected.
func ApplySignature(cond *models.ReleaseCondition, signer, signature string, now time.Time) (bool, error) {
	c, ok := cond.Spec.(*models.MultisigCondition)
	if !ok {
		return false, typeMismatch(cond, models.ConditionMultisig)
	}
	if !c.IsSigner(signer) {
		return false, apperr.Validation("unknown_signer", "%s is not a signer of condition %d", signer, cond.Index)
	}
	if signature == "" {
		return false, apperr.Validation("missing_signature", "signature is required")
	}
	if existing, ok := c.SignaturesReceived[signer]; ok {
		if existing == signature {
			return false, nil
		}
		return false, apperr.Validation("duplicate_signer", "%s already signed condition %d", signer, cond.Index)
	}
	if c.SignaturesReceived == nil {
		c.SignaturesReceived = map[string]string{}
	}
	c.SignaturesReceived[signer] = signature
	cond.UpdatedAt = now
	return true, nil
}

// Validate checks a condition definition supplied at escrow creation.
func Validate(spec models.ConditionSpec, createdAt time.Time) error {
	switch c := spec.(type) {
	case *models.OracleCondition:
		if c.Endpoint == "" {
			return apperr.Validation("invalid_condition", "oracle endpoint is required")
		}
		u, err := url.Parse(c.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return apperr.Validation("invalid_condition", "oracle endpoint %q is not an absolute URL", c.Endpoint)
		}
		if c.ExpectedValue == "" {
			return apperr.Validation("invalid_condition", "oracle expected_value is required")
		}
	case *models.TimeElapsedCondition:
		if c.Seconds <= 0 {
			return apperr.Validation("invalid_condition", "time_elapsed seconds must be positive")
		}
	case *models.ManualApprovalCondition:
		if c.Approver == "" {
			return apperr.Validation("invalid_condition", "manual_approval approver is required")
		}
		if c.ApprovalDeadline != nil && !c.ApprovalDeadline.After(createdAt) {
			return apperr.Validation("invalid_condition", "approval deadline must be in the future")
		}
	case *models.ChainEventCondition:
		if c.Chain == "" || c.EventType == "" || c.ContractAddress == "" {
			return apperr.Validation("invalid_condition", "chain_event requires chain, event_type and contract_address")
		}
	case *models.MultisigCondition:
		if len(c.Signers) == 0 {
			return apperr.Validation("invalid_condition", "multisig requires at least one signer")
		}
		seen := make(map[string]struct{}, len(c.Signers))
		for _, s := range c.Signers {
			if s == "" {
				return apperr.Validation("invalid_condition", "multisig signer address is empty")
			}
			if _, dup := seen[s]; dup {
				return apperr.Validation("invalid_condition", "multisig signer %s listed twice", s)
			}
			seen[s] = struct{}{}
		}
		if c.RequiredSignatures < 1 || c.RequiredSignatures > len(c.Signers) {
			return apperr.Validation("invalid_condition", "required_signatures must be between 1 and %d", len(c.Signers))
		}
	case nil:
		return apperr.Validation("invalid_condition", "condition payload is missing")
	default:
		return apperr.Validation("invalid_condition", "unsupported condition type %s", spec.Kind())
	}
	return nil
}

func typeMismatch(cond *models.ReleaseCondition, want string) error {
	return apperr.Validation("condition_type_mismatch", "condition %d is %s, not %s", cond.Index, cond.Kind(), want)
}
