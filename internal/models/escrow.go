package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow statuses
const (
	EscrowStatusActive        = "active"
	EscrowStatusConditionsMet = "conditions_met"
	EscrowStatusDisputed      = "disputed"
	EscrowStatusReleased      = "released"
	EscrowStatusCancelled     = "cancelled"
	EscrowStatusTimedOut      = "timed_out"
)

// Valid state transitions: from -> []to
var ValidEscrowTransitions = map[string][]string{
	EscrowStatusActive:        {EscrowStatusConditionsMet, EscrowStatusDisputed, EscrowStatusCancelled, EscrowStatusTimedOut},
	EscrowStatusConditionsMet: {EscrowStatusReleased, EscrowStatusDisputed, EscrowStatusCancelled, EscrowStatusTimedOut},
	EscrowStatusDisputed:      {EscrowStatusReleased},
	EscrowStatusReleased:      {},
	EscrowStatusCancelled:     {},
	EscrowStatusTimedOut:      {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidEscrowTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminalStatus(status string) bool {
	return status == EscrowStatusReleased || status == EscrowStatusCancelled || status == EscrowStatusTimedOut
}

// Escrow types
const (
	EscrowTypeFreelance    = "freelance"
	EscrowTypeTradeFinance = "trade_finance"
	EscrowTypeMilestone    = "milestone"
	EscrowTypeRealEstate   = "real_estate"
	EscrowTypeMultiParty   = "multi_party"
)

// DefaultAutoRelease is the type policy used when creation does not say otherwise.
var DefaultAutoRelease = map[string]bool{
	EscrowTypeFreelance:    false,
	EscrowTypeTradeFinance: true,
	EscrowTypeMilestone:    true,
	EscrowTypeRealEstate:   false,
	EscrowTypeMultiParty:   true,
}

func IsValidEscrowType(t string) bool {
	_, ok := DefaultAutoRelease[t]
	return ok
}

// Timeout actions
const (
	TimeoutReleaseToPayee = "release_to_payee"
	TimeoutReturnToPayer  = "return_to_payer"
	TimeoutSplit          = "split"
)

func IsValidTimeoutAction(a string) bool {
	return a == TimeoutReleaseToPayee || a == TimeoutReturnToPayer || a == TimeoutSplit
}

// Coverage scopes
const (
	CoveragePayerOnly   = "payer_only"
	CoveragePayeeOnly   = "payee_only"
	CoverageBothParties = "both_parties"
)

func IsValidCoverageScope(s string) bool {
	return s == CoveragePayerOnly || s == CoveragePayeeOnly || s == CoverageBothParties
}

type Protection struct {
	PolicyID      string `json:"policy_id"`
	PremiumPaid   int64  `json:"premium_paid"`
	CoverageScope string `json:"coverage_scope"`
}

type Escrow struct {
	ID                     uuid.UUID   `json:"id"`
	Payer                  string      `json:"payer"`
	Payee                  string      `json:"payee"`
	Amount                 int64       `json:"amount"` // minor units of Asset
	Asset                  string      `json:"asset"`
	EscrowType             string      `json:"escrow_type"`
	Status                 string      `json:"status"`
	ConditionsMet          int         `json:"conditions_met"`
	TotalConditions        int         `json:"total_conditions"`
	TimeoutAt              time.Time   `json:"timeout_at"`
	TimeoutAction          string      `json:"timeout_action"`
	TimeoutSplitPercentage *int        `json:"timeout_split_percentage,omitempty"`
	AutoRelease            bool        `json:"auto_release"`
	Protection             *Protection `json:"protection,omitempty"`
	CancelRequestedBy      []string    `json:"cancel_requested_by,omitempty"`
	DisputeID              *uuid.UUID  `json:"dispute_id,omitempty"`
	Version                int64       `json:"version"`
	CreatedAt              time.Time   `json:"created_at"`
	FundedAt               time.Time   `json:"funded_at"`
	ReleasedAt             *time.Time  `json:"released_at,omitempty"`
	ClosedAt               *time.Time  `json:"closed_at,omitempty"`
	UpdatedAt              time.Time   `json:"updated_at"`
}

func (e *Escrow) IsTerminal() bool {
	return IsTerminalStatus(e.Status)
}

// IsPrincipal reports whether addr is the payer or the payee.
func (e *Escrow) IsPrincipal(addr string) bool {
	return addr != "" && (addr == e.Payer || addr == e.Payee)
}

func (e *Escrow) HasCancelRequest(addr string) bool {
	for _, a := range e.CancelRequestedBy {
		if a == addr {
			return true
		}
	}
	return false
}

func (e *Escrow) Clone() Escrow {
	c := *e
	if e.TimeoutSplitPercentage != nil {
		v := *e.TimeoutSplitPercentage
		c.TimeoutSplitPercentage = &v
	}
	if e.Protection != nil {
		p := *e.Protection
		c.Protection = &p
	}
	if e.CancelRequestedBy != nil {
		c.CancelRequestedBy = append([]string(nil), e.CancelRequestedBy...)
	}
	if e.DisputeID != nil {
		id := *e.DisputeID
		c.DisputeID = &id
	}
	if e.ReleasedAt != nil {
		t := *e.ReleasedAt
		c.ReleasedAt = &t
	}
	if e.ClosedAt != nil {
		t := *e.ClosedAt
		c.ClosedAt = &t
	}
	return c
}

// EscrowAggregate is an escrow together with everything a single commit may touch.
type EscrowAggregate struct {
	Escrow      Escrow             `json:"escrow"`
	Conditions  []ReleaseCondition `json:"conditions"`
	Allocations []PartyAllocation  `json:"allocations"`
	Dispute     *DisputeAggregate  `json:"dispute,omitempty"`
}

func (a *EscrowAggregate) Condition(index int) *ReleaseCondition {
	for i := range a.Conditions {
		if a.Conditions[i].Index == index {
			return &a.Conditions[i]
		}
	}
	return nil
}

func (a *EscrowAggregate) ConditionByID(id uuid.UUID) *ReleaseCondition {
	for i := range a.Conditions {
		if a.Conditions[i].ID == id {
			return &a.Conditions[i]
		}
	}
	return nil
}

func (a *EscrowAggregate) Allocation(party string) *PartyAllocation {
	for i := range a.Allocations {
		if a.Allocations[i].PartyAddress == party {
			return &a.Allocations[i]
		}
	}
	return nil
}

// IsParty reports whether addr is the payer, the payee or holds an allocation.
func (a *EscrowAggregate) IsParty(addr string) bool {
	if a.Escrow.IsPrincipal(addr) {
		return true
	}
	return addr != "" && a.Allocation(addr) != nil
}

func (a *EscrowAggregate) Clone() *EscrowAggregate {
	c := &EscrowAggregate{Escrow: a.Escrow.Clone()}
	c.Conditions = make([]ReleaseCondition, len(a.Conditions))
	for i := range a.Conditions {
		c.Conditions[i] = a.Conditions[i].Clone()
	}
	c.Allocations = make([]PartyAllocation, len(a.Allocations))
	for i := range a.Allocations {
		c.Allocations[i] = a.Allocations[i].Clone()
	}
	if a.Dispute != nil {
		c.Dispute = a.Dispute.Clone()
	}
	return c
}

// EscrowSummary is the read model returned by get-escrow-summary.
type EscrowSummary struct {
	Escrow     Escrow             `json:"escrow"`
	Conditions []ReleaseCondition `json:"conditions"`
	// FailedConditions can never be met; the escrow can only end by
	// timeout, cancel or dispute.
	FailedConditions []uuid.UUID         `json:"failed_conditions,omitempty"`
	Allocations      []PartyAllocation   `json:"allocations"`
	Dispute          *DisputeAggregate   `json:"dispute,omitempty"`
	RecentEvents     []TimelineEvent     `json:"recent_events"`
	Payouts          []PayoutInstruction `json:"payouts,omitempty"`
}
