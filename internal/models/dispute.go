package models

import (
	"time"

	"github.com/google/uuid"
)

// Dispute statuses
const (
	DisputeStatusOpen        = "open"
	DisputeStatusUnderReview = "under_review"
	DisputeStatusResolved    = "resolved"
	DisputeStatusEscalated   = "escalated"
)

var ValidDisputeTransitions = map[string][]string{
	DisputeStatusOpen:        {DisputeStatusUnderReview, DisputeStatusEscalated},
	DisputeStatusUnderReview: {DisputeStatusResolved, DisputeStatusEscalated},
	DisputeStatusEscalated:   {DisputeStatusResolved},
	DisputeStatusResolved:    {},
}

func IsValidDisputeTransition(from, to string) bool {
	for _, s := range ValidDisputeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Dispute reasons
const (
	DisputeReasonNonDelivery     = "non_delivery"
	DisputeReasonQualityIssue    = "quality_issue"
	DisputeReasonPartialDelivery = "partial_delivery"
	DisputeReasonFraud           = "fraud"
	DisputeReasonBreachOfTerms   = "breach_of_terms"
	DisputeReasonOther           = "other"
)

func IsValidDisputeReason(r string) bool {
	switch r {
	case DisputeReasonNonDelivery, DisputeReasonQualityIssue, DisputeReasonPartialDelivery,
		DisputeReasonFraud, DisputeReasonBreachOfTerms, DisputeReasonOther:
		return true
	}
	return false
}

// Evidence types
const (
	EvidenceDocument         = "document"
	EvidencePhoto            = "photo"
	EvidenceVideo            = "video"
	EvidenceTransactionProof = "transaction_proof"
	EvidenceCommunicationLog = "communication_log"
	EvidenceContract         = "contract"
	EvidenceOther            = "other"
)

func IsValidEvidenceType(t string) bool {
	switch t {
	case EvidenceDocument, EvidencePhoto, EvidenceVideo, EvidenceTransactionProof,
		EvidenceCommunicationLog, EvidenceContract, EvidenceOther:
		return true
	}
	return false
}

// Vote options
const (
	VoteApprove        = "approve"
	VoteDeny           = "deny"
	VotePartialApprove = "partial_approve"
	VoteAbstain        = "abstain"
)

func IsValidVoteOption(o string) bool {
	return o == VoteApprove || o == VoteDeny || o == VotePartialApprove || o == VoteAbstain
}

type Dispute struct {
	ID                      uuid.UUID  `json:"id"`
	EscrowID                uuid.UUID  `json:"escrow_id"`
	InitiatedBy             string     `json:"initiated_by"`
	Reason                  string     `json:"reason"`
	Description             string     `json:"description"`
	Status                  string     `json:"status"`
	PayerReceivesPercentage *int       `json:"payer_receives_percentage,omitempty"`
	ResolvedBy              *string    `json:"resolved_by,omitempty"`
	ResolutionNote          *string    `json:"resolution_note,omitempty"`
	OpenedAt                time.Time  `json:"opened_at"`
	AssignedAt              *time.Time `json:"assigned_at,omitempty"`
	ResolvedAt              *time.Time `json:"resolved_at,omitempty"`
	EscalatedAt             *time.Time `json:"escalated_at,omitempty"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// IsActive reports whether the dispute still blocks its escrow from a new dispute.
func (d *Dispute) IsActive() bool {
	return d.Status == DisputeStatusOpen || d.Status == DisputeStatusUnderReview
}

func (d *Dispute) AcceptsVotes() bool {
	return d.Status == DisputeStatusUnderReview
}

type Evidence struct {
	ID           uuid.UUID `json:"id"`
	DisputeID    uuid.UUID `json:"dispute_id"`
	SubmittedBy  string    `json:"submitted_by"`
	EvidenceType string    `json:"evidence_type"`
	ContentHash  string    `json:"content_hash"`
	ContentURI   *string   `json:"content_uri,omitempty"`
	Description  *string   `json:"description,omitempty"`
	Verified     bool      `json:"verified"`
	VerifiedBy   *string   `json:"verified_by,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

type ArbiterAssignment struct {
	DisputeID      uuid.UUID `json:"dispute_id"`
	ArbiterAddress string    `json:"arbiter_address"`
	AssignedAt     time.Time `json:"assigned_at"`
}

type Vote struct {
	ID             uuid.UUID `json:"id"`
	DisputeID      uuid.UUID `json:"dispute_id"`
	ArbiterAddress string    `json:"arbiter_address"`
	Option         string    `json:"option"`
	Amount         *int64    `json:"amount,omitempty"` // partial_approve: amount the payer should receive
	Confidence     int       `json:"confidence"`       // 0..100
	Reasoning      *string   `json:"reasoning,omitempty"`
	CastAt         time.Time `json:"cast_at"`
}

const ArbiterBaselineReputation = 1000

type Arbiter struct {
	Address               string     `json:"address"`
	Reputation            int        `json:"reputation"`
	TotalDisputesResolved int        `json:"total_disputes_resolved"`
	TotalVotesCast        int        `json:"total_votes_cast"`
	Active                bool       `json:"active"`
	Specialization        *string    `json:"specialization,omitempty"`
	RegisteredAt          time.Time  `json:"registered_at"`
	LastActiveAt          *time.Time `json:"last_active_at,omitempty"`
}

// ArbiterDelta is an increment applied to an arbiter row in the same
// transaction as the dispute change that caused it.
type ArbiterDelta struct {
	Address          string    `json:"address"`
	ReputationDelta  int       `json:"reputation_delta"`
	DisputesResolved int       `json:"disputes_resolved"`
	VotesCast        int       `json:"votes_cast"`
	At               time.Time `json:"at"`
}

type DisputeAggregate struct {
	Dispute     Dispute             `json:"dispute"`
	Evidence    []Evidence          `json:"evidence"`
	Assignments []ArbiterAssignment `json:"assignments"`
	Votes       []Vote              `json:"votes"`
}

func (d *DisputeAggregate) IsAssigned(addr string) bool {
	for _, a := range d.Assignments {
		if a.ArbiterAddress == addr {
			return true
		}
	}
	return false
}

func (d *DisputeAggregate) HasVoted(addr string) bool {
	for _, v := range d.Votes {
		if v.ArbiterAddress == addr {
			return true
		}
	}
	return false
}

func (d *DisputeAggregate) EvidenceByID(id uuid.UUID) *Evidence {
	for i := range d.Evidence {
		if d.Evidence[i].ID == id {
			return &d.Evidence[i]
		}
	}
	return nil
}

func (d Dispute) Clone() Dispute {
	out := d
	if d.PayerReceivesPercentage != nil {
		v := *d.PayerReceivesPercentage
		out.PayerReceivesPercentage = &v
	}
	out.ResolvedBy = cloneString(d.ResolvedBy)
	out.ResolutionNote = cloneString(d.ResolutionNote)
	out.AssignedAt = cloneTime(d.AssignedAt)
	out.ResolvedAt = cloneTime(d.ResolvedAt)
	out.EscalatedAt = cloneTime(d.EscalatedAt)
	return out
}

func (d *DisputeAggregate) Clone() *DisputeAggregate {
	c := &DisputeAggregate{Dispute: d.Dispute.Clone()}
	c.Evidence = append([]Evidence(nil), d.Evidence...)
	c.Assignments = append([]ArbiterAssignment(nil), d.Assignments...)
	c.Votes = append([]Vote(nil), d.Votes...)
	return c
}
