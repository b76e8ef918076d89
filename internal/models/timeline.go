package models

import (
	"time"

	"github.com/google/uuid"
)

// Timeline event types
const (
	TimelineEscrowCreated       = "escrow_created"
	TimelineStatusChanged       = "status_changed"
	TimelineConditionUpdated    = "condition_updated"
	TimelineConditionMet        = "condition_met"
	TimelineConditionFailed     = "condition_failed"
	TimelineApprovalSubmitted   = "approval_submitted"
	TimelineSignatureSubmitted  = "signature_submitted"
	TimelineAllocationAdded     = "allocation_added"
	TimelineReleased            = "released"
	TimelineCancelRequested     = "cancel_requested"
	TimelineCancelled           = "cancelled"
	TimelineTimedOut            = "timed_out"
	TimelineDisputeOpened       = "dispute_opened"
	TimelineEvidenceSubmitted   = "evidence_submitted"
	TimelineEvidenceVerified    = "evidence_verified"
	TimelineArbiterAssigned     = "arbiter_assigned"
	TimelineVoteCast            = "vote_cast"
	TimelineDisputeResolved     = "dispute_resolved"
	TimelineDisputeEscalated    = "dispute_escalated"
	TimelinePayoutEmitted       = "payout_emitted"
	TimelineSettlementConfirmed = "settlement_confirmed"
)

// Actor used for transitions the engine makes on its own.
const ActorSystem = "system"

type TimelineEvent struct {
	ID        int64          `json:"id"`
	EscrowID  uuid.UUID      `json:"escrow_id"`
	DisputeID *uuid.UUID     `json:"dispute_id,omitempty"`
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
