package dto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tonsurance/escrow-engine/internal/auth"
	"github.com/tonsurance/escrow-engine/internal/models"
)

// Auth

type TonProofRequest struct {
	auth.WalletProof
}

type IssueTokenRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// Escrows

// ConditionRequest is a tagged release condition: {"type": "oracle", ...}.
type ConditionRequest json.RawMessage

func (c *ConditionRequest) UnmarshalJSON(data []byte) error {
	*c = append((*c)[:0], data...)
	return nil
}

// Spec decodes the variant named by the "type" field.
func (c ConditionRequest) Spec() (models.ConditionSpec, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(c, &head); err != nil {
		return nil, err
	}
	if head.Type == "" {
		return nil, fmt.Errorf("condition type is required")
	}
	return models.DecodeConditionSpec(head.Type, c)
}

type AllocationRequest struct {
	Party      string          `json:"party"`
	Percentage decimal.Decimal `json:"percentage"`
}

type CreateEscrowRequest struct {
	Payer                  string              `json:"payer"`
	Payee                  string              `json:"payee"`
	Amount                 int64               `json:"amount"`
	Asset                  string              `json:"asset"`
	EscrowType             string              `json:"escrow_type"`
	Conditions             []ConditionRequest  `json:"conditions"`
	TimeoutAt              time.Time           `json:"timeout_at"`
	TimeoutAction          string              `json:"timeout_action"`
	TimeoutSplitPercentage *int                `json:"timeout_split_percentage,omitempty"`
	AutoRelease            *bool               `json:"auto_release,omitempty"`
	Protection             *models.Protection  `json:"protection,omitempty"`
	Allocations            []AllocationRequest `json:"allocations,omitempty"`
}

type ApprovalRequest struct {
	Signature string `json:"signature"`
}

type OracleFactRequest struct {
	ObservedValue string    `json:"observed_value"`
	ObservedAt    time.Time `json:"observed_at"`
}

type ChainEventRequest struct {
	Chain      string    `json:"chain"`
	Occurred   bool      `json:"occurred"`
	VerifiedAt time.Time `json:"verified_at"`
	TxRef      string    `json:"tx_ref"`
}

type SettlementRequest struct {
	Party  string    `json:"party"`
	Amount int64     `json:"amount"`
	TxRef  string    `json:"tx_ref"`
	PaidAt time.Time `json:"paid_at"`
}

// Disputes

type OpenDisputeRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

type EvidenceRequest struct {
	EvidenceType string  `json:"evidence_type"`
	ContentHash  string  `json:"content_hash"`
	ContentURI   *string `json:"content_uri,omitempty"`
	Description  *string `json:"description,omitempty"`
}

type AssignArbitersRequest struct {
	Arbiters []string `json:"arbiters,omitempty"`
}

type VoteRequest struct {
	Option     string  `json:"option"`
	Amount     *int64  `json:"amount,omitempty"`
	Confidence *int    `json:"confidence,omitempty"`
	Reasoning  *string `json:"reasoning,omitempty"`
}

type ResolveDisputeRequest struct {
	PayerPercentage int    `json:"payer_percentage"`
	Note            string `json:"note"`
}

type RegisterArbiterRequest struct {
	Address        string  `json:"address"`
	Specialization *string `json:"specialization,omitempty"`
	Active         *bool   `json:"active,omitempty"`
}
