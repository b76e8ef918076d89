package models

import (
	"time"

	"github.com/google/uuid"
)

// Payout reasons
const (
	PayoutReasonRelease = "release"
	PayoutReasonTimeout = "timeout"
	PayoutReasonDispute = "dispute_resolution"
	PayoutReasonCancel  = "cancellation"
)

type PayoutLeg struct {
	Party  string `json:"party"`
	Amount int64  `json:"amount"`
	Asset  string `json:"asset"`
}

// PayoutInstruction is handed to the settlement layer, which moves the funds.
type PayoutInstruction struct {
	ID           uuid.UUID   `json:"id"`
	EscrowID     uuid.UUID   `json:"escrow_id"`
	Reason       string      `json:"reason"`
	Legs         []PayoutLeg `json:"legs"`
	CreatedAt    time.Time   `json:"created_at"`
	DispatchedAt *time.Time  `json:"dispatched_at,omitempty"`
}

func (p PayoutInstruction) Total() int64 {
	var sum int64
	for _, l := range p.Legs {
		sum += l.Amount
	}
	return sum
}

// SettlementConfirmation reports that the settlement layer paid a party.
type SettlementConfirmation struct {
	EscrowID uuid.UUID `json:"escrow_id"`
	Party    string    `json:"party"`
	Amount   int64     `json:"amount"`
	TxRef    string    `json:"tx_ref"`
	PaidAt   time.Time `json:"paid_at"`
}
