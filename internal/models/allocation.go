package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PartyAllocation struct {
	ID           uuid.UUID       `json:"id"`
	EscrowID     uuid.UUID       `json:"escrow_id"`
	PartyAddress string          `json:"party_address"`
	Percentage   decimal.Decimal `json:"percentage"` // 0..100, two decimal places
	PaidAmount   *int64          `json:"paid_amount,omitempty"`
	PaidAt       *time.Time      `json:"paid_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (a PartyAllocation) IsPaid() bool {
	return a.PaidAt != nil
}

func (a PartyAllocation) Clone() PartyAllocation {
	out := a
	if a.PaidAmount != nil {
		v := *a.PaidAmount
		out.PaidAmount = &v
	}
	out.PaidAt = cloneTime(a.PaidAt)
	return out
}
