// Package allocation validates party allocations and partitions payouts.
package allocation

import (
	"github.com/shopspring/decimal"
	"github.com/tonsurance/escrow-engine/internal/apperr"
	"github.com/tonsurance/escrow-engine/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Total sums the allocation percentages.
func Total(allocs []models.PartyAllocation) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range allocs {
		sum = sum.Add(a.Percentage)
	}
	return sum
}

func validatePercentage(party string, pct decimal.Decimal) error {
	if party == "" {
		return apperr.Validation("invalid_allocation", "party address is required")
	}
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return apperr.Validation("invalid_allocation", "percentage %s for %s is outside [0,100]", pct.String(), party)
	}
	if !pct.Equal(pct.Round(2)) {
		return apperr.Validation("invalid_allocation", "percentage %s has more than two decimal places", pct.String())
	}
	return nil
}

// Validate checks a complete allocation set, as supplied at escrow creation.
func Validate(allocs []models.PartyAllocation) error {
	seen := make(map[string]struct{}, len(allocs))
	for _, a := range allocs {
		if err := validatePercentage(a.PartyAddress, a.Percentage); err != nil {
			return err
		}
		if _, dup := seen[a.PartyAddress]; dup {
			return apperr.Validation("duplicate_allocation", "party %s is allocated twice", a.PartyAddress)
		}
		seen[a.PartyAddress] = struct{}{}
	}
	if total := Total(allocs); total.GreaterThan(hundred) {
		return apperr.Validation("allocation_overflow", "allocations sum to %s%%, above 100%%", total.String())
	}
	return nil
}

// ValidateAddition checks that adding party at pct to existing keeps the set valid.
func ValidateAddition(existing []models.PartyAllocation, party string, pct decimal.Decimal) error {
	if err := validatePercentage(party, pct); err != nil {
		return err
	}
	for _, a := range existing {
		if a.PartyAddress == party {
			return apperr.Validation("duplicate_allocation", "party %s already has an allocation", party)
		}
	}
	if total := Total(existing).Add(pct); total.GreaterThan(hundred) {
		return apperr.Validation("allocation_overflow", "allocations would sum to %s%%, above 100%%", total.String())
	}
	return nil
}

// ShareOf returns floor(amount * pct / 100).
func ShareOf(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(hundred).Floor().IntPart()
}

// ReleaseLegs partitions amount across the allocations; whatever is left,
// including rounding dust, goes to the payee.
func ReleaseLegs(amount int64, asset, payee string, allocs []models.PartyAllocation) []models.PayoutLeg {
	var legs []models.PayoutLeg
	paid := int64(0)
	for _, a := range allocs {
		share := ShareOf(amount, a.Percentage)
		paid += share
		legs = addLeg(legs, a.PartyAddress, share, asset)
	}
	return addLeg(legs, payee, amount-paid, asset)
}

// SplitLegs gives payerPct percent to the payer and the rest to the payee.
func SplitLegs(amount int64, asset, payer, payee string, payerPct int) []models.PayoutLeg {
	payerShare := ShareOf(amount, decimal.NewFromInt(int64(payerPct)))
	var legs []models.PayoutLeg
	legs = addLeg(legs, payer, payerShare, asset)
	return addLeg(legs, payee, amount-payerShare, asset)
}

func addLeg(legs []models.PayoutLeg, party string, amount int64, asset string) []models.PayoutLeg {
	if amount <= 0 {
		return legs
	}
	for i := range legs {
		if legs[i].Party == party {
			legs[i].Amount += amount
			return legs
		}
	}
	return append(legs, models.PayoutLeg{Party: party, Amount: amount, Asset: asset})
}
