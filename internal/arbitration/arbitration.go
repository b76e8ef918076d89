// Package arbitration holds the dispute voting policy: quorum, the
// reputation-weighted aggregation of votes into a payer percentage, and the
// reputation adjustments that follow a resolution.
package arbitration

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tonsurance/escrow-engine/internal/models"
)

var hundred = decimal.NewFromInt(100)

type Policy struct {
	// Quorum is the number of non-abstain votes needed. Zero means a simple
	// majority of the assigned arbiters.
	Quorum          int
	AgreementBand   int
	OutlierBand     int
	AgreementReward int
	OutlierPenalty  int
}

func DefaultPolicy() Policy {
	return Policy{
		AgreementBand:   10,
		OutlierBand:     50,
		AgreementReward: 10,
		OutlierPenalty:  20,
	}
}

func (p Policy) QuorumSize(assigned int) int {
	if assigned <= 0 {
		return 0
	}
	if p.Quorum > 0 {
		if p.Quorum > assigned {
			return assigned
		}
		return p.Quorum
	}
	return assigned/2 + 1
}

// CountedVotes returns the number of votes that carry a position.
func CountedVotes(votes []models.Vote) int {
	n := 0
	for _, v := range votes {
		if v.Option != models.VoteAbstain {
			n++
		}
	}
	return n
}

func (p Policy) HasQuorum(assigned int, votes []models.Vote) bool {
	return assigned > 0 && CountedVotes(votes) >= p.QuorumSize(assigned)
}

// Deadlocked reports whether every assigned arbiter voted and quorum is
// still out of reach.
func (p Policy) Deadlocked(assigned int, votes []models.Vote) bool {
	return assigned > 0 && len(votes) >= assigned && !p.HasQuorum(assigned, votes)
}

// VotePercentage maps a vote to the percentage of the escrow it would give
// the payer. Abstentions carry no position.
func VotePercentage(v models.Vote, escrowAmount int64) (decimal.Decimal, bool) {
	switch v.Option {
	case models.VoteApprove:
		return hundred, true
	case models.VoteDeny:
		return decimal.Zero, true
	case models.VotePartialApprove:
		if v.Amount == nil || escrowAmount <= 0 {
			return decimal.Zero, true
		}
		pct := decimal.NewFromInt(*v.Amount).Mul(hundred).Div(decimal.NewFromInt(escrowAmount))
		if pct.GreaterThan(hundred) {
			pct = hundred
		}
		if pct.IsNegative() {
			pct = decimal.Zero
		}
		return pct, true
	default:
		return decimal.Zero, false
	}
}

func voteWeight(v models.Vote, reputation int) decimal.Decimal {
	if reputation < 0 {
		reputation = 0
	}
	conf := v.Confidence
	if conf <= 0 {
		return decimal.Zero
	}
	if conf > 100 {
		conf = 100
	}
	return decimal.NewFromInt(int64(reputation)).Mul(decimal.NewFromInt(int64(conf))).Div(hundred)
}

// Aggregate computes the payer percentage as the reputation and confidence
// weighted mean of the counted votes, rounded half up. ok is false when no
// vote carries a position.
func Aggregate(votes []models.Vote, reputations map[string]int, escrowAmount int64) (int, bool) {
	type weighted struct {
		pct, weight decimal.Decimal
	}
	var counted []weighted
	totalWeight := decimal.Zero
	for _, v := range votes {
		pct, ok := VotePercentage(v, escrowAmount)
		if !ok {
			continue
		}
		w := voteWeight(v, reputations[v.ArbiterAddress])
		counted = append(counted, weighted{pct: pct, weight: w})
		totalWeight = totalWeight.Add(w)
	}
	if len(counted) == 0 {
		return 0, false
	}

	// all-zero weights fall back to an unweighted mean
	if totalWeight.IsZero() {
		for i := range counted {
			counted[i].weight = decimal.NewFromInt(1)
		}
		totalWeight = decimal.NewFromInt(int64(len(counted)))
	}

	sum := decimal.Zero
	for _, c := range counted {
		sum = sum.Add(c.pct.Mul(c.weight))
	}
	result := int(sum.Div(totalWeight).Round(0).IntPart())
	if result < 0 {
		result = 0
	}
	if result > 100 {
		result = 100
	}
	return result, true
}

// ReputationDeltas scores every assigned arbiter against the final outcome.
// Each assignee is credited with a resolved dispute; counted votes close to
// the outcome gain reputation and outliers lose it. Only arbiters who voted
// get At set, which marks them active.
func (p Policy) ReputationDeltas(d *models.DisputeAggregate, finalPct int, escrowAmount int64, now time.Time) []models.ArbiterDelta {
	final := decimal.NewFromInt(int64(finalPct))
	deltas := make([]models.ArbiterDelta, 0, len(d.Assignments))
	for _, a := range d.Assignments {
		delta := models.ArbiterDelta{Address: a.ArbiterAddress, DisputesResolved: 1}
		for _, v := range d.Votes {
			if v.ArbiterAddress != a.ArbiterAddress {
				continue
			}
			delta.At = now
			pct, ok := VotePercentage(v, escrowAmount)
			if !ok {
				break
			}
			dist := pct.Sub(final).Abs()
			switch {
			case dist.LessThanOrEqual(decimal.NewFromInt(int64(p.AgreementBand))):
				delta.ReputationDelta = p.AgreementReward
			case dist.GreaterThanOrEqual(decimal.NewFromInt(int64(p.OutlierBand))):
				delta.ReputationDelta = -p.OutlierPenalty
			}
			break
		}
		deltas = append(deltas, delta)
	}
	return deltas
}

// SelectArbiters picks up to n active arbiters by descending reputation,
// skipping excluded addresses (typically the escrow's parties).
func SelectArbiters(candidates []models.Arbiter, n int, exclude ...string) []models.Arbiter {
	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		skip[e] = struct{}{}
	}
	var pool []models.Arbiter
	for _, a := range candidates {
		if !a.Active {
			continue
		}
		if _, ok := skip[a.Address]; ok {
			continue
		}
		pool = append(pool, a)
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Reputation != pool[j].Reputation {
			return pool[i].Reputation > pool[j].Reputation
		}
		if pool[i].TotalDisputesResolved != pool[j].TotalDisputesResolved {
			return pool[i].TotalDisputesResolved > pool[j].TotalDisputesResolved
		}
		return pool[i].Address < pool[j].Address
	})
	if n < len(pool) {
		pool = pool[:n]
	}
	return pool
}
