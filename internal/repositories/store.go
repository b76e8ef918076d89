package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tonsurance/escrow-engine/internal/models"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("escrow version conflict")
	ErrDuplicate       = errors.New("duplicate record")
)

// Commit is everything one escrow operation writes. It is applied
// atomically: the escrow row is updated only if its version still equals
// Escrow.Version, and nothing else is written otherwise.
type Commit struct {
	Escrow        *models.Escrow
	Conditions    []models.ReleaseCondition
	Allocations   []models.PartyAllocation
	Dispute       *models.Dispute
	NewDispute    bool
	Evidence      []models.Evidence
	Assignments   []models.ArbiterAssignment
	Votes         []models.Vote
	ArbiterDeltas []models.ArbiterDelta
	Timeline      []models.TimelineEvent
	Payouts       []models.PayoutInstruction
}

// TouchCondition records c (by value) to be written; a later touch of the
// same condition replaces the earlier one.
func (c *Commit) TouchCondition(cond *models.ReleaseCondition) {
	cp := cond.Clone()
	for i := range c.Conditions {
		if c.Conditions[i].ID == cp.ID {
			c.Conditions[i] = cp
			return
		}
	}
	c.Conditions = append(c.Conditions, cp)
}

func (c *Commit) TouchAllocation(a *models.PartyAllocation) {
	cp := a.Clone()
	for i := range c.Allocations {
		if c.Allocations[i].PartyAddress == cp.PartyAddress {
			c.Allocations[i] = cp
			return
		}
	}
	c.Allocations = append(c.Allocations, cp)
}

func (c *Commit) TouchEvidence(e models.Evidence) {
	for i := range c.Evidence {
		if c.Evidence[i].ID == e.ID {
			c.Evidence[i] = e
			return
		}
	}
	c.Evidence = append(c.Evidence, e)
}

func (c *Commit) SetDispute(d *models.Dispute, isNew bool) {
	cp := d.Clone()
	c.Dispute = &cp
	c.NewDispute = c.NewDispute || isNew
}

func (c *Commit) Emit(ev models.TimelineEvent) {
	c.Timeline = append(c.Timeline, ev)
}

// Empty reports whether the commit would write nothing besides the version bump.
func (c *Commit) Empty() bool {
	return len(c.Conditions) == 0 && len(c.Allocations) == 0 && c.Dispute == nil &&
		len(c.Evidence) == 0 && len(c.Assignments) == 0 && len(c.Votes) == 0 &&
		len(c.ArbiterDeltas) == 0 && len(c.Timeline) == 0 && len(c.Payouts) == 0
}

// OracleTarget is an unverified oracle condition on an active escrow.
type OracleTarget struct {
	ConditionID uuid.UUID
	EscrowID    uuid.UUID
	Endpoint    string
}

type ArbiterFilter struct {
	ActiveOnly     bool
	Specialization *string
	Addresses      []string
	Limit          int
	Offset         int
}

type EscrowStore interface {
	// CreateEscrow inserts a new escrow with all its conditions, allocations
	// and the events/payouts produced while creating it.
	CreateEscrow(ctx context.Context, c *Commit) error
	GetEscrow(ctx context.Context, id uuid.UUID) (*models.EscrowAggregate, error)
	// CommitEscrow applies c under the version check described on Commit.
	// On success Escrow.Version is advanced and timeline IDs are filled in.
	CommitEscrow(ctx context.Context, c *Commit) error

	FindEscrowByCondition(ctx context.Context, conditionID uuid.UUID) (uuid.UUID, error)
	FindEscrowByDispute(ctx context.Context, disputeID uuid.UUID) (uuid.UUID, error)

	ListDueForTimeout(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListWithDueTimeConditions(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListStaleDisputes(ctx context.Context, openedBefore time.Time, limit int) ([]uuid.UUID, error)
	ListPendingOracleConditions(ctx context.Context, limit int) ([]OracleTarget, error)
}

type ArbiterStore interface {
	UpsertArbiter(ctx context.Context, a *models.Arbiter) error
	GetArbiter(ctx context.Context, address string) (*models.Arbiter, error)
	ListArbiters(ctx context.Context, f ArbiterFilter) ([]models.Arbiter, error)
}

type TimelineStore interface {
	ListTimeline(ctx context.Context, escrowID uuid.UUID, limit, offset int) ([]models.TimelineEvent, error)
}

type PayoutStore interface {
	ListPayouts(ctx context.Context, escrowID uuid.UUID) ([]models.PayoutInstruction, error)
	ListUndispatchedPayouts(ctx context.Context, limit int) ([]models.PayoutInstruction, error)
	MarkPayoutDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Store is the full persistence surface used by the services.
type Store interface {
	EscrowStore
	ArbiterStore
	TimelineStore
	PayoutStore
}
