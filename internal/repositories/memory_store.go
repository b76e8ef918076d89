package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tonsurance/escrow-engine/internal/models"
)

// MemoryStore keeps everything in process. It backs tests and
// STORE_BACKEND=memory; commits are serialised by a single mutex and apply
// all-or-nothing, mirroring one database transaction.
type MemoryStore struct {
	mu          sync.RWMutex
	escrows     map[uuid.UUID]*models.EscrowAggregate
	disputes    map[uuid.UUID]*models.DisputeAggregate
	conditions  map[uuid.UUID]uuid.UUID // condition id -> escrow id
	arbiters    map[string]*models.Arbiter
	timeline    map[uuid.UUID][]models.TimelineEvent
	payouts     []*models.PayoutInstruction
	nextEventID int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:    make(map[uuid.UUID]*models.EscrowAggregate),
		disputes:   make(map[uuid.UUID]*models.DisputeAggregate),
		conditions: make(map[uuid.UUID]uuid.UUID),
		arbiters:   make(map[string]*models.Arbiter),
		timeline:   make(map[uuid.UUID][]models.TimelineEvent),
	}
}

func (s *MemoryStore) CreateEscrow(_ context.Context, c *Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.escrows[c.Escrow.ID]; exists {
		return fmt.Errorf("escrow %s: %w", c.Escrow.ID, ErrDuplicate)
	}

	c.Escrow.Version = 1
	agg := &models.EscrowAggregate{Escrow: c.Escrow.Clone()}
	for _, cond := range c.Conditions {
		agg.Conditions = append(agg.Conditions, cond.Clone())
		s.conditions[cond.ID] = c.Escrow.ID
	}
	sort.Slice(agg.Conditions, func(i, j int) bool { return agg.Conditions[i].Index < agg.Conditions[j].Index })
	for _, a := range c.Allocations {
		agg.Allocations = append(agg.Allocations, a.Clone())
	}
	s.escrows[c.Escrow.ID] = agg
	s.appendSideEffects(c)
	return nil
}

func (s *MemoryStore) GetEscrow(_ context.Context, id uuid.UUID) (*models.EscrowAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := agg.Clone()
	if agg.Escrow.DisputeID != nil {
		if d, ok := s.disputes[*agg.Escrow.DisputeID]; ok {
			out.Dispute = d.Clone()
		}
	}
	return out, nil
}

func (s *MemoryStore) CommitEscrow(_ context.Context, c *Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.escrows[c.Escrow.ID]
	if !ok {
		return ErrNotFound
	}
	if agg.Escrow.Version != c.Escrow.Version {
		return ErrVersionConflict
	}

	// Checks that would fail a database constraint run before any write.
	if c.Dispute != nil && c.NewDispute {
		for _, d := range s.disputes {
			if d.Dispute.EscrowID == c.Escrow.ID && d.Dispute.IsActive() && d.Dispute.ID != c.Dispute.ID {
				return fmt.Errorf("active dispute on escrow %s: %w", c.Escrow.ID, ErrDuplicate)
			}
		}
	}
	if len(c.Votes) > 0 && c.Dispute != nil {
		existing := s.disputes[c.Dispute.ID]
		for _, v := range c.Votes {
			if existing != nil && existing.HasVoted(v.ArbiterAddress) {
				return fmt.Errorf("vote by %s: %w", v.ArbiterAddress, ErrDuplicate)
			}
		}
	}

	c.Escrow.Version++
	agg.Escrow = c.Escrow.Clone()

	for _, cond := range c.Conditions {
		for i := range agg.Conditions {
			if agg.Conditions[i].ID == cond.ID {
				agg.Conditions[i] = cond.Clone()
			}
		}
	}
	for _, a := range c.Allocations {
		replaced := false
		for i := range agg.Allocations {
			if agg.Allocations[i].PartyAddress == a.PartyAddress {
				agg.Allocations[i] = a.Clone()
				replaced = true
			}
		}
		if !replaced {
			agg.Allocations = append(agg.Allocations, a.Clone())
		}
	}

	if c.Dispute != nil {
		d, ok := s.disputes[c.Dispute.ID]
		if !ok {
			d = &models.DisputeAggregate{}
			s.disputes[c.Dispute.ID] = d
		}
		d.Dispute = c.Dispute.Clone()
		for _, e := range c.Evidence {
			if cur := d.EvidenceByID(e.ID); cur != nil {
				*cur = e
			} else {
				d.Evidence = append(d.Evidence, e)
			}
		}
		for _, a := range c.Assignments {
			if !d.IsAssigned(a.ArbiterAddress) {
				d.Assignments = append(d.Assignments, a)
			}
		}
		d.Votes = append(d.Votes, c.Votes...)
	}

	for _, delta := range c.ArbiterDeltas {
		a, ok := s.arbiters[delta.Address]
		if !ok {
			continue
		}
		a.Reputation += delta.ReputationDelta
		if a.Reputation < 0 {
			a.Reputation = 0
		}
		a.TotalDisputesResolved += delta.DisputesResolved
		a.TotalVotesCast += delta.VotesCast
		if !delta.At.IsZero() {
			at := delta.At
			a.LastActiveAt = &at
		}
	}

	s.appendSideEffects(c)
	return nil
}

// appendSideEffects assigns timeline ids and stores payouts. Caller holds mu.
func (s *MemoryStore) appendSideEffects(c *Commit) {
	for i := range c.Timeline {
		s.nextEventID++
		c.Timeline[i].ID = s.nextEventID
		s.timeline[c.Timeline[i].EscrowID] = append(s.timeline[c.Timeline[i].EscrowID], c.Timeline[i])
	}
	for i := range c.Payouts {
		p := c.Payouts[i]
		p.Legs = append([]models.PayoutLeg(nil), p.Legs...)
		s.payouts = append(s.payouts, &p)
	}
}

func (s *MemoryStore) FindEscrowByCondition(_ context.Context, conditionID uuid.UUID) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.conditions[conditionID]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	return id, nil
}

func (s *MemoryStore) FindEscrowByDispute(_ context.Context, disputeID uuid.UUID) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[disputeID]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	return d.Dispute.EscrowID, nil
}

func (s *MemoryStore) ListDueForTimeout(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*models.Escrow
	for _, agg := range s.escrows {
		e := &agg.Escrow
		if (e.Status == models.EscrowStatusActive || e.Status == models.EscrowStatusConditionsMet) && !e.TimeoutAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TimeoutAt.Before(due[j].TimeoutAt) })
	return limitIDs(due, limit), nil
}

func (s *MemoryStore) ListWithDueTimeConditions(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*models.Escrow
	for _, agg := range s.escrows {
		if agg.Escrow.Status != models.EscrowStatusActive {
			continue
		}
		for _, c := range agg.Conditions {
			te, ok := c.Spec.(*models.TimeElapsedCondition)
			if ok && c.MetAt == nil && !te.DueAt().After(now) {
				due = append(due, &agg.Escrow)
				break
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	return limitIDs(due, limit), nil
}

func (s *MemoryStore) ListStaleDisputes(_ context.Context, openedBefore time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []*models.Dispute
	for _, d := range s.disputes {
		if d.Dispute.IsActive() && d.Dispute.OpenedAt.Before(openedBefore) {
			stale = append(stale, &d.Dispute)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].OpenedAt.Before(stale[j].OpenedAt) })
	var ids []uuid.UUID
	for _, d := range stale {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, d.EscrowID)
	}
	return ids, nil
}

func (s *MemoryStore) ListPendingOracleConditions(_ context.Context, limit int) ([]OracleTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OracleTarget
	for _, agg := range s.escrows {
		if agg.Escrow.Status != models.EscrowStatusActive {
			continue
		}
		for _, c := range agg.Conditions {
			oc, ok := c.Spec.(*models.OracleCondition)
			if !ok || oc.Verified {
				continue
			}
			out = append(out, OracleTarget{ConditionID: c.ID, EscrowID: agg.Escrow.ID, Endpoint: oc.Endpoint})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConditionID.String() < out[j].ConditionID.String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertArbiter(_ context.Context, a *models.Arbiter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.arbiters[a.Address]; ok {
		cur.Active = a.Active
		cur.Specialization = a.Specialization
		*a = *cur
		return nil
	}
	cp := *a
	s.arbiters[a.Address] = &cp
	return nil
}

func (s *MemoryStore) GetArbiter(_ context.Context, address string) (*models.Arbiter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.arbiters[address]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListArbiters(_ context.Context, f ArbiterFilter) ([]models.Arbiter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var wanted map[string]struct{}
	if len(f.Addresses) > 0 {
		wanted = make(map[string]struct{}, len(f.Addresses))
		for _, a := range f.Addresses {
			wanted[a] = struct{}{}
		}
	}

	var out []models.Arbiter
	for _, a := range s.arbiters {
		if f.ActiveOnly && !a.Active {
			continue
		}
		if f.Specialization != nil && (a.Specialization == nil || *a.Specialization != *f.Specialization) {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[a.Address]; !ok {
				continue
			}
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reputation != out[j].Reputation {
			return out[i].Reputation > out[j].Reputation
		}
		return out[i].Address < out[j].Address
	})
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *MemoryStore) ListTimeline(_ context.Context, escrowID uuid.UUID, limit, offset int) ([]models.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := append([]models.TimelineEvent(nil), s.timeline[escrowID]...)
	return paginate(events, limit, offset), nil
}

func (s *MemoryStore) ListPayouts(_ context.Context, escrowID uuid.UUID) ([]models.PayoutInstruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PayoutInstruction
	for _, p := range s.payouts {
		if p.EscrowID == escrowID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListUndispatchedPayouts(_ context.Context, limit int) ([]models.PayoutInstruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PayoutInstruction
	for _, p := range s.payouts {
		if p.DispatchedAt != nil {
			continue
		}
		out = append(out, *p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkPayoutDispatched(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payouts {
		if p.ID == id {
			if p.DispatchedAt == nil {
				t := at
				p.DispatchedAt = &t
			}
			return nil
		}
	}
	return ErrNotFound
}

func limitIDs(escrows []*models.Escrow, limit int) []uuid.UUID {
	var ids []uuid.UUID
	for _, e := range escrows {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, e.ID)
	}
	return ids
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
