package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/tonsurance/escrow-engine/internal/models"
)

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

const escrowColumns = `id, payer, payee, amount, asset, escrow_type, status,
	conditions_met, total_conditions, timeout_at, timeout_action, timeout_split_percentage,
	auto_release, protection, cancel_requested_by, dispute_id, version,
	created_at, funded_at, released_at, closed_at, updated_at`

func (r *EscrowRepo) CreateEscrow(ctx context.Context, c *Commit) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	e := c.Escrow
	e.Version = 1
	protection, err := marshalNullable(e.Protection)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, e.ID, e.Payer, e.Payee, e.Amount, e.Asset, e.EscrowType, e.Status,
		e.ConditionsMet, e.TotalConditions, e.TimeoutAt, e.TimeoutAction, e.TimeoutSplitPercentage,
		e.AutoRelease, protection, nonNil(e.CancelRequestedBy), e.DisputeID, e.Version,
		e.CreatedAt, e.FundedAt, e.ReleasedAt, e.ClosedAt, e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("escrow %s: %w", e.ID, ErrDuplicate)
		}
		return err
	}

	for i := range c.Conditions {
		if err := insertCondition(ctx, tx, &c.Conditions[i]); err != nil {
			return err
		}
	}
	for i := range c.Allocations {
		if err := upsertAllocation(ctx, tx, &c.Allocations[i]); err != nil {
			return err
		}
	}
	if err := writeSideEffects(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetEscrow loads the aggregate inside one read-only snapshot so the
// returned version matches every child row.
func (r *EscrowRepo) GetEscrow(ctx context.Context, id uuid.UUID) (*models.EscrowAggregate, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e, err := scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	agg := &models.EscrowAggregate{Escrow: *e}

	if agg.Conditions, err = loadConditions(ctx, tx, id); err != nil {
		return nil, err
	}
	if agg.Allocations, err = loadAllocations(ctx, tx, id); err != nil {
		return nil, err
	}
	if e.DisputeID != nil {
		if agg.Dispute, err = loadDispute(ctx, tx, *e.DisputeID); err != nil {
			return nil, err
		}
	}
	return agg, tx.Commit(ctx)
}

func (r *EscrowRepo) CommitEscrow(ctx context.Context, c *Commit) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	e := c.Escrow
	protection, err := marshalNullable(e.Protection)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE escrows SET
			status = $3, conditions_met = $4, auto_release = $5, protection = $6,
			cancel_requested_by = $7, dispute_id = $8, released_at = $9, closed_at = $10,
			updated_at = $11, version = version + 1
		WHERE id = $1 AND version = $2
	`, e.ID, e.Version, e.Status, e.ConditionsMet, e.AutoRelease, protection,
		nonNil(e.CancelRequestedBy), e.DisputeID, e.ReleasedAt, e.ClosedAt, e.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	for i := range c.Conditions {
		cond := &c.Conditions[i]
		_, payload, err := models.EncodeConditionSpec(cond.Spec)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE release_conditions SET payload = $2, met_at = $3, updated_at = $4 WHERE id = $1
		`, cond.ID, payload, cond.MetAt, cond.UpdatedAt); err != nil {
			return err
		}
	}
	for i := range c.Allocations {
		if err := upsertAllocation(ctx, tx, &c.Allocations[i]); err != nil {
			return err
		}
	}

	if d := c.Dispute; d != nil {
		if c.NewDispute {
			_, err = tx.Exec(ctx, `
				INSERT INTO disputes (id, escrow_id, initiated_by, reason, description, status,
					payer_receives_percentage, resolved_by, resolution_note,
					opened_at, assigned_at, resolved_at, escalated_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			`, d.ID, d.EscrowID, d.InitiatedBy, d.Reason, d.Description, d.Status,
				d.PayerReceivesPercentage, d.ResolvedBy, d.ResolutionNote,
				d.OpenedAt, d.AssignedAt, d.ResolvedAt, d.EscalatedAt, d.UpdatedAt)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE disputes SET status = $2, payer_receives_percentage = $3, resolved_by = $4,
					resolution_note = $5, assigned_at = $6, resolved_at = $7, escalated_at = $8, updated_at = $9
				WHERE id = $1
			`, d.ID, d.Status, d.PayerReceivesPercentage, d.ResolvedBy,
				d.ResolutionNote, d.AssignedAt, d.ResolvedAt, d.EscalatedAt, d.UpdatedAt)
		}
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("active dispute on escrow %s: %w", d.EscrowID, ErrDuplicate)
			}
			return err
		}
	}

	for _, ev := range c.Evidence {
		if _, err := tx.Exec(ctx, `
			INSERT INTO dispute_evidence (id, dispute_id, submitted_by, evidence_type, content_hash,
				content_uri, description, verified, verified_by, submitted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET verified = EXCLUDED.verified, verified_by = EXCLUDED.verified_by
		`, ev.ID, ev.DisputeID, ev.SubmittedBy, ev.EvidenceType, ev.ContentHash,
			ev.ContentURI, ev.Description, ev.Verified, ev.VerifiedBy, ev.SubmittedAt); err != nil {
			return err
		}
	}
	for _, a := range c.Assignments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO dispute_assignments (dispute_id, arbiter_address, assigned_at)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING
		`, a.DisputeID, a.ArbiterAddress, a.AssignedAt); err != nil {
			return err
		}
	}
	for _, v := range c.Votes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO dispute_votes (id, dispute_id, arbiter_address, option, amount, confidence, reasoning, cast_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, v.ID, v.DisputeID, v.ArbiterAddress, v.Option, v.Amount, v.Confidence, v.Reasoning, v.CastAt); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("vote by %s: %w", v.ArbiterAddress, ErrDuplicate)
			}
			return err
		}
	}
	for _, d := range c.ArbiterDeltas {
		var activeAt *time.Time
		if !d.At.IsZero() {
			activeAt = &d.At
		}
		if _, err := tx.Exec(ctx, `
			UPDATE arbiters SET
				reputation = GREATEST(0, reputation + $2),
				total_disputes_resolved = total_disputes_resolved + $3,
				total_votes_cast = total_votes_cast + $4,
				last_active_at = COALESCE($5, last_active_at)
			WHERE address = $1
		`, d.Address, d.ReputationDelta, d.DisputesResolved, d.VotesCast, activeAt); err != nil {
			return err
		}
	}

	if err := writeSideEffects(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	c.Escrow.Version++
	return nil
}

func (r *EscrowRepo) FindEscrowByCondition(ctx context.Context, conditionID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT escrow_id FROM release_conditions WHERE id = $1`, conditionID).Scan(&id)
	return id, notFound(err)
}

func (r *EscrowRepo) FindEscrowByDispute(ctx context.Context, disputeID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT escrow_id FROM disputes WHERE id = $1`, disputeID).Scan(&id)
	return id, notFound(err)
}

func (r *EscrowRepo) ListDueForTimeout(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
		SELECT id FROM escrows
		WHERE status IN ('active', 'conditions_met') AND timeout_at <= $1
		ORDER BY timeout_at LIMIT $2
	`, now, defaultLimit(limit))
}

func (r *EscrowRepo) ListWithDueTimeConditions(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
		SELECT e.id FROM escrows e
		WHERE e.status = 'active' AND EXISTS (
			SELECT 1 FROM release_conditions c
			WHERE c.escrow_id = e.id AND c.kind = 'time_elapsed' AND c.met_at IS NULL AND c.due_at <= $1
		)
		ORDER BY e.created_at LIMIT $2
	`, now, defaultLimit(limit))
}

func (r *EscrowRepo) ListStaleDisputes(ctx context.Context, openedBefore time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
		SELECT escrow_id FROM disputes
		WHERE status IN ('open', 'under_review') AND opened_at < $1
		ORDER BY opened_at LIMIT $2
	`, openedBefore, defaultLimit(limit))
}

func (r *EscrowRepo) ListPendingOracleConditions(ctx context.Context, limit int) ([]OracleTarget, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.escrow_id, c.payload->>'endpoint'
		FROM release_conditions c JOIN escrows e ON e.id = c.escrow_id
		WHERE e.status = 'active' AND c.kind = 'oracle'
		  AND COALESCE((c.payload->>'verified')::boolean, false) = false
		ORDER BY c.created_at LIMIT $1
	`, defaultLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []OracleTarget
	for rows.Next() {
		var t OracleTarget
		if err := rows.Scan(&t.ConditionID, &t.EscrowID, &t.Endpoint); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (r *EscrowRepo) listIDs(ctx context.Context, sql string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanEscrow(row pgx.Row) (*models.Escrow, error) {
	var e models.Escrow
	var protection []byte
	err := row.Scan(&e.ID, &e.Payer, &e.Payee, &e.Amount, &e.Asset, &e.EscrowType, &e.Status,
		&e.ConditionsMet, &e.TotalConditions, &e.TimeoutAt, &e.TimeoutAction, &e.TimeoutSplitPercentage,
		&e.AutoRelease, &protection, &e.CancelRequestedBy, &e.DisputeID, &e.Version,
		&e.CreatedAt, &e.FundedAt, &e.ReleasedAt, &e.ClosedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(protection) > 0 && string(protection) != "null" {
		e.Protection = &models.Protection{}
		if err := json.Unmarshal(protection, e.Protection); err != nil {
			return nil, fmt.Errorf("decode protection: %w", err)
		}
	}
	return &e, nil
}

func insertCondition(ctx context.Context, q querier, c *models.ReleaseCondition) error {
	kind, payload, err := models.EncodeConditionSpec(c.Spec)
	if err != nil {
		return err
	}
	var dueAt *time.Time
	if te, ok := c.Spec.(*models.TimeElapsedCondition); ok {
		d := te.DueAt()
		dueAt = &d
	}
	_, err = q.Exec(ctx, `
		INSERT INTO release_conditions (id, escrow_id, idx, kind, payload, due_at, met_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.EscrowID, c.Index, kind, payload, dueAt, c.MetAt, c.CreatedAt, c.UpdatedAt)
	return err
}

func loadConditions(ctx context.Context, q querier, escrowID uuid.UUID) ([]models.ReleaseCondition, error) {
	rows, err := q.Query(ctx, `
		SELECT id, escrow_id, idx, kind, payload, met_at, created_at, updated_at
		FROM release_conditions WHERE escrow_id = $1 ORDER BY idx
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conds []models.ReleaseCondition
	for rows.Next() {
		var c models.ReleaseCondition
		var kind string
		var payload []byte
		if err := rows.Scan(&c.ID, &c.EscrowID, &c.Index, &kind, &payload, &c.MetAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if c.Spec, err = models.DecodeConditionSpec(kind, payload); err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return conds, rows.Err()
}

func upsertAllocation(ctx context.Context, q querier, a *models.PartyAllocation) error {
	_, err := q.Exec(ctx, `
		INSERT INTO party_allocations (id, escrow_id, party_address, percentage, paid_amount, paid_at, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
		ON CONFLICT (escrow_id, party_address) DO UPDATE SET paid_amount = EXCLUDED.paid_amount, paid_at = EXCLUDED.paid_at
	`, a.ID, a.EscrowID, a.PartyAddress, a.Percentage.String(), a.PaidAmount, a.PaidAt, a.CreatedAt)
	return err
}

func loadAllocations(ctx context.Context, q querier, escrowID uuid.UUID) ([]models.PartyAllocation, error) {
	rows, err := q.Query(ctx, `
		SELECT id, escrow_id, party_address, percentage::text, paid_amount, paid_at, created_at
		FROM party_allocations WHERE escrow_id = $1 ORDER BY created_at, party_address
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []models.PartyAllocation
	for rows.Next() {
		var a models.PartyAllocation
		var pct string
		if err := rows.Scan(&a.ID, &a.EscrowID, &a.PartyAddress, &pct, &a.PaidAmount, &a.PaidAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		if a.Percentage, err = decimal.NewFromString(pct); err != nil {
			return nil, fmt.Errorf("decode allocation percentage %q: %w", pct, err)
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

func loadDispute(ctx context.Context, q querier, disputeID uuid.UUID) (*models.DisputeAggregate, error) {
	var d models.Dispute
	err := q.QueryRow(ctx, `
		SELECT id, escrow_id, initiated_by, reason, description, status, payer_receives_percentage,
			resolved_by, resolution_note, opened_at, assigned_at, resolved_at, escalated_at, updated_at
		FROM disputes WHERE id = $1
	`, disputeID).Scan(&d.ID, &d.EscrowID, &d.InitiatedBy, &d.Reason, &d.Description, &d.Status, &d.PayerReceivesPercentage,
		&d.ResolvedBy, &d.ResolutionNote, &d.OpenedAt, &d.AssignedAt, &d.ResolvedAt, &d.EscalatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	agg := &models.DisputeAggregate{Dispute: d}

	rows, err := q.Query(ctx, `
		SELECT id, dispute_id, submitted_by, evidence_type, content_hash, content_uri, description,
			verified, verified_by, submitted_at
		FROM dispute_evidence WHERE dispute_id = $1 ORDER BY submitted_at
	`, disputeID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var e models.Evidence
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.SubmittedBy, &e.EvidenceType, &e.ContentHash, &e.ContentURI,
			&e.Description, &e.Verified, &e.VerifiedBy, &e.SubmittedAt); err != nil {
			rows.Close()
			return nil, err
		}
		agg.Evidence = append(agg.Evidence, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.Query(ctx, `
		SELECT dispute_id, arbiter_address, assigned_at
		FROM dispute_assignments WHERE dispute_id = $1 ORDER BY assigned_at, arbiter_address
	`, disputeID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var a models.ArbiterAssignment
		if err := rows.Scan(&a.DisputeID, &a.ArbiterAddress, &a.AssignedAt); err != nil {
			rows.Close()
			return nil, err
		}
		agg.Assignments = append(agg.Assignments, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.Query(ctx, `
		SELECT id, dispute_id, arbiter_address, option, amount, confidence, reasoning, cast_at
		FROM dispute_votes WHERE dispute_id = $1 ORDER BY cast_at
	`, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var v models.Vote
		if err := rows.Scan(&v.ID, &v.DisputeID, &v.ArbiterAddress, &v.Option, &v.Amount, &v.Confidence, &v.Reasoning, &v.CastAt); err != nil {
			return nil, err
		}
		agg.Votes = append(agg.Votes, v)
	}
	return agg, rows.Err()
}

// writeSideEffects appends timeline events and payout instructions inside tx.
func writeSideEffects(ctx context.Context, tx pgx.Tx, c *Commit) error {
	for i := range c.Timeline {
		if err := insertTimelineEvent(ctx, tx, &c.Timeline[i]); err != nil {
			return err
		}
	}
	for i := range c.Payouts {
		if err := insertPayout(ctx, tx, &c.Payouts[i]); err != nil {
			return err
		}
	}
	return nil
}

func marshalNullable(v *models.Protection) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
