package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tonsurance/escrow-engine/internal/models"
)

type PayoutRepo struct {
	pool *pgxpool.Pool
}

func NewPayoutRepo(pool *pgxpool.Pool) *PayoutRepo {
	return &PayoutRepo{pool: pool}
}

func insertPayout(ctx context.Context, tx pgx.Tx, p *models.PayoutInstruction) error {
	legs, err := json.Marshal(p.Legs)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO payout_instructions (id, escrow_id, reason, legs, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.EscrowID, p.Reason, legs, p.CreatedAt)
	return err
}

func (r *PayoutRepo) ListPayouts(ctx context.Context, escrowID uuid.UUID) ([]models.PayoutInstruction, error) {
	return r.list(ctx, `
		SELECT id, escrow_id, reason, legs, created_at, dispatched_at
		FROM payout_instructions WHERE escrow_id = $1 ORDER BY created_at
	`, escrowID)
}

// ListUndispatchedPayouts is the outbox read used by the dispatcher.
func (r *PayoutRepo) ListUndispatchedPayouts(ctx context.Context, limit int) ([]models.PayoutInstruction, error) {
	return r.list(ctx, `
		SELECT id, escrow_id, reason, legs, created_at, dispatched_at
		FROM payout_instructions WHERE dispatched_at IS NULL ORDER BY created_at LIMIT $1
	`, defaultLimit(limit))
}

func (r *PayoutRepo) MarkPayoutDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payout_instructions SET dispatched_at = COALESCE(dispatched_at, $2) WHERE id = $1
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PayoutRepo) list(ctx context.Context, sql string, args ...any) ([]models.PayoutInstruction, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PayoutInstruction
	for rows.Next() {
		var p models.PayoutInstruction
		var legs []byte
		if err := rows.Scan(&p.ID, &p.EscrowID, &p.Reason, &legs, &p.CreatedAt, &p.DispatchedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(legs, &p.Legs); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
