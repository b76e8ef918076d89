package repositories

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tonsurance/escrow-engine/internal/models"
)

type TimelineRepo struct {
	pool *pgxpool.Pool
}

func NewTimelineRepo(pool *pgxpool.Pool) *TimelineRepo {
	return &TimelineRepo{pool: pool}
}

func insertTimelineEvent(ctx context.Context, tx pgx.Tx, ev *models.TimelineEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	return tx.QueryRow(ctx, `
		INSERT INTO timeline_events (escrow_id, dispute_id, event_type, actor, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, ev.EscrowID, ev.DisputeID, ev.EventType, ev.Actor, data, ev.CreatedAt).Scan(&ev.ID)
}

// ListTimeline returns events oldest first.
func (r *TimelineRepo) ListTimeline(ctx context.Context, escrowID uuid.UUID, limit, offset int) ([]models.TimelineEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, escrow_id, dispute_id, event_type, actor, data, created_at
		FROM timeline_events WHERE escrow_id = $1
		ORDER BY id LIMIT $2 OFFSET $3
	`, escrowID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.TimelineEvent
	for rows.Next() {
		var ev models.TimelineEvent
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &ev.DisputeID, &ev.EventType, &ev.Actor, &data, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
