package repositories

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tonsurance/escrow-engine/internal/models"
)

type ArbiterRepo struct {
	pool *pgxpool.Pool
}

func NewArbiterRepo(pool *pgxpool.Pool) *ArbiterRepo {
	return &ArbiterRepo{pool: pool}
}

const arbiterColumns = `address, reputation, total_disputes_resolved, total_votes_cast,
	active, specialization, registered_at, last_active_at`

// UpsertArbiter registers a new arbiter or updates active/specialization of
// an existing one. Counters are never overwritten; a is refreshed from the row.
func (r *ArbiterRepo) UpsertArbiter(ctx context.Context, a *models.Arbiter) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO arbiters (address, reputation, total_disputes_resolved, total_votes_cast, active, specialization, registered_at)
		VALUES ($1, $2, 0, 0, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET active = EXCLUDED.active, specialization = EXCLUDED.specialization
		RETURNING `+arbiterColumns,
		a.Address, a.Reputation, a.Active, a.Specialization, a.RegisteredAt)
	out, err := scanArbiter(row)
	if err != nil {
		return err
	}
	*a = *out
	return nil
}

func (r *ArbiterRepo) GetArbiter(ctx context.Context, address string) (*models.Arbiter, error) {
	a, err := scanArbiter(r.pool.QueryRow(ctx, `SELECT `+arbiterColumns+` FROM arbiters WHERE address = $1`, address))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (r *ArbiterRepo) ListArbiters(ctx context.Context, f ArbiterFilter) ([]models.Arbiter, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var addresses []string
	if len(f.Addresses) > 0 {
		addresses = f.Addresses
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+arbiterColumns+` FROM arbiters
		WHERE ($1 = false OR active)
		  AND ($2::text IS NULL OR specialization = $2)
		  AND ($3::text[] IS NULL OR address = ANY($3))
		ORDER BY reputation DESC, address
		LIMIT $4 OFFSET $5
	`, f.ActiveOnly, f.Specialization, addresses, limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Arbiter
	for rows.Next() {
		a, err := scanArbiter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanArbiter(row pgx.Row) (*models.Arbiter, error) {
	var a models.Arbiter
	err := row.Scan(&a.Address, &a.Reputation, &a.TotalDisputesResolved, &a.TotalVotesCast,
		&a.Active, &a.Specialization, &a.RegisteredAt, &a.LastActiveAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
