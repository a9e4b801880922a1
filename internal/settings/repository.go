package settings

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itqan-platform/session-engine/internal/models"
	"github.com/itqan-platform/session-engine/pkg/database"
)

// Repository stores per-entity and per-academy timing overrides.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a settings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Overrides returns the stored overrides for the owner, or (nil, nil) when none exist.
func (r *Repository) Overrides(ctx context.Context, kind models.OwnerKind, id uuid.UUID) (*models.PolicyOverrides, error) {
	const q = `SELECT preparation_minutes, late_join_grace_period_minutes, ending_buffer_minutes
		FROM policy_settings WHERE owner_kind = $1 AND owner_id = $2`
	var o models.PolicyOverrides
	err := r.pool.QueryRow(ctx, q, kind, id).Scan(&o.PreparationMinutes, &o.LateJoinGracePeriodMinutes, &o.EndingBufferMinutes)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, database.StoreError("get policy settings", err)
	}
	return &o, nil
}

// Upsert replaces the overrides of one owner. Nil fields clear that level.
func (r *Repository) Upsert(ctx context.Context, kind models.OwnerKind, id uuid.UUID, o models.PolicyOverrides) error {
	const q = `INSERT INTO policy_settings (owner_kind, owner_id, preparation_minutes, late_join_grace_period_minutes, ending_buffer_minutes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_kind, owner_id) DO UPDATE SET
			preparation_minutes = EXCLUDED.preparation_minutes,
			late_join_grace_period_minutes = EXCLUDED.late_join_grace_period_minutes,
			ending_buffer_minutes = EXCLUDED.ending_buffer_minutes,
			updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, kind, id, o.PreparationMinutes, o.LateJoinGracePeriodMinutes, o.EndingBufferMinutes)
	return database.StoreError("upsert policy settings", err)
}
