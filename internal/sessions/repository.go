package sessions

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itqan-platform/session-engine/internal/models"
	"github.com/itqan-platform/session-engine/pkg/database"
)

const sessionColumns = `id, academy_id, session_type, status, scheduled_at, duration_minutes,
	started_at, ended_at, preparation_completed_at, actual_duration_minutes, meeting_room_name,
	attendance_status, cancellation_reason, owner_kind, owner_id, updated_at`

// Repository handles sessions persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.AcademyID, &s.Type, &s.Status, &s.ScheduledAt, &s.DurationMinutes,
		&s.StartedAt, &s.EndedAt, &s.PreparationCompletedAt, &s.ActualDurationMinutes, &s.MeetingRoomName,
		&s.AttendanceStatus, &s.CancellationReason, &s.Owner.Kind, &s.Owner.ID, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new session in SCHEDULED state.
func (r *Repository) Create(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO sessions (id, academy_id, session_type, status, scheduled_at, duration_minutes, owner_kind, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING updated_at`
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = models.StatusScheduled
	}
	err := r.pool.QueryRow(ctx, q, s.ID, s.AcademyID, s.Type, s.Status, s.ScheduledAt.UTC(), s.DurationMinutes,
		s.Owner.Kind, s.Owner.ID).Scan(&s.UpdatedAt)
	return database.StoreError("insert session", err)
}

// GetSession returns the session or database.ErrNotFound.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, database.ErrNotFound
		}
		return nil, database.StoreError("select session", err)
	}
	return s, nil
}

// CompareAndSwapSession writes the lifecycle fields of next only while the stored status is
// still expected. It reports false when another writer got there first.
func (r *Repository) CompareAndSwapSession(ctx context.Context, next *models.Session, expected models.SessionStatus) (bool, error) {
	return r.swap(ctx, next, expected, "")
}

// CompareAndSwapUnattended is CompareAndSwapSession guarded by "nobody ever joined" in the
// same statement.
func (r *Repository) CompareAndSwapUnattended(ctx context.Context, next *models.Session, expected models.SessionStatus) (bool, error) {
	return r.swap(ctx, next, expected, ` AND NOT EXISTS (
			SELECT 1 FROM meeting_attendances a WHERE a.session_id = sessions.id AND a.first_join_time IS NOT NULL)`)
}

func (r *Repository) swap(ctx context.Context, next *models.Session, expected models.SessionStatus, guard string) (bool, error) {
	q := `UPDATE sessions SET
			status = $3,
			started_at = $4,
			ended_at = $5,
			preparation_completed_at = $6,
			actual_duration_minutes = $7,
			attendance_status = $8,
			cancellation_reason = $9,
			meeting_room_name = COALESCE(meeting_room_name, $10),
			updated_at = $11
		WHERE id = $1 AND status = $2` + guard
	tag, err := r.pool.Exec(ctx, q, next.ID, expected, next.Status, next.StartedAt, next.EndedAt,
		next.PreparationCompletedAt, next.ActualDurationMinutes, next.AttendanceStatus,
		next.CancellationReason, next.MeetingRoomName, next.UpdatedAt)
	if err != nil {
		return false, database.StoreError("update session status", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetMeetingRoom stores the provider room name unless one is already set.
func (r *Repository) SetMeetingRoom(ctx context.Context, id uuid.UUID, roomName string) (bool, error) {
	const q = `UPDATE sessions SET meeting_room_name = $2, updated_at = NOW() WHERE id = $1 AND meeting_room_name IS NULL`
	tag, err := r.pool.Exec(ctx, q, id, roomName)
	if err != nil {
		return false, database.StoreError("update meeting room", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListActiveSessions returns non-terminal sessions inside the scope's scheduling bounds.
func (r *Repository) ListActiveSessions(ctx context.Context, scope models.SessionScope) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status IN ('scheduled', 'ready', 'ongoing')`
	var args []any
	if !scope.ScheduledUntil.IsZero() {
		args = append(args, scope.ScheduledUntil)
		q += fmt.Sprintf(` AND scheduled_at <= $%d`, len(args))
	}
	if !scope.ScheduledFrom.IsZero() {
		args = append(args, scope.ScheduledFrom)
		q += fmt.Sprintf(` AND (status <> 'scheduled' OR scheduled_at >= $%d)`, len(args))
	}
	if scope.AcademyID != nil {
		args = append(args, *scope.AcademyID)
		q += fmt.Sprintf(` AND academy_id = $%d`, len(args))
	}
	q += ` ORDER BY scheduled_at, id`
	return r.list(ctx, "list active sessions", q, args...)
}

// ListSessionsWithOpenCycles returns sessions where any attendance cycle is still open.
func (r *Repository) ListSessionsWithOpenCycles(ctx context.Context, scope models.SessionScope) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions s
		WHERE EXISTS (SELECT 1 FROM meeting_attendances a WHERE a.session_id = s.id AND a.has_open_cycle)`
	var args []any
	if scope.AcademyID != nil {
		q += ` AND s.academy_id = $1`
		args = append(args, *scope.AcademyID)
	}
	q += ` ORDER BY s.scheduled_at, s.id`
	return r.list(ctx, "list sessions with open cycles", q, args...)
}

func (r *Repository) list(ctx context.Context, op, q string, args ...any) ([]models.Session, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, database.StoreError(op, err)
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, database.StoreError(op, err)
		}
		list = append(list, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, database.StoreError(op, err)
	}
	return list, nil
}
