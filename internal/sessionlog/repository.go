package sessionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itqan-platform/session-engine/internal/models"
	"github.com/itqan-platform/session-engine/pkg/database"
)

const attendanceColumns = `session_id, user_id, user_type, first_join_time, last_leave_time,
	join_leave_cycles, events, join_count, leave_count, total_duration_minutes,
	attendance_status, attendance_percentage, is_late, late_minutes, attendance_calculated_at, updated_at`

// Repository handles meeting_attendances: the per (session, user) join/leave log.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanAttendance(row pgx.Row) (*models.MeetingAttendance, error) {
	var (
		a          models.MeetingAttendance
		cycles     []byte
		events     []byte
		status     *models.AttendanceStatus
		percentage *float64
		isLate     bool
		lateMin    int
	)
	err := row.Scan(&a.SessionID, &a.UserID, &a.UserType, &a.FirstJoinTime, &a.LastLeaveTime,
		&cycles, &events, &a.JoinCount, &a.LeaveCount, &a.TotalDurationMinutes,
		&status, &percentage, &isLate, &lateMin, &a.CalculatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cycles, &a.Cycles); err != nil {
		return nil, fmt.Errorf("decode cycles: %w", err)
	}
	if err := json.Unmarshal(events, &a.Events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	if status != nil {
		c := models.Classification{Status: *status, IsLate: isLate, LateMinutes: lateMin}
		if percentage != nil {
			c.AttendancePercentage = *percentage
		}
		a.Classification = &c
	}
	return &a, nil
}

// UpdateAttendance creates the record if needed, then runs fn on it while holding the row lock.
// The row is written back only when fn reports a change.
func (r *Repository) UpdateAttendance(ctx context.Context, sessionID, userID uuid.UUID, userType models.UserType,
	fn func(a *models.MeetingAttendance) (bool, error)) (*models.MeetingAttendance, error) {
	var out *models.MeetingAttendance
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const ensure = `INSERT INTO meeting_attendances (session_id, user_id, user_type)
			VALUES ($1, $2, $3) ON CONFLICT (session_id, user_id) DO NOTHING`
		if _, err := tx.Exec(ctx, ensure, sessionID, userID, userType); err != nil {
			return database.StoreError("insert attendance", err)
		}

		a, err := scanAttendance(tx.QueryRow(ctx,
			`SELECT `+attendanceColumns+` FROM meeting_attendances WHERE session_id = $1 AND user_id = $2 FOR UPDATE`,
			sessionID, userID))
		if err != nil {
			return database.StoreError("lock attendance", err)
		}

		changed, err := fn(a)
		if err != nil {
			return err
		}
		out = a
		if !changed {
			return nil
		}

		cycles, err := json.Marshal(nonNil(a.Cycles))
		if err != nil {
			return fmt.Errorf("encode cycles: %w", err)
		}
		events, err := json.Marshal(nonNil(a.Events))
		if err != nil {
			return fmt.Errorf("encode events: %w", err)
		}
		a.UpdatedAt = time.Now().UTC()
		var (
			status     *models.AttendanceStatus
			percentage *float64
			isLate     bool
			lateMin    int
		)
		if c := a.Classification; c != nil {
			status, percentage, isLate, lateMin = &c.Status, &c.AttendancePercentage, c.IsLate, c.LateMinutes
		}
		const q = `UPDATE meeting_attendances SET
				first_join_time = $3, last_leave_time = $4, join_leave_cycles = $5, events = $6,
				join_count = $7, leave_count = $8, total_duration_minutes = $9, has_open_cycle = $10,
				attendance_status = $11, attendance_percentage = $12, is_late = $13, late_minutes = $14,
				is_calculated = $15, attendance_calculated_at = $16, updated_at = $17
			WHERE session_id = $1 AND user_id = $2`
		_, err = tx.Exec(ctx, q, sessionID, userID, a.FirstJoinTime, a.LastLeaveTime, cycles, events,
			a.JoinCount, a.LeaveCount, a.TotalDurationMinutes, a.OpenCycle() >= 0,
			status, percentage, isLate, lateMin, a.Classification != nil, a.CalculatedAt, a.UpdatedAt)
		return database.StoreError("update attendance", err)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// GetAttendance returns (nil, nil) when the user never produced an event for the session.
func (r *Repository) GetAttendance(ctx context.Context, sessionID, userID uuid.UUID) (*models.MeetingAttendance, error) {
	a, err := scanAttendance(r.pool.QueryRow(ctx,
		`SELECT `+attendanceColumns+` FROM meeting_attendances WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, database.StoreError("select attendance", err)
	}
	return a, nil
}

// ListAttendances returns every attendance record of a session.
func (r *Repository) ListAttendances(ctx context.Context, sessionID uuid.UUID) ([]models.MeetingAttendance, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attendanceColumns+` FROM meeting_attendances WHERE session_id = $1 ORDER BY user_id`,
		sessionID)
	if err != nil {
		return nil, database.StoreError("list attendances", err)
	}
	defer rows.Close()
	var list []models.MeetingAttendance
	for rows.Next() {
		a, err := scanAttendance(rows)
		if err != nil {
			return nil, database.StoreError("list attendances", err)
		}
		list = append(list, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, database.StoreError("list attendances", err)
	}
	return list, nil
}

// HasAnyJoin reports whether any participant of the session ever joined.
func (r *Repository) HasAnyJoin(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM meeting_attendances WHERE session_id = $1 AND first_join_time IS NOT NULL)`
	var joined bool
	if err := r.pool.QueryRow(ctx, q, sessionID).Scan(&joined); err != nil {
		return false, database.StoreError("check participation", err)
	}
	return joined, nil
}
