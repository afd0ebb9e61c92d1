package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/grow-logic-core/internal/infrastructure/database"
)

// Repository defines the interface for schedule persistence.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Schedule, error)
	List(ctx context.Context) ([]Schedule, error)
	Create(ctx context.Context, s *Schedule) error
	Update(ctx context.Context, s *Schedule) error
	Delete(ctx context.Context, id string) error
}

// scheduleColumns is the SELECT column list for schedule queries.
const scheduleColumns = `id, unit_id, device_type, name, schedule_type, start_minute, end_minute,
			wraparound, days_of_week, priority, enabled, photoperiod, created_at, updated_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a schedule by its identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	s, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying schedule by id: %w", err)
	}
	return s, nil
}

// List retrieves all schedules.
func (r *SQLiteRepository) List(ctx context.Context) ([]Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY unit_id, device_type, priority, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		schedules = append(schedules, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schedules: %w", err)
	}
	return schedules, nil
}

// Create inserts a new schedule.
func (r *SQLiteRepository) Create(ctx context.Context, s *Schedule) error {
	days, photo, err := marshalScheduleJSON(s)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, unit_id, device_type, name, schedule_type, start_minute, end_minute,
			wraparound, days_of_week, priority, enabled, photoperiod, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UnitID, string(s.DeviceType), s.Name, string(s.Type),
		int(s.StartTime), int(s.EndTime), database.BoolToInt(s.Wraparound),
		days, s.Priority, database.BoolToInt(s.Enabled), photo,
		database.FormatTime(s.CreatedAt), database.FormatTime(s.UpdatedAt),
	)
	if err != nil {
		if database.IsUniqueConstraintError(err) {
			return ErrExists
		}
		return fmt.Errorf("inserting schedule: %w", err)
	}
	return nil
}

// Update replaces every mutable column of an existing schedule.
func (r *SQLiteRepository) Update(ctx context.Context, s *Schedule) error {
	days, photo, err := marshalScheduleJSON(s)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET
			unit_id = ?, device_type = ?, name = ?, schedule_type = ?, start_minute = ?, end_minute = ?,
			wraparound = ?, days_of_week = ?, priority = ?, enabled = ?, photoperiod = ?, updated_at = ?
		WHERE id = ?`,
		s.UnitID, string(s.DeviceType), s.Name, string(s.Type),
		int(s.StartTime), int(s.EndTime), database.BoolToInt(s.Wraparound),
		days, s.Priority, database.BoolToInt(s.Enabled), photo,
		database.FormatTime(s.UpdatedAt), s.ID,
	)
	if err != nil {
		return fmt.Errorf("updating schedule: %w", err)
	}
	return requireOneRow(result)
}

// Delete removes a schedule.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	return requireOneRow(result)
}

func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalScheduleJSON(s *Schedule) (string, sql.NullString, error) {
	days := s.DaysOfWeek
	if days == nil {
		days = []int{}
	}
	daysJSON, err := json.Marshal(days)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("marshalling days_of_week: %w", err)
	}

	var photo sql.NullString
	if s.Photoperiod != nil {
		b, err := json.Marshal(s.Photoperiod)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("marshalling photoperiod: %w", err)
		}
		photo = sql.NullString{String: string(b), Valid: true}
	}
	return string(daysJSON), photo, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (*Schedule, error) {
	var s Schedule
	var deviceType, schedType, daysJSON, createdAt, updatedAt string
	var start, end, wrap, enabled int
	var photo sql.NullString

	if err := row.Scan(&s.ID, &s.UnitID, &deviceType, &s.Name, &schedType, &start, &end,
		&wrap, &daysJSON, &s.Priority, &enabled, &photo, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	s.DeviceType = DeviceType(deviceType)
	s.Type = Type(schedType)
	s.StartTime = ClockTime(start)
	s.EndTime = ClockTime(end)
	s.Wraparound = wrap != 0
	s.Enabled = enabled != 0

	if err := json.Unmarshal([]byte(daysJSON), &s.DaysOfWeek); err != nil {
		return nil, fmt.Errorf("unmarshalling days_of_week: %w", err)
	}
	if len(s.DaysOfWeek) == 0 {
		s.DaysOfWeek = nil
	}
	if photo.Valid {
		s.Photoperiod = &Photoperiod{}
		if err := json.Unmarshal([]byte(photo.String), s.Photoperiod); err != nil {
			return nil, fmt.Errorf("unmarshalling photoperiod: %w", err)
		}
	}

	var err error
	if s.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
