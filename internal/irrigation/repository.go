package irrigation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/grow-logic-core/internal/calibration"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/database"
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Statuses   []Status
	PlantID    string
	ActuatorID string
	Limit      int // default 100
}

// Repository defines persistence for irrigation requests.
type Repository interface {
	// Create inserts r. It fails with ErrOpenRequest when the plant and
	// pump already have an open request.
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	// Update stores r if its stored status is still from, otherwise it
	// fails with ErrStaleState.
	Update(ctx context.Context, r *Request, from Status) error
	List(ctx context.Context, f Filter) ([]Request, error)
	// Due returns requests in status whose deadline column is at or before cutoff.
	Due(ctx context.Context, status Status, column DeadlineColumn, cutoff time.Time) ([]Request, error)
	HasOpenForSchedule(ctx context.Context, scheduleID string) (bool, error)
	CountOpen(ctx context.Context) (int, error)
}

// DeadlineColumn selects which timestamp Due compares.
type DeadlineColumn string

// Deadline columns.
const (
	ByDecisionDeadline DeadlineColumn = "decision_deadline"
	ByExecutedAt       DeadlineColumn = "executed_at"
)

// terminalStatusList is the SQL list of terminal statuses.
const terminalStatusList = `('CANCELLED', 'EXPIRED', 'COMPLETED')`

const requestColumns = `id, plant_id, unit_id, actuator_id, schedule_id, status, requested_volume_ml,
			requested_duration_s, volume_source, created_at, decision_deadline, resolved_at, resolution,
			executed_at, feedback, notes, delay_count, attempts, feedback_requested_at, updated_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create implements Repository.
func (r *SQLiteRepository) Create(ctx context.Context, req *Request) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO irrigation_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.PlantID, req.UnitID, req.ActuatorID, database.NullString(req.ScheduleID),
		string(req.Status), req.RequestedVolumeML, req.RequestedDurationS, string(req.VolumeSource),
		database.FormatTime(req.CreatedAt), database.FormatTime(req.DecisionDeadline),
		database.FormatTimePtr(req.ResolvedAt), database.NullString(string(req.Resolution)),
		database.FormatTimePtr(req.ExecutedAt), database.NullString(string(req.Feedback)),
		database.NullString(req.Notes), req.DelayCount, req.Attempts,
		database.FormatTimePtr(req.FeedbackRequestedAt), database.FormatTime(req.UpdatedAt),
	)
	if err != nil {
		if database.IsUniqueConstraintError(err) {
			return fmt.Errorf("%w: plant %s, pump %s", ErrOpenRequest, req.PlantID, req.ActuatorID)
		}
		return fmt.Errorf("inserting irrigation request: %w", err)
	}
	return nil
}

// Get implements Repository.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Request, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM irrigation_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying irrigation request: %w", err)
	}
	return req, nil
}

// Update implements Repository. The status guard and the write are one
// statement.
func (r *SQLiteRepository) Update(ctx context.Context, req *Request, from Status) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE irrigation_requests SET
			status = ?, requested_volume_ml = ?, requested_duration_s = ?, volume_source = ?,
			decision_deadline = ?, resolved_at = ?, resolution = ?, executed_at = ?, feedback = ?,
			notes = ?, delay_count = ?, attempts = ?, feedback_requested_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(req.Status), req.RequestedVolumeML, req.RequestedDurationS, string(req.VolumeSource),
		database.FormatTime(req.DecisionDeadline), database.FormatTimePtr(req.ResolvedAt),
		database.NullString(string(req.Resolution)), database.FormatTimePtr(req.ExecutedAt),
		database.NullString(string(req.Feedback)), database.NullString(req.Notes),
		req.DelayCount, req.Attempts, database.FormatTimePtr(req.FeedbackRequestedAt),
		database.FormatTime(req.UpdatedAt), req.ID, string(from),
	)
	if err != nil {
		if database.IsUniqueConstraintError(err) {
			return fmt.Errorf("%w: plant %s, pump %s", ErrOpenRequest, req.PlantID, req.ActuatorID)
		}
		return fmt.Errorf("updating irrigation request: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM irrigation_requests WHERE id = ?`, req.ID).Scan(&current)
	if database.IsNoRows(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying irrigation request status: %w", err)
	}
	return fmt.Errorf("%w: expected %s, found %s", ErrStaleState, from, current)
}

// List implements Repository. Requests come back oldest first.
func (r *SQLiteRepository) List(ctx context.Context, f Filter) ([]Request, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(f.Statuses)), ", ")
		where = append(where, "status IN ("+marks+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.PlantID != "" {
		where = append(where, "plant_id = ?")
		args = append(args, f.PlantID)
	}
	if f.ActuatorID != "" {
		where = append(where, "actuator_id = ?")
		args = append(args, f.ActuatorID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + requestColumns + ` FROM irrigation_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id LIMIT ?"
	args = append(args, limit)

	return r.query(ctx, query, args...)
}

// Due implements Repository.
func (r *SQLiteRepository) Due(ctx context.Context, status Status, column DeadlineColumn, cutoff time.Time) ([]Request, error) {
	if column != ByDecisionDeadline && column != ByExecutedAt {
		return nil, fmt.Errorf("unknown deadline column %q", column)
	}
	return r.query(ctx, `SELECT `+requestColumns+` FROM irrigation_requests
		WHERE status = ? AND `+string(column)+` IS NOT NULL AND `+string(column)+` <= ?
		ORDER BY `+string(column)+`, id`,
		string(status), database.FormatTime(cutoff))
}

// HasOpenForSchedule implements Repository.
func (r *SQLiteRepository) HasOpenForSchedule(ctx context.Context, scheduleID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM irrigation_requests
		WHERE schedule_id = ? AND status NOT IN `+terminalStatusList, scheduleID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("counting open requests for schedule: %w", err)
	}
	return n > 0, nil
}

// CountOpen implements Repository.
func (r *SQLiteRepository) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM irrigation_requests
		WHERE status NOT IN `+terminalStatusList).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting open requests: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying irrigation requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning irrigation request: %w", err)
		}
		out = append(out, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating irrigation requests: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		req                                       Request
		status, source, createdAt, deadline       string
		updatedAt                                 string
		scheduleID, resolution, feedback, notes   sql.NullString
		resolvedAt, executedAt, feedbackRequested sql.NullString
	)
	if err := row.Scan(&req.ID, &req.PlantID, &req.UnitID, &req.ActuatorID, &scheduleID, &status,
		&req.RequestedVolumeML, &req.RequestedDurationS, &source, &createdAt, &deadline,
		&resolvedAt, &resolution, &executedAt, &feedback, &notes, &req.DelayCount, &req.Attempts,
		&feedbackRequested, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if req.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if req.DecisionDeadline, err = database.ParseTime(deadline); err != nil {
		return nil, err
	}
	if req.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if req.ResolvedAt, err = database.ParseNullTime(resolvedAt); err != nil {
		return nil, err
	}
	if req.ExecutedAt, err = database.ParseNullTime(executedAt); err != nil {
		return nil, err
	}
	if req.FeedbackRequestedAt, err = database.ParseNullTime(feedbackRequested); err != nil {
		return nil, err
	}
	req.ScheduleID = scheduleID.String
	req.Status = Status(status)
	req.VolumeSource = VolumeSource(source)
	req.Resolution = Resolution(resolution.String)
	req.Feedback = calibration.Feedback(feedback.String)
	req.Notes = notes.String
	return &req, nil
}
