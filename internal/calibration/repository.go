package calibration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/grow-logic-core/internal/infrastructure/database"
)

// Repository defines persistence for calibrations and sessions.
type Repository interface {
	Get(ctx context.Context, actuatorID string) (*PumpCalibration, error)
	List(ctx context.Context) ([]PumpCalibration, error)
	Save(ctx context.Context, c *PumpCalibration) error

	CreateSession(ctx context.Context, s *Session) error
	OpenSession(ctx context.Context, actuatorID string) (*Session, error)
	CloseSession(ctx context.Context, id string, closedAt time.Time, outcome string) error

	// SaveAndClose stores c and closes the session atomically.
	SaveAndClose(ctx context.Context, c *PumpCalibration, sessionID string, closedAt time.Time, outcome string) error
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const calibrationColumns = `actuator_id, flow_rate_ml_per_s, last_calibrated_at, adjustment_factor, history, updated_at`

// Get returns the stored calibration for actuatorID.
func (r *SQLiteRepository) Get(ctx context.Context, actuatorID string) (*PumpCalibration, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+calibrationColumns+` FROM pump_calibrations WHERE actuator_id = ?`, actuatorID)
	c, err := scanCalibration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying calibration: %w", err)
	}
	return c, nil
}

// List returns every stored calibration ordered by actuator.
func (r *SQLiteRepository) List(ctx context.Context) ([]PumpCalibration, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+calibrationColumns+` FROM pump_calibrations ORDER BY actuator_id`)
	if err != nil {
		return nil, fmt.Errorf("querying calibrations: %w", err)
	}
	defer rows.Close()

	var out []PumpCalibration
	for rows.Next() {
		c, err := scanCalibration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning calibration: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating calibrations: %w", err)
	}
	return out, nil
}

// Save inserts or replaces the calibration.
func (r *SQLiteRepository) Save(ctx context.Context, c *PumpCalibration) error {
	return saveCalibration(ctx, r.db, c)
}

func saveCalibration(ctx context.Context, ex execer, c *PumpCalibration) error {
	history, err := json.Marshal(c.History)
	if err != nil {
		return fmt.Errorf("marshalling calibration history: %w", err)
	}
	if c.History == nil {
		history = []byte("[]")
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO pump_calibrations (`+calibrationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (actuator_id) DO UPDATE SET
			flow_rate_ml_per_s = excluded.flow_rate_ml_per_s,
			last_calibrated_at = excluded.last_calibrated_at,
			adjustment_factor = excluded.adjustment_factor,
			history = excluded.history,
			updated_at = excluded.updated_at`,
		c.ActuatorID, c.FlowRateMLPerS, database.FormatTimePtr(c.LastCalibratedAt),
		c.AdjustmentFactor, string(history), database.FormatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving calibration: %w", err)
	}
	return nil
}

// CreateSession inserts a session. The partial unique index rejects a
// second open session for the same actuator.
func (r *SQLiteRepository) CreateSession(ctx context.Context, s *Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO calibration_sessions (id, actuator_id, duration_s, started_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.ActuatorID, s.DurationS,
		database.FormatTime(s.StartedAt), database.FormatTime(s.ExpiresAt),
	)
	if err != nil {
		if database.IsUniqueConstraintError(err) {
			return ErrSessionOpen
		}
		return fmt.Errorf("inserting calibration session: %w", err)
	}
	return nil
}

// OpenSession returns the actuator's open session or ErrNoSession.
func (r *SQLiteRepository) OpenSession(ctx context.Context, actuatorID string) (*Session, error) {
	var (
		s                 Session
		started, expires  string
		closedAt, outcome sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, actuator_id, duration_s, started_at, expires_at, closed_at, outcome
		FROM calibration_sessions WHERE actuator_id = ? AND closed_at IS NULL`, actuatorID,
	).Scan(&s.ID, &s.ActuatorID, &s.DurationS, &started, &expires, &closedAt, &outcome)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("querying open session: %w", err)
	}

	if s.StartedAt, err = database.ParseTime(started); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = database.ParseTime(expires); err != nil {
		return nil, err
	}
	s.Outcome = outcome.String
	return &s, nil
}

// CloseSession marks a session closed with outcome.
func (r *SQLiteRepository) CloseSession(ctx context.Context, id string, closedAt time.Time, outcome string) error {
	return closeSession(ctx, r.db, id, closedAt, outcome)
}

func closeSession(ctx context.Context, ex execer, id string, closedAt time.Time, outcome string) error {
	result, err := ex.ExecContext(ctx,
		`UPDATE calibration_sessions SET closed_at = ?, outcome = ? WHERE id = ? AND closed_at IS NULL`,
		database.FormatTime(closedAt), outcome, id,
	)
	if err != nil {
		return fmt.Errorf("closing calibration session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNoSession
	}
	return nil
}

// SaveAndClose implements Repository.
func (r *SQLiteRepository) SaveAndClose(ctx context.Context, c *PumpCalibration, sessionID string, closedAt time.Time, outcome string) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := saveCalibration(ctx, tx, c); err != nil {
			return err
		}
		return closeSession(ctx, tx, sessionID, closedAt, outcome)
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCalibration(row scanner) (*PumpCalibration, error) {
	var (
		c                  PumpCalibration
		lastCalibrated     sql.NullString
		history, updatedAt string
	)
	if err := row.Scan(&c.ActuatorID, &c.FlowRateMLPerS, &lastCalibrated,
		&c.AdjustmentFactor, &history, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if c.LastCalibratedAt, err = database.ParseNullTime(lastCalibrated); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(history), &c.History); err != nil {
		return nil, fmt.Errorf("unmarshalling calibration history: %w", err)
	}
	if len(c.History) == 0 {
		c.History = nil
	}
	return &c, nil
}
