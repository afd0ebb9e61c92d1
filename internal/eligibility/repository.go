package eligibility

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/nerrad567/grow-logic-core/internal/infrastructure/database"
	"github.com/nerrad567/grow-logic-core/internal/schedule"
)

// Repository defines persistence for traces and overrides.
type Repository interface {
	// AppendTrace stores t and sets t.Seq. It fails with ErrNonMonotonic
	// unless t is strictly later than the pair's latest trace.
	AppendTrace(ctx context.Context, t *Trace) error
	LatestTrace(ctx context.Context, pair schedule.Pair) (*Trace, error)
	// ListTraces returns the pair's newest limit traces, oldest first.
	ListTraces(ctx context.Context, pair schedule.Pair, limit int) ([]Trace, error)
	// ActivePairs returns the pairs whose latest trace has an on verdict.
	ActivePairs(ctx context.Context) ([]schedule.Pair, error)

	GetOverride(ctx context.Context, pair schedule.Pair) (*Override, error)
	SetOverride(ctx context.Context, o *Override) error
	ClearOverride(ctx context.Context, pair schedule.Pair) error
	ListOverrides(ctx context.Context) ([]Override, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const traceColumns = `id, unit_id, device_type, evaluated_at, schedule_verdict, threshold_verdict,
			override_verdict, final_verdict, winning_schedule_id, reason_codes`

// AppendTrace implements Repository. The latest-trace check and the insert
// share a transaction.
func (r *SQLiteRepository) AppendTrace(ctx context.Context, t *Trace) error {
	codes, err := json.Marshal(t.ReasonCodes)
	if err != nil {
		return fmt.Errorf("marshalling reason codes: %w", err)
	}
	if t.ReasonCodes == nil {
		codes = []byte("[]")
	}

	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var latest sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT MAX(evaluated_at) FROM eligibility_traces WHERE unit_id = ? AND device_type = ?`,
			t.UnitID, string(t.DeviceType),
		).Scan(&latest)
		if err != nil {
			return fmt.Errorf("querying latest trace: %w", err)
		}
		at := database.FormatTime(t.EvaluatedAt)
		if latest.Valid && at <= latest.String {
			return fmt.Errorf("%w: %s is not after %s", ErrNonMonotonic, at, latest.String)
		}

		var override sql.NullInt64
		if t.OverrideVerdict != nil {
			override = sql.NullInt64{Int64: int64(database.BoolToInt(*t.OverrideVerdict)), Valid: true}
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO eligibility_traces (
				unit_id, device_type, evaluated_at, schedule_verdict, threshold_verdict,
				override_verdict, final_verdict, winning_schedule_id, reason_codes
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.UnitID, string(t.DeviceType), at,
			database.BoolToInt(t.ScheduleVerdict), database.BoolToInt(t.ThresholdVerdict),
			override, database.BoolToInt(t.FinalVerdict),
			database.NullString(t.WinningScheduleID), string(codes),
		)
		if err != nil {
			if database.IsUniqueConstraintError(err) {
				return ErrNonMonotonic
			}
			return fmt.Errorf("inserting trace: %w", err)
		}
		if t.Seq, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("reading trace id: %w", err)
		}
		return nil
	})
}

// LatestTrace implements Repository.
func (r *SQLiteRepository) LatestTrace(ctx context.Context, pair schedule.Pair) (*Trace, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+traceColumns+` FROM eligibility_traces
		WHERE unit_id = ? AND device_type = ? ORDER BY evaluated_at DESC LIMIT 1`,
		pair.UnitID, string(pair.DeviceType))
	t, err := scanTrace(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoTrace
		}
		return nil, fmt.Errorf("querying latest trace: %w", err)
	}
	return t, nil
}

// ListTraces implements Repository.
func (r *SQLiteRepository) ListTraces(ctx context.Context, pair schedule.Pair, limit int) ([]Trace, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+traceColumns+` FROM eligibility_traces
		WHERE unit_id = ? AND device_type = ? ORDER BY evaluated_at DESC LIMIT ?`,
		pair.UnitID, string(pair.DeviceType), limit)
	if err != nil {
		return nil, fmt.Errorf("querying traces: %w", err)
	}
	defer rows.Close()

	var traces []Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trace: %w", err)
		}
		traces = append(traces, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating traces: %w", err)
	}
	slices.Reverse(traces)
	return traces, nil
}

// ActivePairs implements Repository.
func (r *SQLiteRepository) ActivePairs(ctx context.Context) ([]schedule.Pair, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.unit_id, t.device_type FROM eligibility_traces t
		JOIN (
			SELECT unit_id, device_type, MAX(evaluated_at) AS latest
			FROM eligibility_traces GROUP BY unit_id, device_type
		) m ON t.unit_id = m.unit_id AND t.device_type = m.device_type AND t.evaluated_at = m.latest
		WHERE t.final_verdict = 1
		ORDER BY t.unit_id, t.device_type`)
	if err != nil {
		return nil, fmt.Errorf("querying active pairs: %w", err)
	}
	defer rows.Close()

	var pairs []schedule.Pair
	for rows.Next() {
		var p schedule.Pair
		var deviceType string
		if err := rows.Scan(&p.UnitID, &deviceType); err != nil {
			return nil, fmt.Errorf("scanning active pair: %w", err)
		}
		p.DeviceType = schedule.DeviceType(deviceType)
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating active pairs: %w", err)
	}
	return pairs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrace(row scanner) (*Trace, error) {
	var (
		t                     Trace
		deviceType, at, codes string
		sched, thresh, final  int
		override              sql.NullInt64
		winning               sql.NullString
	)
	if err := row.Scan(&t.Seq, &t.UnitID, &deviceType, &at, &sched, &thresh,
		&override, &final, &winning, &codes); err != nil {
		return nil, err
	}

	var err error
	if t.EvaluatedAt, err = database.ParseTime(at); err != nil {
		return nil, err
	}
	t.DeviceType = schedule.DeviceType(deviceType)
	t.ScheduleVerdict = sched == 1
	t.ThresholdVerdict = thresh == 1
	t.FinalVerdict = final == 1
	if override.Valid {
		v := override.Int64 == 1
		t.OverrideVerdict = &v
	}
	t.WinningScheduleID = winning.String
	if err := json.Unmarshal([]byte(codes), &t.ReasonCodes); err != nil {
		return nil, fmt.Errorf("unmarshalling reason codes: %w", err)
	}
	return &t, nil
}

const overrideColumns = `unit_id, device_type, state, reason, set_by, expires_at, created_at`

// GetOverride implements Repository.
func (r *SQLiteRepository) GetOverride(ctx context.Context, pair schedule.Pair) (*Override, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+overrideColumns+` FROM manual_overrides
		WHERE unit_id = ? AND device_type = ?`, pair.UnitID, string(pair.DeviceType))
	o, err := scanOverride(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoOverride
		}
		return nil, fmt.Errorf("querying override: %w", err)
	}
	return o, nil
}

// SetOverride implements Repository. An existing override for the pair is
// replaced.
func (r *SQLiteRepository) SetOverride(ctx context.Context, o *Override) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO manual_overrides (`+overrideColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (unit_id, device_type) DO UPDATE SET
			state = excluded.state, reason = excluded.reason, set_by = excluded.set_by,
			expires_at = excluded.expires_at, created_at = excluded.created_at`,
		o.UnitID, string(o.DeviceType), database.BoolToInt(o.State),
		database.NullString(o.Reason), database.NullString(o.SetBy),
		database.FormatTimePtr(o.ExpiresAt), database.FormatTime(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving override: %w", err)
	}
	return nil
}

// ClearOverride implements Repository.
func (r *SQLiteRepository) ClearOverride(ctx context.Context, pair schedule.Pair) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM manual_overrides WHERE unit_id = ? AND device_type = ?`,
		pair.UnitID, string(pair.DeviceType))
	if err != nil {
		return fmt.Errorf("deleting override: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNoOverride
	}
	return nil
}

// ListOverrides implements Repository.
func (r *SQLiteRepository) ListOverrides(ctx context.Context) ([]Override, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+overrideColumns+` FROM manual_overrides ORDER BY unit_id, device_type`)
	if err != nil {
		return nil, fmt.Errorf("querying overrides: %w", err)
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning override: %w", err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating overrides: %w", err)
	}
	return out, nil
}

func scanOverride(row scanner) (*Override, error) {
	var (
		o                      Override
		deviceType, createdAt  string
		state                  int
		reason, setBy, expires sql.NullString
	)
	if err := row.Scan(&o.UnitID, &deviceType, &state, &reason, &setBy, &expires, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if o.ExpiresAt, err = database.ParseNullTime(expires); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	o.DeviceType = schedule.DeviceType(deviceType)
	o.State = state == 1
	o.Reason = reason.String
	o.SetBy = setBy.String
	return &o, nil
}
