package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    traffic_allocation REAL NOT NULL DEFAULT 1.0,
    primary_metric TEXT NOT NULL DEFAULT 'conversion_rate',
    confidence_level REAL NOT NULL DEFAULT 0.95,
    min_sample_size INTEGER NOT NULL DEFAULT 0,
    attribution_window_secs INTEGER NOT NULL DEFAULT 0,
    winner_variant_id TEXT,
    start_date INTEGER,
    end_date INTEGER,
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);

CREATE TABLE IF NOT EXISTS variants (
    id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL,
    name TEXT NOT NULL,
    is_control INTEGER NOT NULL DEFAULT 0,
    traffic_pct REAL NOT NULL,
    value TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    total_visitors INTEGER NOT NULL DEFAULT 0,
    total_conversions INTEGER NOT NULL DEFAULT 0,
    total_revenue INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (experiment_id) REFERENCES experiments(id)
);

CREATE INDEX IF NOT EXISTS idx_variants_experiment ON variants(experiment_id);

CREATE TABLE IF NOT EXISTS assignments (
    id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    visitor_id TEXT NOT NULL,
    identifier_type TEXT NOT NULL DEFAULT 'session',
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    FOREIGN KEY (experiment_id) REFERENCES experiments(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_visitor ON assignments(experiment_id, visitor_id);

CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    assignment_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    visitor_id TEXT NOT NULL,
    event_value INTEGER NOT NULL DEFAULT 0,
    event_data TEXT,
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    FOREIGN KEY (experiment_id) REFERENCES experiments(id)
);

CREATE INDEX IF NOT EXISTS idx_events_experiment ON events(experiment_id);
CREATE INDEX IF NOT EXISTS idx_events_experiment_type ON events(experiment_id, event_type);
CREATE INDEX IF NOT EXISTS idx_events_experiment_created ON events(experiment_id, created_at);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Writers queue instead of failing fast when assignments race
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateExperiment(ctx context.Context, exp *Experiment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	exp.CreatedAt = time.Unix(now, 0)
	exp.UpdatedAt = time.Unix(now, 0)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO experiments (id, name, type, status, traffic_allocation, primary_metric,
		                          confidence_level, min_sample_size, attribution_window_secs,
		                          created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.Name, exp.Type, string(exp.Status), exp.TrafficAllocation,
		string(exp.PrimaryMetric), exp.ConfidenceLevel, exp.MinSampleSize,
		int64(exp.AttributionWindow/time.Second), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert experiment: %w", err)
	}

	for i := range exp.Variants {
		v := &exp.Variants[i]
		valueJSON, err := json.Marshal(v.Value)
		if err != nil {
			return fmt.Errorf("failed to marshal variant value: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO variants (id, experiment_id, name, is_control, traffic_pct, value, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.ID, exp.ID, v.Name, boolToInt(v.IsControl), v.TrafficPct, string(valueJSON), i,
		)
		if err != nil {
			return fmt.Errorf("failed to insert variant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit experiment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	var exp Experiment
	var status, metric string
	var windowSecs, createdAt, updatedAt int64
	var winner sql.NullString
	var startDate, endDate sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, status, traffic_allocation, primary_metric, confidence_level,
		        min_sample_size, attribution_window_secs, winner_variant_id, start_date, end_date,
		        created_at, updated_at
		 FROM experiments WHERE id = ?`, id,
	).Scan(&exp.ID, &exp.Name, &exp.Type, &status, &exp.TrafficAllocation, &metric,
		&exp.ConfidenceLevel, &exp.MinSampleSize, &windowSecs, &winner, &startDate, &endDate,
		&createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	exp.Status = ExperimentStatus(status)
	exp.PrimaryMetric = Metric(metric)
	exp.AttributionWindow = time.Duration(windowSecs) * time.Second
	if winner.Valid {
		w := winner.String
		exp.WinnerVariantID = &w
	}
	if startDate.Valid {
		t := time.Unix(startDate.Int64, 0)
		exp.StartDate = &t
	}
	if endDate.Valid {
		t := time.Unix(endDate.Int64, 0)
		exp.EndDate = &t
	}
	exp.CreatedAt = time.Unix(createdAt, 0)
	exp.UpdatedAt = time.Unix(updatedAt, 0)

	variants, err := s.variantsForExperiment(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	exp.Variants = variants

	return &exp, nil
}

func (s *SQLiteStore) variantsForExperiment(ctx context.Context, experimentID string) ([]Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, experiment_id, name, is_control, traffic_pct, value,
		        total_visitors, total_conversions, total_revenue
		 FROM variants WHERE experiment_id = ? ORDER BY position`, experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	defer rows.Close()

	var variants []Variant
	for rows.Next() {
		var v Variant
		var isControl int
		var valueJSON string
		if err := rows.Scan(&v.ID, &v.ExperimentID, &v.Name, &isControl, &v.TrafficPct,
			&valueJSON, &v.TotalVisitors, &v.TotalConversions, &v.TotalRevenue); err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		v.IsControl = isControl != 0
		if err := json.Unmarshal([]byte(valueJSON), &v.Value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variant value: %w", err)
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM experiments ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan experiment id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var exps []*Experiment
	for _, id := range ids {
		exp, err := s.GetExperiment(ctx, id)
		if err != nil {
			return nil, err
		}
		exps = append(exps, exp)
	}
	return exps, nil
}

func (s *SQLiteStore) UpdateExperimentStatus(ctx context.Context, id string, status ExperimentStatus, startDate, endDate *time.Time, winnerVariantID *string) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), time.Now().Unix()}

	if startDate != nil {
		sets = append(sets, "start_date = ?")
		args = append(args, startDate.Unix())
	}
	if endDate != nil {
		sets = append(sets, "end_date = ?")
		args = append(args, endDate.Unix())
	}
	if winnerVariantID != nil {
		sets = append(sets, "winner_variant_id = ?")
		args = append(args, *winnerVariantID)
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		"UPDATE experiments SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update experiment status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, experimentID, visitorID string) (*Assignment, error) {
	return s.getAssignment(ctx,
		`SELECT id, experiment_id, variant_id, visitor_id, identifier_type, created_at
		 FROM assignments WHERE experiment_id = ? AND visitor_id = ?`, experimentID, visitorID)
}

func (s *SQLiteStore) GetAssignmentByID(ctx context.Context, id string) (*Assignment, error) {
	return s.getAssignment(ctx,
		`SELECT id, experiment_id, variant_id, visitor_id, identifier_type, created_at
		 FROM assignments WHERE id = ?`, id)
}

func (s *SQLiteStore) getAssignment(ctx context.Context, query string, args ...any) (*Assignment, error) {
	var a Assignment
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&a.ID, &a.ExperimentID, &a.VariantID, &a.VisitorID, &a.IdentifierType, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	return &a, nil
}

// CreateAssignment relies on idx_assignments_visitor: concurrent first-visit
// calls race on the unique index, the loser re-reads and returns the winner's
// row with created=false.
func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *Assignment) (*Assignment, bool, error) {
	now := time.Now().Unix()
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO assignments (id, experiment_id, variant_id, visitor_id, identifier_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExperimentID, a.VariantID, a.VisitorID, a.IdentifierType, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert assignment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		existing, err := s.GetAssignment(ctx, a.ExperimentID, a.VisitorID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to re-read assignment after conflict: %w", err)
		}
		return existing, false, nil
	}

	created := *a
	created.CreatedAt = time.Unix(now, 0)
	return &created, true, nil
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, ev *Event, delta CounterDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, experiment_id, variant_id, assignment_id, event_type, visitor_id, event_value, event_data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ExperimentID, ev.VariantID, ev.AssignmentID, string(ev.EventType),
		ev.VisitorID, ev.EventValue, nullableString(ev.EventData), now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if delta != (CounterDelta{}) {
		// Counter updates stay in SQL so concurrent events never lose
		// increments to read-modify-write races.
		result, err := tx.ExecContext(ctx,
			`UPDATE variants
			 SET total_visitors = total_visitors + ?,
			     total_conversions = total_conversions + ?,
			     total_revenue = total_revenue + ?
			 WHERE id = ?`,
			delta.Visitors, delta.Conversions, delta.Revenue, ev.VariantID,
		)
		if err != nil {
			return fmt.Errorf("failed to update variant counters: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return ErrNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	ev.CreatedAt = time.Unix(now, 0)
	return nil
}

func (s *SQLiteStore) GetEvents(ctx context.Context, experimentID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, experiment_id, variant_id, assignment_id, event_type, visitor_id, event_value, event_data, created_at
		 FROM events WHERE experiment_id = ? ORDER BY created_at, id`, experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var eventType string
		var data sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ExperimentID, &e.VariantID, &e.AssignmentID,
			&eventType, &e.VisitorID, &e.EventValue, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.EventType = EventType(eventType)
		if data.Valid {
			e.EventData = []byte(data.String)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// AggregateEvents recomputes per-variant counters from raw events inside
// [from, to). This is the audit/windowed path; live reads use the variant
// counter columns.
func (s *SQLiteStore) AggregateEvents(ctx context.Context, experimentID string, from, to time.Time) ([]VariantAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			variant_id,
			COUNT(DISTINCT CASE WHEN event_type = 'exposure' THEN visitor_id END) as visitors,
			COUNT(CASE WHEN event_type = 'conversion' THEN 1 END) as conversions,
			COALESCE(SUM(CASE WHEN event_type = 'conversion' THEN event_value END), 0) as revenue
		FROM events
		WHERE experiment_id = ? AND created_at >= ? AND created_at < ?
		GROUP BY variant_id
		ORDER BY variant_id
	`, experimentID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate events: %w", err)
	}
	defer rows.Close()

	var aggs []VariantAggregate
	for rows.Next() {
		var a VariantAggregate
		if err := rows.Scan(&a.VariantID, &a.Visitors, &a.Conversions, &a.Revenue); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func nullableString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
