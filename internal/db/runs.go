package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/mapgen/internal/timeutil"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// RunStatus is the lifecycle state of a generalization run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// EventStatus is the outcome of one recorded stage.
type EventStatus string

const (
	EventOK      EventStatus = "ok"
	EventWarning EventStatus = "warning"
	EventFailed  EventStatus = "failed"
)

// Run is one invocation of the pipeline.
type Run struct {
	RunID      string
	Scale      string
	Status     RunStatus
	StartClass int
	ConfigJSON string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// StageEvent records the timing and outcome of one pipeline stage.
type StageEvent struct {
	EventID      int64
	RunID        string
	Stage        string
	ClassID      int
	Fraction     float64
	Dataset      string
	Status       EventStatus
	FeatureCount int
	Duration     time.Duration
	Message      string
	RecordedAt   time.Time
}

// RunStore persists runs and their stage events.
type RunStore struct {
	db    *DB
	clock timeutil.Clock
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db, clock: timeutil.RealClock{}}
}

// SetClock replaces the clock used for run and event timestamps.
func (s *RunStore) SetClock(c timeutil.Clock) { s.clock = c }

// Create inserts run. If run.RunID is empty, a new UUID is generated.
func (s *RunStore) Create(ctx context.Context, run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	if run.StartClass == 0 {
		run.StartClass = 1
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.clock.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, scale, status, start_class, config_json, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.RunID, run.Scale, string(run.Status), run.StartClass, nullString(run.ConfigJSON), run.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Finish records the final status of a run. errMsg is stored for failed and
// cancelled runs.
func (s *RunStore) Finish(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE run_id = ?
	`, string(status), nullString(errMsg), s.clock.Now().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// Get returns the run with runID.
func (s *RunStore) Get(ctx context.Context, runID string) (*Run, error) {
	r := &Run{}
	var (
		status   string
		cfg, msg sql.NullString
		started  int64
		finished sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, scale, status, start_class, config_json, error, started_at, finished_at
		FROM runs WHERE run_id = ?
	`, runID).Scan(&r.RunID, &r.Scale, &status, &r.StartClass, &cfg, &msg, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	r.Status = RunStatus(status)
	r.ConfigJSON = cfg.String
	r.Error = msg.String
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		r.FinishedAt = &t
	}
	return r, nil
}

// RecordEvent appends a stage event to its run.
func (s *RunStore) RecordEvent(ctx context.Context, ev *StageEvent) error {
	if ev.Status == "" {
		ev.Status = EventOK
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = s.clock.Now()
	}
	var classID sql.NullInt64
	if ev.ClassID > 0 {
		classID = sql.NullInt64{Int64: int64(ev.ClassID), Valid: true}
	}
	var fraction sql.NullFloat64
	if ev.Fraction > 0 {
		fraction = sql.NullFloat64{Float64: ev.Fraction, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_events (
			run_id, stage, class_id, fraction, dataset, status,
			feature_count, duration_ms, message, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.RunID, ev.Stage, classID, fraction, nullString(ev.Dataset), string(ev.Status),
		ev.FeatureCount, float64(ev.Duration)/float64(time.Millisecond), nullString(ev.Message),
		ev.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert stage event: %w", err)
	}
	ev.EventID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("stage event id: %w", err)
	}
	return nil
}

// ListEvents returns the events of a run in recording order.
func (s *RunStore) ListEvents(ctx context.Context, runID string) ([]StageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, stage, class_id, fraction, dataset, status,
		       feature_count, duration_ms, message, recorded_at
		FROM stage_events
		WHERE run_id = ?
		ORDER BY event_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage events: %w", err)
	}
	defer rows.Close()

	var events []StageEvent
	for rows.Next() {
		var (
			ev              StageEvent
			classID, count  sql.NullInt64
			fraction, durMs sql.NullFloat64
			dataset, msg    sql.NullString
			status          string
			recorded        int64
		)
		if err := rows.Scan(
			&ev.EventID, &ev.RunID, &ev.Stage, &classID, &fraction, &dataset, &status,
			&count, &durMs, &msg, &recorded,
		); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		ev.ClassID = int(classID.Int64)
		ev.Fraction = fraction.Float64
		ev.Dataset = dataset.String
		ev.Status = EventStatus(status)
		ev.FeatureCount = int(count.Int64)
		ev.Duration = time.Duration(durMs.Float64 * float64(time.Millisecond))
		ev.Message = msg.String
		ev.RecordedAt = time.Unix(0, recorded).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountWarnings returns the number of warning events of a run.
func (s *RunStore) CountWarnings(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stage_events WHERE run_id = ? AND status = ?`,
		runID, string(EventWarning),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count warnings: %w", err)
	}
	return n, nil
}
