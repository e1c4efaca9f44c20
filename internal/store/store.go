package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/delverhq/delver/config"
	core "github.com/delverhq/delver/internal/agent/core"
)

// ErrNotFound marks lookups for rows that do not exist.
var ErrNotFound = errors.New("not found")

// Store persists research runs, users and schedules in Postgres.
type Store struct {
	DB *sql.DB
}

var _ core.RunStore = (*Store)(nil)

// New opens a store against the configured Postgres instance.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	return NewWithDSN(ctx, cfg.DSN())
}

// NewWithDSN opens a store from an explicit DSN and verifies connectivity.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// SaveRun upserts a completed run. Plan, tool results and the report are
// stored as JSONB so the API can serve them back without re-deriving
// anything.
func (s *Store) SaveRun(ctx context.Context, run core.RunRecord) error {
	plan, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	report, err := json.Marshal(run.Report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO research_runs (id, user_id, query, plan, results, report, report_markdown, success, duration_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET results=EXCLUDED.results, report=EXCLUDED.report, report_markdown=EXCLUDED.report_markdown, success=EXCLUDED.success, duration_ms=EXCLUDED.duration_ms`,
		run.ID, nullableID(run.UserID), run.Query, plan, results, report, run.Markdown, run.Success, run.Duration.Milliseconds(), run.CreatedAt)
	return err
}

// GetRun loads a stored run by ID. Missing rows come back as ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (core.RunRecord, error) {
	var (
		rec      core.RunRecord
		userID   sql.NullString
		plan     []byte
		results  []byte
		report   []byte
		duration int64
	)
	err := s.DB.QueryRowContext(ctx, `SELECT id, user_id, query, plan, results, report, report_markdown, success, duration_ms, created_at FROM research_runs WHERE id=$1`, id).
		Scan(&rec.ID, &userID, &rec.Query, &plan, &results, &report, &rec.Markdown, &rec.Success, &duration, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.RunRecord{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return core.RunRecord{}, err
	}
	rec.UserID = userID.String
	rec.Duration = time.Duration(duration) * time.Millisecond
	if err := json.Unmarshal(plan, &rec.Plan); err != nil {
		return core.RunRecord{}, fmt.Errorf("decoding plan: %w", err)
	}
	if err := json.Unmarshal(results, &rec.Results); err != nil {
		return core.RunRecord{}, fmt.Errorf("decoding results: %w", err)
	}
	if err := json.Unmarshal(report, &rec.Report); err != nil {
		return core.RunRecord{}, fmt.Errorf("decoding report: %w", err)
	}
	return rec, nil
}

// RunSummary is the list projection of a stored run.
type RunSummary struct {
	ID         string
	Query      string
	Success    bool
	DurationMS int64
	CreatedAt  time.Time
}

// ListRuns returns recent runs, newest first. An empty userID lists runs
// for all users.
func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, query, success, duration_ms, created_at FROM research_runs ORDER BY created_at DESC LIMIT $1`
	args := []interface{}{limit}
	if userID != "" {
		query = `SELECT id, query, success, duration_ms, created_at FROM research_runs WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`
		args = []interface{}{userID, limit}
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.Query, &r.Success, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Schedule is a stored recurring research query.
type Schedule struct {
	ID        string
	UserID    string
	Query     string
	Cron      string
	LastRunAt *time.Time
	Enabled   bool
	CreatedAt time.Time
}

func (s *Store) CreateSchedule(ctx context.Context, userID, query, cron string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO schedules (user_id, query, cron) VALUES ($1,$2,$3) RETURNING id`, nullableID(userID), query, cron).Scan(&id)
	return id, err
}

// ListEnabledSchedules returns every enabled schedule for the scheduler
// sweep.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, query, cron, last_run_at, enabled, created_at FROM schedules WHERE enabled ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListSchedules returns schedules owned by userID; an empty userID
// lists every schedule.
func (s *Store) ListSchedules(ctx context.Context, userID string) ([]Schedule, error) {
	query := `SELECT id, user_id, query, cron, last_run_at, enabled, created_at FROM schedules ORDER BY created_at`
	args := []interface{}{}
	if userID != "" {
		query = `SELECT id, user_id, query, cron, last_run_at, enabled, created_at FROM schedules WHERE user_id=$1 ORDER BY created_at`
		args = []interface{}{userID}
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *Store) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE schedules SET last_run_at=$2 WHERE id=$1`, id, at)
	return err
}

// SetScheduleEnabled toggles a schedule. A non-empty userID restricts
// the update to schedules that user owns.
func (s *Store) SetScheduleEnabled(ctx context.Context, id, userID string, enabled bool) error {
	query := `UPDATE schedules SET enabled=$2 WHERE id=$1`
	args := []interface{}{id, enabled}
	if userID != "" {
		query = `UPDATE schedules SET enabled=$2 WHERE id=$1 AND user_id=$3`
		args = []interface{}{id, enabled, userID}
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSchedule removes a schedule, scoped to its owner when userID is
// non-empty.
func (s *Store) DeleteSchedule(ctx context.Context, id, userID string) error {
	query := `DELETE FROM schedules WHERE id=$1`
	args := []interface{}{id}
	if userID != "" {
		query = `DELETE FROM schedules WHERE id=$1 AND user_id=$2`
		args = []interface{}{id, userID}
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var (
			sc     Schedule
			userID sql.NullString
		)
		if err := rows.Scan(&sc.ID, &userID, &sc.Query, &sc.Cron, &sc.LastRunAt, &sc.Enabled, &sc.CreatedAt); err != nil {
			return nil, err
		}
		sc.UserID = userID.String
		out = append(out, sc)
	}
	return out, rows.Err()
}

// nullableID maps an empty string to NULL so anonymous rows satisfy the
// foreign key.
func nullableID(id string) interface{} {
	if id == "" {
		return nil
	}
	return id
}
