package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskbridge/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL CHECK(kind IN ('daily','monthly','minutely')),
  time_of_day TEXT,
  day_of_month INTEGER,
  step_minutes INTEGER,
  tz_offset_min INTEGER NOT NULL DEFAULT 0,
  remaining_runs INTEGER,
  start_at_ms INTEGER,
  end_at_ms INTEGER,
  next_run_at_ms INTEGER NOT NULL,
  template BLOB NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_next_run ON jobs(next_run_at_ms);
`
	_, err := db.Exec(schema)
	return err
}

// sqliteStore keeps each job and its due-index entry in one row, so the
// record and its index move together without a transaction per put.
type sqliteStore struct{ db *sql.DB }

func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) Put(ctx context.Context, j domain.Job) error {
	tpl, err := json.Marshal(j.Template)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (id,kind,time_of_day,day_of_month,step_minutes,tz_offset_min,remaining_runs,start_at_ms,end_at_ms,next_run_at_ms,template,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  kind=excluded.kind,
  time_of_day=excluded.time_of_day,
  day_of_month=excluded.day_of_month,
  step_minutes=excluded.step_minutes,
  tz_offset_min=excluded.tz_offset_min,
  remaining_runs=excluded.remaining_runs,
  start_at_ms=excluded.start_at_ms,
  end_at_ms=excluded.end_at_ms,
  next_run_at_ms=excluded.next_run_at_ms,
  template=excluded.template,
  updated_at=CURRENT_TIMESTAMP
`, j.ID, string(j.Rule.Kind), nullStr(j.Rule.TimeOfDay), nullInt(j.Rule.DayOfMonth), nullInt(j.Rule.StepMinutes),
		j.TZOffsetMinutes, nullIntPtr(j.RemainingRuns), nullTimeMS(j.StartAt), nullTimeMS(j.EndAt),
		j.NextRunAt.UnixMilli(), tpl)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,kind,time_of_day,day_of_month,step_minutes,tz_offset_min,remaining_runs,start_at_ms,end_at_ms,next_run_at_ms,template,created_at,updated_at
FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id=?", id)
	return err
}

func (s *sqliteStore) DueBefore(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM jobs WHERE next_run_at_ms <= ? ORDER BY next_run_at_ms`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) List(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,kind,time_of_day,day_of_month,step_minutes,tz_offset_min,remaining_runs,start_at_ms,end_at_ms,next_run_at_ms,template,created_at,updated_at
FROM jobs ORDER BY next_run_at_ms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanJob(row scanner) (domain.Job, error) {
	var (
		j         domain.Job
		kind      string
		timeOfDay sql.NullString
		dayOfMon  sql.NullInt64
		stepMin   sql.NullInt64
		remaining sql.NullInt64
		startMS   sql.NullInt64
		endMS     sql.NullInt64
		nextMS    int64
		tpl       []byte
	)
	err := row.Scan(&j.ID, &kind, &timeOfDay, &dayOfMon, &stepMin, &j.TZOffsetMinutes,
		&remaining, &startMS, &endMS, &nextMS, &tpl, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Rule = domain.RecurrenceRule{
		Kind:        domain.RuleKind(kind),
		TimeOfDay:   timeOfDay.String,
		DayOfMonth:  int(dayOfMon.Int64),
		StepMinutes: int(stepMin.Int64),
	}
	if remaining.Valid {
		n := int(remaining.Int64)
		j.RemainingRuns = &n
	}
	if startMS.Valid {
		t := time.UnixMilli(startMS.Int64).UTC()
		j.StartAt = &t
	}
	if endMS.Valid {
		t := time.UnixMilli(endMS.Int64).UTC()
		j.EndAt = &t
	}
	j.NextRunAt = time.UnixMilli(nextMS).UTC()
	if err := json.Unmarshal(tpl, &j.Template); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal template for %s: %w", j.ID, err)
	}
	return j, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullIntPtr(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullTimeMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
