package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"rtcore/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, e RunEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(at, task, scheduled_start, actual_start, actual_finish, jitter_ms, missed, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Task,
		e.ScheduledStart.Format(time.RFC3339Nano),
		e.ActualStart.Format(time.RFC3339Nano),
		e.ActualFinish.Format(time.RFC3339Nano),
		e.JitterMS, e.Missed, nullStr(e.Error),
	)
	return err
}

func (s *sqliteStore) AppendWorkerEvent(ctx context.Context, e WorkerEvent) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_events(at, worker, state_from, state_to, cause)
		 VALUES(?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Worker, e.From, e.To, nullStr(e.Cause),
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, task string, limit int) ([]RunEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, task, scheduled_start, actual_start, actual_finish, jitter_ms, missed, err
		 FROM runs WHERE task = ? ORDER BY id DESC LIMIT ?`, task, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunEntry
	for rows.Next() {
		var e RunEntry
		var at, sched, start, finish string
		var errStr sql.NullString
		if err := rows.Scan(&at, &e.Task, &sched, &start, &finish, &e.JitterMS, &e.Missed, &errStr); err != nil {
			return nil, err
		}
		e.At = parseTS(at)
		e.ScheduledStart = parseTS(sched)
		e.ActualStart = parseTS(start)
		e.ActualFinish = parseTS(finish)
		e.Error = errStr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecentWorkerEvents(ctx context.Context, worker string, limit int) ([]WorkerEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, worker, state_from, state_to, cause
		 FROM worker_events WHERE worker = ? ORDER BY id DESC LIMIT ?`, worker, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkerEvent
	for rows.Next() {
		var e WorkerEvent
		var at string
		var cause sql.NullString
		if err := rows.Scan(&at, &e.Worker, &e.From, &e.To, &cause); err != nil {
			return nil, err
		}
		e.At = parseTS(at)
		e.Cause = cause.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune keeps the newest retainRuns run records per task and caps the
// worker event log at the same bound per worker.
func (s *sqliteStore) Prune(ctx context.Context, retainRuns int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if retainRuns <= 0 {
		retainRuns = 1000
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs r2 WHERE r2.task = runs.task
			ORDER BY id DESC LIMIT ?)`, retainRuns)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM worker_events WHERE id NOT IN (
			SELECT id FROM worker_events w2 WHERE w2.worker = worker_events.worker
			ORDER BY id DESC LIMIT ?)`, retainRuns)
	return err
}

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
