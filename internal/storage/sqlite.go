//go:build sqlite
// +build sqlite

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

	logx "rentbot/pkg/logx"
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

func (s *sqliteStore) PutJob(ctx context.Context, rec JobRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	rec = rec.Normalize()
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("job id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, target_id, task_type, next_run, payload, status, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   target_id=excluded.target_id,
		   task_type=excluded.task_type,
		   next_run=excluded.next_run,
		   payload=excluded.payload,
		   status=excluded.status,
		   updated_at=excluded.updated_at`,
		rec.ID, rec.TargetID, string(rec.Type), rec.NextRun.Format(time.RFC3339Nano),
		[]byte(rec.Payload), rec.Status, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (JobRecord, bool, error) {
	if s == nil || s.db == nil {
		return JobRecord{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, target_id, task_type, next_run, payload, status FROM jobs WHERE job_id = ?`, id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return rec, true, nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, id)
	return err
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, target_id, task_type, next_run, payload, status FROM jobs ORDER BY job_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateNextRun(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET next_run = ?, updated_at = ? WHERE job_id = ?`,
		at.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (JobRecord, error) {
	var (
		rec     JobRecord
		typ     string
		nextRun string
		payload []byte
	)
	if err := r.Scan(&rec.ID, &rec.TargetID, &typ, &nextRun, &payload, &rec.Status); err != nil {
		return JobRecord{}, err
	}
	rec.Type = TaskType(typ)
	if t, err := time.Parse(time.RFC3339Nano, nextRun); err == nil {
		rec.NextRun = t.UTC()
	}
	rec.Payload = payload
	return rec, nil
}
