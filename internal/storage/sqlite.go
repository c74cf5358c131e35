package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"chatflow/internal/broadcast"
	"chatflow/internal/domain"
	logx "chatflow/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
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

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

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

// ArchiveJob writes the job row and its per-recipient results in one
// transaction. Re-archiving the same job id replaces the previous rows.
func (s *sqliteStore) ArchiveJob(ctx context.Context, res *broadcast.Result) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if res == nil || res.JobID == "" {
		return errors.New("archive: result has no job id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs(job_id, total, successful, failed, pending, aborted, started_at, ended_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   total=excluded.total, successful=excluded.successful, failed=excluded.failed,
		   pending=excluded.pending, aborted=excluded.aborted,
		   started_at=excluded.started_at, ended_at=excluded.ended_at`,
		res.JobID, res.Total, res.Successful, res.Failed, res.Pending, boolToInt(res.Aborted),
		res.StartedAt.Format(time.RFC3339Nano), res.EndedAt.Format(time.RFC3339Nano),
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE job_id = ?`, res.JobID); err != nil {
		return err
	}
	for i, r := range res.Results {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO results(job_id, seq, recipient, success, provider_id, error, completed_at)
			 VALUES(?,?,?,?,?,?,?)`,
			res.JobID, i, string(r.Recipient), boolToInt(r.Success),
			nullStr(r.ProviderID), nullStr(r.Error), r.CompletedAt.Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetJob loads one archived job and its ordered results.
func (s *sqliteStore) GetJob(ctx context.Context, jobID string) (*broadcast.Result, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT total, successful, failed, pending, aborted, started_at, ended_at
		 FROM jobs WHERE job_id = ?`, jobID)

	var (
		res              broadcast.Result
		aborted          int
		startStr, endStr string
	)
	res.JobID = jobID
	err := row.Scan(&res.Total, &res.Successful, &res.Failed, &res.Pending, &aborted, &startStr, &endStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	res.Aborted = aborted != 0
	res.StartedAt = parseTime(startStr)
	res.EndedAt = parseTime(endStr)
	res.Duration = res.EndedAt.Sub(res.StartedAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient, success, provider_id, error, completed_at
		 FROM results WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r            domain.SendResult
			recipient    string
			success      int
			pid, errDesc sql.NullString
			doneStr      string
		)
		if err := rows.Scan(&recipient, &success, &pid, &errDesc, &doneStr); err != nil {
			return nil, err
		}
		r.Recipient = domain.Recipient(recipient)
		r.Success = success != 0
		r.ProviderID = pid.String
		r.Error = errDesc.String
		r.CompletedAt = parseTime(doneStr)
		res.Results = append(res.Results, r)
	}
	return &res, rows.Err()
}

// ListJobs returns recent jobs, newest first.
func (s *sqliteStore) ListJobs(ctx context.Context, limit int) ([]JobSummary, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, total, successful, failed, pending, aborted, started_at, ended_at
		 FROM jobs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobSummary
	for rows.Next() {
		var (
			js               JobSummary
			aborted          int
			startStr, endStr string
		)
		if err := rows.Scan(&js.JobID, &js.Total, &js.Successful, &js.Failed, &js.Pending, &aborted, &startStr, &endStr); err != nil {
			return nil, err
		}
		js.Aborted = aborted != 0
		js.StartedAt = parseTime(startStr)
		js.EndedAt = parseTime(endStr)
		out = append(out, js)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
