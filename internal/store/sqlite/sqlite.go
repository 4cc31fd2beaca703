// Package sqlite is the embedded job store of the local deployment. Records
// survive restarts of the process that owns them.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"pointmesh/internal/job"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a job.Store on a single sqlite file.
type Store struct {
	db *sql.DB
}

var _ job.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers; sqlite locks the whole file anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// MigrateUp runs all pending migrations up to the latest version.
func (s *Store) MigrateUp() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// m is not closed: closing it would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

const columns = `id, status, progress, status_text, error, input_ref, output_ref, params,
	task_id, cancel_requested, created_at, started_at, finished_at, heartbeat_at`

func (s *Store) Create(ctx context.Context, j job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Status), j.Progress, j.StatusText, j.Error, j.InputRef, j.OutputRef,
		string(j.Params), j.TaskID, j.CancelRequested,
		j.CreatedAt.UnixNano(), nanos(j.StartedAt), nanos(j.FinishedAt),
		nanos(j.HeartbeatAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("job %s: %w", j.ID, job.ErrExists)
		}
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id)
	j, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, fmt.Errorf("job %s: %w", id, job.ErrNotFound)
	}
	return j, err
}

// Save writes j if the stored row may move to j.Status. Progress only grows
// while processing; the cancel flag and task id are never cleared.
func (s *Store) Save(ctx context.Context, j job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	from := job.Sources(j.Status)
	if !j.Status.Terminal() {
		from = append(from, j.Status)
	}
	args := []any{
		string(j.Status), string(job.Processing), j.Progress, j.Progress,
		j.StatusText, j.Error, j.OutputRef, string(j.Params), j.TaskID,
		j.CancelRequested, nanos(j.StartedAt), nanos(j.FinishedAt), j.ID,
	}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
			status = ?,
			progress = CASE WHEN ? = status THEN MAX(progress, ?) ELSE ? END,
			status_text = ?, error = ?, output_ref = ?, params = ?,
			task_id = COALESCE(NULLIF(?, ''), task_id),
			cancel_requested = cancel_requested OR ?,
			started_at = ?, finished_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	stored, err := s.Get(ctx, j.ID)
	if err != nil {
		return err
	}
	return job.CheckSave(stored, j)
}

func (s *Store) SetProgress(ctx context.Context, id string, percent int, text string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs
		SET progress = MAX(progress, MIN(?, 100)), status_text = ?
		WHERE id = ? AND status = ?`, percent, text, id, string(job.Processing))
	if err != nil {
		return fmt.Errorf("update progress %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := s.Get(ctx, id)
		return err
	}
	return nil
}

func (s *Store) SetTaskID(ctx context.Context, id, taskID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET task_id = ? WHERE id = ?`, taskID, id)
	if err != nil {
		return fmt.Errorf("update task id %s: %w", id, err)
	}
	return oneRow(res, id)
}

func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET cancel_requested = 1
		WHERE id = ? AND status IN (?, ?)`, id, string(job.Queued), string(job.Processing))
	if err != nil {
		return fmt.Errorf("request cancel %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	stored, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", id, stored.Status, job.ErrTerminal)
}

func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("job %s: %w", id, job.ErrNotFound)
	}
	return flag, err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return oneRow(res, id)
}

func (s *Store) List(ctx context.Context, limit, offset int) ([]job.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM jobs
		ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collect(rows)
}

func (s *Store) Stale(ctx context.Context, status job.Status, before time.Time) ([]job.Job, error) {
	ref := "created_at"
	if status == job.Processing {
		ref = "COALESCE(started_at, created_at)"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM jobs
		WHERE status = ? AND `+ref+` < ?
		ORDER BY created_at DESC, id ASC`, string(status), before.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("stale jobs: %w", err)
	}
	return collect(rows)
}

func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET heartbeat_at = ?
		WHERE id = ? AND status IN (?, ?)`, at.UnixNano(), id, string(job.Queued), string(job.Processing))
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := s.Get(ctx, id)
		return err
	}
	return nil
}

func (s *Store) Unattended(ctx context.Context, before time.Time) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM jobs
		WHERE status IN (?, ?) AND COALESCE(heartbeat_at, created_at) < ?
		ORDER BY created_at DESC, id ASC`, string(job.Queued), string(job.Processing), before.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("unattended jobs: %w", err)
	}
	return collect(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (job.Job, error) {
	var (
		j                            job.Job
		status, params               string
		created                      int64
		started, finished, heartbeat sql.NullInt64
	)
	err := row.Scan(&j.ID, &status, &j.Progress, &j.StatusText, &j.Error, &j.InputRef, &j.OutputRef,
		&params, &j.TaskID, &j.CancelRequested, &created, &started, &finished, &heartbeat)
	if err != nil {
		return job.Job{}, err
	}
	j.Status = job.Status(status)
	if params != "" {
		j.Params = []byte(params)
	}
	j.CreatedAt = time.Unix(0, created).UTC()
	j.StartedAt = fromNanos(started)
	j.FinishedAt = fromNanos(finished)
	j.HeartbeatAt = fromNanos(heartbeat)
	return j, nil
}

func collect(rows *sql.Rows) ([]job.Job, error) {
	defer rows.Close()
	var out []job.Job
	for rows.Next() {
		j, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func oneRow(res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, job.ErrNotFound)
	}
	return nil
}

func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
