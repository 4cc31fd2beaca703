// Package postgres is the job store shared by the submitting service and the
// distributed workers.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"pointmesh/internal/job"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a job.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ job.Store = (*Store)(nil)

// Open connects to url and applies pending migrations.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.MigrateUp(); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

// MigrateUp runs all pending migrations up to the latest version. The
// migrator gets its own database/sql handle so closing it leaves the pool
// untouched.
func (s *Store) MigrateUp() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create pgx driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		driver.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()
	m.Log = &migrateLogger{}
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
	_, err := s.pool.Exec(ctx, `INSERT INTO jobs (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.ID, string(j.Status), j.Progress, j.StatusText, j.Error, j.InputRef, j.OutputRef,
		string(j.Params), j.TaskID, j.CancelRequested, j.CreatedAt, j.StartedAt, j.FinishedAt,
		j.HeartbeatAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("job %s: %w", j.ID, job.ErrExists)
		}
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (job.Job, error) {
	j, err := scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Job{}, fmt.Errorf("job %s: %w", id, job.ErrNotFound)
	}
	return j, err
}

// Save is a guarded update: the row changes only while its stored status may
// move to j.Status, so a terminal write from a supervisor always wins.
func (s *Store) Save(ctx context.Context, j job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	from := statuses(job.Sources(j.Status))
	if !j.Status.Terminal() {
		from = append(from, string(j.Status))
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET
			status = $1,
			progress = CASE WHEN status = 'processing' THEN GREATEST(progress, $2) ELSE $2 END,
			status_text = $3, error = $4, output_ref = $5, params = $6,
			task_id = COALESCE(NULLIF($7, ''), task_id),
			cancel_requested = cancel_requested OR $8,
			started_at = $9, finished_at = $10
		WHERE id = $11 AND status = ANY($12)`,
		string(j.Status), j.Progress, j.StatusText, j.Error, j.OutputRef, string(j.Params),
		j.TaskID, j.CancelRequested, j.StartedAt, j.FinishedAt, j.ID, from)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	stored, err := s.Get(ctx, j.ID)
	if err != nil {
		return err
	}
	return job.CheckSave(stored, j)
}

func (s *Store) SetProgress(ctx context.Context, id string, percent int, text string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs
		SET progress = GREATEST(progress, LEAST($1, 100)), status_text = $2
		WHERE id = $3 AND status = 'processing'`, percent, text, id)
	if err != nil {
		return fmt.Errorf("update progress %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.Get(ctx, id)
		return err
	}
	return nil
}

func (s *Store) SetTaskID(ctx context.Context, id, taskID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET task_id = $1 WHERE id = $2`, taskID, id)
	if err != nil {
		return fmt.Errorf("update task id %s: %w", id, err)
	}
	return oneRow(tag, id)
}

func (s *Store) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET cancel_requested = TRUE
		WHERE id = $1 AND status IN ('queued', 'processing')`, id)
	if err != nil {
		return fmt.Errorf("request cancel %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
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
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("job %s: %w", id, job.ErrNotFound)
	}
	return flag, err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return oneRow(tag, id)
}

func (s *Store) List(ctx context.Context, limit, offset int) ([]job.Job, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM jobs
		ORDER BY created_at DESC, id ASC LIMIT $1 OFFSET $2`, lim, offset)
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
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM jobs
		WHERE status = $1 AND `+ref+` < $2
		ORDER BY created_at DESC, id ASC`, string(status), before)
	if err != nil {
		return nil, fmt.Errorf("stale jobs: %w", err)
	}
	return collect(rows)
}

func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET heartbeat_at = $1
		WHERE id = $2 AND status IN ('queued', 'processing')`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.Get(ctx, id)
		return err
	}
	return nil
}

func (s *Store) Unattended(ctx context.Context, before time.Time) ([]job.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM jobs
		WHERE status IN ('queued', 'processing') AND COALESCE(heartbeat_at, created_at) < $1
		ORDER BY created_at DESC, id ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("unattended jobs: %w", err)
	}
	return collect(rows)
}

func scan(row pgx.Row) (job.Job, error) {
	var (
		j              job.Job
		status, params string
	)
	err := row.Scan(&j.ID, &status, &j.Progress, &j.StatusText, &j.Error, &j.InputRef, &j.OutputRef,
		&params, &j.TaskID, &j.CancelRequested, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.HeartbeatAt)
	if err != nil {
		return job.Job{}, err
	}
	j.Status = job.Status(status)
	if params != "" {
		j.Params = []byte(params)
	}
	j.CreatedAt = j.CreatedAt.UTC()
	for _, p := range []**time.Time{&j.StartedAt, &j.FinishedAt, &j.HeartbeatAt} {
		if *p != nil {
			t := (*p).UTC()
			*p = &t
		}
	}
	return j, nil
}

func collect(rows pgx.Rows) ([]job.Job, error) {
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

func oneRow(tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, job.ErrNotFound)
	}
	return nil
}

func statuses(in []job.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
