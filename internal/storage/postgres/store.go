// Package postgres is a PostgreSQL implementation of the job and task store.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/lernpfad/internal/content"
	"github.com/kalambet/lernpfad/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	slugAttempts    = 5
	uniqueViolation = "23505"
)

// Store keeps jobs and tasks in PostgreSQL. It has the same method set and
// merge rules as the SQLite store.
type Store struct {
	pool    *pgxpool.Pool
	now     func() time.Time
	newSlug func() string
}

// Open connects to dsn, verifies the connection and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{pool: pool, now: time.Now, newSlug: storage.NewSlug}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		script, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_version WHERE version = $1)`, version).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return nil
			}
			if _, err := tx.Exec(ctx, string(script)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, version)
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
	}
	return nil
}

func (s *Store) clock() time.Time { return s.now().UTC().Truncate(time.Microsecond) }

// --- Jobs ---

const jobColumns = `id::text, public_slug, title, source_text, mode, auto_generate, status, progress, step,
	research_artifact, result_artifact, error_detail, created_at, updated_at,
	research_completed_at, generation_completed_at, finished_at`

func (s *Store) CreateJob(ctx context.Context, nj storage.NewJob) (storage.Job, error) {
	mode := nj.Mode
	if mode == "" {
		mode = content.ModeQuiz
	}
	now := s.clock()
	job := storage.Job{
		ID:           uuid.New().String(),
		Title:        nj.Title,
		SourceText:   nj.SourceText,
		Mode:         mode,
		AutoGenerate: nj.AutoGenerate,
		Status:       storage.StatusPending,
		Step:         "Queued",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for range slugAttempts {
		job.PublicSlug = s.newSlug()
		_, err := s.pool.Exec(ctx, `
			INSERT INTO jobs (id, public_slug, title, source_text, mode, auto_generate, status, progress, step, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $9)`,
			job.ID, job.PublicSlug, job.Title, job.SourceText, string(job.Mode), job.AutoGenerate,
			string(job.Status), job.Step, now,
		)
		if err == nil {
			return job, nil
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
			return storage.Job{}, fmt.Errorf("inserting job: %w", err)
		}
	}
	return storage.Job{}, storage.ErrSlugTaken
}

func (s *Store) GetJob(ctx context.Context, id string) (storage.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return storage.Job{}, storage.ErrNotFound
	}
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (s *Store) GetJobBySlug(ctx context.Context, slug string) (storage.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE public_slug = $1`, slug))
}

func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]storage.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []storage.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJob locks the row, applies storage.Merge and writes the result back.
func (s *Store) UpdateJob(ctx context.Context, id string, u storage.JobUpdate) (storage.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return storage.Job{}, storage.ErrNotFound
	}

	var next storage.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		next, err = storage.Merge(cur, u, s.clock())
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $1, progress = $2, step = $3, research_artifact = $4, result_artifact = $5,
				error_detail = $6, updated_at = $7, research_completed_at = $8, generation_completed_at = $9, finished_at = $10
			WHERE id = $11`,
			string(next.Status), next.Progress, next.Step, nullJSON(next.Research), nullJSON(next.Result),
			nullString(next.Error), next.UpdatedAt, next.ResearchCompletedAt, next.GenerationCompletedAt,
			next.FinishedAt, id,
		)
		return err
	})
	if err != nil {
		return storage.Job{}, err
	}
	return next, nil
}

func (s *Store) FailStaleJobs(ctx context.Context, olderThan time.Time, detail string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', error_detail = $1, updated_at = $2, finished_at = $2
		WHERE status IN ('researching', 'generating')
		  AND updated_at < $3
		  AND result_artifact IS NULL
		  AND NOT (status = 'researching' AND research_artifact IS NOT NULL)`,
		detail, s.clock(), olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failing stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (storage.Job, error) {
	var (
		j                storage.Job
		mode, status     string
		research, result []byte
		errorDetail      *string
	)
	err := row.Scan(&j.ID, &j.PublicSlug, &j.Title, &j.SourceText, &mode, &j.AutoGenerate, &status, &j.Progress, &j.Step,
		&research, &result, &errorDetail, &j.CreatedAt, &j.UpdatedAt,
		&j.ResearchCompletedAt, &j.GenerationCompletedAt, &j.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Job{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Job{}, err
	}
	j.Mode = content.Mode(mode)
	j.Status = storage.Status(status)
	if research != nil {
		j.Research = json.RawMessage(research)
	}
	if result != nil {
		j.Result = json.RawMessage(result)
	}
	if errorDetail != nil {
		j.Error = *errorDetail
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

// --- Tasks ---

func (s *Store) EnqueueTask(ctx context.Context, t storage.Task) error {
	_, err := s.insertTask(ctx, t, false)
	return err
}

// EnqueueTaskIfIdle queues t unless its job already has a pending or running
// task. Concurrent callers race on idx_tasks_one_active_per_job, so at most
// one of them inserts.
func (s *Store) EnqueueTaskIfIdle(ctx context.Context, t storage.Task) (bool, error) {
	return s.insertTask(ctx, t, true)
}

func (s *Store) insertTask(ctx context.Context, t storage.Task, ifIdle bool) (bool, error) {
	now := s.clock()
	runAfter := now
	if !t.RunAfter.IsZero() {
		runAfter = t.RunAfter.UTC()
	}
	maxAttempts := t.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	payload := t.PayloadJSON
	if payload == "" {
		payload = "{}"
	}

	query := `
		INSERT INTO tasks (id, type, job_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7, $7)`
	if ifIdle {
		query = `
		INSERT INTO tasks (id, type, job_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		SELECT $1::text, $2::text, $3::text, $4::text, 'pending', 0, $5::integer, $6::timestamptz, $7::timestamptz, $7::timestamptz
		WHERE NOT EXISTS (SELECT 1 FROM tasks WHERE job_id = $3::text AND status IN ('pending', 'running'))
		ON CONFLICT DO NOTHING`
	}
	tag, err := s.pool.Exec(ctx, query, t.ID, t.Type, t.JobID, payload, maxAttempts, runAfter, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const taskColumns = `id, type, job_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

// ClaimNextTask claims the oldest runnable task with FOR UPDATE SKIP LOCKED,
// so several executors may share one database.
func (s *Store) ClaimNextTask(ctx context.Context, types []string) (*storage.Task, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := s.clock()
	t, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = 'running', updated_at = $1
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending' AND run_after <= $1 AND type = ANY($2)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, now, types))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	return &t, nil
}

func (s *Store) CompleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET status = 'completed', updated_at = $1 WHERE id = $2`, s.clock(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) FailTask(ctx context.Context, id string, errMsg string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRow(ctx, `SELECT attempts, max_attempts FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&attempts, &maxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}

		now := s.clock()
		attempts++
		if attempts >= maxAttempts {
			_, err = tx.Exec(ctx, `UPDATE tasks SET status = 'failed', attempts = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
				attempts, errMsg, now, id)
			return err
		}
		runAfter := now.Add(time.Duration(math.Pow(2, float64(attempts))) * time.Second)
		_, err = tx.Exec(ctx, `UPDATE tasks SET status = 'pending', attempts = $1, last_error = $2, run_after = $3, updated_at = $4 WHERE id = $5`,
			attempts, errMsg, runAfter, now, id)
		return err
	})
}

func (s *Store) AbandonRunningTasks(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'failed', last_error = 'abandoned at startup', updated_at = $1 WHERE status = 'running'`, s.clock())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) GetTask(ctx context.Context, id string) (storage.Task, error) {
	return scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

func scanTask(row pgx.Row) (storage.Task, error) {
	var (
		t         storage.Task
		lastError *string
	)
	err := row.Scan(&t.ID, &t.Type, &t.JobID, &t.PayloadJSON, &t.Status, &t.Attempts, &t.MaxAttempts,
		&t.RunAfter, &t.CreatedAt, &t.UpdatedAt, &lastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Task{}, err
	}
	if lastError != nil {
		t.LastError = *lastError
	}
	return t, nil
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
