// Package storage persists job records and the background task queue.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kalambet/lernpfad/internal/content"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

const slugAttempts = 5

// Store wraps a SQLite database holding jobs and tasks.
type Store struct {
	db      *sql.DB
	now     func() time.Time
	newSlug func() string
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "lernpfad.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: the job record has a single writer and SQLite locks per file.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now, newSlug: NewSlug}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		script, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(script)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, public_slug, title, source_text, mode, auto_generate, status, progress, step,
	research_artifact, result_artifact, error_detail, created_at, updated_at,
	research_completed_at, generation_completed_at, finished_at`

// CreateJob inserts a pending job with a fresh id and a unique public slug.
func (s *Store) CreateJob(ctx context.Context, nj NewJob) (Job, error) {
	mode := nj.Mode
	if mode == "" {
		mode = content.ModeQuiz
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	job := Job{
		ID:           uuid.New().String(),
		Title:        nj.Title,
		SourceText:   nj.SourceText,
		Mode:         mode,
		AutoGenerate: nj.AutoGenerate,
		Status:       StatusPending,
		Step:         "Queued",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for range slugAttempts {
		job.PublicSlug = s.newSlug()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, public_slug, title, source_text, mode, auto_generate, status, progress, step, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			job.ID, job.PublicSlug, job.Title, job.SourceText, string(job.Mode), job.AutoGenerate,
			string(job.Status), job.Step, formatTime(now), formatTime(now),
		)
		if err == nil {
			return job, nil
		}
		if !strings.Contains(err.Error(), "UNIQUE constraint failed: jobs.public_slug") {
			return Job{}, fmt.Errorf("inserting job: %w", err)
		}
	}
	return Job{}, ErrSlugTaken
}

// GetJob returns the job with the given internal id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row.Scan)
}

// GetJobBySlug returns the job with the given public slug.
func (s *Store) GetJobBySlug(ctx context.Context, slug string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE public_slug = ?`, slug)
	return scanJob(row.Scan)
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJob merges u into the stored job inside a transaction and returns the
// merged record. See JobUpdate for the merge rules.
func (s *Store) UpdateJob(ctx context.Context, id string, u JobUpdate) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id).Scan)
	if err != nil {
		return Job{}, err
	}

	next, err := Merge(cur, u, s.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return Job{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = ?, step = ?, research_artifact = ?, result_artifact = ?,
			error_detail = ?, updated_at = ?, research_completed_at = ?, generation_completed_at = ?, finished_at = ?
		WHERE id = ?`,
		string(next.Status), next.Progress, next.Step, nullJSON(next.Research), nullJSON(next.Result),
		nullString(next.Error), formatTime(next.UpdatedAt), nullTime(next.ResearchCompletedAt),
		nullTime(next.GenerationCompletedAt), nullTime(next.FinishedAt), id,
	)
	if err != nil {
		return Job{}, fmt.Errorf("updating job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("committing job update: %w", err)
	}
	return next, nil
}

// FailStaleJobs marks jobs that are actively researching or generating and
// have not been written since olderThan as failed. Jobs parked after research,
// waiting for an explicit generation trigger, are left alone.
func (s *Store) FailStaleJobs(ctx context.Context, olderThan time.Time, detail string) (int, error) {
	now := formatTime(s.now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error_detail = ?, updated_at = ?, finished_at = ?
		WHERE status IN ('researching', 'generating')
		  AND updated_at < ?
		  AND result_artifact IS NULL
		  AND NOT (status = 'researching' AND research_artifact IS NOT NULL)`,
		detail, now, now, formatTime(olderThan.UTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("failing stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanJob(scan func(dest ...any) error) (Job, error) {
	var (
		j                          Job
		mode, status               string
		research, result, errorMsg sql.NullString
		createdAt, updatedAt       string
		researchAt, generationAt   sql.NullString
		finishedAt                 sql.NullString
	)
	err := scan(&j.ID, &j.PublicSlug, &j.Title, &j.SourceText, &mode, &j.AutoGenerate, &status, &j.Progress, &j.Step,
		&research, &result, &errorMsg, &createdAt, &updatedAt, &researchAt, &generationAt, &finishedAt)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}

	j.Mode = content.Mode(mode)
	j.Status = Status(status)
	if research.Valid {
		j.Research = json.RawMessage(research.String)
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.Error = errorMsg.String

	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{{researchAt, &j.ResearchCompletedAt}, {generationAt, &j.GenerationCompletedAt}, {finishedAt, &j.FinishedAt}} {
		if !f.src.Valid {
			continue
		}
		t, err := parseTime(f.src.String)
		if err != nil {
			return Job{}, fmt.Errorf("parsing timestamp for job %s: %w", j.ID, err)
		}
		*f.dst = &t
	}
	return j, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
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
