package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

// EnqueueTask adds a pending task. Zero MaxAttempts means one attempt and a
// zero RunAfter means "now".
func (s *Store) EnqueueTask(ctx context.Context, t Task) error {
	_, err := s.insertTask(ctx, t, false)
	return err
}

// EnqueueTaskIfIdle adds t only when its job has no pending or running task.
// It reports whether the task was queued. The check and the insert are one
// statement, backed by a partial unique index on active tasks per job.
func (s *Store) EnqueueTaskIfIdle(ctx context.Context, t Task) (bool, error) {
	return s.insertTask(ctx, t, true)
}

func (s *Store) insertTask(ctx context.Context, t Task, ifIdle bool) (bool, error) {
	now := s.now().UTC()
	runAfter := now
	if !t.RunAfter.IsZero() {
		runAfter = t.RunAfter
	}
	maxAttempts := t.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	payload := t.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	args := []any{t.ID, t.Type, t.JobID, payload, maxAttempts, formatTime(runAfter), formatTime(now), formatTime(now)}

	query := `
		INSERT INTO tasks (id, type, job_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`
	if ifIdle {
		query = `
		INSERT OR IGNORE INTO tasks (id, type, job_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		SELECT ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM tasks WHERE job_id = ? AND status IN ('pending', 'running'))`
		args = append(args, t.JobID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimNextTask atomically moves the oldest runnable task of one of the given
// types to running. It returns nil when nothing is runnable.
func (s *Store) ClaimNextTask(ctx context.Context, types []string) (*Task, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(s.now().UTC())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, job_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM tasks
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC, rowid ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, query, args...).Scan)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next task: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, t.ID)
	if err != nil {
		return nil, fmt.Errorf("updating task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated task rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	t.Status = "running"
	if t.UpdatedAt, err = parseTime(now); err != nil {
		return nil, err
	}
	return &t, nil
}

// CompleteTask marks a task completed.
func (s *Store) CompleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = 'completed', updated_at = ? WHERE id = ?`,
		formatTime(s.now().UTC()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailTask records a failed attempt. Tasks with attempts left go back to
// pending with exponential backoff; the rest are marked failed.
func (s *Store) FailTask(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM tasks WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := s.now().UTC()
	attempts++
	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		runAfter := now.Add(time.Duration(math.Pow(2, float64(attempts))) * time.Second)
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(runAfter), formatTime(now), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// AbandonRunningTasks fails every task left running by a previous process.
func (s *Store) AbandonRunningTasks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'failed', last_error = 'abandoned at startup', updated_at = ? WHERE status = 'running'`,
		formatTime(s.now().UTC()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `SELECT id, type, job_id, payload_json, status, attempts, max_attempts,
		run_after, created_at, updated_at, last_error FROM tasks WHERE id = ?`, id).Scan)
}

func scanTask(scan func(dest ...any) error) (Task, error) {
	var (
		t                              Task
		runAfter, createdAt, updatedAt string
		lastError                      sql.NullString
	)
	err := scan(&t.ID, &t.Type, &t.JobID, &t.PayloadJSON, &t.Status, &t.Attempts, &t.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	t.LastError = lastError.String
	if t.RunAfter, err = parseTime(runAfter); err != nil {
		return Task{}, fmt.Errorf("parsing run_after for task %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Task{}, fmt.Errorf("parsing updated_at for task %s: %w", t.ID, err)
	}
	return t, nil
}
