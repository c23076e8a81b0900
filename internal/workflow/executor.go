package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Executor defaults.
const (
	DefaultMaxConcurrent = 4
	DefaultJobTimeout    = 10 * time.Minute
	DefaultPollInterval  = 500 * time.Millisecond

	staleGrace    = time.Minute
	sweepInterval = 30 * time.Second
)

const staleDetail = "Processing failed: the job stopped responding and was stopped. Please submit it again."

// Runner executes workflow tasks for a job. *Orchestrator implements it.
type Runner interface {
	RunWorkflow(ctx context.Context, jobID string) error
	RunResearch(ctx context.Context, jobID string) error
	RunGeneration(ctx context.Context, jobID string) error
}

type ExecutorConfig struct {
	MaxConcurrent int
	JobTimeout    time.Duration
	PollInterval  time.Duration
}

// Executor drains the task queue, running at most MaxConcurrent tasks at a
// time, each bounded by JobTimeout. A sweeper fails jobs whose records stop
// moving.
type Executor struct {
	queue   TaskQueue
	runner  Runner
	sem     *semaphore.Weighted
	timeout time.Duration
	poll    time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewExecutor creates an Executor. Zero config values take the defaults.
func NewExecutor(queue TaskQueue, runner Runner, cfg ExecutorConfig) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Executor{
		queue:   queue,
		runner:  runner,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		timeout: cfg.JobTimeout,
		poll:    cfg.PollInterval,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

func (e *Executor) WithLogger(l *slog.Logger) *Executor {
	e.logger = l
	return e
}

// Run polls for tasks until ctx is cancelled, then waits for in-flight tasks.
// Tasks left running by a previous process are abandoned first.
func (e *Executor) Run(ctx context.Context) {
	if n, err := e.queue.AbandonRunningTasks(ctx); err != nil {
		e.logger.Error("abandoning stale tasks", "error", err)
	} else if n > 0 {
		e.logger.Warn("abandoned tasks from previous run", "count", n)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sweep(ctx)
	}()

	for {
		if ctx.Err() != nil {
			break
		}

		started, err := e.RunOnce(ctx)
		if err != nil {
			e.logger.Error("executor iteration failed", "error", err)
		}
		if started {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(e.poll):
		}
	}

	e.Wait()
}

// RunOnce waits for a free slot, claims one task and starts it in the
// background. It returns true if a task was started.
func (e *Executor) RunOnce(ctx context.Context) (bool, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return false, nil
	}

	task, err := e.queue.ClaimNextTask(ctx, taskTypes)
	if err != nil {
		e.sem.Release(1)
		return false, fmt.Errorf("claiming task: %w", err)
	}
	if task == nil {
		e.sem.Release(1)
		return false, nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)

		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()

		log := e.logger.With("task_id", task.ID, "type", task.Type, "job_id", task.JobID)
		start := time.Now()
		runErr := e.execute(tctx, task.Type, task.PayloadJSON)

		// Detached so shutdown does not leave tasks marked running.
		dctx := context.WithoutCancel(ctx)
		if runErr != nil {
			log.Warn("task failed", "error", runErr, "duration_ms", time.Since(start).Milliseconds())
			if err := e.queue.FailTask(dctx, task.ID, runErr.Error()); err != nil {
				log.Error("failed to mark task as failed", "error", err)
			}
			return
		}
		if err := e.queue.CompleteTask(dctx, task.ID); err != nil {
			log.Error("completing task", "error", err)
			return
		}
		log.Info("task completed", "duration_ms", time.Since(start).Milliseconds())
	}()
	return true, nil
}

// Wait blocks until every started task has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) execute(ctx context.Context, taskType, payloadJSON string) error {
	var p taskPayload
	if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if p.JobID == "" {
		return fmt.Errorf("payload has no job_id")
	}

	switch taskType {
	case TaskWorkflow:
		return e.runner.RunWorkflow(ctx, p.JobID)
	case TaskResearch:
		return e.runner.RunResearch(ctx, p.JobID)
	case TaskGenerate:
		return e.runner.RunGeneration(ctx, p.JobID)
	default:
		return fmt.Errorf("unknown task type %q", taskType)
	}
}

// SweepOnce fails jobs that have not been written for longer than the job
// timeout plus a grace period.
func (e *Executor) SweepOnce(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-(e.timeout + staleGrace))
	n, err := e.queue.FailStaleJobs(ctx, cutoff, staleDetail)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Warn("failed stale jobs", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (e *Executor) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.SweepOnce(ctx); err != nil {
				e.logger.Error("sweeping stale jobs", "error", err)
			}
		}
	}
}
