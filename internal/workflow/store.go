package workflow

import (
	"context"
	"time"

	"github.com/kalambet/lernpfad/internal/storage"
)

// JobStore is the persistence contract the orchestrator and service rely on.
// UpdateJob must apply storage.Merge semantics.
type JobStore interface {
	CreateJob(ctx context.Context, nj storage.NewJob) (storage.Job, error)
	GetJob(ctx context.Context, id string) (storage.Job, error)
	GetJobBySlug(ctx context.Context, slug string) (storage.Job, error)
	UpdateJob(ctx context.Context, id string, u storage.JobUpdate) (storage.Job, error)
}

// TaskQueue is the durable queue the executor drains.
type TaskQueue interface {
	EnqueueTask(ctx context.Context, t storage.Task) error
	ClaimNextTask(ctx context.Context, types []string) (*storage.Task, error)
	CompleteTask(ctx context.Context, id string) error
	FailTask(ctx context.Context, id string, errMsg string) error
	EnqueueTaskIfIdle(ctx context.Context, t storage.Task) (bool, error)
	AbandonRunningTasks(ctx context.Context) (int, error)
	FailStaleJobs(ctx context.Context, olderThan time.Time, detail string) (int, error)
}

// Store is implemented by both storage backends.
type Store interface {
	JobStore
	TaskQueue
}

// Task types.
const (
	TaskWorkflow = "workflow"
	TaskResearch = "research"
	TaskGenerate = "generate"
)

var taskTypes = []string{TaskWorkflow, TaskResearch, TaskGenerate}

type taskPayload struct {
	JobID string `json:"job_id"`
}
