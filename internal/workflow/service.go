package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/lernpfad/internal/content"
	"github.com/kalambet/lernpfad/internal/storage"
)

var (
	// ErrInvalidInput is returned by Submit for requests rejected before any job exists.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotReady is returned by TriggerGeneration when the job has no stored
	// research waiting for generation.
	ErrNotReady = errors.New("research not ready")
)

// Input limits.
const (
	MaxTitleRunes   = 200
	MaxContentRunes = 200_000
)

type SubmitRequest struct {
	Title   string
	Content string
	Mode    string
	// AutoGenerate runs generation directly after research. When false the
	// job parks after research until TriggerGeneration is called.
	AutoGenerate bool
}

type SubmitResult struct {
	JobID            string `json:"job_id"`
	PublicSlug       string `json:"public_slug"`
	EstimatedMinutes int    `json:"estimated_minutes"`
}

// Service accepts submissions and hands them to the task queue. It never
// waits for a workflow to finish.
type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store) *Service {
	return &Service{store: store, logger: slog.Default()}
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Submit validates req, creates a pending job and enqueues its first task.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	title := strings.TrimSpace(req.Title)
	text := strings.TrimSpace(req.Content)
	switch {
	case title == "":
		return SubmitResult{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	case text == "":
		return SubmitResult{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	case utf8.RuneCountInString(title) > MaxTitleRunes:
		return SubmitResult{}, fmt.Errorf("%w: title exceeds %d characters", ErrInvalidInput, MaxTitleRunes)
	case utf8.RuneCountInString(text) > MaxContentRunes:
		return SubmitResult{}, fmt.Errorf("%w: content exceeds %d characters", ErrInvalidInput, MaxContentRunes)
	}
	mode, err := content.ParseMode(req.Mode)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	job, err := s.store.CreateJob(ctx, storage.NewJob{
		Title:        title,
		SourceText:   text,
		Mode:         mode,
		AutoGenerate: req.AutoGenerate,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("creating job: %w", err)
	}

	taskType := TaskResearch
	if req.AutoGenerate {
		taskType = TaskWorkflow
	}
	if err := s.enqueue(ctx, taskType, job.ID); err != nil {
		if _, uerr := s.store.UpdateJob(context.WithoutCancel(ctx), job.ID, storage.JobUpdate{
			Status: storage.Ptr(storage.StatusFailed),
			Step:   storage.Ptr("Failed"),
			Error:  storage.Ptr(Redact(StageInternal, err)),
		}); uerr != nil {
			s.logger.Error("marking unqueued job failed", "job_id", job.ID, "error", uerr)
		}
		return SubmitResult{}, fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}

	s.logger.Info("job submitted", "job_id", job.ID, "slug", job.PublicSlug, "mode", mode, "task", taskType)
	return SubmitResult{
		JobID:            job.ID,
		PublicSlug:       job.PublicSlug,
		EstimatedMinutes: EstimateMinutes(text, mode),
	}, nil
}

// TriggerGeneration starts generation for a job parked after research.
func (s *Service) TriggerGeneration(ctx context.Context, slug string) (storage.Job, error) {
	job, err := s.store.GetJobBySlug(ctx, slug)
	if err != nil {
		return storage.Job{}, err
	}
	if job.Status != storage.StatusResearching || len(job.Research) == 0 {
		return job, fmt.Errorf("%w: job is %s", ErrNotReady, job.Status)
	}
	queued, err := s.store.EnqueueTaskIfIdle(ctx, newTask(TaskGenerate, job.ID))
	if err != nil {
		return job, fmt.Errorf("enqueueing generation for %s: %w", job.ID, err)
	}
	if !queued {
		return job, fmt.Errorf("%w: job %s already has work queued", ErrNotReady, job.PublicSlug)
	}
	s.logger.Info("generation triggered", "job_id", job.ID, "slug", job.PublicSlug)
	return job, nil
}

func (s *Service) enqueue(ctx context.Context, taskType, jobID string) error {
	return s.store.EnqueueTask(ctx, newTask(taskType, jobID))
}

func newTask(taskType, jobID string) storage.Task {
	payload, _ := json.Marshal(taskPayload{JobID: jobID})
	return storage.Task{
		ID:          uuid.New().String(),
		Type:        taskType,
		JobID:       jobID,
		PayloadJSON: string(payload),
		MaxAttempts: 1,
	}
}

// EstimateMinutes gives the rough duration reported at submission: two
// minutes of research plus one per 2000 characters of source, and two more
// for a discovery path.
func EstimateMinutes(text string, mode content.Mode) int {
	m := 2 + utf8.RuneCountInString(text)/2000
	if mode == content.ModeDiscovery {
		m += 2
	}
	return min(m, 15)
}
