package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/lernpfad/internal/content"
	"github.com/kalambet/lernpfad/internal/generation"
	"github.com/kalambet/lernpfad/internal/research"
	"github.com/kalambet/lernpfad/internal/storage"
)

// Progress checkpoints. Research reports 10..40 by attempt, generation 50..60.
const (
	progressResearchStart = 10
	progressResearchStep  = 10
	progressResearchMax   = 40
	progressResearchDone  = 50
	progressGenerating    = 60
)

const stepAwaitingGeneration = "Research complete – waiting for generation"

// failWriteTimeout bounds the terminal write issued after the task context is gone.
const failWriteTimeout = 10 * time.Second

// Researcher runs the research stage.
type Researcher interface {
	Run(ctx context.Context, in research.Input, onAttempt func(attempt, max int)) (*content.ResearchArtifact, error)
}

// Generator runs the generation stage.
type Generator interface {
	Run(ctx context.Context, in generation.Input) (*content.Result, error)
}

// Orchestrator sequences research and generation for one job and is the only
// writer of that job's record while it runs. Every run ends with either a
// success write or a failure write.
type Orchestrator struct {
	store    JobStore
	research Researcher
	generate Generator
	clip     func(string) string
	now      func() time.Time
	logger   *slog.Logger
}

func NewOrchestrator(store JobStore, r Researcher, g Generator) *Orchestrator {
	return &Orchestrator{
		store:    store,
		research: r,
		generate: g,
		clip:     func(s string) string { return s },
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// WithClipper sets the function used to shorten source text before prompting.
func (o *Orchestrator) WithClipper(fn func(string) string) *Orchestrator {
	o.clip = fn
	return o
}

func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.logger = l
	return o
}

// RunWorkflow runs research followed by generation.
func (o *Orchestrator) RunWorkflow(ctx context.Context, jobID string) (err error) {
	defer o.recoverPanic(jobID, &err)

	job, err := o.load(ctx, jobID)
	if err != nil || job == nil {
		return err
	}

	art, err := o.runResearch(ctx, job)
	if err != nil {
		return o.fail(ctx, job.ID, StageResearch, err)
	}

	raw, err := json.Marshal(art)
	if err != nil {
		return o.fail(ctx, job.ID, StageInternal, err)
	}
	if _, err := o.store.UpdateJob(ctx, job.ID, storage.JobUpdate{
		Status:              storage.Ptr(storage.StatusGenerating),
		Progress:            storage.Ptr(progressResearchDone),
		Step:                storage.Ptr(fmt.Sprintf("Research complete – generating %s", modeNoun(job.Mode))),
		Research:            raw,
		ResearchCompletedAt: storage.Ptr(o.now().UTC()),
	}); err != nil {
		return o.fail(ctx, job.ID, StageInternal, err)
	}

	return o.runGeneration(ctx, job, art)
}

// RunResearch runs only the research stage and parks the job with its
// artifact stored, waiting for RunGeneration.
func (o *Orchestrator) RunResearch(ctx context.Context, jobID string) (err error) {
	defer o.recoverPanic(jobID, &err)

	job, err := o.load(ctx, jobID)
	if err != nil || job == nil {
		return err
	}

	art, err := o.runResearch(ctx, job)
	if err != nil {
		return o.fail(ctx, job.ID, StageResearch, err)
	}

	raw, err := json.Marshal(art)
	if err != nil {
		return o.fail(ctx, job.ID, StageInternal, err)
	}
	if _, err := o.store.UpdateJob(ctx, job.ID, storage.JobUpdate{
		Progress:            storage.Ptr(progressResearchDone),
		Step:                storage.Ptr(stepAwaitingGeneration),
		Research:            raw,
		ResearchCompletedAt: storage.Ptr(o.now().UTC()),
	}); err != nil {
		return o.fail(ctx, job.ID, StageInternal, err)
	}
	o.logger.Info("research stored, waiting for generation trigger", "job_id", job.ID)
	return nil
}

// RunGeneration reloads the job from the store and generates the result from
// its stored research artifact. It does not depend on any in-memory state
// from RunResearch.
func (o *Orchestrator) RunGeneration(ctx context.Context, jobID string) (err error) {
	defer o.recoverPanic(jobID, &err)

	job, err := o.load(ctx, jobID)
	if err != nil || job == nil {
		return err
	}

	art, err := job.ResearchArtifact()
	if err != nil {
		return o.fail(ctx, job.ID, StageInternal, err)
	}
	if art == nil {
		return o.fail(ctx, job.ID, StageGeneration, errors.New("no research artifact stored"))
	}

	if _, err := o.store.UpdateJob(ctx, job.ID, storage.JobUpdate{
		Status:   storage.Ptr(storage.StatusGenerating),
		Progress: storage.Ptr(progressResearchDone),
		Step:     storage.Ptr(fmt.Sprintf("Generating %s", modeNoun(job.Mode))),
	}); err != nil {
		return o.fail(ctx, job.ID, StageInternal, err)
	}

	return o.runGeneration(ctx, job, art)
}

// load fetches the job and returns nil for jobs that are already terminal.
func (o *Orchestrator) load(ctx context.Context, jobID string) (*storage.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		o.logger.Warn("skipping terminal job", "job_id", jobID, "status", job.Status)
		return nil, nil
	}
	return &job, nil
}

func (o *Orchestrator) runResearch(ctx context.Context, job *storage.Job) (*content.ResearchArtifact, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	onAttempt := func(attempt, max int) {
		step := "Analysing content"
		if attempt > 1 {
			step = fmt.Sprintf("Analysing content (attempt %d of %d)", attempt, max)
		}
		progress := min(progressResearchStart+(attempt-1)*progressResearchStep, progressResearchMax)
		_, err := o.store.UpdateJob(ctx, job.ID, storage.JobUpdate{
			Status:   storage.Ptr(storage.StatusResearching),
			Progress: storage.Ptr(progress),
			Step:     storage.Ptr(step),
		})
		if err != nil {
			o.logger.Warn("progress write failed", "job_id", job.ID, "error", err)
			if errors.Is(err, storage.ErrTerminal) {
				cancel(err)
			}
		}
	}

	art, err := o.research.Run(ctx, research.Input{
		Title:      job.Title,
		SourceText: o.clip(job.SourceText),
	}, onAttempt)
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, storage.ErrTerminal) {
		return nil, cause
	}
	return art, err
}

func (o *Orchestrator) runGeneration(ctx context.Context, job *storage.Job, art *content.ResearchArtifact) error {
	if _, err := o.store.UpdateJob(ctx, job.ID, storage.JobUpdate{
		Progress: storage.Ptr(progressGenerating),
		Step:     storage.Ptr(generatingStep(job.Mode)),
	}); err != nil {
		return o.fail(ctx, job.ID, StageInternal, err)
	}

	result, err := o.generate.Run(ctx, generation.Input{
		Title:      job.Title,
		SourceText: o.clip(job.SourceText),
		Mode:       job.Mode,
		Research:   art,
	})
	if err != nil {
		return o.fail(ctx, job.ID, StageGeneration, err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return o.fail(ctx, job.ID, StageInternal, err)
	}
	if _, err := o.store.UpdateJob(ctx, job.ID, storage.JobUpdate{
		Status:                storage.Ptr(storage.StatusCompleted),
		Progress:              storage.Ptr(100),
		Step:                  storage.Ptr("Completed"),
		Result:                raw,
		GenerationCompletedAt: storage.Ptr(o.now().UTC()),
	}); err != nil {
		return o.fail(ctx, job.ID, StageInternal, err)
	}

	o.logger.Info("job completed", "job_id", job.ID, "mode", job.Mode)
	return nil
}

// fail writes the terminal failure and returns cause wrapped. The write uses a
// context detached from ctx so that timeouts and cancellation still end in a
// recorded failure.
func (o *Orchestrator) fail(ctx context.Context, jobID string, stage Stage, cause error) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()

	detail := Redact(stage, cause)
	o.logger.Warn("job failed", "job_id", jobID, "stage", string(stage), "error", cause)

	if _, err := o.store.UpdateJob(wctx, jobID, storage.JobUpdate{
		Status: storage.Ptr(storage.StatusFailed),
		Step:   storage.Ptr("Failed"),
		Error:  storage.Ptr(detail),
	}); err != nil && !errors.Is(err, storage.ErrTerminal) {
		o.logger.Error("recording job failure", "job_id", jobID, "error", err)
		return errors.Join(fmt.Errorf("%s: %w", stage, cause), err)
	}
	return fmt.Errorf("%s: %w", stage, cause)
}

func (o *Orchestrator) recoverPanic(jobID string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	o.logger.Error("workflow panicked", "job_id", jobID, "panic", r)
	*err = o.fail(context.Background(), jobID, StageInternal, fmt.Errorf("panic: %v", r))
}

func modeNoun(m content.Mode) string {
	if m == content.ModeDiscovery {
		return "discovery path"
	}
	return "quiz"
}

func generatingStep(m content.Mode) string {
	if m == content.ModeDiscovery {
		return "Building discovery path"
	}
	return "Writing quiz questions"
}
