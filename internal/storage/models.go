package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/lernpfad/internal/content"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTerminal is returned when writing to a completed or failed job.
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrExclusive is returned when an update would leave a job with both a
	// result and an error.
	ErrExclusive = errors.New("result and error are mutually exclusive")
	// ErrInvalidTransition is returned when an update would move a job backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrSlugTaken is returned when no unique public slug could be generated.
	ErrSlugTaken = errors.New("could not allocate a unique public slug")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusResearching Status = "researching"
	StatusGenerating  Status = "generating"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further writes are accepted in this state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusResearching:
		return 1
	case StatusGenerating:
		return 2
	default:
		return 3
	}
}

// CanTransition reports whether a job may move from s to next. Transitions
// are one-way; failed is reachable from any non-terminal state.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() >= s.rank()
}

// Job is the single record shared by the workflow and status readers.
type Job struct {
	ID           string
	PublicSlug   string
	Title        string
	SourceText   string
	Mode         content.Mode
	AutoGenerate bool

	Status   Status
	Progress int
	Step     string

	// Research and Result hold the JSON-encoded artifacts, nil until written.
	Research json.RawMessage
	Result   json.RawMessage
	Error    string

	CreatedAt             time.Time
	UpdatedAt             time.Time
	ResearchCompletedAt   *time.Time
	GenerationCompletedAt *time.Time
	FinishedAt            *time.Time
}

// ResearchArtifact decodes the stored research artifact, or returns nil.
func (j *Job) ResearchArtifact() (*content.ResearchArtifact, error) {
	if len(j.Research) == 0 {
		return nil, nil
	}
	var a content.ResearchArtifact
	if err := json.Unmarshal(j.Research, &a); err != nil {
		return nil, fmt.Errorf("decoding research artifact of job %s: %w", j.ID, err)
	}
	return &a, nil
}

// ResultArtifact decodes the stored result, or returns nil.
func (j *Job) ResultArtifact() (*content.Result, error) {
	if len(j.Result) == 0 {
		return nil, nil
	}
	var r content.Result
	if err := json.Unmarshal(j.Result, &r); err != nil {
		return nil, fmt.Errorf("decoding result of job %s: %w", j.ID, err)
	}
	return &r, nil
}

// NewJob holds the user-supplied fields of a job.
type NewJob struct {
	Title        string
	SourceText   string
	Mode         content.Mode
	AutoGenerate bool
}

// JobUpdate is a partial update. Nil fields leave the stored value alone.
// Progress never decreases and a stored research artifact is never replaced.
type JobUpdate struct {
	Status                *Status
	Progress              *int
	Step                  *string
	Research              json.RawMessage
	Result                json.RawMessage
	Error                 *string
	ResearchCompletedAt   *time.Time
	GenerationCompletedAt *time.Time
}

// Ptr returns a pointer to v, for building JobUpdates.
func Ptr[T any](v T) *T { return &v }

// Task is a unit of background work in the durable queue.
type Task struct {
	ID          string
	Type        string
	JobID       string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
