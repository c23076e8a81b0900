// Package status turns a job record into the read-only progress view served
// to pollers, and implements the client-side polling loop.
package status

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/kalambet/lernpfad/internal/content"
	"github.com/kalambet/lernpfad/internal/storage"
)

type Elapsed struct {
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

type Progress struct {
	Current     int     `json:"current"`
	Step        string  `json:"step"`
	ElapsedTime Elapsed `json:"elapsed_time"`
	// EstimatedRemainingMinutes is nil while no estimate is possible.
	EstimatedRemainingMinutes *int `json:"estimated_remaining_minutes"`
}

// Projection is the status payload clients poll. It is derived from the job
// record alone and never written back.
type Projection struct {
	JobID          string          `json:"job_id"`
	PublicSlug     string          `json:"public_slug"`
	Title          string          `json:"title"`
	Mode           content.Mode    `json:"mode"`
	Status         storage.Status  `json:"status"`
	Progress       Progress        `json:"progress"`
	ResearchReady  bool            `json:"research_ready"`
	ReadyForQuiz   bool            `json:"ready_for_quiz"`
	ReadyForResult bool            `json:"ready_for_result"`
	RedirectURL    string          `json:"redirect_url,omitempty"`
	Error          string          `json:"error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Terminal reports whether the projected job will not change any more.
func (p Projection) Terminal() bool {
	return p.Status.Terminal()
}

// Project builds the projection of job at now. Elapsed time stops at the
// job's terminal timestamp, so repeated polls of a finished job are equal.
// publicURL prefixes the redirect path and may be empty.
func Project(job storage.Job, now time.Time, publicURL string) Projection {
	end := now
	if job.FinishedAt != nil {
		end = *job.FinishedAt
	}
	elapsed := max(end.Sub(job.CreatedAt), 0)

	p := Projection{
		JobID:      job.ID,
		PublicSlug: job.PublicSlug,
		Title:      job.Title,
		Mode:       job.Mode,
		Status:     job.Status,
		Progress: Progress{
			Current: job.Progress,
			Step:    job.Step,
			ElapsedTime: Elapsed{
				Minutes: int(elapsed / time.Minute),
				Seconds: int(elapsed%time.Minute) / int(time.Second),
			},
		},
		ResearchReady: len(job.Research) > 0,
		Error:         job.Error,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}

	switch job.Status {
	case storage.StatusCompleted:
		p.ReadyForResult = true
		p.ReadyForQuiz = job.Mode == content.ModeQuiz
		p.RedirectURL = RedirectURL(publicURL, job.Mode, job.PublicSlug)
		p.Result = job.Result
		zero := 0
		p.Progress.EstimatedRemainingMinutes = &zero
	case storage.StatusFailed:
	default:
		if rem, ok := EstimateRemaining(elapsed, job.Progress); ok {
			mins := int(math.Ceil(rem.Minutes()))
			p.Progress.EstimatedRemainingMinutes = &mins
		}
	}
	return p
}

// EstimateRemaining extrapolates linearly from elapsed time and progress:
// elapsed * (100 - progress) / progress. It reports false when progress is
// zero and nothing can be extrapolated.
func EstimateRemaining(elapsed time.Duration, progress int) (time.Duration, bool) {
	if progress <= 0 {
		return 0, false
	}
	if progress >= 100 {
		return 0, true
	}
	return elapsed * time.Duration(100-progress) / time.Duration(progress), true
}

// RedirectURL is the result endpoint a client fetches once a job is done.
func RedirectURL(publicURL string, mode content.Mode, slug string) string {
	kind := "quiz"
	if mode == content.ModeDiscovery {
		kind = "discovery"
	}
	return strings.TrimRight(publicURL, "/") + "/api/" + kind + "/" + slug
}
