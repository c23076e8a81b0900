package storage

import (
	"fmt"
	"time"
)

// Merge applies u to cur and returns the record that should be stored. It is
// shared by every Store implementation so the merge rules cannot drift:
//
//   - terminal jobs reject all writes (ErrTerminal)
//   - status only moves forward (ErrInvalidTransition)
//   - progress is clamped to 0..100 and never decreases
//   - the first research artifact written is kept for good
//   - a result is only accepted together with status completed
//   - result and error are mutually exclusive (ErrExclusive)
func Merge(cur Job, u JobUpdate, now time.Time) (Job, error) {
	if cur.Status.Terminal() {
		return Job{}, fmt.Errorf("%w: job %s is %s", ErrTerminal, cur.ID, cur.Status)
	}

	next := cur
	if u.Status != nil {
		if !cur.Status.CanTransition(*u.Status) {
			return Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, *u.Status)
		}
		next.Status = *u.Status
	}
	if u.Progress != nil {
		if p := min(max(*u.Progress, 0), 100); p > next.Progress {
			next.Progress = p
		}
	}
	if u.Step != nil {
		next.Step = *u.Step
	}
	if len(u.Research) > 0 && len(cur.Research) == 0 {
		next.Research = u.Research
	}
	if len(u.Result) > 0 {
		next.Result = u.Result
	}
	if u.Error != nil {
		next.Error = *u.Error
	}
	if u.ResearchCompletedAt != nil && cur.ResearchCompletedAt == nil {
		next.ResearchCompletedAt = u.ResearchCompletedAt
	}
	if u.GenerationCompletedAt != nil && cur.GenerationCompletedAt == nil {
		next.GenerationCompletedAt = u.GenerationCompletedAt
	}

	if len(next.Result) > 0 && next.Error != "" {
		return Job{}, ErrExclusive
	}
	if len(next.Result) > 0 && next.Status != StatusCompleted {
		return Job{}, fmt.Errorf("%w: result written while %s", ErrInvalidTransition, next.Status)
	}

	switch next.Status {
	case StatusCompleted:
		if len(next.Result) == 0 {
			return Job{}, fmt.Errorf("%w: completed without a result", ErrInvalidTransition)
		}
		next.Progress = 100
	case StatusFailed:
		if next.Error == "" {
			next.Error = "The job failed for an unknown reason."
		}
	}
	if next.Status.Terminal() {
		next.FinishedAt = &now
	}
	next.UpdatedAt = now
	return next, nil
}
