package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/lernpfad/internal/storage"
)

// DefaultInterval is the time between two status reads.
const DefaultInterval = 2 * time.Second

// ErrJobFailed is returned by Watch when the job ends in the failed state.
var ErrJobFailed = errors.New("job failed")

// FetchFunc reads the current projection of a job.
type FetchFunc func(ctx context.Context, slug string) (Projection, error)

// Hooks are called from the polling goroutine. Any of them may be nil.
type Hooks struct {
	// OnUpdate is called with every successfully read projection.
	OnUpdate func(Projection)
	// OnComplete is called exactly once when the job completes.
	OnComplete func(Projection)
	// OnFailed is called once when the job fails.
	OnFailed func(Projection)
}

// Poller reads a job's status at a fixed interval until it is terminal.
type Poller struct {
	Fetch    FetchFunc
	Interval time.Duration
	// MaxErrors is the number of consecutive fetch errors tolerated before
	// Watch gives up. Zero means 3.
	MaxErrors int
}

// Watch polls slug until the job is terminal, ctx is done, or fetching fails
// MaxErrors times in a row. It returns the last projection read, and
// ErrJobFailed when the job failed.
func (p *Poller) Watch(ctx context.Context, slug string, h Hooks) (Projection, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxErrors := p.MaxErrors
	if maxErrors <= 0 {
		maxErrors = 3
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		last     Projection
		failures int
	)
	for {
		proj, err := p.Fetch(ctx, slug)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			failures++
			if failures >= maxErrors {
				return last, fmt.Errorf("polling %s: %w", slug, err)
			}
		default:
			failures = 0
			last = proj
			if h.OnUpdate != nil {
				h.OnUpdate(proj)
			}
			if done, err := terminal(proj, h); done {
				return proj, err
			}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

func terminal(p Projection, h Hooks) (bool, error) {
	switch {
	case p.Status == storage.StatusCompleted:
		if h.OnComplete != nil {
			h.OnComplete(p)
		}
		return true, nil
	case p.Status == storage.StatusFailed:
		if h.OnFailed != nil {
			h.OnFailed(p)
		}
		if p.Error != "" {
			return true, fmt.Errorf("%w: %s", ErrJobFailed, p.Error)
		}
		return true, ErrJobFailed
	}
	return false, nil
}
