// Package research turns source text into a structured research artifact,
// retrying recoverable provider failures with bounded backoff.
package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/lernpfad/internal/content"
	"github.com/kalambet/lernpfad/internal/gateway"
)

// DefaultMaxAttempts is the retry bound used when none is configured.
const DefaultMaxAttempts = 3

// ErrExhausted is returned when every attempt failed with a recoverable error.
var ErrExhausted = errors.New("research attempts exhausted")

// Generator is the subset of the gateway the stage depends on.
type Generator interface {
	Generate(ctx context.Context, req gateway.Request, out any) error
}

// Input is the user-supplied material to analyse.
type Input struct {
	Title      string
	SourceText string
}

// Config tunes the retry policy.
type Config struct {
	MaxAttempts int
	// Fallback substitutes a templated artifact instead of failing when
	// attempts are exhausted.
	Fallback bool
}

// Stage runs the research round against a Generator.
type Stage struct {
	gen         Generator
	maxAttempts int
	fallback    bool
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

// New creates a Stage. A zero MaxAttempts means DefaultMaxAttempts.
func New(gen Generator, cfg Config) *Stage {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	return &Stage{
		gen:         gen,
		maxAttempts: attempts,
		fallback:    cfg.Fallback,
		sleep:       sleepCtx,
		logger:      slog.Default(),
	}
}

// WithSleep replaces the backoff sleep; tests use it to avoid real delays.
func (s *Stage) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Stage {
	s.sleep = fn
	return s
}

func (s *Stage) WithLogger(l *slog.Logger) *Stage {
	s.logger = l
	return s
}

// MaxAttempts returns the configured attempt bound.
func (s *Stage) MaxAttempts() int { return s.maxAttempts }

// Backoff returns the wait before the next attempt. It grows linearly with the
// attempt number and is longest after a provider outage.
func Backoff(attempt int, kind gateway.Kind) time.Duration {
	base := 2 * time.Second
	switch kind {
	case gateway.KindServiceUnavailable:
		base = 5 * time.Second
	case gateway.KindRateLimited:
		base = 3 * time.Second
	}
	return time.Duration(attempt) * base
}

// Run produces a research artifact for in. onAttempt, when non-nil, is
// called before every attempt with the 1-based attempt number.
//
// A Fatal error or context cancellation returns immediately. After the last
// recoverable failure Run returns an error wrapping ErrExhausted, or the
// fallback artifact when fallback is enabled.
func (s *Stage) Run(ctx context.Context, in Input, onAttempt func(attempt, max int)) (*content.ResearchArtifact, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if onAttempt != nil {
			onAttempt(attempt, s.maxAttempts)
		}

		art, err := s.attempt(ctx, in)
		if err == nil {
			if attempt > 1 {
				s.logger.Info("research succeeded after retry", "attempt", attempt)
			}
			return art, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		kind := gateway.KindOf(err)
		if !kind.Retryable() {
			return nil, err
		}
		lastErr = err

		if attempt == s.maxAttempts {
			break
		}
		wait := Backoff(attempt, kind)
		s.logger.Warn("research attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", s.maxAttempts,
			"kind", kind.String(),
			"backoff", wait,
			"error", err,
		)
		if err := s.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	if s.fallback {
		s.logger.Warn("research exhausted, using fallback artifact",
			"attempts", s.maxAttempts,
			"error", lastErr,
		)
		return content.FallbackResearch(in.Title, in.SourceText), nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, s.maxAttempts, lastErr)
}

func (s *Stage) attempt(ctx context.Context, in Input) (*content.ResearchArtifact, error) {
	var art content.ResearchArtifact
	if err := s.gen.Generate(ctx, buildRequest(in), &art); err != nil {
		return nil, err
	}
	art.Clean()
	if err := art.Validate(); err != nil {
		return nil, gateway.NewError(gateway.KindMalformedResponse, "", err)
	}
	return &art, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
