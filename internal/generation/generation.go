// Package generation turns a research artifact into the learner-facing quiz
// or discovery path.
package generation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/lernpfad/internal/content"
	"github.com/kalambet/lernpfad/internal/gateway"
)

// Generator is the subset of the gateway the stage depends on.
type Generator interface {
	Generate(ctx context.Context, req gateway.Request, out any) error
}

// Input carries everything the stage needs. Research must be non-nil.
type Input struct {
	Title      string
	SourceText string
	Mode       content.Mode
	Research   *content.ResearchArtifact
}

// Stage performs a single generation round. It does not retry: a failure
// here is terminal for the job.
type Stage struct {
	gen    Generator
	logger *slog.Logger
}

func New(gen Generator) *Stage {
	return &Stage{gen: gen, logger: slog.Default()}
}

func (s *Stage) WithLogger(l *slog.Logger) *Stage {
	s.logger = l
	return s
}

// Run generates and normalizes the result for in.Mode. Output that is empty
// after normalization is reported as gateway.KindMalformedResponse.
func (s *Stage) Run(ctx context.Context, in Input) (*content.Result, error) {
	if in.Research == nil {
		return nil, fmt.Errorf("generation requires a research artifact")
	}

	switch in.Mode {
	case content.ModeQuiz, "":
		var raw content.QuizResult
		if err := s.gen.Generate(ctx, quizRequest(in), &raw); err != nil {
			return nil, err
		}
		quiz, dropped, err := NormalizeQuiz(&raw, in.Title)
		if err != nil {
			return nil, gateway.NewError(gateway.KindMalformedResponse, "", err)
		}
		if dropped > 0 {
			s.logger.Warn("dropped invalid quiz questions", "dropped", dropped, "kept", quiz.TotalQuestions)
		}
		return &content.Result{Mode: content.ModeQuiz, Quiz: quiz}, nil

	case content.ModeDiscovery:
		var raw content.DiscoveryResult
		if err := s.gen.Generate(ctx, discoveryRequest(in), &raw); err != nil {
			return nil, err
		}
		path, err := NormalizeDiscovery(&raw, in.Title)
		if err != nil {
			return nil, gateway.NewError(gateway.KindMalformedResponse, "", err)
		}
		return &content.Result{Mode: content.ModeDiscovery, Discovery: path}, nil

	default:
		return nil, fmt.Errorf("unsupported mode %q", in.Mode)
	}
}
