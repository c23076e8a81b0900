package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/lernpfad/internal/gateway"
	"github.com/kalambet/lernpfad/internal/research"
)

// Stage names the part of the workflow an error came from.
type Stage string

const (
	StageResearch   Stage = "research"
	StageGeneration Stage = "generation"
	StageInternal   Stage = "processing"
)

func (s Stage) label() string {
	switch s {
	case StageResearch:
		return "Research"
	case StageGeneration:
		return "Generation"
	default:
		return "Processing"
	}
}

// Redact turns err into the user-visible error detail of a failed job. The
// message depends only on the error's classification, never on its text, so
// provider payloads, keys and stack traces cannot leak.
func Redact(stage Stage, err error) string {
	return fmt.Sprintf("%s failed: %s", stage.label(), reason(err))
}

func reason(err error) string {
	switch {
	case err == nil:
		return "unknown error."
	case errors.Is(err, context.DeadlineExceeded):
		return "the job took too long and was stopped. Please submit it again."
	case errors.Is(err, context.Canceled):
		return "the job was cancelled."
	}

	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		return "an internal error occurred. Please submit the content again."
	}

	var msg string
	switch gwErr.Kind {
	case gateway.KindFatal:
		msg = "the AI provider rejected the request. Check the provider configuration."
	case gateway.KindRateLimited:
		msg = "the AI service is rate limited. Please try again in a few minutes."
	case gateway.KindServiceUnavailable:
		msg = "the AI service is currently unavailable. Please try again later."
	case gateway.KindTimeout:
		msg = "the AI service did not respond in time."
	case gateway.KindMalformedResponse:
		msg = "the AI service returned a response that could not be used."
	}
	if errors.Is(err, research.ErrExhausted) {
		msg = "gave up after several attempts, " + msg
	}
	return msg
}
