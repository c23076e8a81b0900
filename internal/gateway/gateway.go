// Package gateway puts one or more text-generation providers behind a single
// structured-output contract and classifies their failures.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"
)

// Request is a provider-agnostic generation request. Providers are told to
// answer with JSON only, but the gateway never relies on that.
type Request struct {
	// Purpose labels the call in logs ("research", "generation", ...).
	Purpose     string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Provider is a single text-generation backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Gateway tries its providers in priority order and returns the first
// successfully parsed result.
type Gateway struct {
	providers []Provider
	logger    *slog.Logger
}

// New creates a Gateway. Providers are tried in the given order, so list the
// cheapest first.
func New(providers ...Provider) *Gateway {
	return &Gateway{providers: providers, logger: slog.Default()}
}

// WithLogger returns the gateway using l for diagnostics.
func (g *Gateway) WithLogger(l *slog.Logger) *Gateway {
	g.logger = l
	return g
}

// Providers returns the provider names in priority order.
func (g *Gateway) Providers() []string {
	names := make([]string, len(g.providers))
	for i, p := range g.providers {
		names[i] = p.Name()
	}
	return names
}

// Generate sends req to each provider until one returns output that parses
// into out. Recoverable failures fail over to the next provider; a Fatal
// failure or context cancellation stops immediately. When every provider
// fails, the returned *Error carries the last failure's kind and all
// individual errors joined.
func (g *Gateway) Generate(ctx context.Context, req Request, out any) error {
	if len(g.providers) == 0 {
		return NewError(KindFatal, "", errors.New("no providers configured"))
	}

	var (
		errs []error
		last *Error
	)
	for _, p := range g.providers {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		text, err := p.Complete(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			gwErr := asError(p.Name(), err)
			g.logger.Warn("provider call failed",
				"provider", p.Name(),
				"purpose", req.Purpose,
				"kind", gwErr.Kind.String(),
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err,
			)
			if gwErr.Kind == KindFatal {
				return gwErr
			}
			errs = append(errs, gwErr)
			last = gwErr
			continue
		}

		if err := decode(text, out); err != nil {
			gwErr := NewError(KindMalformedResponse, p.Name(), err)
			g.logger.Warn("provider returned malformed output",
				"provider", p.Name(),
				"purpose", req.Purpose,
				"output_len", len(text),
				"error", err,
			)
			errs = append(errs, gwErr)
			last = gwErr
			continue
		}

		g.logger.Debug("provider call succeeded",
			"provider", p.Name(),
			"purpose", req.Purpose,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}

	return &Error{Kind: last.Kind, Err: errors.Join(errs...)}
}

func decode(text string, out any) error {
	payload, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	reset(out)
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding model output: %w", err)
	}
	return nil
}

// reset zeroes *out so a partial decode from a previous provider does not leak.
func reset(out any) {
	v := reflect.ValueOf(out)
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		v.Elem().Set(reflect.Zero(v.Elem().Type()))
	}
}

func asError(provider string, err error) *Error {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		if gwErr.Provider == "" {
			gwErr.Provider = provider
		}
		return gwErr
	}
	return NewError(Classify(0, err), provider, err)
}
