// Package openai wraps the go-openai client as a generation provider.
package openai

import (
	"context"
	"errors"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/kalambet/lernpfad/internal/gateway"
)

const ProviderName = "openai"

// DefaultModel is used when no model is configured.
const DefaultModel = goopenai.GPT4oMini

// Provider sends completions to the OpenAI API (or any compatible endpoint).
type Provider struct {
	client *goopenai.Client
	model  string
}

// New creates a Provider. An empty baseURL uses the public API.
func New(apiKey, baseURL, model string) *Provider {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = DefaultModel
	}
	return &Provider{client: goopenai.NewClientWithConfig(cfg), model: model}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Complete(ctx context.Context, req gateway.Request) (string, error) {
	var msgs []goopenai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := p.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", gateway.NewError(classify(err), ProviderName, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", gateway.NewError(gateway.KindMalformedResponse, ProviderName, errors.New("empty completion"))
	}
	return resp.Choices[0].Message.Content, nil
}

func classify(err error) gateway.Kind {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return gateway.Classify(apiErr.HTTPStatusCode, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return gateway.Classify(reqErr.HTTPStatusCode, err)
	}
	return gateway.Classify(0, err)
}
