package openrouter

import (
	"context"
	"errors"
	"strings"

	"github.com/kalambet/lernpfad/internal/gateway"
)

const ProviderName = "openrouter"

// Provider exposes a Client as a gateway.Provider.
type Provider struct {
	client *Client
	model  string
}

func NewProvider(c *Client, model string) *Provider {
	return &Provider{client: c, model: model}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Complete(ctx context.Context, req gateway.Request) (string, error) {
	var msgs []Message
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, Message{Role: "user", Content: req.Prompt})

	resp, err := p.client.Chat(ctx, ChatRequest{
		Model:          p.model,
		Messages:       msgs,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", gateway.NewError(gateway.Classify(0, err), ProviderName, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", gateway.NewError(gateway.KindMalformedResponse, ProviderName, errors.New("empty completion"))
	}
	return resp.Choices[0].Message.Content, nil
}
