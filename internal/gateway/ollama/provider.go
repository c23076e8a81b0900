package ollama

import (
	"context"

	"github.com/kalambet/lernpfad/internal/gateway"
)

// ProviderName identifies Ollama in logs and aggregated errors.
const ProviderName = "ollama"

// Provider adapts a Client and model to gateway.Provider. Requests always ask
// for JSON output.
type Provider struct {
	client *Client
	model  string
}

// NewProvider returns a gateway provider backed by model on c.
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

	out, err := p.client.Chat(ctx, p.model, msgs, "json", &Options{
		Temperature: req.Temperature,
		NumPredict:  req.MaxTokens,
	})
	if err != nil {
		return "", gateway.NewError(gateway.Classify(0, err), ProviderName, err)
	}
	return out, nil
}
