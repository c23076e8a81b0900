package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/lernpfad/internal/gateway"
)

func newServer(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New("sk-test", srv.URL+"/v1", "gpt-4o-mini")
}

func TestComplete(t *testing.T) {
	var body map[string]any
	p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"a\":1}"},"finish_reason":"stop"}]}`)
	})

	out, err := p.Complete(context.Background(), gateway.Request{System: "sys", Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)
	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.Len(t, body["messages"], 2)
	assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
}

func TestComplete_ErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   gateway.Kind
	}{
		{http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`, gateway.KindFatal},
		{http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, gateway.KindRateLimited},
		{http.StatusInternalServerError, `oops`, gateway.KindServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := p.Complete(context.Background(), gateway.Request{Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, gateway.KindOf(err))
		})
	}
}

func TestComplete_EmptyChoices(t *testing.T) {
	p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"c1","choices":[]}`)
	})
	_, err := p.Complete(context.Background(), gateway.Request{Prompt: "x"})
	assert.Equal(t, gateway.KindMalformedResponse, gateway.KindOf(err))
}

func TestNew_DefaultModel(t *testing.T) {
	assert.Equal(t, DefaultModel, New("k", "", "").model)
}
