package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/lernpfad/internal/gateway"
)

func tagsJSON(names ...string) []byte {
	var r tagsResponse
	for _, n := range names {
		r.Models = append(r.Models, struct {
			Name string `json:"name"`
		}{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestIsRunning_Up(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest"))
	}))
	defer srv.Close()

	if !New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestIsRunning_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	if New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest", "mistral-nemo:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.HasModel(context.Background(), "llama3.2") {
		t.Error("HasModel(llama3.2) = false, want true")
	}
	if c.HasModel(context.Background(), "phi3.5") {
		t.Error("HasModel(phi3.5) = true, want false")
	}
}

func TestChat_SendsFormatAndOptions(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(chatResponse{
			Message: Message{Role: "assistant", Content: `{"summary":"ok"}`},
		})
	}))
	defer srv.Close()

	out, err := New(srv.URL).Chat(context.Background(), "llama3.2", []Message{
		{Role: "user", Content: "summarise"},
	}, "json", &Options{Temperature: 0.2, NumPredict: 512})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != `{"summary":"ok"}` {
		t.Errorf("result = %q", out)
	}
	if got.Format != "json" {
		t.Errorf("format = %v, want json", got.Format)
	}
	if got.Options == nil || got.Options.NumPredict != 512 {
		t.Errorf("options = %+v, want num_predict 512", got.Options)
	}
	if got.Stream {
		t.Error("stream = true, want false")
	}
}

func TestChat_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Chat(context.Background(), "missing", nil, nil, nil)
	var se *gateway.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *gateway.StatusError", err)
	}
	if se.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", se.Code)
	}
}

func TestProvider_Complete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "{}"}})
	}))
	defer srv.Close()

	p := NewProvider(New(srv.URL), "llama3.2")
	if p.Name() != "ollama" {
		t.Errorf("Name() = %q", p.Name())
	}
	_, err := p.Complete(context.Background(), gateway.Request{System: "be terse", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "hi" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestProvider_ClassifiesOverload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewProvider(New(srv.URL), "llama3.2").Complete(context.Background(), gateway.Request{Prompt: "hi"})
	if kind := gateway.KindOf(err); kind != gateway.KindServiceUnavailable {
		t.Errorf("kind = %v, want service_unavailable", kind)
	}
}

func TestProvider_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewProvider(New(srv.URL), "llama3.2").Complete(context.Background(), gateway.Request{Prompt: "hi"})
	if !gateway.Retryable(err) {
		t.Errorf("connection refused should be retryable, got kind %v", gateway.KindOf(err))
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		var body pullRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.Name != "llama3.2" {
			t.Errorf("pull model = %q", body.Name)
		}
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	var n int
	if err := New(srv.URL).PullModel(context.Background(), "llama3.2", func(PullProgress) { n++ }); err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if n != 2 {
		t.Errorf("received %d progress updates, want 2", n)
	}
}

func TestEnsureReady_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := EnsureReady(context.Background(), New(srv.URL), "llama3.2", io.Discard)
	if err == nil || !strings.Contains(err.Error(), "Ollama is not running") {
		t.Fatalf("err = %v, want not running", err)
	}
}

func TestEnsureReady_PresentModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/pull" {
			t.Error("unexpected pull for a present model")
		}
		w.Write(tagsJSON("llama3.2:latest"))
	}))
	defer srv.Close()

	var sb strings.Builder
	if err := EnsureReady(context.Background(), New(srv.URL), "llama3.2", &sb); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !strings.Contains(sb.String(), "ready") {
		t.Errorf("output = %q", sb.String())
	}
}
