package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/lernpfad/internal/status"
	"github.com/kalambet/lernpfad/internal/storage"
	"github.com/kalambet/lernpfad/internal/workflow"
)

const testToken = "test-token-12345"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupAppHandler(t *testing.T, token string) (http.Handler, *storage.Store) {
	t.Helper()
	return setupAppHandlerWithHTTPClient(t, token, http.DefaultClient)
}

func setupAppHandlerWithHTTPClient(t *testing.T, token string, httpClient *http.Client) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	handler := NewAppHandler(AppDeps{
		Jobs:       store,
		Service:    workflow.NewService(store),
		Token:      token,
		PublicURL:  "https://lernpfad.example",
		HTTPClient: httpClient,
		Now:        func() time.Time { return fixedNow },
	})
	return handler, store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func submit(t *testing.T, h http.Handler, body string) workflow.SubmitResult {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/jobs", body, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	var res workflow.SubmitResult
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decoding submit response: %v", err)
	}
	return res
}

func TestHealth_NoAuthNeeded(t *testing.T) {
	h, _ := setupAppHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestSubmit_TextReturnsImmediately(t *testing.T) {
	h, store := setupAppHandler(t, testToken)

	res := submit(t, h, `{"title":"Photosynthesis","content":"Plants use light to make sugar.","mode":"quiz"}`)
	if res.JobID == "" || res.PublicSlug == "" {
		t.Fatalf("response missing ids: %+v", res)
	}
	if res.EstimatedMinutes <= 0 {
		t.Errorf("EstimatedMinutes = %d", res.EstimatedMinutes)
	}

	job, err := store.GetJobBySlug(context.Background(), res.PublicSlug)
	if err != nil {
		t.Fatalf("GetJobBySlug: %v", err)
	}
	if job.Status != storage.StatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if !job.AutoGenerate {
		t.Error("auto_generate should default to true")
	}
}

func TestSubmit_ValidationErrors(t *testing.T) {
	h, _ := setupAppHandler(t, testToken)

	for name, body := range map[string]string{
		"missing title":   `{"content":"x"}`,
		"missing content": `{"title":"x"}`,
		"bad mode":        `{"title":"x","content":"y","mode":"poem"}`,
		"bad type":        `{"title":"x","content":"y","type":"file"}`,
		"url without url": `{"title":"x","type":"url"}`,
		"not json":        `{`,
	} {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodPost, "/api/jobs", body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
			var envelope struct {
				Error struct {
					Message string `json:"message"`
					Type    string `json:"type"`
				} `json:"error"`
			}
			if err := json.NewDecoder(rr.Body).Decode(&envelope); err != nil {
				t.Fatalf("decoding error body: %v", err)
			}
			if envelope.Error.Type != "invalid_request_error" || envelope.Error.Message == "" {
				t.Errorf("error envelope = %+v", envelope)
			}
		})
	}
}

func TestSubmit_URL(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><h1>Cells</h1><p>Cells divide by mitosis.</p></body></html>"))
	}))
	defer page.Close()

	h, store := setupAppHandlerWithHTTPClient(t, testToken, page.Client())
	res := submit(t, h, `{"type":"url","url":"`+page.URL+`","mode":"discovery"}`)

	job, err := store.GetJobBySlug(context.Background(), res.PublicSlug)
	if err != nil {
		t.Fatalf("GetJobBySlug: %v", err)
	}
	if job.Title != page.URL {
		t.Errorf("title = %q, want the url", job.Title)
	}
	if !strings.Contains(job.SourceText, "Cells divide by mitosis.") {
		t.Errorf("source text = %q", job.SourceText)
	}
	if strings.Contains(job.SourceText, "<p>") {
		t.Errorf("html not stripped: %q", job.SourceText)
	}
}

func TestSubmit_URLFetchFailure(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer page.Close()

	h, _ := setupAppHandlerWithHTTPClient(t, testToken, page.Client())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/jobs", `{"type":"url","url":"`+page.URL+`"}`, testToken))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}

func TestAuth(t *testing.T) {
	h, _ := setupAppHandler(t, testToken)

	for _, token := range []string{"", "wrong"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/api/jobs", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}

	open, _ := setupAppHandler(t, "")
	rr := httptest.NewRecorder()
	open.ServeHTTP(rr, authReq(http.MethodGet, "/api/jobs", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("no token configured: status = %d, want 200", rr.Code)
	}
}

func TestStatus_Projection(t *testing.T) {
	h, store := setupAppHandler(t, testToken)
	res := submit(t, h, `{"title":"T","content":"C"}`)
	ctx := context.Background()

	if _, err := store.UpdateJob(ctx, res.JobID, storage.JobUpdate{
		Status:   storage.Ptr(storage.StatusResearching),
		Progress: storage.Ptr(20),
		Step:     storage.Ptr("Analysing content"),
	}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/jobs/"+res.PublicSlug+"/status", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var raw map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	progress := raw["progress"].(map[string]any)
	if progress["current"] != float64(20) || progress["step"] != "Analysing content" {
		t.Errorf("progress = %v", progress)
	}
	if _, ok := progress["elapsed_time"].(map[string]any); !ok {
		t.Errorf("elapsed_time missing: %v", progress)
	}
	if raw["ready_for_quiz"] != false || raw["ready_for_result"] != false {
		t.Errorf("ready flags = %v / %v", raw["ready_for_quiz"], raw["ready_for_result"])
	}
	if _, ok := raw["redirect_url"]; ok {
		t.Error("redirect_url present before completion")
	}
}

func TestStatus_CompletedIsStable(t *testing.T) {
	h, store := setupAppHandler(t, testToken)
	res := submit(t, h, `{"title":"T","content":"C"}`)
	ctx := context.Background()

	if _, err := store.UpdateJob(ctx, res.JobID, storage.JobUpdate{
		Status: storage.Ptr(storage.StatusCompleted),
		Result: json.RawMessage(`{"mode":"quiz","quiz":{"title":"T","questions":[],"totalQuestions":0,"estimatedTime":1}}`),
	}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	read := func() status.Projection {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/api/jobs/"+res.PublicSlug+"/status", "", testToken))
		var p status.Projection
		if err := json.NewDecoder(rr.Body).Decode(&p); err != nil {
			t.Fatal(err)
		}
		return p
	}
	first, second := read(), read()

	if string(first.Result) != string(second.Result) {
		t.Errorf("result drifted between polls")
	}
	if first.RedirectURL != "https://lernpfad.example/api/quiz/"+res.PublicSlug {
		t.Errorf("redirect_url = %q", first.RedirectURL)
	}
	if !first.ReadyForQuiz || !first.ReadyForResult {
		t.Errorf("ready flags not set: %+v", first)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/quiz/"+res.PublicSlug, "", testToken))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"mode":"quiz"`) {
		t.Errorf("result endpoint: %d %s", rr.Code, rr.Body.String())
	}
}

func TestStatus_RedirectURLIsServed(t *testing.T) {
	h, store := setupAppHandler(t, testToken)
	res := submit(t, h, `{"title":"T","content":"C","mode":"discovery"}`)

	if _, err := store.UpdateJob(context.Background(), res.JobID, storage.JobUpdate{
		Status: storage.Ptr(storage.StatusCompleted),
		Result: json.RawMessage(`{"mode":"discovery","discovery":{"title":"T","objectives":[],"stations":[],"estimatedTime":1}}`),
	}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/jobs/"+res.PublicSlug+"/status", "", testToken))
	var p status.Projection
	if err := json.NewDecoder(rr.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	path := strings.TrimPrefix(p.RedirectURL, "https://lernpfad.example")
	if path != "/api/discovery/"+res.PublicSlug {
		t.Fatalf("redirect_url = %q", p.RedirectURL)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, path, "", testToken))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"mode":"discovery"`) {
		t.Errorf("redirect target: %d %s", rr.Code, rr.Body.String())
	}
}

func TestResult_NotReady(t *testing.T) {
	h, _ := setupAppHandler(t, testToken)
	res := submit(t, h, `{"title":"T","content":"C"}`)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/quiz/"+res.PublicSlug, "", testToken))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	h, _ := setupAppHandler(t, testToken)

	for _, path := range []string{"/api/jobs/nope", "/api/jobs/nope/status", "/api/quiz/nope"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, path, "", testToken))
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rr.Code)
		}
	}
}

func TestGetJob_IncludesResearch(t *testing.T) {
	h, store := setupAppHandler(t, testToken)
	res := submit(t, h, `{"title":"T","content":"C","auto_generate":false}`)

	if _, err := store.UpdateJob(context.Background(), res.JobID, storage.JobUpdate{
		Status:   storage.Ptr(storage.StatusResearching),
		Research: json.RawMessage(`{"summary":"s","key_facts":["f"],"questions":[]}`),
	}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/jobs/"+res.PublicSlug, "", testToken))
	var view JobView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.AutoGenerate {
		t.Error("auto_generate = true, want false")
	}
	if !strings.Contains(string(view.Research), `"summary":"s"`) {
		t.Errorf("research = %s", view.Research)
	}
}

func TestGenerate(t *testing.T) {
	h, store := setupAppHandler(t, testToken)
	res := submit(t, h, `{"title":"T","content":"C","auto_generate":false}`)
	ctx := context.Background()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/jobs/"+res.PublicSlug+"/generate", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Fatalf("before research: status = %d, want 409", rr.Code)
	}

	task, err := store.ClaimNextTask(ctx, []string{workflow.TaskResearch})
	if err != nil || task == nil {
		t.Fatalf("claiming research task: %v %v", task, err)
	}
	if err := store.CompleteTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateJob(ctx, res.JobID, storage.JobUpdate{
		Status:   storage.Ptr(storage.StatusResearching),
		Progress: storage.Ptr(50),
		Research: json.RawMessage(`{"summary":"s","key_facts":["f"],"questions":[]}`),
	}); err != nil {
		t.Fatal(err)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/jobs/"+res.PublicSlug+"/generate", "", testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/jobs/missing/generate", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing job: status = %d, want 404", rr.Code)
	}
}

func TestListJobs(t *testing.T) {
	h, _ := setupAppHandler(t, testToken)
	submit(t, h, `{"title":"First","content":"C"}`)
	submit(t, h, `{"title":"Second","content":"C","mode":"discovery"}`)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/jobs?limit=1", "", testToken))
	var jobs []JobSummary
	if err := json.NewDecoder(rr.Body).Decode(&jobs); err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Title != "Second" {
		t.Errorf("jobs = %+v, want only the newest", jobs)
	}
}
