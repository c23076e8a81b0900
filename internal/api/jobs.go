package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/lernpfad/internal/content"
	"github.com/kalambet/lernpfad/internal/source"
	"github.com/kalambet/lernpfad/internal/status"
	"github.com/kalambet/lernpfad/internal/storage"
	"github.com/kalambet/lernpfad/internal/workflow"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxURLFetchSize = 2 << 20    // 2MB
const urlFetchTimeout = 10 * time.Second

// JobReader is the read side of the job store.
type JobReader interface {
	GetJobBySlug(ctx context.Context, slug string) (storage.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]storage.Job, error)
	Ping(ctx context.Context) error
}

// Submitter accepts new work. *workflow.Service implements it.
type Submitter interface {
	Submit(ctx context.Context, req workflow.SubmitRequest) (workflow.SubmitResult, error)
	TriggerGeneration(ctx context.Context, slug string) (storage.Job, error)
}

type AppDeps struct {
	Jobs       JobReader
	Service    Submitter
	Token      string
	PublicURL  string
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *slog.Logger
}

func (d AppDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d AppDeps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

type SubmitRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Mode    string `json:"mode"`
	// Type is "text" (default) or "url".
	Type string `json:"type"`
	URL  string `json:"url"`
	// AutoGenerate defaults to true.
	AutoGenerate *bool `json:"auto_generate"`
}

// JobView is the full job record as served by GET /api/jobs/{slug}.
type JobView struct {
	ID                    string          `json:"id"`
	PublicSlug            string          `json:"public_slug"`
	Title                 string          `json:"title"`
	Mode                  content.Mode    `json:"mode"`
	AutoGenerate          bool            `json:"auto_generate"`
	Status                storage.Status  `json:"status"`
	Progress              int             `json:"progress"`
	Step                  string          `json:"step"`
	Research              json.RawMessage `json:"research,omitempty"`
	Result                json.RawMessage `json:"result,omitempty"`
	Error                 string          `json:"error,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	ResearchCompletedAt   *time.Time      `json:"research_completed_at,omitempty"`
	GenerationCompletedAt *time.Time      `json:"generation_completed_at,omitempty"`
	FinishedAt            *time.Time      `json:"finished_at,omitempty"`
}

func newJobView(j storage.Job) JobView {
	return JobView{
		ID:                    j.ID,
		PublicSlug:            j.PublicSlug,
		Title:                 j.Title,
		Mode:                  j.Mode,
		AutoGenerate:          j.AutoGenerate,
		Status:                j.Status,
		Progress:              j.Progress,
		Step:                  j.Step,
		Research:              j.Research,
		Result:                j.Result,
		Error:                 j.Error,
		CreatedAt:             j.CreatedAt,
		UpdatedAt:             j.UpdatedAt,
		ResearchCompletedAt:   j.ResearchCompletedAt,
		GenerationCompletedAt: j.GenerationCompletedAt,
		FinishedAt:            j.FinishedAt,
	}
}

// JobSummary is one entry of GET /api/jobs.
type JobSummary struct {
	PublicSlug string         `json:"public_slug"`
	Title      string         `json:"title"`
	Mode       content.Mode   `json:"mode"`
	Status     storage.Status `json:"status"`
	Progress   int            `json:"progress"`
	CreatedAt  time.Time      `json:"created_at"`
}

func newJobSummary(j storage.Job) JobSummary {
	return JobSummary{
		PublicSlug: j.PublicSlug,
		Title:      j.Title,
		Mode:       j.Mode,
		Status:     j.Status,
		Progress:   j.Progress,
		CreatedAt:  j.CreatedAt,
	}
}

// NewAppHandler returns the HTTP API. /health is always public; everything
// under /api requires the bearer token when one is configured.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: urlFetchTimeout}
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/jobs", handleSubmit(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{slug}", handleGetJob(deps))
		r.Get("/jobs/{slug}/status", handleStatus(deps))
		r.Post("/jobs/{slug}/generate", handleGenerate(deps))
		r.Get("/quiz/{slug}", handleResult(deps))
		r.Get("/discovery/{slug}", handleResult(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Jobs.Ping(r.Context()); err != nil {
			deps.logger().Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleSubmit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		text := req.Content
		switch req.Type {
		case "", "text":
		case "url":
			if req.URL == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required for type url")
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), urlFetchTimeout)
			defer cancel()

			fetched, err := source.FetchURL(ctx, deps.HTTPClient, req.URL, maxURLFetchSize)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", err)
				return
			}
			text = fetched
			if req.Title == "" {
				req.Title = req.URL
			}
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown type %q (want text or url)", req.Type)
			return
		}

		autoGenerate := true
		if req.AutoGenerate != nil {
			autoGenerate = *req.AutoGenerate
		}

		res, err := deps.Service.Submit(r.Context(), workflow.SubmitRequest{
			Title:        req.Title,
			Content:      text,
			Mode:         req.Mode,
			AutoGenerate: autoGenerate,
		})
		if errors.Is(err, workflow.ErrInvalidInput) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			deps.logger().Error("submit failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit job")
			return
		}

		writeJSON(w, http.StatusAccepted, res)
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		jobs, err := deps.Jobs.ListJobs(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		out := make([]JobSummary, len(jobs))
		for i, j := range jobs {
			out[i] = newJobSummary(j)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// loadJob writes a 404 or 500 and returns false when the job cannot be read.
func loadJob(deps AppDeps, w http.ResponseWriter, r *http.Request) (storage.Job, bool) {
	slug := chi.URLParam(r, "slug")
	job, err := deps.Jobs.GetJobBySlug(r.Context(), slug)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "job not found")
		return storage.Job{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
		return storage.Job{}, false
	}
	return job, true
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, newJobView(job))
	}
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(deps, w, r)
		if !ok {
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, status.Project(job, deps.now(), deps.PublicURL))
	}
}

func handleGenerate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slug := chi.URLParam(r, "slug")
		job, err := deps.Service.TriggerGeneration(r.Context(), slug)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		case errors.Is(err, workflow.ErrNotReady):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		case err != nil:
			deps.logger().Error("trigger generation failed", "slug", slug, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start generation")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id":      job.ID,
			"public_slug": job.PublicSlug,
			"status":      "queued",
		})
	}
}

func handleResult(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadJob(deps, w, r)
		if !ok {
			return
		}
		switch job.Status {
		case storage.StatusCompleted:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(job.Result)
		case storage.StatusFailed:
			httpError(w, http.StatusGone, "job_failed", "%s", job.Error)
		default:
			httpError(w, http.StatusConflict, "not_ready", "job is %s", job.Status)
		}
	}
}
