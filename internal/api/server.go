package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"report-orchestrator/internal/config"
	"report-orchestrator/internal/fingerprint"
	"report-orchestrator/internal/models"
	"report-orchestrator/internal/orchestrator"
	"report-orchestrator/internal/queue"
	"report-orchestrator/internal/ratelimit"
	"report-orchestrator/internal/store"
	"report-orchestrator/internal/telemetry"
)

// Server wires HTTP handlers for the producer and operator API.
type Server struct {
	cfg      config.Config
	store    store.Repository
	queue    queue.Queue
	limiter  *ratelimit.TokenBucket
	validate *validator.Validate
}

// New constructs the API server. q is the queue jobs are enqueued through,
// usually st wrapped with a notifier. limiter may be nil.
func New(cfg config.Config, st store.Repository, q queue.Queue, limiter *ratelimit.TokenBucket) *Server {
	if q == nil {
		q = st
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		limiter:  limiter,
		validate: validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/runs", s.handleCreateRun)
		r.Post("/runs/{id}/start", s.handleStartRun)
		r.Post("/runs/{id}/exports", s.handleCreateExport)
		r.Post("/jobs/{id}/requeue", s.handleRequeue)
	})

	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/runs/{id}/sections", s.handleListSections)
	r.Get("/runs/{id}/jobs", s.handleListJobs)
	r.Get("/runs/{id}/events", s.handleListEvents)
	r.Get("/runs/{id}/exports", s.handleListExports)
	r.Get("/runs/{id}/delta", s.handleDelta)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/exports/{id}", s.handleGetExport)
	return r
}

type createRunRequest struct {
	orchestrator.RunRequest
	Start bool `json:"start"`
}

type createRunResponse struct {
	Run      models.Run          `json:"run"`
	Sections []models.SectionRun `json:"sections"`
	Job      *models.Job         `json:"job,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req.Template); err != nil {
		http.Error(w, fmt.Sprintf("invalid template: %v", err), http.StatusBadRequest)
		return
	}

	run, sections := orchestrator.NewRun(req.RunRequest)
	if err := s.store.CreateRun(r.Context(), run, sections); err != nil {
		writeStoreError(w, err)
		return
	}
	if stored, err := s.store.GetRun(r.Context(), run.ID); err == nil {
		run = stored
	}
	resp := createRunResponse{Run: run, Sections: sections}
	if req.Start {
		job, err := s.enqueue(r, queue.EnqueueParams{Type: models.JobStartRun, RunID: run.ID})
		if err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		resp.Job = &job
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if run.Status.Terminal() {
		http.Error(w, fmt.Sprintf("run is %s", run.Status), http.StatusConflict)
		return
	}
	job, err := s.enqueue(r, queue.EnqueueParams{Type: models.JobStartRun, RunID: run.ID})
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type createExportRequest struct {
	Format models.ExportFormat `json:"format"`
}

type createExportResponse struct {
	Export models.ExportRecord `json:"export"`
	Job    models.Job          `json:"job"`
}

// handleCreateExport records the export and enqueues it. Run state is
// checked by the EXPORT job, which fails the record when the run is not
// COMPLETED.
func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var req createExportRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if req.Format == "" {
		req.Format = models.FormatMarkdown
	}
	req.Format = models.ExportFormat(strings.ToUpper(string(req.Format)))
	if !req.Format.Valid() {
		http.Error(w, fmt.Sprintf("unsupported format %q", req.Format), http.StatusBadRequest)
		return
	}

	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	rec := models.ExportRecord{ID: uuid.New().String(), RunID: run.ID, Format: req.Format, Status: models.ExportQueued}
	if err := s.store.CreateExport(r.Context(), rec); err != nil {
		writeStoreError(w, err)
		return
	}
	job, err := s.enqueue(r, queue.EnqueueParams{
		Type:    models.JobExport,
		RunID:   run.ID,
		Payload: map[string]any{"format": string(req.Format), "exportId": rec.ID},
	})
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	if stored, err := s.store.GetExport(r.Context(), rec.ID); err == nil {
		rec = stored
	}
	writeJSON(w, http.StatusAccepted, createExportResponse{Export: rec, Job: job})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.RequeueJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	telemetry.EnqueueCounter.WithLabelValues(string(job.Type)).Inc()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// runScoped loads the run first so unknown ids return 404 rather than an
// empty list.
func (s *Server) runScoped(w http.ResponseWriter, r *http.Request, list func(runID string) (any, error)) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	items, err := list(run.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleListSections(w http.ResponseWriter, r *http.Request) {
	s.runScoped(w, r, func(id string) (any, error) { return s.store.ListSectionRuns(r.Context(), id) })
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.runScoped(w, r, func(id string) (any, error) { return s.store.ListJobsForRun(r.Context(), id) })
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	s.runScoped(w, r, func(id string) (any, error) { return s.store.ListRunEvents(r.Context(), id) })
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	s.runScoped(w, r, func(id string) (any, error) { return s.store.ListExports(r.Context(), id) })
}

// handleDelta compares the run's dependency snapshot with a baseline run's.
// Both runs must have been assembled.
func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request) {
	baselineID := r.URL.Query().Get("baseline")
	if baselineID == "" {
		http.Error(w, "baseline is required", http.StatusBadRequest)
		return
	}
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if run.TemplateSnapshot == nil {
		http.Error(w, "run has no template snapshot", http.StatusConflict)
		return
	}
	current, err := s.store.GetDependencySnapshot(r.Context(), run.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	baseline, err := s.store.GetDependencySnapshot(r.Context(), baselineID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fingerprint.Diff(baseline, current, *run.TemplateSnapshot))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetExport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) enqueue(r *http.Request, p queue.EnqueueParams) (models.Job, error) {
	job, err := s.queue.Enqueue(r.Context(), p)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.EnqueueCounter.WithLabelValues(string(job.Type)).Inc()
	return job, nil
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+tenantFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
