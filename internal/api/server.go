// Package api exposes the producer and operator HTTP surface: job
// submission, inspection, and the dead-letter triage endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Prekzursil/momentstudio-sub002/internal/heartbeat"
	"github.com/Prekzursil/momentstudio-sub002/internal/models"
	"github.com/Prekzursil/momentstudio-sub002/internal/queue"
	"github.com/Prekzursil/momentstudio-sub002/internal/ratelimit"
	"github.com/Prekzursil/momentstudio-sub002/internal/store"
	"github.com/Prekzursil/momentstudio-sub002/internal/telemetry"
)

// Server wires the HTTP handlers over the job store. The broker and limiter
// are optional at runtime: when Redis is away, submission keeps working and
// only the fast path and throttling degrade.
type Server struct {
	log     *zap.Logger
	store   store.Store
	broker  *queue.Broker
	limiter *ratelimit.Limiter
	workers *heartbeat.Reader
}

// New constructs the API server.
func New(log *zap.Logger, st store.Store, b *queue.Broker, limiter *ratelimit.Limiter, workers *heartbeat.Reader) *Server {
	return &Server{
		log:     log.Named("api"),
		store:   st,
		broker:  b,
		limiter: limiter,
		workers: workers,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/events", s.handleListEvents)
	r.Post("/jobs/{id}/triage", s.handleTriage)
	r.Post("/jobs/{id}/resurrect", s.handleResurrect)
	r.Post("/jobs/{id}/tags", s.handleTagJob)
	r.Get("/dlq", s.handleListDeadLettered)
	r.Get("/workers", s.handleListWorkers)
	return r
}

type createJobRequest struct {
	JobType     string         `json:"job_type"`
	AssetID     *string        `json:"asset_id"`
	Payload     map[string]any `json:"payload"`
	MaxAttempts int            `json:"max_attempts"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	jobType, err := models.ParseJobType(req.JobType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_job_type", err.Error())
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), creatorKey(r))
		if err != nil {
			// Redis being down must not block submission; the bucket
			// resumes when it returns.
			s.log.Warn("rate limiter unavailable, allowing request", zap.Error(err))
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited", "submission budget exhausted, retry later")
			return
		}
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Type:                jobType,
		AssetID:             req.AssetID,
		Payload:             req.Payload,
		MaxAttemptsOverride: req.MaxAttempts,
		CreatedBy:           actorID(r),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	// Best effort: a missed signal only costs fast-path latency, the
	// poller picks the job up on its next scan.
	s.broker.Push(r.Context(), job.ID)
	telemetry.JobsEnqueued.WithLabelValues(string(job.Type)).Inc()

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if events == nil {
		events = []models.JobEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type triageRequest struct {
	State       *string    `json:"triage_state"`
	AssignTo    *string    `json:"assign_to_user_id"`
	SLADueAt    *time.Time `json:"sla_due_at"`
	IncidentURL *string    `json:"incident_url"`
	Note        *string    `json:"note"`
}

func (s *Server) handleTriage(w http.ResponseWriter, r *http.Request) {
	var req triageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	params := store.TriageParams{
		AssignTo:    req.AssignTo,
		SLADueAt:    req.SLADueAt,
		IncidentURL: req.IncidentURL,
		Note:        req.Note,
		ActorID:     actorID(r),
	}
	if req.State != nil {
		state, err := models.ParseTriageState(*req.State)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_triage_state", err.Error())
			return
		}
		params.State = &state
	}

	job, err := s.store.Triage(r.Context(), chi.URLParam(r, "id"), params)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleResurrect(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Resurrect(r.Context(), chi.URLParam(r, "id"), actorID(r))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	telemetry.JobsResurrected.Inc()
	s.broker.Push(r.Context(), job.ID)

	writeJSON(w, http.StatusOK, job)
}

type tagRequest struct {
	Tag string `json:"tag"`
}

func (s *Server) handleTagJob(w http.ResponseWriter, r *http.Request) {
	var req tagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	name := strings.TrimSpace(req.Tag)
	if name == "" {
		writeError(w, http.StatusBadRequest, "empty_tag", "tag must not be blank")
		return
	}

	tag, err := s.store.TagJob(r.Context(), chi.URLParam(r, "id"), name, actorID(r))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tag)
}

func (s *Server) handleListDeadLettered(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DeadLetterFilter{Tag: q.Get("tag")}

	if raw := q.Get("triage_state"); raw != "" {
		state, err := models.ParseTriageState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_triage_state", err.Error())
			return
		}
		filter.TriageState = state
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	jobs, err := s.store.ListDeadLettered(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.workers.List(r.Context())
	if err != nil {
		// Heartbeats live only in Redis, so there is no fallback source.
		s.log.Warn("worker heartbeats unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "heartbeats_unavailable", "worker registry is unreachable")
		return
	}
	if workers == nil {
		workers = []models.WorkerHeartbeat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

// actorID identifies the caller for audit events. Authentication happens at
// the gateway; the header is trusted by the time it lands here.
func actorID(r *http.Request) *string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return &v
	}
	return nil
}

func creatorKey(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "anonymous"
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrNotDeadLetter):
		writeError(w, http.StatusConflict, "not_dead_letter", err.Error())
	case errors.Is(err, store.ErrNotProcessing):
		writeError(w, http.StatusConflict, "not_processing", err.Error())
	default:
		s.log.Error("store operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
