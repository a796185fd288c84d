package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"agentflow/internal/config"
	"agentflow/internal/models"
	"agentflow/internal/ratelimit"
	"agentflow/internal/store"
	"agentflow/internal/telemetry"
)

// JobStore is the persistence surface the API needs.
type JobStore interface {
	EnqueueJob(ctx context.Context, p store.EnqueueJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// EventStream hands the transport an ordered event feed with replay.
type EventStream interface {
	Subscribe(ctx context.Context, sessionID string, sinceSeq int64) (<-chan models.Event, bool)
	OldestRetained(sessionID string) int64
}

// Limiter gates enqueue requests.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the producer and streaming API.
type Server struct {
	cfg     config.Config
	store   JobStore
	events  EventStream
	limiter Limiter
	log     *zap.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st JobStore, events EventStream, limiter Limiter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		events:  events,
		limiter: limiter,
		log:     log.Named("api"),
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

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/sessions/{sessionID}/events", s.handleStream)
	return r
}

type enqueueRequest struct {
	Type           string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	MaxRetries     int             `json:"max_retries"`
	DelaySeconds   int             `json:"delay_seconds"`
	IdempotencyKey string          `json:"idempotency_key"`
	SessionID      string          `json:"session_id"`
}

type enqueueResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "job_type is required", http.StatusBadRequest)
		return
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = s.cfg.MaxRetries
	}
	runAt := time.Now().UTC()
	if req.DelaySeconds > 0 {
		runAt = runAt.Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	if s.limiter != nil {
		session := req.SessionID
		if session == "" {
			session = "default"
		}
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.SessionKey(session))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, idempotent, err := s.store.EnqueueJob(r.Context(), store.EnqueueJobParams{
		Type:           req.Type,
		Payload:        req.Payload,
		Priority:       req.Priority,
		RunAt:          runAt,
		MaxRetries:     req.MaxRetries,
		IdempotencyKey: req.IdempotencyKey,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		s.log.Error("enqueue failed", zap.String("job_type", req.Type), zap.Error(err))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	if !idempotent {
		telemetry.JobsEnqueued.Inc()
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Idempotent: idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
