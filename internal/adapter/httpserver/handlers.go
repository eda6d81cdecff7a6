package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/job-scheduler/internal/config"
	"github.com/fairyhunter13/job-scheduler/internal/domain"
	"github.com/fairyhunter13/job-scheduler/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Dispatch   *usecase.DispatchService
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, dispatch *usecase.DispatchService, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Dispatch: dispatch, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type submitRequest struct {
	Kind     string         `json:"kind" validate:"required"`
	Payload  map[string]any `json:"payload" validate:"required"`
	Priority int            `json:"priority" validate:"omitempty,gte=1,lte=10"`
}

type jobResponse struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Status      string         `json:"status"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:          j.ID,
		Kind:        string(j.Kind),
		Status:      string(j.Status),
		Payload:     j.Payload,
		Priority:    j.Priority,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Result:      j.Result,
		Error:       j.Error,
		ScheduledAt: j.ScheduledAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

// SubmitHandler accepts a job submission and returns the queued record.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if req.Priority == 0 {
			req.Priority = 5
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		job, err := s.Dispatch.Submit(r.Context(), usecase.SubmitRequest{
			Kind:     domain.JobKind(req.Kind),
			Payload:  req.Payload,
			Priority: req.Priority,
		})
		if err != nil {
			writeError(w, r, err, map[string]any{"valid_kinds": domain.Kinds()})
			return
		}
		LoggerFrom(r).Info("job submitted", "job_id", job.ID, "kind", job.Kind)
		writeJSON(w, http.StatusCreated, toJobResponse(job))
	}
}

// GetJobHandler returns one job by id.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Dispatch.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, map[string]string{"id": id})
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// ListJobsHandler lists jobs, newest first, filtered by status and kind.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f domain.JobFilter
		q := r.URL.Query()
		if v := q.Get("status"); v != "" {
			st := domain.JobStatus(v)
			f.Status = &st
		}
		if v := q.Get("kind"); v != "" {
			k := domain.JobKind(v)
			f.Kind = &k
		}
		if v := q.Get("skip"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, r, fmt.Errorf("%w: skip must be a non-negative integer", domain.ErrInvalidArgument), nil)
				return
			}
			f.Offset = n
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidArgument), nil)
				return
			}
			f.Limit = n
		}
		jobs, err := s.Dispatch.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobResponse(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
	}
}

// RetryJobHandler re-queues a failed job.
func (s *Server) RetryJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Dispatch.Retry(r.Context(), id)
		if err != nil {
			writeError(w, r, err, map[string]string{"id": id})
			return
		}
		LoggerFrom(r).Info("job retried", "job_id", job.ID, "attempts", job.Attempts)
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// StatsHandler returns queue statistics.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Dispatch.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// HealthHandler reports liveness.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports readiness by pinging the store and the broker.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := map[string]string{"db": "ok", "redis": "ok"}
		healthy := true
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks["db"] = err.Error()
				healthy = false
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			}
		}
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}
