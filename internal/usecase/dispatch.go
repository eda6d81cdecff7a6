// Package usecase contains the dispatcher: the submit and retry entry points
// plus the read-side queries backing the HTTP surface.
package usecase

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/job-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/job-scheduler/internal/domain"
)

// SubmitRequest is the validated input to Submit.
type SubmitRequest struct {
	Kind     domain.JobKind
	Payload  map[string]any
	Priority int
}

// DispatchService writes the durable record first and then publishes to the
// broker. The store is authoritative; the broker message is a dispatch hint.
type DispatchService struct {
	jobs       domain.JobRepository
	broker     domain.Broker
	queueName  string
	maxRetries int
}

// NewDispatchService wires a dispatcher over the job store and broker.
func NewDispatchService(jobs domain.JobRepository, broker domain.Broker, queueName string, maxRetries int) *DispatchService {
	return &DispatchService{jobs: jobs, broker: broker, queueName: queueName, maxRetries: maxRetries}
}

// Submit persists a new queued job and pushes its message onto the broker.
// If the push fails after the record is written, the record is marked failed
// so it cannot dangle in queued forever, and the broker error is surfaced.
func (s *DispatchService) Submit(ctx domain.Context, req SubmitRequest) (domain.Job, error) {
	ctx, span := otel.Tracer("usecase").Start(ctx, "Submit")
	defer span.End()

	if !domain.ValidKind(req.Kind) {
		return domain.Job{}, fmt.Errorf("op=usecase.Submit: %w: unsupported kind %q", domain.ErrInvalidArgument, req.Kind)
	}
	if req.Payload == nil {
		return domain.Job{}, fmt.Errorf("op=usecase.Submit: %w: payload is required", domain.ErrInvalidArgument)
	}
	if req.Priority < 1 || req.Priority > 10 {
		return domain.Job{}, fmt.Errorf("op=usecase.Submit: %w: priority must be between 1 and 10", domain.ErrInvalidArgument)
	}

	job, err := s.jobs.Insert(ctx, domain.Job{
		Kind:        req.Kind,
		Status:      domain.JobQueued,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: s.maxRetries,
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.Submit: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.String("job.kind", string(job.Kind)))

	depth, err := s.broker.Enqueue(ctx, s.queueName, job.Message())
	if err != nil {
		// Compensate so the record does not dangle in queued with no message.
		st := domain.JobFailed
		msg := "enqueue failed"
		if _, uerr := s.jobs.Update(ctx, job.ID, domain.JobPatch{Status: &st, Error: &msg}); uerr != nil {
			return domain.Job{}, fmt.Errorf("op=usecase.Submit: enqueue and compensation failed: %w", uerr)
		}
		return domain.Job{}, fmt.Errorf("op=usecase.Submit: %w", err)
	}
	observability.SubmitJob(string(job.Kind))
	observability.ObserveQueueDepth(s.queueName, depth)
	return job, nil
}

// Retry re-opens a failed job: status back to queued, attempts incremented,
// error cleared, one new broker message. Jobs that are not failed, or that
// have exhausted max_attempts, are not retriable.
func (s *DispatchService) Retry(ctx domain.Context, id string) (domain.Job, error) {
	ctx, span := otel.Tracer("usecase").Start(ctx, "Retry")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.Retry: %w", err)
	}
	if job.Status != domain.JobFailed || job.Attempts >= job.MaxAttempts {
		return domain.Job{}, fmt.Errorf("op=usecase.Retry: %w: status=%s attempts=%d/%d",
			domain.ErrNotRetriable, job.Status, job.Attempts, job.MaxAttempts)
	}

	st := domain.JobQueued
	attempts := job.Attempts + 1
	cleared := ""
	job, err = s.jobs.Update(ctx, id, domain.JobPatch{Status: &st, Attempts: &attempts, Error: &cleared})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.Retry: %w", err)
	}
	if _, err := s.broker.Enqueue(ctx, s.queueName, job.Message()); err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.Retry: %w", err)
	}
	return job, nil
}

// Get returns one job by id.
func (s *DispatchService) Get(ctx domain.Context, id string) (domain.Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.Get: %w", err)
	}
	return job, nil
}

// List returns jobs matching the filter, newest first. Limit defaults to 100
// and is capped there by the store.
func (s *DispatchService) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	jobs, err := s.jobs.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.List: %w", err)
	}
	return jobs, nil
}

// Stats aggregates per-status counts from the store with the live queue depth
// from the broker.
func (s *DispatchService) Stats(ctx domain.Context) (domain.JobStats, error) {
	ctx, span := otel.Tracer("usecase").Start(ctx, "Stats")
	defer span.End()

	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return domain.JobStats{}, fmt.Errorf("op=usecase.Stats: %w", err)
	}
	depth, err := s.broker.QueueLength(ctx, s.queueName)
	if err != nil {
		return domain.JobStats{}, fmt.Errorf("op=usecase.Stats: %w", err)
	}
	observability.ObserveQueueDepth(s.queueName, depth)

	var total int64
	for _, n := range counts {
		total += n
	}
	stats := domain.JobStats{Total: total, ByStatus: counts, QueueDepth: depth}
	done := counts[domain.JobCompleted] + counts[domain.JobFailed]
	if done > 0 {
		stats.SuccessRate = float64(counts[domain.JobCompleted]) / float64(done)
	}
	return stats, nil
}
