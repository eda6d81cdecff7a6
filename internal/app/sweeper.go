package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/job-scheduler/internal/domain"
)

// RequeueSweeper reconciles the store with the broker. A crash between the
// store write and the broker push, or a shutdown during a retry backoff,
// leaves a record in queued or retrying with no message behind it. The
// sweeper re-pushes aged records so they eventually execute.
type RequeueSweeper struct {
	jobs      domain.JobRepository
	broker    domain.Broker
	queueName string
	minAge    time.Duration
	interval  time.Duration
}

// NewRequeueSweeper builds a sweeper. minAge must comfortably exceed the
// worst-case retry backoff so in-flight backoffs are not double-pushed.
func NewRequeueSweeper(jobs domain.JobRepository, broker domain.Broker, queueName string, minAge, interval time.Duration) *RequeueSweeper {
	if jobs == nil || broker == nil {
		return nil
	}
	if minAge <= 0 {
		minAge = 3 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &RequeueSweeper{jobs: jobs, broker: broker, queueName: queueName, minAge: minAge, interval: interval}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *RequeueSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("requeue sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce scans queued and retrying jobs older than minAge and re-pushes
// their messages.
func (s *RequeueSweeper) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "RequeueSweeper.SweepOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.minAge)
	const pageSize = 100

	totalChecked := 0
	totalRequeued := 0

	for _, st := range []domain.JobStatus{domain.JobQueued, domain.JobRetrying} {
		status := st
		for offset := 0; ; offset += pageSize {
			jobs, err := s.jobs.List(ctx, domain.JobFilter{Status: &status, Offset: offset, Limit: pageSize})
			if err != nil {
				span.RecordError(err)
				slog.Error("requeue sweep failed to list jobs", slog.Any("error", err))
				return
			}
			totalChecked += len(jobs)

			for _, j := range jobs {
				if !j.UpdatedAt.Before(cutoff) {
					continue
				}
				if _, err := s.broker.Enqueue(ctx, s.queueName, j.Message()); err != nil {
					slog.Error("requeue sweep enqueue failed",
						slog.String("job_id", j.ID), slog.Any("error", err))
					continue
				}
				totalRequeued++
				slog.Info("requeued aged job",
					slog.String("job_id", j.ID),
					slog.String("status", string(j.Status)),
					slog.Time("updated_at", j.UpdatedAt))
			}

			if len(jobs) < pageSize {
				break
			}
		}
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", totalChecked),
		attribute.Int("jobs.total_requeued", totalRequeued),
	)
}
