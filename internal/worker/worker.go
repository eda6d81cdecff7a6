package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/job-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/job-scheduler/internal/config"
	"github.com/fairyhunter13/job-scheduler/internal/domain"
)

const (
	// capacityWait is the pause when a worker is at its in-flight budget.
	capacityWait = 100 * time.Millisecond
	// errorWait is the pause after a broker error in the run loop.
	errorWait = time.Second
)

// Options carries the engine tunables shared by all workers in a pool.
type Options struct {
	QueueName    string
	DLQName      string
	Concurrency  int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	ResultTTL    time.Duration
}

// NewOptions derives per-worker options from the application config.
func NewOptions(cfg config.Config) Options {
	return Options{
		QueueName:    cfg.JobQueueName,
		DLQName:      cfg.JobDLQName,
		Concurrency:  cfg.PerWorkerConcurrency(),
		PollInterval: cfg.WorkerPollInterval,
		LeaseTTL:     cfg.LeaseTTL,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
		ResultTTL:    cfg.JobResultTTL,
	}
}

// Worker pulls messages from the job queue and drives the per-job state
// machine. A worker only exits on the stop signal; broker errors are logged
// and retried after a pause.
type Worker struct {
	id       int
	broker   domain.Broker
	jobs     domain.JobRepository
	registry *Registry
	opts     Options

	stop <-chan struct{}
	sem  chan struct{}
}

// NewWorker constructs a worker. stop is closed by the pool on shutdown.
func NewWorker(id int, broker domain.Broker, jobs domain.JobRepository, registry *Registry, opts Options, stop <-chan struct{}) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Worker{
		id:       id,
		broker:   broker,
		jobs:     jobs,
		registry: registry,
		opts:     opts,
		stop:     stop,
		sem:      make(chan struct{}, opts.Concurrency),
	}
}

// Run is the worker loop. ctx is cancelled by the pool when stopping; any
// in-flight executions are awaited before Run returns. New work is not
// accepted after cancellation.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("worker started", slog.Int("worker_id", w.id), slog.Int("concurrency", w.opts.Concurrency))
	for {
		if w.stopping(ctx) {
			break
		}
		// Capacity gate: all in-flight slots busy.
		if len(w.sem) >= cap(w.sem) {
			w.pause(ctx, capacityWait)
			continue
		}
		raw, err := w.broker.Dequeue(ctx, w.opts.QueueName, w.opts.PollInterval)
		if err != nil {
			if w.stopping(ctx) {
				break
			}
			slog.Error("dequeue failed", slog.Int("worker_id", w.id), slog.Any("error", err))
			w.pause(ctx, errorWait)
			continue
		}
		if raw == nil {
			continue
		}
		var msg domain.QueueMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Error("malformed queue message dropped", slog.Int("worker_id", w.id), slog.Any("error", err))
			continue
		}
		w.sem <- struct{}{}
		go func() {
			defer func() { <-w.sem }()
			w.Process(ctx, msg)
		}()
	}
	// Drain: wait for in-flight executions to finish.
	for i := 0; i < cap(w.sem); i++ {
		w.sem <- struct{}{}
	}
	slog.Info("worker stopped", slog.Int("worker_id", w.id))
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-w.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *Worker) pause(ctx context.Context, d time.Duration) {
	select {
	case <-w.stop:
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Process runs the per-job state machine for one dequeued message.
//
// Lease, mark processing, execute, then either complete, schedule a retry
// with exponential backoff, or banish to the DLQ. The lease is released on
// every exit path. Store failures are logged and never abort the worker; the
// lease TTL bounds any resulting inconsistency.
func (w *Worker) Process(ctx context.Context, msg domain.QueueMessage) {
	// State updates and handler execution must survive pool shutdown; only
	// the backoff sleep is interruptible.
	procCtx := context.WithoutCancel(ctx)
	tracer := otel.Tracer("worker")
	procCtx, span := tracer.Start(procCtx, "ProcessJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", msg.ID),
		attribute.String("job.kind", string(msg.Kind)),
		attribute.Int("job.attempts", msg.Attempts),
	)

	lg := slog.Default().With(
		slog.Int("worker_id", w.id),
		slog.String("job_id", msg.ID),
		slog.String("kind", string(msg.Kind)),
	)

	// At most one worker may execute a given job id at a time. Losing the
	// race means another worker owns it; drop silently.
	leaseName := "job:" + msg.ID
	acquired, err := w.broker.AcquireLock(procCtx, leaseName, w.opts.LeaseTTL, 0)
	if err != nil {
		lg.Error("lease acquisition failed", slog.Any("error", err))
		return
	}
	if !acquired {
		lg.Debug("lease contended; dropping message")
		return
	}
	defer func() {
		if err := w.broker.ReleaseLock(procCtx, leaseName); err != nil {
			lg.Error("lease release failed", slog.Any("error", err))
		}
	}()

	// The store is authoritative; a stale message for a job that already
	// reached a terminal state is discarded.
	cur, err := w.jobs.Get(procCtx, msg.ID)
	if err != nil {
		lg.Error("load job failed", slog.Any("error", err))
		return
	}
	if cur.Status.Terminal() {
		lg.Debug("stale message for terminal job dropped", slog.String("status", string(cur.Status)))
		return
	}

	st := domain.JobProcessing
	if _, err := w.jobs.Update(procCtx, msg.ID, domain.JobPatch{Status: &st}); err != nil {
		// Orphaned broker message; the requeue sweeper repairs the record.
		lg.Error("mark processing failed", slog.Any("error", err))
		return
	}
	observability.StartProcessingJob(string(msg.Kind))
	lg.Info("processing job", slog.Int("attempts", msg.Attempts))

	handler, err := w.registry.Lookup(msg.Kind)
	if err != nil {
		// Unknown kind goes through the normal failure branch, not straight
		// to the DLQ.
		w.fail(procCtx, lg, msg, "no handler for job kind: "+string(msg.Kind))
		return
	}

	result, err := handler(procCtx, msg.Payload)
	if err != nil {
		w.fail(procCtx, lg, msg, err.Error())
		return
	}

	cs := domain.JobCompleted
	if _, err := w.jobs.Update(procCtx, msg.ID, domain.JobPatch{Status: &cs, Result: result}); err != nil {
		observability.AbortProcessingJob(string(msg.Kind))
		lg.Error("mark completed failed", slog.Any("error", err))
		return
	}
	observability.CompleteJob(string(msg.Kind))
	// Best-effort result cache for fast polling reads.
	if w.opts.ResultTTL > 0 {
		if err := w.broker.Set(procCtx, "jobs:result:"+msg.ID, result, w.opts.ResultTTL); err != nil {
			lg.Warn("result cache write failed", slog.Any("error", err))
		}
	}
	lg.Info("job completed")
}

// backoffDelay is the wait before retry attempt n (1-based): base doubled
// per prior attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base * (1 << (attempt - 1))
}

// fail drives the retry/DLQ branch for a handler failure.
func (w *Worker) fail(ctx context.Context, lg *slog.Logger, msg domain.QueueMessage, errMsg string) {
	next := msg.Attempts + 1
	if next <= w.opts.MaxRetries {
		st := domain.JobRetrying
		if _, err := w.jobs.Update(ctx, msg.ID, domain.JobPatch{Status: &st, Attempts: &next, Error: &errMsg}); err != nil {
			observability.AbortProcessingJob(string(msg.Kind))
			lg.Error("mark retrying failed", slog.Any("error", err))
			return
		}
		observability.RetryJob(string(msg.Kind))

		delay := backoffDelay(w.opts.RetryDelay, next)
		lg.Info("retrying job",
			slog.Int("attempt", next),
			slog.Int("max_retries", w.opts.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", errMsg))

		// Backoff must be interruptible so shutdown stays prompt. On stop the
		// message is intentionally not re-enqueued; the record stays Retrying
		// for the reconciler.
		select {
		case <-w.stop:
			lg.Info("backoff interrupted by stop")
			return
		case <-time.After(delay):
		}

		retry := msg
		retry.Attempts = next
		if _, err := w.broker.Enqueue(ctx, w.opts.QueueName, retry); err != nil {
			lg.Error("retry enqueue failed", slog.Any("error", err))
		}
		return
	}

	st := domain.JobFailed
	if _, err := w.jobs.Update(ctx, msg.ID, domain.JobPatch{Status: &st, Error: &errMsg}); err != nil {
		observability.AbortProcessingJob(string(msg.Kind))
		lg.Error("mark failed failed", slog.Any("error", err))
		return
	}
	observability.FailJob(string(msg.Kind))

	dlq := domain.DLQMessage{QueueMessage: msg, Error: errMsg, FailedAt: time.Now().UTC()}
	if _, err := w.broker.Enqueue(ctx, w.opts.DLQName, dlq); err != nil {
		lg.Error("dlq enqueue failed", slog.Any("error", err))
		return
	}
	observability.DeadLetterJob(string(msg.Kind))
	lg.Warn("job moved to dlq", slog.String("error", errMsg), slog.Int("attempts", msg.Attempts))
}
