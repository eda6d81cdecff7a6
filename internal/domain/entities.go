package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrNotRetriable      = errors.New("not retriable")
	ErrUnknownKind       = errors.New("unknown job kind")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrLeaseHeld         = errors.New("lease held")
	ErrInternal          = errors.New("internal error")
)

// JobKind enumerates the job types the engine can dispatch.
type JobKind string

const (
	KindEmail            JobKind = "email"
	KindDataProcessing   JobKind = "data_processing"
	KindReportGeneration JobKind = "report_generation"
	KindImageProcessing  JobKind = "image_processing"
	KindWebhook          JobKind = "webhook"
)

// Kinds lists every known job kind.
func Kinds() []JobKind {
	return []JobKind{KindEmail, KindDataProcessing, KindReportGeneration, KindImageProcessing, KindWebhook}
}

// ValidKind reports whether k is one of the known job kinds.
func ValidKind(k JobKind) bool {
	switch k {
	case KindEmail, KindDataProcessing, KindReportGeneration, KindImageProcessing, KindWebhook:
		return true
	}
	return false
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetrying   JobStatus = "retrying"
)

// Terminal reports whether s is a terminal status. A terminal job never
// re-enters the broker except via an explicit Retry.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// Job is the authoritative record for a submitted job. The store always wins
// over the broker message; the message is only a dispatch hint.
type Job struct {
	ID          string
	Kind        JobKind
	Status      JobStatus
	Payload     map[string]any
	Priority    int
	Attempts    int
	MaxAttempts int
	Result      map[string]any
	Error       string
	ScheduledAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message returns the broker representation of the job.
func (j Job) Message() QueueMessage {
	return QueueMessage{ID: j.ID, Kind: j.Kind, Payload: j.Payload, Priority: j.Priority, Attempts: j.Attempts}
}

// QueueMessage is the ephemeral broker payload for a job.
type QueueMessage struct {
	ID       string         `json:"id"`
	Kind     JobKind        `json:"kind"`
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority"`
	Attempts int            `json:"attempts"`
}

// DLQMessage is a queue message banished to the dead-letter queue after
// exhausting automatic retries.
type DLQMessage struct {
	QueueMessage
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// JobPatch is a partial update applied by JobRepository.Update. Nil fields are
// left untouched. Attempts never decreases; the repository enforces that.
type JobPatch struct {
	Status   *JobStatus
	Attempts *int
	Result   map[string]any
	Error    *string
}

// JobFilter narrows List results.
type JobFilter struct {
	Status *JobStatus
	Kind   *JobKind
	Offset int
	Limit  int
}

// JobStats aggregates store counts with live broker depth.
type JobStats struct {
	Total       int64               `json:"total"`
	ByStatus    map[JobStatus]int64 `json:"by_status"`
	QueueDepth  int64               `json:"queue_depth"`
	SuccessRate float64             `json:"success_rate"`
}

// Repositories (ports)

type JobRepository interface {
	Insert(ctx Context, j Job) (Job, error)
	Get(ctx Context, id string) (Job, error)
	List(ctx Context, f JobFilter) ([]Job, error)
	Update(ctx Context, id string, p JobPatch) (Job, error)
	CountByStatus(ctx Context) (map[JobStatus]int64, error)
}

// Broker (port) over the external key/value + list service.

type Broker interface {
	Enqueue(ctx Context, queue string, v any) (int64, error)
	Dequeue(ctx Context, queue string, timeout time.Duration) ([]byte, error)
	QueueLength(ctx Context, queue string) (int64, error)
	Set(ctx Context, key string, v any, ttl time.Duration) error
	GetRaw(ctx Context, key string) ([]byte, error)
	Delete(ctx Context, key string) error
	Exists(ctx Context, key string) (bool, error)
	AcquireLock(ctx Context, name string, ttl, blockingTimeout time.Duration) (bool, error)
	ReleaseLock(ctx Context, name string) error
}

// Handler executes the business logic for one job kind. The engine imposes no
// deadline beyond the lease TTL; handlers should honor ctx cancellation.
type Handler func(ctx Context, payload map[string]any) (map[string]any, error)

// Context is an alias so ports stay decoupled from adapters' imports.
type Context = context.Context
