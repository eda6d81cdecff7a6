// Package postgres provides the PostgreSQL job store.
//
// The jobs table is the authoritative record of every job; broker messages
// are only dispatch hints derived from it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/job-scheduler/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repo for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, kind, status, payload, priority, attempts, max_attempts, result, COALESCE(error,''), scheduled_at, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Kind, &j.Status, &j.Payload, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&j.Result, &j.Error, &j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// Insert writes a new job record with status queued and attempts 0 and
// returns the persisted job. An id is generated when empty.
func (r *JobRepo) Insert(ctx domain.Context, j domain.Job) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.JobQueued
	}
	now := time.Now().UTC()
	j.Attempts = 0
	j.CreatedAt = now
	j.UpdatedAt = now
	q := `INSERT INTO jobs (id, kind, status, payload, priority, attempts, max_attempts, error, scheduled_at, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q, j.ID, j.Kind, j.Status, j.Payload, j.Priority, j.Attempts, j.MaxAttempts, j.Error, j.ScheduledAt, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.insert: %w", err)
	}
	return j, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List returns jobs matching the filter, newest first. The limit is clamped
// to 100.
func (r *JobRepo) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	i := 1
	if f.Status != nil {
		where = append(where, fmt.Sprintf("status=$%d", i))
		args = append(args, *f.Status)
		i++
	}
	if f.Kind != nil {
		where = append(where, fmt.Sprintf("kind=$%d", i))
		args = append(args, *f.Kind)
		i++
	}
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC OFFSET $%d LIMIT $%d", i, i+1)
	args = append(args, offset, limit)

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return out, nil
}

// Update applies a partial patch and returns the updated job. updated_at is
// always recomputed; started_at is set only on the first transition to
// processing; completed_at is set on entry to a terminal state; attempts can
// only grow.
func (r *JobRepo) Update(ctx domain.Context, id string, p domain.JobPatch) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)

	sets := []string{"updated_at=$2"}
	args := []any{id, time.Now().UTC()}
	i := 3
	if p.Status != nil {
		sets = append(sets, fmt.Sprintf("status=$%d", i))
		args = append(args, *p.Status)
		i++
		if *p.Status == domain.JobProcessing {
			sets = append(sets, "started_at=COALESCE(started_at,$2)")
		}
		if p.Status.Terminal() {
			sets = append(sets, "completed_at=$2")
		}
	}
	if p.Attempts != nil {
		sets = append(sets, fmt.Sprintf("attempts=GREATEST(attempts,$%d)", i))
		args = append(args, *p.Attempts)
		i++
	}
	if p.Result != nil {
		sets = append(sets, fmt.Sprintf("result=$%d", i))
		args = append(args, p.Result)
		i++
	}
	if p.Error != nil {
		sets = append(sets, fmt.Sprintf("error=$%d", i))
		args = append(args, *p.Error)
		i++ //nolint:ineffassign,staticcheck // keeps the placeholder counter consistent for future fields
	}

	q := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id=$1 RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.update: %w", err)
	}
	return j, nil
}

// CountByStatus returns the number of jobs per status.
func (r *JobRepo) CountByStatus(ctx domain.Context) (map[domain.JobStatus]int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var s domain.JobStatus
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("op=job.count_by_status: scan: %w", err)
		}
		out[s] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	return out, nil
}
