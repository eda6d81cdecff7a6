package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/job-scheduler/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/job-scheduler/internal/domain"
)

type fakePool struct {
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
	queryRowFn func(sql string, args []any) pgx.Row
	queryFn    func(sql string, args []any) (pgx.Rows, error)

	lastSQL  string
	lastArgs []any
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	return f.execFn(sql, args)
}

func (f *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL, f.lastArgs = sql, args
	return f.queryRowFn(sql, args)
}

func (f *fakePool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.lastSQL, f.lastArgs = sql, args
	return f.queryFn(sql, args)
}

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// scanInto writes j into the dest slice in jobColumns order.
func scanInto(dest []any, j domain.Job) error {
	*(dest[0].(*string)) = j.ID
	*(dest[1].(*domain.JobKind)) = j.Kind
	*(dest[2].(*domain.JobStatus)) = j.Status
	*(dest[3].(*map[string]any)) = j.Payload
	*(dest[4].(*int)) = j.Priority
	*(dest[5].(*int)) = j.Attempts
	*(dest[6].(*int)) = j.MaxAttempts
	*(dest[7].(*map[string]any)) = j.Result
	*(dest[8].(*string)) = j.Error
	*(dest[9].(**time.Time)) = j.ScheduledAt
	*(dest[10].(**time.Time)) = j.StartedAt
	*(dest[11].(**time.Time)) = j.CompletedAt
	*(dest[12].(*time.Time)) = j.CreatedAt
	*(dest[13].(*time.Time)) = j.UpdatedAt
	return nil
}

type fakeRows struct {
	jobs []domain.Job
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { r.idx++; return r.idx <= len(r.jobs) }
func (r *fakeRows) Scan(dest ...any) error                       { return scanInto(dest, r.jobs[r.idx-1]) }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

type countRows struct {
	counts map[domain.JobStatus]int64
	order  []domain.JobStatus
	idx    int
}

func (r *countRows) Close()                                       {}
func (r *countRows) Err() error                                   { return nil }
func (r *countRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *countRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *countRows) Next() bool                                   { r.idx++; return r.idx <= len(r.order) }
func (r *countRows) Scan(dest ...any) error {
	s := r.order[r.idx-1]
	*(dest[0].(*domain.JobStatus)) = s
	*(dest[1].(*int64)) = r.counts[s]
	return nil
}
func (r *countRows) Values() ([]any, error) { return nil, nil }
func (r *countRows) RawValues() [][]byte    { return nil }
func (r *countRows) Conn() *pgx.Conn        { return nil }

func TestJobRepo_Insert(t *testing.T) {
	pool := &fakePool{execFn: func(string, []any) (pgconn.CommandTag, error) { return pgconn.CommandTag{}, nil }}
	repo := postgres.NewJobRepo(pool)

	j, err := repo.Insert(context.Background(), domain.Job{
		Kind:        domain.KindEmail,
		Payload:     map[string]any{"to": "a@x"},
		Priority:    5,
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, domain.JobQueued, j.Status)
	assert.Equal(t, 0, j.Attempts)
	assert.False(t, j.CreatedAt.IsZero())
	assert.Contains(t, pool.lastSQL, "INSERT INTO jobs")

	pool.execFn = func(string, []any) (pgconn.CommandTag, error) { return pgconn.CommandTag{}, assert.AnError }
	_, err = repo.Insert(context.Background(), domain.Job{Kind: domain.KindEmail})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.insert")
}

func TestJobRepo_Get(t *testing.T) {
	want := domain.Job{ID: "job-1", Kind: domain.KindWebhook, Status: domain.JobCompleted, Attempts: 1, MaxAttempts: 3}
	pool := &fakePool{queryRowFn: func(string, []any) pgx.Row {
		return fakeRow{scan: func(dest ...any) error { return scanInto(dest, want) }}
	}}
	repo := postgres.NewJobRepo(pool)

	got, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Status, got.Status)

	pool.queryRowFn = func(string, []any) pgx.Row {
		return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
	}
	_, err = repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_Update_ProcessingSetsStartedOnce(t *testing.T) {
	pool := &fakePool{queryRowFn: func(string, []any) pgx.Row {
		return fakeRow{scan: func(dest ...any) error {
			return scanInto(dest, domain.Job{ID: "job-1", Status: domain.JobProcessing})
		}}
	}}
	repo := postgres.NewJobRepo(pool)

	st := domain.JobProcessing
	_, err := repo.Update(context.Background(), "job-1", domain.JobPatch{Status: &st})
	require.NoError(t, err)
	assert.Contains(t, pool.lastSQL, "started_at=COALESCE(started_at,$2)")
	assert.NotContains(t, pool.lastSQL, "completed_at")
}

func TestJobRepo_Update_TerminalSetsCompletedAt(t *testing.T) {
	pool := &fakePool{queryRowFn: func(string, []any) pgx.Row {
		return fakeRow{scan: func(dest ...any) error {
			return scanInto(dest, domain.Job{ID: "job-1", Status: domain.JobFailed})
		}}
	}}
	repo := postgres.NewJobRepo(pool)

	for _, st := range []domain.JobStatus{domain.JobCompleted, domain.JobFailed} {
		s := st
		_, err := repo.Update(context.Background(), "job-1", domain.JobPatch{Status: &s})
		require.NoError(t, err)
		assert.Contains(t, pool.lastSQL, "completed_at=$2")
	}
}

func TestJobRepo_Update_AttemptsNeverDecrease(t *testing.T) {
	pool := &fakePool{queryRowFn: func(string, []any) pgx.Row {
		return fakeRow{scan: func(dest ...any) error {
			return scanInto(dest, domain.Job{ID: "job-1", Attempts: 2})
		}}
	}}
	repo := postgres.NewJobRepo(pool)

	n := 2
	_, err := repo.Update(context.Background(), "job-1", domain.JobPatch{Attempts: &n})
	require.NoError(t, err)
	assert.Contains(t, pool.lastSQL, "attempts=GREATEST(attempts,")
}

func TestJobRepo_Update_NotFound(t *testing.T) {
	pool := &fakePool{queryRowFn: func(string, []any) pgx.Row {
		return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
	}}
	repo := postgres.NewJobRepo(pool)

	st := domain.JobQueued
	_, err := repo.Update(context.Background(), "missing", domain.JobPatch{Status: &st})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_List_FilterAndClamp(t *testing.T) {
	rows := &fakeRows{jobs: []domain.Job{
		{ID: "job-2", Kind: domain.KindEmail, Status: domain.JobFailed},
		{ID: "job-1", Kind: domain.KindEmail, Status: domain.JobFailed},
	}}
	pool := &fakePool{queryFn: func(string, []any) (pgx.Rows, error) { return rows, nil }}
	repo := postgres.NewJobRepo(pool)

	st := domain.JobFailed
	kind := domain.KindEmail
	got, err := repo.List(context.Background(), domain.JobFilter{Status: &st, Kind: &kind, Limit: 500})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "job-2", got[0].ID)
	assert.Contains(t, pool.lastSQL, "status=$1")
	assert.Contains(t, pool.lastSQL, "kind=$2")
	assert.Contains(t, pool.lastSQL, "ORDER BY created_at DESC")
	// limit 500 is clamped to 100
	assert.Equal(t, 100, pool.lastArgs[len(pool.lastArgs)-1])
}

func TestJobRepo_List_QueryError(t *testing.T) {
	pool := &fakePool{queryFn: func(string, []any) (pgx.Rows, error) { return nil, errors.New("boom") }}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.List(context.Background(), domain.JobFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.list")
}

func TestJobRepo_CountByStatus(t *testing.T) {
	rows := &countRows{
		counts: map[domain.JobStatus]int64{domain.JobCompleted: 7, domain.JobFailed: 2},
		order:  []domain.JobStatus{domain.JobCompleted, domain.JobFailed},
	}
	pool := &fakePool{queryFn: func(string, []any) (pgx.Rows, error) { return rows, nil }}
	repo := postgres.NewJobRepo(pool)

	got, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), got[domain.JobCompleted])
	assert.Equal(t, int64(2), got[domain.JobFailed])
}
