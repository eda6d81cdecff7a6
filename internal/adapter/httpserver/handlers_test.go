package httpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/job-scheduler/internal/adapter/httpserver"
	"github.com/fairyhunter13/job-scheduler/internal/config"
	"github.com/fairyhunter13/job-scheduler/internal/domain"
	"github.com/fairyhunter13/job-scheduler/internal/usecase"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: make(map[string]domain.Job)} }

func (f *fakeJobs) Insert(_ domain.Context, j domain.Job) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) List(_ domain.Context, fl domain.JobFilter) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		if fl.Status != nil && j.Status != *fl.Status {
			continue
		}
		if fl.Kind != nil && j.Kind != *fl.Kind {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeJobs) Update(_ domain.Context, id string, p domain.JobPatch) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Attempts != nil && *p.Attempts > j.Attempts {
		j.Attempts = *p.Attempts
	}
	if p.Result != nil {
		j.Result = p.Result
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	f.jobs[id] = j
	return j, nil
}

func (f *fakeJobs) CountByStatus(_ domain.Context) (map[domain.JobStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[domain.JobStatus]int64)
	for _, j := range f.jobs {
		out[j.Status]++
	}
	return out, nil
}

type fakeBroker struct {
	mu         sync.Mutex
	queues     map[string][]any
	enqueueErr error
}

func newFakeBroker() *fakeBroker { return &fakeBroker{queues: make(map[string][]any)} }

func (f *fakeBroker) Enqueue(_ domain.Context, queue string, v any) (int64, error) {
	if f.enqueueErr != nil {
		return 0, f.enqueueErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[queue] = append(f.queues[queue], v)
	return int64(len(f.queues[queue])), nil
}

func (f *fakeBroker) Dequeue(domain.Context, string, time.Duration) ([]byte, error) { return nil, nil }

func (f *fakeBroker) QueueLength(_ domain.Context, queue string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.queues[queue])), nil
}

func (f *fakeBroker) Set(domain.Context, string, any, time.Duration) error { return nil }
func (f *fakeBroker) GetRaw(domain.Context, string) ([]byte, error)       { return nil, nil }
func (f *fakeBroker) Delete(domain.Context, string) error                 { return nil }
func (f *fakeBroker) Exists(domain.Context, string) (bool, error)         { return false, nil }
func (f *fakeBroker) AcquireLock(domain.Context, string, time.Duration, time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeBroker) ReleaseLock(domain.Context, string) error { return nil }

func newTestRouter(jobs *fakeJobs, broker *fakeBroker, dbErr, redisErr error) http.Handler {
	svc := usecase.NewDispatchService(jobs, broker, "jobs:queue", 3)
	srv := httpserver.NewServer(config.Config{}, svc,
		func(context.Context) error { return dbErr },
		func(context.Context) error { return redisErr },
	)
	r := chi.NewRouter()
	r.Post("/api/v1/jobs", srv.SubmitHandler())
	r.Get("/api/v1/jobs", srv.ListJobsHandler())
	r.Get("/api/v1/jobs/stats/summary", srv.StatsHandler())
	r.Get("/api/v1/jobs/{id}", srv.GetJobHandler())
	r.Post("/api/v1/jobs/{id}/retry", srv.RetryJobHandler())
	r.Get("/healthz", srv.HealthHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

func TestSubmit_Created(t *testing.T) {
	jobs, broker := newFakeJobs(), newFakeBroker()
	h := newTestRouter(jobs, broker, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs",
		`{"kind":"email","payload":{"to":"a@x","subject":"hi"},"priority":7}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotEmpty(t, got["id"])
	assert.Equal(t, "email", got["kind"])
	assert.Equal(t, "queued", got["status"])
	assert.Equal(t, float64(7), got["priority"])
	assert.Equal(t, float64(3), got["max_attempts"])

	depth, _ := broker.QueueLength(context.Background(), "jobs:queue")
	assert.Equal(t, int64(1), depth)
}

func TestSubmit_DefaultsPriority(t *testing.T) {
	h := newTestRouter(newFakeJobs(), newFakeBroker(), nil, nil)
	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", `{"kind":"webhook","payload":{"url":"https://x"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, float64(5), got["priority"])
}

func TestSubmit_BadRequests(t *testing.T) {
	h := newTestRouter(newFakeJobs(), newFakeBroker(), nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"kind":`},
		{"unknown kind", `{"kind":"bogus","payload":{}}`},
		{"missing payload", `{"kind":"email"}`},
		{"priority out of range", `{"kind":"email","payload":{},"priority":99}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))
		})
	}
}

func TestSubmit_BrokerDown(t *testing.T) {
	jobs, broker := newFakeJobs(), newFakeBroker()
	broker.enqueueErr = domain.ErrBrokerUnavailable
	h := newTestRouter(jobs, broker, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs", `{"kind":"email","payload":{}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "BROKER_UNAVAILABLE", errorCode(t, rec))
}

func TestGetJob(t *testing.T) {
	jobs := newFakeJobs()
	seed, err := jobs.Insert(context.Background(), domain.Job{
		Kind: domain.KindEmail, Status: domain.JobCompleted,
		Result: map[string]any{"status": "sent"}, MaxAttempts: 3,
	})
	require.NoError(t, err)
	h := newTestRouter(jobs, newFakeBroker(), nil, nil)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/jobs/"+seed.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, map[string]any{"status": "sent"}, got["result"])

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestListJobs(t *testing.T) {
	jobs := newFakeJobs()
	for _, st := range []domain.JobStatus{domain.JobQueued, domain.JobQueued, domain.JobFailed} {
		_, err := jobs.Insert(context.Background(), domain.Job{Kind: domain.KindEmail, Status: st, MaxAttempts: 3})
		require.NoError(t, err)
	}
	h := newTestRouter(jobs, newFakeBroker(), nil, nil)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/jobs?status=queued", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Jobs  []map[string]any `json:"jobs"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Count)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs?skip=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryJob(t *testing.T) {
	jobs := newFakeJobs()
	failed, err := jobs.Insert(context.Background(), domain.Job{
		Kind: domain.KindWebhook, Status: domain.JobFailed,
		Attempts: 1, MaxAttempts: 3, Error: "boom",
	})
	require.NoError(t, err)
	completed, err := jobs.Insert(context.Background(), domain.Job{
		Kind: domain.KindWebhook, Status: domain.JobCompleted, MaxAttempts: 3,
	})
	require.NoError(t, err)
	broker := newFakeBroker()
	h := newTestRouter(jobs, broker, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs/"+failed.ID+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "queued", got["status"])
	assert.Equal(t, float64(2), got["attempts"])
	assert.Nil(t, got["error"])

	rec = doJSON(t, h, http.MethodPost, "/api/v1/jobs/"+completed.ID+"/retry", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "NOT_RETRIABLE", errorCode(t, rec))
}

func TestStatsSummary(t *testing.T) {
	jobs := newFakeJobs()
	for _, st := range []domain.JobStatus{domain.JobCompleted, domain.JobFailed} {
		_, err := jobs.Insert(context.Background(), domain.Job{Kind: domain.KindEmail, Status: st, MaxAttempts: 3})
		require.NoError(t, err)
	}
	h := newTestRouter(jobs, newFakeBroker(), nil, nil)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/jobs/stats/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats domain.JobStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Total)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
}

func TestHealthAndReadiness(t *testing.T) {
	h := newTestRouter(newFakeJobs(), newFakeBroker(), nil, nil)
	rec := doJSON(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newTestRouter(newFakeJobs(), newFakeBroker(), errors.New("dial refused"), nil)
	rec = doJSON(t, down, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "dial refused", body.Checks["db"])
	assert.Equal(t, "ok", body.Checks["redis"])
}
