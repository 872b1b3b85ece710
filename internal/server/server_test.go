package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ecademy/leadfunnel/internal/config"
	"github.com/ecademy/leadfunnel/internal/jobs"
	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/internal/runner"
	"github.com/ecademy/leadfunnel/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRuns records runs in a real store and completes them with a canned
// result.
type fakeRuns struct {
	st      store.Store
	mu      sync.Mutex
	execErr error
	exec    []string
	n       int
}

func (f *fakeRuns) Submit(ctx context.Context, req model.RunRequest) (*model.Run, error) {
	req, err := runner.Validate(req)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.n++
	id := "run-" + string(rune('0'+f.n))
	f.mu.Unlock()
	return f.st.CreateRun(ctx, id, req)
}

func (f *fakeRuns) Execute(ctx context.Context, runID string, req model.RunRequest) (*model.RunResult, error) {
	f.mu.Lock()
	f.exec = append(f.exec, runID)
	f.mu.Unlock()
	if f.execErr != nil {
		_ = f.st.FailRun(ctx, runID, f.execErr)
		return nil, f.execErr
	}
	res := &model.RunResult{
		Run: model.Run{ID: runID, Cohort: req.Cohort, StartDate: req.StartDate, EndDate: req.EndDate,
			Status: model.RunStatusSuccess, LeadsCount: 3, CampaignsCount: 1, MatchedCount: 2},
		Campaigns: map[string]model.CampaignReport{
			"c1": {
				CampaignFunnel: model.CampaignFunnel{CampaignID: "c1", CampaignName: "Student/UA", LeadsCount: 3, Matched: 2,
					FunnelStats: map[string]int{model.TotalLeadsKey: 3, "paid": 1}},
				Insights: model.Insights{Spend: 30},
			},
		},
	}
	if err := f.st.CompleteRun(ctx, runID, res); err != nil {
		return nil, err
	}
	if err := f.st.SaveCampaigns(ctx, runID, store.Summarize(res.Campaigns)); err != nil {
		return nil, err
	}
	return res, nil
}

type fakeQueue struct {
	enqueued []string
	err      error
	infos    map[string]*jobs.JobInfo
}

func (q *fakeQueue) Enqueue(_ context.Context, runID string, _ model.RunRequest) (*jobs.JobInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.enqueued = append(q.enqueued, runID)
	info := &jobs.JobInfo{ID: runID, State: "pending", Queue: "reconcile"}
	if q.infos == nil {
		q.infos = map[string]*jobs.JobInfo{}
	}
	q.infos[runID] = info
	return info, nil
}

func (q *fakeQueue) Status(_ context.Context, id string) (*jobs.JobInfo, error) {
	if info, ok := q.infos[id]; ok {
		return info, nil
	}
	return nil, jobs.ErrJobNotFound
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestServer(t *testing.T, cfg config.ServerConfig, opts ...Option) (*Server, *fakeRuns) {
	t.Helper()
	st := newTestStore(t)
	runs := &fakeRuns{st: st}
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	s := New(cfg, st, runs, opts...)
	t.Cleanup(func() { s.Wait(context.Background()) })
	return s, runs
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

const validBody = `{"start_date":"2025-10-01","end_date":"2025-10-31","campaign_type":"students"}`

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{APIKeys: []string{"secret"}})
	h := s.Handler()

	rr := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	var body map[string]string
	decode(t, rr, &body)
	assert.Equal(t, "ok", body["status"])

	rr = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code, "metrics stay unauthenticated")
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestAPIKeyAuth(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{APIKeys: []string{"k1", "k2"}})
	h := s.Handler()

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong scheme", []string{"Authorization", "Basic k1"}, http.StatusUnauthorized},
		{"wrong key", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"first key", []string{"Authorization", "Bearer k1"}, http.StatusOK},
		{"second key", []string{"Authorization", "Bearer k2"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodGet, "/api/runs", "", tt.header...)
			assert.Equal(t, tt.want, rr.Code)
			if tt.want == http.StatusUnauthorized {
				var body map[string]string
				decode(t, rr, &body)
				assert.Equal(t, "unauthorized", body["error"])
			}
		})
	}
}

func TestAPIKeyAuth_OpenWithoutKeys(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})
	rr := do(t, s.Handler(), http.MethodGet, "/api/runs", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestReconcile_Validation(t *testing.T) {
	s, runs := newTestServer(t, config.ServerConfig{})
	h := s.Handler()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{`, "invalid request body"},
		{"unknown field", `{"start_date":"2025-10-01","extra":1}`, "invalid request body"},
		{"missing", `{}`, "start_date is required"},
		{"bad date", `{"start_date":"01.10.2025","end_date":"2025-10-31","campaign_type":"students"}`, "start_date must be a date in 2006-01-02 format"},
		{"bad cohort", `{"start_date":"2025-10-01","end_date":"2025-10-31","campaign_type":"parents"}`, "campaign_type must be one of: students teachers"},
		{"inverted", `{"start_date":"2025-10-31","end_date":"2025-10-01","campaign_type":"students"}`, "end_date must not be before start_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/api/reconcile", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			var body map[string]string
			decode(t, rr, &body)
			assert.Contains(t, body["error"], tt.want)
		})
	}
	assert.Empty(t, runs.exec)
}

func TestReconcile_Sync(t *testing.T) {
	s, runs := newTestServer(t, config.ServerConfig{})
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/api/reconcile", validBody)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp reconcileResponse
	decode(t, rr, &resp)
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, model.RunStatusSuccess, resp.Status)
	require.Contains(t, resp.Campaigns, "c1")
	assert.Equal(t, 3, resp.Campaigns["c1"].FunnelStats[model.TotalLeadsKey])
	assert.Equal(t, []string{"run-1"}, runs.exec)

	rr = do(t, h, http.MethodGet, "/api/runs/run-1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got runResponse
	decode(t, rr, &got)
	assert.Equal(t, model.RunStatusSuccess, got.Run.Status)
	assert.Equal(t, 2, got.Run.MatchedCount)
	require.Len(t, got.Summaries, 1)
	assert.InDelta(t, 30.0, got.Summaries[0].Spend, 0.001)
	assert.Contains(t, got.Campaigns, "c1")
}

func TestReconcile_SyncFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	s, runs := newTestServer(t, config.ServerConfig{}, WithLogger(zap.New(core)))
	runs.execErr = errors.New("collect: list forms: get https://graph.facebook.com/v21.0/p1/leadgen_forms: token expired")

	rr := do(t, s.Handler(), http.MethodPost, "/api/reconcile", validBody)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	var body map[string]string
	decode(t, rr, &body)
	assert.Equal(t, map[string]string{"error": "reconciliation failed", "run_id": "run-1"}, body)
	assert.NotContains(t, rr.Body.String(), "graph.facebook.com")

	entries := logs.FilterMessage("server: reconcile failed").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "token expired")
}

func TestReconcile_AsyncInProcess(t *testing.T) {
	s, runs := newTestServer(t, config.ServerConfig{})
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/api/reconcile", strings.Replace(validBody, "}", `,"async":true}`, 1))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var resp acceptedResponse
	decode(t, rr, &resp)
	assert.Equal(t, "run-1", resp.JobID)
	assert.Equal(t, resp.JobID, resp.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Wait(ctx)
	assert.Equal(t, []string{"run-1"}, runs.exec)

	rr = do(t, h, http.MethodGet, "/api/jobs/run-1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var job jobResponse
	decode(t, rr, &job)
	assert.Equal(t, "success", job.State)
	assert.Equal(t, model.RunStatusSuccess, job.RunStatus)
	assert.Nil(t, job.Job)
}

func TestReconcile_AsyncQueued(t *testing.T) {
	q := &fakeQueue{}
	s, runs := newTestServer(t, config.ServerConfig{}, WithQueue(q))
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/api/reconcile", strings.Replace(validBody, "}", `,"async":true}`, 1))
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []string{"run-1"}, q.enqueued)
	assert.Empty(t, runs.exec, "queued runs execute on a worker")

	rr = do(t, h, http.MethodGet, "/api/jobs/run-1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var job jobResponse
	decode(t, rr, &job)
	assert.Equal(t, "pending", job.State)
	assert.Equal(t, model.RunStatusQueued, job.RunStatus)
	require.NotNil(t, job.Job)
	assert.Equal(t, "reconcile", job.Job.Queue)

	rr = do(t, h, http.MethodGet, "/api/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReconcile_EnqueueFailureFailsRun(t *testing.T) {
	q := &fakeQueue{err: errors.New("redis: connection refused")}
	s, _ := newTestServer(t, config.ServerConfig{}, WithQueue(q))
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/api/reconcile", strings.Replace(validBody, "}", `,"async":true}`, 1))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/runs/run-1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got runResponse
	decode(t, rr, &got)
	assert.Equal(t, model.RunStatusError, got.Run.Status)
	assert.Contains(t, got.Run.Error, "connection refused")
}

func TestListRuns(t *testing.T) {
	s, runs := newTestServer(t, config.ServerConfig{})
	h := s.Handler()
	ctx := context.Background()

	_, err := runs.Submit(ctx, model.RunRequest{StartDate: "2025-10-01", EndDate: "2025-10-31", Cohort: model.CohortStudents})
	require.NoError(t, err)
	_, err = runs.Submit(ctx, model.RunRequest{StartDate: "2025-10-01", EndDate: "2025-10-31", Cohort: model.CohortTeachers})
	require.NoError(t, err)

	var resp struct {
		Runs  []model.Run `json:"runs"`
		Count int         `json:"count"`
	}
	rr := do(t, h, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &resp)
	assert.Equal(t, 2, resp.Count)

	rr = do(t, h, http.MethodGet, "/api/runs?campaign_type=teachers&status=queued", "")
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &resp)
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, model.CohortTeachers, resp.Runs[0].Cohort)

	rr = do(t, h, http.MethodGet, "/api/runs?status=success", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"runs":[],"count":0}`, rr.Body.String())

	for _, q := range []string{"status=done", "limit=abc", "offset=-1", "limit=5000", "campaign_type=parents"} {
		rr = do(t, h, http.MethodGet, "/api/runs?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})
	rr := do(t, s.Handler(), http.MethodGet, "/api/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.JSONEq(t, `{"error":"not found"}`, rr.Body.String())

	rr = do(t, s.Handler(), http.MethodGet, "/api/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUnknownRoute(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{})
	rr := do(t, s.Handler(), http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, s.Handler(), http.MethodDelete, "/healthz", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{AllowedOrigins: []string{"https://app.ecademy.ua"}})
	rr := do(t, s.Handler(), http.MethodOptions, "/api/runs", "",
		"Origin", "https://app.ecademy.ua", "Access-Control-Request-Method", "GET")
	assert.Equal(t, "https://app.ecademy.ua", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestValidKey(t *testing.T) {
	keys := [][]byte{[]byte("a"), []byte("bb")}
	assert.True(t, validKey(keys, []byte("bb")))
	assert.False(t, validKey(keys, []byte("b")))
	assert.False(t, validKey(keys, nil))
}
