package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gapscout/internal/admission"
	"github.com/kiranshivaraju/gapscout/internal/api"
	"github.com/kiranshivaraju/gapscout/internal/api/handler"
	mw "github.com/kiranshivaraju/gapscout/internal/api/middleware"
	"github.com/kiranshivaraju/gapscout/internal/apikey"
	"github.com/kiranshivaraju/gapscout/internal/quota"
	"github.com/kiranshivaraju/gapscout/internal/scheduler"
	"github.com/kiranshivaraju/gapscout/internal/status"
	"github.com/kiranshivaraju/gapscout/internal/store"
	"github.com/kiranshivaraju/gapscout/internal/task"
	"github.com/kiranshivaraju/gapscout/internal/task/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ─── test harness ────────────────────────────────────────────────────────────

type memCounter struct{}

func (memCounter) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

type testServer struct {
	server   *httptest.Server
	store    *store.PostgresStore
	adminKey string
	submit   string
}

func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "..", "migrations")
}

func setupStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("gapscout_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pgContainer.Terminate(ctx)) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return store.NewPostgresStore(pool)
}

func newTestServer(t *testing.T, tk task.Task) *testServer {
	t.Helper()
	ctx := context.Background()
	st := setupStore(t)

	adminRaw, adminKey, err := apikey.Generate("admin", []string{"admin"})
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIKey(ctx, adminKey))
	submitRaw, submitKey, err := apikey.Generate("submitter", []string{"submit"})
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIKey(ctx, submitKey))

	gate := quota.NewGate(st, quota.Tiers{
		"free": {Monthly: 2, Daily: 2},
		"pro":  {Monthly: 50, Daily: 10},
	}, "free")

	runner := task.NewRunner(tk, 5*time.Second)
	sched := scheduler.New(st, runner, nil, nil, scheduler.Options{
		MaxConcurrent: 1,
		PollInterval:  50 * time.Millisecond,
	})
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(stopCtx)
	})

	statusSvc := status.NewService(st, nil, 0)
	controller := admission.NewController(st, gate, sched, statusSvc, nil, sched.MaxConcurrent())

	router := api.NewRouter(api.Dependencies{
		Auth:             mw.NewAuth(st),
		RateLimit:        mw.NewRateLimit(memCounter{}, 60),
		SubmitHandler:    handler.NewSubmitHandler(controller),
		JobStatusHandler: handler.NewJobStatusHandler(statusSvc),
		ProgressHandler:  handler.NewProgressHandler(st),
		QueueHandler:     handler.NewQueueHandler(sched),
		UsageHandler:     handler.NewUsageHandler(gate),
		SetTierHandler:   handler.NewSetTierHandler(gate),
		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{server: srv, store: st, adminKey: adminRaw, submit: submitRaw}
}

func (ts *testServer) do(t *testing.T, method, path, key string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "expected data envelope, got %v", body)
	return d
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// ─── contract ────────────────────────────────────────────────────────────────

func succeeding() task.Task {
	return mock.NewSucceedingTask(`{"gaps":[{"topic":"rust async"}]}`)
}

func TestContract_SubmitPollComplete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ts := newTestServer(t, succeeding())

	resp, body := ts.do(t, "POST", "/api/v1/jobs", ts.submit, map[string]any{
		"access_key":   "ak_contract_one",
		"identity":     "creator@example.com",
		"channel_name": "@fireship",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	d := data(t, body)
	assert.Equal(t, "queued", d["status"])
	assert.Equal(t, "ak_contract_one", d["access_key"])
	assert.NotEmpty(t, resp.Header.Get("Server-Timing"))

	require.Eventually(t, func() bool {
		_, body := ts.do(t, "GET", "/api/v1/jobs/ak_contract_one", "", nil)
		return data(t, body)["status"] == "completed"
	}, 10*time.Second, 50*time.Millisecond)

	_, body = ts.do(t, "GET", "/api/v1/jobs/ak_contract_one", "", nil)
	d = data(t, body)
	assert.Equal(t, float64(100), d["progress_percentage"])
	assert.NotNil(t, d["result"])
	assert.NotNil(t, d["completed_at"])

	_, body = ts.do(t, "GET", "/api/v1/admin/usage/creator@example.com", ts.adminKey, nil)
	assert.Equal(t, float64(1), data(t, body)["used"])
}

func TestContract_DuplicateActiveJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	release := make(chan string, 1)
	ts := newTestServer(t, mock.NewGatedTask(release))

	body := map[string]any{
		"access_key":   "ak_duplicate_01",
		"identity":     "dup@example.com",
		"channel_name": "@dup",
	}
	resp, _ := ts.do(t, "POST", "/api/v1/jobs", ts.submit, body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, out := ts.do(t, "POST", "/api/v1/jobs", ts.submit, body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DUPLICATE_ACTIVE_JOB", errCode(out))

	_, out = ts.do(t, "GET", "/api/v1/admin/usage/dup@example.com", ts.adminKey, nil)
	assert.Equal(t, float64(1), data(t, out)["used"], "a rejected duplicate must not be charged")

	release <- `{"gaps":[]}`
	require.Eventually(t, func() bool {
		_, out := ts.do(t, "GET", "/api/v1/jobs/ak_duplicate_01", "", nil)
		return data(t, out)["status"] == "completed"
	}, 10*time.Second, 50*time.Millisecond)
}

func TestContract_QuotaExceeded(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ts := newTestServer(t, succeeding())

	submit := func(key string) (*http.Response, map[string]any) {
		return ts.do(t, "POST", "/api/v1/jobs", ts.submit, map[string]any{
			"access_key":   key,
			"identity":     "busy@example.com",
			"channel_name": "@busy",
		})
	}

	resp, _ := submit("ak_quota_0001")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = submit("ak_quota_0002")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := submit("ak_quota_0003")
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "QUOTA_EXCEEDED", errCode(body))

	resp, body = ts.do(t, "GET", "/api/v1/jobs/ak_quota_0003", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errCode(body))

	// upgrading the tier unblocks the identity
	resp, _ = ts.do(t, "PUT", "/api/v1/admin/usage/busy@example.com/tier", ts.adminKey, map[string]string{"tier": "pro"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = submit("ak_quota_0003")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestContract_InvalidSubmission(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ts := newTestServer(t, succeeding())

	resp, body := ts.do(t, "POST", "/api/v1/jobs", ts.submit, map[string]any{"identity": "x@example.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errCode(body))

	_, body = ts.do(t, "GET", "/api/v1/admin/usage/x@example.com", ts.adminKey, nil)
	assert.Equal(t, float64(0), data(t, body)["used"])
}

func TestContract_QueueStats(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ts := newTestServer(t, succeeding())

	resp, body := ts.do(t, "GET", "/api/v1/queue", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := data(t, body)
	assert.Equal(t, float64(1), d["max_concurrent"])
	assert.Contains(t, d, "queue_length")
	assert.Contains(t, d, "active_jobs")
}

func TestContract_KeyLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ts := newTestServer(t, succeeding())

	resp, body := ts.do(t, "POST", "/api/v1/admin/keys", ts.adminKey, map[string]any{"name": "ci", "scopes": []string{"submit"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	d := data(t, body)
	raw := d["key"].(string)
	id := d["id"].(string)

	resp, _ = ts.do(t, "POST", "/api/v1/jobs", raw, map[string]any{"identity": "ci@example.com", "channel_name": "@ci"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body = ts.do(t, "GET", "/api/v1/admin/keys", ts.adminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, body["data"].([]any)[0], "key_hash")

	resp, _ = ts.do(t, "DELETE", "/api/v1/admin/keys/"+id, ts.adminKey, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = ts.do(t, "POST", "/api/v1/jobs", raw, map[string]any{"identity": "ci@example.com", "channel_name": "@ci"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", errCode(body))

	resp, _ = ts.do(t, "GET", "/api/v1/admin/keys", raw, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestContract_SubmitterCannotReachAdmin(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ts := newTestServer(t, succeeding())

	resp, body := ts.do(t, "GET", "/api/v1/admin/keys", ts.submit, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errCode(body))
}
