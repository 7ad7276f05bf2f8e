package bootstrap

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/billrun/internal"
	"github.com/dukerupert/billrun/internal/domain"
	"github.com/dukerupert/billrun/internal/lock"
	"github.com/dukerupert/billrun/internal/service"
)

func testConfig() *internal.Config {
	return &internal.Config{
		Env:      "dev",
		LogLevel: "info",
		Server:   internal.ServerConfig{Port: 8080, ShutdownTimeout: time.Second, MetricsEnabled: true},
		Store:    internal.StoreConfig{Kind: "memory"},
		Payment:  internal.PaymentConfig{Provider: "mock", RetryAfter: time.Minute},
		Email: internal.EmailConfig{
			Provider:    "log",
			FromAddress: "billing@example.test",
			FromName:    "Billing",
			Timeout:     time.Second,
		},
		Notify: internal.NotifyConfig{Sinks: []string{"log"}},
		Jobs: internal.JobsConfig{
			Interval:    time.Hour,
			Concurrency: 2,
			RunTimeout:  time.Minute,
			WorkerID:    "test-worker",
		},
		Billing:    internal.BillingConfig{CompanyName: "Example Co", DefaultCurrency: "USD"},
		Escalation: service.DefaultEscalationConfig(),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newApp(t *testing.T, cfg *internal.Config) *App {
	t.Helper()
	app, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func request(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestApp_BillingCycleOverHTTP(t *testing.T) {
	app := newApp(t, testConfig())
	e := app.Handler()

	rec := request(e, http.MethodPost, "/api/invoices",
		`{"number":"INV-2001","client_name":"Acme","client_email":"ap@acme.test","amount":"99.50","created_by":"user-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	base := "/api/invoices/" + created.ID

	require.Equal(t, http.StatusOK, request(e, http.MethodPost, base+"/submit", "").Code)
	require.Equal(t, http.StatusOK, request(e, http.MethodPost, base+"/approve", `{"approver_id":"mgr-1"}`).Code)

	rec = request(e, http.MethodPost, "/api/jobs/billing_cycle/run", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var run struct {
		Run domain.JobRun `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, domain.JobCompleted, run.Run.Status)
	assert.Equal(t, 1, run.Run.ItemsProcessed)

	inv, err := app.Store.GetInvoice(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceSent, inv.Status)

	rec = request(e, http.MethodGet, "/api/jobs/billing_cycle/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status domain.JobStatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Running)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, run.Run.ID, status.LastRun.ID)
}

func TestApp_OpsEndpoints(t *testing.T) {
	app := newApp(t, testConfig())
	e := app.Handler()

	assert.Equal(t, http.StatusOK, request(e, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, request(e, http.MethodGet, "/readyz", "").Code)

	rec := request(e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "billrun_http_requests_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestApp_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MetricsEnabled = false
	e := newApp(t, cfg).Handler()

	assert.Equal(t, http.StatusNotFound, request(e, http.MethodGet, "/metrics", "").Code)
}

func TestApp_RebuildsWithoutRegistrationConflicts(t *testing.T) {
	for i := 0; i < 2; i++ {
		app := newApp(t, testConfig())
		app.Handler()
	}
}

func TestApp_HandlerSharesCollectors(t *testing.T) {
	app := newApp(t, testConfig())
	first, second := app.Handler(), app.Handler()

	assert.Equal(t, http.StatusOK, request(first, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, request(second, http.MethodGet, "/healthz", "").Code)

	rec := request(second, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `billrun_http_requests_total{method="GET",path="/healthz",status="200"} 2`)
}

func TestApp_RedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Redis = internal.RedisConfig{URL: "redis://" + mr.Addr(), LockTTL: time.Minute, LockTimeout: time.Second}
	app := newApp(t, cfg)

	assert.IsType(t, &lock.RedisLocker{}, app.Locker)
	assert.Equal(t, http.StatusOK, request(app.Handler(), http.MethodGet, "/readyz", "").Code)

	mr.Close()
	assert.Equal(t, http.StatusServiceUnavailable, request(app.Handler(), http.MethodGet, "/readyz", "").Code)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*internal.Config)
	}{
		{"unknown sink", func(c *internal.Config) { c.Notify.Sinks = []string{"pigeon"} }},
		{"no sinks", func(c *internal.Config) { c.Notify.Sinks = nil }},
		{"unreachable redis", func(c *internal.Config) { c.Redis.URL = "redis://127.0.0.1:1" }},
		{"bad redis url", func(c *internal.Config) { c.Redis.URL = "://nope" }},
		{"missing reminder template", func(c *internal.Config) {
			c.Escalation.Levels[0].Template = "reminder_missing.html"
		}},
		{"unknown store", func(c *internal.Config) { c.Store.Kind = "sqlite" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(cfg)

			app, err := New(context.Background(), cfg, quietLogger())
			assert.Error(t, err)
			assert.Nil(t, app)
		})
	}
}

func TestApp_Scheduler(t *testing.T) {
	app := newApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Scheduler().Start(ctx) }()
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, ":8080", app.Addr())
}
