package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellspend/afeguard/pkg/engine"
)

// fakeRunner blocks until release is closed, so tests can hold a run open.
type fakeRunner struct {
	mu      sync.Mutex
	runs    int
	metrics engine.Metrics
	release chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context) engine.Metrics {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
	return f.metrics
}

func newTestServer(runner *fakeRunner) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(runner, time.Minute, logger)
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(&fakeRunner{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_RunReturnsMetrics(t *testing.T) {
	runner := &fakeRunner{metrics: engine.Metrics{
		RulesChecked:    12,
		AlertsTriggered: 3,
		EmailsSent:      6,
	}}
	srv := newTestServer(runner)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/run", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var m engine.Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, 12, m.RulesChecked)
	assert.Equal(t, 3, m.AlertsTriggered)
	assert.Equal(t, 6, m.EmailsSent)
	assert.Equal(t, 1, runner.runs)
}

func TestServer_RunRejectsMethodGet(t *testing.T) {
	srv := newTestServer(&fakeRunner{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/run", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_ConcurrentRunConflicts(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	srv := newTestServer(runner)

	firstDone := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/run", nil))
		firstDone <- rec.Code
	}()

	// Wait for the first run to be holding the slot.
	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.runs == 1
	}, time.Second, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/run", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(runner.release)
	assert.Equal(t, http.StatusOK, <-firstDone)
	assert.Equal(t, 1, runner.runs)
}

func TestServer_RunScheduledSkipsWhenBusy(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), metrics: engine.Metrics{RulesChecked: 5}}
	srv := newTestServer(runner)

	done := make(chan engine.Metrics, 1)
	go func() { done <- srv.RunScheduled(context.Background()) }()

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.runs == 1
	}, time.Second, 5*time.Millisecond)

	skipped := srv.RunScheduled(context.Background())
	assert.Zero(t, skipped.RulesChecked)

	close(runner.release)
	m := <-done
	assert.Equal(t, 5, m.RulesChecked)
	assert.Equal(t, 1, runner.runs)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeRunner{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
