package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/scriptexecd/internal/config"
	"github.com/p-arndt/scriptexecd/internal/engine"
	"github.com/p-arndt/scriptexecd/internal/imageresolver"
	"github.com/p-arndt/scriptexecd/internal/metrics"
	"github.com/p-arndt/scriptexecd/internal/runtime"
	"github.com/p-arndt/scriptexecd/internal/scheduler"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClient struct {
	nextID int64
}

func (f *fakeClient) ImageExists(ctx context.Context, ref string) (bool, error) { return true, nil }
func (f *fakeClient) ImagePull(ctx context.Context, ref string, timeout time.Duration) error {
	return nil
}
func (f *fakeClient) ContainerCreate(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	id := atomic.AddInt64(&f.nextID, 1)
	return fmt.Sprintf("container-%d", id), nil
}
func (f *fakeClient) ContainerStart(ctx context.Context, id string) error { return nil }
func (f *fakeClient) ContainerExec(ctx context.Context, id string, argv []string, stdin []byte, timeout time.Duration) (runtime.ExecResult, error) {
	return runtime.ExecResult{Stdout: []byte("ok\n"), ExitCode: 0}, nil
}
func (f *fakeClient) SignalProcess(ctx context.Context, id, pattern, signal string) error {
	return nil
}
func (f *fakeClient) ContainerStop(ctx context.Context, id string, grace time.Duration) error {
	return nil
}
func (f *fakeClient) ContainerRemove(ctx context.Context, id string, force bool) error { return nil }
func (f *fakeClient) ContainerInspectState(ctx context.Context, id string) (runtime.State, error) {
	return runtime.StateRunning, nil
}
func (f *fakeClient) Ping(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                   { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	client := &fakeClient{}
	resolver := imageresolver.New(client, "", time.Second, 3, discardLogger())
	eng := engine.New(client, discardLogger())
	m := metrics.New()
	cfg := &config.Config{BaseImage: "alpine:latest", PoolSize: 1, Timeout: 5, MemoryLimit: "256m", CPULimit: 0.5}

	sched := scheduler.New(cfg, client, resolver, eng, m, discardLogger())
	require.NoError(t, sched.Start(context.Background()))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	return NewServer(sched, m, discardLogger())
}

func TestHandleExecuteSuccess(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"script": "echo ok"})

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, true, result["success"])
}

func TestHandleExecuteRejectsEmptyScript(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"script": ""})

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleExecuteRejectsUnknownFields(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"script":"echo ok","bogus_field":1}`)

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleExecuteRejectsMalformedJSON(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleExecuteReturns503DuringShutdown(t *testing.T) {
	s := newTestServer(t)
	s.BeginShutdown()

	body, _ := json.Marshal(map[string]string{"script": "echo ok"})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleMetrics(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
}

func TestRequestIDEchoedInResponseHeader(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "test-req-id")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, "test-req-id", w.Header().Get("X-Request-ID"))
}
