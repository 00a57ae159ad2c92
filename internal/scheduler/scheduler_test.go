package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
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
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClient struct {
	nextID     int64
	execStdout string
	execExit   int
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
	return runtime.ExecResult{Stdout: []byte(f.execStdout), ExitCode: f.execExit}, nil
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

func newTestScheduler(t *testing.T, cfg *config.Config) (*Scheduler, *fakeClient) {
	t.Helper()
	client := &fakeClient{execStdout: "ok\n", execExit: 0}
	resolver := imageresolver.New(client, "", time.Second, 3, discardLogger())
	eng := engine.New(client, discardLogger())
	m := metrics.New()

	s := New(cfg, client, resolver, eng, m, discardLogger())
	require.NoError(t, s.Start(context.Background()))
	return s, client
}

func waitForPoolFill(t *testing.T, s *Scheduler, image string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p := s.pools[image]
		if p != nil && p.Snapshot().AvailableContainers >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pool for %q never filled to %d", image, n)
}

func TestDispatchDefaultPool(t *testing.T) {
	cfg := &config.Config{BaseImage: "alpine:latest", PoolSize: 2, Timeout: 5, MemoryLimit: "256m", CPULimit: 0.5}
	s, _ := newTestScheduler(t, cfg)
	waitForPoolFill(t, s, "alpine:latest", 2)

	result := s.Dispatch(context.Background(), Request{Script: "echo ok"})
	assert.True(t, result.Success)
	assert.Equal(t, "ok\n", result.Stdout)
}

func TestDispatchRejectsEmptyScript(t *testing.T) {
	cfg := &config.Config{BaseImage: "alpine:latest", PoolSize: 1, Timeout: 5, MemoryLimit: "256m", CPULimit: 0.5}
	s, _ := newTestScheduler(t, cfg)

	result := s.Dispatch(context.Background(), Request{Script: ""})
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
}

func TestDispatchCustomPoolByRawName(t *testing.T) {
	cfg := &config.Config{
		BaseImage: "alpine:latest", PoolSize: 1, Timeout: 5, MemoryLimit: "256m", CPULimit: 0.5,
		CustomPools: []config.CustomPool{{Image: "python-executor", Size: 1}},
	}
	s, _ := newTestScheduler(t, cfg)
	waitForPoolFill(t, s, "python-executor", 1)

	result := s.Dispatch(context.Background(), Request{Script: "echo ok", Image: "python-executor"})
	assert.True(t, result.Success)
}

func TestDispatchEphemeralForUnknownImage(t *testing.T) {
	cfg := &config.Config{BaseImage: "alpine:latest", PoolSize: 1, Timeout: 5, MemoryLimit: "256m", CPULimit: 0.5}
	s, _ := newTestScheduler(t, cfg)

	result := s.Dispatch(context.Background(), Request{Script: "echo ok", Image: "node:20-slim"})
	assert.True(t, result.Success)
}

func TestShutdownDrainsPools(t *testing.T) {
	cfg := &config.Config{BaseImage: "alpine:latest", PoolSize: 2, Timeout: 5, MemoryLimit: "256m", CPULimit: 0.5}
	s, _ := newTestScheduler(t, cfg)
	waitForPoolFill(t, s, "alpine:latest", 2)

	err := s.Shutdown(context.Background())
	assert.NoError(t, err)
}
