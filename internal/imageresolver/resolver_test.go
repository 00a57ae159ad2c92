package imageresolver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/scriptexecd/internal/runtime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRuntimeClient struct {
	mu          sync.Mutex
	exists      map[string]bool
	pullCalls   int32
	pullErrs    []error // consumed in order per call, then nil
	pullLatency time.Duration
}

func (f *fakeRuntimeClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists[ref], nil
}

func (f *fakeRuntimeClient) ImagePull(ctx context.Context, ref string, timeout time.Duration) error {
	n := atomic.AddInt32(&f.pullCalls, 1)
	if f.pullLatency > 0 {
		time.Sleep(f.pullLatency)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(n) - 1
	if idx < len(f.pullErrs) && f.pullErrs[idx] != nil {
		return f.pullErrs[idx]
	}
	if f.exists == nil {
		f.exists = map[string]bool{}
	}
	f.exists[ref] = true
	return nil
}

func (f *fakeRuntimeClient) ContainerCreate(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	return "", nil
}
func (f *fakeRuntimeClient) ContainerStart(ctx context.Context, id string) error { return nil }
func (f *fakeRuntimeClient) ContainerExec(ctx context.Context, id string, argv []string, stdin []byte, timeout time.Duration) (runtime.ExecResult, error) {
	return runtime.ExecResult{}, nil
}
func (f *fakeRuntimeClient) SignalProcess(ctx context.Context, id, pattern, signal string) error {
	return nil
}
func (f *fakeRuntimeClient) ContainerStop(ctx context.Context, id string, grace time.Duration) error {
	return nil
}
func (f *fakeRuntimeClient) ContainerRemove(ctx context.Context, id string, force bool) error {
	return nil
}
func (f *fakeRuntimeClient) ContainerInspectState(ctx context.Context, id string) (runtime.State, error) {
	return runtime.StateRunning, nil
}
func (f *fakeRuntimeClient) Ping(ctx context.Context) error { return nil }
func (f *fakeRuntimeClient) Close() error                   { return nil }

func TestResolveNoRegistryConfigured(t *testing.T) {
	r := New(&fakeRuntimeClient{}, "", time.Second, 1, discardLogger())
	ref, err := r.Resolve("python:3.12-slim")
	require.NoError(t, err)
	assert.Equal(t, "python:3.12-slim", ref)
}

func TestResolvePrependsRegistry(t *testing.T) {
	r := New(&fakeRuntimeClient{}, "registry.internal", time.Second, 1, discardLogger())
	ref, err := r.Resolve("python-executor:latest")
	require.NoError(t, err)
	assert.Equal(t, "registry.internal/python-executor:latest", ref)
}

func TestResolveSkipsRegistryForAlreadyQualifiedRef(t *testing.T) {
	r := New(&fakeRuntimeClient{}, "registry.internal", time.Second, 1, discardLogger())
	ref, err := r.Resolve("other-registry.example.com/python:latest")
	require.NoError(t, err)
	assert.Equal(t, "other-registry.example.com/python:latest", ref)
}

func TestResolveRejectsMalformedReference(t *testing.T) {
	r := New(&fakeRuntimeClient{}, "", time.Second, 1, discardLogger())
	_, err := r.Resolve("Not A Valid Ref!!")
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestResolveRejectsEmptyReference(t *testing.T) {
	r := New(&fakeRuntimeClient{}, "", time.Second, 1, discardLogger())
	_, err := r.Resolve("   ")
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestEnsureSkipsPullWhenImageExists(t *testing.T) {
	client := &fakeRuntimeClient{exists: map[string]bool{"alpine:latest": true}}
	r := New(client, "", time.Second, 3, discardLogger())

	pulled, err := r.Ensure(context.Background(), "alpine:latest")
	require.NoError(t, err)
	assert.False(t, pulled)
	assert.Equal(t, int32(0), client.pullCalls)
}

func TestEnsurePullsWhenMissing(t *testing.T) {
	client := &fakeRuntimeClient{exists: map[string]bool{}}
	r := New(client, "", time.Second, 3, discardLogger())

	pulled, err := r.Ensure(context.Background(), "alpine:latest")
	require.NoError(t, err)
	assert.True(t, pulled)
	assert.Equal(t, int32(1), client.pullCalls)
}

func TestEnsureRetriesTransientFailures(t *testing.T) {
	client := &fakeRuntimeClient{
		exists: map[string]bool{},
		pullErrs: []error{
			&runtime.Error{Kind: runtime.KindTransient, Op: "image_pull", Err: errors.New("timeout")},
			nil,
		},
	}
	r := New(client, "", time.Second, 3, discardLogger())

	pulled, err := r.Ensure(context.Background(), "flaky:latest")
	require.NoError(t, err)
	assert.True(t, pulled)
	assert.Equal(t, int32(2), client.pullCalls)
}

func TestEnsureFailsFastOnNonRetryableError(t *testing.T) {
	client := &fakeRuntimeClient{
		exists: map[string]bool{},
		pullErrs: []error{
			&runtime.Error{Kind: runtime.KindNotFound, Op: "image_pull", Err: errors.New("no such image")},
		},
	}
	r := New(client, "", time.Second, 5, discardLogger())

	_, err := r.Ensure(context.Background(), "missing:latest")
	assert.Error(t, err)
	assert.Equal(t, int32(1), client.pullCalls)
}

func TestEnsureExhaustsRetriesAndFails(t *testing.T) {
	permErr := &runtime.Error{Kind: runtime.KindAPI, Op: "image_pull", Err: errors.New("persistent failure")}
	client := &fakeRuntimeClient{
		exists:   map[string]bool{},
		pullErrs: []error{permErr, permErr, permErr},
	}
	r := New(client, "", time.Second, 3, discardLogger())

	_, err := r.Ensure(context.Background(), "broken:latest")
	assert.Error(t, err)
	assert.Equal(t, int32(3), client.pullCalls)
}

func TestEnsureDedupesConcurrentCalls(t *testing.T) {
	client := &fakeRuntimeClient{exists: map[string]bool{}, pullLatency: 50 * time.Millisecond}
	r := New(client, "", 2*time.Second, 3, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Ensure(context.Background(), "shared:latest")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), client.pullCalls)
}
