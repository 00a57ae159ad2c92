// Package sandbox creates and describes the individual containers the
// rest of the service leases, executes scripts in, and eventually
// destroys. It holds no pooling policy of its own.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/p-arndt/scriptexecd/internal/runtime"
)

// Health reflects whether a sandbox is still safe to reuse.
type Health int

const (
	HealthClean Health = iota
	HealthTainted
)

// ErrSandboxCreation is returned when any step of container creation,
// starting, or readiness polling fails.
var ErrSandboxCreation = errors.New("sandbox creation failed")

// Handle is the service's view of one runtime container. It carries no
// behavior of its own beyond bookkeeping fields mutated under mu by the
// package's exported helpers; the Pool and Execution Engine read and
// write it while a lease is held by exactly one goroutine at a time.
type Handle struct {
	mu sync.Mutex

	ContainerID string
	ImageRef    string
	CreatedAt   time.Time
	LastUsedAt  time.Time
	ExecCount   int
	health      Health
}

func (h *Handle) Health() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

func (h *Handle) Taint() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health = HealthTainted
}

func (h *Handle) RecordExecution() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ExecCount++
	h.LastUsedAt = time.Now()
}

// Stale reports whether this handle has been used enough times that it
// should be recycled rather than returned to its pool, regardless of
// health.
func (h *Handle) Stale(maxExecutions int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ExecCount >= maxExecutions
}

const readinessPollInterval = 100 * time.Millisecond
const readinessPollTimeout = 3 * time.Second

// CreateSandbox creates, starts and waits for one container to reach
// the "running" state, returning a clean Handle. The image is assumed
// to already be present locally; callers resolve and pull it first.
func CreateSandbox(ctx context.Context, client runtime.Client, canonicalRef string, spec runtime.ContainerSpec) (*Handle, error) {
	id, err := client.ContainerCreate(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: create: %v", ErrSandboxCreation, err)
	}

	if err := client.ContainerStart(ctx, id); err != nil {
		_ = client.ContainerRemove(context.Background(), id, true)
		return nil, fmt.Errorf("%w: start: %v", ErrSandboxCreation, err)
	}

	if err := waitUntilRunning(ctx, client, id); err != nil {
		_ = client.ContainerStop(context.Background(), id, 0)
		_ = client.ContainerRemove(context.Background(), id, true)
		return nil, fmt.Errorf("%w: %v", ErrSandboxCreation, err)
	}

	now := time.Now()
	return &Handle{
		ContainerID: id,
		ImageRef:    canonicalRef,
		CreatedAt:   now,
		LastUsedAt:  now,
		health:      HealthClean,
	}, nil
}

func waitUntilRunning(ctx context.Context, client runtime.Client, id string) error {
	deadline := time.Now().Add(readinessPollTimeout)
	for {
		state, err := client.ContainerInspectState(ctx, id)
		if err != nil {
			return fmt.Errorf("inspect: %w", err)
		}
		if state == runtime.StateRunning {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("container did not reach running state within %s", readinessPollTimeout)
		}

		timer := time.NewTimer(readinessPollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Destroy stops and removes the container backing a handle, ignoring
// "already gone" failures.
func Destroy(ctx context.Context, client runtime.Client, h *Handle) error {
	if err := client.ContainerStop(ctx, h.ContainerID, 2*time.Second); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if err := client.ContainerRemove(ctx, h.ContainerID, true); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}
