// Package pool maintains a bounded set of pre-warmed sandbox containers
// for one image, so that most executions lease an already-running
// container instead of paying container creation cost per request.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p-arndt/scriptexecd/internal/engine"
	"github.com/p-arndt/scriptexecd/internal/imageresolver"
	"github.com/p-arndt/scriptexecd/internal/runtime"
	"github.com/p-arndt/scriptexecd/internal/sandbox"
)

const (
	replenishPause        = 10 * time.Second
	replenishFailureLimit = 3
)

// Counters are the per-pool lifetime counters.
type Counters struct {
	Created         int64
	Destroyed       int64
	Executions      int64
	AcquireWaits    int64
	AcquireTimeouts int64
}

// Pool is a per-image bounded queue of idle sandbox handles plus the
// in-flight count of handles currently leased out of it.
type Pool struct {
	Image string
	Size  int

	client   runtime.Client
	resolver *imageresolver.Resolver
	spec     runtime.ContainerSpec
	log      *slog.Logger

	mu       sync.Mutex
	idle     []*sandbox.Handle
	waiters  []chan *sandbox.Handle
	inFlight int64

	replenishSignal chan struct{}
	stopReplenish   chan struct{}
	replenishDone   chan struct{}
	draining        atomic.Bool

	counters Counters

	// OnCreate and OnDestroy, if set, are called once per container
	// created or destroyed by this pool, so a caller (the scheduler)
	// can fold per-pool lifecycle events into a process-wide counter.
	OnCreate  func()
	OnDestroy func()
}

// New builds a Pool with an empty idle queue; callers trigger the
// initial fill with Warm(), which signals the background replenish
// loop started by RunReplenishLoop.
func New(image string, size int, client runtime.Client, resolver *imageresolver.Resolver, spec runtime.ContainerSpec, log *slog.Logger) *Pool {
	return &Pool{
		Image:           image,
		Size:            size,
		client:          client,
		resolver:        resolver,
		spec:            spec,
		log:             log,
		replenishSignal: make(chan struct{}, 1),
		stopReplenish:   make(chan struct{}),
		replenishDone:   make(chan struct{}),
	}
}

// RunReplenishLoop runs until Drain stops it, serializing all
// background container creation for this pool onto one goroutine, as
// triggered by signalReplenish rather than polling.
func (p *Pool) RunReplenishLoop(ctx context.Context) {
	defer close(p.replenishDone)

	consecutiveFailures := 0
	for {
		select {
		case <-p.stopReplenish:
			return
		case <-ctx.Done():
			return
		case <-p.replenishSignal:
		}

		if consecutiveFailures >= replenishFailureLimit {
			p.log.Warn("pausing replenishment after repeated failures", "image", p.Image, "pause", replenishPause)
			select {
			case <-time.After(replenishPause):
				consecutiveFailures = 0
			case <-p.stopReplenish:
				return
			case <-ctx.Done():
				return
			}
		}

		created, err := p.replenishOnce(ctx)
		if err != nil {
			consecutiveFailures++
			p.log.Error("replenish failed", "image", p.Image, "err", err, "consecutive_failures", consecutiveFailures)
			continue
		}
		consecutiveFailures = 0

		if created {
			// There may be more room; re-signal ourselves so the loop
			// keeps creating one at a time until the target is met.
			p.signalReplenish()
		}
	}
}

// replenishOnce creates at most one sandbox if the pool is below
// target size, reporting whether it did.
func (p *Pool) replenishOnce(ctx context.Context) (bool, error) {
	if p.draining.Load() {
		return false, nil
	}

	p.mu.Lock()
	idleCount := len(p.idle)
	p.mu.Unlock()
	inFlight := int(atomic.LoadInt64(&p.inFlight))

	if idleCount+inFlight >= p.Size {
		return false, nil
	}

	canonicalRef, err := p.resolver.Resolve(p.Image)
	if err != nil {
		return false, err
	}
	if _, err := p.resolver.Ensure(ctx, canonicalRef); err != nil {
		return false, err
	}

	h, err := sandbox.CreateSandbox(ctx, p.client, canonicalRef, p.spec)
	if err != nil {
		return false, err
	}
	p.notifyCreate()

	if !p.handToWaiterOrQueue(h) {
		// Queue was full (shouldn't normally happen given the size
		// check above, but a concurrent release can race it); destroy
		// the surplus rather than grow the idle queue past its size.
		_ = sandbox.Destroy(context.Background(), p.client, h)
		p.notifyDestroy()
		return true, nil
	}

	return true, nil
}

// handToWaiterOrQueue delivers h to the longest-waiting Acquire call if
// one exists, otherwise enqueues it in the idle queue. Both the waiter
// check and the idle-queue append happen under the same lock as
// Acquire's own check-then-register sequence, so a release can never
// land in the idle queue during the window between an acquirer's
// failed non-blocking pop and its waiter registration. Returns false
// if the idle queue was already at target size and h could not be
// placed anywhere (the caller destroys it instead).
func (p *Pool) handToWaiterOrQueue(h *sandbox.Handle) bool {
	p.mu.Lock()
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		atomic.AddInt64(&p.inFlight, 1)
		w <- h
		return true
	}
	if len(p.idle) >= p.Size {
		p.mu.Unlock()
		return false
	}
	p.idle = append(p.idle, h)
	p.mu.Unlock()
	return true
}

func (p *Pool) notifyCreate() {
	atomic.AddInt64(&p.counters.Created, 1)
	if p.OnCreate != nil {
		p.OnCreate()
	}
}

func (p *Pool) notifyDestroy() {
	atomic.AddInt64(&p.counters.Destroyed, 1)
	if p.OnDestroy != nil {
		p.OnDestroy()
	}
}

func (p *Pool) signalReplenish() {
	select {
	case p.replenishSignal <- struct{}{}:
	default:
	}
}

// Warm triggers an initial replenishment pass. It does not block on
// the pool reaching its target size; callers that want pre-warmed
// capacity before accepting requests should poll Snapshot instead.
func (p *Pool) Warm() {
	p.signalReplenish()
}

// Acquire leases an idle handle, waiting (FIFO among other waiters) if
// none is immediately available, until ctx's deadline elapses. The
// idle-queue check and waiter registration happen atomically under
// the same lock so a concurrent Release can never be missed between
// the two steps.
func (p *Pool) Acquire(ctx context.Context) (*sandbox.Handle, error) {
	if p.draining.Load() {
		return nil, engine.ErrServiceShuttingDown
	}

	p.mu.Lock()
	if len(p.idle) > 0 {
		h := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		atomic.AddInt64(&p.inFlight, 1)
		return h, nil
	}

	wait := make(chan *sandbox.Handle, 1)
	p.waiters = append(p.waiters, wait)
	p.mu.Unlock()
	atomic.AddInt64(&p.counters.AcquireWaits, 1)

	p.signalReplenish()

	select {
	case h := <-wait:
		return h, nil
	case <-ctx.Done():
		p.removeWaiter(wait)
		atomic.AddInt64(&p.counters.AcquireTimeouts, 1)
		return nil, engine.ErrPoolExhausted
	}
}

// removeWaiter drops wait from the FIFO list if it is still there. A
// handle may have already been delivered to it concurrently with the
// context expiring; that handle is drained back into the idle queue.
func (p *Pool) removeWaiter(wait chan *sandbox.Handle) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == wait {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	select {
	case h := <-wait:
		atomic.AddInt64(&p.inFlight, 1)
		p.Release(h, true)
	default:
	}
}

// Release returns a handle to the pool if clean, or destroys it and
// schedules replenishment otherwise.
func (p *Pool) Release(h *sandbox.Handle, clean bool) {
	atomic.AddInt64(&p.inFlight, -1)
	atomic.AddInt64(&p.counters.Executions, 1)

	if !clean || p.draining.Load() {
		go func() {
			_ = sandbox.Destroy(context.Background(), p.client, h)
			p.notifyDestroy()
			p.signalReplenish()
		}()
		return
	}

	if !p.handToWaiterOrQueue(h) {
		go func() {
			_ = sandbox.Destroy(context.Background(), p.client, h)
			p.notifyDestroy()
		}()
	}
}

// Drain stops replenishment and new acquires, destroys idle handles
// immediately, and waits up to grace for in-flight handles to be
// released before destroying them too.
func (p *Pool) Drain(ctx context.Context, grace time.Duration) {
	p.draining.Store(true)
	close(p.stopReplenish)
	<-p.replenishDone

	p.destroyIdle()

	deadline := time.After(grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for atomic.LoadInt64(&p.inFlight) > 0 {
		select {
		case <-deadline:
			goto drainIdle
		case <-ticker.C:
		case <-ctx.Done():
			goto drainIdle
		}
	}

drainIdle:
	p.destroyIdle()
}

// destroyIdle empties the idle queue, destroying every handle in it.
func (p *Pool) destroyIdle() {
	p.mu.Lock()
	batch := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, h := range batch {
		_ = sandbox.Destroy(context.Background(), p.client, h)
		p.notifyDestroy()
	}
}

// Snapshot returns the pool's current gauges and lifetime counters.
type Snapshot struct {
	Image              string
	Size               int
	AvailableContainers int
	InFlight           int
	Executions         int64
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	available := len(p.idle)
	p.mu.Unlock()
	return Snapshot{
		Image:               p.Image,
		Size:                p.Size,
		AvailableContainers: available,
		InFlight:            int(atomic.LoadInt64(&p.inFlight)),
		Executions:          atomic.LoadInt64(&p.counters.Executions),
	}
}
