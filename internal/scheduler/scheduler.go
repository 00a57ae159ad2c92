// Package scheduler owns the Pool Registry: it builds the fixed set of
// named pools at startup, routes each execution request to the right
// pool (or an ephemeral sandbox), and coordinates shutdown draining.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/scriptexecd/internal/config"
	"github.com/p-arndt/scriptexecd/internal/engine"
	"github.com/p-arndt/scriptexecd/internal/imageresolver"
	"github.com/p-arndt/scriptexecd/internal/metrics"
	"github.com/p-arndt/scriptexecd/internal/pool"
	"github.com/p-arndt/scriptexecd/internal/runtime"
	"github.com/p-arndt/scriptexecd/internal/sandbox"
)

const drainGrace = 30 * time.Second

// Request is one execution request as the boundary hands it down.
type Request struct {
	Script  string
	Stdin   string
	Image   string // empty means "use the default pool"
}

// Scheduler routes requests to pools and manages their lifecycle.
type Scheduler struct {
	cfg      *config.Config
	client   runtime.Client
	resolver *imageresolver.Resolver
	engine   *engine.Engine
	metrics  *metrics.Aggregator
	log      *slog.Logger

	baseSpec runtime.ContainerSpec

	pools    map[string]*pool.Pool // keyed by both raw and canonical image reference
	poolList []*pool.Pool

	poolCtx    context.Context
	cancelPool context.CancelFunc
}

func New(cfg *config.Config, client runtime.Client, resolver *imageresolver.Resolver, eng *engine.Engine, m *metrics.Aggregator, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		client:   client,
		resolver: resolver,
		engine:   eng,
		metrics:  m,
		log:      log,
		baseSpec: runtime.ContainerSpec{
			MemoryLimit: cfg.MemoryLimit,
			CPULimit:    cfg.CPULimit,
		},
		pools: make(map[string]*pool.Pool),
	}
}

// Start builds the default pool and every CUSTOM_POOLS entry, then
// warms them in parallel. It returns once registry membership is
// fixed; it does not wait for pools to reach target size.
func (s *Scheduler) Start(ctx context.Context) error {
	s.poolCtx, s.cancelPool = context.WithCancel(context.Background())
	s.resolver.OnPull = func(ref string) { s.metrics.IncImagePulls() }

	type poolSpec struct {
		image string
		size  int
	}
	specs := []poolSpec{{image: s.cfg.BaseImage, size: s.cfg.PoolSize}}
	for _, cp := range s.cfg.CustomPools {
		specs = append(specs, poolSpec{image: cp.Image, size: cp.Size})
	}

	for _, ps := range specs {
		spec := s.baseSpec
		spec.Image = ps.image
		spec.Labels = map[string]string{"scriptexecd.pool": "true", "scriptexecd.image": ps.image}

		p := pool.New(ps.image, ps.size, s.client, s.resolver, spec, s.log)
		p.OnCreate = s.metrics.IncContainersCreated
		p.OnDestroy = s.metrics.IncContainersDestroyed
		s.registerPool(ps.image, p)
		s.poolList = append(s.poolList, p)

		go p.RunReplenishLoop(s.poolCtx)
	}

	g, _ := errgroup.WithContext(ctx)
	for _, p := range s.poolList {
		p := p
		g.Go(func() error {
			p.Warm()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.metrics.SetPoolSource(func() []metrics.PoolGauge {
		gauges := make([]metrics.PoolGauge, 0, len(s.poolList))
		for _, p := range s.poolList {
			snap := p.Snapshot()
			gauges = append(gauges, metrics.PoolGauge{
				Image:               snap.Image,
				PoolSize:            snap.Size,
				AvailableContainers: snap.AvailableContainers,
				InFlight:            snap.InFlight,
				Executions:          snap.Executions,
			})
		}
		return gauges
	})

	return nil
}

// registerPool indexes p under both its raw image name and its
// canonical (registry-qualified) form, so Dispatch can find it
// regardless of which spelling the caller used.
func (s *Scheduler) registerPool(rawImage string, p *pool.Pool) {
	s.pools[rawImage] = p
	if canonical, err := s.resolver.Resolve(rawImage); err == nil {
		s.pools[canonical] = p
	}
}

// Dispatch routes a request to the default pool, a matching custom
// pool, or an ephemeral single-use sandbox, and executes the script.
func (s *Scheduler) Dispatch(ctx context.Context, req Request) engine.Result {
	if req.Script == "" {
		msg := fmt.Sprintf("%v: script must not be empty", engine.ErrValidation)
		return engine.Result{Success: false, ExitCode: -1, Error: &msg}
	}

	acquireTimeout := time.Duration(s.cfg.Timeout) * time.Second
	execTimeout := time.Duration(s.cfg.Timeout) * time.Second

	if req.Image == "" {
		return s.dispatchToPool(ctx, s.pools[s.cfg.BaseImage], acquireTimeout, execTimeout, req)
	}

	canonical, err := s.resolver.Resolve(req.Image)
	if err != nil {
		msg := fmt.Sprintf("%v: %v", engine.ErrImageResolve, err)
		return engine.Result{Success: false, ExitCode: -1, Error: &msg}
	}

	if p, ok := s.pools[req.Image]; ok {
		return s.dispatchToPool(ctx, p, acquireTimeout, execTimeout, req)
	}
	if p, ok := s.pools[canonical]; ok {
		return s.dispatchToPool(ctx, p, acquireTimeout, execTimeout, req)
	}

	return s.dispatchEphemeral(ctx, canonical, execTimeout, req)
}

func (s *Scheduler) dispatchToPool(ctx context.Context, p *pool.Pool, acquireTimeout, execTimeout time.Duration, req Request) engine.Result {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	h, err := p.Acquire(acquireCtx)
	if err != nil {
		s.metrics.IncPoolAcquireTimeout()
		msg := fmt.Sprintf("%v: pool %q exhausted", engine.ErrPoolExhausted, p.Image)
		return engine.Result{Success: false, ExitCode: -1, Error: &msg}
	}

	s.metrics.IncExecutionsTotal()
	result, reusable := s.engine.Execute(ctx, h, req.Script, req.Stdin, execTimeout)
	s.recordExecutionMetrics(result)

	p.Release(h, reusable)

	return result
}

func (s *Scheduler) dispatchEphemeral(ctx context.Context, canonicalRef string, execTimeout time.Duration, req Request) engine.Result {
	if _, err := s.resolver.Ensure(ctx, canonicalRef); err != nil {
		s.metrics.IncImagePullFailure()
		msg := fmt.Sprintf("%v: %v", engine.ErrImagePull, err)
		return engine.Result{Success: false, ExitCode: -1, Error: &msg}
	}

	spec := s.baseSpec
	spec.Image = canonicalRef
	spec.Labels = map[string]string{"scriptexecd.pool": "false", "scriptexecd.image": canonicalRef}

	h, err := sandbox.CreateSandbox(ctx, s.client, canonicalRef, spec)
	if err != nil {
		msg := fmt.Sprintf("%v: %v", engine.ErrSandboxCreation, err)
		return engine.Result{Success: false, ExitCode: -1, Error: &msg}
	}
	s.metrics.IncContainersCreated()

	s.metrics.IncExecutionsTotal()
	result, _ := s.engine.Execute(ctx, h, req.Script, req.Stdin, execTimeout)
	s.recordExecutionMetrics(result)

	_ = sandbox.Destroy(context.Background(), s.client, h)
	s.metrics.IncContainersDestroyed()

	return result
}

func (s *Scheduler) recordExecutionMetrics(result engine.Result) {
	s.metrics.ObserveExecutionTime(result.ExecutionTime)
	switch {
	case result.Error != nil && *result.Error == "execution timeout":
		s.metrics.IncExecutionsTimeout()
	case result.Success:
		s.metrics.IncExecutionsSuccess()
	default:
		s.metrics.IncExecutionsFailed()
	}
}

// Shutdown drains every pool concurrently with a bounded grace period.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, drainGrace)
	defer cancel()

	g, _ := errgroup.WithContext(drainCtx)
	for _, p := range s.poolList {
		p := p
		g.Go(func() error {
			p.Drain(drainCtx, drainGrace)
			return nil
		})
	}
	err := g.Wait()
	if s.cancelPool != nil {
		s.cancelPool()
	}
	return err
}
