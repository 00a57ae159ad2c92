// Package metrics aggregates counters and gauges across the scheduler
// and its pools into a single JSON-serializable snapshot.
package metrics

import "sync/atomic"

// PoolGauge is one pool's point-in-time state, as contributed by the
// scheduler at snapshot time.
type PoolGauge struct {
	Image               string  `json:"image"`
	PoolSize            int     `json:"pool_size"`
	AvailableContainers int     `json:"available_containers"`
	InFlight            int     `json:"in_flight"`
	Executions          int64   `json:"pool_executions"`
}

// Snapshot is the flat structure served at GET /metrics.
type Snapshot struct {
	ExecutionsTotal      int64 `json:"executions_total"`
	ExecutionsSuccess    int64 `json:"executions_success"`
	ExecutionsFailed     int64 `json:"executions_failed"`
	ExecutionsTimeout    int64 `json:"executions_timeout"`
	ContainersCreated    int64 `json:"containers_created"`
	ContainersDestroyed  int64 `json:"containers_destroyed"`
	ImagePulls           int64 `json:"image_pulls"`
	ImagePullFailures    int64 `json:"image_pull_failures"`
	PoolAcquireTimeouts  int64 `json:"pool_acquire_timeouts"`

	ExecutionTimeSum   float64 `json:"execution_time_sum"`
	ExecutionTimeCount int64   `json:"execution_time_count"`

	PoolsActive                int         `json:"pools_active"`
	TotalAvailableContainers   int         `json:"total_available_containers"`
	Pools                      []PoolGauge `json:"pool_metrics"`
}

// Aggregator holds every process-wide counter as an atomic int64, plus
// a running sum/count for execution time (a simple running-average
// histogram rather than a full bucketed one).
type Aggregator struct {
	executionsTotal     int64
	executionsSuccess   int64
	executionsFailed    int64
	executionsTimeout   int64
	containersCreated   int64
	containersDestroyed int64
	imagePulls          int64
	imagePullFailures   int64
	poolAcquireTimeouts int64

	executionTimeSumMicros int64 // stored as microseconds to keep it an int64
	executionTimeCount     int64

	poolSource func() []PoolGauge
}

func New() *Aggregator {
	return &Aggregator{}
}

// SetPoolSource wires in a callback the Aggregator calls at snapshot
// time to collect each pool's current gauges. Set once at startup,
// after pools exist, before the metrics endpoint is served.
func (a *Aggregator) SetPoolSource(f func() []PoolGauge) {
	a.poolSource = f
}

func (a *Aggregator) IncExecutionsTotal()      { atomic.AddInt64(&a.executionsTotal, 1) }
func (a *Aggregator) IncExecutionsSuccess()    { atomic.AddInt64(&a.executionsSuccess, 1) }
func (a *Aggregator) IncExecutionsFailed()     { atomic.AddInt64(&a.executionsFailed, 1) }
func (a *Aggregator) IncExecutionsTimeout()    { atomic.AddInt64(&a.executionsTimeout, 1) }
func (a *Aggregator) IncContainersCreated()    { atomic.AddInt64(&a.containersCreated, 1) }
func (a *Aggregator) IncContainersDestroyed()  { atomic.AddInt64(&a.containersDestroyed, 1) }
func (a *Aggregator) IncImagePulls()           { atomic.AddInt64(&a.imagePulls, 1) }
func (a *Aggregator) IncImagePullFailure()     { atomic.AddInt64(&a.imagePullFailures, 1) }
func (a *Aggregator) IncPoolAcquireTimeout()   { atomic.AddInt64(&a.poolAcquireTimeouts, 1) }

func (a *Aggregator) ObserveExecutionTime(seconds float64) {
	atomic.AddInt64(&a.executionTimeSumMicros, int64(seconds*1e6))
	atomic.AddInt64(&a.executionTimeCount, 1)
}

func (a *Aggregator) Snapshot() Snapshot {
	var pools []PoolGauge
	if a.poolSource != nil {
		pools = a.poolSource()
	}

	available := 0
	for _, p := range pools {
		available += p.AvailableContainers
	}

	return Snapshot{
		ExecutionsTotal:     atomic.LoadInt64(&a.executionsTotal),
		ExecutionsSuccess:   atomic.LoadInt64(&a.executionsSuccess),
		ExecutionsFailed:    atomic.LoadInt64(&a.executionsFailed),
		ExecutionsTimeout:   atomic.LoadInt64(&a.executionsTimeout),
		ContainersCreated:   atomic.LoadInt64(&a.containersCreated),
		ContainersDestroyed: atomic.LoadInt64(&a.containersDestroyed),
		ImagePulls:          atomic.LoadInt64(&a.imagePulls),
		ImagePullFailures:   atomic.LoadInt64(&a.imagePullFailures),
		PoolAcquireTimeouts: atomic.LoadInt64(&a.poolAcquireTimeouts),

		ExecutionTimeSum:   float64(atomic.LoadInt64(&a.executionTimeSumMicros)) / 1e6,
		ExecutionTimeCount: atomic.LoadInt64(&a.executionTimeCount),

		PoolsActive:              len(pools),
		TotalAvailableContainers: available,
		Pools:                    pools,
	}
}
