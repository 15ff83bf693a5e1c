// Package jobs provides the bounded worker pool that keeps CPU-bound
// optimisation requests off the I/O-bound request and ingest paths, as
// required by the service's concurrency model: the solver's search is CPU
// work and must run with its own concurrency bound, distinct from the
// number of concurrent HTTP/WebSocket connections the process can hold.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
)

// Config controls pool sizing.
type Config struct {
	Concurrency int
}

// DefaultConfig returns a Config with Concurrency 4.
func DefaultConfig() Config {
	return Config{Concurrency: 4}
}

// Metrics mirrors the counters a caller would want from any worker pool:
// throughput, failure rate, and whether it has gone idle.
type Metrics struct {
	JobsProcessed  int64
	JobsSucceeded  int64
	JobsFailed     int64
	TotalJobTime   time.Duration
	AverageJobTime time.Duration
	LastJobTime    time.Time
	StartTime      time.Time
}

// Pool runs optimisation work under a fixed concurrency bound. Submissions
// beyond the bound block until a slot frees or the caller's context is
// cancelled — callers waiting on Run hold the HTTP/WebSocket request open,
// which is the backpressure signal that tells upstream callers to slow
// down rather than queue unboundedly in memory.
type Pool struct {
	sem chan struct{}

	mu      sync.Mutex
	metrics Metrics
}

// NewPool builds a Pool. Concurrency defaults to 4 when cfg.Concurrency <= 0.
func NewPool(cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Pool{
		sem:     make(chan struct{}, cfg.Concurrency),
		metrics: Metrics{StartTime: time.Now()},
	}
}

// Run executes fn on the pool, blocking until a slot is available or ctx is
// cancelled. It satisfies ingest.Pool.
func (p *Pool) Run(ctx context.Context, fn func() (*domain.OptimisationResult, error)) (*domain.OptimisationResult, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	start := time.Now()
	result, err := fn()
	p.record(err == nil, time.Since(start))
	return result, err
}

func (p *Pool) record(succeeded bool, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.JobsProcessed++
	p.metrics.TotalJobTime += elapsed
	p.metrics.AverageJobTime = p.metrics.TotalJobTime / time.Duration(p.metrics.JobsProcessed)
	p.metrics.LastJobTime = time.Now()
	if succeeded {
		p.metrics.JobsSucceeded++
	} else {
		p.metrics.JobsFailed++
	}
}

// Metrics returns a snapshot of the pool's counters.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// HealthStatus summarises the pool as a status map (it is not wired to an
// endpoint; cmd/server only logs Metrics at shutdown): a
// success rate under 80% or no activity for 5 minutes (after having seen
// any jobs at all) is surfaced as a warning, never as a hard failure —
// solver infeasibility is an expected outcome, not a pool defect.
func (p *Pool) HealthStatus() map[string]interface{} {
	m := p.Metrics()

	status := map[string]interface{}{
		"status":           "healthy",
		"jobs_processed":   m.JobsProcessed,
		"jobs_succeeded":   m.JobsSucceeded,
		"jobs_failed":      m.JobsFailed,
		"average_job_time": m.AverageJobTime.String(),
		"in_flight":        len(p.sem),
		"capacity":         cap(p.sem),
	}

	if m.JobsProcessed > 0 {
		successRate := float64(m.JobsSucceeded) / float64(m.JobsProcessed) * 100
		status["success_rate"] = successRate
		if successRate < 80 {
			status["status"] = "warning"
			status["warning"] = "low optimisation success rate"
		}
		if time.Since(m.LastJobTime) > 5*time.Minute {
			status["status"] = "warning"
			status["warning"] = "pool has been idle for over 5 minutes"
		}
	}

	return status
}
