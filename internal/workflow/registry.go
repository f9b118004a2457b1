package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/deep-research/internal/persistence"
	"github.com/basket/deep-research/internal/shared"
)

// ErrJobTimeout is the cancel cause of a job that exceeded its wall-clock
// limit.
var ErrJobTimeout = errors.New("research job timed out")

// Registry owns the trackers of running jobs. Jobs started through it run on
// the registry's base context, so they outlive the request that started them
// and end when the daemon shuts down.
type Registry struct {
	deps    Deps
	base    context.Context
	timeout time.Duration

	mu       sync.Mutex
	trackers map[string]*Tracker
	wg       sync.WaitGroup
}

type RegistryOption func(*Registry)

// WithJobTimeout bounds each job's wall-clock time. Zero disables the limit.
func WithJobTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

func NewRegistry(base context.Context, deps Deps, opts ...RegistryOption) *Registry {
	deps.withDefaults()
	r := &Registry{
		deps:     deps,
		base:     base,
		trackers: make(map[string]*Tracker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start admits a new job, stores it as pending and runs its stages in the
// background. A job refused by the gate is never stored.
func (r *Registry) Start(ctx context.Context, query, model string, opts persistence.JobOptions) (*persistence.Job, error) {
	id := shared.NewID()
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
	}
	jobCtx, err := r.deps.Gate.Acquire(shared.WithTraceID(r.base, traceID), id)
	if err != nil {
		if errors.Is(err, shared.ErrCapacityExceeded) {
			r.deps.Metrics.CapacityRejects.Add(ctx, 1)
		}
		return nil, err
	}

	job := &persistence.Job{ID: id, Query: query, Model: model, Options: opts}
	if err := r.deps.Store.CreateJob(ctx, job); err != nil {
		r.deps.Gate.Release(id)
		return nil, fmt.Errorf("start research: %w", err)
	}

	cancelTimeout := context.CancelFunc(func() {})
	if r.timeout > 0 {
		jobCtx, cancelTimeout = context.WithTimeoutCause(jobCtx, r.timeout, ErrJobTimeout)
	}

	opts.Model = model
	t := NewTracker(id, query, opts, &r.deps)
	r.mu.Lock()
	r.trackers[id] = t
	r.mu.Unlock()

	r.deps.Metrics.ActiveJobs.Add(ctx, 1)
	r.deps.Logger.Info("research job started", "component", "workflow", "job_id", id, "trace_id", traceID)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancelTimeout()
		defer r.deps.Metrics.ActiveJobs.Add(context.WithoutCancel(jobCtx), -1)
		defer r.Remove(id)
		defer r.deps.Gate.Release(id)
		_ = t.Execute(jobCtx)
	}()
	return job, nil
}

// Get returns the tracker of a running job.
func (r *Registry) Get(jobID string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[jobID]
	return t, ok
}

// Cancel requests cancellation of a running job. It returns false when the
// job holds no slot.
func (r *Registry) Cancel(jobID string) bool {
	return r.deps.Gate.RequestCancel(jobID)
}

// Remove forgets the tracker of jobID and detaches every subscriber of the
// job from the bus.
func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	delete(r.trackers, jobID)
	r.mu.Unlock()
	r.deps.Bus.Detach(jobID)
}

// Len returns the number of registered trackers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

// Wait blocks until every started job has finished.
func (r *Registry) Wait() {
	r.wg.Wait()
}
