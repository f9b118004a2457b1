// Package gate admits research jobs against a global concurrency cap and holds
// the per-job cancellation signal for every admitted job.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/basket/deep-research/internal/shared"
)

// DefaultLimit is the number of jobs allowed to run at once.
const DefaultLimit = 2

type slot struct {
	cancel    context.CancelCauseFunc
	requested bool
}

// Gate is safe for concurrent use.
type Gate struct {
	mu    sync.Mutex
	limit int
	slots map[string]*slot
}

// New returns a gate admitting at most limit jobs. A non-positive limit
// falls back to DefaultLimit.
func New(limit int) *Gate {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Gate{limit: limit, slots: make(map[string]*slot)}
}

// Acquire reserves a slot for jobID. The returned context is cancelled with
// cause shared.ErrCancelled when RequestCancel is called for the job, and with
// the parent's cause when the parent ends.
func (g *Gate) Acquire(parent context.Context, jobID string) (context.Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.slots[jobID]; exists {
		return nil, fmt.Errorf("acquire %s: %w: already admitted", jobID, shared.ErrInvalidState)
	}
	if len(g.slots) >= g.limit {
		return nil, fmt.Errorf("acquire %s: %w (%d/%d active)", jobID, shared.ErrCapacityExceeded, len(g.slots), g.limit)
	}
	ctx, cancel := context.WithCancelCause(parent)
	g.slots[jobID] = &slot{cancel: cancel}
	return ctx, nil
}

// Release frees the slot held by jobID. Releasing an unknown or already
// released job is a no-op, so every exit path may call it.
func (g *Gate) Release(jobID string) {
	g.mu.Lock()
	s, ok := g.slots[jobID]
	delete(g.slots, jobID)
	g.mu.Unlock()
	if ok {
		// Releases the context's resources; the job has already exited.
		s.cancel(context.Canceled)
	}
}

// RequestCancel sets the job's cancellation signal. It returns false when the
// job holds no slot (unknown or already terminal).
func (g *Gate) RequestCancel(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[jobID]
	if !ok {
		return false
	}
	s.requested = true
	s.cancel(shared.ErrCancelled)
	return true
}

// Cancelled reports whether cancellation was requested for an admitted job.
func (g *Gate) Cancelled(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[jobID]
	return ok && s.requested
}

// Active returns the number of admitted jobs.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

// Limit returns the current cap.
func (g *Gate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// SetLimit changes the cap. Running jobs are never preempted; a lower cap only
// affects future admissions.
func (g *Gate) SetLimit(limit int) {
	if limit <= 0 {
		return
	}
	g.mu.Lock()
	g.limit = limit
	g.mu.Unlock()
}

// IsCancelled reports whether ctx was cancelled through RequestCancel.
func IsCancelled(ctx context.Context) bool {
	return ctx.Err() != nil && errors.Is(context.Cause(ctx), shared.ErrCancelled)
}
