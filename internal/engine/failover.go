package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// circuitBreaker tracks consecutive failures of one engine.
type circuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// FailoverEngine runs a primary engine and falls back to the next one when a
// run fails before emitting anything. Once a run has emitted a message its
// error is returned as is, so a job never sees two partial streams. Each
// engine has a circuit breaker that trips after threshold consecutive
// failures and resets after cooldown.
type FailoverEngine struct {
	engines []Engine

	mu        sync.Mutex
	breakers  map[string]*circuitBreaker
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func NewFailoverEngine(primary Engine, fallbacks []Engine, threshold int, cooldown time.Duration) *FailoverEngine {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	engines := append([]Engine{primary}, fallbacks...)
	breakers := make(map[string]*circuitBreaker, len(engines))
	for _, e := range engines {
		breakers[e.Name()] = &circuitBreaker{}
	}
	return &FailoverEngine{
		engines:   engines,
		breakers:  breakers,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (f *FailoverEngine) Name() string {
	return "failover/" + f.engines[0].Name()
}

func (f *FailoverEngine) Run(ctx context.Context, req Request, emit func(Message) error) error {
	var lastErr error
	for i, e := range f.engines {
		if f.isTripped(e.Name()) {
			slog.Info("failover: skipping tripped engine", "engine", e.Name())
			continue
		}

		// The requested model names a primary model; fallbacks use their own.
		run := req
		if i > 0 {
			run.Model = ""
		}
		emitted := false
		err := e.Run(ctx, run, func(m Message) error {
			emitted = true
			return emit(m)
		})
		if err == nil {
			f.recordSuccess(e.Name())
			return nil
		}
		if ctx.Err() != nil || emitted {
			return err
		}

		lastErr = err
		f.recordFailure(e.Name())
		slog.Warn("failover: engine failed",
			"engine", e.Name(),
			"error_class", string(ClassOf(err)),
			"error", err,
		)
		if !Retryable(err) {
			return fmt.Errorf("failover: %s: %w", e.Name(), err)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("every engine is tripped")
	}
	return fmt.Errorf("failover: all engines failed, last error: %w", lastErr)
}

func (f *FailoverEngine) isTripped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if f.now().Sub(cb.lastFailure) >= f.cooldown {
		cb.tripped = false
		cb.failures = 0
		slog.Info("failover: circuit breaker reset after cooldown", "engine", name)
		return false
	}
	return true
}

func (f *FailoverEngine) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[name]
	if !ok {
		cb = &circuitBreaker{}
		f.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = f.now()
	if cb.failures >= f.threshold {
		cb.tripped = true
		slog.Warn("failover: circuit breaker tripped", "engine", name, "failures", cb.failures)
	}
}

func (f *FailoverEngine) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[name]; ok {
		cb.failures = 0
		cb.tripped = false
	}
}
