package engine

import (
	"sync"
	"time"

	"github.com/rendis/healflow/internal/store"
	"github.com/rendis/healflow/pkg/schema"
)

// circuitBreaker tracks failure state for one step or shared resource.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               schema.CircuitState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
	policy              BreakerPolicy
}

// CircuitBreakerRegistry manages breakers by key. A key is the step name
// unless the step declares a shared resource_key.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	clock    Clock
}

// NewCircuitBreakerRegistry creates an empty registry.
func NewCircuitBreakerRegistry(clock Clock) *CircuitBreakerRegistry {
	if clock == nil {
		clock = realClock{}
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		clock:    clock,
	}
}

// Allow admits or rejects one execution. An Open breaker whose open
// duration has elapsed moves to HalfOpen and admits exactly one trial;
// every other caller is rejected until the trial reports back.
func (r *CircuitBreakerRegistry) Allow(key string, policy BreakerPolicy) error {
	cb := r.getOrCreate(key, policy)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := r.clock.Now()
	switch cb.state {
	case schema.CircuitOpen:
		remaining := cb.openedAt.Add(cb.policy.OpenDuration).Sub(now)
		if remaining > 0 {
			return circuitOpenError(key, cb.consecutiveFailures, remaining)
		}
		cb.state = schema.CircuitHalfOpen
		cb.trialInFlight = true
		return nil

	case schema.CircuitHalfOpen:
		if cb.trialInFlight {
			return circuitOpenError(key, cb.consecutiveFailures, 0)
		}
		cb.trialInFlight = true
		return nil
	}
	return nil
}

func circuitOpenError(key string, failures int, remaining time.Duration) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeCircuitOpen,
		"circuit breaker %q open after %d consecutive failures", key, failures).
		WithDetails(map[string]any{
			"breaker":              key,
			"consecutive_failures": failures,
			"remaining":            remaining.String(),
		})
}

// RecordSuccess closes the breaker and resets its counter.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	cb := r.lookup(key)
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.trialInFlight = false
	cb.state = schema.CircuitClosed
	cb.openedAt = time.Time{}
}

// RecordFailure counts a failure and returns the resulting state.
// A failed HalfOpen trial reopens immediately.
func (r *CircuitBreakerRegistry) RecordFailure(key string) schema.CircuitState {
	cb := r.lookup(key)
	if cb == nil {
		return schema.CircuitClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.trialInFlight = false

	if cb.state == schema.CircuitHalfOpen || cb.consecutiveFailures >= cb.policy.FailureThreshold {
		cb.state = schema.CircuitOpen
		cb.openedAt = r.clock.Now()
	}
	return cb.state
}

// Release returns an admitted HalfOpen trial that never produced a verdict,
// so the next caller may run the trial instead.
func (r *CircuitBreakerRegistry) Release(key string) {
	cb := r.lookup(key)
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.trialInFlight = false
	cb.mu.Unlock()
}

// Blocked reports whether the scheduler must hold back steps on key.
// When the block lifts at a known instant, until is that instant.
func (r *CircuitBreakerRegistry) Blocked(key string) (blocked bool, until time.Time) {
	cb := r.lookup(key)
	if cb == nil {
		return false, time.Time{}
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case schema.CircuitOpen:
		reopen := cb.openedAt.Add(cb.policy.OpenDuration)
		if r.clock.Now().Before(reopen) {
			return true, reopen
		}
	case schema.CircuitHalfOpen:
		return cb.trialInFlight, time.Time{}
	}
	return false, time.Time{}
}

// Remaining returns how long the breaker stays Open, or 0.
func (r *CircuitBreakerRegistry) Remaining(key string) time.Duration {
	blocked, until := r.Blocked(key)
	if !blocked || until.IsZero() {
		return 0
	}
	return until.Sub(r.clock.Now())
}

// Snapshot returns the persisted form of a breaker, or nil if unknown.
func (r *CircuitBreakerRegistry) Snapshot(key string) *store.CircuitBreakerState {
	cb := r.lookup(key)
	if cb == nil {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := &store.CircuitBreakerState{
		Key:                 key,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
	}
	if !cb.openedAt.IsZero() {
		t := cb.openedAt
		snap.OpenedAt = &t
	}
	return snap
}

// Restore seeds a breaker from persisted state unless one is already live.
// A HalfOpen breaker restores as Open with its original opened_at, since
// the trial it admitted died with the previous process.
func (r *CircuitBreakerRegistry) Restore(snap *store.CircuitBreakerState, policy BreakerPolicy) {
	if snap == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breakers[snap.Key]; ok {
		return
	}
	cb := &circuitBreaker{
		state:               snap.State,
		consecutiveFailures: snap.ConsecutiveFailures,
		policy:              policy,
	}
	if snap.OpenedAt != nil {
		cb.openedAt = *snap.OpenedAt
	}
	if cb.state == schema.CircuitHalfOpen {
		cb.state = schema.CircuitOpen
	}
	r.breakers[snap.Key] = cb
}

func (r *CircuitBreakerRegistry) lookup(key string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakers[key]
}

func (r *CircuitBreakerRegistry) getOrCreate(key string, policy BreakerPolicy) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{state: schema.CircuitClosed, policy: policy}
		r.breakers[key] = cb
	}
	return cb
}
