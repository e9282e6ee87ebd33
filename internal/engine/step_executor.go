package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/healflow/internal/actions"
	"github.com/rendis/healflow/internal/logging"
	"github.com/rendis/healflow/pkg/schema"
)

// HandlerLookup resolves a step's handler by name. *actions.Registry
// satisfies it.
type HandlerLookup interface {
	Get(name string) (actions.Handler, error)
}

// Outcome is the result of one step attempt.
type Outcome struct {
	Step       string
	Attempt    int
	Output     json.RawMessage
	Err        error
	Executed   bool // false when the breaker rejected the attempt
	TimedOut   bool
	Cancelled  bool
	Abandoned  bool // the handler ignored cancellation past the grace period
	StartedAt  time.Time
	FinishedAt time.Time

	BreakerKey string
	// Analysis is filled by the worker for failed attempts.
	Analysis *Analysis
}

// Duration returns how long the attempt ran.
func (o Outcome) Duration() time.Duration { return o.FinishedAt.Sub(o.StartedAt) }

// StepExecutor runs a single attempt of a step: breaker admission, timeout,
// cooperative cancellation with a grace period, breaker bookkeeping.
type StepExecutor struct {
	handlers HandlerLookup
	breakers *CircuitBreakerRegistry
	clock    Clock
	grace    time.Duration
	logger   *slog.Logger
}

// NewStepExecutor creates a StepExecutor.
func NewStepExecutor(handlers HandlerLookup, breakers *CircuitBreakerRegistry, clock Clock, grace time.Duration, logger *slog.Logger) *StepExecutor {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &StepExecutor{handlers: handlers, breakers: breakers, clock: clock, grace: grace, logger: logger}
}

type handlerResult struct {
	out *actions.Output
	err error
}

// Execute runs one attempt. It never panics and always returns. At the
// step timeout the attempt fails at once; a handler that ignores caller
// cancellation is abandoned after the grace period.
func (x *StepExecutor) Execute(ctx context.Context, spec *StepSpec, input actions.Input) Outcome {
	key := spec.BreakerKey
	o := Outcome{Step: spec.Name, Attempt: input.Attempt, BreakerKey: key, StartedAt: x.clock.Now()}

	if err := x.breakers.Allow(key, spec.Breaker); err != nil {
		o.Err = schema.NewError(schema.ErrCodeCircuitOpen, err.Error()).WithStep(spec.Name).WithCause(err)
		o.FinishedAt = o.StartedAt
		return o
	}
	o.Executed = true

	handler, err := x.handlers.Get(spec.Handler)
	if err != nil {
		x.breakers.Release(key)
		o.Err = schema.StepFailure(schema.KindInvalidInput, "handler %q not registered", spec.Handler).WithStep(spec.Name).WithCause(err)
		o.FinishedAt = x.clock.Now()
		return o
	}

	attemptCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: schema.NewErrorf(schema.ErrCodeStep, "handler panicked: %v", r)}
			}
		}()
		out, err := handler.Execute(attemptCtx, input)
		done <- handlerResult{out: out, err: err}
	}()

	var res handlerResult
	expired := false
	select {
	case res = <-done:
	case <-attemptCtx.Done():
		if ctx.Err() == nil {
			// Deadline: a late result does not count.
			expired = true
			break
		}
		grace := time.NewTimer(x.grace)
		select {
		case res = <-done:
		case <-grace.C:
			o.Abandoned = true
			logging.LogWith(ctx, x.logger).Warn("abandoning unresponsive step", "grace", x.grace)
		}
		grace.Stop()
	}
	o.FinishedAt = x.clock.Now()

	switch {
	case expired:
		o.TimedOut = true
		o.Err = timeoutError(spec)
	case res.err == nil && !o.Abandoned:
		if res.out != nil {
			o.Output = res.out.Data
		}
	case ctx.Err() != nil:
		o.Cancelled = true
		o.Err = schema.NewError(schema.ErrCodeCancelled, "step cancelled").WithStep(spec.Name).WithCause(ctx.Err())
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		o.TimedOut = true
		o.Err = timeoutError(spec)
	default:
		o.Err = res.err
	}

	switch {
	case o.Err == nil:
		x.breakers.RecordSuccess(key)
	case o.Cancelled:
		x.breakers.Release(key)
	default:
		x.breakers.RecordFailure(key)
	}
	return o
}

func timeoutError(spec *StepSpec) error {
	return schema.NewErrorf(schema.ErrCodeTimeout, "step %s timed out after %s", spec.Name, spec.Timeout).
		WithStep(spec.Name).WithCause(context.DeadlineExceeded)
}

// outcomeLabel names an attempt outcome for metrics and span attributes.
func outcomeLabel(o Outcome) string {
	switch {
	case !o.Executed:
		return "rejected"
	case o.Err == nil:
		return "succeeded"
	case o.Cancelled:
		return "cancelled"
	case o.TimedOut:
		return "timeout"
	}
	return "failed"
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
