package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/healflow/internal/actions"
	"github.com/rendis/healflow/internal/logging"
	"github.com/rendis/healflow/internal/store"
	"github.com/rendis/healflow/pkg/schema"
)

// breakerPollInterval re-checks steps held back by a HalfOpen breaker whose
// trial belongs to another run.
const breakerPollInterval = 100 * time.Millisecond

// externalCancel reports that another process cancelled the run.
type externalCancel struct {
	run *store.RunState
}

func (e *externalCancel) Error() string { return "run cancelled by another process" }

// runLoop is the single coordinator of one run. It alone reads and writes
// run; workers get copies of what they need and answer on results.
type runLoop struct {
	e      *Engine
	def    *Definition
	run    *store.RunState
	live   *liveRun
	tr     *transitions
	logger *slog.Logger
	span   trace.Span

	limit    int
	inflight map[string]context.CancelFunc
	results  chan Outcome
	stepCtx  context.Context

	aborted   bool
	cancelled bool
	detached  bool
	reason    string
}

// drive runs the coordinator for run until it is terminal, the caller's
// context ends (the run is left for Resume), or storage fails for good.
func (e *Engine) drive(ctx context.Context, def *Definition, run *store.RunState) (*store.RunState, error) {
	live, err := e.register(run.RunID)
	if err != nil {
		return nil, err
	}
	defer e.unregister(live)

	if run.Breakers == nil {
		run.Breakers = make(map[string]*store.CircuitBreakerState)
	}
	e.restoreBreakers(def, run)

	ctx = logging.WithRunID(ctx, run.RunID)
	ctx, span := e.tracer.Start(ctx, "healflow.run",
		trace.WithAttributes(
			attribute.String("healflow.run_id", run.RunID),
			attribute.String("healflow.definition", def.Name),
			attribute.Int("healflow.steps", len(def.Steps)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	stepCtx, stopSteps := context.WithCancel(ctx)
	defer stopSteps()

	limit := def.MaxConcurrency
	if limit <= 0 {
		limit = e.cfg.MaxConcurrency
	}
	l := &runLoop{
		e:        e,
		def:      def,
		run:      run,
		live:     live,
		tr:       newTransitions(run),
		logger:   logging.LogWith(ctx, e.logger),
		span:     span,
		limit:    limit,
		inflight: make(map[string]context.CancelFunc),
		results:  make(chan Outcome, len(def.Steps)),
		stepCtx:  stepCtx,
	}

	e.metrics.RunStarted()
	final, err := l.loop(ctx)
	switch {
	case l.detached:
		e.metrics.RunFinished("detached")
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RunFinished("error")
	default:
		span.SetAttributes(attribute.String("healflow.status", string(final.Status)))
		if final.Status == schema.RunStatusSucceeded {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, string(final.Status))
		}
		e.metrics.RunFinished(string(final.Status))
	}
	return final, err
}

func (l *runLoop) stopping() bool { return l.aborted || l.cancelled || l.detached }

func (l *runLoop) loop(ctx context.Context) (*store.RunState, error) {
	if err := l.replanOrphans(ctx); err != nil {
		return l.fail(ctx, err)
	}
	cancelCh := l.live.cancelled
	ctxDone := ctx.Done()
	for {
		if !l.stopping() {
			if err := l.dispatch(ctx); err != nil {
				return l.fail(ctx, err)
			}
		}
		if len(l.inflight) == 0 {
			if l.detached {
				l.logger.Info("run detached", "reason", ctx.Err())
				return l.run, ctx.Err()
			}
			if l.stopping() || !workRemains(l.def, l.run) {
				return l.finish(ctx)
			}
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait := l.nextWake(); wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case o := <-l.results:
			if err := l.handleOutcome(ctx, o); err != nil {
				if timer != nil {
					timer.Stop()
				}
				return l.fail(ctx, err)
			}
		case <-timerC:
		case <-cancelCh:
			cancelCh = nil
			l.logger.Info("cancel requested")
			l.cancelled = true
			l.haltInflight()
		case req := <-l.live.decisions:
			l.handleDecision(ctx, req)
		case <-ctxDone:
			ctxDone = nil
			l.detached = true
			l.haltInflight()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (l *runLoop) nextWake() time.Duration {
	if l.stopping() {
		return 0
	}
	now := l.e.clock.Now()
	if next, ok := NextWakeup(l.def, l.run, now, l.e.breakers); ok {
		return next.Sub(now)
	}
	if len(l.inflight) < l.limit && workRemains(l.def, l.run) {
		return breakerPollInterval
	}
	return 0
}

// workRemains reports whether some step can still be dispatched without an
// operator: it awaits dispatch (now or later) and its dependencies are met.
func workRemains(def *Definition, run *store.RunState) bool {
	for _, name := range def.Sorted {
		st := run.Steps[name]
		if st == nil {
			continue
		}
		waiting := st.Status == schema.StepStatusRetrying ||
			st.Status == schema.StepStatusPending && (!def.IsAlternate(name) || st.Activated)
		if waiting && DependenciesSatisfied(def, run, name) {
			return true
		}
	}
	return false
}

// dispatch marks eligible steps Ready, then Running, persisting each phase
// before any handler starts.
func (l *runLoop) dispatch(ctx context.Context) error {
	free := l.limit - len(l.inflight)
	if free <= 0 {
		return nil
	}
	now := l.e.clock.Now()
	ready := ReadySteps(l.def, l.run, now, free, l.e.breakers)
	if len(ready) == 0 {
		return nil
	}

	for _, name := range ready {
		if err := l.tr.step(name, schema.StepStatusReady, nil); err != nil {
			return err
		}
	}
	if err := l.persist(ctx); err != nil {
		return err
	}

	for _, name := range ready {
		st := l.run.Steps[name]
		st.AttemptCount++
		st.StartedAt = &now
		st.FinishedAt = nil
		st.NextRetryAt = nil
		if err := l.tr.step(name, schema.StepStatusRunning, map[string]any{"attempt": st.AttemptCount}); err != nil {
			return err
		}
	}
	if err := l.persist(ctx); err != nil {
		return err
	}

	for _, name := range ready {
		l.submit(name)
	}
	return nil
}

func (l *runLoop) submit(name string) {
	spec := l.def.Steps[name]
	st := l.run.Steps[name]
	input := actions.Input{
		RunID:    l.run.RunID,
		Step:     name,
		Attempt:  st.AttemptCount,
		Params:   maps.Clone(spec.Params),
		Upstream: l.upstream(name),
	}
	ain := AnalysisInput{Step: name, Attempt: st.AttemptCount, History: st.History()}

	attemptCtx, cancel := context.WithCancel(logging.WithIDs(l.stepCtx, l.run.RunID, name, st.AttemptCount))
	l.inflight[name] = cancel

	results := l.results
	err := l.e.pool.Submit(l.stepCtx, func() {
		results <- l.e.attempt(attemptCtx, spec, input, ain)
	})
	if err != nil {
		cancel()
		now := l.e.clock.Now()
		results <- Outcome{
			Step:       name,
			Attempt:    input.Attempt,
			Cancelled:  true,
			Err:        schema.NewError(schema.ErrCodeCancelled, "step not started: "+err.Error()).WithStep(name),
			StartedAt:  now,
			FinishedAt: now,
			BreakerKey: spec.BreakerKey,
		}
	}
}

// upstream collects dependency outputs. A dependency satisfied by its
// substitute hands on the substitute's output.
func (l *runLoop) upstream(name string) map[string]json.RawMessage {
	deps := l.def.Edges[name]
	if len(deps) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(deps))
	for _, dep := range deps {
		st := l.run.Steps[dep]
		switch {
		case st.Status == schema.StepStatusSucceeded:
			out[dep] = st.Output
		case st.SubstitutedBy != "":
			if alt := l.run.Steps[st.SubstitutedBy]; alt != nil && alt.Status == schema.StepStatusSucceeded {
				out[dep] = alt.Output
			}
		}
	}
	return out
}

// attempt runs on a pool goroutine: execute, then classify a failure.
func (e *Engine) attempt(ctx context.Context, spec *StepSpec, input actions.Input, ain AnalysisInput) Outcome {
	ctx, span := e.tracer.Start(ctx, "healflow.step",
		trace.WithAttributes(
			attribute.String("healflow.run_id", input.RunID),
			attribute.String("healflow.step", spec.Name),
			attribute.String("healflow.handler", spec.Handler),
			attribute.Int("healflow.attempt", input.Attempt),
		),
	)
	defer span.End()

	o := e.executor.Execute(ctx, spec, input)
	if o.Err != nil && !o.Cancelled {
		ain.Err = o.Err
		ain.TimedOut = o.TimedOut
		a := e.analyzer.Classify(ctx, ain)
		o.Analysis = &a
		e.metrics.Classification(a.Source, string(a.Kind))
		span.SetAttributes(
			attribute.String("healflow.error_kind", string(a.Kind)),
			attribute.String("healflow.classification_source", a.Source),
		)
	}
	label := outcomeLabel(o)
	span.SetAttributes(attribute.String("healflow.outcome", label))
	if o.Err != nil {
		span.RecordError(o.Err)
		span.SetStatus(codes.Error, errorMessage(o.Err))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	e.metrics.StepAttempt(spec.Name, label, o.Duration())
	return o
}

func (l *runLoop) handleOutcome(ctx context.Context, o Outcome) error {
	if cancel, ok := l.inflight[o.Step]; ok {
		cancel()
		delete(l.inflight, o.Step)
	}
	if l.detached {
		return nil
	}
	st := l.run.Steps[o.Step]
	if st == nil || st.Status != schema.StepStatusRunning {
		return nil
	}
	l.syncBreaker(o.BreakerKey)

	now := o.FinishedAt
	if now.IsZero() {
		now = l.e.clock.Now()
	}
	if !o.Executed {
		st.AttemptCount--
	} else {
		st.DurationMs = o.Duration().Milliseconds()
	}
	st.FinishedAt = &now

	if o.Err == nil {
		st.Output = o.Output
		if err := l.tr.step(o.Step, schema.StepStatusSucceeded, map[string]any{"attempt": o.Attempt, "duration_ms": st.DurationMs}); err != nil {
			return err
		}
		if original, ok := l.def.ReplacedBy(o.Step); ok {
			if ost := l.run.Steps[original]; ost != nil && ost.Status == schema.StepStatusFailed {
				ost.SatisfiedBySkip = true
				if err := l.tr.step(original, schema.StepStatusSkipped, map[string]any{"via": o.Step}); err != nil {
					return err
				}
			}
		}
		return l.persist(ctx)
	}

	if o.Cancelled {
		if l.stopping() {
			if err := markCancelled(l.tr, o.Step, now); err != nil {
				return err
			}
			return l.persist(ctx)
		}
		// The pool refused the attempt; run it again once capacity frees.
		st.NextRetryAt = &now
		if err := l.tr.step(o.Step, schema.StepStatusRetrying, map[string]any{"reason": "not started"}); err != nil {
			return err
		}
		return l.persist(ctx)
	}

	a := o.Analysis
	if a == nil {
		an := l.e.analyzer.Classify(ctx, AnalysisInput{Step: o.Step, Attempt: o.Attempt, Err: o.Err, TimedOut: o.TimedOut})
		a = &an
	}
	msg := errorMessage(o.Err)
	st.RecordError(store.ErrorRecord{
		RawMessage:      msg,
		Kind:            a.Kind,
		OccurredAt:      now,
		AttemptNumber:   o.Attempt,
		Confidence:      a.Confidence,
		Source:          a.Source,
		Recommendations: a.Recommendations,
	})
	if err := l.tr.step(o.Step, schema.StepStatusFailed, map[string]any{
		"attempt":    o.Attempt,
		"error_kind": string(a.Kind),
		"message":    msg,
	}); err != nil {
		return err
	}
	// The failure and its recovery action are saved in one write.
	if !l.stopping() {
		if err := l.plan(ctx, o.Step, a, msg, now); err != nil {
			return err
		}
	}
	return l.persist(ctx)
}

func (l *runLoop) plan(ctx context.Context, name string, a *Analysis, msg string, now time.Time) error {
	spec := l.def.Steps[name]
	action := l.e.planner.Plan(ctx, PlanInput{
		Kind:             a.Kind,
		Message:          msg,
		State:            l.run.Steps[name],
		Spec:             spec,
		BreakerRemaining: l.e.breakers.Remaining(spec.BreakerKey),
	})
	return l.apply(name, a, action, now)
}

// replanOrphans plans recovery for steps that were recorded Failed but
// never got a recovery action, then persists the result.
func (l *runLoop) replanOrphans(ctx context.Context) error {
	planned := false
	for _, name := range l.def.Sorted {
		st := l.run.Steps[name]
		if st == nil || st.Status != schema.StepStatusFailed || st.SubstitutedBy != "" {
			continue
		}
		rec := st.LastError
		if rec == nil || rec.Kind == "" {
			continue
		}
		a := &Analysis{Kind: rec.Kind, Confidence: rec.Confidence, Source: rec.Source, Recommendations: rec.Recommendations}
		if err := l.plan(ctx, name, a, rec.RawMessage, l.e.clock.Now()); err != nil {
			return err
		}
		planned = true
		if l.stopping() {
			break
		}
	}
	if !planned {
		return nil
	}
	return l.persist(ctx)
}

func (l *runLoop) apply(name string, a *Analysis, action schema.RecoveryAction, now time.Time) error {
	st := l.run.Steps[name]
	l.tr.emit(name, schema.EventRecoveryPlanned, map[string]any{
		"error_kind": string(a.Kind),
		"confidence": a.Confidence,
		"source":     a.Source,
		"action":     string(action.Kind),
		"delay_ms":   action.Delay.Milliseconds(),
		"alternate":  action.Alternate,
		"reason":     action.Reason,
	})
	l.e.metrics.Recovery(string(a.Kind), string(action.Kind))
	l.span.AddEvent("recovery", trace.WithAttributes(
		attribute.String("healflow.step", name),
		attribute.String("healflow.error_kind", string(a.Kind)),
		attribute.String("healflow.action", action.String()),
	))
	l.logger.Info("recovery planned", "step", name, "kind", a.Kind, "action", action.String(), "reason", action.Reason)

	switch action.Kind {
	case schema.ActionRetry:
		next := now.Add(action.Delay)
		st.NextRetryAt = &next
		return l.tr.step(name, schema.StepStatusRetrying, map[string]any{"delay_ms": action.Delay.Milliseconds()})
	case schema.ActionSkip:
		return skipStep(l.tr, l.def, name)
	case schema.ActionSubstitute:
		alt := l.run.Steps[action.Alternate]
		if alt == nil {
			return schema.NewErrorf(schema.ErrCodeNotFound, "substitute %q not in run", action.Alternate).WithStep(name)
		}
		st.SubstitutedBy = action.Alternate
		alt.Activated = true
		l.tr.emit(name, schema.EventStepSubstituted, map[string]any{"alternate": action.Alternate})
		return nil
	case schema.ActionEscalate:
		return l.tr.step(name, schema.StepStatusEscalated, map[string]any{"reason": action.Reason})
	case schema.ActionAbort:
		l.abort(fmt.Sprintf("step %s: %s", name, action.Reason))
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "unknown recovery action %q", action.Kind).WithStep(name)
}

func (l *runLoop) handleDecision(ctx context.Context, req decisionRequest) {
	var err error
	if req.decision == schema.DecisionAbort {
		st := l.run.Steps[req.step]
		switch {
		case st == nil:
			err = schema.NewErrorf(schema.ErrCodeNotFound, "step %q not in run %q", req.step, l.run.RunID)
		case st.Status != schema.StepStatusEscalated:
			err = schema.NewErrorf(schema.ErrCodeInvalidTransition, "step %q is %s, not escalated", req.step, st.Status).WithStep(req.step)
		default:
			l.tr.emit(req.step, schema.EventEscalationResolved, map[string]any{"decision": string(req.decision)})
			l.abort(FailureOperatorAbort)
		}
	} else {
		err = applyDecision(l.tr, l.def, req.step, req.decision, l.e.clock.Now())
	}
	if err != nil {
		l.tr.drain()
		req.reply <- decisionReply{err: err}
		return
	}
	if perr := l.persist(ctx); perr != nil {
		req.reply <- decisionReply{err: perr}
		return
	}
	req.reply <- decisionReply{run: l.run.Clone()}
}

func (l *runLoop) abort(reason string) {
	if l.stopping() {
		return
	}
	l.logger.Warn("run aborted", "reason", reason)
	l.aborted = true
	l.reason = reason
	l.haltInflight()
}

func (l *runLoop) haltInflight() {
	for _, cancel := range l.inflight {
		cancel()
	}
}

// finish computes and persists the terminal status.
func (l *runLoop) finish(ctx context.Context) (*store.RunState, error) {
	now := l.e.clock.Now()
	var to schema.RunStatus
	switch {
	case l.cancelled:
		to = schema.RunStatusCancelled
		l.run.FailureReason = "cancelled"
	case l.aborted:
		to = schema.RunStatusFailed
		l.run.FailureReason = l.reason
	default:
		to = l.settle()
	}
	if err := l.tr.runStatus(to, now, map[string]any{"reason": l.run.FailureReason}); err != nil {
		return l.fail(ctx, err)
	}
	if err := l.persist(ctx); err != nil {
		return l.fail(ctx, err)
	}
	l.logger.Info("run finished", "status", to, "reason", l.run.FailureReason)
	return l.run, nil
}

// settle decides the status of a quiescent run that was neither aborted
// nor cancelled.
func (l *runLoop) settle() schema.RunStatus {
	done := true
	var escalated []string
	for _, name := range l.def.Sorted {
		st := l.run.Steps[name]
		if l.def.IsAlternate(name) && !st.Activated {
			continue
		}
		if st.Status.Satisfied() {
			continue
		}
		done = false
		if st.Status == schema.StepStatusEscalated {
			escalated = append(escalated, name)
		}
	}

	switch {
	case done:
		for _, name := range l.def.Sorted {
			st := l.run.Steps[name]
			if l.def.IsAlternate(name) && st.Status == schema.StepStatusPending {
				_ = l.tr.step(name, schema.StepStatusSkipped, map[string]any{"reason": "substitute not needed"})
			}
		}
		l.run.FailureReason = ""
		return schema.RunStatusSucceeded
	case len(escalated) > 0:
		l.run.FailureReason = "awaiting operator decision on " + strings.Join(escalated, ", ")
		return schema.RunStatusEscalated
	}
	l.run.FailureReason = FailureNoRunnableSteps
	return schema.RunStatusFailed
}

// persist saves the run and then appends the events of the saved changes.
// A version conflict caused by a cancel from another process is adopted.
func (l *runLoop) persist(ctx context.Context) error {
	err := l.e.save(ctx, l.run)
	if err == nil {
		l.e.appendEvents(ctx, l.tr.drain())
		return nil
	}
	if schema.IsConflict(err) {
		stored, lerr := l.e.store.Load(context.WithoutCancel(ctx), l.run.RunID)
		if lerr == nil && stored.Status == schema.RunStatusCancelled {
			return &externalCancel{run: stored}
		}
	}
	return err
}

// fail stops the run after an error the loop cannot absorb.
func (l *runLoop) fail(ctx context.Context, err error) (*store.RunState, error) {
	l.haltInflight()
	l.tr.drain()

	var ext *externalCancel
	if errors.As(err, &ext) {
		l.logger.Info("run cancelled elsewhere")
		l.cancelled = true
		return ext.run, nil
	}

	l.logger.Error("run stopped", "error", err)
	if schema.IsStorageError(err) && !l.run.Status.Terminal() {
		l.run.Status = schema.RunStatusFailed
		l.run.FailureReason = FailureStorageUnavailable
		now := l.e.clock.Now()
		l.run.FinishedAt = &now
		if serr := l.e.store.Save(context.WithoutCancel(ctx), l.run); serr != nil {
			l.logger.Error("could not record storage failure", "error", serr)
		}
	}
	return l.run, err
}

// syncBreaker copies the breaker's state into the run and records changes.
func (l *runLoop) syncBreaker(key string) {
	snap := l.e.breakers.Snapshot(key)
	if snap == nil {
		return
	}
	prev := schema.CircuitClosed
	if old := l.run.Breakers[key]; old != nil {
		prev = old.State
	}
	l.run.Breakers[key] = snap
	if snap.State == prev {
		return
	}
	var eventType string
	switch snap.State {
	case schema.CircuitOpen:
		eventType = schema.EventCircuitOpened
	case schema.CircuitHalfOpen:
		eventType = schema.EventCircuitHalfOpen
	case schema.CircuitClosed:
		eventType = schema.EventCircuitClosed
	}
	l.tr.emit("", eventType, map[string]any{
		"breaker":              key,
		"from":                 string(prev),
		"consecutive_failures": snap.ConsecutiveFailures,
	})
	l.e.metrics.BreakerTransition(key, string(snap.State))
	l.logger.Info("circuit breaker changed", "breaker", key, "from", prev, "to", snap.State)
}
