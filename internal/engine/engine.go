package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/healflow/internal/expressions"
	"github.com/rendis/healflow/internal/logging"
	"github.com/rendis/healflow/internal/metrics"
	"github.com/rendis/healflow/internal/store"
	"github.com/rendis/healflow/pkg/schema"
)

// tracerName is the instrumentation scope name for engine tracing.
const tracerName = "github.com/rendis/healflow/engine"

// Engine defaults.
const (
	DefaultMaxConcurrency     = 4
	DefaultPoolSize           = 16
	DefaultGracePeriod        = 5 * time.Second
	DefaultRecoverConcurrency = 4
	FailureStorageUnavailable = "storage_unavailable"
	FailureOperatorAbort      = "aborted by operator"
	FailureNoRunnableSteps    = "no runnable steps remain"
)

// StorageRetryPolicy bounds retries of failed persistence calls.
type StorageRetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Config carries run-time knobs. Zero values select defaults.
type Config struct {
	MaxConcurrency      int // per run, when the definition leaves it unset
	PoolSize            int // engine-wide step slots
	GracePeriod         time.Duration
	AnalysisTimeout     time.Duration
	StorageRetry        StorageRetryPolicy
	Seed                uint64 // jitter seed; 0 picks one from the clock
	Clock               Clock
	ClassificationRules []ClassificationRule
	RecoverConcurrency  int
}

// Deps are the collaborators of an Engine. Store and Handlers are required.
type Deps struct {
	Store      store.Store
	Handlers   HandlerLookup
	Classifier Classifier
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *metrics.Metrics
}

// StatusReport is the operator view of a run.
type StatusReport struct {
	Run     *store.RunState  `json:"run"`
	Summary store.RunSummary `json:"summary"`
	Levels  [][]string       `json:"levels,omitempty"`
	Events  []*store.Event   `json:"events,omitempty"`
	Live    bool             `json:"live"`
	Pool    PoolMetrics      `json:"pool"`
}

// Engine executes, persists and heals workflow runs.
type Engine struct {
	cfg      Config
	store    store.Store
	handlers HandlerLookup
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics
	clock    Clock

	cel      *expressions.CELEngine
	breakers *CircuitBreakerRegistry
	executor *StepExecutor
	analyzer *ErrorAnalyzer
	planner  *RecoveryPlanner
	pool     *WorkerPool

	baseCtx    context.Context
	stop       context.CancelFunc
	background sync.WaitGroup

	mu   sync.Mutex
	live map[string]*liveRun
}

// liveRun is the handle other goroutines use to reach a run's coordinator.
type liveRun struct {
	runID      string
	cancelOnce sync.Once
	cancelled  chan struct{}
	decisions  chan decisionRequest
	done       chan struct{}
}

type decisionRequest struct {
	step     string
	decision schema.Decision
	reply    chan decisionReply
}

type decisionReply struct {
	run *store.RunState
	err error
}

func (l *liveRun) requestCancel() {
	l.cancelOnce.Do(func() { close(l.cancelled) })
}

// New builds an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Handlers == nil {
		return nil, errors.New("engine: handler lookup is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.RecoverConcurrency <= 0 {
		cfg.RecoverConcurrency = DefaultRecoverConcurrency
	}
	if cfg.StorageRetry.Attempts <= 0 {
		cfg.StorageRetry.Attempts = 3
	}
	if cfg.StorageRetry.BaseDelay <= 0 {
		cfg.StorageRetry.BaseDelay = 50 * time.Millisecond
	}
	if cfg.StorageRetry.MaxDelay <= 0 {
		cfg.StorageRetry.MaxDelay = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(cfg.Clock.Now().UnixNano())
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	analyzer, err := NewErrorAnalyzer(deps.Classifier, cfg.AnalysisTimeout, cfg.ClassificationRules, logger)
	if err != nil {
		return nil, err
	}
	breakers := NewCircuitBreakerRegistry(cfg.Clock)
	baseCtx, stop := context.WithCancel(context.Background())

	return &Engine{
		cfg:      cfg,
		store:    deps.Store,
		handlers: deps.Handlers,
		logger:   logger,
		tracer:   tracer,
		metrics:  deps.Metrics,
		clock:    cfg.Clock,
		cel:      cel,
		breakers: breakers,
		executor: NewStepExecutor(deps.Handlers, breakers, cfg.Clock, cfg.GracePeriod, logger),
		analyzer: analyzer,
		planner:  NewRecoveryPlanner(cel, NewJitterSource(cfg.Seed), logger),
		pool:     NewWorkerPool(cfg.PoolSize),
		baseCtx:  baseCtx,
		stop:     stop,
		live:     make(map[string]*liveRun),
	}, nil
}

// Close stops background runs at their next checkpoint and releases the
// worker pool. Detached runs stay Running in the store and are picked up
// by the next RecoverActive.
func (e *Engine) Close() {
	e.stop()
	e.background.Wait()
	e.pool.Shutdown()
}

// Parse validates a definition document against the engine's rule
// language and registered handlers.
func (e *Engine) Parse(doc *schema.WorkflowDefinition) (*Definition, error) {
	def, err := ParseDefinition(doc, e.cel.Compile)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, name := range def.HandlerNames() {
		if _, err := e.handlers.Get(name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"unregistered handlers: %s", strings.Join(missing, ", ")).
			WithDetails(map[string]any{"handlers": missing})
	}
	return def, nil
}

// Execute starts a new run of doc and drives it until it is terminal.
// Only definition and unrecoverable storage errors are returned; step
// failures are recorded in the returned RunState.
func (e *Engine) Execute(ctx context.Context, doc *schema.WorkflowDefinition) (*store.RunState, error) {
	def, run, err := e.create(ctx, doc)
	if err != nil {
		return nil, err
	}
	return e.drive(ctx, def, run)
}

// Start is Execute without waiting: the run proceeds in the background and
// its ID is returned once the initial state is persisted.
func (e *Engine) Start(ctx context.Context, doc *schema.WorkflowDefinition) (string, error) {
	def, run, err := e.create(ctx, doc)
	if err != nil {
		return "", err
	}
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		if _, err := e.drive(e.baseCtx, def, run); err != nil {
			e.logger.Error("background run stopped", "run_id", run.RunID, "error", err)
		}
	}()
	return run.RunID, nil
}

func (e *Engine) create(ctx context.Context, doc *schema.WorkflowDefinition) (*Definition, *store.RunState, error) {
	def, err := e.Parse(doc)
	if err != nil {
		return nil, nil, err
	}
	now := e.clock.Now()
	run := store.NewRunState(uuid.NewString(), def.Document(), now)
	tr := newTransitions(run)
	tr.emit("", schema.EventRunStarted, map[string]any{"definition": def.Name, "version": def.Version})
	if err := e.save(ctx, run); err != nil {
		return nil, nil, err
	}
	e.appendEvents(ctx, tr.drain())
	e.logger.InfoContext(logging.WithRunID(ctx, run.RunID), "run created", "definition", def.Name, "steps", len(def.Steps))
	return def, run, nil
}

// Resume continues a persisted run without replaying completed steps.
// Steps that were Running when the previous process died become Retrying
// with their attempt count preserved.
func (e *Engine) Resume(ctx context.Context, runID string) (*store.RunState, error) {
	if e.isLive(runID) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %q is already executing in this process", runID)
	}
	run, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Final() {
		return run, nil
	}
	def, err := ParseDefinition(&run.Definition, e.cel.Compile)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	tr := newTransitions(run)
	if err := resetInterrupted(tr, now); err != nil {
		return nil, err
	}
	if run.Status == schema.RunStatusEscalated {
		e.restoreBreakers(def, run)
		if !workRemains(def, run) {
			return run, nil
		}
		if err := tr.runStatus(schema.RunStatusRunning, now, nil); err != nil {
			return nil, err
		}
	} else {
		tr.emit("", schema.EventRunResumed, nil)
	}
	if err := e.save(ctx, run); err != nil {
		return nil, err
	}
	e.appendEvents(ctx, tr.drain())
	return e.drive(ctx, def, run)
}

// resetInterrupted turns in-flight work of a dead coordinator back into
// schedulable work.
func resetInterrupted(tr *transitions, now time.Time) error {
	for _, name := range tr.run.StepNames() {
		st := tr.run.Steps[name]
		switch st.Status {
		case schema.StepStatusRunning:
			st.RecordError(store.ErrorRecord{
				RawMessage:    "interrupted by process restart",
				Kind:          schema.KindTransient,
				OccurredAt:    now,
				AttemptNumber: st.AttemptCount,
				Source:        SourceResume,
			})
			st.NextRetryAt = &now
			if err := tr.step(name, schema.StepStatusRetrying, map[string]any{"reason": "resume"}); err != nil {
				return err
			}
		case schema.StepStatusReady:
			if err := tr.step(name, schema.StepStatusPending, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cancel stops a run. In-flight steps get the grace period to stop and are
// recorded as Failed (cancelled); Pending steps stay Pending. Cancelling a
// cancelled run is a no-op.
func (e *Engine) Cancel(ctx context.Context, runID string) (*store.RunState, error) {
	if live := e.liveRun(runID); live != nil {
		live.requestCancel()
		select {
		case <-live.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return e.store.Load(ctx, runID)
	}

	current, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current.Status == schema.RunStatusCancelled {
		return current, nil
	}

	var events []*store.Event
	run, err := store.Update(ctx, e.store, runID, func(run *store.RunState) error {
		events = nil
		if run.Status == schema.RunStatusCancelled {
			return nil
		}
		now := e.clock.Now()
		tr := newTransitions(run)
		for _, name := range run.StepNames() {
			if run.Steps[name].Status == schema.StepStatusRunning {
				if err := markCancelled(tr, name, now); err != nil {
					return err
				}
			}
		}
		if err := tr.runStatus(schema.RunStatusCancelled, now, nil); err != nil {
			return err
		}
		run.FailureReason = "cancelled"
		events = tr.drain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.appendEvents(ctx, events)
	return run, nil
}

func markCancelled(tr *transitions, name string, now time.Time) error {
	st := tr.run.Steps[name]
	st.RecordError(store.ErrorRecord{
		RawMessage:    "step cancelled",
		OccurredAt:    now,
		AttemptNumber: st.AttemptCount,
		Source:        SourceLocal,
	})
	st.FinishedAt = &now
	return tr.step(name, schema.StepStatusFailed, map[string]any{"code": schema.ErrCodeCancelled})
}

// ResolveEscalation applies an operator decision to an Escalated step and,
// unless the decision aborts the run, continues execution.
func (e *Engine) ResolveEscalation(ctx context.Context, runID, step string, decision schema.Decision) (*store.RunState, error) {
	if _, err := schema.ParseDecision(string(decision)); err != nil {
		return nil, err
	}
	if live := e.liveRun(runID); live != nil {
		reply := make(chan decisionReply, 1)
		select {
		case live.decisions <- decisionRequest{step: step, decision: decision, reply: reply}:
		case <-live.done:
			return e.ResolveEscalation(ctx, runID, step, decision)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		select {
		case r := <-reply:
			if r.err != nil {
				return nil, r.err
			}
			select {
			case <-live.done:
				return e.store.Load(ctx, runID)
			case <-ctx.Done():
				return r.run, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var events []*store.Event
	run, err := store.Update(ctx, e.store, runID, func(run *store.RunState) error {
		events = nil
		if run.Status.Final() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %q is %s", runID, run.Status)
		}
		def, err := ParseDefinition(&run.Definition, e.cel.Compile)
		if err != nil {
			return err
		}
		tr := newTransitions(run)
		if err := applyDecision(tr, def, step, decision, e.clock.Now()); err != nil {
			return err
		}
		events = tr.drain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.appendEvents(ctx, events)
	if run.Status != schema.RunStatusRunning {
		return run, nil
	}
	return e.Resume(ctx, runID)
}

// applyDecision mutates run for an operator decision on an Escalated step.
func applyDecision(tr *transitions, def *Definition, step string, decision schema.Decision, now time.Time) error {
	run := tr.run
	st := run.Steps[step]
	if st == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not in run %q", step, run.RunID)
	}
	if st.Status != schema.StepStatusEscalated {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "step %q is %s, not escalated", step, st.Status).WithStep(step)
	}
	tr.emit(step, schema.EventEscalationResolved, map[string]any{"decision": string(decision)})

	switch decision {
	case schema.DecisionRetry:
		st.AttemptLimit = st.AttemptCount + def.Steps[step].MaxAttempts
		st.NextRetryAt = &now
		if err := tr.step(step, schema.StepStatusRetrying, map[string]any{"reason": "operator retry"}); err != nil {
			return err
		}
	case schema.DecisionSkip:
		if err := skipStep(tr, def, step); err != nil {
			return err
		}
	case schema.DecisionAbort:
		run.FailureReason = FailureOperatorAbort
		return tr.runStatus(schema.RunStatusFailed, now, map[string]any{"reason": FailureOperatorAbort})
	}
	if run.Status == schema.RunStatusEscalated {
		return tr.runStatus(schema.RunStatusRunning, now, nil)
	}
	return nil
}

// skipStep marks step Skipped; when step is an alternate, the step it
// stands in for is skipped too so its dependents may proceed.
func skipStep(tr *transitions, def *Definition, step string) error {
	st := tr.run.Steps[step]
	st.SatisfiedBySkip = true
	if err := tr.step(step, schema.StepStatusSkipped, nil); err != nil {
		return err
	}
	if original, ok := def.ReplacedBy(step); ok {
		if ost := tr.run.Steps[original]; ost != nil && ost.Status == schema.StepStatusFailed {
			ost.SatisfiedBySkip = true
			return tr.step(original, schema.StepStatusSkipped, map[string]any{"via": step})
		}
	}
	return nil
}

// Status returns the persisted run with its summary, levels and events.
func (e *Engine) Status(ctx context.Context, runID string) (*StatusReport, error) {
	run, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	rep := &StatusReport{
		Run:     run,
		Summary: run.Summary(),
		Events:  events,
		Live:    e.isLive(runID),
		Pool:    e.pool.Metrics(),
	}
	if def, err := ParseDefinition(&run.Definition, nil); err == nil {
		rep.Levels = def.Levels
	}
	return rep, nil
}

// RecoverActive resumes every Running run not driven by this process. It
// returns the resumed runs; per-run failures are joined into the error.
func (e *Engine) RecoverActive(ctx context.Context) ([]*store.RunState, error) {
	ids, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results []*store.RunState
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.RecoverConcurrency)
	for _, id := range ids {
		if e.isLive(id) {
			continue
		}
		g.Go(func() error {
			run, err := e.Resume(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if schema.IsConflict(err) {
					return nil
				}
				e.logger.Error("recover run failed", "run_id", id, "error", err)
				errs = append(errs, fmt.Errorf("run %s: %w", id, err))
				return nil
			}
			results = append(results, run)
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].RunID < results[j].RunID })
	return results, errors.Join(errs...)
}

func (e *Engine) register(runID string) (*liveRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.live[runID]; ok {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %q is already executing in this process", runID)
	}
	l := &liveRun{
		runID:     runID,
		cancelled: make(chan struct{}),
		decisions: make(chan decisionRequest),
		done:      make(chan struct{}),
	}
	e.live[runID] = l
	return l, nil
}

func (e *Engine) unregister(l *liveRun) {
	e.mu.Lock()
	delete(e.live, l.runID)
	e.mu.Unlock()
	close(l.done)
}

func (e *Engine) liveRun(runID string) *liveRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[runID]
}

func (e *Engine) isLive(runID string) bool { return e.liveRun(runID) != nil }

// save persists run, retrying storage failures with backoff. Conflicts are
// returned immediately.
func (e *Engine) save(ctx context.Context, run *store.RunState) error {
	ctx = context.WithoutCancel(ctx)
	run.UpdatedAt = e.clock.Now()
	policy := BackoffPolicy{BaseDelay: e.cfg.StorageRetry.BaseDelay, Multiplier: 2, Cap: e.cfg.StorageRetry.MaxDelay}
	var err error
	for attempt := 0; attempt < e.cfg.StorageRetry.Attempts; attempt++ {
		if attempt > 0 {
			e.metrics.StorageRetry()
			time.Sleep(ComputeBackoff(policy, attempt-1, nil))
		}
		err = e.store.Save(ctx, run)
		if err == nil || schema.IsConflict(err) || schema.IsNotFound(err) {
			return err
		}
		e.logger.Warn("save run failed", "run_id", run.RunID, "attempt", attempt+1, "error", err)
	}
	if !schema.IsStorageError(err) {
		err = schema.NewErrorf(schema.ErrCodeStorage, "save run %s: %v", run.RunID, err).WithCause(err)
	}
	return err
}

func (e *Engine) appendEvents(ctx context.Context, events []*store.Event) {
	ctx = context.WithoutCancel(ctx)
	now := e.clock.Now()
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		if err := e.store.AppendEvent(ctx, ev); err != nil {
			e.logger.Warn("append event failed", "run_id", ev.RunID, "event", ev.Type, "error", err)
		}
	}
}

// restoreBreakers seeds the registry from the run's persisted snapshots.
func (e *Engine) restoreBreakers(def *Definition, run *store.RunState) {
	for _, name := range def.Sorted {
		spec := def.Steps[name]
		key := spec.BreakerKey
		if snap, ok := run.Breakers[key]; ok {
			e.breakers.Restore(snap, spec.Breaker)
		}
	}
}
