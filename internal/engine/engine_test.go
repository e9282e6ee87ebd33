package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rendis/healflow/internal/actions"
	"github.com/rendis/healflow/internal/metrics"
	"github.com/rendis/healflow/internal/store"
	"github.com/rendis/healflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEngine struct {
	*Engine
	store *store.MemoryStore
}

func newTestEngine(t *testing.T, deps Deps, hs ...actions.Handler) *testEngine {
	t.Helper()
	return newWrappedEngine(t, deps, nil, hs...)
}

// newWrappedEngine is newTestEngine with the engine's store wrapped.
func newWrappedEngine(t *testing.T, deps Deps, wrap func(store.Store) store.Store, hs ...actions.Handler) *testEngine {
	t.Helper()
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.HTTPConfig{}))
	reg.MustRegister(hs...)

	ms := store.NewMemoryStore()
	deps.Store = ms
	if wrap != nil {
		deps.Store = wrap(ms)
	}
	deps.Handlers = reg
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	e, err := New(Config{GracePeriod: 50 * time.Millisecond, Seed: 1}, deps)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return &testEngine{Engine: e, store: ms}
}

// fast is a step with small delays so scenarios finish quickly.
func fast(name, handler string, deps ...string) schema.StepDefinition {
	jitter := false
	return schema.StepDefinition{
		Name:      name,
		Handler:   handler,
		DependsOn: deps,
		Timeout:   "2s",
		Backoff:   &schema.BackoffPolicy{BaseDelay: "10ms", Cap: "100ms", Jitter: &jitter},
	}
}

func pipeline(steps ...schema.StepDefinition) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{Name: "data_pipeline", Steps: steps}
}

func eventTypes(t *testing.T, te *testEngine, runID string) []string {
	t.Helper()
	events, err := te.store.GetEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// flakyStore fails the next failures saves.
type flakyStore struct {
	store.Store
	failures atomic.Int32
	failed   atomic.Int32
}

func (f *flakyStore) Save(ctx context.Context, run *store.RunState) error {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		f.failed.Add(1)
		return errors.New("database is locked")
	}
	return f.Store.Save(ctx, run)
}

// auditStore records persisted states of a running run that break the
// dispatch and recovery rules.
type auditStore struct {
	store.Store
	mu         sync.Mutex
	violations []string
}

func (a *auditStore) Save(ctx context.Context, run *store.RunState) error {
	if run.Status == schema.RunStatusRunning {
		a.check(run)
	}
	return a.Store.Save(ctx, run)
}

func (a *auditStore) check(run *store.RunState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sd := range run.Definition.Steps {
		st := run.Steps[sd.Name]
		switch st.Status {
		case schema.StepStatusRunning:
			for _, dep := range sd.DependsOn {
				if ds := run.Steps[dep].Status; ds != schema.StepStatusSucceeded && ds != schema.StepStatusSkipped {
					a.violations = append(a.violations, sd.Name+" running while "+dep+" is "+string(ds))
				}
			}
		case schema.StepStatusFailed:
			if st.SubstitutedBy == "" {
				a.violations = append(a.violations, sd.Name+" saved failed without a recovery action")
			}
		}
	}
}

func (a *auditStore) Violations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.violations...)
}

func count(list []string, v string) int {
	n := 0
	for _, s := range list {
		if s == v {
			n++
		}
	}
	return n
}

func TestEngine_HealsTransientFailures(t *testing.T) {
	var calls atomic.Int32
	extract := fn("extract", func(_ context.Context, in actions.Input) (*actions.Output, error) {
		calls.Add(1)
		if in.Attempt < 3 {
			return nil, schema.StepFailure(schema.KindTransient, "source busy")
		}
		return actions.JSONOutput(map[string]int{"rows": 42})
	})
	te := newTestEngine(t, Deps{}, extract)

	run, err := te.Execute(context.Background(), pipeline(
		fast("extract", "extract"),
		fast("transform", "noop", "extract"),
		fast("load", "noop", "transform"),
	))
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.NotNil(t, run.FinishedAt)
	ex := run.Steps["extract"]
	assert.Equal(t, schema.StepStatusSucceeded, ex.Status)
	assert.Equal(t, 3, ex.AttemptCount)
	assert.Len(t, ex.Errors, 2)
	assert.Equal(t, schema.KindTransient, ex.Errors[0].Kind)
	assert.Equal(t, SourceLocal, ex.Errors[0].Source)
	assert.JSONEq(t, `{"rows":42}`, string(ex.Output))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, schema.StepStatusSucceeded, run.Steps["load"].Status)

	types := eventTypes(t, te, run.RunID)
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Equal(t, schema.EventRunSucceeded, types[len(types)-1])
	assert.Equal(t, 2, count(types, schema.EventStepRetrying))
	assert.Equal(t, 2, count(types, schema.EventRecoveryPlanned))

	stored, err := te.store.Load(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.Version, stored.Version)

	active, err := te.store.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestEngine_InvalidInputAborts(t *testing.T) {
	transform := fn("transform", func(context.Context, actions.Input) (*actions.Output, error) {
		return nil, schema.StepFailure(schema.KindInvalidInput, "column order_id missing")
	})
	te := newTestEngine(t, Deps{}, transform)

	run, err := te.Execute(context.Background(), pipeline(
		fast("extract", "noop"),
		fast("transform", "transform", "extract"),
		fast("load", "noop", "transform"),
	))
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Contains(t, run.FailureReason, "transform")
	assert.Equal(t, schema.StepStatusSucceeded, run.Steps["extract"].Status)
	assert.Equal(t, schema.StepStatusFailed, run.Steps["transform"].Status)
	assert.Equal(t, 1, run.Steps["transform"].AttemptCount)
	assert.Equal(t, schema.StepStatusPending, run.Steps["load"].Status)

	sum := run.Summary()
	assert.Equal(t, "column order_id missing", sum.Errors["transform"])
}

func TestEngine_BackendClassification(t *testing.T) {
	backend := answer("invalid_input", 0.95)
	load := fn("load", func(context.Context, actions.Input) (*actions.Output, error) {
		return nil, errors.New("warehouse rejected 12 rows")
	})
	te := newTestEngine(t, Deps{Classifier: backend}, load)

	run, err := te.Execute(context.Background(), pipeline(fast("load", "load")))
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	last := run.Steps["load"].LastError
	require.NotNil(t, last)
	assert.Equal(t, SourceBackend, last.Source)
	assert.Equal(t, 0.95, last.Confidence)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestEngine_TimeoutEscalatesThenSkip(t *testing.T) {
	slow := fn("slow", func(ctx context.Context, _ actions.Input) (*actions.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	te := newTestEngine(t, Deps{}, slow)

	extract := fast("extract", "slow")
	extract.Timeout = "20ms"
	extract.MaxAttempts = 2
	doc := pipeline(extract, fast("transform", "noop", "extract"))

	run, err := te.Execute(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusEscalated, run.Status)
	assert.Equal(t, schema.StepStatusEscalated, run.Steps["extract"].Status)
	assert.Equal(t, 2, run.Steps["extract"].AttemptCount)
	assert.Equal(t, schema.KindTimeout, run.Steps["extract"].LastError.Kind)
	assert.Equal(t, schema.StepStatusPending, run.Steps["transform"].Status)
	assert.Equal(t, []string{"extract"}, run.Summary().Escalated)

	_, err = te.ResolveEscalation(context.Background(), run.RunID, "transform", schema.DecisionSkip)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	run, err = te.ResolveEscalation(context.Background(), run.RunID, "extract", schema.DecisionSkip)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.Equal(t, schema.StepStatusSkipped, run.Steps["extract"].Status)
	assert.True(t, run.Steps["extract"].SatisfiedBySkip)
	assert.Equal(t, schema.StepStatusSucceeded, run.Steps["transform"].Status)

	types := eventTypes(t, te, run.RunID)
	assert.Contains(t, types, schema.EventEscalationResolved)
	assert.Contains(t, types, schema.EventRunEscalated)
}

func TestEngine_ResolveRetryGrantsAttempts(t *testing.T) {
	var healthy atomic.Bool
	flaky := fn("flaky", func(context.Context, actions.Input) (*actions.Output, error) {
		if healthy.Load() {
			return actions.JSONOutput("ok")
		}
		return nil, schema.StepFailure(schema.KindTransient, "still down")
	})
	te := newTestEngine(t, Deps{}, flaky)

	s := fast("extract", "flaky")
	s.MaxAttempts = 1
	run, err := te.Execute(context.Background(), pipeline(s))
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusEscalated, run.Status)

	healthy.Store(true)
	run, err = te.ResolveEscalation(context.Background(), run.RunID, "extract", schema.DecisionRetry)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.Equal(t, 2, run.Steps["extract"].AttemptCount)
	assert.Equal(t, 2, run.Steps["extract"].AttemptLimit)
}

func TestEngine_ResolveAbort(t *testing.T) {
	bad := fn("bad", func(context.Context, actions.Input) (*actions.Output, error) {
		return nil, schema.StepFailure(schema.KindUnknown, "???")
	})
	te := newTestEngine(t, Deps{}, bad)

	run, err := te.Execute(context.Background(), pipeline(fast("extract", "bad")))
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusEscalated, run.Status)

	run, err = te.ResolveEscalation(context.Background(), run.RunID, "extract", schema.DecisionAbort)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, FailureOperatorAbort, run.FailureReason)
}

func TestEngine_ResumeAfterCrash(t *testing.T) {
	var extractCalls, transformCalls atomic.Int32
	extract := fn("extract", func(context.Context, actions.Input) (*actions.Output, error) {
		extractCalls.Add(1)
		return actions.JSONOutput("rows")
	})
	transform := fn("transform", func(_ context.Context, in actions.Input) (*actions.Output, error) {
		transformCalls.Add(1)
		return actions.JSONOutput(map[string]any{"attempt": in.Attempt, "upstream": in.Upstream["extract"]})
	})
	te := newTestEngine(t, Deps{}, extract, transform)

	doc := pipeline(fast("extract", "extract"), fast("transform", "transform", "extract"))
	now := time.Now().UTC()
	crashed := store.NewRunState("crashed-run", *doc, now)
	crashed.Steps["extract"].Status = schema.StepStatusSucceeded
	crashed.Steps["extract"].AttemptCount = 1
	crashed.Steps["extract"].Output = json.RawMessage(`"rows"`)
	crashed.Steps["transform"].Status = schema.StepStatusRunning
	crashed.Steps["transform"].AttemptCount = 1
	crashed.Steps["transform"].StartedAt = &now
	require.NoError(t, te.store.Save(context.Background(), crashed))

	run, err := te.Resume(context.Background(), "crashed-run")
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.Zero(t, extractCalls.Load())
	assert.Equal(t, int32(1), transformCalls.Load())
	tr := run.Steps["transform"]
	assert.Equal(t, 2, tr.AttemptCount)
	require.Len(t, tr.Errors, 1)
	assert.Equal(t, SourceResume, tr.Errors[0].Source)
	assert.JSONEq(t, `{"attempt":2,"upstream":"rows"}`, string(tr.Output))

	// Resuming a finished run changes nothing.
	again, err := te.Resume(context.Background(), "crashed-run")
	require.NoError(t, err)
	assert.Equal(t, run.Version, again.Version)
}

func TestEngine_ResumePlansFailedStep(t *testing.T) {
	var extractCalls atomic.Int32
	extract := fn("extract", func(context.Context, actions.Input) (*actions.Output, error) {
		extractCalls.Add(1)
		return actions.JSONOutput("rows")
	})
	te := newTestEngine(t, Deps{}, extract)

	doc := pipeline(fast("extract", "extract"), fast("transform", "noop", "extract"))
	now := time.Now().UTC()
	crashed := store.NewRunState("failed-unplanned", *doc, now)
	ex := crashed.Steps["extract"]
	ex.Status = schema.StepStatusFailed
	ex.AttemptCount = 1
	ex.FinishedAt = &now
	ex.RecordError(store.ErrorRecord{RawMessage: "connection reset", Kind: schema.KindTransient, OccurredAt: now, AttemptNumber: 1})
	require.NoError(t, te.store.Save(context.Background(), crashed))

	run, err := te.Resume(context.Background(), "failed-unplanned")
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.Equal(t, int32(1), extractCalls.Load())
	assert.Equal(t, 2, run.Steps["extract"].AttemptCount)
	assert.Equal(t, schema.StepStatusSucceeded, run.Steps["transform"].Status)
	assert.Equal(t, 1, count(eventTypes(t, te, run.RunID), schema.EventRecoveryPlanned))
}

func TestEngine_ResumeEscalatesExhaustedFailedStep(t *testing.T) {
	te := newTestEngine(t, Deps{})

	doc := pipeline(fast("extract", "noop"), fast("transform", "noop", "extract"))
	now := time.Now().UTC()
	crashed := store.NewRunState("failed-exhausted", *doc, now)
	ex := crashed.Steps["extract"]
	ex.Status = schema.StepStatusFailed
	ex.AttemptCount = DefaultMaxAttempts
	ex.RecordError(store.ErrorRecord{RawMessage: "deadline", Kind: schema.KindTimeout, OccurredAt: now, AttemptNumber: DefaultMaxAttempts})
	require.NoError(t, te.store.Save(context.Background(), crashed))

	run, err := te.Resume(context.Background(), "failed-exhausted")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusEscalated, run.Status)
	assert.Equal(t, schema.StepStatusEscalated, run.Steps["extract"].Status)
	assert.Equal(t, schema.StepStatusPending, run.Steps["transform"].Status)
}

func TestEngine_RecoveryAndDispatchInvariants(t *testing.T) {
	var audit *auditStore
	var calls sync.Map
	flaky := func(name string, deps ...string) actions.Handler {
		return fn(name, func(_ context.Context, in actions.Input) (*actions.Output, error) {
			for _, dep := range deps {
				if _, ok := in.Upstream[dep]; !ok {
					return nil, schema.StepFailure(schema.KindInvalidInput, "%s started without %s", name, dep)
				}
			}
			n, _ := calls.LoadOrStore(name, new(atomic.Int32))
			if n.(*atomic.Int32).Add(1) == 1 {
				return nil, schema.StepFailure(schema.KindTransient, "%s: connection reset", name)
			}
			return actions.JSONOutput(name)
		})
	}
	te := newWrappedEngine(t, Deps{}, func(s store.Store) store.Store {
		audit = &auditStore{Store: s}
		return audit
	}, flaky("a"), flaky("b", "a"), flaky("c", "a"), flaky("d", "b", "c"))

	run, err := te.Execute(context.Background(), pipeline(
		fast("a", "a"), fast("b", "b", "a"), fast("c", "c", "a"), fast("d", "d", "b", "c"),
	))
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	for _, name := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 2, run.Steps[name].AttemptCount, name)
	}
	assert.Empty(t, audit.Violations())
}

func TestEngine_StorageRetryRecovers(t *testing.T) {
	var flaky *flakyStore
	extract := fn("extract", func(context.Context, actions.Input) (*actions.Output, error) {
		flaky.failures.Store(2)
		return actions.JSONOutput("rows")
	})
	te := newWrappedEngine(t, Deps{}, func(s store.Store) store.Store {
		flaky = &flakyStore{Store: s}
		return flaky
	}, extract)

	run, err := te.Execute(context.Background(), pipeline(fast("extract", "extract")))
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.Equal(t, int32(2), flaky.failed.Load())

	stored, err := te.store.Load(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, stored.Status)
}

func TestEngine_StorageUnavailable(t *testing.T) {
	var flaky *flakyStore
	extract := fn("extract", func(context.Context, actions.Input) (*actions.Output, error) {
		// One more than the retry budget; the outage is over when the
		// engine records the failure.
		flaky.failures.Store(3)
		return actions.JSONOutput("rows")
	})
	te := newWrappedEngine(t, Deps{}, func(s store.Store) store.Store {
		flaky = &flakyStore{Store: s}
		return flaky
	}, extract)

	run, err := te.Execute(context.Background(), pipeline(fast("extract", "extract"), fast("load", "noop", "extract")))
	require.Error(t, err)
	assert.True(t, schema.IsStorageError(err))
	require.NotNil(t, run)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, int32(3), flaky.failed.Load())

	stored, err := te.store.Load(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, stored.Status)
	assert.Equal(t, FailureStorageUnavailable, stored.FailureReason)
	assert.NotNil(t, stored.FinishedAt)
	assert.False(t, te.isLive(run.RunID))
}

func TestEngine_LateSuccessAfterTimeoutEscalates(t *testing.T) {
	release := make(chan struct{})
	late := fn("late", func(context.Context, actions.Input) (*actions.Output, error) {
		<-release
		return actions.JSONOutput("late")
	})
	te := newTestEngine(t, Deps{}, late)
	defer close(release)

	sd := fast("extract", "late")
	sd.Timeout = "50ms"
	sd.MaxAttempts = 1
	run, err := te.Execute(context.Background(), pipeline(sd, fast("load", "noop", "extract")))
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusEscalated, run.Status)
	ex := run.Steps["extract"]
	assert.Equal(t, schema.StepStatusEscalated, ex.Status)
	assert.Nil(t, ex.Output)
	require.NotNil(t, ex.LastError)
	assert.Equal(t, schema.KindTimeout, ex.LastError.Kind)
	assert.Equal(t, schema.StepStatusPending, run.Steps["load"].Status)
}

func TestEngine_BreakersScopedByWorkflow(t *testing.T) {
	failing := fn("failing", func(context.Context, actions.Input) (*actions.Output, error) {
		return nil, schema.StepFailure(schema.KindTransient, "billing db down")
	})
	te := newTestEngine(t, Deps{}, failing)

	billing := fast("extract", "failing")
	billing.MaxAttempts = 1
	billing.CircuitBreaker = &schema.CircuitBreakerPolicy{FailureThreshold: 1, OpenDuration: "1m"}
	run, err := te.Execute(context.Background(), &schema.WorkflowDefinition{Name: "billing", Steps: []schema.StepDefinition{billing}})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusEscalated, run.Status)
	require.Contains(t, run.Breakers, "step:billing/extract")
	assert.Equal(t, schema.CircuitOpen, run.Breakers["step:billing/extract"].State)

	start := time.Now()
	run, err = te.Execute(context.Background(), &schema.WorkflowDefinition{Name: "inventory", Steps: []schema.StepDefinition{fast("extract", "noop")}})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.Less(t, time.Since(start), 30*time.Second)
	assert.Equal(t, 1, run.Steps["extract"].AttemptCount)
	assert.NotContains(t, run.Breakers, "step:billing/extract")
}

func TestEngine_RecoverActive(t *testing.T) {
	te := newTestEngine(t, Deps{})
	doc := pipeline(fast("a", "noop"), fast("b", "noop", "a"))
	for _, id := range []string{"r1", "r2"} {
		require.NoError(t, te.store.Save(context.Background(), store.NewRunState(id, *doc, time.Now().UTC())))
	}

	runs, err := te.RecoverActive(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r1", runs[0].RunID)
	for _, r := range runs {
		assert.Equal(t, schema.RunStatusSucceeded, r.Status)
	}
}

func TestEngine_Cancel(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	block := fn("block", func(ctx context.Context, _ actions.Input) (*actions.Output, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	te := newTestEngine(t, Deps{}, block)

	s := fast("extract", "block")
	s.Timeout = "1m"
	runID, err := te.Start(context.Background(), pipeline(s, fast("transform", "noop", "extract")))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("step never started")
	}

	run, err := te.Cancel(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, run.Status)
	assert.Equal(t, schema.StepStatusFailed, run.Steps["extract"].Status)
	assert.Equal(t, "step cancelled", run.Steps["extract"].LastError.RawMessage)
	assert.Equal(t, schema.StepStatusPending, run.Steps["transform"].Status)

	again, err := te.Cancel(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, run.Version, again.Version)
}

func TestEngine_CancelStoredRun(t *testing.T) {
	te := newTestEngine(t, Deps{})
	doc := pipeline(fast("a", "noop"))
	r := store.NewRunState("stored", *doc, time.Now().UTC())
	r.Steps["a"].Status = schema.StepStatusRunning
	require.NoError(t, te.store.Save(context.Background(), r))

	run, err := te.Cancel(context.Background(), "stored")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, run.Status)
	assert.Equal(t, schema.StepStatusFailed, run.Steps["a"].Status)

	run, err = te.Resume(context.Background(), "stored")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, run.Status)
}

func TestEngine_SharedResourceBreaker(t *testing.T) {
	failing := fn("failing", func(context.Context, actions.Input) (*actions.Output, error) {
		return nil, schema.StepFailure(schema.KindTransient, "db unreachable")
	})
	te := newTestEngine(t, Deps{}, failing)

	shared := &schema.CircuitBreakerPolicy{FailureThreshold: 1, OpenDuration: "50ms", ResourceKey: "db"}
	a := fast("a_flaky", "failing")
	a.MaxAttempts = 1
	a.CircuitBreaker = shared
	b := fast("b_shared", "noop", "x_prep")
	b.CircuitBreaker = shared
	doc := pipeline(a, fast("x_prep", "noop"), b)
	doc.MaxConcurrency = 1

	run, err := te.Execute(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusEscalated, run.Status)
	assert.Equal(t, schema.StepStatusEscalated, run.Steps["a_flaky"].Status)
	assert.Equal(t, schema.StepStatusSucceeded, run.Steps["b_shared"].Status)
	assert.Equal(t, 1, run.Steps["b_shared"].AttemptCount)
	assert.False(t, run.Steps["b_shared"].StartedAt.Before(*run.Steps["a_flaky"].FinishedAt))

	require.Contains(t, run.Breakers, "resource:db")
	assert.Equal(t, schema.CircuitClosed, run.Breakers["resource:db"].State)

	types := eventTypes(t, te, run.RunID)
	assert.Equal(t, 1, count(types, schema.EventCircuitOpened))
	assert.Equal(t, 1, count(types, schema.EventCircuitClosed))
}

func TestEngine_Substitute(t *testing.T) {
	primary := fn("primary", func(context.Context, actions.Input) (*actions.Output, error) {
		return nil, schema.StepFailure(schema.KindDependencyFailure, "primary warehouse offline")
	})
	backup := fn("backup", func(context.Context, actions.Input) (*actions.Output, error) {
		return actions.JSONOutput(map[string]string{"target": "backup"})
	})
	var seen json.RawMessage
	report := fn("report", func(_ context.Context, in actions.Input) (*actions.Output, error) {
		seen = in.Upstream["load_primary"]
		return actions.JSONOutput("done")
	})
	te := newTestEngine(t, Deps{}, primary, backup, report)

	lp := fast("load_primary", "primary")
	lp.Substitute = "load_backup"
	run, err := te.Execute(context.Background(), pipeline(
		lp,
		fast("load_backup", "backup"),
		fast("report", "report", "load_primary"),
	))
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	orig := run.Steps["load_primary"]
	assert.Equal(t, schema.StepStatusSkipped, orig.Status)
	assert.Equal(t, "load_backup", orig.SubstitutedBy)
	assert.True(t, orig.SatisfiedBySkip)
	assert.True(t, run.Steps["load_backup"].Activated)
	assert.Equal(t, schema.StepStatusSucceeded, run.Steps["load_backup"].Status)
	assert.JSONEq(t, `{"target":"backup"}`, string(seen))
	assert.Contains(t, eventTypes(t, te, run.RunID), schema.EventStepSubstituted)
}

func TestEngine_UnusedAlternateSkipped(t *testing.T) {
	te := newTestEngine(t, Deps{})
	lp := fast("load_primary", "noop")
	lp.Substitute = "load_backup"
	run, err := te.Execute(context.Background(), pipeline(lp, fast("load_backup", "noop")))
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.Equal(t, schema.StepStatusSkipped, run.Steps["load_backup"].Status)
	assert.Zero(t, run.Steps["load_backup"].AttemptCount)
}

func TestEngine_OptionalDependencyFailureSkips(t *testing.T) {
	enrich := fn("enrich", func(context.Context, actions.Input) (*actions.Output, error) {
		return nil, schema.StepFailure(schema.KindDependencyFailure, "geo service gone")
	})
	te := newTestEngine(t, Deps{}, enrich)
	e := fast("enrich", "enrich")
	e.Optional = true
	run, err := te.Execute(context.Background(), pipeline(e, fast("load", "noop", "enrich")))
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.Equal(t, schema.StepStatusSkipped, run.Steps["enrich"].Status)
	assert.Equal(t, schema.StepStatusSucceeded, run.Steps["load"].Status)
}

func TestEngine_RecoveryRule(t *testing.T) {
	flaky := fn("flaky", func(context.Context, actions.Input) (*actions.Output, error) {
		return nil, schema.StepFailure(schema.KindUnknown, "schema drift detected")
	})
	te := newTestEngine(t, Deps{}, flaky)
	s := fast("extract", "flaky")
	s.Recovery = []schema.RecoveryRule{{When: `message.contains("schema drift")`, Action: "skip"}}

	run, err := te.Execute(context.Background(), pipeline(s, fast("load", "noop", "extract")))
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.Equal(t, schema.StepStatusSkipped, run.Steps["extract"].Status)
}

func TestEngine_ConcurrencyLimit(t *testing.T) {
	var running, peak atomic.Int32
	work := fn("work", func(context.Context, actions.Input) (*actions.Output, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	})
	te := newTestEngine(t, Deps{}, work)
	doc := pipeline(fast("a", "work"), fast("b", "work"), fast("c", "work"), fast("d", "work"), fast("e", "work"))
	doc.MaxConcurrency = 2

	run, err := te.Execute(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestEngine_DefinitionErrors(t *testing.T) {
	te := newTestEngine(t, Deps{})

	_, err := te.Execute(context.Background(), pipeline(fast("a", "ghost")))
	require.Error(t, err)
	assert.True(t, schema.IsDefinitionError(err))
	assert.Contains(t, err.Error(), "ghost")

	_, err = te.Execute(context.Background(), pipeline(fast("a", "noop", "b"), fast("b", "noop", "a")))
	assert.True(t, schema.IsDefinitionError(err))
}

func TestEngine_Status(t *testing.T) {
	te := newTestEngine(t, Deps{})
	run, err := te.Execute(context.Background(), pipeline(fast("a", "noop"), fast("b", "noop", "a")))
	require.NoError(t, err)

	rep, err := te.Status(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, rep.Summary.Status)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, rep.Levels)
	assert.False(t, rep.Live)
	assert.Equal(t, DefaultPoolSize, rep.Pool.Size)
	assert.NotEmpty(t, rep.Events)
	assert.Contains(t, rep.Summary.Results, "a")

	_, err = te.Status(context.Background(), "missing")
	assert.True(t, schema.IsNotFound(err))
}

func TestEngine_Tracing(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	te := newTestEngine(t, Deps{Tracer: tp.Tracer("test")})
	_, err := te.Execute(context.Background(), pipeline(fast("a", "noop"), fast("b", "noop", "a")))
	require.NoError(t, err)

	names := map[string]int{}
	for _, s := range rec.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["healflow.run"])
	assert.Equal(t, 2, names["healflow.step"])
}
