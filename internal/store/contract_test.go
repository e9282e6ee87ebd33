package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/healflow/pkg/schema"
)

func pipelineDef() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Name: "pipeline",
		Steps: []schema.StepDefinition{
			{Name: "extract"},
			{Name: "transform", DependsOn: []string{"extract"}},
			{Name: "load", DependsOn: []string{"transform"}},
		},
	}
}

func newRun() *RunState {
	return NewRunState(uuid.New().String(), pipelineDef(), time.Now().UTC().Truncate(time.Millisecond))
}

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SaveAndLoad", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newRun()

		require.NoError(t, s.Save(ctx, run))
		assert.Equal(t, int64(1), run.Version)

		got, err := s.Load(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, run.RunID, got.RunID)
		assert.Equal(t, "pipeline", got.DefinitionName)
		assert.Equal(t, schema.RunStatusRunning, got.Status)
		assert.Equal(t, int64(1), got.Version)
		require.Len(t, got.Steps, 3)
		assert.Equal(t, schema.StepStatusPending, got.Steps["load"].Status)
		assert.Len(t, got.Definition.Steps, 3)
	})

	t.Run("LoadNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, schema.IsNotFound(err))
	})

	t.Run("VersionConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newRun()
		require.NoError(t, s.Save(ctx, run))

		stale, err := s.Load(ctx, run.RunID)
		require.NoError(t, err)

		run.Steps["extract"].Status = schema.StepStatusRunning
		require.NoError(t, s.Save(ctx, run))
		assert.Equal(t, int64(2), run.Version)

		stale.Steps["extract"].Status = schema.StepStatusSkipped
		err = s.Save(ctx, stale)
		require.Error(t, err)
		assert.True(t, schema.IsConflict(err))
		assert.Equal(t, int64(1), stale.Version, "failed save must not bump the version")

		got, err := s.Load(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, schema.StepStatusRunning, got.Steps["extract"].Status)
	})

	t.Run("DuplicateInsertConflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newRun()
		require.NoError(t, s.Save(ctx, run))

		dup := run.Clone()
		dup.Version = 0
		err := s.Save(ctx, dup)
		assert.True(t, schema.IsConflict(err))
	})

	t.Run("ListActive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, b := newRun(), newRun()
		b.StartedAt = a.StartedAt.Add(time.Second)
		require.NoError(t, s.Save(ctx, a))
		require.NoError(t, s.Save(ctx, b))

		ids, err := s.ListActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{a.RunID, b.RunID}, ids)

		now := time.Now().UTC()
		a.Status = schema.RunStatusSucceeded
		a.FinishedAt = &now
		require.NoError(t, s.Save(ctx, a))

		ids, err = s.ListActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{b.RunID}, ids)
	})

	t.Run("UpdateRetriesOnConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := newRun()
		require.NoError(t, s.Save(ctx, run))

		var wg sync.WaitGroup
		for _, name := range []string{"extract", "transform", "load"} {
			wg.Add(1)
			go func(step string) {
				defer wg.Done()
				_, err := Update(ctx, s, run.RunID, func(r *RunState) error {
					r.Steps[step].AttemptCount++
					return nil
				})
				assert.NoError(t, err)
			}(name)
		}
		wg.Wait()

		got, err := s.Load(ctx, run.RunID)
		require.NoError(t, err)
		for _, name := range []string{"extract", "transform", "load"} {
			assert.Equal(t, 1, got.Steps[name].AttemptCount, name)
		}
		assert.Equal(t, int64(4), got.Version)
	})

	t.Run("Events", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		runID := uuid.New().String()

		for _, typ := range []string{schema.EventRunStarted, schema.EventStepStarted, schema.EventStepSucceeded} {
			e := &Event{RunID: runID, Type: typ}
			if typ != schema.EventRunStarted {
				e.Step = "extract"
				e.Payload = []byte(`{"attempt":1}`)
			}
			require.NoError(t, s.AppendEvent(ctx, e))
		}

		all, err := s.GetEvents(ctx, runID, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, e := range all {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
		assert.Equal(t, "extract", all[1].Step)
		assert.JSONEq(t, `{"attempt":1}`, string(all[1].Payload))

		tail, err := s.GetEvents(ctx, runID, 2)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, schema.EventStepSucceeded, tail[0].Type)

		none, err := s.GetEvents(ctx, "other", 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}
