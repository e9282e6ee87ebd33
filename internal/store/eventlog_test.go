package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/healflow/pkg/schema"
)

func TestReplayEvents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	runID := "run-1"

	seq := []Event{
		{Type: schema.EventRunStarted},
		{Step: "extract", Type: schema.EventStepReady},
		{Step: "extract", Type: schema.EventStepStarted},
		{Step: "extract", Type: schema.EventStepFailed},
		{Step: "extract", Type: schema.EventRecoveryPlanned},
		{Step: "extract", Type: schema.EventStepRetrying},
		{Step: "extract", Type: schema.EventStepReady},
		{Step: "extract", Type: schema.EventStepStarted},
		{Step: "extract", Type: schema.EventStepSucceeded},
		{Step: "load", Type: schema.EventStepReady},
		{Step: "load", Type: schema.EventStepStarted},
		{Step: "load", Type: schema.EventStepFailed},
		{Step: "load", Type: schema.EventStepEscalated},
		{Type: schema.EventRunEscalated},
	}
	for i := range seq {
		e := seq[i]
		e.RunID = runID
		require.NoError(t, s.AppendEvent(ctx, &e))
	}

	tl, err := ReplayEvents(ctx, s, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusEscalated, tl.RunStatus)
	assert.Equal(t, schema.StepStatusSucceeded, tl.Steps["extract"])
	assert.Equal(t, schema.StepStatusEscalated, tl.Steps["load"])
	assert.Equal(t, 2, tl.Attempts["extract"])
	assert.Equal(t, 1, tl.Attempts["load"])
	assert.Equal(t, len(seq), tl.Events)
}

func TestReplayEvents_Empty(t *testing.T) {
	tl, err := ReplayEvents(context.Background(), NewMemoryStore(), "none")
	require.NoError(t, err)
	assert.Empty(t, tl.Steps)
	assert.Equal(t, 0, tl.Events)
}

func TestReplayEvents_SequenceGap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r", Type: schema.EventRunStarted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r", Type: schema.EventRunFailed}))
	s.events["r"][1].Sequence = 5

	_, err := ReplayEvents(ctx, s, "r")
	require.Error(t, err)
	assert.True(t, schema.IsStorageError(err))
}

func TestRunState_SummaryAndClone(t *testing.T) {
	run := newRun()
	run.Steps["extract"].Status = schema.StepStatusSucceeded
	run.Steps["extract"].Output = []byte(`{"rows":10}`)
	run.Steps["transform"].Status = schema.StepStatusEscalated
	run.Steps["transform"].RecordError(ErrorRecord{RawMessage: "deadline exceeded", Kind: schema.KindTimeout})
	run.Status = schema.RunStatusEscalated

	sum := run.Summary()
	assert.Equal(t, "pipeline", sum.WorkflowName)
	assert.JSONEq(t, `{"rows":10}`, string(sum.Results["extract"]))
	assert.Equal(t, "deadline exceeded", sum.Errors["transform"])
	assert.Equal(t, []string{"transform"}, sum.Escalated)

	cp := run.Clone()
	cp.Steps["extract"].Status = schema.StepStatusFailed
	assert.Equal(t, schema.StepStatusSucceeded, run.Steps["extract"].Status)
}

func TestStepState_RecordErrorBoundsHistory(t *testing.T) {
	st := &StepState{Name: "x"}
	for i := 1; i <= maxErrorHistory+3; i++ {
		st.RecordError(ErrorRecord{RawMessage: "fail", AttemptNumber: i})
	}
	require.Len(t, st.Errors, maxErrorHistory)
	assert.Equal(t, 4, st.Errors[0].AttemptNumber)
	assert.Equal(t, maxErrorHistory+3, st.LastError.AttemptNumber)
	assert.Len(t, st.History(), maxErrorHistory)
}
