package store

import (
	"context"
	"fmt"

	"github.com/rendis/healflow/pkg/schema"
)

// stepEventStatus maps step events to the status they leave the step in.
var stepEventStatus = map[string]schema.StepStatus{
	schema.EventStepReady:     schema.StepStatusReady,
	schema.EventStepStarted:   schema.StepStatusRunning,
	schema.EventStepSucceeded: schema.StepStatusSucceeded,
	schema.EventStepFailed:    schema.StepStatusFailed,
	schema.EventStepRetrying:  schema.StepStatusRetrying,
	schema.EventStepSkipped:   schema.StepStatusSkipped,
	schema.EventStepEscalated: schema.StepStatusEscalated,
	schema.EventStepReset:     schema.StepStatusPending,
}

// Timeline is a run's history reconstructed from its event log.
type Timeline struct {
	RunStatus schema.RunStatus
	Steps     map[string]schema.StepStatus
	Attempts  map[string]int
	Events    int
}

// ReplayEvents rebuilds step statuses from the event log. It fails when the
// sequence has gaps, which means events were lost.
func ReplayEvents(ctx context.Context, s Store, runID string) (*Timeline, error) {
	events, err := s.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	tl := &Timeline{
		Steps:    make(map[string]schema.StepStatus),
		Attempts: make(map[string]int),
		Events:   len(events),
	}
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStorage,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}

		switch e.Type {
		case schema.EventRunStarted, schema.EventRunResumed:
			tl.RunStatus = schema.RunStatusRunning
		case schema.EventRunSucceeded:
			tl.RunStatus = schema.RunStatusSucceeded
		case schema.EventRunFailed:
			tl.RunStatus = schema.RunStatusFailed
		case schema.EventRunEscalated:
			tl.RunStatus = schema.RunStatusEscalated
		case schema.EventRunCancelled:
			tl.RunStatus = schema.RunStatusCancelled
		}

		if e.Step == "" {
			continue
		}
		if st, ok := stepEventStatus[e.Type]; ok {
			tl.Steps[e.Step] = st
		}
		if e.Type == schema.EventStepStarted {
			tl.Attempts[e.Step]++
		}
	}
	return tl, nil
}
