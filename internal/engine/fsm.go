package engine

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/rendis/healflow/internal/store"
	"github.com/rendis/healflow/pkg/schema"
)

// ValidStepTransitions lists the allowed step status changes.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusReady, schema.StepStatusSkipped},
	schema.StepStatusReady:     {schema.StepStatusRunning, schema.StepStatusPending},
	schema.StepStatusRunning:   {schema.StepStatusSucceeded, schema.StepStatusFailed, schema.StepStatusRetrying},
	schema.StepStatusFailed:    {schema.StepStatusRetrying, schema.StepStatusSkipped, schema.StepStatusEscalated},
	schema.StepStatusRetrying:  {schema.StepStatusReady, schema.StepStatusSkipped},
	schema.StepStatusEscalated: {schema.StepStatusRetrying, schema.StepStatusSkipped},
	schema.StepStatusSucceeded: {},
	schema.StepStatusSkipped:   {},
}

// ValidRunTransitions lists the allowed run status changes. Escalated runs
// go back to Running when an escalation is resolved.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning:   {schema.RunStatusSucceeded, schema.RunStatusFailed, schema.RunStatusEscalated, schema.RunStatusCancelled},
	schema.RunStatusEscalated: {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusSucceeded: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	return slices.Contains(ValidStepTransitions[from], to)
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusReady:
		return schema.EventStepReady
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusSucceeded:
		return schema.EventStepSucceeded
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusRetrying:
		return schema.EventStepRetrying
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusEscalated:
		return schema.EventStepEscalated
	case schema.StepStatusPending:
		return schema.EventStepReset
	default:
		return ""
	}
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunResumed
	case schema.RunStatusSucceeded:
		return schema.EventRunSucceeded
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusEscalated:
		return schema.EventRunEscalated
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

// transitions mutates a RunState under the transition tables and collects
// the events the changes produce. Events are appended only after the state
// they describe has been saved.
type transitions struct {
	run     *store.RunState
	pending []*store.Event
}

func newTransitions(run *store.RunState) *transitions {
	return &transitions{run: run}
}

func (t *transitions) step(name string, to schema.StepStatus, payload map[string]any) error {
	st := t.run.Steps[name]
	if st == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not in run", name).WithStep(name)
	}
	if !isValidStepTransition(st.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", st.Status, to).
			WithStep(name).
			WithDetails(map[string]any{"run_id": t.run.RunID, "from": string(st.Status), "to": string(to)})
	}
	from := st.Status
	st.Status = to
	if payload == nil {
		payload = map[string]any{}
	}
	payload["from"] = string(from)
	t.emit(name, stepEventType(to), payload)
	return nil
}

func (t *transitions) runStatus(to schema.RunStatus, now time.Time, payload map[string]any) error {
	from := t.run.Status
	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": t.run.RunID, "from": string(from), "to": string(to)})
	}
	t.run.Status = to
	if to.Terminal() {
		t.run.FinishedAt = &now
	} else {
		t.run.FinishedAt = nil
	}
	t.emit("", runEventType(to), payload)
	return nil
}

func (t *transitions) emit(step, eventType string, payload map[string]any) {
	if eventType == "" {
		return
	}
	var raw json.RawMessage
	if len(payload) > 0 {
		raw, _ = json.Marshal(payload)
	}
	t.pending = append(t.pending, &store.Event{
		RunID:   t.run.RunID,
		Step:    step,
		Type:    eventType,
		Payload: raw,
	})
}

// drain returns and clears the collected events.
func (t *transitions) drain() []*store.Event {
	out := t.pending
	t.pending = nil
	return out
}
