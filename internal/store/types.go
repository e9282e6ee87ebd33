package store

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rendis/healflow/pkg/schema"
)

// maxErrorHistory bounds the per-step error history kept for classification.
const maxErrorHistory = 5

// RunState is the persisted record of one execution of a definition.
// The engine's coordinator is its only writer while the run is live.
type RunState struct {
	RunID          string                          `json:"run_id"`
	DefinitionName string                          `json:"definition_name"`
	Definition     schema.WorkflowDefinition       `json:"definition"`
	Status         schema.RunStatus                `json:"overall_status"`
	Steps          map[string]*StepState           `json:"step_states"`
	Breakers       map[string]*CircuitBreakerState `json:"breakers,omitempty"`
	FailureReason  string                          `json:"failure_reason,omitempty"`
	StartedAt      time.Time                       `json:"started_at"`
	FinishedAt     *time.Time                      `json:"finished_at,omitempty"`
	UpdatedAt      time.Time                       `json:"updated_at"`
	Version        int64                           `json:"version"`
}

// StepState is the execution state of a single step within a run.
type StepState struct {
	Name            string            `json:"name"`
	Status          schema.StepStatus `json:"status"`
	AttemptCount    int               `json:"attempt_count"`
	AttemptLimit    int               `json:"attempt_limit,omitempty"` // 0: use the step's max_attempts
	LastError       *ErrorRecord      `json:"last_error,omitempty"`
	Errors          []ErrorRecord     `json:"errors,omitempty"`
	NextRetryAt     *time.Time        `json:"next_retry_at,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
	DurationMs      int64             `json:"duration_ms,omitempty"`
	Output          json.RawMessage   `json:"output,omitempty"`
	Activated       bool              `json:"activated,omitempty"` // alternate steps only
	SubstitutedBy   string            `json:"substituted_by,omitempty"`
	SatisfiedBySkip bool              `json:"satisfied_by_skip,omitempty"`
}

// ErrorRecord captures one classified step failure.
type ErrorRecord struct {
	RawMessage      string           `json:"raw_message"`
	Kind            schema.ErrorKind `json:"error_kind"`
	OccurredAt      time.Time        `json:"occurred_at"`
	AttemptNumber   int              `json:"attempt_number"`
	Confidence      float64          `json:"confidence,omitempty"`
	Source          string           `json:"source,omitempty"` // local | backend | fallback | resume
	Recommendations []string         `json:"recommendations,omitempty"`
}

// CircuitBreakerState is the persisted snapshot of one breaker.
type CircuitBreakerState struct {
	Key                 string              `json:"key"`
	State               schema.CircuitState `json:"state"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	OpenedAt            *time.Time          `json:"opened_at,omitempty"`
}

// Event is an append-only record of a state transition.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// NewRunState creates a Running state with every step Pending.
func NewRunState(runID string, def schema.WorkflowDefinition, now time.Time) *RunState {
	run := &RunState{
		RunID:          runID,
		DefinitionName: def.Name,
		Definition:     def,
		Status:         schema.RunStatusRunning,
		Steps:          make(map[string]*StepState, len(def.Steps)),
		Breakers:       make(map[string]*CircuitBreakerState),
		StartedAt:      now,
		UpdatedAt:      now,
	}
	for _, s := range def.Steps {
		run.Steps[s.Name] = &StepState{Name: s.Name, Status: schema.StepStatusPending}
	}
	return run
}

// RecordError sets LastError and appends to the bounded history.
func (s *StepState) RecordError(rec ErrorRecord) {
	s.LastError = &rec
	s.Errors = append(s.Errors, rec)
	if len(s.Errors) > maxErrorHistory {
		s.Errors = s.Errors[len(s.Errors)-maxErrorHistory:]
	}
}

// History returns the raw messages of recent failures, oldest first.
func (s *StepState) History() []string {
	out := make([]string, 0, len(s.Errors))
	for _, e := range s.Errors {
		out = append(out, e.RawMessage)
	}
	return out
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *RunState) Clone() *RunState {
	b, err := json.Marshal(r)
	if err != nil {
		panic("store: marshal run state: " + err.Error())
	}
	var out RunState
	if err := json.Unmarshal(b, &out); err != nil {
		panic("store: unmarshal run state: " + err.Error())
	}
	return &out
}

// StepNames returns the run's step names sorted for stable output.
func (r *RunState) StepNames() []string {
	names := make([]string, 0, len(r.Steps))
	for n := range r.Steps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RunSummary is the operator-facing digest of a run.
type RunSummary struct {
	RunID        string                     `json:"run_id"`
	WorkflowName string                     `json:"workflow_name"`
	Status       schema.RunStatus           `json:"status"`
	Reason       string                     `json:"failure_reason,omitempty"`
	Results      map[string]json.RawMessage `json:"results"`
	Errors       map[string]string          `json:"errors"`
	Escalated    []string                   `json:"escalated,omitempty"`
	StartedAt    time.Time                  `json:"started_at"`
	CompletedAt  *time.Time                 `json:"completed_at,omitempty"`
}

// Summary collects step outputs and the last error of every failed step.
func (r *RunState) Summary() RunSummary {
	sum := RunSummary{
		RunID:        r.RunID,
		WorkflowName: r.DefinitionName,
		Status:       r.Status,
		Reason:       r.FailureReason,
		Results:      make(map[string]json.RawMessage),
		Errors:       make(map[string]string),
		StartedAt:    r.StartedAt,
		CompletedAt:  r.FinishedAt,
	}
	for _, name := range r.StepNames() {
		st := r.Steps[name]
		if st.Status == schema.StepStatusSucceeded && len(st.Output) > 0 {
			sum.Results[name] = st.Output
		}
		if st.LastError != nil && st.Status != schema.StepStatusSucceeded {
			sum.Errors[name] = st.LastError.RawMessage
		}
		if st.Status == schema.StepStatusEscalated {
			sum.Escalated = append(sum.Escalated, name)
		}
	}
	return sum
}
