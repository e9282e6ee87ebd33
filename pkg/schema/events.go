package schema

// Event type constants for the per-run event log.
const (
	EventRunStarted   = "run_started"
	EventRunResumed   = "run_resumed"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunEscalated = "run_escalated"
	EventRunCancelled = "run_cancelled"

	EventStepReady       = "step_ready"
	EventStepStarted     = "step_started"
	EventStepSucceeded   = "step_succeeded"
	EventStepFailed      = "step_failed"
	EventStepRetrying    = "step_retrying"
	EventStepSkipped     = "step_skipped"
	EventStepEscalated   = "step_escalated"
	EventStepSubstituted = "step_substituted"
	EventStepReset       = "step_reset"

	EventRecoveryPlanned    = "recovery_planned"
	EventEscalationResolved = "escalation_resolved"

	EventCircuitOpened   = "circuit_opened"
	EventCircuitHalfOpen = "circuit_half_open"
	EventCircuitClosed   = "circuit_closed"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusEscalated RunStatus = "escalated"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further work happens without operator action.
// Escalated is terminal for the run loop but can be resolved.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// Final reports whether the run can never progress again.
func (s RunStatus) Final() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusReady     StepStatus = "ready"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusEscalated StepStatus = "escalated"
)

// Satisfied reports whether dependents of a step in this status may run.
func (s StepStatus) Satisfied() bool {
	return s == StepStatusSucceeded || s == StepStatusSkipped
}

// CircuitState is the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)
