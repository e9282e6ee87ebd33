package schema

import (
	"fmt"
	"strings"
	"time"
)

// ErrorKind is the closed set of failure classes the analyzer assigns.
type ErrorKind string

const (
	KindTransient          ErrorKind = "transient"
	KindResourceExhaustion ErrorKind = "resource_exhaustion"
	KindInvalidInput       ErrorKind = "invalid_input"
	KindDependencyFailure  ErrorKind = "dependency_failure"
	KindTimeout            ErrorKind = "timeout"
	KindCircuitOpen        ErrorKind = "circuit_open"
	KindUnknown            ErrorKind = "unknown"
)

// ErrorKinds lists every ErrorKind in declaration order.
var ErrorKinds = []ErrorKind{
	KindTransient,
	KindResourceExhaustion,
	KindInvalidInput,
	KindDependencyFailure,
	KindTimeout,
	KindCircuitOpen,
	KindUnknown,
}

// ParseErrorKind accepts snake_case, CamelCase and spaced spellings
// ("ResourceExhaustion", "resource-exhaustion", "resource exhaustion").
func ParseErrorKind(s string) (ErrorKind, bool) {
	norm := normalizeKind(s)
	if norm == "" {
		return "", false
	}
	for _, k := range ErrorKinds {
		if normalizeKind(string(k)) == norm {
			return k, true
		}
	}
	return "", false
}

func normalizeKind(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if r == '_' || r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ActionKind enumerates recovery actions.
type ActionKind string

const (
	ActionRetry      ActionKind = "retry"
	ActionSkip       ActionKind = "skip"
	ActionSubstitute ActionKind = "substitute"
	ActionEscalate   ActionKind = "escalate"
	ActionAbort      ActionKind = "abort"
)

// ParseActionKind validates a recovery action name.
func ParseActionKind(s string) (ActionKind, error) {
	switch k := ActionKind(strings.ToLower(strings.TrimSpace(s))); k {
	case ActionRetry, ActionSkip, ActionSubstitute, ActionEscalate, ActionAbort:
		return k, nil
	}
	return "", NewErrorf(ErrCodeValidation, "unknown recovery action %q", s)
}

// RecoveryAction is the planner's decision for a classified failure.
type RecoveryAction struct {
	Kind      ActionKind    `json:"kind"`
	Delay     time.Duration `json:"delay,omitempty"`     // Retry only
	Alternate string        `json:"alternate,omitempty"` // Substitute only
	Counted   bool          `json:"counted"`             // whether the failed attempt consumed budget
	Reason    string        `json:"reason,omitempty"`
}

func (a RecoveryAction) String() string {
	switch a.Kind {
	case ActionRetry:
		return fmt.Sprintf("retry(%s)", a.Delay)
	case ActionSubstitute:
		return fmt.Sprintf("substitute(%s)", a.Alternate)
	}
	return string(a.Kind)
}

// Decision is an operator's answer to an escalated step.
type Decision string

const (
	DecisionRetry Decision = "retry"
	DecisionSkip  Decision = "skip"
	DecisionAbort Decision = "abort"
)

// ParseDecision validates an escalation decision.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionRetry, DecisionSkip, DecisionAbort:
		return d, nil
	}
	return "", NewErrorf(ErrCodeValidation, "invalid decision %q: must be retry, skip or abort", s)
}

// ClassificationRequest is sent to the external classification backend.
type ClassificationRequest struct {
	Message string                `json:"message"`
	Context ClassificationContext `json:"context"`
}

// ClassificationContext describes where a failure happened.
type ClassificationContext struct {
	Step          string   `json:"step_name"`
	AttemptCount  int      `json:"attempt_count"`
	RecentHistory []string `json:"recent_history,omitempty"`
}

// ClassificationResponse is the backend's verdict.
type ClassificationResponse struct {
	ErrorKind  string  `json:"error_kind"`
	Confidence float64 `json:"confidence"`
}
