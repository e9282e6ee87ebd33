package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeDefinition            = "DEFINITION_ERROR"
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeStep                  = "STEP_ERROR"
	ErrCodeStorage               = "STORAGE_ERROR"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeTimeout               = "TIMEOUT_ERROR"
	ErrCodeCircuitOpen           = "CIRCUIT_OPEN"
	ErrCodeCancelled             = "CANCELLED"
	ErrCodeClassificationTimeout = "CLASSIFICATION_TIMEOUT"
	ErrCodeHandlerNotFound       = "HANDLER_NOT_FOUND"
)

// FlowError is the structured error type for all healflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *FlowError) WithStep(step string) *FlowError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails merges key-value details into the error.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// StepFailure builds a step error that carries an explicit ErrorKind hint.
// Handlers return it when they already know why they failed; the analyzer
// trusts the hint and skips remote classification.
func StepFailure(kind ErrorKind, format string, args ...any) *FlowError {
	return NewErrorf(ErrCodeStep, format, args...).
		WithDetails(map[string]any{"error_kind": string(kind)})
}

// KindHint returns the ErrorKind carried by a StepFailure, if any.
func KindHint(err error) (ErrorKind, bool) {
	var fe *FlowError
	if !errors.As(err, &fe) || fe.Details == nil {
		return "", false
	}
	raw, ok := fe.Details["error_kind"].(string)
	if !ok {
		return "", false
	}
	return ParseErrorKind(raw)
}

// CodeOf returns the code of the first FlowError in err's chain, or "".
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsDefinitionError reports whether err is a malformed-definition failure.
func IsDefinitionError(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeDefinition || code == ErrCodeValidation
}

// IsStorageError reports whether err originates from the persistence backend.
func IsStorageError(err error) bool {
	return CodeOf(err) == ErrCodeStorage
}

// IsNotFound reports whether err is a missing-run failure.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsConflict reports whether err is an optimistic-concurrency conflict.
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}
