package schema

// WorkflowDefinition is the serializable workflow document.
// Operators provide it as JSON or YAML; the engine parses it into an
// immutable DAG before any run starts.
type WorkflowDefinition struct {
	Name           string           `json:"name" yaml:"name"`
	Description    string           `json:"description,omitempty" yaml:"description,omitempty"`
	Version        string           `json:"version,omitempty" yaml:"version,omitempty"`
	Steps          []StepDefinition `json:"steps" yaml:"steps"`
	MaxConcurrency int              `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	Name           string                `json:"name" yaml:"name"`
	Description    string                `json:"description,omitempty" yaml:"description,omitempty"`
	Handler        string                `json:"handler,omitempty" yaml:"handler,omitempty"` // registered handler name (default: step name)
	Params         map[string]any        `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn      []string              `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Timeout        string                `json:"timeout,omitempty" yaml:"timeout,omitempty"` // e.g. "30s", "5m"
	MaxAttempts    int                   `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Backoff        *BackoffPolicy        `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	CircuitBreaker *CircuitBreakerPolicy `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	Optional       bool                  `json:"optional,omitempty" yaml:"optional,omitempty"`
	Substitute     string                `json:"substitute,omitempty" yaml:"substitute,omitempty"` // alternate step run in place of this one
	Recovery       []RecoveryRule        `json:"recovery,omitempty" yaml:"recovery,omitempty"`
}

// BackoffPolicy configures retry delays for a step.
type BackoffPolicy struct {
	BaseDelay  string  `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Cap        string  `json:"cap,omitempty" yaml:"cap,omitempty"`
	Jitter     *bool   `json:"jitter,omitempty" yaml:"jitter,omitempty"` // default: true
}

// CircuitBreakerPolicy configures the breaker guarding a step. By default
// each step of a workflow has its own breaker. Steps that share a
// ResourceKey share one breaker, across workflows too; within a workflow
// they must agree on the values they set, and a step may leave them to the
// steps that set them. A shared breaker keeps the policy it was created
// with until the engine restarts.
type CircuitBreakerPolicy struct {
	FailureThreshold int    `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	OpenDuration     string `json:"open_duration,omitempty" yaml:"open_duration,omitempty"`
	ResourceKey      string `json:"resource_key,omitempty" yaml:"resource_key,omitempty"`
}

// RecoveryRule overrides the default recovery table for one step.
// When is a CEL expression over kind, attempts, max_attempts,
// attempts_remaining, optional, step and message.
type RecoveryRule struct {
	When   string `json:"when" yaml:"when"`
	Action string `json:"action" yaml:"action"`                   // retry | skip | substitute | escalate | abort
	Delay  string `json:"delay,omitempty" yaml:"delay,omitempty"` // retry only; default: computed backoff
}
