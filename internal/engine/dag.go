package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/rendis/healflow/pkg/schema"
)

// Step defaults applied when a definition leaves a field empty.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxAttempts      = 3
	DefaultBaseDelay        = time.Second
	DefaultMultiplier       = 2.0
	DefaultBackoffCap       = time.Minute
	DefaultFailureThreshold = 5
	DefaultOpenDuration     = 30 * time.Second
	DefaultVersion          = "1.0.0"
)

// BackoffPolicy is the parsed retry delay configuration of a step.
type BackoffPolicy struct {
	BaseDelay  time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     bool
}

// BreakerPolicy is the parsed circuit breaker configuration of a step.
type BreakerPolicy struct {
	FailureThreshold int
	OpenDuration     time.Duration
	ResourceKey      string
}

// Key returns the breaker key for a step of a definition. Only a shared
// resource key reaches across definitions.
func (p BreakerPolicy) Key(definition, step string) string {
	if p.ResourceKey != "" {
		return "resource:" + p.ResourceKey
	}
	return "step:" + definition + "/" + step
}

// RecoveryRule is a parsed per-step override of the default recovery table.
type RecoveryRule struct {
	When   string
	Action schema.ActionKind
	Delay  time.Duration // 0: computed backoff
}

// StepSpec is the immutable, defaults-applied form of a step.
type StepSpec struct {
	Name        string
	Description string
	Handler     string
	Params      map[string]any
	DependsOn   []string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     BackoffPolicy
	Breaker     BreakerPolicy
	BreakerKey  string
	Optional    bool
	Substitute  string
	Recovery    []RecoveryRule
	Depth       int
}

// Definition is the parsed, validated DAG of a workflow. It is shared
// read-only by every run of the workflow.
type Definition struct {
	Name           string
	Description    string
	Version        string
	MaxConcurrency int
	Steps          map[string]*StepSpec
	Edges          map[string][]string // step → dependencies
	Reverse        map[string][]string // step → dependents
	Sorted         []string            // topological order
	Roots          []string
	Levels         [][]string // steps grouped by depth

	alternates map[string]string // alternate → step it stands in for
	doc        schema.WorkflowDefinition
}

// RuleChecker validates a recovery rule expression at load time.
type RuleChecker func(expr string) error

// ParseDefinition validates a workflow document and builds its DAG using
// Kahn's algorithm. Every problem found is reported in one DEFINITION_ERROR.
func ParseDefinition(doc *schema.WorkflowDefinition, checkRule RuleChecker) (*Definition, error) {
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "workflow definition is nil")
	}

	res := &schema.ValidationResult{}
	if doc.Name == "" {
		res.AddError("name", "workflow name is required")
	}
	if len(doc.Steps) == 0 {
		res.AddError("steps", "workflow has no steps")
	}
	if doc.MaxConcurrency < 0 {
		res.AddError("max_concurrency", "must be >= 0, got %d", doc.MaxConcurrency)
	}

	def := &Definition{
		Name:           doc.Name,
		Description:    doc.Description,
		Version:        doc.Version,
		MaxConcurrency: doc.MaxConcurrency,
		Steps:          make(map[string]*StepSpec, len(doc.Steps)),
		Edges:          make(map[string][]string, len(doc.Steps)),
		Reverse:        make(map[string][]string, len(doc.Steps)),
		alternates:     make(map[string]string),
		doc:            *doc,
	}
	if def.Version == "" {
		def.Version = DefaultVersion
	}

	for i := range doc.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		sd := &doc.Steps[i]
		if sd.Name == "" {
			res.AddError(path+".name", "step name is required")
			continue
		}
		if _, dup := def.Steps[sd.Name]; dup {
			res.AddError(path+".name", "duplicate step name %q", sd.Name)
			continue
		}
		spec := parseStep(path, sd, res)
		spec.BreakerKey = spec.Breaker.Key(def.Name, spec.Name)
		def.Steps[sd.Name] = spec
	}

	for i := range doc.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		spec, ok := def.Steps[doc.Steps[i].Name]
		if !ok || spec.Name != doc.Steps[i].Name || def.Edges[spec.Name] != nil {
			continue
		}
		seen := make(map[string]bool, len(spec.DependsOn))
		deps := make([]string, 0, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			switch {
			case dep == spec.Name:
				res.AddError(path+".depends_on", "step %q depends on itself", spec.Name)
			case def.Steps[dep] == nil:
				res.AddError(path+".depends_on", "step %q depends on unknown step %q", spec.Name, dep)
			case seen[dep]:
				res.AddError(path+".depends_on", "step %q lists %q twice", spec.Name, dep)
			default:
				seen[dep] = true
				deps = append(deps, dep)
				def.Reverse[dep] = append(def.Reverse[dep], spec.Name)
			}
		}
		def.Edges[spec.Name] = deps
	}

	checkSubstitutes(doc, def, res)
	checkSharedBreakers(doc, def, res)
	checkRules(doc, def, checkRule, res)

	if err := res.ToError(); err != nil {
		return nil, err
	}

	if err := def.sort(); err != nil {
		return nil, err
	}
	if err := def.checkAlternateReach(); err != nil {
		return nil, err
	}
	return def, nil
}

func parseStep(path string, sd *schema.StepDefinition, res *schema.ValidationResult) *StepSpec {
	spec := &StepSpec{
		Name:        sd.Name,
		Description: sd.Description,
		Handler:     sd.Handler,
		Params:      sd.Params,
		DependsOn:   sd.DependsOn,
		Timeout:     DefaultTimeout,
		MaxAttempts: sd.MaxAttempts,
		Optional:    sd.Optional,
		Substitute:  sd.Substitute,
		Backoff: BackoffPolicy{
			BaseDelay:  DefaultBaseDelay,
			Multiplier: DefaultMultiplier,
			Cap:        DefaultBackoffCap,
			Jitter:     true,
		},
		Breaker: BreakerPolicy{
			FailureThreshold: DefaultFailureThreshold,
			OpenDuration:     DefaultOpenDuration,
		},
	}
	if spec.Handler == "" {
		spec.Handler = sd.Name
	}
	switch {
	case sd.MaxAttempts < 0:
		res.AddError(path+".max_attempts", "must be >= 1, got %d", sd.MaxAttempts)
	case sd.MaxAttempts == 0:
		spec.MaxAttempts = DefaultMaxAttempts
	case sd.MaxAttempts > 20:
		res.AddWarning(path+".max_attempts", "high attempt count %d", sd.MaxAttempts)
	}
	parsePositive(path+".timeout", sd.Timeout, &spec.Timeout, res)

	if b := sd.Backoff; b != nil {
		parseNonNegative(path+".backoff.base_delay", b.BaseDelay, &spec.Backoff.BaseDelay, res)
		parseNonNegative(path+".backoff.cap", b.Cap, &spec.Backoff.Cap, res)
		if b.Multiplier != 0 {
			if b.Multiplier < 1 {
				res.AddError(path+".backoff.multiplier", "must be >= 1, got %g", b.Multiplier)
			}
			spec.Backoff.Multiplier = b.Multiplier
		}
		if b.Jitter != nil {
			spec.Backoff.Jitter = *b.Jitter
		}
		if spec.Backoff.Cap < spec.Backoff.BaseDelay {
			res.AddError(path+".backoff.cap", "cap %s is below base_delay %s", spec.Backoff.Cap, spec.Backoff.BaseDelay)
		}
	}

	if cb := sd.CircuitBreaker; cb != nil {
		switch {
		case cb.FailureThreshold < 0:
			res.AddError(path+".circuit_breaker.failure_threshold", "must be >= 1, got %d", cb.FailureThreshold)
		case cb.FailureThreshold > 0:
			spec.Breaker.FailureThreshold = cb.FailureThreshold
		}
		parsePositive(path+".circuit_breaker.open_duration", cb.OpenDuration, &spec.Breaker.OpenDuration, res)
		spec.Breaker.ResourceKey = cb.ResourceKey
	}
	return spec
}

func parsePositive(path, raw string, dst *time.Duration, res *schema.ValidationResult) {
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		res.AddError(path, "invalid duration %q", raw)
		return
	}
	*dst = d
}

func parseNonNegative(path, raw string, dst *time.Duration, res *schema.ValidationResult) {
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		res.AddError(path, "invalid duration %q", raw)
		return
	}
	*dst = d
}

// checkSubstitutes enforces that alternates exist, stand in for exactly one
// step, and are never a dependency of anything (they only run on demand).
func checkSubstitutes(doc *schema.WorkflowDefinition, def *Definition, res *schema.ValidationResult) {
	for i, sd := range doc.Steps {
		if sd.Substitute == "" {
			continue
		}
		path := fmt.Sprintf("steps[%d].substitute", i)
		switch {
		case sd.Substitute == sd.Name:
			res.AddError(path, "step %q cannot substitute itself", sd.Name)
		case def.Steps[sd.Substitute] == nil:
			res.AddError(path, "unknown substitute step %q", sd.Substitute)
		case def.alternates[sd.Substitute] != "":
			res.AddError(path, "step %q is already the substitute for %q", sd.Substitute, def.alternates[sd.Substitute])
		default:
			def.alternates[sd.Substitute] = sd.Name
		}
	}
	for alt := range def.alternates {
		for _, dependent := range def.Reverse[alt] {
			res.AddError("steps", "step %q depends on %q, which only runs as a substitute", dependent, alt)
		}
	}
}

// checkSharedBreakers gives steps that share a resource_key one policy.
// Declared values must agree; a value left unset is taken from the steps
// that declare it.
func checkSharedBreakers(doc *schema.WorkflowDefinition, def *Definition, res *schema.ValidationResult) {
	type shared struct {
		policy        BreakerPolicy
		thresholdFrom string
		openFrom      string
		members       []*StepSpec
	}
	byKey := make(map[string]*shared)
	var order []string
	done := make(map[string]bool, len(doc.Steps))
	for i, sd := range doc.Steps {
		cb := sd.CircuitBreaker
		spec := def.Steps[sd.Name]
		if cb == nil || cb.ResourceKey == "" || spec == nil || done[sd.Name] {
			continue
		}
		done[sd.Name] = true
		sh := byKey[cb.ResourceKey]
		if sh == nil {
			sh = &shared{policy: BreakerPolicy{
				FailureThreshold: DefaultFailureThreshold,
				OpenDuration:     DefaultOpenDuration,
				ResourceKey:      cb.ResourceKey,
			}}
			byKey[cb.ResourceKey] = sh
			order = append(order, cb.ResourceKey)
		}
		sh.members = append(sh.members, spec)

		path := fmt.Sprintf("steps[%d].circuit_breaker", i)
		if cb.FailureThreshold > 0 {
			switch {
			case sh.thresholdFrom == "":
				sh.thresholdFrom = sd.Name
				sh.policy.FailureThreshold = spec.Breaker.FailureThreshold
			case sh.policy.FailureThreshold != spec.Breaker.FailureThreshold:
				res.AddError(path+".failure_threshold", "resource %q has failure_threshold %d in step %q, got %d",
					cb.ResourceKey, sh.policy.FailureThreshold, sh.thresholdFrom, spec.Breaker.FailureThreshold)
			}
		}
		if cb.OpenDuration != "" {
			switch {
			case sh.openFrom == "":
				sh.openFrom = sd.Name
				sh.policy.OpenDuration = spec.Breaker.OpenDuration
			case sh.policy.OpenDuration != spec.Breaker.OpenDuration:
				res.AddError(path+".open_duration", "resource %q has open_duration %s in step %q, got %s",
					cb.ResourceKey, sh.policy.OpenDuration, sh.openFrom, spec.Breaker.OpenDuration)
			}
		}
	}
	for _, key := range order {
		sh := byKey[key]
		for _, spec := range sh.members {
			spec.Breaker = sh.policy
		}
	}
}

func checkRules(doc *schema.WorkflowDefinition, def *Definition, checkRule RuleChecker, res *schema.ValidationResult) {
	done := make(map[string]bool, len(doc.Steps))
	for i, sd := range doc.Steps {
		spec := def.Steps[sd.Name]
		if spec == nil || done[sd.Name] {
			continue
		}
		done[sd.Name] = true
		for j, r := range sd.Recovery {
			path := fmt.Sprintf("steps[%d].recovery[%d]", i, j)
			action, err := schema.ParseActionKind(r.Action)
			if err != nil {
				res.AddError(path+".action", "unknown recovery action %q", r.Action)
				continue
			}
			if action == schema.ActionSubstitute && sd.Substitute == "" {
				res.AddError(path+".action", "substitute rule requires the step to declare a substitute")
			}
			if r.When == "" {
				res.AddError(path+".when", "condition is required")
			} else if checkRule != nil {
				if err := checkRule(r.When); err != nil {
					res.AddError(path+".when", "invalid condition: %v", err)
				}
			}
			rule := RecoveryRule{When: r.When, Action: action}
			if r.Delay != "" {
				if action != schema.ActionRetry {
					res.AddError(path+".delay", "delay only applies to retry")
				}
				parseNonNegative(path+".delay", r.Delay, &rule.Delay, res)
			}
			spec.Recovery = append(spec.Recovery, rule)
		}
	}
}

// sort runs Kahn's algorithm, records depths, roots and levels.
func (d *Definition) sort() error {
	inDegree := make(map[string]int, len(d.Steps))
	for name := range d.Steps {
		inDegree[name] = len(d.Edges[name])
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)
	d.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(d.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := append([]string(nil), d.Reverse[node]...)
		sort.Strings(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(d.Steps) {
		var cyclic []string
		for name, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return schema.NewErrorf(schema.ErrCodeDefinition, "workflow %q contains a cycle through %v", d.Name, cyclic).
			WithDetails(map[string]any{"steps": cyclic})
	}
	d.Sorted = sorted

	maxDepth := 0
	for _, name := range d.Sorted {
		spec := d.Steps[name]
		spec.Depth = 0
		for _, dep := range d.Edges[name] {
			if dd := d.Steps[dep].Depth + 1; dd > spec.Depth {
				spec.Depth = dd
			}
		}
		if spec.Depth > maxDepth {
			maxDepth = spec.Depth
		}
	}
	d.Levels = make([][]string, maxDepth+1)
	for _, name := range d.Sorted {
		depth := d.Steps[name].Depth
		d.Levels[depth] = append(d.Levels[depth], name)
	}
	for _, lvl := range d.Levels {
		sort.Strings(lvl)
	}
	return nil
}

// checkAlternateReach rejects an alternate that transitively depends on the
// step it replaces; it could never run once that step failed.
func (d *Definition) checkAlternateReach() error {
	for alt, original := range d.alternates {
		if d.dependsOn(alt, original) {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"substitute %q depends on %q, the step it replaces", alt, original).WithStep(original)
		}
	}
	return nil
}

func (d *Definition) dependsOn(step, target string) bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), d.Edges[step]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, d.Edges[n]...)
	}
	return false
}

// IsAlternate reports whether name only runs as a substitute.
func (d *Definition) IsAlternate(name string) bool {
	_, ok := d.alternates[name]
	return ok
}

// ReplacedBy returns the step an alternate stands in for.
func (d *Definition) ReplacedBy(alternate string) (string, bool) {
	s, ok := d.alternates[alternate]
	return s, ok
}

// Document returns the source document the definition was parsed from.
func (d *Definition) Document() schema.WorkflowDefinition { return d.doc }

// HandlerNames returns the distinct handler names the definition needs.
func (d *Definition) HandlerNames() []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range d.Sorted {
		h := d.Steps[name].Handler
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}
