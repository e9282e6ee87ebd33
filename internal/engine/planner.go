package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/healflow/internal/expressions"
	"github.com/rendis/healflow/internal/logging"
	"github.com/rendis/healflow/internal/store"
	"github.com/rendis/healflow/pkg/schema"
)

// RuleEvaluator evaluates boolean recovery rule conditions.
// *expressions.CELEngine satisfies it.
type RuleEvaluator interface {
	EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error)
}

var _ RuleEvaluator = (*expressions.CELEngine)(nil)

// PlanInput is everything the planner looks at for one failure.
type PlanInput struct {
	Kind             schema.ErrorKind
	Message          string
	State            *store.StepState
	Spec             *StepSpec
	BreakerRemaining time.Duration
}

// RecoveryPlanner maps a classified failure to a recovery action: per-step
// rules first, then the default table, then the substitute override.
type RecoveryPlanner struct {
	rules  RuleEvaluator
	jitter JitterSource
	logger *slog.Logger
}

// NewRecoveryPlanner creates a planner. rules may be nil when no step
// declares recovery rules.
func NewRecoveryPlanner(rules RuleEvaluator, jitter JitterSource, logger *slog.Logger) *RecoveryPlanner {
	if jitter == nil {
		jitter = NewJitterSource(uint64(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &RecoveryPlanner{rules: rules, jitter: jitter, logger: logger}
}

// AttemptLimit is the number of attempts the step may consume in total.
func AttemptLimit(st *store.StepState, spec *StepSpec) int {
	if st.AttemptLimit > 0 {
		return st.AttemptLimit
	}
	return spec.MaxAttempts
}

// Plan selects the recovery action for a failed attempt.
func (p *RecoveryPlanner) Plan(ctx context.Context, in PlanInput) schema.RecoveryAction {
	if in.Kind == schema.KindCircuitOpen {
		delay := in.BreakerRemaining
		if delay <= 0 {
			delay = in.Spec.Backoff.BaseDelay
		}
		return schema.RecoveryAction{Kind: schema.ActionRetry, Delay: delay, Reason: "circuit open"}
	}

	if action, ok := p.fromRules(ctx, in); ok {
		return action
	}

	action := p.table(in)
	if (action.Kind == schema.ActionEscalate || action.Kind == schema.ActionAbort) &&
		in.Kind != schema.KindInvalidInput && in.Spec.Substitute != "" && in.State.SubstitutedBy == "" {
		return schema.RecoveryAction{
			Kind:      schema.ActionSubstitute,
			Alternate: in.Spec.Substitute,
			Counted:   true,
			Reason:    fmt.Sprintf("%s instead of %s", in.Spec.Substitute, action.Kind),
		}
	}
	return action
}

func (p *RecoveryPlanner) table(in PlanInput) schema.RecoveryAction {
	remaining := in.State.AttemptCount < AttemptLimit(in.State, in.Spec)
	exhausted := schema.RecoveryAction{
		Kind:    schema.ActionEscalate,
		Counted: true,
		Reason:  fmt.Sprintf("%s after %d attempts", in.Kind, in.State.AttemptCount),
	}

	switch in.Kind {
	case schema.KindTransient, schema.KindTimeout:
		if !remaining {
			return exhausted
		}
		return p.retry(in, 1, string(in.Kind))
	case schema.KindResourceExhaustion:
		if !remaining {
			return exhausted
		}
		return p.retry(in, 2, "resource exhaustion, doubled backoff")
	case schema.KindInvalidInput:
		return schema.RecoveryAction{Kind: schema.ActionAbort, Counted: true, Reason: "invalid input"}
	case schema.KindDependencyFailure:
		if in.Spec.Optional {
			return schema.RecoveryAction{Kind: schema.ActionSkip, Counted: true, Reason: "optional step lost a dependency"}
		}
		return schema.RecoveryAction{Kind: schema.ActionAbort, Counted: true, Reason: "dependency failure"}
	}
	return schema.RecoveryAction{Kind: schema.ActionEscalate, Counted: true, Reason: "unclassified failure"}
}

// retry computes backoff(n) with n the number of failed attempts so far
// minus one, so the first retry waits about base_delay.
func (p *RecoveryPlanner) retry(in PlanInput, factor int, reason string) schema.RecoveryAction {
	delay := ComputeBackoff(in.Spec.Backoff, in.State.AttemptCount-1, p.jitter) * time.Duration(factor)
	return schema.RecoveryAction{Kind: schema.ActionRetry, Delay: delay, Counted: true, Reason: reason}
}

// fromRules applies the first matching per-step rule. A retry rule only
// matches while attempts remain, so rules cannot retry forever.
func (p *RecoveryPlanner) fromRules(ctx context.Context, in PlanInput) (schema.RecoveryAction, bool) {
	if p.rules == nil || len(in.Spec.Recovery) == 0 {
		return schema.RecoveryAction{}, false
	}
	limit := AttemptLimit(in.State, in.Spec)
	vars := map[string]any{
		"kind":               string(in.Kind),
		"step":               in.Spec.Name,
		"message":            in.Message,
		"attempts":           in.State.AttemptCount,
		"max_attempts":       limit,
		"attempts_remaining": max(limit-in.State.AttemptCount, 0),
		"optional":           in.Spec.Optional,
	}
	for _, rule := range in.Spec.Recovery {
		ok, err := p.rules.EvaluateBool(ctx, rule.When, vars)
		if err != nil {
			logging.LogWith(ctx, p.logger).Warn("recovery rule failed", "rule", rule.When, "error", err)
			continue
		}
		if !ok {
			continue
		}
		reason := "rule: " + rule.When
		switch rule.Action {
		case schema.ActionRetry:
			if in.State.AttemptCount >= limit {
				continue
			}
			action := p.retry(in, 1, reason)
			if rule.Delay > 0 {
				action.Delay = rule.Delay
			}
			return action, true
		case schema.ActionSubstitute:
			if in.Spec.Substitute == "" || in.State.SubstitutedBy != "" {
				continue
			}
			return schema.RecoveryAction{Kind: schema.ActionSubstitute, Alternate: in.Spec.Substitute, Counted: true, Reason: reason}, true
		case schema.ActionSkip, schema.ActionEscalate, schema.ActionAbort:
			return schema.RecoveryAction{Kind: rule.Action, Counted: true, Reason: reason}, true
		}
	}
	return schema.RecoveryAction{}, false
}
