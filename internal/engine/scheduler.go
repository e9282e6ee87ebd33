package engine

import (
	"sort"
	"time"

	"github.com/rendis/healflow/internal/store"
	"github.com/rendis/healflow/pkg/schema"
)

// BreakerView is the read side of the breaker registry the scheduler needs.
type BreakerView interface {
	Blocked(key string) (bool, time.Time)
}

// ReadySteps returns up to limit steps eligible to run at now, ordered by
// topological depth then name. A step is eligible when it is Pending (an
// alternate only once activated) or Retrying with next_retry_at <= now,
// every dependency is Succeeded or Skipped, and its breaker is not blocking.
// The result depends only on its inputs.
func ReadySteps(def *Definition, run *store.RunState, now time.Time, limit int, breakers BreakerView) []string {
	if limit <= 0 {
		return nil
	}
	var ready []*StepSpec
	for _, name := range def.Sorted {
		spec := def.Steps[name]
		st := run.Steps[name]
		if st == nil || !awaitingDispatch(def, st, now) {
			continue
		}
		if !DependenciesSatisfied(def, run, name) {
			continue
		}
		if breakers != nil {
			if blocked, _ := breakers.Blocked(spec.BreakerKey); blocked {
				continue
			}
		}
		ready = append(ready, spec)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Depth != ready[j].Depth {
			return ready[i].Depth < ready[j].Depth
		}
		return ready[i].Name < ready[j].Name
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	names := make([]string, len(ready))
	for i, s := range ready {
		names[i] = s.Name
	}
	return names
}

func awaitingDispatch(def *Definition, st *store.StepState, now time.Time) bool {
	switch st.Status {
	case schema.StepStatusPending:
		return !def.IsAlternate(st.Name) || st.Activated
	case schema.StepStatusRetrying:
		return st.NextRetryAt == nil || !st.NextRetryAt.After(now)
	}
	return false
}

// DependenciesSatisfied reports whether every dependency of step is
// Succeeded or Skipped.
func DependenciesSatisfied(def *Definition, run *store.RunState, step string) bool {
	for _, dep := range def.Edges[step] {
		st := run.Steps[dep]
		if st == nil || !st.Status.Satisfied() {
			return false
		}
	}
	return true
}

// NextWakeup returns the earliest future instant at which ReadySteps could
// return something new without any step completing: a retry coming due or a
// breaker re-opening for a step that is otherwise eligible.
func NextWakeup(def *Definition, run *store.RunState, now time.Time, breakers BreakerView) (time.Time, bool) {
	var next time.Time
	consider := func(t time.Time) {
		if t.After(now) && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	for _, name := range def.Sorted {
		st := run.Steps[name]
		if st == nil {
			continue
		}
		if st.Status == schema.StepStatusRetrying && st.NextRetryAt != nil {
			consider(*st.NextRetryAt)
		}
		if breakers == nil || !DependenciesSatisfied(def, run, name) {
			continue
		}
		if st.Status == schema.StepStatusPending && (!def.IsAlternate(name) || st.Activated) ||
			st.Status == schema.StepStatusRetrying {
			if blocked, until := breakers.Blocked(def.Steps[name].BreakerKey); blocked && !until.IsZero() {
				consider(until)
			}
		}
	}
	return next, !next.IsZero()
}
