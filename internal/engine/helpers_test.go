package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/rendis/healflow/internal/store"
	"github.com/rendis/healflow/pkg/schema"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixedJitter int64

func (j fixedJitter) Int64N(n int64) int64 {
	if int64(j) >= n {
		return n - 1
	}
	return int64(j)
}

func step(name string, deps ...string) schema.StepDefinition {
	return schema.StepDefinition{Name: name, Handler: "noop", DependsOn: deps}
}

func workflow(steps ...schema.StepDefinition) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{Name: "test", Steps: steps}
}

func mustParse(t *testing.T, doc *schema.WorkflowDefinition) *Definition {
	t.Helper()
	def, err := ParseDefinition(doc, nil)
	require.NoError(t, err)
	return def
}

func newRun(def *Definition, now time.Time) *store.RunState {
	return store.NewRunState("run-1", def.Document(), now)
}
