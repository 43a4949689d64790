package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// scriptedRunner fails the steps listed in failSteps and records run order.
type scriptedRunner struct {
	mu        sync.Mutex
	failSteps map[string]bool
	ran       []string
	attempts  map[string]int
}

func newScriptedRunner(fail ...string) *scriptedRunner {
	m := make(map[string]bool, len(fail))
	for _, f := range fail {
		m[f] = true
	}
	return &scriptedRunner{failSteps: m, attempts: make(map[string]int)}
}

func (r *scriptedRunner) RunStep(_ context.Context, _ *models.Plan, step *models.PlanStep) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, step.ID)
	r.attempts[step.ID]++
	if r.failSteps[step.ID] {
		return "", errors.New("scripted failure")
	}
	return "ok:" + step.ID, nil
}

func TestParseValidPlan(t *testing.T) {
	raw := `{
		"description": "check feeds",
		"steps": [
			{"id": "a", "description": "fetch", "action": "tool_call", "tool": "web_fetch"},
			{"id": "b", "description": "summarize", "action": "prompt", "depends_on": ["a"]},
			{"id": "c", "description": "store", "action": "tool_call", "tool": "memory_append", "depends_on": ["a"]}
		]
	}`
	plan, err := Parse(raw, "user:42")
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 3)
	assert.Equal(t, models.StepPending, plan.Steps[0].Status)
	// max_attempts=0 normalizes to 1.
	assert.Equal(t, 1, plan.Steps[0].MaxAttempts)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `{steps:`,
		"no steps":       `{"steps": []}`,
		"empty id":       `{"steps": [{"id": ""}]}`,
		"duplicate id":   `{"steps": [{"id": "a"}, {"id": "a"}]}`,
		"unknown action": `{"steps": [{"id": "a", "action": "shell"}]}`,
		"unknown dep":    `{"steps": [{"id": "a", "depends_on": ["zzz"]}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw, "user:42")
			assert.Error(t, err)
		})
	}
}

func TestParseRejectsCycle(t *testing.T) {
	raw := `{"steps": [
		{"id": "a", "depends_on": ["b"]},
		{"id": "b", "depends_on": ["a"]}
	]}`
	_, err := Parse(raw, "user:42")
	assert.ErrorIs(t, err, ErrCyclicPlan)
}

func TestExecutePartialFailureSparesIndependentBranch(t *testing.T) {
	// A → B, A → C; B fails, C succeeds, nothing is skipped.
	raw := `{"steps": [
		{"id": "a"},
		{"id": "b", "depends_on": ["a"]},
		{"id": "c", "depends_on": ["a"]}
	]}`
	plan, err := Parse(raw, "user:42")
	require.NoError(t, err)

	runner := newScriptedRunner("b")
	report, err := NewExecutor(runner).Execute(context.Background(), plan)
	require.NoError(t, err)

	statuses := map[string]models.StepStatus{}
	for _, s := range plan.Steps {
		statuses[s.ID] = s.Status
	}
	assert.Equal(t, models.StepCompleted, statuses["a"])
	assert.Equal(t, models.StepFailed, statuses["b"])
	assert.Equal(t, models.StepCompleted, statuses["c"])
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Skipped)
}

func TestExecuteSkipPropagatesDownstreamOnly(t *testing.T) {
	// A fails; B depends on A (skipped); C depends on B (skipped);
	// D is independent (completed).
	raw := `{"steps": [
		{"id": "a"},
		{"id": "b", "depends_on": ["a"]},
		{"id": "c", "depends_on": ["b"]},
		{"id": "d"}
	]}`
	plan, err := Parse(raw, "user:42")
	require.NoError(t, err)

	runner := newScriptedRunner("a")
	report, err := NewExecutor(runner).Execute(context.Background(), plan)
	require.NoError(t, err)

	statuses := map[string]models.StepStatus{}
	for _, s := range plan.Steps {
		statuses[s.ID] = s.Status
	}
	assert.Equal(t, models.StepFailed, statuses["a"])
	assert.Equal(t, models.StepSkipped, statuses["b"])
	assert.Equal(t, models.StepSkipped, statuses["c"])
	assert.Equal(t, models.StepCompleted, statuses["d"])
	assert.Equal(t, 2, report.Skipped)
}

func TestExecuteHonorsTopologicalOrder(t *testing.T) {
	raw := `{"steps": [
		{"id": "late", "depends_on": ["mid"]},
		{"id": "mid", "depends_on": ["early"]},
		{"id": "early"}
	]}`
	plan, err := Parse(raw, "user:42")
	require.NoError(t, err)

	runner := newScriptedRunner()
	_, err = NewExecutor(runner).Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "mid", "late"}, runner.ran)
}

func TestExecuteRetriesUpToMaxAttempts(t *testing.T) {
	raw := fmt.Sprintf(`{"steps": [{"id": "a", "max_attempts": %d}]}`, 3)
	plan, err := Parse(raw, "user:42")
	require.NoError(t, err)

	runner := newScriptedRunner("a")
	report, err := NewExecutor(runner).Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 3, runner.attempts["a"], "exactly max_attempts attempts")
	assert.Equal(t, 1, report.Failed)
}

func TestExecuteCancellation(t *testing.T) {
	raw := `{"steps": [{"id": "a"}, {"id": "b", "depends_on": ["a"]}]}`
	plan, err := Parse(raw, "user:42")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewExecutor(newScriptedRunner()).Execute(ctx, plan)
	assert.ErrorIs(t, err, context.Canceled)
}
