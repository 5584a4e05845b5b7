package contract

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseCtx() *Context {
	return &Context{
		ScopeID:   "scope-1",
		TaskID:    "task-1",
		Inputs:    map[string]any{"task": "do the thing"},
		Outputs:   map[string]any{},
		State:     StateExecuting,
		StartTime: time.Now(),
	}
}

func TestEvaluatePass(t *testing.T) {
	ctx := baseCtx()
	res := Evaluate(HasInput("task"), ctx)
	assert.True(t, res.Passed)
}

func TestEvaluateFail(t *testing.T) {
	ctx := baseCtx()
	res := Evaluate(HasInput("missing"), ctx)
	assert.False(t, res.Passed)
	assert.NotEmpty(t, res.ErrorMessage)
}

func TestEvaluateRecoversPanic(t *testing.T) {
	ctx := baseCtx()
	c := Condition{
		ID:   "boom",
		Name: "boom",
		Type: Precondition,
		Predicate: func(*Context) bool {
			panic("kaboom")
		},
		Severity: SeverityWarning,
	}
	res := Evaluate(c, ctx)
	assert.False(t, res.Passed)
	assert.Equal(t, SeverityError, res.Severity)
	assert.Contains(t, res.ErrorMessage, "kaboom")
}

func TestEvaluateAllCountsEverySuccess(t *testing.T) {
	ctx := baseCtx()
	ctx.Outputs["result"] = "done"

	c := Contract{
		ID:             "c1",
		Preconditions:  []Condition{HasInput("task"), InputNotEmpty("task")},
		Postconditions: []Condition{HasOutput("result"), NoError()},
		Invariants:     []Condition{ValidState(StateExecuting, StateVerifying)},
	}

	res := EvaluateAll(c, ctx)
	require.True(t, res.Success)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 5, res.Successes)
}

func TestEvaluateAllFailurePreventsSuccess(t *testing.T) {
	ctx := baseCtx()
	ctx.Err = errors.New("boom")

	c := Contract{
		Postconditions: []Condition{NoError()},
	}
	res := EvaluateAll(c, ctx)
	assert.False(t, res.Success)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, Postcondition, res.Failures[0].Type)
}

func TestWarningSeverityDoesNotFailContract(t *testing.T) {
	ctx := baseCtx()
	c := Contract{
		Invariants: []Condition{
			{
				ID:           "soft",
				Name:         "soft check",
				Type:         Invariant,
				Predicate:    func(*Context) bool { return false },
				Severity:     SeverityWarning,
				ErrorMessage: "soft failure",
			},
		},
	}
	res := EvaluateAll(c, ctx)
	assert.True(t, res.Success)
	assert.Len(t, res.Failures, 1)
}

func TestWithinTimeout(t *testing.T) {
	ctx := baseCtx()
	end := ctx.StartTime.Add(10 * time.Millisecond)
	ctx.EndTime = &end

	res := Evaluate(WithinTimeout(5), ctx)
	assert.False(t, res.Passed)

	res = Evaluate(WithinTimeout(1000), ctx)
	assert.True(t, res.Passed)
}
