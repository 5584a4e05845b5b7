package proptest

import (
	"testing"

	"github.com/arjunmehta/taskforge/pkg/contract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysHasTaskInput() contract.Contract {
	return contract.Contract{
		Preconditions: []contract.Condition{contract.HasInput("task")},
	}
}

func TestRunDeterministicForSameSeed(t *testing.T) {
	cfg := Config{NumRuns: 50, Seed: 42, CollectAll: true}
	r1 := Run(cfg, alwaysHasTaskInput())
	r2 := Run(cfg, alwaysHasTaskInput())
	assert.Equal(t, r1.TestsPassed, r2.TestsPassed)
	assert.Equal(t, r1.TestsFailed, r2.TestsFailed)
}

func TestRunFindsFailuresWhenConditionUnsatisfiable(t *testing.T) {
	// "task" is never a generated input key, so every run should fail this
	// precondition.
	cfg := Config{NumRuns: 20, Seed: 1, CollectAll: true}
	rep := Run(cfg, alwaysHasTaskInput())
	require.False(t, rep.Passed)
	assert.Equal(t, rep.TestsRun, rep.TestsFailed)
	assert.NotEmpty(t, rep.Failures)
	for _, f := range rep.Failures {
		assert.Equal(t, "has input task", f.FailedCondition)
	}
}

func TestRunStopsOnFirstFailureWhenNotCollectAll(t *testing.T) {
	cfg := Config{NumRuns: 50, Seed: 7, CollectAll: false}
	rep := Run(cfg, alwaysHasTaskInput())
	assert.LessOrEqual(t, rep.TestsRun, 1)
}

func TestShrinkProducesSmallerFailingCandidate(t *testing.T) {
	c := contract.Contract{
		Invariants: []contract.Condition{
			{
				ID:   "no_inputs",
				Name: "no inputs",
				Type: contract.Invariant,
				Predicate: func(ctx *contract.Context) bool {
					return len(ctx.Inputs) == 0
				},
				ErrorMessage: "context has inputs",
				Severity:     contract.SeverityError,
			},
		},
	}
	r := NewRand(3)
	ctx := GenerateExecutionContext(r)
	for len(ctx.Inputs) == 0 {
		ctx = GenerateExecutionContext(r)
	}

	shrunk, steps := shrink(ctx, c, "no inputs", 100)
	if steps > 0 {
		require.NotNil(t, shrunk)
		assert.LessOrEqual(t, len(shrunk.Inputs), len(ctx.Inputs))
	}
}

func TestRandIsDeterministic(t *testing.T) {
	a := NewRand(99)
	b := NewRand(99)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Uint64(), b.Uint64())
	}
}
